// Package engine runs the single-writer execution loop: market data in,
// strategy and risk, order submission, then broker polling, ledger updates,
// persistence and PnL snapshots, one iteration at a time.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/ksred/klear-trader/internal/broker"
	"github.com/ksred/klear-trader/internal/config"
	"github.com/ksred/klear-trader/internal/journal"
	"github.com/ksred/klear-trader/internal/ledger"
	"github.com/ksred/klear-trader/internal/metrics"
	"github.com/ksred/klear-trader/internal/persistence"
	"github.com/ksred/klear-trader/internal/reconcile"
	"github.com/ksred/klear-trader/internal/risk"
	"github.com/ksred/klear-trader/internal/session"
	"github.com/ksred/klear-trader/internal/strategy"
	"github.com/ksred/klear-trader/internal/types"
)

type State string

const (
	StateIdle              State = "Idle"
	StateFetchMarketData   State = "FetchMarketData"
	StateRunStrategy       State = "RunStrategy"
	StateRiskCheck         State = "RiskCheck"
	StateSubmit            State = "Submit"
	StateSkip              State = "Skip"
	StatePollBrokerUpdates State = "PollBrokerUpdates"
	StateApplyLedger       State = "ApplyLedger"
	StatePersistAll        State = "PersistAll"
	StateEmitSnapshot      State = "EmitSnapshot"
	StateHalted            State = "Halted"
)

var (
	ErrTickTimeout      = errors.New("no market data within tick timeout")
	ErrMarketDataClosed = errors.New("market data stream closed")
	ErrNotStarted       = errors.New("loop not started")
)

const tickBuffer = 256

// Store is the persistence the loop writes through
type Store interface {
	ledger.Source
	reconcile.Store
	journal.Store
	GetSnapshotsBefore(ctx context.Context, before time.Time) ([]types.PnLSnapshot, error)
	RecordOrder(ctx context.Context, order *types.Order) error
	RecordFill(ctx context.Context, fill *types.Fill) (bool, error)
	UpdateFillCommission(ctx context.Context, execID string, amount decimal.Decimal) (bool, error)
	PendingCommissionFills(ctx context.Context) ([]types.Fill, error)
	RecordPnLSnapshot(ctx context.Context, snap *types.PnLSnapshot) error
	LatestFillTimestamp(ctx context.Context) (time.Time, error)
}

type Options struct {
	Config   *config.Config
	Session  *session.Session
	Broker   broker.Broker
	Store    Store
	Strategy strategy.Strategy
	Metrics  *metrics.Metrics
	Clock    func() time.Time
}

// Loop owns the ledger and is the only writer to it and to the store
type Loop struct {
	cfg        *config.Config
	sess       *session.Session
	broker     broker.Broker
	store      Store
	ledger     *ledger.Ledger
	journal    *journal.Journal
	guard      *risk.Guard
	daily      *risk.DailyTracker
	reconciler *reconcile.Service
	strategy   strategy.Strategy
	metrics    *metrics.Metrics
	queue      *Queue
	clock      func() time.Time

	ticks    chan types.MarketEvent
	feedLost chan struct{}
	lostOnce *sync.Once

	prices        map[string]decimal.Decimal
	reasons       map[string]string
	fillCursor    time.Time
	lastReconcile time.Time
	opened        bool
	started       bool
	iterations    int64

	state  atomic.Value
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger zerolog.Logger
}

func New(opts Options) (*Loop, error) {
	if opts.Config == nil || opts.Session == nil || opts.Broker == nil || opts.Store == nil {
		return nil, errors.New("engine needs config, session, broker and store")
	}
	if opts.Strategy == nil {
		opts.Strategy = strategy.Noop{}
	}
	if opts.Clock == nil {
		opts.Clock = func() time.Time { return time.Now().UTC() }
	}

	b := opts.Broker
	if opts.Metrics != nil {
		b = broker.Instrument(b, opts.Metrics.ObserveBrokerCall)
	}

	cfg := opts.Config
	led := ledger.New(cfg.Multipliers())
	l := &Loop{
		cfg:        cfg,
		sess:       opts.Session,
		broker:     b,
		store:      opts.Store,
		ledger:     led,
		journal:    journal.New(opts.Store, opts.Session.ID, opts.Strategy.Name()),
		guard:      risk.NewGuard(risk.LimitsFromConfig(cfg.Risk), opts.Session),
		daily:      risk.NewDailyTracker(cfg.Risk.DailyReset, cfg.Risk.Location()),
		reconciler: reconcile.NewService(b, opts.Store, led, opts.Session, cfg.Reconcile.HaltOnMismatch),
		strategy:   opts.Strategy,
		metrics:    opts.Metrics,
		queue:      NewQueue(cfg.Runtime.QueueSize),
		clock:      opts.Clock,
		ticks:      make(chan types.MarketEvent, tickBuffer),
		prices:     make(map[string]decimal.Decimal),
		reasons:    make(map[string]string),
		logger: log.With().
			Str("component", "engine").
			Str("session_id", opts.Session.ID).
			Str("instance_id", cfg.Runtime.InstanceID).
			Logger(),
	}
	l.state.Store(StateIdle)

	m := opts.Metrics
	opts.Session.OnHalt(func(h session.HaltState) {
		m.Halt(string(h.Reason))
	})
	return l, nil
}

// NewClientOrderID returns <UTC yyyymmdd-hhmmss>-<10 hex chars>
func NewClientOrderID(now time.Time) string {
	hex := strings.ReplaceAll(uuid.NewString(), "-", "")
	return now.UTC().Format("20060102-150405") + "-" + hex[:10]
}

func (l *Loop) State() State {
	return l.state.Load().(State)
}

func (l *Loop) setState(s State) {
	l.state.Store(s)
}

// Ledger is only safe to read from the loop's goroutine or once it stopped
func (l *Loop) Ledger() *ledger.Ledger {
	return l.ledger
}

func (l *Loop) Session() *session.Session {
	return l.sess
}

// Open connects the broker and rebuilds the ledger from the store. It does
// not subscribe to market data; Start does.
func (l *Loop) Open(ctx context.Context) (ledger.RecoverResult, error) {
	if err := l.connect(ctx); err != nil {
		return ledger.RecoverResult{}, err
	}

	res, err := l.ledger.Recover(ctx, l.store, l.cfg.Ledger.Restore)
	if err != nil {
		return res, fmt.Errorf("failed to recover ledger: %w", err)
	}
	l.fillCursor, err = l.store.LatestFillTimestamp(ctx)
	if err != nil {
		return res, fmt.Errorf("failed to load fill cursor: %w", err)
	}
	if err := l.journal.Load(ctx); err != nil {
		return res, fmt.Errorf("failed to load open trades: %w", err)
	}
	if err := l.startDaily(ctx); err != nil {
		return res, err
	}
	l.opened = true
	return res, nil
}

// startDaily sets the daily loss baseline. In calendar_day mode a restart
// measures from the last snapshot before local midnight, so losses booked
// earlier the same day still count.
func (l *Loop) startDaily(ctx context.Context) error {
	now := l.clock()
	if !l.daily.CalendarDay() {
		l.daily.Start(now, l.ledger.Totals(nil))
		return nil
	}
	snaps, err := l.store.GetSnapshotsBefore(ctx, l.daily.DayStart(now))
	if err != nil {
		return fmt.Errorf("failed to load daily baseline: %w", err)
	}
	baseline := ledger.SnapshotTotals(snaps)
	l.daily.Start(now, baseline)
	l.logger.Info().
		Int("snapshots", len(snaps)).
		Str("baseline_net", baseline.Net().String()).
		Msg("Daily loss baseline restored")
	return nil
}

// Start opens the loop, reconciles and subscribes to market data. A
// reconcile that halts the session leaves the loop in Halted.
func (l *Loop) Start(ctx context.Context) error {
	res, err := l.Open(ctx)
	if err != nil {
		return err
	}

	if _, err := l.reconcile(ctx); err != nil {
		return fmt.Errorf("startup reconcile failed: %w", err)
	}

	bgCtx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	if err := l.subscribe(bgCtx); err != nil {
		cancel()
		return err
	}
	if n, ok := broker.AsNotifier(l.broker); ok && n.Notifications() != nil {
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.queue.Forward(bgCtx, n.Notifications(), l.logger)
		}()
	}
	l.started = true

	l.logger.Info().
		Str("env", l.sess.Env).
		Bool("trading_enabled", l.sess.TradingEnabled()).
		Str("strategy", l.strategy.Name()).
		Str("restore_mode", res.Mode).
		Int("replayed_fills", res.Replayed).
		Strs("symbols", l.cfg.Symbols()).
		Msg("Execution loop started")

	if l.sess.Halted() {
		l.setState(StateHalted)
	}
	return nil
}

func (l *Loop) connect(ctx context.Context) error {
	cctx := ctx
	if d := l.cfg.Runtime.ConnectTimeout; d > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	if err := l.broker.Connect(cctx); err != nil {
		return fmt.Errorf("failed to connect broker: %w", err)
	}
	return nil
}

// subscribe fans every instrument's market data into l.ticks. A closed
// subscription marks the feed lost so the loop can reconnect.
func (l *Loop) subscribe(ctx context.Context) error {
	l.feedLost = make(chan struct{})
	l.lostOnce = &sync.Once{}
	lost, once := l.feedLost, l.lostOnce

	for _, sym := range l.cfg.Symbols() {
		ch, err := l.broker.SubscribeMarketData(ctx, sym)
		if err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", sym, err)
		}
		l.wg.Add(1)
		go func(ch <-chan types.MarketEvent) {
			defer l.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case ev, ok := <-ch:
					if !ok {
						once.Do(func() { close(lost) })
						return
					}
					select {
					case l.ticks <- ev:
					case <-ctx.Done():
						return
					}
				}
			}
		}(ch)
	}
	return nil
}

// Stop disconnects the broker and waits for the feed goroutines
func (l *Loop) Stop(ctx context.Context) error {
	if l.cancel != nil {
		l.cancel()
	}
	err := l.broker.Disconnect(ctx)
	l.wg.Wait()
	l.queue.Close()
	l.logger.Info().Int64("iterations", l.iterations).Msg("Execution loop stopped")
	return err
}

// Run steps until the budget is spent, the session halts or ctx is done.
// iterations <= 0 runs without a budget. A halted loop is not resumed.
func (l *Loop) Run(ctx context.Context, iterations int) error {
	if !l.started {
		return ErrNotStarted
	}
	for i := 0; iterations <= 0 || i < iterations; i++ {
		state, err := l.Step(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
		if state == StateHalted {
			h := l.sess.HaltState()
			l.logger.Error().Str("reason", string(h.Reason)).Str("detail", h.Detail).Msg("Loop halted")
			return nil
		}
		if l.cfg.Runtime.Heartbeat > 0 && (iterations <= 0 || i < iterations-1) {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(l.cfg.Runtime.Heartbeat):
			}
		}
	}
	return nil
}

// Step runs one iteration and reports the state it ended in
func (l *Loop) Step(ctx context.Context) (State, error) {
	if !l.started {
		return l.State(), ErrNotStarted
	}
	if l.sess.Halted() {
		l.setState(StateHalted)
		return StateHalted, nil
	}
	l.iterations++

	l.setState(StateFetchMarketData)
	event, err := l.fetch(ctx)
	switch {
	case err == nil:
		l.setState(StateRunStrategy)
		l.trade(ctx, event)
	case errors.Is(err, ErrTickTimeout):
		switch l.cfg.Runtime.TimeoutPolicy {
		case config.TimeoutHalt:
			l.sess.Halt(session.HaltConnectivity, err.Error())
		case config.TimeoutFail:
			return l.State(), err
		default:
			l.logger.Warn().Dur("tick_timeout", l.cfg.Runtime.TickTimeout).Msg("No market data, skipping strategy")
		}
	case errors.Is(err, ErrMarketDataClosed):
		if rerr := l.reconnect(ctx); rerr != nil {
			l.sess.Halt(session.HaltConnectivity, rerr.Error())
		}
	default:
		return l.State(), err
	}

	l.collect(ctx)

	// Runs after collect so the ledger already holds this iteration's fills.
	if iv := l.cfg.Reconcile.Interval; iv > 0 && !l.sess.Halted() && l.clock().Sub(l.lastReconcile) >= iv {
		if _, err := l.reconcile(ctx); err != nil {
			l.logger.Warn().Err(err).Msg("Periodic reconcile failed")
		}
	}

	if l.sess.Halted() {
		l.setState(StateHalted)
		return StateHalted, nil
	}
	l.setState(StateIdle)
	return StateIdle, nil
}

func (l *Loop) fetch(ctx context.Context) (types.MarketEvent, error) {
	timer := time.NewTimer(l.cfg.Runtime.TickTimeout)
	defer timer.Stop()

	for {
		select {
		case ev := <-l.ticks:
			if !ev.Valid() {
				continue
			}
			return ev, nil
		case <-l.feedLost:
			return types.MarketEvent{}, ErrMarketDataClosed
		case <-timer.C:
			return types.MarketEvent{}, ErrTickTimeout
		case <-ctx.Done():
			return types.MarketEvent{}, ctx.Err()
		}
	}
}

func (l *Loop) reconnect(ctx context.Context) error {
	l.logger.Warn().Msg("Broker connection lost, reconnecting")
	if l.cancel != nil {
		l.cancel()
	}
	if err := l.connect(ctx); err != nil {
		return err
	}
	bgCtx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	if err := l.subscribe(bgCtx); err != nil {
		return err
	}
	if n, ok := broker.AsNotifier(l.broker); ok && n.Notifications() != nil {
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.queue.Forward(bgCtx, n.Notifications(), l.logger)
		}()
	}
	if _, err := l.reconcile(ctx); err != nil {
		return fmt.Errorf("reconcile after reconnect: %w", err)
	}
	l.logger.Info().Msg("Broker reconnected")
	return nil
}

func (l *Loop) reconcile(ctx context.Context) (reconcile.Report, error) {
	l.lastReconcile = l.clock()
	report, err := l.reconciler.Run(ctx)
	if err != nil {
		return report, err
	}
	for _, d := range report.Discrepancies {
		l.metrics.Discrepancy(string(d.Kind))
	}
	return report, nil
}

// trade runs the strategy for one event and submits what the guard allows
func (l *Loop) trade(ctx context.Context, event types.MarketEvent) {
	l.prices[event.Symbol] = event.Price
	intents := l.strategy.OnMarketEvent(event, l.ledger.Position(event.Symbol))

	for _, intent := range intents {
		l.setState(StateRiskCheck)
		now := l.clock()
		intent.ClientOrderID = NewClientOrderID(now)
		if intent.Timestamp.IsZero() {
			intent.Timestamp = now
		}
		logger := l.logger.With().
			Str("client_order_id", intent.ClientOrderID).
			Str("symbol", intent.Symbol).
			Str("side", string(intent.Side)).
			Int64("qty", intent.Quantity).
			Logger()

		if !l.sess.TradingEnabled() {
			d := risk.TradingDisabled()
			l.metrics.RiskDecision(string(d.Action), string(d.Reason))
			logger.Info().Str("reason", string(d.Reason)).Str("env", l.sess.Env).Msg("Trading disabled, intent skipped")
			l.setState(StateSkip)
			continue
		}

		daily := l.daily.Daily(now, l.ledger.Totals(l.prices))
		d := l.guard.Check(intent, l.ledger.Position(intent.Symbol), daily)
		l.metrics.RiskDecision(string(d.Action), string(d.Reason))
		if d.Action == risk.ActionHalt {
			return
		}
		if !d.Allowed() {
			l.setState(StateSkip)
			continue
		}

		l.setState(StateSubmit)
		if _, err := l.submit(ctx, intent); err != nil {
			logger.Error().Err(err).Msg("Order submission failed")
		}
	}
}

// submit records the order before sending it and never retries the send
func (l *Loop) submit(ctx context.Context, intent types.OrderIntent) (broker.OrderAck, error) {
	order := intent.ToOrder(l.clock())
	if err := l.store.RecordOrder(ctx, order); err != nil {
		return broker.OrderAck{}, err
	}

	if intent.Reason != "" {
		l.reasons[intent.ClientOrderID] = intent.Reason
	}
	ack, err := l.broker.SubmitOrder(ctx, intent)
	if err != nil {
		if errors.Is(err, broker.ErrRejected) {
			if uerr := l.store.UpdateOrderStatus(ctx, intent.ClientOrderID, types.OrderStatusRejected, ack.BrokerOrderID); uerr != nil {
				l.logger.Error().Err(uerr).Str("client_order_id", intent.ClientOrderID).Msg("Failed to mark order rejected")
			}
			return ack, err
		}
		// Outcome unknown: the NEW row is left for reconciliation to resolve.
		return ack, fmt.Errorf("submit outcome unknown for %s: %w", intent.ClientOrderID, err)
	}

	status := ack.Status
	if !status.Valid() || status == types.OrderStatusNew {
		status = types.OrderStatusSubmitted
	}
	if err := l.store.UpdateOrderStatus(ctx, intent.ClientOrderID, status, ack.BrokerOrderID); err != nil {
		return ack, fmt.Errorf("failed to record ack: %w", err)
	}
	l.metrics.OrderSubmitted()
	l.logger.Info().
		Str("client_order_id", intent.ClientOrderID).
		Str("broker_order_id", ack.BrokerOrderID).
		Str("symbol", intent.Symbol).
		Str("side", string(intent.Side)).
		Int64("qty", intent.Quantity).
		Str("reason", intent.Reason).
		Msg("Order submitted")
	return ack, nil
}

// collect runs the broker-update half of an iteration: poll, book fills and
// commissions, advance order statuses, snapshot
func (l *Loop) collect(ctx context.Context) {
	l.setState(StatePollBrokerUpdates)
	fills, statuses, openOrders := l.poll(ctx)

	l.setState(StateApplyLedger)
	l.applyFills(ctx, fills)
	l.applyCommissions(ctx)

	l.setState(StatePersistAll)
	l.applyStatuses(ctx, append(statuses, statusesFromFills(fills)...), openOrders)

	l.setState(StateEmitSnapshot)
	l.emitSnapshots(ctx)
}

// poll collects pushed notifications plus polled fills and order statuses.
// Every call here is read-only.
func (l *Loop) poll(ctx context.Context) ([]types.Fill, []broker.StatusUpdate, []types.Order) {
	var fills []types.Fill
	var statuses []broker.StatusUpdate
	for _, n := range l.queue.Drain(0) {
		switch {
		case n.Kind == broker.NotifyFill && n.Fill != nil:
			fills = append(fills, *n.Fill)
		case n.Kind == broker.NotifyStatus && n.Status != nil:
			statuses = append(statuses, *n.Status)
		}
	}

	polled, err := l.broker.PollFills(ctx, l.fillCursor)
	if err != nil {
		l.brokerError(ctx, "poll_fills", err)
	} else {
		fills = append(fills, polled...)
	}

	open, err := l.store.GetOpenOrders(ctx)
	if err != nil {
		l.logger.Error().Err(err).Msg("Failed to load open orders")
		return fills, statuses, nil
	}
	for _, o := range open {
		id := o.BrokerID()
		if id == "" {
			continue
		}
		st, err := l.broker.PollOrderStatus(ctx, id)
		if err != nil {
			l.brokerError(ctx, "poll_order_status", err)
			continue
		}
		statuses = append(statuses, st)
	}
	return fills, statuses, open
}

func (l *Loop) brokerError(ctx context.Context, op string, err error) {
	l.logger.Warn().Err(err).Str("op", op).Msg("Broker poll failed")
	if errors.Is(err, broker.ErrNotConnected) {
		if rerr := l.reconnect(ctx); rerr != nil {
			l.sess.Halt(session.HaltConnectivity, rerr.Error())
		}
	}
}

// applyFills persists each fill first and books it only when the insert
// happened, so a re-delivered exec id never reaches the ledger twice
func (l *Loop) applyFills(ctx context.Context, fills []types.Fill) {
	sort.SliceStable(fills, func(i, j int) bool {
		if !fills[i].Timestamp.Equal(fills[j].Timestamp) {
			return fills[i].Timestamp.Before(fills[j].Timestamp)
		}
		return fills[i].ExecKey() < fills[j].ExecKey()
	})

	stalled := false
	for i := range fills {
		f := fills[i]
		f.ID = 0
		logger := l.logger.With().Str("exec_id", f.ExecKey()).Str("symbol", f.Symbol).Logger()

		if f.ExecID == nil && !f.Timestamp.After(l.fillCursor) {
			// Without an exec id a re-delivered fill cannot be told apart.
			logger.Warn().Time("ts", f.Timestamp).Msg("Fill without exec id at or before cursor skipped")
			continue
		}

		inserted, err := l.store.RecordFill(ctx, &f)
		switch {
		case errors.Is(err, persistence.ErrMalformedFill):
			l.metrics.FillMalformed()
			logger.Warn().Err(err).Msg("Malformed fill skipped")
		case err != nil:
			logger.Error().Err(err).Msg("Failed to persist fill, will retry on next poll")
			stalled = true
			continue
		case !inserted:
			l.metrics.FillDuplicate()
			logger.Debug().Msg("Duplicate fill ignored")
		default:
			before := l.ledger.Position(f.Symbol)
			pos := l.ledger.ApplyFill(&f)
			if err := l.journal.OnFill(ctx, &f, before, pos, l.reasons[f.ClientOrderID]); err != nil {
				logger.Error().Err(err).Msg("Failed to journal fill")
			}
			l.metrics.FillRecorded()
			l.metrics.SetPosition(f.Symbol, pos.Quantity)
			logger.Info().
				Uint("fill_id", f.ID).
				Str("side", string(f.Side)).
				Int64("qty", f.Quantity).
				Str("price", f.Price.String()).
				Int64("position", pos.Quantity).
				Msg("Fill recorded")
		}

		if !stalled && f.Timestamp.After(l.fillCursor) {
			l.fillCursor = f.Timestamp
		}
	}
}

// applyCommissions resolves pending commissions, persisting before booking
func (l *Loop) applyCommissions(ctx context.Context) {
	pending, err := l.store.PendingCommissionFills(ctx)
	if err != nil {
		l.logger.Error().Err(err).Msg("Failed to load pending commissions")
		return
	}
	for _, f := range pending {
		execID := f.ExecKey()
		c, err := l.broker.PollCommission(ctx, execID)
		if err != nil {
			l.logger.Warn().Err(err).Str("exec_id", execID).Msg("Commission poll failed")
			continue
		}
		if c.Pending {
			continue
		}
		updated, err := l.store.UpdateFillCommission(ctx, execID, c.Amount)
		if err != nil {
			l.logger.Error().Err(err).Str("exec_id", execID).Msg("Failed to persist commission")
			continue
		}
		if updated {
			l.ledger.ApplyCommission(f.Symbol, c.Amount)
			l.logger.Info().Str("exec_id", execID).Str("commission", c.Amount.String()).Msg("Commission resolved")
		}
	}
}

// statusesFromFills turns executions into id-only updates so an order whose
// acknowledgement was lost learns its broker order id; the status poll that
// follows moves it forward
func statusesFromFills(fills []types.Fill) []broker.StatusUpdate {
	var out []broker.StatusUpdate
	for _, f := range fills {
		if f.ClientOrderID == "" || f.BrokerOrderID == "" {
			continue
		}
		out = append(out, broker.StatusUpdate{ClientOrderID: f.ClientOrderID, BrokerOrderID: f.BrokerOrderID})
	}
	return out
}

// applyStatuses moves local orders forward and fills in broker order ids the
// loop has not seen yet; stale or regressing updates are ignored
func (l *Loop) applyStatuses(ctx context.Context, statuses []broker.StatusUpdate, open []types.Order) {
	byBroker := make(map[string]types.Order, len(open))
	byClient := make(map[string]types.Order, len(open))
	for _, o := range open {
		byClient[o.ClientOrderID] = o
		if id := o.BrokerID(); id != "" {
			byBroker[id] = o
		}
	}

	for _, st := range statuses {
		o, ok := byBroker[st.BrokerOrderID]
		if !ok {
			o, ok = byClient[st.ClientOrderID]
		}
		if !ok {
			continue
		}
		if !st.Status.Valid() {
			st.Status = o.Status
		}
		learnsID := st.BrokerOrderID != "" && o.BrokerID() == ""
		if st.Status == o.Status && !learnsID {
			continue
		}
		if st.Status != o.Status && !o.Status.CanTransition(st.Status) {
			continue
		}
		err := l.store.UpdateOrderStatus(ctx, o.ClientOrderID, st.Status, st.BrokerOrderID)
		if err != nil && !errors.Is(err, persistence.ErrInvalidTransition) {
			l.logger.Error().Err(err).Str("client_order_id", o.ClientOrderID).Msg("Failed to update order status")
			continue
		}
		if err == nil {
			l.logger.Info().
				Str("client_order_id", o.ClientOrderID).
				Str("from", string(o.Status)).
				Str("to", string(st.Status)).
				Msg("Order status updated")
			o.Status = st.Status
			if o.Status.IsTerminal() {
				delete(l.reasons, o.ClientOrderID)
			}
			if learnsID {
				id := st.BrokerOrderID
				o.BrokerOrderID = &id
			}
			byClient[o.ClientOrderID] = o
			if id := o.BrokerID(); id != "" {
				byBroker[id] = o
			}
		}
	}
}

// emitSnapshots appends one snapshot per symbol and re-evaluates the daily
// loss limit even when the strategy was silent
func (l *Loop) emitSnapshots(ctx context.Context) {
	now := l.clock()
	symbols := l.ledger.Symbols()
	seen := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		seen[s] = true
	}
	for _, s := range l.cfg.Symbols() {
		if !seen[s] {
			symbols = append(symbols, s)
		}
	}

	for _, sym := range symbols {
		var last decimal.NullDecimal
		if p, ok := l.prices[sym]; ok {
			last = decimal.NewNullDecimal(p)
		}
		snap := l.ledger.Snapshot(sym, last, now)
		if err := l.store.RecordPnLSnapshot(ctx, &snap); err != nil {
			l.logger.Error().Err(err).Str("symbol", sym).Msg("Failed to record snapshot")
			continue
		}
		l.metrics.SetPosition(sym, snap.PositionQty)
		l.metrics.SetPnL(sym,
			snap.RealizedUSD.InexactFloat64(),
			snap.UnrealizedUSD.InexactFloat64(),
			snap.CommissionsUSD.InexactFloat64())
	}

	daily := l.daily.Daily(now, l.ledger.Totals(l.prices))
	l.guard.EvaluateDailyLoss(daily)
}
