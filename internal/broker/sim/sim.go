// Package sim is an in-memory broker for paper sessions, tests and the
// simulation tool. Prices follow a random walk or are pushed by the caller.
package sim

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/ksred/klear-trader/internal/broker"
	"github.com/ksred/klear-trader/internal/config"
	"github.com/ksred/klear-trader/internal/types"
)

const subscriberBuffer = 64

// Config tunes the simulated venue
type Config struct {
	StartPrice        decimal.Decimal
	Volatility        float64 // std dev of one random-walk step
	TickInterval      time.Duration
	Seed              int64
	CommissionPerUnit decimal.Decimal
	CommissionDelay   int // polls a commission stays pending
	MinLatency        time.Duration
	MaxLatency        time.Duration
	PushFills         bool
	Clock             func() time.Time
}

// ConfigFrom converts the sim section of the configuration
func ConfigFrom(cfg config.SimConfig) Config {
	return Config{
		StartPrice:        decimal.NewFromFloat(cfg.StartPrice),
		Volatility:        cfg.Volatility,
		TickInterval:      cfg.TickInterval,
		Seed:              cfg.Seed,
		CommissionPerUnit: decimal.NewFromFloat(cfg.CommissionPerUnit),
		CommissionDelay:   cfg.CommissionDelay,
		MinLatency:        cfg.MinLatency,
		MaxLatency:        cfg.MaxLatency,
		PushFills:         cfg.PushFills,
	}
}

type order struct {
	intent        types.OrderIntent
	brokerOrderID string
	status        types.OrderStatus
	filledQty     int64
	updatedAt     time.Time
}

type pendingCommission struct {
	amount    decimal.Decimal
	pollsLeft int
}

// Broker is the simulated venue
type Broker struct {
	cfg Config

	mu          sync.Mutex
	rng         *rand.Rand
	connected   bool
	last        map[string]decimal.Decimal
	orders      map[string]*order
	fills       []types.Fill
	commissions map[string]*pendingCommission
	positions   map[string]*broker.Position
	subs        map[string][]chan types.MarketEvent
	notify      chan broker.Notification
	failSubmit  error
	stop        context.CancelFunc
	wg          sync.WaitGroup

	logger zerolog.Logger
}

func New(cfg Config) *Broker {
	if cfg.StartPrice.IsZero() {
		cfg.StartPrice = decimal.NewFromInt(2000)
	}
	if cfg.Clock == nil {
		cfg.Clock = func() time.Time { return time.Now().UTC() }
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	b := &Broker{
		cfg:         cfg,
		rng:         rand.New(rand.NewSource(seed)),
		last:        make(map[string]decimal.Decimal),
		orders:      make(map[string]*order),
		commissions: make(map[string]*pendingCommission),
		positions:   make(map[string]*broker.Position),
		subs:        make(map[string][]chan types.MarketEvent),
		logger:      zlog.With().Str("component", "broker.sim").Logger(),
	}
	if cfg.PushFills {
		b.notify = make(chan broker.Notification, 256)
	}
	return b
}

// latency simulates a network round trip
func (b *Broker) latency(ctx context.Context) error {
	if b.cfg.MaxLatency <= 0 {
		return ctx.Err()
	}
	b.mu.Lock()
	span := int64(b.cfg.MaxLatency - b.cfg.MinLatency)
	d := b.cfg.MinLatency
	if span > 0 {
		d += time.Duration(b.rng.Int63n(span + 1))
	}
	b.mu.Unlock()

	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", broker.ErrTimeout, ctx.Err())
	}
}

func (b *Broker) Connect(ctx context.Context) error {
	if err := b.latency(ctx); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.connected {
		return nil
	}
	b.connected = true

	if b.cfg.TickInterval > 0 {
		tickCtx, cancel := context.WithCancel(context.Background())
		b.stop = cancel
		b.wg.Add(1)
		go b.runTicker(tickCtx)
	}
	b.logger.Info().Msg("Connected")
	return nil
}

func (b *Broker) Disconnect(ctx context.Context) error {
	b.mu.Lock()
	if !b.connected {
		b.mu.Unlock()
		return nil
	}
	b.connected = false
	stop := b.stop
	b.stop = nil
	b.mu.Unlock()

	if stop != nil {
		stop()
		b.wg.Wait()
	}

	b.mu.Lock()
	for sym, chans := range b.subs {
		for _, ch := range chans {
			close(ch)
		}
		delete(b.subs, sym)
	}
	b.mu.Unlock()

	b.logger.Info().Msg("Disconnected")
	return nil
}

func (b *Broker) runTicker(ctx context.Context) {
	defer b.wg.Done()
	ticker := time.NewTicker(b.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.mu.Lock()
			symbols := make([]string, 0, len(b.subs))
			for sym := range b.subs {
				symbols = append(symbols, sym)
			}
			sort.Strings(symbols)
			for _, sym := range symbols {
				step := decimal.NewFromFloat(b.rng.NormFloat64() * b.cfg.Volatility).Round(2)
				next := b.lastPrice(sym).Add(step)
				if !next.IsPositive() {
					next = decimal.RequireFromString("0.01")
				}
				b.tickLocked(types.MarketEvent{
					Symbol:    sym,
					Price:     next,
					Bid:       decimal.NewNullDecimal(next.Sub(decimal.RequireFromString("0.1"))),
					Ask:       decimal.NewNullDecimal(next.Add(decimal.RequireFromString("0.1"))),
					Size:      int64(1 + b.rng.Intn(10)),
					Timestamp: b.cfg.Clock(),
				})
			}
			b.mu.Unlock()
		}
	}
}

// Push injects a market tick, crossing resting limit orders
func (b *Broker) Push(event types.MarketEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if event.Timestamp.IsZero() {
		event.Timestamp = b.cfg.Clock()
	}
	b.tickLocked(event)
}

func (b *Broker) tickLocked(event types.MarketEvent) {
	b.last[event.Symbol] = event.Price

	for _, o := range b.sortedOrders() {
		if o.intent.Symbol != event.Symbol || !o.status.IsOpen() {
			continue
		}
		if crosses(o.intent, event.Price) {
			b.fillLocked(o, event.Price)
		}
	}

	for _, ch := range b.subs[event.Symbol] {
		select {
		case ch <- event:
		default:
			// Slow consumer: drop the oldest tick to make room.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- event:
			default:
			}
		}
	}
}

func (b *Broker) lastPrice(symbol string) decimal.Decimal {
	if p, ok := b.last[symbol]; ok {
		return p
	}
	return b.cfg.StartPrice
}

func crosses(intent types.OrderIntent, price decimal.Decimal) bool {
	if intent.OrderType != types.OrderTypeLimit || !intent.LimitPrice.Valid {
		return true
	}
	if intent.Side == types.SideBuy {
		return price.LessThanOrEqual(intent.LimitPrice.Decimal)
	}
	return price.GreaterThanOrEqual(intent.LimitPrice.Decimal)
}

func (b *Broker) sortedOrders() []*order {
	out := make([]*order, 0, len(b.orders))
	for _, o := range b.orders {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].intent.Timestamp.Before(out[j].intent.Timestamp) })
	return out
}

// FailNextSubmit makes the next SubmitOrder return err without creating an order
func (b *Broker) FailNextSubmit(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failSubmit = err
}

func (b *Broker) SubmitOrder(ctx context.Context, intent types.OrderIntent) (broker.OrderAck, error) {
	if err := b.latency(ctx); err != nil {
		return broker.OrderAck{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return broker.OrderAck{}, broker.ErrNotConnected
	}
	if err := b.failSubmit; err != nil {
		b.failSubmit = nil
		return broker.OrderAck{}, err
	}
	if intent.Quantity <= 0 || !intent.Side.Valid() || intent.Symbol == "" {
		return broker.OrderAck{}, fmt.Errorf("%w: invalid order %+v", broker.ErrRejected, intent)
	}
	if intent.OrderType == types.OrderTypeLimit && !intent.LimitPrice.Valid {
		return broker.OrderAck{}, fmt.Errorf("%w: limit order without price", broker.ErrRejected)
	}
	if intent.Timestamp.IsZero() {
		intent.Timestamp = b.cfg.Clock()
	}

	o := &order{
		intent:        intent,
		brokerOrderID: uuid.New().String(),
		status:        types.OrderStatusAccepted,
		updatedAt:     b.cfg.Clock(),
	}
	b.orders[o.brokerOrderID] = o

	logger := b.logger.With().
		Str("client_order_id", intent.ClientOrderID).
		Str("broker_order_id", o.brokerOrderID).
		Str("symbol", intent.Symbol).
		Str("side", string(intent.Side)).
		Int64("qty", intent.Quantity).
		Logger()
	logger.Info().Msg("Order accepted")

	if last := b.lastPrice(intent.Symbol); crosses(intent, last) {
		b.fillLocked(o, last)
	}

	return broker.OrderAck{
		ClientOrderID: intent.ClientOrderID,
		BrokerOrderID: o.brokerOrderID,
		Status:        types.OrderStatusSubmitted,
	}, nil
}

func (b *Broker) fillLocked(o *order, price decimal.Decimal) {
	qty := o.intent.Quantity - o.filledQty
	if qty <= 0 {
		return
	}
	execID := uuid.New().String()
	now := b.cfg.Clock()
	fee := b.cfg.CommissionPerUnit.Mul(decimal.NewFromInt(qty))

	fill := types.Fill{
		Timestamp:     now,
		ClientOrderID: o.intent.ClientOrderID,
		BrokerOrderID: o.brokerOrderID,
		ExecID:        &execID,
		Symbol:        o.intent.Symbol,
		Side:          o.intent.Side,
		Quantity:      qty,
		Price:         price,
	}
	if b.cfg.CommissionDelay > 0 {
		b.commissions[execID] = &pendingCommission{amount: fee, pollsLeft: b.cfg.CommissionDelay}
	} else {
		fill.Commission = decimal.NewNullDecimal(fee)
		b.commissions[execID] = &pendingCommission{amount: fee}
	}
	b.fills = append(b.fills, fill)

	o.filledQty += qty
	o.status = types.OrderStatusFilled
	o.updatedAt = now
	b.applyPosition(fill)

	b.logger.Info().
		Str("exec_id", execID).
		Str("client_order_id", o.intent.ClientOrderID).
		Str("price", price.String()).
		Int64("qty", qty).
		Str("fee", fee.String()).
		Msg("Order filled")

	if b.notify != nil {
		pushed := fill
		status := broker.StatusUpdate{
			ClientOrderID: o.intent.ClientOrderID,
			BrokerOrderID: o.brokerOrderID,
			Status:        o.status,
			FilledQty:     o.filledQty,
			Timestamp:     now,
		}
		for _, n := range []broker.Notification{
			{Kind: broker.NotifyFill, Fill: &pushed},
			{Kind: broker.NotifyStatus, Status: &status},
		} {
			select {
			case b.notify <- n:
			default:
				b.logger.Warn().Str("kind", string(n.Kind)).Msg("Notification buffer full, dropping")
			}
		}
	}
}

func (b *Broker) applyPosition(fill types.Fill) {
	pos, ok := b.positions[fill.Symbol]
	if !ok {
		pos = &broker.Position{Symbol: fill.Symbol}
		b.positions[fill.Symbol] = pos
	}
	signed := fill.SignedQty()
	next := pos.Quantity + signed
	switch {
	case next == 0:
		pos.AvgPrice = decimal.Zero
	case pos.Quantity == 0 || (pos.Quantity > 0) != (next > 0):
		pos.AvgPrice = fill.Price
	case (pos.Quantity > 0) == (signed > 0):
		cost := pos.AvgPrice.Mul(decimal.NewFromInt(pos.Quantity)).Add(fill.Price.Mul(decimal.NewFromInt(signed)))
		pos.AvgPrice = cost.Div(decimal.NewFromInt(next))
	}
	pos.Quantity = next
}

func (b *Broker) CancelOrder(ctx context.Context, brokerOrderID string) error {
	if err := b.latency(ctx); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return broker.ErrNotConnected
	}
	o, ok := b.orders[brokerOrderID]
	if !ok {
		return fmt.Errorf("%w: %s", broker.ErrUnknownOrder, brokerOrderID)
	}
	if o.status.IsOpen() {
		o.status = types.OrderStatusCancelled
		o.updatedAt = b.cfg.Clock()
		b.logger.Info().Str("broker_order_id", brokerOrderID).Msg("Order cancelled")
	}
	return nil
}

func (b *Broker) SubscribeMarketData(ctx context.Context, symbol string) (<-chan types.MarketEvent, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return nil, broker.ErrNotConnected
	}
	ch := make(chan types.MarketEvent, subscriberBuffer)
	b.subs[symbol] = append(b.subs[symbol], ch)
	if _, ok := b.last[symbol]; !ok {
		b.last[symbol] = b.cfg.StartPrice
	}
	b.logger.Info().Str("symbol", symbol).Msg("Market data subscribed")
	return ch, nil
}

func (b *Broker) PollOrderStatus(ctx context.Context, brokerOrderID string) (broker.StatusUpdate, error) {
	if err := b.latency(ctx); err != nil {
		return broker.StatusUpdate{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return broker.StatusUpdate{}, broker.ErrNotConnected
	}
	o, ok := b.orders[brokerOrderID]
	if !ok {
		return broker.StatusUpdate{}, fmt.Errorf("%w: %s", broker.ErrUnknownOrder, brokerOrderID)
	}
	return broker.StatusUpdate{
		ClientOrderID: o.intent.ClientOrderID,
		BrokerOrderID: o.brokerOrderID,
		Status:        o.status,
		FilledQty:     o.filledQty,
		Timestamp:     o.updatedAt,
	}, nil
}

// PollFills returns every fill at or after since. The bound is inclusive so
// the last fill of the previous poll is delivered again.
func (b *Broker) PollFills(ctx context.Context, since time.Time) ([]types.Fill, error) {
	if err := b.latency(ctx); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return nil, broker.ErrNotConnected
	}
	var out []types.Fill
	for _, f := range b.fills {
		if f.Timestamp.Before(since) {
			continue
		}
		cp := f
		if f.ExecID != nil {
			execID := *f.ExecID
			cp.ExecID = &execID
		}
		out = append(out, cp)
	}
	return out, nil
}

func (b *Broker) PollCommission(ctx context.Context, execID string) (broker.Commission, error) {
	if err := b.latency(ctx); err != nil {
		return broker.Commission{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return broker.Commission{}, broker.ErrNotConnected
	}
	c, ok := b.commissions[execID]
	if !ok {
		return broker.Commission{}, fmt.Errorf("%w: exec %s", broker.ErrUnknownOrder, execID)
	}
	if c.pollsLeft > 0 {
		c.pollsLeft--
		return broker.Commission{ExecID: execID, Pending: true}, nil
	}
	return broker.Commission{ExecID: execID, Amount: c.amount}, nil
}

func (b *Broker) ListOpenOrders(ctx context.Context) ([]broker.OpenOrder, error) {
	if err := b.latency(ctx); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return nil, broker.ErrNotConnected
	}
	var out []broker.OpenOrder
	for _, o := range b.sortedOrders() {
		if !o.status.IsOpen() {
			continue
		}
		out = append(out, broker.OpenOrder{
			ClientOrderID: o.intent.ClientOrderID,
			BrokerOrderID: o.brokerOrderID,
			Symbol:        o.intent.Symbol,
			Side:          o.intent.Side,
			Quantity:      o.intent.Quantity - o.filledQty,
			Status:        o.status,
		})
	}
	return out, nil
}

func (b *Broker) ListPositions(ctx context.Context) ([]broker.Position, error) {
	if err := b.latency(ctx); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return nil, broker.ErrNotConnected
	}
	out := make([]broker.Position, 0, len(b.positions))
	for _, p := range b.positions {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

// Notifications returns the push channel, or nil when push is disabled
func (b *Broker) Notifications() <-chan broker.Notification {
	return b.notify
}

// SeedOrder registers a resting order the local side never submitted, as a
// venue would report after a manual order or a lost acknowledgement
func (b *Broker) SeedOrder(intent types.OrderIntent) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if intent.Timestamp.IsZero() {
		intent.Timestamp = b.cfg.Clock()
	}
	id := uuid.New().String()
	b.orders[id] = &order{
		intent:        intent,
		brokerOrderID: id,
		status:        types.OrderStatusAccepted,
		updatedAt:     b.cfg.Clock(),
	}
	return id
}

// SeedPosition sets the broker-side position for a symbol
func (b *Broker) SeedPosition(symbol string, qty int64, avg decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.positions[symbol] = &broker.Position{Symbol: symbol, Quantity: qty, AvgPrice: avg}
}

// SeedFill records an execution the local side has not yet seen
func (b *Broker) SeedFill(fill types.Fill) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if fill.Timestamp.IsZero() {
		fill.Timestamp = b.cfg.Clock()
	}
	b.fills = append(b.fills, fill)
	if fill.ExecID != nil && fill.Commission.Valid {
		b.commissions[*fill.ExecID] = &pendingCommission{amount: fill.Commission.Decimal}
	}
	b.applyPosition(fill)
}
