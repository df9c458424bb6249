package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ksred/klear-trader/internal/broker"
	"github.com/ksred/klear-trader/internal/session"
	"github.com/ksred/klear-trader/internal/types"
)

// Store is the slice of persistence the reconciler reads and corrects
type Store interface {
	GetOpenOrders(ctx context.Context) ([]types.Order, error)
	UpdateOrderStatus(ctx context.Context, clientOrderID string, status types.OrderStatus, brokerOrderID string) error
}

// PositionSource is the local ledger view
type PositionSource interface {
	Positions() []types.Position
}

// fillLookback widens the fill search for an unresolved order to cover clock
// skew between the local host and the broker
const fillLookback = time.Minute

// Service runs a reconciliation pass and applies its outcome
type Service struct {
	broker         broker.Broker
	store          Store
	ledger         PositionSource
	sess           *session.Session
	haltOnMismatch bool
	logger         zerolog.Logger
}

func NewService(b broker.Broker, store Store, ledger PositionSource, sess *session.Session, haltOnMismatch bool) *Service {
	return &Service{
		broker:         b,
		store:          store,
		ledger:         ledger,
		sess:           sess,
		haltOnMismatch: haltOnMismatch,
		logger:         log.With().Str("component", "reconciler").Logger(),
	}
}

// Run fetches broker and local state, reconciles them, refreshes orders the
// broker no longer reports open, and halts the session when the report
// recommends it and halting is enabled. Fetch errors abort the pass without
// touching local state.
func (s *Service) Run(ctx context.Context) (Report, error) {
	brokerOrders, err := s.broker.ListOpenOrders(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("failed to list broker open orders: %w", err)
	}
	brokerPositions, err := s.broker.ListPositions(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("failed to list broker positions: %w", err)
	}
	localOrders, err := s.store.GetOpenOrders(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("failed to load local open orders: %w", err)
	}

	report := Reconcile(brokerOrders, brokerPositions, localOrders, s.ledger.Positions())

	for _, d := range report.Discrepancies {
		event := s.logger.Warn()
		if d.Kind != MissingOnBroker {
			event = s.logger.Error()
		}
		event.
			Str("kind", string(d.Kind)).
			Str("symbol", d.Symbol).
			Str("client_order_id", d.ClientOrderID).
			Str("broker_order_id", d.BrokerOrderID).
			Int64("broker_qty", d.BrokerQty).
			Int64("local_qty", d.LocalQty).
			Msg(d.Detail)
	}

	for _, a := range report.Adopted {
		status := a.Status
		if !status.Valid() {
			status = a.Order.Status
		}
		if err := s.advance(ctx, a.Order, status, a.BrokerOrderID); err != nil {
			s.logger.Error().Err(err).Str("client_order_id", a.Order.ClientOrderID).Msg("failed to adopt broker order id")
		}
	}

	for _, o := range report.RefreshOrders {
		if err := s.refresh(ctx, o); err != nil {
			s.logger.Error().Err(err).Str("client_order_id", o.ClientOrderID).Msg("failed to refresh order status")
		}
	}

	if report.RecommendHalt {
		if s.haltOnMismatch {
			s.sess.Halt(session.HaltReconcileMismatch, summary(report))
		} else {
			s.logger.Warn().Str("summary", summary(report)).Msg("reconcile recommends halt, halt_on_mismatch is off")
		}
	} else {
		s.logger.Info().
			Int("discrepancies", len(report.Discrepancies)).
			Int("refreshed", len(report.RefreshOrders)).
			Msg("reconcile complete")
	}

	return report, nil
}

// refresh resolves one order the broker no longer lists as open
func (s *Service) refresh(ctx context.Context, o types.Order) error {
	brokerID := o.BrokerID()
	if brokerID == "" {
		return s.refreshByClientID(ctx, o)
	}

	st, err := s.broker.PollOrderStatus(ctx, brokerID)
	if errors.Is(err, broker.ErrUnknownOrder) {
		return s.advance(ctx, o, types.OrderStatusCancelled, brokerID)
	}
	if err != nil {
		return err
	}
	return s.advance(ctx, o, st.Status, brokerID)
}

// refreshByClientID resolves an order whose submit outcome was never learned.
// Executions carrying its client order id show the broker took it; with none
// and nothing open, the broker never saw it.
func (s *Service) refreshByClientID(ctx context.Context, o types.Order) error {
	fills, err := s.broker.PollFills(ctx, o.CreatedAt.Add(-fillLookback))
	if err != nil {
		return err
	}
	var filled int64
	brokerID := ""
	for _, f := range fills {
		if f.ClientOrderID != o.ClientOrderID {
			continue
		}
		filled += f.Quantity
		if brokerID == "" {
			brokerID = f.BrokerOrderID
		}
	}
	if filled == 0 {
		return s.advance(ctx, o, types.OrderStatusRejected, "")
	}

	if brokerID != "" {
		st, err := s.broker.PollOrderStatus(ctx, brokerID)
		switch {
		case err == nil && st.Status.Valid():
			return s.advance(ctx, o, st.Status, brokerID)
		case err != nil && !errors.Is(err, broker.ErrUnknownOrder):
			return err
		}
	}
	status := types.OrderStatusFilled
	if filled < o.Quantity {
		status = types.OrderStatusPartiallyFilled
	}
	return s.advance(ctx, o, status, brokerID)
}

func (s *Service) advance(ctx context.Context, o types.Order, status types.OrderStatus, brokerID string) error {
	learnsID := brokerID != "" && o.BrokerID() == ""
	if status == o.Status && !learnsID {
		return nil
	}
	if status != o.Status && !o.Status.CanTransition(status) {
		return nil
	}
	if err := s.store.UpdateOrderStatus(ctx, o.ClientOrderID, status, brokerID); err != nil {
		return err
	}
	s.logger.Info().
		Str("client_order_id", o.ClientOrderID).
		Str("from", string(o.Status)).
		Str("to", string(status)).
		Msg("order status refreshed")
	return nil
}

func summary(r Report) string {
	return fmt.Sprintf("%d unexpected on broker, %d position mismatches, %d missing on broker",
		r.Count(UnexpectedOnBroker), r.Count(PositionMismatch), r.Count(MissingOnBroker))
}
