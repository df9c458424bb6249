package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/ksred/klear-trader/internal/broker"
	"github.com/ksred/klear-trader/internal/types"
)

// FlattenResult describes what Flatten did
type FlattenResult struct {
	Symbol        string     `json:"symbol"`
	Cancelled     int        `json:"cancelled"`
	AlreadyFlat   bool       `json:"already_flat"`
	ClientOrderID string     `json:"client_order_id,omitempty"`
	BrokerOrderID string     `json:"broker_order_id,omitempty"`
	Side          types.Side `json:"side,omitempty"`
	Quantity      int64      `json:"qty,omitempty"`
}

// Flatten cancels every open order on symbol, then sends one market order
// against the broker-reported position. It bypasses the risk guard and the
// halt flag since it only ever reduces exposure. The loop must be open.
func (l *Loop) Flatten(ctx context.Context, symbol string) (FlattenResult, error) {
	res := FlattenResult{Symbol: symbol}
	if !l.opened {
		return res, ErrNotStarted
	}
	logger := l.logger.With().Str("symbol", symbol).Logger()
	logger.Warn().Str("env", l.sess.Env).Msg("Flattening position")

	local, err := l.store.GetOpenOrders(ctx)
	if err != nil {
		return res, fmt.Errorf("failed to load open orders: %w", err)
	}
	cancelled := make(map[string]bool)
	for _, o := range local {
		if o.Symbol != symbol {
			continue
		}
		id := o.BrokerID()
		if id != "" {
			if err := l.broker.CancelOrder(ctx, id); err != nil && !errors.Is(err, broker.ErrUnknownOrder) {
				return res, fmt.Errorf("failed to cancel %s: %w", o.ClientOrderID, err)
			}
			cancelled[id] = true
		}
		if err := l.store.UpdateOrderStatus(ctx, o.ClientOrderID, types.OrderStatusCancelled, id); err != nil {
			logger.Error().Err(err).Str("client_order_id", o.ClientOrderID).Msg("Failed to mark order cancelled")
		}
		res.Cancelled++
	}

	// Orders the broker holds that local state never saw.
	remote, err := l.broker.ListOpenOrders(ctx)
	if err != nil {
		return res, fmt.Errorf("failed to list broker open orders: %w", err)
	}
	for _, o := range remote {
		if o.Symbol != symbol || cancelled[o.BrokerOrderID] {
			continue
		}
		if err := l.broker.CancelOrder(ctx, o.BrokerOrderID); err != nil && !errors.Is(err, broker.ErrUnknownOrder) {
			return res, fmt.Errorf("failed to cancel broker order %s: %w", o.BrokerOrderID, err)
		}
		res.Cancelled++
	}

	positions, err := l.broker.ListPositions(ctx)
	if err != nil {
		return res, fmt.Errorf("failed to list broker positions: %w", err)
	}
	var qty int64
	for _, p := range positions {
		if p.Symbol == symbol {
			qty += p.Quantity
		}
	}
	if qty == 0 {
		res.AlreadyFlat = true
		logger.Info().Int("cancelled", res.Cancelled).Msg("Already flat")
		return res, nil
	}

	side := types.SideSell
	if qty < 0 {
		side = types.SideBuy
		qty = -qty
	}
	now := l.clock()
	intent := types.OrderIntent{
		ClientOrderID: NewClientOrderID(now),
		Symbol:        symbol,
		Side:          side,
		Quantity:      qty,
		OrderType:     types.OrderTypeMarket,
		Reason:        "flatten",
		Timestamp:     now,
	}
	res.ClientOrderID = intent.ClientOrderID
	res.Side = side
	res.Quantity = qty

	ack, err := l.submit(ctx, intent)
	if err != nil {
		return res, err
	}
	res.BrokerOrderID = ack.BrokerOrderID
	return res, nil
}

// Sync polls the broker once and books whatever it reports, without market
// data or strategy. Operator tools use it after Flatten.
func (l *Loop) Sync(ctx context.Context) error {
	if !l.opened {
		return ErrNotStarted
	}
	l.collect(ctx)
	return ctx.Err()
}
