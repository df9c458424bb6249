package broker

import (
	"context"
	"time"

	"github.com/ksred/klear-trader/internal/types"
)

// Observer receives the duration and result of every broker call
type Observer func(op string, elapsed time.Duration, err error)

type instrumented struct {
	inner   Broker
	observe Observer
}

// Instrument wraps b so every call is reported to observe
func Instrument(b Broker, observe Observer) Broker {
	if observe == nil {
		return b
	}
	return &instrumented{inner: b, observe: observe}
}

func (i *instrumented) Unwrap() Broker {
	return i.inner
}

func (i *instrumented) track(op string, start time.Time, err error) {
	i.observe(op, time.Since(start), err)
}

func (i *instrumented) Connect(ctx context.Context) error {
	start := time.Now()
	err := i.inner.Connect(ctx)
	i.track("connect", start, err)
	return err
}

func (i *instrumented) Disconnect(ctx context.Context) error {
	start := time.Now()
	err := i.inner.Disconnect(ctx)
	i.track("disconnect", start, err)
	return err
}

func (i *instrumented) SubmitOrder(ctx context.Context, intent types.OrderIntent) (OrderAck, error) {
	start := time.Now()
	ack, err := i.inner.SubmitOrder(ctx, intent)
	i.track("submit_order", start, err)
	return ack, err
}

func (i *instrumented) CancelOrder(ctx context.Context, brokerOrderID string) error {
	start := time.Now()
	err := i.inner.CancelOrder(ctx, brokerOrderID)
	i.track("cancel_order", start, err)
	return err
}

func (i *instrumented) SubscribeMarketData(ctx context.Context, symbol string) (<-chan types.MarketEvent, error) {
	start := time.Now()
	ch, err := i.inner.SubscribeMarketData(ctx, symbol)
	i.track("subscribe_market_data", start, err)
	return ch, err
}

func (i *instrumented) PollOrderStatus(ctx context.Context, brokerOrderID string) (StatusUpdate, error) {
	start := time.Now()
	st, err := i.inner.PollOrderStatus(ctx, brokerOrderID)
	i.track("poll_order_status", start, err)
	return st, err
}

func (i *instrumented) PollFills(ctx context.Context, since time.Time) ([]types.Fill, error) {
	start := time.Now()
	fills, err := i.inner.PollFills(ctx, since)
	i.track("poll_fills", start, err)
	return fills, err
}

func (i *instrumented) PollCommission(ctx context.Context, execID string) (Commission, error) {
	start := time.Now()
	c, err := i.inner.PollCommission(ctx, execID)
	i.track("poll_commission", start, err)
	return c, err
}

func (i *instrumented) ListOpenOrders(ctx context.Context) ([]OpenOrder, error) {
	start := time.Now()
	orders, err := i.inner.ListOpenOrders(ctx)
	i.track("list_open_orders", start, err)
	return orders, err
}

func (i *instrumented) ListPositions(ctx context.Context) ([]Position, error) {
	start := time.Now()
	positions, err := i.inner.ListPositions(ctx)
	i.track("list_positions", start, err)
	return positions, err
}
