// Package broker defines the capability set the execution loop drives. The
// simulated and gateway brokers both implement it.
package broker

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ksred/klear-trader/internal/types"
)

var (
	ErrNotConnected = errors.New("broker not connected")
	ErrTimeout      = errors.New("broker call timed out")
	ErrRejected     = errors.New("order rejected by broker")
	ErrUnknownOrder = errors.New("unknown order")
)

// Broker is the venue abstraction. Read-only calls (Poll*, List*) may be
// retried by implementations; SubmitOrder and CancelOrder are never retried.
type Broker interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	SubmitOrder(ctx context.Context, intent types.OrderIntent) (OrderAck, error)
	CancelOrder(ctx context.Context, brokerOrderID string) error
	SubscribeMarketData(ctx context.Context, symbol string) (<-chan types.MarketEvent, error)
	PollOrderStatus(ctx context.Context, brokerOrderID string) (StatusUpdate, error)
	// PollFills returns executions at or after since. Results may repeat
	// fills already returned; callers deduplicate by exec id.
	PollFills(ctx context.Context, since time.Time) ([]types.Fill, error)
	PollCommission(ctx context.Context, execID string) (Commission, error)
	ListOpenOrders(ctx context.Context) ([]OpenOrder, error)
	ListPositions(ctx context.Context) ([]Position, error)
}

// Notifier is implemented by brokers that also push fills and status changes
type Notifier interface {
	Notifications() <-chan Notification
}

type OrderAck struct {
	ClientOrderID string            `json:"client_order_id"`
	BrokerOrderID string            `json:"broker_order_id"`
	Status        types.OrderStatus `json:"status"`
}

type StatusUpdate struct {
	ClientOrderID string            `json:"client_order_id"`
	BrokerOrderID string            `json:"broker_order_id"`
	Status        types.OrderStatus `json:"status"`
	FilledQty     int64             `json:"filled_qty"`
	Timestamp     time.Time         `json:"ts"`
}

type OpenOrder struct {
	ClientOrderID string            `json:"client_order_id"`
	BrokerOrderID string            `json:"broker_order_id"`
	Symbol        string            `json:"symbol"`
	Side          types.Side        `json:"side"`
	Quantity      int64             `json:"qty"`
	Status        types.OrderStatus `json:"status"`
}

type Position struct {
	Symbol   string          `json:"symbol"`
	Quantity int64           `json:"qty"`
	AvgPrice decimal.Decimal `json:"avg_price"`
}

// Commission is the fee for one execution. Pending means the broker has not
// reported it yet and Amount is meaningless.
type Commission struct {
	ExecID  string          `json:"exec_id"`
	Amount  decimal.Decimal `json:"amount"`
	Pending bool            `json:"pending"`
}

type NotificationKind string

const (
	NotifyFill   NotificationKind = "fill"
	NotifyStatus NotificationKind = "status"
)

// Notification is one asynchronous push from the broker
type Notification struct {
	Kind   NotificationKind `json:"type"`
	Fill   *types.Fill      `json:"fill,omitempty"`
	Status *StatusUpdate    `json:"status,omitempty"`
}

// AsNotifier finds a Notifier in b or anything it wraps
func AsNotifier(b Broker) (Notifier, bool) {
	for b != nil {
		if n, ok := b.(Notifier); ok {
			return n, true
		}
		u, ok := b.(interface{ Unwrap() Broker })
		if !ok {
			return nil, false
		}
		b = u.Unwrap()
	}
	return nil, false
}
