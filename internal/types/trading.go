package types

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Sign returns +1 for buys and -1 for sells
func (s Side) Sign() int64 {
	if s == SideSell {
		return -1
	}
	return 1
}

// Valid reports whether the side is BUY or SELL
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Opposite returns the side that reduces a position opened with s
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusSubmitted       OrderStatus = "SUBMITTED"
	OrderStatusAccepted        OrderStatus = "ACCEPTED"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCancelled       OrderStatus = "CANCELLED"
	OrderStatusRejected        OrderStatus = "REJECTED"
)

// OpenOrderStatuses lists every non-terminal status
var OpenOrderStatuses = []OrderStatus{
	OrderStatusNew,
	OrderStatusSubmitted,
	OrderStatusAccepted,
	OrderStatusPartiallyFilled,
}

var statusRank = map[OrderStatus]int{
	OrderStatusNew:             0,
	OrderStatusSubmitted:       1,
	OrderStatusAccepted:        2,
	OrderStatusPartiallyFilled: 3,
}

// Valid reports whether s is a known order status
func (s OrderStatus) Valid() bool {
	_, open := statusRank[s]
	return open || s.IsTerminal()
}

// IsTerminal reports whether no further transition is allowed out of s
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected:
		return true
	}
	return false
}

// IsOpen reports whether the order may still be working at the broker
func (s OrderStatus) IsOpen() bool {
	_, ok := statusRank[s]
	return ok
}

// CanTransition enforces monotonic status progress. Terminal statuses never
// change, open statuses never move to a lower rank, and any open status may
// finish in any terminal one.
func (s OrderStatus) CanTransition(to OrderStatus) bool {
	if !to.Valid() || s.IsTerminal() {
		return false
	}
	if to.IsTerminal() {
		return true
	}
	return statusRank[to] >= statusRank[s]
}

// Order is the durable record of one order, keyed by the client-generated id
type Order struct {
	ClientOrderID string              `gorm:"primaryKey;column:client_order_id" json:"client_order_id"`
	BrokerOrderID *string             `gorm:"column:broker_order_id;index" json:"broker_order_id,omitempty"`
	Symbol        string              `gorm:"not null" json:"symbol"`
	Side          Side                `gorm:"not null" json:"side"`
	Quantity      int64               `gorm:"column:qty;not null" json:"qty"`
	OrderType     OrderType           `gorm:"not null" json:"order_type"`
	LimitPrice    decimal.NullDecimal `gorm:"type:numeric" json:"limit_price"`
	Status        OrderStatus         `gorm:"not null" json:"status"`
	CreatedAt     time.Time           `gorm:"column:created_ts" json:"created_ts"`
	UpdatedAt     time.Time           `gorm:"column:updated_ts" json:"updated_ts"`
}

func (Order) TableName() string {
	return "orders"
}

// BrokerID returns the broker order id or an empty string when unknown
func (o *Order) BrokerID() string {
	if o.BrokerOrderID == nil {
		return ""
	}
	return *o.BrokerOrderID
}

// Fill is one broker execution report. ExecID is nil when the broker did not
// supply one; such fills are stored but cannot be deduplicated. A NULL
// Commission means the broker has not reported it yet.
type Fill struct {
	ID            uint                `gorm:"primaryKey;autoIncrement" json:"id"`
	Timestamp     time.Time           `gorm:"column:ts;not null" json:"ts"`
	ClientOrderID string              `gorm:"column:client_order_id;index" json:"client_order_id"`
	BrokerOrderID string              `gorm:"column:broker_order_id" json:"broker_order_id"`
	ExecID        *string             `gorm:"column:exec_id" json:"exec_id,omitempty"`
	Symbol        string              `gorm:"not null" json:"symbol"`
	Side          Side                `gorm:"not null" json:"side"`
	Quantity      int64               `gorm:"column:qty;not null" json:"qty"`
	Price         decimal.Decimal     `gorm:"type:numeric;not null" json:"price"`
	Commission    decimal.NullDecimal `gorm:"type:numeric" json:"commission"`
}

func (Fill) TableName() string {
	return "fills"
}

// ExecKey returns the execution id or an empty string when absent
func (f *Fill) ExecKey() string {
	if f.ExecID == nil {
		return ""
	}
	return *f.ExecID
}

// SignedQty is positive for buys and negative for sells
func (f *Fill) SignedQty() int64 {
	return f.Side.Sign() * f.Quantity
}

// CommissionPending reports whether the broker still owes the commission
func (f *Fill) CommissionPending() bool {
	return !f.Commission.Valid
}

// Validate rejects fills that cannot be applied to a position
func (f *Fill) Validate() error {
	switch {
	case f.Symbol == "":
		return fmt.Errorf("fill has no symbol")
	case !f.Side.Valid():
		return fmt.Errorf("fill has unknown side %q", f.Side)
	case f.Quantity <= 0:
		return fmt.Errorf("fill quantity %d is not positive", f.Quantity)
	case !f.Price.IsPositive():
		return fmt.Errorf("fill price %s is not positive", f.Price)
	case f.Commission.Valid && f.Commission.Decimal.IsNegative():
		return fmt.Errorf("fill commission %s is negative", f.Commission.Decimal)
	}
	return nil
}

// PnLSnapshot is an append-only point-in-time view of one symbol
type PnLSnapshot struct {
	ID             uint                `gorm:"primaryKey;autoIncrement" json:"id"`
	Timestamp      time.Time           `gorm:"column:ts;not null" json:"ts"`
	Symbol         string              `gorm:"not null" json:"symbol"`
	PositionQty    int64               `gorm:"column:position_qty" json:"position_qty"`
	AvgPrice       decimal.Decimal     `gorm:"type:numeric" json:"avg_price"`
	LastPrice      decimal.NullDecimal `gorm:"type:numeric" json:"last_price"`
	UnrealizedUSD  decimal.Decimal     `gorm:"column:unrealized_usd;type:numeric" json:"unrealized_usd"`
	RealizedUSD    decimal.Decimal     `gorm:"column:realized_usd;type:numeric" json:"realized_usd"`
	CommissionsUSD decimal.Decimal     `gorm:"column:commissions_usd;type:numeric" json:"commissions_usd"`
	LastFillID     uint                `gorm:"column:last_fill_id" json:"last_fill_id"`
}

func (PnLSnapshot) TableName() string {
	return "pnl_snapshots"
}

// NetUSD is realized + unrealized - commissions
func (s *PnLSnapshot) NetUSD() decimal.Decimal {
	return s.RealizedUSD.Add(s.UnrealizedUSD).Sub(s.CommissionsUSD)
}

// Trade is one round trip in the journal: opened when a position leaves
// flat, closed when it returns to flat or flips. Exit fields stay NULL while
// the trade is open; PnLUSD is realized PnL before commissions so far.
type Trade struct {
	TradeID     string              `gorm:"primaryKey;column:trade_id" json:"trade_id"`
	SessionID   string              `gorm:"column:session_id" json:"session_id"`
	Strategy    string              `gorm:"not null" json:"strategy"`
	Symbol      string              `gorm:"not null;index" json:"symbol"`
	EntrySide   Side                `gorm:"not null" json:"entry_side"`
	Quantity    int64               `gorm:"column:qty;not null" json:"qty"`
	EntryTime   time.Time           `gorm:"column:entry_ts;not null" json:"entry_ts"`
	EntryPrice  decimal.Decimal     `gorm:"type:numeric;not null" json:"entry_price"`
	EntryReason string              `json:"entry_reason,omitempty"`
	ExitTime    *time.Time          `gorm:"column:exit_ts" json:"exit_ts,omitempty"`
	ExitPrice   decimal.NullDecimal `gorm:"type:numeric" json:"exit_price"`
	ExitReason  string              `json:"exit_reason,omitempty"`
	PnLUSD      decimal.NullDecimal `gorm:"column:pnl_usd;type:numeric" json:"pnl_usd"`
}

func (Trade) TableName() string {
	return "trades"
}

// Closed reports whether the trade has an exit
func (t *Trade) Closed() bool {
	return t.ExitTime != nil
}

// OrderIntent is a strategy's request to trade, before risk and submission
type OrderIntent struct {
	ClientOrderID string              `json:"client_order_id"`
	Symbol        string              `json:"symbol"`
	Side          Side                `json:"side"`
	Quantity      int64               `json:"qty"`
	OrderType     OrderType           `json:"order_type"`
	LimitPrice    decimal.NullDecimal `json:"limit_price"`
	Reason        string              `json:"reason,omitempty"`
	Timestamp     time.Time           `json:"ts"`
}

// SignedQty is positive for buys and negative for sells
func (i OrderIntent) SignedQty() int64 {
	return i.Side.Sign() * i.Quantity
}

// ToOrder builds the initial NEW order record for an intent
func (i OrderIntent) ToOrder(now time.Time) *Order {
	order := &Order{
		ClientOrderID: i.ClientOrderID,
		Symbol:        i.Symbol,
		Side:          i.Side,
		Quantity:      i.Quantity,
		OrderType:     i.OrderType,
		Status:        OrderStatusNew,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if i.OrderType == OrderTypeLimit {
		order.LimitPrice = i.LimitPrice
	}
	return order
}

// MarketEvent is one market data tick
type MarketEvent struct {
	Symbol    string              `json:"symbol"`
	Price     decimal.Decimal     `json:"price"`
	Bid       decimal.NullDecimal `json:"bid"`
	Ask       decimal.NullDecimal `json:"ask"`
	Size      int64               `json:"size"`
	Timestamp time.Time           `json:"ts"`
}

// Valid reports whether the tick carries a usable last price
func (e MarketEvent) Valid() bool {
	return e.Symbol != "" && e.Price.IsPositive()
}

// Position is the ledger's view of one symbol
type Position struct {
	Symbol         string          `json:"symbol"`
	Quantity       int64           `json:"qty"`
	AvgPrice       decimal.Decimal `json:"avg_price"`
	RealizedUSD    decimal.Decimal `json:"realized_usd"`
	CommissionsUSD decimal.Decimal `json:"commissions_usd"`
}
