package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ksred/klear-trader/internal/types"
)

var (
	ErrOrderNotFound     = errors.New("order not found")
	ErrInvalidTransition = errors.New("invalid order status transition")
	ErrMalformedFill     = errors.New("malformed fill")
)

// Database is the durable store for orders, fills and PnL snapshots. Every
// write is its own transaction, so a crash never leaves a partial record.
type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// DB exposes the underlying handle for tools such as the exporter
func (d *Database) DB() *gorm.DB {
	return d.db
}

// RecordOrder inserts the order or updates it in place, keeping created_ts.
// A broker order id already on file is never cleared, and a stored status
// only moves forward.
func (d *Database) RecordOrder(ctx context.Context, order *types.Order) error {
	now := time.Now().UTC()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.UpdatedAt = now

	updates := clause.AssignmentColumns([]string{
		"symbol", "side", "qty", "order_type", "limit_price", "status", "updated_ts",
	})
	updates = append(updates, clause.Assignment{
		Column: clause.Column{Name: "broker_order_id"},
		Value:  gorm.Expr("COALESCE(excluded.broker_order_id, orders.broker_order_id)"),
	})

	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var stored types.Order
		err := tx.Select("status").Where("client_order_id = ?", order.ClientOrderID).First(&stored).Error
		switch {
		case err == nil:
			// A re-recorded order never moves backwards or out of a terminal status.
			if stored.Status != order.Status && !stored.Status.CanTransition(order.Status) {
				order.Status = stored.Status
			}
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return err
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "client_order_id"}},
			DoUpdates: updates,
		}).Create(order).Error
	})
	if err != nil {
		return fmt.Errorf("failed to record order %s: %w", order.ClientOrderID, err)
	}
	return nil
}

// UpdateOrderStatus moves an order forward. Writing the current status again
// is a no-op apart from learning a broker order id; regressions and changes
// out of a terminal status fail with ErrInvalidTransition.
func (d *Database) UpdateOrderStatus(ctx context.Context, clientOrderID string, status types.OrderStatus, brokerOrderID string) error {
	return d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var order types.Order
		if err := tx.Where("client_order_id = ?", clientOrderID).First(&order).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: %s", ErrOrderNotFound, clientOrderID)
			}
			return err
		}

		updates := map[string]interface{}{}
		if order.BrokerOrderID == nil && brokerOrderID != "" {
			updates["broker_order_id"] = brokerOrderID
		}
		if order.Status != status {
			if !order.Status.CanTransition(status) {
				return fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, clientOrderID, order.Status, status)
			}
			updates["status"] = status
		}
		if len(updates) == 0 {
			return nil
		}
		updates["updated_ts"] = time.Now().UTC()

		return tx.Model(&types.Order{}).
			Where("client_order_id = ?", clientOrderID).
			Updates(updates).Error
	})
}

// RecordFill stores an execution report. It reports inserted=false without
// error when a fill with the same exec id is already stored. Fills without an
// exec id are always inserted.
func (d *Database) RecordFill(ctx context.Context, fill *types.Fill) (bool, error) {
	if err := fill.Validate(); err != nil {
		return false, fmt.Errorf("%w: %v", ErrMalformedFill, err)
	}
	if fill.ExecID != nil && *fill.ExecID == "" {
		fill.ExecID = nil
	}
	fill.Timestamp = fill.Timestamp.UTC()

	result := d.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "exec_id"}},
		DoNothing: true,
	}).Create(fill)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrDuplicatedKey) {
			return false, nil
		}
		return false, fmt.Errorf("failed to record fill %s: %w", fill.ExecKey(), result.Error)
	}
	if result.RowsAffected == 0 {
		fill.ID = 0
		return false, nil
	}
	return true, nil
}

// UpdateFillCommission sets a pending commission. Once known a commission is
// never overwritten; the bool reports whether a row changed.
func (d *Database) UpdateFillCommission(ctx context.Context, execID string, amount decimal.Decimal) (bool, error) {
	if amount.IsNegative() {
		return false, fmt.Errorf("%w: negative commission %s for %s", ErrMalformedFill, amount, execID)
	}
	result := d.db.WithContext(ctx).
		Model(&types.Fill{}).
		Where("exec_id = ? AND commission IS NULL", execID).
		Update("commission", amount)
	if result.Error != nil {
		return false, fmt.Errorf("failed to update commission for %s: %w", execID, result.Error)
	}
	return result.RowsAffected > 0, nil
}

// PendingCommissionFills returns fills with an exec id whose commission is unknown
func (d *Database) PendingCommissionFills(ctx context.Context) ([]types.Fill, error) {
	var fills []types.Fill
	err := d.db.WithContext(ctx).
		Where("commission IS NULL AND exec_id IS NOT NULL").
		Order("id").
		Find(&fills).Error
	return fills, err
}

// PendingCommissionExecIDs returns the exec ids of PendingCommissionFills
func (d *Database) PendingCommissionExecIDs(ctx context.Context) ([]string, error) {
	fills, err := d.PendingCommissionFills(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(fills))
	for i := range fills {
		ids = append(ids, fills[i].ExecKey())
	}
	return ids, nil
}

// RecordPnLSnapshot appends a snapshot; snapshots are never updated
func (d *Database) RecordPnLSnapshot(ctx context.Context, snap *types.PnLSnapshot) error {
	snap.ID = 0
	snap.Timestamp = snap.Timestamp.UTC()
	if err := d.db.WithContext(ctx).Create(snap).Error; err != nil {
		return fmt.Errorf("failed to record snapshot for %s: %w", snap.Symbol, err)
	}
	return nil
}

func (d *Database) GetOrder(ctx context.Context, clientOrderID string) (*types.Order, error) {
	var order types.Order
	if err := d.db.WithContext(ctx).Where("client_order_id = ?", clientOrderID).First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, clientOrderID)
		}
		return nil, err
	}
	return &order, nil
}

// GetOpenOrders returns every order in a non-terminal status, oldest first
func (d *Database) GetOpenOrders(ctx context.Context) ([]types.Order, error) {
	var orders []types.Order
	err := d.db.WithContext(ctx).
		Where("status IN ?", types.OpenOrderStatuses).
		Order("created_ts, client_order_id").
		Find(&orders).Error
	return orders, err
}

// ListOrders returns the most recent orders first; limit <= 0 means all
func (d *Database) ListOrders(ctx context.Context, limit int) ([]types.Order, error) {
	var orders []types.Order
	q := d.db.WithContext(ctx).Order("created_ts DESC, client_order_id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&orders).Error
	return orders, err
}

// GetFillsAfter returns fills with id > afterID in arrival order
func (d *Database) GetFillsAfter(ctx context.Context, afterID uint) ([]types.Fill, error) {
	var fills []types.Fill
	err := d.db.WithContext(ctx).
		Where("id > ?", afterID).
		Order("id").
		Find(&fills).Error
	return fills, err
}

// ListFills returns fills at or after since in arrival order; limit <= 0 means all
func (d *Database) ListFills(ctx context.Context, since time.Time, limit int) ([]types.Fill, error) {
	var fills []types.Fill
	q := d.db.WithContext(ctx).Order("id")
	if !since.IsZero() {
		q = q.Where("ts >= ?", since.UTC())
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&fills).Error
	return fills, err
}

// GetLatestSnapshots returns the newest snapshot of every symbol
func (d *Database) GetLatestSnapshots(ctx context.Context) ([]types.PnLSnapshot, error) {
	var snaps []types.PnLSnapshot
	latest := d.db.Model(&types.PnLSnapshot{}).Select("MAX(id)").Group("symbol")
	err := d.db.WithContext(ctx).
		Where("id IN (?)", latest).
		Order("symbol").
		Find(&snaps).Error
	return snaps, err
}

// GetSnapshotsBefore returns the newest snapshot of every symbol taken
// strictly before the given time
func (d *Database) GetSnapshotsBefore(ctx context.Context, before time.Time) ([]types.PnLSnapshot, error) {
	var snaps []types.PnLSnapshot
	latest := d.db.Model(&types.PnLSnapshot{}).
		Select("MAX(id)").
		Where("ts < ?", before.UTC()).
		Group("symbol")
	err := d.db.WithContext(ctx).
		Where("id IN (?)", latest).
		Order("symbol").
		Find(&snaps).Error
	return snaps, err
}

// CommissionTotals sums every known commission per symbol. Pending
// commissions are not included.
func (d *Database) CommissionTotals(ctx context.Context) (map[string]decimal.Decimal, error) {
	var fills []types.Fill
	err := d.db.WithContext(ctx).
		Select("symbol", "commission").
		Where("commission IS NOT NULL").
		Find(&fills).Error
	if err != nil {
		return nil, err
	}
	totals := make(map[string]decimal.Decimal)
	for _, f := range fills {
		totals[f.Symbol] = totals[f.Symbol].Add(f.Commission.Decimal)
	}
	return totals, nil
}

// RecordTrade inserts or replaces a journal entry
func (d *Database) RecordTrade(ctx context.Context, trade *types.Trade) error {
	err := d.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "trade_id"}},
		UpdateAll: true,
	}).Create(trade).Error
	if err != nil {
		return fmt.Errorf("failed to record trade %s: %w", trade.TradeID, err)
	}
	return nil
}

// GetOpenTrades returns journal entries without an exit
func (d *Database) GetOpenTrades(ctx context.Context) ([]types.Trade, error) {
	var trades []types.Trade
	err := d.db.WithContext(ctx).
		Where("exit_ts IS NULL").
		Order("entry_ts").
		Find(&trades).Error
	return trades, err
}

// ListClosedTrades returns trades closed at or after since, oldest exit
// first. An empty symbol matches every symbol.
func (d *Database) ListClosedTrades(ctx context.Context, symbol string, since time.Time) ([]types.Trade, error) {
	var trades []types.Trade
	q := d.db.WithContext(ctx).Where("exit_ts IS NOT NULL").Order("exit_ts")
	if symbol != "" {
		q = q.Where("symbol = ?", symbol)
	}
	if !since.IsZero() {
		q = q.Where("exit_ts >= ?", since.UTC())
	}
	err := q.Find(&trades).Error
	return trades, err
}

// ListSnapshots returns a symbol's snapshots, newest first
func (d *Database) ListSnapshots(ctx context.Context, symbol string, since time.Time, limit int) ([]types.PnLSnapshot, error) {
	var snaps []types.PnLSnapshot
	q := d.db.WithContext(ctx).Order("id DESC")
	if symbol != "" {
		q = q.Where("symbol = ?", symbol)
	}
	if !since.IsZero() {
		q = q.Where("ts >= ?", since.UTC())
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&snaps).Error
	return snaps, err
}

// LatestFillTimestamp returns the newest stored fill time, or the zero time
func (d *Database) LatestFillTimestamp(ctx context.Context) (time.Time, error) {
	var fill types.Fill
	err := d.db.WithContext(ctx).Order("ts DESC, id DESC").Limit(1).Find(&fill).Error
	if err != nil {
		return time.Time{}, err
	}
	return fill.Timestamp, nil
}
