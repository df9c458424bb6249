// Package export writes the order, fill and snapshot tables to CSV files for
// offline analysis.
package export

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/ksred/klear-trader/internal/types"
)

// Store is the read side of persistence the exporter needs
type Store interface {
	ListOrders(ctx context.Context, limit int) ([]types.Order, error)
	ListFills(ctx context.Context, since time.Time, limit int) ([]types.Fill, error)
	ListSnapshots(ctx context.Context, symbol string, since time.Time, limit int) ([]types.PnLSnapshot, error)
}

type Exporter struct {
	store Store
}

func New(store Store) *Exporter {
	return &Exporter{store: store}
}

// Export writes <prefix>_orders.csv, <prefix>_fills.csv and
// <prefix>_pnl_snapshots.csv under dir. A zero since exports everything.
// Rows are in chronological order.
func (e *Exporter) Export(ctx context.Context, dir, prefix string, since time.Time) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create export dir: %w", err)
	}
	if prefix == "" {
		prefix = time.Now().UTC().Format("20060102_150405")
	}

	orders, err := e.store.ListOrders(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	fills, err := e.store.ListFills(ctx, since, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to list fills: %w", err)
	}
	snaps, err := e.store.ListSnapshots(ctx, "", since, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}

	var orderRows [][]string
	// ListOrders is newest first.
	for i := len(orders) - 1; i >= 0; i-- {
		o := orders[i]
		if !since.IsZero() && o.CreatedAt.Before(since) {
			continue
		}
		orderRows = append(orderRows, []string{
			o.ClientOrderID, o.BrokerID(), o.Symbol, string(o.Side), strconv.FormatInt(o.Quantity, 10),
			string(o.OrderType), nullDecimal(o.LimitPrice), string(o.Status), ts(o.CreatedAt), ts(o.UpdatedAt),
		})
	}

	fillRows := make([][]string, 0, len(fills))
	for _, f := range fills {
		fillRows = append(fillRows, []string{
			strconv.FormatUint(uint64(f.ID), 10), ts(f.Timestamp), f.ClientOrderID, f.BrokerOrderID, f.ExecKey(),
			f.Symbol, string(f.Side), strconv.FormatInt(f.Quantity, 10), f.Price.String(), nullDecimal(f.Commission),
		})
	}

	snapRows := make([][]string, 0, len(snaps))
	for i := len(snaps) - 1; i >= 0; i-- {
		s := snaps[i]
		snapRows = append(snapRows, []string{
			strconv.FormatUint(uint64(s.ID), 10), ts(s.Timestamp), s.Symbol, strconv.FormatInt(s.PositionQty, 10),
			s.AvgPrice.String(), nullDecimal(s.LastPrice), s.UnrealizedUSD.String(), s.RealizedUSD.String(),
			s.CommissionsUSD.String(), strconv.FormatUint(uint64(s.LastFillID), 10),
		})
	}

	tables := []struct {
		name   string
		header []string
		rows   [][]string
	}{
		{"orders", []string{"client_order_id", "broker_order_id", "symbol", "side", "qty", "order_type", "limit_price", "status", "created_ts", "updated_ts"}, orderRows},
		{"fills", []string{"id", "ts", "client_order_id", "broker_order_id", "exec_id", "symbol", "side", "qty", "price", "commission"}, fillRows},
		{"pnl_snapshots", []string{"id", "ts", "symbol", "position_qty", "avg_price", "last_price", "unrealized_usd", "realized_usd", "commissions_usd", "last_fill_id"}, snapRows},
	}

	paths := make([]string, 0, len(tables))
	for _, t := range tables {
		path := filepath.Join(dir, prefix+"_"+t.name+".csv")
		if err := writeCSV(path, t.header, t.rows); err != nil {
			return paths, err
		}
		log.Info().Str("component", "export").Str("path", path).Int("rows", len(t.rows)).Msg("Table exported")
		paths = append(paths, path)
	}
	return paths, nil
}

func writeCSV(path string, header []string, rows [][]string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(header); err != nil {
		return err
	}
	if err := w.WriteAll(rows); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return f.Close()
}

func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// nullDecimal renders NULL as an empty cell
func nullDecimal(d decimal.NullDecimal) string {
	if !d.Valid {
		return ""
	}
	return d.Decimal.String()
}
