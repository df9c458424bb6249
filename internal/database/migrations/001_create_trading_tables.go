package migrations

import (
	"github.com/ksred/klear-trader/internal/types"
	"gorm.io/gorm"
)

// CreateTradingTables creates the orders, fills and pnl_snapshots tables and
// their lookup indexes. The exec id uniqueness is added separately so that
// legacy tables can be deduplicated first.
func CreateTradingTables(tx *gorm.DB) error {
	if err := tx.AutoMigrate(&types.Order{}, &types.Fill{}, &types.PnLSnapshot{}); err != nil {
		return err
	}

	return execAll(tx, []string{
		`CREATE INDEX IF NOT EXISTS idx_orders_status
		 ON orders(status)`,

		`CREATE INDEX IF NOT EXISTS idx_fills_symbol
		 ON fills(symbol)`,

		`CREATE INDEX IF NOT EXISTS idx_fills_ts
		 ON fills(ts)`,

		// Latest snapshot per symbol
		`CREATE INDEX IF NOT EXISTS idx_pnl_snapshots_symbol_id
		 ON pnl_snapshots(symbol, id)`,
	})
}
