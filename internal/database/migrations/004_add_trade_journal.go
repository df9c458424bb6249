package migrations

import (
	"github.com/ksred/klear-trader/internal/types"
	"gorm.io/gorm"
)

// AddTradeJournal creates the trades table for round-trip journaling
func AddTradeJournal(tx *gorm.DB) error {
	if err := tx.AutoMigrate(&types.Trade{}); err != nil {
		return err
	}
	return execAll(tx, []string{
		"CREATE INDEX IF NOT EXISTS idx_trades_exit_ts ON trades(exit_ts)",
	})
}
