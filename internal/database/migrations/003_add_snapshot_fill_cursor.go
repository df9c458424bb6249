package migrations

import (
	"github.com/ksred/klear-trader/internal/types"
	"gorm.io/gorm"
)

// AddSnapshotFillCursor adds pnl_snapshots.last_fill_id to databases created
// before snapshots carried a fill cursor
func AddSnapshotFillCursor(tx *gorm.DB) error {
	if tx.Migrator().HasColumn(&types.PnLSnapshot{}, "last_fill_id") {
		return nil
	}
	return tx.Migrator().AddColumn(&types.PnLSnapshot{}, "LastFillID")
}
