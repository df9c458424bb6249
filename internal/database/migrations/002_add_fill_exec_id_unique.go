package migrations

import (
	"github.com/ksred/klear-trader/internal/types"
	"gorm.io/gorm"
)

// AddFillExecIDUnique makes exec_id unique among non-NULL values. Existing
// duplicates are removed first, keeping the earliest row. NULL exec ids stay
// allowed and are never considered equal.
func AddFillExecIDUnique(tx *gorm.DB) error {
	if !tx.Migrator().HasColumn(&types.Fill{}, "exec_id") {
		if err := tx.Migrator().AddColumn(&types.Fill{}, "ExecID"); err != nil {
			return err
		}
	}

	return execAll(tx, []string{
		`DELETE FROM fills
		 WHERE exec_id IS NOT NULL
		   AND id NOT IN (
		     SELECT MIN(id) FROM fills
		     WHERE exec_id IS NOT NULL
		     GROUP BY exec_id
		   )`,

		`CREATE UNIQUE INDEX IF NOT EXISTS idx_fills_exec_id
		 ON fills(exec_id)`,
	})
}
