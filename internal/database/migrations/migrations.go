package migrations

import (
	"fmt"
	"time"

	zlog "github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// SchemaMigration records one applied step
type SchemaMigration struct {
	Version   int       `gorm:"primaryKey;autoIncrement:false"`
	Name      string    `gorm:"not null"`
	AppliedAt time.Time `gorm:"not null"`
}

func (SchemaMigration) TableName() string {
	return "schema_migrations"
}

// Step is one schema change. Apply must be safe to run again on a database
// where it has already taken effect.
type Step struct {
	Version int
	Name    string
	Apply   func(tx *gorm.DB) error
}

// Steps lists every migration in the order it is applied
var Steps = []Step{
	{Version: 1, Name: "create_trading_tables", Apply: CreateTradingTables},
	{Version: 2, Name: "add_fill_exec_id_unique", Apply: AddFillExecIDUnique},
	{Version: 3, Name: "add_snapshot_fill_cursor", Apply: AddSnapshotFillCursor},
	{Version: 4, Name: "add_trade_journal", Apply: AddTradeJournal},
}

// Run applies every step not yet recorded in schema_migrations, each in its
// own transaction
func Run(db *gorm.DB) error {
	if err := db.AutoMigrate(&SchemaMigration{}); err != nil {
		return fmt.Errorf("failed to create schema_migrations: %w", err)
	}

	applied, err := Applied(db)
	if err != nil {
		return err
	}

	for _, step := range Steps {
		if _, ok := applied[step.Version]; ok {
			continue
		}
		step := step
		err := db.Transaction(func(tx *gorm.DB) error {
			if err := step.Apply(tx); err != nil {
				return err
			}
			return tx.Create(&SchemaMigration{
				Version:   step.Version,
				Name:      step.Name,
				AppliedAt: time.Now().UTC(),
			}).Error
		})
		if err != nil {
			return fmt.Errorf("migration %03d_%s: %w", step.Version, step.Name, err)
		}
		zlog.Info().Int("version", step.Version).Str("name", step.Name).Msg("Applied migration")
	}
	return nil
}

// Applied returns the recorded migrations keyed by version
func Applied(db *gorm.DB) (map[int]SchemaMigration, error) {
	var rows []SchemaMigration
	if err := db.Order("version").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to read schema_migrations: %w", err)
	}
	out := make(map[int]SchemaMigration, len(rows))
	for _, row := range rows {
		out[row.Version] = row
	}
	return out, nil
}

func execAll(tx *gorm.DB, statements []string) error {
	for _, stmt := range statements {
		if err := tx.Exec(stmt).Error; err != nil {
			return err
		}
	}
	return nil
}
