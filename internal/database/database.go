package database

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	zlog "github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ksred/klear-trader/internal/config"
	"github.com/ksred/klear-trader/internal/database/migrations"
)

const (
	defaultPostgresHost    = "localhost"
	defaultPostgresPort    = 5432
	defaultPostgresSSLMode = "disable"
)

// Open connects to the configured backend and brings the schema up to date
func Open(cfg config.StorageConfig) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case config.DriverPostgres:
		dsn, err := PostgresDSN(cfg.Postgres)
		if err != nil {
			return nil, err
		}
		dialector = postgres.Open(dsn)
	case config.DriverSQLite, "":
		if err := ensureDir(cfg.SQLitePath); err != nil {
			return nil, err
		}
		dialector = sqlite.Open(sqliteDSN(cfg.SQLitePath))
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", cfg.Driver, err)
	}

	if err := migrations.Run(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	zlog.Info().Str("driver", cfg.Driver).Msg("Database ready")
	return db, nil
}

// NewDatabase opens (and migrates) a SQLite database at path
func NewDatabase(path string) (*gorm.DB, error) {
	return Open(config.StorageConfig{Driver: config.DriverSQLite, SQLitePath: path})
}

// Close releases the underlying connection pool
func Close(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// PostgresDSN builds a postgres:// URL from discrete options unless a DSN is given
func PostgresDSN(opt config.PostgresConfig) (string, error) {
	if opt.DSN != "" {
		return opt.DSN, nil
	}
	if opt.Database == "" {
		return "", fmt.Errorf("postgres database name is required")
	}

	host := opt.Host
	if host == "" {
		host = defaultPostgresHost
	}
	port := opt.Port
	if port == 0 {
		port = defaultPostgresPort
	}
	sslMode := opt.SSLMode
	if sslMode == "" {
		sslMode = defaultPostgresSSLMode
	}

	u := &url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%d", host, port),
		Path:   "/" + opt.Database,
	}
	if opt.User != "" {
		if opt.Password != "" {
			u.User = url.UserPassword(opt.User, opt.Password)
		} else {
			u.User = url.User(opt.User)
		}
	}

	query := url.Values{}
	query.Set("sslmode", sslMode)
	for key, value := range opt.Params {
		if key == "" {
			continue
		}
		query.Set(key, value)
	}
	u.RawQuery = query.Encode()

	return u.String(), nil
}

func sqliteDSN(path string) string {
	if path == ":memory:" {
		return path
	}
	return path + "?_journal_mode=WAL&_busy_timeout=5000"
}

func ensureDir(path string) error {
	if path == "" || path == ":memory:" {
		return nil
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create database directory %s: %w", dir, err)
	}
	return nil
}
