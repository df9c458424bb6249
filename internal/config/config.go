// Package config loads and validates the trader's YAML configuration
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

const (
	EnvPaper = "paper"
	EnvLive  = "live"

	BrokerSim     = "sim"
	BrokerGateway = "gateway"

	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	DailyResetSession     = "session"
	DailyResetCalendarDay = "calendar_day"

	TimeoutSkip = "skip"
	TimeoutHalt = "halt"
	TimeoutFail = "fail"

	StrategyNoop     = "noop"
	StrategySMACross = "sma_cross"
	StrategyScripted = "scripted"

	RestoreSnapshot = "snapshot"
	RestoreReplay   = "replay"
)

// ErrInvalidConfig wraps every validation failure
var ErrInvalidConfig = errors.New("invalid configuration")

// Config represents the complete configuration structure
type Config struct {
	Env         string             `yaml:"env"`
	Log         LogConfig          `yaml:"log"`
	Storage     StorageConfig      `yaml:"storage"`
	Runtime     RuntimeConfig      `yaml:"runtime"`
	Trading     TradingConfig      `yaml:"trading"`
	Broker      BrokerConfig       `yaml:"broker"`
	Instruments []InstrumentConfig `yaml:"instruments"`
	Risk        RiskConfig         `yaml:"risk"`
	Reconcile   ReconcileConfig    `yaml:"reconcile"`
	Ledger      LedgerConfig       `yaml:"ledger"`
	Strategy    StrategyConfig     `yaml:"strategy"`
	API         APIConfig          `yaml:"api"`
	Metrics     MetricsConfig      `yaml:"metrics"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
	File  string `yaml:"file"`
}

type StorageConfig struct {
	Driver     string         `yaml:"driver"`
	SQLitePath string         `yaml:"sqlite_path"`
	Postgres   PostgresConfig `yaml:"postgres"`
}

type PostgresConfig struct {
	Host     string            `yaml:"host"`
	Port     int               `yaml:"port"`
	User     string            `yaml:"user"`
	Password string            `yaml:"password"`
	Database string            `yaml:"database"`
	SSLMode  string            `yaml:"sslmode"`
	Params   map[string]string `yaml:"params"`
	DSN      string            `yaml:"dsn"`
}

type RuntimeConfig struct {
	InstanceID     string        `yaml:"instance_id"`
	Heartbeat      time.Duration `yaml:"heartbeat"`
	Iterations     int           `yaml:"iterations"` // 0 = run until stopped
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	TickTimeout    time.Duration `yaml:"tick_timeout"`
	TimeoutPolicy  string        `yaml:"timeout_policy"`
	QueueSize      int           `yaml:"queue_size"`
}

// TradingConfig gates order submission. Live trading needs both flags.
type TradingConfig struct {
	Enabled   bool `yaml:"enabled"`
	AllowLive bool `yaml:"allow_live"`
}

type BrokerConfig struct {
	Type    string        `yaml:"type"`
	Sim     SimConfig     `yaml:"sim"`
	Gateway GatewayConfig `yaml:"gateway"`
}

type SimConfig struct {
	StartPrice        float64       `yaml:"start_price"`
	Volatility        float64       `yaml:"volatility"`
	TickInterval      time.Duration `yaml:"tick_interval"`
	Seed              int64         `yaml:"seed"`
	CommissionPerUnit float64       `yaml:"commission_per_unit"`
	CommissionDelay   int           `yaml:"commission_delay"` // polls before a commission is reported
	MinLatency        time.Duration `yaml:"min_latency"`
	MaxLatency        time.Duration `yaml:"max_latency"`
	PushFills         bool          `yaml:"push_fills"`
}

type GatewayConfig struct {
	BaseURL           string        `yaml:"base_url"`
	WSURL             string        `yaml:"ws_url"`
	APIKey            string        `yaml:"api_key"`
	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	MaxRetries        int           `yaml:"max_retries"`
}

type InstrumentConfig struct {
	Symbol     string  `yaml:"symbol"`
	Multiplier float64 `yaml:"multiplier"` // currency per 1.0 price move per contract
}

type RiskConfig struct {
	MaxPosition     int64   `yaml:"max_position"`
	MaxOrderSize    int64   `yaml:"max_order_size"`
	MaxDailyLossUSD float64 `yaml:"max_daily_loss_usd"`
	DailyReset      string  `yaml:"daily_reset"`
	Timezone        string  `yaml:"timezone"`
}

type ReconcileConfig struct {
	HaltOnMismatch bool          `yaml:"halt_on_mismatch"`
	Interval       time.Duration `yaml:"interval"` // 0 = startup and reconnect only
}

type LedgerConfig struct {
	Restore string `yaml:"restore"`
}

type StrategyConfig struct {
	Type     string         `yaml:"type"`
	SMACross SMACrossConfig `yaml:"sma_cross"`
	Script   []ScriptStep   `yaml:"script"`
}

// ScriptStep emits one market order on the given tick (1-based) of a symbol
type ScriptStep struct {
	Tick   int    `yaml:"tick"`
	Symbol string `yaml:"symbol"`
	Side   string `yaml:"side"`
	Qty    int64  `yaml:"qty"`
}

type SMACrossConfig struct {
	Fast      int   `yaml:"fast"`
	Slow      int   `yaml:"slow"`
	Qty       int64 `yaml:"qty"`
	LongShort bool  `yaml:"long_short"`
}

type APIConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Addr           string `yaml:"addr"`
	JWTSecret      string `yaml:"jwt_secret"`
	OperatorKey    string `yaml:"operator_key"`
	OperatorSecret string `yaml:"operator_secret"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Default returns a paper-trading configuration against the simulated broker
func Default() Config {
	return Config{
		Env: EnvPaper,
		Log: LogConfig{Level: "info", JSON: true, File: "run/trader.log"},
		Storage: StorageConfig{
			Driver:     DriverSQLite,
			SQLitePath: "run/trader.sqlite",
			Postgres:   PostgresConfig{Host: "localhost", Port: 5432, SSLMode: "disable"},
		},
		Runtime: RuntimeConfig{
			Heartbeat:      2 * time.Second,
			ConnectTimeout: 10 * time.Second,
			TickTimeout:    5 * time.Second,
			TimeoutPolicy:  TimeoutSkip,
			QueueSize:      1024,
		},
		Broker: BrokerConfig{
			Type: BrokerSim,
			Sim: SimConfig{
				StartPrice:        2000,
				Volatility:        0.5,
				TickInterval:      250 * time.Millisecond,
				CommissionPerUnit: 0.25,
				CommissionDelay:   1,
			},
			Gateway: GatewayConfig{
				Timeout:           5 * time.Second,
				RequestsPerSecond: 10,
				MaxRetries:        3,
			},
		},
		Instruments: []InstrumentConfig{{Symbol: "MGC", Multiplier: 10}},
		Risk: RiskConfig{
			MaxPosition:     1,
			MaxOrderSize:    1,
			MaxDailyLossUSD: 100,
			DailyReset:      DailyResetSession,
			Timezone:        "UTC",
		},
		Reconcile: ReconcileConfig{HaltOnMismatch: true},
		Ledger:    LedgerConfig{Restore: RestoreSnapshot},
		Strategy: StrategyConfig{
			Type:     StrategyNoop,
			SMACross: SMACrossConfig{Fast: 5, Slow: 20, Qty: 1},
		},
		API:     APIConfig{Addr: ":8080"},
		Metrics: MetricsConfig{Enabled: true},
	}
}

// Load reads a YAML file over the defaults, applies environment overrides and validates
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML bytes over the defaults and validates the result
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("TRADER_DB_PATH"); v != "" {
		c.Storage.SQLitePath = v
	}
	if v := os.Getenv("TRADER_JWT_SECRET"); v != "" {
		c.API.JWTSecret = v
	}
	if v := os.Getenv("TRADER_GATEWAY_API_KEY"); v != "" {
		c.Broker.Gateway.APIKey = v
	}
}

// Validate checks the configuration. Any error here is fatal at startup.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...interface{}) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	switch c.Env {
	case EnvPaper:
	case EnvLive:
		if c.Trading.Enabled && !c.Trading.AllowLive {
			add("trading enabled in live env requires trading.allow_live=true")
		}
	default:
		add("env must be %q or %q, got %q", EnvPaper, EnvLive, c.Env)
	}

	switch c.Storage.Driver {
	case DriverSQLite:
		if c.Storage.SQLitePath == "" {
			add("storage.sqlite_path is required for sqlite")
		}
	case DriverPostgres:
		if c.Storage.Postgres.DSN == "" && c.Storage.Postgres.Database == "" {
			add("storage.postgres needs dsn or database")
		}
	default:
		add("storage.driver must be sqlite or postgres, got %q", c.Storage.Driver)
	}

	switch c.Broker.Type {
	case BrokerSim:
		if c.Broker.Sim.StartPrice <= 0 {
			add("broker.sim.start_price must be positive")
		}
	case BrokerGateway:
		if c.Broker.Gateway.BaseURL == "" || c.Broker.Gateway.WSURL == "" {
			add("broker.gateway requires base_url and ws_url")
		}
	default:
		add("broker.type must be sim or gateway, got %q", c.Broker.Type)
	}
	if c.Env == EnvLive && c.Broker.Type == BrokerSim {
		add("live env cannot use the simulated broker")
	}

	if len(c.Instruments) == 0 {
		add("at least one instrument is required")
	}
	seen := make(map[string]bool, len(c.Instruments))
	for _, inst := range c.Instruments {
		if inst.Symbol == "" {
			add("instrument symbol is required")
			continue
		}
		if seen[inst.Symbol] {
			add("instrument %s is listed twice", inst.Symbol)
		}
		seen[inst.Symbol] = true
		if inst.Multiplier <= 0 {
			add("instrument %s multiplier must be positive", inst.Symbol)
		}
	}

	if c.Risk.MaxPosition <= 0 {
		add("risk.max_position must be positive")
	}
	if c.Risk.MaxOrderSize <= 0 {
		add("risk.max_order_size must be positive")
	}
	if c.Risk.MaxDailyLossUSD <= 0 {
		add("risk.max_daily_loss_usd must be positive")
	}
	switch c.Risk.DailyReset {
	case DailyResetSession, DailyResetCalendarDay:
	default:
		add("risk.daily_reset must be session or calendar_day, got %q", c.Risk.DailyReset)
	}
	if _, err := time.LoadLocation(c.Risk.Timezone); err != nil {
		add("risk.timezone %q: %v", c.Risk.Timezone, err)
	}

	switch c.Runtime.TimeoutPolicy {
	case TimeoutSkip, TimeoutHalt, TimeoutFail:
	default:
		add("runtime.timeout_policy must be skip, halt or fail, got %q", c.Runtime.TimeoutPolicy)
	}
	if c.Runtime.TickTimeout <= 0 {
		add("runtime.tick_timeout must be positive")
	}
	if c.Runtime.Iterations < 0 {
		add("runtime.iterations must not be negative")
	}

	switch c.Ledger.Restore {
	case RestoreSnapshot, RestoreReplay:
	default:
		add("ledger.restore must be snapshot or replay, got %q", c.Ledger.Restore)
	}

	switch c.Strategy.Type {
	case StrategyNoop, StrategyScripted:
	case StrategySMACross:
		sma := c.Strategy.SMACross
		if sma.Fast <= 0 || sma.Slow <= sma.Fast {
			add("strategy.sma_cross needs 0 < fast < slow, got %d/%d", sma.Fast, sma.Slow)
		}
		if sma.Qty <= 0 {
			add("strategy.sma_cross.qty must be positive")
		}
	default:
		add("strategy.type must be noop, sma_cross or scripted, got %q", c.Strategy.Type)
	}

	if c.API.Enabled && c.API.JWTSecret == "" {
		add("api.jwt_secret is required when the api is enabled")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

// Multipliers returns the instrument multiplier per symbol
func (c *Config) Multipliers() map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(c.Instruments))
	for _, inst := range c.Instruments {
		out[inst.Symbol] = decimal.NewFromFloat(inst.Multiplier)
	}
	return out
}

// Symbols returns the configured instrument symbols in order
func (c *Config) Symbols() []string {
	out := make([]string, 0, len(c.Instruments))
	for _, inst := range c.Instruments {
		out = append(out, inst.Symbol)
	}
	return out
}

// Location returns the timezone used for calendar-day loss resets
func (r RiskConfig) Location() *time.Location {
	loc, err := time.LoadLocation(r.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
