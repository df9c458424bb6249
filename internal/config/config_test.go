package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
env: paper
runtime:
  heartbeat: 0s
  tick_timeout: 2s
trading:
  enabled: true
storage:
  sqlite_path: /tmp/trader.sqlite
broker:
  type: sim
  sim:
    start_price: 100
instruments:
  - symbol: ES
    multiplier: 50
  - symbol: MGC
    multiplier: 10
risk:
  max_position: 3
  max_order_size: 2
  max_daily_loss_usd: 500
  daily_reset: calendar_day
  timezone: America/New_York
`

func TestParseAppliesDefaultsAndOverrides(t *testing.T) {
	cfg, err := Parse([]byte(sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, EnvPaper, cfg.Env)
	assert.True(t, cfg.Trading.Enabled)
	assert.Equal(t, DriverSQLite, cfg.Storage.Driver)
	assert.Equal(t, 2*time.Second, cfg.Runtime.TickTimeout)
	assert.Equal(t, TimeoutSkip, cfg.Runtime.TimeoutPolicy)
	assert.Equal(t, []string{"ES", "MGC"}, cfg.Symbols())
	assert.Equal(t, "50", cfg.Multipliers()["ES"].String())
	assert.Equal(t, int64(3), cfg.Risk.MaxPosition)
	assert.Equal(t, "America/New_York", cfg.Risk.Location().String())
	assert.True(t, cfg.Reconcile.HaltOnMismatch)
	assert.Equal(t, RestoreSnapshot, cfg.Ledger.Restore)
}

func TestLiveTradingRequiresAllowLive(t *testing.T) {
	cfg := Default()
	cfg.Env = EnvLive
	cfg.Broker.Type = BrokerGateway
	cfg.Broker.Gateway.BaseURL = "http://gw"
	cfg.Broker.Gateway.WSURL = "ws://gw"
	cfg.Trading.Enabled = true

	err := cfg.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.Contains(t, err.Error(), "allow_live")

	cfg.Trading.AllowLive = true
	assert.NoError(t, cfg.Validate())

	// Read-only live sessions need no extra flag.
	cfg.Trading.Enabled = false
	cfg.Trading.AllowLive = false
	assert.NoError(t, cfg.Validate())
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown env", func(c *Config) { c.Env = "staging" }, "env must be"},
		{"no instruments", func(c *Config) { c.Instruments = nil }, "at least one instrument"},
		{"duplicate instrument", func(c *Config) {
			c.Instruments = []InstrumentConfig{{Symbol: "ES", Multiplier: 50}, {Symbol: "ES", Multiplier: 50}}
		}, "listed twice"},
		{"zero multiplier", func(c *Config) { c.Instruments[0].Multiplier = 0 }, "multiplier must be positive"},
		{"zero order size", func(c *Config) { c.Risk.MaxOrderSize = 0 }, "max_order_size"},
		{"bad reset", func(c *Config) { c.Risk.DailyReset = "weekly" }, "daily_reset"},
		{"bad timezone", func(c *Config) { c.Risk.Timezone = "Mars/Olympus" }, "risk.timezone"},
		{"bad broker", func(c *Config) { c.Broker.Type = "ibkr" }, "broker.type"},
		{"gateway without urls", func(c *Config) { c.Broker.Type = BrokerGateway }, "base_url"},
		{"live sim", func(c *Config) { c.Env = EnvLive }, "simulated broker"},
		{"bad timeout policy", func(c *Config) { c.Runtime.TimeoutPolicy = "retry" }, "timeout_policy"},
		{"bad restore", func(c *Config) { c.Ledger.Restore = "magic" }, "ledger.restore"},
		{"api without secret", func(c *Config) { c.API.Enabled = true }, "jwt_secret"},
		{"bad driver", func(c *Config) { c.Storage.Driver = "mysql" }, "storage.driver"},
		{"unknown strategy", func(c *Config) { c.Strategy.Type = "momentum" }, "strategy.type"},
		{"inverted sma windows", func(c *Config) {
			c.Strategy.Type = StrategySMACross
			c.Strategy.SMACross = SMACrossConfig{Fast: 20, Slow: 5, Qty: 1}
		}, "0 < fast < slow"},
		{"sma without qty", func(c *Config) {
			c.Strategy.Type = StrategySMACross
			c.Strategy.SMACross.Qty = 0
		}, "sma_cross.qty"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadHonoursEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o600))

	t.Setenv("TRADER_DB_PATH", "/tmp/override.sqlite")
	t.Setenv("TRADER_JWT_SECRET", "s3cret")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/override.sqlite", cfg.Storage.SQLitePath)
	assert.Equal(t, "s3cret", cfg.API.JWTSecret)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
