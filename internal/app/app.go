// Package app wires configuration into a ready-to-run trader: store, broker,
// strategy, metrics, session and execution loop.
package app

import (
	"context"
	"fmt"

	zlog "github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/ksred/klear-trader/internal/broker"
	"github.com/ksred/klear-trader/internal/broker/gateway"
	"github.com/ksred/klear-trader/internal/broker/sim"
	"github.com/ksred/klear-trader/internal/config"
	"github.com/ksred/klear-trader/internal/database"
	"github.com/ksred/klear-trader/internal/engine"
	"github.com/ksred/klear-trader/internal/metrics"
	"github.com/ksred/klear-trader/internal/persistence"
	"github.com/ksred/klear-trader/internal/session"
	"github.com/ksred/klear-trader/internal/strategy"
)

type App struct {
	Config  *config.Config
	DB      *gorm.DB
	Store   *persistence.Database
	Broker  broker.Broker
	Session *session.Session
	Metrics *metrics.Metrics
	Loop    *engine.Loop
}

// Option adjusts the build, mostly for tools and tests
type Option func(*options)

type options struct {
	broker   broker.Broker
	strategy strategy.Strategy
}

// WithBroker replaces the configured broker
func WithBroker(b broker.Broker) Option {
	return func(o *options) { o.broker = b }
}

// WithStrategy replaces the configured strategy
func WithStrategy(s strategy.Strategy) Option {
	return func(o *options) { o.strategy = s }
}

// NewBroker builds the configured broker adapter
func NewBroker(cfg *config.Config) (broker.Broker, error) {
	switch cfg.Broker.Type {
	case config.BrokerSim:
		return sim.New(sim.ConfigFrom(cfg.Broker.Sim)), nil
	case config.BrokerGateway:
		return gateway.New(gateway.ConfigFrom(cfg.Broker.Gateway)), nil
	}
	return nil, fmt.Errorf("%w: unknown broker type %q", config.ErrInvalidConfig, cfg.Broker.Type)
}

// TradingEnabled applies both trading gates
func TradingEnabled(cfg *config.Config) bool {
	if !cfg.Trading.Enabled {
		return false
	}
	return cfg.Env != config.EnvLive || cfg.Trading.AllowLive
}

// Build opens the store and assembles every component. Nothing is connected
// yet; callers Start or Open the loop.
func Build(cfg *config.Config, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	db, err := database.Open(cfg.Storage)
	if err != nil {
		return nil, err
	}
	a := &App{Config: cfg, DB: db, Store: persistence.NewDatabase(db)}

	a.Broker = o.broker
	if a.Broker == nil {
		if a.Broker, err = NewBroker(cfg); err != nil {
			database.Close(db)
			return nil, err
		}
	}

	strat := o.strategy
	if strat == nil {
		if strat, err = strategy.New(cfg.Strategy); err != nil {
			database.Close(db)
			return nil, err
		}
	}

	if cfg.Metrics.Enabled {
		a.Metrics = metrics.New()
	}
	a.Session = session.New(cfg.Env, TradingEnabled(cfg))

	a.Loop, err = engine.New(engine.Options{
		Config:   cfg,
		Session:  a.Session,
		Broker:   a.Broker,
		Store:    a.Store,
		Strategy: strat,
		Metrics:  a.Metrics,
	})
	if err != nil {
		database.Close(db)
		return nil, err
	}

	zlog.Info().
		Str("session_id", a.Session.ID).
		Str("env", cfg.Env).
		Str("broker", cfg.Broker.Type).
		Str("strategy", strat.Name()).
		Bool("trading_enabled", a.Session.TradingEnabled()).
		Msg("Trader assembled")
	return a, nil
}

// Close stops the loop and releases the database
func (a *App) Close(ctx context.Context) error {
	var err error
	if a.Loop != nil {
		err = a.Loop.Stop(ctx)
	}
	if cerr := database.Close(a.DB); err == nil {
		err = cerr
	}
	return err
}
