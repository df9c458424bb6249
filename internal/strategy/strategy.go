// Package strategy turns market events into order intents. Strategies are
// driven by the execution loop only and need no locking.
package strategy

import (
	"fmt"
	"strings"

	"github.com/ksred/klear-trader/internal/config"
	"github.com/ksred/klear-trader/internal/types"
)

// Strategy decides what to trade. Intents carry no client order id; the
// execution loop assigns one before anything is persisted.
type Strategy interface {
	Name() string
	OnMarketEvent(event types.MarketEvent, position types.Position) []types.OrderIntent
}

// Noop never trades. Useful to validate wiring and reconciliation.
type Noop struct{}

func (Noop) Name() string { return config.StrategyNoop }

func (Noop) OnMarketEvent(types.MarketEvent, types.Position) []types.OrderIntent { return nil }

// New builds the configured strategy
func New(cfg config.StrategyConfig) (Strategy, error) {
	switch cfg.Type {
	case config.StrategyNoop, "":
		return Noop{}, nil
	case config.StrategySMACross:
		return NewSMACross(cfg.SMACross)
	case config.StrategyScripted:
		steps := make([]Step, 0, len(cfg.Script))
		for _, s := range cfg.Script {
			side := types.Side(strings.ToUpper(s.Side))
			if !side.Valid() || s.Qty <= 0 || s.Tick <= 0 {
				return nil, fmt.Errorf("%w: bad script step %+v", config.ErrInvalidConfig, s)
			}
			steps = append(steps, Step{Tick: s.Tick, Symbol: s.Symbol, Side: side, Qty: s.Qty})
		}
		return NewScripted(steps), nil
	}
	return nil, fmt.Errorf("%w: unknown strategy %q", config.ErrInvalidConfig, cfg.Type)
}

func market(symbol string, side types.Side, qty int64, event types.MarketEvent, reason string) types.OrderIntent {
	return types.OrderIntent{
		Symbol:    symbol,
		Side:      side,
		Quantity:  qty,
		OrderType: types.OrderTypeMarket,
		Reason:    reason,
		Timestamp: event.Timestamp,
	}
}
