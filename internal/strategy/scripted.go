package strategy

import (
	"github.com/ksred/klear-trader/internal/config"
	"github.com/ksred/klear-trader/internal/types"
)

// Step is one preset order, emitted on the Tick-th event for Symbol. An empty
// Symbol matches any instrument.
type Step struct {
	Tick   int
	Symbol string
	Side   types.Side
	Qty    int64
}

// Scripted replays a fixed order sequence regardless of prices
type Scripted struct {
	steps []Step
	ticks map[string]int
}

func NewScripted(steps []Step) *Scripted {
	return &Scripted{steps: steps, ticks: make(map[string]int)}
}

func (s *Scripted) Name() string { return config.StrategyScripted }

func (s *Scripted) OnMarketEvent(event types.MarketEvent, _ types.Position) []types.OrderIntent {
	s.ticks[event.Symbol]++
	n := s.ticks[event.Symbol]

	var out []types.OrderIntent
	for _, step := range s.steps {
		if step.Tick != n || (step.Symbol != "" && step.Symbol != event.Symbol) {
			continue
		}
		out = append(out, market(event.Symbol, step.Side, step.Qty, event, "scripted"))
	}
	return out
}
