package strategy

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/ksred/klear-trader/internal/config"
	"github.com/ksred/klear-trader/internal/types"
)

type window struct {
	prices []decimal.Decimal
	head   int
	count  int

	prevFast decimal.Decimal
	prevSlow decimal.Decimal
	primed   bool
}

// SMACross trades fast/slow simple moving average crossovers. Long-flat mode
// buys to +qty on a golden cross and exits on a dead cross; long-short mode
// targets -qty on a dead cross instead.
type SMACross struct {
	fast      int
	slow      int
	qty       int64
	longShort bool

	windows map[string]*window
}

func NewSMACross(cfg config.SMACrossConfig) (*SMACross, error) {
	if cfg.Fast <= 0 || cfg.Slow <= cfg.Fast {
		return nil, fmt.Errorf("%w: sma_cross needs 0 < fast < slow", config.ErrInvalidConfig)
	}
	if cfg.Qty <= 0 {
		return nil, fmt.Errorf("%w: sma_cross qty must be positive", config.ErrInvalidConfig)
	}
	return &SMACross{
		fast:      cfg.Fast,
		slow:      cfg.Slow,
		qty:       cfg.Qty,
		longShort: cfg.LongShort,
		windows:   make(map[string]*window),
	}, nil
}

func (s *SMACross) Name() string { return config.StrategySMACross }

func (s *SMACross) OnMarketEvent(event types.MarketEvent, position types.Position) []types.OrderIntent {
	if !event.Valid() {
		return nil
	}
	w, ok := s.windows[event.Symbol]
	if !ok {
		w = &window{prices: make([]decimal.Decimal, s.slow)}
		s.windows[event.Symbol] = w
	}

	// Ring buffer holding the slow window.
	w.prices[w.head] = event.Price
	w.head = (w.head + 1) % s.slow
	if w.count < s.slow {
		w.count++
	}
	if w.count < s.slow {
		return nil
	}

	fast := w.average(s.fast, s.slow)
	slow := w.average(s.slow, s.slow)
	prevFast, prevSlow, primed := w.prevFast, w.prevSlow, w.primed
	w.prevFast, w.prevSlow, w.primed = fast, slow, true
	if !primed {
		return nil
	}

	var target int64
	var reason string
	switch {
	case prevFast.LessThanOrEqual(prevSlow) && fast.GreaterThan(slow):
		target, reason = s.qty, "golden cross"
	case prevFast.GreaterThanOrEqual(prevSlow) && fast.LessThan(slow):
		target, reason = 0, "dead cross"
		if s.longShort {
			target = -s.qty
		}
	default:
		return nil
	}

	delta := target - position.Quantity
	switch {
	case delta > 0:
		return []types.OrderIntent{market(event.Symbol, types.SideBuy, delta, event, reason)}
	case delta < 0:
		return []types.OrderIntent{market(event.Symbol, types.SideSell, -delta, event, reason)}
	}
	return nil
}

// average of the newest n prices
func (w *window) average(n, size int) decimal.Decimal {
	sum := decimal.Zero
	idx := w.head
	for i := 0; i < n; i++ {
		idx--
		if idx < 0 {
			idx = size - 1
		}
		sum = sum.Add(w.prices[idx])
	}
	return sum.Div(decimal.NewFromInt(int64(n)))
}
