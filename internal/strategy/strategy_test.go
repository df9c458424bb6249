package strategy

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksred/klear-trader/internal/config"
	"github.com/ksred/klear-trader/internal/types"
)

func tick(symbol string, price int64) types.MarketEvent {
	return types.MarketEvent{
		Symbol:    symbol,
		Price:     decimal.NewFromInt(price),
		Timestamp: time.Date(2024, 5, 1, 14, 0, 0, 0, time.UTC),
	}
}

func flat(symbol string) types.Position { return types.Position{Symbol: symbol} }

func TestSMACrossSignals(t *testing.T) {
	s, err := NewSMACross(config.SMACrossConfig{Fast: 3, Slow: 5, Qty: 2})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		assert.Empty(t, s.OnMarketEvent(tick("MGC", 100), flat("MGC")), "warmup tick %d", i)
	}

	// fast 133.3 crosses above slow 120
	out := s.OnMarketEvent(tick("MGC", 200), flat("MGC"))
	require.Len(t, out, 1)
	assert.Equal(t, types.SideBuy, out[0].Side)
	assert.Equal(t, int64(2), out[0].Quantity)
	assert.Equal(t, types.OrderTypeMarket, out[0].OrderType)
	assert.Empty(t, out[0].ClientOrderID)

	long := types.Position{Symbol: "MGC", Quantity: 2}
	assert.Empty(t, s.OnMarketEvent(tick("MGC", 50), long))
	assert.Empty(t, s.OnMarketEvent(tick("MGC", 50), long))

	// fast 50 drops below slow 90: long-flat mode exits
	out = s.OnMarketEvent(tick("MGC", 50), long)
	require.Len(t, out, 1)
	assert.Equal(t, types.SideSell, out[0].Side)
	assert.Equal(t, int64(2), out[0].Quantity)
	assert.Equal(t, "dead cross", out[0].Reason)
}

func TestSMACrossLongShortReverses(t *testing.T) {
	s, err := NewSMACross(config.SMACrossConfig{Fast: 1, Slow: 2, Qty: 1, LongShort: true})
	require.NoError(t, err)

	long := types.Position{Symbol: "ES", Quantity: 1}
	s.OnMarketEvent(tick("ES", 100), long)
	s.OnMarketEvent(tick("ES", 101), long)
	out := s.OnMarketEvent(tick("ES", 99), long)
	require.Len(t, out, 1)
	assert.Equal(t, types.SideSell, out[0].Side)
	assert.Equal(t, int64(2), out[0].Quantity)
}

func TestSMACrossKeepsSymbolsApart(t *testing.T) {
	s, err := NewSMACross(config.SMACrossConfig{Fast: 1, Slow: 2, Qty: 1})
	require.NoError(t, err)

	s.OnMarketEvent(tick("MGC", 100), flat("MGC"))
	s.OnMarketEvent(tick("ES", 5000), flat("ES"))
	s.OnMarketEvent(tick("MGC", 99), flat("MGC"))
	// ES has only two prices so it is not primed yet.
	assert.Empty(t, s.OnMarketEvent(tick("ES", 6000), flat("ES")))
	out := s.OnMarketEvent(tick("MGC", 120), flat("MGC"))
	require.Len(t, out, 1)
	assert.Equal(t, "MGC", out[0].Symbol)
}

func TestSMACrossRejectsBadWindows(t *testing.T) {
	_, err := NewSMACross(config.SMACrossConfig{Fast: 5, Slow: 5, Qty: 1})
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
	_, err = NewSMACross(config.SMACrossConfig{Fast: 1, Slow: 5})
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestScriptedEmitsOnTick(t *testing.T) {
	s := NewScripted([]Step{
		{Tick: 1, Side: types.SideBuy, Qty: 1},
		{Tick: 3, Symbol: "MGC", Side: types.SideSell, Qty: 1},
	})

	out := s.OnMarketEvent(tick("MGC", 100), flat("MGC"))
	require.Len(t, out, 1)
	assert.Equal(t, types.SideBuy, out[0].Side)
	assert.Equal(t, "scripted", out[0].Reason)

	assert.Empty(t, s.OnMarketEvent(tick("MGC", 101), flat("MGC")))

	// ES counts its own ticks; the first matches the symbol-less step.
	require.Len(t, s.OnMarketEvent(tick("ES", 5000), flat("ES")), 1)

	out = s.OnMarketEvent(tick("MGC", 105), flat("MGC"))
	require.Len(t, out, 1)
	assert.Equal(t, types.SideSell, out[0].Side)
}

func TestNewFromConfig(t *testing.T) {
	s, err := New(config.StrategyConfig{Type: config.StrategyNoop})
	require.NoError(t, err)
	assert.Empty(t, s.OnMarketEvent(tick("MGC", 1), flat("MGC")))

	s, err = New(config.StrategyConfig{Type: config.StrategyScripted, Script: []config.ScriptStep{{Tick: 1, Side: "buy", Qty: 1}}})
	require.NoError(t, err)
	assert.Equal(t, config.StrategyScripted, s.Name())

	_, err = New(config.StrategyConfig{Type: config.StrategyScripted, Script: []config.ScriptStep{{Tick: 1, Side: "hold", Qty: 1}}})
	assert.ErrorIs(t, err, config.ErrInvalidConfig)

	_, err = New(config.StrategyConfig{Type: "orb"})
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}
