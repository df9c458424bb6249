package ledger

import (
	"sort"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/ksred/klear-trader/internal/types"
)

// Ledger tracks position, average price, realized PnL and commissions per
// symbol. It is owned by the execution loop and is not safe for concurrent
// writers. It does not deduplicate: callers apply each fill at most once.
type Ledger struct {
	multipliers       map[string]decimal.Decimal
	defaultMultiplier decimal.Decimal
	positions         map[string]*types.Position
	lastFillID        uint
	logger            zerolog.Logger
}

// Totals is the sum of PnL components across symbols
type Totals struct {
	RealizedUSD    decimal.Decimal
	UnrealizedUSD  decimal.Decimal
	CommissionsUSD decimal.Decimal
}

// Net is realized + unrealized - commissions
func (t Totals) Net() decimal.Decimal {
	return t.RealizedUSD.Add(t.UnrealizedUSD).Sub(t.CommissionsUSD)
}

// Sub returns t minus base, component-wise
func (t Totals) Sub(base Totals) Totals {
	return Totals{
		RealizedUSD:    t.RealizedUSD.Sub(base.RealizedUSD),
		UnrealizedUSD:  t.UnrealizedUSD.Sub(base.UnrealizedUSD),
		CommissionsUSD: t.CommissionsUSD.Sub(base.CommissionsUSD),
	}
}

// New creates an empty ledger. Symbols missing from multipliers use 1.
func New(multipliers map[string]decimal.Decimal) *Ledger {
	m := make(map[string]decimal.Decimal, len(multipliers))
	for sym, v := range multipliers {
		m[sym] = v
	}
	return &Ledger{
		multipliers:       m,
		defaultMultiplier: decimal.NewFromInt(1),
		positions:         make(map[string]*types.Position),
		logger:            zlog.With().Str("component", "ledger").Logger(),
	}
}

// Multiplier returns the currency value of a 1.0 price move for one contract
func (l *Ledger) Multiplier(symbol string) decimal.Decimal {
	if m, ok := l.multipliers[symbol]; ok {
		return m
	}
	return l.defaultMultiplier
}

func (l *Ledger) position(symbol string) *types.Position {
	pos, ok := l.positions[symbol]
	if !ok {
		pos = &types.Position{Symbol: symbol}
		l.positions[symbol] = pos
	}
	return pos
}

// ApplyFill books one execution. Same-direction fills move the average price
// by weighted average cost; opposite fills realize PnL on the closed quantity
// and any remainder after a reversal opens at the fill price.
func (l *Ledger) ApplyFill(fill *types.Fill) types.Position {
	pos := l.position(fill.Symbol)
	signed := fill.SignedQty()
	mult := l.Multiplier(fill.Symbol)

	if fill.Commission.Valid {
		pos.CommissionsUSD = pos.CommissionsUSD.Add(fill.Commission.Decimal)
	}

	var realized decimal.Decimal
	if pos.Quantity == 0 || sign(pos.Quantity) == sign(signed) {
		newQty := pos.Quantity + signed
		cost := pos.AvgPrice.Mul(decimal.NewFromInt(pos.Quantity)).Add(fill.Price.Mul(decimal.NewFromInt(signed)))
		pos.AvgPrice = cost.Div(decimal.NewFromInt(newQty))
		pos.Quantity = newQty
	} else {
		dir := sign(pos.Quantity)
		closing := minInt64(abs(pos.Quantity), abs(signed))
		realized = fill.Price.Sub(pos.AvgPrice).Mul(decimal.NewFromInt(closing * dir)).Mul(mult)
		pos.RealizedUSD = pos.RealizedUSD.Add(realized)

		newQty := pos.Quantity + signed
		switch {
		case newQty == 0:
			pos.AvgPrice = decimal.Zero
		case sign(newQty) != dir:
			pos.AvgPrice = fill.Price
		}
		pos.Quantity = newQty
	}

	if fill.ID > l.lastFillID {
		l.lastFillID = fill.ID
	}

	l.logger.Debug().
		Str("symbol", fill.Symbol).
		Str("side", string(fill.Side)).
		Int64("qty", fill.Quantity).
		Str("price", fill.Price.String()).
		Str("exec_id", fill.ExecKey()).
		Int64("pos_qty", pos.Quantity).
		Str("pos_avg", pos.AvgPrice.String()).
		Str("realized_delta", realized.String()).
		Str("realized_usd", pos.RealizedUSD.String()).
		Str("commissions_usd", pos.CommissionsUSD.String()).
		Msg("Fill applied")

	return *pos
}

// ApplyCommission books a commission that was reported after its fill
func (l *Ledger) ApplyCommission(symbol string, amount decimal.Decimal) {
	pos := l.position(symbol)
	pos.CommissionsUSD = pos.CommissionsUSD.Add(amount)
}

// Mark returns unrealized PnL of the open quantity at lastPrice
func (l *Ledger) Mark(symbol string, lastPrice decimal.Decimal) decimal.Decimal {
	pos, ok := l.positions[symbol]
	if !ok || pos.Quantity == 0 {
		return decimal.Zero
	}
	return lastPrice.Sub(pos.AvgPrice).Mul(decimal.NewFromInt(pos.Quantity)).Mul(l.Multiplier(symbol))
}

// Position returns a copy of the symbol's position; unknown symbols are flat
func (l *Ledger) Position(symbol string) types.Position {
	if pos, ok := l.positions[symbol]; ok {
		return *pos
	}
	return types.Position{Symbol: symbol}
}

// Positions returns every tracked position sorted by symbol
func (l *Ledger) Positions() []types.Position {
	out := make([]types.Position, 0, len(l.positions))
	for _, pos := range l.positions {
		out = append(out, *pos)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Symbols returns every symbol the ledger has seen
func (l *Ledger) Symbols() []string {
	out := make([]string, 0, len(l.positions))
	for sym := range l.positions {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// LastFillID is the highest persisted fill id applied so far
func (l *Ledger) LastFillID() uint {
	return l.lastFillID
}

// Snapshot derives a PnL snapshot for symbol. Without a last price the
// unrealized PnL is zero.
func (l *Ledger) Snapshot(symbol string, lastPrice decimal.NullDecimal, ts time.Time) types.PnLSnapshot {
	pos := l.Position(symbol)
	snap := types.PnLSnapshot{
		Timestamp:      ts.UTC(),
		Symbol:         symbol,
		PositionQty:    pos.Quantity,
		AvgPrice:       pos.AvgPrice,
		LastPrice:      lastPrice,
		RealizedUSD:    pos.RealizedUSD,
		CommissionsUSD: pos.CommissionsUSD,
		LastFillID:     l.lastFillID,
	}
	if lastPrice.Valid {
		snap.UnrealizedUSD = l.Mark(symbol, lastPrice.Decimal)
	}
	return snap
}

// Totals sums PnL across symbols, marking open positions at prices.
// Symbols without a price contribute no unrealized PnL.
func (l *Ledger) Totals(prices map[string]decimal.Decimal) Totals {
	var t Totals
	for sym, pos := range l.positions {
		t.RealizedUSD = t.RealizedUSD.Add(pos.RealizedUSD)
		t.CommissionsUSD = t.CommissionsUSD.Add(pos.CommissionsUSD)
		if price, ok := prices[sym]; ok {
			t.UnrealizedUSD = t.UnrealizedUSD.Add(l.Mark(sym, price))
		}
	}
	return t
}

// SnapshotTotals sums the PnL components recorded in snapshots
func SnapshotTotals(snaps []types.PnLSnapshot) Totals {
	var t Totals
	for _, s := range snaps {
		t.RealizedUSD = t.RealizedUSD.Add(s.RealizedUSD)
		t.UnrealizedUSD = t.UnrealizedUSD.Add(s.UnrealizedUSD)
		t.CommissionsUSD = t.CommissionsUSD.Add(s.CommissionsUSD)
	}
	return t
}

// Restore replaces all positions with the state captured in snapshots
func (l *Ledger) Restore(snaps []types.PnLSnapshot) {
	l.positions = make(map[string]*types.Position, len(snaps))
	l.lastFillID = 0
	for i := range snaps {
		s := snaps[i]
		avg := s.AvgPrice
		if s.PositionQty == 0 {
			avg = decimal.Zero
		}
		l.positions[s.Symbol] = &types.Position{
			Symbol:         s.Symbol,
			Quantity:       s.PositionQty,
			AvgPrice:       avg,
			RealizedUSD:    s.RealizedUSD,
			CommissionsUSD: s.CommissionsUSD,
		}
		if s.LastFillID > l.lastFillID {
			l.lastFillID = s.LastFillID
		}
	}
}

func sign(v int64) int64 {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	}
	return 0
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
