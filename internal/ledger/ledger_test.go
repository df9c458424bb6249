package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksred/klear-trader/internal/types"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func assertDec(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...interface{}) {
	t.Helper()
	assert.True(t, dec(want).Equal(got), append([]interface{}{"want %s got %s", want, got.String()}, msgAndArgs...)...)
}

var seq uint

func mkFill(symbol string, side types.Side, qty int64, price string, commission string) *types.Fill {
	seq++
	f := &types.Fill{
		ID:        seq,
		Timestamp: time.Date(2024, 5, 1, 14, 0, int(seq), 0, time.UTC),
		Symbol:    symbol,
		Side:      side,
		Quantity:  qty,
		Price:     dec(price),
	}
	if commission != "" {
		f.Commission = decimal.NewNullDecimal(dec(commission))
	}
	return f
}

func TestRoundTripBuyThenSell(t *testing.T) {
	l := New(map[string]decimal.Decimal{"MGC": dec("1")})

	pos := l.ApplyFill(mkFill("MGC", types.SideBuy, 1, "100", "2"))
	assert.Equal(t, int64(1), pos.Quantity)
	assertDec(t, "100", pos.AvgPrice)
	assertDec(t, "0", pos.RealizedUSD)
	assertDec(t, "2", pos.CommissionsUSD)

	pos = l.ApplyFill(mkFill("MGC", types.SideSell, 1, "105", "2"))
	assert.Equal(t, int64(0), pos.Quantity)
	assertDec(t, "0", pos.AvgPrice)
	assertDec(t, "5", pos.RealizedUSD)
	assertDec(t, "4", pos.CommissionsUSD)

	totals := l.Totals(nil)
	assertDec(t, "1", totals.Net())
}

func TestWeightedAverageCost(t *testing.T) {
	l := New(nil)
	l.ApplyFill(mkFill("ES", types.SideBuy, 1, "100", ""))
	pos := l.ApplyFill(mkFill("ES", types.SideBuy, 3, "104", ""))
	assert.Equal(t, int64(4), pos.Quantity)
	assertDec(t, "103", pos.AvgPrice)

	// Partial reduce keeps the average.
	pos = l.ApplyFill(mkFill("ES", types.SideSell, 2, "110", ""))
	assert.Equal(t, int64(2), pos.Quantity)
	assertDec(t, "103", pos.AvgPrice)
	assertDec(t, "14", pos.RealizedUSD)
}

func TestShortPositionUsesMultiplier(t *testing.T) {
	l := New(map[string]decimal.Decimal{"MGC": dec("10")})
	l.ApplyFill(mkFill("MGC", types.SideSell, 2, "50", ""))
	pos := l.ApplyFill(mkFill("MGC", types.SideBuy, 1, "45", "0.5"))

	assert.Equal(t, int64(-1), pos.Quantity)
	assertDec(t, "50", pos.AvgPrice)
	assertDec(t, "50", pos.RealizedUSD)
	assertDec(t, "0.5", pos.CommissionsUSD)

	// Short marked below entry is a gain.
	assertDec(t, "30", l.Mark("MGC", dec("47")))
	assertDec(t, "-20", l.Mark("MGC", dec("52")))
}

func TestReversalOpensRemainderAtFillPrice(t *testing.T) {
	l := New(nil)
	l.ApplyFill(mkFill("CL", types.SideBuy, 1, "100", ""))
	pos := l.ApplyFill(mkFill("CL", types.SideSell, 3, "110", ""))

	assert.Equal(t, int64(-2), pos.Quantity)
	assertDec(t, "110", pos.AvgPrice)
	assertDec(t, "10", pos.RealizedUSD)

	pos = l.ApplyFill(mkFill("CL", types.SideBuy, 4, "100", ""))
	assert.Equal(t, int64(2), pos.Quantity)
	assertDec(t, "100", pos.AvgPrice)
	assertDec(t, "30", pos.RealizedUSD)
}

func TestUnknownSymbolStartsFlat(t *testing.T) {
	l := New(nil)
	pos := l.Position("NQ")
	assert.Equal(t, "NQ", pos.Symbol)
	assert.Zero(t, pos.Quantity)
	assertDec(t, "0", l.Mark("NQ", dec("100")))

	l.ApplyCommission("NQ", dec("1.25"))
	assertDec(t, "1.25", l.Position("NQ").CommissionsUSD)
	assert.Equal(t, []string{"NQ"}, l.Symbols())
}

func TestSnapshotWithoutPrice(t *testing.T) {
	l := New(map[string]decimal.Decimal{"MGC": dec("10")})
	l.ApplyFill(mkFill("MGC", types.SideBuy, 2, "2000", "1"))

	now := time.Now()
	snap := l.Snapshot("MGC", decimal.NullDecimal{}, now)
	assert.Equal(t, int64(2), snap.PositionQty)
	assertDec(t, "0", snap.UnrealizedUSD)
	assert.False(t, snap.LastPrice.Valid)
	assert.Equal(t, l.LastFillID(), snap.LastFillID)

	snap = l.Snapshot("MGC", decimal.NewNullDecimal(dec("2001.5")), now)
	assertDec(t, "30", snap.UnrealizedUSD)
	assertDec(t, "29", snap.NetUSD())
}

func TestTotalsAcrossSymbols(t *testing.T) {
	l := New(map[string]decimal.Decimal{"ES": dec("50")})
	l.ApplyFill(mkFill("ES", types.SideBuy, 1, "5000", "2"))
	l.ApplyFill(mkFill("MGC", types.SideSell, 1, "2000", "1"))

	totals := l.Totals(map[string]decimal.Decimal{"ES": dec("4990")})
	assertDec(t, "-500", totals.UnrealizedUSD)
	assertDec(t, "3", totals.CommissionsUSD)
	assertDec(t, "-503", totals.Net())

	base := Totals{RealizedUSD: dec("0"), UnrealizedUSD: dec("-100"), CommissionsUSD: dec("1")}
	daily := totals.Sub(base)
	assertDec(t, "-400", daily.UnrealizedUSD)
	assertDec(t, "2", daily.CommissionsUSD)
}

// Interleaving symbols differently must not change any position as long as
// each symbol's own fills keep their order.
func TestCrossSymbolOrderIsIrrelevant(t *testing.T) {
	es := []*types.Fill{
		mkFill("ES", types.SideBuy, 2, "5000", "1"),
		mkFill("ES", types.SideBuy, 1, "5003", "1"),
		mkFill("ES", types.SideSell, 4, "5010", "2"),
		mkFill("ES", types.SideBuy, 1, "4990", "1"),
	}
	mgc := []*types.Fill{
		mkFill("MGC", types.SideSell, 1, "2000", "0.5"),
		mkFill("MGC", types.SideSell, 1, "2004", "0.5"),
		mkFill("MGC", types.SideBuy, 1, "1990", "0.5"),
	}

	interleavings := [][]int{
		{0, 0, 0, 0, 1, 1, 1},
		{1, 1, 1, 0, 0, 0, 0},
		{0, 1, 0, 1, 0, 1, 0},
		{1, 0, 0, 1, 0, 0, 1},
	}

	var want []types.Position
	for n, order := range interleavings {
		l := New(map[string]decimal.Decimal{"ES": dec("50"), "MGC": dec("10")})
		var ie, im int
		for _, pick := range order {
			if pick == 0 {
				l.ApplyFill(es[ie])
				ie++
			} else {
				l.ApplyFill(mgc[im])
				im++
			}
		}
		got := l.Positions()
		if n == 0 {
			want = got
			continue
		}
		assertPositionsEqual(t, want, got)
	}

	require.Len(t, want, 2)
	assert.Equal(t, int64(0), want[0].Quantity)
	assertDec(t, "2350", want[0].RealizedUSD)
	assert.Equal(t, int64(-1), want[1].Quantity)
	assertDec(t, "2002", want[1].AvgPrice)
	assertDec(t, "120", want[1].RealizedUSD)
}

func assertPositionsEqual(t *testing.T, want, got []types.Position) {
	t.Helper()
	require.Len(t, got, len(want))
	for i := range want {
		assert.Equal(t, want[i].Symbol, got[i].Symbol)
		assert.Equal(t, want[i].Quantity, got[i].Quantity, want[i].Symbol)
		assertDec(t, want[i].AvgPrice.String(), got[i].AvgPrice, want[i].Symbol)
		assertDec(t, want[i].RealizedUSD.String(), got[i].RealizedUSD, want[i].Symbol)
		assertDec(t, want[i].CommissionsUSD.String(), got[i].CommissionsUSD, want[i].Symbol)
	}
}

type memSource struct {
	snaps []types.PnLSnapshot
	fills []types.Fill
	err   error
}

func (m *memSource) GetLatestSnapshots(context.Context) ([]types.PnLSnapshot, error) {
	return m.snaps, m.err
}

func (m *memSource) GetFillsAfter(_ context.Context, afterID uint) ([]types.Fill, error) {
	var out []types.Fill
	for _, f := range m.fills {
		if f.ID > afterID {
			out = append(out, f)
		}
	}
	return out, m.err
}

func (m *memSource) CommissionTotals(context.Context) (map[string]decimal.Decimal, error) {
	totals := make(map[string]decimal.Decimal)
	for _, f := range m.fills {
		if f.Commission.Valid {
			totals[f.Symbol] = totals[f.Symbol].Add(f.Commission.Decimal)
		}
	}
	return totals, m.err
}

func history() []types.Fill {
	mk := func(id uint, sym string, side types.Side, qty int64, price string) types.Fill {
		return types.Fill{
			ID: id, Symbol: sym, Side: side, Quantity: qty, Price: dec(price),
			Commission: decimal.NewNullDecimal(dec("1")),
		}
	}
	return []types.Fill{
		mk(1, "ES", types.SideBuy, 1, "100"),
		mk(2, "MGC", types.SideBuy, 2, "50"),
		mk(3, "ES", types.SideBuy, 1, "102"),
		mk(4, "MGC", types.SideSell, 1, "55"),
		mk(5, "ES", types.SideSell, 2, "110"),
	}
}

func TestRecoverReplayMatchesSnapshotPlusTail(t *testing.T) {
	ctx := context.Background()
	fills := history()

	full := New(nil)
	res, err := full.Recover(ctx, &memSource{fills: fills}, ModeReplay)
	require.NoError(t, err)
	assert.Equal(t, 5, res.Replayed)

	// Snapshots taken at different cursors per symbol.
	partial := New(nil)
	for i := range fills[:3] {
		partial.ApplyFill(&fills[i])
	}
	esSnap := partial.Snapshot("ES", decimal.NullDecimal{}, time.Now())
	partial.ApplyFill(&fills[3])
	mgcSnap := partial.Snapshot("MGC", decimal.NullDecimal{}, time.Now())
	require.Equal(t, uint(3), esSnap.LastFillID)
	require.Equal(t, uint(4), mgcSnap.LastFillID)

	restored := New(nil)
	res, err = restored.Recover(ctx, &memSource{
		snaps: []types.PnLSnapshot{esSnap, mgcSnap},
		fills: fills,
	}, ModeSnapshot)
	require.NoError(t, err)
	assert.Equal(t, ModeSnapshot, res.Mode)
	assert.Equal(t, 1, res.Replayed)

	assertPositionsEqual(t, full.Positions(), restored.Positions())
	assert.Equal(t, uint(5), restored.LastFillID())

	es := restored.Position("ES")
	assert.Equal(t, int64(0), es.Quantity)
	assertDec(t, "18", es.RealizedUSD)
	assertDec(t, "3", es.CommissionsUSD)
}

func TestRecoverPicksUpCommissionResolvedAfterSnapshot(t *testing.T) {
	ctx := context.Background()
	fills := history()[:3]

	// Snapshot taken while the last ES fill's commission was still pending.
	pending := make([]types.Fill, len(fills))
	copy(pending, fills)
	pending[2].Commission = decimal.NullDecimal{}
	before := New(nil)
	for i := range pending {
		before.ApplyFill(&pending[i])
	}
	esSnap := before.Snapshot("ES", decimal.NullDecimal{}, time.Now())
	mgcSnap := before.Snapshot("MGC", decimal.NullDecimal{}, time.Now())
	assertDec(t, "1", esSnap.CommissionsUSD)

	restored := New(nil)
	res, err := restored.Recover(ctx, &memSource{
		snaps: []types.PnLSnapshot{esSnap, mgcSnap},
		fills: fills,
	}, ModeSnapshot)
	require.NoError(t, err)
	assert.Equal(t, ModeSnapshot, res.Mode)
	assert.Zero(t, res.Replayed)
	assertDec(t, "2", restored.Position("ES").CommissionsUSD)
	assertDec(t, "1", restored.Position("MGC").CommissionsUSD)
}

func TestRecoverFallsBackWithoutCursor(t *testing.T) {
	ctx := context.Background()
	l := New(nil)
	res, err := l.Recover(ctx, &memSource{
		snaps: []types.PnLSnapshot{{Symbol: "ES", PositionQty: 7}},
		fills: history(),
	}, ModeSnapshot)
	require.NoError(t, err)
	assert.Equal(t, ModeReplay, res.Mode)
	assert.Equal(t, int64(0), l.Position("ES").Quantity)

	res, err = New(nil).Recover(ctx, &memSource{}, ModeSnapshot)
	require.NoError(t, err)
	assert.Equal(t, ModeReplay, res.Mode)
	assert.Zero(t, res.Replayed)
}

func TestRecoverErrors(t *testing.T) {
	ctx := context.Background()
	_, err := New(nil).Recover(ctx, &memSource{}, "bogus")
	assert.Error(t, err)

	boom := errors.New("disk gone")
	_, err = New(nil).Recover(ctx, &memSource{err: boom}, ModeSnapshot)
	assert.ErrorIs(t, err, boom)
}
