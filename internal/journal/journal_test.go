package journal

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksred/klear-trader/internal/database"
	"github.com/ksred/klear-trader/internal/ledger"
	"github.com/ksred/klear-trader/internal/persistence"
	"github.com/ksred/klear-trader/internal/types"
)

func newStore(t *testing.T) *persistence.Database {
	t.Helper()
	db, err := database.NewDatabase(filepath.Join(t.TempDir(), "trader.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close(db) })
	return persistence.NewDatabase(db)
}

// book applies fills through a ledger and feeds the journal, as the loop does
type book struct {
	t       *testing.T
	ledger  *ledger.Ledger
	journal *Journal
	at      time.Time
}

func (b *book) fill(side types.Side, qty int64, price int64, reason string) {
	b.t.Helper()
	b.at = b.at.Add(time.Minute)
	f := &types.Fill{
		Timestamp: b.at, Symbol: "MGC", Side: side, Quantity: qty, Price: decimal.NewFromInt(price),
	}
	before := b.ledger.Position("MGC")
	after := b.ledger.ApplyFill(f)
	require.NoError(b.t, b.journal.OnFill(context.Background(), f, before, after, reason))
}

func newBook(t *testing.T, store Store) *book {
	return &book{
		t:       t,
		ledger:  ledger.New(map[string]decimal.Decimal{"MGC": decimal.NewFromInt(10)}),
		journal: New(store, "session-1", "sma_cross"),
		at:      time.Date(2024, 5, 1, 14, 0, 0, 0, time.UTC),
	}
}

func TestRoundTripOpensAndCloses(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	b := newBook(t, store)

	b.fill(types.SideBuy, 1, 100, "sma_cross up")
	open, ok := b.journal.Open("MGC")
	require.True(t, ok)
	assert.Equal(t, types.SideBuy, open.EntrySide)
	assert.False(t, open.Closed())

	// Scale in then out in two pieces; the trade closes on flat.
	b.fill(types.SideBuy, 1, 102, "add")
	b.fill(types.SideSell, 1, 104, "trim")
	_, ok = b.journal.Open("MGC")
	require.True(t, ok)
	b.fill(types.SideSell, 1, 106, "sma_cross down")

	_, ok = b.journal.Open("MGC")
	assert.False(t, ok)

	trades, err := store.ListClosedTrades(ctx, "", time.Time{})
	require.NoError(t, err)
	require.Len(t, trades, 1)
	tr := trades[0]
	assert.Equal(t, int64(2), tr.Quantity)
	assert.True(t, tr.EntryPrice.Equal(decimal.NewFromInt(101)), tr.EntryPrice.String())
	assert.True(t, tr.ExitPrice.Decimal.Equal(decimal.NewFromInt(106)))
	// (104-101)*10 + (106-101)*10
	assert.True(t, tr.PnLUSD.Decimal.Equal(decimal.NewFromInt(80)), tr.PnLUSD.Decimal.String())
	assert.Equal(t, "sma_cross up", tr.EntryReason)
	assert.Equal(t, "sma_cross down", tr.ExitReason)
	assert.Equal(t, "session-1", tr.SessionID)
}

func TestFlipClosesAndOpens(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	b := newBook(t, store)

	b.fill(types.SideBuy, 1, 100, "long")
	b.fill(types.SideSell, 3, 95, "reverse")

	closed, err := store.ListClosedTrades(ctx, "MGC", time.Time{})
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.True(t, closed[0].PnLUSD.Decimal.Equal(decimal.NewFromInt(-50)))

	open, ok := b.journal.Open("MGC")
	require.True(t, ok)
	assert.Equal(t, types.SideSell, open.EntrySide)
	assert.Equal(t, int64(2), open.Quantity)
	assert.True(t, open.EntryPrice.Equal(decimal.NewFromInt(95)))
}

func TestLoadResumesOpenTrade(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	b := newBook(t, store)
	b.fill(types.SideSell, 2, 100, "short")

	// A new session over the same store closes the trade the old one opened.
	resumed := New(store, "session-2", "sma_cross")
	require.NoError(t, resumed.Load(ctx))
	b.journal = resumed
	b.fill(types.SideBuy, 2, 97, "cover")

	trades, err := store.ListClosedTrades(ctx, "", time.Time{})
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, "session-1", trades[0].SessionID)
	assert.True(t, trades[0].PnLUSD.Decimal.Equal(decimal.NewFromInt(60)))

	open, err := store.GetOpenTrades(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestCloseWithoutOpenTradeIsIgnored(t *testing.T) {
	store := newStore(t)
	b := newBook(t, store)
	b.ledger.ApplyFill(&types.Fill{Symbol: "MGC", Side: types.SideBuy, Quantity: 1, Price: decimal.NewFromInt(100)})

	b.fill(types.SideSell, 1, 101, "exit")
	trades, err := store.ListClosedTrades(context.Background(), "", time.Time{})
	require.NoError(t, err)
	assert.Empty(t, trades)
}

func TestSummarize(t *testing.T) {
	exit := time.Date(2024, 5, 1, 15, 0, 0, 0, time.UTC)
	closed := func(pnl int64) types.Trade {
		return types.Trade{ExitTime: &exit, PnLUSD: decimal.NewNullDecimal(decimal.NewFromInt(pnl))}
	}

	s := Summarize([]types.Trade{closed(30), closed(-10), closed(20), closed(-10), {PnLUSD: decimal.NewNullDecimal(decimal.NewFromInt(99))}})
	assert.Equal(t, 4, s.ClosedTrades)
	assert.Equal(t, 2, s.Wins)
	assert.Equal(t, 2, s.Losses)
	assert.True(t, s.TotalPnLUSD.Equal(decimal.NewFromInt(30)))
	assert.True(t, s.WinRate.Decimal.Equal(decimal.RequireFromString("0.5")))
	assert.True(t, s.AvgPnLUSD.Decimal.Equal(decimal.RequireFromString("7.5")))
	assert.True(t, s.ProfitFactor.Decimal.Equal(decimal.RequireFromString("2.5")))

	empty := Summarize(nil)
	assert.Zero(t, empty.ClosedTrades)
	assert.False(t, empty.WinRate.Valid)
	assert.False(t, empty.ProfitFactor.Valid)

	noLoss := Summarize([]types.Trade{closed(5)})
	assert.False(t, noLoss.ProfitFactor.Valid)
	assert.True(t, noLoss.WinRate.Decimal.Equal(decimal.NewFromInt(1)))
}
