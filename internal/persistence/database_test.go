package persistence

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksred/klear-trader/internal/database"
	"github.com/ksred/klear-trader/internal/types"
)

func newTestStore(t *testing.T) *Database {
	t.Helper()
	db, err := database.NewDatabase(filepath.Join(t.TempDir(), "trader.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close(db) })
	return NewDatabase(db)
}

func strPtr(s string) *string { return &s }

func newFill(execID string, side types.Side, qty int64, price string) *types.Fill {
	f := &types.Fill{
		Timestamp:     time.Date(2024, 5, 1, 14, 0, 0, 0, time.UTC),
		ClientOrderID: "c1",
		BrokerOrderID: "b1",
		Symbol:        "MGC",
		Side:          side,
		Quantity:      qty,
		Price:         decimal.RequireFromString(price),
	}
	if execID != "" {
		f.ExecID = strPtr(execID)
	}
	return f
}

func TestRecordOrderUpsert(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	order := &types.Order{
		ClientOrderID: "20240501-140000-abcdef0123",
		Symbol:        "MGC",
		Side:          types.SideBuy,
		Quantity:      1,
		OrderType:     types.OrderTypeMarket,
		Status:        types.OrderStatusNew,
	}
	require.NoError(t, store.RecordOrder(ctx, order))
	created := order.CreatedAt

	order.Status = types.OrderStatusSubmitted
	order.BrokerOrderID = strPtr("B-1")
	order.CreatedAt = created.Add(time.Hour)
	require.NoError(t, store.RecordOrder(ctx, order))

	got, err := store.GetOrder(ctx, order.ClientOrderID)
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatusSubmitted, got.Status)
	assert.Equal(t, "B-1", got.BrokerID())
	assert.WithinDuration(t, created, got.CreatedAt, time.Second)

	// A later upsert without a broker id keeps the one on file.
	order.BrokerOrderID = nil
	require.NoError(t, store.RecordOrder(ctx, order))
	got, err = store.GetOrder(ctx, order.ClientOrderID)
	require.NoError(t, err)
	assert.Equal(t, "B-1", got.BrokerID())
}

func TestRecordOrderNeverRegressesTerminal(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	order := &types.Order{
		ClientOrderID: "c-1", Symbol: "MGC", Side: types.SideBuy, Quantity: 1,
		OrderType: types.OrderTypeMarket, Status: types.OrderStatusFilled,
	}
	require.NoError(t, store.RecordOrder(ctx, order))

	order.Status = types.OrderStatusNew
	require.NoError(t, store.RecordOrder(ctx, order))
	got, err := store.GetOrder(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatusFilled, got.Status)

	// Non-terminal ranks do not move backwards either.
	order = &types.Order{
		ClientOrderID: "c-2", Symbol: "MGC", Side: types.SideSell, Quantity: 1,
		OrderType: types.OrderTypeMarket, Status: types.OrderStatusAccepted,
	}
	require.NoError(t, store.RecordOrder(ctx, order))
	order.Status = types.OrderStatusSubmitted
	require.NoError(t, store.RecordOrder(ctx, order))
	got, err = store.GetOrder(ctx, "c-2")
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatusAccepted, got.Status)
}

func TestUpdateOrderStatusIsMonotonic(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.RecordOrder(ctx, &types.Order{
		ClientOrderID: "c1", Symbol: "MGC", Side: types.SideBuy, Quantity: 2,
		OrderType: types.OrderTypeMarket, Status: types.OrderStatusNew,
	}))

	require.NoError(t, store.UpdateOrderStatus(ctx, "c1", types.OrderStatusSubmitted, "B-9"))
	require.NoError(t, store.UpdateOrderStatus(ctx, "c1", types.OrderStatusSubmitted, ""))
	require.NoError(t, store.UpdateOrderStatus(ctx, "c1", types.OrderStatusPartiallyFilled, ""))

	err := store.UpdateOrderStatus(ctx, "c1", types.OrderStatusAccepted, "")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	require.NoError(t, store.UpdateOrderStatus(ctx, "c1", types.OrderStatusFilled, ""))
	require.NoError(t, store.UpdateOrderStatus(ctx, "c1", types.OrderStatusFilled, ""))
	assert.ErrorIs(t, store.UpdateOrderStatus(ctx, "c1", types.OrderStatusCancelled, ""), ErrInvalidTransition)

	got, err := store.GetOrder(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatusFilled, got.Status)
	assert.Equal(t, "B-9", got.BrokerID())

	assert.ErrorIs(t, store.UpdateOrderStatus(ctx, "missing", types.OrderStatusFilled, ""), ErrOrderNotFound)
	_, err = store.GetOrder(ctx, "missing")
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestGetOpenOrders(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	for id, status := range map[string]types.OrderStatus{
		"a": types.OrderStatusNew,
		"b": types.OrderStatusAccepted,
		"c": types.OrderStatusFilled,
		"d": types.OrderStatusRejected,
	} {
		require.NoError(t, store.RecordOrder(ctx, &types.Order{
			ClientOrderID: id, Symbol: "MGC", Side: types.SideSell, Quantity: 1,
			OrderType: types.OrderTypeMarket, Status: status,
		}))
	}

	open, err := store.GetOpenOrders(ctx)
	require.NoError(t, err)
	var ids []string
	for _, o := range open {
		ids = append(ids, o.ClientOrderID)
	}
	assert.ElementsMatch(t, []string{"a", "b"}, ids)

	all, err := store.ListOrders(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 4)
	limited, err := store.ListOrders(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestRecordFillDeduplicatesByExecID(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	inserted, err := store.RecordFill(ctx, newFill("E1", types.SideBuy, 1, "100"))
	require.NoError(t, err)
	assert.True(t, inserted)

	dup := newFill("E1", types.SideBuy, 1, "100")
	inserted, err = store.RecordFill(ctx, dup)
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Zero(t, dup.ID)

	// Fills without an exec id always insert.
	for i := 0; i < 2; i++ {
		inserted, err = store.RecordFill(ctx, newFill("", types.SideSell, 1, "101"))
		require.NoError(t, err)
		assert.True(t, inserted)
	}

	fills, err := store.GetFillsAfter(ctx, 0)
	require.NoError(t, err)
	require.Len(t, fills, 3)
	assert.Less(t, fills[0].ID, fills[1].ID)

	after, err := store.GetFillsAfter(ctx, fills[0].ID)
	require.NoError(t, err)
	assert.Len(t, after, 2)
}

func TestRecordFillRejectsMalformed(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	tests := map[string]*types.Fill{
		"zero qty":    newFill("E1", types.SideBuy, 0, "100"),
		"zero price":  newFill("E2", types.SideBuy, 1, "0"),
		"bad side":    newFill("E3", types.Side("HOLD"), 1, "100"),
		"no symbol":   func() *types.Fill { f := newFill("E4", types.SideBuy, 1, "100"); f.Symbol = ""; return f }(),
		"neg commish": func() *types.Fill { f := newFill("E5", types.SideBuy, 1, "100"); f.Commission = decimal.NewNullDecimal(decimal.NewFromInt(-1)); return f }(),
	}
	for name, f := range tests {
		t.Run(name, func(t *testing.T) {
			inserted, err := store.RecordFill(ctx, f)
			assert.ErrorIs(t, err, ErrMalformedFill)
			assert.False(t, inserted)
		})
	}

	fills, err := store.GetFillsAfter(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, fills)
}

func TestUpdateFillCommissionOnlyWhilePending(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	_, err := store.RecordFill(ctx, newFill("E1", types.SideBuy, 1, "100"))
	require.NoError(t, err)
	known := newFill("E2", types.SideBuy, 1, "100")
	known.Commission = decimal.NewNullDecimal(decimal.NewFromInt(2))
	_, err = store.RecordFill(ctx, known)
	require.NoError(t, err)

	pending, err := store.PendingCommissionExecIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"E1"}, pending)

	changed, err := store.UpdateFillCommission(ctx, "E1", decimal.RequireFromString("2.5"))
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = store.UpdateFillCommission(ctx, "E1", decimal.NewFromInt(9))
	require.NoError(t, err)
	assert.False(t, changed, "known commissions are never overwritten")

	changed, err = store.UpdateFillCommission(ctx, "E2", decimal.NewFromInt(9))
	require.NoError(t, err)
	assert.False(t, changed)

	_, err = store.UpdateFillCommission(ctx, "E1", decimal.NewFromInt(-1))
	assert.ErrorIs(t, err, ErrMalformedFill)

	fills, err := store.GetFillsAfter(ctx, 0)
	require.NoError(t, err)
	require.Len(t, fills, 2)
	assert.True(t, fills[0].Commission.Decimal.Equal(decimal.RequireFromString("2.5")))
	assert.True(t, fills[1].Commission.Decimal.Equal(decimal.NewFromInt(2)))

	pending, err = store.PendingCommissionExecIDs(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestSnapshotsAreAppendOnly(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	base := time.Date(2024, 5, 1, 14, 0, 0, 0, time.UTC)
	for i, sym := range []string{"MGC", "ES", "MGC"} {
		require.NoError(t, store.RecordPnLSnapshot(ctx, &types.PnLSnapshot{
			Timestamp:   base.Add(time.Duration(i) * time.Minute),
			Symbol:      sym,
			PositionQty: int64(i),
			RealizedUSD: decimal.NewFromInt(int64(i * 10)),
			LastFillID:  uint(i),
		}))
	}

	latest, err := store.GetLatestSnapshots(ctx)
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.Equal(t, "ES", latest[0].Symbol)
	assert.Equal(t, "MGC", latest[1].Symbol)
	assert.Equal(t, int64(2), latest[1].PositionQty)
	assert.Equal(t, uint(2), latest[1].LastFillID)

	history, err := store.ListSnapshots(ctx, "MGC", time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, int64(2), history[0].PositionQty)
}

func TestLatestFillTimestamp(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	ts, err := store.LatestFillTimestamp(ctx)
	require.NoError(t, err)
	assert.True(t, ts.IsZero())

	early := newFill("E1", types.SideBuy, 1, "100")
	late := newFill("E2", types.SideBuy, 1, "100")
	late.Timestamp = early.Timestamp.Add(time.Minute)
	_, err = store.RecordFill(ctx, late)
	require.NoError(t, err)
	_, err = store.RecordFill(ctx, early)
	require.NoError(t, err)

	ts, err = store.LatestFillTimestamp(ctx)
	require.NoError(t, err)
	assert.True(t, ts.Equal(late.Timestamp))

	fills, err := store.ListFills(ctx, late.Timestamp, 0)
	require.NoError(t, err)
	require.Len(t, fills, 1)
	assert.Equal(t, "E2", fills[0].ExecKey())
}
