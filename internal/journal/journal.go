// Package journal turns the fill stream into round-trip trades: a trade opens
// when a position leaves flat and closes when it returns to flat or flips.
package journal

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/ksred/klear-trader/internal/types"
)

type Store interface {
	RecordTrade(ctx context.Context, trade *types.Trade) error
	GetOpenTrades(ctx context.Context) ([]types.Trade, error)
}

// Journal keeps at most one open trade per symbol. Like the ledger it is
// owned by the execution loop.
type Journal struct {
	store     Store
	sessionID string
	strategy  string
	open      map[string]*types.Trade
	logger    zerolog.Logger
}

func New(store Store, sessionID, strategy string) *Journal {
	return &Journal{
		store:     store,
		sessionID: sessionID,
		strategy:  strategy,
		open:      make(map[string]*types.Trade),
		logger:    log.With().Str("component", "journal").Logger(),
	}
}

// Load picks up trades a previous session left open
func (j *Journal) Load(ctx context.Context) error {
	trades, err := j.store.GetOpenTrades(ctx)
	if err != nil {
		return err
	}
	j.open = make(map[string]*types.Trade, len(trades))
	for i := range trades {
		t := trades[i]
		j.open[t.Symbol] = &t
	}
	return nil
}

// Open returns the open trade for symbol, if any
func (j *Journal) Open(symbol string) (types.Trade, bool) {
	t, ok := j.open[symbol]
	if !ok {
		return types.Trade{}, false
	}
	return *t, true
}

// OnFill updates the journal for one booked fill given the position before
// and after it. reason is the note of the order that produced the fill.
func (j *Journal) OnFill(ctx context.Context, fill *types.Fill, before, after types.Position, reason string) error {
	realized := after.RealizedUSD.Sub(before.RealizedUSD)
	b, a := before.Quantity, after.Quantity

	switch {
	case b == 0 && a != 0:
		return j.start(ctx, fill, after, reason)
	case b != 0 && a == 0:
		return j.close(ctx, fill, realized, reason)
	case b != 0 && a != 0 && (b > 0) != (a > 0):
		if err := j.close(ctx, fill, realized, reason); err != nil {
			return err
		}
		return j.start(ctx, fill, after, reason)
	}

	t, ok := j.open[fill.Symbol]
	if !ok {
		return nil
	}
	t.PnLUSD = decimal.NewNullDecimal(t.PnLUSD.Decimal.Add(realized))
	if abs(a) > t.Quantity {
		t.Quantity = abs(a)
		t.EntryPrice = after.AvgPrice
	}
	return j.store.RecordTrade(ctx, t)
}

func (j *Journal) start(ctx context.Context, fill *types.Fill, after types.Position, reason string) error {
	side := types.SideBuy
	if after.Quantity < 0 {
		side = types.SideSell
	}
	t := &types.Trade{
		TradeID:     "trade-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:10],
		SessionID:   j.sessionID,
		Strategy:    j.strategy,
		Symbol:      fill.Symbol,
		EntrySide:   side,
		Quantity:    abs(after.Quantity),
		EntryTime:   fill.Timestamp.UTC(),
		EntryPrice:  after.AvgPrice,
		EntryReason: reason,
		PnLUSD:      decimal.NewNullDecimal(decimal.Zero),
	}
	if err := j.store.RecordTrade(ctx, t); err != nil {
		return err
	}
	j.open[fill.Symbol] = t
	j.logger.Info().
		Str("trade_id", t.TradeID).
		Str("symbol", t.Symbol).
		Str("side", string(t.EntrySide)).
		Int64("qty", t.Quantity).
		Str("entry_price", t.EntryPrice.String()).
		Msg("Trade opened")
	return nil
}

func (j *Journal) close(ctx context.Context, fill *types.Fill, realized decimal.Decimal, reason string) error {
	t, ok := j.open[fill.Symbol]
	if !ok {
		j.logger.Warn().Str("symbol", fill.Symbol).Str("exec_id", fill.ExecKey()).Msg("Position closed without an open trade")
		return nil
	}
	exit := fill.Timestamp.UTC()
	t.ExitTime = &exit
	t.ExitPrice = decimal.NewNullDecimal(fill.Price)
	t.ExitReason = reason
	t.PnLUSD = decimal.NewNullDecimal(t.PnLUSD.Decimal.Add(realized))
	if err := j.store.RecordTrade(ctx, t); err != nil {
		return err
	}
	delete(j.open, fill.Symbol)
	j.logger.Info().
		Str("trade_id", t.TradeID).
		Str("symbol", t.Symbol).
		Str("pnl_usd", t.PnLUSD.Decimal.String()).
		Dur("duration", exit.Sub(t.EntryTime)).
		Msg("Trade closed")
	return nil
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
