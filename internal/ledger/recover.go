package ledger

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/ksred/klear-trader/internal/types"
)

const (
	ModeSnapshot = "snapshot"
	ModeReplay   = "replay"
)

// Source is the persisted history a ledger can be rebuilt from
type Source interface {
	GetLatestSnapshots(ctx context.Context) ([]types.PnLSnapshot, error)
	GetFillsAfter(ctx context.Context, afterID uint) ([]types.Fill, error)
	CommissionTotals(ctx context.Context) (map[string]decimal.Decimal, error)
}

// RecoverResult describes what a cold start did
type RecoverResult struct {
	Mode      string
	Snapshots int
	Replayed  int
}

// Recover rebuilds the ledger on cold start. Replay mode applies the full
// fill history. Snapshot mode restores the latest snapshot per symbol and
// applies only fills newer than that symbol's cursor; it falls back to a full
// replay when any snapshot predates the cursor column.
func (l *Ledger) Recover(ctx context.Context, src Source, mode string) (RecoverResult, error) {
	switch mode {
	case ModeReplay:
		return l.replayAll(ctx, src)
	case ModeSnapshot, "":
	default:
		return RecoverResult{}, fmt.Errorf("unknown recovery mode %q", mode)
	}

	snaps, err := src.GetLatestSnapshots(ctx)
	if err != nil {
		return RecoverResult{}, fmt.Errorf("failed to load snapshots: %w", err)
	}
	if len(snaps) == 0 {
		return l.replayAll(ctx, src)
	}

	cursors := make(map[string]uint, len(snaps))
	var from uint
	for i, s := range snaps {
		if s.LastFillID == 0 {
			l.logger.Warn().Str("symbol", s.Symbol).Msg("Snapshot has no fill cursor, replaying full history")
			return l.replayAll(ctx, src)
		}
		cursors[s.Symbol] = s.LastFillID
		if i == 0 || s.LastFillID < from {
			from = s.LastFillID
		}
	}

	l.Restore(snaps)
	fills, err := src.GetFillsAfter(ctx, from)
	if err != nil {
		return RecoverResult{}, fmt.Errorf("failed to load fills after %d: %w", from, err)
	}

	res := RecoverResult{Mode: ModeSnapshot, Snapshots: len(snaps)}
	for i := range fills {
		f := &fills[i]
		if cursor, ok := cursors[f.Symbol]; ok && f.ID <= cursor {
			continue
		}
		l.ApplyFill(f)
		res.Replayed++
	}

	// A commission resolved after the last snapshot belongs to a fill the
	// snapshot already covers; the stored fills are authoritative.
	commissions, err := src.CommissionTotals(ctx)
	if err != nil {
		return RecoverResult{}, fmt.Errorf("failed to load commission totals: %w", err)
	}
	for sym, pos := range l.positions {
		total := commissions[sym]
		if !pos.CommissionsUSD.Equal(total) {
			l.logger.Warn().
				Str("symbol", sym).
				Str("snapshot", pos.CommissionsUSD.String()).
				Str("fills", total.String()).
				Msg("Commissions corrected from fill history")
			pos.CommissionsUSD = total
		}
	}

	l.logger.Info().
		Int("snapshots", res.Snapshots).
		Int("replayed", res.Replayed).
		Uint("last_fill_id", l.lastFillID).
		Msg("Ledger restored from snapshots")
	return res, nil
}

func (l *Ledger) replayAll(ctx context.Context, src Source) (RecoverResult, error) {
	fills, err := src.GetFillsAfter(ctx, 0)
	if err != nil {
		return RecoverResult{}, fmt.Errorf("failed to load fill history: %w", err)
	}

	l.Restore(nil)
	for i := range fills {
		l.ApplyFill(&fills[i])
	}

	l.logger.Info().Int("replayed", len(fills)).Msg("Ledger rebuilt from fill history")
	return RecoverResult{Mode: ModeReplay, Replayed: len(fills)}, nil
}
