package journal

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/ksred/klear-trader/internal/types"
)

// Summary is the performance digest of closed trades. Ratios are NULL when
// they are undefined: no trades for WinRate and AvgPnLUSD, no losing trades
// for ProfitFactor.
type Summary struct {
	Symbol       string              `json:"symbol,omitempty"`
	Since        time.Time           `json:"since,omitempty"`
	ClosedTrades int                 `json:"closed_trades"`
	Wins         int                 `json:"wins"`
	Losses       int                 `json:"losses"`
	TotalPnLUSD  decimal.Decimal     `json:"total_pnl_usd"`
	WinRate      decimal.NullDecimal `json:"win_rate"`
	AvgPnLUSD    decimal.NullDecimal `json:"avg_pnl_usd"`
	ProfitFactor decimal.NullDecimal `json:"profit_factor"`
}

// Summarize computes win rate, average PnL and profit factor over closed
// trades. Open trades are ignored.
func Summarize(trades []types.Trade) Summary {
	var s Summary
	var gains, losses decimal.Decimal
	for i := range trades {
		t := &trades[i]
		if !t.Closed() || !t.PnLUSD.Valid {
			continue
		}
		pnl := t.PnLUSD.Decimal
		s.ClosedTrades++
		s.TotalPnLUSD = s.TotalPnLUSD.Add(pnl)
		switch {
		case pnl.IsPositive():
			s.Wins++
			gains = gains.Add(pnl)
		case pnl.IsNegative():
			s.Losses++
			losses = losses.Add(pnl.Abs())
		}
	}
	if s.ClosedTrades > 0 {
		n := decimal.NewFromInt(int64(s.ClosedTrades))
		s.WinRate = decimal.NewNullDecimal(decimal.NewFromInt(int64(s.Wins)).DivRound(n, 4))
		s.AvgPnLUSD = decimal.NewNullDecimal(s.TotalPnLUSD.DivRound(n, 2))
	}
	if s.Losses > 0 {
		s.ProfitFactor = decimal.NewNullDecimal(gains.DivRound(losses, 4))
	}
	return s
}
