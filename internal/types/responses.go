package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// StatusResponse represents the session state reported by the ops API
type StatusResponse struct {
	SessionID      string     `json:"session_id"`
	Env            string     `json:"env"`
	StartedAt      time.Time  `json:"started_at"`
	TradingEnabled bool       `json:"trading_enabled"`
	Halted         bool       `json:"halted"`
	HaltReason     string     `json:"halt_reason,omitempty"`
	HaltDetail     string     `json:"halt_detail,omitempty"`
	HaltedAt       *time.Time `json:"halted_at,omitempty"`
}

// PnLSummary aggregates the latest snapshot of every symbol
type PnLSummary struct {
	Snapshots      []PnLSnapshot   `json:"snapshots"`
	RealizedUSD    decimal.Decimal `json:"realized_usd"`
	UnrealizedUSD  decimal.Decimal `json:"unrealized_usd"`
	CommissionsUSD decimal.Decimal `json:"commissions_usd"`
	NetUSD         decimal.Decimal `json:"net_usd"`
}

// NewPnLSummary totals a set of per-symbol snapshots
func NewPnLSummary(snaps []PnLSnapshot) PnLSummary {
	summary := PnLSummary{Snapshots: snaps}
	for i := range snaps {
		summary.RealizedUSD = summary.RealizedUSD.Add(snaps[i].RealizedUSD)
		summary.UnrealizedUSD = summary.UnrealizedUSD.Add(snaps[i].UnrealizedUSD)
		summary.CommissionsUSD = summary.CommissionsUSD.Add(snaps[i].CommissionsUSD)
	}
	summary.NetUSD = summary.RealizedUSD.Add(summary.UnrealizedUSD).Sub(summary.CommissionsUSD)
	return summary
}
