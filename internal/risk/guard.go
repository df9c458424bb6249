package risk

import (
	"fmt"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/ksred/klear-trader/internal/config"
	"github.com/ksred/klear-trader/internal/ledger"
	"github.com/ksred/klear-trader/internal/session"
	"github.com/ksred/klear-trader/internal/types"
)

type Action string

const (
	ActionAllow Action = "allow"
	ActionDeny  Action = "deny"
	ActionHalt  Action = "halt"
)

// Reason codes let operators tell limit hits from halts
type Reason string

const (
	ReasonNone                  Reason = ""
	ReasonSessionHalted         Reason = "session_halted"
	ReasonOrderSizeExceeded     Reason = "order_size_exceeded"
	ReasonPositionLimitExceeded Reason = "position_limit_exceeded"
	ReasonDailyLossBreached     Reason = "daily_loss_breached"
	ReasonTradingDisabled       Reason = "trading_disabled"
)

// Decision is the outcome of a risk check
type Decision struct {
	Action Action `json:"action"`
	Reason Reason `json:"reason,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// Allowed reports whether the intent may be submitted
func (d Decision) Allowed() bool {
	return d.Action == ActionAllow
}

func allow() Decision {
	return Decision{Action: ActionAllow}
}

// Limits are the static risk limits of a session
type Limits struct {
	MaxPosition     int64
	MaxOrderSize    int64
	MaxDailyLossUSD decimal.Decimal
}

// LimitsFromConfig converts the risk section of the configuration
func LimitsFromConfig(cfg config.RiskConfig) Limits {
	return Limits{
		MaxPosition:     cfg.MaxPosition,
		MaxOrderSize:    cfg.MaxOrderSize,
		MaxDailyLossUSD: decimal.NewFromFloat(cfg.MaxDailyLossUSD).Abs(),
	}
}

// Guard evaluates order intents against the session limits. Rules run in
// order and the first violation wins. The only side effect is the sticky
// session halt on a daily loss breach.
type Guard struct {
	limits  Limits
	session *session.Session
	logger  zerolog.Logger
}

func NewGuard(limits Limits, sess *session.Session) *Guard {
	return &Guard{
		limits:  limits,
		session: sess,
		logger:  zlog.With().Str("component", "risk").Logger(),
	}
}

func (g *Guard) Limits() Limits {
	return g.limits
}

// Check evaluates intent given the symbol's current position and the daily
// PnL components
func (g *Guard) Check(intent types.OrderIntent, position types.Position, daily ledger.Totals) Decision {
	if g.session.Halted() {
		return g.deny(intent, ReasonSessionHalted, "session halted: "+string(g.session.HaltState().Reason))
	}

	if abs(intent.Quantity) > g.limits.MaxOrderSize {
		return g.deny(intent, ReasonOrderSizeExceeded,
			fmt.Sprintf("order size %d exceeds limit %d", intent.Quantity, g.limits.MaxOrderSize))
	}

	next := position.Quantity + intent.SignedQty()
	if abs(next) > g.limits.MaxPosition {
		return g.deny(intent, ReasonPositionLimitExceeded,
			fmt.Sprintf("resulting position %d exceeds limit %d", next, g.limits.MaxPosition))
	}

	if d := g.EvaluateDailyLoss(daily); d.Action == ActionHalt {
		return d
	}

	return allow()
}

// EvaluateDailyLoss halts the session when realized + unrealized -
// commissions is at or below the negative loss limit
func (g *Guard) EvaluateDailyLoss(daily ledger.Totals) Decision {
	net := daily.Net()
	if net.GreaterThan(g.limits.MaxDailyLossUSD.Neg()) {
		return allow()
	}

	detail := fmt.Sprintf("daily pnl %s breaches loss limit %s", net.StringFixed(2), g.limits.MaxDailyLossUSD.StringFixed(2))
	g.session.Halt(session.HaltDailyLoss, detail)
	g.logger.Error().
		Str("reason", string(ReasonDailyLossBreached)).
		Str("realized_usd", daily.RealizedUSD.String()).
		Str("unrealized_usd", daily.UnrealizedUSD.String()).
		Str("commissions_usd", daily.CommissionsUSD.String()).
		Msg("Daily loss limit breached")
	return Decision{Action: ActionHalt, Reason: ReasonDailyLossBreached, Detail: detail}
}

func (g *Guard) deny(intent types.OrderIntent, reason Reason, detail string) Decision {
	g.logger.Warn().
		Str("reason", string(reason)).
		Str("symbol", intent.Symbol).
		Str("side", string(intent.Side)).
		Int64("qty", intent.Quantity).
		Str("detail", detail).
		Msg("Intent denied")
	return Decision{Action: ActionDeny, Reason: reason, Detail: detail}
}

// TradingDisabled is the decision recorded when the trading gate is closed
func TradingDisabled() Decision {
	return Decision{Action: ActionDeny, Reason: ReasonTradingDisabled, Detail: "trading gate is off"}
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
