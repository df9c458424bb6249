package app

import (
	"context"
	"fmt"
	"time"

	zlog "github.com/rs/zerolog/log"

	"github.com/ksred/klear-trader/internal/broker"
	"github.com/ksred/klear-trader/internal/config"
	"github.com/ksred/klear-trader/internal/types"
)

// TickCheck is the outcome of waiting for market data on one symbol
type TickCheck struct {
	Symbol  string        `json:"symbol"`
	Price   string        `json:"price,omitempty"`
	Latency time.Duration `json:"latency"`
	Err     string        `json:"error,omitempty"`
}

// DoctorReport summarises a read-only broker check
type DoctorReport struct {
	Broker      string             `json:"broker"`
	ConnectTime time.Duration      `json:"connect_time"`
	Positions   []broker.Position  `json:"positions"`
	OpenOrders  []broker.OpenOrder `json:"open_orders"`
	Ticks       []TickCheck        `json:"ticks"`
}

// OK reports whether every symbol produced a valid tick
func (r DoctorReport) OK() bool {
	for _, t := range r.Ticks {
		if t.Err != "" {
			return false
		}
	}
	return true
}

// Doctor connects to the broker, lists positions and open orders, and waits
// up to the tick timeout for one valid tick per configured symbol. It never
// submits or cancels anything.
func Doctor(ctx context.Context, cfg *config.Config, b broker.Broker) (DoctorReport, error) {
	report := DoctorReport{Broker: cfg.Broker.Type}
	logger := zlog.With().Str("component", "doctor").Logger()

	connectCtx := ctx
	if d := cfg.Runtime.ConnectTimeout; d > 0 {
		var cancel context.CancelFunc
		connectCtx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	started := time.Now()
	if err := b.Connect(connectCtx); err != nil {
		return report, fmt.Errorf("connect failed: %w", err)
	}
	report.ConnectTime = time.Since(started)
	defer func() {
		if err := b.Disconnect(context.Background()); err != nil {
			logger.Warn().Err(err).Msg("Disconnect failed")
		}
	}()

	var err error
	if report.Positions, err = b.ListPositions(ctx); err != nil {
		return report, fmt.Errorf("list positions: %w", err)
	}
	if report.OpenOrders, err = b.ListOpenOrders(ctx); err != nil {
		return report, fmt.Errorf("list open orders: %w", err)
	}

	for _, symbol := range cfg.Symbols() {
		check := waitForTick(ctx, b, symbol, cfg.Runtime.TickTimeout)
		if check.Err != "" {
			logger.Warn().Str("symbol", symbol).Str("error", check.Err).Msg("No market data")
		}
		report.Ticks = append(report.Ticks, check)
	}
	return report, nil
}

func waitForTick(ctx context.Context, b broker.Broker, symbol string, timeout time.Duration) TickCheck {
	check := TickCheck{Symbol: symbol}
	started := time.Now()
	events, err := b.SubscribeMarketData(ctx, symbol)
	if err != nil {
		check.Err = err.Error()
		return check
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			check.Err = ctx.Err().Error()
			return check
		case <-timer.C:
			check.Err = fmt.Sprintf("no valid tick within %s", timeout)
			return check
		case ev, ok := <-events:
			if !ok {
				check.Err = "market data stream closed"
				return check
			}
			if !validTick(ev, symbol) {
				continue
			}
			check.Price = ev.Price.String()
			check.Latency = time.Since(started)
			return check
		}
	}
}

func validTick(ev types.MarketEvent, symbol string) bool {
	return ev.Symbol == symbol && ev.Valid()
}
