// Command simulation runs a complete paper session against the simulated
// broker with an SMA crossover strategy in a throwaway database, then prints
// broker-call latency statistics and the final ledger.
package main

import (
	"context"
	"flag"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ksred/klear-trader/internal/app"
	"github.com/ksred/klear-trader/internal/broker"
	"github.com/ksred/klear-trader/internal/broker/sim"
	"github.com/ksred/klear-trader/internal/config"
)

func init() {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
	zerolog.SetGlobalLevel(zerolog.WarnLevel)
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

// callStats tracks latency for one broker operation
type callStats struct {
	durations []time.Duration
	failures  int
}

func (cs *callStats) calculate() (min, max, mean, median, p95, p99 time.Duration) {
	if len(cs.durations) == 0 {
		return 0, 0, 0, 0, 0, 0
	}
	sorted := append([]time.Duration(nil), cs.durations...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	min = sorted[0]
	max = sorted[len(sorted)-1]
	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}
	mean = sum / time.Duration(len(sorted))
	median = sorted[len(sorted)/2]
	p95 = sorted[int(math.Ceil(float64(len(sorted))*0.95))-1]
	p99 = sorted[int(math.Ceil(float64(len(sorted))*0.99))-1]
	return
}

// recorder is a broker.Observer collecting per-operation latencies
type recorder struct {
	mu    sync.Mutex
	stats map[string]*callStats
}

func (r *recorder) observe(op string, elapsed time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cs, ok := r.stats[op]
	if !ok {
		cs = &callStats{}
		r.stats[op] = cs
	}
	cs.durations = append(cs.durations, elapsed)
	if err != nil {
		cs.failures++
	}
}

func (r *recorder) print() {
	r.mu.Lock()
	defer r.mu.Unlock()

	ops := make([]string, 0, len(r.stats))
	for op := range r.stats {
		ops = append(ops, op)
	}
	sort.Strings(ops)

	fmt.Println("\nBroker call latency")
	fmt.Println(strings.Repeat("-", 110))
	fmt.Printf("%-20s %10s %10s %10s %10s %10s %10s %10s %10s\n",
		"Operation", "Calls", "Errors", "Min", "Max", "Mean", "Median", "P95", "P99")
	fmt.Println(strings.Repeat("-", 110))
	for _, op := range ops {
		cs := r.stats[op]
		min, max, mean, median, p95, p99 := cs.calculate()
		fmt.Printf("%-20s %10d %10d %10s %10s %10s %10s %10s %10s\n",
			op, len(cs.durations), cs.failures,
			min.Round(time.Microsecond), max.Round(time.Microsecond), mean.Round(time.Microsecond),
			median.Round(time.Microsecond), p95.Round(time.Microsecond), p99.Round(time.Microsecond))
	}
	fmt.Println(strings.Repeat("-", 110))
}

func main() {
	iterations := flag.Int("iterations", 400, "loop iterations to run")
	fast := flag.Int("fast", 5, "fast SMA window")
	slow := flag.Int("slow", 20, "slow SMA window")
	seed := flag.Int64("seed", 42, "random walk seed")
	flag.Parse()

	dir, err := os.MkdirTemp("", "trader-sim-*")
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create temp dir")
	}
	defer os.RemoveAll(dir)

	cfg := config.Default()
	cfg.Log.File = ""
	cfg.Storage.SQLitePath = filepath.Join(dir, "sim.sqlite")
	cfg.Trading.Enabled = true
	cfg.Metrics.Enabled = false
	cfg.Runtime.Heartbeat = 0
	cfg.Runtime.TickTimeout = time.Second
	cfg.Risk.MaxPosition = 2
	cfg.Risk.MaxOrderSize = 2
	cfg.Risk.MaxDailyLossUSD = 500
	cfg.Strategy.Type = config.StrategySMACross
	cfg.Strategy.SMACross = config.SMACrossConfig{Fast: *fast, Slow: *slow, Qty: 1, LongShort: true}
	cfg.Broker.Sim.Seed = *seed
	cfg.Broker.Sim.TickInterval = 5 * time.Millisecond
	cfg.Broker.Sim.MinLatency = 200 * time.Microsecond
	cfg.Broker.Sim.MaxLatency = 2 * time.Millisecond
	cfg.Broker.Sim.PushFills = true
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid simulation config")
	}

	rec := &recorder{stats: make(map[string]*callStats)}
	b := broker.Instrument(sim.New(sim.ConfigFrom(cfg.Broker.Sim)), rec.observe)

	trader, err := app.Build(&cfg, app.WithBroker(b))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build trader")
	}

	ctx := context.Background()
	start := time.Now()
	if err := trader.Loop.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start loop")
	}
	if err := trader.Loop.Run(ctx, *iterations); err != nil {
		log.Error().Err(err).Msg("Loop stopped with error")
	}
	elapsed := time.Since(start)

	orders, _ := trader.Store.ListOrders(ctx, 0)
	fills, _ := trader.Store.ListFills(ctx, time.Time{}, 0)

	fmt.Println("\nSimulation summary")
	fmt.Println(strings.Repeat("-", 110))
	fmt.Printf("Iterations: %d in %s (%.1f/s)\n", *iterations, elapsed.Round(time.Millisecond),
		float64(*iterations)/elapsed.Seconds())
	fmt.Printf("Orders: %d  Fills: %d\n", len(orders), len(fills))
	if h := trader.Session.HaltState(); h.Halted {
		fmt.Printf("Halted: %s (%s)\n", h.Reason, h.Detail)
	}

	led := trader.Loop.Ledger()
	fmt.Printf("\n%-8s %6s %12s %12s %12s\n", "Symbol", "Qty", "Avg", "Realized", "Commissions")
	for _, p := range led.Positions() {
		fmt.Printf("%-8s %6d %12s %12s %12s\n",
			p.Symbol, p.Quantity, p.AvgPrice.StringFixed(2), p.RealizedUSD.StringFixed(2), p.CommissionsUSD.StringFixed(2))
	}

	rec.print()

	if err := trader.Close(ctx); err != nil {
		log.Error().Err(err).Msg("Shutdown was not clean")
	}
}
