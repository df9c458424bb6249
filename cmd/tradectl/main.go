// Command tradectl is the operator tool: export tables, flatten a position,
// print status or a trade report, check the broker and run migrations.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	zlog "github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/ksred/klear-trader/internal/app"
	"github.com/ksred/klear-trader/internal/config"
	"github.com/ksred/klear-trader/internal/database"
	"github.com/ksred/klear-trader/internal/export"
	"github.com/ksred/klear-trader/internal/journal"
	"github.com/ksred/klear-trader/internal/logging"
	"github.com/ksred/klear-trader/internal/persistence"
	"github.com/ksred/klear-trader/internal/types"
)

const usage = `usage: tradectl <command> [flags]

commands:
  export   -config FILE -out DIR [-days N] [-prefix P]
  flatten  -config FILE -symbol S -confirm
  status   -config FILE
  report   -config FILE [-days N] [-symbol S] [-out DIR]
  doctor   -config FILE
  migrate  -config FILE
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "export":
		err = runExport(os.Args[2:])
	case "flatten":
		err = runFlatten(os.Args[2:])
	case "status":
		err = runStatus(os.Args[2:])
	case "report":
		err = runReport(os.Args[2:])
	case "doctor":
		err = runDoctor(os.Args[2:])
	case "migrate":
		err = runMigrate(os.Args[2:])
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func load(fs *flag.FlagSet, args []string) (*config.Config, error) {
	path := fs.String("config", "config.yaml", "path to the YAML configuration")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	cfg, err := config.Load(*path)
	if err != nil {
		return nil, err
	}
	// Operator output goes to the terminal; keep the log file but not JSON on stdout.
	cfg.Log.JSON = false
	if _, err := logging.Setup(cfg.Log); err != nil {
		return nil, err
	}
	return cfg, nil
}

func openStore(cfg *config.Config) (*persistence.Database, func(), error) {
	db, err := database.Open(cfg.Storage)
	if err != nil {
		return nil, nil, err
	}
	return persistence.NewDatabase(db), func() { database.Close(db) }, nil
}

func runExport(args []string) error {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	out := fs.String("out", "run/exports", "output directory")
	days := fs.Int("days", 14, "only rows from the last N days (0 = everything)")
	prefix := fs.String("prefix", "", "file name prefix (default: UTC timestamp)")
	cfg, err := load(fs, args)
	if err != nil {
		return err
	}

	store, closeStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	var since time.Time
	if *days > 0 {
		since = time.Now().UTC().AddDate(0, 0, -*days)
	}
	paths, err := export.New(store).Export(context.Background(), *out, *prefix, since)
	if err != nil {
		return err
	}
	for _, p := range paths {
		fmt.Println(p)
	}
	return nil
}

func runFlatten(args []string) error {
	fs := flag.NewFlagSet("flatten", flag.ExitOnError)
	symbol := fs.String("symbol", "", "instrument to flatten (default: first configured)")
	confirm := fs.Bool("confirm", false, "required to send orders")
	cfg, err := load(fs, args)
	if err != nil {
		return err
	}
	if !*confirm {
		return fmt.Errorf("refusing to flatten without -confirm")
	}
	if *symbol == "" {
		*symbol = cfg.Symbols()[0]
	}

	trader, err := app.Build(cfg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	defer trader.Close(context.Background())

	zlog.Warn().Str("env", cfg.Env).Str("symbol", *symbol).Msg("FLATTEN requested by operator")
	if _, err := trader.Loop.Open(ctx); err != nil {
		return err
	}
	res, err := trader.Loop.Flatten(ctx, *symbol)
	if err != nil {
		return fmt.Errorf("flatten failed: %w", err)
	}
	if res.AlreadyFlat {
		fmt.Printf("already flat on %s (cancelled %d orders)\n", res.Symbol, res.Cancelled)
		return nil
	}
	fmt.Printf("submitted flatten order client_id=%s broker_id=%s side=%s qty=%d (cancelled %d orders)\n",
		res.ClientOrderID, res.BrokerOrderID, res.Side, res.Quantity, res.Cancelled)

	// Give the broker a few seconds to report the fill so it lands in the ledger.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if err := trader.Loop.Sync(ctx); err != nil {
			return err
		}
		if trader.Loop.Ledger().Position(*symbol).Quantity == 0 {
			fmt.Printf("%s is flat\n", *symbol)
			return nil
		}
		time.Sleep(200 * time.Millisecond)
	}
	fmt.Printf("fill not yet reported; check status for %s\n", *symbol)
	return nil
}

func runStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	cfg, err := load(fs, args)
	if err != nil {
		return err
	}
	store, closeStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()
	ctx := context.Background()

	snaps, err := store.GetLatestSnapshots(ctx)
	if err != nil {
		return err
	}
	summary := types.NewPnLSummary(snaps)

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SYMBOL\tQTY\tAVG\tLAST\tREALIZED\tUNREALIZED\tCOMMISSIONS\tAS OF")
	for _, s := range snaps {
		last := "-"
		if s.LastPrice.Valid {
			last = s.LastPrice.Decimal.String()
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			s.Symbol, s.PositionQty, s.AvgPrice.StringFixed(2), last,
			s.RealizedUSD.StringFixed(2), s.UnrealizedUSD.StringFixed(2), s.CommissionsUSD.StringFixed(2),
			s.Timestamp.Format(time.RFC3339))
	}
	w.Flush()
	fmt.Printf("net pnl: %s USD\n\n", summary.NetUSD.StringFixed(2))

	open, err := store.GetOpenOrders(ctx)
	if err != nil {
		return err
	}
	if len(open) == 0 {
		fmt.Println("no open orders")
		return nil
	}
	w = tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "CLIENT ID\tBROKER ID\tSYMBOL\tSIDE\tQTY\tTYPE\tSTATUS\tCREATED")
	for _, o := range open {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			o.ClientOrderID, o.BrokerID(), o.Symbol, o.Side, o.Quantity, o.OrderType,
			strings.ToLower(string(o.Status)), o.CreatedAt.Format(time.RFC3339))
	}
	return w.Flush()
}

func runReport(args []string) error {
	fs := flag.NewFlagSet("report", flag.ExitOnError)
	days := fs.Int("days", 14, "closed trades from the last N days (0 = everything)")
	symbol := fs.String("symbol", "", "only this instrument")
	out := fs.String("out", "run/reports", "directory for the JSON summary (empty = do not write)")
	cfg, err := load(fs, args)
	if err != nil {
		return err
	}
	store, closeStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	var since time.Time
	if *days > 0 {
		since = time.Now().UTC().AddDate(0, 0, -*days)
	}
	trades, err := store.ListClosedTrades(context.Background(), *symbol, since)
	if err != nil {
		return err
	}
	summary := journal.Summarize(trades)
	summary.Symbol = *symbol
	summary.Since = since

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TRADE\tSYMBOL\tSIDE\tQTY\tENTRY\tEXIT\tPNL\tOPENED\tCLOSED\tEXIT REASON")
	for _, t := range trades {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			t.TradeID, t.Symbol, strings.ToLower(string(t.EntrySide)), t.Quantity,
			t.EntryPrice.StringFixed(2), t.ExitPrice.Decimal.StringFixed(2), t.PnLUSD.Decimal.StringFixed(2),
			t.EntryTime.Format(time.RFC3339), t.ExitTime.Format(time.RFC3339), t.ExitReason)
	}
	w.Flush()

	fmt.Printf("\nclosed trades: %d (wins %d, losses %d)\n", summary.ClosedTrades, summary.Wins, summary.Losses)
	fmt.Printf("total pnl:     %s USD (before commissions)\n", summary.TotalPnLUSD.StringFixed(2))
	fmt.Printf("win rate:      %s\n", ratio(summary.WinRate, true))
	fmt.Printf("avg pnl:       %s\n", ratio(summary.AvgPnLUSD, false))
	fmt.Printf("profit factor: %s\n", ratio(summary.ProfitFactor, false))

	if *out == "" {
		return nil
	}
	if err := os.MkdirAll(*out, 0o755); err != nil {
		return fmt.Errorf("failed to create report dir: %w", err)
	}
	body, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(*out, time.Now().UTC().Format("20060102_150405")+"_report.json")
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return err
	}
	fmt.Println(path)
	return nil
}

func ratio(v decimal.NullDecimal, percent bool) string {
	if !v.Valid {
		return "n/a"
	}
	if percent {
		return v.Decimal.Mul(decimal.NewFromInt(100)).StringFixed(1) + "%"
	}
	return v.Decimal.StringFixed(2)
}

func runDoctor(args []string) error {
	fs := flag.NewFlagSet("doctor", flag.ExitOnError)
	cfg, err := load(fs, args)
	if err != nil {
		return err
	}
	b, err := app.NewBroker(cfg)
	if err != nil {
		return err
	}

	report, err := app.Doctor(context.Background(), cfg, b)
	if err != nil {
		return err
	}
	fmt.Printf("broker %s connected in %s\n", report.Broker, report.ConnectTime.Round(time.Millisecond))
	if len(report.Positions) == 0 {
		fmt.Println("no broker positions")
	}
	for _, p := range report.Positions {
		fmt.Printf("position %s qty=%d avg=%s\n", p.Symbol, p.Quantity, p.AvgPrice.StringFixed(2))
	}
	for _, o := range report.OpenOrders {
		fmt.Printf("open order client_id=%s broker_id=%s %s %s qty=%d %s\n",
			o.ClientOrderID, o.BrokerOrderID, o.Symbol, o.Side, o.Quantity, strings.ToLower(string(o.Status)))
	}
	for _, t := range report.Ticks {
		if t.Err != "" {
			fmt.Printf("market data %s: FAIL %s\n", t.Symbol, t.Err)
			continue
		}
		fmt.Printf("market data %s: ok price=%s after %s\n", t.Symbol, t.Price, t.Latency.Round(time.Millisecond))
	}
	if !report.OK() {
		return fmt.Errorf("market data check failed")
	}
	return nil
}

func runMigrate(args []string) error {
	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	cfg, err := load(fs, args)
	if err != nil {
		return err
	}
	// Open applies pending migrations.
	_, closeStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	closeStore()
	fmt.Println("migrations applied")
	return nil
}
