package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	zlog "github.com/rs/zerolog/log"

	"github.com/ksred/klear-trader/internal/api"
	"github.com/ksred/klear-trader/internal/app"
	"github.com/ksred/klear-trader/internal/config"
	"github.com/ksred/klear-trader/internal/logging"
)

// main runs one trading session: the execution loop plus the ops API. It
// exits when the iteration budget is spent, the session halts or on
// SIGINT/SIGTERM.
func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration")
	iterations := flag.Int("iterations", -1, "override runtime.iterations (0 = run until stopped)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		zlog.Fatal().Err(err).Str("path", *configPath).Msg("Failed to load configuration")
	}
	if *iterations >= 0 {
		cfg.Runtime.Iterations = *iterations
	}

	closer, err := logging.Setup(cfg.Log)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to set up logging")
	}
	defer closer.Close()

	if os.Getenv("DEBUG") != "true" {
		gin.SetMode(gin.ReleaseMode)
	}

	trader, err := app.Build(cfg)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to build trader")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	apiCtx, apiCancel := context.WithCancel(context.Background())
	apiDone := make(chan struct{})
	if cfg.API.Enabled {
		srv := api.New(cfg.API, trader.Store, trader.Session, trader.Metrics)
		go func() {
			defer close(apiDone)
			if err := srv.Run(apiCtx); err != nil {
				zlog.Error().Err(err).Msg("Ops API failed")
			}
		}()
	} else {
		close(apiDone)
	}

	exitCode := 0
	if err := trader.Loop.Start(ctx); err != nil {
		zlog.Error().Err(err).Msg("Failed to start execution loop")
		exitCode = 1
	} else if err := trader.Loop.Run(ctx, cfg.Runtime.Iterations); err != nil {
		zlog.Error().Err(err).Msg("Execution loop failed")
		exitCode = 1
	}

	if h := trader.Session.HaltState(); h.Halted {
		zlog.Warn().
			Str("reason", string(h.Reason)).
			Str("detail", h.Detail).
			Msg("Session ended halted; restart to trade again")
	}

	zlog.Info().Msg("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := trader.Close(shutdownCtx); err != nil {
		zlog.Error().Err(err).Msg("Shutdown was not clean")
	}
	apiCancel()
	<-apiDone

	zlog.Info().Msg("Server exiting")
	if exitCode != 0 {
		closer.Close()
		os.Exit(exitCode)
	}
}
