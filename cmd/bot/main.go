// Shortbot — an automated short-side trading agent for USDⓈ-M perpetual
// futures, driven by an external momentum signal generator.
//
// Architecture:
//
//	main.go               — entry point: wires everything, waits for SIGINT/SIGTERM
//	engine/               — orchestrator: trade state machine, fill dispatch, timeout scanner
//	signals/watcher.go    — polls the shared signal CSV, filters and dedupes rows
//	exchange/client.go    — signed REST client for the futures API (orders, positions, filters)
//	exchange/userstream.go— user-data WebSocket with listen-key lifecycle and auto-reconnect
//	store/store.go        — SQLite persistence: trades table + append-only audit log
//	api/                  — dashboard: REST endpoints, manual close, WebSocket event feed
//
// How a trade runs:
//
//	A signal row names a pair to short. The engine chases a passive entry
//	at the top of the book, and on the fill arms two venue-resident
//	conditional orders: a take-profit below entry and a stop-loss above.
//	The venue executes whichever triggers first; the engine cancels the
//	counterpart, books the PnL, and the trade is closed. Trades that
//	outstay the holding limit are closed by force.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"shortbot/internal/api"
	"shortbot/internal/config"
	"shortbot/internal/engine"
	"shortbot/internal/exchange"
	"shortbot/internal/signals"
	"shortbot/internal/store"
	"shortbot/pkg/types"
)

func main() {
	cfgPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()
	if p := os.Getenv("SHORTBOT_CONFIG"); p != "" && !isFlagSet("config") {
		*cfgPath = p
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", *cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)
	for _, w := range cfg.Warnings() {
		logger.Warn(w)
	}
	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — no real orders will be placed")
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	client := exchange.NewClient(cfg, logger)
	if err := client.SyncClock(ctx); err != nil {
		return fmt.Errorf("sync venue clock: %w", err)
	}
	if !cfg.DryRun {
		balance, err := client.AvailableBalance(ctx)
		if err != nil {
			return fmt.Errorf("check balance: %w", err)
		}
		logger.Info("venue account reachable", "available_usdt", balance)
		if balance < cfg.Strategy.CapitalPerTrade {
			logger.Warn("available balance below capital_per_trade, entries will fail",
				"available_usdt", balance, "capital_per_trade", cfg.Strategy.CapitalPerTrade)
		}
	}

	stream := exchange.NewUserStream(cfg.Venue.WSURL(), client, logger)
	hub := api.NewHub(logger)

	eng := engine.New(cfg, client, stream, st, hub.BroadcastEvent, logger)

	// Adopt trades persisted by a previous run before any new fills arrive.
	if err := eng.Reconcile(ctx); err != nil {
		return fmt.Errorf("startup reconciliation: %w", err)
	}

	go func() {
		if err := stream.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("user stream stopped", "error", err)
		}
	}()
	eng.Start()

	watcher := signals.NewWatcher(cfg.Signals, cfg.Strategy, eng.HandleSignal, logger)
	go func() {
		if err := watcher.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("signal watcher stopped", "error", err)
		}
	}()

	var apiServer *api.Server
	if cfg.Dashboard.Enabled {
		apiServer = api.NewServer(cfg, eng, st, hub, logger)
		go func() {
			if err := apiServer.Start(); err != nil {
				logger.Error("dashboard server failed", "error", err)
			}
		}()
		logger.Info("dashboard started", "url", fmt.Sprintf("http://localhost:%d", cfg.Dashboard.Port))
	}

	startup := types.NewEvent(types.EventStartup, "", map[string]any{
		"dry_run": cfg.DryRun,
		"pairs":   "signal-driven",
	})
	if err := st.AppendEvent(&startup); err != nil {
		logger.Error("persist startup event", "error", err)
	}
	logger.Info("shortbot started",
		"max_open_trades", cfg.Strategy.MaxOpenTrades,
		"capital_per_trade", cfg.Strategy.CapitalPerTrade,
		"leverage", cfg.Strategy.Leverage,
		"dry_run", cfg.DryRun,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	// Shutdown order: stop admitting signals, drain the engine, then tear
	// down the stream and dashboard. Open positions stay at the venue with
	// their TP/SL resting; the next run re-adopts them.
	cancel()
	eng.Stop()
	stream.Close()

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := client.CloseListenKey(closeCtx); err != nil {
		logger.Warn("close listen key", "error", err)
	}
	closeCancel()

	if apiServer != nil {
		if err := apiServer.Stop(); err != nil {
			logger.Error("failed to stop dashboard", "error", err)
		}
	}

	shutdown := types.NewEvent(types.EventShutdown, "", nil)
	if err := st.AppendEvent(&shutdown); err != nil {
		logger.Error("persist shutdown event", "error", err)
	}
	logger.Info("shortbot stopped")
	return nil
}

func isFlagSet(name string) bool {
	set := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
