// Kalshi cross-market arbitrage bot — detects and trades mispricings
// between logically related prediction markets.
//
// Architecture:
//
//	main.go            — entry point: loads config, starts engine, waits for SIGINT/SIGTERM
//	engine/engine.go   — orchestrator: ingestion, detection, admission and execution cycles
//	market/cache.go    — copy-on-write market cache fed by REST snapshots + WebSocket deltas
//	catalog/catalog.go — typed price constraints between markets, with lifecycle and fingerprints
//	llm/client.go      — relationship discovery and revalidation via a language model
//	detect/detect.go   — joins active relationships with a price view, scores violations
//	risk/governor.go   — admission checks, position ledger, daily loss cap, kill switch
//	exec/executor.go   — multi-leg order placement with hedge, unwind and idempotent retries
//	exchange/client.go — Kalshi REST client (markets, orderbooks, orders, balance)
//	exchange/ws.go     — ticker WebSocket feed with auto-reconnect
//	store/store.go     — SQLite persistence for markets, relationships, opportunities, fills
//	api/server.go      — localhost control plane: health, kill switch, positions, flatten
//
// How it makes money:
//
//	Related Kalshi markets must satisfy logical constraints: "rate cut by
//	June" can never be more likely than "rate cut by December". When
//	quotes violate such a constraint by more than the fees, the bot buys
//	the underpriced side and sells the overpriced side. Consistent
//	settlement locks in the difference regardless of the outcome.
package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"kalshi-arb/internal/config"
	"kalshi-arb/internal/engine"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("KALSHI_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
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

	eng, err := engine.New(*cfg, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — no real orders will be placed")
	}

	logger.Info("kalshi arbitrage bot started",
		"dry_run", cfg.DryRun,
		"workers", cfg.Engine.ExecutionWorkers,
		"max_daily_loss_cents", cfg.Risk.MaxDailyLossCents,
		"control_plane", cfg.Control.Enabled,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	eng.Stop()
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
