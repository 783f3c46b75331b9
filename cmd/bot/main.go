// Signalbridge — an automated trading bot that turns chat-channel trade
// signals into managed futures positions.
//
// Architecture:
//
//	main.go               — entry point: loads config, starts engine, waits for SIGINT/SIGTERM
//	engine/engine.go      — orchestrator: wires transport → feed → executor, owns all goroutines
//	ingest/transport.go   — WebSocket client for the chat gateway with auto-reconnect
//	ingest/ingestor.go    — filters raw messages against the registry, enqueues the rest
//	bus/queue.go          — durable Redis-backed FIFO for inbound messages
//	recognize/engine.go   — LLM-backed classifier: message text → structured trade intent
//	feed/feed.go          — worker pool: dequeue, recognize, dedup, persist, execute
//	risk/sizing.go        — risk-based position sizing and TP quantity distribution
//	executor/executor.go  — places the entry + TP ladder + stop, compensates on failure
//	reconcile/reconciler.go — converges the local position book with the venue
//	exchange/client.go    — signed REST client for the futures venue
//	registry/registry.go  — channel registry with per-channel sub-accounts
//	api/server.go         — admin HTTP surface + WebSocket event stream
//	store/store.go        — SQLite persistence for channels, signals, positions
//
// Money flow: a registered channel posts "BTC LONG x10, entry 30000,
// tp 30300/30600, sl 29700"; the bot recognizes it, sizes the position so
// the stop-loss risks a fixed fraction of the channel's sub-account, and
// places a market entry with an attached stop plus a ladder of
// reduce-only take-profit orders.
package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"signalbridge/internal/config"
	"signalbridge/internal/engine"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("SB_CONFIG"); p != "" {
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
	if cfg.Trading.RiskManagementDisabled {
		logger.Warn("RISK MANAGEMENT DISABLED — sanity checks and dedup are off")
	}

	logger.Info("signalbridge started",
		"max_leverage", cfg.Trading.MaxLeverage,
		"default_risk_percent", cfg.Trading.DefaultRiskPercent,
		"feed_workers", cfg.Feed.Workers,
		"dry_run", cfg.DryRun,
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
