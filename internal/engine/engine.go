// Package engine is the central orchestrator of the signal-trading bot.
//
// It wires together all subsystems:
//
//  1. Transport streams raw chat messages from the gateway.
//  2. Ingestor filters them against the channel registry and enqueues the
//     rest on the durable queue.
//  3. Feed workers dequeue, recognize, deduplicate, and persist signals,
//     handing approved ones to the executor.
//  4. Executor sizes and places the multi-leg order set on the venue.
//  5. Reconciler converges the local position book with the venue.
//  6. The admin API exposes the whole thing to the operator.
//
// Lifecycle: New() → Start() → [runs until SIGINT] → Stop()
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"signalbridge/internal/api"
	"signalbridge/internal/bus"
	"signalbridge/internal/config"
	"signalbridge/internal/exchange"
	"signalbridge/internal/executor"
	"signalbridge/internal/feed"
	"signalbridge/internal/ingest"
	"signalbridge/internal/llm"
	"signalbridge/internal/recognize"
	"signalbridge/internal/reconcile"
	"signalbridge/internal/registry"
	"signalbridge/internal/risk"
	"signalbridge/internal/store"
)

// Engine owns the lifecycle of every component and goroutine.
type Engine struct {
	cfg    config.Config
	logger *slog.Logger

	rdb        *redis.Client
	store      *store.Store
	bus        *bus.Bus
	queue      *bus.Queue
	client     *exchange.Client
	registry   *registry.Registry
	executor   *executor.Executor
	feed       *feed.Feed
	transport  *ingest.Transport
	ingestor   *ingest.Ingestor
	reconciler *reconcile.Reconciler
	apiServer  *api.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates and wires all engine components.
func New(cfg config.Config, logger *slog.Logger) (*Engine, error) {
	st, err := store.Open(cfg.Store.Path, logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	// Redis is optional: without it the queue runs process-local and
	// messages in flight do not survive a restart.
	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	} else {
		logger.Warn("redis not configured, message queue is process-local")
	}

	b := bus.New(logger)
	queue := bus.NewQueue(rdb, logger)
	client := exchange.NewClient(cfg.Exchange, cfg.DryRun, logger)
	reg := registry.New(st, client, b, logger)
	sizer := risk.NewSizer(cfg.Trading, logger)
	exec := executor.New(client, sizer, st, b, cfg.Trading, logger)

	recognizer := recognize.New(llm.NewClient(cfg.LLM, logger), logger)
	fd := feed.New(queue, recognizer, reg, exec, st, b, cfg.Feed, cfg.Trading, logger)

	transport := ingest.NewTransport(cfg.Chat, logger)
	ingestor := ingest.New(transport, reg, queue, b, logger)
	reconciler := reconcile.New(client, st, reg, b, cfg.Reconcile, logger)

	var apiServer *api.Server
	if cfg.Admin.Enabled {
		hub := api.NewHub(logger)
		handlers := api.NewHandlers(reg, fd, exec, st, queue, hub, logger)
		apiServer = api.NewServer(cfg.Admin, handlers, hub, b, logger)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Engine{
		cfg:        cfg,
		logger:     logger.With("component", "engine"),
		rdb:        rdb,
		store:      st,
		bus:        b,
		queue:      queue,
		client:     client,
		registry:   reg,
		executor:   exec,
		feed:       fd,
		transport:  transport,
		ingestor:   ingestor,
		reconciler: reconciler,
		apiServer:  apiServer,
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// Start launches all background goroutines: the chat transport, the
// ingestor, the feed worker pool, the reconciler, and the admin server.
func (e *Engine) Start() error {
	if err := e.checkClockDrift(); err != nil {
		return err
	}

	// Re-queue messages a previous run left on the processing list.
	recoverCtx, cancel := context.WithTimeout(e.ctx, 10*time.Second)
	defer cancel()
	if err := e.queue.Recover(recoverCtx); err != nil {
		e.logger.Warn("queue recovery failed", "error", err)
	}

	// Warm the balance snapshots before trading starts.
	if err := e.registry.RefreshBalances(e.ctx); err != nil {
		e.logger.Warn("initial balance refresh failed", "error", err)
	}

	e.spawn("transport", func(ctx context.Context) error { return e.transport.Run(ctx) })
	e.spawn("ingestor", func(ctx context.Context) error { return e.ingestor.Run(ctx) })
	e.spawn("feed", func(ctx context.Context) error { return e.feed.Run(ctx) })
	e.spawn("reconciler", func(ctx context.Context) error { return e.reconciler.Run(ctx) })
	if e.apiServer != nil {
		e.spawn("api", func(ctx context.Context) error { return e.apiServer.Run(ctx) })
	}

	e.logger.Info("engine started", "dry_run", e.cfg.DryRun)
	return nil
}

// checkClockDrift compares local time with the venue. Signed requests fail
// once drift exceeds the recv window, so refuse to start rather than fail
// on the first order.
func (e *Engine) checkClockDrift() error {
	ctx, cancel := context.WithTimeout(e.ctx, e.cfg.Exchange.CallTimeout)
	defer cancel()

	serverTime, err := e.client.ServerTime(ctx)
	if err != nil {
		return fmt.Errorf("venue time check: %w", err)
	}
	drift := time.Since(serverTime)
	if drift < 0 {
		drift = -drift
	}
	if drift > e.cfg.Exchange.RecvWindow {
		return fmt.Errorf("clock drift %s exceeds recv window %s, fix NTP before trading", drift, e.cfg.Exchange.RecvWindow)
	}
	e.logger.Info("venue clock checked", "drift", drift)
	return nil
}

func (e *Engine) spawn(name string, run func(context.Context) error) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := run(e.ctx); err != nil && e.ctx.Err() == nil {
			e.logger.Error("component exited", "component", name, "error", err)
		}
	}()
}

// Stop shuts the engine down: cancels all goroutines, waits for in-flight
// work to drain, and closes resources. In-flight feed messages stay on the
// processing list for the next run's recovery.
func (e *Engine) Stop() {
	e.logger.Info("shutting down...")
	e.cancel()
	e.wg.Wait()

	if err := e.transport.Close(); err != nil {
		e.logger.Warn("transport close failed", "error", err)
	}
	e.bus.Close()
	if e.rdb != nil {
		if err := e.rdb.Close(); err != nil {
			e.logger.Warn("redis close failed", "error", err)
		}
	}
	if err := e.store.Close(); err != nil {
		e.logger.Warn("store close failed", "error", err)
	}
	e.logger.Info("shutdown complete")
}
