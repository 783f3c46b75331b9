// Package feed consumes the durable message queue and turns raw chat
// messages into persisted, deduplicated signals.
//
// A pool of workers dequeues messages, runs recognition, and gates the
// result: channel still active, confidence over the threshold, not a
// duplicate of a recent signal from the same channel. Surviving ENTRY
// signals are persisted PENDING and either handed straight to the executor
// (auto-execute channels) or announced for manual approval. Everything the
// pipeline rejects after recognition is still persisted with its reason,
// so the operator can audit what the bot declined.
//
// Work on the same (channel, asset) pair is serialised so two near-
// simultaneous messages cannot race past the dedup check.
package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/shopspring/decimal"

	"signalbridge/internal/bus"
	"signalbridge/internal/config"
	"signalbridge/internal/recognize"
	"signalbridge/internal/store"
	"signalbridge/pkg/types"
)

// Recognizer classifies one envelope. *recognize.Engine implements it.
type Recognizer interface {
	Recognize(ctx context.Context, env types.Envelope) (recognize.Result, error)
}

// Directory is the slice of the registry the feed needs.
type Directory interface {
	Lookup(ctx context.Context, externalID string) (*types.Channel, error)
	Get(ctx context.Context, id string) (*types.Channel, error)
}

// Executor runs approved signals. *executor.Executor implements it.
type Executor interface {
	Execute(ctx context.Context, sig *types.Signal, ch *types.Channel) error
}

// Feed is the signal pipeline between the queue and the executor.
type Feed struct {
	queue      *bus.Queue
	recognizer Recognizer
	registry   Directory
	executor   Executor
	store      *store.Store
	bus        *bus.Bus
	cfg        config.FeedConfig
	trading    config.TradingConfig
	logger     *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a feed.
func New(queue *bus.Queue, rec Recognizer, dir Directory, ex Executor, st *store.Store,
	b *bus.Bus, cfg config.FeedConfig, trading config.TradingConfig, logger *slog.Logger,
) *Feed {
	return &Feed{
		queue:      queue,
		recognizer: rec,
		registry:   dir,
		executor:   ex,
		store:      st,
		bus:        b,
		cfg:        cfg,
		trading:    trading,
		logger:     logger.With("component", "feed"),
		locks:      make(map[string]*sync.Mutex),
	}
}

// Run starts the worker pool and blocks until ctx is cancelled.
func (f *Feed) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < f.cfg.Workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			f.worker(ctx, worker)
		}(i)
	}
	wg.Wait()
	return ctx.Err()
}

func (f *Feed) worker(ctx context.Context, id int) {
	logger := f.logger.With("worker", id)
	for {
		item, err := f.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("dequeue failed", "error", err)
			continue
		}

		if err := f.process(ctx, item.Envelope); err != nil {
			if ctx.Err() != nil {
				// Shutdown mid-message: leave it unacked so the next run
				// recovers it from the processing list.
				return
			}
			// Transient failure (LLM timeout, store hiccup): push the
			// message back to the tail and move on.
			logger.Warn("processing failed, requeueing",
				"message_id", item.Envelope.MessageID, "error", err)
			if reErr := f.queue.Enqueue(ctx, item.Envelope); reErr != nil {
				logger.Error("requeue failed, message lost", "error", reErr)
			}
		}
		if err := f.queue.Ack(ctx, item); err != nil {
			logger.Error("ack failed", "message_id", item.Envelope.MessageID, "error", err)
		}
	}
}

// process handles one envelope end to end. A returned error means the
// message should be retried; nil means it is finished (including every
// "finished by rejection" path).
func (f *Feed) process(ctx context.Context, env types.Envelope) error {
	ch, err := f.registry.Lookup(ctx, env.ExternalChannelID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil // channel deleted since enqueue
		}
		return err
	}
	if !ch.Active || ch.Paused {
		return nil
	}

	res, err := f.recognizer.Recognize(ctx, env)
	if err != nil {
		return fmt.Errorf("recognize: %w", err)
	}
	sig := f.buildSignal(ch, env, res)

	// Plain chatter is still recorded so the channel's full history can be
	// audited, just never acted on.
	if !res.IsSignal {
		sig.Type = types.SignalGeneral
		sig.Status = types.SignalIgnored
		sig.StatusReason = "NOT_A_SIGNAL"
		return f.persistQuiet(ctx, sig)
	}

	// Non-entry intents are recorded for audit but never executed.
	if res.Type != types.SignalEntry || res.Extracted == nil {
		sig.Status = types.SignalIgnored
		sig.StatusReason = "NOT_ENTRY"
		return f.persistQuiet(ctx, sig)
	}

	if res.Confidence < f.cfg.MinConfidence {
		sig.Status = types.SignalIgnored
		sig.StatusReason = fmt.Sprintf("LOW_CONFIDENCE: %.2f < %.2f", res.Confidence, f.cfg.MinConfidence)
		return f.persistQuiet(ctx, sig)
	}

	// Serialise per (channel, asset) so concurrent workers cannot both
	// pass the dedup check for the same trade.
	unlock := f.lock(ch.ID + "|" + sig.Asset)
	defer unlock()

	if !f.trading.RiskManagementDisabled {
		dup, err := f.isDuplicate(ctx, sig)
		if err != nil {
			return err
		}
		if dup != "" {
			sig.Status = types.SignalIgnored
			sig.StatusReason = "DUPLICATE: " + dup
			f.logger.Info("duplicate signal ignored",
				"channel", ch.ID, "asset", sig.Asset, "of", dup)
			return f.persistQuiet(ctx, sig)
		}
	}

	sig.Status = types.SignalPending
	if err := f.store.InsertSignal(ctx, sig); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil // redelivered message, already handled
		}
		return err
	}
	f.logger.Info("signal persisted",
		"signal", sig.ID, "channel", ch.ID, "asset", sig.Asset,
		"direction", sig.Direction, "confidence", sig.Confidence)

	if ch.AutoExecute {
		if err := f.store.UpdateSignalStatus(ctx, sig.ID, types.SignalApproved, "auto"); err != nil {
			return err
		}
		if err := f.executor.Execute(ctx, sig, ch); err != nil {
			f.logger.Error("auto-execution failed", "signal", sig.ID, "error", err)
		}
		return nil
	}

	f.bus.Publish(types.Event{Topic: types.TopicSignalNew, SignalID: sig.ID, ChannelID: ch.ID})
	return nil
}

func (f *Feed) buildSignal(ch *types.Channel, env types.Envelope, res recognize.Result) *types.Signal {
	sig := &types.Signal{
		ChannelID:        ch.ID,
		Confidence:       res.Confidence,
		RawMessage:       env.Text,
		Parsed:           res.Raw,
		MessageID:        env.MessageID,
		MessageTimestamp: env.Timestamp,
		Type:             res.Type,
	}
	if ext := res.Extracted; ext != nil {
		sig.Asset = ext.Asset
		sig.Direction = ext.Direction
		sig.Leverage = ext.Leverage
		sig.EntryPrice = ext.EntryPrice
		sig.TPLevels = ext.TPLevels
		sig.StopLoss = ext.StopLoss
		sig.SuggestedVolume = ext.SuggestedVolume
	}
	return sig
}

// isDuplicate reports the ID of a recent live signal for the same
// (channel, asset, direction) whose entry price sits within the relative
// epsilon, or "" when none exists.
func (f *Feed) isDuplicate(ctx context.Context, sig *types.Signal) (string, error) {
	since := sig.MessageTimestamp.Add(-f.cfg.DedupWindow)
	prior, err := f.store.RecentEntrySignals(ctx, sig.ChannelID, sig.Asset, sig.Direction, since)
	if err != nil {
		return "", err
	}
	eps := decimal.NewFromFloat(f.cfg.DedupEpsilon)
	for _, p := range prior {
		if p.EntryPrice.Sign() <= 0 {
			continue
		}
		rel := sig.EntryPrice.Sub(p.EntryPrice).Abs().Div(p.EntryPrice)
		if rel.LessThanOrEqual(eps) {
			return p.ID, nil
		}
	}
	return "", nil
}

// persistQuiet stores an audit signal, swallowing redelivery duplicates.
func (f *Feed) persistQuiet(ctx context.Context, sig *types.Signal) error {
	err := f.store.InsertSignal(ctx, sig)
	if errors.Is(err, store.ErrDuplicate) {
		return nil
	}
	return err
}

func (f *Feed) lock(key string) func() {
	f.mu.Lock()
	l, ok := f.locks[key]
	if !ok {
		l = &sync.Mutex{}
		f.locks[key] = l
	}
	f.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// Approve moves a pending signal to APPROVED and executes it. Idempotent:
// an already executed signal is a no-op, any other terminal state is
// rejected.
func (f *Feed) Approve(ctx context.Context, signalID string) error {
	sig, err := f.store.GetSignal(ctx, signalID)
	if err != nil {
		return err
	}
	if sig.Status == types.SignalExecuted {
		return nil
	}
	if sig.Status.Terminal() {
		return fmt.Errorf("approve signal %s (%s): %w", signalID, sig.Status, store.ErrTerminalState)
	}

	ch, err := f.registry.Get(ctx, sig.ChannelID)
	if err != nil {
		return err
	}
	if err := f.store.UpdateSignalStatus(ctx, signalID, types.SignalApproved, "operator"); err != nil {
		return err
	}
	return f.executor.Execute(ctx, sig, ch)
}

// Ignore marks a pending signal IGNORED. Idempotent: ignoring an ignored
// signal is a no-op, any other terminal state is rejected.
func (f *Feed) Ignore(ctx context.Context, signalID, reason string) error {
	sig, err := f.store.GetSignal(ctx, signalID)
	if err != nil {
		return err
	}
	if sig.Status == types.SignalIgnored {
		return nil
	}
	if sig.Status.Terminal() {
		return fmt.Errorf("ignore signal %s (%s): %w", signalID, sig.Status, store.ErrTerminalState)
	}
	if reason == "" {
		reason = "operator"
	}
	return f.store.UpdateSignalStatus(ctx, signalID, types.SignalIgnored, reason)
}
