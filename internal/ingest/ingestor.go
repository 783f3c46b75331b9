package ingest

import (
	"context"
	"errors"
	"log/slog"

	"signalbridge/internal/bus"
	"signalbridge/internal/store"
	"signalbridge/pkg/types"
)

// Source is any producer of inbound chat envelopes. Transport implements it;
// tests substitute a plain channel.
type Source interface {
	Messages() <-chan types.Envelope
}

// ChannelDirectory resolves external chat IDs to registered channels.
type ChannelDirectory interface {
	Lookup(ctx context.Context, externalID string) (*types.Channel, error)
}

// Ingestor filters the message stream and enqueues accepted messages. A
// message survives only if its channel is registered, active, and not
// paused; everything else is dropped before any storage or LLM cost.
type Ingestor struct {
	source   Source
	registry ChannelDirectory
	queue    *bus.Queue
	bus      *bus.Bus
	logger   *slog.Logger
}

// New creates an ingestor.
func New(source Source, registry ChannelDirectory, queue *bus.Queue, b *bus.Bus, logger *slog.Logger) *Ingestor {
	return &Ingestor{
		source:   source,
		registry: registry,
		queue:    queue,
		bus:      b,
		logger:   logger.With("component", "ingest"),
	}
}

// Run consumes the source until ctx is cancelled.
func (i *Ingestor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env, ok := <-i.source.Messages():
			if !ok {
				return nil
			}
			i.handle(ctx, env)
		}
	}
}

func (i *Ingestor) handle(ctx context.Context, env types.Envelope) {
	ch, err := i.registry.Lookup(ctx, env.ExternalChannelID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			i.logger.Error("channel lookup failed", "external", env.ExternalChannelID, "error", err)
		}
		return
	}
	if !ch.Active || ch.Paused {
		i.logger.Debug("dropping message from inactive channel",
			"channel", ch.ID, "active", ch.Active, "paused", ch.Paused)
		return
	}

	if err := i.queue.Enqueue(ctx, env); err != nil {
		i.logger.Error("enqueue failed", "channel", ch.ID, "message_id", env.MessageID, "error", err)
		return
	}
	i.logger.Debug("message enqueued", "channel", ch.ID, "message_id", env.MessageID)
	i.bus.Publish(types.Event{Topic: types.TopicNewMessage, ChannelID: ch.ID})
}
