// Package bus provides the two message fabrics of the bot: an ephemeral
// in-process pub/sub for lifecycle events, and a durable FIFO queue for
// inbound chat messages.
//
// Pub/sub delivery is best effort. Subscriber channels are buffered and a
// slow consumer loses events rather than stalling a publisher; anything
// that must not be lost lives in the store, and consumers reconcile from
// state.
package bus

import (
	"log/slog"
	"sync"
	"time"

	"signalbridge/pkg/types"
)

const subscriberBuffer = 64

// Bus is the ephemeral pub/sub fabric.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string][]chan types.Event
	closed bool
	logger *slog.Logger
}

// New creates an event bus.
func New(logger *slog.Logger) *Bus {
	return &Bus{
		subs:   make(map[string][]chan types.Event),
		logger: logger.With("component", "bus"),
	}
}

// Subscribe registers interest in one or more topics and returns the
// delivery channel plus a cancel func. Cancel is idempotent and closes the
// channel.
func (b *Bus) Subscribe(topics ...string) (<-chan types.Event, func()) {
	ch := make(chan types.Event, subscriberBuffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	for _, t := range topics {
		b.subs[t] = append(b.subs[t], ch)
	}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			for _, t := range topics {
				chans := b.subs[t]
				for i, c := range chans {
					if c == ch {
						b.subs[t] = append(chans[:i], chans[i+1:]...)
						break
					}
				}
			}
			alreadyClosed := b.closed
			b.mu.Unlock()
			if !alreadyClosed {
				close(ch)
			}
		})
	}
	return ch, cancel
}

// Publish fans the event out to all subscribers of its topic. Never blocks:
// a full subscriber buffer drops the event with a warning.
func (b *Bus) Publish(evt types.Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs[evt.Topic] {
		select {
		case ch <- evt:
		default:
			b.logger.Warn("subscriber buffer full, dropping event", "topic", evt.Topic)
		}
	}
}

// Close shuts the bus down and closes every subscriber channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true

	seen := make(map[chan types.Event]bool)
	for _, chans := range b.subs {
		for _, ch := range chans {
			if !seen[ch] {
				seen[ch] = true
				close(ch)
			}
		}
	}
	b.subs = nil
}
