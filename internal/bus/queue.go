package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"signalbridge/pkg/types"
)

const (
	pendingKey    = "sb:queue:messages"
	processingKey = "sb:queue:messages:processing"

	memoryBuffer = 1000
	popTimeout   = time.Second
)

// Item is one dequeued message. The raw payload is kept so Ack can remove
// exactly this entry from the processing list.
type Item struct {
	Envelope types.Envelope
	payload  string
}

// Queue is the durable FIFO between ingestion and the signal feed. Backed
// by a Redis list pair (pending + processing) for at-least-once delivery: a
// dequeued item sits on the processing list until acked, and a restart
// requeues whatever was in flight.
//
// Without a Redis client the queue degrades to a bounded in-process buffer;
// messages in flight at a crash are lost. Intended for dry runs and tests.
type Queue struct {
	rdb    *redis.Client
	mem    chan string
	logger *slog.Logger
}

// NewQueue creates the message queue. rdb may be nil for in-process mode.
func NewQueue(rdb *redis.Client, logger *slog.Logger) *Queue {
	q := &Queue{
		rdb:    rdb,
		logger: logger.With("component", "queue"),
	}
	if rdb == nil {
		q.mem = make(chan string, memoryBuffer)
		q.logger.Warn("redis not configured, queue is process-local")
	}
	return q
}

// Recover moves any in-flight items from a previous run back onto the
// pending list. Call once at startup, before workers dequeue.
func (q *Queue) Recover(ctx context.Context) error {
	if q.rdb == nil {
		return nil
	}
	n := 0
	for {
		err := q.rdb.LMove(ctx, processingKey, pendingKey, "RIGHT", "RIGHT").Err()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return fmt.Errorf("queue recover: %w", err)
		}
		n++
	}
	if n > 0 {
		q.logger.Info("requeued in-flight messages from previous run", "count", n)
	}
	return nil
}

// Enqueue appends one envelope to the tail of the queue. In process-local
// mode a full buffer sheds the oldest entry to make room: newer messages
// carry fresher intent.
func (q *Queue) Enqueue(ctx context.Context, env types.Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}

	if q.rdb == nil {
		select {
		case q.mem <- string(payload):
			return nil
		default:
		}
		select {
		case <-q.mem:
			q.logger.Warn("queue buffer full, dropped oldest message",
				"channel", env.ExternalChannelID, "message_id", env.MessageID)
		default:
		}
		select {
		case q.mem <- string(payload):
		default:
			q.logger.Warn("queue buffer full, dropping message",
				"channel", env.ExternalChannelID, "message_id", env.MessageID)
		}
		return nil
	}

	if err := q.rdb.LPush(ctx, pendingKey, payload).Err(); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}

// Dequeue blocks until a message is available or the context is done. The
// returned item must be acked once fully processed.
func (q *Queue) Dequeue(ctx context.Context) (*Item, error) {
	if q.rdb == nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case payload := <-q.mem:
			return q.decode(payload)
		}
	}

	for {
		payload, err := q.rdb.BLMove(ctx, pendingKey, processingKey, "RIGHT", "LEFT", popTimeout).Result()
		if errors.Is(err, redis.Nil) {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("queue dequeue: %w", err)
		}
		return q.decode(payload)
	}
}

// Ack removes a processed item from the processing list.
func (q *Queue) Ack(ctx context.Context, item *Item) error {
	if q.rdb == nil {
		return nil
	}
	if err := q.rdb.LRem(ctx, processingKey, 1, item.payload).Err(); err != nil {
		return fmt.Errorf("queue ack: %w", err)
	}
	return nil
}

// Len reports the number of pending messages.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	if q.rdb == nil {
		return int64(len(q.mem)), nil
	}
	n, err := q.rdb.LLen(ctx, pendingKey).Result()
	if err != nil {
		return 0, fmt.Errorf("queue len: %w", err)
	}
	return n, nil
}

func (q *Queue) decode(payload string) (*Item, error) {
	var env types.Envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		// Poison entry: drop it rather than wedge the consumer.
		q.logger.Error("dropping undecodable queue entry", "error", err)
		return nil, fmt.Errorf("queue decode: %w", err)
	}
	return &Item{Envelope: env, payload: payload}, nil
}
