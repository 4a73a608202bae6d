package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/linkflow-ai/subledger/internal/billing/domain/model"
	"github.com/linkflow-ai/subledger/internal/billing/domain/repository"
)

const (
	// heartbeatTTL is how long a silent consumer keeps its in-flight events
	heartbeatTTL = 30 * time.Second
	promoteBatch = 100
)

// promoteDue moves delayed events whose ready time has passed to the queue
var promoteDue = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, raw in ipairs(due) do
	redis.call('ZREM', KEYS[1], raw)
	redis.call('LPUSH', KEYS[2], raw)
end
return #due
`)

// RedisQueue is a reliable list queue: consumers atomically move an event
// to their own processing list and remove it only after the handler returns.
// Failed events wait out their backoff in a sorted set scored by ready time.
type RedisQueue struct {
	client        redis.UniversalClient
	name          string
	consumerID    string
	queueKey      string
	processingKey string
	delayedKey    string
	deadLetterKey string
	consumersKey  string
	pollTimeout   time.Duration
	opts          Options
	closed        atomic.Bool
	lastBeat      atomic.Int64
	now           func() time.Time
}

// NewRedisQueue creates a queue under the given key prefix. Every instance is
// a separate consumer with its own processing list.
func NewRedisQueue(client redis.UniversalClient, name string, opts Options) *RedisQueue {
	id := uuid.NewString()
	return &RedisQueue{
		client:        client,
		name:          name,
		consumerID:    id,
		queueKey:      name + ":queue",
		processingKey: processingKey(name, id),
		delayedKey:    name + ":delayed",
		deadLetterKey: name + ":dead",
		consumersKey:  name + ":consumers",
		pollTimeout:   time.Second,
		opts:          opts.withDefaults(),
		now:           time.Now,
	}
}

func processingKey(name, consumerID string) string {
	return name + ":processing:" + consumerID
}

func (q *RedisQueue) heartbeatKey(consumerID string) string {
	return q.name + ":consumer:" + consumerID
}

// Enqueue pushes env; LPUSH is acknowledged only once Redis has it
func (q *RedisQueue) Enqueue(ctx context.Context, env *model.Envelope) error {
	if q.closed.Load() {
		return model.ErrQueueClosed
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := q.client.LPush(ctx, q.queueKey, data).Err(); err != nil {
		return fmt.Errorf("failed to enqueue event %s: %w", env.EventID, err)
	}
	return nil
}

// Recover returns events held by consumers whose heartbeat expired to the
// queue. Live consumers keep their in-flight events. A consumer stalled past
// heartbeatTTL sees its event redelivered elsewhere; handlers are idempotent.
func (q *RedisQueue) Recover(ctx context.Context) (int, error) {
	ids, err := q.client.SMembers(ctx, q.consumersKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list consumers: %w", err)
	}

	moved := 0
	for _, id := range ids {
		if id == q.consumerID {
			continue
		}
		alive, err := q.client.Exists(ctx, q.heartbeatKey(id)).Result()
		if err != nil {
			return moved, fmt.Errorf("failed to check consumer %s: %w", id, err)
		}
		if alive > 0 {
			continue
		}

		n, err := q.drain(ctx, processingKey(q.name, id))
		moved += n
		if err != nil {
			return moved, err
		}
		if err := q.client.SRem(ctx, q.consumersKey, id).Err(); err != nil {
			return moved, fmt.Errorf("failed to forget consumer %s: %w", id, err)
		}
		if n > 0 {
			q.opts.Logger.Warn("Recovered in-flight events of a dead consumer", "consumer_id", id, "events", n)
		}
	}
	return moved, nil
}

func (q *RedisQueue) drain(ctx context.Context, key string) (int, error) {
	moved := 0
	for {
		err := q.client.RPopLPush(ctx, key, q.queueKey).Err()
		if errors.Is(err, redis.Nil) {
			return moved, nil
		}
		if err != nil {
			return moved, fmt.Errorf("failed to recover in-flight events: %w", err)
		}
		moved++
	}
}

// heartbeat registers the consumer and keeps its processing list claimed
func (q *RedisQueue) heartbeat(ctx context.Context) error {
	now := q.now()
	if last := q.lastBeat.Load(); last != 0 && now.Sub(time.Unix(0, last)) < heartbeatTTL/3 {
		return nil
	}

	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, q.consumersKey, q.consumerID)
		pipe.Set(ctx, q.heartbeatKey(q.consumerID), now.Unix(), heartbeatTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to refresh consumer heartbeat: %w", err)
	}
	q.lastBeat.Store(now.UnixNano())
	return nil
}

// promote moves due delayed events to the queue
func (q *RedisQueue) promote(ctx context.Context) (int, error) {
	n, err := promoteDue.Run(ctx, q.client, []string{q.delayedKey, q.queueKey},
		q.now().UnixMilli(), promoteBatch).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to promote delayed events: %w", err)
	}
	return n, nil
}

// Consume blocks on the queue until ctx ends or Close is called
func (q *RedisQueue) Consume(ctx context.Context, handle repository.EventHandler) error {
	for !q.closed.Load() && ctx.Err() == nil {
		if err := q.heartbeat(ctx); err != nil && ctx.Err() == nil {
			q.opts.Logger.Warn("Redis heartbeat failed", "queue", q.queueKey, "error", err)
		}
		if _, err := q.promote(ctx); err != nil && ctx.Err() == nil {
			q.opts.Logger.Warn("Redis delayed promotion failed", "queue", q.queueKey, "error", err)
		}

		raw, err := q.client.BRPopLPush(ctx, q.queueKey, q.processingKey, q.pollTimeout).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, redis.ErrClosed) {
				return nil
			}
			q.opts.Logger.Error("Redis dequeue failed", "queue", q.queueKey, "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(q.pollTimeout):
			}
			continue
		}

		q.process(ctx, raw, handle)
	}
	return nil
}

func (q *RedisQueue) process(ctx context.Context, raw string, handle repository.EventHandler) {
	// Finish bookkeeping even when ctx was cancelled mid-handler
	ackCtx := context.WithoutCancel(ctx)

	var env model.Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		q.opts.Logger.Error("Discarding undecodable event", "queue", q.queueKey, "error", err)
		q.moveToDeadLetter(ackCtx, raw)
		return
	}

	env.Attempts++
	handleErr := handle(ctx, &env)
	if handleErr == nil {
		q.ack(ackCtx, raw)
		return
	}

	if env.Attempts >= q.opts.MaxDeliveries {
		q.opts.deadLetter("redis", &env, handleErr)
		q.moveToDeadLetter(ackCtx, raw)
		return
	}

	delay := q.opts.backoff(env.Attempts)
	q.opts.Logger.Warn("Event handler failed; requeueing",
		"event_id", env.EventID, "attempts", env.Attempts, "retry_in", delay, "error", handleErr)
	data, err := json.Marshal(&env)
	if err != nil {
		q.opts.Logger.Error("Failed to re-marshal event", "event_id", env.EventID, "error", err)
		return
	}
	readyAt := q.now().Add(delay)
	_, err = q.client.TxPipelined(ackCtx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ackCtx, q.delayedKey, redis.Z{Score: float64(readyAt.UnixMilli()), Member: data})
		pipe.LRem(ackCtx, q.processingKey, 1, raw)
		return nil
	})
	if err != nil {
		q.opts.Logger.Error("Failed to requeue event", "event_id", env.EventID, "error", err)
	}
}

func (q *RedisQueue) ack(ctx context.Context, raw string) {
	if err := q.client.LRem(ctx, q.processingKey, 1, raw).Err(); err != nil {
		q.opts.Logger.Error("Failed to ack event", "queue", q.queueKey, "error", err)
	}
}

func (q *RedisQueue) moveToDeadLetter(ctx context.Context, raw string) {
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, q.deadLetterKey, raw)
		pipe.LRem(ctx, q.processingKey, 1, raw)
		return nil
	})
	if err != nil {
		q.opts.Logger.Error("Failed to dead-letter event", "queue", q.queueKey, "error", err)
	}
}

// Len returns the number of events ready for delivery
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.queueKey).Result()
}

// DelayedLen returns the number of events waiting out a retry backoff
func (q *RedisQueue) DelayedLen(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.delayedKey).Result()
}

// DeadLetterLen returns the number of dead-lettered events
func (q *RedisQueue) DeadLetterLen(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.deadLetterKey).Result()
}

// Close stops consumers after their current poll; the client is owned by the caller
func (q *RedisQueue) Close() error {
	q.closed.Store(true)
	return nil
}
