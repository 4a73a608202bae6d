// Package queue provides EventQueue backends for the reconciliation worker
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/linkflow-ai/subledger/internal/billing/domain/model"
	"github.com/linkflow-ai/subledger/internal/billing/domain/repository"
	"github.com/linkflow-ai/subledger/internal/platform/logger"
	"github.com/linkflow-ai/subledger/internal/platform/metrics"
	"github.com/linkflow-ai/subledger/internal/platform/resilience"
)

// Options are shared by every backend
type Options struct {
	// MaxDeliveries bounds redelivery of a failing event; 0 means 5
	MaxDeliveries int
	// RetryBackoff is the wait before the first redelivery, doubling per
	// attempt up to MaxRetryBackoff; 0 means 2s and 5m
	RetryBackoff    time.Duration
	MaxRetryBackoff time.Duration
	Logger          logger.Logger
	Metrics         *metrics.Metrics
}

func (o Options) withDefaults() Options {
	if o.MaxDeliveries <= 0 {
		o.MaxDeliveries = 5
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = 2 * time.Second
	}
	if o.MaxRetryBackoff <= 0 {
		o.MaxRetryBackoff = 5 * time.Minute
	}
	if o.MaxRetryBackoff < o.RetryBackoff {
		o.MaxRetryBackoff = o.RetryBackoff
	}
	if o.Logger == nil {
		o.Logger = logger.NewNop()
	}
	return o
}

// backoff is the wait before redelivering an event that failed attempts times
func (o Options) backoff(attempts int) time.Duration {
	return resilience.RetryConfig{
		InitialDelay:  o.RetryBackoff,
		MaxDelay:      o.MaxRetryBackoff,
		BackoffFactor: 2,
		JitterFactor:  0.1,
	}.Delay(attempts)
}

func (o Options) deadLetter(backend string, env *model.Envelope, err error) {
	o.Logger.Error("Dropping event after exhausting deliveries",
		"backend", backend,
		"event_id", env.EventID,
		"event_type", string(env.Type),
		"attempts", env.Attempts,
		"error", err,
	)
	if o.Metrics != nil {
		o.Metrics.DeadLettered.WithLabelValues(backend).Inc()
	}
}

// MemoryQueue is a process-local FIFO. It is only durable for the life of
// the process and is meant for tests and single-node development.
type MemoryQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	events []*model.Envelope
	// delayed counts failed events waiting out their backoff
	delayed int
	closed  bool
	opts    Options
	dead    []*model.Envelope
}

// NewMemoryQueue creates an empty in-memory queue
func NewMemoryQueue(opts Options) *MemoryQueue {
	q := &MemoryQueue{opts: opts.withDefaults()}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue appends env
func (q *MemoryQueue) Enqueue(ctx context.Context, env *model.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return model.ErrQueueClosed
	}
	copied := *env
	q.events = append(q.events, &copied)
	q.cond.Signal()
	return nil
}

// Consume pops events until ctx ends or Close is called. Safe to run from
// several goroutines.
func (q *MemoryQueue) Consume(ctx context.Context, handle repository.EventHandler) error {
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	})
	defer stop()

	for {
		env, err := q.next(ctx)
		if err != nil {
			return err
		}
		if env == nil {
			return nil
		}

		env.Attempts++
		if err := handle(ctx, env); err != nil {
			q.retry(env, err)
		}
	}
}

func (q *MemoryQueue) next(ctx context.Context) (*model.Envelope, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.events) == 0 && (!q.closed || q.delayed > 0) && ctx.Err() == nil {
		q.cond.Wait()
	}
	if ctx.Err() != nil || len(q.events) == 0 {
		return nil, nil
	}

	env := q.events[0]
	q.events = q.events[1:]
	return env, nil
}

func (q *MemoryQueue) retry(env *model.Envelope, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if env.Attempts >= q.opts.MaxDeliveries {
		q.dead = append(q.dead, env)
		q.opts.deadLetter("memory", env, err)
		return
	}
	delay := q.opts.backoff(env.Attempts)
	q.opts.Logger.Warn("Event handler failed; requeueing",
		"event_id", env.EventID, "attempts", env.Attempts, "retry_in", delay, "error", err)
	q.delayed++
	time.AfterFunc(delay, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		q.delayed--
		q.events = append(q.events, env)
		q.cond.Broadcast()
	})
}

// Len returns the number of pending events, including those in backoff
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events) + q.delayed
}

// DeadLetters returns events dropped after MaxDeliveries
func (q *MemoryQueue) DeadLetters() []*model.Envelope {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]*model.Envelope(nil), q.dead...)
}

// Close wakes every consumer; pending events, including those in backoff,
// are still drained
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	q.cond.Broadcast()
	return nil
}
