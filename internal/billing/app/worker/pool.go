// Package worker runs the reconciliation worker pool and the periodic
// billing jobs
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/linkflow-ai/subledger/internal/billing/domain/model"
	"github.com/linkflow-ai/subledger/internal/billing/domain/repository"
	"github.com/linkflow-ai/subledger/internal/platform/logger"
)

// PoolConfig holds worker pool configuration
type PoolConfig struct {
	Workers int
	// HandleTimeout bounds one event application
	HandleTimeout time.Duration
	// RestartDelay is the pause before a consumer reconnects after a queue error
	RestartDelay time.Duration
}

// DefaultPoolConfig returns default pool configuration
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		Workers:       4,
		HandleTimeout: 30 * time.Second,
		RestartDelay:  time.Second,
	}
}

// PoolStats tracks worker pool activity
type PoolStats struct {
	Workers  int32
	Active   int32
	Handled  int64
	Retried  int64
	Panicked int64
}

// Pool consumes the event queue with a fixed number of workers
type Pool struct {
	queue  repository.EventQueue
	handle repository.EventHandler
	cfg    PoolConfig
	logger logger.Logger

	wg     sync.WaitGroup
	mu     sync.Mutex
	cancel context.CancelFunc

	workers  int32
	active   int32
	handled  int64
	retried  int64
	panicked int64
}

// NewPool creates a worker pool that applies events with handle
func NewPool(queue repository.EventQueue, handle repository.EventHandler, cfg PoolConfig, log logger.Logger) *Pool {
	defaults := DefaultPoolConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = defaults.Workers
	}
	if cfg.HandleTimeout <= 0 {
		cfg.HandleTimeout = defaults.HandleTimeout
	}
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = defaults.RestartDelay
	}
	if log == nil {
		log = logger.NewNop()
	}

	return &Pool{
		queue:  queue,
		handle: handle,
		cfg:    cfg,
		logger: log,
	}
}

// Start launches the workers. They run until Stop or ctx ends.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.run(ctx, uuid.New().String())
	}
	p.logger.Info("Worker pool started", "workers", p.cfg.Workers)
}

// Stop cancels the workers and waits for in-flight events up to timeout
func (p *Pool) Stop(timeout time.Duration) error {
	p.mu.Lock()
	if p.cancel != nil {
		p.cancel()
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("Worker pool stopped", "handled", atomic.LoadInt64(&p.handled))
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("worker pool did not stop within %s", timeout)
	}
}

// Stats returns a snapshot of pool activity
func (p *Pool) Stats() PoolStats {
	return PoolStats{
		Workers:  atomic.LoadInt32(&p.workers),
		Active:   atomic.LoadInt32(&p.active),
		Handled:  atomic.LoadInt64(&p.handled),
		Retried:  atomic.LoadInt64(&p.retried),
		Panicked: atomic.LoadInt64(&p.panicked),
	}
}

func (p *Pool) run(ctx context.Context, workerID string) {
	defer p.wg.Done()
	atomic.AddInt32(&p.workers, 1)
	defer atomic.AddInt32(&p.workers, -1)

	log := p.logger.WithFields(map[string]interface{}{"worker_id": workerID})
	for {
		err := p.queue.Consume(ctx, p.wrap(log))
		if ctx.Err() != nil || err == nil || errors.Is(err, model.ErrQueueClosed) {
			return
		}

		log.Error("Queue consumer failed; reconnecting", "error", err, "delay", p.cfg.RestartDelay.String())
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.cfg.RestartDelay):
		}
	}
}

// wrap adds the per-event timeout, accounting and panic recovery
func (p *Pool) wrap(log logger.Logger) repository.EventHandler {
	return func(ctx context.Context, env *model.Envelope) (err error) {
		atomic.AddInt32(&p.active, 1)
		defer atomic.AddInt32(&p.active, -1)

		defer func() {
			if r := recover(); r != nil {
				atomic.AddInt64(&p.panicked, 1)
				log.Error("Recovered panic while applying event", "event_id", env.EventID, "panic", fmt.Sprint(r))
				err = fmt.Errorf("panic applying event %s: %v", env.EventID, r)
			}
			if err != nil {
				atomic.AddInt64(&p.retried, 1)
			} else {
				atomic.AddInt64(&p.handled, 1)
			}
		}()

		ctx, cancel := context.WithTimeout(ctx, p.cfg.HandleTimeout)
		defer cancel()
		return p.handle(ctx, env)
	}
}
