package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/linkflow-ai/subledger/internal/platform/cache"
	"github.com/linkflow-ai/subledger/internal/platform/logger"
)

// RedisLocker serializes keys across processes. A held lock is refreshed
// until released so that slow handlers keep their claim.
type RedisLocker struct {
	client    redis.UniversalClient
	prefix    string
	ttl       time.Duration
	pollEvery time.Duration
	logger    logger.Logger
}

// NewRedisLocker creates a distributed locker
func NewRedisLocker(client redis.UniversalClient, ttl time.Duration, log logger.Logger) *RedisLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &RedisLocker{
		client:    client,
		prefix:    "billing:",
		ttl:       ttl,
		pollEvery: 25 * time.Millisecond,
		logger:    log,
	}
}

// Lock polls until key is held or ctx ends
func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	lk := cache.NewLock(l.client, l.prefix+key, l.ttl)
	if err := lk.Acquire(ctx, l.pollEvery); err != nil {
		return nil, err
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(l.ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := lk.Refresh(context.Background()); err != nil {
					l.logger.Warn("Lost lock while holding it", "key", key, "error", err)
					return
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			wg.Wait()
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := lk.Release(ctx); err != nil && !errors.Is(err, cache.ErrLockNotHeld) {
				l.logger.Error("Failed to release lock", "key", key, "error", err)
			}
		})
	}, nil
}
