// Package lock provides KeyLocker implementations for per-subscription
// serialization
package lock

import (
	"context"
	"sync"
)

type keyEntry struct {
	ch   chan struct{}
	refs int
}

// LocalLocker serializes keys within one process
type LocalLocker struct {
	mu   sync.Mutex
	keys map[string]*keyEntry
}

// NewLocalLocker creates a process-local locker
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{keys: make(map[string]*keyEntry)}
}

// Lock blocks until key is free or ctx ends
func (l *LocalLocker) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	e, ok := l.keys[key]
	if !ok {
		e = &keyEntry{ch: make(chan struct{}, 1)}
		l.keys[key] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(key, e)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			l.release(key, e)
		})
	}, nil
}

func (l *LocalLocker) release(key string, e *keyEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.keys, key)
	}
}

// Len returns the number of keys currently held or awaited
func (l *LocalLocker) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.keys)
}
