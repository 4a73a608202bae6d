package repository

import (
	"context"

	"github.com/linkflow-ai/subledger/internal/billing/domain/model"
)

// EventHandler applies one queued event. A non-nil error asks the queue to
// redeliver the event later.
type EventHandler func(ctx context.Context, env *model.Envelope) error

// EventQueue is the durable hand-off between webhook ingress and the
// reconciliation worker. Delivery is at-least-once.
type EventQueue interface {
	// Enqueue returns only after the event is durably accepted
	Enqueue(ctx context.Context, env *model.Envelope) error
	// Consume delivers events to handle until ctx ends or the queue closes
	Consume(ctx context.Context, handle EventHandler) error
	Close() error
}

// KeyLocker serializes work on one routing key across workers
type KeyLocker interface {
	// Lock blocks until key is held or ctx ends; the returned func releases it
	Lock(ctx context.Context, key string) (unlock func(), err error)
}
