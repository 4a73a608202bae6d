package service

import (
	"context"
	"fmt"
	"time"

	"github.com/linkflow-ai/subledger/internal/billing/domain/repository"
)

// DefaultEventRetention is how long idempotency records are kept
const DefaultEventRetention = 90 * 24 * time.Hour

// Pruner deletes idempotency records past the retention window
type Pruner struct {
	store     repository.LedgerStore
	retention time.Duration
	options
}

// NewPruner creates a pruner
func NewPruner(store repository.LedgerStore, retention time.Duration, opts ...Option) *Pruner {
	if retention <= 0 {
		retention = DefaultEventRetention
	}
	return &Pruner{store: store, retention: retention, options: newOptions(opts)}
}

// Run prunes once and returns the number of records removed
func (p *Pruner) Run(ctx context.Context) (int64, error) {
	before := p.now().Add(-p.retention)
	n, err := p.store.PruneProcessedEvents(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("failed to prune processed events: %w", err)
	}

	if p.metrics != nil {
		p.metrics.ProcessedEventsPruned.Add(float64(n))
	}
	p.logger.Info("Pruned processed events", "removed", n, "before", before.Format(time.RFC3339))
	return n, nil
}
