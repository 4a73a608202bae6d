package service

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/linkflow-ai/subledger/internal/billing/domain/model"
	"github.com/linkflow-ai/subledger/internal/billing/domain/repository"
)

// SweepConfig tunes the periodic reconciliation sweep
type SweepConfig struct {
	StaleAfter time.Duration
	BatchSize  int
	RatePerSec float64
}

// SweepReport summarizes one sweep
type SweepReport struct {
	Visited   int
	Refreshed int
	Unchanged int
	Failed    int
	Skipped   bool
}

// Sweeper re-reads stale workspaces from the processor, healing events that
// were missed or failed after being claimed
type Sweeper struct {
	reconciler *Reconciler
	store      repository.LedgerStore
	cfg        SweepConfig
	limiter    *rate.Limiter
	group      singleflight.Group
	running    atomic.Bool
	options
}

// NewSweeper creates a sweeper
func NewSweeper(reconciler *Reconciler, store repository.LedgerStore, cfg SweepConfig, opts ...Option) *Sweeper {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 6 * time.Hour
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	limit := rate.Inf
	if cfg.RatePerSec > 0 {
		limit = rate.Limit(cfg.RatePerSec)
	}

	return &Sweeper{
		reconciler: reconciler,
		store:      store,
		cfg:        cfg,
		limiter:    rate.NewLimiter(limit, 1),
		options:    newOptions(opts),
	}
}

// Run performs one sweep. Overlapping runs are skipped.
func (s *Sweeper) Run(ctx context.Context) (SweepReport, error) {
	if !s.running.CompareAndSwap(false, true) {
		s.countRun("skipped")
		return SweepReport{Skipped: true}, nil
	}
	defer s.running.Store(false)

	ctx, span := s.tracer.Start(ctx, "billing.sweep")
	defer span.End()

	before := s.now().Add(-s.cfg.StaleAfter)
	stale, err := s.store.ListStaleWorkspaces(ctx, before, s.cfg.BatchSize)
	if err != nil {
		s.countRun("failed")
		return SweepReport{}, err
	}

	var report SweepReport
	for _, ws := range stale {
		if !ws.HasSubscription() {
			continue
		}
		if err := s.limiter.Wait(ctx); err != nil {
			s.countRun("canceled")
			return report, err
		}

		report.Visited++
		result, err := s.refresh(ctx, ws)
		switch {
		case err != nil:
			report.Failed++
			s.countWorkspace("failed")
			s.logger.Warn("Sweep could not refresh workspace",
				"workspace_id", ws.ID,
				"subscription_id", ws.ExternalSubscriptionID,
				"error", err,
			)
			// a stamped workspace waits StaleAfter before the next attempt,
			// so failures cannot fill every batch
			if err := s.store.RecordSweepFailure(ctx, ws.ID, s.now()); err != nil {
				s.logger.Warn("Failed to record sweep failure", "workspace_id", ws.ID, "error", err)
			}
		case result.Changed:
			report.Refreshed++
			s.countWorkspace("refreshed")
		default:
			report.Unchanged++
			s.countWorkspace("unchanged")
		}
	}

	s.countRun("ok")
	s.logger.Info("Reconciliation sweep finished",
		"visited", report.Visited,
		"refreshed", report.Refreshed,
		"unchanged", report.Unchanged,
		"failed", report.Failed,
	)
	return report, nil
}

// refresh collapses concurrent reads of the same subscription
func (s *Sweeper) refresh(ctx context.Context, ws *model.Workspace) (*ReconcileResult, error) {
	v, err, _ := s.group.Do(ws.ExternalSubscriptionID, func() (interface{}, error) {
		return s.reconciler.refresh(ctx, ws.ID, ws.ExternalSubscriptionID)
	})
	if err != nil {
		if errors.Is(err, model.ErrSubscriptionNotFound) {
			s.logger.Error("Mirrored subscription no longer exists at the processor",
				"workspace_id", ws.ID, "subscription_id", ws.ExternalSubscriptionID)
		}
		return nil, err
	}
	return v.(*ReconcileResult), nil
}

func (s *Sweeper) countRun(result string) {
	if s.metrics != nil {
		s.metrics.SweepRuns.WithLabelValues(result).Inc()
	}
}

func (s *Sweeper) countWorkspace(result string) {
	if s.metrics != nil {
		s.metrics.SweepWorkspaces.WithLabelValues(result).Inc()
	}
}
