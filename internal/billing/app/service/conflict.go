package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/linkflow-ai/subledger/internal/billing/domain/model"
	"github.com/linkflow-ai/subledger/internal/billing/domain/rules"
)

// maxWriteAttempts bounds compare-and-set retries against concurrent writers
const maxWriteAttempts = 3

// commit writes the mutation planned against current, re-reading and
// re-planning on version conflicts. It returns the written workspace, or
// nil when a fresh read made the write unnecessary.
func (r *Reconciler) commit(
	ctx context.Context,
	current *model.Workspace,
	eventID string,
	plan func(current *model.Workspace) (mutation, error),
) (*mutation, error) {
	var lastErr error
	for attempt := 1; attempt <= maxWriteAttempts; attempt++ {
		m, err := plan(current)
		if err != nil {
			return nil, err
		}
		if m.outcome != model.OutcomeApplied {
			r.logger.Info("Write abandoned after fresh read", "workspace_id", current.ID, "event_id", eventID, "reason", m.reason)
			return nil, nil
		}

		if m.record != nil {
			err = r.store.UpdateWorkspaceWithTransition(ctx, m.next, current.Version, m.record)
		} else {
			err = r.store.UpdateWorkspace(ctx, m.next, current.Version)
		}
		if err == nil {
			if !rules.CanTransition(current.Status, m.next.Status) && current.ExternalSubscriptionID == m.next.ExternalSubscriptionID {
				r.logger.Warn("Processor moved subscription along an unexpected edge; mirrored as reported",
					"workspace_id", current.ID,
					"from", string(current.Status),
					"to", string(m.next.Status),
					"event_id", eventID,
				)
			}
			r.syncSubscription(ctx, m.next)
			r.checkSeatOvercommit(ctx, current, m.next)
			return &m, nil
		}
		if !errors.Is(err, model.ErrVersionConflict) {
			return nil, fmt.Errorf("failed to update workspace %s: %w", current.ID, err)
		}

		lastErr = err
		r.logger.Debug("Workspace write conflict; retrying with a fresh read",
			"workspace_id", current.ID, "event_id", eventID, "attempt", attempt)

		fresh, err := r.store.GetWorkspace(ctx, current.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to re-read workspace %s: %w", current.ID, err)
		}
		current = fresh
	}

	if r.metrics != nil {
		r.metrics.ReconcileConflicts.Inc()
	}
	conflict := &model.ReconciliationConflictError{
		WorkspaceID: current.ID,
		EventID:     eventID,
		Attempts:    maxWriteAttempts,
		Err:         lastErr,
	}
	r.logger.Error("Giving up on contended workspace write", "workspace_id", current.ID, "event_id", eventID, "error", conflict)
	return nil, conflict
}
