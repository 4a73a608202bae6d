package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/linkflow-ai/subledger/internal/billing/domain/model"
	"github.com/linkflow-ai/subledger/internal/billing/domain/rules"
)

// ReconcileInput asks for a read-through reconciliation of one workspace
type ReconcileInput struct {
	WorkspaceID string
	// SubscriptionID disambiguates when the owner has several live subscriptions
	SubscriptionID string
}

// ReconcileResult is the mirror after a reconciliation read
type ReconcileResult struct {
	Workspace  *model.Workspace
	Changed    bool
	Transition *model.TransitionRecord
}

// Reconcile re-derives a workspace's mirror from the processor. Several
// live subscriptions for the owner are reported, never resolved here.
func (r *Reconciler) Reconcile(ctx context.Context, in ReconcileInput) (*ReconcileResult, error) {
	ctx, span := r.tracer.Start(ctx, "billing.reconcile")
	defer span.End()

	ws, err := r.store.GetWorkspace(ctx, in.WorkspaceID)
	if err != nil {
		return nil, err
	}

	candidates, err := r.candidates(ctx, ws)
	if err != nil {
		return nil, err
	}

	target := in.SubscriptionID
	if target != "" {
		if !containsSubscription(candidates, target) && target != ws.ExternalSubscriptionID {
			return nil, fmt.Errorf("%w: %s is not a subscription of workspace %s", model.ErrSubscriptionNotFound, target, ws.ID)
		}
	} else {
		chosen, err := rules.ResolveMultipleActiveSubscriptions(candidates)
		switch {
		case err == nil:
			target = chosen.ExternalSubscriptionID
		case errors.Is(err, model.ErrNoActiveSubscription) && ws.HasSubscription():
			target = ws.ExternalSubscriptionID
		case errors.Is(err, model.ErrNoActiveSubscription):
			return nil, model.ErrNoSubscription
		default:
			r.logger.Warn("Reconciliation needs disambiguation", "workspace_id", ws.ID, "error", err)
			return nil, err
		}
	}

	return r.refresh(ctx, ws.ID, target)
}

// candidates returns the workspace's subscription records, refreshed from
// the processor when the customer is known
func (r *Reconciler) candidates(ctx context.Context, ws *model.Workspace) ([]model.Subscription, error) {
	all, err := r.store.ListSubscriptionsByOwner(ctx, ws.OwnerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}

	var subs []model.Subscription
	for _, s := range all {
		if s.WorkspaceID == ws.ID && s.ExternalSubscriptionID != "" {
			subs = append(subs, s)
		}
	}
	if ws.ExternalCustomerID == "" {
		return subs, nil
	}

	remote, err := r.gateway.ListCustomerSubscriptions(ctx, ws.ExternalCustomerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list processor subscriptions: %w", err)
	}

	for _, snap := range remote {
		status, err := model.ParseStatus(snap.Status)
		if err != nil {
			continue
		}

		idx := -1
		for i := range subs {
			if subs[i].ExternalSubscriptionID == snap.ID {
				idx = i
				break
			}
		}
		if idx < 0 {
			if snap.WorkspaceID() != ws.ID && snap.ID != ws.ExternalSubscriptionID {
				continue
			}
			subs = append(subs, *model.NewSubscription(ws.ID, ws.OwnerID, snap.ID))
			idx = len(subs) - 1
		}

		sub := &subs[idx]
		sub.Status = status
		sub.SeatsPurchased = snap.Quantity
		if plan, interval, ok := r.catalog.ResolvePrice(snap.PriceID); ok {
			sub.Plan = plan.Slug
			sub.BillingInterval = interval
		}
		sub.UpdatedAt = r.now()
		if err := r.store.UpsertSubscription(ctx, sub); err != nil {
			r.logger.Warn("Failed to store refreshed subscription record", "subscription_id", snap.ID, "error", err)
		}
	}
	return subs, nil
}

func containsSubscription(subs []model.Subscription, externalID string) bool {
	for _, s := range subs {
		if s.ExternalSubscriptionID == externalID {
			return true
		}
	}
	return false
}

// readMarkerSkew bounds how far the local clock behind a read marker may run
// ahead of the processor clock behind event markers
const readMarkerSkew = 2 * time.Minute

// refresh reads subscriptionID from the processor and mirrors it onto the
// workspace. The read is stamped with the current time as its marker so
// that older in-flight events are superseded.
func (r *Reconciler) refresh(ctx context.Context, workspaceID, subscriptionID string) (*ReconcileResult, error) {
	unlock, err := r.locker.Lock(ctx, subscriptionID)
	if err != nil {
		return nil, fmt.Errorf("failed to lock %s: %w", subscriptionID, err)
	}
	defer unlock()

	return r.refreshLocked(ctx, workspaceID, subscriptionID)
}

// readWithinSkew reports an event superseded only by a read marker that is
// close enough to the event to be clock skew. The processor may have sent the
// event after the read while its clock lags ours.
func readWithinSkew(ws *model.Workspace, env *model.Envelope) bool {
	if ws.LastReconciledAt.IsZero() || ws.LastEventMarker != ws.LastReconciledAt.Unix() {
		return false
	}
	if env.Key() != ws.ExternalSubscriptionID {
		return false
	}
	return ws.LastEventMarker-env.Marker <= int64(readMarkerSkew/time.Second)
}

// rereadSuperseding mirrors the processor once more instead of trusting the
// earlier read. The caller holds the lock on the subscription.
func (r *Reconciler) rereadSuperseding(ctx context.Context, ws *model.Workspace, env *model.Envelope) {
	result, err := r.refreshLocked(ctx, ws.ID, ws.ExternalSubscriptionID)
	if err != nil {
		r.logger.Warn("Re-read after a skew-window supersede failed; leaving it to the sweep",
			"event_id", env.EventID, "workspace_id", ws.ID, "error", err)
		return
	}
	r.logger.Info("Re-read processor state for an event inside the skew window",
		"event_id", env.EventID, "workspace_id", ws.ID, "changed", result.Changed)
}

func (r *Reconciler) refreshLocked(ctx context.Context, workspaceID, subscriptionID string) (*ReconcileResult, error) {
	snap, err := r.gateway.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}

	ws, err := r.store.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return nil, err
	}

	m, err := r.commit(ctx, ws, "", func(current *model.Workspace) (mutation, error) {
		return r.planRead(current, snap)
	})
	if err != nil {
		return nil, err
	}
	if m == nil {
		return &ReconcileResult{Workspace: ws}, nil
	}

	if m.record != nil {
		r.logger.Info("Reconciliation read corrected mirror",
			"workspace_id", workspaceID,
			"subscription_id", subscriptionID,
			"action", string(m.record.Action),
		)
	}
	return &ReconcileResult{Workspace: m.next, Changed: m.record != nil, Transition: m.record}, nil
}

func (r *Reconciler) planRead(current *model.Workspace, snap *model.SubscriptionSnapshot) (mutation, error) {
	if m, ok := resurrection(current, snap); ok {
		r.logger.Warn("Processor reports a live status for a canceled subscription; keeping the cancellation",
			"workspace_id", current.ID, "subscription_id", snap.ID, "status", snap.Status)
		return m, nil
	}

	next := current.Clone()
	if err := r.overwrite(next, snap); err != nil {
		return mutation{}, err
	}

	now := r.now()
	if marker := now.Unix(); marker > next.LastEventMarker {
		next.LastEventMarker = marker
	}
	next.LastReconciledAt = now

	m := mutation{outcome: model.OutcomeApplied, next: next}
	if changed(current, next) {
		next.UpdatedAt = now
		m.record = model.NewTransition(r.classify(current, next), "", current, next)
		m.record.Metadata["source"] = "reconciliation_read"
	}
	return m, nil
}
