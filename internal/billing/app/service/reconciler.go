package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/linkflow-ai/subledger/internal/billing/domain/model"
	"github.com/linkflow-ai/subledger/internal/billing/domain/repository"
	"github.com/linkflow-ai/subledger/internal/platform/logger"
)

// errAfterClaim marks failures that happened once the event id was claimed.
// Such events are never redelivered; the sweep heals the mirror.
var errAfterClaim = errors.New("event claimed but not applied")

// Reconciler applies processor events and reconciliation reads to the ledger.
// It is the only writer of mirrored subscription state.
type Reconciler struct {
	store   repository.LedgerStore
	seats   repository.SeatCounter
	gateway Gateway
	decoder EventDecoder
	catalog *model.Catalog
	locker  repository.KeyLocker
	options
}

// NewReconciler creates a reconciler
func NewReconciler(
	store repository.LedgerStore,
	seats repository.SeatCounter,
	gateway Gateway,
	decoder EventDecoder,
	catalog *model.Catalog,
	locker repository.KeyLocker,
	opts ...Option,
) *Reconciler {
	return &Reconciler{
		store:   store,
		seats:   seats,
		gateway: gateway,
		decoder: decoder,
		catalog: catalog,
		locker:  locker,
		options: newOptions(opts),
	}
}

// eventContext is a decoded event
type eventContext struct {
	env      *model.Envelope
	sub      *model.SubscriptionSnapshot
	invoice  *model.InvoiceSnapshot
	checkout *model.CheckoutSnapshot
}

// Handle is the queue handler. It returns an error only when the event
// should be delivered again.
func (r *Reconciler) Handle(ctx context.Context, env *model.Envelope) error {
	start := time.Now()
	log := r.logger.WithContext(logger.ContextWithEventID(ctx, env.EventID)).WithFields(map[string]interface{}{
		"event_type":  string(env.Type),
		"routing_key": env.Key(),
		"attempt":     env.Attempts,
	})

	outcome, err := r.Process(ctx, env)
	if r.metrics != nil {
		r.metrics.EventApplyDuration.WithLabelValues(string(env.Type)).Observe(time.Since(start).Seconds())
	}

	switch {
	case err == nil:
		r.countOutcome(env, string(outcome))
		log.Info("Event processed", "outcome", string(outcome))
		return nil
	case errors.Is(err, errAfterClaim):
		r.countOutcome(env, "failed")
		if r.metrics != nil {
			r.metrics.ReconciliationFailures.WithLabelValues(string(env.Type)).Inc()
		}
		log.Error("Event claimed but ledger update failed; left for the reconciliation sweep", "error", err)
		return nil
	case errors.Is(err, model.ErrInvalidEvent):
		r.countOutcome(env, "invalid")
		log.Error("Dropping malformed event", "error", err)
		return nil
	default:
		log.Warn("Event processing failed before claim; requesting redelivery", "error", err)
		return err
	}
}

func (r *Reconciler) countOutcome(env *model.Envelope, outcome string) {
	if r.metrics != nil {
		r.metrics.EventsProcessed.WithLabelValues(string(env.Type), outcome).Inc()
	}
}

// Process applies env at most once
func (r *Reconciler) Process(ctx context.Context, env *model.Envelope) (model.Outcome, error) {
	ctx, span := r.tracer.Start(ctx, "billing.process_event")
	defer span.End()
	span.SetAttributes(
		attribute.String("event.id", env.EventID),
		attribute.String("event.type", string(env.Type)),
	)

	outcome, err := r.process(ctx, env)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetAttributes(attribute.String("event.outcome", string(outcome)))
	}
	return outcome, err
}

func (r *Reconciler) process(ctx context.Context, env *model.Envelope) (model.Outcome, error) {
	if err := env.Validate(); err != nil {
		return "", fmt.Errorf("%w: %v", model.ErrInvalidEvent, err)
	}

	unlock, err := r.locker.Lock(ctx, env.Key())
	if err != nil {
		return "", fmt.Errorf("failed to lock %s: %w", env.Key(), err)
	}
	defer unlock()

	if _, err := r.store.GetProcessedEvent(ctx, env.EventID); err == nil {
		return model.OutcomeSkippedDuplicate, nil
	} else if !errors.Is(err, model.ErrProcessedEventNotFound) {
		return "", fmt.Errorf("failed to check processed event: %w", err)
	}

	ec, err := r.decode(env)
	if err != nil {
		return "", err
	}

	ws, reason, err := r.locate(ctx, ec)
	if err != nil {
		return "", err
	}
	if ws == nil {
		r.logger.Warn("Event does not concern any bound workspace", "event_id", env.EventID, "reason", reason)
		return r.claim(ctx, env, model.OutcomeSkippedSuperseded)
	}

	if env.Marker < ws.LastEventMarker {
		r.logger.Info("Skipping superseded event",
			"event_id", env.EventID,
			"workspace_id", ws.ID,
			"marker", env.Marker,
			"last_marker", ws.LastEventMarker,
		)
		if readWithinSkew(ws, env) {
			r.rereadSuperseding(ctx, ws, env)
		}
		return r.claim(ctx, env, model.OutcomeSkippedSuperseded)
	}

	if err := r.resolveCheckoutSubscription(ctx, ec, ws); err != nil {
		return "", err
	}

	m, err := r.plan(ec, ws)
	if err != nil {
		return "", err
	}
	if m.outcome != model.OutcomeApplied {
		if m.anomaly != nil {
			r.recordAnomaly(ctx, ws, m.anomaly)
		}
		r.logger.Info("Event not applied", "event_id", env.EventID, "workspace_id", ws.ID,
			"outcome", string(m.outcome), "reason", m.reason)
		return r.claim(ctx, env, m.outcome)
	}

	outcome, err := r.claim(ctx, env, model.OutcomeApplied)
	if err != nil || outcome != model.OutcomeApplied {
		return outcome, err
	}

	if _, err := r.commit(ctx, ws, env.EventID, func(current *model.Workspace) (mutation, error) {
		if env.Marker < current.LastEventMarker {
			return mutation{outcome: model.OutcomeSkippedSuperseded, reason: "newer event applied concurrently"}, nil
		}
		return r.plan(ec, current)
	}); err != nil {
		return model.OutcomeApplied, fmt.Errorf("%w: %w", errAfterClaim, err)
	}

	return model.OutcomeApplied, nil
}

// claim inserts the idempotency record. A concurrent insert of the same id
// downgrades the outcome to skipped-duplicate.
func (r *Reconciler) claim(ctx context.Context, env *model.Envelope, outcome model.Outcome) (model.Outcome, error) {
	inserted, err := r.store.InsertProcessedEvent(ctx, model.NewProcessedEvent(env, outcome))
	if err != nil {
		return "", fmt.Errorf("failed to record processed event: %w", err)
	}
	if !inserted {
		return model.OutcomeSkippedDuplicate, nil
	}
	return outcome, nil
}

func (r *Reconciler) decode(env *model.Envelope) (*eventContext, error) {
	ec := &eventContext{env: env}
	var err error

	switch env.Type {
	case model.EventSubscriptionCreated, model.EventSubscriptionUpdated, model.EventSubscriptionDeleted:
		ec.sub, err = r.decoder.Subscription(env.Payload)
	case model.EventInvoicePaymentFailed, model.EventInvoicePaymentSucceeded, model.EventInvoicePaid:
		ec.invoice, err = r.decoder.Invoice(env.Payload)
	case model.EventCheckoutSessionCompleted:
		ec.checkout, err = r.decoder.CheckoutSession(env.Payload)
		if err == nil {
			ec.sub = ec.checkout.Subscription
		}
	default:
		return nil, fmt.Errorf("%w: unsupported event type %s", model.ErrInvalidEvent, env.Type)
	}
	if err != nil {
		return nil, err
	}
	return ec, nil
}

// locate finds the workspace an event concerns. A nil workspace with a
// reason means the event is for a subscription no workspace mirrors.
func (r *Reconciler) locate(ctx context.Context, ec *eventContext) (*model.Workspace, string, error) {
	switch {
	case ec.checkout != nil:
		workspaceID := ec.checkout.WorkspaceID()
		if workspaceID == "" {
			return nil, "", fmt.Errorf("%w: checkout session %s carries no workspace id", model.ErrInvalidEvent, ec.checkout.ID)
		}
		if ec.checkout.SubscriptionID == "" {
			return nil, "", fmt.Errorf("%w: checkout session %s has no subscription", model.ErrInvalidEvent, ec.checkout.ID)
		}
		ws, err := r.store.GetWorkspace(ctx, workspaceID)
		if errors.Is(err, model.ErrWorkspaceNotFound) && ec.checkout.OwnerID() != "" {
			return r.provision(ctx, workspaceID, ec.checkout.OwnerID())
		}
		if err != nil {
			return nil, "", fmt.Errorf("failed to load workspace %s: %w", workspaceID, err)
		}
		return ws, "", nil

	case ec.invoice != nil:
		if ec.invoice.SubscriptionID == "" {
			return nil, "invoice is not for a subscription", nil
		}
		return r.bySubscription(ctx, ec.invoice.SubscriptionID)

	default:
		ws, reason, err := r.bySubscription(ctx, ec.sub.ID)
		if ws != nil || err != nil || ec.env.Type == model.EventSubscriptionDeleted {
			return ws, reason, err
		}
		return r.bySubscriptionMetadata(ctx, ec.sub)
	}
}

// provision creates the unsubscribed ledger row of a workspace whose first
// checkout just completed
func (r *Reconciler) provision(ctx context.Context, workspaceID, ownerID string) (*model.Workspace, string, error) {
	ws := model.NewWorkspace(workspaceID, ownerID)
	err := r.store.CreateWorkspace(ctx, ws)
	if errors.Is(err, model.ErrWorkspaceExists) {
		ws, err = r.store.GetWorkspace(ctx, workspaceID)
	}
	if err != nil {
		return nil, "", fmt.Errorf("failed to provision workspace %s: %w", workspaceID, err)
	}
	r.logger.Info("Provisioned billing workspace", "workspace_id", workspaceID, "owner_id", ownerID)
	return ws, "", nil
}

func (r *Reconciler) bySubscription(ctx context.Context, subscriptionID string) (*model.Workspace, string, error) {
	ws, err := r.store.GetWorkspaceByExternalSubscription(ctx, subscriptionID)
	if errors.Is(err, model.ErrWorkspaceNotFound) {
		return nil, "no workspace bound to subscription " + subscriptionID, nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("failed to load workspace for subscription %s: %w", subscriptionID, err)
	}
	return ws, "", nil
}

// bySubscriptionMetadata binds a subscription event that arrives before the
// checkout completion through the workspace id stamped at checkout
func (r *Reconciler) bySubscriptionMetadata(ctx context.Context, snap *model.SubscriptionSnapshot) (*model.Workspace, string, error) {
	workspaceID := snap.WorkspaceID()
	if workspaceID == "" {
		return nil, "subscription " + snap.ID + " carries no workspace id", nil
	}

	ws, err := r.store.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return nil, "", fmt.Errorf("failed to load workspace %s: %w", workspaceID, err)
	}
	if ws.HasSubscription() && ws.Status != model.StatusCanceled {
		return nil, fmt.Sprintf("workspace %s is bound to %s", ws.ID, ws.ExternalSubscriptionID), nil
	}
	return ws, "", nil
}

// resolveCheckoutSubscription fetches the subscription a checkout session
// created when the event did not expand it
func (r *Reconciler) resolveCheckoutSubscription(ctx context.Context, ec *eventContext, ws *model.Workspace) error {
	if ec.checkout == nil || ec.sub != nil || ws.ExternalSubscriptionID == ec.checkout.SubscriptionID {
		return nil
	}

	sub, err := r.gateway.GetSubscription(ctx, ec.checkout.SubscriptionID)
	if err != nil {
		return fmt.Errorf("failed to read subscription %s: %w", ec.checkout.SubscriptionID, err)
	}
	ec.sub = sub
	return nil
}

// recordAnomaly stores the subscription a workspace could not bind so that
// the next reconciliation read reports it
func (r *Reconciler) recordAnomaly(ctx context.Context, ws *model.Workspace, snap *model.SubscriptionSnapshot) {
	status, err := model.ParseStatus(snap.Status)
	if err != nil {
		status = model.StatusIncomplete
	}

	sub := model.NewSubscription(ws.ID, ws.OwnerID, snap.ID)
	if existing := r.findSubscription(ctx, ws.OwnerID, snap.ID); existing != nil {
		sub = existing
	}
	sub.Status = status
	sub.SeatsPurchased = snap.Quantity
	if plan, interval, ok := r.catalog.ResolvePrice(snap.PriceID); ok {
		sub.Plan = plan.Slug
		sub.BillingInterval = interval
	}
	sub.UpdatedAt = r.now()

	if err := r.store.UpsertSubscription(ctx, sub); err != nil {
		r.logger.Error("Failed to record duplicate subscription", "workspace_id", ws.ID, "subscription_id", snap.ID, "error", err)
		return
	}
	r.logger.Error("Workspace already has a live subscription; second subscription recorded for disambiguation",
		"workspace_id", ws.ID,
		"bound_subscription_id", ws.ExternalSubscriptionID,
		"new_subscription_id", snap.ID,
	)
}

func (r *Reconciler) findSubscription(ctx context.Context, ownerID, externalID string) *model.Subscription {
	subs, err := r.store.ListSubscriptionsByOwner(ctx, ownerID)
	if err != nil {
		r.logger.Warn("Failed to list subscription records", "owner_id", ownerID, "error", err)
		return nil
	}
	for i := range subs {
		if subs[i].ExternalSubscriptionID == externalID {
			return &subs[i]
		}
	}
	return nil
}

// syncSubscription keeps the per-owner subscription record in step with the mirror
func (r *Reconciler) syncSubscription(ctx context.Context, ws *model.Workspace) {
	if !ws.HasSubscription() {
		return
	}

	sub := r.findSubscription(ctx, ws.OwnerID, ws.ExternalSubscriptionID)
	if sub == nil {
		sub = model.NewSubscription(ws.ID, ws.OwnerID, ws.ExternalSubscriptionID)
	}
	sub.SyncFromWorkspace(ws)

	if err := r.store.UpsertSubscription(ctx, sub); err != nil {
		r.logger.Warn("Failed to sync subscription record", "workspace_id", ws.ID, "error", err)
	}
}

// checkSeatOvercommit flags a processor quantity below the active seat
// holders. The processor quantity still wins.
func (r *Reconciler) checkSeatOvercommit(ctx context.Context, prev, next *model.Workspace) {
	if next.Seats >= prev.Seats || r.seats == nil {
		return
	}

	active, err := r.seats.CountActiveSeatHolders(ctx, next.ID)
	if err != nil {
		r.logger.Warn("Failed to count active seat holders", "workspace_id", next.ID, "error", err)
		return
	}
	if next.Seats < active {
		r.logger.Warn("Processor seat quantity is below active seat holders",
			"workspace_id", next.ID,
			"seats", next.Seats,
			"active_seat_holders", active,
		)
		if r.metrics != nil {
			r.metrics.SeatOvercommit.Inc()
		}
	}
}
