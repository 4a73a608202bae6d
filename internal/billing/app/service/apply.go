package service

import (
	"fmt"
	"strconv"
	"time"

	"github.com/linkflow-ai/subledger/internal/billing/domain/model"
	"github.com/linkflow-ai/subledger/internal/billing/domain/rules"
)

// mutation is the planned effect of one event or reconciliation read on a
// workspace
type mutation struct {
	outcome model.Outcome
	reason  string
	next    *model.Workspace
	// record is nil when a reconciliation read found nothing to change
	record *model.TransitionRecord
	// anomaly is a second live subscription that could not be bound
	anomaly *model.SubscriptionSnapshot
}

func skip(outcome model.Outcome, reason string) mutation {
	return mutation{outcome: outcome, reason: reason}
}

// plan computes the mutation of ec on ws. It never performs I/O.
func (r *Reconciler) plan(ec *eventContext, ws *model.Workspace) (mutation, error) {
	switch ec.env.Type {
	case model.EventCheckoutSessionCompleted:
		return r.planCheckout(ec, ws)
	case model.EventSubscriptionCreated, model.EventSubscriptionUpdated:
		return r.planSubscriptionUpdate(ec, ws)
	case model.EventSubscriptionDeleted:
		return r.planSubscriptionDeleted(ec, ws)
	case model.EventInvoicePaymentFailed:
		return r.planPaymentFailed(ec, ws)
	case model.EventInvoicePaymentSucceeded, model.EventInvoicePaid:
		return r.planPaymentSucceeded(ec, ws)
	default:
		return mutation{}, fmt.Errorf("%w: unsupported event type %s", model.ErrInvalidEvent, ec.env.Type)
	}
}

func (r *Reconciler) planCheckout(ec *eventContext, ws *model.Workspace) (mutation, error) {
	co := ec.checkout
	if ws.ExternalSubscriptionID == co.SubscriptionID {
		return skip(model.OutcomeSkippedDuplicate, "workspace already bound to "+co.SubscriptionID), nil
	}
	if ec.sub == nil || ec.sub.ID != co.SubscriptionID {
		return mutation{}, fmt.Errorf("%w: checkout %s subscription not resolved", model.ErrInvalidEvent, co.ID)
	}
	if ws.HasSubscription() && ws.Status != model.StatusCanceled {
		m := skip(model.OutcomeSkippedSuperseded, "workspace already bound to live subscription "+ws.ExternalSubscriptionID)
		m.anomaly = ec.sub
		return m, nil
	}

	next := ws.Clone()
	if co.CustomerID != "" {
		next.ExternalCustomerID = co.CustomerID
	}
	if err := r.overwrite(next, ec.sub); err != nil {
		return mutation{}, err
	}

	action := model.ActionCreated
	if ws.HasSubscription() {
		// canceled -> active only through a fresh checkout
		action = model.ActionReactivated
	}
	return r.applied(ec.env, ws, next, action, func(rec *model.TransitionRecord) {
		rec.WithAmount(co.AmountTotal, co.Currency)
		rec.Metadata["checkout_session_id"] = co.ID
	}), nil
}

func (r *Reconciler) planSubscriptionUpdate(ec *eventContext, ws *model.Workspace) (mutation, error) {
	if m, ok := resurrection(ws, ec.sub); ok {
		return m, nil
	}

	next := ws.Clone()
	if err := r.overwrite(next, ec.sub); err != nil {
		return mutation{}, err
	}

	action := r.classify(ws, next)
	return r.applied(ec.env, ws, next, action, nil), nil
}

func (r *Reconciler) planSubscriptionDeleted(ec *eventContext, ws *model.Workspace) (mutation, error) {
	next := ws.Clone()
	next.Status = model.StatusCanceled
	next.CancelAtPeriodEnd = false
	next.CanceledAt = ec.sub.CanceledAt
	if next.CanceledAt == nil {
		next.CanceledAt = model.TimePtr(r.now())
	}
	return r.applied(ec.env, ws, next, model.ActionCanceled, nil), nil
}

func (r *Reconciler) planPaymentFailed(ec *eventContext, ws *model.Workspace) (mutation, error) {
	if ws.Status == model.StatusCanceled {
		return skip(model.OutcomeSkippedSuperseded, "subscription already canceled"), nil
	}

	next := ws.Clone()
	next.Status = model.StatusPastDue
	inv := ec.invoice
	return r.applied(ec.env, ws, next, model.ActionStatusChanged, func(rec *model.TransitionRecord) {
		rec.WithAmount(inv.AmountDue, inv.Currency)
		rec.Metadata["invoice_id"] = inv.ID
	}), nil
}

func (r *Reconciler) planPaymentSucceeded(ec *eventContext, ws *model.Workspace) (mutation, error) {
	if ws.Status == model.StatusCanceled {
		return skip(model.OutcomeSkippedSuperseded, "subscription already canceled"), nil
	}

	inv := ec.invoice
	next := ws.Clone()
	action := model.ActionRenewed
	if ws.Status == model.StatusPastDue {
		next.Status = model.StatusActive
		action = model.ActionReactivated
	}

	creditsReset := false
	if rules.IsNewBillingPeriod(ws.CurrentPeriodStart, inv.PeriodStart, inv.BillingReason) &&
		(ws.AICreditsResetAt == nil || ws.AICreditsResetAt.Before(inv.PeriodStart)) {
		next.AICredits = r.creditAllotment(ws.Plan)
		// stamped with the period the allotment belongs to
		next.AICreditsResetAt = model.TimePtr(inv.PeriodStart)
		if next.AICreditsResetAt == nil {
			next.AICreditsResetAt = model.TimePtr(r.now())
		}
		creditsReset = true
	}
	if inv.PeriodStart.After(ws.CurrentPeriodStart) {
		next.CurrentPeriodStart = inv.PeriodStart
		if inv.PeriodEnd.After(next.CurrentPeriodEnd) {
			next.CurrentPeriodEnd = inv.PeriodEnd
		}
	}

	return r.applied(ec.env, ws, next, action, func(rec *model.TransitionRecord) {
		rec.WithAmount(inv.AmountPaid, inv.Currency)
		rec.Metadata["invoice_id"] = inv.ID
		rec.Metadata["ai_credits_reset"] = strconv.FormatBool(creditsReset)
	}), nil
}

// resurrection reports a snapshot that would move a canceled workspace back
// to a live status under the same subscription. A canceled subscription is
// terminal at the processor, so such a snapshot predates the cancellation;
// canceled -> active happens only through a fresh checkout.
func resurrection(ws *model.Workspace, snap *model.SubscriptionSnapshot) (mutation, bool) {
	if ws.Status != model.StatusCanceled || snap == nil || snap.ID != ws.ExternalSubscriptionID {
		return mutation{}, false
	}
	if status, err := model.ParseStatus(snap.Status); err == nil && status == model.StatusCanceled {
		return mutation{}, false
	}
	return skip(model.OutcomeSkippedSuperseded, "subscription "+snap.ID+" already canceled"), true
}

// applied finalizes a mutation that writes next
func (r *Reconciler) applied(
	env *model.Envelope,
	prev, next *model.Workspace,
	action model.TransitionAction,
	decorate func(*model.TransitionRecord),
) mutation {
	now := r.now()
	if env.Marker > next.LastEventMarker {
		next.LastEventMarker = env.Marker
	}
	next.LastReconciledAt = now
	next.UpdatedAt = now

	rec := model.NewTransition(action, env.EventID, prev, next)
	rec.Metadata["event_type"] = string(env.Type)
	if decorate != nil {
		decorate(rec)
	}
	return mutation{outcome: model.OutcomeApplied, next: next, record: rec}
}

// overwrite mirrors the processor's full subscription state onto ws
func (r *Reconciler) overwrite(ws *model.Workspace, snap *model.SubscriptionSnapshot) error {
	status, err := model.ParseStatus(snap.Status)
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrInvalidEvent, err)
	}

	// a snapshot without a cancellation time does not clear the one mirrored
	// for the same subscription
	if snap.CanceledAt != nil || snap.ID != ws.ExternalSubscriptionID {
		ws.CanceledAt = snap.CanceledAt
	}
	ws.ExternalSubscriptionID = snap.ID
	if snap.CustomerID != "" {
		ws.ExternalCustomerID = snap.CustomerID
	}
	ws.Status = status
	ws.Seats = snap.Quantity
	ws.CancelAtPeriodEnd = snap.CancelAtPeriodEnd
	ws.TrialStart = snap.TrialStart
	ws.TrialEnd = snap.TrialEnd
	if !snap.CurrentPeriodEnd.IsZero() {
		ws.CurrentPeriodStart = snap.CurrentPeriodStart
		ws.CurrentPeriodEnd = snap.CurrentPeriodEnd
	}
	if snap.ItemID != "" {
		ws.ExternalSubscriptionItemID = snap.ItemID
	}

	if snap.PriceID != "" {
		ws.PriceID = snap.PriceID
		if plan, interval, ok := r.catalog.ResolvePrice(snap.PriceID); ok {
			ws.Plan = plan.Slug
			ws.BillingInterval = interval
		} else {
			r.logger.Warn("Subscription price is not in the plan catalog", "subscription_id", snap.ID, "price_id", snap.PriceID)
			if interval, err := model.ParseInterval(snap.Interval); err == nil {
				ws.BillingInterval = interval
			}
		}
	}
	return nil
}

// classify picks the transition action for a full subscription overwrite
func (r *Reconciler) classify(prev, next *model.Workspace) model.TransitionAction {
	switch {
	case prev.ExternalSubscriptionID != next.ExternalSubscriptionID:
		if prev.HasSubscription() {
			return model.ActionReactivated
		}
		return model.ActionCreated
	case next.Status == model.StatusCanceled && prev.Status != model.StatusCanceled:
		return model.ActionCanceled
	case prev.Status == model.StatusPastDue && next.Status == model.StatusActive:
		return model.ActionReactivated
	}

	if action, ok := rules.ClassifyPlanChange(r.planOf(prev.Plan), r.planOf(next.Plan), prev.Seats, next.Seats); ok {
		return action
	}
	if next.CurrentPeriodEnd.After(prev.CurrentPeriodEnd) && !prev.CurrentPeriodEnd.IsZero() {
		return model.ActionRenewed
	}
	return model.ActionStatusChanged
}

func (r *Reconciler) planOf(slug string) model.Plan {
	if slug == "" {
		return model.Plan{}
	}
	if p, err := r.catalog.Plan(slug); err == nil {
		return p
	}
	return model.Plan{Slug: slug}
}

func (r *Reconciler) creditAllotment(slug string) int64 {
	p, err := r.catalog.Plan(slug)
	if err != nil {
		r.logger.Warn("Cannot reset AI credits for unknown plan", "plan", slug)
		return 0
	}
	return p.AICreditsMonthly
}

// changed reports whether a reconciliation read altered mirrored fields
func changed(prev, next *model.Workspace) bool {
	return prev.ExternalSubscriptionID != next.ExternalSubscriptionID ||
		prev.ExternalCustomerID != next.ExternalCustomerID ||
		prev.ExternalSubscriptionItemID != next.ExternalSubscriptionItemID ||
		prev.PriceID != next.PriceID ||
		prev.Plan != next.Plan ||
		prev.Seats != next.Seats ||
		prev.Status != next.Status ||
		prev.BillingInterval != next.BillingInterval ||
		prev.CancelAtPeriodEnd != next.CancelAtPeriodEnd ||
		!prev.CurrentPeriodStart.Equal(next.CurrentPeriodStart) ||
		!prev.CurrentPeriodEnd.Equal(next.CurrentPeriodEnd) ||
		!timesEqual(prev.CanceledAt, next.CanceledAt) ||
		!timesEqual(prev.TrialEnd, next.TrialEnd)
}

func timesEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
