// Package rules holds the pure billing rules: plan and interval change
// legality, seat quantity changes, subscription disambiguation and the
// status state machine. Nothing here performs I/O.
package rules

import (
	"fmt"
	"time"

	"github.com/linkflow-ai/subledger/internal/billing/domain/model"
)

// ProrationCreate is the processor proration behaviour for approved changes
const ProrationCreate = "create_prorations"

// PlanChange is an approved plan or interval change instruction
type PlanChange struct {
	Plan              model.Plan
	Interval          model.BillingInterval
	PriceID           string
	ProrationBehavior string
	IntervalChanged   bool
}

// ComputeProration decides whether a workspace on current/currentPeriodEnd
// may move to requestedPlan on requested. An annual subscription cannot
// move to monthly before its paid period ends. Every other change is
// approved and left to the processor's native proration.
func ComputeProration(
	current model.BillingInterval,
	currentPeriodEnd time.Time,
	requested model.BillingInterval,
	requestedPlan model.Plan,
	now time.Time,
) (PlanChange, error) {
	if !requested.Valid() {
		return PlanChange{}, fmt.Errorf("unknown billing interval %q", requested)
	}

	if current == model.IntervalAnnual && requested == model.IntervalMonthly && now.Before(currentPeriodEnd) {
		return PlanChange{}, &model.IllegalBillingTransitionError{
			From:      current,
			To:        requested,
			PeriodEnd: currentPeriodEnd,
			Explanation: fmt.Sprintf(
				"Your annual plan is paid through %s. You can switch to monthly billing after that date.",
				currentPeriodEnd.UTC().Format("January 2, 2006")),
		}
	}

	priceID := requestedPlan.PriceID(requested)
	if priceID == "" {
		return PlanChange{}, fmt.Errorf("%w: %s has no %s price", model.ErrUnknownPlan, requestedPlan.Slug, requested)
	}

	return PlanChange{
		Plan:              requestedPlan,
		Interval:          requested,
		PriceID:           priceID,
		ProrationBehavior: ProrationCreate,
		IntervalChanged:   current != "" && current != requested,
	}, nil
}

// SeatDirection describes a quantity change
type SeatDirection string

const (
	SeatsIncrease  SeatDirection = "increase"
	SeatsDecrease  SeatDirection = "decrease"
	SeatsUnchanged SeatDirection = "unchanged"
)

// SeatChange is an approved seat quantity
type SeatChange struct {
	Current   int
	Requested int
	Direction SeatDirection
}

// Delta is the signed change in seats
func (c SeatChange) Delta() int {
	return c.Requested - c.Current
}

// ComputeSeatsForQuantityChange validates a requested seat quantity. A
// decrease may not go below the number of active seat holders.
func ComputeSeatsForQuantityChange(currentSeats, requestedSeats, activeSeatHolders int) (SeatChange, error) {
	if requestedSeats < 1 {
		return SeatChange{}, model.ErrInvalidSeatCount
	}

	change := SeatChange{Current: currentSeats, Requested: requestedSeats}
	switch {
	case requestedSeats > currentSeats:
		change.Direction = SeatsIncrease
	case requestedSeats < currentSeats:
		change.Direction = SeatsDecrease
		if requestedSeats < activeSeatHolders {
			return SeatChange{}, &model.SeatsBelowActiveUsageError{
				Requested:         requestedSeats,
				ActiveSeatHolders: activeSeatHolders,
			}
		}
	default:
		change.Direction = SeatsUnchanged
	}

	return change, nil
}

const multipleActiveRemediation = "Cancel the duplicate subscriptions in the payment processor " +
	"or retry with an explicit subscriptionId to choose the one to keep."

// ResolveMultipleActiveSubscriptions returns the single active-like
// subscription among candidates. More than one is an anomaly reported with
// every active candidate; no candidate is ever picked on the caller's behalf.
func ResolveMultipleActiveSubscriptions(candidates []model.Subscription) (model.Subscription, error) {
	var active []model.Subscription
	for _, c := range candidates {
		if c.Status.IsActiveLike() {
			active = append(active, c)
		}
	}

	switch len(active) {
	case 0:
		return model.Subscription{}, model.ErrNoActiveSubscription
	case 1:
		return active[0], nil
	default:
		return model.Subscription{}, &model.MultipleActiveSubscriptionsError{
			OwnerID:     active[0].OwnerID,
			Candidates:  active,
			Remediation: multipleActiveRemediation,
		}
	}
}

// ClassifyPlanChange picks the transition action for a subscription
// overwrite. ok is false when neither plan nor seats changed.
func ClassifyPlanChange(prev, next model.Plan, prevSeats, nextSeats int) (action model.TransitionAction, ok bool) {
	switch {
	case prev.Slug == "" && next.Slug != "":
		return model.ActionCreated, true
	case prev.Slug != next.Slug && next.Rank > prev.Rank:
		return model.ActionUpgraded, true
	case prev.Slug != next.Slug && next.Rank < prev.Rank:
		return model.ActionDowngraded, true
	case prev.Slug != next.Slug:
		// same rank, different plan; treat as a lateral upgrade
		return model.ActionUpgraded, true
	case prevSeats != nextSeats:
		return model.ActionSeatsChanged, true
	default:
		return "", false
	}
}

// IsNewBillingPeriod reports whether an invoice opens a new billing period
// relative to the mirrored period start
func IsNewBillingPeriod(mirroredPeriodStart, invoicePeriodStart time.Time, billingReason string) bool {
	if billingReason == "subscription_cycle" {
		return true
	}
	if invoicePeriodStart.IsZero() {
		return false
	}
	return invoicePeriodStart.After(mirroredPeriodStart)
}

var transitions = map[model.SubscriptionStatus][]model.SubscriptionStatus{
	model.StatusNone:       {model.StatusTrialing, model.StatusActive, model.StatusIncomplete},
	model.StatusIncomplete: {model.StatusTrialing, model.StatusActive, model.StatusCanceled},
	model.StatusTrialing:   {model.StatusActive, model.StatusPastDue, model.StatusCanceled},
	model.StatusActive:     {model.StatusPastDue, model.StatusCanceled},
	model.StatusPastDue:    {model.StatusActive, model.StatusCanceled},
	model.StatusCanceled:   {},
}

// CanTransition reports whether from -> to is an edge of the subscription
// state machine. A canceled subscription never returns to active; only a
// fresh checkout with a new subscription id does.
func CanTransition(from, to model.SubscriptionStatus) bool {
	if from == to {
		return true
	}
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}
