package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Errors
var (
	ErrWorkspaceNotFound           = errors.New("workspace not found")
	ErrWorkspaceExists             = errors.New("workspace already exists")
	ErrSubscriptionNotFound        = errors.New("subscription not found")
	ErrProcessedEventNotFound      = errors.New("processed event not found")
	ErrNoSubscription              = errors.New("workspace has no processor subscription")
	ErrSubscriptionBound           = errors.New("external subscription already bound to another workspace")
	ErrVersionConflict             = errors.New("workspace was modified concurrently")
	ErrUnknownPlan                 = errors.New("unknown plan")
	ErrInvalidSeatCount            = errors.New("seat count must be at least 1")
	ErrInvalidEvent                = errors.New("invalid event payload")
	ErrNoActiveSubscription        = errors.New("no active subscription")
	ErrInvalidSignature            = errors.New("invalid webhook signature")
	ErrWebhookSecretMissing        = errors.New("webhook signing secret not configured")
	ErrQueueClosed                 = errors.New("event queue closed")
	ErrIllegalBillingTransition    = errors.New("illegal billing transition")
	ErrSeatsBelowActiveUsage       = errors.New("seats below active usage")
	ErrMultipleActiveSubscriptions = errors.New("multiple active subscriptions")
	ErrReconciliationConflict      = errors.New("reconciliation conflict")
	ErrGatewayUnavailable          = errors.New("payment gateway unavailable")
	ErrGatewayRejected             = errors.New("payment gateway rejected request")
)

// IllegalBillingTransitionError is a user-facing rejection of a plan or
// interval change
type IllegalBillingTransitionError struct {
	From        BillingInterval
	To          BillingInterval
	PeriodEnd   time.Time
	Explanation string
}

func (e *IllegalBillingTransitionError) Error() string {
	return fmt.Sprintf("illegal billing transition %s -> %s: %s", e.From, e.To, e.Explanation)
}

// Is matches ErrIllegalBillingTransition
func (e *IllegalBillingTransitionError) Is(target error) bool {
	return target == ErrIllegalBillingTransition
}

// SeatsBelowActiveUsageError rejects a seat decrease that would strand
// active members
type SeatsBelowActiveUsageError struct {
	Requested         int
	ActiveSeatHolders int
}

func (e *SeatsBelowActiveUsageError) Error() string {
	return fmt.Sprintf("cannot reduce seats to %d: %d members are active; remove members first",
		e.Requested, e.ActiveSeatHolders)
}

// Is matches ErrSeatsBelowActiveUsage
func (e *SeatsBelowActiveUsageError) Is(target error) bool {
	return target == ErrSeatsBelowActiveUsage
}

// MultipleActiveSubscriptionsError reports a data anomaly that must be
// resolved by the caller. It is never resolved automatically.
type MultipleActiveSubscriptionsError struct {
	OwnerID     string
	Candidates  []Subscription
	Remediation string
}

func (e *MultipleActiveSubscriptionsError) Error() string {
	ids := make([]string, len(e.Candidates))
	for i, c := range e.Candidates {
		ids[i] = c.ExternalSubscriptionID
	}
	return fmt.Sprintf("owner %s has %d active subscriptions (%s)",
		e.OwnerID, len(e.Candidates), strings.Join(ids, ", "))
}

// Is matches ErrMultipleActiveSubscriptions
func (e *MultipleActiveSubscriptionsError) Is(target error) bool {
	return target == ErrMultipleActiveSubscriptions
}

// ReconciliationConflictError is raised after exhausting conflict retries
type ReconciliationConflictError struct {
	WorkspaceID string
	EventID     string
	Attempts    int
	Err         error
}

func (e *ReconciliationConflictError) Error() string {
	return fmt.Sprintf("workspace %s: gave up after %d conflicting writes (event %s): %v",
		e.WorkspaceID, e.Attempts, e.EventID, e.Err)
}

// Is matches ErrReconciliationConflict
func (e *ReconciliationConflictError) Is(target error) bool {
	return target == ErrReconciliationConflict
}

func (e *ReconciliationConflictError) Unwrap() error {
	return e.Err
}

// GatewayUnavailableError is a transient processor failure
type GatewayUnavailableError struct {
	Operation string
	Err       error
}

func (e *GatewayUnavailableError) Error() string {
	return fmt.Sprintf("payment gateway unavailable during %s: %v", e.Operation, e.Err)
}

// Is matches ErrGatewayUnavailable
func (e *GatewayUnavailableError) Is(target error) bool {
	return target == ErrGatewayUnavailable
}

func (e *GatewayUnavailableError) Unwrap() error {
	return e.Err
}

// GatewayRejectedError is a definitive processor refusal; never retried
type GatewayRejectedError struct {
	Operation  string
	StatusCode int
	Code       string
	Message    string
}

func (e *GatewayRejectedError) Error() string {
	return fmt.Sprintf("payment gateway rejected %s (%d %s): %s", e.Operation, e.StatusCode, e.Code, e.Message)
}

// Is matches ErrGatewayRejected
func (e *GatewayRejectedError) Is(target error) bool {
	return target == ErrGatewayRejected
}
