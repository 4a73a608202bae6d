// Package model defines the billing domain: the workspace mirror of the
// processor subscription, the events that drive it and the records it leaves.
package model

import (
	"errors"
	"fmt"
	"time"
)

// SubscriptionStatus is the mirrored processor status of a workspace
type SubscriptionStatus string

const (
	StatusNone       SubscriptionStatus = "none"
	StatusTrialing   SubscriptionStatus = "trialing"
	StatusActive     SubscriptionStatus = "active"
	StatusPastDue    SubscriptionStatus = "past_due"
	StatusCanceled   SubscriptionStatus = "canceled"
	StatusIncomplete SubscriptionStatus = "incomplete"
)

// ParseStatus maps a processor status onto the mirrored status set.
// Processor-only states fold into the nearest mirrored one.
func ParseStatus(s string) (SubscriptionStatus, error) {
	switch s {
	case "", "none":
		return StatusNone, nil
	case "trialing":
		return StatusTrialing, nil
	case "active":
		return StatusActive, nil
	case "past_due", "unpaid", "paused":
		return StatusPastDue, nil
	case "canceled", "incomplete_expired":
		return StatusCanceled, nil
	case "incomplete":
		return StatusIncomplete, nil
	default:
		return "", fmt.Errorf("unknown subscription status %q", s)
	}
}

// IsActiveLike reports whether the status still entitles the workspace to
// the product and is billed by the processor
func (s SubscriptionStatus) IsActiveLike() bool {
	return s == StatusTrialing || s == StatusActive || s == StatusPastDue
}

// BillingInterval is the billing cadence of a subscription
type BillingInterval string

const (
	IntervalMonthly BillingInterval = "monthly"
	IntervalAnnual  BillingInterval = "annual"
)

// ParseInterval accepts both the API form (monthly/annual) and the
// processor recurring interval (month/year)
func ParseInterval(s string) (BillingInterval, error) {
	switch s {
	case "monthly", "month":
		return IntervalMonthly, nil
	case "annual", "year", "yearly":
		return IntervalAnnual, nil
	default:
		return "", fmt.Errorf("unknown billing interval %q", s)
	}
}

// Valid reports whether i is a known interval
func (i BillingInterval) Valid() bool {
	return i == IntervalMonthly || i == IntervalAnnual
}

// Workspace is the tenant billing aggregate. It mirrors exactly one
// processor subscription at a time.
type Workspace struct {
	ID                         string
	OwnerID                    string
	ExternalCustomerID         string
	ExternalSubscriptionID     string
	ExternalSubscriptionItemID string
	PriceID                    string
	Plan                       string
	Seats                      int
	Status                     SubscriptionStatus
	BillingInterval            BillingInterval
	TrialStart                 *time.Time
	TrialEnd                   *time.Time
	CurrentPeriodStart         time.Time
	CurrentPeriodEnd           time.Time
	CancelAtPeriodEnd          bool
	CanceledAt                 *time.Time
	AICredits                  int64
	AICreditsResetAt           *time.Time

	// Version is bumped on every successful write and used for CAS
	Version int64
	// LastEventMarker is the marker of the newest applied processor event
	LastEventMarker  int64
	LastReconciledAt time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewWorkspace creates an unsubscribed workspace
func NewWorkspace(id, ownerID string) *Workspace {
	now := time.Now().UTC()
	return &Workspace{
		ID:        id,
		OwnerID:   ownerID,
		Status:    StatusNone,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Validate checks field-level invariants before persisting
func (w *Workspace) Validate() error {
	if w.ID == "" {
		return errors.New("workspace id is required")
	}
	if w.OwnerID == "" {
		return errors.New("workspace owner id is required")
	}
	if _, err := ParseStatus(string(w.Status)); err != nil {
		return err
	}
	if w.BillingInterval != "" && !w.BillingInterval.Valid() {
		return fmt.Errorf("unknown billing interval %q", w.BillingInterval)
	}
	if w.Seats < 0 {
		return errors.New("seats cannot be negative")
	}
	if w.ExternalSubscriptionItemID != "" && w.ExternalSubscriptionID == "" {
		return errors.New("subscription item id requires a subscription id")
	}
	return nil
}

// HasSubscription reports whether the workspace is bound to a processor subscription
func (w *Workspace) HasSubscription() bool {
	return w.ExternalSubscriptionID != ""
}

// Clone returns a deep copy
func (w *Workspace) Clone() *Workspace {
	cp := *w
	cp.TrialStart = cloneTime(w.TrialStart)
	cp.TrialEnd = cloneTime(w.TrialEnd)
	cp.CanceledAt = cloneTime(w.CanceledAt)
	cp.AICreditsResetAt = cloneTime(w.AICreditsResetAt)
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// TimePtr returns a pointer to t, or nil for the zero time
func TimePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
