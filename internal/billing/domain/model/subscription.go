package model

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Scope is the tenancy mode of a subscription record
type Scope string

const (
	ScopeWorkspace Scope = "workspace"
	ScopeUser      Scope = "user"
)

// Subscription is the per-owner view of a processor subscription.
// Seats used is derived from active seat holders and never stored.
type Subscription struct {
	ID                     string             `json:"id"`
	WorkspaceID            string             `json:"workspaceId"`
	OwnerID                string             `json:"ownerId"`
	Scope                  Scope              `json:"scope"`
	ExternalSubscriptionID string             `json:"externalSubscriptionId"`
	Plan                   string             `json:"plan"`
	Status                 SubscriptionStatus `json:"status"`
	SeatsPurchased         int                `json:"seatsPurchased"`
	BillingInterval        BillingInterval    `json:"billingInterval,omitempty"`
	AICreditsUsed          int64              `json:"aiCreditsUsed"`
	CreatedAt              time.Time          `json:"createdAt"`
	UpdatedAt              time.Time          `json:"updatedAt"`
}

// NewSubscription creates a workspace-scoped subscription record
func NewSubscription(workspaceID, ownerID, externalSubscriptionID string) *Subscription {
	now := time.Now().UTC()
	return &Subscription{
		ID:                     uuid.New().String(),
		WorkspaceID:            workspaceID,
		OwnerID:                ownerID,
		Scope:                  ScopeWorkspace,
		ExternalSubscriptionID: externalSubscriptionID,
		Status:                 StatusNone,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
}

// Validate checks field-level invariants
func (s *Subscription) Validate() error {
	if s.ID == "" || s.OwnerID == "" {
		return errors.New("subscription id and owner id are required")
	}
	if s.Scope != ScopeWorkspace && s.Scope != ScopeUser {
		return errors.New("subscription scope must be workspace or user")
	}
	if s.Scope == ScopeWorkspace && s.WorkspaceID == "" {
		return errors.New("workspace-scoped subscription requires a workspace id")
	}
	if s.SeatsPurchased < 0 {
		return errors.New("seats purchased cannot be negative")
	}
	return nil
}

// IsActive reports whether the record is in an active-like status
func (s *Subscription) IsActive() bool {
	return s.Status.IsActiveLike()
}

// SyncFromWorkspace copies the mirrored billing fields of ws
func (s *Subscription) SyncFromWorkspace(ws *Workspace) {
	s.ExternalSubscriptionID = ws.ExternalSubscriptionID
	s.Plan = ws.Plan
	s.Status = ws.Status
	s.SeatsPurchased = ws.Seats
	s.BillingInterval = ws.BillingInterval
	s.UpdatedAt = time.Now().UTC()
}

// SubscriptionView is the read model served to callers
type SubscriptionView struct {
	WorkspaceID       string             `json:"workspaceId"`
	Plan              string             `json:"plan,omitempty"`
	Status            SubscriptionStatus `json:"status"`
	BillingInterval   BillingInterval    `json:"billingInterval,omitempty"`
	SeatsPurchased    int                `json:"seatsPurchased"`
	SeatsUsed         int                `json:"seatsUsed"`
	CurrentPeriodEnd  *time.Time         `json:"currentPeriodEnd,omitempty"`
	TrialEnd          *time.Time         `json:"trialEnd,omitempty"`
	CancelAtPeriodEnd bool               `json:"cancelAtPeriodEnd"`
	AICredits         int64              `json:"aiCredits"`
	LastReconciledAt  *time.Time         `json:"lastReconciledAt,omitempty"`
}

// NewSubscriptionView builds the read model from the mirror and a live seat count
func NewSubscriptionView(ws *Workspace, seatsUsed int) SubscriptionView {
	return SubscriptionView{
		WorkspaceID:       ws.ID,
		Plan:              ws.Plan,
		Status:            ws.Status,
		BillingInterval:   ws.BillingInterval,
		SeatsPurchased:    ws.Seats,
		SeatsUsed:         seatsUsed,
		CurrentPeriodEnd:  TimePtr(ws.CurrentPeriodEnd),
		TrialEnd:          ws.TrialEnd,
		CancelAtPeriodEnd: ws.CancelAtPeriodEnd,
		AICredits:         ws.AICredits,
		LastReconciledAt:  TimePtr(ws.LastReconciledAt),
	}
}
