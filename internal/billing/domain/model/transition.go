package model

import (
	"time"

	"github.com/google/uuid"
)

// TransitionAction names a state-changing application
type TransitionAction string

const (
	ActionCreated       TransitionAction = "created"
	ActionUpgraded      TransitionAction = "upgraded"
	ActionDowngraded    TransitionAction = "downgraded"
	ActionSeatsChanged  TransitionAction = "seats_changed"
	ActionCanceled      TransitionAction = "canceled"
	ActionReactivated   TransitionAction = "reactivated"
	ActionStatusChanged TransitionAction = "status_changed"
	ActionRenewed       TransitionAction = "renewed"
)

// TransitionRecord is an append-only audit entry. Never mutated or deleted.
type TransitionRecord struct {
	ID          string `json:"id"`
	WorkspaceID string `json:"workspaceId"`
	// EventID is empty for transitions made by a reconciliation read
	EventID        string             `json:"eventId,omitempty"`
	Action         TransitionAction   `json:"action"`
	PreviousPlan   string             `json:"previousPlan,omitempty"`
	NewPlan        string             `json:"newPlan,omitempty"`
	PreviousSeats  int                `json:"previousSeats"`
	NewSeats       int                `json:"newSeats"`
	PreviousStatus SubscriptionStatus `json:"previousStatus"`
	NewStatus      SubscriptionStatus `json:"newStatus"`
	Amount         int64              `json:"amount"`
	Currency       string             `json:"currency,omitempty"`
	Timestamp      time.Time          `json:"timestamp"`
	Metadata       map[string]string  `json:"metadata,omitempty"`
}

// NewTransition records the difference between prev and next
func NewTransition(action TransitionAction, eventID string, prev, next *Workspace) *TransitionRecord {
	return &TransitionRecord{
		ID:             uuid.New().String(),
		WorkspaceID:    next.ID,
		EventID:        eventID,
		Action:         action,
		PreviousPlan:   prev.Plan,
		NewPlan:        next.Plan,
		PreviousSeats:  prev.Seats,
		NewSeats:       next.Seats,
		PreviousStatus: prev.Status,
		NewStatus:      next.Status,
		Timestamp:      time.Now().UTC(),
		Metadata:       make(map[string]string),
	}
}

// WithAmount sets the charged amount in minor units
func (t *TransitionRecord) WithAmount(amount int64, currency string) *TransitionRecord {
	t.Amount = amount
	t.Currency = currency
	return t
}
