package model

import (
	"encoding/json"
	"errors"
	"time"
)

// EventType is a processor webhook event type
type EventType string

// Recognised processor events
const (
	EventCheckoutSessionCompleted EventType = "checkout.session.completed"
	EventSubscriptionCreated      EventType = "customer.subscription.created"
	EventSubscriptionUpdated      EventType = "customer.subscription.updated"
	EventSubscriptionDeleted      EventType = "customer.subscription.deleted"
	EventInvoicePaymentFailed     EventType = "invoice.payment_failed"
	EventInvoicePaymentSucceeded  EventType = "invoice.payment_succeeded"
	EventInvoicePaid              EventType = "invoice.paid"
)

// Recognized reports whether the worker knows how to apply t
func (t EventType) Recognized() bool {
	switch t {
	case EventCheckoutSessionCompleted,
		EventSubscriptionCreated,
		EventSubscriptionUpdated,
		EventSubscriptionDeleted,
		EventInvoicePaymentFailed,
		EventInvoicePaymentSucceeded,
		EventInvoicePaid:
		return true
	}
	return false
}

// Envelope is the minimal verified event handed from ingress to the worker
type Envelope struct {
	EventID string    `json:"eventId"`
	Type    EventType `json:"type"`
	// Marker orders events for the same subscription: the processor
	// creation timestamp in unix seconds
	Marker int64 `json:"marker"`
	// RoutingKey serializes processing; the external subscription id when
	// the event carries one
	RoutingKey string          `json:"routingKey"`
	Payload    json.RawMessage `json:"payload"`
	ReceivedAt time.Time       `json:"receivedAt"`
	Attempts   int             `json:"attempts,omitempty"`
}

// Validate checks the envelope before it is enqueued
func (e *Envelope) Validate() error {
	if e.EventID == "" {
		return errors.New("event id is required")
	}
	if e.Type == "" {
		return errors.New("event type is required")
	}
	if len(e.Payload) == 0 {
		return errors.New("event payload is required")
	}
	return nil
}

// Key returns the serialization key, falling back to the event id
func (e *Envelope) Key() string {
	if e.RoutingKey != "" {
		return e.RoutingKey
	}
	return e.EventID
}

// Outcome is the result of processing one event
type Outcome string

const (
	OutcomeApplied           Outcome = "applied"
	OutcomeSkippedDuplicate  Outcome = "skipped-duplicate"
	OutcomeSkippedSuperseded Outcome = "skipped-superseded"
)

// ProcessedEvent is the idempotency record of an event id. At most one
// exists per id and it is never mutated.
type ProcessedEvent struct {
	EventID   string    `json:"eventId"`
	EventType EventType `json:"eventType"`
	Outcome   Outcome   `json:"outcome"`
	AppliedAt time.Time `json:"appliedAt"`
}

// NewProcessedEvent creates an idempotency record for env
func NewProcessedEvent(env *Envelope, outcome Outcome) *ProcessedEvent {
	return &ProcessedEvent{
		EventID:   env.EventID,
		EventType: env.Type,
		Outcome:   outcome,
		AppliedAt: time.Now().UTC(),
	}
}
