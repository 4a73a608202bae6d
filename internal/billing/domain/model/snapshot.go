package model

import "time"

// SubscriptionSnapshot is the processor's full current state of one
// subscription, as carried by a subscription event or read from the API
type SubscriptionSnapshot struct {
	ID                 string
	CustomerID         string
	Status             string
	ItemID             string
	PriceID            string
	Interval           string
	Quantity           int
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	CancelAtPeriodEnd  bool
	CanceledAt         *time.Time
	TrialStart         *time.Time
	TrialEnd           *time.Time
	Metadata           map[string]string
	Created            time.Time
}

// WorkspaceID returns the workspace recorded in subscription metadata at checkout
func (s *SubscriptionSnapshot) WorkspaceID() string {
	return s.Metadata[MetadataWorkspaceID]
}

// InvoiceSnapshot is the subset of an invoice the worker reacts to
type InvoiceSnapshot struct {
	ID             string
	SubscriptionID string
	CustomerID     string
	BillingReason  string
	PeriodStart    time.Time
	PeriodEnd      time.Time
	AmountPaid     int64
	AmountDue      int64
	Currency       string
}

// CheckoutSnapshot is a completed checkout session
type CheckoutSnapshot struct {
	ID                string
	Mode              string
	ClientReferenceID string
	CustomerID        string
	SubscriptionID    string
	// Subscription is set when the session payload expanded it
	Subscription *SubscriptionSnapshot
	Metadata     map[string]string
	AmountTotal  int64
	Currency     string
}

// WorkspaceID resolves the tenant the session was created for
func (c *CheckoutSnapshot) WorkspaceID() string {
	if id := c.Metadata[MetadataWorkspaceID]; id != "" {
		return id
	}
	return c.ClientReferenceID
}

// OwnerID returns the user who started the checkout
func (c *CheckoutSnapshot) OwnerID() string {
	return c.Metadata[MetadataOwnerID]
}

// Metadata keys stamped on processor objects at checkout
const (
	MetadataWorkspaceID = "workspace_id"
	MetadataOwnerID     = "owner_id"
)

// CheckoutSessionRequest asks the processor for a hosted checkout page
type CheckoutSessionRequest struct {
	WorkspaceID       string
	OwnerID           string
	CustomerID        string
	PriceID           string
	Quantity          int
	SuccessURL        string
	CancelURL         string
	ProrationBehavior string
	IdempotencyKey    string
}

// CheckoutSession is the created hosted checkout page
type CheckoutSession struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expiresAt"`
}
