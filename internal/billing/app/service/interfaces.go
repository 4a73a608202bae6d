// Package service implements the billing use cases: webhook ingress, the
// reconciliation worker, checkout and seat changes, and reconciliation reads
package service

import (
	"context"
	"encoding/json"

	"github.com/linkflow-ai/subledger/internal/billing/domain/model"
)

// Gateway is the payment processor client. Transient failures are reported
// as *model.GatewayUnavailableError, refusals as *model.GatewayRejectedError.
type Gateway interface {
	CreateCheckoutSession(ctx context.Context, req model.CheckoutSessionRequest) (*model.CheckoutSession, error)
	GetSubscription(ctx context.Context, subscriptionID string) (*model.SubscriptionSnapshot, error)
	ListCustomerSubscriptions(ctx context.Context, customerID string) ([]*model.SubscriptionSnapshot, error)
	UpdateSubscriptionQuantity(ctx context.Context, itemID string, quantity int, prorationBehavior, idempotencyKey string) error
}

// EventVerifier authenticates a raw webhook delivery
type EventVerifier interface {
	Configured() bool
	Verify(payload []byte, signatureHeader string) (*model.Envelope, error)
}

// EventDecoder turns a queued event payload into domain snapshots
type EventDecoder interface {
	Subscription(raw json.RawMessage) (*model.SubscriptionSnapshot, error)
	Invoice(raw json.RawMessage) (*model.InvoiceSnapshot, error)
	CheckoutSession(raw json.RawMessage) (*model.CheckoutSnapshot, error)
}

// Archiver keeps verified webhook bodies for audit
type Archiver interface {
	Archive(ctx context.Context, env *model.Envelope, body []byte) error
}
