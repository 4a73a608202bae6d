package stripe

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/linkflow-ai/subledger/internal/billing/domain/model"
)

// Verifier checks Stripe-Signature headers against the endpoint secret
type Verifier struct {
	secret    string
	tolerance time.Duration
}

// NewVerifier creates a verifier; an empty secret is reported as
// model.ErrWebhookSecretMissing on every call
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: strings.TrimSpace(secret), tolerance: webhook.DefaultTolerance}
}

// Configured reports whether a signing secret is set
func (v *Verifier) Configured() bool {
	return v.secret != ""
}

// Verify authenticates payload and extracts the event envelope. The payload
// must be the exact bytes received.
func (v *Verifier) Verify(payload []byte, signatureHeader string) (*model.Envelope, error) {
	if !v.Configured() {
		return nil, model.ErrWebhookSecretMissing
	}
	if strings.TrimSpace(signatureHeader) == "" {
		return nil, fmt.Errorf("%w: missing Stripe-Signature header", model.ErrInvalidSignature)
	}

	event, err := webhook.ConstructEventWithOptions(payload, signatureHeader, v.secret, webhook.ConstructEventOptions{
		Tolerance:                v.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		if errors.Is(err, webhook.ErrNotSigned) || errors.Is(err, webhook.ErrInvalidHeader) ||
			errors.Is(err, webhook.ErrNoValidSignature) || errors.Is(err, webhook.ErrTooOld) {
			return nil, fmt.Errorf("%w: %v", model.ErrInvalidSignature, err)
		}
		// Signed correctly but not an event we can parse
		return nil, fmt.Errorf("%w: %v", model.ErrInvalidEvent, err)
	}

	if event.Data == nil || len(event.Data.Raw) == 0 {
		return nil, fmt.Errorf("%w: event %s has no data object", model.ErrInvalidEvent, event.ID)
	}

	eventType := model.EventType(event.Type)
	return &model.Envelope{
		EventID:    event.ID,
		Type:       eventType,
		Marker:     event.Created,
		RoutingKey: routingKey(eventType, event.Data.Raw),
		Payload:    event.Data.Raw,
		ReceivedAt: time.Now().UTC(),
	}, nil
}
