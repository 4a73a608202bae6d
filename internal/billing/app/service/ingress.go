package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/linkflow-ai/subledger/internal/billing/domain/model"
	"github.com/linkflow-ai/subledger/internal/billing/domain/repository"
)

// IngressResult is what the webhook endpoint acknowledges
type IngressResult struct {
	EventID  string          `json:"-"`
	Type     model.EventType `json:"type"`
	Received bool            `json:"received"`
	// Enqueued is false when the delivery was acknowledged without a hand-off
	Enqueued bool `json:"-"`
}

// Ingress verifies processor deliveries and hands them to the queue. It
// never applies an event itself.
type Ingress struct {
	verifier EventVerifier
	queue    repository.EventQueue
	archiver Archiver
	recent   *lru.Cache[string, struct{}]
	options
}

// NewIngress creates the webhook ingress. archiver may be nil.
func NewIngress(verifier EventVerifier, queue repository.EventQueue, archiver Archiver, recentSize int, opts ...Option) (*Ingress, error) {
	if recentSize <= 0 {
		recentSize = 4096
	}
	recent, err := lru.New[string, struct{}](recentSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create recent event cache: %w", err)
	}

	return &Ingress{
		verifier: verifier,
		queue:    queue,
		archiver: archiver,
		recent:   recent,
		options:  newOptions(opts),
	}, nil
}

// Receive verifies and enqueues one delivery. Errors are
// model.ErrInvalidSignature, model.ErrInvalidEvent or a queue failure.
func (in *Ingress) Receive(ctx context.Context, payload []byte, signature string) (*IngressResult, error) {
	ctx, span := in.tracer.Start(ctx, "billing.webhook_ingress")
	defer span.End()

	if !in.verifier.Configured() {
		in.logger.Error("Webhook received but no signing secret is configured; event dropped")
		if in.metrics != nil {
			in.metrics.WebhookSecretMissing.Inc()
		}
		in.countReceived("unknown", http.StatusOK)
		return &IngressResult{Received: true}, nil
	}

	env, err := in.verifier.Verify(payload, signature)
	if err != nil {
		in.countReceived("unknown", http.StatusBadRequest)
		in.logger.Warn("Rejected webhook delivery", "error", err)
		return nil, err
	}

	result := &IngressResult{EventID: env.EventID, Type: env.Type, Received: true}

	if !env.Type.Recognized() {
		in.logger.Debug("Ignoring unhandled webhook event type", "event_id", env.EventID, "event_type", string(env.Type))
		in.countReceived(string(env.Type), http.StatusOK)
		return result, nil
	}

	if in.recent.Contains(env.EventID) {
		in.logger.Debug("Webhook redelivery already enqueued", "event_id", env.EventID)
		in.countReceived(string(env.Type), http.StatusOK)
		return result, nil
	}

	env.ReceivedAt = in.now()
	if err := in.queue.Enqueue(ctx, env); err != nil {
		if in.metrics != nil {
			in.metrics.EnqueueErrors.WithLabelValues("ingress").Inc()
		}
		in.countReceived(string(env.Type), http.StatusServiceUnavailable)
		in.logger.Error("Failed to enqueue webhook event", "event_id", env.EventID, "event_type", string(env.Type), "error", err)
		return nil, fmt.Errorf("failed to enqueue event %s: %w", env.EventID, err)
	}
	in.recent.Add(env.EventID, struct{}{})
	result.Enqueued = true

	in.archive(ctx, env, payload)
	in.countReceived(string(env.Type), http.StatusOK)
	in.logger.Info("Webhook event enqueued", "event_id", env.EventID, "event_type", string(env.Type))
	return result, nil
}

// archive stores the raw body off the request path
func (in *Ingress) archive(ctx context.Context, env *model.Envelope, payload []byte) {
	if in.archiver == nil {
		return
	}

	body := make([]byte, len(payload))
	copy(body, payload)
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)

	go func() {
		defer cancel()
		if err := in.archiver.Archive(ctx, env, body); err != nil {
			in.logger.Warn("Failed to archive webhook payload", "event_id", env.EventID, "error", err)
		}
	}()
}

func (in *Ingress) countReceived(eventType string, status int) {
	if in.metrics != nil {
		in.metrics.WebhooksReceived.WithLabelValues(eventType, strconv.Itoa(status)).Inc()
	}
}

// IsRejection reports whether err means the delivery itself was bad
func IsRejection(err error) bool {
	return errors.Is(err, model.ErrInvalidSignature) || errors.Is(err, model.ErrInvalidEvent)
}
