package stripe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	stripeapi "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linkflow-ai/subledger/internal/billing/domain/model"
	"github.com/linkflow-ai/subledger/internal/platform/config"
	"github.com/linkflow-ai/subledger/internal/platform/logger"
	"github.com/linkflow-ai/subledger/internal/platform/metrics"
	"github.com/linkflow-ai/subledger/internal/platform/resilience"
)

const (
	opCreateCheckout    = "create_checkout_session"
	opGetSubscription   = "get_subscription"
	opListSubscriptions = "list_subscriptions"
	opUpdateQuantity    = "update_subscription_quantity"
)

// Gateway is the outbound Stripe client. It never retries on its own;
// callers decide what is safe to repeat.
type Gateway struct {
	api        *client.API
	cfg        config.StripeConfig
	breaker    *resilience.CircuitBreaker
	tracer     trace.Tracer
	metrics    *metrics.Metrics
	logger     logger.Logger
	successURL string
	cancelURL  string
}

// GatewayOption configures a Gateway
type GatewayOption func(*Gateway)

// WithTracer sets the tracer used for outbound spans
func WithTracer(t trace.Tracer) GatewayOption {
	return func(g *Gateway) { g.tracer = t }
}

// WithMetrics records call counts and latency
func WithMetrics(m *metrics.Metrics) GatewayOption {
	return func(g *Gateway) { g.metrics = m }
}

// WithLogger sets the logger
func WithLogger(l logger.Logger) GatewayOption {
	return func(g *Gateway) { g.logger = l }
}

// WithBaseURL points the client at a different API host, e.g. stripe-mock
func WithBaseURL(url string) GatewayOption {
	return func(g *Gateway) { g.api = newAPI(g.cfg, url) }
}

// NewGateway creates a Stripe gateway from configuration
func NewGateway(cfg config.StripeConfig, opts ...GatewayOption) *Gateway {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	g := &Gateway{
		api:        newAPI(cfg, ""),
		cfg:        cfg,
		tracer:     otel.Tracer("subledger/stripe"),
		logger:     logger.NewNop(),
		successURL: cfg.SuccessURL,
		cancelURL:  cfg.CancelURL,
	}
	for _, opt := range opts {
		opt(g)
	}

	breakerCfg := resilience.DefaultCircuitBreakerConfig("stripe")
	if cfg.BreakerFailures > 0 {
		breakerCfg.MaxFailures = cfg.BreakerFailures
	}
	if cfg.BreakerCoolDown > 0 {
		breakerCfg.Timeout = cfg.BreakerCoolDown
	}
	breakerCfg.IsFailure = isTransient
	breakerCfg.OnStateChange = func(name string, from, to resilience.State) {
		g.logger.Warn("Circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
	}
	g.breaker = resilience.NewCircuitBreaker(breakerCfg)

	return g
}

func newAPI(cfg config.StripeConfig, baseURL string) *client.API {
	backendCfg := &stripeapi.BackendConfig{
		HTTPClient:        &http.Client{Timeout: cfg.Timeout},
		MaxNetworkRetries: stripeapi.Int64(0),
		LeveledLogger:     &stripeapi.LeveledLogger{Level: stripeapi.LevelNull},
	}
	if baseURL != "" {
		backendCfg.URL = stripeapi.String(baseURL)
	}

	api := &client.API{}
	api.Init(cfg.APIKey, &stripeapi.Backends{
		API: stripeapi.GetBackendWithConfig(stripeapi.APIBackend, backendCfg),
	})
	return api
}

// BreakerState reports the circuit state for health checks
func (g *Gateway) BreakerState() resilience.State {
	return g.breaker.State()
}

// HealthCheck reports degraded while the circuit is open
func (g *Gateway) HealthCheck(context.Context) error {
	if g.breaker.State() == resilience.StateOpen {
		return resilience.ErrCircuitOpen
	}
	return nil
}

// CreateCheckoutSession creates a hosted subscription checkout page.
// The workspace id travels in session and subscription metadata so that
// the resulting events can be routed back to the workspace.
func (g *Gateway) CreateCheckoutSession(ctx context.Context, req model.CheckoutSessionRequest) (*model.CheckoutSession, error) {
	successURL := req.SuccessURL
	if successURL == "" {
		successURL = g.successURL
	}
	cancelURL := req.CancelURL
	if cancelURL == "" {
		cancelURL = g.cancelURL
	}

	params := &stripeapi.CheckoutSessionParams{
		Mode:              stripeapi.String(string(stripeapi.CheckoutSessionModeSubscription)),
		SuccessURL:        stripeapi.String(successURL),
		CancelURL:         stripeapi.String(cancelURL),
		ClientReferenceID: stripeapi.String(req.WorkspaceID),
		LineItems: []*stripeapi.CheckoutSessionLineItemParams{
			{
				Price:    stripeapi.String(req.PriceID),
				Quantity: stripeapi.Int64(int64(req.Quantity)),
			},
		},
		SubscriptionData: &stripeapi.CheckoutSessionSubscriptionDataParams{
			Metadata: map[string]string{model.MetadataWorkspaceID: req.WorkspaceID},
		},
		Metadata: map[string]string{
			model.MetadataWorkspaceID: req.WorkspaceID,
			model.MetadataOwnerID:     req.OwnerID,
		},
	}
	if req.CustomerID != "" {
		params.Customer = stripeapi.String(req.CustomerID)
	}
	if req.IdempotencyKey != "" {
		params.IdempotencyKey = stripeapi.String(req.IdempotencyKey)
	}

	var session *stripeapi.CheckoutSession
	err := g.call(ctx, opCreateCheckout, func(ctx context.Context) error {
		params.Context = ctx
		var err error
		session, err = g.api.CheckoutSessions.New(params)
		return err
	})
	if err != nil {
		return nil, err
	}

	return &model.CheckoutSession{
		ID:        session.ID,
		URL:       session.URL,
		ExpiresAt: unixTime(session.ExpiresAt),
	}, nil
}

// GetSubscription reads the processor's current state of one subscription
func (g *Gateway) GetSubscription(ctx context.Context, subscriptionID string) (*model.SubscriptionSnapshot, error) {
	params := &stripeapi.SubscriptionParams{}

	var sub *stripeapi.Subscription
	err := g.call(ctx, opGetSubscription, func(ctx context.Context) error {
		params.Context = ctx
		var err error
		sub, err = g.api.Subscriptions.Get(subscriptionID, params)
		return err
	})
	if err != nil {
		var rejected *model.GatewayRejectedError
		if errors.As(err, &rejected) && rejected.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %s", model.ErrSubscriptionNotFound, subscriptionID)
		}
		return nil, err
	}
	return snapshotFromAPI(sub), nil
}

// ListCustomerSubscriptions lists every subscription of a customer in any status
func (g *Gateway) ListCustomerSubscriptions(ctx context.Context, customerID string) ([]*model.SubscriptionSnapshot, error) {
	var out []*model.SubscriptionSnapshot
	err := g.call(ctx, opListSubscriptions, func(ctx context.Context) error {
		params := &stripeapi.SubscriptionListParams{
			Customer: stripeapi.String(customerID),
			Status:   stripeapi.String("all"),
		}
		params.Context = ctx

		out = out[:0]
		iter := g.api.Subscriptions.List(params)
		for iter.Next() {
			out = append(out, snapshotFromAPI(iter.Subscription()))
		}
		return iter.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateSubscriptionQuantity changes the seat quantity of the licensed item
func (g *Gateway) UpdateSubscriptionQuantity(ctx context.Context, itemID string, quantity int, prorationBehavior string, idempotencyKey string) error {
	params := &stripeapi.SubscriptionItemParams{
		Quantity: stripeapi.Int64(int64(quantity)),
	}
	if prorationBehavior != "" {
		params.ProrationBehavior = stripeapi.String(prorationBehavior)
	}
	if idempotencyKey != "" {
		params.IdempotencyKey = stripeapi.String(idempotencyKey)
	}

	return g.call(ctx, opUpdateQuantity, func(ctx context.Context) error {
		params.Context = ctx
		_, err := g.api.SubscriptionItems.Update(itemID, params)
		return err
	})
}

// call runs fn under the breaker, a per-call deadline, a span and metrics,
// and translates the outcome into domain gateway errors
func (g *Gateway) call(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	ctx, span := g.tracer.Start(ctx, "stripe."+operation, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	start := time.Now()
	err := g.breaker.Execute(ctx, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
		defer cancel()
		return fn(callCtx)
	})
	err = translateError(operation, err)

	result := resultLabel(err)
	if g.metrics != nil {
		g.metrics.GatewayCalls.WithLabelValues(operation, result).Inc()
		g.metrics.GatewayDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	}
	span.SetAttributes(attribute.String("stripe.result", result))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		g.logger.Warn("Stripe call failed", "operation", operation, "result", result, "error", err)
	}
	return err
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, resilience.ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, model.ErrGatewayUnavailable):
		return "unavailable"
	default:
		return "rejected"
	}
}

// isTransient decides whether err is worth retrying and counts against the breaker
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	var stripeErr *stripeapi.Error
	if errors.As(err, &stripeErr) {
		return stripeErr.HTTPStatusCode >= http.StatusInternalServerError ||
			stripeErr.HTTPStatusCode == http.StatusTooManyRequests ||
			stripeErr.Type == stripeapi.ErrorTypeAPI
	}
	// Transport errors and deadlines carry no verdict from the processor
	return true
}

func translateError(operation string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, resilience.ErrCircuitOpen) || isTransient(err) {
		return &model.GatewayUnavailableError{Operation: operation, Err: err}
	}

	var stripeErr *stripeapi.Error
	if errors.As(err, &stripeErr) {
		return &model.GatewayRejectedError{
			Operation:  operation,
			StatusCode: stripeErr.HTTPStatusCode,
			Code:       string(stripeErr.Code),
			Message:    stripeErr.Msg,
		}
	}
	return &model.GatewayRejectedError{Operation: operation, Message: err.Error()}
}

func snapshotFromAPI(sub *stripeapi.Subscription) *model.SubscriptionSnapshot {
	if sub == nil {
		return nil
	}

	snap := &model.SubscriptionSnapshot{
		ID:                sub.ID,
		Status:            string(sub.Status),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		CanceledAt:        unixPtr(sub.CanceledAt),
		TrialStart:        unixPtr(sub.TrialStart),
		TrialEnd:          unixPtr(sub.TrialEnd),
		Metadata:          sub.Metadata,
		Created:           unixTime(sub.Created),
	}
	if sub.Customer != nil {
		snap.CustomerID = sub.Customer.ID
	}
	if sub.Items != nil && len(sub.Items.Data) > 0 && sub.Items.Data[0] != nil {
		item := sub.Items.Data[0]
		snap.ItemID = item.ID
		snap.Quantity = int(item.Quantity)
		snap.CurrentPeriodStart = unixTime(item.CurrentPeriodStart)
		snap.CurrentPeriodEnd = unixTime(item.CurrentPeriodEnd)
		if item.Price != nil {
			snap.PriceID = item.Price.ID
			if item.Price.Recurring != nil {
				snap.Interval = string(item.Price.Recurring.Interval)
			}
		}
	}
	return snap
}
