package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/linkflow-ai/subledger/internal/billing/domain/model"
	"github.com/linkflow-ai/subledger/internal/billing/domain/repository"
	"github.com/linkflow-ai/subledger/internal/billing/domain/rules"
	"github.com/linkflow-ai/subledger/internal/platform/resilience"
)

// CheckoutService validates plan and seat changes and hands approved ones to
// the processor. It reads the mirror but never writes it.
type CheckoutService struct {
	store   repository.LedgerStore
	seats   repository.SeatCounter
	gateway Gateway
	catalog *model.Catalog
	options
}

// NewCheckoutService creates a new checkout service
func NewCheckoutService(
	store repository.LedgerStore,
	seats repository.SeatCounter,
	gateway Gateway,
	catalog *model.Catalog,
	opts ...Option,
) *CheckoutService {
	return &CheckoutService{
		store:   store,
		seats:   seats,
		gateway: gateway,
		catalog: catalog,
		options: newOptions(opts),
	}
}

// CheckoutInput represents a checkout request from an authenticated user
type CheckoutInput struct {
	WorkspaceID     string
	UserID          string
	Plan            string
	Seats           int
	BillingInterval string
	ReturnURL       string
}

// CreateCheckout approves the requested plan, interval and seats against the
// mirrored state and returns a hosted checkout page
func (s *CheckoutService) CreateCheckout(ctx context.Context, input CheckoutInput) (*model.CheckoutSession, error) {
	ctx, span := s.tracer.Start(ctx, "billing.create_checkout")
	defer span.End()

	plan, err := s.catalog.Plan(input.Plan)
	if err != nil {
		return nil, err
	}
	interval, err := model.ParseInterval(input.BillingInterval)
	if err != nil {
		return nil, err
	}

	ws, err := s.store.GetWorkspace(ctx, input.WorkspaceID)
	if errors.Is(err, model.ErrWorkspaceNotFound) {
		// first purchase; the worker provisions the row on completion
		ws = model.NewWorkspace(input.WorkspaceID, input.UserID)
	} else if err != nil {
		return nil, fmt.Errorf("failed to load workspace: %w", err)
	}

	active, err := s.seats.CountActiveSeatHolders(ctx, ws.ID)
	if err != nil {
		return nil, err
	}

	currentInterval := model.BillingInterval("")
	if ws.HasSubscription() && ws.Status.IsActiveLike() {
		currentInterval = ws.BillingInterval
	}
	change, err := rules.ComputeProration(currentInterval, ws.CurrentPeriodEnd, interval, plan, s.now())
	if err != nil {
		s.logger.Info("Checkout rejected", "workspace_id", ws.ID, "plan", plan.Slug, "interval", string(interval), "error", err)
		return nil, err
	}
	seats, err := rules.ComputeSeatsForQuantityChange(ws.Seats, input.Seats, active)
	if err != nil {
		s.logger.Info("Checkout rejected", "workspace_id", ws.ID, "seats", input.Seats, "active_seat_holders", active, "error", err)
		return nil, err
	}

	ownerID := ws.OwnerID
	if ownerID == "" {
		ownerID = input.UserID
	}
	req := model.CheckoutSessionRequest{
		WorkspaceID:       ws.ID,
		OwnerID:           ownerID,
		CustomerID:        ws.ExternalCustomerID,
		PriceID:           change.PriceID,
		Quantity:          seats.Requested,
		SuccessURL:        input.ReturnURL,
		CancelURL:         input.ReturnURL,
		ProrationBehavior: change.ProrationBehavior,
		IdempotencyKey:    fmt.Sprintf("checkout:%s:%s:%d:%d", ws.ID, change.PriceID, seats.Requested, ws.Version),
	}

	var session *model.CheckoutSession
	err = s.withRetry(ctx, func(ctx context.Context) error {
		var err error
		session, err = s.gateway.CreateCheckoutSession(ctx, req)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Checkout session created",
		"workspace_id", ws.ID,
		"session_id", session.ID,
		"plan", plan.Slug,
		"interval", string(interval),
		"seats", seats.Requested,
	)
	return session, nil
}

// SeatChangeInput represents a seat-only change on a live subscription
type SeatChangeInput struct {
	WorkspaceID string
	Seats       int
}

// SeatChangeResult describes an accepted seat change. The mirror is updated
// when the processor confirms it through a webhook.
type SeatChangeResult struct {
	WorkspaceID    string              `json:"workspaceId"`
	CurrentSeats   int                 `json:"currentSeats"`
	RequestedSeats int                 `json:"requestedSeats"`
	Direction      rules.SeatDirection `json:"direction"`
	Pending        bool                `json:"pending"`
}

// ChangeSeats asks the processor to change the subscription quantity
func (s *CheckoutService) ChangeSeats(ctx context.Context, input SeatChangeInput) (*SeatChangeResult, error) {
	ctx, span := s.tracer.Start(ctx, "billing.change_seats")
	defer span.End()

	ws, err := s.store.GetWorkspace(ctx, input.WorkspaceID)
	if err != nil {
		return nil, err
	}
	if !ws.HasSubscription() || ws.ExternalSubscriptionItemID == "" {
		return nil, model.ErrNoSubscription
	}
	if !ws.Status.IsActiveLike() {
		return nil, model.ErrNoActiveSubscription
	}

	active, err := s.seats.CountActiveSeatHolders(ctx, ws.ID)
	if err != nil {
		return nil, err
	}
	change, err := rules.ComputeSeatsForQuantityChange(ws.Seats, input.Seats, active)
	if err != nil {
		return nil, err
	}

	result := &SeatChangeResult{
		WorkspaceID:    ws.ID,
		CurrentSeats:   change.Current,
		RequestedSeats: change.Requested,
		Direction:      change.Direction,
	}
	if change.Direction == rules.SeatsUnchanged {
		return result, nil
	}

	key := fmt.Sprintf("seats:%s:%s:%d", ws.ID, ws.ExternalSubscriptionItemID, change.Requested)
	err = s.withRetry(ctx, func(ctx context.Context) error {
		return s.gateway.UpdateSubscriptionQuantity(ctx, ws.ExternalSubscriptionItemID, change.Requested, rules.ProrationCreate, key)
	})
	if err != nil {
		return nil, err
	}

	result.Pending = true
	s.logger.Info("Seat change submitted",
		"workspace_id", ws.ID,
		"from", change.Current,
		"to", change.Requested,
	)
	return result, nil
}

// GetSubscriptionView returns the mirrored state with the live seat usage
func (s *CheckoutService) GetSubscriptionView(ctx context.Context, workspaceID string) (*model.SubscriptionView, error) {
	ws, err := s.store.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return nil, err
	}

	used, err := s.seats.CountActiveSeatHolders(ctx, workspaceID)
	if err != nil {
		return nil, err
	}

	view := model.NewSubscriptionView(ws, used)
	return &view, nil
}

// ListTransitions returns the newest transitions of a workspace
func (s *CheckoutService) ListTransitions(ctx context.Context, workspaceID string, limit int) ([]*model.TransitionRecord, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return s.store.ListTransitions(ctx, workspaceID, limit)
}

// withRetry runs fn with one retry on a transient gateway failure. An open
// breaker is not retried.
func (s *CheckoutService) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	cfg := resilience.RetryConfig{
		MaxAttempts:   2,
		InitialDelay:  s.retryDelay,
		MaxDelay:      s.retryDelay,
		BackoffFactor: 1,
		Retryable: func(err error) bool {
			return errors.Is(err, model.ErrGatewayUnavailable) && !errors.Is(err, resilience.ErrCircuitOpen)
		},
	}
	return resilience.Retry(ctx, cfg, func(ctx context.Context, attempt int) error {
		if attempt > 1 {
			s.logger.Warn("Retrying payment gateway call after transient failure", "attempt", attempt)
		}
		return fn(ctx)
	})
}
