package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linkflow-ai/subledger/internal/billing/domain/model"
	"github.com/linkflow-ai/subledger/internal/billing/domain/rules"
	"github.com/linkflow-ai/subledger/internal/platform/resilience"
)

func newCheckoutService(h *harness) *CheckoutService {
	return NewCheckoutService(h.store, h.seats, h.gateway, h.catalog, h.opts...)
}

func TestCreateCheckoutForNewWorkspace(t *testing.T) {
	h := newHarness(t)
	svc := newCheckoutService(h)

	session, err := svc.CreateCheckout(context.Background(), CheckoutInput{
		WorkspaceID:     "ws_new",
		UserID:          "user_1",
		Plan:            "pro",
		Seats:           3,
		BillingInterval: "annual",
		ReturnURL:       "https://app.example.com/billing",
	})
	require.NoError(t, err)
	assert.Equal(t, "https://checkout.stripe.test/cs_test_1", session.URL)

	require.Len(t, h.gateway.checkouts, 1)
	req := h.gateway.checkouts[0]
	assert.Equal(t, "ws_new", req.WorkspaceID)
	assert.Equal(t, "user_1", req.OwnerID)
	assert.Equal(t, "price_pro_y", req.PriceID)
	assert.Equal(t, 3, req.Quantity)
	assert.Equal(t, "https://app.example.com/billing", req.SuccessURL)
	assert.Equal(t, rules.ProrationCreate, req.ProrationBehavior)
	assert.NotEmpty(t, req.IdempotencyKey)

	// the ledger is untouched until the processor confirms
	_, err = h.store.GetWorkspace(context.Background(), "ws_new")
	assert.ErrorIs(t, err, model.ErrWorkspaceNotFound)
}

func TestCreateCheckoutRejectsAnnualToMonthlyMidPeriod(t *testing.T) {
	h := newHarness(t)
	annual := activeSub("sub_1", "ws_1", 5)
	annual.PriceID = "price_starter_y"
	annual.Interval = "year"
	annual.End = annualPeriodEnd
	h.bindWorkspace(t, "ws_1", annual)

	_, err := newCheckoutService(h).CreateCheckout(context.Background(), CheckoutInput{
		WorkspaceID:     "ws_1",
		UserID:          "user_1",
		Plan:            "starter",
		Seats:           5,
		BillingInterval: "monthly",
	})
	require.Error(t, err)

	var illegal *model.IllegalBillingTransitionError
	require.True(t, errors.As(err, &illegal))
	assert.Equal(t, model.IntervalAnnual, illegal.From)
	assert.Equal(t, model.IntervalMonthly, illegal.To)
	assert.True(t, illegal.PeriodEnd.Equal(annualPeriodEnd))
	assert.Contains(t, illegal.Explanation, "December 1, 2026")
	assert.Empty(t, h.gateway.checkouts)
}

func TestCreateCheckoutAllowsMonthlyToAnnual(t *testing.T) {
	h := newHarness(t)
	h.bindWorkspace(t, "ws_1", activeSub("sub_1", "ws_1", 5))

	_, err := newCheckoutService(h).CreateCheckout(context.Background(), CheckoutInput{
		WorkspaceID:     "ws_1",
		UserID:          "user_1",
		Plan:            "starter",
		Seats:           5,
		BillingInterval: "annual",
	})
	require.NoError(t, err)
	require.Len(t, h.gateway.checkouts, 1)
	assert.Equal(t, "cus_1", h.gateway.checkouts[0].CustomerID)
	assert.Equal(t, "price_starter_y", h.gateway.checkouts[0].PriceID)
}

func TestCreateCheckoutRejectsSeatsBelowActiveUsage(t *testing.T) {
	h := newHarness(t)
	h.bindWorkspace(t, "ws_1", activeSub("sub_1", "ws_1", 5))
	h.seats.Set("ws_1", 5)

	_, err := newCheckoutService(h).CreateCheckout(context.Background(), CheckoutInput{
		WorkspaceID:     "ws_1",
		UserID:          "user_1",
		Plan:            "starter",
		Seats:           4,
		BillingInterval: "monthly",
	})

	var below *model.SeatsBelowActiveUsageError
	require.True(t, errors.As(err, &below))
	assert.Equal(t, 5, below.ActiveSeatHolders)
	assert.Equal(t, 4, below.Requested)
}

func TestCreateCheckoutUnknownPlan(t *testing.T) {
	h := newHarness(t)
	_, err := newCheckoutService(h).CreateCheckout(context.Background(), CheckoutInput{
		WorkspaceID: "ws_1", UserID: "user_1", Plan: "enterprise", Seats: 1, BillingInterval: "monthly",
	})
	assert.ErrorIs(t, err, model.ErrUnknownPlan)
}

func TestCreateCheckoutRetriesTransientFailureOnce(t *testing.T) {
	h := newHarness(t)
	h.gateway.fail(&model.GatewayUnavailableError{Operation: "create_checkout_session", Err: errors.New("502")})

	_, err := newCheckoutService(h).CreateCheckout(context.Background(), CheckoutInput{
		WorkspaceID: "ws_1", UserID: "user_1", Plan: "starter", Seats: 1, BillingInterval: "monthly",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, h.gateway.calls)
	assert.Len(t, h.gateway.checkouts, 1)
}

func TestCreateCheckoutGivesUpAfterSecondTransientFailure(t *testing.T) {
	h := newHarness(t)
	unavailable := &model.GatewayUnavailableError{Operation: "create_checkout_session", Err: errors.New("timeout")}
	h.gateway.fail(unavailable, unavailable, unavailable)

	_, err := newCheckoutService(h).CreateCheckout(context.Background(), CheckoutInput{
		WorkspaceID: "ws_1", UserID: "user_1", Plan: "starter", Seats: 1, BillingInterval: "monthly",
	})
	assert.ErrorIs(t, err, model.ErrGatewayUnavailable)
	assert.Equal(t, 2, h.gateway.calls)
}

func TestCreateCheckoutNeverRetriesRejectionOrOpenCircuit(t *testing.T) {
	for name, failure := range map[string]error{
		"rejected":     &model.GatewayRejectedError{Operation: "create_checkout_session", StatusCode: 400, Code: "resource_missing"},
		"circuit open": &model.GatewayUnavailableError{Operation: "create_checkout_session", Err: resilience.ErrCircuitOpen},
	} {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			h.gateway.fail(failure)

			_, err := newCheckoutService(h).CreateCheckout(context.Background(), CheckoutInput{
				WorkspaceID: "ws_1", UserID: "user_1", Plan: "starter", Seats: 1, BillingInterval: "monthly",
			})
			assert.Error(t, err)
			assert.Equal(t, 1, h.gateway.calls)
		})
	}
}

func TestChangeSeats(t *testing.T) {
	tests := []struct {
		name      string
		requested int
		wantErr   error
		wantCall  bool
	}{
		{name: "decrease below active holders", requested: 4, wantErr: model.ErrSeatsBelowActiveUsage},
		{name: "increase", requested: 6, wantCall: true},
		{name: "unchanged", requested: 5},
		{name: "zero", requested: 0, wantErr: model.ErrInvalidSeatCount},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.bindWorkspace(t, "ws_1", activeSub("sub_1", "ws_1", 5))
			h.seats.Set("ws_1", 5)

			result, err := newCheckoutService(h).ChangeSeats(context.Background(), SeatChangeInput{WorkspaceID: "ws_1", Seats: tt.requested})
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Empty(t, h.gateway.quantities)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantCall, result.Pending)

			if !tt.wantCall {
				assert.Empty(t, h.gateway.quantities)
				return
			}
			require.Len(t, h.gateway.quantities, 1)
			call := h.gateway.quantities[0]
			assert.Equal(t, "si_sub_1", call.ItemID)
			assert.Equal(t, tt.requested, call.Quantity)
			assert.Equal(t, rules.ProrationCreate, call.Proration)
			assert.Equal(t, "seats:ws_1:si_sub_1:6", call.IdempotencyKey)

			// mirror waits for the webhook
			assert.Equal(t, 5, h.workspace(t, "ws_1").Seats)
		})
	}
}

func TestChangeSeatsRequiresLiveSubscription(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.CreateWorkspace(context.Background(), model.NewWorkspace("ws_free", "user_1")))
	svc := newCheckoutService(h)

	_, err := svc.ChangeSeats(context.Background(), SeatChangeInput{WorkspaceID: "ws_free", Seats: 2})
	assert.ErrorIs(t, err, model.ErrNoSubscription)

	sub := activeSub("sub_1", "ws_1", 5)
	h.bindWorkspace(t, "ws_1", sub)
	sub.Status = "canceled"
	h.process(t, subscriptionEvent(t, "evt_deleted", model.EventSubscriptionDeleted, 2000, sub))

	_, err = svc.ChangeSeats(context.Background(), SeatChangeInput{WorkspaceID: "ws_1", Seats: 2})
	assert.ErrorIs(t, err, model.ErrNoActiveSubscription)
}

func TestGetSubscriptionView(t *testing.T) {
	h := newHarness(t)
	h.bindWorkspace(t, "ws_1", activeSub("sub_1", "ws_1", 5))
	h.seats.Set("ws_1", 3)

	view, err := newCheckoutService(h).GetSubscriptionView(context.Background(), "ws_1")
	require.NoError(t, err)
	assert.Equal(t, 5, view.SeatsPurchased)
	assert.Equal(t, 3, view.SeatsUsed)
	assert.Equal(t, model.StatusActive, view.Status)
	assert.Equal(t, "starter", view.Plan)
}
