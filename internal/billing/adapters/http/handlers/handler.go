// Package handlers provides HTTP handlers for the billing service
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/linkflow-ai/subledger/internal/billing/app/service"
	"github.com/linkflow-ai/subledger/internal/billing/domain/model"
	"github.com/linkflow-ai/subledger/internal/platform/logger"
	"github.com/linkflow-ai/subledger/internal/platform/middleware"
	"github.com/linkflow-ai/subledger/internal/platform/response"
)

// WebhookReceiver accepts signed processor deliveries
type WebhookReceiver interface {
	Receive(ctx context.Context, payload []byte, signature string) (*service.IngressResult, error)
}

// CheckoutAPI is the user-facing billing surface
type CheckoutAPI interface {
	CreateCheckout(ctx context.Context, input service.CheckoutInput) (*model.CheckoutSession, error)
	ChangeSeats(ctx context.Context, input service.SeatChangeInput) (*service.SeatChangeResult, error)
	GetSubscriptionView(ctx context.Context, workspaceID string) (*model.SubscriptionView, error)
	ListTransitions(ctx context.Context, workspaceID string, limit int) ([]*model.TransitionRecord, error)
}

// ReconcileAPI runs read-through reconciliation
type ReconcileAPI interface {
	Reconcile(ctx context.Context, in service.ReconcileInput) (*service.ReconcileResult, error)
}

// BillingHandler handles billing HTTP requests
type BillingHandler struct {
	ingress    WebhookReceiver
	checkout   CheckoutAPI
	reconciler ReconcileAPI
	logger     logger.Logger
}

// NewBillingHandler creates a new billing handler
func NewBillingHandler(ingress WebhookReceiver, checkout CheckoutAPI, reconciler ReconcileAPI, log logger.Logger) *BillingHandler {
	if log == nil {
		log = logger.NewNop()
	}
	return &BillingHandler{
		ingress:    ingress,
		checkout:   checkout,
		reconciler: reconciler,
		logger:     log,
	}
}

// RegisterRoutes registers billing routes on the /api/v1 router
func (h *BillingHandler) RegisterRoutes(router *mux.Router) {
	billing := router.PathPrefix("/billing").Subrouter()

	billing.HandleFunc("/webhook", h.HandleWebhook).Methods(http.MethodPost)
	billing.HandleFunc("/checkout", h.CreateCheckout).Methods(http.MethodPost)
	billing.HandleFunc("/seats", h.ChangeSeats).Methods(http.MethodPost)
	billing.HandleFunc("/subscription", h.GetSubscription).Methods(http.MethodGet)
	billing.HandleFunc("/reconcile", h.Reconcile).Methods(http.MethodPost)
	billing.HandleFunc("/transitions", h.ListTransitions).Methods(http.MethodGet)
}

// identity returns the caller, or writes 401 when the session carries no
// workspace
func (h *BillingHandler) identity(w http.ResponseWriter, r *http.Request) (middleware.Identity, bool) {
	id, ok := middleware.ExtractIdentity(r.Context())
	if !ok || id.UserID == "" || id.WorkspaceID == "" {
		response.Error(w, response.ErrUnauthorized)
		return middleware.Identity{}, false
	}
	return id, true
}

func decodeJSON(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// respondError maps domain errors onto the response envelope. Business
// rejections use the flat rejection body clients key on.
func (h *BillingHandler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		illegal  *model.IllegalBillingTransitionError
		below    *model.SeatsBelowActiveUsageError
		multiple *model.MultipleActiveSubscriptionsError
		rejected *model.GatewayRejectedError
	)

	switch {
	case errors.As(err, &illegal):
		response.Reject(w, http.StatusUnprocessableEntity, response.Rejection{
			ErrorCode: "ILLEGAL_BILLING_TRANSITION",
			Detail:    illegal.Explanation,
			Context: map[string]interface{}{
				"from":      illegal.From,
				"to":        illegal.To,
				"periodEnd": illegal.PeriodEnd,
			},
		})
	case errors.As(err, &below):
		response.Reject(w, http.StatusUnprocessableEntity, response.Rejection{
			ErrorCode: "SEATS_BELOW_ACTIVE_USAGE",
			Detail:    below.Error(),
			Context: map[string]int{
				"requested":         below.Requested,
				"activeSeatHolders": below.ActiveSeatHolders,
			},
		})
	case errors.As(err, &multiple):
		response.Reject(w, http.StatusConflict, response.Rejection{
			ErrorCode: "MULTIPLE_ACTIVE_SUBSCRIPTIONS",
			Detail:    multiple.Remediation,
			Context:   map[string]interface{}{"candidates": multiple.Candidates},
		})
	case errors.Is(err, model.ErrUnknownPlan), errors.Is(err, model.ErrInvalidSeatCount):
		response.Error(w, response.ErrValidation.WithMessage(err.Error()))
	case errors.Is(err, model.ErrWorkspaceNotFound), errors.Is(err, model.ErrSubscriptionNotFound):
		response.Error(w, response.ErrNotFound.WithMessage(err.Error()))
	case errors.Is(err, model.ErrNoSubscription), errors.Is(err, model.ErrNoActiveSubscription):
		response.ErrorWithMessage(w, http.StatusConflict, "NO_ACTIVE_SUBSCRIPTION", err.Error())
	case errors.Is(err, model.ErrReconciliationConflict):
		response.ErrorWithMessage(w, http.StatusConflict, "RECONCILIATION_CONFLICT", "Billing state changed concurrently, retry the request")
	case errors.As(err, &rejected):
		h.logger.Warn("Payment processor rejected request",
			"path", r.URL.Path, "operation", rejected.Operation, "code", rejected.Code, "error", err)
		response.ErrorWithMessage(w, http.StatusBadGateway, "GATEWAY_REJECTED", "Payment processor rejected the request")
	case errors.Is(err, model.ErrGatewayUnavailable):
		h.logger.Warn("Payment processor unavailable", "path", r.URL.Path, "error", err)
		response.Error(w, response.ErrGatewayUnavailable)
	default:
		h.logger.Error("Billing request failed", "path", r.URL.Path, "error", err)
		response.Error(w, response.ErrInternal)
	}
}
