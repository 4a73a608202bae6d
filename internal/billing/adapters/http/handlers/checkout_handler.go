package handlers

import (
	"net/http"
	"strconv"

	"github.com/linkflow-ai/subledger/internal/billing/app/service"
	"github.com/linkflow-ai/subledger/internal/platform/response"
	"github.com/linkflow-ai/subledger/internal/platform/validation"
)

var billingIntervals = []string{"monthly", "annual"}

// CheckoutRequest starts a hosted checkout
type CheckoutRequest struct {
	Plan            string `json:"plan"`
	Seats           int    `json:"seats"`
	BillingInterval string `json:"billingInterval"`
	ReturnURL       string `json:"returnUrl,omitempty"`
}

// CheckoutResponse carries the page the client redirects to
type CheckoutResponse struct {
	URL string `json:"url"`
}

// SeatsRequest changes the seat quantity of the live subscription
type SeatsRequest struct {
	Seats int `json:"seats"`
}

// ReconcileRequest optionally names the subscription to reconcile against
type ReconcileRequest struct {
	SubscriptionID string `json:"subscriptionId,omitempty"`
}

// CreateCheckout validates a plan purchase or change and returns the
// checkout URL
func (h *BillingHandler) CreateCheckout(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}

	var req CheckoutRequest
	if err := decodeJSON(r, &req); err != nil {
		response.Error(w, response.ErrBadRequest.WithMessage("Invalid request body"))
		return
	}

	v := validation.New().
		Required(req.Plan, "plan").
		Min(req.Seats, 1, "seats").
		OneOf(req.BillingInterval, billingIntervals, "billingInterval")
	if req.ReturnURL != "" {
		v.AbsoluteURL(req.ReturnURL, "returnUrl")
	}
	if v.HasErrors() {
		response.Error(w, response.ErrValidation.WithDetails(v.Fields()))
		return
	}

	session, err := h.checkout.CreateCheckout(r.Context(), service.CheckoutInput{
		WorkspaceID:     id.WorkspaceID,
		UserID:          id.UserID,
		Plan:            req.Plan,
		Seats:           req.Seats,
		BillingInterval: req.BillingInterval,
		ReturnURL:       req.ReturnURL,
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	response.Raw(w, http.StatusOK, CheckoutResponse{URL: session.URL})
}

// ChangeSeats asks the processor for a new quantity. The mirror follows
// once the confirming webhook is applied.
func (h *BillingHandler) ChangeSeats(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}

	var req SeatsRequest
	if err := decodeJSON(r, &req); err != nil {
		response.Error(w, response.ErrBadRequest.WithMessage("Invalid request body"))
		return
	}
	if v := validation.New().Min(req.Seats, 1, "seats"); v.HasErrors() {
		response.Error(w, response.ErrValidation.WithDetails(v.Fields()))
		return
	}

	result, err := h.checkout.ChangeSeats(r.Context(), service.SeatChangeInput{
		WorkspaceID: id.WorkspaceID,
		Seats:       req.Seats,
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	if !result.Pending {
		response.OK(w, result)
		return
	}
	response.Accepted(w, result)
}

// GetSubscription returns the mirrored subscription with seats in use
func (h *BillingHandler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}

	view, err := h.checkout.GetSubscriptionView(r.Context(), id.WorkspaceID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	response.OK(w, view)
}

// Reconcile re-reads the workspace's subscription from the processor
func (h *BillingHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}

	var req ReconcileRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			response.Error(w, response.ErrBadRequest.WithMessage("Invalid request body"))
			return
		}
	}
	if req.SubscriptionID != "" {
		if v := validation.New().ProcessorID(req.SubscriptionID, "subscriptionId"); v.HasErrors() {
			response.Error(w, response.ErrValidation.WithDetails(v.Fields()))
			return
		}
	}

	result, err := h.reconciler.Reconcile(r.Context(), service.ReconcileInput{
		WorkspaceID:    id.WorkspaceID,
		SubscriptionID: req.SubscriptionID,
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	response.OK(w, map[string]interface{}{
		"workspace":  result.Workspace,
		"changed":    result.Changed,
		"transition": result.Transition,
	})
}

// ListTransitions returns the workspace's billing history, newest first
func (h *BillingHandler) ListTransitions(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			response.Error(w, response.ErrValidation.WithDetails(map[string]string{"limit": "limit must be a positive integer"}))
			return
		}
		limit = n
	}

	records, err := h.checkout.ListTransitions(r.Context(), id.WorkspaceID, limit)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	response.JSONWithMeta(w, http.StatusOK, records, &response.Meta{Limit: limit, Total: len(records)})
}
