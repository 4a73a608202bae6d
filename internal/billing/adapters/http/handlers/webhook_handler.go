package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/linkflow-ai/subledger/internal/billing/app/service"
	"github.com/linkflow-ai/subledger/internal/platform/response"
)

// MaxWebhookBodyBytes bounds a processor delivery
const MaxWebhookBodyBytes = 1 << 20

// SignatureHeader carries the processor's HMAC signature
const SignatureHeader = "Stripe-Signature"

// HandleWebhook verifies and enqueues a processor delivery. It acknowledges
// as soon as the event is handed to the queue.
func (h *BillingHandler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxWebhookBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			response.ErrorWithMessage(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "Webhook payload too large")
			return
		}
		response.Error(w, response.ErrBadRequest.WithMessage("Unable to read webhook body"))
		return
	}

	result, err := h.ingress.Receive(r.Context(), body, r.Header.Get(SignatureHeader))
	if err != nil {
		if service.IsRejection(err) {
			h.logger.Warn("Rejected webhook delivery", "remote_addr", r.RemoteAddr, "error", err)
			response.Error(w, response.ErrBadRequest.WithMessage(err.Error()))
			return
		}
		h.logger.Error("Failed to enqueue webhook delivery", "error", err)
		response.Error(w, response.ErrServiceUnavailable)
		return
	}

	response.Raw(w, http.StatusOK, result)
}
