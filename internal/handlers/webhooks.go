package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/clearbay/api/internal/platform/httpx"
	"github.com/clearbay/api/internal/services"
)

// WebhookHandlers receives asynchronous gateway callbacks. These endpoints are
// unauthenticated; each payload is verified against the provider's signature
// scheme inside the payment service.
type WebhookHandlers struct {
	payments services.PaymentService
	limiter  rateLimiter
}

const (
	maxWebhookBodySize     = 256 * 1024
	webhookRateLimit       = 120
	webhookRateLimitWindow = time.Minute
)

// NewWebhookHandlers constructs handlers for payment gateway callbacks.
func NewWebhookHandlers(payments services.PaymentService) *WebhookHandlers {
	return &WebhookHandlers{
		payments: payments,
		limiter:  newSimpleRateLimiter(webhookRateLimit, webhookRateLimitWindow, nil),
	}
}

// Routes wires the /webhooks endpoints onto the provided router.
func (h *WebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/payments/{provider}", h.paymentWebhook)
}

func (h *WebhookHandlers) paymentWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.payments == nil {
		httpx.WriteError(ctx, w, httpx.NewError("payment_service_unavailable", "payment service is unavailable", http.StatusServiceUnavailable))
		return
	}

	provider := strings.ToLower(strings.TrimSpace(chi.URLParam(r, "provider")))
	if h.limiter != nil && !h.limiter.Allow(provider+":"+r.RemoteAddr) {
		httpx.WriteError(ctx, w, httpx.NewError("rate_limited", "too many webhook deliveries", http.StatusTooManyRequests))
		return
	}
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBodySize+1))
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "failed to read request body", http.StatusBadRequest))
		return
	}
	if int64(len(payload)) > maxWebhookBodySize {
		httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
		return
	}

	cmd := services.WebhookCommand{
		Provider:  provider,
		Payload:   payload,
		Signature: webhookSignature(provider, r),
		Headers:   webhookHeaders(r),
	}

	if err := h.payments.HandleWebhook(ctx, cmd); err != nil {
		writeWebhookError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, map[string]string{"status": "received"})
}

func webhookSignature(provider string, r *http.Request) string {
	switch provider {
	case "stripe":
		return r.Header.Get("Stripe-Signature")
	default:
		if sig := r.Header.Get("X-Signature"); sig != "" {
			return sig
		}
		return r.Header.Get("X-Webhook-Signature")
	}
}

func webhookHeaders(r *http.Request) map[string]string {
	keys := []string{"Stripe-Signature", "X-Signature", "X-Webhook-Signature", "Paypal-Transmission-Id"}
	headers := make(map[string]string, len(keys))
	for _, key := range keys {
		if value := r.Header.Get(key); value != "" {
			headers[key] = value
		}
	}
	return headers
}

func writeWebhookError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrPaymentBadSignature):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_signature", "webhook signature verification failed", http.StatusBadRequest))
	case errors.Is(err, services.ErrPaymentInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrPaymentUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("payment_service_unavailable", "payment service is unavailable", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("webhook_error", "failed to process webhook", http.StatusInternalServerError))
	}
}
