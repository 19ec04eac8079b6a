package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/clearbay/api/internal/platform/auth"
	"github.com/clearbay/api/internal/platform/httpx"
	"github.com/clearbay/api/internal/services"
)

// PaymentHandlers exposes authenticated payment endpoints for the current user.
type PaymentHandlers struct {
	authn    *auth.Authenticator
	payments services.PaymentService
}

const maxPaymentBodySize = 32 * 1024

// NewPaymentHandlers constructs handlers enforcing Firebase authentication before invoking the payment service.
func NewPaymentHandlers(authn *auth.Authenticator, payments services.PaymentService) *PaymentHandlers {
	return &PaymentHandlers{
		authn:    authn,
		payments: payments,
	}
}

// Routes wires the /payments endpoints onto the provided router.
func (h *PaymentHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth())
	}
	r.Post("/intents", h.createIntent)
	r.Post("/{transactionId}/confirm", h.confirmPayment)
	r.Get("/", h.listTransactions)
}

func (h *PaymentHandlers) requireIdentity(w http.ResponseWriter, r *http.Request) (*auth.Identity, bool) {
	ctx := r.Context()
	if h.payments == nil {
		httpx.WriteError(ctx, w, httpx.NewError("payment_service_unavailable", "payment service is unavailable", http.StatusServiceUnavailable))
		return nil, false
	}
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return nil, false
	}
	return identity, true
}

func (h *PaymentHandlers) createIntent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireIdentity(w, r)
	if !ok {
		return
	}

	body, err := readLimitedBody(r, maxPaymentBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	var req createIntentRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON payload", http.StatusBadRequest))
		return
	}
	if strings.TrimSpace(req.OrderID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order_id is required", http.StatusBadRequest))
		return
	}

	result, err := h.payments.CreateIntent(ctx, services.CreateIntentCommand{
		OrderID:   strings.TrimSpace(req.OrderID),
		UserID:    identity.UID,
		ReturnURL: strings.TrimSpace(req.ReturnURL),
		CancelURL: strings.TrimSpace(req.CancelURL),
	})
	if err != nil {
		writePaymentError(ctx, w, err)
		return
	}

	payload := paymentIntentResponse{
		Transaction:  buildTransactionPayload(result.Transaction),
		ClientSecret: result.ClientSecret,
		RedirectURL:  result.RedirectURL,
		Instructions: result.Instructions,
	}
	writeJSONResponse(w, http.StatusCreated, payload)
}

func (h *PaymentHandlers) confirmPayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireIdentity(w, r)
	if !ok {
		return
	}

	txn, err := h.payments.Confirm(ctx, services.ConfirmPaymentCommand{
		TransactionID: strings.TrimSpace(chi.URLParam(r, "transactionId")),
		UserID:        identity.UID,
	})
	if err != nil {
		writePaymentError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, transactionResponse{Transaction: buildTransactionPayload(txn)})
}

func (h *PaymentHandlers) listTransactions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireIdentity(w, r)
	if !ok {
		return
	}

	orderID := strings.TrimSpace(r.URL.Query().Get("order_id"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order_id is required", http.StatusBadRequest))
		return
	}

	txns, err := h.payments.ListTransactions(ctx, orderID, identity.UID)
	if err != nil {
		writePaymentError(ctx, w, err)
		return
	}

	payload := transactionListResponse{Transactions: make([]transactionPayload, 0, len(txns))}
	for _, txn := range txns {
		payload.Transactions = append(payload.Transactions, buildTransactionPayload(txn))
	}
	writeJSONResponse(w, http.StatusOK, payload)
}

func writePaymentError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrPaymentAlreadyPaid):
		httpx.WriteError(ctx, w, httpx.NewError("order_already_paid", "order is already paid", http.StatusConflict))
	case errors.Is(err, services.ErrPaymentInvalidState):
		httpx.WriteError(ctx, w, httpx.NewError("payment_invalid_state", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrPaymentInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrPaymentNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("payment_not_found", "transaction not found", http.StatusNotFound))
	case errors.Is(err, services.ErrPaymentBadSignature):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_signature", "webhook signature verification failed", http.StatusBadRequest))
	case errors.Is(err, services.ErrPaymentGateway):
		httpx.WriteError(ctx, w, httpx.NewError("gateway_error", "payment gateway rejected the request", http.StatusBadGateway))
	case errors.Is(err, services.ErrPaymentUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("payment_service_unavailable", "payment service is unavailable", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("payment_error", "payment operation failed", http.StatusInternalServerError))
	}
}

func buildTransactionPayload(txn services.Transaction) transactionPayload {
	return transactionPayload{
		ID:           txn.ID,
		OrderID:      txn.OrderID,
		Method:       string(txn.Method),
		Amount:       txn.Amount,
		Currency:     txn.Currency,
		Status:       string(txn.Status),
		RefundAmount: txn.RefundAmount,
		RefundReason: txn.RefundReason,
		RefundedAt:   formatTimePointer(txn.RefundedAt),
		CreatedAt:    formatTime(txn.CreatedAt),
		UpdatedAt:    formatTime(txn.UpdatedAt),
	}
}

type paymentIntentResponse struct {
	Transaction  transactionPayload `json:"transaction"`
	ClientSecret string             `json:"client_secret,omitempty"`
	RedirectURL  string             `json:"redirect_url,omitempty"`
	Instructions string             `json:"instructions,omitempty"`
}

type transactionResponse struct {
	Transaction transactionPayload `json:"transaction"`
}

type transactionListResponse struct {
	Transactions []transactionPayload `json:"transactions"`
}

type transactionPayload struct {
	ID           string `json:"id"`
	OrderID      string `json:"order_id"`
	Method       string `json:"method"`
	Amount       int64  `json:"amount"`
	Currency     string `json:"currency"`
	Status       string `json:"status"`
	RefundAmount int64  `json:"refund_amount,omitempty"`
	RefundReason string `json:"refund_reason,omitempty"`
	RefundedAt   string `json:"refunded_at,omitempty"`
	CreatedAt    string `json:"created_at,omitempty"`
	UpdatedAt    string `json:"updated_at,omitempty"`
}

type createIntentRequest struct {
	OrderID   string `json:"order_id"`
	ReturnURL string `json:"return_url"`
	CancelURL string `json:"cancel_url"`
}
