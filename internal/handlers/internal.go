package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/clearbay/api/internal/platform/httpx"
	"github.com/clearbay/api/internal/services"
)

// InternalHandlers exposes maintenance endpoints for schedulers and operators.
// Access control is applied via the router's internal middleware chain.
type InternalHandlers struct {
	orders services.OrderService
}

const (
	defaultReconcileAge   = time.Hour
	defaultReconcileLimit = 50
)

// NewInternalHandlers constructs handlers for internal maintenance endpoints.
func NewInternalHandlers(orders services.OrderService) *InternalHandlers {
	return &InternalHandlers{orders: orders}
}

// Routes wires the /internal endpoints onto the provided router.
func (h *InternalHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/orders/reconcile", h.reconcileOrders)
}

func (h *InternalHandlers) reconcileOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service is unavailable", http.StatusServiceUnavailable))
		return
	}

	req := reconcileRequest{}
	if body, err := readLimitedBody(r, maxOrderBodySize); err == nil {
		if err := json.Unmarshal(body, &req); err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON payload", http.StatusBadRequest))
			return
		}
	} else if !errors.Is(err, errEmptyBody) {
		writeBodyError(ctx, w, err)
		return
	}

	olderThan := defaultReconcileAge
	if req.OlderThanMinutes > 0 {
		olderThan = time.Duration(req.OlderThanMinutes) * time.Minute
	}
	limit := req.Limit
	if limit <= 0 {
		limit = defaultReconcileLimit
	}

	report, err := h.orders.ReconcileUncommitted(ctx, olderThan, limit)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, reconcileResponse{
		Scanned:   report.Scanned,
		Committed: report.Committed,
		Deleted:   report.Deleted,
	})
}

type reconcileRequest struct {
	OlderThanMinutes int `json:"older_than_minutes"`
	Limit            int `json:"limit"`
}

type reconcileResponse struct {
	Scanned   int `json:"scanned"`
	Committed int `json:"committed"`
	Deleted   int `json:"deleted"`
}
