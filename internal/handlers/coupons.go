package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/clearbay/api/internal/platform/auth"
	"github.com/clearbay/api/internal/platform/httpx"
	"github.com/clearbay/api/internal/services"
)

// CouponHandlers exposes the customer-facing coupon validation endpoint.
// Lifecycle management lives under the admin routes.
type CouponHandlers struct {
	authn   *auth.Authenticator
	coupons services.CouponService
}

const maxCouponValidateBodySize = 4 * 1024

// NewCouponHandlers constructs the public coupon endpoints.
func NewCouponHandlers(authn *auth.Authenticator, coupons services.CouponService) *CouponHandlers {
	return &CouponHandlers{
		authn:   authn,
		coupons: coupons,
	}
}

// Routes wires the coupon endpoints onto the provided router.
func (h *CouponHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth())
	}
	r.Post("/validate", h.validateCoupon)
}

func (h *CouponHandlers) validateCoupon(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.coupons == nil {
		httpx.WriteError(ctx, w, httpx.NewError("coupon_service_unavailable", "coupon service is unavailable", http.StatusServiceUnavailable))
		return
	}
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	body, err := readLimitedBody(r, maxCouponValidateBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	var req validateCouponRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON payload", http.StatusBadRequest))
		return
	}

	validation, err := h.coupons.Validate(ctx, services.ValidateCouponCommand{
		Code:     strings.TrimSpace(req.Code),
		UserID:   identity.UID,
		Subtotal: req.Subtotal,
	})
	if err != nil {
		if reason, ok := couponRejectionReason(err); ok {
			writeJSONResponse(w, http.StatusOK, validateCouponResponse{Valid: false, Reason: reason})
			return
		}
		writeCouponError(ctx, w, err)
		return
	}

	payload := buildCouponPayload(validation.Coupon)
	writeJSONResponse(w, http.StatusOK, validateCouponResponse{
		Valid:    true,
		Discount: validation.Discount,
		Coupon:   &payload,
	})
}

// couponRejectionReason maps rule failures to machine-readable reasons. Only
// rule outcomes are reported to the caller; infrastructure errors surface as
// error responses instead.
func couponRejectionReason(err error) (string, bool) {
	switch {
	case errors.Is(err, services.ErrCouponNotFound):
		return "coupon_not_found", true
	case errors.Is(err, services.ErrCouponInactive):
		return "coupon_inactive", true
	case errors.Is(err, services.ErrCouponNotStarted):
		return "coupon_not_started", true
	case errors.Is(err, services.ErrCouponExpired):
		return "coupon_expired", true
	case errors.Is(err, services.ErrCouponExhausted):
		return "coupon_exhausted", true
	case errors.Is(err, services.ErrCouponMinOrder):
		return "min_order_not_met", true
	default:
		return "", false
	}
}

type validateCouponRequest struct {
	Code     string `json:"code"`
	Subtotal int64  `json:"subtotal"`
}

type validateCouponResponse struct {
	Valid    bool           `json:"valid"`
	Reason   string         `json:"reason,omitempty"`
	Discount int64          `json:"discount,omitempty"`
	Coupon   *couponPayload `json:"coupon,omitempty"`
}
