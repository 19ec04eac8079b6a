package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/clearbay/api/internal/domain"
	"github.com/clearbay/api/internal/platform/auth"
	"github.com/clearbay/api/internal/platform/httpx"
	"github.com/clearbay/api/internal/services"
)

// AdminCouponHandlers exposes staff-only coupon lifecycle endpoints.
type AdminCouponHandlers struct {
	authn   *auth.Authenticator
	coupons services.CouponService
}

const (
	maxCouponBodySize     = 16 * 1024
	defaultCouponPageSize = 20
	maxCouponPageSize     = 100
)

// NewAdminCouponHandlers constructs handlers restricted to staff and admin roles.
func NewAdminCouponHandlers(authn *auth.Authenticator, coupons services.CouponService) *AdminCouponHandlers {
	return &AdminCouponHandlers{
		authn:   authn,
		coupons: coupons,
	}
}

// Routes wires the admin coupon endpoints onto the provided router.
func (h *AdminCouponHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth(auth.RoleAdmin, auth.RoleStaff))
	}
	r.Get("/coupons", h.listCoupons)
	r.Post("/coupons", h.createCoupon)
	r.Get("/coupons/{couponId}", h.getCoupon)
	r.Put("/coupons/{couponId}", h.updateCoupon)
	r.Delete("/coupons/{couponId}", h.deleteCoupon)
}

func (h *AdminCouponHandlers) actorID(r *http.Request) string {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok || identity == nil {
		return ""
	}
	return identity.UID
}

func (h *AdminCouponHandlers) serviceReady(w http.ResponseWriter, r *http.Request) bool {
	if h.coupons == nil {
		httpx.WriteError(r.Context(), w, httpx.NewError("coupon_service_unavailable", "coupon service is unavailable", http.StatusServiceUnavailable))
		return false
	}
	return true
}

func (h *AdminCouponHandlers) listCoupons(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.serviceReady(w, r) {
		return
	}

	pager, err := parsePagination(r, defaultCouponPageSize, maxCouponPageSize)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	filter := services.CouponListFilter{
		ActiveOnly: strings.EqualFold(strings.TrimSpace(r.URL.Query().Get("active")), "true"),
		Pagination: pager,
	}

	page, err := h.coupons.List(ctx, filter)
	if err != nil {
		writeCouponError(ctx, w, err)
		return
	}

	payload := couponListResponse{
		Coupons:       make([]couponPayload, 0, len(page.Items)),
		NextPageToken: page.NextPageToken,
	}
	for _, coupon := range page.Items {
		payload.Coupons = append(payload.Coupons, buildCouponPayload(coupon))
	}
	writeJSONResponse(w, http.StatusOK, payload)
}

func (h *AdminCouponHandlers) getCoupon(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.serviceReady(w, r) {
		return
	}

	coupon, err := h.coupons.Get(ctx, strings.TrimSpace(chi.URLParam(r, "couponId")))
	if err != nil {
		writeCouponError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, couponResponse{Coupon: buildCouponPayload(coupon)})
}

func (h *AdminCouponHandlers) createCoupon(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.serviceReady(w, r) {
		return
	}

	coupon, err := h.parseCouponBody(w, r)
	if err != nil {
		return
	}

	created, err := h.coupons.Create(ctx, services.UpsertCouponCommand{
		Coupon:  coupon,
		ActorID: h.actorID(r),
	})
	if err != nil {
		writeCouponError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusCreated, couponResponse{Coupon: buildCouponPayload(created)})
}

func (h *AdminCouponHandlers) updateCoupon(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.serviceReady(w, r) {
		return
	}

	coupon, err := h.parseCouponBody(w, r)
	if err != nil {
		return
	}

	updated, err := h.coupons.Update(ctx, services.UpsertCouponCommand{
		CouponID: strings.TrimSpace(chi.URLParam(r, "couponId")),
		Coupon:   coupon,
		ActorID:  h.actorID(r),
	})
	if err != nil {
		writeCouponError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, couponResponse{Coupon: buildCouponPayload(updated)})
}

func (h *AdminCouponHandlers) deleteCoupon(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.serviceReady(w, r) {
		return
	}

	if err := h.coupons.Delete(ctx, strings.TrimSpace(chi.URLParam(r, "couponId"))); err != nil {
		writeCouponError(ctx, w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *AdminCouponHandlers) parseCouponBody(w http.ResponseWriter, r *http.Request) (services.Coupon, error) {
	ctx := r.Context()
	body, err := readLimitedBody(r, maxCouponBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return services.Coupon{}, err
	}

	var req upsertCouponRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON payload", http.StatusBadRequest))
		return services.Coupon{}, err
	}

	coupon := services.Coupon{
		Code:          strings.TrimSpace(req.Code),
		Description:   strings.TrimSpace(req.Description),
		Type:          domain.CouponType(strings.TrimSpace(req.Type)),
		Value:         req.Value,
		MaxDiscount:   req.MaxDiscount,
		MinOrderValue: req.MinOrderValue,
		UsageLimit:    req.UsageLimit,
		PerUserLimit:  req.PerUserLimit,
		Active:        req.Active,
	}
	if raw := strings.TrimSpace(req.ValidFrom); raw != "" {
		parsed, err := parseRFC3339(raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "valid_from must be an RFC3339 timestamp", http.StatusBadRequest))
			return services.Coupon{}, err
		}
		coupon.ValidFrom = parsed
	}
	if raw := strings.TrimSpace(req.ExpiresAt); raw != "" {
		parsed, err := parseRFC3339(raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "expires_at must be an RFC3339 timestamp", http.StatusBadRequest))
			return services.Coupon{}, err
		}
		coupon.ExpiresAt = parsed
	}

	return coupon, nil
}

func writeCouponError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrCouponCodeTaken):
		httpx.WriteError(ctx, w, httpx.NewError("coupon_code_taken", "coupon code already exists", http.StatusConflict))
	case errors.Is(err, services.ErrCouponInUse):
		httpx.WriteError(ctx, w, httpx.NewError("coupon_in_use", "coupon has been used and cannot be changed", http.StatusConflict))
	case errors.Is(err, services.ErrCouponInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrCouponNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("coupon_not_found", "coupon not found", http.StatusNotFound))
	case errors.Is(err, services.ErrCouponUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("coupon_service_unavailable", "coupon service is unavailable", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("coupon_error", "coupon operation failed", http.StatusInternalServerError))
	}
}

func buildCouponPayload(coupon services.Coupon) couponPayload {
	return couponPayload{
		ID:            coupon.ID,
		Code:          coupon.Code,
		Description:   coupon.Description,
		Type:          string(coupon.Type),
		Value:         coupon.Value,
		MaxDiscount:   coupon.MaxDiscount,
		MinOrderValue: coupon.MinOrderValue,
		UsageLimit:    coupon.UsageLimit,
		UsedCount:     coupon.UsedCount,
		PerUserLimit:  coupon.PerUserLimit,
		ValidFrom:     formatTime(coupon.ValidFrom),
		ExpiresAt:     formatTime(coupon.ExpiresAt),
		Active:        coupon.Active,
		CreatedBy:     coupon.CreatedBy,
		CreatedAt:     formatTime(coupon.CreatedAt),
		UpdatedAt:     formatTime(coupon.UpdatedAt),
	}
}

type couponResponse struct {
	Coupon couponPayload `json:"coupon"`
}

type couponListResponse struct {
	Coupons       []couponPayload `json:"coupons"`
	NextPageToken string          `json:"next_page_token,omitempty"`
}

type couponPayload struct {
	ID            string `json:"id"`
	Code          string `json:"code"`
	Description   string `json:"description,omitempty"`
	Type          string `json:"type"`
	Value         int64  `json:"value"`
	MaxDiscount   int64  `json:"max_discount,omitempty"`
	MinOrderValue int64  `json:"min_order_value,omitempty"`
	UsageLimit    int    `json:"usage_limit,omitempty"`
	UsedCount     int    `json:"used_count"`
	PerUserLimit  int    `json:"per_user_limit,omitempty"`
	ValidFrom     string `json:"valid_from"`
	ExpiresAt     string `json:"expires_at"`
	Active        bool   `json:"active"`
	CreatedBy     string `json:"created_by,omitempty"`
	CreatedAt     string `json:"created_at,omitempty"`
	UpdatedAt     string `json:"updated_at,omitempty"`
}

type upsertCouponRequest struct {
	Code          string `json:"code"`
	Description   string `json:"description"`
	Type          string `json:"type"`
	Value         int64  `json:"value"`
	MaxDiscount   int64  `json:"max_discount"`
	MinOrderValue int64  `json:"min_order_value"`
	UsageLimit    int    `json:"usage_limit"`
	PerUserLimit  int    `json:"per_user_limit"`
	ValidFrom     string `json:"valid_from"`
	ExpiresAt     string `json:"expires_at"`
	Active        bool   `json:"active"`
}
