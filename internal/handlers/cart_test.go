package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/clearbay/api/internal/platform/auth"
	"github.com/clearbay/api/internal/services"
)

type stubCartService struct {
	getCartFn      func(ctx context.Context, userID string) (services.Cart, error)
	addItemFn      func(ctx context.Context, cmd services.AddCartItemCommand) (services.Cart, error)
	updateItemFn   func(ctx context.Context, cmd services.UpdateCartItemCommand) (services.Cart, error)
	removeItemFn   func(ctx context.Context, cmd services.RemoveCartItemCommand) (services.Cart, error)
	clearCartFn    func(ctx context.Context, userID string) error
	applyCouponFn  func(ctx context.Context, cmd services.ApplyCouponCommand) (services.Cart, error)
	removeCouponFn func(ctx context.Context, userID string) (services.Cart, error)
}

func (s *stubCartService) GetCart(ctx context.Context, userID string) (services.Cart, error) {
	if s.getCartFn == nil {
		return services.Cart{}, nil
	}
	return s.getCartFn(ctx, userID)
}

func (s *stubCartService) AddItem(ctx context.Context, cmd services.AddCartItemCommand) (services.Cart, error) {
	if s.addItemFn == nil {
		return services.Cart{}, nil
	}
	return s.addItemFn(ctx, cmd)
}

func (s *stubCartService) UpdateItemQuantity(ctx context.Context, cmd services.UpdateCartItemCommand) (services.Cart, error) {
	if s.updateItemFn == nil {
		return services.Cart{}, nil
	}
	return s.updateItemFn(ctx, cmd)
}

func (s *stubCartService) RemoveItem(ctx context.Context, cmd services.RemoveCartItemCommand) (services.Cart, error) {
	if s.removeItemFn == nil {
		return services.Cart{}, nil
	}
	return s.removeItemFn(ctx, cmd)
}

func (s *stubCartService) ClearCart(ctx context.Context, userID string) error {
	if s.clearCartFn == nil {
		return nil
	}
	return s.clearCartFn(ctx, userID)
}

func (s *stubCartService) ApplyCoupon(ctx context.Context, cmd services.ApplyCouponCommand) (services.Cart, error) {
	if s.applyCouponFn == nil {
		return services.Cart{}, nil
	}
	return s.applyCouponFn(ctx, cmd)
}

func (s *stubCartService) RemoveCoupon(ctx context.Context, userID string) (services.Cart, error) {
	if s.removeCouponFn == nil {
		return services.Cart{}, nil
	}
	return s.removeCouponFn(ctx, userID)
}

var _ services.CartService = (*stubCartService)(nil)

func newCartRouter(service services.CartService) chi.Router {
	handler := NewCartHandlers(nil, service)
	router := chi.NewRouter()
	router.Route("/cart", handler.Routes)
	return router
}

func authedRequest(method, target string, body string, uid string) *http.Request {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	return req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: uid}))
}

func TestCartHandlersGetCart(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	service := &stubCartService{
		getCartFn: func(ctx context.Context, userID string) (services.Cart, error) {
			if userID != "user-7" {
				t.Fatalf("unexpected user id %q", userID)
			}
			return services.Cart{
				ID:       "user-7",
				UserID:   "user-7",
				Currency: "usd",
				Items: []services.CartItem{
					{ID: "item-1", ProductID: "p1", Name: "Desk Lamp", Quantity: 2, UnitPrice: 2500, AddedAt: now},
				},
				Coupon:    &services.CartCoupon{CouponID: "c1", Code: "SAVE10", Discount: 500},
				Shipping:  400,
				UpdatedAt: now,
			}, nil
		},
	}

	router := newCartRouter(service)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodGet, "/cart", "", "user-7"))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if cc := rr.Header().Get("Cache-Control"); !strings.Contains(cc, "no-store") {
		t.Fatalf("expected Cache-Control no-store, got %q", cc)
	}
	if rr.Header().Get("ETag") == "" || rr.Header().Get("Last-Modified") == "" {
		t.Fatalf("expected ETag and Last-Modified headers")
	}

	var resp cartResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Cart.Currency != "USD" {
		t.Fatalf("expected currency USD, got %q", resp.Cart.Currency)
	}
	if resp.Cart.Subtotal != 5000 || resp.Cart.Discount != 500 || resp.Cart.Total != 4900 {
		t.Fatalf("unexpected totals %+v", resp.Cart)
	}
	if len(resp.Cart.Items) != 1 || resp.Cart.Items[0].LineTotal != 5000 {
		t.Fatalf("unexpected items %+v", resp.Cart.Items)
	}
	if resp.Cart.Coupon == nil || resp.Cart.Coupon.Code != "SAVE10" {
		t.Fatalf("expected coupon snapshot, got %+v", resp.Cart.Coupon)
	}
}

func TestCartHandlersRequireAuth(t *testing.T) {
	router := newCartRouter(&stubCartService{})
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/cart", nil))

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", rr.Code)
	}
}

func TestCartHandlersServiceUnavailable(t *testing.T) {
	router := newCartRouter(nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodGet, "/cart", "", "user-1"))

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", rr.Code)
	}
}

func TestCartHandlersAddItem(t *testing.T) {
	var got services.AddCartItemCommand
	service := &stubCartService{
		addItemFn: func(ctx context.Context, cmd services.AddCartItemCommand) (services.Cart, error) {
			got = cmd
			return services.Cart{ID: "user-1", UserID: "user-1", Currency: "USD"}, nil
		},
	}

	router := newCartRouter(service)
	rr := httptest.NewRecorder()
	body := `{"product_id":"p1","quantity":2,"variant":{"name":"size","value":"M"}}`
	router.ServeHTTP(rr, authedRequest(http.MethodPost, "/cart/items", body, "user-1"))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if got.ProductID != "p1" || got.Quantity != 2 {
		t.Fatalf("unexpected command %+v", got)
	}
	if got.Variant == nil || got.Variant.Name != "size" || got.Variant.Value != "M" {
		t.Fatalf("expected variant selector, got %+v", got.Variant)
	}
}

func TestCartHandlersAddItemRejectsBadQuantity(t *testing.T) {
	router := newCartRouter(&stubCartService{})
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodPost, "/cart/items", `{"product_id":"p1","quantity":0}`, "user-1"))

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestCartHandlersAddItemInsufficientStock(t *testing.T) {
	service := &stubCartService{
		addItemFn: func(ctx context.Context, cmd services.AddCartItemCommand) (services.Cart, error) {
			return services.Cart{}, services.ErrCartInsufficientStock
		},
	}

	router := newCartRouter(service)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodPost, "/cart/items", `{"product_id":"p1","quantity":5}`, "user-1"))

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d", rr.Code)
	}
}

func TestCartHandlersUpdateItemQuantity(t *testing.T) {
	var got services.UpdateCartItemCommand
	service := &stubCartService{
		updateItemFn: func(ctx context.Context, cmd services.UpdateCartItemCommand) (services.Cart, error) {
			got = cmd
			return services.Cart{ID: "user-1"}, nil
		},
	}

	router := newCartRouter(service)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodPatch, "/cart/items/item-1", `{"quantity":3}`, "user-1"))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if got.ItemID != "item-1" || got.Quantity != 3 {
		t.Fatalf("unexpected command %+v", got)
	}
}

func TestCartHandlersRemoveItemNotFound(t *testing.T) {
	service := &stubCartService{
		removeItemFn: func(ctx context.Context, cmd services.RemoveCartItemCommand) (services.Cart, error) {
			return services.Cart{}, services.ErrCartItemNotFound
		},
	}

	router := newCartRouter(service)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodDelete, "/cart/items/nope", "", "user-1"))

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rr.Code)
	}
}

func TestCartHandlersApplyCouponNotApplicable(t *testing.T) {
	service := &stubCartService{
		applyCouponFn: func(ctx context.Context, cmd services.ApplyCouponCommand) (services.Cart, error) {
			return services.Cart{}, services.ErrCouponExpired
		},
	}

	router := newCartRouter(service)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodPost, "/cart/coupon", `{"code":"OLD"}`, "user-1"))

	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected status 422, got %d", rr.Code)
	}
}

func TestCartHandlersClearCart(t *testing.T) {
	cleared := ""
	service := &stubCartService{
		clearCartFn: func(ctx context.Context, userID string) error {
			cleared = userID
			return nil
		},
	}

	router := newCartRouter(service)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodDelete, "/cart", "", "user-1"))

	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected status 204, got %d", rr.Code)
	}
	if cleared != "user-1" {
		t.Fatalf("expected clear for user-1, got %q", cleared)
	}
}
