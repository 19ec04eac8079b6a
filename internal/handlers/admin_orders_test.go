package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	domain "github.com/clearbay/api/internal/domain"
	"github.com/clearbay/api/internal/services"
)

func newAdminRouter(orders services.OrderService, payments services.PaymentService) chi.Router {
	handler := NewAdminOrderHandlers(nil, orders, payments)
	router := chi.NewRouter()
	router.Route("/admin", handler.Routes)
	return router
}

func TestAdminOrderHandlersUpdateStatus(t *testing.T) {
	var got services.OrderStatusCommand
	orders := &stubOrderService{
		updateStatusFn: func(ctx context.Context, cmd services.OrderStatusCommand) (services.Order, error) {
			got = cmd
			return services.Order{ID: cmd.OrderID, Status: cmd.Status, TrackingNumber: cmd.TrackingNumber}, nil
		},
	}

	router := newAdminRouter(orders, nil)
	rr := httptest.NewRecorder()
	body := `{"status":"shipped","tracking_number":"TRK-9","carrier":"tcs"}`
	router.ServeHTTP(rr, authedRequest(http.MethodPatch, "/admin/orders/o1/status", body, "admin-1"))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if got.OrderID != "o1" || got.Status != domain.OrderStatusShipped {
		t.Fatalf("unexpected command %+v", got)
	}
	if got.TrackingNumber != "TRK-9" || got.Carrier != "tcs" || got.ActorID != "admin-1" {
		t.Fatalf("unexpected command %+v", got)
	}
}

func TestAdminOrderHandlersUpdateStatusInvalidTransition(t *testing.T) {
	orders := &stubOrderService{
		updateStatusFn: func(ctx context.Context, cmd services.OrderStatusCommand) (services.Order, error) {
			return services.Order{}, services.ErrOrderInvalidTransition
		},
	}

	router := newAdminRouter(orders, nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodPatch, "/admin/orders/o1/status", `{"status":"processing"}`, "admin-1"))

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d", rr.Code)
	}
}

func TestAdminOrderHandlersCancelSkipsOwnership(t *testing.T) {
	var got services.CancelOrderCommand
	orders := &stubOrderService{
		cancelFn: func(ctx context.Context, cmd services.CancelOrderCommand) (services.Order, error) {
			got = cmd
			return services.Order{ID: cmd.OrderID, Status: domain.OrderStatusCancelled}, nil
		},
	}

	router := newAdminRouter(orders, nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodPost, "/admin/orders/o1/cancel", `{"reason":"fraud"}`, "admin-1"))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if got.UserID != "" {
		t.Fatalf("expected empty user id for operator cancel, got %q", got.UserID)
	}
	if got.Reason != "fraud" {
		t.Fatalf("unexpected reason %q", got.Reason)
	}
}

func TestAdminOrderHandlersRefund(t *testing.T) {
	var got services.RefundCommand
	payments := &stubPaymentService{
		refundFn: func(ctx context.Context, cmd services.RefundCommand) (services.Transaction, error) {
			got = cmd
			return services.Transaction{ID: cmd.TransactionID, Status: domain.TransactionStatusRefunded}, nil
		},
	}

	router := newAdminRouter(nil, payments)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodPost, "/admin/transactions/txn-1/refund", `{"amount":1000,"reason":"damaged"}`, "admin-1"))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if got.TransactionID != "txn-1" || got.Amount == nil || *got.Amount != 1000 {
		t.Fatalf("unexpected command %+v", got)
	}
	if got.Reason != "damaged" || got.ActorID != "admin-1" {
		t.Fatalf("unexpected command %+v", got)
	}
}

func TestAdminOrderHandlersRefundOverLimit(t *testing.T) {
	payments := &stubPaymentService{
		refundFn: func(ctx context.Context, cmd services.RefundCommand) (services.Transaction, error) {
			return services.Transaction{}, services.ErrPaymentInvalidInput
		},
	}

	router := newAdminRouter(nil, payments)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodPost, "/admin/transactions/txn-1/refund", `{"amount":999999}`, "admin-1"))

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestAdminOrderHandlersConfirmTransfer(t *testing.T) {
	var got services.ConfirmBankTransferCommand
	payments := &stubPaymentService{
		bankTransferFn: func(ctx context.Context, cmd services.ConfirmBankTransferCommand) (services.Transaction, error) {
			got = cmd
			return services.Transaction{ID: cmd.TransactionID, Status: domain.TransactionStatusCompleted}, nil
		},
	}

	router := newAdminRouter(nil, payments)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodPost, "/admin/transactions/txn-1/confirm-transfer", `{"reference":"SLIP-42"}`, "admin-1"))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if got.Reference != "SLIP-42" || got.ActorID != "admin-1" {
		t.Fatalf("unexpected command %+v", got)
	}
}

func TestAdminOrderHandlersConfirmTransferRequiresReference(t *testing.T) {
	router := newAdminRouter(nil, &stubPaymentService{})
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodPost, "/admin/transactions/txn-1/confirm-transfer", `{}`, "admin-1"))

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestAdminOrderHandlersListFilters(t *testing.T) {
	var got services.OrderListFilter
	orders := &stubOrderService{
		listOrdersFn: func(ctx context.Context, filter services.OrderListFilter) (domain.CursorPage[services.Order], error) {
			got = filter
			return domain.CursorPage[services.Order]{Items: []services.Order{{ID: "o1"}}}, nil
		},
	}

	router := newAdminRouter(orders, nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodGet, "/admin/orders?user_id=user-9&status=processing", "", "admin-1"))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if got.UserID != "user-9" || len(got.Status) != 1 || got.Status[0] != domain.OrderStatusProcessing {
		t.Fatalf("unexpected filter %+v", got)
	}

	var resp orderListResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(resp.Orders) != 1 {
		t.Fatalf("expected one order, got %d", len(resp.Orders))
	}
}
