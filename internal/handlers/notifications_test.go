package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/clearbay/api/internal/domain"
	"github.com/clearbay/api/internal/services"
)

type stubNotificationService struct {
	listFn func(ctx context.Context, userID string, pager services.Pagination) (domain.CursorPage[services.Notification], error)
}

func (s *stubNotificationService) NotifyOrderCreated(context.Context, services.Order) {}

func (s *stubNotificationService) NotifyOrderCancelled(context.Context, services.Order, string) {}

func (s *stubNotificationService) NotifyPaymentConfirmed(context.Context, services.Order, services.Transaction) {
}

func (s *stubNotificationService) NotifyPaymentRefunded(context.Context, services.Order, services.Transaction) {
}

func (s *stubNotificationService) ListForUser(ctx context.Context, userID string, pager services.Pagination) (domain.CursorPage[services.Notification], error) {
	if s.listFn == nil {
		return domain.CursorPage[services.Notification]{}, nil
	}
	return s.listFn(ctx, userID, pager)
}

var _ services.NotificationService = (*stubNotificationService)(nil)

func TestNotificationHandlersList(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	service := &stubNotificationService{
		listFn: func(ctx context.Context, userID string, pager services.Pagination) (domain.CursorPage[services.Notification], error) {
			if userID != "user-1" {
				t.Fatalf("unexpected user id %q", userID)
			}
			if pager.PageSize != 5 {
				t.Fatalf("unexpected page size %d", pager.PageSize)
			}
			return domain.CursorPage[services.Notification]{
				Items: []services.Notification{
					{
						ID:        "ntf-1",
						Kind:      domain.NotificationKindOrderCreated,
						Title:     "Order placed",
						Message:   "Your order CB-2024-000001 has been placed.",
						Data:      map[string]any{"orderNumber": "CB-2024-000001"},
						CreatedAt: now,
					},
				},
				NextPageToken: "tok-2",
			}, nil
		},
	}

	handler := NewNotificationHandlers(nil, service)
	router := chi.NewRouter()
	router.Route("/notifications", handler.Routes)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodGet, "/notifications?page_size=5", "", "user-1"))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	var resp notificationListResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(resp.Notifications) != 1 || resp.NextPageToken != "tok-2" {
		t.Fatalf("unexpected response %+v", resp)
	}
	entry := resp.Notifications[0]
	if entry.Kind != string(domain.NotificationKindOrderCreated) || entry.Data["orderNumber"] != "CB-2024-000001" {
		t.Fatalf("unexpected entry %+v", entry)
	}
}

func TestNotificationHandlersRequireAuth(t *testing.T) {
	handler := NewNotificationHandlers(nil, &stubNotificationService{})
	router := chi.NewRouter()
	router.Route("/notifications", handler.Routes)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/notifications", nil))

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", rr.Code)
	}
}
