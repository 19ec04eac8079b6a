package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/clearbay/api/internal/platform/auth"
	"github.com/clearbay/api/internal/platform/httpx"
	"github.com/clearbay/api/internal/services"
)

// NotificationHandlers exposes the authenticated notification feed.
type NotificationHandlers struct {
	authn         *auth.Authenticator
	notifications services.NotificationService
}

const (
	defaultNotificationPageSize = 20
	maxNotificationPageSize     = 100
)

// NewNotificationHandlers constructs handlers enforcing Firebase authentication before reading the feed.
func NewNotificationHandlers(authn *auth.Authenticator, notifications services.NotificationService) *NotificationHandlers {
	return &NotificationHandlers{
		authn:         authn,
		notifications: notifications,
	}
}

// Routes wires the /notifications endpoints onto the provided router.
func (h *NotificationHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth())
	}
	r.Get("/", h.listNotifications)
}

func (h *NotificationHandlers) listNotifications(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.notifications == nil {
		httpx.WriteError(ctx, w, httpx.NewError("notification_service_unavailable", "notification service is unavailable", http.StatusServiceUnavailable))
		return
	}

	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	pager, err := parsePagination(r, defaultNotificationPageSize, maxNotificationPageSize)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	page, err := h.notifications.ListForUser(ctx, identity.UID, pager)
	if err != nil {
		writeNotificationError(ctx, w, err)
		return
	}

	payload := notificationListResponse{
		Notifications: make([]notificationPayload, 0, len(page.Items)),
		NextPageToken: page.NextPageToken,
	}
	for _, entry := range page.Items {
		payload.Notifications = append(payload.Notifications, notificationPayload{
			ID:        entry.ID,
			Kind:      string(entry.Kind),
			Title:     entry.Title,
			Message:   entry.Message,
			Data:      cloneMap(entry.Data),
			Read:      entry.Read,
			CreatedAt: formatTime(entry.CreatedAt),
		})
	}
	writeJSONResponse(w, http.StatusOK, payload)
}

func writeNotificationError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrNotificationInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrNotificationUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("notification_service_unavailable", "notification service is unavailable", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("notification_error", "failed to list notifications", http.StatusInternalServerError))
	}
}

type notificationListResponse struct {
	Notifications []notificationPayload `json:"notifications"`
	NextPageToken string                `json:"next_page_token,omitempty"`
}

type notificationPayload struct {
	ID        string         `json:"id"`
	Kind      string         `json:"kind"`
	Title     string         `json:"title"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
	Read      bool           `json:"read"`
	CreatedAt string         `json:"created_at,omitempty"`
}
