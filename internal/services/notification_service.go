package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	domain "github.com/clearbay/api/internal/domain"
	"github.com/clearbay/api/internal/repositories"
)

var (
	// ErrNotificationInvalidInput indicates the caller supplied invalid parameters.
	ErrNotificationInvalidInput = errors.New("notification service: invalid input")
	// ErrNotificationUnavailable indicates the notification backend cannot fulfil the request.
	ErrNotificationUnavailable = errors.New("notification service: unavailable")
)

// NotificationJobMessage is the payload handed to the delivery worker for
// push and email fanout.
type NotificationJobMessage struct {
	NotificationID string         `json:"notificationId"`
	UserID         string         `json:"userId"`
	Kind           string         `json:"kind"`
	Title          string         `json:"title"`
	Message        string         `json:"message"`
	Data           map[string]any `json:"data,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
	IdempotencyKey string         `json:"idempotencyKey,omitempty"`
}

// NotificationPublisher enqueues notification delivery jobs.
type NotificationPublisher interface {
	PublishNotificationJob(ctx context.Context, msg NotificationJobMessage) (string, error)
}

// NotificationServiceDeps wires the feed repository and the delivery queue.
type NotificationServiceDeps struct {
	Repository  repositories.NotificationRepository
	Publisher   NotificationPublisher
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(context.Context, string, map[string]any)
}

type notificationService struct {
	repo      repositories.NotificationRepository
	publisher NotificationPublisher
	now       func() time.Time
	newID     func() string
	logger    func(context.Context, string, map[string]any)
	printer   *message.Printer
}

// NewNotificationService constructs a NotificationService enforcing dependency validation.
func NewNotificationService(deps NotificationServiceDeps) (NotificationService, error) {
	if deps.Repository == nil {
		return nil, errors.New("notification service: repository is required")
	}
	if deps.Clock == nil {
		return nil, errors.New("notification service: clock is required")
	}

	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &notificationService{
		repo:      deps.Repository,
		publisher: deps.Publisher,
		now:       func() time.Time { return deps.Clock().UTC() },
		newID:     idGen,
		logger:    logger,
		printer:   message.NewPrinter(language.English),
	}, nil
}

func (s *notificationService) NotifyOrderCreated(ctx context.Context, order Order) {
	s.record(ctx, domain.Notification{
		UserID:  order.UserID,
		Kind:    domain.NotificationKindOrderCreated,
		Title:   "Order placed",
		Message: s.printer.Sprintf("Your order %s for %s has been placed.", order.Number, s.amount(order.Totals.Total, "")),
		Data: map[string]any{
			"orderId":     order.ID,
			"orderNumber": order.Number,
			"total":       order.Totals.Total,
		},
	})
}

func (s *notificationService) NotifyOrderCancelled(ctx context.Context, order Order, reason string) {
	msg := s.printer.Sprintf("Your order %s has been cancelled.", order.Number)
	if reason = strings.TrimSpace(reason); reason != "" {
		msg = s.printer.Sprintf("Your order %s has been cancelled: %s", order.Number, reason)
	}
	s.record(ctx, domain.Notification{
		UserID:  order.UserID,
		Kind:    domain.NotificationKindOrderCancelled,
		Title:   "Order cancelled",
		Message: msg,
		Data: map[string]any{
			"orderId":     order.ID,
			"orderNumber": order.Number,
			"reason":      reason,
		},
	})
}

func (s *notificationService) NotifyPaymentConfirmed(ctx context.Context, order Order, txn Transaction) {
	s.record(ctx, domain.Notification{
		UserID:  order.UserID,
		Kind:    domain.NotificationKindPaymentConfirmed,
		Title:   "Payment received",
		Message: s.printer.Sprintf("Your payment of %s for order %s was received.", s.amount(txn.Amount, txn.Currency), order.Number),
		Data: map[string]any{
			"orderId":       order.ID,
			"orderNumber":   order.Number,
			"transactionId": txn.ID,
			"amount":        txn.Amount,
		},
	})
}

func (s *notificationService) NotifyPaymentRefunded(ctx context.Context, order Order, txn Transaction) {
	amount := txn.RefundAmount
	if amount <= 0 {
		amount = txn.Amount
	}
	s.record(ctx, domain.Notification{
		UserID:  order.UserID,
		Kind:    domain.NotificationKindPaymentRefunded,
		Title:   "Refund processed",
		Message: s.printer.Sprintf("A refund of %s for order %s has been processed.", s.amount(amount, txn.Currency), order.Number),
		Data: map[string]any{
			"orderId":       order.ID,
			"orderNumber":   order.Number,
			"transactionId": txn.ID,
			"amount":        amount,
		},
	})
}

func (s *notificationService) ListForUser(ctx context.Context, userID string, pager Pagination) (domain.CursorPage[Notification], error) {
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return domain.CursorPage[Notification]{}, fmt.Errorf("%w: user id is required", ErrNotificationInvalidInput)
	}
	page, err := s.repo.ListByUser(ctx, uid, pager)
	if err != nil {
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) && repoErr.IsNotFound() {
			return domain.CursorPage[Notification]{}, nil
		}
		return domain.CursorPage[Notification]{}, ErrNotificationUnavailable
	}
	return page, nil
}

// record appends to the feed and enqueues delivery. Failures are logged so
// the triggering operation never fails on notification plumbing.
func (s *notificationService) record(ctx context.Context, notification domain.Notification) {
	if strings.TrimSpace(notification.UserID) == "" {
		return
	}
	notification.ID = s.newID()
	notification.CreatedAt = s.now()

	if err := s.repo.Append(ctx, notification); err != nil {
		s.logger(ctx, "notification.append_failed", map[string]any{
			"userId": notification.UserID,
			"kind":   string(notification.Kind),
			"error":  err.Error(),
		})
		return
	}

	if s.publisher != nil {
		_, err := s.publisher.PublishNotificationJob(ctx, NotificationJobMessage{
			NotificationID: notification.ID,
			UserID:         notification.UserID,
			Kind:           string(notification.Kind),
			Title:          notification.Title,
			Message:        notification.Message,
			Data:           notification.Data,
			CreatedAt:      notification.CreatedAt,
			IdempotencyKey: notification.ID,
		})
		if err != nil {
			s.logger(ctx, "notification.publish_failed", map[string]any{
				"notificationId": notification.ID,
				"error":          err.Error(),
			})
		}
	}

	s.logger(ctx, "notification.recorded", map[string]any{
		"notificationId": notification.ID,
		"userId":         notification.UserID,
		"kind":           string(notification.Kind),
	})
}

// amount renders a minor-unit amount for human-facing copy.
func (s *notificationService) amount(minor int64, currency string) string {
	value := float64(minor) / 100
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if currency == "" {
		return s.printer.Sprintf("%.2f", value)
	}
	return s.printer.Sprintf("%s %.2f", currency, value)
}
