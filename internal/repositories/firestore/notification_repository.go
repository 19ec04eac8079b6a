package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"

	domain "github.com/clearbay/api/internal/domain"
	pfirestore "github.com/clearbay/api/internal/platform/firestore"
	"github.com/clearbay/api/internal/repositories"
)

const (
	notificationCollection = "notifications"
)

// NotificationRepository appends entries to per-user notification feeds.
type NotificationRepository struct {
	provider *pfirestore.Provider
	base     *pfirestore.BaseRepository[notificationDocument]
}

// NewNotificationRepository constructs a Firestore-backed notification repository.
func NewNotificationRepository(provider *pfirestore.Provider) (*NotificationRepository, error) {
	if provider == nil {
		return nil, errors.New("notification repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[notificationDocument](provider, notificationCollection, nil, nil)
	return &NotificationRepository{provider: provider, base: base}, nil
}

// Append stores a notification entry.
func (r *NotificationRepository) Append(ctx context.Context, notification domain.Notification) error {
	if r == nil || r.base == nil {
		return errors.New("notification repository not initialised")
	}
	id := strings.TrimSpace(notification.ID)
	if id == "" {
		return errors.New("notification repository: notification id is required")
	}
	if _, err := r.base.Set(ctx, id, newNotificationDocument(notification)); err != nil {
		return err
	}
	return nil
}

// ListByUser returns the user's feed, newest first.
func (r *NotificationRepository) ListByUser(ctx context.Context, userID string, pager domain.Pagination) (domain.CursorPage[domain.Notification], error) {
	if r == nil || r.provider == nil {
		return domain.CursorPage[domain.Notification]{}, errors.New("notification repository not initialised")
	}
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return domain.CursorPage[domain.Notification]{}, errors.New("notification repository: user id is required")
	}

	pageSize := pager.PageSize
	if pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.CursorPage[domain.Notification]{}, pfirestore.WrapError("notifications.listByUser", err)
	}

	query := client.Collection(notificationCollection).
		Where("userId", "==", uid).
		OrderBy("createdAt", firestore.Desc).
		OrderBy(firestore.DocumentID, firestore.Asc).
		Limit(pageSize + 1)

	if token := strings.TrimSpace(pager.PageToken); token != "" {
		decoded, err := decodeOrderPageToken(token)
		if err != nil {
			return domain.CursorPage[domain.Notification]{}, pfirestore.WrapError("notifications.listByUser", err)
		}
		query = query.StartAfter(decoded.CreatedAt, decoded.ID)
	}

	iter := query.Documents(ctx)
	defer iter.Stop()

	var items []domain.Notification
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return domain.CursorPage[domain.Notification]{}, pfirestore.WrapError("notifications.listByUser", err)
		}
		var doc notificationDocument
		if err := snap.DataTo(&doc); err != nil {
			return domain.CursorPage[domain.Notification]{}, fmt.Errorf("decode notification %s: %w", snap.Ref.ID, err)
		}
		items = append(items, doc.toDomain(snap.Ref.ID))
	}

	hasMore := len(items) > pageSize
	if hasMore {
		items = items[:pageSize]
	}
	var nextToken string
	if hasMore && len(items) > 0 {
		last := items[len(items)-1]
		encoded, err := encodeOrderPageToken(orderPageToken{ID: last.ID, CreatedAt: last.CreatedAt})
		if err != nil {
			return domain.CursorPage[domain.Notification]{}, pfirestore.WrapError("notifications.listByUser", err)
		}
		nextToken = encoded
	}

	return domain.CursorPage[domain.Notification]{Items: items, NextPageToken: nextToken}, nil
}

type notificationDocument struct {
	UserID    string         `firestore:"userId"`
	Kind      string         `firestore:"kind"`
	Title     string         `firestore:"title"`
	Message   string         `firestore:"message"`
	Data      map[string]any `firestore:"data,omitempty"`
	Read      bool           `firestore:"read"`
	CreatedAt time.Time      `firestore:"createdAt"`
}

func newNotificationDocument(n domain.Notification) notificationDocument {
	return notificationDocument{
		UserID:    strings.TrimSpace(n.UserID),
		Kind:      string(n.Kind),
		Title:     strings.TrimSpace(n.Title),
		Message:   n.Message,
		Data:      cloneAnyMap(n.Data),
		Read:      n.Read,
		CreatedAt: n.CreatedAt.UTC(),
	}
}

func (d notificationDocument) toDomain(id string) domain.Notification {
	return domain.Notification{
		ID:        id,
		UserID:    d.UserID,
		Kind:      domain.NotificationKind(d.Kind),
		Title:     d.Title,
		Message:   d.Message,
		Data:      cloneAnyMap(d.Data),
		Read:      d.Read,
		CreatedAt: d.CreatedAt,
	}
}

var _ repositories.NotificationRepository = (*NotificationRepository)(nil)
