package firestore

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/clearbay/api/internal/domain"
	pfirestore "github.com/clearbay/api/internal/platform/firestore"
	"github.com/clearbay/api/internal/repositories"
)

const (
	orderCollection = "orders"
)

// OrderRepository persists order documents within Firestore.
type OrderRepository struct {
	provider *pfirestore.Provider
	base     *pfirestore.BaseRepository[orderDocument]
}

// NewOrderRepository constructs a Firestore-backed order repository.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[orderDocument](provider, orderCollection, nil, nil)
	return &OrderRepository{provider: provider, base: base}, nil
}

// Insert creates the order document; an existing ID is a conflict.
func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	if r == nil || r.base == nil {
		return errors.New("order repository not initialised")
	}
	id := strings.TrimSpace(order.ID)
	if id == "" {
		return errors.New("order repository: order id is required")
	}

	ref, err := r.base.DocumentRef(ctx, id)
	if err != nil {
		return err
	}
	if _, err := ref.Create(ctx, newOrderDocument(order)); err != nil {
		return pfirestore.WrapError("orders.insert", err)
	}
	return nil
}

// FindByID loads an order regardless of ownership (admin/internal usage).
func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	if r == nil || r.base == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	id := strings.TrimSpace(orderID)
	if id == "" {
		return domain.Order{}, errors.New("order repository: order id is required")
	}
	doc, err := r.base.Get(ctx, id)
	if err != nil {
		return domain.Order{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

// FindForUser loads an order and hides it behind not-found when owned by
// another user.
func (r *OrderRepository) FindForUser(ctx context.Context, orderID string, userID string) (domain.Order, error) {
	order, err := r.FindByID(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	if !strings.EqualFold(order.UserID, strings.TrimSpace(userID)) {
		return domain.Order{}, pfirestore.NewNotFoundError("orders.findForUser", fmt.Sprintf("order %s not found", orderID), nil)
	}
	return order, nil
}

// List returns orders sorted by creation time descending with cursor paging.
func (r *OrderRepository) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	if r == nil || r.provider == nil {
		return domain.CursorPage[domain.Order]{}, errors.New("order repository not initialised")
	}

	pageSize := filter.Pagination.PageSize
	if pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, pfirestore.WrapError("orders.list", err)
	}

	query := client.Collection(orderCollection).Query
	if uid := strings.TrimSpace(filter.UserID); uid != "" {
		query = query.Where("userId", "==", uid)
	}
	if len(filter.Status) > 0 {
		statuses := make([]string, len(filter.Status))
		for i, s := range filter.Status {
			statuses[i] = string(s)
		}
		query = query.Where("status", "in", statuses)
	}
	if filter.DateRange.From != nil {
		query = query.Where("createdAt", ">=", filter.DateRange.From.UTC())
	}
	if filter.DateRange.To != nil {
		query = query.Where("createdAt", "<=", filter.DateRange.To.UTC())
	}
	query = query.OrderBy("createdAt", firestore.Desc).OrderBy(firestore.DocumentID, firestore.Asc).Limit(pageSize + 1)

	if token := strings.TrimSpace(filter.Pagination.PageToken); token != "" {
		decoded, err := decodeOrderPageToken(token)
		if err != nil {
			return domain.CursorPage[domain.Order]{}, pfirestore.WrapError("orders.list", err)
		}
		query = query.StartAfter(decoded.CreatedAt, decoded.ID)
	}

	iter := query.Documents(ctx)
	defer iter.Stop()

	var orders []domain.Order
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return domain.CursorPage[domain.Order]{}, pfirestore.WrapError("orders.list", err)
		}
		var doc orderDocument
		if err := snap.DataTo(&doc); err != nil {
			return domain.CursorPage[domain.Order]{}, fmt.Errorf("decode order %s: %w", snap.Ref.ID, err)
		}
		orders = append(orders, doc.toDomain(snap.Ref.ID))
	}

	hasMore := len(orders) > pageSize
	if hasMore {
		orders = orders[:pageSize]
	}
	var nextToken string
	if hasMore && len(orders) > 0 {
		last := orders[len(orders)-1]
		encoded, err := encodeOrderPageToken(orderPageToken{ID: last.ID, CreatedAt: last.CreatedAt})
		if err != nil {
			return domain.CursorPage[domain.Order]{}, pfirestore.WrapError("orders.list", err)
		}
		nextToken = encoded
	}

	return domain.CursorPage[domain.Order]{Items: orders, NextPageToken: nextToken}, nil
}

// UpdateStatus applies the mutation in a transaction, verifying every
// expectation against the stored document first. Losers of concurrent
// transitions receive a conflict error.
func (r *OrderRepository) UpdateStatus(ctx context.Context, orderID string, update repositories.OrderStatusUpdate) (domain.Order, error) {
	if r == nil || r.provider == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	id := strings.TrimSpace(orderID)
	if id == "" {
		return domain.Order{}, errors.New("order repository: order id is required")
	}

	now := update.Now.UTC()
	if now.IsZero() {
		now = time.Now().UTC()
	}

	var updated domain.Order
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.base.DocumentRef(ctx, id)
		if err != nil {
			return err
		}
		snap, err := tx.Get(ref)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return pfirestore.NewNotFoundError("orders.updateStatus", fmt.Sprintf("order %s not found", id), err)
			}
			return err
		}
		var doc orderDocument
		if err := snap.DataTo(&doc); err != nil {
			return fmt.Errorf("decode order %s: %w", id, err)
		}

		if len(update.ExpectedStatus) > 0 && !containsString(orderStatusStrings(update.ExpectedStatus), doc.Status) {
			return pfirestore.NewConflictError("orders.updateStatus", fmt.Sprintf("order %s status is %s", id, doc.Status), nil)
		}
		if len(update.ExpectedPaymentStatus) > 0 && !containsString(paymentStatusStrings(update.ExpectedPaymentStatus), doc.PaymentStatus) {
			return pfirestore.NewConflictError("orders.updateStatus", fmt.Sprintf("order %s payment status is %s", id, doc.PaymentStatus), nil)
		}

		if update.Status != nil {
			doc.Status = string(*update.Status)
		}
		if update.PaymentStatus != nil {
			doc.PaymentStatus = string(*update.PaymentStatus)
		}
		if update.TrackingInfo != nil {
			doc.TrackingNumber = strings.TrimSpace(update.TrackingInfo.TrackingNumber)
			doc.Carrier = strings.TrimSpace(update.TrackingInfo.Carrier)
		}
		if update.CancelledAt != nil {
			at := update.CancelledAt.UTC()
			doc.CancelledAt = &at
		}
		if update.DeliveredAt != nil {
			at := update.DeliveredAt.UTC()
			doc.DeliveredAt = &at
		}
		doc.UpdatedAt = now

		if err := tx.Set(ref, doc); err != nil {
			return err
		}
		updated = doc.toDomain(id)
		return nil
	})
	if err != nil {
		return domain.Order{}, pfirestore.WrapError("orders.updateStatus", err)
	}
	return updated, nil
}

// MarkCommitted flips the creation saga phase after the inventory decrement.
func (r *OrderRepository) MarkCommitted(ctx context.Context, orderID string, now time.Time) error {
	if r == nil || r.base == nil {
		return errors.New("order repository not initialised")
	}
	id := strings.TrimSpace(orderID)
	if id == "" {
		return errors.New("order repository: order id is required")
	}
	_, err := r.base.Update(ctx, id, []firestore.Update{
		{Path: "commitPhase", Value: string(domain.OrderCommitPhaseCommitted)},
		{Path: "updatedAt", Value: now.UTC()},
	})
	return err
}

// Delete removes an order document; used to compensate failed creation sagas.
func (r *OrderRepository) Delete(ctx context.Context, orderID string) error {
	if r == nil || r.base == nil {
		return errors.New("order repository not initialised")
	}
	id := strings.TrimSpace(orderID)
	if id == "" {
		return errors.New("order repository: order id is required")
	}
	ref, err := r.base.DocumentRef(ctx, id)
	if err != nil {
		return err
	}
	if _, err := ref.Delete(ctx); err != nil {
		return pfirestore.WrapError("orders.delete", err)
	}
	return nil
}

// ListUncommitted returns creation-saga stragglers for the reconciliation job.
func (r *OrderRepository) ListUncommitted(ctx context.Context, cutoff time.Time, limit int) ([]domain.Order, error) {
	if r == nil || r.provider == nil {
		return nil, errors.New("order repository not initialised")
	}
	if limit <= 0 {
		limit = 50
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, pfirestore.WrapError("orders.listUncommitted", err)
	}

	query := client.Collection(orderCollection).Query.
		Where("commitPhase", "==", string(domain.OrderCommitPhasePending)).
		Where("createdAt", "<=", cutoff.UTC()).
		OrderBy("createdAt", firestore.Asc).
		Limit(limit)

	iter := query.Documents(ctx)
	defer iter.Stop()

	var orders []domain.Order
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, pfirestore.WrapError("orders.listUncommitted", err)
		}
		var doc orderDocument
		if err := snap.DataTo(&doc); err != nil {
			return nil, fmt.Errorf("decode order %s: %w", snap.Ref.ID, err)
		}
		orders = append(orders, doc.toDomain(snap.Ref.ID))
	}
	return orders, nil
}

// Document structures -------------------------------------------------------

type orderDocument struct {
	Number          string              `firestore:"number"`
	UserID          string              `firestore:"userId"`
	Items           []orderItemDocument `firestore:"items"`
	ShippingAddress addressDocument     `firestore:"shippingAddress"`
	BillingAddress  addressDocument     `firestore:"billingAddress"`
	PaymentMethod   string              `firestore:"paymentMethod"`
	PaymentStatus   string              `firestore:"paymentStatus"`
	Status          string              `firestore:"status"`
	CommitPhase     string              `firestore:"commitPhase"`
	Subtotal        int64               `firestore:"subtotal"`
	Shipping        int64               `firestore:"shipping"`
	Tax             int64               `firestore:"tax"`
	Discount        int64               `firestore:"discount"`
	Total           int64               `firestore:"total"`
	CouponID        string              `firestore:"couponId,omitempty"`
	CouponCode      string              `firestore:"couponCode,omitempty"`
	Notes           string              `firestore:"notes,omitempty"`
	TrackingNumber  string              `firestore:"trackingNumber,omitempty"`
	Carrier         string              `firestore:"carrier,omitempty"`
	CancelledAt     *time.Time          `firestore:"cancelledAt,omitempty"`
	DeliveredAt     *time.Time          `firestore:"deliveredAt,omitempty"`
	CreatedAt       time.Time           `firestore:"createdAt"`
	UpdatedAt       time.Time           `firestore:"updatedAt"`
}

type orderItemDocument struct {
	ProductID string              `firestore:"productId"`
	Name      string              `firestore:"name"`
	Image     string              `firestore:"image,omitempty"`
	Variant   *variantSelectorDoc `firestore:"variant,omitempty"`
	UnitPrice int64               `firestore:"unitPrice"`
	Quantity  int                 `firestore:"qty"`
	Tracked   bool                `firestore:"tracked"`
	Total     int64               `firestore:"total"`
}

type addressDocument struct {
	Name       string `firestore:"name,omitempty"`
	Street     string `firestore:"street,omitempty"`
	City       string `firestore:"city,omitempty"`
	State      string `firestore:"state,omitempty"`
	PostalCode string `firestore:"zipCode,omitempty"`
	Country    string `firestore:"country,omitempty"`
	Phone      string `firestore:"phone,omitempty"`
}

func newOrderDocument(order domain.Order) orderDocument {
	items := make([]orderItemDocument, len(order.Items))
	for i, item := range order.Items {
		items[i] = orderItemDocument{
			ProductID: strings.TrimSpace(item.ProductID),
			Name:      strings.TrimSpace(item.Name),
			Image:     strings.TrimSpace(item.Image),
			Variant:   newVariantSelectorDoc(item.Variant),
			UnitPrice: item.UnitPrice,
			Quantity:  item.Quantity,
			Tracked:   item.Tracked,
			Total:     item.Total,
		}
	}
	return orderDocument{
		Number:          strings.TrimSpace(order.Number),
		UserID:          strings.TrimSpace(order.UserID),
		Items:           items,
		ShippingAddress: newAddressDocument(order.ShippingAddress),
		BillingAddress:  newAddressDocument(order.BillingAddress),
		PaymentMethod:   string(order.PaymentMethod),
		PaymentStatus:   string(order.PaymentStatus),
		Status:          string(order.Status),
		CommitPhase:     string(order.CommitPhase),
		Subtotal:        order.Totals.Subtotal,
		Shipping:        order.Totals.Shipping,
		Tax:             order.Totals.Tax,
		Discount:        order.Totals.Discount,
		Total:           order.Totals.Total,
		CouponID:        strings.TrimSpace(order.CouponID),
		CouponCode:      strings.TrimSpace(order.CouponCode),
		Notes:           order.Notes,
		TrackingNumber:  strings.TrimSpace(order.TrackingNumber),
		Carrier:         strings.TrimSpace(order.Carrier),
		CancelledAt:     order.CancelledAt,
		DeliveredAt:     order.DeliveredAt,
		CreatedAt:       order.CreatedAt.UTC(),
		UpdatedAt:       order.UpdatedAt.UTC(),
	}
}

func (d orderDocument) toDomain(id string) domain.Order {
	items := make([]domain.OrderItem, len(d.Items))
	for i, item := range d.Items {
		items[i] = domain.OrderItem{
			ProductID: item.ProductID,
			Name:      item.Name,
			Image:     item.Image,
			Variant:   item.Variant.toDomain(),
			UnitPrice: item.UnitPrice,
			Quantity:  item.Quantity,
			Tracked:   item.Tracked,
			Total:     item.Total,
		}
	}
	return domain.Order{
		ID:              id,
		Number:          d.Number,
		UserID:          d.UserID,
		Items:           items,
		ShippingAddress: d.ShippingAddress.toDomain(),
		BillingAddress:  d.BillingAddress.toDomain(),
		PaymentMethod:   domain.PaymentMethod(d.PaymentMethod),
		PaymentStatus:   domain.PaymentStatus(d.PaymentStatus),
		Status:          domain.OrderStatus(d.Status),
		CommitPhase:     domain.OrderCommitPhase(d.CommitPhase),
		Totals: domain.OrderTotals{
			Subtotal: d.Subtotal,
			Shipping: d.Shipping,
			Tax:      d.Tax,
			Discount: d.Discount,
			Total:    d.Total,
		},
		CouponID:       d.CouponID,
		CouponCode:     d.CouponCode,
		Notes:          d.Notes,
		TrackingNumber: d.TrackingNumber,
		Carrier:        d.Carrier,
		CancelledAt:    d.CancelledAt,
		DeliveredAt:    d.DeliveredAt,
		CreatedAt:      d.CreatedAt,
		UpdatedAt:      d.UpdatedAt,
	}
}

func newAddressDocument(addr domain.Address) addressDocument {
	return addressDocument{
		Name:       strings.TrimSpace(addr.Name),
		Street:     strings.TrimSpace(addr.Street),
		City:       strings.TrimSpace(addr.City),
		State:      strings.TrimSpace(addr.State),
		PostalCode: strings.TrimSpace(addr.PostalCode),
		Country:    strings.TrimSpace(addr.Country),
		Phone:      strings.TrimSpace(addr.Phone),
	}
}

func (d addressDocument) toDomain() domain.Address {
	return domain.Address{
		Name:       d.Name,
		Street:     d.Street,
		City:       d.City,
		State:      d.State,
		PostalCode: d.PostalCode,
		Country:    d.Country,
		Phone:      d.Phone,
	}
}

type orderPageToken struct {
	ID        string
	CreatedAt time.Time
}

func encodeOrderPageToken(token orderPageToken) (string, error) {
	buf := &bytes.Buffer{}
	if err := json.NewEncoder(buf).Encode(token); err != nil {
		return "", fmt.Errorf("encode order page token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(bytes.TrimSpace(buf.Bytes())), nil
}

func decodeOrderPageToken(encoded string) (*orderPageToken, error) {
	data, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode order page token: %w", err)
	}
	var token orderPageToken
	if err := json.Unmarshal(data, &token); err != nil {
		return nil, fmt.Errorf("decode order page token json: %w", err)
	}
	return &token, nil
}

func orderStatusStrings(values []domain.OrderStatus) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = string(v)
	}
	return out
}

func paymentStatusStrings(values []domain.PaymentStatus) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = string(v)
	}
	return out
}

func containsString(values []string, target string) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)
