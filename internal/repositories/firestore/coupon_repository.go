package firestore

import (
	"context"
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
	couponCollection = "coupons"
)

// CouponRepository persists coupon definitions keyed by their uppercase code.
type CouponRepository struct {
	provider *pfirestore.Provider
	base     *pfirestore.BaseRepository[couponDocument]
}

// NewCouponRepository constructs a Firestore-backed coupon repository.
func NewCouponRepository(provider *pfirestore.Provider) (*CouponRepository, error) {
	if provider == nil {
		return nil, errors.New("coupon repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[couponDocument](provider, couponCollection, nil, nil)
	return &CouponRepository{provider: provider, base: base}, nil
}

// Insert creates the coupon, enforcing code uniqueness.
func (r *CouponRepository) Insert(ctx context.Context, coupon domain.Coupon) error {
	if r == nil || r.provider == nil {
		return errors.New("coupon repository not initialised")
	}
	id := strings.TrimSpace(coupon.ID)
	if id == "" {
		return errors.New("coupon repository: coupon id is required")
	}
	code := normaliseCouponCode(coupon.Code)
	if code == "" {
		return errors.New("coupon repository: coupon code is required")
	}

	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		client, err := r.provider.Client(ctx)
		if err != nil {
			return err
		}
		existing := client.Collection(couponCollection).Where("code", "==", code).Limit(1)
		docs, err := tx.Documents(existing).GetAll()
		if err != nil {
			return err
		}
		if len(docs) > 0 {
			return repositories.NewCouponError(repositories.CouponErrorCodeTaken, fmt.Sprintf("coupon code %s already exists", code), nil)
		}
		ref, err := r.base.DocumentRef(ctx, id)
		if err != nil {
			return err
		}
		doc := newCouponDocument(coupon)
		doc.Code = code
		return tx.Create(ref, doc)
	})
	if err != nil {
		return wrapCouponError("coupons.insert", err)
	}
	return nil
}

// Update rewrites the coupon document.
func (r *CouponRepository) Update(ctx context.Context, coupon domain.Coupon) error {
	if r == nil || r.base == nil {
		return errors.New("coupon repository not initialised")
	}
	id := strings.TrimSpace(coupon.ID)
	if id == "" {
		return errors.New("coupon repository: coupon id is required")
	}
	if _, err := r.base.Set(ctx, id, newCouponDocument(coupon)); err != nil {
		return err
	}
	return nil
}

// Delete removes the coupon document.
func (r *CouponRepository) Delete(ctx context.Context, couponID string) error {
	if r == nil || r.base == nil {
		return errors.New("coupon repository not initialised")
	}
	id := strings.TrimSpace(couponID)
	if id == "" {
		return errors.New("coupon repository: coupon id is required")
	}
	ref, err := r.base.DocumentRef(ctx, id)
	if err != nil {
		return err
	}
	if _, err := ref.Delete(ctx); err != nil {
		return pfirestore.WrapError("coupons.delete", err)
	}
	return nil
}

// FindByID loads a coupon by document ID.
func (r *CouponRepository) FindByID(ctx context.Context, couponID string) (domain.Coupon, error) {
	if r == nil || r.base == nil {
		return domain.Coupon{}, errors.New("coupon repository not initialised")
	}
	id := strings.TrimSpace(couponID)
	if id == "" {
		return domain.Coupon{}, errors.New("coupon repository: coupon id is required")
	}
	doc, err := r.base.Get(ctx, id)
	if err != nil {
		return domain.Coupon{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

// FindByCode matches the uppercase-normalized code.
func (r *CouponRepository) FindByCode(ctx context.Context, code string) (domain.Coupon, error) {
	if r == nil || r.provider == nil {
		return domain.Coupon{}, errors.New("coupon repository not initialised")
	}
	normalised := normaliseCouponCode(code)
	if normalised == "" {
		return domain.Coupon{}, errors.New("coupon repository: coupon code is required")
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.Coupon{}, pfirestore.WrapError("coupons.findByCode", err)
	}

	iter := client.Collection(couponCollection).
		Where("code", "==", normalised).
		Limit(1).
		Documents(ctx)
	defer iter.Stop()

	snap, err := iter.Next()
	if errors.Is(err, iterator.Done) {
		return domain.Coupon{}, pfirestore.NewNotFoundError("coupons.findByCode", fmt.Sprintf("coupon %s not found", normalised), nil)
	}
	if err != nil {
		return domain.Coupon{}, pfirestore.WrapError("coupons.findByCode", err)
	}
	var doc couponDocument
	if err := snap.DataTo(&doc); err != nil {
		return domain.Coupon{}, fmt.Errorf("decode coupon %s: %w", snap.Ref.ID, err)
	}
	return doc.toDomain(snap.Ref.ID), nil
}

// List returns coupons for the admin surface, newest first.
func (r *CouponRepository) List(ctx context.Context, filter repositories.CouponListFilter) (domain.CursorPage[domain.Coupon], error) {
	if r == nil || r.provider == nil {
		return domain.CursorPage[domain.Coupon]{}, errors.New("coupon repository not initialised")
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
		return domain.CursorPage[domain.Coupon]{}, pfirestore.WrapError("coupons.list", err)
	}

	query := client.Collection(couponCollection).Query
	if filter.ActiveOnly {
		query = query.Where("isActive", "==", true)
	}
	query = query.OrderBy("createdAt", firestore.Desc).OrderBy(firestore.DocumentID, firestore.Asc).Limit(pageSize + 1)

	if token := strings.TrimSpace(filter.Pagination.PageToken); token != "" {
		decoded, err := decodeOrderPageToken(token)
		if err != nil {
			return domain.CursorPage[domain.Coupon]{}, pfirestore.WrapError("coupons.list", err)
		}
		query = query.StartAfter(decoded.CreatedAt, decoded.ID)
	}

	iter := query.Documents(ctx)
	defer iter.Stop()

	var coupons []domain.Coupon
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return domain.CursorPage[domain.Coupon]{}, pfirestore.WrapError("coupons.list", err)
		}
		var doc couponDocument
		if err := snap.DataTo(&doc); err != nil {
			return domain.CursorPage[domain.Coupon]{}, fmt.Errorf("decode coupon %s: %w", snap.Ref.ID, err)
		}
		coupons = append(coupons, doc.toDomain(snap.Ref.ID))
	}

	hasMore := len(coupons) > pageSize
	if hasMore {
		coupons = coupons[:pageSize]
	}
	var nextToken string
	if hasMore && len(coupons) > 0 {
		last := coupons[len(coupons)-1]
		encoded, err := encodeOrderPageToken(orderPageToken{ID: last.ID, CreatedAt: last.CreatedAt})
		if err != nil {
			return domain.CursorPage[domain.Coupon]{}, pfirestore.WrapError("coupons.list", err)
		}
		nextToken = encoded
	}

	return domain.CursorPage[domain.Coupon]{Items: coupons, NextPageToken: nextToken}, nil
}

// IncrementUsage bumps UsedCount inside a transaction, re-checking the usage
// limit against the stored value so concurrent redemptions cannot exceed it.
func (r *CouponRepository) IncrementUsage(ctx context.Context, couponID string, now time.Time) (domain.Coupon, error) {
	if r == nil || r.provider == nil {
		return domain.Coupon{}, errors.New("coupon repository not initialised")
	}
	id := strings.TrimSpace(couponID)
	if id == "" {
		return domain.Coupon{}, errors.New("coupon repository: coupon id is required")
	}
	at := now.UTC()
	if at.IsZero() {
		at = time.Now().UTC()
	}

	var updated domain.Coupon
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.base.DocumentRef(ctx, id)
		if err != nil {
			return err
		}
		snap, err := tx.Get(ref)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return pfirestore.NewNotFoundError("coupons.incrementUsage", fmt.Sprintf("coupon %s not found", id), err)
			}
			return err
		}
		var doc couponDocument
		if err := snap.DataTo(&doc); err != nil {
			return fmt.Errorf("decode coupon %s: %w", id, err)
		}
		if doc.UsageLimit > 0 && doc.UsedCount >= doc.UsageLimit {
			return repositories.NewCouponError(repositories.CouponErrorUsageExhausted, fmt.Sprintf("coupon %s usage limit reached", doc.Code), nil)
		}
		doc.UsedCount++
		doc.UpdatedAt = at
		if err := tx.Set(ref, doc); err != nil {
			return err
		}
		updated = doc.toDomain(id)
		return nil
	})
	if err != nil {
		return domain.Coupon{}, wrapCouponError("coupons.incrementUsage", err)
	}
	return updated, nil
}

// Document structures -------------------------------------------------------

type couponDocument struct {
	Code          string    `firestore:"code"`
	Description   string    `firestore:"description,omitempty"`
	Type          string    `firestore:"discountType"`
	Value         int64     `firestore:"discountValue"`
	MaxDiscount   int64     `firestore:"maxDiscount"`
	MinOrderValue int64     `firestore:"minOrderValue"`
	UsageLimit    int       `firestore:"usageLimit"`
	UsedCount     int       `firestore:"usedCount"`
	PerUserLimit  int       `firestore:"userLimit"`
	ValidFrom     time.Time `firestore:"validFrom"`
	ExpiresAt     time.Time `firestore:"expiresAt"`
	Active        bool      `firestore:"isActive"`
	CreatedBy     string    `firestore:"createdBy,omitempty"`
	CreatedAt     time.Time `firestore:"createdAt"`
	UpdatedAt     time.Time `firestore:"updatedAt"`
}

func newCouponDocument(coupon domain.Coupon) couponDocument {
	return couponDocument{
		Code:          normaliseCouponCode(coupon.Code),
		Description:   strings.TrimSpace(coupon.Description),
		Type:          string(coupon.Type),
		Value:         coupon.Value,
		MaxDiscount:   coupon.MaxDiscount,
		MinOrderValue: coupon.MinOrderValue,
		UsageLimit:    coupon.UsageLimit,
		UsedCount:     coupon.UsedCount,
		PerUserLimit:  coupon.PerUserLimit,
		ValidFrom:     coupon.ValidFrom.UTC(),
		ExpiresAt:     coupon.ExpiresAt.UTC(),
		Active:        coupon.Active,
		CreatedBy:     strings.TrimSpace(coupon.CreatedBy),
		CreatedAt:     coupon.CreatedAt.UTC(),
		UpdatedAt:     coupon.UpdatedAt.UTC(),
	}
}

func (d couponDocument) toDomain(id string) domain.Coupon {
	return domain.Coupon{
		ID:            id,
		Code:          d.Code,
		Description:   d.Description,
		Type:          domain.CouponType(d.Type),
		Value:         d.Value,
		MaxDiscount:   d.MaxDiscount,
		MinOrderValue: d.MinOrderValue,
		UsageLimit:    d.UsageLimit,
		UsedCount:     d.UsedCount,
		PerUserLimit:  d.PerUserLimit,
		ValidFrom:     d.ValidFrom,
		ExpiresAt:     d.ExpiresAt,
		Active:        d.Active,
		CreatedBy:     d.CreatedBy,
		CreatedAt:     d.CreatedAt,
		UpdatedAt:     d.UpdatedAt,
	}
}

func normaliseCouponCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func wrapCouponError(op string, err error) error {
	if err == nil {
		return nil
	}
	var couponErr *repositories.CouponError
	if errors.As(err, &couponErr) {
		if couponErr.Op == "" {
			couponErr.Op = op
		}
		return couponErr
	}
	return pfirestore.WrapError(op, err)
}

var _ repositories.CouponRepository = (*CouponRepository)(nil)
