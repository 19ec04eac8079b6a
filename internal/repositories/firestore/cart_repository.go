package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/clearbay/api/internal/domain"
	pfirestore "github.com/clearbay/api/internal/platform/firestore"
	"github.com/clearbay/api/internal/repositories"
)

const (
	cartCollection = "carts"
)

// CartRepository persists carts within Firestore, one document per user.
type CartRepository struct {
	base     *pfirestore.BaseRepository[cartDocument]
	provider *pfirestore.Provider
}

// NewCartRepository constructs a Firestore-backed cart repository.
func NewCartRepository(provider *pfirestore.Provider) (*CartRepository, error) {
	if provider == nil {
		return nil, errors.New("cart repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[cartDocument](provider, cartCollection, nil, nil)
	return &CartRepository{
		base:     base,
		provider: provider,
	}, nil
}

// Get loads the cart for the given user ID.
func (r *CartRepository) Get(ctx context.Context, userID string) (domain.Cart, error) {
	if r == nil || r.base == nil {
		return domain.Cart{}, errors.New("cart repository not initialised")
	}
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return domain.Cart{}, errors.New("cart repository: user id is required")
	}

	doc, err := r.base.Get(ctx, uid)
	if err != nil {
		return domain.Cart{}, err
	}
	return doc.Data.toDomain(doc.ID, doc.UpdateTime), nil
}

// Upsert persists the full cart document under the user ID. When
// opts.ExpectedUpdatedAt is set the write carries a last-update-time
// precondition, so concurrent writers lose with a conflict error.
func (r *CartRepository) Upsert(ctx context.Context, cart domain.Cart, opts repositories.CartUpsertOptions) (domain.Cart, error) {
	if r == nil || r.base == nil {
		return domain.Cart{}, errors.New("cart repository not initialised")
	}

	cartID := strings.TrimSpace(cart.ID)
	if cartID == "" {
		cartID = strings.TrimSpace(cart.UserID)
	}
	if cartID == "" {
		return domain.Cart{}, errors.New("cart repository: cart id is required")
	}

	now := cart.UpdatedAt.UTC()
	if now.IsZero() {
		now = time.Now().UTC()
	}
	createdAt := cart.CreatedAt.UTC()
	if createdAt.IsZero() {
		createdAt = now
	}

	doc := newCartDocument(cart, createdAt, now)

	if opts.ExpectedUpdatedAt == nil || opts.ExpectedUpdatedAt.IsZero() {
		result, err := r.base.Set(ctx, cartID, doc)
		if err != nil {
			return domain.Cart{}, err
		}
		return doc.toDomain(cartID, result.UpdateTime), nil
	}

	// Firestore only honours preconditions on Update, so the conditional
	// path rewrites every field explicitly.
	updates := []firestore.Update{
		{Path: "currency", Value: doc.Currency},
		{Path: "items", Value: doc.Items},
		{Path: "shipping", Value: doc.Shipping},
		{Path: "tax", Value: doc.Tax},
		{Path: "updatedAt", Value: doc.UpdatedAt},
	}
	if doc.Coupon == nil {
		updates = append(updates, firestore.Update{Path: "coupon", Value: firestore.Delete})
	} else {
		updates = append(updates, firestore.Update{Path: "coupon", Value: doc.Coupon})
	}
	if len(doc.Metadata) == 0 {
		updates = append(updates, firestore.Update{Path: "metadata", Value: firestore.Delete})
	} else {
		updates = append(updates, firestore.Update{Path: "metadata", Value: doc.Metadata})
	}

	mutation, err := r.base.Update(ctx, cartID, updates, firestore.LastUpdateTime(opts.ExpectedUpdatedAt.UTC()))
	if err != nil {
		return domain.Cart{}, err
	}
	return doc.toDomain(cartID, mutation.UpdateTime), nil
}

// Delete removes the user's cart document. Deleting an absent cart is not an error.
func (r *CartRepository) Delete(ctx context.Context, userID string) error {
	if r == nil || r.base == nil {
		return errors.New("cart repository not initialised")
	}
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return errors.New("cart repository: user id is required")
	}
	ref, err := r.base.DocumentRef(ctx, uid)
	if err != nil {
		return err
	}
	if _, err := ref.Delete(ctx); err != nil {
		return pfirestore.WrapError("carts.delete", err)
	}
	return nil
}

// Document structures -------------------------------------------------------

type cartDocument struct {
	UserID    string             `firestore:"userId"`
	Currency  string             `firestore:"currency"`
	Items     []cartItemDocument `firestore:"items"`
	Coupon    *cartCouponDoc     `firestore:"coupon,omitempty"`
	Shipping  int64              `firestore:"shipping"`
	Tax       int64              `firestore:"tax"`
	Metadata  map[string]any     `firestore:"metadata,omitempty"`
	CreatedAt time.Time          `firestore:"createdAt"`
	UpdatedAt time.Time          `firestore:"updatedAt"`
}

type cartItemDocument struct {
	ID        string              `firestore:"id"`
	ProductID string              `firestore:"productId"`
	Name      string              `firestore:"name,omitempty"`
	Variant   *variantSelectorDoc `firestore:"variant,omitempty"`
	Quantity  int                 `firestore:"qty"`
	UnitPrice int64               `firestore:"unitPrice"`
	AddedAt   time.Time           `firestore:"addedAt"`
	UpdatedAt *time.Time          `firestore:"updatedAt,omitempty"`
}

type variantSelectorDoc struct {
	Name  string `firestore:"name"`
	Value string `firestore:"value"`
}

type cartCouponDoc struct {
	CouponID string `firestore:"couponId"`
	Code     string `firestore:"code"`
	Discount int64  `firestore:"discount"`
}

func newCartDocument(cart domain.Cart, createdAt, updatedAt time.Time) cartDocument {
	items := make([]cartItemDocument, len(cart.Items))
	for i, item := range cart.Items {
		items[i] = cartItemDocument{
			ID:        strings.TrimSpace(item.ID),
			ProductID: strings.TrimSpace(item.ProductID),
			Name:      strings.TrimSpace(item.Name),
			Variant:   newVariantSelectorDoc(item.Variant),
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
			AddedAt:   item.AddedAt.UTC(),
			UpdatedAt: item.UpdatedAt,
		}
	}
	doc := cartDocument{
		UserID:    strings.TrimSpace(cart.UserID),
		Currency:  strings.ToUpper(strings.TrimSpace(cart.Currency)),
		Items:     items,
		Shipping:  cart.Shipping,
		Tax:       cart.Tax,
		Metadata:  cloneAnyMap(cart.Metadata),
		CreatedAt: createdAt,
		UpdatedAt: updatedAt,
	}
	if cart.Coupon != nil {
		doc.Coupon = &cartCouponDoc{
			CouponID: strings.TrimSpace(cart.Coupon.CouponID),
			Code:     strings.TrimSpace(cart.Coupon.Code),
			Discount: cart.Coupon.Discount,
		}
	}
	return doc
}

func (d cartDocument) toDomain(id string, updateTime time.Time) domain.Cart {
	items := make([]domain.CartItem, len(d.Items))
	for i, item := range d.Items {
		items[i] = domain.CartItem{
			ID:        item.ID,
			ProductID: item.ProductID,
			Name:      item.Name,
			Variant:   item.Variant.toDomain(),
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
			AddedAt:   item.AddedAt,
			UpdatedAt: item.UpdatedAt,
		}
	}
	cart := domain.Cart{
		ID:        id,
		UserID:    id,
		Currency:  strings.ToUpper(strings.TrimSpace(d.Currency)),
		Items:     items,
		Shipping:  d.Shipping,
		Tax:       d.Tax,
		Metadata:  cloneAnyMap(d.Metadata),
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}
	if !updateTime.IsZero() {
		cart.UpdatedAt = updateTime
	}
	if d.Coupon != nil {
		cart.Coupon = &domain.CartCoupon{
			CouponID: d.Coupon.CouponID,
			Code:     d.Coupon.Code,
			Discount: d.Coupon.Discount,
		}
	}
	return cart
}

func newVariantSelectorDoc(sel *domain.VariantSelector) *variantSelectorDoc {
	if sel == nil {
		return nil
	}
	return &variantSelectorDoc{Name: sel.Name, Value: sel.Value}
}

func (d *variantSelectorDoc) toDomain() *domain.VariantSelector {
	if d == nil {
		return nil
	}
	return &domain.VariantSelector{Name: d.Name, Value: d.Value}
}

func cloneAnyMap(values map[string]any) map[string]any {
	if len(values) == 0 {
		return nil
	}
	out := make(map[string]any, len(values))
	for k, v := range values {
		out[k] = v
	}
	return out
}

var _ repositories.CartRepository = (*CartRepository)(nil)
