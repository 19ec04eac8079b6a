package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/clearbay/api/internal/domain"
	pfirestore "github.com/clearbay/api/internal/platform/firestore"
	"github.com/clearbay/api/internal/repositories"
)

const (
	productCollection = "products"
)

// ProductRepository reads catalog documents and owns atomic stock movements.
type ProductRepository struct {
	provider *pfirestore.Provider
	base     *pfirestore.BaseRepository[productDocument]
}

// NewProductRepository constructs a Firestore-backed product repository.
func NewProductRepository(provider *pfirestore.Provider) (*ProductRepository, error) {
	if provider == nil {
		return nil, errors.New("product repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[productDocument](provider, productCollection, nil, nil)
	return &ProductRepository{provider: provider, base: base}, nil
}

// Get loads a product projection by ID.
func (r *ProductRepository) Get(ctx context.Context, productID string) (domain.Product, error) {
	if r == nil || r.base == nil {
		return domain.Product{}, errors.New("product repository not initialised")
	}
	id := strings.TrimSpace(productID)
	if id == "" {
		return domain.Product{}, errors.New("product repository: product id is required")
	}

	doc, err := r.base.Get(ctx, id)
	if err != nil {
		if repoErr, ok := err.(*pfirestore.Error); ok && repoErr.IsNotFound() {
			return domain.Product{}, repositories.NewInventoryError(repositories.InventoryErrorProductNotFound, fmt.Sprintf("product %s not found", id), err)
		}
		return domain.Product{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

// AdjustStock applies every line in one Firestore transaction so the whole
// batch either commits or leaves stock untouched. Negative deltas are
// rejected with an insufficient-stock error when they would take quantity
// below zero; untracked products pass through without mutation.
func (r *ProductRepository) AdjustStock(ctx context.Context, req repositories.AdjustStockRequest) (repositories.AdjustStockResult, error) {
	if r == nil || r.provider == nil {
		return repositories.AdjustStockResult{}, errors.New("product repository not initialised")
	}
	if len(req.Lines) == 0 {
		return repositories.AdjustStockResult{}, errors.New("product adjust stock: at least one line is required")
	}

	now := req.Now.UTC()
	if now.IsZero() {
		now = time.Now().UTC()
	}

	var result repositories.AdjustStockResult
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		quantities := make(map[string]int, len(req.Lines))

		// Firestore transactions require all reads before any write.
		type pending struct {
			ref *firestore.DocumentRef
			doc productDocument
		}
		loaded := make(map[string]*pending, len(req.Lines))
		for _, line := range req.Lines {
			id := strings.TrimSpace(line.ProductID)
			if id == "" {
				return repositories.NewInventoryError(repositories.InventoryErrorUnknown, "product adjust stock: product id is required", nil)
			}
			if line.Delta == 0 {
				return repositories.NewInventoryError(repositories.InventoryErrorUnknown, fmt.Sprintf("product adjust stock: delta for %s must be non-zero", id), nil)
			}
			if _, ok := loaded[id]; ok {
				continue
			}
			ref, err := r.base.DocumentRef(ctx, id)
			if err != nil {
				return err
			}
			snap, err := tx.Get(ref)
			if err != nil {
				if status.Code(err) == codes.NotFound {
					return &repositories.InventoryError{
						Code:      repositories.InventoryErrorProductNotFound,
						ProductID: id,
						Message:   fmt.Sprintf("product %s not found", id),
						Err:       err,
					}
				}
				return err
			}
			var doc productDocument
			if err := snap.DataTo(&doc); err != nil {
				return fmt.Errorf("decode product %s: %w", id, err)
			}
			loaded[id] = &pending{ref: ref, doc: doc}
		}

		for _, line := range req.Lines {
			id := strings.TrimSpace(line.ProductID)
			entry := loaded[id]

			if line.Variant != nil {
				variant := entry.doc.variant(line.Variant.Name, line.Variant.Value)
				if variant == nil {
					return &repositories.InventoryError{
						Code:      repositories.InventoryErrorVariantNotFound,
						ProductID: id,
						Message:   fmt.Sprintf("variant %s=%s not found on product %s", line.Variant.Name, line.Variant.Value, id),
					}
				}
				next := variant.Stock + line.Delta
				if next < 0 {
					return &repositories.InventoryError{
						Code:      repositories.InventoryErrorInsufficientStock,
						ProductID: id,
						Message:   fmt.Sprintf("insufficient stock for %s", entry.doc.Name),
					}
				}
				variant.Stock = next
				if req.RecordSales && line.Delta < 0 {
					entry.doc.SalesCount += -line.Delta
				}
				// Variant stock is tracked independently of the
				// product-level quantity.
				quantities[id] = entry.doc.Quantity
				continue
			}

			if entry.doc.TrackQuantity {
				next := entry.doc.Quantity + line.Delta
				if next < 0 {
					return &repositories.InventoryError{
						Code:      repositories.InventoryErrorInsufficientStock,
						ProductID: id,
						Message:   fmt.Sprintf("insufficient stock for %s", entry.doc.Name),
					}
				}
				entry.doc.Quantity = next
				if req.RecordSales && line.Delta < 0 {
					entry.doc.SalesCount += -line.Delta
				}
			}
			quantities[id] = entry.doc.Quantity
		}

		for id, entry := range loaded {
			entry.doc.UpdatedAt = now
			if err := tx.Set(entry.ref, entry.doc); err != nil {
				return fmt.Errorf("write product %s: %w", id, err)
			}
		}

		result = repositories.AdjustStockResult{Quantities: quantities}
		return nil
	})
	if err != nil {
		return repositories.AdjustStockResult{}, wrapInventoryError("products.adjustStock", err)
	}
	return result, nil
}

// Document structures -------------------------------------------------------

type productDocument struct {
	Name          string                   `firestore:"name"`
	Images        []productImageDocument   `firestore:"images,omitempty"`
	Price         int64                    `firestore:"price"`
	Currency      string                   `firestore:"currency,omitempty"`
	TrackQuantity bool                     `firestore:"trackQuantity"`
	Quantity      int                      `firestore:"quantity"`
	SalesCount    int                      `firestore:"salesCount"`
	IsActive      bool                     `firestore:"isActive"`
	Variants      []productVariantDocument `firestore:"variants,omitempty"`
	CreatedAt     time.Time                `firestore:"createdAt"`
	UpdatedAt     time.Time                `firestore:"updatedAt"`
}

type productImageDocument struct {
	URL     string `firestore:"url"`
	Alt     string `firestore:"alt,omitempty"`
	Default bool   `firestore:"isDefault"`
}

type productVariantDocument struct {
	Name  string `firestore:"name"`
	Value string `firestore:"value"`
	Price int64  `firestore:"price"`
	Stock int    `firestore:"stock"`
}

func (d *productDocument) variant(name, value string) *productVariantDocument {
	for i := range d.Variants {
		v := &d.Variants[i]
		if v.Name == name && v.Value == value {
			return v
		}
	}
	return nil
}

func (d productDocument) toDomain(id string) domain.Product {
	images := make([]domain.ProductImage, len(d.Images))
	for i, img := range d.Images {
		images[i] = domain.ProductImage{URL: img.URL, Alt: img.Alt, Default: img.Default}
	}
	variants := make([]domain.ProductVariant, len(d.Variants))
	for i, v := range d.Variants {
		variants[i] = domain.ProductVariant{Name: v.Name, Value: v.Value, Price: v.Price, Stock: v.Stock}
	}
	return domain.Product{
		ID:            id,
		Name:          strings.TrimSpace(d.Name),
		Images:        images,
		Price:         d.Price,
		Currency:      strings.ToUpper(strings.TrimSpace(d.Currency)),
		TrackQuantity: d.TrackQuantity,
		Quantity:      d.Quantity,
		SalesCount:    d.SalesCount,
		IsActive:      d.IsActive,
		Variants:      variants,
		CreatedAt:     d.CreatedAt,
		UpdatedAt:     d.UpdatedAt,
	}
}

func wrapInventoryError(op string, err error) error {
	if err == nil {
		return nil
	}
	var invErr *repositories.InventoryError
	if errors.As(err, &invErr) {
		if invErr.Op == "" {
			invErr.Op = op
		}
		return invErr
	}
	return pfirestore.WrapError(op, err)
}

var _ repositories.ProductRepository = (*ProductRepository)(nil)
