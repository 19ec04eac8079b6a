package services

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	domain "github.com/clearbay/api/internal/domain"
	"github.com/clearbay/api/internal/repositories"
)

type repoError struct {
	notFound    bool
	conflict    bool
	unavailable bool
}

func (e repoError) Error() string       { return "repo error" }
func (e repoError) IsNotFound() bool    { return e.notFound }
func (e repoError) IsConflict() bool    { return e.conflict }
func (e repoError) IsUnavailable() bool { return e.unavailable }

var _ repositories.RepositoryError = repoError{}

type stubCartRepository struct {
	getFn    func(ctx context.Context, userID string) (domain.Cart, error)
	upsertFn func(ctx context.Context, cart domain.Cart, opts repositories.CartUpsertOptions) (domain.Cart, error)
	deleteFn func(ctx context.Context, userID string) error
}

func (s *stubCartRepository) Get(ctx context.Context, userID string) (domain.Cart, error) {
	if s.getFn == nil {
		return domain.Cart{}, repoError{notFound: true}
	}
	return s.getFn(ctx, userID)
}

func (s *stubCartRepository) Upsert(ctx context.Context, cart domain.Cart, opts repositories.CartUpsertOptions) (domain.Cart, error) {
	if s.upsertFn == nil {
		return cart, nil
	}
	return s.upsertFn(ctx, cart, opts)
}

func (s *stubCartRepository) Delete(ctx context.Context, userID string) error {
	if s.deleteFn == nil {
		return nil
	}
	return s.deleteFn(ctx, userID)
}

type stubProductRepository struct {
	getFn    func(ctx context.Context, productID string) (domain.Product, error)
	adjustFn func(ctx context.Context, req repositories.AdjustStockRequest) (repositories.AdjustStockResult, error)
}

func (s *stubProductRepository) Get(ctx context.Context, productID string) (domain.Product, error) {
	if s.getFn == nil {
		return domain.Product{}, repositories.NewInventoryError(repositories.InventoryErrorProductNotFound, "not found", nil)
	}
	return s.getFn(ctx, productID)
}

func (s *stubProductRepository) AdjustStock(ctx context.Context, req repositories.AdjustStockRequest) (repositories.AdjustStockResult, error) {
	if s.adjustFn == nil {
		return repositories.AdjustStockResult{}, nil
	}
	return s.adjustFn(ctx, req)
}

type fakeCouponService struct {
	validateFn func(ctx context.Context, cmd ValidateCouponCommand) (CouponValidation, error)
	redeemFn   func(ctx context.Context, couponID string) (domain.Coupon, error)
}

func (f *fakeCouponService) Validate(ctx context.Context, cmd ValidateCouponCommand) (CouponValidation, error) {
	if f.validateFn == nil {
		return CouponValidation{}, ErrCouponNotFound
	}
	return f.validateFn(ctx, cmd)
}

func (f *fakeCouponService) Redeem(ctx context.Context, couponID string) (domain.Coupon, error) {
	if f.redeemFn == nil {
		return domain.Coupon{}, ErrCouponNotFound
	}
	return f.redeemFn(ctx, couponID)
}

func (f *fakeCouponService) Create(context.Context, UpsertCouponCommand) (domain.Coupon, error) {
	return domain.Coupon{}, errors.New("not implemented")
}

func (f *fakeCouponService) Update(context.Context, UpsertCouponCommand) (domain.Coupon, error) {
	return domain.Coupon{}, errors.New("not implemented")
}

func (f *fakeCouponService) Delete(context.Context, string) error {
	return errors.New("not implemented")
}

func (f *fakeCouponService) Get(context.Context, string) (domain.Coupon, error) {
	return domain.Coupon{}, errors.New("not implemented")
}

func (f *fakeCouponService) List(context.Context, CouponListFilter) (domain.CursorPage[domain.Coupon], error) {
	return domain.CursorPage[domain.Coupon]{}, errors.New("not implemented")
}

func fixedCartClock() func() time.Time {
	return func() time.Time {
		return time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	}
}

func newTestCartService(t *testing.T, carts repositories.CartRepository, products repositories.ProductRepository, coupons CouponService) CartService {
	t.Helper()
	svc, err := NewCartService(CartServiceDeps{
		Carts:           carts,
		Products:        products,
		Coupons:         coupons,
		Clock:           fixedCartClock(),
		DefaultCurrency: "usd",
		IDGenerator: func() func() string {
			n := 0
			return func() string {
				n++
				return fmt.Sprintf("item-%d", n)
			}
		}(),
	})
	if err != nil {
		t.Fatalf("NewCartService: %v", err)
	}
	return svc
}

func activeProduct(id string, price int64, stock int) domain.Product {
	return domain.Product{
		ID:            id,
		Name:          "Product " + id,
		Price:         price,
		TrackQuantity: true,
		Quantity:      stock,
		IsActive:      true,
	}
}

func TestGetCartReturnsEmptyForNewUser(t *testing.T) {
	carts := &stubCartRepository{
		getFn: func(ctx context.Context, userID string) (domain.Cart, error) {
			return domain.Cart{}, repoError{notFound: true}
		},
	}
	svc := newTestCartService(t, carts, &stubProductRepository{}, nil)

	cart, err := svc.GetCart(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("GetCart: %v", err)
	}
	if cart.UserID != "user-1" || len(cart.Items) != 0 {
		t.Fatalf("expected empty cart for user-1, got %+v", cart)
	}
	if cart.Currency != "USD" {
		t.Fatalf("expected default currency USD, got %s", cart.Currency)
	}
}

func TestGetCartHealsAgainstCatalog(t *testing.T) {
	now := fixedCartClock()()
	stored := domain.Cart{
		ID:     "user-1",
		UserID: "user-1",
		Items: []domain.CartItem{
			{ID: "a", ProductID: "gone", Name: "Gone", Quantity: 1, UnitPrice: 100, AddedAt: now},
			{ID: "b", ProductID: "inactive", Name: "Inactive", Quantity: 1, UnitPrice: 200, AddedAt: now},
			{ID: "c", ProductID: "low", Name: "Low", Quantity: 5, UnitPrice: 300, AddedAt: now},
			{ID: "d", ProductID: "empty", Name: "Empty", Quantity: 2, UnitPrice: 400, AddedAt: now},
			{ID: "e", ProductID: "fine", Name: "Fine", Quantity: 1, UnitPrice: 500, AddedAt: now},
		},
		UpdatedAt: now.Add(-time.Hour),
	}

	var saved *domain.Cart
	carts := &stubCartRepository{
		getFn: func(ctx context.Context, userID string) (domain.Cart, error) {
			return stored, nil
		},
		upsertFn: func(ctx context.Context, cart domain.Cart, opts repositories.CartUpsertOptions) (domain.Cart, error) {
			if opts.ExpectedUpdatedAt == nil || !opts.ExpectedUpdatedAt.Equal(stored.UpdatedAt) {
				t.Fatalf("expected optimistic precondition on heal write")
			}
			saved = &cart
			return cart, nil
		},
	}
	products := &stubProductRepository{
		getFn: func(ctx context.Context, productID string) (domain.Product, error) {
			switch productID {
			case "gone":
				return domain.Product{}, repositories.NewInventoryError(repositories.InventoryErrorProductNotFound, "missing", nil)
			case "inactive":
				p := activeProduct(productID, 200, 10)
				p.IsActive = false
				return p, nil
			case "low":
				return activeProduct(productID, 300, 2), nil
			case "empty":
				return activeProduct(productID, 400, 0), nil
			default:
				return activeProduct(productID, 500, 10), nil
			}
		},
	}
	svc := newTestCartService(t, carts, products, nil)

	cart, err := svc.GetCart(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("GetCart: %v", err)
	}
	if saved == nil {
		t.Fatalf("expected healed cart to be persisted")
	}
	if len(cart.Items) != 2 {
		t.Fatalf("expected 2 surviving items, got %d", len(cart.Items))
	}
	if cart.Items[0].ID != "c" || cart.Items[0].Quantity != 2 {
		t.Fatalf("expected low-stock item clamped to 2, got %+v", cart.Items[0])
	}
	if cart.Items[1].ID != "e" {
		t.Fatalf("expected untouched item to survive, got %+v", cart.Items[1])
	}
}

func TestGetCartLostHealRaceReturnsHealedView(t *testing.T) {
	now := fixedCartClock()()
	stored := domain.Cart{
		ID:     "user-1",
		UserID: "user-1",
		Items: []domain.CartItem{
			{ID: "a", ProductID: "gone", Quantity: 1, UnitPrice: 100, AddedAt: now},
		},
		UpdatedAt: now.Add(-time.Hour),
	}
	carts := &stubCartRepository{
		getFn: func(ctx context.Context, userID string) (domain.Cart, error) {
			return stored, nil
		},
		upsertFn: func(ctx context.Context, cart domain.Cart, opts repositories.CartUpsertOptions) (domain.Cart, error) {
			return domain.Cart{}, repoError{conflict: true}
		},
	}
	products := &stubProductRepository{
		getFn: func(ctx context.Context, productID string) (domain.Product, error) {
			return domain.Product{}, repositories.NewInventoryError(repositories.InventoryErrorProductNotFound, "missing", nil)
		},
	}
	svc := newTestCartService(t, carts, products, nil)

	cart, err := svc.GetCart(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("GetCart: %v", err)
	}
	if len(cart.Items) != 0 {
		t.Fatalf("expected healed view despite lost write, got %+v", cart.Items)
	}
}

func TestAddItemMergesSameProductAndVariant(t *testing.T) {
	now := fixedCartClock()()
	variant := &domain.VariantSelector{Name: "size", Value: "XL"}
	stored := domain.Cart{
		ID:     "user-1",
		UserID: "user-1",
		Items: []domain.CartItem{
			{ID: "a", ProductID: "p1", Variant: variant, Quantity: 2, UnitPrice: 1500, AddedAt: now},
		},
		UpdatedAt: now.Add(-time.Minute),
	}
	var saved domain.Cart
	carts := &stubCartRepository{
		getFn: func(ctx context.Context, userID string) (domain.Cart, error) {
			return stored, nil
		},
		upsertFn: func(ctx context.Context, cart domain.Cart, opts repositories.CartUpsertOptions) (domain.Cart, error) {
			saved = cart
			return cart, nil
		},
	}
	products := &stubProductRepository{
		getFn: func(ctx context.Context, productID string) (domain.Product, error) {
			return domain.Product{
				ID:       productID,
				Name:     "Shirt",
				Price:    1000,
				IsActive: true,
				Variants: []domain.ProductVariant{
					{Name: "size", Value: "XL", Price: 1500, Stock: 10},
				},
			}, nil
		},
	}
	svc := newTestCartService(t, carts, products, nil)

	cart, err := svc.AddItem(context.Background(), AddCartItemCommand{
		UserID:    "user-1",
		ProductID: "p1",
		Variant:   variant,
		Quantity:  3,
	})
	if err != nil {
		t.Fatalf("AddItem: %v", err)
	}
	if len(cart.Items) != 1 {
		t.Fatalf("expected merge into existing line, got %d items", len(cart.Items))
	}
	if cart.Items[0].Quantity != 5 {
		t.Fatalf("expected merged quantity 5, got %d", cart.Items[0].Quantity)
	}
	if saved.Items[0].UnitPrice != 1500 {
		t.Fatalf("expected variant price 1500 kept, got %d", saved.Items[0].UnitPrice)
	}
}

func TestAddItemAppendsDifferentVariant(t *testing.T) {
	now := fixedCartClock()()
	stored := domain.Cart{
		ID:     "user-1",
		UserID: "user-1",
		Items: []domain.CartItem{
			{ID: "a", ProductID: "p1", Variant: &domain.VariantSelector{Name: "size", Value: "M"}, Quantity: 1, UnitPrice: 1200, AddedAt: now},
		},
		UpdatedAt: now.Add(-time.Minute),
	}
	carts := &stubCartRepository{
		getFn: func(ctx context.Context, userID string) (domain.Cart, error) {
			return stored, nil
		},
	}
	products := &stubProductRepository{
		getFn: func(ctx context.Context, productID string) (domain.Product, error) {
			return domain.Product{
				ID:       productID,
				Name:     "Shirt",
				Price:    1000,
				IsActive: true,
				Variants: []domain.ProductVariant{
					{Name: "size", Value: "M", Price: 1200, Stock: 5},
					{Name: "size", Value: "XL", Price: 1500, Stock: 5},
				},
			}, nil
		},
	}
	svc := newTestCartService(t, carts, products, nil)

	cart, err := svc.AddItem(context.Background(), AddCartItemCommand{
		UserID:    "user-1",
		ProductID: "p1",
		Variant:   &domain.VariantSelector{Name: "size", Value: "XL"},
		Quantity:  1,
	})
	if err != nil {
		t.Fatalf("AddItem: %v", err)
	}
	if len(cart.Items) != 2 {
		t.Fatalf("expected separate line per variant, got %d items", len(cart.Items))
	}
	if cart.Items[1].UnitPrice != 1500 {
		t.Fatalf("expected new line at variant price, got %d", cart.Items[1].UnitPrice)
	}
}

func TestAddItemRejectsInsufficientStock(t *testing.T) {
	carts := &stubCartRepository{}
	products := &stubProductRepository{
		getFn: func(ctx context.Context, productID string) (domain.Product, error) {
			return activeProduct(productID, 100, 2), nil
		},
	}
	svc := newTestCartService(t, carts, products, nil)

	_, err := svc.AddItem(context.Background(), AddCartItemCommand{
		UserID:    "user-1",
		ProductID: "p1",
		Quantity:  3,
	})
	if !errors.Is(err, ErrCartInsufficientStock) {
		t.Fatalf("expected ErrCartInsufficientStock, got %v", err)
	}
}

func TestAddItemRejectsInactiveProduct(t *testing.T) {
	products := &stubProductRepository{
		getFn: func(ctx context.Context, productID string) (domain.Product, error) {
			p := activeProduct(productID, 100, 5)
			p.IsActive = false
			return p, nil
		},
	}
	svc := newTestCartService(t, &stubCartRepository{}, products, nil)

	_, err := svc.AddItem(context.Background(), AddCartItemCommand{
		UserID:    "user-1",
		ProductID: "p1",
		Quantity:  1,
	})
	if !errors.Is(err, ErrCartProductUnavailable) {
		t.Fatalf("expected ErrCartProductUnavailable, got %v", err)
	}
}

func TestAddItemAllowsUntrackedProduct(t *testing.T) {
	products := &stubProductRepository{
		getFn: func(ctx context.Context, productID string) (domain.Product, error) {
			return domain.Product{ID: productID, Name: "Digital", Price: 900, IsActive: true}, nil
		},
	}
	svc := newTestCartService(t, &stubCartRepository{}, products, nil)

	cart, err := svc.AddItem(context.Background(), AddCartItemCommand{
		UserID:    "user-1",
		ProductID: "p1",
		Quantity:  50,
	})
	if err != nil {
		t.Fatalf("AddItem: %v", err)
	}
	if cart.Items[0].Quantity != 50 {
		t.Fatalf("expected untracked product to accept any quantity, got %d", cart.Items[0].Quantity)
	}
}

func TestUpdateItemQuantityZeroRemoves(t *testing.T) {
	now := fixedCartClock()()
	stored := domain.Cart{
		ID:     "user-1",
		UserID: "user-1",
		Items: []domain.CartItem{
			{ID: "a", ProductID: "p1", Quantity: 2, UnitPrice: 100, AddedAt: now},
		},
		UpdatedAt: now.Add(-time.Minute),
	}
	carts := &stubCartRepository{
		getFn: func(ctx context.Context, userID string) (domain.Cart, error) {
			return stored, nil
		},
	}
	svc := newTestCartService(t, carts, &stubProductRepository{}, nil)

	cart, err := svc.UpdateItemQuantity(context.Background(), UpdateCartItemCommand{
		UserID:   "user-1",
		ItemID:   "a",
		Quantity: 0,
	})
	if err != nil {
		t.Fatalf("UpdateItemQuantity: %v", err)
	}
	if len(cart.Items) != 0 {
		t.Fatalf("expected item removed, got %+v", cart.Items)
	}
}

func TestRemoveItemUnknownID(t *testing.T) {
	carts := &stubCartRepository{
		getFn: func(ctx context.Context, userID string) (domain.Cart, error) {
			return domain.Cart{ID: userID, UserID: userID}, nil
		},
	}
	svc := newTestCartService(t, carts, &stubProductRepository{}, nil)

	_, err := svc.RemoveItem(context.Background(), RemoveCartItemCommand{UserID: "user-1", ItemID: "nope"})
	if !errors.Is(err, ErrCartItemNotFound) {
		t.Fatalf("expected ErrCartItemNotFound, got %v", err)
	}
}

func TestApplyCouponStoresDiscount(t *testing.T) {
	now := fixedCartClock()()
	stored := domain.Cart{
		ID:     "user-1",
		UserID: "user-1",
		Items: []domain.CartItem{
			{ID: "a", ProductID: "p1", Quantity: 2, UnitPrice: 5000, AddedAt: now},
		},
		UpdatedAt: now.Add(-time.Minute),
	}
	carts := &stubCartRepository{
		getFn: func(ctx context.Context, userID string) (domain.Cart, error) {
			return stored, nil
		},
	}
	coupons := &fakeCouponService{
		validateFn: func(ctx context.Context, cmd ValidateCouponCommand) (CouponValidation, error) {
			if cmd.Subtotal != 10000 {
				t.Fatalf("expected subtotal 10000, got %d", cmd.Subtotal)
			}
			return CouponValidation{
				Coupon:   domain.Coupon{ID: "c1", Code: "SAVE10"},
				Discount: 1000,
			}, nil
		},
	}
	svc := newTestCartService(t, carts, &stubProductRepository{}, coupons)

	cart, err := svc.ApplyCoupon(context.Background(), ApplyCouponCommand{UserID: "user-1", Code: "save10"})
	if err != nil {
		t.Fatalf("ApplyCoupon: %v", err)
	}
	if cart.Coupon == nil || cart.Coupon.Discount != 1000 || cart.Coupon.Code != "SAVE10" {
		t.Fatalf("expected coupon snapshot with discount 1000, got %+v", cart.Coupon)
	}
	if cart.Total() != 9000 {
		t.Fatalf("expected total 9000 after discount, got %d", cart.Total())
	}
}

func TestApplyCouponEmptyCart(t *testing.T) {
	carts := &stubCartRepository{
		getFn: func(ctx context.Context, userID string) (domain.Cart, error) {
			return domain.Cart{ID: userID, UserID: userID}, nil
		},
	}
	svc := newTestCartService(t, carts, &stubProductRepository{}, &fakeCouponService{})

	_, err := svc.ApplyCoupon(context.Background(), ApplyCouponCommand{UserID: "user-1", Code: "SAVE10"})
	if !errors.Is(err, ErrCartInvalidInput) {
		t.Fatalf("expected ErrCartInvalidInput, got %v", err)
	}
}

func TestCouponDroppedWhenNoLongerValid(t *testing.T) {
	now := fixedCartClock()()
	stored := domain.Cart{
		ID:     "user-1",
		UserID: "user-1",
		Items: []domain.CartItem{
			{ID: "a", ProductID: "p1", Quantity: 1, UnitPrice: 500, AddedAt: now},
			{ID: "b", ProductID: "p2", Quantity: 1, UnitPrice: 9500, AddedAt: now},
		},
		Coupon:    &domain.CartCoupon{CouponID: "c1", Code: "BIG", Discount: 2000},
		UpdatedAt: now.Add(-time.Minute),
	}
	carts := &stubCartRepository{
		getFn: func(ctx context.Context, userID string) (domain.Cart, error) {
			return stored, nil
		},
	}
	coupons := &fakeCouponService{
		validateFn: func(ctx context.Context, cmd ValidateCouponCommand) (CouponValidation, error) {
			return CouponValidation{}, ErrCouponMinOrder
		},
	}
	svc := newTestCartService(t, carts, &stubProductRepository{}, coupons)

	cart, err := svc.RemoveItem(context.Background(), RemoveCartItemCommand{UserID: "user-1", ItemID: "b"})
	if err != nil {
		t.Fatalf("RemoveItem: %v", err)
	}
	if cart.Coupon != nil {
		t.Fatalf("expected coupon dropped after subtotal fell, got %+v", cart.Coupon)
	}
}

func TestMutateCartRetriesOnConflict(t *testing.T) {
	now := fixedCartClock()()
	stored := domain.Cart{
		ID:        "user-1",
		UserID:    "user-1",
		Items:     []domain.CartItem{{ID: "a", ProductID: "p1", Quantity: 1, UnitPrice: 100, AddedAt: now}},
		UpdatedAt: now.Add(-time.Minute),
	}
	attempts := 0
	carts := &stubCartRepository{
		getFn: func(ctx context.Context, userID string) (domain.Cart, error) {
			return stored, nil
		},
		upsertFn: func(ctx context.Context, cart domain.Cart, opts repositories.CartUpsertOptions) (domain.Cart, error) {
			attempts++
			if attempts == 1 {
				return domain.Cart{}, repoError{conflict: true}
			}
			return cart, nil
		},
	}
	svc := newTestCartService(t, carts, &stubProductRepository{}, nil)

	if _, err := svc.RemoveItem(context.Background(), RemoveCartItemCommand{UserID: "user-1", ItemID: "a"}); err != nil {
		t.Fatalf("RemoveItem: %v", err)
	}
	if attempts != 2 {
		t.Fatalf("expected one retry after conflict, got %d attempts", attempts)
	}
}

func TestClearCartIgnoresMissing(t *testing.T) {
	carts := &stubCartRepository{
		deleteFn: func(ctx context.Context, userID string) error {
			return repoError{notFound: true}
		},
	}
	svc := newTestCartService(t, carts, &stubProductRepository{}, nil)

	if err := svc.ClearCart(context.Background(), "user-1"); err != nil {
		t.Fatalf("ClearCart: %v", err)
	}
}
