package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/clearbay/api/internal/domain"
	"github.com/clearbay/api/internal/repositories"
)

var (
	// ErrCartInvalidInput indicates the caller supplied invalid input.
	ErrCartInvalidInput = errors.New("cart service: invalid input")
	// ErrCartUnavailable indicates the cart backend cannot fulfil the request.
	ErrCartUnavailable = errors.New("cart service: unavailable")
	// ErrCartNotFound indicates the requested cart does not exist.
	ErrCartNotFound = errors.New("cart service: not found")
	// ErrCartConflict indicates the cart could not be updated due to concurrent modifications.
	ErrCartConflict = errors.New("cart service: conflict")
	// ErrCartItemNotFound indicates the referenced cart item does not exist.
	ErrCartItemNotFound = errors.New("cart service: item not found")
	// ErrCartProductUnavailable indicates the product is missing, inactive or lacks the variant.
	ErrCartProductUnavailable = errors.New("cart service: product unavailable")
	// ErrCartInsufficientStock indicates the requested quantity exceeds available stock.
	ErrCartInsufficientStock = errors.New("cart service: insufficient stock")
)

// cartWriteAttempts bounds optimistic retries when concurrent writers race
// on the same cart document.
const cartWriteAttempts = 3

// CartServiceDeps wires the repositories and seams for cart operations.
type CartServiceDeps struct {
	Carts           repositories.CartRepository
	Products        repositories.ProductRepository
	Coupons         CouponService
	Clock           func() time.Time
	DefaultCurrency string
	Logger          func(context.Context, string, map[string]any)
	IDGenerator     func() string
}

type cartService struct {
	carts    repositories.CartRepository
	products repositories.ProductRepository
	coupons  CouponService
	newID    func() string
	now      func() time.Time
	currency string
	logger   func(context.Context, string, map[string]any)
}

// NewCartService constructs a CartService enforcing dependency validation.
func NewCartService(deps CartServiceDeps) (CartService, error) {
	if deps.Carts == nil {
		return nil, errors.New("cart service: cart repository is required")
	}
	if deps.Products == nil {
		return nil, errors.New("cart service: product repository is required")
	}
	if deps.Clock == nil {
		return nil, errors.New("cart service: clock is required")
	}

	currency := strings.ToUpper(strings.TrimSpace(deps.DefaultCurrency))
	if currency == "" {
		currency = "USD"
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}

	return &cartService{
		carts:    deps.Carts,
		products: deps.Products,
		coupons:  deps.Coupons,
		newID:    idGen,
		now:      func() time.Time { return deps.Clock().UTC() },
		currency: currency,
		logger:   logger,
	}, nil
}

// GetCart loads the user's cart and heals it against the live catalog:
// items whose product disappeared or went inactive are dropped, quantities
// above remaining stock are clamped, and a coupon that no longer validates
// is removed. The healed cart is persisted best-effort; a concurrent write
// wins and the healed view is still returned.
func (s *cartService) GetCart(ctx context.Context, userID string) (Cart, error) {
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return Cart{}, fmt.Errorf("%w: user id is required", ErrCartInvalidInput)
	}

	cart, found, err := s.loadCart(ctx, uid)
	if err != nil {
		return Cart{}, err
	}
	if !found {
		return s.newCart(uid), nil
	}

	healed, changed, err := s.healCart(ctx, cart)
	if err != nil {
		return Cart{}, err
	}
	if changed {
		expected := cart.UpdatedAt
		healed.UpdatedAt = s.now()
		saved, err := s.carts.Upsert(ctx, healed, repositories.CartUpsertOptions{ExpectedUpdatedAt: &expected})
		if err != nil {
			if errors.Is(s.translateRepoError(err), ErrCartConflict) {
				s.logger(ctx, "cart.heal.lost_race", map[string]any{"userId": uid})
				return healed, nil
			}
			return Cart{}, s.translateRepoError(err)
		}
		s.logger(ctx, "cart.healed", map[string]any{
			"userId": uid,
			"items":  len(saved.Items),
		})
		return saved, nil
	}
	return cart, nil
}

// AddItem merges the product into the cart, summing quantities when the same
// product and variant are already present. The unit price is locked in from
// the catalog at add time.
func (s *cartService) AddItem(ctx context.Context, cmd AddCartItemCommand) (Cart, error) {
	uid := strings.TrimSpace(cmd.UserID)
	productID := strings.TrimSpace(cmd.ProductID)
	if uid == "" || productID == "" {
		return Cart{}, fmt.Errorf("%w: user id and product id are required", ErrCartInvalidInput)
	}
	if cmd.Quantity <= 0 {
		return Cart{}, fmt.Errorf("%w: quantity must be positive", ErrCartInvalidInput)
	}

	product, err := s.loadProduct(ctx, productID)
	if err != nil {
		return Cart{}, err
	}
	if !product.IsActive {
		return Cart{}, fmt.Errorf("%w: %s is no longer available", ErrCartProductUnavailable, product.Name)
	}

	unitPrice := product.Price
	if cmd.Variant != nil {
		variant := product.Variant(cmd.Variant)
		if variant == nil {
			return Cart{}, fmt.Errorf("%w: variant %s not found on %s", ErrCartProductUnavailable, cmd.Variant.Key(), product.Name)
		}
		if variant.Price > 0 {
			unitPrice = variant.Price
		}
	}

	return s.mutateCart(ctx, uid, func(cart *Cart) error {
		now := s.now()
		merged := false
		for i := range cart.Items {
			item := &cart.Items[i]
			if item.ProductID == productID && item.Variant.Key() == cmd.Variant.Key() {
				next := item.Quantity + cmd.Quantity
				if err := checkAvailability(product, cmd.Variant, next); err != nil {
					return err
				}
				item.Quantity = next
				item.UpdatedAt = &now
				merged = true
				break
			}
		}
		if !merged {
			if err := checkAvailability(product, cmd.Variant, cmd.Quantity); err != nil {
				return err
			}
			cart.Items = append(cart.Items, domain.CartItem{
				ID:        s.newID(),
				ProductID: productID,
				Name:      product.Name,
				Variant:   cmd.Variant,
				Quantity:  cmd.Quantity,
				UnitPrice: unitPrice,
				AddedAt:   now,
			})
		}
		return nil
	})
}

// UpdateItemQuantity sets the quantity for a cart item; zero removes it.
func (s *cartService) UpdateItemQuantity(ctx context.Context, cmd UpdateCartItemCommand) (Cart, error) {
	uid := strings.TrimSpace(cmd.UserID)
	itemID := strings.TrimSpace(cmd.ItemID)
	if uid == "" || itemID == "" {
		return Cart{}, fmt.Errorf("%w: user id and item id are required", ErrCartInvalidInput)
	}
	if cmd.Quantity < 0 {
		return Cart{}, fmt.Errorf("%w: quantity cannot be negative", ErrCartInvalidInput)
	}
	if cmd.Quantity == 0 {
		return s.RemoveItem(ctx, RemoveCartItemCommand{UserID: uid, ItemID: itemID})
	}

	return s.mutateCart(ctx, uid, func(cart *Cart) error {
		for i := range cart.Items {
			item := &cart.Items[i]
			if item.ID != itemID {
				continue
			}
			product, err := s.loadProduct(ctx, item.ProductID)
			if err != nil {
				return err
			}
			if err := checkAvailability(product, item.Variant, cmd.Quantity); err != nil {
				return err
			}
			now := s.now()
			item.Quantity = cmd.Quantity
			item.UpdatedAt = &now
			return nil
		}
		return ErrCartItemNotFound
	})
}

// RemoveItem deletes a single cart item.
func (s *cartService) RemoveItem(ctx context.Context, cmd RemoveCartItemCommand) (Cart, error) {
	uid := strings.TrimSpace(cmd.UserID)
	itemID := strings.TrimSpace(cmd.ItemID)
	if uid == "" || itemID == "" {
		return Cart{}, fmt.Errorf("%w: user id and item id are required", ErrCartInvalidInput)
	}

	return s.mutateCart(ctx, uid, func(cart *Cart) error {
		kept := cart.Items[:0]
		removed := false
		for _, item := range cart.Items {
			if item.ID == itemID {
				removed = true
				continue
			}
			kept = append(kept, item)
		}
		if !removed {
			return ErrCartItemNotFound
		}
		cart.Items = kept
		return nil
	})
}

// ClearCart drops the cart entirely; a missing cart is not an error.
func (s *cartService) ClearCart(ctx context.Context, userID string) error {
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return fmt.Errorf("%w: user id is required", ErrCartInvalidInput)
	}
	if err := s.carts.Delete(ctx, uid); err != nil {
		translated := s.translateRepoError(err)
		if errors.Is(translated, ErrCartNotFound) {
			return nil
		}
		return translated
	}
	return nil
}

// ApplyCoupon validates the code against the current subtotal and stores
// the discount snapshot on the cart.
func (s *cartService) ApplyCoupon(ctx context.Context, cmd ApplyCouponCommand) (Cart, error) {
	uid := strings.TrimSpace(cmd.UserID)
	code := strings.TrimSpace(cmd.Code)
	if uid == "" || code == "" {
		return Cart{}, fmt.Errorf("%w: user id and coupon code are required", ErrCartInvalidInput)
	}
	if s.coupons == nil {
		return Cart{}, ErrCartUnavailable
	}

	return s.mutateCart(ctx, uid, func(cart *Cart) error {
		if len(cart.Items) == 0 {
			return fmt.Errorf("%w: cart is empty", ErrCartInvalidInput)
		}
		validation, err := s.coupons.Validate(ctx, ValidateCouponCommand{
			Code:     code,
			UserID:   uid,
			Subtotal: cart.Subtotal(),
		})
		if err != nil {
			return err
		}
		cart.Coupon = &domain.CartCoupon{
			CouponID: validation.Coupon.ID,
			Code:     validation.Coupon.Code,
			Discount: validation.Discount,
		}
		return nil
	})
}

// RemoveCoupon detaches the applied coupon from the cart.
func (s *cartService) RemoveCoupon(ctx context.Context, userID string) (Cart, error) {
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return Cart{}, fmt.Errorf("%w: user id is required", ErrCartInvalidInput)
	}
	return s.mutateCart(ctx, uid, func(cart *Cart) error {
		cart.Coupon = nil
		return nil
	})
}

// mutateCart loads the cart, applies fn, refreshes the coupon discount and
// writes back under the optimistic precondition, retrying on conflict.
func (s *cartService) mutateCart(ctx context.Context, uid string, fn func(cart *Cart) error) (Cart, error) {
	var lastErr error
	for attempt := 0; attempt < cartWriteAttempts; attempt++ {
		cart, found, err := s.loadCart(ctx, uid)
		if err != nil {
			return Cart{}, err
		}
		if !found {
			cart = s.newCart(uid)
		}

		var expected *time.Time
		if found {
			stamp := cart.UpdatedAt
			expected = &stamp
		}

		if err := fn(&cart); err != nil {
			return Cart{}, err
		}
		if err := s.refreshCoupon(ctx, &cart); err != nil {
			return Cart{}, err
		}
		cart.UpdatedAt = s.now()

		saved, err := s.carts.Upsert(ctx, cart, repositories.CartUpsertOptions{ExpectedUpdatedAt: expected})
		if err != nil {
			translated := s.translateRepoError(err)
			if errors.Is(translated, ErrCartConflict) {
				lastErr = translated
				continue
			}
			return Cart{}, translated
		}
		return saved, nil
	}
	return Cart{}, lastErr
}

// refreshCoupon recomputes the discount after any cart mutation. A coupon
// that no longer validates silently drops off the cart.
func (s *cartService) refreshCoupon(ctx context.Context, cart *Cart) error {
	if cart.Coupon == nil || s.coupons == nil {
		return nil
	}
	if len(cart.Items) == 0 {
		cart.Coupon = nil
		return nil
	}
	validation, err := s.coupons.Validate(ctx, ValidateCouponCommand{
		Code:     cart.Coupon.Code,
		UserID:   cart.UserID,
		Subtotal: cart.Subtotal(),
	})
	if err != nil {
		if errors.Is(err, ErrCouponUnavailable) {
			return ErrCartUnavailable
		}
		s.logger(ctx, "cart.coupon.dropped", map[string]any{
			"userId": cart.UserID,
			"code":   cart.Coupon.Code,
		})
		cart.Coupon = nil
		return nil
	}
	cart.Coupon.Discount = validation.Discount
	return nil
}

// healCart reconciles cart items with the live catalog.
func (s *cartService) healCart(ctx context.Context, cart Cart) (Cart, bool, error) {
	changed := false
	productCache := make(map[string]*Product, len(cart.Items))

	kept := make([]domain.CartItem, 0, len(cart.Items))
	for _, item := range cart.Items {
		product, ok := productCache[item.ProductID]
		if !ok {
			loaded, err := s.products.Get(ctx, item.ProductID)
			if err != nil {
				var invErr *repositories.InventoryError
				if errors.As(err, &invErr) && invErr.Code == repositories.InventoryErrorProductNotFound {
					productCache[item.ProductID] = nil
					changed = true
					continue
				}
				return Cart{}, false, s.translateRepoError(err)
			}
			product = &loaded
			productCache[item.ProductID] = product
		}
		if product == nil {
			changed = true
			continue
		}
		if !product.IsActive {
			changed = true
			continue
		}

		available, limited := availableStock(*product, item.Variant)
		if item.Variant != nil && product.Variant(item.Variant) == nil {
			changed = true
			continue
		}
		if limited && item.Quantity > available {
			if available <= 0 {
				changed = true
				continue
			}
			item.Quantity = available
			changed = true
		}
		kept = append(kept, item)
	}
	cart.Items = kept

	if err := s.refreshCoupon(ctx, &cart); err != nil {
		return Cart{}, false, err
	}
	return cart, changed, nil
}

func (s *cartService) loadCart(ctx context.Context, uid string) (Cart, bool, error) {
	cart, err := s.carts.Get(ctx, uid)
	if err != nil {
		translated := s.translateRepoError(err)
		if errors.Is(translated, ErrCartNotFound) {
			return Cart{}, false, nil
		}
		return Cart{}, false, translated
	}
	return cart, true, nil
}

func (s *cartService) loadProduct(ctx context.Context, productID string) (Product, error) {
	product, err := s.products.Get(ctx, productID)
	if err != nil {
		var invErr *repositories.InventoryError
		if errors.As(err, &invErr) && invErr.Code == repositories.InventoryErrorProductNotFound {
			return Product{}, fmt.Errorf("%w: product %s not found", ErrCartProductUnavailable, productID)
		}
		return Product{}, s.translateRepoError(err)
	}
	return product, nil
}

func (s *cartService) newCart(uid string) Cart {
	now := s.now()
	return Cart{
		ID:        uid,
		UserID:    uid,
		Currency:  s.currency,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// availableStock returns the purchasable quantity and whether stock is
// limited at all. Untracked products without a variant are unlimited.
func availableStock(product Product, variant *VariantSelector) (int, bool) {
	if variant != nil {
		if v := product.Variant(variant); v != nil {
			return v.Stock, true
		}
		return 0, true
	}
	if product.TrackQuantity {
		return product.Quantity, true
	}
	return 0, false
}

func checkAvailability(product Product, variant *VariantSelector, quantity int) error {
	available, limited := availableStock(product, variant)
	if !limited {
		return nil
	}
	if quantity > available {
		return fmt.Errorf("%w: only %d of %s available", ErrCartInsufficientStock, available, product.Name)
	}
	return nil
}

func (s *cartService) translateRepoError(err error) error {
	if err == nil {
		return nil
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return ErrCartNotFound
		case repoErr.IsConflict():
			return ErrCartConflict
		case repoErr.IsUnavailable():
			return ErrCartUnavailable
		}
		return ErrCartUnavailable
	}
	return ErrCartUnavailable
}
