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

// CouponServiceDeps wires the repository and seams for coupon operations.
type CouponServiceDeps struct {
	Repository  repositories.CouponRepository
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(context.Context, string, map[string]any)
}

type couponService struct {
	repo   repositories.CouponRepository
	now    func() time.Time
	newID  func() string
	logger func(context.Context, string, map[string]any)
}

// NewCouponService constructs a CouponService enforcing dependency validation.
func NewCouponService(deps CouponServiceDeps) (CouponService, error) {
	if deps.Repository == nil {
		return nil, errors.New("coupon service: repository is required")
	}
	if deps.Clock == nil {
		return nil, errors.New("coupon service: clock is required")
	}

	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &couponService{
		repo:   deps.Repository,
		now:    func() time.Time { return deps.Clock().UTC() },
		newID:  idGen,
		logger: logger,
	}, nil
}

// Validate evaluates the code against the subtotal and returns the discount
// it would grant. Every rule failure maps to a distinct sentinel error.
func (s *couponService) Validate(ctx context.Context, cmd ValidateCouponCommand) (CouponValidation, error) {
	code := strings.ToUpper(strings.TrimSpace(cmd.Code))
	if code == "" {
		return CouponValidation{}, fmt.Errorf("%w: coupon code is required", ErrCouponInvalidInput)
	}
	if cmd.Subtotal < 0 {
		return CouponValidation{}, fmt.Errorf("%w: subtotal cannot be negative", ErrCouponInvalidInput)
	}

	coupon, err := s.repo.FindByCode(ctx, code)
	if err != nil {
		return CouponValidation{}, s.translateRepoError(err)
	}

	now := s.now()
	switch {
	case !coupon.Active:
		return CouponValidation{}, ErrCouponInactive
	case now.Before(coupon.ValidFrom):
		return CouponValidation{}, ErrCouponNotStarted
	case !now.Before(coupon.ExpiresAt):
		return CouponValidation{}, ErrCouponExpired
	case coupon.UsageLimit > 0 && coupon.UsedCount >= coupon.UsageLimit:
		return CouponValidation{}, ErrCouponExhausted
	}

	if coupon.MinOrderValue > 0 && cmd.Subtotal < coupon.MinOrderValue {
		return CouponValidation{}, fmt.Errorf("%w: minimum order value is %d", ErrCouponMinOrder, coupon.MinOrderValue)
	}

	return CouponValidation{
		Coupon:   coupon,
		Discount: couponDiscount(coupon, cmd.Subtotal),
	}, nil
}

// Redeem consumes one use of the coupon. The usage limit is re-checked
// inside the repository transaction, so concurrent redemptions cannot exceed it.
func (s *couponService) Redeem(ctx context.Context, couponID string) (Coupon, error) {
	id := strings.TrimSpace(couponID)
	if id == "" {
		return Coupon{}, fmt.Errorf("%w: coupon id is required", ErrCouponInvalidInput)
	}
	coupon, err := s.repo.IncrementUsage(ctx, id, s.now())
	if err != nil {
		var couponErr *repositories.CouponError
		if errors.As(err, &couponErr) && couponErr.Code == repositories.CouponErrorUsageExhausted {
			return Coupon{}, ErrCouponExhausted
		}
		return Coupon{}, s.translateRepoError(err)
	}
	s.logger(ctx, "coupon.redeemed", map[string]any{
		"couponId":  coupon.ID,
		"code":      coupon.Code,
		"usedCount": coupon.UsedCount,
	})
	return coupon, nil
}

func (s *couponService) Create(ctx context.Context, cmd UpsertCouponCommand) (Coupon, error) {
	coupon, err := s.normaliseCoupon(cmd.Coupon)
	if err != nil {
		return Coupon{}, err
	}

	now := s.now()
	coupon.ID = s.newID()
	coupon.UsedCount = 0
	coupon.CreatedBy = strings.TrimSpace(cmd.ActorID)
	coupon.CreatedAt = now
	coupon.UpdatedAt = now

	if err := s.repo.Insert(ctx, coupon); err != nil {
		var couponErr *repositories.CouponError
		if errors.As(err, &couponErr) && couponErr.Code == repositories.CouponErrorCodeTaken {
			return Coupon{}, ErrCouponCodeTaken
		}
		return Coupon{}, s.translateRepoError(err)
	}

	s.logger(ctx, "coupon.created", map[string]any{
		"couponId": coupon.ID,
		"code":     coupon.Code,
	})
	return coupon, nil
}

// Update replaces mutable coupon fields. Once a coupon has redemptions its
// code is frozen so historical orders keep pointing at the right rule.
func (s *couponService) Update(ctx context.Context, cmd UpsertCouponCommand) (Coupon, error) {
	id := strings.TrimSpace(cmd.CouponID)
	if id == "" {
		return Coupon{}, fmt.Errorf("%w: coupon id is required", ErrCouponInvalidInput)
	}

	existing, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return Coupon{}, s.translateRepoError(err)
	}

	updated, err := s.normaliseCoupon(cmd.Coupon)
	if err != nil {
		return Coupon{}, err
	}
	if existing.UsedCount > 0 && updated.Code != existing.Code {
		return Coupon{}, fmt.Errorf("%w: cannot change the code of a used coupon", ErrCouponInUse)
	}

	updated.ID = existing.ID
	updated.UsedCount = existing.UsedCount
	updated.CreatedBy = existing.CreatedBy
	updated.CreatedAt = existing.CreatedAt
	updated.UpdatedAt = s.now()

	if err := s.repo.Update(ctx, updated); err != nil {
		return Coupon{}, s.translateRepoError(err)
	}
	return updated, nil
}

// Delete removes an unused coupon. Used coupons stay for audit; deactivate
// them instead.
func (s *couponService) Delete(ctx context.Context, couponID string) error {
	id := strings.TrimSpace(couponID)
	if id == "" {
		return fmt.Errorf("%w: coupon id is required", ErrCouponInvalidInput)
	}

	existing, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return s.translateRepoError(err)
	}
	if existing.UsedCount > 0 {
		return fmt.Errorf("%w: cannot delete a used coupon", ErrCouponInUse)
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return s.translateRepoError(err)
	}
	return nil
}

func (s *couponService) Get(ctx context.Context, couponID string) (Coupon, error) {
	id := strings.TrimSpace(couponID)
	if id == "" {
		return Coupon{}, fmt.Errorf("%w: coupon id is required", ErrCouponInvalidInput)
	}
	coupon, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return Coupon{}, s.translateRepoError(err)
	}
	return coupon, nil
}

func (s *couponService) List(ctx context.Context, filter CouponListFilter) (domain.CursorPage[Coupon], error) {
	page, err := s.repo.List(ctx, filter)
	if err != nil {
		return domain.CursorPage[Coupon]{}, s.translateRepoError(err)
	}
	return page, nil
}

func (s *couponService) normaliseCoupon(coupon Coupon) (Coupon, error) {
	coupon.Code = strings.ToUpper(strings.TrimSpace(coupon.Code))
	coupon.Description = strings.TrimSpace(coupon.Description)

	if coupon.Code == "" {
		return Coupon{}, fmt.Errorf("%w: coupon code is required", ErrCouponInvalidInput)
	}
	switch coupon.Type {
	case domain.CouponTypePercentage:
		if coupon.Value <= 0 || coupon.Value > 100 {
			return Coupon{}, fmt.Errorf("%w: percentage value must be between 1 and 100", ErrCouponInvalidInput)
		}
	case domain.CouponTypeFixed:
		if coupon.Value <= 0 {
			return Coupon{}, fmt.Errorf("%w: fixed discount must be positive", ErrCouponInvalidInput)
		}
	default:
		return Coupon{}, fmt.Errorf("%w: unknown coupon type %q", ErrCouponInvalidInput, coupon.Type)
	}
	if coupon.MaxDiscount < 0 || coupon.MinOrderValue < 0 {
		return Coupon{}, fmt.Errorf("%w: discount bounds cannot be negative", ErrCouponInvalidInput)
	}
	if coupon.UsageLimit < 0 || coupon.PerUserLimit < 0 {
		return Coupon{}, fmt.Errorf("%w: usage limits cannot be negative", ErrCouponInvalidInput)
	}
	if coupon.ExpiresAt.IsZero() || coupon.ValidFrom.IsZero() {
		return Coupon{}, fmt.Errorf("%w: validity window is required", ErrCouponInvalidInput)
	}
	if !coupon.ValidFrom.Before(coupon.ExpiresAt) {
		return Coupon{}, fmt.Errorf("%w: validFrom must precede expiresAt", ErrCouponInvalidInput)
	}
	return coupon, nil
}

// couponDiscount computes the discount a coupon grants for a subtotal.
// Percentage coupons are clamped to MaxDiscount when one is configured.
func couponDiscount(coupon Coupon, subtotal int64) int64 {
	switch coupon.Type {
	case domain.CouponTypePercentage:
		discount := subtotal * coupon.Value / 100
		if coupon.MaxDiscount > 0 && discount > coupon.MaxDiscount {
			discount = coupon.MaxDiscount
		}
		return discount
	case domain.CouponTypeFixed:
		return coupon.Value
	default:
		return 0
	}
}

func (s *couponService) translateRepoError(err error) error {
	if err == nil {
		return nil
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return ErrCouponNotFound
		case repoErr.IsConflict():
			return ErrCouponCodeTaken
		}
	}
	return ErrCouponUnavailable
}
