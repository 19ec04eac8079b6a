package services

import "errors"

var (
	// ErrCouponInvalidInput indicates the caller supplied invalid coupon parameters.
	ErrCouponInvalidInput = errors.New("coupon service: invalid input")
	// ErrCouponNotFound indicates no coupon exists for the provided code or id.
	ErrCouponNotFound = errors.New("coupon service: coupon not found")
	// ErrCouponInactive signals the coupon exists but has been deactivated.
	ErrCouponInactive = errors.New("coupon service: coupon is not active")
	// ErrCouponNotStarted signals the coupon validity window has not opened yet.
	ErrCouponNotStarted = errors.New("coupon service: coupon is not valid yet")
	// ErrCouponExpired signals the coupon validity window has closed.
	ErrCouponExpired = errors.New("coupon service: coupon has expired")
	// ErrCouponExhausted signals the coupon usage limit has been reached.
	ErrCouponExhausted = errors.New("coupon service: coupon usage limit reached")
	// ErrCouponMinOrder signals the cart subtotal is below the coupon minimum.
	ErrCouponMinOrder = errors.New("coupon service: order value below coupon minimum")
	// ErrCouponCodeTaken signals another coupon already owns the code.
	ErrCouponCodeTaken = errors.New("coupon service: coupon code already exists")
	// ErrCouponInUse signals the mutation is forbidden because the coupon has redemptions.
	ErrCouponInUse = errors.New("coupon service: coupon has been used")
	// ErrCouponUnavailable indicates the coupon backend cannot fulfil the request.
	ErrCouponUnavailable = errors.New("coupon service: unavailable")
)
