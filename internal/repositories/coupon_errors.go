package repositories

import "fmt"

// CouponErrorCode enumerates failure reasons for coupon counter operations.
type CouponErrorCode string

const (
	// CouponErrorUnknown represents an unspecified failure.
	CouponErrorUnknown CouponErrorCode = "coupon_unknown"
	// CouponErrorUsageExhausted indicates the usage limit was reached before the increment.
	CouponErrorUsageExhausted CouponErrorCode = "coupon_usage_exhausted"
	// CouponErrorCodeTaken indicates another coupon already owns the code.
	CouponErrorCodeTaken CouponErrorCode = "coupon_code_taken"
)

// CouponError wraps coupon-specific failures with machine readable codes.
type CouponError struct {
	Op      string
	Code    CouponErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *CouponError) Error() string {
	if e == nil {
		return ""
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return e.Message
}

// Unwrap exposes the underlying error, if any.
func (e *CouponError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewCouponError constructs a typed coupon error.
func NewCouponError(code CouponErrorCode, message string, err error) *CouponError {
	if message == "" {
		message = string(code)
	}
	return &CouponError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}
