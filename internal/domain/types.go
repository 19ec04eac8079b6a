package domain

import (
	"strings"
	"time"
)

// Pagination defines standard cursor-based paging inputs for list operations.
type Pagination struct {
	PageSize  int
	PageToken string
}

// SortOrder indicates ascending or descending ordering for list queries.
type SortOrder string

const (
	// SortAsc sorts results in ascending order.
	SortAsc SortOrder = "asc"
	// SortDesc sorts results in descending order.
	SortDesc SortOrder = "desc"
)

// RangeQuery represents inclusive range filters for numeric or timestamp fields.
type RangeQuery[T comparable] struct {
	From *T
	To   *T
}

// CursorPage wraps a page of results together with the continuation token.
type CursorPage[T any] struct {
	Items         []T
	NextPageToken string
}

// All monetary amounts are expressed in the smallest currency unit (cents).

// ProductImage stores a single catalog image reference.
type ProductImage struct {
	URL     string
	Alt     string
	Default bool
}

// ProductVariant is a priced and independently stocked sub-option of a product.
type ProductVariant struct {
	Name  string
	Value string
	Price int64
	Stock int
}

// Product captures the catalog projection consumed by cart and order flows.
// Quantity is authoritative stock only while TrackQuantity is set.
type Product struct {
	ID            string
	Name          string
	Images        []ProductImage
	Price         int64
	Currency      string
	TrackQuantity bool
	Quantity      int
	SalesCount    int
	IsActive      bool
	Variants      []ProductVariant
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// DisplayImage returns the image flagged default, else the first image URL.
func (p Product) DisplayImage() string {
	for _, img := range p.Images {
		if img.Default {
			return img.URL
		}
	}
	if len(p.Images) > 0 {
		return p.Images[0].URL
	}
	return ""
}

// Variant resolves the variant matching the selector, if any.
func (p Product) Variant(sel *VariantSelector) *ProductVariant {
	if sel == nil {
		return nil
	}
	for i := range p.Variants {
		v := &p.Variants[i]
		if v.Name == sel.Name && v.Value == sel.Value {
			return v
		}
	}
	return nil
}

// VariantSelector identifies one variant of a product (e.g. size=XL).
type VariantSelector struct {
	Name  string
	Value string
}

// Key returns a stable identity string for merge comparisons.
func (s *VariantSelector) Key() string {
	if s == nil {
		return ""
	}
	return s.Name + "=" + s.Value
}

// CartItem stores a single product entry within a cart. UnitPrice is locked
// in at add time; it is the variant price when a variant is selected.
type CartItem struct {
	ID        string
	ProductID string
	Name      string
	Variant   *VariantSelector
	Quantity  int
	UnitPrice int64
	AddedAt   time.Time
	UpdatedAt *time.Time
}

// LineTotal returns UnitPrice multiplied by Quantity.
func (i CartItem) LineTotal() int64 {
	return i.UnitPrice * int64(i.Quantity)
}

// CartCoupon captures the applied coupon snapshot on a cart.
type CartCoupon struct {
	CouponID string
	Code     string
	Discount int64
}

// Cart is the per-user mutable staging area for prospective purchases.
// Exactly one cart exists per user; the cart ID equals the user ID.
type Cart struct {
	ID        string
	UserID    string
	Currency  string
	Items     []CartItem
	Coupon    *CartCoupon
	Shipping  int64
	Tax       int64
	Metadata  map[string]any
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Subtotal is always recomputed from items, never stored.
func (c Cart) Subtotal() int64 {
	var total int64
	for _, item := range c.Items {
		total += item.LineTotal()
	}
	return total
}

// Discount returns the applied coupon discount, zero when no coupon is set.
func (c Cart) Discount() int64 {
	if c.Coupon == nil {
		return 0
	}
	return c.Coupon.Discount
}

// Total returns subtotal plus shipping and tax minus discount, floored at zero.
func (c Cart) Total() int64 {
	total := c.Subtotal() + c.Shipping + c.Tax - c.Discount()
	if total < 0 {
		return 0
	}
	return total
}

// PaymentMethod enumerates supported payment gateways.
type PaymentMethod string

const (
	// PaymentMethodStripe routes card payments through Stripe.
	PaymentMethodStripe PaymentMethod = "stripe"
	// PaymentMethodPayPal routes payments through PayPal checkout.
	PaymentMethodPayPal PaymentMethod = "paypal"
	// PaymentMethodJazzCash routes payments through the JazzCash mobile wallet.
	PaymentMethodJazzCash PaymentMethod = "jazzcash"
	// PaymentMethodEasyPaisa routes payments through the EasyPaisa mobile wallet.
	PaymentMethodEasyPaisa PaymentMethod = "easypaisa"
	// PaymentMethodBankTransfer records a manual bank transfer with no gateway call.
	PaymentMethodBankTransfer PaymentMethod = "bank_transfer"
)

// KnownPaymentMethods lists every accepted payment method value.
var KnownPaymentMethods = []PaymentMethod{
	PaymentMethodStripe,
	PaymentMethodPayPal,
	PaymentMethodJazzCash,
	PaymentMethodEasyPaisa,
	PaymentMethodBankTransfer,
}

// ParsePaymentMethod normalizes and validates a raw payment method string.
func ParsePaymentMethod(raw string) (PaymentMethod, bool) {
	candidate := PaymentMethod(strings.ToLower(strings.TrimSpace(raw)))
	for _, method := range KnownPaymentMethods {
		if candidate == method {
			return method, true
		}
	}
	return "", false
}

// OrderStatus enumerates valid lifecycle states for orders.
type OrderStatus string

const (
	// OrderStatusPending indicates the order awaits payment.
	OrderStatusPending OrderStatus = "pending"
	// OrderStatusConfirmed indicates payment completed and fulfilment may begin.
	OrderStatusConfirmed OrderStatus = "confirmed"
	// OrderStatusProcessing indicates the order is being prepared for shipment.
	OrderStatusProcessing OrderStatus = "processing"
	// OrderStatusShipped indicates the order has been handed to the carrier.
	OrderStatusShipped OrderStatus = "shipped"
	// OrderStatusDelivered indicates the order reached the customer.
	OrderStatusDelivered OrderStatus = "delivered"
	// OrderStatusCancelled indicates the order was cancelled before fulfilment.
	OrderStatusCancelled OrderStatus = "cancelled"
	// OrderStatusReturned indicates the order was returned after delivery.
	OrderStatusReturned OrderStatus = "returned"
)

// PaymentStatus enumerates payment settlement states tracked on orders.
type PaymentStatus string

const (
	// PaymentStatusPending indicates no successful payment yet.
	PaymentStatusPending PaymentStatus = "pending"
	// PaymentStatusProcessing indicates a payment attempt is in flight.
	PaymentStatusProcessing PaymentStatus = "processing"
	// PaymentStatusCompleted indicates the order is fully paid.
	PaymentStatusCompleted PaymentStatus = "completed"
	// PaymentStatusFailed indicates the latest payment attempt failed.
	PaymentStatusFailed PaymentStatus = "failed"
	// PaymentStatusRefunded indicates the full payment was returned.
	PaymentStatusRefunded PaymentStatus = "refunded"
)

// OrderCommitPhase tracks the order-creation saga so a crash between the
// order write and the inventory decrement can be detected and repaired.
type OrderCommitPhase string

const (
	// OrderCommitPhasePending marks an order whose inventory decrement has not completed.
	OrderCommitPhasePending OrderCommitPhase = "pending_commit"
	// OrderCommitPhaseCommitted marks an order with inventory fully decremented.
	OrderCommitPhaseCommitted OrderCommitPhase = "committed"
)

// OrderItem mirrors a cart item frozen at order creation time. The snapshot
// is independent of later catalog changes.
type OrderItem struct {
	ProductID string
	Name      string
	Image     string
	Variant   *VariantSelector
	UnitPrice int64
	Quantity  int
	Tracked   bool
	Total     int64
}

// OrderTotals holds rolled-up monetary fields in the smallest currency unit.
type OrderTotals struct {
	Subtotal int64
	Shipping int64
	Tax      int64
	Discount int64
	Total    int64
}

// Address represents postal address structures shared by cart and order layers.
type Address struct {
	Name       string
	Street     string
	City       string
	State      string
	PostalCode string
	Country    string
	Phone      string
}

// Order is the immutable record of a completed purchase intent. Only status
// fields change after creation; items and totals are frozen.
type Order struct {
	ID              string
	Number          string
	UserID          string
	Items           []OrderItem
	ShippingAddress Address
	BillingAddress  Address
	PaymentMethod   PaymentMethod
	PaymentStatus   PaymentStatus
	Status          OrderStatus
	CommitPhase     OrderCommitPhase
	Totals          OrderTotals
	CouponID        string
	CouponCode      string
	Notes           string
	TrackingNumber  string
	Carrier         string
	CancelledAt     *time.Time
	DeliveredAt     *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Cancellable reports whether the order may still be cancelled by the user.
func (o Order) Cancellable() bool {
	return o.Status == OrderStatusPending || o.Status == OrderStatusConfirmed
}

// TransactionStatus enumerates states of a single payment attempt.
type TransactionStatus string

const (
	// TransactionStatusPending indicates the attempt awaits confirmation.
	TransactionStatusPending TransactionStatus = "pending"
	// TransactionStatusProcessing indicates the gateway is processing the attempt.
	TransactionStatusProcessing TransactionStatus = "processing"
	// TransactionStatusCompleted indicates the gateway settled the attempt.
	TransactionStatusCompleted TransactionStatus = "completed"
	// TransactionStatusFailed indicates the gateway rejected the attempt.
	TransactionStatusFailed TransactionStatus = "failed"
	// TransactionStatusRefunded indicates the settled amount was returned.
	TransactionStatusRefunded TransactionStatus = "refunded"
	// TransactionStatusCancelled indicates the attempt was abandoned before settlement.
	TransactionStatusCancelled TransactionStatus = "cancelled"
)

// Terminal reports whether no further transitions are permitted from s.
// Completed is not terminal: it may still move to refunded.
func (s TransactionStatus) Terminal() bool {
	switch s {
	case TransactionStatusFailed, TransactionStatusRefunded, TransactionStatusCancelled:
		return true
	default:
		return false
	}
}

// Transaction records one payment attempt or settlement against an order.
type Transaction struct {
	ID              string
	OrderID         string
	UserID          string
	Method          PaymentMethod
	Amount          int64
	Currency        string
	Status          TransactionStatus
	GatewayID       string
	GatewayResponse map[string]any
	RefundAmount    int64
	RefundReason    string
	RefundedAt      *time.Time
	Metadata        map[string]any
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// CouponType enumerates supported discount computation modes.
type CouponType string

const (
	// CouponTypePercentage discounts a percentage of the cart subtotal.
	CouponTypePercentage CouponType = "percentage"
	// CouponTypeFixed discounts a fixed amount.
	CouponTypeFixed CouponType = "fixed"
)

// Coupon describes a discount rule applied to carts by code. Codes are
// stored uppercase and matched case-insensitively.
type Coupon struct {
	ID            string
	Code          string
	Description   string
	Type          CouponType
	Value         int64
	MaxDiscount   int64
	MinOrderValue int64
	UsageLimit    int
	UsedCount     int
	PerUserLimit  int
	ValidFrom     time.Time
	ExpiresAt     time.Time
	Active        bool
	CreatedBy     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Valid reports whether the coupon is redeemable at the given instant.
func (c Coupon) Valid(now time.Time) bool {
	if !c.Active {
		return false
	}
	if now.Before(c.ValidFrom) || !now.Before(c.ExpiresAt) {
		return false
	}
	if c.UsageLimit > 0 && c.UsedCount >= c.UsageLimit {
		return false
	}
	return true
}

// NotificationKind categorizes user-facing lifecycle notifications.
type NotificationKind string

const (
	// NotificationKindOrderCreated announces a newly placed order.
	NotificationKindOrderCreated NotificationKind = "order_created"
	// NotificationKindOrderCancelled announces an order cancellation.
	NotificationKindOrderCancelled NotificationKind = "order_cancelled"
	// NotificationKindPaymentConfirmed announces a settled payment.
	NotificationKindPaymentConfirmed NotificationKind = "payment_confirmed"
	// NotificationKindPaymentRefunded announces a processed refund.
	NotificationKindPaymentRefunded NotificationKind = "payment_refunded"
)

// Notification is a single entry in a user's notification feed.
type Notification struct {
	ID        string
	UserID    string
	Kind      NotificationKind
	Title     string
	Message   string
	Data      map[string]any
	Read      bool
	CreatedAt time.Time
}

// InventoryAdjustmentLine describes one atomic stock movement for a product
// or one of its variants. Positive Delta restores stock, negative reserves.
type InventoryAdjustmentLine struct {
	ProductID string
	Variant   *VariantSelector
	Delta     int
}

// HealthStatus summarises the state of a dependency or the whole system.
type HealthStatus string

const (
	// HealthStatusOK indicates the dependency responded within limits.
	HealthStatusOK HealthStatus = "ok"
	// HealthStatusDegraded indicates the dependency responded with errors.
	HealthStatusDegraded HealthStatus = "degraded"
	// HealthStatusError indicates the dependency timed out or is unreachable.
	HealthStatusError HealthStatus = "error"
)

// SystemHealthCheck captures a single dependency probe result.
type SystemHealthCheck struct {
	Status    HealthStatus
	Detail    string
	Error     string
	Latency   time.Duration
	CheckedAt time.Time
}

// SystemHealthReport aggregates dependency probes for readiness endpoints.
type SystemHealthReport struct {
	Status      HealthStatus
	Checks      map[string]SystemHealthCheck
	GeneratedAt time.Time
}
