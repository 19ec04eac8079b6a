package services

import (
	"context"
	"time"

	domain "github.com/clearbay/api/internal/domain"
	"github.com/clearbay/api/internal/repositories"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Pagination         = domain.Pagination
	Cart               = domain.Cart
	CartItem           = domain.CartItem
	CartCoupon         = domain.CartCoupon
	VariantSelector    = domain.VariantSelector
	Product            = domain.Product
	Order              = domain.Order
	OrderItem          = domain.OrderItem
	OrderStatus        = domain.OrderStatus
	OrderTotals        = domain.OrderTotals
	PaymentStatus      = domain.PaymentStatus
	PaymentMethod      = domain.PaymentMethod
	Address            = domain.Address
	Transaction        = domain.Transaction
	TransactionStatus  = domain.TransactionStatus
	Coupon             = domain.Coupon
	Notification       = domain.Notification
	SystemHealthReport = domain.SystemHealthReport
)

// CartService manages mutable cart state, healing stale entries against the
// live catalog on every read.
type CartService interface {
	// GetCart returns the user's cart after self-heal; a user with no cart
	// gets an empty one.
	GetCart(ctx context.Context, userID string) (Cart, error)
	AddItem(ctx context.Context, cmd AddCartItemCommand) (Cart, error)
	UpdateItemQuantity(ctx context.Context, cmd UpdateCartItemCommand) (Cart, error)
	RemoveItem(ctx context.Context, cmd RemoveCartItemCommand) (Cart, error)
	ClearCart(ctx context.Context, userID string) error
	ApplyCoupon(ctx context.Context, cmd ApplyCouponCommand) (Cart, error)
	RemoveCoupon(ctx context.Context, userID string) (Cart, error)
}

// CouponService evaluates and redeems discount codes and owns the admin
// coupon lifecycle.
type CouponService interface {
	// Validate checks the code against activity, window, usage and minimum
	// order value, returning the computed discount for the subtotal.
	Validate(ctx context.Context, cmd ValidateCouponCommand) (CouponValidation, error)
	// Redeem atomically consumes one use of the coupon.
	Redeem(ctx context.Context, couponID string) (Coupon, error)
	Create(ctx context.Context, cmd UpsertCouponCommand) (Coupon, error)
	Update(ctx context.Context, cmd UpsertCouponCommand) (Coupon, error)
	Delete(ctx context.Context, couponID string) error
	Get(ctx context.Context, couponID string) (Coupon, error)
	List(ctx context.Context, filter CouponListFilter) (domain.CursorPage[Coupon], error)
}

// InventoryService wraps atomic stock movements for order placement and
// cancellation.
type InventoryService interface {
	// Reserve decrements stock for every line or none.
	Reserve(ctx context.Context, cmd InventoryMovementCommand) error
	// Release restores stock for every line; used on cancellation and as the
	// compensation step when order placement fails late.
	Release(ctx context.Context, cmd InventoryMovementCommand) error
	GetProduct(ctx context.Context, productID string) (Product, error)
}

// OrderService owns the order-creation saga and the order lifecycle.
type OrderService interface {
	PlaceOrder(ctx context.Context, cmd PlaceOrderCommand) (Order, error)
	GetOrder(ctx context.Context, orderID string, userID string) (Order, error)
	// GetOrderAdmin loads any order without an ownership check.
	GetOrderAdmin(ctx context.Context, orderID string) (Order, error)
	ListOrders(ctx context.Context, filter OrderListFilter) (domain.CursorPage[Order], error)
	Cancel(ctx context.Context, cmd CancelOrderCommand) (Order, error)
	// UpdateStatus advances the fulfilment status; admin surface.
	UpdateStatus(ctx context.Context, cmd OrderStatusCommand) (Order, error)
	// CanReview reports whether the user has a delivered order containing the product.
	CanReview(ctx context.Context, userID string, productID string) (bool, error)
	// ReconcileUncommitted repairs orders whose creation saga never finished.
	ReconcileUncommitted(ctx context.Context, olderThan time.Duration, limit int) (ReconcileReport, error)
}

// PaymentService drives payment attempts against gateways and keeps order
// payment state consistent with transaction state.
type PaymentService interface {
	CreateIntent(ctx context.Context, cmd CreateIntentCommand) (PaymentIntentResult, error)
	Confirm(ctx context.Context, cmd ConfirmPaymentCommand) (Transaction, error)
	// HandleWebhook applies an asynchronous gateway event; events referencing
	// unknown gateway ids are ignored.
	HandleWebhook(ctx context.Context, cmd WebhookCommand) error
	Refund(ctx context.Context, cmd RefundCommand) (Transaction, error)
	// ConfirmBankTransfer settles a manual transfer after operator verification.
	ConfirmBankTransfer(ctx context.Context, cmd ConfirmBankTransferCommand) (Transaction, error)
	ListTransactions(ctx context.Context, orderID string, userID string) ([]Transaction, error)
}

// CounterService issues monotonically increasing sequence values.
type CounterService interface {
	Next(ctx context.Context, cmd CounterCommand) (int64, error)
	// NextOrderNumber formats the next order sequence into a display number.
	NextOrderNumber(ctx context.Context) (string, error)
}

// NotificationService records user-facing lifecycle notifications. Failures
// are logged, never surfaced to the triggering operation.
type NotificationService interface {
	NotifyOrderCreated(ctx context.Context, order Order)
	NotifyOrderCancelled(ctx context.Context, order Order, reason string)
	NotifyPaymentConfirmed(ctx context.Context, order Order, txn Transaction)
	NotifyPaymentRefunded(ctx context.Context, order Order, txn Transaction)
	ListForUser(ctx context.Context, userID string, pager Pagination) (domain.CursorPage[Notification], error)
}

// SystemService aggregates utility endpoints (health checks, counters).
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
}

// DomainError represents a structured error with stable codes for transport across layers.
type DomainError interface {
	error
	Code() string
	SafeMessage() string
}

// Command and DTO definitions ------------------------------------------------

type AddCartItemCommand struct {
	UserID    string
	ProductID string
	Variant   *VariantSelector
	Quantity  int
}

type UpdateCartItemCommand struct {
	UserID   string
	ItemID   string
	Quantity int
}

type RemoveCartItemCommand struct {
	UserID string
	ItemID string
}

type ApplyCouponCommand struct {
	UserID string
	Code   string
}

type ValidateCouponCommand struct {
	Code     string
	UserID   string
	Subtotal int64
}

// CouponValidation reports the outcome of evaluating a code against a subtotal.
type CouponValidation struct {
	Coupon   Coupon
	Discount int64
}

type UpsertCouponCommand struct {
	CouponID string
	Coupon   Coupon
	ActorID  string
}

type CouponListFilter = repositories.CouponListFilter

type InventoryMovementCommand struct {
	OrderRef    string
	Lines       []domain.InventoryAdjustmentLine
	RecordSales bool
}

type OrderListFilter = repositories.OrderListFilter

type PlaceOrderCommand struct {
	UserID          string
	ShippingAddress Address
	// BillingAddress falls back to the shipping address when nil.
	BillingAddress *Address
	PaymentMethod  string
	Notes          string
}

type CancelOrderCommand struct {
	OrderID string
	// UserID empty means an operator is cancelling on the user's behalf.
	UserID string
	Reason string
}

type OrderStatusCommand struct {
	OrderID        string
	Status         OrderStatus
	TrackingNumber string
	Carrier        string
	ActorID        string
}

// ReconcileReport summarises one reconciliation sweep over stuck orders.
type ReconcileReport struct {
	Scanned   int
	Committed int
	Deleted   int
}

type CreateIntentCommand struct {
	OrderID   string
	UserID    string
	ReturnURL string
	CancelURL string
}

// PaymentIntentResult pairs the stored transaction with client-facing
// gateway fields.
type PaymentIntentResult struct {
	Transaction  Transaction
	ClientSecret string
	RedirectURL  string
	Instructions string
}

type ConfirmPaymentCommand struct {
	TransactionID string
	UserID        string
}

type WebhookCommand struct {
	Provider  string
	Payload   []byte
	Signature string
	Headers   map[string]string
}

type RefundCommand struct {
	TransactionID string
	Amount        *int64
	Reason        string
	ActorID       string
}

type ConfirmBankTransferCommand struct {
	TransactionID string
	Reference     string
	ActorID       string
}

type CounterCommand struct {
	CounterID string
	Step      int64
}
