package repositories

import (
	"context"
	"time"

	domain "github.com/clearbay/api/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Carts() CartRepository
	Products() ProductRepository
	Orders() OrderRepository
	Transactions() TransactionRepository
	Coupons() CouponRepository
	Notifications() NotificationRepository
	Counters() CounterRepository
	Health() HealthRepository
	UnitOfWork
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// UnitOfWork allows grouping repository operations in a transactional boundary when supported.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// CartRepository owns cart persistence with optimistic locking guarantees.
type CartRepository interface {
	// Get returns the cart for the user. A RepositoryError with IsNotFound
	// signals the user has no cart yet.
	Get(ctx context.Context, userID string) (domain.Cart, error)
	// Upsert writes the cart. When opts.ExpectedUpdatedAt is set the write
	// fails with a conflict if the stored UpdatedAt differs.
	Upsert(ctx context.Context, cart domain.Cart, opts CartUpsertOptions) (domain.Cart, error)
	Delete(ctx context.Context, userID string) error
}

// CartUpsertOptions carries optimistic concurrency expectations for cart writes.
type CartUpsertOptions struct {
	ExpectedUpdatedAt *time.Time
}

// ProductRepository reads catalog projections and owns the stock ledger.
type ProductRepository interface {
	Get(ctx context.Context, productID string) (domain.Product, error)
	// AdjustStock applies every line in one Firestore transaction. Negative
	// deltas fail the whole batch with an InventoryError carrying
	// InventoryErrorCodeInsufficientStock when available stock would drop
	// below zero; untracked products are skipped. Sales counters move by the
	// negated delta for tracked lines when req.RecordSales is set.
	AdjustStock(ctx context.Context, req AdjustStockRequest) (AdjustStockResult, error)
}

// AdjustStockRequest batches atomic stock movements tied to one order.
type AdjustStockRequest struct {
	Lines       []domain.InventoryAdjustmentLine
	OrderRef    string
	RecordSales bool
	Now         time.Time
}

// AdjustStockResult reports resulting quantities keyed by product ID.
type AdjustStockResult struct {
	Quantities map[string]int
}

// OrderRepository persists order documents and provides query helpers.
type OrderRepository interface {
	Insert(ctx context.Context, order domain.Order) error
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	// FindForUser returns the order only when it belongs to the user.
	FindForUser(ctx context.Context, orderID string, userID string) (domain.Order, error)
	List(ctx context.Context, filter OrderListFilter) (domain.CursorPage[domain.Order], error)
	// UpdateStatus applies the mutation only when the stored order still
	// matches every expectation; otherwise it fails with a conflict.
	UpdateStatus(ctx context.Context, orderID string, update OrderStatusUpdate) (domain.Order, error)
	// MarkCommitted transitions the creation saga phase to committed.
	MarkCommitted(ctx context.Context, orderID string, now time.Time) error
	Delete(ctx context.Context, orderID string) error
	// ListUncommitted returns orders stuck in the pending-commit phase older
	// than the cutoff, for the reconciliation job.
	ListUncommitted(ctx context.Context, cutoff time.Time, limit int) ([]domain.Order, error)
}

// OrderListFilter narrows order listings per user, status and date range.
type OrderListFilter struct {
	UserID     string
	Status     []domain.OrderStatus
	DateRange  domain.RangeQuery[time.Time]
	Pagination domain.Pagination
}

// OrderStatusUpdate mutates order status fields under optimistic expectations.
type OrderStatusUpdate struct {
	ExpectedStatus        []domain.OrderStatus
	ExpectedPaymentStatus []domain.PaymentStatus

	Status        *domain.OrderStatus
	PaymentStatus *domain.PaymentStatus
	TrackingInfo  *OrderTrackingInfo
	CancelledAt   *time.Time
	DeliveredAt   *time.Time
	Now           time.Time
}

// OrderTrackingInfo carries carrier metadata recorded on shipment.
type OrderTrackingInfo struct {
	TrackingNumber string
	Carrier        string
}

// TransactionRepository stores payment attempts with conditional transitions.
type TransactionRepository interface {
	Insert(ctx context.Context, txn domain.Transaction) error
	FindByID(ctx context.Context, txnID string) (domain.Transaction, error)
	// FindByGatewayID locates a transaction by its gateway reference, used by
	// webhook dispatch.
	FindByGatewayID(ctx context.Context, gatewayID string) (domain.Transaction, error)
	ListByOrder(ctx context.Context, orderID string) ([]domain.Transaction, error)
	// UpdateStatus transitions the transaction only when its stored status is
	// one of update.ExpectedStatus, failing with a conflict otherwise. This
	// is the serialization primitive for concurrent confirm/webhook/refund.
	UpdateStatus(ctx context.Context, txnID string, update TransactionStatusUpdate) (domain.Transaction, error)
}

// TransactionStatusUpdate carries the conditional transition payload.
type TransactionStatusUpdate struct {
	ExpectedStatus []domain.TransactionStatus
	Status         domain.TransactionStatus

	GatewayID       *string
	GatewayResponse map[string]any
	RefundAmount    *int64
	RefundReason    *string
	RefundedAt      *time.Time
	Now             time.Time
}

// CouponRepository maintains coupon definitions and atomic usage counters.
type CouponRepository interface {
	Insert(ctx context.Context, coupon domain.Coupon) error
	Update(ctx context.Context, coupon domain.Coupon) error
	Delete(ctx context.Context, couponID string) error
	FindByID(ctx context.Context, couponID string) (domain.Coupon, error)
	// FindByCode matches the uppercase-normalized code.
	FindByCode(ctx context.Context, code string) (domain.Coupon, error)
	List(ctx context.Context, filter CouponListFilter) (domain.CursorPage[domain.Coupon], error)
	// IncrementUsage atomically bumps UsedCount, re-checking UsageLimit inside
	// the transaction. A CouponError with CouponErrorCodeUsageExhausted is
	// returned when the limit is already reached.
	IncrementUsage(ctx context.Context, couponID string, now time.Time) (domain.Coupon, error)
}

// CouponListFilter narrows coupon listings for the admin surface.
type CouponListFilter struct {
	ActiveOnly bool
	Pagination domain.Pagination
}

// NotificationRepository appends entries to per-user notification feeds.
type NotificationRepository interface {
	Append(ctx context.Context, notification domain.Notification) error
	ListByUser(ctx context.Context, userID string, pager domain.Pagination) (domain.CursorPage[domain.Notification], error)
}

// CounterRepository provides transaction-safe sequence numbers.
type CounterRepository interface {
	Next(ctx context.Context, counterID string, step int64) (int64, error)
	Configure(ctx context.Context, counterID string, cfg CounterConfig) error
}

// CounterConfig customises increment behaviour and bounds for a counter.
type CounterConfig struct {
	Step         int64
	MaxValue     *int64
	InitialValue *int64
}

// HealthRepository exposes status of downstream dependencies for health checks.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}
