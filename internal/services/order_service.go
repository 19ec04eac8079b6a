package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/oklog/ulid/v2"

	domain "github.com/clearbay/api/internal/domain"
	"github.com/clearbay/api/internal/repositories"
)

var (
	// ErrOrderInvalidInput indicates the caller supplied invalid order parameters.
	ErrOrderInvalidInput = errors.New("order service: invalid input")
	// ErrOrderNotFound indicates the order does not exist or belongs to another user.
	ErrOrderNotFound = errors.New("order service: order not found")
	// ErrOrderUnavailable indicates the order backend cannot fulfil the request.
	ErrOrderUnavailable = errors.New("order service: unavailable")
	// ErrOrderEmptyCart indicates placement was attempted with no cart items.
	ErrOrderEmptyCart = errors.New("order service: cart is empty")
	// ErrOrderInsufficientStock indicates stock ran out between cart and placement.
	ErrOrderInsufficientStock = errors.New("order service: insufficient stock")
	// ErrOrderNotCancellable indicates the order has progressed past cancellation.
	ErrOrderNotCancellable = errors.New("order service: order can no longer be cancelled")
	// ErrOrderConflict indicates a concurrent mutation won the race.
	ErrOrderConflict = errors.New("order service: conflict")
	// ErrOrderInvalidTransition indicates the requested status change is not allowed.
	ErrOrderInvalidTransition = errors.New("order service: invalid status transition")
)

// orderStatusTransitions lists the fulfilment moves the admin surface may
// request. Cancellation goes through Cancel so stock is restored.
var orderStatusTransitions = map[domain.OrderStatus][]domain.OrderStatus{
	domain.OrderStatusPending:    {domain.OrderStatusConfirmed, domain.OrderStatusProcessing},
	domain.OrderStatusConfirmed:  {domain.OrderStatusProcessing, domain.OrderStatusShipped},
	domain.OrderStatusProcessing: {domain.OrderStatusShipped},
	domain.OrderStatusShipped:    {domain.OrderStatusDelivered},
	domain.OrderStatusDelivered:  {domain.OrderStatusReturned},
}

// OrderServiceDeps wires the collaborators of the order lifecycle.
type OrderServiceDeps struct {
	Orders        repositories.OrderRepository
	Transactions  repositories.TransactionRepository
	Carts         CartService
	Inventory     InventoryService
	Coupons       CouponService
	Counters      CounterService
	Notifications NotificationService
	Clock         func() time.Time
	IDGenerator   func() string
	Logger        func(context.Context, string, map[string]any)
}

type orderService struct {
	orders        repositories.OrderRepository
	transactions  repositories.TransactionRepository
	carts         CartService
	inventory     InventoryService
	coupons       CouponService
	counters      CounterService
	notifications NotificationService
	now           func() time.Time
	newID         func() string
	logger        func(context.Context, string, map[string]any)
	sanitizer     *bluemonday.Policy
}

// NewOrderService constructs an OrderService enforcing dependency validation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	if deps.Carts == nil {
		return nil, errors.New("order service: cart service is required")
	}
	if deps.Inventory == nil {
		return nil, errors.New("order service: inventory service is required")
	}
	if deps.Counters == nil {
		return nil, errors.New("order service: counter service is required")
	}
	if deps.Clock == nil {
		return nil, errors.New("order service: clock is required")
	}

	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &orderService{
		orders:        deps.Orders,
		transactions:  deps.Transactions,
		carts:         deps.Carts,
		inventory:     deps.Inventory,
		coupons:       deps.Coupons,
		counters:      deps.Counters,
		notifications: deps.Notifications,
		now:           func() time.Time { return deps.Clock().UTC() },
		newID:         idGen,
		logger:        logger,
		sanitizer:     bluemonday.StrictPolicy(),
	}, nil
}

// PlaceOrder runs the order-creation saga: snapshot the healed cart, write
// the order in the pending-commit phase, reserve stock, then mark the order
// committed. A failed reservation compensates by deleting the order so no
// half-created order survives.
func (s *orderService) PlaceOrder(ctx context.Context, cmd PlaceOrderCommand) (Order, error) {
	uid := strings.TrimSpace(cmd.UserID)
	if uid == "" {
		return Order{}, fmt.Errorf("%w: user id is required", ErrOrderInvalidInput)
	}
	method, ok := domain.ParsePaymentMethod(cmd.PaymentMethod)
	if !ok {
		return Order{}, fmt.Errorf("%w: unsupported payment method %q", ErrOrderInvalidInput, cmd.PaymentMethod)
	}
	if err := validateAddress(cmd.ShippingAddress); err != nil {
		return Order{}, err
	}
	billing := cmd.ShippingAddress
	if cmd.BillingAddress != nil {
		if err := validateAddress(*cmd.BillingAddress); err != nil {
			return Order{}, err
		}
		billing = *cmd.BillingAddress
	}

	cart, err := s.carts.GetCart(ctx, uid)
	if err != nil {
		return Order{}, fmt.Errorf("load cart: %w", err)
	}
	if len(cart.Items) == 0 {
		return Order{}, ErrOrderEmptyCart
	}

	items, lines, err := s.snapshotItems(ctx, cart)
	if err != nil {
		return Order{}, err
	}

	number, err := s.counters.NextOrderNumber(ctx)
	if err != nil {
		return Order{}, fmt.Errorf("allocate order number: %w", err)
	}

	now := s.now()
	order := Order{
		ID:              s.newID(),
		Number:          number,
		UserID:          uid,
		Items:           items,
		ShippingAddress: cmd.ShippingAddress,
		BillingAddress:  billing,
		PaymentMethod:   method,
		PaymentStatus:   domain.PaymentStatusPending,
		Status:          domain.OrderStatusPending,
		CommitPhase:     domain.OrderCommitPhasePending,
		Totals:          orderTotals(cart),
		Notes:           s.sanitizer.Sanitize(strings.TrimSpace(cmd.Notes)),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if cart.Coupon != nil {
		order.CouponID = cart.Coupon.CouponID
		order.CouponCode = cart.Coupon.Code
	}

	if err := s.orders.Insert(ctx, order); err != nil {
		return Order{}, s.translateRepoError(err)
	}

	if len(lines) > 0 {
		err := s.inventory.Reserve(ctx, InventoryMovementCommand{
			OrderRef:    order.ID,
			Lines:       lines,
			RecordSales: true,
		})
		if err != nil {
			s.compensateOrder(ctx, order.ID)
			if errors.Is(err, ErrInventoryInsufficientStock) || errors.Is(err, ErrInventoryProductNotFound) {
				return Order{}, fmt.Errorf("%w: %v", ErrOrderInsufficientStock, err)
			}
			return Order{}, fmt.Errorf("reserve stock: %w", err)
		}
	}

	if err := s.orders.MarkCommitted(ctx, order.ID, s.now()); err != nil {
		// Stock is held and the order exists; reconciliation finishes the
		// commit rather than unwinding a sellable order.
		s.logger(ctx, "order.commit.deferred", map[string]any{
			"orderId": order.ID,
			"error":   err.Error(),
		})
	}
	order.CommitPhase = domain.OrderCommitPhaseCommitted

	if order.CouponID != "" && s.coupons != nil {
		if _, err := s.coupons.Redeem(ctx, order.CouponID); err != nil {
			s.logger(ctx, "order.coupon.redeem_failed", map[string]any{
				"orderId":  order.ID,
				"couponId": order.CouponID,
				"error":    err.Error(),
			})
		}
	}

	if err := s.carts.ClearCart(ctx, uid); err != nil {
		s.logger(ctx, "order.cart.clear_failed", map[string]any{
			"orderId": order.ID,
			"error":   err.Error(),
		})
	}

	if s.notifications != nil {
		s.notifications.NotifyOrderCreated(ctx, order)
	}

	s.logger(ctx, "order.placed", map[string]any{
		"orderId": order.ID,
		"number":  order.Number,
		"userId":  uid,
		"total":   order.Totals.Total,
	})
	return order, nil
}

func (s *orderService) GetOrder(ctx context.Context, orderID string, userID string) (Order, error) {
	id := strings.TrimSpace(orderID)
	uid := strings.TrimSpace(userID)
	if id == "" || uid == "" {
		return Order{}, fmt.Errorf("%w: order id and user id are required", ErrOrderInvalidInput)
	}
	order, err := s.orders.FindForUser(ctx, id, uid)
	if err != nil {
		return Order{}, s.translateRepoError(err)
	}
	return order, nil
}

func (s *orderService) GetOrderAdmin(ctx context.Context, orderID string) (Order, error) {
	id := strings.TrimSpace(orderID)
	if id == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	order, err := s.orders.FindByID(ctx, id)
	if err != nil {
		return Order{}, s.translateRepoError(err)
	}
	return order, nil
}

func (s *orderService) ListOrders(ctx context.Context, filter OrderListFilter) (domain.CursorPage[Order], error) {
	page, err := s.orders.List(ctx, filter)
	if err != nil {
		return domain.CursorPage[Order]{}, s.translateRepoError(err)
	}
	return page, nil
}

// Cancel cancels a pending or confirmed order and restores reserved stock.
// The status flip is conditional on the current status, so two concurrent
// cancellations release stock exactly once.
func (s *orderService) Cancel(ctx context.Context, cmd CancelOrderCommand) (Order, error) {
	id := strings.TrimSpace(cmd.OrderID)
	if id == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	var order Order
	var err error
	if uid := strings.TrimSpace(cmd.UserID); uid != "" {
		order, err = s.orders.FindForUser(ctx, id, uid)
	} else {
		order, err = s.orders.FindByID(ctx, id)
	}
	if err != nil {
		return Order{}, s.translateRepoError(err)
	}
	if !order.Cancellable() {
		return Order{}, fmt.Errorf("%w: status is %s", ErrOrderNotCancellable, order.Status)
	}

	now := s.now()
	cancelled := domain.OrderStatusCancelled
	updated, err := s.orders.UpdateStatus(ctx, order.ID, repositories.OrderStatusUpdate{
		ExpectedStatus: []domain.OrderStatus{domain.OrderStatusPending, domain.OrderStatusConfirmed},
		Status:         &cancelled,
		CancelledAt:    &now,
		Now:            now,
	})
	if err != nil {
		translated := s.translateRepoError(err)
		if errors.Is(translated, ErrOrderConflict) {
			return Order{}, ErrOrderNotCancellable
		}
		return Order{}, translated
	}

	if lines := trackedLines(updated.Items); len(lines) > 0 {
		if err := s.inventory.Release(ctx, InventoryMovementCommand{OrderRef: updated.ID, Lines: lines}); err != nil {
			// The order is already cancelled; stock restoration is retried out
			// of band rather than resurrecting the order.
			s.logger(ctx, "order.cancel.release_failed", map[string]any{
				"orderId": updated.ID,
				"error":   err.Error(),
			})
		}
	}

	if s.notifications != nil {
		s.notifications.NotifyOrderCancelled(ctx, updated, strings.TrimSpace(cmd.Reason))
	}
	s.logger(ctx, "order.cancelled", map[string]any{
		"orderId": updated.ID,
		"userId":  updated.UserID,
	})
	return updated, nil
}

// UpdateStatus advances the fulfilment status along the allowed transitions.
func (s *orderService) UpdateStatus(ctx context.Context, cmd OrderStatusCommand) (Order, error) {
	id := strings.TrimSpace(cmd.OrderID)
	if id == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	if cmd.Status == domain.OrderStatusCancelled {
		return Order{}, fmt.Errorf("%w: use cancellation to restore stock", ErrOrderInvalidTransition)
	}

	order, err := s.orders.FindByID(ctx, id)
	if err != nil {
		return Order{}, s.translateRepoError(err)
	}
	if !transitionAllowed(order.Status, cmd.Status) {
		return Order{}, fmt.Errorf("%w: %s -> %s", ErrOrderInvalidTransition, order.Status, cmd.Status)
	}

	now := s.now()
	status := cmd.Status
	update := repositories.OrderStatusUpdate{
		ExpectedStatus: []domain.OrderStatus{order.Status},
		Status:         &status,
		Now:            now,
	}
	if cmd.Status == domain.OrderStatusShipped {
		tracking := strings.TrimSpace(cmd.TrackingNumber)
		if tracking == "" {
			return Order{}, fmt.Errorf("%w: tracking number is required to ship", ErrOrderInvalidInput)
		}
		update.TrackingInfo = &repositories.OrderTrackingInfo{
			TrackingNumber: tracking,
			Carrier:        strings.TrimSpace(cmd.Carrier),
		}
	}
	if cmd.Status == domain.OrderStatusDelivered {
		update.DeliveredAt = &now
	}

	updated, err := s.orders.UpdateStatus(ctx, order.ID, update)
	if err != nil {
		return Order{}, s.translateRepoError(err)
	}
	s.logger(ctx, "order.status.updated", map[string]any{
		"orderId": updated.ID,
		"status":  string(updated.Status),
		"actorId": strings.TrimSpace(cmd.ActorID),
	})
	return updated, nil
}

// CanReview reports whether the user has taken delivery of the product.
func (s *orderService) CanReview(ctx context.Context, userID string, productID string) (bool, error) {
	uid := strings.TrimSpace(userID)
	pid := strings.TrimSpace(productID)
	if uid == "" || pid == "" {
		return false, fmt.Errorf("%w: user id and product id are required", ErrOrderInvalidInput)
	}

	filter := OrderListFilter{
		UserID:     uid,
		Status:     []domain.OrderStatus{domain.OrderStatusDelivered},
		Pagination: domain.Pagination{PageSize: 100},
	}
	for {
		page, err := s.orders.List(ctx, filter)
		if err != nil {
			return false, s.translateRepoError(err)
		}
		for _, order := range page.Items {
			for _, item := range order.Items {
				if item.ProductID == pid {
					return true, nil
				}
			}
		}
		if page.NextPageToken == "" {
			return false, nil
		}
		filter.Pagination.PageToken = page.NextPageToken
	}
}

// ReconcileUncommitted sweeps orders stuck in the pending-commit phase. An
// order with a recorded payment attempt finished its reservation, so the
// commit is completed; an order with no attempts is unwound.
func (s *orderService) ReconcileUncommitted(ctx context.Context, olderThan time.Duration, limit int) (ReconcileReport, error) {
	if olderThan <= 0 {
		return ReconcileReport{}, fmt.Errorf("%w: cutoff age must be positive", ErrOrderInvalidInput)
	}
	if limit <= 0 {
		limit = 50
	}

	cutoff := s.now().Add(-olderThan)
	stuck, err := s.orders.ListUncommitted(ctx, cutoff, limit)
	if err != nil {
		return ReconcileReport{}, s.translateRepoError(err)
	}

	report := ReconcileReport{Scanned: len(stuck)}
	for _, order := range stuck {
		attempts := 0
		if s.transactions != nil {
			txns, err := s.transactions.ListByOrder(ctx, order.ID)
			if err != nil {
				s.logger(ctx, "order.reconcile.lookup_failed", map[string]any{
					"orderId": order.ID,
					"error":   err.Error(),
				})
				continue
			}
			attempts = len(txns)
		}

		if attempts > 0 {
			if err := s.orders.MarkCommitted(ctx, order.ID, s.now()); err != nil {
				s.logger(ctx, "order.reconcile.commit_failed", map[string]any{
					"orderId": order.ID,
					"error":   err.Error(),
				})
				continue
			}
			report.Committed++
			continue
		}

		if err := s.orders.Delete(ctx, order.ID); err != nil {
			s.logger(ctx, "order.reconcile.delete_failed", map[string]any{
				"orderId": order.ID,
				"error":   err.Error(),
			})
			continue
		}
		report.Deleted++
	}

	s.logger(ctx, "order.reconcile.swept", map[string]any{
		"scanned":   report.Scanned,
		"committed": report.Committed,
		"deleted":   report.Deleted,
	})
	return report, nil
}

// snapshotItems freezes cart items into order items and derives the stock
// movement lines for tracked entries.
func (s *orderService) snapshotItems(ctx context.Context, cart Cart) ([]OrderItem, []domain.InventoryAdjustmentLine, error) {
	items := make([]OrderItem, 0, len(cart.Items))
	lines := make([]domain.InventoryAdjustmentLine, 0, len(cart.Items))
	productCache := make(map[string]Product, len(cart.Items))

	for _, item := range cart.Items {
		product, ok := productCache[item.ProductID]
		if !ok {
			loaded, err := s.inventory.GetProduct(ctx, item.ProductID)
			if err != nil {
				if errors.Is(err, ErrInventoryProductNotFound) {
					return nil, nil, fmt.Errorf("%w: %s is no longer available", ErrOrderInsufficientStock, item.Name)
				}
				return nil, nil, fmt.Errorf("load product %s: %w", item.ProductID, err)
			}
			product = loaded
			productCache[item.ProductID] = product
		}

		tracked := product.TrackQuantity || item.Variant != nil
		items = append(items, OrderItem{
			ProductID: item.ProductID,
			Name:      item.Name,
			Image:     product.DisplayImage(),
			Variant:   item.Variant,
			UnitPrice: item.UnitPrice,
			Quantity:  item.Quantity,
			Tracked:   tracked,
			Total:     item.LineTotal(),
		})
		if tracked {
			lines = append(lines, domain.InventoryAdjustmentLine{
				ProductID: item.ProductID,
				Variant:   item.Variant,
				Delta:     item.Quantity,
			})
		}
	}
	return items, lines, nil
}

// compensateOrder unwinds the pending-commit order after a failed reservation.
func (s *orderService) compensateOrder(ctx context.Context, orderID string) {
	if err := s.orders.Delete(ctx, orderID); err != nil {
		// Left in the pending-commit phase; reconciliation picks it up.
		s.logger(ctx, "order.compensate.delete_failed", map[string]any{
			"orderId": orderID,
			"error":   err.Error(),
		})
		return
	}
	s.logger(ctx, "order.compensated", map[string]any{"orderId": orderID})
}

func orderTotals(cart Cart) OrderTotals {
	return OrderTotals{
		Subtotal: cart.Subtotal(),
		Shipping: cart.Shipping,
		Tax:      cart.Tax,
		Discount: cart.Discount(),
		Total:    cart.Total(),
	}
}

func trackedLines(items []OrderItem) []domain.InventoryAdjustmentLine {
	lines := make([]domain.InventoryAdjustmentLine, 0, len(items))
	for _, item := range items {
		if !item.Tracked {
			continue
		}
		lines = append(lines, domain.InventoryAdjustmentLine{
			ProductID: item.ProductID,
			Variant:   item.Variant,
			Delta:     item.Quantity,
		})
	}
	return lines
}

func transitionAllowed(from, to domain.OrderStatus) bool {
	for _, candidate := range orderStatusTransitions[from] {
		if candidate == to {
			return true
		}
	}
	return false
}

func validateAddress(addr Address) error {
	if strings.TrimSpace(addr.Name) == "" ||
		strings.TrimSpace(addr.Street) == "" ||
		strings.TrimSpace(addr.City) == "" ||
		strings.TrimSpace(addr.Country) == "" {
		return fmt.Errorf("%w: address requires name, street, city and country", ErrOrderInvalidInput)
	}
	return nil
}

func (s *orderService) translateRepoError(err error) error {
	if err == nil {
		return nil
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return ErrOrderNotFound
		case repoErr.IsConflict():
			return ErrOrderConflict
		}
	}
	return ErrOrderUnavailable
}
