package firestore

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/firestore"

	pfirestore "github.com/clearbay/api/internal/platform/firestore"
	"github.com/clearbay/api/internal/repositories"
)

// Registry bundles the Firestore-backed repositories behind the
// repositories.Registry contract.
type Registry struct {
	provider *pfirestore.Provider

	carts         *CartRepository
	products      *ProductRepository
	orders        *OrderRepository
	transactions  *TransactionRepository
	coupons       *CouponRepository
	notifications *NotificationRepository
	counters      *CounterRepository
	health        repositories.HealthRepository
}

// RegistryDeps carries the shared infrastructure the registry builds upon.
type RegistryDeps struct {
	Provider *pfirestore.Provider
	// Health is optional; when nil the registry reports no health repository.
	Health repositories.HealthRepository
}

// NewRegistry constructs every Firestore repository over one shared provider.
func NewRegistry(deps RegistryDeps) (*Registry, error) {
	if deps.Provider == nil {
		return nil, errors.New("registry requires firestore provider")
	}

	carts, err := NewCartRepository(deps.Provider)
	if err != nil {
		return nil, fmt.Errorf("build cart repository: %w", err)
	}
	products, err := NewProductRepository(deps.Provider)
	if err != nil {
		return nil, fmt.Errorf("build product repository: %w", err)
	}
	orders, err := NewOrderRepository(deps.Provider)
	if err != nil {
		return nil, fmt.Errorf("build order repository: %w", err)
	}
	transactions, err := NewTransactionRepository(deps.Provider)
	if err != nil {
		return nil, fmt.Errorf("build transaction repository: %w", err)
	}
	coupons, err := NewCouponRepository(deps.Provider)
	if err != nil {
		return nil, fmt.Errorf("build coupon repository: %w", err)
	}
	notifications, err := NewNotificationRepository(deps.Provider)
	if err != nil {
		return nil, fmt.Errorf("build notification repository: %w", err)
	}
	counters, err := NewCounterRepository(deps.Provider)
	if err != nil {
		return nil, fmt.Errorf("build counter repository: %w", err)
	}

	return &Registry{
		provider:      deps.Provider,
		carts:         carts,
		products:      products,
		orders:        orders,
		transactions:  transactions,
		coupons:       coupons,
		notifications: notifications,
		counters:      counters,
		health:        deps.Health,
	}, nil
}

// Close releases the underlying Firestore client.
func (r *Registry) Close(ctx context.Context) error {
	if r == nil || r.provider == nil {
		return nil
	}
	return r.provider.Close(ctx)
}

func (r *Registry) Carts() repositories.CartRepository                 { return r.carts }
func (r *Registry) Products() repositories.ProductRepository           { return r.products }
func (r *Registry) Orders() repositories.OrderRepository               { return r.orders }
func (r *Registry) Transactions() repositories.TransactionRepository   { return r.transactions }
func (r *Registry) Coupons() repositories.CouponRepository             { return r.coupons }
func (r *Registry) Notifications() repositories.NotificationRepository { return r.notifications }
func (r *Registry) Counters() repositories.CounterRepository           { return r.counters }
func (r *Registry) Health() repositories.HealthRepository              { return r.health }

// RunInTx executes fn inside a Firestore transaction attempt. Repository
// calls made with the supplied context do not automatically join the
// transaction; fn is re-invoked on contention.
func (r *Registry) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if r == nil || r.provider == nil {
		return errors.New("registry not initialised")
	}
	return r.provider.RunTransaction(ctx, func(ctx context.Context, _ *firestore.Transaction) error {
		return fn(ctx)
	})
}

var _ repositories.Registry = (*Registry)(nil)
