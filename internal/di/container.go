package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/clearbay/api/internal/payments"
	"github.com/clearbay/api/internal/platform/config"
	"github.com/clearbay/api/internal/platform/observability"
	"github.com/clearbay/api/internal/repositories"
	"github.com/clearbay/api/internal/services"
)

// Services bundles the service-layer contracts that handlers rely upon. Concrete implementations
// are assembled via dependency injection in NewContainer.
type Services struct {
	Cart          services.CartService
	Coupons       services.CouponService
	Inventory     services.InventoryService
	Orders        services.OrderService
	Payments      services.PaymentService
	Counters      services.CounterService
	Notifications services.NotificationService
	System        services.SystemService
}

// Deps carries the externally constructed infrastructure the container wires
// into services: persistence, payment gateways, and the notification pipeline.
type Deps struct {
	Registry repositories.Registry
	Gateways *payments.Manager
	// Publisher is optional; notifications fall back to Firestore-only delivery.
	Publisher services.NotificationPublisher
	Logger    *zap.Logger
}

// Container wires repositories, services, and background infrastructure for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Services     Services
}

// NewContainer constructs the runtime dependencies. Production wiring provides Firestore-backed
// registries and live gateways, while tests can supply in-memory fakes.
func NewContainer(ctx context.Context, cfg config.Config, deps Deps) (*Container, error) {
	if deps.Registry == nil {
		return nil, errors.New("repositories registry is required")
	}
	if deps.Gateways == nil {
		return nil, errors.New("payment gateway manager is required")
	}

	svc, err := buildServices(ctx, cfg, deps)
	if err != nil {
		return nil, err
	}

	return &Container{
		Config:       cfg,
		Repositories: deps.Registry,
		Services:     svc,
	}, nil
}

// Close releases resources such as repository clients, background workers, or caches.
func (c *Container) Close(ctx context.Context) error {
	if c == nil || c.Repositories == nil {
		return nil
	}
	return c.Repositories.Close(ctx)
}

func buildServices(_ context.Context, cfg config.Config, deps Deps) (Services, error) {
	var svc Services
	reg := deps.Registry
	logFn := serviceLogger(deps.Logger)

	couponSvc, err := services.NewCouponService(services.CouponServiceDeps{
		Repository: reg.Coupons(),
		Clock:      time.Now,
		Logger:     logFn,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build coupon service: %w", err)
	}
	svc.Coupons = couponSvc

	inventorySvc, err := services.NewInventoryService(services.InventoryServiceDeps{
		Products: reg.Products(),
		Clock:    time.Now,
		Logger:   logFn,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build inventory service: %w", err)
	}
	svc.Inventory = inventorySvc

	counterSvc, err := services.NewCounterService(services.CounterServiceDeps{
		Repository: reg.Counters(),
		Clock:      time.Now,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build counter service: %w", err)
	}
	svc.Counters = counterSvc

	notificationSvc, err := services.NewNotificationService(services.NotificationServiceDeps{
		Repository: reg.Notifications(),
		Publisher:  deps.Publisher,
		Clock:      time.Now,
		Logger:     logFn,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build notification service: %w", err)
	}
	svc.Notifications = notificationSvc

	cartCoupons := svc.Coupons
	if !cfg.Features.EnableCoupons {
		cartCoupons = nil
	}
	cartSvc, err := services.NewCartService(services.CartServiceDeps{
		Carts:           reg.Carts(),
		Products:        reg.Products(),
		Coupons:         cartCoupons,
		Clock:           time.Now,
		DefaultCurrency: cfg.PSP.DefaultCurrency,
		Logger:          logFn,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build cart service: %w", err)
	}
	svc.Cart = cartSvc

	orderSvc, err := services.NewOrderService(services.OrderServiceDeps{
		Orders:        reg.Orders(),
		Transactions:  reg.Transactions(),
		Carts:         svc.Cart,
		Inventory:     svc.Inventory,
		Coupons:       cartCoupons,
		Counters:      svc.Counters,
		Notifications: svc.Notifications,
		Clock:         time.Now,
		Logger:        logFn,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build order service: %w", err)
	}
	svc.Orders = orderSvc

	walletSecrets := make(map[string]string)
	if cfg.PSP.JazzCashSalt != "" {
		walletSecrets["jazzcash"] = cfg.PSP.JazzCashSalt
	}
	if cfg.PSP.EasyPaisaSalt != "" {
		walletSecrets["easypaisa"] = cfg.PSP.EasyPaisaSalt
	}
	paymentSvc, err := services.NewPaymentService(services.PaymentServiceDeps{
		Transactions:  reg.Transactions(),
		Orders:        reg.Orders(),
		Gateways:      deps.Gateways,
		Notifications: svc.Notifications,
		WebhookSecrets: services.PaymentWebhookSecrets{
			Stripe:  cfg.PSP.StripeWebhookSecret,
			Wallets: walletSecrets,
		},
		DefaultCurrency: cfg.PSP.DefaultCurrency,
		Clock:           time.Now,
		Logger:          logFn,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build payment service: %w", err)
	}
	svc.Payments = paymentSvc

	if healthRepo := reg.Health(); healthRepo != nil {
		systemSvc, err := services.NewSystemService(services.SystemServiceDeps{
			HealthRepository: healthRepo,
			Clock:            time.Now,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build system service: %w", err)
		}
		svc.System = systemSvc
	}

	return svc, nil
}

// serviceLogger adapts zap to the key/value logging hook the services accept,
// preferring the request-scoped logger when one is present on the context.
func serviceLogger(fallback *zap.Logger) func(context.Context, string, map[string]any) {
	if fallback == nil {
		fallback = zap.NewNop()
	}
	return func(ctx context.Context, msg string, fields map[string]any) {
		logger := observability.FromContext(ctx)
		if logger == nil {
			logger = fallback
		}
		zapFields := make([]zap.Field, 0, len(fields))
		for key, value := range fields {
			zapFields = append(zapFields, zap.Any(key, value))
		}
		logger.Info(msg, zapFields...)
	}
}
