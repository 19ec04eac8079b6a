package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/clearbay/api/internal/di"
	"github.com/clearbay/api/internal/domain"
	"github.com/clearbay/api/internal/handlers"
	"github.com/clearbay/api/internal/payments"
	"github.com/clearbay/api/internal/platform/auth"
	"github.com/clearbay/api/internal/platform/config"
	pfirestore "github.com/clearbay/api/internal/platform/firestore"
	"github.com/clearbay/api/internal/platform/idempotency"
	"github.com/clearbay/api/internal/platform/jobs"
	"github.com/clearbay/api/internal/platform/observability"
	"github.com/clearbay/api/internal/platform/secrets"
	"github.com/clearbay/api/internal/repositories"
	firestoreRepo "github.com/clearbay/api/internal/repositories/firestore"

	"github.com/oklog/ulid/v2"
)

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	baseLogger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("api")
	ctx = observability.WithLogger(ctx, logger)

	envValues, err := config.EnvironmentValues()
	if err != nil {
		logger.Fatal("failed to read environment values", zap.Error(err))
	}

	fetcher, err := newSecretFetcher(ctx, logger, envValues)
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	requiredSecrets := requiredSecretNames(envValues)
	cfg, err := config.Load(ctx,
		config.WithSecretResolver(config.SecretResolverFunc(fetcher.Resolve)),
		config.WithRequiredSecrets(requiredSecrets...),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Fatal("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	buildInfo := buildInfoFromEnv(envValues, cfg, startedAt)

	firestoreProvider := pfirestore.NewProvider(cfg.Firestore)
	firestoreClient, err := firestoreProvider.Client(ctx)
	if err != nil {
		logger.Fatal("failed to initialise firestore client", zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := firestoreProvider.Close(closeCtx); err != nil {
			logger.Warn("firestore close error", zap.Error(err))
		}
	}()

	pubsubClient, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
	if err != nil {
		logger.Fatal("failed to initialise pubsub client", zap.Error(err))
	}
	defer func() {
		if err := pubsubClient.Close(); err != nil {
			logger.Warn("pubsub close error", zap.Error(err))
		}
	}()
	notificationTopic := pubsubClient.Topic(cfg.PubSub.NotificationTopic)
	defer notificationTopic.Stop()

	notificationPublisher, err := jobs.NewPubSubNotificationPublisher(notificationTopic)
	if err != nil {
		logger.Fatal("failed to initialise notification publisher", zap.Error(err))
	}

	healthRepo, err := newHealthRepository(firestoreClient, fetcher, notificationTopic)
	if err != nil {
		logger.Warn("health: dependency checks init failed", zap.Error(err))
	}

	registry, err := firestoreRepo.NewRegistry(firestoreRepo.RegistryDeps{
		Provider: firestoreProvider,
		Health:   healthRepo,
	})
	if err != nil {
		logger.Fatal("failed to initialise repositories", zap.Error(err))
	}

	gateways, err := buildGatewayManager(cfg, logger.Named("payments"))
	if err != nil {
		logger.Fatal("failed to initialise payment gateways", zap.Error(err))
	}

	container, err := di.NewContainer(ctx, cfg, di.Deps{
		Registry:  registry,
		Gateways:  gateways,
		Publisher: notificationPublisher,
		Logger:    logger,
	})
	if err != nil {
		logger.Fatal("failed to assemble services", zap.Error(err))
	}

	firebaseVerifier, err := auth.NewFirebaseVerifier(ctx, cfg.Firebase)
	if err != nil {
		logger.Fatal("failed to initialise firebase verifier", zap.Error(err))
	}
	authenticator := auth.NewAuthenticator(firebaseVerifier, auth.WithUserGetter(firebaseVerifier))

	idempotencyStore := idempotency.NewFirestoreStore(firestoreClient)
	idempotencyMiddleware := idempotency.Middleware(
		idempotencyStore,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
		idempotency.WithLogger(observability.NewPrintfAdapter(logger.Named("idempotency"))),
	)

	backgroundCtx, backgroundCancel := context.WithCancel(observability.WithLogger(context.Background(), logger))
	var backgroundWG sync.WaitGroup

	if cfg.Idempotency.CleanupInterval > 0 {
		backgroundWG.Add(1)
		go func() {
			defer backgroundWG.Done()
			cleanupLogger := logger.Named("idempotency")
			ticker := time.NewTicker(cfg.Idempotency.CleanupInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					runCtx, cancel := context.WithTimeout(backgroundCtx, time.Minute)
					removed, err := idempotencyStore.CleanupExpired(runCtx, time.Now().UTC(), cfg.Idempotency.CleanupBatchSize)
					cancel()
					if err != nil {
						cleanupLogger.Error("idempotency cleanup error", zap.Error(err))
						continue
					}
					if removed > 0 {
						cleanupLogger.Info("idempotency cleanup removed records", zap.Int("count", removed))
					}
				case <-backgroundCtx.Done():
					return
				}
			}
		}()
	}

	if cfg.Reconcile.Interval > 0 {
		backgroundWG.Add(1)
		go func() {
			defer backgroundWG.Done()
			reconcileLogger := logger.Named("reconcile")
			ticker := time.NewTicker(cfg.Reconcile.Interval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					runCtx, cancel := context.WithTimeout(backgroundCtx, time.Minute)
					report, err := container.Services.Orders.ReconcileUncommitted(runCtx, cfg.Reconcile.OlderThan, cfg.Reconcile.BatchSize)
					cancel()
					if err != nil {
						reconcileLogger.Error("order reconciliation error", zap.Error(err))
						continue
					}
					if report.Scanned > 0 {
						reconcileLogger.Info("order reconciliation sweep",
							zap.Int("scanned", report.Scanned),
							zap.Int("committed", report.Committed),
							zap.Int("deleted", report.Deleted),
						)
					}
				case <-backgroundCtx.Done():
					return
				}
			}
		}()
	}

	cartHandlers := handlers.NewCartHandlers(authenticator, container.Services.Cart)
	orderHandlers := handlers.NewOrderHandlers(authenticator, container.Services.Orders)
	paymentHandlers := handlers.NewPaymentHandlers(authenticator, container.Services.Payments)
	notificationHandlers := handlers.NewNotificationHandlers(authenticator, container.Services.Notifications)
	webhookHandlers := handlers.NewWebhookHandlers(container.Services.Payments)
	adminOrderHandlers := handlers.NewAdminOrderHandlers(authenticator, container.Services.Orders, container.Services.Payments)
	internalHandlers := handlers.NewInternalHandlers(container.Services.Orders)
	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthBuildInfo(buildInfo),
		handlers.WithHealthSystemService(container.Services.System),
	)

	projectID := traceProjectID(cfg)
	middlewares := []func(http.Handler) http.Handler{
		observability.InjectLoggerMiddleware(logger.Named("http")),
		observability.TraceMiddleware(projectID),
		observability.RecoveryMiddleware(logger.Named("http")),
		observability.RequestLoggerMiddleware(projectID),
		idempotencyMiddleware,
	}

	var opts []handlers.Option
	opts = append(opts, handlers.WithMiddlewares(middlewares...))
	opts = append(opts, handlers.WithHealthHandlers(healthHandlers))
	opts = append(opts, handlers.WithCartRoutes(cartHandlers.Routes))
	opts = append(opts, handlers.WithOrderRoutes(orderHandlers.Routes))
	opts = append(opts, handlers.WithPaymentRoutes(paymentHandlers.Routes))
	opts = append(opts, handlers.WithNotificationRoutes(notificationHandlers.Routes))
	opts = append(opts, handlers.WithWebhookRoutes(webhookHandlers.Routes))
	opts = append(opts, handlers.WithInternalRoutes(internalHandlers.Routes))
	opts = append(opts, handlers.WithInternalMiddlewares(authenticator.RequireFirebaseAuth(auth.RoleAdmin)))
	if cfg.Features.EnableCoupons {
		couponHandlers := handlers.NewCouponHandlers(authenticator, container.Services.Coupons)
		adminCouponHandlers := handlers.NewAdminCouponHandlers(authenticator, container.Services.Coupons)
		opts = append(opts, handlers.WithCouponRoutes(couponHandlers.Routes))
		opts = append(opts, handlers.WithAdminRoutes(func(r chi.Router) {
			adminOrderHandlers.Routes(r)
			adminCouponHandlers.Routes(r)
		}))
	} else {
		opts = append(opts, handlers.WithAdminRoutes(adminOrderHandlers.Routes))
	}

	router := handlers.NewRouter(opts...)
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("clearbay api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	backgroundCancel()
	backgroundWG.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

func buildInfoFromEnv(env map[string]string, cfg config.Config, started time.Time) handlers.BuildInfo {
	version := strings.TrimSpace(env["API_BUILD_VERSION"])
	if version == "" {
		version = "dev"
	}
	commit := strings.TrimSpace(env["API_BUILD_COMMIT_SHA"])
	if commit == "" {
		commit = "unknown"
	}
	environment := strings.TrimSpace(cfg.Security.Environment)
	if environment == "" {
		environment = "local"
	}
	return handlers.BuildInfo{
		Version:     version,
		CommitSHA:   commit,
		Environment: environment,
		StartedAt:   started,
	}
}

func buildGatewayManager(cfg config.Config, logger *zap.Logger) (*payments.Manager, error) {
	if strings.TrimSpace(cfg.PSP.StripeAPIKey) == "" {
		return nil, errors.New("stripe api key is required")
	}

	gatewayLog := func(name string) func(ctx context.Context, event string, fields map[string]any) {
		scoped := logger.Named(name)
		return func(_ context.Context, event string, fields map[string]any) {
			zFields := make([]zap.Field, 0, len(fields)+1)
			zFields = append(zFields, zap.String("event", event))
			for k, v := range fields {
				zFields = append(zFields, zap.Any(k, v))
			}
			scoped.Debug("gateway log", zFields...)
		}
	}

	providers := make(map[string]payments.Provider)

	stripeProvider, err := payments.NewStripeProvider(payments.StripeProviderConfig{
		APIKey: cfg.PSP.StripeAPIKey,
		Logger: gatewayLog("stripe"),
		Clock:  time.Now,
	})
	if err != nil {
		return nil, fmt.Errorf("stripe provider: %w", err)
	}
	providers[string(domain.PaymentMethodStripe)] = stripeProvider

	if cfg.PSP.PayPalClientID != "" && cfg.PSP.PayPalSecret != "" {
		paypalProvider, err := payments.NewPayPalProvider(payments.PayPalProviderConfig{
			BaseURL:      cfg.PSP.PayPalBaseURL,
			ClientID:     cfg.PSP.PayPalClientID,
			ClientSecret: cfg.PSP.PayPalSecret,
			ReturnURL:    cfg.PSP.PayPalReturnURL,
			CancelURL:    cfg.PSP.PayPalCancelURL,
			Logger:       gatewayLog("paypal"),
			Clock:        time.Now,
		})
		if err != nil {
			return nil, fmt.Errorf("paypal provider: %w", err)
		}
		providers[string(domain.PaymentMethodPayPal)] = paypalProvider
	}

	if cfg.Features.EnableWallets {
		wallets := []struct {
			method     domain.PaymentMethod
			baseURL    string
			merchantID string
			salt       string
		}{
			{domain.PaymentMethodJazzCash, cfg.PSP.JazzCashBaseURL, cfg.PSP.JazzCashMerchantID, cfg.PSP.JazzCashSalt},
			{domain.PaymentMethodEasyPaisa, cfg.PSP.EasyPaisaBaseURL, cfg.PSP.EasyPaisaMerchantID, cfg.PSP.EasyPaisaSalt},
		}
		for _, wallet := range wallets {
			if wallet.baseURL == "" || wallet.merchantID == "" || wallet.salt == "" {
				continue
			}
			walletProvider, err := payments.NewWalletProvider(payments.WalletProviderConfig{
				Name:          string(wallet.method),
				BaseURL:       wallet.baseURL,
				MerchantID:    wallet.merchantID,
				IntegritySalt: wallet.salt,
				ReturnURL:     cfg.PSP.WalletReturnURL,
				Logger:        gatewayLog(string(wallet.method)),
				Clock:         time.Now,
			})
			if err != nil {
				return nil, fmt.Errorf("%s provider: %w", wallet.method, err)
			}
			providers[string(wallet.method)] = walletProvider
		}
	}

	bankTransferProvider, err := payments.NewBankTransferProvider(payments.BankTransferProviderConfig{
		Instructions: cfg.PSP.BankTransferInstructions,
		IDGenerator:  func() string { return ulid.Make().String() },
		Clock:        time.Now,
	})
	if err != nil {
		return nil, fmt.Errorf("bank transfer provider: %w", err)
	}
	providers[string(domain.PaymentMethodBankTransfer)] = bankTransferProvider

	return payments.NewManager(providers)
}

func newHealthRepository(client *firestore.Client, fetcher *secrets.Fetcher, topic *pubsub.Topic) (repositories.HealthRepository, error) {
	checks := make([]repositories.DependencyCheck, 0, 3)
	if client != nil {
		c := client
		checks = append(checks, repositories.DependencyCheck{
			Name:    "firestore",
			Timeout: 1500 * time.Millisecond,
			Check: func(ctx context.Context) error {
				iter := c.Collections(ctx)
				_, err := iter.Next()
				if errors.Is(err, iterator.Done) {
					return nil
				}
				return err
			},
		})
	}
	if fetcher != nil {
		const secretHealthReference = "secret://system/healthz?version=latest"
		checks = append(checks, repositories.DependencyCheck{
			Name:    "secretManager",
			Timeout: time.Second,
			Check: func(ctx context.Context) error {
				_, err := fetcher.Resolve(ctx, secretHealthReference)
				if err == nil {
					return nil
				}
				if st, ok := status.FromError(err); ok {
					switch st.Code() {
					case codes.NotFound:
						return nil
					}
				}
				return err
			},
		})
	}
	if topic != nil {
		t := topic
		checks = append(checks, repositories.DependencyCheck{
			Name:    "pubsub",
			Timeout: time.Second,
			Check: func(ctx context.Context) error {
				exists, err := t.Exists(ctx)
				if err != nil {
					return err
				}
				if !exists {
					return fmt.Errorf("topic %s not found", t.ID())
				}
				return nil
			},
		})
	}
	if len(checks) == 0 {
		return nil, errors.New("health: no dependency checks configured")
	}
	return repositories.NewDependencyHealthRepository(checks)
}

func traceProjectID(cfg config.Config) string {
	if id := strings.TrimSpace(cfg.Firebase.ProjectID); id != "" {
		return id
	}
	return strings.TrimSpace(cfg.Firestore.ProjectID)
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	lookup := func(key string) string {
		if env == nil {
			return ""
		}
		if value, ok := env[key]; ok {
			return strings.TrimSpace(value)
		}
		return ""
	}

	envLabel := strings.ToLower(lookup("API_SECURITY_ENVIRONMENT"))
	if envLabel == "" {
		envLabel = "local"
	}
	projectMap := secretProjectMapFromEnv(env)
	defaultProject := lookup("API_SECRET_DEFAULT_PROJECT_ID")
	if defaultProject == "" {
		defaultProject = lookup("API_FIREBASE_PROJECT_ID")
	}
	fallbackPath := lookup("API_SECRET_FALLBACK_FILE")
	if fallbackPath == "" {
		fallbackPath = ".secrets.local"
	}
	versionPins := secretVersionPinsFromEnv(env)
	credentialsFile := lookup("API_FIREBASE_CREDENTIALS_FILE")

	opts := []secrets.Option{
		secrets.WithEnvironment(envLabel),
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithFallbackFile(fallbackPath),
	}
	if len(projectMap) > 0 {
		opts = append(opts, secrets.WithProjectMap(projectMap))
	}
	if defaultProject != "" {
		opts = append(opts, secrets.WithDefaultProject(defaultProject))
	}
	if len(versionPins) > 0 {
		opts = append(opts, secrets.WithVersionPins(versionPins))
	}
	if credentialsFile != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(credentialsFile)))
	}

	return secrets.NewFetcher(ctx, opts...)
}

func requiredSecretNames(env map[string]string) []string {
	required := []string{
		"PSP.StripeAPIKey",
		"PSP.StripeWebhookSecret",
	}

	if env != nil {
		if strings.TrimSpace(env["API_PSP_PAYPAL_SECRET"]) != "" {
			required = append(required, "PSP.PayPalSecret")
		}
		if strings.TrimSpace(env["API_PSP_JAZZCASH_SALT"]) != "" {
			required = append(required, "PSP.JazzCashSalt")
		}
		if strings.TrimSpace(env["API_PSP_EASYPAISA_SALT"]) != "" {
			required = append(required, "PSP.EasyPaisaSalt")
		}
	}

	return uniqueStrings(required)
}

func secretProjectMapFromEnv(env map[string]string) map[string]string {
	raw := ""
	if env != nil {
		raw = env["API_SECRET_PROJECT_IDS"]
	}
	raw = strings.TrimSpace(raw)
	projects := make(map[string]string)
	if raw == "" {
		return projects
	}
	entries := strings.Split(raw, ",")
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		envLabel := strings.ToLower(strings.TrimSpace(parts[0]))
		project := strings.TrimSpace(parts[1])
		if envLabel == "" || project == "" {
			continue
		}
		projects[envLabel] = project
	}
	return projects
}

func secretVersionPinsFromEnv(env map[string]string) map[string]string {
	raw := ""
	if env != nil {
		raw = env["API_SECRET_VERSION_PINS"]
	}
	raw = strings.TrimSpace(raw)
	pins := make(map[string]string)
	if raw == "" {
		return pins
	}
	entries := strings.Split(raw, ",")
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		ref := strings.TrimSpace(parts[0])
		version := strings.TrimSpace(parts[1])
		if ref == "" || version == "" {
			continue
		}
		var prefix string
		if idx := strings.Index(ref, ":"); idx > 0 {
			schemeSplit := strings.Index(ref, "://")
			if schemeSplit == -1 || idx < schemeSplit {
				prefix = strings.ToLower(strings.TrimSpace(ref[:idx])) + ":"
				ref = strings.TrimSpace(ref[idx+1:])
			}
		}
		if strings.HasPrefix(ref, "sm://") {
			ref = "secret://" + strings.TrimPrefix(ref, "sm://")
		} else if !strings.HasPrefix(ref, "secret://") {
			ref = "secret://" + ref
		}
		ref = prefix + ref
		pins[ref] = version
	}
	return pins
}

func uniqueStrings(values []string) []string {
	seen := make(map[string]struct{})
	out := make([]string, 0, len(values))
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		out = append(out, trimmed)
	}
	sort.Strings(out)
	return out
}
