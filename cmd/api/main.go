package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/hanko-field/orders/internal/di"
	"github.com/hanko-field/orders/internal/handlers"
	"github.com/hanko-field/orders/internal/payments"
	"github.com/hanko-field/orders/internal/platform/auth"
	"github.com/hanko-field/orders/internal/platform/config"
	"github.com/hanko-field/orders/internal/platform/idempotency"
	"github.com/hanko-field/orders/internal/platform/observability"
	"github.com/hanko-field/orders/internal/platform/secrets"
	platformstorage "github.com/hanko-field/orders/internal/platform/storage"
	"github.com/hanko-field/orders/internal/repositories"
)

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	baseLogger, err := observability.NewLogger(os.Getenv("LOG_LEVEL"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("orders")
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

	cfg, err := config.Load(ctx,
		config.WithSecretResolver(config.SecretResolverFunc(fetcher.Resolve)),
		config.WithRequiredSecrets(requiredSecretNames(envValues)...),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Fatal("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	buildInfo := buildInfoFromEnv(envValues, cfg, startedAt)

	container, err := di.NewContainer(ctx, cfg, di.WithLogger(logger))
	if err != nil {
		logger.Fatal("failed to initialise dependencies", zap.Error(err), zap.String("storeDriver", cfg.Store.Driver))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := container.Close(closeCtx); err != nil {
			logger.Warn("container close error", zap.Error(err))
		}
	}()

	var metrics auth.MetricsRecorder
	if recorder, err := observability.NewVerificationMetrics(nil); err != nil {
		logger.Warn("auth: verification metrics disabled", zap.Error(err))
	} else {
		metrics = recorder
	}

	firebaseVerifier, err := auth.NewFirebaseVerifier(ctx, cfg.Firebase)
	if err != nil {
		logger.Fatal("failed to initialise firebase verifier", zap.Error(err))
	}
	authenticator := auth.NewAuthenticator(firebaseVerifier)

	idempotencyMiddleware := idempotency.Middleware(
		container.Idempotency,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
		idempotency.WithLogger(logger.Named("idempotency")),
		idempotency.WithOptionalKey(),
	)

	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	var cleanupWG sync.WaitGroup
	cleanupTicker := time.NewTicker(cfg.Idempotency.CleanupInterval)
	cleanupWG.Add(1)
	go func() {
		defer cleanupWG.Done()
		cleanupLogger := logger.Named("cleanup")
		for {
			select {
			case <-cleanupTicker.C:
				runCtx, cancel := context.WithTimeout(cleanupCtx, time.Minute)
				removed, err := container.Idempotency.CleanupExpired(runCtx, time.Now().UTC(), cfg.Idempotency.CleanupBatchSize)
				if err != nil {
					cleanupLogger.Error("idempotency cleanup error", zap.Error(err))
				} else if removed > 0 {
					cleanupLogger.Info("idempotency cleanup removed records", zap.Int("count", removed))
				}
				removed, err = container.Services.Webhooks.CleanupLedger(runCtx, cfg.Idempotency.CleanupBatchSize)
				cancel()
				if err != nil {
					cleanupLogger.Error("ledger cleanup error", zap.Error(err))
					continue
				}
				if removed > 0 {
					cleanupLogger.Info("ledger cleanup removed events", zap.Int("count", removed))
				}
			case <-cleanupCtx.Done():
				return
			}
		}
	}()

	oidcMiddleware := buildOIDCMiddleware(logger.Named("auth"), cfg, metrics)
	gatewaySignature := buildGatewaySignature(logger.Named("auth"), cfg, metrics)

	healthChecks, err := newHealthRepository(container, fetcher)
	if err != nil {
		logger.Warn("health: dependency checks unavailable", zap.Error(err))
	}
	healthOpts := []handlers.HealthOption{handlers.WithHealthBuildInfo(buildInfo)}
	if healthChecks != nil {
		healthOpts = append(healthOpts, handlers.WithHealthChecks(healthChecks))
	}
	healthHandlers := handlers.NewHealthHandlers(healthOpts...)

	orderHandlers := handlers.NewOrderHandlers(authenticator, container.Services.Orders,
		handlers.WithOrderIdempotency(idempotencyMiddleware),
		handlers.WithFrontendBaseURL(cfg.Frontend.BaseURL),
	)

	webhookOpts := []handlers.WebhookHandlerOption{
		handlers.WithWebhookMaxBody(cfg.Webhooks.MaxBodyBytes),
	}
	if gatewaySignature != nil {
		webhookOpts = append(webhookOpts, handlers.WithGatewaySignature(gatewaySignature))
	} else {
		logger.Warn("webhooks: gateway hmac secret not configured; gateway notifications will be refused")
	}
	if secret := strings.TrimSpace(cfg.PSP.StripeWebhookSecret); secret != "" {
		webhookOpts = append(webhookOpts, handlers.WithStripeWebhookSecret(secret, cfg.PSP.StripeWebhookTolerance))
	}
	webhookHandlers := handlers.NewWebhookHandlers(container.Services.Webhooks, webhookOpts...)

	maintenanceHandlers := handlers.NewMaintenanceHandlers(container.Services.Webhooks, cfg.Idempotency.CleanupBatchSize)
	archiveHandlers := handlers.NewArchiveHandlers(authenticator, newArchiveSigner(logger, cfg), cfg.Storage.WebhookArchiveBucket, cfg.Storage.ArchiveURLExpiry)

	projectID := traceProjectID(cfg)
	middlewares := []func(http.Handler) http.Handler{
		observability.InjectLoggerMiddleware(logger.Named("http")),
		observability.TraceMiddleware(projectID),
		observability.RecoveryMiddleware(logger.Named("http")),
		observability.RequestLoggerMiddleware(projectID),
	}

	router := handlers.NewRouter(
		handlers.WithMiddlewares(middlewares...),
		handlers.WithRequestTimeout(cfg.Server.WriteTimeout),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithOrderRoutes(orderHandlers.Routes),
		handlers.WithWebhookRoutes(webhookHandlers.Routes),
		handlers.WithInternalRoutes(maintenanceHandlers.Routes, oidcMiddleware),
		handlers.WithAdminRoutes(archiveHandlers.Routes),
	)
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr), zap.String("storeDriver", cfg.Store.Driver))
	go func() {
		serverLogger.Info("orders api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	cleanupTicker.Stop()
	cleanupCancel()
	cleanupWG.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

func buildInfoFromEnv(env map[string]string, cfg config.Config, started time.Time) handlers.BuildInfo {
	version := strings.TrimSpace(env["ORDERS_BUILD_VERSION"])
	if version == "" {
		version = "dev"
	}
	commit := strings.TrimSpace(env["ORDERS_BUILD_COMMIT_SHA"])
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

func newHealthRepository(container *di.Container, fetcher *secrets.Fetcher) (repositories.HealthRepository, error) {
	checks := make([]repositories.DependencyCheck, 0, 3)
	if provider := container.Firestore; provider != nil {
		checks = append(checks, repositories.DependencyCheck{
			Name:     "firestore",
			Critical: true,
			Timeout:  1500 * time.Millisecond,
			Check: func(ctx context.Context) error {
				client, err := provider.Client(ctx)
				if err != nil {
					return err
				}
				_, err = client.Collections(ctx).Next()
				if errors.Is(err, iterator.Done) {
					return nil
				}
				return err
			},
		})
	}
	if db := container.Postgres; db != nil {
		checks = append(checks, repositories.DependencyCheck{
			Name:     "postgres",
			Critical: true,
			Timeout:  time.Second,
			Check: func(ctx context.Context) error {
				sqlDB, err := db.DB()
				if err != nil {
					return err
				}
				return sqlDB.PingContext(ctx)
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
				if st, ok := status.FromError(err); ok && st.Code() == codes.NotFound {
					return nil
				}
				return err
			},
		})
	}
	if len(checks) == 0 {
		return nil, errors.New("health: no dependency checks configured")
	}
	return repositories.NewDependencyHealthRepository(checks)
}

func buildOIDCMiddleware(logger *zap.Logger, cfg config.Config, metrics auth.MetricsRecorder) func(http.Handler) http.Handler {
	if strings.TrimSpace(cfg.Security.OIDC.JWKSURL) == "" {
		return nil
	}

	adapter := observability.NewPrintf(logger)
	cache := auth.NewJWKSCache(cfg.Security.OIDC.JWKSURL, auth.WithJWKSLogger(adapter))
	opts := []auth.OIDCOption{
		auth.WithOIDCLogger(adapter),
		auth.WithOIDCInvokers(cfg.Security.OIDC.Invokers...),
	}
	if metrics != nil {
		opts = append(opts, auth.WithOIDCMetrics(metrics))
	}
	validator := auth.NewOIDCValidator(cache, opts...)

	audience := strings.TrimSpace(cfg.Security.OIDC.Audience)
	if audience == "" {
		logger.Warn("auth: OIDC audience not configured; internal routes will reject requests")
	}
	return validator.RequireOIDC(audience, cfg.Security.OIDC.Issuers)
}

// buildGatewaySignature returns nil when no gateway secret is configured, which leaves the gateway
// webhook endpoint refusing every delivery.
func buildGatewaySignature(logger *zap.Logger, cfg config.Config, metrics auth.MetricsRecorder) func(http.Handler) http.Handler {
	secretsByName := make(auth.StaticSecrets)
	for key, value := range cfg.Security.HMAC.Secrets {
		if strings.TrimSpace(value) == "" {
			continue
		}
		secretsByName[strings.ToLower(strings.TrimSpace(key))] = value
	}
	if _, ok := secretsByName[payments.ProviderGateway]; !ok {
		return nil
	}

	opts := []auth.HMACOption{
		auth.WithHMACLogger(observability.NewPrintf(logger)),
		auth.WithHMACClockSkew(cfg.Security.HMAC.ClockSkew),
		auth.WithHMACNonceTTL(cfg.Security.HMAC.NonceTTL),
		auth.WithHMACMaxBody(cfg.Webhooks.MaxBodyBytes),
	}
	if metrics != nil {
		opts = append(opts, auth.WithHMACMetrics(metrics))
	}
	validator := auth.NewHMACValidator(secretsByName, auth.NewInMemoryNonceStore(), opts...)
	return validator.RequireHMAC(payments.ProviderGateway)
}

func newArchiveSigner(logger *zap.Logger, cfg config.Config) handlers.ArchiveURLSigner {
	path := strings.TrimSpace(cfg.Storage.SignerCredentialsFile)
	if path == "" || strings.TrimSpace(cfg.Storage.WebhookArchiveBucket) == "" {
		return nil
	}
	signer, err := platformstorage.LoadKeyFileSigner(path)
	if err != nil {
		logger.Warn("storage: archive url signer unavailable", zap.Error(err))
		return nil
	}
	client, err := platformstorage.NewClient(signer)
	if err != nil {
		logger.Warn("storage: archive url client unavailable", zap.Error(err))
		return nil
	}
	return client
}

func traceProjectID(cfg config.Config) string {
	if id := strings.TrimSpace(cfg.Firebase.ProjectID); id != "" {
		return id
	}
	return strings.TrimSpace(cfg.Firestore.ProjectID)
}

// newSecretFetcher reads its own settings from the raw environment because it must exist
// before config.Load can resolve secret:// references. The local fallback file is never
// consulted in production.
func newSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	lookup := func(key string) string { return strings.TrimSpace(env[key]) }

	project := lookup("ORDERS_SECRET_PROJECT_ID")
	if project == "" {
		project = lookup("ORDERS_FIREBASE_PROJECT_ID")
	}
	fallback := lookup("ORDERS_SECRET_FALLBACK_FILE")
	if fallback == "" {
		fallback = ".secrets.local"
	}
	if isProduction(lookup("ORDERS_SECURITY_ENVIRONMENT")) {
		fallback = ""
	}

	opts := []secrets.Option{
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithProject(project),
		secrets.WithFallbackFile(fallback),
	}
	if credentialsFile := lookup("ORDERS_FIREBASE_CREDENTIALS_FILE"); credentialsFile != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(credentialsFile)))
	}
	return secrets.NewFetcher(ctx, opts...)
}
