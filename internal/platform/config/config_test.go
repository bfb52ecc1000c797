package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadWithDefaults(t *testing.T) {
	env := map[string]string{
		"ORDERS_FIREBASE_PROJECT_ID": "orders-dev",
	}

	cfg, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "8080" {
		t.Errorf("expected default port 8080, got %s", cfg.Server.Port)
	}
	if cfg.Store.Driver != StoreDriverFirestore {
		t.Errorf("expected firestore driver by default, got %s", cfg.Store.Driver)
	}
	if cfg.Firestore.ProjectID != "orders-dev" {
		t.Errorf("expected firestore project to default to firebase project, got %s", cfg.Firestore.ProjectID)
	}
	if cfg.PubSub.ProjectID != "orders-dev" {
		t.Errorf("expected pubsub project to follow firestore project, got %s", cfg.PubSub.ProjectID)
	}
	if cfg.PSP.Provider != "stripe" || cfg.PSP.DefaultCurrency != "RUB" {
		t.Errorf("unexpected psp defaults %+v", cfg.PSP)
	}
	if cfg.PSP.Timeout != defaultPSPTimeout {
		t.Errorf("unexpected psp timeout %s", cfg.PSP.Timeout)
	}
	if cfg.Webhooks.LedgerRetention != 7*24*time.Hour {
		t.Errorf("expected a week of ledger retention, got %s", cfg.Webhooks.LedgerRetention)
	}
	if cfg.Webhooks.LedgerLockTTL != defaultLedgerLockTTL {
		t.Errorf("unexpected ledger lock ttl %s", cfg.Webhooks.LedgerLockTTL)
	}
	if cfg.Frontend.BaseURL != defaultFrontendBaseURL {
		t.Errorf("unexpected frontend base url %s", cfg.Frontend.BaseURL)
	}
	if cfg.Security.Environment != "local" {
		t.Errorf("expected default security environment local, got %s", cfg.Security.Environment)
	}
	if len(cfg.Security.OIDC.Issuers) != 1 {
		t.Errorf("expected default issuer, got %v", cfg.Security.OIDC.Issuers)
	}
	if cfg.Security.HMAC.NonceTTL != defaultHMACNonceTTL {
		t.Errorf("expected default nonce ttl, got %s", cfg.Security.HMAC.NonceTTL)
	}
	if cfg.Idempotency.Header != defaultIdempotencyHeader {
		t.Errorf("expected default idempotency header, got %s", cfg.Idempotency.Header)
	}
	if cfg.Idempotency.CleanupBatchSize != defaultIdempotencyBatchSize {
		t.Errorf("unexpected default cleanup batch size: %d", cfg.Idempotency.CleanupBatchSize)
	}
}

func TestLoadWithOverridesAndSecrets(t *testing.T) {
	env := map[string]string{
		"ORDERS_SERVER_PORT":                    "9090",
		"ORDERS_SERVER_IDLE_TIMEOUT":            "2m",
		"ORDERS_FIREBASE_PROJECT_ID":            "orders-prod",
		"ORDERS_STORE_DRIVER":                   "Postgres",
		"ORDERS_POSTGRES_DSN":                   "secret://postgres/dsn",
		"ORDERS_POSTGRES_MAX_OPEN_CONNS":        "25",
		"ORDERS_STORAGE_WEBHOOK_ARCHIVE_BUCKET": "webhooks-prod",
		"ORDERS_PUBSUB_ORDER_EVENTS_TOPIC":      "order-events",
		"ORDERS_PSP_STRIPE_API_KEY":             "secret://stripe/api",
		"ORDERS_PSP_STRIPE_WEBHOOK_SECRET":      "sm://stripe/webhook",
		"ORDERS_PSP_DEFAULT_CURRENCY":           "usd",
		"ORDERS_PSP_CURRENCY_ROUTES":            "usd=stripe,eur=stripe",
		"ORDERS_PSP_TIMEOUT":                    "4s",
		"ORDERS_PSP_RETURN_URL":                 "https://shop.example.com/api/v1/orders/{orderID}/success",
		"ORDERS_FRONTEND_BASE_URL":              "https://shop.example.com/",
		"ORDERS_WEBHOOK_LEDGER_RETENTION":       "240h",
		"ORDERS_SECURITY_ENVIRONMENT":           "prod",
		"ORDERS_SECURITY_OIDC_AUDIENCE":         "https://orders.example.com",
		"ORDERS_SECURITY_OIDC_INVOKERS":         "scheduler@orders.iam.gserviceaccount.com",
		"ORDERS_SECURITY_HMAC_SECRETS":          "payments/gateway=secret://hmac/gateway",
		"ORDERS_SECURITY_HMAC_CLOCK_SKEW":       "3m",
		"ORDERS_IDEMPOTENCY_TTL":                "48h",
	}

	secrets := map[string]string{
		"secret://postgres/dsn":   "postgres://orders@db/orders",
		"secret://stripe/api":     "sk_test_123",
		"secret://stripe/webhook": "whsec_123",
		"secret://hmac/gateway":   "gateway-hmac",
	}

	resolver := SecretResolverFunc(func(_ context.Context, ref string) (string, error) {
		if v, ok := secrets[ref]; ok {
			return v, nil
		}
		return "", &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
	})

	cfg, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""), WithSecretResolver(resolver))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "9090" || cfg.Server.IdleTimeout != 2*time.Minute {
		t.Errorf("unexpected server config %+v", cfg.Server)
	}
	if cfg.Store.Driver != StoreDriverPostgres {
		t.Errorf("expected postgres driver, got %s", cfg.Store.Driver)
	}
	if cfg.Postgres.DSN != "postgres://orders@db/orders" {
		t.Errorf("expected resolved dsn, got %s", cfg.Postgres.DSN)
	}
	if cfg.Postgres.MaxOpenConns != 25 {
		t.Errorf("unexpected max open conns %d", cfg.Postgres.MaxOpenConns)
	}
	if cfg.PSP.StripeAPIKey != "sk_test_123" || cfg.PSP.StripeWebhookSecret != "whsec_123" {
		t.Errorf("expected resolved stripe secrets, got %+v", cfg.PSP)
	}
	if cfg.PSP.DefaultCurrency != "USD" {
		t.Errorf("expected upper-cased currency, got %s", cfg.PSP.DefaultCurrency)
	}
	if cfg.PSP.CurrencyRoutes["eur"] != "stripe" {
		t.Errorf("unexpected currency routes %v", cfg.PSP.CurrencyRoutes)
	}
	if cfg.PSP.Timeout != 4*time.Second {
		t.Errorf("unexpected psp timeout %s", cfg.PSP.Timeout)
	}
	if cfg.Frontend.BaseURL != "https://shop.example.com" {
		t.Errorf("expected trailing slash trimmed, got %s", cfg.Frontend.BaseURL)
	}
	if cfg.Storage.WebhookArchiveBucket != "webhooks-prod" || cfg.PubSub.OrderEventsTopic != "order-events" {
		t.Errorf("unexpected storage/pubsub config %+v %+v", cfg.Storage, cfg.PubSub)
	}
	if cfg.Webhooks.LedgerRetention != 240*time.Hour {
		t.Errorf("unexpected ledger retention %s", cfg.Webhooks.LedgerRetention)
	}
	if cfg.Security.OIDC.Audience != "https://orders.example.com" {
		t.Errorf("unexpected audience %s", cfg.Security.OIDC.Audience)
	}
	if len(cfg.Security.OIDC.Invokers) != 1 || cfg.Security.OIDC.Invokers[0] != "scheduler@orders.iam.gserviceaccount.com" {
		t.Errorf("unexpected invokers %v", cfg.Security.OIDC.Invokers)
	}
	if cfg.Security.HMAC.Secrets["payments/gateway"] != "gateway-hmac" {
		t.Errorf("expected resolved hmac secret, got %s", cfg.Security.HMAC.Secrets["payments/gateway"])
	}
	if cfg.Security.HMAC.ClockSkew != 3*time.Minute {
		t.Errorf("unexpected clock skew %s", cfg.Security.HMAC.ClockSkew)
	}
	if cfg.Idempotency.TTL != 48*time.Hour {
		t.Errorf("unexpected idempotency ttl %s", cfg.Idempotency.TTL)
	}
}

func TestLoadDotEnvFallback(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env.test")
	content := "ORDERS_SERVER_PORT=7070\nexport ORDERS_FIREBASE_PROJECT_ID=\"orders-dot\"\nORDERS_STORE_DRIVER=memory\n"
	if err := os.WriteFile(envPath, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write dotenv file: %v", err)
	}

	cfg, err := Load(context.Background(), WithEnvFile(envPath), WithoutSystemEnv())
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "7070" {
		t.Errorf("expected port from dotenv 7070, got %s", cfg.Server.Port)
	}
	if cfg.Firebase.ProjectID != "orders-dot" {
		t.Errorf("expected firebase project from dotenv, got %s", cfg.Firebase.ProjectID)
	}
	if cfg.Store.Driver != StoreDriverMemory {
		t.Errorf("expected memory driver, got %s", cfg.Store.Driver)
	}
}

func TestLoadMissingRequired(t *testing.T) {
	_, err := Load(context.Background(), WithEnvMap(map[string]string{}), WithoutSystemEnv(), WithEnvFile(""))
	if err == nil {
		t.Fatal("expected validation error, got nil")
	}
	var validation *ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("expected ValidationError, got %T", err)
	}
	if fields := validation.Fields(); len(fields) == 0 || fields[0] != "Firebase.ProjectID" {
		t.Fatalf("unexpected fields %v", fields)
	}
}

func TestLoadRejectsInvalidDriverAndReturnURL(t *testing.T) {
	env := map[string]string{
		"ORDERS_FIREBASE_PROJECT_ID": "orders-dev",
		"ORDERS_STORE_DRIVER":        "mysql",
		"ORDERS_PSP_RETURN_URL":      "https://shop.example.com/success",
	}

	_, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	var validation *ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	fields := validation.Fields()
	want := map[string]bool{"Store.Driver": false, "PSP.ReturnURL": false}
	for _, field := range fields {
		if _, ok := want[field]; ok {
			want[field] = true
		}
	}
	for field, seen := range want {
		if !seen {
			t.Errorf("expected %s in validation fields %v", field, fields)
		}
	}
}

func TestLoadPostgresRequiresDSN(t *testing.T) {
	env := map[string]string{
		"ORDERS_FIREBASE_PROJECT_ID": "orders-dev",
		"ORDERS_STORE_DRIVER":        "postgres",
	}
	_, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	var validation *ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if fields := validation.Fields(); len(fields) != 1 || fields[0] != "Postgres.DSN" {
		t.Fatalf("unexpected fields %v", fields)
	}
}

func TestLoadSecretResolverError(t *testing.T) {
	env := map[string]string{
		"ORDERS_FIREBASE_PROJECT_ID": "orders-dev",
		"ORDERS_PSP_STRIPE_API_KEY":  "secret://missing",
	}

	_, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	if err == nil {
		t.Fatal("expected secret resolution error, got nil")
	}
	var secretErr *SecretError
	if !errors.As(err, &secretErr) {
		t.Fatalf("expected SecretError, got %T", err)
	}
	if secretErr.Ref != "secret://missing" {
		t.Errorf("unexpected secret ref %s", secretErr.Ref)
	}
}

func TestEnvironmentValuesMergesSources(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env.test")
	content := "ORDERS_FIREBASE_PROJECT_ID=dot-project\nORDERS_SECRET_FALLBACK_FILE=.dot.local\n"
	if err := os.WriteFile(envPath, []byte(content), 0o600); err != nil {
		t.Fatalf("failed writing env file: %v", err)
	}

	t.Setenv("ORDERS_FIREBASE_PROJECT_ID", "os-project")
	t.Setenv("ORDERS_SECRET_PROJECT_IDS", "prod=project-prod")

	values, err := EnvironmentValues(WithEnvFile(envPath), WithEnvMap(map[string]string{
		"ORDERS_FIREBASE_PROJECT_ID": "override-project",
	}))
	if err != nil {
		t.Fatalf("EnvironmentValues returned error: %v", err)
	}

	if got := values["ORDERS_FIREBASE_PROJECT_ID"]; got != "override-project" {
		t.Fatalf("expected override project, got %s", got)
	}
	if got := values["ORDERS_SECRET_FALLBACK_FILE"]; got != ".dot.local" {
		t.Fatalf("expected dotenv fallback file, got %s", got)
	}
	if got := values["ORDERS_SECRET_PROJECT_IDS"]; got != "prod=project-prod" {
		t.Fatalf("expected system env project map, got %s", got)
	}
}

func TestLoadMissingRequiredSecrets(t *testing.T) {
	env := map[string]string{
		"ORDERS_FIREBASE_PROJECT_ID": "orders-dev",
	}

	_, err := Load(context.Background(),
		WithEnvMap(env),
		WithoutSystemEnv(),
		WithEnvFile(""),
		WithRequiredSecrets("PSP.StripeAPIKey"),
	)
	var missing *MissingSecretsError
	if !errors.As(err, &missing) {
		t.Fatalf("expected MissingSecretsError, got %T", err)
	}
	if got := missing.RedactedNames(); len(got) != 1 || got[0] != redactSecretName("PSP.StripeAPIKey") {
		t.Fatalf("unexpected redacted names %v", got)
	}
	if strings.Contains(err.Error(), "StripeAPIKey") {
		t.Fatalf("expected secret name to be redacted, got %q", err.Error())
	}
}
