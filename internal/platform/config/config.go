package config

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// EnvPrefix is prepended to every variable the loader reads.
const EnvPrefix = "ORDERS_"

const (
	defaultEnvFile              = ".env"
	defaultPort                 = "8080"
	defaultReadTimeout          = 15 * time.Second
	defaultWriteTimeout         = 30 * time.Second
	defaultIdleTimeout          = 120 * time.Second
	defaultStoreDriver          = StoreDriverFirestore
	defaultPostgresMaxOpen      = 10
	defaultPostgresMaxIdle      = 5
	defaultPostgresConnLifetime = 30 * time.Minute
	defaultPSPProvider          = "stripe"
	defaultPSPCurrency          = "RUB"
	defaultPSPTimeout           = 10 * time.Second
	defaultPSPReturnURL         = "http://localhost:8080/api/v1/orders/{orderID}/success"
	defaultStripeTolerance      = 5 * time.Minute
	defaultFrontendBaseURL      = "http://localhost:3000"
	defaultLedgerLockTTL        = 5 * time.Minute
	defaultLedgerRetention      = 7 * 24 * time.Hour
	defaultWebhookMaxBody       = 256 << 10
	defaultArchiveURLExpiry     = 5 * time.Minute
	defaultSecurityEnvironment  = "local"
	defaultOIDCJWKSURL          = "https://www.googleapis.com/oauth2/v3/certs"
	defaultSecurityIssuer       = "https://accounts.google.com"
	defaultHMACClockSkew        = 5 * time.Minute
	defaultHMACNonceTTL         = 5 * time.Minute
	defaultIdempotencyHeader    = "Idempotency-Key"
	defaultIdempotencyTTL       = 24 * time.Hour
	defaultIdempotencyInterval  = time.Hour
	defaultIdempotencyBatchSize = 200
)

// Supported order store drivers.
const (
	StoreDriverMemory    = "memory"
	StoreDriverFirestore = "firestore"
	StoreDriverPostgres  = "postgres"
)

// Config is the resolved runtime configuration of the orders service.
type Config struct {
	Server      ServerConfig
	Firebase    FirebaseConfig
	Store       StoreConfig
	Firestore   FirestoreConfig
	Postgres    PostgresConfig
	Storage     StorageConfig
	PubSub      PubSubConfig
	PSP         PSPConfig
	Frontend    FrontendConfig
	Webhooks    WebhookConfig
	Security    SecurityConfig
	Idempotency IdempotencyConfig
}

type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// FirebaseConfig identifies the project whose ID tokens buyers and sellers present.
// CheckRevoked adds an Auth backend lookup per request to refuse revoked sessions.
type FirebaseConfig struct {
	ProjectID       string
	CredentialsFile string
	CheckRevoked    bool
}

// StoreConfig selects the backend for orders and the processed-event ledger.
type StoreConfig struct {
	Driver string
}

type FirestoreConfig struct {
	ProjectID    string
	EmulatorHost string
}

type PostgresConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// StorageConfig points at the bucket that archives raw webhook bodies.
type StorageConfig struct {
	WebhookArchiveBucket string
	// SignerCredentialsFile holds the service account key used to sign archive download URLs.
	SignerCredentialsFile string
	ArchiveURLExpiry      time.Duration
}

// PubSubConfig configures order lifecycle event publishing.
type PubSubConfig struct {
	ProjectID        string
	OrderEventsTopic string
}

// PSPConfig collects payment provider settings. CurrencyRoutes maps a lower-case
// currency code to the provider that settles it.
type PSPConfig struct {
	Provider               string
	StripeAPIKey           string
	StripeWebhookSecret    string
	StripeWebhookTolerance time.Duration
	DefaultCurrency        string
	CurrencyRoutes         map[string]string
	Timeout                time.Duration
	ReturnURL              string
	CancelURL              string
}

type FrontendConfig struct {
	BaseURL string
}

// WebhookConfig controls gateway notification ingestion.
type WebhookConfig struct {
	LedgerLockTTL   time.Duration
	LedgerRetention time.Duration
	MaxBodyBytes    int64
}

// SecurityConfig groups server-to-server authentication: OIDC for the internal
// maintenance routes, HMAC for the gateway webhook.
type SecurityConfig struct {
	Environment string
	OIDC        OIDCConfig
	HMAC        HMACConfig
}

// OIDCConfig describes the tokens accepted on internal routes. Invokers, when set,
// lists the only service account emails allowed to call them.
type OIDCConfig struct {
	JWKSURL  string
	Audience string
	Issuers  []string
	Invokers []string
}

// HMACConfig holds per-provider webhook secrets keyed by lower-case provider name.
type HMACConfig struct {
	Secrets   map[string]string
	ClockSkew time.Duration
	NonceTTL  time.Duration
}

type IdempotencyConfig struct {
	Header           string
	TTL              time.Duration
	CleanupInterval  time.Duration
	CleanupBatchSize int
}

// SecretResolver resolves secret:// references, normally against Secret Manager.
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

// SecretResolverFunc adapts ordinary functions to SecretResolver.
type SecretResolverFunc func(context.Context, string) (string, error)

func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

// ValidationError lists the config fields that are missing or out of range.
type ValidationError struct {
	fields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the offending field names.
func (e *ValidationError) Fields() []string {
	out := make([]string, len(e.fields))
	copy(out, e.fields)
	return out
}

// SecretError describes a secret reference that could not be resolved.
type SecretError struct {
	Ref string
	Err error
}

func (e *SecretError) Error() string {
	return fmt.Sprintf("secret resolution failed for ref %q: %v", e.Ref, e.Err)
}

func (e *SecretError) Unwrap() error { return e.Err }

// MissingSecretsError reports required secrets that resolved to nothing. Names are
// hashed so the error can be logged without revealing which provider is unconfigured.
type MissingSecretsError struct {
	redacted []string
}

func (e *MissingSecretsError) Error() string {
	if e == nil || len(e.redacted) == 0 {
		return "missing required secrets"
	}
	return fmt.Sprintf("missing required secrets [%s]", strings.Join(e.redacted, ", "))
}

// RedactedNames returns the hashed identifiers of the missing secrets, sorted.
func (e *MissingSecretsError) RedactedNames() []string {
	if e == nil {
		return nil
	}
	return append([]string(nil), e.redacted...)
}

var errSecretResolverNotConfigured = errors.New("secret resolver not configured")

// Option customises Load and EnvironmentValues.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile         string
	envMap          map[string]string
	useSystemEnv    bool
	secret          SecretResolver
	requiredSecrets []string
}

func newLoaderOptions(opts []Option) loaderOptions {
	options := loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
	}
	for _, opt := range opts {
		opt(&options)
	}
	return options
}

// WithEnvFile overrides the .env file path; an empty path disables the file.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) {
		o.envFile = path
	}
}

// WithEnvMap injects values that take precedence over the process environment.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) {
		o.envMap = values
	}
}

// WithoutSystemEnv stops the loader from reading the process environment.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) {
		o.useSystemEnv = false
	}
}

func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) {
		o.secret = resolver
	}
}

// WithRequiredSecrets marks config fields (e.g. "PSP.StripeAPIKey" or
// "Security.HMAC.Secrets[gateway]") that must resolve to a non-empty value.
func WithRequiredSecrets(names ...string) Option {
	return func(o *loaderOptions) {
		o.requiredSecrets = append(o.requiredSecrets, names...)
	}
}

// EnvironmentValues returns the merged environment with the precedence Load uses:
// .env, then the process environment, then WithEnvMap. Keys keep their prefix.
func EnvironmentValues(opts ...Option) (map[string]string, error) {
	return newLoaderOptions(opts).environment()
}

func (o loaderOptions) environment() (map[string]string, error) {
	values, err := loadDotEnv(o.envFile)
	if err != nil {
		return nil, err
	}
	if values == nil {
		values = make(map[string]string)
	}
	if o.useSystemEnv {
		for _, entry := range os.Environ() {
			key, value, ok := strings.Cut(entry, "=")
			if key = strings.TrimSpace(key); ok && key != "" {
				values[key] = value
			}
		}
	}
	for key, value := range o.envMap {
		values[key] = value
	}
	return values, nil
}

// Load resolves the configuration from the environment, resolves secret references
// and validates the result.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := newLoaderOptions(opts)
	values, err := options.environment()
	if err != nil {
		return Config{}, err
	}
	env := source(values)

	cfg := Config{
		Server: ServerConfig{
			Port:         env.str("SERVER_PORT", defaultPort),
			ReadTimeout:  env.duration("SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout: env.duration("SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:  env.duration("SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
		},
		Firebase: FirebaseConfig{
			ProjectID:       env.str("FIREBASE_PROJECT_ID", ""),
			CredentialsFile: env.str("FIREBASE_CREDENTIALS_FILE", ""),
			CheckRevoked:    env.boolean("FIREBASE_CHECK_REVOKED", false),
		},
		Store: StoreConfig{
			Driver: strings.ToLower(env.str("STORE_DRIVER", defaultStoreDriver)),
		},
		Firestore: FirestoreConfig{
			ProjectID:    env.str("FIRESTORE_PROJECT_ID", ""),
			EmulatorHost: env.str("FIRESTORE_EMULATOR_HOST", ""),
		},
		Postgres: PostgresConfig{
			DSN:             env.str("POSTGRES_DSN", ""),
			MaxOpenConns:    env.integer("POSTGRES_MAX_OPEN_CONNS", defaultPostgresMaxOpen),
			MaxIdleConns:    env.integer("POSTGRES_MAX_IDLE_CONNS", defaultPostgresMaxIdle),
			ConnMaxLifetime: env.duration("POSTGRES_CONN_MAX_LIFETIME", defaultPostgresConnLifetime),
		},
		Storage: StorageConfig{
			WebhookArchiveBucket:  env.str("STORAGE_WEBHOOK_ARCHIVE_BUCKET", ""),
			SignerCredentialsFile: env.str("STORAGE_SIGNER_CREDENTIALS_FILE", ""),
			ArchiveURLExpiry:      env.duration("STORAGE_ARCHIVE_URL_EXPIRY", defaultArchiveURLExpiry),
		},
		PubSub: PubSubConfig{
			ProjectID:        env.str("PUBSUB_PROJECT_ID", ""),
			OrderEventsTopic: env.str("PUBSUB_ORDER_EVENTS_TOPIC", ""),
		},
		PSP: PSPConfig{
			Provider:               strings.ToLower(env.str("PSP_PROVIDER", defaultPSPProvider)),
			StripeAPIKey:           env.str("PSP_STRIPE_API_KEY", ""),
			StripeWebhookSecret:    env.str("PSP_STRIPE_WEBHOOK_SECRET", ""),
			StripeWebhookTolerance: env.duration("PSP_STRIPE_WEBHOOK_TOLERANCE", defaultStripeTolerance),
			DefaultCurrency:        strings.ToUpper(env.str("PSP_DEFAULT_CURRENCY", defaultPSPCurrency)),
			CurrencyRoutes:         env.pairs("PSP_CURRENCY_ROUTES"),
			Timeout:                env.duration("PSP_TIMEOUT", defaultPSPTimeout),
			ReturnURL:              env.str("PSP_RETURN_URL", defaultPSPReturnURL),
			CancelURL:              env.str("PSP_CANCEL_URL", ""),
		},
		Frontend: FrontendConfig{
			BaseURL: strings.TrimRight(env.str("FRONTEND_BASE_URL", defaultFrontendBaseURL), "/"),
		},
		Webhooks: WebhookConfig{
			LedgerLockTTL:   env.duration("WEBHOOK_LEDGER_LOCK_TTL", defaultLedgerLockTTL),
			LedgerRetention: env.duration("WEBHOOK_LEDGER_RETENTION", defaultLedgerRetention),
			MaxBodyBytes:    int64(env.integer("WEBHOOK_MAX_BODY_BYTES", defaultWebhookMaxBody)),
		},
		Security: SecurityConfig{
			Environment: strings.ToLower(env.str("SECURITY_ENVIRONMENT", defaultSecurityEnvironment)),
			OIDC: OIDCConfig{
				JWKSURL:  env.str("SECURITY_OIDC_JWKS_URL", defaultOIDCJWKSURL),
				Audience: env.str("SECURITY_OIDC_AUDIENCE", ""),
				Issuers:  env.list("SECURITY_OIDC_ISSUERS"),
				Invokers: env.list("SECURITY_OIDC_INVOKERS"),
			},
			HMAC: HMACConfig{
				Secrets:   env.pairs("SECURITY_HMAC_SECRETS"),
				ClockSkew: env.duration("SECURITY_HMAC_CLOCK_SKEW", defaultHMACClockSkew),
				NonceTTL:  env.duration("SECURITY_HMAC_NONCE_TTL", defaultHMACNonceTTL),
			},
		},
		Idempotency: IdempotencyConfig{
			Header:           env.str("IDEMPOTENCY_HEADER", defaultIdempotencyHeader),
			TTL:              env.duration("IDEMPOTENCY_TTL", defaultIdempotencyTTL),
			CleanupInterval:  env.duration("IDEMPOTENCY_CLEANUP_INTERVAL", defaultIdempotencyInterval),
			CleanupBatchSize: env.integer("IDEMPOTENCY_CLEANUP_BATCH", defaultIdempotencyBatchSize),
		},
	}

	// Firestore and Pub/Sub live in the Firebase project unless told otherwise.
	if cfg.Firestore.ProjectID == "" {
		cfg.Firestore.ProjectID = cfg.Firebase.ProjectID
	}
	if cfg.PubSub.ProjectID == "" {
		cfg.PubSub.ProjectID = cfg.Firestore.ProjectID
	}
	if len(cfg.Security.OIDC.Issuers) == 0 {
		cfg.Security.OIDC.Issuers = []string{defaultSecurityIssuer}
	}

	resolved, err := cfg.resolveSecrets(ctx, options.secret)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	if missing := findMissingSecrets(options.requiredSecrets, resolved); missing != nil {
		return Config{}, missing
	}
	return cfg, nil
}

// resolveSecrets replaces secret:// and sm:// references in place and returns every
// secret-bearing field by name.
func (cfg *Config) resolveSecrets(ctx context.Context, resolver SecretResolver) (map[string]string, error) {
	resolved := make(map[string]string)
	for provider, value := range cfg.Security.HMAC.Secrets {
		secret, err := resolveSecret(ctx, value, resolver)
		if err != nil {
			return nil, err
		}
		cfg.Security.HMAC.Secrets[provider] = secret
		resolved[fmt.Sprintf("Security.HMAC.Secrets[%s]", provider)] = strings.TrimSpace(secret)
	}

	fields := map[string]*string{
		"PSP.StripeAPIKey":        &cfg.PSP.StripeAPIKey,
		"PSP.StripeWebhookSecret": &cfg.PSP.StripeWebhookSecret,
		"Postgres.DSN":            &cfg.Postgres.DSN,
	}
	for name, field := range fields {
		secret, err := resolveSecret(ctx, *field, resolver)
		if err != nil {
			return nil, err
		}
		*field = secret
		resolved[name] = strings.TrimSpace(secret)
	}
	return resolved, nil
}

func resolveSecret(ctx context.Context, value string, resolver SecretResolver) (string, error) {
	trimmed := strings.TrimSpace(value)
	if !strings.HasPrefix(trimmed, "secret://") && !strings.HasPrefix(trimmed, "sm://") {
		return value, nil
	}
	ref := "secret://" + strings.TrimPrefix(strings.TrimPrefix(trimmed, "sm://"), "secret://")
	if resolver == nil {
		return "", &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
	}
	secret, err := resolver.ResolveSecret(ctx, ref)
	if err != nil {
		return "", &SecretError{Ref: ref, Err: err}
	}
	return secret, nil
}

func (cfg Config) validate() error {
	var invalid []string
	check := func(ok bool, field string) {
		if !ok {
			invalid = append(invalid, field)
		}
	}

	check(cfg.Server.Port != "", "Server.Port")
	check(cfg.Firebase.ProjectID != "", "Firebase.ProjectID")
	switch cfg.Store.Driver {
	case StoreDriverMemory:
	case StoreDriverFirestore:
		check(cfg.Firestore.ProjectID != "", "Firestore.ProjectID")
	case StoreDriverPostgres:
		check(strings.TrimSpace(cfg.Postgres.DSN) != "", "Postgres.DSN")
	default:
		invalid = append(invalid, "Store.Driver")
	}
	check(len(cfg.PSP.DefaultCurrency) == 3, "PSP.DefaultCurrency")
	check(cfg.PSP.Timeout > 0, "PSP.Timeout")
	check(strings.Contains(cfg.PSP.ReturnURL, "{orderID}"), "PSP.ReturnURL")
	check(cfg.Webhooks.LedgerLockTTL > 0, "Webhooks.LedgerLockTTL")
	check(cfg.Webhooks.LedgerRetention >= cfg.Webhooks.LedgerLockTTL, "Webhooks.LedgerRetention")
	check(cfg.Webhooks.MaxBodyBytes > 0, "Webhooks.MaxBodyBytes")
	check(strings.TrimSpace(cfg.Idempotency.Header) != "", "Idempotency.Header")
	check(cfg.Idempotency.TTL > 0, "Idempotency.TTL")
	check(cfg.Idempotency.CleanupInterval > 0, "Idempotency.CleanupInterval")
	check(cfg.Idempotency.CleanupBatchSize > 0, "Idempotency.CleanupBatchSize")

	if len(invalid) > 0 {
		return &ValidationError{fields: invalid}
	}
	return nil
}

func findMissingSecrets(required []string, resolved map[string]string) *MissingSecretsError {
	seen := make(map[string]struct{})
	var redacted []string
	for _, name := range required {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		if resolved[name] == "" {
			redacted = append(redacted, redactSecretName(name))
		}
	}
	if len(redacted) == 0 {
		return nil
	}
	sort.Strings(redacted)
	return &MissingSecretsError{redacted: redacted}
}

func redactSecretName(name string) string {
	sum := sha256.Sum256([]byte(name))
	return hex.EncodeToString(sum[:8])
}

func loadDotEnv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}

	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: unable to read %s: %w", path, err)
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		key, value, ok := strings.Cut(line, "=")
		if key = strings.TrimSpace(key); !ok || key == "" {
			continue
		}
		values[key] = strings.Trim(strings.TrimSpace(value), "\"'")
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: failed parsing %s: %w", path, err)
	}
	return values, nil
}

// source reads EnvPrefix-qualified keys out of the merged environment. Empty and
// unparsable values fall back to the default.
type source map[string]string

func (s source) lookup(key string) string {
	return strings.TrimSpace(s[EnvPrefix+key])
}

func (s source) str(key, fallback string) string {
	if value := s.lookup(key); value != "" {
		return value
	}
	return fallback
}

func (s source) duration(key string, fallback time.Duration) time.Duration {
	if d, err := time.ParseDuration(s.lookup(key)); err == nil {
		return d
	}
	return fallback
}

func (s source) integer(key string, fallback int) int {
	if n, err := strconv.Atoi(s.lookup(key)); err == nil {
		return n
	}
	return fallback
}

func (s source) boolean(key string, fallback bool) bool {
	if b, err := strconv.ParseBool(s.lookup(key)); err == nil {
		return b
	}
	return fallback
}

func (s source) list(key string) []string {
	var out []string
	for _, part := range strings.Split(s.lookup(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// pairs parses "name=value,name=value"; names are lower-cased.
func (s source) pairs(key string) map[string]string {
	out := make(map[string]string)
	for _, entry := range s.list(key) {
		name, value, ok := strings.Cut(entry, "=")
		name = strings.ToLower(strings.TrimSpace(name))
		value = strings.TrimSpace(value)
		if ok && name != "" && value != "" {
			out[name] = value
		}
	}
	return out
}
