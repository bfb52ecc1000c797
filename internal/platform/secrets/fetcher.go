// Package secrets resolves secret:// references from configuration: the Stripe keys,
// the Postgres DSN and the webhook HMAC secrets.
package secrets

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const meterName = "github.com/hanko-field/orders/internal/platform/secrets"

var ErrNotFound = errors.New("secrets: secret not found")

var newSecretManagerClient = func(ctx context.Context, opts ...option.ClientOption) (*secretmanager.Client, error) {
	return secretmanager.NewClient(ctx, opts...)
}

type secretManagerClient interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
	Close() error
}

// Fetcher resolves references against Google Secret Manager. In development a local
// file of "secret://name=value" lines stands in when Secret Manager is unreachable or
// refuses the credentials; a missing secret is never papered over by the file.
// Concurrent resolutions of one reference share a single Secret Manager call.
type Fetcher struct {
	client     secretManagerClient
	ownsClient bool
	clientOpts []option.ClientOption

	logger  *zap.Logger
	now     func() time.Time
	project string
	ttl     time.Duration

	localPath string
	localOnce sync.Once
	local     map[string]string
	localErr  error

	flight singleflight.Group
	mu     sync.RWMutex
	cache  map[string]cached

	meter    metric.Meter
	resolves metric.Int64Counter
	latency  metric.Float64Histogram
}

type cached struct {
	value string
	at    time.Time
}

type Option func(*Fetcher)

func WithLogger(logger *zap.Logger) Option {
	return func(f *Fetcher) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// WithProject sets the project for references that do not name one.
func WithProject(projectID string) Option {
	return func(f *Fetcher) {
		f.project = strings.TrimSpace(projectID)
	}
}

// WithFallbackFile enables the local development file. An empty path disables it.
func WithFallbackFile(path string) Option {
	return func(f *Fetcher) {
		f.localPath = strings.TrimSpace(path)
	}
}

// WithCacheTTL bounds how long a value is reused. Zero keeps values for the process lifetime.
func WithCacheTTL(ttl time.Duration) Option {
	return func(f *Fetcher) {
		if ttl >= 0 {
			f.ttl = ttl
		}
	}
}

func WithMeter(m metric.Meter) Option {
	return func(f *Fetcher) {
		if m != nil {
			f.meter = m
		}
	}
}

func WithSecretManagerClient(client secretManagerClient) Option {
	return func(f *Fetcher) {
		f.client = client
	}
}

// WithClientOptions is forwarded to secretmanager.NewClient.
func WithClientOptions(opts ...option.ClientOption) Option {
	return func(f *Fetcher) {
		f.clientOpts = append(f.clientOpts, opts...)
	}
}

func withClock(now func() time.Time) Option {
	return func(f *Fetcher) {
		f.now = now
	}
}

// NewFetcher builds a Fetcher. When no Secret Manager client can be created the fetcher
// still starts and serves the fallback file only.
func NewFetcher(ctx context.Context, opts ...Option) (*Fetcher, error) {
	f := &Fetcher{
		logger: zap.NewNop(),
		now:    time.Now,
		cache:  make(map[string]cached),
		meter:  otel.GetMeterProvider().Meter(meterName),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}

	var err error
	if f.resolves, err = f.meter.Int64Counter("secrets.resolve.count",
		metric.WithDescription("Secret resolutions by source")); err != nil {
		return nil, fmt.Errorf("secrets: register counter: %w", err)
	}
	if f.latency, err = f.meter.Float64Histogram("secrets.resolve.latency",
		metric.WithUnit("ms"),
		metric.WithDescription("Secret Manager access latency")); err != nil {
		return nil, fmt.Errorf("secrets: register histogram: %w", err)
	}

	if f.client == nil {
		client, err := newSecretManagerClient(ctx, f.clientOpts...)
		if err != nil {
			f.logger.Warn("secrets: secret manager unavailable, serving fallback file only", zap.Error(err))
		} else {
			f.client, f.ownsClient = client, true
		}
	}
	return f, nil
}

// Close releases the Secret Manager client when the fetcher created it.
func (f *Fetcher) Close() error {
	if f.ownsClient && f.client != nil {
		return f.client.Close()
	}
	return nil
}

// Resolve returns the value behind ref. It satisfies config.SecretResolverFunc.
func (f *Fetcher) Resolve(ctx context.Context, ref string) (string, error) {
	parsed, err := parseReference(ref)
	if err != nil {
		return "", err
	}
	id := parsed.id()
	if value, ok := f.fromCache(id); ok {
		f.count(ctx, "cache")
		return value, nil
	}

	v, err, _ := f.flight.Do(id, func() (any, error) {
		value, source, err := f.load(ctx, parsed)
		if err != nil {
			f.count(ctx, "error")
			return "", err
		}
		f.mu.Lock()
		f.cache[id] = cached{value: value, at: f.now()}
		f.mu.Unlock()
		f.count(ctx, source)
		return value, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (f *Fetcher) fromCache(id string) (string, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	entry, ok := f.cache[id]
	if !ok || (f.ttl > 0 && f.now().Sub(entry.at) >= f.ttl) {
		return "", false
	}
	return entry.value, true
}

func (f *Fetcher) load(ctx context.Context, ref reference) (string, string, error) {
	project := ref.project
	if project == "" {
		project = f.project
	}
	if f.client != nil && project != "" {
		value, err := f.access(ctx, project, ref)
		switch {
		case err == nil:
			return value, "remote", nil
		case status.Code(err) == codes.NotFound:
			return "", "", fmt.Errorf("%w: %s", ErrNotFound, ref.masked())
		case !unreachable(err):
			return "", "", fmt.Errorf("secrets: access %s: %w", ref.masked(), err)
		}
		f.logger.Debug("secrets: secret manager unreachable, trying fallback file", zap.String("secret", ref.masked()), zap.Error(err))
	}

	value, err := f.fromLocal(ref)
	if err != nil {
		return "", "", err
	}
	return value, "fallback", nil
}

func (f *Fetcher) access(ctx context.Context, project string, ref reference) (string, error) {
	start := f.now()
	name := fmt.Sprintf("projects/%s/secrets/%s/versions/%s", project, ref.name, ref.version)
	resp, err := f.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: name})
	f.latency.Record(ctx, float64(f.now().Sub(start))/float64(time.Millisecond))
	if err != nil {
		return "", err
	}
	if resp.GetPayload() == nil {
		return "", fmt.Errorf("empty payload for %s", name)
	}
	// Secrets pasted through the console often carry a trailing newline.
	return strings.TrimSpace(string(resp.GetPayload().GetData())), nil
}

func (f *Fetcher) fromLocal(ref reference) (string, error) {
	f.localOnce.Do(f.readLocal)
	if f.localErr != nil {
		return "", f.localErr
	}
	if value, ok := f.local[ref.id()]; ok {
		return value, nil
	}
	if value, ok := f.local[ref.canonical]; ok {
		return value, nil
	}
	return "", fmt.Errorf("%w: %s", ErrNotFound, ref.masked())
}

// readLocal loads "ref=value" lines. sm:// keys are read as secret://.
func (f *Fetcher) readLocal() {
	f.local = map[string]string{}
	if f.localPath == "" {
		return
	}
	file, err := os.Open(f.localPath)
	if errors.Is(err, os.ErrNotExist) {
		return
	}
	if err != nil {
		f.localErr = fmt.Errorf("secrets: open %s: %w", f.localPath, err)
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		ref, err := parseReference(strings.TrimSpace(key))
		if err != nil {
			continue
		}
		value = strings.TrimSpace(value)
		f.local[ref.canonical] = value
		f.local[ref.id()] = value
	}
	if err := scanner.Err(); err != nil {
		f.localErr = fmt.Errorf("secrets: read %s: %w", f.localPath, err)
	}
}

func (f *Fetcher) count(ctx context.Context, source string) {
	f.resolves.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
}

// reference is a parsed secret://name[?version=N][&project=P]. sm:// is accepted as an alias.
type reference struct {
	canonical string
	name      string
	version   string
	project   string
}

func (r reference) id() string { return r.canonical + "#" + r.version }

// masked names a secret in logs without revealing which one.
func (r reference) masked() string {
	sum := sha256.Sum256([]byte(r.canonical))
	return hex.EncodeToString(sum[:6])
}

func parseReference(raw string) (reference, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return reference{}, errors.New("secrets: empty reference")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return reference{}, fmt.Errorf("secrets: invalid reference: %w", err)
	}
	if u.Scheme != "secret" && u.Scheme != "sm" {
		return reference{}, fmt.Errorf("secrets: unsupported scheme %q", u.Scheme)
	}
	name := strings.Trim(u.Host+u.Path, "/")
	if name == "" {
		return reference{}, errors.New("secrets: reference names no secret")
	}
	query := u.Query()
	version := strings.TrimSpace(query.Get("version"))
	if version == "" {
		version = "latest"
	}
	return reference{
		canonical: "secret://" + name,
		name:      name,
		version:   version,
		project:   strings.TrimSpace(query.Get("project")),
	}, nil
}

// unreachable reports Secret Manager failures that justify trying the fallback file.
func unreachable(err error) bool {
	switch status.Code(err) {
	case codes.PermissionDenied, codes.Unauthenticated, codes.Unavailable, codes.DeadlineExceeded:
		return true
	}
	return false
}
