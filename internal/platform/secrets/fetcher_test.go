package secrets

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// versionStore stands in for Secret Manager, keyed by full version resource name.
type versionStore struct {
	mu       sync.Mutex
	payloads map[string]string
	failures map[string]error
	hits     map[string]int
	hold     chan struct{}
}

func newVersionStore() *versionStore {
	return &versionStore{payloads: map[string]string{}, failures: map[string]error{}, hits: map[string]int{}}
}

func (v *versionStore) AccessSecretVersion(_ context.Context, req *secretmanagerpb.AccessSecretVersionRequest, _ ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error) {
	if v.hold != nil {
		<-v.hold
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.hits[req.GetName()]++
	if err := v.failures[req.GetName()]; err != nil {
		return nil, err
	}
	payload, ok := v.payloads[req.GetName()]
	if !ok {
		return nil, status.Error(codes.NotFound, "secret version not found")
	}
	return &secretmanagerpb.AccessSecretVersionResponse{Payload: &secretmanagerpb.SecretPayload{Data: []byte(payload)}}, nil
}

func (v *versionStore) Close() error { return nil }

func (v *versionStore) fetches(name string) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.hits[name]
}

func newTestFetcher(t *testing.T, opts ...Option) *Fetcher {
	t.Helper()
	f, err := NewFetcher(context.Background(), opts...)
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}
	t.Cleanup(func() { _ = f.Close() })
	return f
}

func writeLocalSecrets(t *testing.T, lines string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".secrets.local")
	if err := os.WriteFile(path, []byte(lines), 0o600); err != nil {
		t.Fatalf("write local secrets: %v", err)
	}
	return path
}

const stripeKeyVersion = "projects/orders-dev/secrets/stripe_api_key/versions/latest"

func TestResolveCachesSecretManagerValue(t *testing.T) {
	store := newVersionStore()
	store.payloads[stripeKeyVersion] = "sk_test_123"
	f := newTestFetcher(t, WithSecretManagerClient(store), WithProject("orders-dev"))

	for range 3 {
		got, err := f.Resolve(context.Background(), "secret://stripe_api_key")
		if err != nil || got != "sk_test_123" {
			t.Fatalf("Resolve = %q, %v", got, err)
		}
	}
	if n := store.fetches(stripeKeyVersion); n != 1 {
		t.Fatalf("Secret Manager fetched %d times, want 1", n)
	}
}

func TestResolveFallbackRules(t *testing.T) {
	local := "# developer overrides\nsecret://stripe_api_key=sk_local\n"
	cases := []struct {
		name     string
		failure  error
		fallback bool
		want     string
		wantErr  error
	}{
		{name: "permission denied uses file", failure: status.Error(codes.PermissionDenied, "denied"), fallback: true, want: "sk_local"},
		{name: "unauthenticated uses file", failure: status.Error(codes.Unauthenticated, "no token"), fallback: true, want: "sk_local"},
		{name: "unavailable uses file", failure: status.Error(codes.Unavailable, "down"), fallback: true, want: "sk_local"},
		{name: "not found never falls back", failure: status.Error(codes.NotFound, "missing"), fallback: true, wantErr: ErrNotFound},
		{name: "fallback disabled", failure: status.Error(codes.PermissionDenied, "denied"), fallback: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := newVersionStore()
			store.failures[stripeKeyVersion] = tc.failure
			path := ""
			if tc.fallback {
				path = writeLocalSecrets(t, local)
			}
			f := newTestFetcher(t, WithSecretManagerClient(store), WithProject("orders-dev"), WithFallbackFile(path))

			got, err := f.Resolve(context.Background(), "secret://stripe_api_key")
			switch {
			case tc.want != "":
				if err != nil || got != tc.want {
					t.Fatalf("Resolve = %q, %v; want %q", got, err, tc.want)
				}
			case tc.wantErr != nil:
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("Resolve err = %v, want %v", err, tc.wantErr)
				}
			default:
				if err == nil {
					t.Fatalf("Resolve = %q, expected an error", got)
				}
			}
		})
	}
}

func TestResolvePinnedVersionRefetchesAfterTTL(t *testing.T) {
	const pinned = "projects/orders-dev/secrets/stripe_webhook_secret/versions/5"
	store := newVersionStore()
	store.payloads[pinned] = "whsec_5"
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	f := newTestFetcher(t,
		WithSecretManagerClient(store),
		WithProject("orders-dev"),
		WithCacheTTL(time.Minute),
		withClock(func() time.Time { return now }),
	)

	resolve := func() {
		t.Helper()
		if got, err := f.Resolve(context.Background(), "secret://stripe_webhook_secret?version=5"); err != nil || got != "whsec_5" {
			t.Fatalf("Resolve = %q, %v", got, err)
		}
	}
	resolve()
	resolve()
	if n := store.fetches(pinned); n != 1 {
		t.Fatalf("fetched %d times inside ttl, want 1", n)
	}
	now = now.Add(2 * time.Minute)
	resolve()
	if n := store.fetches(pinned); n != 2 {
		t.Fatalf("fetched %d times after ttl, want 2", n)
	}
}

func TestResolveReferenceProjectOverridesDefault(t *testing.T) {
	store := newVersionStore()
	store.payloads["projects/orders-prod/secrets/postgres_dsn/versions/latest"] = "postgres://prod\n"
	f := newTestFetcher(t, WithSecretManagerClient(store), WithProject("orders-dev"))

	got, err := f.Resolve(context.Background(), "sm://postgres_dsn?project=orders-prod")
	if err != nil || got != "postgres://prod" {
		t.Fatalf("Resolve = %q, %v; want trimmed prod dsn", got, err)
	}
}

func TestResolveSharesConcurrentFetches(t *testing.T) {
	const hmacVersion = "projects/orders-dev/secrets/gateway_hmac/versions/latest"
	store := newVersionStore()
	store.payloads[hmacVersion] = "hmac-secret"
	store.hold = make(chan struct{})
	f := newTestFetcher(t, WithSecretManagerClient(store), WithProject("orders-dev"))

	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if got, err := f.Resolve(context.Background(), "secret://gateway_hmac"); err != nil || got != "hmac-secret" {
				t.Errorf("Resolve = %q, %v", got, err)
			}
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(store.hold)
	wg.Wait()

	if n := store.fetches(hmacVersion); n != 1 {
		t.Fatalf("fetched %d times, want one shared fetch", n)
	}
}

func TestNewFetcherWithoutCredentialsReadsLocalFile(t *testing.T) {
	restore := newSecretManagerClient
	newSecretManagerClient = func(context.Context, ...option.ClientOption) (*secretmanager.Client, error) {
		return nil, errors.New("could not find default credentials")
	}
	t.Cleanup(func() { newSecretManagerClient = restore })

	f := newTestFetcher(t, WithFallbackFile(writeLocalSecrets(t, "sm://stripe_api_key=sk_local\n")))
	got, err := f.Resolve(context.Background(), "secret://stripe_api_key")
	if err != nil || got != "sk_local" {
		t.Fatalf("Resolve = %q, %v", got, err)
	}
}
