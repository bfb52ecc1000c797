package auth

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Headers carried by a signed gateway delivery.
const (
	SignatureHeader = "X-Signature"
	TimestampHeader = "X-Signature-Timestamp"
	NonceHeader     = "X-Signature-Nonce"
)

const (
	defaultClockSkew   = 5 * time.Minute
	defaultNonceTTL    = 5 * time.Minute
	nonceSweepInterval = time.Minute
	defaultMaxBodySize = 256 << 10
)

var errBodyTooLarge = errors.New("auth: signed body too large")

// SecretProvider resolves the shared secret a gateway signs with. The value may hold
// several newline-separated secrets while a rotation is in progress.
type SecretProvider interface {
	GetSecret(ctx context.Context, name string) (string, error)
}

type SecretProviderFunc func(context.Context, string) (string, error)

func (f SecretProviderFunc) GetSecret(ctx context.Context, name string) (string, error) {
	if f == nil {
		return "", errors.New("auth: secret provider not configured")
	}
	return f(ctx, name)
}

// StaticSecrets serves already-resolved secrets keyed by lower-case gateway name.
type StaticSecrets map[string]string

func (s StaticSecrets) GetSecret(_ context.Context, name string) (string, error) {
	if secret := s[strings.ToLower(strings.TrimSpace(name))]; secret != "" {
		return secret, nil
	}
	return "", fmt.Errorf("auth: hmac secret %q not configured", name)
}

// NonceStore remembers delivery nonces so a captured request cannot be replayed.
type NonceStore interface {
	// UseNonce stores nonce under scope until expiry. It reports false when the
	// nonce is already held.
	UseNonce(ctx context.Context, scope, nonce string, expiry time.Time) (bool, error)
}

// InMemoryNonceStore is process-local. A replay that lands on another instance is
// still absorbed by the processed-event ledger.
type InMemoryNonceStore struct {
	mu        sync.Mutex
	nonces    map[string]time.Time
	now       func() time.Time
	nextSweep time.Time
}

func NewInMemoryNonceStore() *InMemoryNonceStore {
	return &InMemoryNonceStore{nonces: make(map[string]time.Time), now: time.Now}
}

// UseNonce drops expired entries at most once per nonceSweepInterval, so the
// common path is a single map lookup.
func (s *InMemoryNonceStore) UseNonce(_ context.Context, scope, nonce string, expiry time.Time) (bool, error) {
	if scope == "" || nonce == "" {
		return false, errors.New("auth: scope and nonce are required")
	}
	key := scope + "\x00" + nonce

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if !now.Before(s.nextSweep) {
		for k, until := range s.nonces {
			if !until.After(now) {
				delete(s.nonces, k)
			}
		}
		s.nextSweep = now.Add(nonceSweepInterval)
	}
	if until, held := s.nonces[key]; held && until.After(now) {
		return false, nil
	}
	s.nonces[key] = expiry
	return true, nil
}

// HMACValidator authenticates deliveries from the generic payment gateway. A sender
// signs METHOD, path, timestamp, nonce and the body's SHA-256 with HMAC-SHA256.
type HMACValidator struct {
	provider SecretProvider
	nonces   NonceStore
	logger   Logger
	metrics  MetricsRecorder
	now      func() time.Time

	clockSkew time.Duration
	nonceTTL  time.Duration
	maxBody   int64
}

type HMACOption func(*HMACValidator)

func NewHMACValidator(provider SecretProvider, nonces NonceStore, opts ...HMACOption) *HMACValidator {
	v := &HMACValidator{
		provider:  provider,
		nonces:    nonces,
		logger:    log.Default(),
		now:       time.Now,
		clockSkew: defaultClockSkew,
		nonceTTL:  defaultNonceTTL,
		maxBody:   defaultMaxBodySize,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v
}

func WithHMACLogger(logger Logger) HMACOption {
	return func(v *HMACValidator) {
		if logger != nil {
			v.logger = logger
		}
	}
}

func WithHMACMetrics(metrics MetricsRecorder) HMACOption {
	return func(v *HMACValidator) { v.metrics = metrics }
}

func WithHMACClock(now func() time.Time) HMACOption {
	return func(v *HMACValidator) {
		if now != nil {
			v.now = now
		}
	}
}

// WithHMACClockSkew bounds how far the signed timestamp may drift from the local clock.
func WithHMACClockSkew(d time.Duration) HMACOption {
	return func(v *HMACValidator) {
		if d > 0 {
			v.clockSkew = d
		}
	}
}

func WithHMACNonceTTL(d time.Duration) HMACOption {
	return func(v *HMACValidator) {
		if d > 0 {
			v.nonceTTL = d
		}
	}
}

func WithHMACMaxBody(n int64) HMACOption {
	return func(v *HMACValidator) {
		if n > 0 {
			v.maxBody = n
		}
	}
}

// RequireHMAC admits only requests signed with the secret registered under name.
// The verified body is handed on to next unchanged.
func (v *HMACValidator) RequireHMAC(name string) func(http.Handler) http.Handler {
	name = strings.TrimSpace(name)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := v.now()
			if rej := v.verify(r, name); rej != nil {
				v.record(r.Context(), false, rej.reason, start)
				rej.write(r.Context(), w)
				return
			}
			v.record(r.Context(), true, "ok", start)
			next.ServeHTTP(w, r)
		})
	}
}

func (v *HMACValidator) verify(r *http.Request, name string) *rejection {
	ctx := r.Context()
	secrets, err := v.secrets(ctx, name)
	if err != nil {
		v.logger.Printf("auth: hmac secret %q unavailable: %v", name, err)
		return &rejection{status: http.StatusServiceUnavailable, code: "verification_unavailable", reason: "secret_unavailable", message: "hmac secret unavailable"}
	}

	sigValue := strings.TrimSpace(r.Header.Get(SignatureHeader))
	tsValue := strings.TrimSpace(r.Header.Get(TimestampHeader))
	nonce := strings.TrimSpace(r.Header.Get(NonceHeader))
	if sigValue == "" || tsValue == "" || nonce == "" {
		return &rejection{status: http.StatusUnauthorized, code: "signature_missing", reason: "headers_missing", message: "signature headers missing"}
	}

	signedAt, err := parseSignatureTimestamp(tsValue)
	if err != nil {
		return &rejection{status: http.StatusUnauthorized, code: "timestamp_invalid", reason: "timestamp_invalid", message: "signature timestamp invalid"}
	}
	now := v.now()
	if drift := now.Sub(signedAt).Abs(); drift > v.clockSkew {
		return &rejection{status: http.StatusUnauthorized, code: "timestamp_skew", reason: "timestamp_skew", message: "signature timestamp outside allowed window"}
	}

	body, err := bufferBody(r, v.maxBody)
	switch {
	case errors.Is(err, errBodyTooLarge):
		return &rejection{status: http.StatusRequestEntityTooLarge, code: "request_too_large", reason: "body_too_large", message: fmt.Sprintf("signed body exceeds %d bytes", v.maxBody)}
	case err != nil:
		return &rejection{status: http.StatusBadRequest, code: "invalid_body", reason: "body_unreadable", message: "unable to read body for signature verification"}
	}

	got, err := decodeSignature(sigValue)
	if err != nil {
		return &rejection{status: http.StatusUnauthorized, code: "signature_invalid", reason: "signature_invalid", message: "signature encoding invalid"}
	}
	message := canonicalMessage(r.Method, r.URL.EscapedPath(), body, tsValue, nonce)
	if !matchesAny(secrets, message, got) {
		return &rejection{status: http.StatusUnauthorized, code: "signature_mismatch", reason: "signature_mismatch", message: "signature verification failed"}
	}

	if v.nonces == nil {
		return nil
	}
	expiry := signedAt.Add(v.nonceTTL)
	if expiry.Before(now) {
		expiry = now.Add(v.nonceTTL)
	}
	fresh, err := v.nonces.UseNonce(ctx, name, nonce, expiry)
	if err != nil {
		v.logger.Printf("auth: nonce store error: %v", err)
		return &rejection{status: http.StatusServiceUnavailable, code: "verification_unavailable", reason: "nonce_store_error", message: "nonce storage error"}
	}
	if !fresh {
		return &rejection{status: http.StatusUnauthorized, code: "nonce_replay", reason: "nonce_replay", message: "duplicate signature nonce"}
	}
	return nil
}

// secrets returns every secret currently accepted for name, newest first.
func (v *HMACValidator) secrets(ctx context.Context, name string) ([][]byte, error) {
	if name == "" {
		return nil, errors.New("auth: hmac secret name not configured")
	}
	if v.provider == nil {
		return nil, errors.New("auth: secret provider not configured")
	}
	raw, err := v.provider.GetSecret(ctx, name)
	if err != nil {
		return nil, err
	}
	var out [][]byte
	for line := range strings.Lines(raw) {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, []byte(line))
		}
	}
	if len(out) == 0 {
		return nil, errors.New("auth: secret is empty")
	}
	return out, nil
}

func (v *HMACValidator) record(ctx context.Context, success bool, reason string, start time.Time) {
	if v.metrics != nil {
		v.metrics.RecordVerification(ctx, "hmac", success, reason, v.now().Sub(start))
	}
}

// SignRequest returns the base64 signature a sender attaches for the given request.
func SignRequest(secret []byte, method, path string, body []byte, timestamp, nonce string) string {
	return base64.StdEncoding.EncodeToString(sign(secret, canonicalMessage(method, path, body, timestamp, nonce)))
}

func canonicalMessage(method, path string, body []byte, timestamp, nonce string) []byte {
	if path == "" {
		path = "/"
	}
	digest := sha256.Sum256(body)
	var b bytes.Buffer
	for i, part := range []string{strings.ToUpper(method), path, timestamp, nonce, hex.EncodeToString(digest[:])} {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(part)
	}
	return b.Bytes()
}

func sign(secret, message []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(message)
	return mac.Sum(nil)
}

func matchesAny(secrets [][]byte, message, signature []byte) bool {
	matched := false
	for _, secret := range secrets {
		if hmac.Equal(sign(secret, message), signature) {
			matched = true
		}
	}
	return matched
}

// bufferBody reads at most limit bytes and puts them back on r.Body for the handler.
func bufferBody(r *http.Request, limit int64) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()
	buf, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(buf)) > limit {
		return nil, errBodyTooLarge
	}
	r.Body = io.NopCloser(bytes.NewReader(buf))
	return buf, nil
}

// decodeSignature accepts base64 (what SignRequest emits) or lower-case hex.
func decodeSignature(value string) ([]byte, error) {
	if decoded, err := base64.StdEncoding.DecodeString(value); err == nil {
		return decoded, nil
	}
	if decoded, err := hex.DecodeString(value); err == nil {
		return decoded, nil
	}
	return nil, errors.New("auth: signature must be base64 or hex encoded")
}

// parseSignatureTimestamp accepts RFC 3339 or Unix seconds.
func parseSignatureTimestamp(value string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return ts.UTC(), nil
	}
	if seconds, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Unix(seconds, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("auth: unable to parse timestamp %q", value)
}
