package idempotency

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hanko-field/orders/internal/platform/auth"
	"github.com/hanko-field/orders/internal/platform/httpx"
)

const (
	DefaultHeader = "Idempotency-Key"
	// ReplayedHeader marks a response served from the store instead of the handler.
	ReplayedHeader = "Idempotent-Replayed"

	defaultMaxBodyBytes int64 = 64 << 10
	maxKeyLength              = 255
	pendingRetryAfter         = time.Second
)

// guard is one configured Idempotency-Key middleware.
type guard struct {
	store    Store
	header   string
	ttl      time.Duration
	maxBody  int64
	optional bool
	now      func() time.Time
	logger   *zap.Logger
}

type MiddlewareOption func(*guard)

func WithHeader(name string) MiddlewareOption {
	return func(g *guard) {
		if name = strings.TrimSpace(name); name != "" {
			g.header = name
		}
	}
}

// WithTTL sets how long a completed key replays its response.
func WithTTL(ttl time.Duration) MiddlewareOption {
	return func(g *guard) {
		if ttl > 0 {
			g.ttl = ttl
		}
	}
}

// WithMaxBody caps the request body read for fingerprinting. Larger bodies get 413.
func WithMaxBody(limit int64) MiddlewareOption {
	return func(g *guard) {
		if limit > 0 {
			g.maxBody = limit
		}
	}
}

// WithOptionalKey lets requests without the header through unguarded.
func WithOptionalKey() MiddlewareOption {
	return func(g *guard) {
		g.optional = true
	}
}

func WithClock(now func() time.Time) MiddlewareOption {
	return func(g *guard) {
		if now != nil {
			g.now = now
		}
	}
}

func WithLogger(logger *zap.Logger) MiddlewareOption {
	return func(g *guard) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// Middleware runs a mutating request at most once per (requester, key). A repeat with
// the same body replays the stored response; a repeat with a different body is a 409.
// The handler's response is buffered and only sent once it is stored, so a client
// never sees a result that a retry could not reproduce. 5xx responses release the key
// so the client may retry.
func Middleware(store Store, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	if store == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	g := &guard{
		store:   store,
		header:  DefaultHeader,
		ttl:     DefaultTTL,
		maxBody: defaultMaxBodyBytes,
		now:     time.Now,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			g.serve(w, r, next)
		})
	}
}

func (g *guard) serve(w http.ResponseWriter, r *http.Request, next http.Handler) {
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		next.ServeHTTP(w, r)
		return
	}

	ctx := r.Context()
	key := strings.TrimSpace(r.Header.Get(g.header))
	switch {
	case key == "" && g.optional:
		next.ServeHTTP(w, r)
		return
	case key == "":
		httpx.WriteError(ctx, w, httpx.NewError("idempotency_key_required", "missing "+g.header+" header", http.StatusBadRequest))
		return
	case len(key) > maxKeyLength:
		httpx.WriteError(ctx, w, httpx.NewError("idempotency_key_invalid", g.header+" is too long", http.StatusBadRequest))
		return
	}

	body, err := readBody(w, r, g.maxBody)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httpx.WriteError(ctx, w, httpx.NewError("request_too_large", "request body too large", http.StatusRequestEntityTooLarge))
			return
		}
		httpx.WriteError(ctx, w, httpx.NewError("invalid_body", "unable to read request body", http.StatusBadRequest))
		return
	}

	requester := requesterOf(ctx)
	scoped := scopedKey(key, requester)
	fingerprint := fingerprintOf(r, body, requester)
	logger := g.logger.With(zap.String("idempotency_key", sha256Hex([]byte(scoped))[:16]), zap.String("requester", requester))

	reservation, err := g.store.Reserve(ctx, scoped, fingerprint, g.now().UTC(), g.ttl)
	switch {
	case errors.Is(err, ErrFingerprintMismatch):
		httpx.WriteError(ctx, w, httpx.NewError("idempotency_key_conflict", "idempotency key already used for a different request", http.StatusConflict))
		return
	case err != nil:
		logger.Error("idempotency reserve failed", zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError("idempotency_store_error", "unable to process idempotency key", http.StatusServiceUnavailable))
		return
	}

	switch reservation.State {
	case ReservationStateCompleted:
		logger.Debug("replaying stored response", zap.Int("status", reservation.Record.ResponseStatus))
		replay(w, reservation.Record)
		return
	case ReservationStatePending:
		httpx.WriteError(ctx, w, httpx.NewError("idempotency_in_progress", "another request is processing this idempotency key", http.StatusConflict).
			WithRetryAfter(pendingRetryAfter))
		return
	}

	buffered := &bufferedResponse{header: make(http.Header)}
	next.ServeHTTP(buffered, r)

	// The client may hang up mid-request; the key must still be settled.
	settleCtx := context.WithoutCancel(ctx)
	if buffered.code() >= http.StatusInternalServerError {
		if err := g.store.Release(settleCtx, scoped, fingerprint); err != nil {
			logger.Warn("idempotency release failed", zap.Int("status", buffered.code()), zap.Error(err))
		}
		buffered.flush(w)
		return
	}

	saved := Response{Status: buffered.code(), Headers: buffered.header, Body: buffered.body.Bytes()}
	if err := g.store.SaveResponse(settleCtx, scoped, fingerprint, saved, g.now().UTC(), g.ttl); err != nil {
		logger.Error("idempotency save failed", zap.Error(err))
		if err := g.store.Release(settleCtx, scoped, fingerprint); err != nil {
			logger.Warn("idempotency release failed", zap.Error(err))
		}
		httpx.WriteError(ctx, w, httpx.NewError("idempotency_store_error", "unable to persist idempotency state", http.StatusInternalServerError))
		return
	}
	buffered.flush(w)
}

func readBody(w http.ResponseWriter, r *http.Request, limit int64) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(data))
	return data, nil
}

func requesterOf(ctx context.Context) string {
	if identity, ok := auth.IdentityFromContext(ctx); ok && identity.UID != "" {
		return "user:" + identity.UID
	}
	if svc, ok := auth.ServiceIdentityFromContext(ctx); ok && svc.Subject != "" {
		return "service:" + svc.Subject
	}
	return "anonymous"
}

func scopedKey(key, requester string) string {
	return requester + "|" + strings.TrimSpace(key)
}

// fingerprintOf identifies the request a key was first used for. JSON bodies are
// compared after re-encoding, so key order and whitespace do not count as a change.
func fingerprintOf(r *http.Request, body []byte, requester string) string {
	h := strings.Join([]string{r.Method, r.URL.Path, requester, sha256Hex(canonicalBody(body))}, "\n")
	return sha256Hex([]byte(h))
}

func canonicalBody(body []byte) []byte {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil || dec.More() {
		return body
	}
	canonical, err := json.Marshal(v)
	if err != nil {
		return body
	}
	return canonical
}

func replay(w http.ResponseWriter, record Record) {
	for name, values := range headersFromRecord(record.ResponseHeaders) {
		w.Header()[name] = values
	}
	w.Header().Set(ReplayedHeader, "true")
	status := record.ResponseStatus
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(record.ResponseBody)
}

// bufferedResponse holds the handler's response until it has been stored.
type bufferedResponse struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func (b *bufferedResponse) Header() http.Header { return b.header }

func (b *bufferedResponse) WriteHeader(status int) {
	if b.status == 0 {
		b.status = status
	}
}

func (b *bufferedResponse) Write(p []byte) (int, error) {
	if b.status == 0 {
		b.status = http.StatusOK
	}
	return b.body.Write(p)
}

func (b *bufferedResponse) code() int {
	if b.status == 0 {
		return http.StatusOK
	}
	return b.status
}

func (b *bufferedResponse) flush(w http.ResponseWriter) {
	for name, values := range b.header {
		w.Header()[name] = values
	}
	w.WriteHeader(b.code())
	_, _ = w.Write(b.body.Bytes())
}
