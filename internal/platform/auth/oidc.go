package auth

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	jwt "github.com/golang-jwt/jwt/v4"
	"golang.org/x/sync/singleflight"
)

var (
	ErrJWKSKeyNotFound = errors.New("auth: jwks key not found")
	// ErrJWKSFetchFailed marks transport and decoding failures; callers answer 503 rather than 401.
	ErrJWKSFetchFailed = errors.New("auth: jwks fetch failed")
)

// Logger is the printf contract shared by the auth middlewares. zap.NewStdLog satisfies it.
type Logger interface {
	Printf(format string, args ...any)
}

// MetricsRecorder records verification outcomes for observability.
type MetricsRecorder interface {
	RecordVerification(ctx context.Context, kind string, success bool, reason string, duration time.Duration)
}

const (
	defaultJWKSTTL    = 15 * time.Minute
	jwksFetchTimeout  = 5 * time.Second
	jwksMissCooldown  = 30 * time.Second
	jwksRefreshFlight = "jwks"
)

// JWKSCache holds the RSA signing keys Google publishes for its OIDC tokens.
// Concurrent refreshes share one fetch. A token naming an unknown key ID forces a
// refresh at most once per cooldown, so forged key IDs cannot hammer the endpoint.
// When a refresh fails, keys from the previous document keep verifying.
type JWKSCache struct {
	url    string
	client *http.Client
	logger Logger
	now    func() time.Time

	flight singleflight.Group

	mu        sync.RWMutex
	keys      map[string]*rsa.PublicKey
	fetchedAt time.Time
	expiry    time.Time
}

type JWKSOption func(*JWKSCache)

func NewJWKSCache(url string, opts ...JWKSOption) *JWKSCache {
	cache := &JWKSCache{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: log.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(cache)
		}
	}
	return cache
}

func WithJWKSLogger(logger Logger) JWKSOption {
	return func(c *JWKSCache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithJWKSClock(now func() time.Time) JWKSOption {
	return func(c *JWKSCache) {
		if now != nil {
			c.now = now
		}
	}
}

// Key returns the public key for kid as an *rsa.PublicKey.
func (c *JWKSCache) Key(ctx context.Context, kid string) (any, error) {
	now := c.now()
	c.mu.RLock()
	key, known := c.keys[kid]
	fresh := len(c.keys) > 0 && now.Before(c.expiry)
	cooling := now.Sub(c.fetchedAt) < jwksMissCooldown
	c.mu.RUnlock()

	switch {
	case known && fresh:
		return key, nil
	case !known && fresh && cooling:
		return nil, fmt.Errorf("%w: %s", ErrJWKSKeyNotFound, kid)
	}

	if err := c.refresh(ctx); err != nil {
		if known {
			c.logger.Printf("auth: jwks refresh failed, serving cached key %s: %v", kid, err)
			return key, nil
		}
		return nil, err
	}

	c.mu.RLock()
	key, known = c.keys[kid]
	c.mu.RUnlock()
	if !known {
		return nil, fmt.Errorf("%w: %s", ErrJWKSKeyNotFound, kid)
	}
	return key, nil
}

// refresh joins any fetch already in flight. The fetch itself is detached from
// ctx so a caller giving up does not fail the others waiting on it.
func (c *JWKSCache) refresh(ctx context.Context) error {
	ch := c.flight.DoChan(jwksRefreshFlight, func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), jwksFetchTimeout)
		defer cancel()
		return nil, c.fetch(fetchCtx)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrJWKSFetchFailed, ctx.Err())
	}
}

func (c *JWKSCache) fetch(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrJWKSFetchFailed, err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrJWKSFetchFailed, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d", ErrJWKSFetchFailed, resp.StatusCode)
	}

	var set jose.JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return fmt.Errorf("%w: decode: %w", ErrJWKSFetchFailed, err)
	}
	keys := make(map[string]*rsa.PublicKey, len(set.Keys))
	for _, jwk := range set.Keys {
		if jwk.KeyID == "" || (jwk.Use != "" && jwk.Use != "sig") {
			continue
		}
		if pub, ok := jwk.Key.(*rsa.PublicKey); ok {
			keys[jwk.KeyID] = pub
		}
	}
	if len(keys) == 0 {
		return fmt.Errorf("%w: no rsa signing keys", ErrJWKSFetchFailed)
	}

	ttl := cacheTTL(resp.Header.Get("Cache-Control"))
	now := c.now()
	c.mu.Lock()
	c.keys = keys
	c.fetchedAt = now
	c.expiry = now.Add(ttl)
	c.mu.Unlock()

	c.logger.Printf("auth: jwks refreshed (%d keys, ttl %s)", len(keys), ttl)
	return nil
}

// cacheTTL honours the max-age Google sends with its certs and falls back to
// defaultJWKSTTL.
func cacheTTL(cacheControl string) time.Duration {
	for directive := range strings.SplitSeq(cacheControl, ",") {
		name, value, ok := strings.Cut(strings.TrimSpace(directive), "=")
		if !ok || !strings.EqualFold(name, "max-age") {
			continue
		}
		if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
	}
	return defaultJWKSTTL
}

// OIDCValidator guards the internal maintenance routes. Cloud Scheduler and other
// internal callers present Google-signed ID tokens; optionally only listed service
// account emails may invoke.
type OIDCValidator struct {
	cache    *JWKSCache
	logger   Logger
	metrics  MetricsRecorder
	now      func() time.Time
	invokers map[string]struct{}
}

type OIDCOption func(*OIDCValidator)

func NewOIDCValidator(cache *JWKSCache, opts ...OIDCOption) *OIDCValidator {
	validator := &OIDCValidator{
		cache:  cache,
		logger: log.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(validator)
		}
	}
	return validator
}

func WithOIDCLogger(logger Logger) OIDCOption {
	return func(v *OIDCValidator) {
		if logger != nil {
			v.logger = logger
		}
	}
}

func WithOIDCMetrics(recorder MetricsRecorder) OIDCOption {
	return func(v *OIDCValidator) {
		v.metrics = recorder
	}
}

func WithOIDCClock(now func() time.Time) OIDCOption {
	return func(v *OIDCValidator) {
		if now != nil {
			v.now = now
		}
	}
}

// WithOIDCInvokers restricts callers to the given verified service account emails.
// An empty list admits any token that passes issuer and audience checks.
func WithOIDCInvokers(emails ...string) OIDCOption {
	return func(v *OIDCValidator) {
		for _, email := range emails {
			if email = strings.ToLower(strings.TrimSpace(email)); email != "" {
				if v.invokers == nil {
					v.invokers = make(map[string]struct{}, len(emails))
				}
				v.invokers[email] = struct{}{}
			}
		}
	}
}

// RequireOIDC admits requests carrying a valid RS256 token for audience from one of issuers.
func (v *OIDCValidator) RequireOIDC(audience string, issuers []string) func(http.Handler) http.Handler {
	audience = strings.TrimSpace(audience)
	allowed := make(map[string]struct{}, len(issuers))
	for _, issuer := range issuers {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			allowed[issuer] = struct{}{}
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := v.now()
			ctx := r.Context()

			identity, rej := v.verify(ctx, r.Header.Get("Authorization"), audience, allowed)
			if rej != nil {
				v.record(ctx, false, rej.reason, start)
				rej.write(ctx, w)
				return
			}
			v.record(ctx, true, "ok", start)
			next.ServeHTTP(w, r.WithContext(WithServiceIdentity(ctx, identity)))
		})
	}
}

func (v *OIDCValidator) verify(ctx context.Context, header, audience string, issuers map[string]struct{}) (*ServiceIdentity, *rejection) {
	if audience == "" || v.cache == nil {
		return nil, &rejection{http.StatusServiceUnavailable, "verification_unavailable", "not_configured", "oidc verification not configured"}
	}
	raw, ok := extractBearerToken(header)
	if !ok {
		return nil, &rejection{http.StatusUnauthorized, "unauthenticated", "token_missing", "oidc token missing"}
	}

	claims := jwt.MapClaims{}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}))
	_, err := parser.ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("token missing kid header")
		}
		return v.cache.Key(ctx, kid)
	})
	if err != nil {
		if errors.Is(err, ErrJWKSFetchFailed) {
			v.logger.Printf("auth: oidc keys unavailable: %v", err)
			return nil, &rejection{http.StatusServiceUnavailable, "invalid_token", "jwks_unavailable", "oidc token verification failed"}
		}
		v.logger.Printf("auth: oidc token rejected: %v", err)
		return nil, &rejection{http.StatusUnauthorized, "invalid_token", "token_invalid", "oidc token verification failed"}
	}

	issuer, _ := claims["iss"].(string)
	if _, ok := issuers[issuer]; len(issuers) > 0 && !ok {
		return nil, &rejection{http.StatusUnauthorized, "invalid_token", "issuer_mismatch", "oidc issuer mismatch"}
	}
	if !claims.VerifyAudience(audience, true) {
		return nil, &rejection{http.StatusUnauthorized, "invalid_token", "audience_mismatch", "oidc audience mismatch"}
	}

	subject, _ := claims["sub"].(string)
	email, _ := claims["email"].(string)
	if len(v.invokers) > 0 {
		verified, _ := claims["email_verified"].(bool)
		if _, listed := v.invokers[strings.ToLower(email)]; !verified || !listed {
			return nil, &rejection{http.StatusForbidden, "invoker_not_allowed", "invoker_not_allowed", "caller may not invoke internal routes"}
		}
	}
	return &ServiceIdentity{Subject: subject, Email: email, Issuer: issuer, Audience: audience}, nil
}

func (v *OIDCValidator) record(ctx context.Context, success bool, reason string, start time.Time) {
	if v.metrics == nil {
		return
	}
	v.metrics.RecordVerification(ctx, "oidc", success, reason, v.now().Sub(start))
}
