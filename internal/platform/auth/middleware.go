package auth

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strings"
	"time"

	firebaseauth "firebase.google.com/go/v4/auth"

	"github.com/hanko-field/orders/internal/platform/httpx"
)

const (
	roleClaim     = "roles"
	verifyTimeout = 5 * time.Second
)

var (
	ErrTokenExpired = errors.New("auth: firebase id token expired")
	ErrTokenInvalid = errors.New("auth: firebase id token invalid")
	// ErrTokenRevoked covers revoked sessions and disabled accounts.
	ErrTokenRevoked = errors.New("auth: firebase id token revoked")
)

// TokenVerifier verifies Firebase ID tokens. FirebaseVerifier is the production implementation.
type TokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*firebaseauth.Token, error)
}

// Authenticator guards buyer, seller and staff routes with Firebase ID tokens. Roles come
// from the "roles" custom claim; an account without one is a buyer.
type Authenticator struct {
	verifier TokenVerifier
}

func NewAuthenticator(verifier TokenVerifier) *Authenticator {
	return &Authenticator{verifier: verifier}
}

// rejection is a refused request: the response sent and, where metrics are kept, the reason.
type rejection struct {
	status  int
	code    string
	reason  string
	message string
}

func (rej *rejection) write(ctx context.Context, w http.ResponseWriter) {
	httpx.WriteError(ctx, w, httpx.NewError(rej.code, rej.message, rej.status))
}

// RequireFirebaseAuth admits a request whose bearer token verifies and whose identity
// holds one of roles. With no roles any signed-in identity passes.
func (a *Authenticator) RequireFirebaseAuth(roles ...string) func(http.Handler) http.Handler {
	var required []string
	for _, role := range roles {
		if role = normaliseRole(role); role != "" {
			required = append(required, role)
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, rej := a.authenticate(r)
			if rej == nil && len(required) > 0 && !slices.ContainsFunc(required, identity.HasRole) {
				rej = &rejection{status: http.StatusForbidden, code: "insufficient_role", message: "identity does not have required role"}
			}
			if rej != nil {
				rej.write(r.Context(), w)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
		})
	}
}

func (a *Authenticator) authenticate(r *http.Request) (*Identity, *rejection) {
	raw, ok := extractBearerToken(r.Header.Get("Authorization"))
	if !ok {
		return nil, &rejection{status: http.StatusUnauthorized, code: "unauthenticated", message: "authorization header missing or invalid"}
	}
	if a == nil || a.verifier == nil {
		return nil, &rejection{status: http.StatusUnauthorized, code: "unauthenticated", message: "authorization service unavailable"}
	}

	ctx, cancel := context.WithTimeout(r.Context(), verifyTimeout)
	defer cancel()
	token, err := a.verifier.VerifyIDToken(ctx, raw)
	if err != nil {
		return nil, verificationRejection(err)
	}

	email, _ := token.Claims["email"].(string)
	identity := &Identity{
		UID:   token.UID,
		Email: strings.TrimSpace(email),
		Roles: rolesFromClaims(token.Claims, roleClaim),
		token: token,
	}
	if len(identity.Roles) == 0 {
		identity.Roles = []string{RoleBuyer}
	}
	return identity, nil
}

func verificationRejection(err error) *rejection {
	rej := &rejection{status: http.StatusUnauthorized, code: "invalid_token", message: "firebase id token verification failed"}
	switch {
	case errors.Is(err, ErrTokenRevoked):
		rej.code, rej.message = "token_revoked", "firebase session revoked, sign in again"
	case errors.Is(err, ErrTokenExpired), firebaseauth.IsIDTokenExpired(err):
		rej.code, rej.message = "token_expired", "firebase id token expired"
	case errors.Is(err, ErrTokenInvalid), firebaseauth.IsIDTokenInvalid(err):
		rej.message = "firebase id token invalid"
	}
	return rej
}

// rolesFromClaims reads a role claim written as a string, a list, or a map of flags
// ({"seller": true}). Roles are lower-cased and deduplicated.
func rolesFromClaims(claims map[string]any, key string) []string {
	var raw []string
	switch v := claims[key].(type) {
	case string:
		raw = []string{v}
	case []string:
		raw = v
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				raw = append(raw, s)
			}
		}
	case map[string]any:
		for name, flag := range v {
			if enabled, _ := flag.(bool); enabled {
				raw = append(raw, name)
			}
		}
	}

	var roles []string
	for _, role := range raw {
		if role = normaliseRole(role); role != "" && !slices.Contains(roles, role) {
			roles = append(roles, role)
		}
	}
	return roles
}

func normaliseRole(role string) string {
	return strings.ToLower(strings.TrimSpace(role))
}

func extractBearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
