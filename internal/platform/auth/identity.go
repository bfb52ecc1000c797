package auth

import (
	"context"
	"strings"

	firebaseauth "firebase.google.com/go/v4/auth"
)

// Roles checked by the order endpoints. One account may hold several: a seller can
// also buy from other sellers.
const (
	RoleBuyer  = "buyer"
	RoleSeller = "seller"
	RoleStaff  = "staff"
)

// Identity is a signed-in buyer, seller or staff member.
type Identity struct {
	UID   string
	Email string
	Roles []string

	token *firebaseauth.Token
}

// Token returns the verified Firebase token the identity was built from.
func (i *Identity) Token() *firebaseauth.Token {
	if i == nil {
		return nil
	}
	return i.token
}

func (i *Identity) HasRole(role string) bool {
	if i == nil || strings.TrimSpace(role) == "" {
		return false
	}
	for _, held := range i.Roles {
		if strings.EqualFold(held, strings.TrimSpace(role)) {
			return true
		}
	}
	return false
}

// ServiceIdentity is a machine caller (Cloud Scheduler, a maintenance job) that
// presented a Google-signed OIDC token.
type ServiceIdentity struct {
	Subject  string
	Email    string
	Audience string
	Issuer   string
}

type (
	identityKey        struct{}
	serviceIdentityKey struct{}
)

func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, identity)
}

func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	identity, _ := ctx.Value(identityKey{}).(*Identity)
	return identity, identity != nil
}

func WithServiceIdentity(ctx context.Context, identity *ServiceIdentity) context.Context {
	return context.WithValue(ctx, serviceIdentityKey{}, identity)
}

func ServiceIdentityFromContext(ctx context.Context) (*ServiceIdentity, bool) {
	identity, _ := ctx.Value(serviceIdentityKey{}).(*ServiceIdentity)
	return identity, identity != nil
}
