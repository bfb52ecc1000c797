package auth

import (
	"context"
	"errors"
	"fmt"

	firebase "firebase.google.com/go/v4"
	firebaseauth "firebase.google.com/go/v4/auth"
	"google.golang.org/api/option"

	"github.com/hanko-field/orders/internal/platform/config"
)

// firebaseTokenClient is the part of *firebaseauth.Client the verifier needs.
type firebaseTokenClient interface {
	VerifyIDToken(ctx context.Context, idToken string) (*firebaseauth.Token, error)
	VerifyIDTokenAndCheckRevoked(ctx context.Context, idToken string) (*firebaseauth.Token, error)
}

// FirebaseVerifier checks buyer and seller ID tokens with the Firebase Admin SDK and
// folds SDK failures into ErrTokenExpired, ErrTokenInvalid and ErrTokenRevoked.
// With revocation checks on, a token revoked after a password reset or an account
// disable is refused before it can create, pay for or act on an order; each check
// costs one call to the Auth backend.
type FirebaseVerifier struct {
	client       firebaseTokenClient
	checkRevoked bool
}

type FirebaseOption func(*FirebaseVerifier)

// WithRevocationCheck makes every verification consult the Auth backend for revoked
// sessions and disabled accounts.
func WithRevocationCheck(enabled bool) FirebaseOption {
	return func(v *FirebaseVerifier) {
		v.checkRevoked = enabled
	}
}

// NewFirebaseVerifier builds a verifier for cfg.ProjectID.
func NewFirebaseVerifier(ctx context.Context, cfg config.FirebaseConfig, opts ...FirebaseOption) (*FirebaseVerifier, error) {
	if cfg.ProjectID == "" {
		return nil, errors.New("firebase project id is required")
	}

	var clientOpts []option.ClientOption
	if cfg.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: cfg.ProjectID}, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("initialise firebase app: %w", err)
	}
	client, err := app.Auth(ctx)
	if err != nil {
		return nil, fmt.Errorf("initialise firebase auth client: %w", err)
	}

	opts = append([]FirebaseOption{WithRevocationCheck(cfg.CheckRevoked)}, opts...)
	return newFirebaseVerifier(client, opts...), nil
}

func newFirebaseVerifier(client firebaseTokenClient, opts ...FirebaseOption) *FirebaseVerifier {
	v := &FirebaseVerifier{client: client}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v
}

// VerifyIDToken implements TokenVerifier. Deadlines come from the caller; the
// Authenticator bounds each verification.
func (v *FirebaseVerifier) VerifyIDToken(ctx context.Context, idToken string) (*firebaseauth.Token, error) {
	if v == nil || v.client == nil {
		return nil, errors.New("firebase verifier not initialised")
	}

	verify := v.client.VerifyIDToken
	if v.checkRevoked {
		verify = v.client.VerifyIDTokenAndCheckRevoked
	}
	token, err := verify(ctx, idToken)
	switch {
	case err == nil:
		return token, nil
	case firebaseauth.IsIDTokenRevoked(err), firebaseauth.IsUserDisabled(err):
		return nil, fmt.Errorf("%w: %w", ErrTokenRevoked, err)
	case firebaseauth.IsIDTokenExpired(err):
		return nil, fmt.Errorf("%w: %w", ErrTokenExpired, err)
	case firebaseauth.IsIDTokenInvalid(err):
		return nil, fmt.Errorf("%w: %w", ErrTokenInvalid, err)
	default:
		return nil, err
	}
}
