package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"cloud.google.com/go/storage"

	"github.com/hanko-field/orders/internal/platform/auth"
)

const (
	defaultSignedURLExpiry = 5 * time.Minute
	maxSignedURLExpiry     = 15 * time.Minute
)

// ErrPermissionDenied is returned to anyone but staff: raw gateway traffic is never shown
// to buyers or sellers.
var ErrPermissionDenied = errors.New("storage: permission denied")

var (
	errNoSigner         = errors.New("storage: signer is required")
	errInvalidBucket    = errors.New("storage: bucket name is required")
	errInvalidObject    = errors.New("storage: object name is required")
	errMethodNotAllowed = errors.New("storage: HTTP method not allowed for download")
	errExpiryTooLong    = errors.New("storage: expiry exceeds permitted maximum")
)

// Client signs short-lived V4 download URLs for archived webhook payloads.
type Client struct {
	signer Signer
	now    func() time.Time
}

type ClientOption func(*Client)

func WithClock(now func() time.Time) ClientOption {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

func NewClient(signer Signer, opts ...ClientOption) (*Client, error) {
	if signer == nil || strings.TrimSpace(signer.Email()) == "" {
		return nil, errNoSigner
	}
	c := &Client{signer: signer, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// DownloadOptions describe one download URL. Method defaults to GET; ExpiresIn defaults
// to five minutes and may not exceed fifteen.
type DownloadOptions struct {
	Method       string
	ExpiresIn    time.Duration
	Disposition  string
	ResponseType string
	Identity     *auth.Identity
}

type SignedURLResult struct {
	URL       string
	Method    string
	ExpiresAt time.Time
}

// AuthorizeArchiveRead admits staff only.
func AuthorizeArchiveRead(identity *auth.Identity) error {
	if !identity.HasRole(auth.RoleStaff) {
		return ErrPermissionDenied
	}
	return nil
}

func (c *Client) SignedDownloadURL(ctx context.Context, bucket, object string, opts DownloadOptions) (SignedURLResult, error) {
	bucket, object = strings.TrimSpace(bucket), strings.TrimSpace(object)
	method := strings.ToUpper(strings.TrimSpace(opts.Method))
	if method == "" {
		method = http.MethodGet
	}
	expiry := opts.ExpiresIn
	if expiry <= 0 {
		expiry = defaultSignedURLExpiry
	}

	switch {
	case bucket == "":
		return SignedURLResult{}, errInvalidBucket
	case object == "":
		return SignedURLResult{}, errInvalidObject
	case method != http.MethodGet && method != http.MethodHead:
		return SignedURLResult{}, errMethodNotAllowed
	case expiry > maxSignedURLExpiry:
		return SignedURLResult{}, errExpiryTooLong
	}
	if err := AuthorizeArchiveRead(opts.Identity); err != nil {
		return SignedURLResult{}, err
	}

	overrides := url.Values{}
	if opts.Disposition != "" {
		overrides.Set("response-content-disposition", opts.Disposition)
	}
	if opts.ResponseType != "" {
		overrides.Set("response-content-type", opts.ResponseType)
	}

	expiresAt := c.now().Add(expiry)
	signed, err := storage.SignedURL(bucket, object, &storage.SignedURLOptions{
		GoogleAccessID:  c.signer.Email(),
		Scheme:          storage.SigningSchemeV4,
		Method:          method,
		Expires:         expiresAt,
		QueryParameters: overrides,
		SignBytes: func(payload []byte) ([]byte, error) {
			return c.signer.SignBytes(ctx, payload)
		},
	})
	if err != nil {
		return SignedURLResult{}, fmt.Errorf("storage: sign download url: %w", err)
	}
	return SignedURLResult{URL: signed, Method: method, ExpiresAt: expiresAt}, nil
}
