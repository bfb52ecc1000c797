// Package firestore holds the shared Firestore client and the typed collection and
// transaction helpers the order and idempotency stores are built on.
package firestore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/hanko-field/orders/internal/platform/config"
)

const (
	dialTimeout       = 10 * time.Second
	defaultTxAttempts = 5
	txTimeout         = 15 * time.Second
)

var ErrProviderClosed = errors.New("firestore: provider is closed")

// Provider dials Firestore on first use and hands the same client to every store.
// A failed dial is retried by the next caller.
type Provider struct {
	projectID    string
	emulatorHost string

	mu     sync.Mutex
	client *firestore.Client
	closed bool
}

// NewProvider resolves the project and emulator from cfg, falling back to
// GOOGLE_CLOUD_PROJECT and FIRESTORE_EMULATOR_HOST.
func NewProvider(cfg config.FirestoreConfig) *Provider {
	return &Provider{
		projectID:    firstNonEmpty(cfg.ProjectID, os.Getenv("GOOGLE_CLOUD_PROJECT")),
		emulatorHost: firstNonEmpty(cfg.EmulatorHost, os.Getenv("FIRESTORE_EMULATOR_HOST")),
	}
}

func (p *Provider) Client(ctx context.Context) (*firestore.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case p.closed:
		return nil, ErrProviderClosed
	case p.client != nil:
		return p.client, nil
	case p.projectID == "":
		return nil, errors.New("firestore: project id is required")
	}

	var opts []option.ClientOption
	if p.emulatorHost != "" {
		opts = append(opts,
			option.WithoutAuthentication(),
			option.WithEndpoint(p.emulatorHost),
			option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		)
	}
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	client, err := firestore.NewClient(dialCtx, p.projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("firestore: create client: %w", err)
	}
	p.client = client
	return client, nil
}

func (p *Provider) Collection(ctx context.Context, name string) (*firestore.CollectionRef, error) {
	if name = strings.TrimSpace(name); name == "" {
		return nil, WrapError("collection", errors.New("firestore: collection name is required"))
	}
	client, err := p.Client(ctx)
	if err != nil {
		return nil, err
	}
	return client.Collection(name), nil
}

// Close releases the client; the Provider is unusable afterwards.
func (p *Provider) Close(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if p.client == nil {
		return nil
	}
	err := p.client.Close()
	p.client = nil
	return err
}

// TxFunc is a transaction body. Firestore reruns it on contention, so it must not touch
// anything outside tx.
type TxFunc func(ctx context.Context, tx *firestore.Transaction) error

type TxOption func(*int)

// WithTxAttempts caps how often a contended transaction is retried.
func WithTxAttempts(attempts int) TxOption {
	return func(n *int) {
		if attempts > 0 {
			*n = attempts
		}
	}
}

// RunTransaction runs fn under a txTimeout budget, or the caller's deadline when that is
// sooner. Errors fn tagged itself, such as ConflictError, keep their category.
func (p *Provider) RunTransaction(ctx context.Context, fn TxFunc, opts ...TxOption) error {
	client, err := p.Client(ctx)
	if err != nil {
		return err
	}
	attempts := defaultTxAttempts
	for _, opt := range opts {
		opt(&attempts)
	}
	ctx, cancel := context.WithTimeout(ctx, txTimeout)
	defer cancel()
	return WrapError("transaction", client.RunTransaction(ctx, fn, firestore.MaxAttempts(attempts)))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
