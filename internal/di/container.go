package di

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"
	gcs "cloud.google.com/go/storage"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/hanko-field/orders/internal/payments"
	"github.com/hanko-field/orders/internal/platform/config"
	pfirestore "github.com/hanko-field/orders/internal/platform/firestore"
	"github.com/hanko-field/orders/internal/platform/idempotency"
	"github.com/hanko-field/orders/internal/platform/jobs"
	"github.com/hanko-field/orders/internal/platform/observability"
	ppostgres "github.com/hanko-field/orders/internal/platform/postgres"
	"github.com/hanko-field/orders/internal/platform/storage"
	"github.com/hanko-field/orders/internal/repositories"
	firestoreRepo "github.com/hanko-field/orders/internal/repositories/firestore"
	"github.com/hanko-field/orders/internal/repositories/memory"
	postgresRepo "github.com/hanko-field/orders/internal/repositories/postgres"
	"github.com/hanko-field/orders/internal/services"
)

const (
	idempotencyCollection = "idempotency_keys"
	ledgerCollection      = "processed_events"
)

// Services bundles the service-layer contracts that handlers rely upon.
type Services struct {
	Orders   services.OrderService
	Webhooks services.WebhookService
}

// Container wires repositories, services, and background infrastructure for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	// Idempotency backs the Idempotency-Key middleware on order creation.
	Idempotency idempotency.Store
	Ledger      *idempotency.Ledger
	Services    Services

	ledgerStore idempotency.Store

	// Firestore and Postgres are set only for the matching store driver.
	Firestore *pfirestore.Provider
	Postgres  *gorm.DB

	closers []func(context.Context) error
}

// Option customises container construction.
type Option func(*options)

type options struct {
	logger   *zap.Logger
	gateway  services.PaymentGateway
	events   services.OrderEventPublisher
	archiver services.WebhookArchiver
	products *memory.ProductRepository
	clock    func() time.Time
}

// WithLogger sets the base logger used for service event logs.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithPaymentGateway replaces the Stripe-backed payment manager.
func WithPaymentGateway(gateway services.PaymentGateway) Option {
	return func(o *options) {
		o.gateway = gateway
	}
}

// WithEventPublisher replaces the Pub/Sub order event publisher.
func WithEventPublisher(events services.OrderEventPublisher) Option {
	return func(o *options) {
		o.events = events
	}
}

// WithWebhookArchiver replaces the Cloud Storage webhook archiver.
func WithWebhookArchiver(archiver services.WebhookArchiver) Option {
	return func(o *options) {
		o.archiver = archiver
	}
}

// WithMemoryProducts seeds the catalog used by the memory store driver.
func WithMemoryProducts(products *memory.ProductRepository) Option {
	return func(o *options) {
		o.products = products
	}
}

// WithClock overrides the clock shared by the services and the ledger.
func WithClock(clock func() time.Time) Option {
	return func(o *options) {
		o.clock = clock
	}
}

// NewContainer constructs the runtime dependencies for the configured store driver.
func NewContainer(ctx context.Context, cfg config.Config, opts ...Option) (*Container, error) {
	o := options{clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}

	c := &Container{Config: cfg}
	if err := c.buildStores(ctx, cfg, o); err != nil {
		_ = c.Close(context.Background())
		return nil, err
	}

	ledger, err := idempotency.NewLedger(c.ledgerStore,
		idempotency.WithLedgerLockTTL(cfg.Webhooks.LedgerLockTTL),
		idempotency.WithLedgerRetention(cfg.Webhooks.LedgerRetention),
		idempotency.WithLedgerClock(o.clock),
	)
	if err != nil {
		_ = c.Close(context.Background())
		return nil, fmt.Errorf("build webhook ledger: %w", err)
	}
	c.Ledger = ledger

	svc, err := c.buildServices(ctx, cfg, o)
	if err != nil {
		_ = c.Close(context.Background())
		return nil, err
	}
	c.Services = svc
	return c, nil
}

// Close releases resources such as repository clients and publishers, newest first.
func (c *Container) Close(ctx context.Context) error {
	if c == nil {
		return nil
	}
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}

func (c *Container) onClose(fn func(context.Context) error) {
	c.closers = append(c.closers, fn)
}

func (c *Container) buildStores(ctx context.Context, cfg config.Config, o options) error {
	switch cfg.Store.Driver {
	case config.StoreDriverMemory:
		products := o.products
		if products == nil {
			products = memory.NewProductRepository()
		}
		c.Repositories = memory.NewRegistry(products)
		c.Idempotency = idempotency.NewMemoryStore()
		c.ledgerStore = idempotency.NewMemoryStore()
		return nil

	case config.StoreDriverFirestore:
		provider := pfirestore.NewProvider(cfg.Firestore)
		if _, err := provider.Client(ctx); err != nil {
			return fmt.Errorf("initialise firestore client: %w", err)
		}
		c.Firestore = provider
		reg, err := firestoreRepo.NewRegistry(provider)
		if err != nil {
			_ = provider.Close(ctx)
			return err
		}
		c.Repositories = reg
		c.onClose(reg.Close)

		keys, err := idempotency.NewFirestoreStore(provider, idempotencyCollection)
		if err != nil {
			return fmt.Errorf("build idempotency store: %w", err)
		}
		events, err := idempotency.NewFirestoreStore(provider, ledgerCollection)
		if err != nil {
			return fmt.Errorf("build ledger store: %w", err)
		}
		c.Idempotency = keys
		c.ledgerStore = events
		return nil

	case config.StoreDriverPostgres:
		db, err := ppostgres.Connect(ctx, cfg.Postgres)
		if err != nil {
			return err
		}
		reg, err := postgresRepo.NewRegistry(db)
		if err != nil {
			_ = ppostgres.Close(db)
			return err
		}
		c.Postgres = db
		c.Repositories = reg
		c.onClose(reg.Close)
		// Ledger keys carry their own prefix, so both share the idempotency table.
		store, err := idempotency.NewPostgresStore(db)
		if err != nil {
			return fmt.Errorf("build idempotency store: %w", err)
		}
		c.Idempotency = store
		c.ledgerStore = store
		return nil

	default:
		return fmt.Errorf("unsupported store driver %q", cfg.Store.Driver)
	}
}

func (c *Container) buildServices(ctx context.Context, cfg config.Config, o options) (Services, error) {
	gateway := o.gateway
	if gateway == nil {
		manager, err := newPaymentManager(cfg, o.logger.Named("payments"), o.clock)
		if err != nil {
			return Services{}, fmt.Errorf("build payment manager: %w", err)
		}
		gateway = manager
	}

	events := o.events
	if events == nil && strings.TrimSpace(cfg.PubSub.OrderEventsTopic) != "" {
		publisher, err := c.newPubSubPublisher(ctx, cfg.PubSub)
		if err != nil {
			return Services{}, err
		}
		events = publisher
	}

	archiver := o.archiver
	if archiver == nil && strings.TrimSpace(cfg.Storage.WebhookArchiveBucket) != "" {
		client, err := gcs.NewClient(ctx)
		if err != nil {
			return Services{}, fmt.Errorf("initialise storage client: %w", err)
		}
		c.onClose(func(context.Context) error { return client.Close() })
		storeArchiver, err := storage.NewWebhookArchiver(client, cfg.Storage.WebhookArchiveBucket)
		if err != nil {
			return Services{}, fmt.Errorf("build webhook archiver: %w", err)
		}
		archiver = storeArchiver
	}

	orderSvc, err := services.NewOrderService(services.OrderServiceDeps{
		Orders:          c.Repositories.Orders(),
		Products:        c.Repositories.Products(),
		Gateway:         gateway,
		Events:          events,
		Clock:           o.clock,
		Logger:          observability.EventLogger(o.logger.Named("orders")),
		DefaultCurrency: cfg.PSP.DefaultCurrency,
		ReturnURL:       cfg.PSP.ReturnURL,
		CancelURL:       cfg.PSP.CancelURL,
		GatewayTimeout:  cfg.PSP.Timeout,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build order service: %w", err)
	}

	webhookSvc, err := services.NewWebhookService(services.WebhookServiceDeps{
		Orders:   orderSvc,
		Ledger:   c.Ledger,
		Archiver: archiver,
		Clock:    o.clock,
		Logger:   observability.EventLogger(o.logger.Named("webhooks")),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build webhook service: %w", err)
	}

	return Services{Orders: orderSvc, Webhooks: webhookSvc}, nil
}

func (c *Container) newPubSubPublisher(ctx context.Context, cfg config.PubSubConfig) (*jobs.PubSubOrderEventPublisher, error) {
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("initialise pubsub client: %w", err)
	}
	topic := client.Topic(cfg.OrderEventsTopic)
	c.onClose(func(context.Context) error {
		topic.Stop()
		return client.Close()
	})
	publisher, err := jobs.NewPubSubOrderEventPublisher(topic)
	if err != nil {
		return nil, fmt.Errorf("build order event publisher: %w", err)
	}
	return publisher, nil
}

func newPaymentManager(cfg config.Config, logger *zap.Logger, clock func() time.Time) (*payments.Manager, error) {
	if strings.TrimSpace(cfg.PSP.StripeAPIKey) == "" {
		return nil, errors.New("stripe api key is required")
	}
	stripeProvider, err := payments.NewStripeProvider(payments.StripeProviderConfig{
		APIKey: cfg.PSP.StripeAPIKey,
		Logger: observability.EventLogger(logger),
		Clock:  clock,
	})
	if err != nil {
		return nil, err
	}
	opts := []payments.ManagerOption{payments.WithCurrencyRoutes(cfg.PSP.CurrencyRoutes)}
	if provider := strings.TrimSpace(cfg.PSP.Provider); provider != "" {
		opts = append(opts, payments.WithDefaultProvider(provider))
	}
	return payments.NewManager([]payments.Provider{stripeProvider}, opts...)
}
