package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status enumerates the normalised payment states shared across providers.
type Status string

const (
	// StatusPending indicates the payment is awaiting customer action.
	StatusPending Status = "pending"
	// StatusSucceeded indicates the gateway captured the payment.
	StatusSucceeded Status = "succeeded"
	// StatusCanceled indicates the payment was canceled or expired.
	StatusCanceled Status = "canceled"
)

// ErrUnsupportedProvider is returned when the manager cannot locate a provider.
var ErrUnsupportedProvider = errors.New("payments: unsupported provider")

// PaymentRequest captures what a provider needs to create a payment for one order.
type PaymentRequest struct {
	OrderID     string
	UserID      string
	Amount      int64
	Currency    string
	Description string
	ReturnURL   string
	CancelURL   string
	Metadata    map[string]string
	// IdempotencyKey is forwarded to the gateway so retries converge on one payment. It is the order id.
	IdempotencyKey string
}

// PaymentIntent is the gateway payment returned to the buyer.
type PaymentIntent struct {
	ID          string
	Provider    string
	RedirectURL string
	Amount      int64
	Currency    string
	Status      Status
	ExpiresAt   time.Time
}

// Provider defines the contract for gateway adapters.
type Provider interface {
	Name() string
	CreatePayment(ctx context.Context, req PaymentRequest) (PaymentIntent, error)
}

// Manager routes payment creation to a provider by currency.
type Manager struct {
	providers       map[string]Provider
	defaultProvider string
	currencyRoutes  map[string]string
}

// ManagerOption configures optional behaviour when building a Manager.
type ManagerOption func(*Manager)

// WithDefaultProvider overrides the provider used for currencies without explicit routing.
func WithDefaultProvider(provider string) ManagerOption {
	return func(m *Manager) {
		m.defaultProvider = strings.ToLower(strings.TrimSpace(provider))
	}
}

// WithCurrencyRoutes configures static currency to provider mappings. Config loading lowercases
// map keys, so currencies are normalised here.
func WithCurrencyRoutes(routes map[string]string) ManagerOption {
	return func(m *Manager) {
		if len(routes) == 0 {
			return
		}
		if m.currencyRoutes == nil {
			m.currencyRoutes = make(map[string]string, len(routes))
		}
		for k, v := range routes {
			m.currencyRoutes[strings.ToUpper(strings.TrimSpace(k))] = strings.ToLower(strings.TrimSpace(v))
		}
	}
}

// NewManager constructs a Manager over the supplied providers, keyed by Provider.Name.
func NewManager(providers []Provider, opts ...ManagerOption) (*Manager, error) {
	if len(providers) == 0 {
		return nil, errors.New("payments: at least one provider is required")
	}
	registered := make(map[string]Provider, len(providers))
	for _, p := range providers {
		if p == nil {
			return nil, errors.New("payments: nil provider registration")
		}
		key := strings.ToLower(strings.TrimSpace(p.Name()))
		if key == "" {
			return nil, errors.New("payments: provider name is required")
		}
		if _, dup := registered[key]; dup {
			return nil, fmt.Errorf("payments: provider %q registered twice", key)
		}
		registered[key] = p
	}
	m := &Manager{providers: registered}
	if _, ok := registered[ProviderStripe]; ok {
		m.defaultProvider = ProviderStripe
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Resolve returns the provider serving currency.
func (m *Manager) Resolve(currency string) (Provider, error) {
	if m == nil || len(m.providers) == 0 {
		return nil, errors.New("payments: no providers registered")
	}
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if key, ok := m.currencyRoutes[currency]; ok {
		if p, ok := m.providers[key]; ok {
			return p, nil
		}
		return nil, fmt.Errorf("%w: %s routed to %q", ErrUnsupportedProvider, currency, key)
	}
	if p, ok := m.providers[m.defaultProvider]; ok {
		return p, nil
	}
	if len(m.providers) == 1 {
		for _, p := range m.providers {
			return p, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedProvider, currency)
}

// CreatePayment delegates to the provider routed for the request currency.
func (m *Manager) CreatePayment(ctx context.Context, req PaymentRequest) (PaymentIntent, error) {
	provider, err := m.Resolve(req.Currency)
	if err != nil {
		return PaymentIntent{}, err
	}
	intent, err := provider.CreatePayment(ctx, req)
	if err != nil {
		return PaymentIntent{}, err
	}
	if intent.Provider == "" {
		intent.Provider = provider.Name()
	}
	return intent, nil
}
