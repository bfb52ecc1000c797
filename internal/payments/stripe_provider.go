package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
)

// ProviderStripe is the provider name recorded on payment references created through Stripe.
const ProviderStripe = "stripe"

const defaultSessionLifetime = 30 * time.Minute

// StripeLogger defines the logging contract for Stripe provider operations.
type StripeLogger func(ctx context.Context, event string, fields map[string]any)

type stripeSessionAPI interface {
	New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

// StripeProviderConfig configures the StripeProvider.
type StripeProviderConfig struct {
	APIKey    string
	AccountID string
	Backends  *stripe.Backends
	Logger    StripeLogger
	Clock     func() time.Time
	Sessions  stripeSessionAPI
}

// StripeProvider creates Stripe Checkout sessions for orders.
type StripeProvider struct {
	sessions stripeSessionAPI
	account  string
	clock    func() time.Time
	logger   StripeLogger
}

var _ Provider = (*StripeProvider)(nil)

// NewStripeProvider constructs a Stripe Provider using the given configuration.
func NewStripeProvider(cfg StripeProviderConfig) (*StripeProvider, error) {
	sessions := cfg.Sessions
	if sessions == nil {
		apiKey := strings.TrimSpace(cfg.APIKey)
		if apiKey == "" {
			return nil, errors.New("stripe: api key is required")
		}
		sessions = client.New(apiKey, cfg.Backends).CheckoutSessions
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &StripeProvider{
		sessions: sessions,
		account:  strings.TrimSpace(cfg.AccountID),
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// Name implements Provider.
func (p *StripeProvider) Name() string { return ProviderStripe }

// CreatePayment creates a Checkout session with one line item for the order total. The idempotency
// key makes a retried request return the session created by the first one.
func (p *StripeProvider) CreatePayment(ctx context.Context, req PaymentRequest) (PaymentIntent, error) {
	if p == nil {
		return PaymentIntent{}, errors.New("stripe: provider is nil")
	}
	if req.Amount <= 0 {
		return PaymentIntent{}, fmt.Errorf("stripe: invalid amount %d", req.Amount)
	}

	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(req.ReturnURL),
		ClientReferenceID: stripe.String(req.OrderID),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			Quantity: stripe.Int64(1),
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(strings.ToLower(req.Currency)),
				UnitAmount: stripe.Int64(req.Amount),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(defaultString(req.Description, "Order "+req.OrderID)),
				},
			},
		}},
	}
	if req.CancelURL != "" {
		params.CancelURL = stripe.String(req.CancelURL)
	}
	params.Context = ctx
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if p.account != "" {
		params.SetStripeAccount(p.account)
	}
	if len(req.Metadata) > 0 {
		params.Metadata = copyMetadata(req.Metadata)
		params.PaymentIntentData = &stripe.CheckoutSessionPaymentIntentDataParams{
			Metadata: copyMetadata(req.Metadata),
		}
	}

	session, err := p.sessions.New(params)
	if err != nil {
		return PaymentIntent{}, fmt.Errorf("stripe: create checkout session: %w", err)
	}

	p.logger(ctx, "payments.stripe.session.created", map[string]any{
		"sessionId": session.ID,
		"orderId":   req.OrderID,
		"currency":  session.Currency,
	})

	expiresAt := p.clock().Add(defaultSessionLifetime)
	if session.ExpiresAt != 0 {
		expiresAt = time.Unix(session.ExpiresAt, 0).UTC()
	}
	amount := req.Amount
	if session.AmountTotal > 0 {
		amount = session.AmountTotal
	}

	return PaymentIntent{
		ID:          session.ID,
		Provider:    ProviderStripe,
		RedirectURL: session.URL,
		Amount:      amount,
		Currency:    strings.ToUpper(req.Currency),
		Status:      sessionStatus(session),
		ExpiresAt:   expiresAt,
	}, nil
}

func sessionStatus(session *stripe.CheckoutSession) Status {
	switch {
	case session.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid:
		return StatusSucceeded
	case session.Status == stripe.CheckoutSessionStatusExpired:
		return StatusCanceled
	default:
		return StatusPending
	}
}

func copyMetadata(src map[string]string) map[string]string {
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func defaultString(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return value
	}
	return fallback
}
