package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hanko-field/orders/internal/domain"
	"github.com/hanko-field/orders/internal/payments"
	"github.com/hanko-field/orders/internal/platform/httpx"
	"github.com/hanko-field/orders/internal/platform/requestctx"
	"github.com/hanko-field/orders/internal/services"
)

const (
	defaultWebhookMaxBody  = 256 << 10
	defaultStripeTolerance = 5 * time.Minute
	stripeSignatureHeader  = "Stripe-Signature"
	webhookRetryAfter      = 5 * time.Second
)

type webhookAckResponse struct {
	Status  string `json:"status"`
	EventID string `json:"eventId,omitempty"`
	Outcome string `json:"outcome,omitempty"`
}

// WebhookHandlers receives payment gateway notifications.
type WebhookHandlers struct {
	webhooks        services.WebhookService
	gatewayAuth     func(http.Handler) http.Handler
	stripeSecret    string
	stripeTolerance time.Duration
	maxBody         int64
	clock           func() time.Time
}

// WebhookHandlerOption customises WebhookHandlers.
type WebhookHandlerOption func(*WebhookHandlers)

// WithGatewaySignature sets the middleware that authenticates the generic gateway endpoint.
func WithGatewaySignature(mw func(http.Handler) http.Handler) WebhookHandlerOption {
	return func(h *WebhookHandlers) {
		h.gatewayAuth = mw
	}
}

// WithStripeWebhookSecret enables the Stripe endpoint.
func WithStripeWebhookSecret(secret string, tolerance time.Duration) WebhookHandlerOption {
	return func(h *WebhookHandlers) {
		h.stripeSecret = strings.TrimSpace(secret)
		if tolerance > 0 {
			h.stripeTolerance = tolerance
		}
	}
}

// WithWebhookMaxBody caps notification payload size.
func WithWebhookMaxBody(n int64) WebhookHandlerOption {
	return func(h *WebhookHandlers) {
		if n > 0 {
			h.maxBody = n
		}
	}
}

// WithWebhookClock injects a clock for tests.
func WithWebhookClock(clock func() time.Time) WebhookHandlerOption {
	return func(h *WebhookHandlers) {
		if clock != nil {
			h.clock = clock
		}
	}
}

// NewWebhookHandlers constructs webhook handlers.
func NewWebhookHandlers(webhooks services.WebhookService, opts ...WebhookHandlerOption) *WebhookHandlers {
	h := &WebhookHandlers{
		webhooks:        webhooks,
		stripeTolerance: defaultStripeTolerance,
		maxBody:         defaultWebhookMaxBody,
		clock:           time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the /webhooks endpoints.
func (h *WebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	gateway := http.Handler(http.HandlerFunc(h.gatewayEvent))
	if h.gatewayAuth != nil {
		gateway = h.gatewayAuth(gateway)
	} else {
		// An unauthenticated gateway endpoint would let anyone mark orders paid.
		gateway = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			httpx.WriteError(r.Context(), w, httpx.NewError("webhook_unconfigured", "gateway signature verification not configured", http.StatusServiceUnavailable))
		})
	}
	r.Method(http.MethodPost, "/payments/gateway", gateway)
	r.Post("/payments/stripe", h.stripeEvent)
}

func (h *WebhookHandlers) gatewayEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	body, ok := h.readBody(w, r)
	if !ok {
		return
	}
	event, err := payments.ParseGatewayEvent(body, h.clock())
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_event", err.Error(), http.StatusBadRequest))
		return
	}
	h.ingest(ctx, w, event)
}

func (h *WebhookHandlers) stripeEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.stripeSecret == "" {
		httpx.WriteError(ctx, w, httpx.NewError("webhook_unconfigured", "stripe webhook secret not configured", http.StatusServiceUnavailable))
		return
	}
	body, ok := h.readBody(w, r)
	if !ok {
		return
	}
	event, err := payments.ParseStripeEvent(body, r.Header.Get(stripeSignatureHeader), h.stripeSecret, h.stripeTolerance, h.clock())
	if err != nil {
		if errors.Is(err, payments.ErrUnauthenticatedEvent) {
			httpx.WriteError(ctx, w, httpx.NewError("signature_invalid", "signature verification failed", http.StatusUnauthorized))
			return
		}
		httpx.WriteError(ctx, w, httpx.NewError("invalid_event", err.Error(), http.StatusBadRequest))
		return
	}
	h.ingest(ctx, w, event)
}

func (h *WebhookHandlers) ingest(ctx context.Context, w http.ResponseWriter, event domain.GatewayEvent) {
	if h.webhooks == nil {
		httpx.WriteError(ctx, w, httpx.NewError("webhook_unavailable", "webhook service unavailable", http.StatusServiceUnavailable))
		return
	}
	if event.OrderID != "" {
		ctx = requestctx.WithOrderID(ctx, event.OrderID)
	}

	result, err := h.webhooks.Ingest(ctx, event)
	switch {
	case err == nil:
		writeJSONResponse(w, http.StatusOK, webhookAckResponse{
			Status:  string(result.Disposition),
			EventID: result.EventID,
			Outcome: result.Outcome,
		})
	case errors.Is(err, services.ErrWebhookInFlight):
		httpx.WriteError(ctx, w, httpx.NewError("event_in_flight", "event is being processed", http.StatusConflict).WithRetryAfter(webhookRetryAfter))
	case errors.Is(err, services.ErrWebhookUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("webhook_unavailable", "event not recorded, retry delivery", http.StatusServiceUnavailable).WithRetryAfter(webhookRetryAfter))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("webhook_error", "failed to process event", http.StatusInternalServerError))
	}
}

func (h *WebhookHandlers) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	if r.Body == nil {
		httpx.WriteError(r.Context(), w, httpx.NewError("invalid_event", "request body is required", http.StatusBadRequest))
		return nil, false
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httpx.WriteError(r.Context(), w, httpx.NewError("payload_too_large", "event payload too large", http.StatusRequestEntityTooLarge))
			return nil, false
		}
		httpx.WriteError(r.Context(), w, httpx.NewError("invalid_event", "unable to read body", http.StatusBadRequest))
		return nil, false
	}
	return body, true
}
