package payments

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/webhook"

	"github.com/hanko-field/orders/internal/domain"
)

// ProviderGateway names the generic HMAC-signed gateway integration.
const ProviderGateway = "gateway"

var (
	// ErrInvalidEvent reports a notification that could not be decoded into a gateway event.
	ErrInvalidEvent = errors.New("payments: invalid gateway event")
	// ErrUnauthenticatedEvent reports a notification whose signature did not verify.
	ErrUnauthenticatedEvent = errors.New("payments: gateway event signature invalid")
)

// Metadata keys written on payments and read back from notifications.
const (
	MetadataOrderID = "orderId"
	MetadataUserID  = "userId"
)

type gatewayPayload struct {
	EventID   string `json:"eventId"`
	EventKind string `json:"eventKind"`
	Event     string `json:"event"`
	Object    struct {
		ID       string            `json:"id"`
		Metadata map[string]string `json:"metadata"`
	} `json:"object"`
}

// ParseGatewayEvent decodes a generic gateway notification. Signature checks happen before this
// call, at the HTTP layer. Notifications without an eventId get one derived from the event name
// and payment id, which is unique per payment outcome.
func ParseGatewayEvent(payload []byte, receivedAt time.Time) (domain.GatewayEvent, error) {
	var body gatewayPayload
	if err := json.Unmarshal(payload, &body); err != nil {
		return domain.GatewayEvent{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}

	name := strings.TrimSpace(body.EventKind)
	if name == "" {
		name = strings.TrimSpace(body.Event)
	}
	if name == "" {
		return domain.GatewayEvent{}, fmt.Errorf("%w: event kind missing", ErrInvalidEvent)
	}
	paymentID := strings.TrimSpace(body.Object.ID)
	if paymentID == "" {
		return domain.GatewayEvent{}, fmt.Errorf("%w: object id missing", ErrInvalidEvent)
	}
	orderID := metadataValue(body.Object.Metadata, MetadataOrderID, "order_id")

	kind := gatewayKind(name)
	if kind != domain.GatewayEventOther && orderID == "" {
		return domain.GatewayEvent{}, fmt.Errorf("%w: order id missing from metadata", ErrInvalidEvent)
	}

	eventID := strings.TrimSpace(body.EventID)
	if eventID == "" {
		eventID = name + ":" + paymentID
	}

	return domain.GatewayEvent{
		EventID:    eventID,
		Kind:       kind,
		OrderID:    orderID,
		PaymentID:  paymentID,
		Provider:   ProviderGateway,
		RawPayload: append([]byte(nil), payload...),
		ReceivedAt: receivedAt.UTC(),
	}, nil
}

func gatewayKind(name string) domain.GatewayEventKind {
	switch strings.ToLower(name) {
	case "payment_succeeded", "payment.succeeded":
		return domain.GatewayEventPaymentSucceeded
	case "payment_canceled", "payment.canceled":
		return domain.GatewayEventPaymentCanceled
	default:
		return domain.GatewayEventOther
	}
}

// ParseStripeEvent verifies the Stripe-Signature header and maps Checkout session events onto
// gateway events. Other event types come back with the "other" kind.
func ParseStripeEvent(payload []byte, signatureHeader, secret string, tolerance time.Duration, receivedAt time.Time) (domain.GatewayEvent, error) {
	if strings.TrimSpace(secret) == "" {
		return domain.GatewayEvent{}, errors.New("payments: stripe webhook secret not configured")
	}
	event, err := webhook.ConstructEventWithOptions(payload, signatureHeader, secret, webhook.ConstructEventOptions{
		Tolerance:                tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		if isStripeSignatureError(err) {
			return domain.GatewayEvent{}, fmt.Errorf("%w: %v", ErrUnauthenticatedEvent, err)
		}
		return domain.GatewayEvent{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}

	result := domain.GatewayEvent{
		EventID:    event.ID,
		Kind:       domain.GatewayEventOther,
		Provider:   ProviderStripe,
		RawPayload: append([]byte(nil), payload...),
		ReceivedAt: receivedAt.UTC(),
	}

	var kind domain.GatewayEventKind
	switch event.Type {
	case stripe.EventTypeCheckoutSessionCompleted, stripe.EventTypeCheckoutSessionAsyncPaymentSucceeded:
		kind = domain.GatewayEventPaymentSucceeded
	case stripe.EventTypeCheckoutSessionExpired, stripe.EventTypeCheckoutSessionAsyncPaymentFailed:
		kind = domain.GatewayEventPaymentCanceled
	default:
		return result, nil
	}
	if event.Data == nil {
		return domain.GatewayEvent{}, fmt.Errorf("%w: event data missing", ErrInvalidEvent)
	}

	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return domain.GatewayEvent{}, fmt.Errorf("%w: decode checkout session: %v", ErrInvalidEvent, err)
	}
	// A completed session with delayed payment methods is not paid yet; the async event follows.
	if event.Type == stripe.EventTypeCheckoutSessionCompleted && session.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
		return result, nil
	}

	orderID := metadataValue(session.Metadata, MetadataOrderID, "order_id")
	if orderID == "" {
		orderID = strings.TrimSpace(session.ClientReferenceID)
	}
	if orderID == "" {
		return domain.GatewayEvent{}, fmt.Errorf("%w: order id missing from session", ErrInvalidEvent)
	}

	result.Kind = kind
	result.OrderID = orderID
	result.PaymentID = session.ID
	return result, nil
}

func isStripeSignatureError(err error) bool {
	return errors.Is(err, webhook.ErrNotSigned) ||
		errors.Is(err, webhook.ErrNoValidSignature) ||
		errors.Is(err, webhook.ErrInvalidHeader) ||
		errors.Is(err, webhook.ErrTooOld)
}

func metadataValue(metadata map[string]string, keys ...string) string {
	for _, key := range keys {
		if value := strings.TrimSpace(metadata[key]); value != "" {
			return value
		}
	}
	return ""
}
