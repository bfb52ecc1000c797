package services

import (
	"context"
	"time"

	"github.com/hanko-field/orders/internal/domain"
	"github.com/hanko-field/orders/internal/payments"
)

// OrderService drives the order lifecycle. Every status write is a compare-and-swap against the
// status the decision was based on.
type OrderService interface {
	CreateOrder(ctx context.Context, cmd CreateOrderCommand) (domain.Order, error)
	RequestPayment(ctx context.Context, cmd RequestPaymentCommand) (domain.Order, error)
	SellerConfirm(ctx context.Context, cmd SellerActionCommand) (domain.Order, error)
	SellerReject(ctx context.Context, cmd SellerActionCommand) (domain.Order, error)
	MarkDelivered(ctx context.Context, cmd SellerActionCommand) (domain.Order, error)
	ApplyGatewayEvent(ctx context.Context, event domain.GatewayEvent) (GatewayEventResult, error)
	GetOrder(ctx context.Context, query GetOrderQuery) (domain.Order, error)
	ListMine(ctx context.Context, query ListMineQuery) ([]domain.Order, error)
}

// WebhookService runs authenticated gateway notifications through the processed-event ledger.
type WebhookService interface {
	Ingest(ctx context.Context, event domain.GatewayEvent) (WebhookResult, error)
	CleanupLedger(ctx context.Context, limit int) (int, error)
}

// PaymentGateway creates gateway payments. payments.Manager satisfies it.
type PaymentGateway interface {
	CreatePayment(ctx context.Context, req payments.PaymentRequest) (payments.PaymentIntent, error)
}

// OrderEventPublisher publishes order domain events for downstream consumers.
type OrderEventPublisher interface {
	PublishOrderEvent(ctx context.Context, event OrderEvent) error
}

// WebhookArchiver stores raw gateway payloads for audit.
type WebhookArchiver interface {
	ArchiveWebhook(ctx context.Context, event domain.GatewayEvent) error
}

// OrderEvent captures metadata for emitted order domain events.
type OrderEvent struct {
	Type           string
	OrderID        string
	BuyerID        string
	SellerID       string
	PreviousStatus string
	CurrentStatus  string
	ActorID        string
	OccurredAt     time.Time
	Metadata       map[string]any
}

// CreateOrderCommand is a buyer's request to order a product.
type CreateOrderCommand struct {
	BuyerID      string
	ProductID    string
	Quantity     int
	Comment      string
	ReceiptEmail string
}

// RequestPaymentCommand asks the gateway for a payment on an existing order.
type RequestPaymentCommand struct {
	OrderID string
	ActorID string
}

// SellerActionCommand confirms, rejects or delivers an order on behalf of its seller.
type SellerActionCommand struct {
	OrderID string
	ActorID string
	Reason  string
}

// GetOrderQuery reads one order. Staff may read any order.
type GetOrderQuery struct {
	OrderID string
	ActorID string
	Staff   bool
}

// ListMineQuery lists the caller's orders: purchases, or sales when AsSeller is set.
type ListMineQuery struct {
	ActorID  string
	AsSeller bool
}

// GatewayEventOutcome describes what applying a gateway event did.
type GatewayEventOutcome string

const (
	// GatewayEventApplied means the event moved the order to a new status.
	GatewayEventApplied GatewayEventOutcome = "applied"
	// GatewayEventAlreadyApplied means the order already reflected the event.
	GatewayEventAlreadyApplied GatewayEventOutcome = "already_applied"
	// GatewayEventIgnored means the event kind carries no lifecycle meaning.
	GatewayEventIgnored GatewayEventOutcome = "ignored"
)

// GatewayEventResult reports the outcome and the order as stored afterwards.
type GatewayEventResult struct {
	Outcome GatewayEventOutcome
	Order   domain.Order
}

// WebhookDisposition tells the HTTP layer how to answer the gateway.
type WebhookDisposition string

const (
	// WebhookProcessed means the event was dispatched and recorded.
	WebhookProcessed WebhookDisposition = "processed"
	// WebhookDuplicate means the event id was already in the ledger.
	WebhookDuplicate WebhookDisposition = "duplicate"
	// WebhookRejected means the event was a business conflict; it is acknowledged and not retried.
	WebhookRejected WebhookDisposition = "rejected"
)

// WebhookResult is returned for every acknowledged delivery.
type WebhookResult struct {
	Disposition WebhookDisposition
	Outcome     string
	EventID     string
	OrderID     string
}
