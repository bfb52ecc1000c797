package domain

import (
	"time"
)

// OrderStatus enumerates valid lifecycle states for orders.
type OrderStatus string

const (
	// OrderStatusPending is the initial state; the order awaits payment or a seller decision.
	OrderStatusPending OrderStatus = "pending"
	// OrderStatusPaid indicates payment succeeded or the seller confirmed the order.
	OrderStatusPaid OrderStatus = "paid"
	// OrderStatusDelivered indicates the digital goods were handed over to the buyer.
	OrderStatusDelivered OrderStatus = "delivered"
	// OrderStatusCanceled indicates the gateway reported the payment as canceled.
	OrderStatusCanceled OrderStatus = "canceled"
	// OrderStatusSellerRejected indicates the seller declined the order.
	OrderStatusSellerRejected OrderStatus = "seller_rejected"
)

// Valid reports whether the status is one of the known lifecycle states.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusPaid, OrderStatusDelivered, OrderStatusCanceled, OrderStatusSellerRejected:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transitions are possible from the status.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusDelivered, OrderStatusCanceled, OrderStatusSellerRejected:
		return true
	default:
		return false
	}
}

// Order captures a buyer's purchase of a quantity of one product.
type Order struct {
	ID           string
	BuyerID      string
	SellerID     string
	ProductID    string
	ProductTitle string
	Quantity     int
	UnitPrice    int64
	Currency     string
	Comment      string
	ReceiptEmail string
	Status       OrderStatus
	PaymentRef   *PaymentRef
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// TotalAmount returns the order total in minor currency units.
func (o Order) TotalAmount() int64 {
	return o.UnitPrice * int64(o.Quantity)
}

// PaymentRef records the gateway payment created for an order. Once stored it is never replaced.
type PaymentRef struct {
	PaymentID   string
	Provider    string
	Amount      int64
	Currency    string
	RedirectURL string
	CreatedAt   time.Time
}

// Product is the catalog view consumed by the order lifecycle.
type Product struct {
	ID        string
	SellerID  string
	Title     string
	Price     int64
	Currency  string
	Available int
	Active    bool
}

// GatewayEventKind enumerates the payment outcomes reported by the gateway.
type GatewayEventKind string

const (
	// GatewayEventPaymentSucceeded reports a captured payment.
	GatewayEventPaymentSucceeded GatewayEventKind = "payment_succeeded"
	// GatewayEventPaymentCanceled reports a canceled or expired payment.
	GatewayEventPaymentCanceled GatewayEventKind = "payment_canceled"
	// GatewayEventOther covers notifications that carry no lifecycle meaning.
	GatewayEventOther GatewayEventKind = "other"
)

// GatewayEvent is a parsed gateway notification. It is not persisted beyond the processed-event ledger.
type GatewayEvent struct {
	EventID    string
	Kind       GatewayEventKind
	OrderID    string
	PaymentID  string
	Provider   string
	RawPayload []byte
	ReceivedAt time.Time
}

// OrderView is the buyer and seller facing read model of an order.
type OrderView struct {
	ID          string
	Status      OrderStatus
	Product     ProductSummary
	Quantity    int
	TotalAmount int64
	Currency    string
	Comment     string
	CreatedAt   time.Time
	PaymentInfo *PaymentInfo
}

// ProductSummary is the product snapshot embedded in OrderView.
type ProductSummary struct {
	ID        string
	Title     string
	UnitPrice int64
}

// PaymentInfo is present on OrderView only after a payment was requested successfully.
type PaymentInfo struct {
	PaymentID   string
	Provider    string
	RedirectURL string
	Amount      int64
	Currency    string
}

// NewOrderView projects an order into its read model.
func NewOrderView(order Order) OrderView {
	view := OrderView{
		ID:     order.ID,
		Status: order.Status,
		Product: ProductSummary{
			ID:        order.ProductID,
			Title:     order.ProductTitle,
			UnitPrice: order.UnitPrice,
		},
		Quantity:    order.Quantity,
		TotalAmount: order.TotalAmount(),
		Currency:    order.Currency,
		Comment:     order.Comment,
		CreatedAt:   order.CreatedAt,
	}
	if ref := order.PaymentRef; ref != nil {
		view.PaymentInfo = &PaymentInfo{
			PaymentID:   ref.PaymentID,
			Provider:    ref.Provider,
			RedirectURL: ref.RedirectURL,
			Amount:      ref.Amount,
			Currency:    ref.Currency,
		}
	}
	return view
}
