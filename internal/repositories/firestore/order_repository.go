package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	"github.com/hanko-field/orders/internal/domain"
	pfirestore "github.com/hanko-field/orders/internal/platform/firestore"
	"github.com/hanko-field/orders/internal/repositories"
)

const orderCollection = "orders"

// OrderRepository persists orders in Firestore. Conditional writes run inside transactions so
// that the status and payment reference checks are atomic per document.
type OrderRepository struct {
	orders *pfirestore.Collection[orderDocument]
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

// NewOrderRepository constructs a Firestore-backed order repository.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	return &OrderRepository{
		orders: pfirestore.NewCollection[orderDocument](provider, orderCollection),
	}, nil
}

type orderDocument struct {
	BuyerID      string              `firestore:"buyerId"`
	SellerID     string              `firestore:"sellerId"`
	ProductID    string              `firestore:"productId"`
	ProductTitle string              `firestore:"productTitle"`
	Quantity     int                 `firestore:"quantity"`
	UnitPrice    int64               `firestore:"unitPrice"`
	Currency     string              `firestore:"currency"`
	Comment      string              `firestore:"comment,omitempty"`
	ReceiptEmail string              `firestore:"receiptEmail,omitempty"`
	Status       string              `firestore:"status"`
	Payment      *paymentRefDocument `firestore:"payment,omitempty"`
	CreatedAt    time.Time           `firestore:"createdAt"`
	UpdatedAt    time.Time           `firestore:"updatedAt"`
}

type paymentRefDocument struct {
	PaymentID   string    `firestore:"paymentId"`
	Provider    string    `firestore:"provider"`
	Amount      int64     `firestore:"amount"`
	Currency    string    `firestore:"currency"`
	RedirectURL string    `firestore:"redirectUrl"`
	CreatedAt   time.Time `firestore:"createdAt"`
}

// Get loads the order document.
func (r *OrderRepository) Get(ctx context.Context, orderID string) (domain.Order, error) {
	doc, err := r.orders.Get(ctx, strings.TrimSpace(orderID))
	if err != nil {
		return domain.Order{}, err
	}
	return doc.toDomain(orderID), nil
}

// Create writes a new order document; an existing id is reported as a conflict.
func (r *OrderRepository) Create(ctx context.Context, order domain.Order) (domain.Order, error) {
	doc := newOrderDocument(order)
	if err := r.orders.Create(ctx, order.ID, doc); err != nil {
		return domain.Order{}, err
	}
	return doc.toDomain(order.ID), nil
}

// CompareAndSwapStatus transitions the status inside a transaction guarded by the expected value.
func (r *OrderRepository) CompareAndSwapStatus(ctx context.Context, orderID string, expected, next domain.OrderStatus, at time.Time) (domain.Order, error) {
	ref, err := r.orders.Doc(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}

	var result orderDocument
	err = r.orders.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		doc, err := loadOrder(tx, ref)
		if err != nil {
			return err
		}
		result = doc
		if doc.Status != string(expected) {
			return pfirestore.ConflictError("orders.cas_status", "order %s is %s, expected %s", orderID, doc.Status, expected)
		}
		result.Status = string(next)
		result.UpdatedAt = at.UTC()
		return tx.Update(ref, []firestore.Update{
			{Path: "status", Value: result.Status},
			{Path: "updatedAt", Value: result.UpdatedAt},
		})
	})
	if err != nil {
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) && repoErr.IsConflict() && result.Status != "" {
			return result.toDomain(orderID), err
		}
		return domain.Order{}, err
	}
	return result.toDomain(orderID), nil
}

// SetPaymentRefIfAbsent writes the payment reference only when none exists yet.
func (r *OrderRepository) SetPaymentRefIfAbsent(ctx context.Context, orderID string, payment domain.PaymentRef) (domain.Order, bool, error) {
	ref, err := r.orders.Doc(ctx, orderID)
	if err != nil {
		return domain.Order{}, false, err
	}

	var (
		result  orderDocument
		applied bool
	)
	err = r.orders.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		applied = false
		doc, err := loadOrder(tx, ref)
		if err != nil {
			return err
		}
		result = doc
		if doc.Payment != nil {
			return nil
		}
		result.Payment = newPaymentRefDocument(payment)
		if !payment.CreatedAt.IsZero() {
			result.UpdatedAt = payment.CreatedAt.UTC()
		}
		applied = true
		return tx.Update(ref, []firestore.Update{
			{Path: "payment", Value: result.Payment},
			{Path: "updatedAt", Value: result.UpdatedAt},
		})
	})
	if err != nil {
		return domain.Order{}, false, err
	}
	return result.toDomain(orderID), applied, nil
}

// ListByBuyer returns the buyer's orders, newest first.
func (r *OrderRepository) ListByBuyer(ctx context.Context, buyerID string) ([]domain.Order, error) {
	return r.listBy(ctx, "buyerId", buyerID)
}

// ListBySeller returns orders for the seller's products, newest first.
func (r *OrderRepository) ListBySeller(ctx context.Context, sellerID string) ([]domain.Order, error) {
	return r.listBy(ctx, "sellerId", sellerID)
}

func (r *OrderRepository) listBy(ctx context.Context, field, value string) ([]domain.Order, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	docs, err := r.orders.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where(field, "==", value).OrderBy("createdAt", firestore.Desc)
	})
	if err != nil {
		return nil, err
	}
	out := make([]domain.Order, 0, len(docs))
	for _, doc := range docs {
		out = append(out, doc.Data.toDomain(doc.ID))
	}
	return out, nil
}

func loadOrder(tx *firestore.Transaction, ref *firestore.DocumentRef) (orderDocument, error) {
	snap, err := tx.Get(ref)
	if err != nil {
		if pfirestore.IsNotFoundCode(err) {
			return orderDocument{}, pfirestore.NotFoundError("orders.get", "order %s not found", ref.ID)
		}
		return orderDocument{}, pfirestore.WrapError("orders.get", err)
	}
	return pfirestore.Decode[orderDocument](snap)
}

func newOrderDocument(order domain.Order) orderDocument {
	return orderDocument{
		BuyerID:      order.BuyerID,
		SellerID:     order.SellerID,
		ProductID:    order.ProductID,
		ProductTitle: order.ProductTitle,
		Quantity:     order.Quantity,
		UnitPrice:    order.UnitPrice,
		Currency:     order.Currency,
		Comment:      order.Comment,
		ReceiptEmail: order.ReceiptEmail,
		Status:       string(order.Status),
		Payment:      nilablePaymentRef(order.PaymentRef),
		CreatedAt:    order.CreatedAt.UTC(),
		UpdatedAt:    order.UpdatedAt.UTC(),
	}
}

func nilablePaymentRef(ref *domain.PaymentRef) *paymentRefDocument {
	if ref == nil {
		return nil
	}
	return newPaymentRefDocument(*ref)
}

func newPaymentRefDocument(ref domain.PaymentRef) *paymentRefDocument {
	return &paymentRefDocument{
		PaymentID:   ref.PaymentID,
		Provider:    ref.Provider,
		Amount:      ref.Amount,
		Currency:    ref.Currency,
		RedirectURL: ref.RedirectURL,
		CreatedAt:   ref.CreatedAt.UTC(),
	}
}

func (d orderDocument) toDomain(id string) domain.Order {
	order := domain.Order{
		ID:           id,
		BuyerID:      d.BuyerID,
		SellerID:     d.SellerID,
		ProductID:    d.ProductID,
		ProductTitle: d.ProductTitle,
		Quantity:     d.Quantity,
		UnitPrice:    d.UnitPrice,
		Currency:     d.Currency,
		Comment:      d.Comment,
		ReceiptEmail: d.ReceiptEmail,
		Status:       domain.OrderStatus(d.Status),
		CreatedAt:    d.CreatedAt.UTC(),
		UpdatedAt:    d.UpdatedAt.UTC(),
	}
	if d.Payment != nil {
		order.PaymentRef = &domain.PaymentRef{
			PaymentID:   d.Payment.PaymentID,
			Provider:    d.Payment.Provider,
			Amount:      d.Payment.Amount,
			Currency:    d.Payment.Currency,
			RedirectURL: d.Payment.RedirectURL,
			CreatedAt:   d.Payment.CreatedAt.UTC(),
		}
	}
	return order
}
