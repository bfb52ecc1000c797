package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hanko-field/orders/internal/domain"
	"github.com/hanko-field/orders/internal/repositories"
)

// OrderRepository keeps orders in process memory. It backs tests and the local driver.
type OrderRepository struct {
	mu     sync.Mutex
	orders map[string]domain.Order
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

// NewOrderRepository constructs an empty in-memory order store.
func NewOrderRepository() *OrderRepository {
	return &OrderRepository{orders: make(map[string]domain.Order)}
}

// Get returns the stored order.
func (r *OrderRepository) Get(_ context.Context, orderID string) (domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	order, ok := r.orders[strings.TrimSpace(orderID)]
	if !ok {
		return domain.Order{}, repositories.NewNotFound("orders.get", "order %q", orderID)
	}
	return cloneOrder(order), nil
}

// Create inserts a new order, failing when the id is already taken.
func (r *OrderRepository) Create(_ context.Context, order domain.Order) (domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.orders[order.ID]; exists {
		return domain.Order{}, repositories.NewConflict("orders.create", "order %q already exists", order.ID)
	}
	stored := cloneOrder(order)
	r.orders[order.ID] = stored
	return cloneOrder(stored), nil
}

// CompareAndSwapStatus moves the order to next only while it is still in expected.
func (r *OrderRepository) CompareAndSwapStatus(_ context.Context, orderID string, expected, next domain.OrderStatus, at time.Time) (domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	order, ok := r.orders[orderID]
	if !ok {
		return domain.Order{}, repositories.NewNotFound("orders.cas_status", "order %q", orderID)
	}
	if order.Status != expected {
		return cloneOrder(order), repositories.NewConflict("orders.cas_status", "order %q is %s, expected %s", orderID, order.Status, expected)
	}
	order.Status = next
	order.UpdatedAt = at.UTC()
	r.orders[orderID] = order
	return cloneOrder(order), nil
}

// SetPaymentRefIfAbsent stores ref unless one is already recorded.
func (r *OrderRepository) SetPaymentRefIfAbsent(_ context.Context, orderID string, ref domain.PaymentRef) (domain.Order, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	order, ok := r.orders[orderID]
	if !ok {
		return domain.Order{}, false, repositories.NewNotFound("orders.set_payment_ref", "order %q", orderID)
	}
	if order.PaymentRef != nil {
		return cloneOrder(order), false, nil
	}
	copied := ref
	order.PaymentRef = &copied
	if !ref.CreatedAt.IsZero() {
		order.UpdatedAt = ref.CreatedAt.UTC()
	}
	r.orders[orderID] = order
	return cloneOrder(order), true, nil
}

// ListByBuyer returns the buyer's orders, newest first.
func (r *OrderRepository) ListByBuyer(_ context.Context, buyerID string) ([]domain.Order, error) {
	return r.list(func(o domain.Order) bool { return o.BuyerID == buyerID }), nil
}

// ListBySeller returns orders placed against the seller's products, newest first.
func (r *OrderRepository) ListBySeller(_ context.Context, sellerID string) ([]domain.Order, error) {
	return r.list(func(o domain.Order) bool { return o.SellerID == sellerID }), nil
}

func (r *OrderRepository) list(match func(domain.Order) bool) []domain.Order {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]domain.Order, 0)
	for _, order := range r.orders {
		if match(order) {
			out = append(out, cloneOrder(order))
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

func cloneOrder(order domain.Order) domain.Order {
	if order.PaymentRef != nil {
		ref := *order.PaymentRef
		order.PaymentRef = &ref
	}
	return order
}
