package repositories

import (
	"context"
	"time"

	"github.com/hanko-field/orders/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Orders() OrderRepository
	Products() ProductRepository
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// OrderRepository persists orders. Every mutation is atomic with respect to a single order id.
type OrderRepository interface {
	Get(ctx context.Context, orderID string) (domain.Order, error)
	Create(ctx context.Context, order domain.Order) (domain.Order, error)
	// CompareAndSwapStatus moves the order from expected to next. A conflict error is returned
	// when the stored status differs from expected.
	CompareAndSwapStatus(ctx context.Context, orderID string, expected, next domain.OrderStatus, at time.Time) (domain.Order, error)
	// SetPaymentRefIfAbsent stores ref unless a payment reference already exists. The stored order
	// is always returned; applied is false when the existing reference was kept.
	SetPaymentRefIfAbsent(ctx context.Context, orderID string, ref domain.PaymentRef) (order domain.Order, applied bool, err error)
	ListByBuyer(ctx context.Context, buyerID string) ([]domain.Order, error)
	ListBySeller(ctx context.Context, sellerID string) ([]domain.Order, error)
}

// ProductRepository provides read access to the catalog owned by another service.
type ProductRepository interface {
	FindByID(ctx context.Context, productID string) (domain.Product, error)
}
