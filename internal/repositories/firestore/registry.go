package firestore

import (
	"context"
	"fmt"

	pfirestore "github.com/hanko-field/orders/internal/platform/firestore"
	"github.com/hanko-field/orders/internal/repositories"
)

// Registry exposes the Firestore-backed repositories sharing one provider.
type Registry struct {
	provider *pfirestore.Provider
	orders   *OrderRepository
	products *ProductRepository
}

var _ repositories.Registry = (*Registry)(nil)

// NewRegistry wires every Firestore repository to the provider.
func NewRegistry(provider *pfirestore.Provider) (*Registry, error) {
	orders, err := NewOrderRepository(provider)
	if err != nil {
		return nil, fmt.Errorf("build order repository: %w", err)
	}
	products, err := NewProductRepository(provider)
	if err != nil {
		return nil, fmt.Errorf("build product repository: %w", err)
	}
	return &Registry{provider: provider, orders: orders, products: products}, nil
}

// Orders implements repositories.Registry.
func (r *Registry) Orders() repositories.OrderRepository { return r.orders }

// Products implements repositories.Registry.
func (r *Registry) Products() repositories.ProductRepository { return r.products }

// Close releases the shared Firestore client.
func (r *Registry) Close(ctx context.Context) error {
	if r == nil || r.provider == nil {
		return nil
	}
	return r.provider.Close(ctx)
}
