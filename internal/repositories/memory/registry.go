package memory

import (
	"context"

	"github.com/hanko-field/orders/internal/repositories"
)

// Registry bundles the in-memory stores.
type Registry struct {
	orders   *OrderRepository
	products *ProductRepository
}

var _ repositories.Registry = (*Registry)(nil)

// NewRegistry builds a registry around fresh in-memory stores.
func NewRegistry(products *ProductRepository) *Registry {
	if products == nil {
		products = NewProductRepository()
	}
	return &Registry{orders: NewOrderRepository(), products: products}
}

// Orders implements repositories.Registry.
func (r *Registry) Orders() repositories.OrderRepository { return r.orders }

// Products implements repositories.Registry.
func (r *Registry) Products() repositories.ProductRepository { return r.products }

// Close implements repositories.Registry.
func (r *Registry) Close(context.Context) error { return nil }
