package memory

import (
	"context"
	"sync"

	"github.com/hanko-field/orders/internal/domain"
	"github.com/hanko-field/orders/internal/repositories"
)

// ProductRepository is a static catalog used by tests and local runs.
type ProductRepository struct {
	mu       sync.RWMutex
	products map[string]domain.Product
}

var _ repositories.ProductRepository = (*ProductRepository)(nil)

// NewProductRepository seeds the catalog with the supplied products.
func NewProductRepository(products ...domain.Product) *ProductRepository {
	repo := &ProductRepository{products: make(map[string]domain.Product, len(products))}
	for _, product := range products {
		repo.products[product.ID] = product
	}
	return repo
}

// Put adds or replaces a product.
func (r *ProductRepository) Put(product domain.Product) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.products[product.ID] = product
}

// FindByID implements repositories.ProductRepository.
func (r *ProductRepository) FindByID(_ context.Context, productID string) (domain.Product, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	product, ok := r.products[productID]
	if !ok {
		return domain.Product{}, repositories.NewNotFound("products.find", "product %q", productID)
	}
	return product, nil
}
