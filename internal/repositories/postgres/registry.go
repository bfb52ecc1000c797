package postgres

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	ppostgres "github.com/hanko-field/orders/internal/platform/postgres"
	"github.com/hanko-field/orders/internal/repositories"
)

// Registry exposes the PostgreSQL-backed repositories sharing one pool.
type Registry struct {
	db       *gorm.DB
	orders   *OrderRepository
	products *ProductRepository
}

var _ repositories.Registry = (*Registry)(nil)

// Migrate applies the order and catalog schema.
func Migrate(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	return db.AutoMigrate(&orderRecord{}, &productRecord{})
}

// NewRegistry migrates the schema and wires the repositories.
func NewRegistry(db *gorm.DB) (*Registry, error) {
	if err := Migrate(db); err != nil {
		return nil, fmt.Errorf("migrate order schema: %w", err)
	}
	orders, err := NewOrderRepository(db)
	if err != nil {
		return nil, err
	}
	products, err := NewProductRepository(db)
	if err != nil {
		return nil, err
	}
	return &Registry{db: db, orders: orders, products: products}, nil
}

// Orders implements repositories.Registry.
func (r *Registry) Orders() repositories.OrderRepository { return r.orders }

// Products implements repositories.Registry.
func (r *Registry) Products() repositories.ProductRepository { return r.products }

// Close releases the connection pool.
func (r *Registry) Close(context.Context) error {
	if r == nil {
		return nil
	}
	return ppostgres.Close(r.db)
}
