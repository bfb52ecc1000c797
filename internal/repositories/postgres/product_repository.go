package postgres

import (
	"context"
	"errors"
	"strings"

	"gorm.io/gorm"

	"github.com/hanko-field/orders/internal/domain"
	"github.com/hanko-field/orders/internal/repositories"
)

// ProductRepository reads the catalog table shared with the catalog service.
type ProductRepository struct {
	db *gorm.DB
}

var _ repositories.ProductRepository = (*ProductRepository)(nil)

// NewProductRepository wires a PostgreSQL-backed catalog reader.
func NewProductRepository(db *gorm.DB) (*ProductRepository, error) {
	if db == nil {
		return nil, errors.New("product repository requires postgres connection")
	}
	return &ProductRepository{db: db}, nil
}

type productRecord struct {
	ID        string `gorm:"primaryKey;column:id;size:128"`
	SellerID  string `gorm:"column:seller_id;size:128;index"`
	Title     string `gorm:"column:title"`
	Price     int64  `gorm:"column:price"`
	Currency  string `gorm:"column:currency;size:3"`
	Available int    `gorm:"column:quantity"`
	Active    bool   `gorm:"column:is_active"`
}

func (productRecord) TableName() string { return "products" }

// FindByID implements repositories.ProductRepository.
func (r *ProductRepository) FindByID(ctx context.Context, productID string) (domain.Product, error) {
	var record productRecord
	if err := r.db.WithContext(ctx).First(&record, "id = ?", strings.TrimSpace(productID)).Error; err != nil {
		return domain.Product{}, translate("products.find", productID, err)
	}
	return domain.Product{
		ID:        record.ID,
		SellerID:  record.SellerID,
		Title:     record.Title,
		Price:     record.Price,
		Currency:  strings.ToUpper(strings.TrimSpace(record.Currency)),
		Available: record.Available,
		Active:    record.Active,
	}, nil
}
