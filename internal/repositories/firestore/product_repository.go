package firestore

import (
	"context"
	"errors"
	"strings"

	"github.com/hanko-field/orders/internal/domain"
	pfirestore "github.com/hanko-field/orders/internal/platform/firestore"
	"github.com/hanko-field/orders/internal/repositories"
)

const productCollection = "products"

// ProductRepository reads catalog documents maintained by the catalog service.
type ProductRepository struct {
	products *pfirestore.Collection[productDocument]
}

var _ repositories.ProductRepository = (*ProductRepository)(nil)

// NewProductRepository constructs a Firestore-backed catalog reader.
func NewProductRepository(provider *pfirestore.Provider) (*ProductRepository, error) {
	if provider == nil {
		return nil, errors.New("product repository requires firestore provider")
	}
	return &ProductRepository{
		products: pfirestore.NewCollection[productDocument](provider, productCollection),
	}, nil
}

type productDocument struct {
	SellerID  string `firestore:"sellerId"`
	Title     string `firestore:"title"`
	Price     int64  `firestore:"price"`
	Currency  string `firestore:"currency"`
	Available int    `firestore:"quantity"`
	Active    bool   `firestore:"isActive"`
}

// FindByID implements repositories.ProductRepository.
func (r *ProductRepository) FindByID(ctx context.Context, productID string) (domain.Product, error) {
	productID = strings.TrimSpace(productID)
	doc, err := r.products.Get(ctx, productID)
	if err != nil {
		return domain.Product{}, err
	}
	return domain.Product{
		ID:        productID,
		SellerID:  doc.SellerID,
		Title:     doc.Title,
		Price:     doc.Price,
		Currency:  strings.ToUpper(strings.TrimSpace(doc.Currency)),
		Available: doc.Available,
		Active:    doc.Active,
	}, nil
}
