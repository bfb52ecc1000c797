package postgres

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/hanko-field/orders/internal/domain"
	"github.com/hanko-field/orders/internal/repositories"
)

// OrderRepository persists orders in PostgreSQL using GORM. Conditional writes are single
// UPDATE statements guarded in their WHERE clause, so the row lock taken by the update is the
// serialization point per order.
type OrderRepository struct {
	db *gorm.DB
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

// NewOrderRepository wires a PostgreSQL-backed order repository. Caller manages DB lifecycle.
func NewOrderRepository(db *gorm.DB) (*OrderRepository, error) {
	if db == nil {
		return nil, errors.New("order repository requires postgres connection")
	}
	return &OrderRepository{db: db}, nil
}

type orderRecord struct {
	ID                 string     `gorm:"primaryKey;column:id;size:64"`
	BuyerID            string     `gorm:"column:buyer_id;size:128;index:idx_orders_buyer_created,priority:1"`
	SellerID           string     `gorm:"column:seller_id;size:128;index:idx_orders_seller_created,priority:1"`
	ProductID          string     `gorm:"column:product_id;size:128"`
	ProductTitle       string     `gorm:"column:product_title"`
	Quantity           int        `gorm:"column:quantity"`
	UnitPrice          int64      `gorm:"column:unit_price"`
	Currency           string     `gorm:"column:currency;size:3"`
	Comment            string     `gorm:"column:comment"`
	ReceiptEmail       string     `gorm:"column:receipt_email"`
	Status             string     `gorm:"column:status;type:varchar(32);index"`
	PaymentID          *string    `gorm:"column:payment_id;size:255"`
	PaymentProvider    string     `gorm:"column:payment_provider;size:32"`
	PaymentAmount      int64      `gorm:"column:payment_amount"`
	PaymentCurrency    string     `gorm:"column:payment_currency;size:3"`
	PaymentRedirectURL string     `gorm:"column:payment_redirect_url"`
	PaymentCreatedAt   *time.Time `gorm:"column:payment_created_at"`
	CreatedAt          time.Time  `gorm:"column:created_at;autoCreateTime:false;index:idx_orders_buyer_created,priority:2;index:idx_orders_seller_created,priority:2"`
	UpdatedAt          time.Time  `gorm:"column:updated_at;autoUpdateTime:false"`
}

func (orderRecord) TableName() string { return "orders" }

// Get fetches an order by identifier.
func (r *OrderRepository) Get(ctx context.Context, orderID string) (domain.Order, error) {
	var record orderRecord
	if err := r.db.WithContext(ctx).First(&record, "id = ?", strings.TrimSpace(orderID)).Error; err != nil {
		return domain.Order{}, translate("orders.get", orderID, err)
	}
	return record.toDomain(), nil
}

// Create inserts a new order row.
func (r *OrderRepository) Create(ctx context.Context, order domain.Order) (domain.Order, error) {
	record := toOrderRecord(order)
	if err := r.db.WithContext(ctx).Create(&record).Error; err != nil {
		return domain.Order{}, translate("orders.create", order.ID, err)
	}
	return record.toDomain(), nil
}

// CompareAndSwapStatus updates the status only while the row still holds expected.
func (r *OrderRepository) CompareAndSwapStatus(ctx context.Context, orderID string, expected, next domain.OrderStatus, at time.Time) (domain.Order, error) {
	result := r.db.WithContext(ctx).
		Model(&orderRecord{}).
		Where("id = ? AND status = ?", orderID, string(expected)).
		Updates(map[string]any{
			"status":     string(next),
			"updated_at": at.UTC(),
		})
	if result.Error != nil {
		return domain.Order{}, translate("orders.cas_status", orderID, result.Error)
	}

	current, err := r.Get(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	if result.RowsAffected == 0 {
		return current, repositories.NewConflict("orders.cas_status", "order %q is %s, expected %s", orderID, current.Status, expected)
	}
	return current, nil
}

// SetPaymentRefIfAbsent stores the payment columns only when payment_id is still NULL.
func (r *OrderRepository) SetPaymentRefIfAbsent(ctx context.Context, orderID string, ref domain.PaymentRef) (domain.Order, bool, error) {
	updates := map[string]any{
		"payment_id":           ref.PaymentID,
		"payment_provider":     ref.Provider,
		"payment_amount":       ref.Amount,
		"payment_currency":     ref.Currency,
		"payment_redirect_url": ref.RedirectURL,
	}
	if !ref.CreatedAt.IsZero() {
		created := ref.CreatedAt.UTC()
		updates["payment_created_at"] = created
		updates["updated_at"] = created
	}

	result := r.db.WithContext(ctx).
		Model(&orderRecord{}).
		Where("id = ? AND payment_id IS NULL", orderID).
		Updates(updates)
	if result.Error != nil {
		return domain.Order{}, false, translate("orders.set_payment_ref", orderID, result.Error)
	}

	current, err := r.Get(ctx, orderID)
	if err != nil {
		return domain.Order{}, false, err
	}
	return current, result.RowsAffected == 1, nil
}

// ListByBuyer returns the buyer's orders, newest first.
func (r *OrderRepository) ListByBuyer(ctx context.Context, buyerID string) ([]domain.Order, error) {
	return r.listWhere(ctx, "buyer_id = ?", buyerID)
}

// ListBySeller returns orders for the seller's products, newest first.
func (r *OrderRepository) ListBySeller(ctx context.Context, sellerID string) ([]domain.Order, error) {
	return r.listWhere(ctx, "seller_id = ?", sellerID)
}

func (r *OrderRepository) listWhere(ctx context.Context, clause, value string) ([]domain.Order, error) {
	var records []orderRecord
	if err := r.db.WithContext(ctx).
		Where(clause, strings.TrimSpace(value)).
		Order("created_at DESC").
		Order("id DESC").
		Find(&records).Error; err != nil {
		return nil, translate("orders.list", value, err)
	}
	orders := make([]domain.Order, 0, len(records))
	for i := range records {
		orders = append(orders, records[i].toDomain())
	}
	return orders, nil
}

func toOrderRecord(order domain.Order) orderRecord {
	record := orderRecord{
		ID:           order.ID,
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
		CreatedAt:    order.CreatedAt.UTC(),
		UpdatedAt:    order.UpdatedAt.UTC(),
	}
	if ref := order.PaymentRef; ref != nil {
		id := ref.PaymentID
		created := ref.CreatedAt.UTC()
		record.PaymentID = &id
		record.PaymentProvider = ref.Provider
		record.PaymentAmount = ref.Amount
		record.PaymentCurrency = ref.Currency
		record.PaymentRedirectURL = ref.RedirectURL
		record.PaymentCreatedAt = &created
	}
	return record
}

func (r orderRecord) toDomain() domain.Order {
	order := domain.Order{
		ID:           r.ID,
		BuyerID:      r.BuyerID,
		SellerID:     r.SellerID,
		ProductID:    r.ProductID,
		ProductTitle: r.ProductTitle,
		Quantity:     r.Quantity,
		UnitPrice:    r.UnitPrice,
		Currency:     r.Currency,
		Comment:      r.Comment,
		ReceiptEmail: r.ReceiptEmail,
		Status:       domain.OrderStatus(r.Status),
		CreatedAt:    r.CreatedAt.UTC(),
		UpdatedAt:    r.UpdatedAt.UTC(),
	}
	if r.PaymentID != nil {
		ref := &domain.PaymentRef{
			PaymentID:   *r.PaymentID,
			Provider:    r.PaymentProvider,
			Amount:      r.PaymentAmount,
			Currency:    r.PaymentCurrency,
			RedirectURL: r.PaymentRedirectURL,
		}
		if r.PaymentCreatedAt != nil {
			ref.CreatedAt = r.PaymentCreatedAt.UTC()
		}
		order.PaymentRef = ref
	}
	return order
}

func translate(op, id string, err error) error {
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return repositories.NewNotFound(op, "record %q", id)
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return repositories.NewConflict(op, "record %q already exists", id)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return repositories.NewUnavailable(op, err)
	}
}
