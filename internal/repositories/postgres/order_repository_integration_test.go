//go:build integration

package postgres

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hanko-field/orders/internal/domain"
	"github.com/hanko-field/orders/internal/platform/postgres/pgtest"
	"github.com/hanko-field/orders/internal/repositories"
)

func TestOrderRepositoryIntegration(t *testing.T) {
	db := pgtest.Open(t)
	reg, err := NewRegistry(db)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	repo := reg.Orders()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	created := time.Date(2025, 4, 1, 12, 0, 0, 0, time.UTC)
	newOrder := func(id string, at time.Time) domain.Order {
		return domain.Order{
			ID:        id,
			BuyerID:   "buyer-1",
			SellerID:  "seller-1",
			ProductID: "prod-1",
			Quantity:  2,
			UnitPrice: 500,
			Currency:  "RUB",
			Status:    domain.OrderStatusPending,
			CreatedAt: at,
			UpdatedAt: at,
		}
	}

	t.Run("create and duplicate id", func(t *testing.T) {
		if _, err := repo.Create(ctx, newOrder("ord_pg_1", created)); err != nil {
			t.Fatalf("create order: %v", err)
		}
		if _, err := repo.Create(ctx, newOrder("ord_pg_1", created)); !isConflict(err) {
			t.Fatalf("expected duplicate create to conflict, got %v", err)
		}
		got, err := repo.Get(ctx, "ord_pg_1")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.TotalAmount() != 1000 || !got.CreatedAt.Equal(created) || got.PaymentRef != nil {
			t.Fatalf("unexpected stored order %+v", got)
		}
		if _, err := repo.Get(ctx, "missing"); !isNotFound(err) {
			t.Fatalf("expected not found, got %v", err)
		}
	})

	t.Run("status swap has a single winner", func(t *testing.T) {
		if _, err := repo.Create(ctx, newOrder("ord_pg_race", created)); err != nil {
			t.Fatalf("create order: %v", err)
		}

		const workers = 8
		var (
			wg     sync.WaitGroup
			mu     sync.Mutex
			winner domain.OrderStatus
			wins   int
		)
		wg.Add(workers)
		for i := 0; i < workers; i++ {
			next := domain.OrderStatusPaid
			if i%2 == 1 {
				next = domain.OrderStatusSellerRejected
			}
			go func(next domain.OrderStatus) {
				defer wg.Done()
				_, err := repo.CompareAndSwapStatus(ctx, "ord_pg_race", domain.OrderStatusPending, next, created.Add(time.Minute))
				if err == nil {
					mu.Lock()
					wins++
					winner = next
					mu.Unlock()
					return
				}
				if !isConflict(err) {
					t.Errorf("unexpected cas error: %v", err)
				}
			}(next)
		}
		wg.Wait()
		if wins != 1 {
			t.Fatalf("expected exactly one status transition, got %d", wins)
		}

		stored, err := repo.Get(ctx, "ord_pg_race")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if stored.Status != winner || !stored.UpdatedAt.Equal(created.Add(time.Minute)) {
			t.Fatalf("expected %s written by the winner, got %+v", winner, stored)
		}

		// The loser reports the status that beat it.
		current, err := repo.CompareAndSwapStatus(ctx, "ord_pg_race", domain.OrderStatusPending, domain.OrderStatusCanceled, created.Add(2*time.Minute))
		if !isConflict(err) || current.Status != winner {
			t.Fatalf("expected conflict with current %s, got %s err=%v", winner, current.Status, err)
		}
		if _, err := repo.CompareAndSwapStatus(ctx, "missing", domain.OrderStatusPending, domain.OrderStatusPaid, created); !isNotFound(err) {
			t.Fatalf("expected not found for missing order, got %v", err)
		}
	})

	t.Run("payment ref is set once", func(t *testing.T) {
		if _, err := repo.Create(ctx, newOrder("ord_pg_pay", created)); err != nil {
			t.Fatalf("create order: %v", err)
		}
		first := domain.PaymentRef{
			PaymentID:   "pay_1",
			Provider:    "gateway",
			Amount:      1000,
			Currency:    "RUB",
			RedirectURL: "https://pay.example.com/1",
			CreatedAt:   created.Add(time.Second),
		}
		order, applied, err := repo.SetPaymentRefIfAbsent(ctx, "ord_pg_pay", first)
		if err != nil || !applied {
			t.Fatalf("set payment ref: applied=%v err=%v", applied, err)
		}
		if ref := order.PaymentRef; ref == nil || ref.PaymentID != first.PaymentID || ref.RedirectURL != first.RedirectURL ||
			ref.Amount != first.Amount || !ref.CreatedAt.Equal(first.CreatedAt) {
			t.Fatalf("unexpected stored ref %+v", order.PaymentRef)
		}

		order, applied, err = repo.SetPaymentRefIfAbsent(ctx, "ord_pg_pay", domain.PaymentRef{PaymentID: "pay_2", RedirectURL: "https://pay.example.com/2"})
		if err != nil {
			t.Fatalf("second set payment ref: %v", err)
		}
		if applied || order.PaymentRef == nil || order.PaymentRef.PaymentID != "pay_1" {
			t.Fatalf("expected original payment ref to be kept, got applied=%v ref=%+v", applied, order.PaymentRef)
		}
		if _, _, err := repo.SetPaymentRefIfAbsent(ctx, "missing", first); !isNotFound(err) {
			t.Fatalf("expected not found for missing order, got %v", err)
		}
	})

	t.Run("listing is newest first", func(t *testing.T) {
		if _, err := repo.Create(ctx, newOrder("ord_pg_late", created.Add(time.Hour))); err != nil {
			t.Fatalf("create order: %v", err)
		}
		list, err := repo.ListByBuyer(ctx, "buyer-1")
		if err != nil {
			t.Fatalf("list by buyer: %v", err)
		}
		if len(list) != 4 || list[0].ID != "ord_pg_late" {
			t.Fatalf("unexpected buyer orders %+v", list)
		}
		sales, err := repo.ListBySeller(ctx, "seller-1")
		if err != nil || len(sales) != 4 {
			t.Fatalf("list by seller: %d orders, err=%v", len(sales), err)
		}
		none, err := repo.ListByBuyer(ctx, "buyer-2")
		if err != nil || len(none) != 0 {
			t.Fatalf("expected no orders for another buyer, got %d err=%v", len(none), err)
		}
	})

	t.Run("catalog lookup", func(t *testing.T) {
		if err := db.WithContext(ctx).Create(&productRecord{
			ID: "prod-1", SellerID: "seller-1", Title: "Ebook", Price: 500, Currency: "rub", Available: 3, Active: true,
		}).Error; err != nil {
			t.Fatalf("seed product: %v", err)
		}
		product, err := reg.Products().FindByID(ctx, "prod-1")
		if err != nil {
			t.Fatalf("find product: %v", err)
		}
		if product.Currency != "RUB" || product.Available != 3 || !product.Active {
			t.Fatalf("unexpected product %+v", product)
		}
		if _, err := reg.Products().FindByID(ctx, "missing"); !isNotFound(err) {
			t.Fatalf("expected not found, got %v", err)
		}
	})
}

func isConflict(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsConflict()
}

func isNotFound(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}
