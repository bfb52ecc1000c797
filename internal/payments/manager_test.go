package payments

import (
	"context"
	"errors"
	"testing"
)

type fakeProvider struct {
	name    string
	intent  PaymentIntent
	err     error
	lastReq PaymentRequest
	calls   int
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) CreatePayment(ctx context.Context, req PaymentRequest) (PaymentIntent, error) {
	f.calls++
	f.lastReq = req
	return f.intent, f.err
}

func TestManagerRoutesByCurrency(t *testing.T) {
	ctx := context.Background()
	stripe := &fakeProvider{name: "stripe", intent: PaymentIntent{ID: "cs_stripe"}}
	local := &fakeProvider{name: "yookassa", intent: PaymentIntent{ID: "pay_local"}}

	mgr, err := NewManager([]Provider{stripe, local}, WithCurrencyRoutes(map[string]string{"rub": "YooKassa"}))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	intent, err := mgr.CreatePayment(ctx, PaymentRequest{OrderID: "ord_1", Currency: "RUB", IdempotencyKey: "ord_1"})
	if err != nil {
		t.Fatalf("create payment: %v", err)
	}
	if intent.ID != "pay_local" || intent.Provider != "yookassa" {
		t.Fatalf("expected routed provider, got %+v", intent)
	}
	if local.lastReq.IdempotencyKey != "ord_1" {
		t.Fatalf("expected idempotency key forwarded, got %q", local.lastReq.IdempotencyKey)
	}

	intent, err = mgr.CreatePayment(ctx, PaymentRequest{OrderID: "ord_2", Currency: "USD"})
	if err != nil {
		t.Fatalf("create payment: %v", err)
	}
	if intent.ID != "cs_stripe" {
		t.Fatalf("expected stripe default for unrouted currency, got %+v", intent)
	}
}

func TestManagerUnknownRoute(t *testing.T) {
	mgr, err := NewManager([]Provider{
		&fakeProvider{name: "stripe"},
		&fakeProvider{name: "paypal"},
	}, WithCurrencyRoutes(map[string]string{"eur": "adyen"}))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if _, err := mgr.CreatePayment(context.Background(), PaymentRequest{Currency: "EUR"}); !errors.Is(err, ErrUnsupportedProvider) {
		t.Fatalf("expected ErrUnsupportedProvider, got %v", err)
	}
}

func TestManagerNoDefaultWithSeveralProviders(t *testing.T) {
	mgr, err := NewManager([]Provider{
		&fakeProvider{name: "paypal"},
		&fakeProvider{name: "adyen"},
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if _, err := mgr.Resolve("JPY"); !errors.Is(err, ErrUnsupportedProvider) {
		t.Fatalf("expected ErrUnsupportedProvider, got %v", err)
	}
}

func TestManagerPropagatesProviderError(t *testing.T) {
	boom := errors.New("gateway down")
	mgr, err := NewManager([]Provider{&fakeProvider{name: "stripe", err: boom}})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if _, err := mgr.CreatePayment(context.Background(), PaymentRequest{Currency: "USD"}); !errors.Is(err, boom) {
		t.Fatalf("expected provider error, got %v", err)
	}
}

func TestNewManagerRejectsDuplicates(t *testing.T) {
	if _, err := NewManager([]Provider{&fakeProvider{name: "stripe"}, &fakeProvider{name: "Stripe"}}); err == nil {
		t.Fatal("expected duplicate registration error")
	}
	if _, err := NewManager(nil); err == nil {
		t.Fatal("expected error without providers")
	}
}
