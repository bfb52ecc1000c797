package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hanko-field/orders/internal/domain"
	"github.com/hanko-field/orders/internal/payments"
	"github.com/hanko-field/orders/internal/repositories"
	"github.com/hanko-field/orders/internal/repositories/memory"
)

var testNow = time.Date(2025, time.May, 2, 9, 30, 0, 0, time.UTC)

const (
	testBuyer  = "buyer-1"
	testSeller = "seller-1"
)

type fakeGateway struct {
	mu       sync.Mutex
	calls    int32
	reqs     []payments.PaymentRequest
	release  chan struct{}
	createFn func(context.Context, payments.PaymentRequest) (payments.PaymentIntent, error)
}

func (g *fakeGateway) CreatePayment(ctx context.Context, req payments.PaymentRequest) (payments.PaymentIntent, error) {
	atomic.AddInt32(&g.calls, 1)
	g.mu.Lock()
	g.reqs = append(g.reqs, req)
	g.mu.Unlock()
	if g.release != nil {
		<-g.release
	}
	if g.createFn != nil {
		return g.createFn(ctx, req)
	}
	return payments.PaymentIntent{
		ID:          "pay_1",
		Provider:    "gateway",
		RedirectURL: "https://pay/1",
		Amount:      req.Amount,
		Currency:    req.Currency,
		Status:      payments.StatusPending,
	}, nil
}

func (g *fakeGateway) callCount() int {
	return int(atomic.LoadInt32(&g.calls))
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []OrderEvent
	err    error
}

func (p *recordingPublisher) PublishOrderEvent(_ context.Context, event OrderEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return p.err
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, event := range p.events {
		out = append(out, event.Type)
	}
	return out
}

type logRecorder struct {
	mu     sync.Mutex
	events []string
}

func (l *logRecorder) log(_ context.Context, event string, _ map[string]any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
}

func (l *logRecorder) has(event string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.events {
		if e == event {
			return true
		}
	}
	return false
}

// stubOrderRepo delegates to an in-memory store unless a hook is set.
type stubOrderRepo struct {
	*memory.OrderRepository
	getFn func(context.Context, string) (domain.Order, error)
	casFn func(context.Context, string, domain.OrderStatus, domain.OrderStatus, time.Time) (domain.Order, error)
}

func (s *stubOrderRepo) Get(ctx context.Context, orderID string) (domain.Order, error) {
	if s.getFn != nil {
		return s.getFn(ctx, orderID)
	}
	return s.OrderRepository.Get(ctx, orderID)
}

func (s *stubOrderRepo) CompareAndSwapStatus(ctx context.Context, orderID string, expected, next domain.OrderStatus, at time.Time) (domain.Order, error) {
	if s.casFn != nil {
		return s.casFn(ctx, orderID, expected, next, at)
	}
	return s.OrderRepository.CompareAndSwapStatus(ctx, orderID, expected, next, at)
}

type orderFixture struct {
	svc       OrderService
	orders    *stubOrderRepo
	gateway   *fakeGateway
	publisher *recordingPublisher
	logs      *logRecorder
}

func newOrderFixture(t *testing.T) *orderFixture {
	t.Helper()
	products := memory.NewProductRepository(
		domain.Product{ID: "prod-x", SellerID: testSeller, Title: "Ebook", Price: 100, Currency: "rub", Available: 5, Active: true},
		domain.Product{ID: "prod-off", SellerID: testSeller, Title: "Retired", Price: 100, Currency: "RUB", Available: 5},
	)
	fx := &orderFixture{
		orders:    &stubOrderRepo{OrderRepository: memory.NewOrderRepository()},
		gateway:   &fakeGateway{},
		publisher: &recordingPublisher{},
		logs:      &logRecorder{},
	}
	ids := 0
	svc, err := NewOrderService(OrderServiceDeps{
		Orders:   fx.orders,
		Products: products,
		Gateway:  fx.gateway,
		Events:   fx.publisher,
		Clock:    func() time.Time { return testNow },
		IDGenerator: func() string {
			ids++
			return "01TEST" + strings.Repeat("0", ids)
		},
		Logger:          fx.logs.log,
		DefaultCurrency: "usd",
		ReturnURL:       "https://shop.example.com/api/v1/orders/{orderID}/success",
	})
	if err != nil {
		t.Fatalf("NewOrderService: %v", err)
	}
	fx.svc = svc
	return fx
}

func (fx *orderFixture) createOrder(t *testing.T) domain.Order {
	t.Helper()
	order, err := fx.svc.CreateOrder(context.Background(), CreateOrderCommand{
		BuyerID:   testBuyer,
		ProductID: "prod-x",
		Quantity:  1,
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	return order
}

func (fx *orderFixture) status(t *testing.T, orderID string) domain.OrderStatus {
	t.Helper()
	order, err := fx.orders.OrderRepository.Get(context.Background(), orderID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	return order.Status
}

func TestNewOrderServiceRequiresDependencies(t *testing.T) {
	if _, err := NewOrderService(OrderServiceDeps{}); err == nil {
		t.Fatal("expected error without repositories")
	}
	if _, err := NewOrderService(OrderServiceDeps{
		Orders:   memory.NewOrderRepository(),
		Products: memory.NewProductRepository(),
	}); err == nil {
		t.Fatal("expected error without gateway")
	}
}

func TestOrderServiceCreateOrderNormalisesComment(t *testing.T) {
	fx := newOrderFixture(t)
	order, err := fx.svc.CreateOrder(context.Background(), CreateOrderCommand{
		BuyerID:   testBuyer,
		ProductID: "prod-x",
		Quantity:  1,
		Comment:   "cafe\u0301 " + strings.Repeat("x", maxCommentLength-5),
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if !strings.HasPrefix(order.Comment, "caf\u00e9 ") {
		t.Fatalf("expected composed comment, got %q", order.Comment[:8])
	}
}

func TestOrderServiceCreateOrder(t *testing.T) {
	fx := newOrderFixture(t)
	order, err := fx.svc.CreateOrder(context.Background(), CreateOrderCommand{
		BuyerID:      testBuyer,
		ProductID:    "prod-x",
		Quantity:     2,
		Comment:      "  <b>gift</b> for mom<script>alert(1)</script> ",
		ReceiptEmail: "Buyer@Example.com",
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	if !strings.HasPrefix(order.ID, orderIDPrefix) {
		t.Fatalf("expected ord_ prefix, got %s", order.ID)
	}
	if order.Status != domain.OrderStatusPending || order.PaymentRef != nil {
		t.Fatalf("expected pending order without payment, got %+v", order)
	}
	if order.SellerID != testSeller || order.UnitPrice != 100 || order.TotalAmount() != 200 {
		t.Fatalf("unexpected pricing snapshot %+v", order)
	}
	if order.Currency != "RUB" {
		t.Fatalf("expected product currency upper-cased, got %s", order.Currency)
	}
	if order.Comment != "gift for mom" {
		t.Fatalf("expected sanitized comment, got %q", order.Comment)
	}
	if order.ReceiptEmail != "buyer@example.com" {
		t.Fatalf("expected normalised email, got %q", order.ReceiptEmail)
	}
	if !order.CreatedAt.Equal(testNow) {
		t.Fatalf("expected clock timestamp, got %s", order.CreatedAt)
	}
	if got := fx.publisher.types(); len(got) != 1 || got[0] != orderEventCreated {
		t.Fatalf("expected order.created event, got %v", got)
	}
}

func TestOrderServiceCreateOrderRetriesIDCollision(t *testing.T) {
	products := memory.NewProductRepository(domain.Product{ID: "prod-x", SellerID: testSeller, Title: "Ebook", Price: 100, Currency: "RUB", Available: 5, Active: true})
	ids := []string{"DUP", "DUP", "FRESH"}
	logs := &logRecorder{}
	svc, err := NewOrderService(OrderServiceDeps{
		Orders:   memory.NewOrderRepository(),
		Products: products,
		Gateway:  &fakeGateway{},
		Clock:    func() time.Time { return testNow },
		IDGenerator: func() string {
			id := ids[0]
			if len(ids) > 1 {
				ids = ids[1:]
			}
			return id
		},
		Logger: logs.log,
	})
	if err != nil {
		t.Fatalf("NewOrderService: %v", err)
	}
	cmd := CreateOrderCommand{BuyerID: testBuyer, ProductID: "prod-x", Quantity: 1}

	first, err := svc.CreateOrder(context.Background(), cmd)
	if err != nil || first.ID != "ord_DUP" {
		t.Fatalf("first order: %v %s", err, first.ID)
	}
	second, err := svc.CreateOrder(context.Background(), cmd)
	if err != nil {
		t.Fatalf("second order: %v", err)
	}
	if second.ID != "ord_FRESH" {
		t.Fatalf("expected fresh id after collision, got %s", second.ID)
	}
	if !logs.has("order.create.id_collision") {
		t.Fatal("expected collision to be logged")
	}

	// Every attempt collides: the caller is told to retry, not that the order is in a bad state.
	_, err = svc.CreateOrder(context.Background(), cmd)
	if !errors.Is(err, ErrOrderUnavailable) || errors.Is(err, ErrOrderInvalidTransition) {
		t.Fatalf("expected ErrOrderUnavailable, got %v", err)
	}
}

func TestOrderServiceCreateOrderValidation(t *testing.T) {
	cases := map[string]CreateOrderCommand{
		"missing buyer":     {ProductID: "prod-x", Quantity: 1},
		"zero quantity":     {BuyerID: testBuyer, ProductID: "prod-x"},
		"unknown product":   {BuyerID: testBuyer, ProductID: "prod-missing", Quantity: 1},
		"inactive product":  {BuyerID: testBuyer, ProductID: "prod-off", Quantity: 1},
		"over availability": {BuyerID: testBuyer, ProductID: "prod-x", Quantity: 6},
		"bad email":         {BuyerID: testBuyer, ProductID: "prod-x", Quantity: 1, ReceiptEmail: "not-an-email"},
		"long comment":      {BuyerID: testBuyer, ProductID: "prod-x", Quantity: 1, Comment: strings.Repeat("a", maxCommentLength+1)},
	}
	for name, cmd := range cases {
		t.Run(name, func(t *testing.T) {
			fx := newOrderFixture(t)
			if _, err := fx.svc.CreateOrder(context.Background(), cmd); !errors.Is(err, ErrOrderInvalid) {
				t.Fatalf("expected ErrOrderInvalid, got %v", err)
			}
			if fx.gateway.callCount() != 0 {
				t.Fatal("gateway must not be called")
			}
		})
	}
}

func TestOrderServiceRequestPayment(t *testing.T) {
	fx := newOrderFixture(t)
	ctx := context.Background()
	order := fx.createOrder(t)

	paid, err := fx.svc.RequestPayment(ctx, RequestPaymentCommand{OrderID: order.ID, ActorID: testBuyer})
	if err != nil {
		t.Fatalf("RequestPayment: %v", err)
	}
	if paid.Status != domain.OrderStatusPending {
		t.Fatalf("payment request must not change status, got %s", paid.Status)
	}
	ref := paid.PaymentRef
	if ref == nil || ref.PaymentID != "pay_1" || ref.RedirectURL != "https://pay/1" {
		t.Fatalf("unexpected payment ref %+v", ref)
	}
	if ref.Amount != 100 || ref.Currency != "RUB" {
		t.Fatalf("unexpected payment amount %+v", ref)
	}

	req := fx.gateway.reqs[0]
	if req.IdempotencyKey != order.ID {
		t.Fatalf("expected idempotency key %s, got %s", order.ID, req.IdempotencyKey)
	}
	if req.Metadata[payments.MetadataOrderID] != order.ID {
		t.Fatalf("expected order metadata, got %v", req.Metadata)
	}
	if req.ReturnURL != "https://shop.example.com/api/v1/orders/"+order.ID+"/success" {
		t.Fatalf("unexpected return url %s", req.ReturnURL)
	}

	again, err := fx.svc.RequestPayment(ctx, RequestPaymentCommand{OrderID: order.ID, ActorID: testBuyer})
	if err != nil {
		t.Fatalf("RequestPayment again: %v", err)
	}
	if again.PaymentRef.PaymentID != "pay_1" || fx.gateway.callCount() != 1 {
		t.Fatalf("expected stored ref without a second gateway call, calls=%d", fx.gateway.callCount())
	}
}

func TestOrderServiceRequestPaymentRules(t *testing.T) {
	fx := newOrderFixture(t)
	ctx := context.Background()
	order := fx.createOrder(t)

	if _, err := fx.svc.RequestPayment(ctx, RequestPaymentCommand{OrderID: order.ID, ActorID: "intruder"}); !errors.Is(err, ErrOrderForbidden) {
		t.Fatalf("expected ErrOrderForbidden, got %v", err)
	}
	if _, err := fx.svc.RequestPayment(ctx, RequestPaymentCommand{OrderID: "ord_missing", ActorID: testBuyer}); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}

	if _, err := fx.svc.SellerReject(ctx, SellerActionCommand{OrderID: order.ID, ActorID: testSeller}); err != nil {
		t.Fatalf("SellerReject: %v", err)
	}
	if _, err := fx.svc.RequestPayment(ctx, RequestPaymentCommand{OrderID: order.ID, ActorID: testBuyer}); !errors.Is(err, ErrOrderInvalidTransition) {
		t.Fatalf("expected ErrOrderInvalidTransition, got %v", err)
	}
	if fx.gateway.callCount() != 0 {
		t.Fatalf("gateway called %d times", fx.gateway.callCount())
	}
}

func TestOrderServiceRequestPaymentGatewayFailure(t *testing.T) {
	fx := newOrderFixture(t)
	ctx := context.Background()
	order := fx.createOrder(t)

	fx.gateway.createFn = func(context.Context, payments.PaymentRequest) (payments.PaymentIntent, error) {
		return payments.PaymentIntent{}, errors.New("gateway timeout")
	}
	if _, err := fx.svc.RequestPayment(ctx, RequestPaymentCommand{OrderID: order.ID, ActorID: testBuyer}); !errors.Is(err, ErrOrderGateway) {
		t.Fatalf("expected ErrOrderGateway, got %v", err)
	}
	stored, _ := fx.orders.OrderRepository.Get(ctx, order.ID)
	if stored.Status != domain.OrderStatusPending || stored.PaymentRef != nil {
		t.Fatalf("failed payment must leave order untouched, got %+v", stored)
	}
	if !fx.logs.has("order.payment.request.failed") {
		t.Fatal("expected gateway failure to be logged")
	}

	fx.gateway.createFn = nil
	retried, err := fx.svc.RequestPayment(ctx, RequestPaymentCommand{OrderID: order.ID, ActorID: testBuyer})
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if retried.PaymentRef == nil {
		t.Fatal("expected retry to store a payment ref")
	}
	for _, req := range fx.gateway.reqs {
		if req.IdempotencyKey != order.ID {
			t.Fatalf("retry must reuse idempotency key, got %s", req.IdempotencyKey)
		}
	}
}

func TestOrderServiceRequestPaymentConcurrentSingleGatewayCall(t *testing.T) {
	fx := newOrderFixture(t)
	order := fx.createOrder(t)
	fx.gateway.release = make(chan struct{})

	const callers = 8
	var (
		wg      sync.WaitGroup
		results = make([]domain.Order, callers)
		errs    = make([]error, callers)
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = fx.svc.RequestPayment(context.Background(), RequestPaymentCommand{OrderID: order.ID, ActorID: testBuyer})
		}(i)
	}

	deadline := time.After(2 * time.Second)
	for fx.gateway.callCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("gateway was never called")
		default:
			time.Sleep(time.Millisecond)
		}
	}
	// Let stragglers join the in-flight call before it returns.
	time.Sleep(20 * time.Millisecond)
	close(fx.gateway.release)
	wg.Wait()

	if got := fx.gateway.callCount(); got != 1 {
		t.Fatalf("expected exactly one gateway call, got %d", got)
	}
	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if results[i].PaymentRef == nil || results[i].PaymentRef.RedirectURL != "https://pay/1" {
			t.Fatalf("caller %d got %+v", i, results[i].PaymentRef)
		}
	}
}

func TestOrderServiceRequestPaymentCallerDeadline(t *testing.T) {
	fx := newOrderFixture(t)
	order := fx.createOrder(t)
	fx.gateway.release = make(chan struct{})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	started := time.Now()
	_, err := fx.svc.RequestPayment(ctx, RequestPaymentCommand{OrderID: order.ID, ActorID: testBuyer})
	elapsed := time.Since(started)

	if !errors.Is(err, ErrOrderGateway) || !errors.Is(err, ErrPaymentOutcomeUnknown) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected unknown gateway outcome, got %v", err)
	}
	if elapsed > time.Second {
		t.Fatalf("caller waited %s past its deadline", elapsed)
	}
	if !fx.logs.has("order.payment.request.abandoned") {
		t.Fatal("expected abandoned request to be logged")
	}

	close(fx.gateway.release)
	retried, err := fx.svc.RequestPayment(context.Background(), RequestPaymentCommand{OrderID: order.ID, ActorID: testBuyer})
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if retried.PaymentRef == nil || retried.PaymentRef.RedirectURL != "https://pay/1" {
		t.Fatalf("expected retry to converge on the first payment, got %+v", retried.PaymentRef)
	}
	if got := fx.gateway.callCount(); got != 1 {
		t.Fatalf("expected one gateway call, got %d", got)
	}
}

func TestOrderServiceRequestPaymentBoundsDetachedStoreCalls(t *testing.T) {
	products := memory.NewProductRepository(domain.Product{ID: "prod-x", SellerID: testSeller, Title: "Ebook", Price: 100, Currency: "RUB", Available: 5, Active: true})
	repo := &stubOrderRepo{OrderRepository: memory.NewOrderRepository()}
	svc, err := NewOrderService(OrderServiceDeps{
		Orders:       repo,
		Products:     products,
		Gateway:      &fakeGateway{},
		Clock:        func() time.Time { return testNow },
		StoreTimeout: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewOrderService: %v", err)
	}
	order, err := svc.CreateOrder(context.Background(), CreateOrderCommand{BuyerID: testBuyer, ProductID: "prod-x", Quantity: 1})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	var gets int32
	repo.getFn = func(ctx context.Context, orderID string) (domain.Order, error) {
		if atomic.AddInt32(&gets, 1) == 1 {
			return repo.OrderRepository.Get(ctx, orderID)
		}
		// A hung store answers only when the caller gives up.
		<-ctx.Done()
		return domain.Order{}, repositories.NewUnavailable("get", ctx.Err())
	}

	done := make(chan error, 1)
	go func() {
		_, err := svc.RequestPayment(context.Background(), RequestPaymentCommand{OrderID: order.ID, ActorID: testBuyer})
		done <- err
	}()
	select {
	case err := <-done:
		if !errors.Is(err, ErrOrderUnavailable) {
			t.Fatalf("expected ErrOrderUnavailable, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("store call inside the shared payment was not bounded")
	}
}

func TestOrderServiceRequestPaymentKeepsFirstStoredRef(t *testing.T) {
	fx := newOrderFixture(t)
	ctx := context.Background()
	order := fx.createOrder(t)

	// Another instance stores its ref while this one waits on the gateway.
	fx.gateway.createFn = func(ctx context.Context, req payments.PaymentRequest) (payments.PaymentIntent, error) {
		if _, _, err := fx.orders.SetPaymentRefIfAbsent(ctx, req.OrderID, domain.PaymentRef{PaymentID: "pay_other", RedirectURL: "https://pay/other"}); err != nil {
			t.Errorf("seed ref: %v", err)
		}
		return payments.PaymentIntent{ID: "pay_late", RedirectURL: "https://pay/late"}, nil
	}
	result, err := fx.svc.RequestPayment(ctx, RequestPaymentCommand{OrderID: order.ID, ActorID: testBuyer})
	if err != nil {
		t.Fatalf("RequestPayment: %v", err)
	}
	if result.PaymentRef.PaymentID != "pay_other" {
		t.Fatalf("expected first stored ref to win, got %s", result.PaymentRef.PaymentID)
	}
	if !fx.logs.has("order.payment.ref.kept") {
		t.Fatal("expected discarded ref to be logged")
	}
}

func TestOrderServiceSellerActions(t *testing.T) {
	fx := newOrderFixture(t)
	ctx := context.Background()
	order := fx.createOrder(t)

	if _, err := fx.svc.SellerConfirm(ctx, SellerActionCommand{OrderID: order.ID, ActorID: testBuyer}); !errors.Is(err, ErrOrderForbidden) {
		t.Fatalf("expected ErrOrderForbidden for buyer, got %v", err)
	}
	if _, err := fx.svc.MarkDelivered(ctx, SellerActionCommand{OrderID: order.ID, ActorID: testSeller}); !errors.Is(err, ErrOrderInvalidTransition) {
		t.Fatalf("expected ErrOrderInvalidTransition delivering pending order, got %v", err)
	}

	confirmed, err := fx.svc.SellerConfirm(ctx, SellerActionCommand{OrderID: order.ID, ActorID: testSeller})
	if err != nil {
		t.Fatalf("SellerConfirm: %v", err)
	}
	if confirmed.Status != domain.OrderStatusPaid {
		t.Fatalf("expected paid, got %s", confirmed.Status)
	}

	// Confirming an order that is already paid is an invalid transition.
	if _, err := fx.svc.SellerConfirm(ctx, SellerActionCommand{OrderID: order.ID, ActorID: testSeller}); !errors.Is(err, ErrOrderInvalidTransition) {
		t.Fatalf("expected ErrOrderInvalidTransition, got %v", err)
	}
	if _, err := fx.svc.SellerReject(ctx, SellerActionCommand{OrderID: order.ID, ActorID: testSeller}); !errors.Is(err, ErrOrderInvalidTransition) {
		t.Fatalf("expected ErrOrderInvalidTransition rejecting paid order, got %v", err)
	}
	if got := fx.status(t, order.ID); got != domain.OrderStatusPaid {
		t.Fatalf("status changed to %s", got)
	}

	delivered, err := fx.svc.MarkDelivered(ctx, SellerActionCommand{OrderID: order.ID, ActorID: testSeller})
	if err != nil || delivered.Status != domain.OrderStatusDelivered {
		t.Fatalf("MarkDelivered: %v %+v", err, delivered)
	}

	events := fx.publisher.events
	last := events[len(events)-1]
	if last.Type != orderEventStatusChanged || last.PreviousStatus != "paid" || last.CurrentStatus != "delivered" {
		t.Fatalf("unexpected last event %+v", last)
	}
}

func TestOrderServiceSellerActionLosesRace(t *testing.T) {
	fx := newOrderFixture(t)
	ctx := context.Background()
	order := fx.createOrder(t)

	fx.orders.casFn = func(ctx context.Context, id string, expected, next domain.OrderStatus, at time.Time) (domain.Order, error) {
		// A gateway event lands between the seller's read and write.
		if _, err := fx.orders.OrderRepository.CompareAndSwapStatus(ctx, id, domain.OrderStatusPending, domain.OrderStatusPaid, at); err != nil {
			t.Errorf("seed payment: %v", err)
		}
		return fx.orders.OrderRepository.CompareAndSwapStatus(ctx, id, expected, next, at)
	}
	if _, err := fx.svc.SellerReject(ctx, SellerActionCommand{OrderID: order.ID, ActorID: testSeller}); !errors.Is(err, ErrOrderInvalidTransition) {
		t.Fatalf("expected ErrOrderInvalidTransition after lost race, got %v", err)
	}
	if got := fx.status(t, order.ID); got != domain.OrderStatusPaid {
		t.Fatalf("expected paid to stand, got %s", got)
	}
}

func gatewayEvent(orderID, eventID string, kind domain.GatewayEventKind) domain.GatewayEvent {
	return domain.GatewayEvent{
		EventID:    eventID,
		Kind:       kind,
		OrderID:    orderID,
		PaymentID:  "pay_1",
		Provider:   "gateway",
		ReceivedAt: testNow,
	}
}

func TestOrderServiceApplyGatewayEvent(t *testing.T) {
	fx := newOrderFixture(t)
	ctx := context.Background()
	order := fx.createOrder(t)
	if _, err := fx.svc.RequestPayment(ctx, RequestPaymentCommand{OrderID: order.ID, ActorID: testBuyer}); err != nil {
		t.Fatalf("RequestPayment: %v", err)
	}

	result, err := fx.svc.ApplyGatewayEvent(ctx, gatewayEvent(order.ID, "evt_1", domain.GatewayEventPaymentSucceeded))
	if err != nil {
		t.Fatalf("ApplyGatewayEvent: %v", err)
	}
	if result.Outcome != GatewayEventApplied || result.Order.Status != domain.OrderStatusPaid {
		t.Fatalf("unexpected result %+v", result)
	}
	published := len(fx.publisher.events)

	again, err := fx.svc.ApplyGatewayEvent(ctx, gatewayEvent(order.ID, "evt_1", domain.GatewayEventPaymentSucceeded))
	if err != nil {
		t.Fatalf("reapply: %v", err)
	}
	if again.Outcome != GatewayEventAlreadyApplied || again.Order.Status != domain.OrderStatusPaid {
		t.Fatalf("expected no-op, got %+v", again)
	}
	if len(fx.publisher.events) != published {
		t.Fatal("reapplying an event must not publish again")
	}
}

func TestOrderServiceApplyGatewayEventMatrix(t *testing.T) {
	type step func(t *testing.T, fx *orderFixture, orderID string)
	reject := func(t *testing.T, fx *orderFixture, orderID string) {
		if _, err := fx.svc.SellerReject(context.Background(), SellerActionCommand{OrderID: orderID, ActorID: testSeller}); err != nil {
			t.Fatalf("SellerReject: %v", err)
		}
	}
	confirm := func(t *testing.T, fx *orderFixture, orderID string) {
		if _, err := fx.svc.SellerConfirm(context.Background(), SellerActionCommand{OrderID: orderID, ActorID: testSeller}); err != nil {
			t.Fatalf("SellerConfirm: %v", err)
		}
	}

	cases := []struct {
		name     string
		setup    step
		kind     domain.GatewayEventKind
		outcome  GatewayEventOutcome
		conflict bool
		status   domain.OrderStatus
	}{
		{name: "canceled on pending", kind: domain.GatewayEventPaymentCanceled, outcome: GatewayEventApplied, status: domain.OrderStatusCanceled},
		{name: "succeeded after reject", setup: reject, kind: domain.GatewayEventPaymentSucceeded, conflict: true, status: domain.OrderStatusSellerRejected},
		{name: "canceled after reject", setup: reject, kind: domain.GatewayEventPaymentCanceled, outcome: GatewayEventAlreadyApplied, status: domain.OrderStatusSellerRejected},
		{name: "succeeded after confirm", setup: confirm, kind: domain.GatewayEventPaymentSucceeded, outcome: GatewayEventAlreadyApplied, status: domain.OrderStatusPaid},
		{name: "canceled after confirm", setup: confirm, kind: domain.GatewayEventPaymentCanceled, conflict: true, status: domain.OrderStatusPaid},
		{name: "other kind", kind: domain.GatewayEventOther, outcome: GatewayEventIgnored, status: domain.OrderStatusPending},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fx := newOrderFixture(t)
			order := fx.createOrder(t)
			if tc.setup != nil {
				tc.setup(t, fx, order.ID)
			}

			result, err := fx.svc.ApplyGatewayEvent(context.Background(), gatewayEvent(order.ID, "evt_m", tc.kind))
			if tc.conflict {
				if !errors.Is(err, ErrReconciliationConflict) {
					t.Fatalf("expected ErrReconciliationConflict, got %v", err)
				}
				if !fx.logs.has("order.reconciliation.conflict") {
					t.Fatal("expected conflict to be logged")
				}
			} else {
				if err != nil {
					t.Fatalf("ApplyGatewayEvent: %v", err)
				}
				if result.Outcome != tc.outcome {
					t.Fatalf("expected outcome %s, got %s", tc.outcome, result.Outcome)
				}
			}
			if got := fx.status(t, order.ID); got != tc.status {
				t.Fatalf("expected status %s, got %s", tc.status, got)
			}
		})
	}
}

func TestOrderServiceApplyGatewayEventPaymentMismatch(t *testing.T) {
	fx := newOrderFixture(t)
	ctx := context.Background()
	order := fx.createOrder(t)
	if _, err := fx.svc.RequestPayment(ctx, RequestPaymentCommand{OrderID: order.ID, ActorID: testBuyer}); err != nil {
		t.Fatalf("RequestPayment: %v", err)
	}

	event := gatewayEvent(order.ID, "evt_x", domain.GatewayEventPaymentSucceeded)
	event.PaymentID = "pay_someone_else"
	if _, err := fx.svc.ApplyGatewayEvent(ctx, event); !errors.Is(err, ErrReconciliationConflict) {
		t.Fatalf("expected ErrReconciliationConflict, got %v", err)
	}
	if got := fx.status(t, order.ID); got != domain.OrderStatusPending {
		t.Fatalf("status changed to %s", got)
	}
}

func TestOrderServiceApplyGatewayEventErrors(t *testing.T) {
	fx := newOrderFixture(t)
	ctx := context.Background()

	if _, err := fx.svc.ApplyGatewayEvent(ctx, gatewayEvent("ord_missing", "evt_1", domain.GatewayEventPaymentSucceeded)); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}

	order := fx.createOrder(t)
	fx.orders.getFn = func(context.Context, string) (domain.Order, error) {
		return domain.Order{}, repositories.NewUnavailable("orders.get", errors.New("firestore down"))
	}
	if _, err := fx.svc.ApplyGatewayEvent(ctx, gatewayEvent(order.ID, "evt_2", domain.GatewayEventPaymentSucceeded)); !errors.Is(err, ErrOrderUnavailable) {
		t.Fatalf("expected ErrOrderUnavailable, got %v", err)
	}
}

func TestOrderServiceApplyGatewayEventRetriesLostCAS(t *testing.T) {
	fx := newOrderFixture(t)
	ctx := context.Background()
	order := fx.createOrder(t)

	var once sync.Once
	fx.orders.casFn = func(ctx context.Context, id string, expected, next domain.OrderStatus, at time.Time) (domain.Order, error) {
		once.Do(func() {
			// The seller rejects between the event's read and its write.
			if _, err := fx.orders.OrderRepository.CompareAndSwapStatus(ctx, id, domain.OrderStatusPending, domain.OrderStatusSellerRejected, at); err != nil {
				t.Errorf("seed reject: %v", err)
			}
		})
		return fx.orders.OrderRepository.CompareAndSwapStatus(ctx, id, expected, next, at)
	}

	_, err := fx.svc.ApplyGatewayEvent(ctx, gatewayEvent(order.ID, "evt_r", domain.GatewayEventPaymentSucceeded))
	if !errors.Is(err, ErrReconciliationConflict) {
		t.Fatalf("expected conflict after re-read, got %v", err)
	}
	if got := fx.status(t, order.ID); got != domain.OrderStatusSellerRejected {
		t.Fatalf("rejection must stand, got %s", got)
	}
}

func TestOrderServiceTerminalTransitionsAreExclusive(t *testing.T) {
	for i := 0; i < 20; i++ {
		fx := newOrderFixture(t)
		order := fx.createOrder(t)

		var (
			wg        sync.WaitGroup
			rejectErr error
			eventErr  error
			result    GatewayEventResult
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, rejectErr = fx.svc.SellerReject(context.Background(), SellerActionCommand{OrderID: order.ID, ActorID: testSeller})
		}()
		go func() {
			defer wg.Done()
			result, eventErr = fx.svc.ApplyGatewayEvent(context.Background(), gatewayEvent(order.ID, "evt_race", domain.GatewayEventPaymentSucceeded))
		}()
		wg.Wait()

		status := fx.status(t, order.ID)
		switch status {
		case domain.OrderStatusSellerRejected:
			if rejectErr != nil || !errors.Is(eventErr, ErrReconciliationConflict) {
				t.Fatalf("reject won but reject=%v event=%v", rejectErr, eventErr)
			}
		case domain.OrderStatusPaid:
			if eventErr != nil || result.Outcome != GatewayEventApplied || !errors.Is(rejectErr, ErrOrderInvalidTransition) {
				t.Fatalf("payment won but reject=%v event=%v", rejectErr, eventErr)
			}
		default:
			t.Fatalf("unexpected final status %s", status)
		}
	}
}

func TestOrderServiceGetOrderAndListMine(t *testing.T) {
	fx := newOrderFixture(t)
	ctx := context.Background()
	order := fx.createOrder(t)

	for _, actor := range []string{testBuyer, testSeller} {
		if _, err := fx.svc.GetOrder(ctx, GetOrderQuery{OrderID: order.ID, ActorID: actor}); err != nil {
			t.Fatalf("GetOrder as %s: %v", actor, err)
		}
	}
	if _, err := fx.svc.GetOrder(ctx, GetOrderQuery{OrderID: order.ID, ActorID: "stranger"}); !errors.Is(err, ErrOrderForbidden) {
		t.Fatalf("expected ErrOrderForbidden, got %v", err)
	}
	if _, err := fx.svc.GetOrder(ctx, GetOrderQuery{OrderID: order.ID, Staff: true}); err != nil {
		t.Fatalf("staff read: %v", err)
	}

	mine, err := fx.svc.ListMine(ctx, ListMineQuery{ActorID: testBuyer})
	if err != nil || len(mine) != 1 || mine[0].ID != order.ID {
		t.Fatalf("ListMine buyer: %v %+v", err, mine)
	}
	sales, err := fx.svc.ListMine(ctx, ListMineQuery{ActorID: testSeller, AsSeller: true})
	if err != nil || len(sales) != 1 {
		t.Fatalf("ListMine seller: %v %+v", err, sales)
	}
	if _, err := fx.svc.ListMine(ctx, ListMineQuery{}); !errors.Is(err, ErrOrderForbidden) {
		t.Fatalf("expected ErrOrderForbidden without actor, got %v", err)
	}
}

func TestOrderServicePublishFailureIsLogged(t *testing.T) {
	fx := newOrderFixture(t)
	fx.publisher.err = errors.New("pubsub down")
	fx.createOrder(t)
	if !fx.logs.has("order.event.publish.failed") {
		t.Fatal("expected publish failure to be logged")
	}
}
