package services

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net/mail"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/singleflight"
	"golang.org/x/text/unicode/norm"

	"github.com/hanko-field/orders/internal/domain"
	"github.com/hanko-field/orders/internal/payments"
	"github.com/hanko-field/orders/internal/repositories"
)

const (
	orderEventCreated        = "order.created"
	orderEventStatusChanged  = "order.status.changed"
	orderEventPaymentCreated = "order.payment.created"

	orderIDPrefix = "ord_"

	defaultGatewayTimeout = 10 * time.Second
	defaultStoreTimeout   = 5 * time.Second
	maxCommentLength      = 1000
	maxEventAttempts      = 3
	maxCreateAttempts     = 3
	orderIDPlaceholder    = "{orderID}"
)

var (
	// ErrOrderInvalid signals a rejected createOrder (InvalidOrder).
	ErrOrderInvalid = errors.New("order: invalid order")
	// ErrOrderForbidden signals the caller may not act on the order (Forbidden).
	ErrOrderForbidden = errors.New("order: forbidden")
	// ErrOrderInvalidTransition signals the current status does not allow the operation (InvalidTransition).
	ErrOrderInvalidTransition = errors.New("order: invalid status transition")
	// ErrOrderGateway signals the payment gateway call failed or timed out (GatewayError). The order is
	// left pending without a payment reference and the call may be retried.
	ErrOrderGateway = errors.New("order: payment gateway error")
	// ErrReconciliationConflict signals a gateway event that contradicts a terminal seller or gateway
	// decision. The stored status is never overridden.
	ErrReconciliationConflict = errors.New("order: reconciliation conflict")
	// ErrOrderNotFound indicates the order could not be located.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrOrderUnavailable indicates a retryable infrastructure failure.
	ErrOrderUnavailable = errors.New("order: store unavailable")
	// ErrPaymentOutcomeUnknown is returned with ErrOrderGateway when the caller gave up while the
	// shared gateway call was still running. Retrying converges on the same payment.
	ErrPaymentOutcomeUnknown = errors.New("order: payment outcome unknown")
)

// orderTransitions is the only source of allowed status edges.
var orderTransitions = map[domain.OrderStatus][]domain.OrderStatus{
	domain.OrderStatusPending: {domain.OrderStatusPaid, domain.OrderStatusCanceled, domain.OrderStatusSellerRejected},
	domain.OrderStatusPaid:    {domain.OrderStatusDelivered},
}

// OrderServiceDeps bundles collaborators required to construct the order service.
type OrderServiceDeps struct {
	Orders          repositories.OrderRepository
	Products        repositories.ProductRepository
	Gateway         PaymentGateway
	Events          OrderEventPublisher
	Clock           func() time.Time
	IDGenerator     func() string
	Logger          func(ctx context.Context, event string, fields map[string]any)
	DefaultCurrency string
	// ReturnURL and CancelURL may contain {orderID}.
	ReturnURL      string
	CancelURL      string
	GatewayTimeout time.Duration
	// StoreTimeout bounds store calls made after the caller's context has been detached.
	StoreTimeout time.Duration
}

type orderService struct {
	orders          repositories.OrderRepository
	products        repositories.ProductRepository
	gateway         PaymentGateway
	events          OrderEventPublisher
	clock           func() time.Time
	newID           func() string
	logger          func(context.Context, string, map[string]any)
	defaultCurrency string
	returnURL       string
	cancelURL       string
	gatewayTimeout  time.Duration
	storeTimeout    time.Duration
	sanitizer       *bluemonday.Policy
	payments        singleflight.Group
}

// NewOrderService wires dependencies into a concrete OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	if deps.Products == nil {
		return nil, errors.New("order service: product repository is required")
	}
	if deps.Gateway == nil {
		return nil, errors.New("order service: payment gateway is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	timeout := deps.GatewayTimeout
	if timeout <= 0 {
		timeout = defaultGatewayTimeout
	}
	storeTimeout := deps.StoreTimeout
	if storeTimeout <= 0 {
		storeTimeout = defaultStoreTimeout
	}

	return &orderService{
		orders:   deps.Orders,
		products: deps.Products,
		gateway:  deps.Gateway,
		events:   deps.Events,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:           idGen,
		logger:          logger,
		defaultCurrency: strings.ToUpper(strings.TrimSpace(deps.DefaultCurrency)),
		returnURL:       strings.TrimSpace(deps.ReturnURL),
		cancelURL:       strings.TrimSpace(deps.CancelURL),
		gatewayTimeout:  timeout,
		storeTimeout:    storeTimeout,
		sanitizer:       bluemonday.StrictPolicy(),
	}, nil
}

func (s *orderService) CreateOrder(ctx context.Context, cmd CreateOrderCommand) (domain.Order, error) {
	buyerID := strings.TrimSpace(cmd.BuyerID)
	if buyerID == "" {
		return domain.Order{}, fmt.Errorf("%w: buyer id is required", ErrOrderInvalid)
	}
	productID := strings.TrimSpace(cmd.ProductID)
	if productID == "" {
		return domain.Order{}, fmt.Errorf("%w: product id is required", ErrOrderInvalid)
	}
	if cmd.Quantity <= 0 {
		return domain.Order{}, fmt.Errorf("%w: quantity must be positive", ErrOrderInvalid)
	}
	comment, err := s.sanitizeComment(cmd.Comment)
	if err != nil {
		return domain.Order{}, err
	}
	email, err := normaliseEmail(cmd.ReceiptEmail)
	if err != nil {
		return domain.Order{}, err
	}

	product, err := s.products.FindByID(ctx, productID)
	if err != nil {
		if isRepoNotFound(err) {
			return domain.Order{}, fmt.Errorf("%w: product %s not found", ErrOrderInvalid, productID)
		}
		return domain.Order{}, s.mapRepositoryError(err)
	}
	if !product.Active {
		return domain.Order{}, fmt.Errorf("%w: product %s is not available", ErrOrderInvalid, productID)
	}
	if cmd.Quantity > product.Available {
		return domain.Order{}, fmt.Errorf("%w: requested %d, only %d available", ErrOrderInvalid, cmd.Quantity, product.Available)
	}

	currency := strings.ToUpper(strings.TrimSpace(product.Currency))
	if currency == "" {
		currency = s.defaultCurrency
	}

	now := s.now()
	order := domain.Order{
		ID:           orderIDPrefix + s.newID(),
		BuyerID:      buyerID,
		SellerID:     product.SellerID,
		ProductID:    product.ID,
		ProductTitle: product.Title,
		Quantity:     cmd.Quantity,
		UnitPrice:    product.Price,
		Currency:     currency,
		Comment:      comment,
		ReceiptEmail: email,
		Status:       domain.OrderStatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	created, err := s.insertOrder(ctx, order)
	if err != nil {
		return domain.Order{}, err
	}

	s.logger(ctx, orderEventCreated, map[string]any{
		"order_id":   created.ID,
		"product_id": created.ProductID,
		"quantity":   created.Quantity,
	})
	s.publishEvent(ctx, OrderEvent{
		Type:          orderEventCreated,
		OrderID:       created.ID,
		BuyerID:       created.BuyerID,
		SellerID:      created.SellerID,
		CurrentStatus: string(created.Status),
		ActorID:       buyerID,
		OccurredAt:    now,
		Metadata: map[string]any{
			"productId":   created.ProductID,
			"quantity":    created.Quantity,
			"totalAmount": created.TotalAmount(),
			"currency":    created.Currency,
		},
	})
	return created, nil
}

// insertOrder stores a new order. An id collision is retried with a fresh id and never surfaces as
// a transition error.
func (s *orderService) insertOrder(ctx context.Context, order domain.Order) (domain.Order, error) {
	var err error
	for attempt := 0; attempt < maxCreateAttempts; attempt++ {
		if attempt > 0 {
			order.ID = orderIDPrefix + s.newID()
		}
		var created domain.Order
		created, err = s.orders.Create(ctx, order)
		if err == nil {
			return created, nil
		}
		if !isRepoConflict(err) {
			return domain.Order{}, s.mapRepositoryError(err)
		}
		s.logger(ctx, "order.create.id_collision", map[string]any{"order_id": order.ID})
	}
	return domain.Order{}, fmt.Errorf("%w: %w", ErrOrderUnavailable, err)
}

// RequestPayment creates at most one gateway payment per order. Concurrent calls in this process
// share one gateway round-trip; calls across processes converge through the gateway idempotency
// key and SetPaymentRefIfAbsent. A caller whose context ends first gets ErrPaymentOutcomeUnknown
// while the shared call runs on.
func (s *orderService) RequestPayment(ctx context.Context, cmd RequestPaymentCommand) (domain.Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	order, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return domain.Order{}, s.mapRepositoryError(err)
	}
	if order.BuyerID != strings.TrimSpace(cmd.ActorID) {
		return domain.Order{}, fmt.Errorf("%w: only the buyer may pay for order %s", ErrOrderForbidden, order.ID)
	}
	if order.PaymentRef != nil {
		return order, nil
	}
	if order.Status != domain.OrderStatusPending {
		return domain.Order{}, fmt.Errorf("%w: order %s is %s", ErrOrderInvalidTransition, order.ID, order.Status)
	}

	// The shared call must not be canceled by whichever caller happened to start it.
	detached := context.WithoutCancel(ctx)
	ch := s.payments.DoChan(order.ID, func() (any, error) {
		return s.createPayment(detached, order.ID)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return domain.Order{}, res.Err
		}
		return res.Val.(domain.Order), nil
	case <-ctx.Done():
		s.logger(ctx, "order.payment.request.abandoned", map[string]any{
			"order_id": order.ID,
			"error":    ctx.Err().Error(),
		})
		return domain.Order{}, fmt.Errorf("%w: %w: order %s: %w", ErrOrderGateway, ErrPaymentOutcomeUnknown, order.ID, ctx.Err())
	}
}

func (s *orderService) createPayment(ctx context.Context, orderID string) (domain.Order, error) {
	getCtx, cancelGet := context.WithTimeout(ctx, s.storeTimeout)
	order, err := s.orders.Get(getCtx, orderID)
	cancelGet()
	if err != nil {
		return domain.Order{}, s.mapRepositoryError(err)
	}
	if order.PaymentRef != nil {
		return order, nil
	}
	if order.Status != domain.OrderStatusPending {
		return domain.Order{}, fmt.Errorf("%w: order %s is %s", ErrOrderInvalidTransition, order.ID, order.Status)
	}

	req := payments.PaymentRequest{
		OrderID:     order.ID,
		UserID:      order.BuyerID,
		Amount:      order.TotalAmount(),
		Currency:    order.Currency,
		Description: fmt.Sprintf("Order %s - %s", order.ID, order.ProductTitle),
		ReturnURL:   expandOrderURL(s.returnURL, order.ID),
		CancelURL:   expandOrderURL(s.cancelURL, order.ID),
		Metadata: map[string]string{
			payments.MetadataOrderID: order.ID,
			payments.MetadataUserID:  order.BuyerID,
		},
		IdempotencyKey: order.ID,
	}

	callCtx, cancel := context.WithTimeout(ctx, s.gatewayTimeout)
	intent, err := s.gateway.CreatePayment(callCtx, req)
	cancel()
	if err != nil {
		s.logger(ctx, "order.payment.request.failed", map[string]any{
			"order_id": order.ID,
			"error":    err.Error(),
		})
		return domain.Order{}, fmt.Errorf("%w: %v", ErrOrderGateway, err)
	}

	ref := domain.PaymentRef{
		PaymentID:   intent.ID,
		Provider:    intent.Provider,
		Amount:      intent.Amount,
		Currency:    intent.Currency,
		RedirectURL: intent.RedirectURL,
		CreatedAt:   s.now(),
	}
	if ref.Amount == 0 {
		ref.Amount = req.Amount
	}
	if ref.Currency == "" {
		ref.Currency = req.Currency
	}

	setCtx, cancelSet := context.WithTimeout(ctx, s.storeTimeout)
	stored, applied, err := s.orders.SetPaymentRefIfAbsent(setCtx, order.ID, ref)
	cancelSet()
	if err != nil {
		return domain.Order{}, s.mapRepositoryError(err)
	}
	if !applied {
		if stored.PaymentRef != nil && stored.PaymentRef.PaymentID != ref.PaymentID {
			s.logger(ctx, "order.payment.ref.kept", map[string]any{
				"order_id":  order.ID,
				"stored":    stored.PaymentRef.PaymentID,
				"discarded": ref.PaymentID,
				"provider":  ref.Provider,
			})
		}
		return stored, nil
	}

	s.logger(ctx, orderEventPaymentCreated, map[string]any{
		"order_id":   stored.ID,
		"payment_id": ref.PaymentID,
		"provider":   ref.Provider,
		"amount":     ref.Amount,
	})
	s.publishEvent(ctx, OrderEvent{
		Type:          orderEventPaymentCreated,
		OrderID:       stored.ID,
		BuyerID:       stored.BuyerID,
		SellerID:      stored.SellerID,
		CurrentStatus: string(stored.Status),
		ActorID:       stored.BuyerID,
		OccurredAt:    ref.CreatedAt,
		Metadata: map[string]any{
			"paymentId": ref.PaymentID,
			"provider":  ref.Provider,
		},
	})
	return stored, nil
}

func (s *orderService) SellerConfirm(ctx context.Context, cmd SellerActionCommand) (domain.Order, error) {
	return s.sellerTransition(ctx, cmd, domain.OrderStatusPaid)
}

func (s *orderService) SellerReject(ctx context.Context, cmd SellerActionCommand) (domain.Order, error) {
	return s.sellerTransition(ctx, cmd, domain.OrderStatusSellerRejected)
}

func (s *orderService) MarkDelivered(ctx context.Context, cmd SellerActionCommand) (domain.Order, error) {
	return s.sellerTransition(ctx, cmd, domain.OrderStatusDelivered)
}

func (s *orderService) sellerTransition(ctx context.Context, cmd SellerActionCommand, target domain.OrderStatus) (domain.Order, error) {
	order, err := s.orders.Get(ctx, strings.TrimSpace(cmd.OrderID))
	if err != nil {
		return domain.Order{}, s.mapRepositoryError(err)
	}
	actorID := strings.TrimSpace(cmd.ActorID)
	if actorID == "" || order.SellerID != actorID {
		return domain.Order{}, fmt.Errorf("%w: only the seller may change order %s", ErrOrderForbidden, order.ID)
	}
	if !canTransition(order.Status, target) {
		return domain.Order{}, fmt.Errorf("%w: %s -> %s", ErrOrderInvalidTransition, order.Status, target)
	}

	updated, err := s.orders.CompareAndSwapStatus(ctx, order.ID, order.Status, target, s.now())
	if err != nil {
		if isRepoConflict(err) {
			// Another writer moved the order first; a seller decision is never retried blindly.
			return domain.Order{}, fmt.Errorf("%w: order %s changed concurrently", ErrOrderInvalidTransition, order.ID)
		}
		return domain.Order{}, s.mapRepositoryError(err)
	}

	s.statusChanged(ctx, order.Status, updated, actorID, cmd.Reason)
	return updated, nil
}

// ApplyGatewayEvent reconciles a gateway outcome with the stored order. Events are idempotent:
// reapplying one that already took effect is a no-op. A success after a cancellation or seller
// rejection, or a cancellation after payment, yields ErrReconciliationConflict and leaves the
// order as is.
func (s *orderService) ApplyGatewayEvent(ctx context.Context, event domain.GatewayEvent) (GatewayEventResult, error) {
	var target domain.OrderStatus
	switch event.Kind {
	case domain.GatewayEventPaymentSucceeded:
		target = domain.OrderStatusPaid
	case domain.GatewayEventPaymentCanceled:
		target = domain.OrderStatusCanceled
	default:
		return GatewayEventResult{Outcome: GatewayEventIgnored}, nil
	}

	orderID := strings.TrimSpace(event.OrderID)
	if orderID == "" {
		return GatewayEventResult{}, fmt.Errorf("%w: gateway event %s carries no order id", ErrOrderNotFound, event.EventID)
	}

	for attempt := 0; attempt < maxEventAttempts; attempt++ {
		order, err := s.orders.Get(ctx, orderID)
		if err != nil {
			return GatewayEventResult{}, s.mapRepositoryError(err)
		}
		if ref := order.PaymentRef; ref != nil && event.PaymentID != "" && ref.PaymentID != event.PaymentID {
			return GatewayEventResult{Order: order}, s.reconciliationConflict(ctx, order, event, "payment id mismatch")
		}

		switch classifyGatewayEvent(order.Status, target) {
		case eventAlreadyApplied:
			return GatewayEventResult{Outcome: GatewayEventAlreadyApplied, Order: order}, nil
		case eventConflicts:
			return GatewayEventResult{Order: order}, s.reconciliationConflict(ctx, order, event, "terminal status")
		}

		updated, err := s.orders.CompareAndSwapStatus(ctx, order.ID, order.Status, target, s.now())
		if err != nil {
			if isRepoConflict(err) {
				// Re-read and classify against whatever won.
				continue
			}
			return GatewayEventResult{}, s.mapRepositoryError(err)
		}
		s.statusChanged(ctx, order.Status, updated, "gateway:"+event.Provider, string(event.Kind))
		return GatewayEventResult{Outcome: GatewayEventApplied, Order: updated}, nil
	}
	return GatewayEventResult{}, fmt.Errorf("%w: order %s kept changing while applying %s", ErrOrderUnavailable, orderID, event.EventID)
}

type eventClass int

const (
	eventApplicable eventClass = iota
	eventAlreadyApplied
	eventConflicts
)

func classifyGatewayEvent(current, target domain.OrderStatus) eventClass {
	switch target {
	case domain.OrderStatusPaid:
		switch current {
		case domain.OrderStatusPending:
			return eventApplicable
		case domain.OrderStatusPaid, domain.OrderStatusDelivered:
			return eventAlreadyApplied
		}
	case domain.OrderStatusCanceled:
		switch current {
		case domain.OrderStatusPending:
			return eventApplicable
		case domain.OrderStatusCanceled, domain.OrderStatusSellerRejected:
			return eventAlreadyApplied
		}
	}
	return eventConflicts
}

func (s *orderService) reconciliationConflict(ctx context.Context, order domain.Order, event domain.GatewayEvent, reason string) error {
	fields := map[string]any{
		"order_id":   order.ID,
		"status":     string(order.Status),
		"event_id":   event.EventID,
		"event_kind": string(event.Kind),
		"payment_id": event.PaymentID,
		"provider":   event.Provider,
		"reason":     reason,
	}
	if order.PaymentRef != nil {
		fields["stored_payment_id"] = order.PaymentRef.PaymentID
	}
	s.logger(ctx, "order.reconciliation.conflict", fields)
	return fmt.Errorf("%w: %s on %s order %s (%s)", ErrReconciliationConflict, event.Kind, order.Status, order.ID, reason)
}

func (s *orderService) GetOrder(ctx context.Context, query GetOrderQuery) (domain.Order, error) {
	order, err := s.orders.Get(ctx, strings.TrimSpace(query.OrderID))
	if err != nil {
		return domain.Order{}, s.mapRepositoryError(err)
	}
	actorID := strings.TrimSpace(query.ActorID)
	if query.Staff || (actorID != "" && (actorID == order.BuyerID || actorID == order.SellerID)) {
		return order, nil
	}
	return domain.Order{}, fmt.Errorf("%w: order %s belongs to another user", ErrOrderForbidden, order.ID)
}

func (s *orderService) ListMine(ctx context.Context, query ListMineQuery) ([]domain.Order, error) {
	actorID := strings.TrimSpace(query.ActorID)
	if actorID == "" {
		return nil, fmt.Errorf("%w: actor id is required", ErrOrderForbidden)
	}
	var (
		orders []domain.Order
		err    error
	)
	if query.AsSeller {
		orders, err = s.orders.ListBySeller(ctx, actorID)
	} else {
		orders, err = s.orders.ListByBuyer(ctx, actorID)
	}
	if err != nil {
		return nil, s.mapRepositoryError(err)
	}
	return orders, nil
}

func (s *orderService) statusChanged(ctx context.Context, previous domain.OrderStatus, order domain.Order, actorID, reason string) {
	s.logger(ctx, orderEventStatusChanged, map[string]any{
		"order_id": order.ID,
		"from":     string(previous),
		"to":       string(order.Status),
		"actor":    actorID,
	})
	metadata := map[string]any{}
	if reason = strings.TrimSpace(reason); reason != "" {
		metadata["reason"] = reason
	}
	s.publishEvent(ctx, OrderEvent{
		Type:           orderEventStatusChanged,
		OrderID:        order.ID,
		BuyerID:        order.BuyerID,
		SellerID:       order.SellerID,
		PreviousStatus: string(previous),
		CurrentStatus:  string(order.Status),
		ActorID:        actorID,
		OccurredAt:     order.UpdatedAt,
		Metadata:       metadata,
	})
}

func (s *orderService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrOrderInvalidTransition, err)
		}
	}
	return fmt.Errorf("%w: %w", ErrOrderUnavailable, err)
}

func (s *orderService) sanitizeComment(raw string) (string, error) {
	// Length is measured on the NFC form.
	comment := strings.TrimSpace(norm.NFC.String(s.sanitizer.Sanitize(raw)))
	if utf8.RuneCountInString(comment) > maxCommentLength {
		return "", fmt.Errorf("%w: comment exceeds %d characters", ErrOrderInvalid, maxCommentLength)
	}
	return comment, nil
}

func (s *orderService) now() time.Time {
	return s.clock()
}

func (s *orderService) publishEvent(ctx context.Context, event OrderEvent) {
	if s.events == nil {
		return
	}
	if event.Metadata != nil {
		event.Metadata = maps.Clone(event.Metadata)
	}
	if err := s.events.PublishOrderEvent(ctx, event); err != nil {
		s.logger(ctx, "order.event.publish.failed", map[string]any{
			"type":     event.Type,
			"order_id": event.OrderID,
			"error":    err.Error(),
			"status":   event.CurrentStatus,
		})
	}
}

func normaliseEmail(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", nil
	}
	addr, err := mail.ParseAddress(raw)
	if err != nil || addr.Name != "" {
		return "", fmt.Errorf("%w: receipt email %q is invalid", ErrOrderInvalid, raw)
	}
	return strings.ToLower(addr.Address), nil
}

func expandOrderURL(template, orderID string) string {
	if template == "" {
		return ""
	}
	return strings.ReplaceAll(template, orderIDPlaceholder, orderID)
}

func canTransition(current, target domain.OrderStatus) bool {
	return slices.Contains(orderTransitions[current], target)
}

func isRepoNotFound(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}

func isRepoConflict(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsConflict()
}
