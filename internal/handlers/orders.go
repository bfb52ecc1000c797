package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hanko-field/orders/internal/domain"
	"github.com/hanko-field/orders/internal/platform/auth"
	"github.com/hanko-field/orders/internal/platform/httpx"
	"github.com/hanko-field/orders/internal/platform/requestctx"
	"github.com/hanko-field/orders/internal/services"
)

const (
	maxOrderBodySize = 8 * 1024

	defaultPayRateLimit  = 10
	defaultPayRateWindow = time.Minute
)

type createOrderRequest struct {
	ProductID    string `json:"productId"`
	Quantity     int    `json:"quantity"`
	Comment      string `json:"comment"`
	ReceiptEmail string `json:"receiptEmail"`
}

type sellerActionRequest struct {
	Reason string `json:"reason"`
}

type orderProductPayload struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	UnitPrice int64  `json:"unitPrice"`
}

type paymentInfoPayload struct {
	PaymentID   string `json:"paymentId"`
	Provider    string `json:"provider"`
	RedirectURL string `json:"redirectUrl"`
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
}

type orderPayload struct {
	ID          string              `json:"id"`
	Status      string              `json:"status"`
	Product     orderProductPayload `json:"product"`
	Quantity    int                 `json:"quantity"`
	TotalAmount int64               `json:"totalAmount"`
	Currency    string              `json:"currency"`
	Comment     string              `json:"comment,omitempty"`
	CreatedAt   string              `json:"createdAt"`
	PaymentInfo *paymentInfoPayload `json:"paymentInfo"`
}

type orderListResponse struct {
	Items []orderPayload `json:"items"`
}

// OrderHandlers exposes the buyer and seller order endpoints.
type OrderHandlers struct {
	authn       *auth.Authenticator
	orders      services.OrderService
	idempotency func(http.Handler) http.Handler
	payLimits   *payThrottle
	frontendURL string
}

// OrderHandlerOption customises OrderHandlers.
type OrderHandlerOption func(*OrderHandlers)

// WithOrderIdempotency wraps order creation with the Idempotency-Key middleware.
func WithOrderIdempotency(mw func(http.Handler) http.Handler) OrderHandlerOption {
	return func(h *OrderHandlers) {
		h.idempotency = mw
	}
}

// WithPayRateLimit caps payment attempts per buyer and order. A non-positive limit disables the cap.
func WithPayRateLimit(attempts int, window time.Duration, clock func() time.Time) OrderHandlerOption {
	return func(h *OrderHandlers) {
		h.payLimits = newPayThrottle(attempts, window, clock)
	}
}

// WithFrontendBaseURL sets where buyers land after leaving the gateway's payment page.
func WithFrontendBaseURL(base string) OrderHandlerOption {
	return func(h *OrderHandlers) {
		h.frontendURL = strings.TrimRight(strings.TrimSpace(base), "/")
	}
}

// NewOrderHandlers constructs a new OrderHandlers instance.
func NewOrderHandlers(authn *auth.Authenticator, orders services.OrderService, opts ...OrderHandlerOption) *OrderHandlers {
	h := &OrderHandlers{
		authn:     authn,
		orders:    orders,
		payLimits: newPayThrottle(defaultPayRateLimit, defaultPayRateWindow, nil),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the /orders endpoints.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	// The gateway sends the buyer's browser here without credentials.
	r.Get("/{orderID}/success", h.paymentReturn)

	r.Group(func(r chi.Router) {
		if h.authn != nil {
			r.Use(h.authn.RequireFirebaseAuth())
		}
		create := http.Handler(http.HandlerFunc(h.createOrder))
		if h.idempotency != nil {
			create = h.idempotency(create)
		}
		r.Method(http.MethodPost, "/", create)
		r.Get("/mine", h.listOrders)
		r.Get("/{orderID}", h.getOrder)
		r.Post("/{orderID}:pay", h.requestPayment)
		r.Post("/{orderID}:confirm", h.sellerAction(func(s services.OrderService) sellerActionFunc { return s.SellerConfirm }))
		r.Post("/{orderID}:reject", h.sellerAction(func(s services.OrderService) sellerActionFunc { return s.SellerReject }))
		r.Post("/{orderID}:deliver", h.sellerAction(func(s services.OrderService) sellerActionFunc { return s.MarkDelivered }))
	})
}

func (h *OrderHandlers) createOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireIdentity(ctx, w)
	if !ok {
		return
	}

	var req createOrderRequest
	if err := decodeJSONBody(r, maxOrderBodySize, &req, false); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	order, err := h.orders.CreateOrder(ctx, services.CreateOrderCommand{
		BuyerID:      identity.UID,
		ProductID:    req.ProductID,
		Quantity:     req.Quantity,
		Comment:      req.Comment,
		ReceiptEmail: req.ReceiptEmail,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	w.Header().Set("Location", "/api/v1/orders/"+url.PathEscape(order.ID))
	writeJSONResponse(w, http.StatusCreated, buildOrderPayload(order))
}

func (h *OrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireIdentity(ctx, w)
	if !ok {
		return
	}

	asSeller := false
	switch role := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("as"))); role {
	case "", auth.RoleBuyer:
	case auth.RoleSeller:
		asSeller = true
	default:
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "as must be buyer or seller", http.StatusBadRequest))
		return
	}

	orders, err := h.orders.ListMine(ctx, services.ListMineQuery{ActorID: identity.UID, AsSeller: asSeller})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	items := make([]orderPayload, 0, len(orders))
	for _, order := range orders {
		items = append(items, buildOrderPayload(order))
	}
	writeJSONResponse(w, http.StatusOK, orderListResponse{Items: items})
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireIdentity(ctx, w)
	if !ok {
		return
	}
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}
	ctx = requestctx.WithOrderID(ctx, orderID)

	order, err := h.orders.GetOrder(ctx, services.GetOrderQuery{
		OrderID: orderID,
		ActorID: identity.UID,
		Staff:   identity.HasRole(auth.RoleStaff),
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildOrderPayload(order))
}

func (h *OrderHandlers) requestPayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireIdentity(ctx, w)
	if !ok {
		return
	}
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}
	ctx = requestctx.WithOrderID(ctx, orderID)
	if ok, wait := h.payLimits.admit(identity.UID, orderID); !ok {
		httpx.WriteError(ctx, w, httpx.NewError("rate_limited", "too many payment attempts", http.StatusTooManyRequests).WithRetryAfter(wait))
		return
	}

	order, err := h.orders.RequestPayment(ctx, services.RequestPaymentCommand{OrderID: orderID, ActorID: identity.UID})
	if err != nil {
		if errors.Is(err, services.ErrOrderGateway) {
			h.writeGatewayError(ctx, w, orderID, identity)
			return
		}
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildOrderPayload(order))
}

// writeGatewayError answers 502 with the order as stored; it stays pending and the buyer may retry.
func (h *OrderHandlers) writeGatewayError(ctx context.Context, w http.ResponseWriter, orderID string, identity *auth.Identity) {
	apiErr := httpx.NewError("gateway_error", "payment provider unavailable, try again", http.StatusBadGateway)
	order, err := h.orders.GetOrder(ctx, services.GetOrderQuery{OrderID: orderID, ActorID: identity.UID})
	if err == nil {
		apiErr = apiErr.WithDetails(map[string]any{"order": buildOrderPayload(order)})
	}
	httpx.WriteError(ctx, w, apiErr)
}

type sellerActionFunc func(context.Context, services.SellerActionCommand) (domain.Order, error)

func (h *OrderHandlers) sellerAction(pick func(services.OrderService) sellerActionFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		identity, ok := h.requireIdentity(ctx, w)
		if !ok {
			return
		}
		orderID, ok := orderIDParam(w, r)
		if !ok {
			return
		}
		ctx = requestctx.WithOrderID(ctx, orderID)

		var req sellerActionRequest
		if err := decodeJSONBody(r, maxOrderBodySize, &req, true); err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
			return
		}

		order, err := pick(h.orders)(ctx, services.SellerActionCommand{
			OrderID: orderID,
			ActorID: identity.UID,
			Reason:  strings.TrimSpace(req.Reason),
		})
		if err != nil {
			writeOrderError(ctx, w, err)
			return
		}
		writeJSONResponse(w, http.StatusOK, buildOrderPayload(order))
	}
}

// paymentReturn forwards the buyer to the frontend. The webhook, not this redirect, decides
// whether the order is paid.
func (h *OrderHandlers) paymentReturn(w http.ResponseWriter, r *http.Request) {
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}
	target := fmt.Sprintf("%s/order-success/%s", h.frontendURL, url.PathEscape(orderID))
	http.Redirect(w, r, target, http.StatusFound)
}

func (h *OrderHandlers) requireIdentity(ctx context.Context, w http.ResponseWriter) (*auth.Identity, bool) {
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return nil, false
	}
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return nil, false
	}
	return identity, true
}

func orderIDParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(r.Context(), w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return "", false
	}
	return orderID, true
}

func buildOrderPayload(order domain.Order) orderPayload {
	view := domain.NewOrderView(order)
	payload := orderPayload{
		ID:     view.ID,
		Status: string(view.Status),
		Product: orderProductPayload{
			ID:        view.Product.ID,
			Title:     view.Product.Title,
			UnitPrice: view.Product.UnitPrice,
		},
		Quantity:    view.Quantity,
		TotalAmount: view.TotalAmount,
		Currency:    view.Currency,
		Comment:     view.Comment,
		CreatedAt:   formatTime(view.CreatedAt),
	}
	if info := view.PaymentInfo; info != nil {
		payload.PaymentInfo = &paymentInfoPayload{
			PaymentID:   info.PaymentID,
			Provider:    info.Provider,
			RedirectURL: info.RedirectURL,
			Amount:      info.Amount,
			Currency:    info.Currency,
		}
	}
	return payload
}

func writeOrderError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrOrderInvalid):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_order", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderForbidden):
		httpx.WriteError(ctx, w, httpx.NewError("forbidden", "not allowed to act on this order", http.StatusForbidden))
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrOrderInvalidTransition):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_transition", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrReconciliationConflict):
		httpx.WriteError(ctx, w, httpx.NewError("reconciliation_conflict", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrOrderGateway):
		httpx.WriteError(ctx, w, httpx.NewError("gateway_error", "payment provider unavailable, try again", http.StatusBadGateway))
	case errors.Is(err, services.ErrOrderUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("unavailable", "try again", http.StatusServiceUnavailable).WithRetryAfter(time.Second))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("order_error", "failed to process order request", http.StatusInternalServerError))
	}
}

// decodeJSONBody decodes a single JSON object. Empty bodies are accepted when allowEmpty is set.
func decodeJSONBody(r *http.Request, limit int64, dst any, allowEmpty bool) error {
	if r.Body == nil {
		if allowEmpty {
			return nil
		}
		return errors.New("request body is required")
	}
	decoder := json.NewDecoder(io.LimitReader(r.Body, limit))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) && allowEmpty {
			return nil
		}
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return fmt.Errorf("invalid JSON body: %v", err)
	}
	if decoder.More() {
		return errors.New("request body must contain a single JSON object")
	}
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func writeJSONResponse(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
