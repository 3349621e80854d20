package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"commerce/payments-service/internal/gateway"
	"commerce/payments-service/internal/order"
	"commerce/payments-service/internal/webhook"

	"github.com/google/uuid"
)

// OrderService is the slice of the order store the HTTP layer uses.
type OrderService interface {
	Create(ctx context.Context, params order.CreateParams) (*order.Order, error)
	Get(ctx context.Context, customerID, orderID uuid.UUID) (*order.Order, error)
	AdminGet(ctx context.Context, orderID uuid.UUID) (*order.Order, error)
	List(ctx context.Context, customerID uuid.UUID, page, limit int, status order.Status) ([]order.Order, int, error)
	AdminList(ctx context.Context, page, limit int, status order.Status) ([]order.Order, int, error)
	UpdateStatus(ctx context.Context, orderID uuid.UUID, target order.Status) (*order.Order, error)
	GenerateReceipt(ctx context.Context, orderID uuid.UUID) (string, error)
	MarkPaid(ctx context.Context, razorpayOrderID, paymentID string) error
}

// Gateway is the payment provider surface the HTTP layer uses.
type Gateway interface {
	CreateOrder(ctx context.Context, params gateway.CreateOrderParams) (*gateway.Order, error)
	VerifyPaymentSignature(orderID, paymentID, signature string) bool
}

// Receiver handles one raw webhook delivery.
type Receiver interface {
	Receive(ctx context.Context, body []byte, signature string) error
}

// Sweeper runs one retry pass over failed webhook deliveries.
type Sweeper interface {
	Sweep(ctx context.Context) (webhook.SweepResult, error)
}

type Server struct {
	orders   OrderService
	gateway  Gateway
	receiver Receiver
	sweeper  Sweeper

	retryToken  string
	development bool

	logger *slog.Logger
	mux    *http.ServeMux
}

func NewServer(orders OrderService, gw Gateway, receiver Receiver, sweeper Sweeper, retryToken string, development bool, logger *slog.Logger) *Server {
	s := &Server{
		orders:      orders,
		gateway:     gw,
		receiver:    receiver,
		sweeper:     sweeper,
		retryToken:  retryToken,
		development: development,
		logger:      logger,
		mux:         http.NewServeMux(),
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /api/payments/create-order", s.createGatewayOrder)
	s.mux.HandleFunc("POST /api/payments/verify", s.verifyPayment)
	s.mux.HandleFunc("POST /api/payments/retry-webhooks", s.retryWebhooks)
	s.mux.HandleFunc("POST /api/webhooks/razorpay", s.handleWebhook)

	s.mux.HandleFunc("POST /api/orders", s.createOrder)
	s.mux.HandleFunc("GET /api/orders", s.listOrders)
	s.mux.HandleFunc("GET /api/orders/{orderID}", s.getOrder)

	s.mux.HandleFunc("GET /api/admin/orders", s.adminListOrders)
	s.mux.HandleFunc("GET /api/admin/orders/{orderID}", s.adminGetOrder)
	s.mux.HandleFunc("POST /api/admin/orders/{orderID}/receipt", s.adminGenerateReceipt)
	s.mux.HandleFunc("PATCH /api/admin/orders/{orderID}/status", s.adminUpdateStatus)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// HandleFunc lets the app attach extra routes (the websocket stream) without
// exposing the mux.
func (s *Server) HandleFunc(pattern string, handler func(http.ResponseWriter, *http.Request)) {
	s.mux.HandleFunc(pattern, handler)
}

func (s *Server) createGatewayOrder(w http.ResponseWriter, r *http.Request) {
	if _, err := s.customerID(r); err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}

	var req struct {
		Amount   float64           `json:"amount"`
		Currency string            `json:"currency"`
		Receipt  string            `json:"receipt"`
		Notes    map[string]string `json:"notes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Amount <= 0 {
		writeError(w, http.StatusBadRequest, "amount must be positive")
		return
	}

	gwOrder, err := s.gateway.CreateOrder(r.Context(), gateway.CreateOrderParams{
		Amount:   req.Amount,
		Currency: req.Currency,
		Receipt:  req.Receipt,
		Notes:    req.Notes,
	})
	if err != nil {
		s.logger.Error("create gateway order", "err", err)
		writeError(w, http.StatusInternalServerError, gatewayErrorMessage(err))
		return
	}

	writeJSON(w, http.StatusOK, gwOrder)
}

func (s *Server) createOrder(w http.ResponseWriter, r *http.Request) {
	customerID, err := s.customerID(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}

	var req struct {
		Items           []order.Item   `json:"items"`
		ShippingAddress order.Address  `json:"shipping_address"`
		BillingAddress  *order.Address `json:"billing_address"`
		Currency        string         `json:"currency"`
		CustomerEmail   string         `json:"customer_email"`
		Notes           string         `json:"notes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	var total float64
	for i := range req.Items {
		if req.Items[i].TotalPrice == 0 {
			req.Items[i].TotalPrice = float64(req.Items[i].Quantity) * req.Items[i].UnitPrice
		}
		total += req.Items[i].TotalPrice
	}
	if len(req.Items) == 0 || req.ShippingAddress.IsZero() || total <= 0 {
		writeError(w, http.StatusBadRequest, "order requires items, a positive total and a shipping address")
		return
	}

	// The gateway order comes first so a provider failure leaves no local
	// row behind.
	gwOrder, err := s.gateway.CreateOrder(r.Context(), gateway.CreateOrderParams{
		Amount:   total,
		Currency: req.Currency,
	})
	if err != nil {
		s.logger.Error("create gateway order", "err", err)
		writeError(w, http.StatusInternalServerError, gatewayErrorMessage(err))
		return
	}

	o, err := s.orders.Create(r.Context(), order.CreateParams{
		CustomerID:      customerID,
		CustomerEmail:   req.CustomerEmail,
		Items:           req.Items,
		ShippingAddress: req.ShippingAddress,
		BillingAddress:  req.BillingAddress,
		TotalAmount:     total,
		Currency:        gwOrder.Currency,
		RazorpayOrderID: gwOrder.ID,
		Notes:           req.Notes,
	})
	if err != nil {
		if errors.Is(err, order.ErrInvalidInput) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("create order", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"order":          o,
		"razorpay_order": gwOrder,
	})
}

func (s *Server) verifyPayment(w http.ResponseWriter, r *http.Request) {
	if _, err := s.customerID(r); err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}

	var req struct {
		RazorpayOrderID   string `json:"razorpay_order_id"`
		RazorpayPaymentID string `json:"razorpay_payment_id"`
		RazorpaySignature string `json:"razorpay_signature"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.RazorpayOrderID == "" || req.RazorpayPaymentID == "" || req.RazorpaySignature == "" {
		writeError(w, http.StatusBadRequest, "missing payment verification fields")
		return
	}

	if !s.gateway.VerifyPaymentSignature(req.RazorpayOrderID, req.RazorpayPaymentID, req.RazorpaySignature) {
		writeError(w, http.StatusBadRequest, "invalid payment signature")
		return
	}

	if err := s.orders.MarkPaid(r.Context(), req.RazorpayOrderID, req.RazorpayPaymentID); err != nil {
		if errors.Is(err, order.ErrOrderNotFound) {
			writeError(w, http.StatusNotFound, "order not found")
			return
		}
		s.logger.Error("verify payment", "razorpay_order_id", req.RazorpayOrderID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	signature := r.Header.Get("X-Razorpay-Signature")

	if err := s.receiver.Receive(r.Context(), body, signature); err != nil {
		switch {
		case errors.Is(err, webhook.ErrMissingSignature):
			writeError(w, http.StatusBadRequest, "missing signature")
		case errors.Is(err, webhook.ErrBadSignature):
			writeError(w, http.StatusBadRequest, "invalid signature")
		case errors.Is(err, webhook.ErrMalformedPayload):
			writeError(w, http.StatusBadRequest, "malformed payload")
		default:
			s.logger.Error("webhook processing", "err", err)
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"received": true})
}

func (s *Server) retryWebhooks(w http.ResponseWriter, r *http.Request) {
	if s.retryToken != "" {
		if r.Header.Get("Authorization") != "Bearer "+s.retryToken {
			writeError(w, http.StatusUnauthorized, "invalid retry token")
			return
		}
	} else if !s.development {
		// Without a token this endpoint would be a public replay vector.
		writeError(w, http.StatusForbidden, "retry endpoint disabled")
		return
	}

	res, err := s.sweeper.Sweep(r.Context())
	if err != nil {
		s.logger.Error("webhook retry sweep", "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"success":   false,
			"message":   "sweep failed",
			"timestamp": time.Now().UTC(),
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"message":   "webhook retry completed",
		"result":    res,
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) listOrders(w http.ResponseWriter, r *http.Request) {
	customerID, err := s.customerID(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}

	page, limit := pagination(r)
	status := order.Status(r.URL.Query().Get("status"))

	orders, total, err := s.orders.List(r.Context(), customerID, page, limit, status)
	if err != nil {
		s.logger.Error("list orders", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeOrdersPage(w, orders, total, page, limit)
}

func (s *Server) getOrder(w http.ResponseWriter, r *http.Request) {
	customerID, err := s.customerID(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}

	orderID, err := uuid.Parse(r.PathValue("orderID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid order id")
		return
	}

	o, err := s.orders.Get(r.Context(), customerID, orderID)
	if err != nil {
		if errors.Is(err, order.ErrOrderNotFound) {
			writeError(w, http.StatusNotFound, "order not found")
			return
		}
		s.logger.Error("get order", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, o)
}

func (s *Server) adminListOrders(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}

	page, limit := pagination(r)
	status := order.Status(r.URL.Query().Get("status"))

	orders, total, err := s.orders.AdminList(r.Context(), page, limit, status)
	if err != nil {
		s.logger.Error("admin list orders", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeOrdersPage(w, orders, total, page, limit)
}

func (s *Server) adminGetOrder(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}

	orderID, err := uuid.Parse(r.PathValue("orderID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid order id")
		return
	}

	o, err := s.orders.AdminGet(r.Context(), orderID)
	if err != nil {
		if errors.Is(err, order.ErrOrderNotFound) {
			writeError(w, http.StatusNotFound, "order not found")
			return
		}
		s.logger.Error("admin get order", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, o)
}

func (s *Server) adminGenerateReceipt(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}

	orderID, err := uuid.Parse(r.PathValue("orderID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid order id")
		return
	}

	url, err := s.orders.GenerateReceipt(r.Context(), orderID)
	if err != nil {
		switch {
		case errors.Is(err, order.ErrOrderNotFound):
			writeError(w, http.StatusNotFound, "order not found")
		case errors.Is(err, order.ErrOrderNotPaid):
			writeError(w, http.StatusConflict, "order has no completed payment")
		default:
			s.logger.Error("generate receipt", "order_id", orderID, "err", err)
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"receipt_url": url})
}

func (s *Server) adminUpdateStatus(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}

	orderID, err := uuid.Parse(r.PathValue("orderID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid order id")
		return
	}

	var req struct {
		Status order.Status `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	o, err := s.orders.UpdateStatus(r.Context(), orderID, req.Status)
	if err != nil {
		switch {
		case errors.Is(err, order.ErrOrderNotFound):
			writeError(w, http.StatusNotFound, "order not found")
		case errors.Is(err, order.ErrInvalidInput):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, order.ErrInvalidTransition):
			writeError(w, http.StatusConflict, err.Error())
		default:
			s.logger.Error("update order status", "order_id", orderID, "err", err)
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	writeJSON(w, http.StatusOK, o)
}

func (s *Server) customerID(r *http.Request) (uuid.UUID, error) {
	value := r.Header.Get("X-User-ID")
	if value == "" {
		return uuid.Nil, errors.New("missing X-User-ID header")
	}
	id, err := uuid.Parse(value)
	if err != nil {
		return uuid.Nil, errors.New("invalid X-User-ID header")
	}
	return id, nil
}

func (s *Server) requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	if _, err := s.customerID(r); err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return false
	}
	if r.Header.Get("X-User-Role") != "admin" {
		writeError(w, http.StatusForbidden, "admin role required")
		return false
	}
	return true
}

func pagination(r *http.Request) (page, limit int) {
	page, _ = strconv.Atoi(r.URL.Query().Get("page"))
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 10
	}
	// Same cap the order store applies, so the echoed limit and totalPages
	// match the rows actually returned.
	if limit > 100 {
		limit = 100
	}
	return page, limit
}

func writeOrdersPage(w http.ResponseWriter, orders []order.Order, total, page, limit int) {
	if orders == nil {
		orders = []order.Order{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"orders":     orders,
		"total":      total,
		"page":       page,
		"limit":      limit,
		"totalPages": order.TotalPages(total, limit),
	})
}

func gatewayErrorMessage(err error) string {
	var gwErr *gateway.Error
	if errors.As(err, &gwErr) && gwErr.Description != "" {
		return gwErr.Description
	}
	return "payment gateway error"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// WithServer wraps a handler in an http.Server that shuts down when ctx is
// cancelled.
func WithServer(ctx context.Context, addr string, srv http.Handler) *http.Server {
	server := &http.Server{
		Addr:    addr,
		Handler: srv,
	}
	go func() {
		<-ctx.Done()
		_ = server.Shutdown(context.Background())
	}()
	return server
}
