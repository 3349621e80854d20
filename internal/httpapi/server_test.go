package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"commerce/payments-service/internal/gateway"
	"commerce/payments-service/internal/order"
	"commerce/payments-service/internal/webhook"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeOrderService struct {
	orders map[uuid.UUID]*order.Order // keyed by order id

	created    []order.CreateParams
	createErr  error
	markPaid   []string
	markErr    error
	updated    []order.Status
	updateErr  error
	receiptURL string
	receiptErr error
}

func (f *fakeOrderService) Create(_ context.Context, params order.CreateParams) (*order.Order, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.created = append(f.created, params)
	return &order.Order{
		ID:              uuid.NewString(),
		OrderNumber:     "ORD-1700000000000-0001",
		CustomerID:      params.CustomerID.String(),
		Status:          order.StatusPending,
		TotalAmount:     params.TotalAmount,
		Currency:        params.Currency,
		Items:           params.Items,
		RazorpayOrderID: params.RazorpayOrderID,
	}, nil
}

func (f *fakeOrderService) Get(_ context.Context, customerID, orderID uuid.UUID) (*order.Order, error) {
	o, ok := f.orders[orderID]
	if !ok || o.CustomerID != customerID.String() {
		return nil, order.ErrOrderNotFound
	}
	return o, nil
}

func (f *fakeOrderService) AdminGet(_ context.Context, orderID uuid.UUID) (*order.Order, error) {
	o, ok := f.orders[orderID]
	if !ok {
		return nil, order.ErrOrderNotFound
	}
	return o, nil
}

func (f *fakeOrderService) List(_ context.Context, customerID uuid.UUID, page, limit int, status order.Status) ([]order.Order, int, error) {
	var all []order.Order
	for _, o := range f.orders {
		if o.CustomerID != customerID.String() {
			continue
		}
		if status != "" && o.Status != status {
			continue
		}
		all = append(all, *o)
	}
	total := len(all)
	start := (page - 1) * limit
	if start > total {
		start = total
	}
	end := start + limit
	if end > total {
		end = total
	}
	return all[start:end], total, nil
}

func (f *fakeOrderService) AdminList(_ context.Context, page, limit int, status order.Status) ([]order.Order, int, error) {
	var all []order.Order
	for _, o := range f.orders {
		if status != "" && o.Status != status {
			continue
		}
		all = append(all, *o)
	}
	return all, len(all), nil
}

func (f *fakeOrderService) UpdateStatus(_ context.Context, orderID uuid.UUID, target order.Status) (*order.Order, error) {
	if f.updateErr != nil {
		return nil, f.updateErr
	}
	o, ok := f.orders[orderID]
	if !ok {
		return nil, order.ErrOrderNotFound
	}
	f.updated = append(f.updated, target)
	o.Status = target
	return o, nil
}

func (f *fakeOrderService) GenerateReceipt(_ context.Context, orderID uuid.UUID) (string, error) {
	if f.receiptErr != nil {
		return "", f.receiptErr
	}
	if _, ok := f.orders[orderID]; !ok {
		return "", order.ErrOrderNotFound
	}
	return f.receiptURL, nil
}

func (f *fakeOrderService) MarkPaid(_ context.Context, razorpayOrderID, paymentID string) error {
	if f.markErr != nil {
		return f.markErr
	}
	f.markPaid = append(f.markPaid, razorpayOrderID+"/"+paymentID)
	return nil
}

type fakeGateway struct {
	createErr error
	validSig  string
	created   []gateway.CreateOrderParams
}

func (f *fakeGateway) CreateOrder(_ context.Context, params gateway.CreateOrderParams) (*gateway.Order, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.created = append(f.created, params)
	currency := params.Currency
	if currency == "" {
		currency = "INR"
	}
	return &gateway.Order{
		ID:       "order_gw1",
		Amount:   gateway.ToMinorUnits(params.Amount),
		Currency: currency,
		Status:   "created",
	}, nil
}

func (f *fakeGateway) VerifyPaymentSignature(orderID, paymentID, signature string) bool {
	return signature == f.validSig
}

type fakeReceiver struct {
	err    error
	bodies [][]byte
	sigs   []string
}

func (f *fakeReceiver) Receive(_ context.Context, body []byte, signature string) error {
	f.bodies = append(f.bodies, body)
	f.sigs = append(f.sigs, signature)
	return f.err
}

type fakeSweeper struct {
	res    webhook.SweepResult
	err    error
	sweeps int
}

func (f *fakeSweeper) Sweep(_ context.Context) (webhook.SweepResult, error) {
	f.sweeps++
	return f.res, f.err
}

type serverFixture struct {
	srv      *Server
	orders   *fakeOrderService
	gw       *fakeGateway
	receiver *fakeReceiver
	sweeper  *fakeSweeper
}

func newFixture(opts ...func(*serverFixture)) *serverFixture {
	f := &serverFixture{
		orders:   &fakeOrderService{orders: map[uuid.UUID]*order.Order{}},
		gw:       &fakeGateway{validSig: "good-signature"},
		receiver: &fakeReceiver{},
		sweeper:  &fakeSweeper{},
	}
	f.srv = NewServer(f.orders, f.gw, f.receiver, f.sweeper, "", true, slog.New(slog.DiscardHandler))
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func withRetryToken(token string, development bool) func(*serverFixture) {
	return func(f *serverFixture) {
		f.srv = NewServer(f.orders, f.gw, f.receiver, f.sweeper, token, development, slog.New(slog.DiscardHandler))
	}
}

func (f *serverFixture) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, req)
	return rec
}

func asCustomer(id uuid.UUID) map[string]string {
	return map[string]string{"X-User-ID": id.String()}
}

func asAdmin(id uuid.UUID) map[string]string {
	return map[string]string{"X-User-ID": id.String(), "X-User-Role": "admin"}
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func seedOrder(f *serverFixture, customerID uuid.UUID, status order.Status) uuid.UUID {
	id := uuid.New()
	f.orders.orders[id] = &order.Order{
		ID:          id.String(),
		OrderNumber: fmt.Sprintf("ORD-1700000000000-%04d", len(f.orders.orders)+1),
		CustomerID:  customerID.String(),
		Status:      status,
		TotalAmount: 499,
		Currency:    "INR",
	}
	return id
}

func TestCreateGatewayOrder(t *testing.T) {
	f := newFixture()
	customer := uuid.New()

	t.Run("unauthenticated", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/api/payments/create-order", map[string]any{"amount": 499.0}, nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("non-positive amount", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/api/payments/create-order", map[string]any{"amount": 0}, asCustomer(customer))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("success", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/api/payments/create-order", map[string]any{"amount": 499.0}, asCustomer(customer))
		require.Equal(t, http.StatusOK, rec.Code)
		body := decodeBody(t, rec)
		assert.Equal(t, "order_gw1", body["id"])
		assert.Equal(t, float64(49900), body["amount"])
	})

	t.Run("gateway error surfaces description", func(t *testing.T) {
		f := newFixture()
		f.gw.createErr = &gateway.Error{StatusCode: 400, Code: "BAD_REQUEST_ERROR", Description: "amount exceeds maximum"}
		rec := f.do(t, http.MethodPost, "/api/payments/create-order", map[string]any{"amount": 499.0}, asCustomer(customer))
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.Equal(t, "amount exceeds maximum", decodeBody(t, rec)["error"])
	})
}

func TestCreateOrder(t *testing.T) {
	customer := uuid.New()
	validReq := map[string]any{
		"items": []order.Item{{ServiceID: "svc_1", Title: "Logo design", Quantity: 2, UnitPrice: 250}},
		"shipping_address": order.Address{
			Name: "A Customer", Line1: "1 Main St", City: "Pune",
			State: "MH", PostalCode: "411001", Country: "IN",
		},
		"customer_email": "a@example.com",
	}

	t.Run("gateway order precedes local row", func(t *testing.T) {
		f := newFixture()
		rec := f.do(t, http.MethodPost, "/api/orders", validReq, asCustomer(customer))
		require.Equal(t, http.StatusCreated, rec.Code)

		require.Len(t, f.gw.created, 1)
		assert.Equal(t, 500.0, f.gw.created[0].Amount)
		require.Len(t, f.orders.created, 1)
		assert.Equal(t, "order_gw1", f.orders.created[0].RazorpayOrderID)
		assert.Equal(t, 500.0, f.orders.created[0].TotalAmount)

		body := decodeBody(t, rec)
		assert.Contains(t, body, "order")
		assert.Contains(t, body, "razorpay_order")
	})

	t.Run("gateway failure leaves no local order", func(t *testing.T) {
		f := newFixture()
		f.gw.createErr = errors.New("connection refused")
		rec := f.do(t, http.MethodPost, "/api/orders", validReq, asCustomer(customer))
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.Empty(t, f.orders.created)
	})

	t.Run("empty items rejected", func(t *testing.T) {
		f := newFixture()
		req := map[string]any{"items": []order.Item{}, "shipping_address": validReq["shipping_address"]}
		rec := f.do(t, http.MethodPost, "/api/orders", req, asCustomer(customer))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Empty(t, f.gw.created, "gateway must not be called for invalid input")
	})

	t.Run("missing shipping address rejected", func(t *testing.T) {
		f := newFixture()
		req := map[string]any{"items": validReq["items"]}
		rec := f.do(t, http.MethodPost, "/api/orders", req, asCustomer(customer))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestVerifyPayment(t *testing.T) {
	customer := uuid.New()
	req := map[string]any{
		"razorpay_order_id":   "order_gw1",
		"razorpay_payment_id": "pay_1",
		"razorpay_signature":  "good-signature",
	}

	t.Run("valid signature marks paid", func(t *testing.T) {
		f := newFixture()
		rec := f.do(t, http.MethodPost, "/api/payments/verify", req, asCustomer(customer))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, []string{"order_gw1/pay_1"}, f.orders.markPaid)
	})

	t.Run("bad signature rejected before any write", func(t *testing.T) {
		f := newFixture()
		bad := map[string]any{
			"razorpay_order_id":   "order_gw1",
			"razorpay_payment_id": "pay_1",
			"razorpay_signature":  "tampered",
		}
		rec := f.do(t, http.MethodPost, "/api/payments/verify", bad, asCustomer(customer))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Empty(t, f.orders.markPaid)
	})

	t.Run("unknown order", func(t *testing.T) {
		f := newFixture()
		f.orders.markErr = order.ErrOrderNotFound
		rec := f.do(t, http.MethodPost, "/api/payments/verify", req, asCustomer(customer))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("missing fields", func(t *testing.T) {
		f := newFixture()
		rec := f.do(t, http.MethodPost, "/api/payments/verify", map[string]any{"razorpay_order_id": "order_gw1"}, asCustomer(customer))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestHandleWebhook(t *testing.T) {
	cases := []struct {
		name       string
		receiveErr error
		wantCode   int
	}{
		{"missing signature", webhook.ErrMissingSignature, http.StatusBadRequest},
		{"bad signature", webhook.ErrBadSignature, http.StatusBadRequest},
		{"malformed payload", webhook.ErrMalformedPayload, http.StatusBadRequest},
		{"store failure", errors.New("insert failed"), http.StatusInternalServerError},
		{"success", nil, http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture()
			f.receiver.err = tc.receiveErr
			rec := f.do(t, http.MethodPost, "/api/webhooks/razorpay",
				map[string]any{"event": "payment.captured"},
				map[string]string{"X-Razorpay-Signature": "sig"})
			assert.Equal(t, tc.wantCode, rec.Code)
			if tc.wantCode == http.StatusOK {
				assert.Equal(t, true, decodeBody(t, rec)["received"])
			}
		})
	}

	t.Run("signature header is forwarded", func(t *testing.T) {
		f := newFixture()
		f.do(t, http.MethodPost, "/api/webhooks/razorpay", map[string]any{"event": "x"},
			map[string]string{"X-Razorpay-Signature": "the-signature"})
		require.Len(t, f.receiver.sigs, 1)
		assert.Equal(t, "the-signature", f.receiver.sigs[0])
	})
}

func TestRetryWebhooks(t *testing.T) {
	t.Run("valid token triggers sweep", func(t *testing.T) {
		f := newFixture(withRetryToken("secret-token", false))
		f.sweeper.res = webhook.SweepResult{Claimed: 3, Resolved: 2, Failed: 1}
		rec := f.do(t, http.MethodPost, "/api/payments/retry-webhooks", nil,
			map[string]string{"Authorization": "Bearer secret-token"})
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, 1, f.sweeper.sweeps)

		body := decodeBody(t, rec)
		assert.Equal(t, true, body["success"])
		result := body["result"].(map[string]any)
		assert.Equal(t, float64(3), result["claimed"])
		assert.Equal(t, float64(2), result["resolved"])
	})

	t.Run("wrong token", func(t *testing.T) {
		f := newFixture(withRetryToken("secret-token", false))
		rec := f.do(t, http.MethodPost, "/api/payments/retry-webhooks", nil,
			map[string]string{"Authorization": "Bearer wrong"})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, 0, f.sweeper.sweeps)
	})

	t.Run("no token configured outside development", func(t *testing.T) {
		f := newFixture(withRetryToken("", false))
		rec := f.do(t, http.MethodPost, "/api/payments/retry-webhooks", nil, nil)
		assert.Equal(t, http.StatusForbidden, rec.Code)
		assert.Equal(t, 0, f.sweeper.sweeps)
	})

	t.Run("development allows tokenless sweep", func(t *testing.T) {
		f := newFixture()
		rec := f.do(t, http.MethodPost, "/api/payments/retry-webhooks", nil, nil)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, 1, f.sweeper.sweeps)
	})

	t.Run("sweep failure", func(t *testing.T) {
		f := newFixture()
		f.sweeper.err = errors.New("claim failed")
		rec := f.do(t, http.MethodPost, "/api/payments/retry-webhooks", nil, nil)
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.Equal(t, false, decodeBody(t, rec)["success"])
	})
}

func TestGetOrder(t *testing.T) {
	f := newFixture()
	owner := uuid.New()
	stranger := uuid.New()
	id := seedOrder(f, owner, order.StatusPaid)

	t.Run("owner sees the order", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/api/orders/"+id.String(), nil, asCustomer(owner))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, id.String(), decodeBody(t, rec)["id"])
	})

	t.Run("foreign order reads as not found", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/api/orders/"+id.String(), nil, asCustomer(stranger))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("invalid id", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/api/orders/not-a-uuid", nil, asCustomer(owner))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unauthenticated", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/api/orders/"+id.String(), nil, nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestListOrders(t *testing.T) {
	f := newFixture()
	customer := uuid.New()
	for range 25 {
		seedOrder(f, customer, order.StatusPaid)
	}

	rec := f.do(t, http.MethodGet, "/api/orders?page=1&limit=10", nil, asCustomer(customer))
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, float64(25), body["total"])
	assert.Equal(t, float64(3), body["totalPages"])
	assert.Len(t, body["orders"], 10)

	t.Run("empty page still returns an array", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/api/orders", nil, asCustomer(uuid.New()))
		require.Equal(t, http.StatusOK, rec.Code)
		body := decodeBody(t, rec)
		assert.Equal(t, []any{}, body["orders"])
		assert.Equal(t, float64(0), body["total"])
	})

	t.Run("oversized limit is capped", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/api/orders?limit=1000", nil, asCustomer(customer))
		require.Equal(t, http.StatusOK, rec.Code)
		body := decodeBody(t, rec)
		assert.Equal(t, float64(100), body["limit"])
		assert.Equal(t, float64(1), body["totalPages"])
	})

	t.Run("status filter", func(t *testing.T) {
		seedOrder(f, customer, order.StatusPending)
		rec := f.do(t, http.MethodGet, "/api/orders?status=pending", nil, asCustomer(customer))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, float64(1), decodeBody(t, rec)["total"])
	})
}

func TestAdminEndpoints(t *testing.T) {
	admin := uuid.New()
	customer := uuid.New()

	t.Run("role enforced", func(t *testing.T) {
		f := newFixture()
		rec := f.do(t, http.MethodGet, "/api/admin/orders", nil, asCustomer(customer))
		assert.Equal(t, http.StatusForbidden, rec.Code)

		rec = f.do(t, http.MethodGet, "/api/admin/orders", nil, nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("admin sees every customer's orders", func(t *testing.T) {
		f := newFixture()
		seedOrder(f, customer, order.StatusPaid)
		seedOrder(f, uuid.New(), order.StatusPending)

		rec := f.do(t, http.MethodGet, "/api/admin/orders", nil, asAdmin(admin))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, float64(2), decodeBody(t, rec)["total"])
	})

	t.Run("status update", func(t *testing.T) {
		f := newFixture()
		id := seedOrder(f, customer, order.StatusPaid)
		rec := f.do(t, http.MethodPatch, "/api/admin/orders/"+id.String()+"/status",
			map[string]any{"status": "shipped"}, asAdmin(admin))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, []order.Status{order.StatusShipped}, f.orders.updated)
	})

	t.Run("invalid transition conflicts", func(t *testing.T) {
		f := newFixture()
		id := seedOrder(f, customer, order.StatusPending)
		f.orders.updateErr = fmt.Errorf("%w: pending to delivered", order.ErrInvalidTransition)
		rec := f.do(t, http.MethodPatch, "/api/admin/orders/"+id.String()+"/status",
			map[string]any{"status": "delivered"}, asAdmin(admin))
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("receipt for paid order", func(t *testing.T) {
		f := newFixture()
		id := seedOrder(f, customer, order.StatusPaid)
		f.orders.receiptURL = "https://shop.example.com/receipts/ORD-1700000000000-0001.pdf"
		rec := f.do(t, http.MethodPost, "/api/admin/orders/"+id.String()+"/receipt", nil, asAdmin(admin))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, f.orders.receiptURL, decodeBody(t, rec)["receipt_url"])
	})

	t.Run("receipt for unpaid order conflicts", func(t *testing.T) {
		f := newFixture()
		id := seedOrder(f, customer, order.StatusPending)
		f.orders.receiptErr = order.ErrOrderNotPaid
		rec := f.do(t, http.MethodPost, "/api/admin/orders/"+id.String()+"/receipt", nil, asAdmin(admin))
		assert.Equal(t, http.StatusConflict, rec.Code)
	})
}
