package order

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"commerce/payments-service/pkg/contracts"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrOrderNotFound     = errors.New("order not found")
	ErrInvalidInput      = errors.New("invalid input")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrOrderNotPaid      = errors.New("order not paid")
)

// Cache is the optional read cache in front of single-order lookups.
type Cache interface {
	GetJSON(ctx context.Context, key string, dest any) error
	SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
}

// Broadcaster pushes status changes to live order-status subscribers.
type Broadcaster interface {
	BroadcastOrderUpdate(orderID string, status string)
}

const cacheTTL = 5 * time.Minute

type Service struct {
	pool           *pgxpool.Pool
	cache          Cache
	hub            Broadcaster
	receiptBaseURL string
}

// NewService builds the order store. cache and hub may be nil.
func NewService(pool *pgxpool.Pool, cache Cache, hub Broadcaster, receiptBaseURL string) *Service {
	return &Service{pool: pool, cache: cache, hub: hub, receiptBaseURL: receiptBaseURL}
}

type CreateParams struct {
	CustomerID      uuid.UUID
	CustomerEmail   string
	Items           []Item
	ShippingAddress Address
	BillingAddress  *Address
	TotalAmount     float64
	Currency        string
	RazorpayOrderID string
	Notes           string
}

// Create persists a new pending order. The gateway order must already exist;
// RazorpayOrderID is the only key inbound webhooks can match on. The billing
// address is frozen to the shipping address at creation when omitted.
func (s *Service) Create(ctx context.Context, params CreateParams) (*Order, error) {
	if len(params.Items) == 0 {
		return nil, fmt.Errorf("%w: order must contain at least one item", ErrInvalidInput)
	}
	if params.ShippingAddress.IsZero() {
		return nil, fmt.Errorf("%w: shipping address is required", ErrInvalidInput)
	}
	if params.TotalAmount <= 0 {
		return nil, fmt.Errorf("%w: total amount must be positive", ErrInvalidInput)
	}
	if params.RazorpayOrderID == "" {
		return nil, fmt.Errorf("%w: gateway order id is required", ErrInvalidInput)
	}

	currency := params.Currency
	if currency == "" {
		currency = "INR"
	}
	billing := params.ShippingAddress
	if params.BillingAddress != nil && !params.BillingAddress.IsZero() {
		billing = *params.BillingAddress
	}

	now := time.Now().UTC()
	o := &Order{
		ID:              uuid.New().String(),
		OrderNumber:     NewOrderNumber(),
		CustomerID:      params.CustomerID.String(),
		CustomerEmail:   params.CustomerEmail,
		Status:          StatusPending,
		PaymentStatus:   PaymentPending,
		TotalAmount:     params.TotalAmount,
		Currency:        currency,
		Items:           params.Items,
		ShippingAddress: params.ShippingAddress,
		BillingAddress:  billing,
		RazorpayOrderID: params.RazorpayOrderID,
		Notes:           params.Notes,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	items, err := json.Marshal(o.Items)
	if err != nil {
		return nil, fmt.Errorf("marshal items: %w", err)
	}
	shipping, err := json.Marshal(o.ShippingAddress)
	if err != nil {
		return nil, fmt.Errorf("marshal shipping address: %w", err)
	}
	billingJSON, err := json.Marshal(o.BillingAddress)
	if err != nil {
		return nil, fmt.Errorf("marshal billing address: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO orders (
			id, order_number, customer_id, customer_email, status, payment_status,
			total_amount, currency, items, shipping_address, billing_address,
			razorpay_order_id, notes, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $14)`,
		o.ID, o.OrderNumber, params.CustomerID, o.CustomerEmail, o.Status, o.PaymentStatus,
		o.TotalAmount, o.Currency, items, shipping, billingJSON,
		o.RazorpayOrderID, o.Notes, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert order: %w", err)
	}

	return o, nil
}

const orderColumns = `
	id, order_number, customer_id, customer_email, status, payment_status,
	total_amount, currency, items, shipping_address, billing_address,
	razorpay_order_id, payment_id, refund_id, receipt_url, notes,
	paid_at, created_at, updated_at`

func scanOrder(scan func(dest ...any) error) (*Order, error) {
	var (
		o                        Order
		items, shipping, billing []byte
		paymentID, refundID      *string
		receiptURL               *string
	)
	err := scan(
		&o.ID, &o.OrderNumber, &o.CustomerID, &o.CustomerEmail, &o.Status, &o.PaymentStatus,
		&o.TotalAmount, &o.Currency, &items, &shipping, &billing,
		&o.RazorpayOrderID, &paymentID, &refundID, &receiptURL, &o.Notes,
		&o.PaidAt, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(items, &o.Items); err != nil {
		return nil, fmt.Errorf("decode items: %w", err)
	}
	if err := json.Unmarshal(shipping, &o.ShippingAddress); err != nil {
		return nil, fmt.Errorf("decode shipping address: %w", err)
	}
	if err := json.Unmarshal(billing, &o.BillingAddress); err != nil {
		return nil, fmt.Errorf("decode billing address: %w", err)
	}
	if paymentID != nil {
		o.PaymentID = *paymentID
	}
	if refundID != nil {
		o.RefundID = *refundID
	}
	if receiptURL != nil {
		o.ReceiptURL = *receiptURL
	}
	return &o, nil
}

// Get returns one order scoped to its owner. A miss and a cross-customer
// lookup are indistinguishable.
func (s *Service) Get(ctx context.Context, customerID, orderID uuid.UUID) (*Order, error) {
	if s.cache != nil {
		var cached Order
		if err := s.cache.GetJSON(ctx, cacheKey(orderID.String()), &cached); err == nil {
			if cached.CustomerID != customerID.String() {
				return nil, ErrOrderNotFound
			}
			return &cached, nil
		}
	}

	row := s.pool.QueryRow(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE id = $1 AND customer_id = $2`,
		orderID, customerID,
	)
	o, err := scanOrder(row.Scan)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("get order: %w", err)
	}

	if s.cache != nil {
		_ = s.cache.SetJSON(ctx, cacheKey(o.ID), o, cacheTTL)
	}
	return o, nil
}

// AdminGet reads any order regardless of owner.
func (s *Service) AdminGet(ctx context.Context, orderID uuid.UUID) (*Order, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE id = $1`,
		orderID,
	)
	o, err := scanOrder(row.Scan)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("get order: %w", err)
	}
	return o, nil
}

// List returns one page of the customer's orders, newest first, plus the
// total row count for pagination.
func (s *Service) List(ctx context.Context, customerID uuid.UUID, page, limit int, status Status) ([]Order, int, error) {
	page, limit = normalizePage(page, limit)

	var total int
	var err error
	if status != "" {
		err = s.pool.QueryRow(ctx,
			`SELECT COUNT(*) FROM orders WHERE customer_id = $1 AND status = $2`,
			customerID, status).Scan(&total)
	} else {
		err = s.pool.QueryRow(ctx,
			`SELECT COUNT(*) FROM orders WHERE customer_id = $1`,
			customerID).Scan(&total)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("count orders: %w", err)
	}

	query := `
		SELECT ` + orderColumns + `
		FROM orders
		WHERE customer_id = $1`
	args := []any{customerID}
	if status != "" {
		query += ` AND status = $2`
		args = append(args, status)
	}
	query += fmt.Sprintf(`
		ORDER BY created_at DESC
		LIMIT %d OFFSET %d`, limit, (page-1)*limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	var result []Order
	for rows.Next() {
		o, err := scanOrder(rows.Scan)
		if err != nil {
			return nil, 0, err
		}
		result = append(result, *o)
	}
	return result, total, rows.Err()
}

// AdminList returns one page over all orders, optionally filtered by status.
func (s *Service) AdminList(ctx context.Context, page, limit int, status Status) ([]Order, int, error) {
	page, limit = normalizePage(page, limit)

	var total int
	var err error
	if status != "" {
		err = s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM orders WHERE status = $1`, status).Scan(&total)
	} else {
		err = s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM orders`).Scan(&total)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("count orders: %w", err)
	}

	query := `
		SELECT ` + orderColumns + `
		FROM orders`
	var args []any
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, status)
	}
	query += fmt.Sprintf(`
		ORDER BY created_at DESC
		LIMIT %d OFFSET %d`, limit, (page-1)*limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	var result []Order
	for rows.Next() {
		o, err := scanOrder(rows.Scan)
		if err != nil {
			return nil, 0, err
		}
		result = append(result, *o)
	}
	return result, total, rows.Err()
}

func normalizePage(page, limit int) (int, int) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 10
	}
	if limit > 100 {
		limit = 100
	}
	return page, limit
}

// TotalPages derives the page count for a paginated listing.
func TotalPages(total, limit int) int {
	if limit < 1 {
		limit = 10
	}
	return (total + limit - 1) / limit
}

// MarkPaid applies a captured payment to the order owning the gateway order
// id. Re-applying to an order that already moved through paid is a no-op.
func (s *Service) MarkPaid(ctx context.Context, razorpayOrderID, paymentID string) error {
	return s.transition(ctx, razorpayOrderID, StatusPaid, func(tx pgx.Tx, head *orderHead) (bool, error) {
		switch head.Status {
		case StatusPaid, StatusShipped, StatusDelivered:
			// Duplicate delivery of payment.captured.
			return false, nil
		case StatusPending, StatusProcessing:
		default:
			return false, fmt.Errorf("%w: %s -> paid", ErrInvalidTransition, head.Status)
		}
		_, err := tx.Exec(ctx, `
			UPDATE orders
			SET status = $2, payment_status = $3, payment_id = $4, paid_at = NOW(), updated_at = NOW()
			WHERE id = $1`,
			head.ID, StatusPaid, PaymentCompleted, paymentID,
		)
		if err != nil {
			return false, fmt.Errorf("update order: %w", err)
		}
		head.PaymentID = paymentID
		return true, nil
	}, contracts.EventOrderPaid, "")
}

// MarkPaymentFailed cancels an unpaid order. Events arriving after a capture
// (a failed retry attempt for an already-paid order) are ignored.
func (s *Service) MarkPaymentFailed(ctx context.Context, razorpayOrderID, reason string) error {
	return s.transition(ctx, razorpayOrderID, StatusCancelled, func(tx pgx.Tx, head *orderHead) (bool, error) {
		switch head.Status {
		case StatusCancelled, StatusPaid, StatusShipped, StatusDelivered, StatusRefunded:
			return false, nil
		}
		_, err := tx.Exec(ctx, `
			UPDATE orders
			SET status = $2, payment_status = $3, updated_at = NOW()
			WHERE id = $1`,
			head.ID, StatusCancelled, PaymentFailed,
		)
		if err != nil {
			return false, fmt.Errorf("update order: %w", err)
		}
		return true, nil
	}, contracts.EventOrderPaymentFailed, reason)
}

// MarkRefunded records a processed refund against a paid order.
func (s *Service) MarkRefunded(ctx context.Context, razorpayOrderID, refundID string) error {
	return s.transition(ctx, razorpayOrderID, StatusRefunded, func(tx pgx.Tx, head *orderHead) (bool, error) {
		switch head.Status {
		case StatusRefunded:
			return false, nil
		case StatusPaid, StatusShipped, StatusDelivered:
		default:
			return false, fmt.Errorf("%w: %s -> refunded", ErrInvalidTransition, head.Status)
		}
		_, err := tx.Exec(ctx, `
			UPDATE orders
			SET status = $2, refund_id = $3, updated_at = NOW()
			WHERE id = $1`,
			head.ID, StatusRefunded, refundID,
		)
		if err != nil {
			return false, fmt.Errorf("update order: %w", err)
		}
		return true, nil
	}, contracts.EventOrderRefunded, "")
}

// orderHead is the slice of the row the transition helpers need.
type orderHead struct {
	ID            string
	OrderNumber   string
	CustomerID    string
	CustomerEmail string
	Status        Status
	TotalAmount   float64
	Currency      string
	PaymentID     string
}

func (s *Service) transition(
	ctx context.Context,
	razorpayOrderID string,
	target Status,
	apply func(tx pgx.Tx, head *orderHead) (bool, error),
	eventType string,
	reason string,
) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var head orderHead
	var paymentID *string
	err = tx.QueryRow(ctx, `
		SELECT id, order_number, customer_id, customer_email, status, total_amount, currency, payment_id
		FROM orders
		WHERE razorpay_order_id = $1
		FOR UPDATE`,
		razorpayOrderID,
	).Scan(&head.ID, &head.OrderNumber, &head.CustomerID, &head.CustomerEmail,
		&head.Status, &head.TotalAmount, &head.Currency, &paymentID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrOrderNotFound
		}
		return fmt.Errorf("lock order: %w", err)
	}
	if paymentID != nil {
		head.PaymentID = *paymentID
	}

	applied, err := apply(tx, &head)
	if err != nil {
		return err
	}
	if !applied {
		// Idempotent re-delivery; nothing to publish.
		return nil
	}

	evt := contracts.OrderEvent{
		EventID:       uuid.New().String(),
		EventType:     eventType,
		OrderID:       head.ID,
		OrderNumber:   head.OrderNumber,
		CustomerID:    head.CustomerID,
		CustomerEmail: head.CustomerEmail,
		Status:        string(target),
		TotalAmount:   head.TotalAmount,
		Currency:      head.Currency,
		PaymentID:     head.PaymentID,
		Reason:        reason,
		OccurredAt:    time.Now().UTC(),
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO order_outbox (event_id, event_type, payload)
		VALUES ($1, $2, $3)`,
		evt.EventID, evt.EventType, payload,
	)
	if err != nil {
		return fmt.Errorf("insert outbox: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}

	if s.cache != nil {
		_ = s.cache.Del(ctx, cacheKey(head.ID))
	}
	if s.hub != nil {
		s.hub.BroadcastOrderUpdate(head.ID, string(target))
	}
	return nil
}

// UpdateStatus applies an admin fulfillment transition (processing, shipped,
// delivered, cancelled) with the transition rules enforced.
func (s *Service) UpdateStatus(ctx context.Context, orderID uuid.UUID, target Status) (*Order, error) {
	if _, ok := successRank[target]; !ok && target != StatusCancelled && target != StatusRefunded {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, target)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var current Status
	err = tx.QueryRow(ctx,
		`SELECT status FROM orders WHERE id = $1 FOR UPDATE`, orderID,
	).Scan(&current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("lock order: %w", err)
	}

	if !CanTransition(current, target) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, target)
	}

	row := tx.QueryRow(ctx, `
		UPDATE orders
		SET status = $2, updated_at = NOW()
		WHERE id = $1
		RETURNING `+orderColumns,
		orderID, target,
	)
	o, err := scanOrder(row.Scan)
	if err != nil {
		return nil, fmt.Errorf("update order: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	if s.cache != nil {
		_ = s.cache.Del(ctx, cacheKey(o.ID))
	}
	if s.hub != nil {
		s.hub.BroadcastOrderUpdate(o.ID, string(target))
	}
	return o, nil
}

// GenerateReceipt returns the order's receipt URL, creating it on first call.
// Subsequent calls return the stored URL unchanged.
func (s *Service) GenerateReceipt(ctx context.Context, orderID uuid.UUID) (string, error) {
	var (
		orderNumber string
		status      Status
		existing    *string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT order_number, status, receipt_url FROM orders WHERE id = $1`, orderID,
	).Scan(&orderNumber, &status, &existing)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrOrderNotFound
		}
		return "", fmt.Errorf("get order: %w", err)
	}
	if existing != nil && *existing != "" {
		return *existing, nil
	}

	switch status {
	case StatusPaid, StatusShipped, StatusDelivered, StatusRefunded:
	default:
		return "", ErrOrderNotPaid
	}

	url := fmt.Sprintf("%s/receipts/%s.pdf", s.receiptBaseURL, orderNumber)
	tag, err := s.pool.Exec(ctx, `
		UPDATE orders
		SET receipt_url = $2, updated_at = NOW()
		WHERE id = $1 AND receipt_url IS NULL`,
		orderID, url,
	)
	if err != nil {
		return "", fmt.Errorf("store receipt url: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Lost the race to a concurrent call; return what it wrote.
		var stored string
		if err := s.pool.QueryRow(ctx,
			`SELECT receipt_url FROM orders WHERE id = $1`, orderID,
		).Scan(&stored); err != nil {
			return "", fmt.Errorf("reread receipt url: %w", err)
		}
		return stored, nil
	}

	if s.cache != nil {
		_ = s.cache.Del(ctx, cacheKey(orderID.String()))
	}
	return url, nil
}

func cacheKey(orderID string) string {
	return "order:" + orderID
}
