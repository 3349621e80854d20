package contracts

import "time"

// Routing keys published on the order events exchange.
const (
	EventOrderPaid          = "orders.paid"
	EventOrderPaymentFailed = "orders.payment_failed"
	EventOrderRefunded      = "orders.refunded"
)

// OrderEvent is published whenever an order changes payment state. Consumers
// (the notifier, dashboards) key off EventType.
type OrderEvent struct {
	EventID       string    `json:"event_id"`
	EventType     string    `json:"event_type"`
	OrderID       string    `json:"order_id"`
	OrderNumber   string    `json:"order_number"`
	CustomerID    string    `json:"customer_id"`
	CustomerEmail string    `json:"customer_email,omitempty"`
	Status        string    `json:"status"`
	TotalAmount   float64   `json:"total_amount"`
	Currency      string    `json:"currency"`
	PaymentID     string    `json:"payment_id,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}
