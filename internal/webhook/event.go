package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Event types this service reacts to. Anything else is acknowledged and
// ignored so the provider does not keep redelivering it.
const (
	EventPaymentCaptured = "payment.captured"
	EventPaymentFailed   = "payment.failed"
	EventOrderPaid       = "order.paid"
	EventRefundProcessed = "refund.processed"
)

var ErrMalformedPayload = errors.New("malformed webhook payload")

// Envelope is the provider's webhook body: an event tag plus the entities
// relevant to that event.
type Envelope struct {
	Event   string  `json:"event"`
	Payload Payload `json:"payload"`
}

type Payload struct {
	Payment *PaymentWrapper `json:"payment,omitempty"`
	Order   *OrderWrapper   `json:"order,omitempty"`
	Refund  *RefundWrapper  `json:"refund,omitempty"`
}

type PaymentWrapper struct {
	Entity PaymentEntity `json:"entity"`
}

type OrderWrapper struct {
	Entity OrderEntity `json:"entity"`
}

type RefundWrapper struct {
	Entity RefundEntity `json:"entity"`
}

type PaymentEntity struct {
	ID          string `json:"id"`
	OrderID     string `json:"order_id"`
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
	Status      string `json:"status"`
	Method      string `json:"method"`
	ErrorCode   string `json:"error_code"`
	ErrorReason string `json:"error_description"`
}

type OrderEntity struct {
	ID       string `json:"id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Status   string `json:"status"`
	Receipt  string `json:"receipt"`
}

type RefundEntity struct {
	ID        string `json:"id"`
	PaymentID string `json:"payment_id"`
	Amount    int64  `json:"amount"`
	Status    string `json:"status"`
}

// Known reports whether the event type maps to an order transition.
func (e Envelope) Known() bool {
	switch e.Event {
	case EventPaymentCaptured, EventPaymentFailed, EventOrderPaid, EventRefundProcessed:
		return true
	}
	return false
}

// GatewayOrderID extracts the provider order id, the only join key the
// payload carries for matching a local order.
func (e Envelope) GatewayOrderID() string {
	switch e.Event {
	case EventOrderPaid:
		if e.Payload.Order != nil {
			return e.Payload.Order.Entity.ID
		}
	default:
		if e.Payload.Payment != nil {
			return e.Payload.Payment.Entity.OrderID
		}
	}
	return ""
}

// PaymentID extracts the provider payment id when present.
func (e Envelope) PaymentID() string {
	if e.Payload.Payment != nil {
		return e.Payload.Payment.Entity.ID
	}
	return ""
}

// Parse decodes and validates a webhook body. Known event types must carry
// the entities their transition needs; unknown types pass through untouched.
func Parse(body []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if env.Event == "" {
		return Envelope{}, fmt.Errorf("%w: missing event type", ErrMalformedPayload)
	}
	if !env.Known() {
		return env, nil
	}

	switch env.Event {
	case EventPaymentCaptured, EventPaymentFailed:
		if env.Payload.Payment == nil || env.Payload.Payment.Entity.OrderID == "" {
			return Envelope{}, fmt.Errorf("%w: %s without payment order id", ErrMalformedPayload, env.Event)
		}
	case EventOrderPaid:
		if env.Payload.Order == nil || env.Payload.Order.Entity.ID == "" {
			return Envelope{}, fmt.Errorf("%w: order.paid without order entity", ErrMalformedPayload)
		}
	case EventRefundProcessed:
		if env.Payload.Refund == nil || env.Payload.Refund.Entity.ID == "" {
			return Envelope{}, fmt.Errorf("%w: refund.processed without refund entity", ErrMalformedPayload)
		}
		if env.Payload.Payment == nil || env.Payload.Payment.Entity.OrderID == "" {
			return Envelope{}, fmt.Errorf("%w: refund.processed without payment order id", ErrMalformedPayload)
		}
	}
	return env, nil
}
