package order

import (
	"fmt"
	"math/rand"
	"time"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusPaid       Status = "paid"
	StatusCancelled  Status = "cancelled"
	StatusShipped    Status = "shipped"
	StatusDelivered  Status = "delivered"
	StatusRefunded   Status = "refunded"
)

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
	PaymentFailed    PaymentStatus = "failed"
)

type Item struct {
	ServiceID  string  `json:"service_id"`
	Title      string  `json:"title"`
	Quantity   int     `json:"quantity"`
	UnitPrice  float64 `json:"unit_price"`
	TotalPrice float64 `json:"total_price"`
}

type Address struct {
	Name       string `json:"name"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	State      string `json:"state"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
	Phone      string `json:"phone,omitempty"`
}

func (a Address) IsZero() bool {
	return a == Address{}
}

type Order struct {
	ID              string        `json:"id"`
	OrderNumber     string        `json:"order_number"`
	CustomerID      string        `json:"customer_id"`
	CustomerEmail   string        `json:"customer_email,omitempty"`
	Status          Status        `json:"status"`
	PaymentStatus   PaymentStatus `json:"payment_status"`
	TotalAmount     float64       `json:"total_amount"`
	Currency        string        `json:"currency"`
	Items           []Item        `json:"items"`
	ShippingAddress Address       `json:"shipping_address"`
	BillingAddress  Address       `json:"billing_address"`
	RazorpayOrderID string        `json:"razorpay_order_id"`
	PaymentID       string        `json:"payment_id,omitempty"`
	RefundID        string        `json:"refund_id,omitempty"`
	ReceiptURL      string        `json:"receipt_url,omitempty"`
	Notes           string        `json:"notes,omitempty"`
	PaidAt          *time.Time    `json:"paid_at,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// successRank orders the monotonic success path. Terminal and short-circuit
// states are handled separately in CanTransition.
var successRank = map[Status]int{
	StatusPending:    0,
	StatusProcessing: 1,
	StatusPaid:       2,
	StatusShipped:    3,
	StatusDelivered:  4,
}

// IsTerminal reports whether no further transition is permitted.
func (s Status) IsTerminal() bool {
	return s == StatusDelivered || s == StatusCancelled || s == StatusRefunded
}

// CanTransition reports whether an order may move from s to target. The
// success path only moves forward; cancelled is reachable before payment,
// refunded after it.
func CanTransition(s, target Status) bool {
	if s == target {
		return false
	}
	switch target {
	case StatusCancelled:
		return s == StatusPending || s == StatusProcessing
	case StatusRefunded:
		return s == StatusPaid || s == StatusShipped || s == StatusDelivered
	}
	from, ok := successRank[s]
	if !ok {
		return false
	}
	to, ok := successRank[target]
	if !ok {
		return false
	}
	return to > from
}

// NewOrderNumber generates the human-readable order reference,
// ORD-{unixMillis}-{4-digit random}.
func NewOrderNumber() string {
	return fmt.Sprintf("ORD-%d-%04d", time.Now().UnixMilli(), rand.Intn(10000))
}
