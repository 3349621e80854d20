package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"commerce/payments-service/pkg/contracts"

	"github.com/rabbitmq/amqp091-go"
)

// Mailer delivers one message. SMTPMailer is used when an SMTP relay is
// configured; LogMailer stands in everywhere else.
type Mailer interface {
	Send(to, subject, body string) error
}

// Notifier consumes order events and notifies the customer (and the admin
// inbox on captures) about payment outcomes.
type Notifier struct {
	mailer  Mailer
	adminTo string
	logger  *slog.Logger
}

func New(mailer Mailer, adminTo string, logger *slog.Logger) *Notifier {
	return &Notifier{mailer: mailer, adminTo: adminTo, logger: logger}
}

// Handle processes one delivery from the order events queue. Malformed
// messages are dropped. A send failure is requeued once; a failure on the
// redelivery is dropped with a log line rather than cycling the queue hot.
func (n *Notifier) Handle(ctx context.Context, msg amqp091.Delivery) {
	var evt contracts.OrderEvent
	if err := json.Unmarshal(msg.Body, &evt); err != nil {
		n.logger.Error("invalid order event", "err", err)
		_ = msg.Nack(false, false)
		return
	}

	if err := n.notify(evt); err != nil {
		if msg.Redelivered {
			n.logger.Error("send notification failed on redelivery, dropping",
				"order_number", evt.OrderNumber, "event", evt.EventType, "err", err)
			_ = msg.Nack(false, false)
			return
		}
		n.logger.Error("send notification failed, requeueing", "order_number", evt.OrderNumber, "err", err)
		_ = msg.Nack(false, true)
		return
	}

	_ = msg.Ack(false)
}

func (n *Notifier) notify(evt contracts.OrderEvent) error {
	if evt.CustomerEmail == "" {
		n.logger.Warn("order event without customer email", "order_number", evt.OrderNumber, "event", evt.EventType)
		return nil
	}

	switch evt.EventType {
	case contracts.EventOrderPaid:
		subject := fmt.Sprintf("Payment confirmation - %s", evt.OrderNumber)
		body := fmt.Sprintf(
			"Your payment of %.2f %s for order %s was received.\nPayment reference: %s\n",
			evt.TotalAmount, evt.Currency, evt.OrderNumber, evt.PaymentID,
		)
		if err := n.mailer.Send(evt.CustomerEmail, subject, body); err != nil {
			return err
		}
		if n.adminTo != "" {
			adminSubject := fmt.Sprintf("New paid order - %s", evt.OrderNumber)
			adminBody := fmt.Sprintf(
				"Order %s (%s) paid: %.2f %s\n",
				evt.OrderNumber, evt.CustomerEmail, evt.TotalAmount, evt.Currency,
			)
			if err := n.mailer.Send(n.adminTo, adminSubject, adminBody); err != nil {
				// The customer was already notified; do not requeue.
				n.logger.Warn("admin notification failed", "order_number", evt.OrderNumber, "err", err)
			}
		}
		return nil

	case contracts.EventOrderPaymentFailed:
		subject := fmt.Sprintf("Payment failed - %s", evt.OrderNumber)
		reason := evt.Reason
		if reason == "" {
			reason = "payment processing failed"
		}
		body := fmt.Sprintf(
			"Your payment for order %s could not be completed: %s\nYou can retry the payment from your orders page.\n",
			evt.OrderNumber, reason,
		)
		return n.mailer.Send(evt.CustomerEmail, subject, body)

	case contracts.EventOrderRefunded:
		subject := fmt.Sprintf("Refund processed - %s", evt.OrderNumber)
		body := fmt.Sprintf(
			"Your refund of %.2f %s for order %s has been processed.\n",
			evt.TotalAmount, evt.Currency, evt.OrderNumber,
		)
		return n.mailer.Send(evt.CustomerEmail, subject, body)
	}

	n.logger.Info("ignoring order event", "event", evt.EventType)
	return nil
}
