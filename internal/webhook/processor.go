package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

var (
	ErrMissingSignature = errors.New("missing webhook signature")
	ErrBadSignature     = errors.New("invalid webhook signature")
)

// OrderTransitions is the slice of the order store the processor drives.
// Every method must be idempotent under repeated delivery.
type OrderTransitions interface {
	MarkPaid(ctx context.Context, razorpayOrderID, paymentID string) error
	MarkPaymentFailed(ctx context.Context, razorpayOrderID, reason string) error
	MarkRefunded(ctx context.Context, razorpayOrderID, refundID string) error
}

// Delivery is one recorded webhook that failed to apply and awaits retry.
type Delivery struct {
	ID        int64
	EventType string
	Payload   []byte
	Attempts  int
}

// DeliveryStore persists failed deliveries for the sweeper.
type DeliveryStore interface {
	RecordFailure(ctx context.Context, env Envelope, payload []byte, processErr error) error
	Claim(ctx context.Context, limit int) ([]Delivery, error)
	Resolve(ctx context.Context, id int64) error
	Fail(ctx context.Context, id int64, lastError string, nextRetry time.Time, dead bool) error
}

// Verifier checks the provider's signature over the raw body.
type Verifier interface {
	VerifyWebhookSignature(body []byte, signature string) bool
}

// Processor turns inbound gateway callbacks into order-state transitions.
type Processor struct {
	orders     OrderTransitions
	deliveries DeliveryStore
	verifier   Verifier
	logger     *slog.Logger
}

func NewProcessor(orders OrderTransitions, deliveries DeliveryStore, verifier Verifier, logger *slog.Logger) *Processor {
	return &Processor{
		orders:     orders,
		deliveries: deliveries,
		verifier:   verifier,
		logger:     logger,
	}
}

// Receive handles one live webhook delivery. Signature and parse failures are
// returned to the caller (the provider should see a 400 and not retry); a
// transition that fails to apply is recorded for the sweeper and reported as
// success so the provider stops redelivering.
func (p *Processor) Receive(ctx context.Context, body []byte, signature string) error {
	if signature == "" {
		return ErrMissingSignature
	}
	if !p.verifier.VerifyWebhookSignature(body, signature) {
		return ErrBadSignature
	}

	env, err := Parse(body)
	if err != nil {
		return err
	}
	if !env.Known() {
		p.logger.Info("ignoring webhook event", "event", env.Event)
		return nil
	}

	if err := p.Apply(ctx, env); err != nil {
		p.logger.Warn("webhook apply failed, queued for retry",
			"event", env.Event, "razorpay_order_id", env.GatewayOrderID(), "err", err)
		if rerr := p.deliveries.RecordFailure(ctx, env, body, err); rerr != nil {
			return fmt.Errorf("record failed webhook: %w", rerr)
		}
		return nil
	}

	p.logger.Info("webhook applied", "event", env.Event, "razorpay_order_id", env.GatewayOrderID())
	return nil
}

// Apply dispatches a parsed event to its order transition. Shared by the
// live path and the retry sweeper.
func (p *Processor) Apply(ctx context.Context, env Envelope) error {
	switch env.Event {
	case EventPaymentCaptured:
		return p.orders.MarkPaid(ctx, env.Payload.Payment.Entity.OrderID, env.Payload.Payment.Entity.ID)
	case EventOrderPaid:
		paymentID := env.PaymentID()
		return p.orders.MarkPaid(ctx, env.Payload.Order.Entity.ID, paymentID)
	case EventPaymentFailed:
		reason := env.Payload.Payment.Entity.ErrorReason
		if reason == "" {
			reason = env.Payload.Payment.Entity.ErrorCode
		}
		return p.orders.MarkPaymentFailed(ctx, env.Payload.Payment.Entity.OrderID, reason)
	case EventRefundProcessed:
		return p.orders.MarkRefunded(ctx, env.Payload.Payment.Entity.OrderID, env.Payload.Refund.Entity.ID)
	}
	return nil
}
