package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"commerce/payments-service/pkg/contracts"

	"github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sentMail struct {
	to      string
	subject string
}

type fakeMailer struct {
	err  error
	sent []sentMail
}

func (m *fakeMailer) Send(to, subject, body string) error {
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, sentMail{to: to, subject: subject})
	return nil
}

type fakeAcker struct {
	acked    bool
	nacked   bool
	requeued bool
}

func (a *fakeAcker) Ack(tag uint64, multiple bool) error {
	a.acked = true
	return nil
}

func (a *fakeAcker) Nack(tag uint64, multiple, requeue bool) error {
	a.nacked = true
	a.requeued = requeue
	return nil
}

func (a *fakeAcker) Reject(tag uint64, requeue bool) error {
	a.nacked = true
	a.requeued = requeue
	return nil
}

func paidEventBody(t *testing.T) []byte {
	t.Helper()
	body, err := json.Marshal(contracts.OrderEvent{
		EventType:     contracts.EventOrderPaid,
		OrderNumber:   "ORD-1700000000000-0001",
		CustomerEmail: "customer@example.com",
		TotalAmount:   499,
		Currency:      "INR",
		PaymentID:     "pay_1",
	})
	require.NoError(t, err)
	return body
}

func TestHandle_PaidEventMailsCustomerAndAdmin(t *testing.T) {
	mailer := &fakeMailer{}
	n := New(mailer, "ops@example.com", slog.New(slog.DiscardHandler))
	acker := &fakeAcker{}

	n.Handle(context.Background(), amqp091.Delivery{Acknowledger: acker, Body: paidEventBody(t)})

	assert.True(t, acker.acked)
	require.Len(t, mailer.sent, 2)
	assert.Equal(t, "customer@example.com", mailer.sent[0].to)
	assert.Equal(t, "ops@example.com", mailer.sent[1].to)
}

func TestHandle_MalformedEventDropped(t *testing.T) {
	mailer := &fakeMailer{}
	n := New(mailer, "", slog.New(slog.DiscardHandler))
	acker := &fakeAcker{}

	n.Handle(context.Background(), amqp091.Delivery{Acknowledger: acker, Body: []byte("not json")})

	assert.True(t, acker.nacked)
	assert.False(t, acker.requeued)
	assert.Empty(t, mailer.sent)
}

func TestHandle_SendFailureRequeuesOnce(t *testing.T) {
	mailer := &fakeMailer{err: errors.New("relay unreachable")}
	n := New(mailer, "", slog.New(slog.DiscardHandler))

	first := &fakeAcker{}
	n.Handle(context.Background(), amqp091.Delivery{Acknowledger: first, Body: paidEventBody(t)})
	assert.True(t, first.nacked)
	assert.True(t, first.requeued, "first failure goes back to the queue")

	second := &fakeAcker{}
	n.Handle(context.Background(), amqp091.Delivery{Acknowledger: second, Body: paidEventBody(t), Redelivered: true})
	assert.True(t, second.nacked)
	assert.False(t, second.requeued, "redelivered failure is dropped")
}

func TestHandle_EventWithoutEmailAcked(t *testing.T) {
	mailer := &fakeMailer{}
	n := New(mailer, "", slog.New(slog.DiscardHandler))
	acker := &fakeAcker{}

	body, err := json.Marshal(contracts.OrderEvent{
		EventType:   contracts.EventOrderPaid,
		OrderNumber: "ORD-1700000000000-0002",
	})
	require.NoError(t, err)

	n.Handle(context.Background(), amqp091.Delivery{Acknowledger: acker, Body: body})

	assert.True(t, acker.acked)
	assert.Empty(t, mailer.sent)
}
