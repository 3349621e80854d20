package webhook

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Delivery record lifecycle states.
const (
	deliveryPending    = "pending"
	deliveryProcessing = "processing"
	deliveryResolved   = "resolved"
	deliveryDead       = "dead"
)

// claimWindow is how long a claimed record stays invisible to other sweeps
// before it is considered abandoned.
const claimWindow = 30 * time.Second

// PGStore persists failed webhook deliveries in Postgres.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) RecordFailure(ctx context.Context, env Envelope, payload []byte, processErr error) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO webhook_events (event_type, razorpay_order_id, razorpay_payment_id, payload, status, last_error)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		env.Event, env.GatewayOrderID(), env.PaymentID(), payload, deliveryPending, processErr.Error(),
	)
	if err != nil {
		return fmt.Errorf("insert webhook event: %w", err)
	}
	return nil
}

// Claim locks up to limit due records so a concurrent sweep cannot pick them
// up, marks them processing with a release deadline, and returns them.
func (s *PGStore) Claim(ctx context.Context, limit int) ([]Delivery, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT id, event_type, payload, attempts
		FROM webhook_events
		WHERE status IN ('pending', 'processing') AND next_retry <= NOW()
		ORDER BY id
		LIMIT $1
		FOR UPDATE SKIP LOCKED`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query webhook events: %w", err)
	}
	defer rows.Close()

	var items []Delivery
	for rows.Next() {
		var d Delivery
		if err := rows.Scan(&d.ID, &d.EventType, &d.Payload, &d.Attempts); err != nil {
			return nil, err
		}
		items = append(items, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	releaseAt := time.Now().Add(claimWindow)
	for _, d := range items {
		_, err := tx.Exec(ctx, `
			UPDATE webhook_events
			SET status = $2, next_retry = $3, updated_at = NOW()
			WHERE id = $1`,
			d.ID, deliveryProcessing, releaseAt,
		)
		if err != nil {
			return nil, fmt.Errorf("claim webhook event: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return items, nil
}

func (s *PGStore) Resolve(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE webhook_events
		SET status = $2, last_error = '', updated_at = NOW()
		WHERE id = $1`,
		id, deliveryResolved,
	)
	if err != nil {
		return fmt.Errorf("resolve webhook event: %w", err)
	}
	return nil
}

func (s *PGStore) Fail(ctx context.Context, id int64, lastError string, nextRetry time.Time, dead bool) error {
	status := deliveryPending
	if dead {
		status = deliveryDead
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE webhook_events
		SET status = $2,
		    attempts = attempts + 1,
		    last_error = $3,
		    next_retry = $4,
		    updated_at = NOW()
		WHERE id = $1`,
		id, status, lastError, nextRetry,
	)
	if err != nil {
		return fmt.Errorf("update webhook event: %w", err)
	}
	return nil
}
