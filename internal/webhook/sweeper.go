package webhook

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper reprocesses failed webhook deliveries. It never schedules itself;
// each Sweep is one externally triggered pass (cron hits the retry endpoint).
type Sweeper struct {
	processor   *Processor
	deliveries  DeliveryStore
	batchSize   int
	maxAttempts int
	logger      *slog.Logger
}

// SweepResult summarizes one pass.
type SweepResult struct {
	Claimed  int `json:"claimed"`
	Resolved int `json:"resolved"`
	Failed   int `json:"failed"`
	Dead     int `json:"dead"`
}

func NewSweeper(processor *Processor, deliveries DeliveryStore, batchSize, maxAttempts int, logger *slog.Logger) *Sweeper {
	if batchSize < 1 {
		batchSize = 32
	}
	if maxAttempts < 1 {
		maxAttempts = 8
	}
	return &Sweeper{
		processor:   processor,
		deliveries:  deliveries,
		batchSize:   batchSize,
		maxAttempts: maxAttempts,
		logger:      logger,
	}
}

// Sweep claims one batch of due records and re-runs each through the same
// dispatch as the live handler. A record is removed from rotation only once
// its transition applies; otherwise it stays with an incremented attempt
// count, or is marked dead past the attempt bound.
func (s *Sweeper) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult

	items, err := s.deliveries.Claim(ctx, s.batchSize)
	if err != nil {
		return res, err
	}
	res.Claimed = len(items)

	for _, d := range items {
		env, err := Parse(d.Payload)
		if err == nil {
			err = s.processor.Apply(ctx, env)
		}
		if err == nil {
			if rerr := s.deliveries.Resolve(ctx, d.ID); rerr != nil {
				s.logger.Error("resolve webhook event failed", "id", d.ID, "err", rerr)
				continue
			}
			res.Resolved++
			continue
		}

		attempts := d.Attempts + 1
		dead := attempts >= s.maxAttempts
		nextRetry := time.Now().Add(retryDelay(attempts))
		if ferr := s.deliveries.Fail(ctx, d.ID, err.Error(), nextRetry, dead); ferr != nil {
			s.logger.Error("record webhook retry failed", "id", d.ID, "err", ferr)
			continue
		}
		if dead {
			res.Dead++
			s.logger.Error("webhook event exhausted retries", "id", d.ID, "event", d.EventType, "err", err)
		} else {
			res.Failed++
			s.logger.Warn("webhook retry failed", "id", d.ID, "event", d.EventType, "attempt", attempts, "err", err)
		}
	}

	return res, nil
}

// retryDelay backs off exponentially from one minute, capped at an hour.
func retryDelay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	if attempts > 6 {
		attempts = 6
	}
	delay := time.Duration(1<<(attempts-1)) * time.Minute
	if delay > time.Hour {
		delay = time.Hour
	}
	return delay
}
