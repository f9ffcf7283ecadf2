package reserve

import (
	"context"
	"time"

	"flash-reservation/internal/metrics"
	"flash-reservation/internal/models"
)

// Poller is a cooperative wait on the outcome cache. The batch consumer never
// calls anyone back; it posts outcomes to Redis and the poller picks them up.
// That keeps the per-request cost a couple of cache reads and lets the API
// tier shed load by simply timing out.
type Poller struct {
	store Store
	cache Cache

	maxAttempts  int
	initial      time.Duration
	max          time.Duration
	backoffAfter int
}

// NewPoller constructs a Poller with the configured backoff knobs.
func NewPoller(store Store, c Cache, maxAttempts int, initial, max time.Duration, backoffAfter int) *Poller {
	return &Poller{
		store:        store,
		cache:        c,
		maxAttempts:  maxAttempts,
		initial:      initial,
		max:          max,
		backoffAfter: backoffAfter,
	}
}

// WaitFor blocks until an outcome for (user, sku) appears, the attempt budget
// runs out, or ctx expires. The interval stays at the initial value for the
// first backoffAfter attempts — tuned to the consumer's ~10ms batch rhythm —
// then doubles per attempt up to the cap.
//
// A TIMEOUT is not a verdict on the reservation: the consumer's work is
// unaffected and the hold may still commit. Callers can re-query by
// reservation id or resubmit (the idempotency key converges on the same row).
func (p *Poller) WaitFor(ctx context.Context, userID, skuID string) models.Outcome {
	return p.poll(ctx, func(ctx context.Context) *models.Outcome {
		// Rejections first. The read does not consume: duplicate requests for
		// one (user, sku) share this key and each waiter must see the same
		// verdict. The submitter clears the key before the next attempt.
		if rej, err := p.cache.GetRejection(ctx, userID, skuID); err == nil {
			return &models.Outcome{Code: rej.Code, Message: rej.Message}
		}

		id, err := p.cache.GetActive(ctx, userID, skuID)
		if err != nil {
			return nil
		}
		// The cache entry is a pointer, not proof. Outcome visibility is
		// log → DB → cache, so the row must exist; verify before promising.
		r, err := p.store.GetReservation(ctx, id)
		if err != nil || r.Status != models.StatusReserved {
			return nil
		}
		return &models.Outcome{
			Code:          models.CodeSuccess,
			ReservationID: r.ReservationID,
			ExpiresAt:     r.ExpiresAt.Unix(),
		}
	})
}

// WaitForResult blocks until the confirm/cancel outcome for a reservation id
// appears, with the same backoff schedule as WaitFor.
func (p *Poller) WaitForResult(ctx context.Context, reservationID string) models.Outcome {
	return p.poll(ctx, func(ctx context.Context) *models.Outcome {
		out, err := p.cache.GetResult(ctx, reservationID)
		if err != nil {
			return nil
		}
		return out
	})
}

func (p *Poller) poll(ctx context.Context, check func(context.Context) *models.Outcome) models.Outcome {
	interval := p.initial

	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		if out := check(ctx); out != nil {
			metrics.PollAttempts.Observe(float64(attempt))
			return *out
		}

		select {
		case <-ctx.Done():
			metrics.PollAttempts.Observe(float64(attempt))
			return models.Outcome{Code: models.CodeTimeout, Message: "request is still being processed"}
		case <-time.After(interval):
		}

		if attempt >= p.backoffAfter {
			interval *= 2
			if interval > p.max {
				interval = p.max
			}
		}
	}

	metrics.PollAttempts.Observe(float64(p.maxAttempts))
	return models.Outcome{Code: models.CodeTimeout, Message: "request is still being processed"}
}
