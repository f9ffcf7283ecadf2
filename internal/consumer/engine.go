// Package consumer owns all writes to inventory and reservations.
//
// One Engine per process attaches to the reservation-requests consumer group.
// The group protocol hands each partition to exactly one member, and the
// producer keys every command by sku_id, so for any given sku there is exactly
// one goroutine in the whole fleet applying writes — no row locks, no
// compare-and-swap, no contention. That single-writer invariant is what the
// 25k/s-per-sku target rests on.
//
// The loop is: pull a batch (up to B, ~10ms soft wait), decide it, commit one
// database transaction per sku group, commit the Kafka offsets, publish
// outcomes. Offsets move only after the database commit, so a crash replays
// the batch; every decision path is idempotent under replay.
package consumer

import (
	"context"
	"log/slog"
	"time"

	"flash-reservation/internal/database"
	"flash-reservation/internal/metrics"
	"flash-reservation/internal/models"
	"flash-reservation/internal/queue"
)

// Store is the transactional surface of the durable store, implemented by
// *database.DB. Only the Engine and the sweeper ever see it.
type Store interface {
	ApplyReserveBatch(ctx context.Context, skuID string, msgs []*models.Message, hold time.Duration) ([]database.ReserveResult, int, error)
	ConfirmReservation(ctx context.Context, reservationID, paymentTxnID, shippingAddr string) (*database.TransitionResult, error)
	CancelReservation(ctx context.Context, reservationID string) (*database.TransitionResult, error)
	ExpireReservation(ctx context.Context, reservationID string) (*database.TransitionResult, error)
}

// Log is the batch-consuming side of the ordered log.
type Log interface {
	FetchBatch(ctx context.Context, max int, wait time.Duration) ([]queue.Delivery, error)
	CommitBatch(ctx context.Context, batch []queue.Delivery) error
}

// Engine is the partitioned batch consumer.
type Engine struct {
	log      Log
	store    Store
	outcomes *OutcomeWriter

	batchSize int
	batchWait time.Duration
	hold      time.Duration
}

// New constructs an Engine. All dependencies are injected — no globals.
func New(log Log, store Store, outcomes *OutcomeWriter, batchSize int, batchWait, hold time.Duration) *Engine {
	return &Engine{
		log:       log,
		store:     store,
		outcomes:  outcomes,
		batchSize: batchSize,
		batchWait: batchWait,
		hold:      hold,
	}
}

// Run pulls and applies batches until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	slog.Info("batch consumer started", "component", "consumer",
		"batch_size", e.batchSize, "batch_wait", e.batchWait.String())

	for {
		batch, err := e.log.FetchBatch(ctx, e.batchSize, e.batchWait)
		if err != nil {
			if ctx.Err() != nil {
				slog.Info("batch consumer shutting down", "component", "consumer")
				return nil
			}
			slog.Error("fetch failed", "component", "consumer", "error", err)
			time.Sleep(300 * time.Millisecond)
			continue
		}

		metrics.BatchSize.Observe(float64(len(batch)))

		// A durable-store failure rolls the transaction back and the batch is
		// retried in place with backoff — the partition is effectively paused,
		// offsets untouched, until the store recovers. Replays are safe: the
		// live-row idempotency check returns the rows a half-applied attempt
		// already committed.
		backoff := 100 * time.Millisecond
		for {
			if err := e.processBatch(ctx, batch); err == nil {
				break
			} else {
				slog.Error("batch apply failed, retrying",
					"component", "consumer", "backoff", backoff.String(), "error", err)
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			if backoff *= 2; backoff > 5*time.Second {
				backoff = 5 * time.Second
			}
		}

		if err := e.log.CommitBatch(ctx, batch); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			// Offsets stale but the DB writes are committed; a replay after
			// restart reproduces the same rows via the idempotency checks.
			slog.Error("offset commit failed", "component", "consumer", "error", err)
		}
	}
}

// skuGroup is a run of RESERVE requests for one sku, in arrival order.
type skuGroup struct {
	skuID string
	msgs  []*models.Message
}

// processBatch walks the batch in arrival order. Consecutive RESERVEs for a
// sku accumulate into one group (one transaction); a CONFIRM / CANCEL /
// EXPIRE for that sku flushes the pending group first, so per-sku arrival
// order is preserved exactly even across message types.
func (e *Engine) processBatch(ctx context.Context, batch []queue.Delivery) error {
	groups := make(map[string]*skuGroup)
	order := make([]string, 0, 4)
	// seen tracks idempotency keys already admitted in this batch; a second
	// occurrence is a duplicate and never reaches the store.
	seen := make(map[string]bool)

	flush := func(skuID string) error {
		g, ok := groups[skuID]
		if !ok || len(g.msgs) == 0 {
			return nil
		}
		results, available, err := e.store.ApplyReserveBatch(ctx, skuID, g.msgs, e.hold)
		if err != nil {
			return err
		}
		e.outcomes.WriteReserveResults(ctx, skuID, results, available)
		g.msgs = g.msgs[:0]
		return nil
	}

	flushAll := func() error {
		for _, sku := range order {
			if err := flush(sku); err != nil {
				return err
			}
		}
		return nil
	}

	for _, d := range batch {
		if d.Msg == nil {
			// Poison record: undecodable, will never become valid. Its offset
			// still advances with the batch so the partition cannot wedge.
			slog.Warn("discarding undecodable record", "component", "consumer")
			continue
		}
		m := d.Msg

		switch m.Type {
		case models.TypeReserve:
			if seen[m.IdempotencyKey] {
				// Same key twice in one batch. The first occurrence owns the
				// (user, sku) outcome keys, and both waiting requests read
				// those same keys, so the duplicate needs no write of its own.
				metrics.Outcomes.WithLabelValues(string(models.CodeDuplicateRequest)).Inc()
				slog.Info("duplicate request in batch",
					"component", "consumer", "request_id", m.RequestID, "sku_id", m.SkuID)
				continue
			}
			seen[m.IdempotencyKey] = true

			g, ok := groups[m.SkuID]
			if !ok {
				g = &skuGroup{skuID: m.SkuID}
				groups[m.SkuID] = g
				order = append(order, m.SkuID)
			}
			g.msgs = append(g.msgs, m)

		case models.TypeConfirm:
			if err := flush(m.SkuID); err != nil {
				return err
			}
			res, err := e.store.ConfirmReservation(ctx, m.ReservationID, m.PaymentTxnID, m.ShippingAddr)
			if err != nil {
				return err
			}
			e.outcomes.WriteConfirm(ctx, m.ReservationID, res)

		case models.TypeCancel:
			if err := flush(m.SkuID); err != nil {
				return err
			}
			res, err := e.store.CancelReservation(ctx, m.ReservationID)
			if err != nil {
				return err
			}
			e.outcomes.WriteRelease(ctx, m.ReservationID, models.EventCancelled, res)

		case models.TypeExpire:
			if err := flush(m.SkuID); err != nil {
				return err
			}
			res, err := e.store.ExpireReservation(ctx, m.ReservationID)
			if err != nil {
				return err
			}
			e.outcomes.WriteRelease(ctx, m.ReservationID, models.EventExpired, res)

		default:
			slog.Warn("unknown message type",
				"component", "consumer", "type", string(m.Type), "request_id", m.RequestID)
		}
	}

	return flushAll()
}
