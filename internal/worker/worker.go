// Package worker fans reservation lifecycle events out to the non-core
// consumers: the Elasticsearch analytics projection and the RabbitMQ
// notification queue. Nothing here affects reservation correctness — the
// single writer has already committed by the time an event arrives.
package worker

import (
	"context"
	"log/slog"
	"time"

	"flash-reservation/internal/models"
	"flash-reservation/internal/notify"
	"flash-reservation/internal/queue"
)

// perEventTimeout caps how long one ES index + notification publish can take.
// If a slow ES node holds out beyond this, the event is left uncommitted and
// redelivered rather than blocking the goroutine indefinitely.
const perEventTimeout = 10 * time.Second

// EventSource is the lifecycle-topic side of the worker, implemented by
// *queue.LifecycleConsumer.
type EventSource interface {
	Fetch(ctx context.Context) (queue.LifecycleDelivery, error)
	Commit(ctx context.Context, d queue.LifecycleDelivery) error
}

// Indexer projects events into the analytics store, implemented by
// *search.Client.
type Indexer interface {
	IndexEvent(ctx context.Context, ev *models.LifecycleEvent) error
}

// Notifier pushes user-facing notifications, implemented by *notify.Publisher.
type Notifier interface {
	Publish(ctx context.Context, n notify.Notification) error
}

// Worker consumes lifecycle events and fans them out.
type Worker struct {
	consumer EventSource
	search   Indexer
	notifier Notifier
}

// New constructs a Worker. All dependencies are injected — no globals.
func New(c EventSource, s Indexer, n Notifier) *Worker {
	return &Worker{consumer: c, search: s, notifier: n}
}

// Run consumes events and blocks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	slog.Info("lifecycle worker started", "component", "lifecycle")

	for {
		d, err := w.consumer.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				slog.Info("lifecycle worker shutting down", "component", "lifecycle")
				return nil
			}
			slog.Error("fetch failed", "component", "lifecycle", "error", err)
			time.Sleep(300 * time.Millisecond)
			continue
		}
		w.process(ctx, d)
	}
}

// process handles a single event: index in ES, publish the notification,
// then commit the offset. Both sinks are idempotent (ES by event ID, the
// notification consumer dedupes on reservation_id + kind), so a redelivery
// after a partial failure is harmless.
func (w *Worker) process(ctx context.Context, d queue.LifecycleDelivery) {
	if d.Event == nil {
		// Undecodable event — commit so the partition moves on.
		_ = w.consumer.Commit(ctx, d)
		return
	}
	ev := d.Event

	evCtx, cancel := context.WithTimeout(ctx, perEventTimeout)
	defer cancel()

	if err := w.search.IndexEvent(evCtx, ev); err != nil {
		slog.Error("analytics index failed",
			"component", "lifecycle",
			"event_id", ev.EventID,
			"error", err,
		)
		return // no commit — redelivered
	}

	if err := w.notifier.Publish(evCtx, notify.FromLifecycle(ev)); err != nil {
		slog.Error("notification publish failed",
			"component", "lifecycle",
			"event_id", ev.EventID,
			"error", err,
		)
		// ES document exists; the ID-keyed upsert handles the replay.
		return
	}

	if err := w.consumer.Commit(ctx, d); err != nil {
		slog.Error("commit failed", "component", "lifecycle", "event_id", ev.EventID, "error", err)
		return
	}

	slog.Info("lifecycle event fanned out",
		"component", "lifecycle",
		"event", string(ev.Type),
		"reservation_id", ev.ReservationID,
	)
}
