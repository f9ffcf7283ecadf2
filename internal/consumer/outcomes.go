package consumer

import (
	"context"
	"log/slog"
	"time"

	"flash-reservation/internal/database"
	"flash-reservation/internal/metrics"
	"flash-reservation/internal/models"

	"github.com/google/uuid"
)

// activeTTLSlack keeps the active:{user}:{sku} entry alive slightly past the
// hold itself, so a poller racing the expiry still resolves via the store
// check instead of a spurious miss.
const activeTTLSlack = 5 * time.Second

// OutcomeCache is the cache surface the outcome writer needs.
type OutcomeCache interface {
	SetActive(ctx context.Context, userID, skuID, reservationID string, ttl time.Duration) error
	DelActive(ctx context.Context, userID, skuID string) error
	SetRejection(ctx context.Context, userID, skuID string, rej models.Rejection) error
	SetStock(ctx context.Context, skuID string, available int) error
	SetPurchased(ctx context.Context, userID, skuID string) error
	SetResult(ctx context.Context, reservationID string, out models.Outcome) error
}

// LifecyclePublisher emits CREATED / CONFIRMED / EXPIRED / CANCELLED events
// for non-core consumers. Publishing is best-effort: the durable store has
// already committed by the time an event is emitted.
type LifecyclePublisher interface {
	PublishLifecycle(ctx context.Context, ev *models.LifecycleEvent) error
}

// OutcomeWriter publishes each decision to the response cache — the sole
// signal the poller watches — and mirrors it onto the lifecycle topic.
// Every write here happens after the owning transaction committed, so a
// reader that sees active:{u}:{s} is guaranteed to find the row.
type OutcomeWriter struct {
	cache OutcomeCache
	pub   LifecyclePublisher
}

// NewOutcomeWriter constructs an OutcomeWriter.
func NewOutcomeWriter(c OutcomeCache, pub LifecyclePublisher) *OutcomeWriter {
	return &OutcomeWriter{cache: c, pub: pub}
}

// WriteReserveResults posts one outcome per decided request, then the fresh
// available count. Cache failures are logged and skipped: the reservation is
// committed either way, and the caller's poller degrades to a TIMEOUT that
// never masks the success (the row remains queryable by id).
func (w *OutcomeWriter) WriteReserveResults(ctx context.Context, skuID string, results []database.ReserveResult, available int) {
	for _, res := range results {
		metrics.Outcomes.WithLabelValues(string(res.Code)).Inc()

		switch res.Code {
		case models.CodeSuccess:
			r := res.Reservation
			ttl := time.Until(r.ExpiresAt) + activeTTLSlack
			if err := w.cache.SetActive(ctx, r.UserID, r.SkuID, r.ReservationID, ttl); err != nil {
				slog.Error("outcome cache write failed",
					"component", "outcome", "reservation_id", r.ReservationID, "error", err)
			}
			if res.Created {
				w.emit(ctx, models.EventCreated, r, "", available)
			}

		default:
			rej := models.Rejection{Code: res.Code, Message: rejectionMessage(res.Code)}
			if err := w.cache.SetRejection(ctx, res.UserID, res.SkuID, rej); err != nil {
				slog.Error("rejection cache write failed",
					"component", "outcome", "request_id", res.RequestID, "error", err)
			}
		}
	}

	if err := w.cache.SetStock(ctx, skuID, available); err != nil {
		slog.Error("stock cache write failed", "component", "outcome", "sku_id", skuID, "error", err)
	}
}

// WriteConfirm posts the checkout outcome under result:{reservation_id} and,
// when the transition applied, marks the purchase, drops the active-hold
// marker and emits CONFIRMED.
func (w *OutcomeWriter) WriteConfirm(ctx context.Context, reservationID string, res *database.TransitionResult) {
	metrics.Outcomes.WithLabelValues(string(res.Code)).Inc()

	out := models.Outcome{Code: res.Code, ReservationID: reservationID, OrderID: res.OrderID}
	if res.Code == models.CodeCannotConfirm {
		out.Message = "reservation is not confirmable"
	}
	if err := w.cache.SetResult(ctx, reservationID, out); err != nil {
		slog.Error("result cache write failed",
			"component", "outcome", "reservation_id", reservationID, "error", err)
	}

	if !res.Applied {
		return
	}

	r := res.Reservation
	if err := w.cache.SetPurchased(ctx, r.UserID, r.SkuID); err != nil {
		slog.Error("purchased cache write failed",
			"component", "outcome", "reservation_id", reservationID, "error", err)
	}
	_ = w.cache.DelActive(ctx, r.UserID, r.SkuID)
	if err := w.cache.SetStock(ctx, r.SkuID, res.Available); err != nil {
		slog.Error("stock cache write failed", "component", "outcome", "sku_id", r.SkuID, "error", err)
	}
	w.emit(ctx, models.EventConfirmed, r, res.OrderID, res.Available)
}

// WriteRelease handles the cancel and expire outcomes: result entry, active
// marker invalidation, stock refresh and the lifecycle event.
func (w *OutcomeWriter) WriteRelease(ctx context.Context, reservationID string, event models.LifecycleEventType, res *database.TransitionResult) {
	metrics.Outcomes.WithLabelValues(string(res.Code)).Inc()

	out := models.Outcome{Code: res.Code, ReservationID: reservationID}
	if err := w.cache.SetResult(ctx, reservationID, out); err != nil {
		slog.Error("result cache write failed",
			"component", "outcome", "reservation_id", reservationID, "error", err)
	}

	if !res.Applied {
		return
	}

	r := res.Reservation
	_ = w.cache.DelActive(ctx, r.UserID, r.SkuID)
	if err := w.cache.SetStock(ctx, r.SkuID, res.Available); err != nil {
		slog.Error("stock cache write failed", "component", "outcome", "sku_id", r.SkuID, "error", err)
	}
	w.emit(ctx, event, r, "", res.Available)
}

func (w *OutcomeWriter) emit(ctx context.Context, t models.LifecycleEventType, r *models.Reservation, orderID string, available int) {
	ev := &models.LifecycleEvent{
		EventID:       uuid.New().String(),
		Type:          t,
		ReservationID: r.ReservationID,
		UserID:        r.UserID,
		SkuID:         r.SkuID,
		Quantity:      r.Quantity,
		OrderID:       orderID,
		Available:     available,
		OccurredAt:    time.Now().UTC(),
	}
	if err := w.pub.PublishLifecycle(ctx, ev); err != nil {
		slog.Error("lifecycle publish failed",
			"component", "outcome", "event", string(t), "reservation_id", r.ReservationID, "error", err)
	}
}

func rejectionMessage(code models.OutcomeCode) string {
	switch code {
	case models.CodeOutOfStock:
		return "product is out of stock"
	case models.CodeInvalidRequest:
		return "product is not on sale"
	case models.CodeDuplicateRequest:
		return "duplicate request"
	default:
		return "reservation rejected"
	}
}
