// Package reserve implements the synchronous side of the engine: the
// Submitter that pre-validates and enqueues reservation requests, and the
// Poller that blocks the originating request until the batch consumer posts
// an outcome.
//
// Everything here is advisory. The prechecks fail obviously-doomed requests
// before they ever touch the log, but the authoritative decisions are made by
// the single writer — a request that slips past a stale cache is simply
// rejected there instead.
package reserve

import (
	"context"
	"log/slog"
	"time"

	"flash-reservation/internal/models"

	"github.com/google/uuid"
)

// publishRetries bounds the retry budget for a transient Kafka failure
// before the request surfaces PROCESSING_ERROR.
const (
	publishRetries    = 3
	publishRetryDelay = 20 * time.Millisecond
	precheckTimeout   = 200 * time.Millisecond
)

// Store is the read-only durable-store contract the submitter needs.
type Store interface {
	HasPurchased(ctx context.Context, userID, skuID string) (bool, error)
	ActiveReservation(ctx context.Context, userID, skuID string) (*models.Reservation, error)
	GetReservation(ctx context.Context, reservationID string) (*models.Reservation, error)
}

// Cache is the Redis surface shared by the prechecks and the poller.
type Cache interface {
	HasPurchased(ctx context.Context, userID, skuID string) (bool, error)
	SetPurchased(ctx context.Context, userID, skuID string) error
	GetActive(ctx context.Context, userID, skuID string) (string, error)
	GetStock(ctx context.Context, skuID string) (int, error)
	GetRejection(ctx context.Context, userID, skuID string) (*models.Rejection, error)
	DelRejection(ctx context.Context, userID, skuID string) error
	GetResult(ctx context.Context, reservationID string) (*models.Outcome, error)
}

// Publisher enqueues commands on the sku-keyed log.
type Publisher interface {
	PublishCommand(ctx context.Context, msg *models.Message) error
}

// Submitter runs the fast-fail prechecks and hands accepted requests to the
// partition owned by the sku's single writer.
type Submitter struct {
	store Store
	cache Cache
	pub   Publisher
}

// NewSubmitter constructs a Submitter. All dependencies are injected — no globals.
func NewSubmitter(store Store, c Cache, pub Publisher) *Submitter {
	return &Submitter{store: store, cache: c, pub: pub}
}

// Submit pre-validates and enqueues one reservation request. It returns the
// request id and a nil rejection on acceptance, or a rejection that never
// reached the log. It does not wait for the consumer; pair with a Poller (or
// use SubmitAndWait) to obtain the outcome.
//
// Precheck order, each a fast read that fails the request when it fires:
//  1. quantity must be exactly 1;
//  2. the user has not already purchased this sku (cache, then purchase table);
//  3. the user holds no live reservation on it (cache, then reservations);
//  4. the cached stock count, when present, covers the quantity.
//
// Infra failures inside a precheck degrade to a cache miss: the consumer
// re-checks authoritatively, so proceeding is always safe.
func (s *Submitter) Submit(ctx context.Context, userID, skuID string, quantity int) (string, *models.Rejection) {
	if quantity != 1 {
		return "", &models.Rejection{Code: models.CodeInvalidRequest, Message: "quantity must be exactly 1"}
	}
	if userID == "" || skuID == "" {
		return "", &models.Rejection{Code: models.CodeInvalidRequest, Message: "user_id and sku_id are required"}
	}

	checkCtx, cancel := context.WithTimeout(ctx, precheckTimeout)
	defer cancel()

	if s.hasPurchased(checkCtx, userID, skuID) {
		return "", &models.Rejection{Code: models.CodeAlreadyPurchased, Message: "user already purchased this product"}
	}
	if s.hasActiveHold(checkCtx, userID, skuID) {
		return "", &models.Rejection{Code: models.CodeActiveReservation, Message: "user already holds a live reservation"}
	}
	if stock, err := s.cache.GetStock(checkCtx, skuID); err == nil && stock < quantity {
		// Absence of the key is not a negative — only a present count rejects.
		return "", &models.Rejection{Code: models.CodeOutOfStock, Message: "product is out of stock"}
	}

	// Clear any rejection left by a previous attempt before the new request
	// enters the log; duplicates of this request share the rejection key and
	// all of them must see the fresh verdict, never the old one.
	_ = s.cache.DelRejection(ctx, userID, skuID)

	msg := &models.Message{
		Type:           models.TypeReserve,
		RequestID:      uuid.New().String(),
		UserID:         userID,
		SkuID:          skuID,
		Quantity:       quantity,
		IdempotencyKey: models.IdempotencyKey(userID, skuID),
		CorrelationID:  uuid.New().String(),
		SubmittedAt:    time.Now().UTC(),
	}

	if err := s.publish(ctx, msg); err != nil {
		slog.Error("enqueue failed",
			"component", "submitter",
			"request_id", msg.RequestID,
			"sku_id", skuID,
			"error", err,
		)
		return "", &models.Rejection{Code: models.CodeProcessingError, Message: "could not enqueue request"}
	}

	return msg.RequestID, nil
}

func (s *Submitter) hasPurchased(ctx context.Context, userID, skuID string) bool {
	if hit, err := s.cache.HasPurchased(ctx, userID, skuID); err == nil && hit {
		return true
	}
	purchased, err := s.store.HasPurchased(ctx, userID, skuID)
	if err != nil {
		return false // treat as miss; the consumer is authoritative
	}
	if purchased {
		_ = s.cache.SetPurchased(ctx, userID, skuID) // back-fill; failure is non-fatal
	}
	return purchased
}

func (s *Submitter) hasActiveHold(ctx context.Context, userID, skuID string) bool {
	if _, err := s.cache.GetActive(ctx, userID, skuID); err == nil {
		return true
	}
	if _, err := s.store.ActiveReservation(ctx, userID, skuID); err == nil {
		return true
	}
	return false
}

func (s *Submitter) publish(ctx context.Context, msg *models.Message) error {
	var err error
	for attempt := 0; attempt < publishRetries; attempt++ {
		if err = s.pub.PublishCommand(ctx, msg); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		time.Sleep(publishRetryDelay)
	}
	return err
}

// SubmitAndWait composes Submit with the poller so callers that need a
// synchronous answer get one within the polling budget.
func (s *Submitter) SubmitAndWait(ctx context.Context, p *Poller, userID, skuID string, quantity int) models.Outcome {
	requestID, rej := s.Submit(ctx, userID, skuID, quantity)
	if rej != nil {
		return models.Outcome{Code: rej.Code, Message: rej.Message}
	}
	out := p.WaitFor(ctx, userID, skuID)
	if out.Code == models.CodeTimeout {
		slog.Info("poll budget exhausted",
			"component", "submitter",
			"request_id", requestID,
			"sku_id", skuID,
		)
	}
	return out
}
