package consumer

import (
	"context"
	"testing"
	"time"

	"flash-reservation/internal/database"
	"flash-reservation/internal/models"
	"flash-reservation/internal/queue"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type storeCall struct {
	op    string // "reserve", "confirm", "cancel", "expire"
	skuID string
	msgs  []*models.Message
	resID string
}

type fakeStore struct {
	calls     []storeCall
	available int
	failOnce  bool
}

func (s *fakeStore) ApplyReserveBatch(_ context.Context, skuID string, msgs []*models.Message, hold time.Duration) ([]database.ReserveResult, int, error) {
	if s.failOnce {
		s.failOnce = false
		return nil, 0, assert.AnError
	}
	copied := make([]*models.Message, len(msgs))
	copy(copied, msgs)
	s.calls = append(s.calls, storeCall{op: "reserve", skuID: skuID, msgs: copied})

	results := make([]database.ReserveResult, 0, len(msgs))
	for _, m := range msgs {
		res := database.ReserveResult{
			RequestID: m.RequestID, UserID: m.UserID, SkuID: skuID,
		}
		if s.available > 0 {
			s.available--
			res.Code = models.CodeSuccess
			res.Created = true
			res.Reservation = &models.Reservation{
				ReservationID:  "res-" + m.RequestID,
				UserID:         m.UserID,
				SkuID:          skuID,
				Quantity:       m.Quantity,
				Status:         models.StatusReserved,
				ExpiresAt:      time.Now().Add(hold),
				IdempotencyKey: m.IdempotencyKey,
			}
		} else {
			res.Code = models.CodeOutOfStock
		}
		results = append(results, res)
	}
	return results, s.available, nil
}

func (s *fakeStore) transition(op, id string) (*database.TransitionResult, error) {
	s.calls = append(s.calls, storeCall{op: op, resID: id})
	return &database.TransitionResult{
		Code:    models.CodeSuccess,
		Applied: true,
		Reservation: &models.Reservation{
			ReservationID: id, UserID: "u", SkuID: "s", Quantity: 1,
		},
	}, nil
}

func (s *fakeStore) ConfirmReservation(_ context.Context, id, _, _ string) (*database.TransitionResult, error) {
	return s.transition("confirm", id)
}

func (s *fakeStore) CancelReservation(_ context.Context, id string) (*database.TransitionResult, error) {
	return s.transition("cancel", id)
}

func (s *fakeStore) ExpireReservation(_ context.Context, id string) (*database.TransitionResult, error) {
	return s.transition("expire", id)
}

type fakeCache struct {
	active    map[string]string
	rejected  map[string]models.Rejection
	stock     map[string]int
	purchased map[string]bool
	results   map[string]models.Outcome
}

func newFakeCache() *fakeCache {
	return &fakeCache{
		active:    map[string]string{},
		rejected:  map[string]models.Rejection{},
		stock:     map[string]int{},
		purchased: map[string]bool{},
		results:   map[string]models.Outcome{},
	}
}

func (c *fakeCache) SetActive(_ context.Context, userID, skuID, reservationID string, _ time.Duration) error {
	c.active[userID+":"+skuID] = reservationID
	return nil
}

func (c *fakeCache) DelActive(_ context.Context, userID, skuID string) error {
	delete(c.active, userID+":"+skuID)
	return nil
}

func (c *fakeCache) SetRejection(_ context.Context, userID, skuID string, rej models.Rejection) error {
	c.rejected[userID+":"+skuID] = rej
	return nil
}

func (c *fakeCache) SetStock(_ context.Context, skuID string, available int) error {
	c.stock[skuID] = available
	return nil
}

func (c *fakeCache) SetPurchased(_ context.Context, userID, skuID string) error {
	c.purchased[userID+":"+skuID] = true
	return nil
}

func (c *fakeCache) SetResult(_ context.Context, reservationID string, out models.Outcome) error {
	c.results[reservationID] = out
	return nil
}

type fakeLifecycle struct {
	events []models.LifecycleEvent
}

func (p *fakeLifecycle) PublishLifecycle(_ context.Context, ev *models.LifecycleEvent) error {
	p.events = append(p.events, *ev)
	return nil
}

func reserveDelivery(user, sku string) queue.Delivery {
	return queue.Delivery{Msg: &models.Message{
		Type:           models.TypeReserve,
		RequestID:      "req-" + user + "-" + sku,
		UserID:         user,
		SkuID:          sku,
		Quantity:       1,
		IdempotencyKey: models.IdempotencyKey(user, sku),
	}}
}

func newEngine(store *fakeStore, c *fakeCache, lc *fakeLifecycle) *Engine {
	return New(nil, store, NewOutcomeWriter(c, lc), 250, 10*time.Millisecond, 2*time.Minute)
}

// ---------------------------------------------------------------------------
// Batch orchestration
// ---------------------------------------------------------------------------

func TestProcessBatch_GroupsBySkuPreservingArrivalOrder(t *testing.T) {
	store := &fakeStore{available: 10}
	e := newEngine(store, newFakeCache(), &fakeLifecycle{})

	batch := []queue.Delivery{
		reserveDelivery("u1", "sku-a"),
		reserveDelivery("u2", "sku-b"),
		reserveDelivery("u3", "sku-a"),
	}
	require.NoError(t, e.processBatch(context.Background(), batch))

	require.Len(t, store.calls, 2)
	bySku := map[string][]*models.Message{}
	for _, call := range store.calls {
		require.Equal(t, "reserve", call.op)
		bySku[call.skuID] = call.msgs
	}
	require.Len(t, bySku["sku-a"], 2)
	assert.Equal(t, "u1", bySku["sku-a"][0].UserID)
	assert.Equal(t, "u3", bySku["sku-a"][1].UserID)
	require.Len(t, bySku["sku-b"], 1)
}

func TestProcessBatch_DeduplicatesByIdempotencyKey(t *testing.T) {
	store := &fakeStore{available: 10}
	e := newEngine(store, newFakeCache(), &fakeLifecycle{})

	batch := []queue.Delivery{
		reserveDelivery("u1", "sku-a"),
		reserveDelivery("u1", "sku-a"), // same key, same batch
	}
	require.NoError(t, e.processBatch(context.Background(), batch))

	require.Len(t, store.calls, 1)
	assert.Len(t, store.calls[0].msgs, 1, "duplicate must never reach the store")
}

func TestProcessBatch_ControlMessageFlushesPendingGroupFirst(t *testing.T) {
	store := &fakeStore{available: 10}
	e := newEngine(store, newFakeCache(), &fakeLifecycle{})

	batch := []queue.Delivery{
		reserveDelivery("u1", "sku-a"),
		{Msg: &models.Message{Type: models.TypeConfirm, SkuID: "sku-a", ReservationID: "res-1"}},
		reserveDelivery("u2", "sku-a"),
	}
	require.NoError(t, e.processBatch(context.Background(), batch))

	// Per-sku arrival order is preserved across message types:
	// reserve(u1) → confirm → reserve(u2).
	require.Len(t, store.calls, 3)
	assert.Equal(t, "reserve", store.calls[0].op)
	assert.Equal(t, "u1", store.calls[0].msgs[0].UserID)
	assert.Equal(t, "confirm", store.calls[1].op)
	assert.Equal(t, "res-1", store.calls[1].resID)
	assert.Equal(t, "reserve", store.calls[2].op)
	assert.Equal(t, "u2", store.calls[2].msgs[0].UserID)
}

func TestProcessBatch_CancelAndExpireRouteToTransitions(t *testing.T) {
	store := &fakeStore{available: 10}
	cacheFake := newFakeCache()
	e := newEngine(store, cacheFake, &fakeLifecycle{})

	batch := []queue.Delivery{
		{Msg: &models.Message{Type: models.TypeCancel, SkuID: "sku-a", ReservationID: "res-c"}},
		{Msg: &models.Message{Type: models.TypeExpire, SkuID: "sku-a", ReservationID: "res-e"}},
	}
	require.NoError(t, e.processBatch(context.Background(), batch))

	require.Len(t, store.calls, 2)
	assert.Equal(t, "cancel", store.calls[0].op)
	assert.Equal(t, "expire", store.calls[1].op)
	assert.Contains(t, cacheFake.results, "res-c")
	assert.Contains(t, cacheFake.results, "res-e")
}

func TestProcessBatch_PoisonRecordsAreSkipped(t *testing.T) {
	store := &fakeStore{available: 10}
	e := newEngine(store, newFakeCache(), &fakeLifecycle{})

	batch := []queue.Delivery{
		{Msg: nil},
		reserveDelivery("u1", "sku-a"),
	}
	require.NoError(t, e.processBatch(context.Background(), batch))

	require.Len(t, store.calls, 1)
	assert.Len(t, store.calls[0].msgs, 1)
}

func TestProcessBatch_StoreFailureSurfacesForRetry(t *testing.T) {
	store := &fakeStore{available: 10, failOnce: true}
	e := newEngine(store, newFakeCache(), &fakeLifecycle{})

	batch := []queue.Delivery{reserveDelivery("u1", "sku-a")}
	require.Error(t, e.processBatch(context.Background(), batch))

	// Second attempt with the same batch succeeds — the Run loop retries in
	// place without committing offsets in between.
	require.NoError(t, e.processBatch(context.Background(), batch))
}

func TestProcessBatch_OutcomesReachTheCache(t *testing.T) {
	store := &fakeStore{available: 1}
	cacheFake := newFakeCache()
	lc := &fakeLifecycle{}
	e := newEngine(store, cacheFake, lc)

	batch := []queue.Delivery{
		reserveDelivery("u1", "sku-a"),
		reserveDelivery("u2", "sku-a"),
	}
	require.NoError(t, e.processBatch(context.Background(), batch))

	// u1 won the single unit, u2 got the rejection, stock went to zero.
	assert.Equal(t, "res-req-u1-sku-a", cacheFake.active["u1:sku-a"])
	require.Contains(t, cacheFake.rejected, "u2:sku-a")
	assert.Equal(t, models.CodeOutOfStock, cacheFake.rejected["u2:sku-a"].Code)
	assert.Equal(t, 0, cacheFake.stock["sku-a"])

	require.Len(t, lc.events, 1)
	assert.Equal(t, models.EventCreated, lc.events[0].Type)
}
