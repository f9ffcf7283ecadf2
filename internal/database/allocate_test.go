package database

import (
	"fmt"
	"testing"
	"time"

	"flash-reservation/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func reserveMsg(user, sku string) *models.Message {
	return &models.Message{
		Type:           models.TypeReserve,
		RequestID:      "req-" + user,
		UserID:         user,
		SkuID:          sku,
		Quantity:       1,
		IdempotencyKey: models.IdempotencyKey(user, sku),
	}
}

func TestAllocateReserves_ArrivalOrderUntilExhausted(t *testing.T) {
	now := time.Now().UTC()
	msgs := make([]*models.Message, 0, 5)
	for i := 0; i < 5; i++ {
		msgs = append(msgs, reserveMsg(fmt.Sprintf("u%d", i), "sku-1"))
	}

	results, inserts, _ := allocateReserves("sku-1", msgs, map[string]*models.Reservation{}, 3, now, 2*time.Minute)

	require.Len(t, results, 5)
	require.Len(t, inserts, 3)

	// The total+1-th arrival is the first rejection; order is strict.
	for i, res := range results {
		if i < 3 {
			assert.Equal(t, models.CodeSuccess, res.Code, "arrival %d", i)
			assert.True(t, res.Created)
			assert.Equal(t, msgs[i].UserID, res.Reservation.UserID)
		} else {
			assert.Equal(t, models.CodeOutOfStock, res.Code, "arrival %d", i)
			assert.Nil(t, res.Reservation)
		}
	}

	// Winners map 1:1 onto inserts, same order.
	for i, r := range inserts {
		assert.Equal(t, results[i].Reservation.ReservationID, r.ReservationID)
		assert.Equal(t, models.StatusReserved, r.Status)
		assert.Equal(t, now.Add(2*time.Minute), r.ExpiresAt)
	}
}

func TestAllocateReserves_LiveKeyResolvesIdempotently(t *testing.T) {
	now := time.Now().UTC()
	existing := &models.Reservation{
		ReservationID:  "res-live",
		UserID:         "u1",
		SkuID:          "sku-1",
		Quantity:       1,
		Status:         models.StatusReserved,
		IdempotencyKey: models.IdempotencyKey("u1", "sku-1"),
		ExpiresAt:      now.Add(time.Minute),
	}
	live := map[string]*models.Reservation{existing.IdempotencyKey: existing}

	results, inserts, _ := allocateReserves("sku-1",
		[]*models.Message{reserveMsg("u1", "sku-1")}, live, 10, now, 2*time.Minute)

	require.Len(t, results, 1)
	assert.Equal(t, models.CodeSuccess, results[0].Code)
	assert.False(t, results[0].Created, "idempotent return must not re-emit CREATED")
	assert.Equal(t, "res-live", results[0].Reservation.ReservationID)
	assert.Empty(t, inserts, "no new row, no stock consumed")
}

func TestAllocateReserves_RepeatedKeyWithinBatchConvergesOnOneRow(t *testing.T) {
	now := time.Now().UTC()
	msgs := []*models.Message{reserveMsg("u1", "sku-1"), reserveMsg("u1", "sku-1")}

	results, inserts, _ := allocateReserves("sku-1", msgs, map[string]*models.Reservation{}, 10, now, 2*time.Minute)

	require.Len(t, results, 2)
	require.Len(t, inserts, 1, "one unit consumed, not two")
	assert.True(t, results[0].Created)
	assert.False(t, results[1].Created)
	assert.Equal(t, results[0].Reservation.ReservationID, results[1].Reservation.ReservationID)
}

func TestAllocateReserves_ZeroAvailableRejectsAll(t *testing.T) {
	now := time.Now().UTC()
	msgs := []*models.Message{reserveMsg("u1", "sku-1"), reserveMsg("u2", "sku-1")}

	results, inserts, _ := allocateReserves("sku-1", msgs, map[string]*models.Reservation{}, 0, now, 2*time.Minute)

	require.Len(t, results, 2)
	assert.Empty(t, inserts)
	for _, res := range results {
		assert.Equal(t, models.CodeOutOfStock, res.Code)
	}
}

func TestAllocateReserves_ExpiredUnsweptHoldIsReplacedInPlace(t *testing.T) {
	now := time.Now().UTC()
	stale := &models.Reservation{
		ReservationID:  "res-stale",
		UserID:         "u1",
		SkuID:          "sku-1",
		Quantity:       1,
		Status:         models.StatusReserved,
		IdempotencyKey: models.IdempotencyKey("u1", "sku-1"),
		ExpiresAt:      now.Add(-time.Second),
	}
	live := map[string]*models.Reservation{stale.IdempotencyKey: stale}

	// available is 0: the only unit is still tied up in the stale hold.
	results, inserts, expiries := allocateReserves("sku-1",
		[]*models.Message{reserveMsg("u1", "sku-1")}, live, 0, now, 2*time.Minute)

	require.Len(t, expiries, 1, "stale hold must be expired, not collided with")
	assert.Equal(t, "res-stale", expiries[0].ReservationID)

	require.Len(t, results, 1)
	assert.Equal(t, models.CodeSuccess, results[0].Code)
	assert.True(t, results[0].Created)
	assert.NotEqual(t, "res-stale", results[0].Reservation.ReservationID)

	require.Len(t, inserts, 1, "the freed unit backs the replacement hold")
	assert.Equal(t, stale.IdempotencyKey, inserts[0].IdempotencyKey)
}

func TestAllocateReserves_FreedUnitIsNotVisibleToEarlierArrivals(t *testing.T) {
	now := time.Now().UTC()
	stale := &models.Reservation{
		ReservationID:  "res-stale",
		UserID:         "u2",
		SkuID:          "sku-1",
		Quantity:       1,
		Status:         models.StatusReserved,
		IdempotencyKey: models.IdempotencyKey("u2", "sku-1"),
		ExpiresAt:      now.Add(-time.Second),
	}
	live := map[string]*models.Reservation{stale.IdempotencyKey: stale}

	// Nothing is free up front; the only unit is inside u2's stale hold.
	// u1 arrived before the expiry was processed, so u1 cannot use the unit —
	// it enters the pool only when u2's resubmit expires the stale row.
	msgs := []*models.Message{reserveMsg("u1", "sku-1"), reserveMsg("u2", "sku-1")}
	results, inserts, expiries := allocateReserves("sku-1", msgs, live, 0, now, 2*time.Minute)

	require.Len(t, results, 2)
	assert.Equal(t, models.CodeOutOfStock, results[0].Code)
	assert.Equal(t, models.CodeSuccess, results[1].Code)
	require.Len(t, expiries, 1)
	require.Len(t, inserts, 1)
	assert.Equal(t, "u2", inserts[0].UserID)
}
