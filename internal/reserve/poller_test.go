package reserve

import (
	"context"
	"testing"
	"time"

	"flash-reservation/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPoller(store Store, c Cache) *Poller {
	return NewPoller(store, c, 10, time.Millisecond, 4*time.Millisecond, 3)
}

func TestWaitFor_RejectionIsReturned(t *testing.T) {
	c := newCacheFake()
	c.rejected["u1:sku-a"] = models.Rejection{
		Code: models.CodeOutOfStock, Message: "product is out of stock",
	}
	p := fastPoller(newFakeStore(), c)

	out := p.WaitFor(context.Background(), "u1", "sku-a")
	assert.Equal(t, models.CodeOutOfStock, out.Code)
}

func TestWaitFor_EveryWaiterSeesTheSameRejection(t *testing.T) {
	// Two requests with the same (user, sku) share the rejection key: both
	// their pollers must resolve, neither may time out on a consumed entry.
	c := newCacheFake()
	c.rejected["u1:sku-a"] = models.Rejection{Code: models.CodeOutOfStock}
	p := fastPoller(newFakeStore(), c)

	first := p.WaitFor(context.Background(), "u1", "sku-a")
	second := p.WaitFor(context.Background(), "u1", "sku-a")
	assert.Equal(t, models.CodeOutOfStock, first.Code)
	assert.Equal(t, models.CodeOutOfStock, second.Code)
}

func TestWaitFor_SuccessVerifiedAgainstStore(t *testing.T) {
	expires := time.Now().Add(2 * time.Minute).Truncate(time.Second)
	store := newFakeStore()
	store.reservations["res-1"] = &models.Reservation{
		ReservationID: "res-1", UserID: "u1", SkuID: "sku-a",
		Status: models.StatusReserved, ExpiresAt: expires,
	}
	c := newCacheFake()
	c.active["u1:sku-a"] = "res-1"
	p := fastPoller(store, c)

	out := p.WaitFor(context.Background(), "u1", "sku-a")
	require.Equal(t, models.CodeSuccess, out.Code)
	assert.Equal(t, "res-1", out.ReservationID)
	assert.Equal(t, expires.Unix(), out.ExpiresAt)
}

func TestWaitFor_CacheHitWithoutRowKeepsWaiting(t *testing.T) {
	// Active marker present but the row is gone (e.g. already expired and
	// swept). The poller must not promise a hold it cannot verify.
	c := newCacheFake()
	c.active["u1:sku-a"] = "res-ghost"
	p := fastPoller(newFakeStore(), c)

	out := p.WaitFor(context.Background(), "u1", "sku-a")
	assert.Equal(t, models.CodeTimeout, out.Code)
}

func TestWaitFor_OutcomeArrivingMidPollIsPickedUp(t *testing.T) {
	c := newCacheFake()
	p := fastPoller(newFakeStore(), c)

	go func() {
		time.Sleep(3 * time.Millisecond)
		c.rejected["u1:sku-a"] = models.Rejection{Code: models.CodeOutOfStock}
	}()

	out := p.WaitFor(context.Background(), "u1", "sku-a")
	assert.Equal(t, models.CodeOutOfStock, out.Code)
}

func TestWaitFor_AttemptBudgetExhaustedIsTimeout(t *testing.T) {
	p := fastPoller(newFakeStore(), newCacheFake())

	start := time.Now()
	out := p.WaitFor(context.Background(), "u1", "sku-a")
	assert.Equal(t, models.CodeTimeout, out.Code)
	assert.Less(t, time.Since(start), time.Second)
}

func TestWaitFor_ContextDeadlineIsTimeout(t *testing.T) {
	// Attempt budget alone would run far longer; the ctx deadline is the
	// hard cap.
	p := NewPoller(newFakeStore(), newCacheFake(), 1000, 5*time.Millisecond, 100*time.Millisecond, 5)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	out := p.WaitFor(ctx, "u1", "sku-a")
	assert.Equal(t, models.CodeTimeout, out.Code)
	assert.Less(t, time.Since(start), 200*time.Millisecond)
}

func TestWaitForResult_ReturnsPostedOutcome(t *testing.T) {
	c := newCacheFake()
	c.results["res-1"] = models.Outcome{
		Code: models.CodeSuccess, ReservationID: "res-1", OrderID: "order-1",
	}
	p := fastPoller(newFakeStore(), c)

	out := p.WaitForResult(context.Background(), "res-1")
	require.Equal(t, models.CodeSuccess, out.Code)
	assert.Equal(t, "order-1", out.OrderID)
}

func TestWaitForResult_TimesOutWhenNothingPosted(t *testing.T) {
	p := fastPoller(newFakeStore(), newCacheFake())

	out := p.WaitForResult(context.Background(), "res-unknown")
	assert.Equal(t, models.CodeTimeout, out.Code)
}
