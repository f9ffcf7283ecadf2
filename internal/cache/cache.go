// Package cache is the Redis hand-off channel between the batch consumer and
// the synchronous request path.
//
// The consumer never calls a waiting request back. It posts outcomes here and
// the poller picks them up:
//
//   - active:{user}:{sku}    → reservation_id, TTL ≥ hold duration
//   - reject:{user}:{sku}    → {code, msg}, short TTL
//   - stock:{sku}            → latest available count, short safety TTL
//   - purchased:{user}:{sku} → "1", long TTL, set when a purchase lands
//   - result:{reservation}   → confirm/cancel outcome, short TTL
//
// Everything here is advisory for reads (the consumer re-checks against
// Postgres) and authoritative only as a delivery channel for outcomes.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"flash-reservation/internal/models"

	"github.com/redis/go-redis/v9"
)

const (
	activePrefix    = "active:"
	rejectPrefix    = "reject:"
	stockPrefix     = "stock:"
	purchasedPrefix = "purchased:"
	resultPrefix    = "result:"

	purchasedTTL = 30 * 24 * time.Hour
	resultTTL    = 30 * time.Second
)

// ErrNotFound is returned when a key does not exist in the cache.
var ErrNotFound = errors.New("cache: key not found")

// Client wraps the Redis client and exposes domain-level operations.
type Client struct {
	rdb       *redis.Client
	stockTTL  time.Duration
	rejectTTL time.Duration
}

// New creates a Redis client and verifies the connection with a PING.
func New(addr string, stockTTL, rejectTTL time.Duration) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &Client{rdb: rdb, stockTTL: stockTTL, rejectTTL: rejectTTL}, nil
}

// Close shuts down the underlying connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

func activeKey(userID, skuID string) string    { return activePrefix + userID + ":" + skuID }
func rejectKey(userID, skuID string) string    { return rejectPrefix + userID + ":" + skuID }
func purchasedKey(userID, skuID string) string { return purchasedPrefix + userID + ":" + skuID }

// SetActive records a granted hold. The TTL matches the hold window so the
// entry dies with the reservation even if the invalidation is missed.
func (c *Client) SetActive(ctx context.Context, userID, skuID, reservationID string, ttl time.Duration) error {
	return c.rdb.Set(ctx, activeKey(userID, skuID), reservationID, ttl).Err()
}

// GetActive returns the reservation_id of the user's live hold on the sku.
func (c *Client) GetActive(ctx context.Context, userID, skuID string) (string, error) {
	id, err := c.rdb.Get(ctx, activeKey(userID, skuID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return id, err
}

// DelActive removes the hold marker after a terminal transition.
func (c *Client) DelActive(ctx context.Context, userID, skuID string) error {
	return c.rdb.Del(ctx, activeKey(userID, skuID)).Err()
}

// SetRejection posts a rejection for the poller. Short TTL — a rejection is
// only meaningful to the request currently waiting on it.
func (c *Client) SetRejection(ctx context.Context, userID, skuID string, rej models.Rejection) error {
	data, err := json.Marshal(rej)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, rejectKey(userID, skuID), data, c.rejectTTL).Err()
}

// GetRejection reads the pending rejection without consuming it. Duplicate
// requests for one (user, sku) share these keys, so every waiter must be able
// to read the same rejection; staleness is handled by DelRejection on the
// next submit plus the short TTL, not by a destructive read.
func (c *Client) GetRejection(ctx context.Context, userID, skuID string) (*models.Rejection, error) {
	data, err := c.rdb.Get(ctx, rejectKey(userID, skuID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var rej models.Rejection
	if err := json.Unmarshal(data, &rej); err != nil {
		return nil, err
	}
	return &rej, nil
}

// DelRejection clears a lingering rejection before a fresh attempt is
// enqueued, so the previous verdict cannot shadow the new outcome.
func (c *Client) DelRejection(ctx context.Context, userID, skuID string) error {
	return c.rdb.Del(ctx, rejectKey(userID, skuID)).Err()
}

// SetStock publishes the latest available count after every committed
// transition. The short TTL self-heals a missed invalidation.
func (c *Client) SetStock(ctx context.Context, skuID string, available int) error {
	return c.rdb.Set(ctx, stockPrefix+skuID, available, c.stockTTL).Err()
}

// GetStock returns the cached available count. ErrNotFound means absent,
// which the submitter must treat as "unknown", never as zero.
func (c *Client) GetStock(ctx context.Context, skuID string) (int, error) {
	raw, err := c.rdb.Get(ctx, stockPrefix+skuID).Result()
	if errors.Is(err, redis.Nil) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(raw)
}

// SetPurchased marks a (user, sku) pair as having completed a purchase.
func (c *Client) SetPurchased(ctx context.Context, userID, skuID string) error {
	return c.rdb.Set(ctx, purchasedKey(userID, skuID), "1", purchasedTTL).Err()
}

// HasPurchased is the fast path of the already-purchased precheck.
func (c *Client) HasPurchased(ctx context.Context, userID, skuID string) (bool, error) {
	n, err := c.rdb.Exists(ctx, purchasedKey(userID, skuID)).Result()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// SetResult posts a confirm/cancel outcome keyed by reservation_id for the
// checkout and cancel endpoints to poll.
func (c *Client) SetResult(ctx context.Context, reservationID string, out models.Outcome) error {
	data, err := json.Marshal(out)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, resultPrefix+reservationID, data, resultTTL).Err()
}

// GetResult fetches a confirm/cancel outcome by reservation_id.
func (c *Client) GetResult(ctx context.Context, reservationID string) (*models.Outcome, error) {
	data, err := c.rdb.Get(ctx, resultPrefix+reservationID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var out models.Outcome
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
