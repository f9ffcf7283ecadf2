// Package models holds the entities shared by every component: products,
// inventory counters, reservations, purchases and orders, plus the message
// envelope that travels over Kafka and the outcome taxonomy surfaced to callers.
package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// ReservationStatus is the lifecycle state of a hold on one unit of stock.
type ReservationStatus string

const (
	StatusReserved  ReservationStatus = "RESERVED"
	StatusConfirmed ReservationStatus = "CONFIRMED"
	StatusExpired   ReservationStatus = "EXPIRED"
	StatusCancelled ReservationStatus = "CANCELLED"
)

// Terminal reports whether no further transition is allowed from s.
func (s ReservationStatus) Terminal() bool {
	return s == StatusConfirmed || s == StatusExpired || s == StatusCancelled
}

// Product is immutable during a sale; the engine only ever reads it.
type Product struct {
	SkuID     string          `json:"sku_id"`
	Name      string          `json:"name"`
	Category  string          `json:"category"`
	ImageURL  string          `json:"image_url"`
	BasePrice decimal.Decimal `json:"base_price"`
	SalePrice decimal.Decimal `json:"sale_price"`
	EventID   string          `json:"event_id"`
	IsActive  bool            `json:"is_active"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Inventory is the per-sku counter row. Invariant, enforced by a CHECK
// constraint and re-asserted in tests:
//
//	available + reserved + sold == total, all four ≥ 0
//
// Only the batch consumer owning the sku's partition may write it.
type Inventory struct {
	SkuID     string    `json:"sku_id"`
	Total     int       `json:"total"`
	Reserved  int       `json:"reserved"`
	Sold      int       `json:"sold"`
	Available int       `json:"available"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Reservation is a 2-minute hold on exactly one unit for one user.
type Reservation struct {
	ReservationID  string            `json:"reservation_id"`
	UserID         string            `json:"user_id"`
	SkuID          string            `json:"sku_id"`
	Quantity       int               `json:"quantity"`
	Status         ReservationStatus `json:"status"`
	ExpiresAt      time.Time         `json:"expires_at"`
	IdempotencyKey string            `json:"idempotency_key"`
	CreatedAt      time.Time         `json:"created_at"`
	ConfirmedAt    *time.Time        `json:"confirmed_at,omitempty"`
	ExpiredAt      *time.Time        `json:"expired_at,omitempty"`
	CancelledAt    *time.Time        `json:"cancelled_at,omitempty"`
}

// UserPurchase records that a (user, sku) pair converted a hold into an order.
// At most one row per pair — the "one unit per customer" rule.
type UserPurchase struct {
	UserID        string    `json:"user_id"`
	SkuID         string    `json:"sku_id"`
	OrderID       string    `json:"order_id"`
	ReservationID string    `json:"reservation_id"`
	Quantity      int       `json:"quantity"`
	CreatedAt     time.Time `json:"created_at"`
}

// OrderStatus tracks the order created when a reservation is confirmed.
type OrderStatus string

const (
	OrderPaymentPending OrderStatus = "PAYMENT_PENDING"
	OrderConfirmed      OrderStatus = "CONFIRMED"
	OrderFulfilled      OrderStatus = "FULFILLED"
	OrderCancelled      OrderStatus = "CANCELLED"
)

// Order is 1:1 with a confirmed reservation. Fulfilment and shipping are
// handled by a downstream service; the engine only creates the row.
type Order struct {
	OrderID         string          `json:"order_id"`
	ReservationID   string          `json:"reservation_id"`
	UserID          string          `json:"user_id"`
	SkuID           string          `json:"sku_id"`
	Quantity        int             `json:"quantity"`
	TotalPrice      decimal.Decimal `json:"total_price"`
	Status          OrderStatus     `json:"status"`
	PaymentTxnID    string          `json:"payment_txn_id"`
	ShippingAddress string          `json:"shipping_address"`
	CreatedAt       time.Time       `json:"created_at"`
	FulfilledAt     *time.Time      `json:"fulfilled_at,omitempty"`
	CancelledAt     *time.Time      `json:"cancelled_at,omitempty"`
}

// IdempotencyKey derives the stable per-request key. While a RESERVED row
// carries this key no second row with the same key can be created; once the
// hold terminates the key becomes reusable (uniqueness is status-scoped).
func IdempotencyKey(userID, skuID string) string {
	return userID + ":" + skuID
}
