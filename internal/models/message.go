package models

import "time"

// MessageType discriminates the commands multiplexed onto the
// reservation-requests topic. All four are keyed by sku_id so that every
// command touching one sku's counters lands on the same partition and is
// applied by the same single writer.
type MessageType string

const (
	TypeReserve MessageType = "RESERVE"
	TypeConfirm MessageType = "CONFIRM"
	TypeCancel  MessageType = "CANCEL"
	TypeExpire  MessageType = "EXPIRE"
)

// Message is the envelope published to reservation-requests.
//
// RESERVE fills the user/quantity/idempotency fields; CONFIRM, CANCEL and
// EXPIRE identify an existing reservation instead. PaymentTxnID and
// ShippingAddress are only present on CONFIRM.
type Message struct {
	Type           MessageType `json:"type"`
	RequestID      string      `json:"request_id"`
	UserID         string      `json:"user_id,omitempty"`
	SkuID          string      `json:"sku_id"`
	Quantity       int         `json:"quantity,omitempty"`
	IdempotencyKey string      `json:"idempotency_key,omitempty"`
	ReservationID  string      `json:"reservation_id,omitempty"`
	PaymentTxnID   string      `json:"payment_txn_id,omitempty"`
	ShippingAddr   string      `json:"shipping_address,omitempty"`
	CorrelationID  string      `json:"correlation_id,omitempty"`
	SubmittedAt    time.Time   `json:"submitted_at"`
}

// LifecycleEventType mirrors the reservation state machine on the
// reservation-lifecycle topic for non-core consumers.
type LifecycleEventType string

const (
	EventCreated   LifecycleEventType = "CREATED"
	EventConfirmed LifecycleEventType = "CONFIRMED"
	EventExpired   LifecycleEventType = "EXPIRED"
	EventCancelled LifecycleEventType = "CANCELLED"
)

// LifecycleEvent is published after the owning transaction commits.
// EventID makes downstream handling idempotent under at-least-once delivery.
type LifecycleEvent struct {
	EventID       string             `json:"event_id"`
	Type          LifecycleEventType `json:"type"`
	ReservationID string             `json:"reservation_id"`
	UserID        string             `json:"user_id"`
	SkuID         string             `json:"sku_id"`
	Quantity      int                `json:"quantity"`
	OrderID       string             `json:"order_id,omitempty"`
	Available     int                `json:"available"`
	OccurredAt    time.Time          `json:"occurred_at"`
}
