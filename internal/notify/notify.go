// Package notify wraps RabbitMQ for pushing user-facing notifications out of
// the engine. The lifecycle fanout worker translates reservation lifecycle
// events into notifications here; a downstream notification service consumes
// the queue and turns them into emails / pushes.
//
// Durability guarantees:
//   - Queue is declared as durable — survives broker restarts.
//   - Messages are marked as Persistent — written to disk before ack.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"flash-reservation/internal/models"

	amqp "github.com/rabbitmq/amqp091-go"
)

const notificationQueueName = "reservation_notifications"

// Notification is the payload handed to the notification service.
type Notification struct {
	Kind          string    `json:"kind"` // hold_placed, purchase_confirmed, hold_expired, hold_cancelled
	UserID        string    `json:"user_id"`
	SkuID         string    `json:"sku_id"`
	ReservationID string    `json:"reservation_id"`
	OrderID       string    `json:"order_id,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// FromLifecycle maps a lifecycle event to its user-facing notification.
func FromLifecycle(ev *models.LifecycleEvent) Notification {
	kind := map[models.LifecycleEventType]string{
		models.EventCreated:   "hold_placed",
		models.EventConfirmed: "purchase_confirmed",
		models.EventExpired:   "hold_expired",
		models.EventCancelled: "hold_cancelled",
	}[ev.Type]

	return Notification{
		Kind:          kind,
		UserID:        ev.UserID,
		SkuID:         ev.SkuID,
		ReservationID: ev.ReservationID,
		OrderID:       ev.OrderID,
		OccurredAt:    ev.OccurredAt,
	}
}

// Publisher owns the AMQP connection (publish only).
type Publisher struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	queue   amqp.Queue
}

// NewPublisher dials RabbitMQ and declares the notification queue.
func NewPublisher(url string) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("notify: dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("notify: open channel: %w", err)
	}

	q, err := ch.QueueDeclare(
		notificationQueueName,
		true,  // durable — survives broker restart
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("notify: declare queue: %w", err)
	}

	return &Publisher{conn: conn, channel: ch, queue: q}, nil
}

// Publish serialises the notification and sends it to the queue.
// The message is marked Persistent so it survives a broker restart.
func (p *Publisher) Publish(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return err
	}

	return p.channel.PublishWithContext(ctx,
		"",           // default exchange — routes directly to named queue
		p.queue.Name, // routing key == queue name for default exchange
		false,        // mandatory
		false,        // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
		},
	)
}

// Close releases the AMQP channel and connection.
func (p *Publisher) Close() {
	p.channel.Close()
	p.conn.Close()
}
