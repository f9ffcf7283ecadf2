// Package queue wraps Kafka for the two topics the engine lives on.
//
// reservation-requests carries RESERVE / CONFIRM / CANCEL / EXPIRE commands,
// always keyed by sku_id. The hash balancer therefore routes every command
// touching one sku's counters to the same partition, and the consumer group
// gives each partition exactly one owner — this is the single-writer
// invariant the whole design rests on.
//
// reservation-lifecycle carries CREATED / CONFIRMED / EXPIRED / CANCELLED
// events for non-core consumers (analytics, notifications), same key.
//
// Delivery guarantees:
//   - Producer waits for acks from all in-sync replicas.
//   - Consumer commits offsets manually, only after the database transaction
//     for the batch has committed. A crash between DB commit and offset
//     commit replays the batch; the idempotency-key constraint makes the
//     replay produce the same rows.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"flash-reservation/internal/models"

	"github.com/segmentio/kafka-go"
)

// Publisher owns the writers for both topics.
type Publisher struct {
	requests  *kafka.Writer
	lifecycle *kafka.Writer
}

// NewPublisher builds hash-balanced writers for the request and lifecycle
// topics. Hash (not round-robin) keeps the per-sku partition affinity.
func NewPublisher(brokers []string, requestsTopic, lifecycleTopic string) *Publisher {
	newWriter := func(topic string) *kafka.Writer {
		return &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			BatchTimeout: 5 * time.Millisecond,
		}
	}
	return &Publisher{
		requests:  newWriter(requestsTopic),
		lifecycle: newWriter(lifecycleTopic),
	}
}

// PublishCommand sends a command to reservation-requests, keyed by sku.
func (p *Publisher) PublishCommand(ctx context.Context, msg *models.Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	err = p.requests.WriteMessages(ctx, kafka.Message{
		Key:   []byte(msg.SkuID),
		Value: body,
	})
	if err != nil {
		return fmt.Errorf("queue: publish %s: %w", msg.Type, err)
	}
	return nil
}

// PublishLifecycle emits a lifecycle event, keyed by sku.
func (p *Publisher) PublishLifecycle(ctx context.Context, ev *models.LifecycleEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	err = p.lifecycle.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.SkuID),
		Value: body,
	})
	if err != nil {
		return fmt.Errorf("queue: publish lifecycle %s: %w", ev.Type, err)
	}
	return nil
}

// Close flushes and closes both writers.
func (p *Publisher) Close() {
	p.requests.Close()
	p.lifecycle.Close()
}

// Delivery pairs a decoded command with the raw record needed for the
// offset commit. Msg is nil for a poison (undecodable) record — the caller
// must still commit it or the partition wedges on it forever.
type Delivery struct {
	Msg *models.Message
	raw kafka.Message
}

// Consumer reads command batches from one or more partitions of
// reservation-requests. One Consumer per process; the group protocol
// guarantees each partition has a single owner at a time.
type Consumer struct {
	reader *kafka.Reader
}

// NewConsumer creates a manual-commit reader on the requests topic.
func NewConsumer(brokers []string, topic, groupID string) *Consumer {
	return &Consumer{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  brokers,
			Topic:    topic,
			GroupID:  groupID,
			MinBytes: 1,
			MaxBytes: 1 << 20,
			// CommitInterval 0 → offsets are committed only when
			// CommitBatch is called, after the DB transaction.
			CommitInterval: 0,
			StartOffset:    kafka.FirstOffset,
		}),
	}
}

// FetchBatch blocks for the first record, then drains up to max records with
// a soft wait cap. Returns what it has when the cap elapses — a sparse log
// yields small batches and low latency, a storm yields full ones.
func (c *Consumer) FetchBatch(ctx context.Context, max int, wait time.Duration) ([]Delivery, error) {
	first, err := c.reader.FetchMessage(ctx)
	if err != nil {
		return nil, err
	}
	return drainBatch(ctx, c.reader.FetchMessage, first, max, wait), nil
}

// drainBatch accumulates records behind the first fetch. Any drain error —
// deadline, parent cancellation, or a transient broker failure — ends the
// batch rather than discarding it: the records are already in hand, and the
// caller must process-then-commit them exactly like a full batch. Dropping
// them here would still be safe (uncommitted offsets redeliver), but only
// after a group rejoin; surfacing the partial batch avoids that stall.
func drainBatch(ctx context.Context, fetch func(context.Context) (kafka.Message, error), first kafka.Message, max int, wait time.Duration) []Delivery {
	batch := make([]Delivery, 0, max)
	batch = append(batch, decode(first))

	drainCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	for len(batch) < max {
		m, err := fetch(drainCtx)
		if err != nil {
			break
		}
		batch = append(batch, decode(m))
	}
	return batch
}

// CommitBatch advances the consumer offsets past every record in the batch.
// Call only after the corresponding database transactions committed.
func (c *Consumer) CommitBatch(ctx context.Context, batch []Delivery) error {
	raw := make([]kafka.Message, len(batch))
	for i, d := range batch {
		raw[i] = d.raw
	}
	if err := c.reader.CommitMessages(ctx, raw...); err != nil {
		return fmt.Errorf("queue: commit offsets: %w", err)
	}
	return nil
}

// Close releases the reader and its group membership.
func (c *Consumer) Close() error { return c.reader.Close() }

func decode(m kafka.Message) Delivery {
	var msg models.Message
	if err := json.Unmarshal(m.Value, &msg); err != nil {
		return Delivery{Msg: nil, raw: m}
	}
	return Delivery{Msg: &msg, raw: m}
}

// LifecycleDelivery pairs a decoded lifecycle event with its raw record.
type LifecycleDelivery struct {
	Event *models.LifecycleEvent
	raw   kafka.Message
}

// LifecycleConsumer reads the lifecycle topic for the fanout worker.
type LifecycleConsumer struct {
	reader *kafka.Reader
}

// NewLifecycleConsumer creates a manual-commit reader on the lifecycle topic.
func NewLifecycleConsumer(brokers []string, topic, groupID string) *LifecycleConsumer {
	return &LifecycleConsumer{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:        brokers,
			Topic:          topic,
			GroupID:        groupID,
			MinBytes:       1,
			MaxBytes:       1 << 20,
			CommitInterval: 0,
			StartOffset:    kafka.FirstOffset,
		}),
	}
}

// Fetch blocks for the next lifecycle event. Event is nil for poison records.
func (c *LifecycleConsumer) Fetch(ctx context.Context) (LifecycleDelivery, error) {
	m, err := c.reader.FetchMessage(ctx)
	if err != nil {
		return LifecycleDelivery{}, err
	}
	var ev models.LifecycleEvent
	if err := json.Unmarshal(m.Value, &ev); err != nil {
		return LifecycleDelivery{Event: nil, raw: m}, nil
	}
	return LifecycleDelivery{Event: &ev, raw: m}, nil
}

// Commit acknowledges one delivery after it was fully handled.
func (c *LifecycleConsumer) Commit(ctx context.Context, d LifecycleDelivery) error {
	return c.reader.CommitMessages(ctx, d.raw)
}

// Close releases the reader and its group membership.
func (c *LifecycleConsumer) Close() error { return c.reader.Close() }
