package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"flash-reservation/internal/models"
	"flash-reservation/internal/notify"
	"flash-reservation/internal/queue"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	committed []string // event ids, "" for poison
}

func (s *fakeSource) Fetch(_ context.Context) (queue.LifecycleDelivery, error) {
	return queue.LifecycleDelivery{}, errors.New("not used in these tests")
}

func (s *fakeSource) Commit(_ context.Context, d queue.LifecycleDelivery) error {
	id := ""
	if d.Event != nil {
		id = d.Event.EventID
	}
	s.committed = append(s.committed, id)
	return nil
}

type fakeIndexer struct {
	indexed []string
	err     error
}

func (i *fakeIndexer) IndexEvent(_ context.Context, ev *models.LifecycleEvent) error {
	if i.err != nil {
		return i.err
	}
	i.indexed = append(i.indexed, ev.EventID)
	return nil
}

type fakeNotifier struct {
	sent []notify.Notification
	err  error
}

func (n *fakeNotifier) Publish(_ context.Context, msg notify.Notification) error {
	if n.err != nil {
		return n.err
	}
	n.sent = append(n.sent, msg)
	return nil
}

func confirmedDelivery() queue.LifecycleDelivery {
	return queue.LifecycleDelivery{Event: &models.LifecycleEvent{
		EventID:       "ev-1",
		Type:          models.EventConfirmed,
		ReservationID: "res-1",
		UserID:        "u1",
		SkuID:         "sku-a",
		Quantity:      1,
		OrderID:       "order-1",
		OccurredAt:    time.Now().UTC(),
	}}
}

func TestProcess_IndexesNotifiesThenCommits(t *testing.T) {
	src := &fakeSource{}
	idx := &fakeIndexer{}
	ntf := &fakeNotifier{}
	w := New(src, idx, ntf)

	w.process(context.Background(), confirmedDelivery())

	assert.Equal(t, []string{"ev-1"}, idx.indexed)
	require.Len(t, ntf.sent, 1)
	assert.Equal(t, "purchase_confirmed", ntf.sent[0].Kind)
	assert.Equal(t, "order-1", ntf.sent[0].OrderID)
	assert.Equal(t, []string{"ev-1"}, src.committed)
}

func TestProcess_IndexFailureLeavesEventUncommitted(t *testing.T) {
	src := &fakeSource{}
	ntf := &fakeNotifier{}
	w := New(src, &fakeIndexer{err: errors.New("es unavailable")}, ntf)

	w.process(context.Background(), confirmedDelivery())

	assert.Empty(t, src.committed, "uncommitted events are redelivered")
	assert.Empty(t, ntf.sent)
}

func TestProcess_NotifyFailureLeavesEventUncommitted(t *testing.T) {
	src := &fakeSource{}
	idx := &fakeIndexer{}
	w := New(src, idx, &fakeNotifier{err: errors.New("broker unavailable")})

	w.process(context.Background(), confirmedDelivery())

	// The ES document exists; the ID-keyed upsert absorbs the replay.
	assert.Equal(t, []string{"ev-1"}, idx.indexed)
	assert.Empty(t, src.committed)
}

func TestProcess_PoisonEventIsCommittedAndSkipped(t *testing.T) {
	src := &fakeSource{}
	idx := &fakeIndexer{}
	ntf := &fakeNotifier{}
	w := New(src, idx, ntf)

	w.process(context.Background(), queue.LifecycleDelivery{Event: nil})

	assert.Equal(t, []string{""}, src.committed, "poison offset must advance")
	assert.Empty(t, idx.indexed)
	assert.Empty(t, ntf.sent)
}
