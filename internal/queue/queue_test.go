package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openonco/coverage-watch/internal/model"
	"github.com/openonco/coverage-watch/internal/store"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestQueue(t *testing.T, opts ...Option) (*Queue, *fakeClock) {
	t.Helper()
	s, err := store.NewSQLite(":memory:")
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })

	clock := &fakeClock{now: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}
	opts = append(opts, WithClock(clock.Now))
	return New(s.DB(), opts...), clock
}

func TestEnqueueDequeueAck(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	inserted, err := q.Enqueue(ctx, "cand-1", "fp-1", 7)
	require.NoError(t, err)
	assert.True(t, inserted)

	item, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, "cand-1", item.CandidateID)
	assert.Equal(t, model.QueueInFlight, item.State)
	assert.False(t, item.LeaseExpiresAt.IsZero())

	require.NoError(t, q.Ack(ctx, item.ID))

	status, err := q.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.QueueStatus{Done: 1}, status)
}

func TestEnqueue_IdempotentByFingerprint(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	inserted, err := q.Enqueue(ctx, "cand-1", "fp-1", 5)
	require.NoError(t, err)
	assert.True(t, inserted)

	// Same fingerprint while pending: no-op.
	inserted, err = q.Enqueue(ctx, "cand-1", "fp-1", 5)
	require.NoError(t, err)
	assert.False(t, inserted)

	// Still a no-op while in flight.
	_, err = q.Dequeue(ctx)
	require.NoError(t, err)
	inserted, err = q.Enqueue(ctx, "cand-1", "fp-1", 5)
	require.NoError(t, err)
	assert.False(t, inserted)

	status, err := q.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, status.Pending+status.InFlight, "queue depth must not grow")
}

func TestEnqueue_TerminalStateAllowsRequeue(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "cand-1", "fp-1", 5)
	require.NoError(t, err)
	item, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Ack(ctx, item.ID))

	inserted, err := q.Enqueue(ctx, "cand-1", "fp-1", 5)
	require.NoError(t, err)
	assert.True(t, inserted, "done items do not block re-enqueue")
}

func TestDequeue_EmptyQueue(t *testing.T) {
	q, _ := newTestQueue(t)
	item, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Nil(t, item)
}

func TestDequeue_PriorityThenFIFO(t *testing.T) {
	q, clock := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "low", "fp-low", 2)
	require.NoError(t, err)
	clock.Advance(time.Second)
	_, err = q.Enqueue(ctx, "high-old", "fp-ho", 8)
	require.NoError(t, err)
	clock.Advance(time.Second)
	_, err = q.Enqueue(ctx, "high-new", "fp-hn", 8)
	require.NoError(t, err)

	var order []string
	for {
		item, err := q.Dequeue(ctx)
		require.NoError(t, err)
		if item == nil {
			break
		}
		order = append(order, item.CandidateID)
	}
	assert.Equal(t, []string{"high-old", "high-new", "low"}, order)
}

func TestNack_ReturnsToPendingWithAttempt(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "cand-1", "fp-1", 5)
	require.NoError(t, err)
	item, err := q.Dequeue(ctx)
	require.NoError(t, err)

	state, err := q.Nack(ctx, item.ID, "inference timeout")
	require.NoError(t, err)
	assert.Equal(t, model.QueuePending, state)

	again, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, 1, again.Attempts)
	assert.Equal(t, "inference timeout", again.LastError)
}

func TestNack_FailsAfterMaxAttempts(t *testing.T) {
	q, _ := newTestQueue(t, WithMaxAttempts(3))
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "cand-1", "fp-1", 5)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		item, err := q.Dequeue(ctx)
		require.NoError(t, err)
		require.NotNil(t, item)
		state, err := q.Nack(ctx, item.ID, "boom")
		require.NoError(t, err)
		assert.Equal(t, model.QueuePending, state)
	}

	item, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, item)
	state, err := q.Nack(ctx, item.ID, "boom")
	require.NoError(t, err)
	assert.Equal(t, model.QueueFailed, state)

	// Failed items are never dequeued again.
	none, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestNack_RequiresInFlight(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "cand-1", "fp-1", 5)
	require.NoError(t, err)
	item, err := q.Dequeue(ctx)
	require.NoError(t, err)
	_, err = q.Nack(ctx, item.ID, "first")
	require.NoError(t, err)

	// A second nack for the same lease is rejected.
	_, err = q.Nack(ctx, item.ID, "second")
	assert.Error(t, err)
	require.Error(t, q.Ack(ctx, item.ID))
}

func TestReapExpired_ExactlyOnce(t *testing.T) {
	q, clock := newTestQueue(t, WithLease(time.Minute))
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "cand-1", "fp-1", 5)
	require.NoError(t, err)
	item, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, item)

	// Lease still live: nothing to reap.
	n, err := q.ReapExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	clock.Advance(2 * time.Minute)
	n, err = q.ReapExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// A second reap pass must not touch the item again.
	n, err = q.ReapExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	again, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, 1, again.Attempts, "expiry increments attempts exactly once")
	assert.Equal(t, "lease expired", again.LastError)
}
