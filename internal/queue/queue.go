// Package queue implements the durable extraction work queue. A lease is
// a time-bounded exclusive claim: an item dequeued by one worker is
// invisible to others until the lease expires or is acknowledged. This
// is the pipeline's only cross-stage mutual-exclusion mechanism.
package queue

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/openonco/coverage-watch/internal/model"
)

const (
	// DefaultMaxAttempts is how many processing failures an item
	// survives before it parks in failed.
	DefaultMaxAttempts = 3
	// DefaultLease bounds how long a worker may hold an item.
	DefaultLease = 2 * time.Minute
)

// Queue manages queue_items over the store's database handle.
type Queue struct {
	db          *sql.DB
	maxAttempts int
	lease       time.Duration

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

// Option configures a Queue.
type Option func(*Queue)

// WithMaxAttempts overrides the failure budget per item.
func WithMaxAttempts(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.maxAttempts = n
		}
	}
}

// WithLease overrides the lease duration.
func WithLease(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.lease = d
		}
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.nowFunc = now }
}

// New builds a queue over db.
func New(db *sql.DB, opts ...Option) *Queue {
	q := &Queue{
		db:          db,
		maxAttempts: DefaultMaxAttempts,
		lease:       DefaultLease,
		nowFunc:     time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue inserts a pending item for the candidate unless an item with
// the same exact fingerprint is already pending or in flight. Repeated
// crawl cycles of unchanged content therefore never grow the queue.
// Returns true when a new item was inserted.
func (q *Queue) Enqueue(ctx context.Context, candidateID, fingerprint string, priority float64) (bool, error) {
	now := q.nowFunc().UTC()
	res, err := q.db.ExecContext(ctx, `
		INSERT INTO queue_items (id, candidate_id, fingerprint, priority, state, attempts, created_at, updated_at)
		SELECT ?, ?, ?, ?, 'pending', 0, ?, ?
		WHERE NOT EXISTS (
			SELECT 1 FROM queue_items
			WHERE fingerprint = ? AND state IN ('pending', 'in_flight')
		)`,
		uuid.New().String(), candidateID, fingerprint, priority, now, now, fingerprint,
	)
	if err != nil {
		return false, eris.Wrapf(err, "queue: enqueue candidate %s", candidateID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "queue: enqueue rows affected")
	}
	if n == 0 {
		zap.L().Debug("enqueue no-op, fingerprint already queued",
			zap.String("candidate_id", candidateID))
	}
	return n > 0, nil
}

// Dequeue claims the highest-priority pending item and grants a lease.
// Returns (nil, nil) when nothing is pending.
func (q *Queue) Dequeue(ctx context.Context) (*model.QueueItem, error) {
	now := q.nowFunc().UTC()
	row := q.db.QueryRowContext(ctx, `
		UPDATE queue_items
		SET state = 'in_flight', lease_expires_at = ?, updated_at = ?
		WHERE id = (
			SELECT id FROM queue_items WHERE state = 'pending'
			ORDER BY priority DESC, created_at ASC LIMIT 1
		)
		RETURNING id, candidate_id, fingerprint, priority, state, attempts,
			lease_expires_at, last_error, created_at, updated_at`,
		now.Add(q.lease), now,
	)
	item, err := scanItem(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "queue: dequeue")
	}
	return item, nil
}

// Ack marks an in-flight item done.
func (q *Queue) Ack(ctx context.Context, id string) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE queue_items SET state = 'done', lease_expires_at = NULL, updated_at = ?
		WHERE id = ? AND state = 'in_flight'`,
		q.nowFunc().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "queue: ack %s", id)
	}
	return checkClaimed(res, "ack", id)
}

// Nack returns an in-flight item to pending with attempts incremented,
// or parks it in failed once the attempt budget is spent. Returns the
// resulting state.
func (q *Queue) Nack(ctx context.Context, id, reason string) (model.QueueState, error) {
	row := q.db.QueryRowContext(ctx, `
		UPDATE queue_items
		SET attempts = attempts + 1,
			state = CASE WHEN attempts + 1 >= ? THEN 'failed' ELSE 'pending' END,
			last_error = ?, lease_expires_at = NULL, updated_at = ?
		WHERE id = ? AND state = 'in_flight'
		RETURNING state`,
		q.maxAttempts, reason, q.nowFunc().UTC(), id,
	)
	var state string
	if err := row.Scan(&state); err != nil {
		if err == sql.ErrNoRows {
			return "", eris.Errorf("queue: nack %s: item not in flight", id)
		}
		return "", eris.Wrapf(err, "queue: nack %s", id)
	}
	if state == string(model.QueueFailed) {
		zap.L().Warn("queue item exhausted attempts",
			zap.String("item_id", id), zap.String("last_error", reason))
	}
	return model.QueueState(state), nil
}

// ReapExpired applies the nack transition to every in-flight item whose
// lease has lapsed. Each expiry is applied exactly once because the
// update moves the item out of in_flight. Returns the number reaped.
func (q *Queue) ReapExpired(ctx context.Context) (int, error) {
	now := q.nowFunc().UTC()
	res, err := q.db.ExecContext(ctx, `
		UPDATE queue_items
		SET attempts = attempts + 1,
			state = CASE WHEN attempts + 1 >= ? THEN 'failed' ELSE 'pending' END,
			last_error = 'lease expired', lease_expires_at = NULL, updated_at = ?
		WHERE state = 'in_flight' AND lease_expires_at IS NOT NULL AND lease_expires_at <= ?`,
		q.maxAttempts, now, now,
	)
	if err != nil {
		return 0, eris.Wrap(err, "queue: reap expired leases")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, eris.Wrap(err, "queue: reap rows affected")
	}
	if n > 0 {
		zap.L().Info("reaped expired leases", zap.Int64("count", n))
	}
	return int(n), nil
}

// Status returns per-state depths.
func (q *Queue) Status(ctx context.Context) (model.QueueStatus, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT state, COUNT(*) FROM queue_items GROUP BY state`)
	if err != nil {
		return model.QueueStatus{}, eris.Wrap(err, "queue: status")
	}
	defer rows.Close()

	var status model.QueueStatus
	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return model.QueueStatus{}, eris.Wrap(err, "queue: scan status")
		}
		switch model.QueueState(state) {
		case model.QueuePending:
			status.Pending = count
		case model.QueueInFlight:
			status.InFlight = count
		case model.QueueDone:
			status.Done = count
		case model.QueueFailed:
			status.Failed = count
		}
	}
	return status, eris.Wrap(rows.Err(), "queue: status iterate")
}

func scanItem(row interface{ Scan(...any) error }) (*model.QueueItem, error) {
	var item model.QueueItem
	var state string
	var lease sql.NullTime
	err := row.Scan(&item.ID, &item.CandidateID, &item.Fingerprint, &item.Priority,
		&state, &item.Attempts, &lease, &item.LastError, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return nil, err
	}
	item.State = model.QueueState(state)
	item.LeaseExpiresAt = lease.Time
	return &item, nil
}

func checkClaimed(res sql.Result, op, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "queue: rows affected")
	}
	if n == 0 {
		return eris.Errorf("queue: %s %s: item not in flight", op, id)
	}
	return nil
}
