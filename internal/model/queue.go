package model

import "time"

// QueueState is one node of the queue item state machine.
type QueueState string

const (
	QueuePending  QueueState = "pending"
	QueueInFlight QueueState = "in_flight"
	QueueDone     QueueState = "done"
	QueueFailed   QueueState = "failed"
)

// Terminal reports whether the state admits no further transitions.
func (s QueueState) Terminal() bool {
	return s == QueueDone || s == QueueFailed
}

// QueueItem is one unit of extraction work. Transitions:
// pending -> in_flight on dequeue (lease granted); in_flight -> done on
// ack; in_flight -> pending on nack or lease expiry with attempts
// incremented, or failed once attempts reach the maximum.
type QueueItem struct {
	ID             string     `json:"id"`
	CandidateID    string     `json:"candidate_id"`
	Fingerprint    string     `json:"fingerprint"`
	Priority       float64    `json:"priority"`
	State          QueueState `json:"state"`
	Attempts       int        `json:"attempts"`
	LeaseExpiresAt time.Time  `json:"lease_expires_at,omitempty"`
	LastError      string     `json:"last_error,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// QueueStatus is the per-state depth snapshot for the status surface.
type QueueStatus struct {
	Pending  int `json:"pending"`
	InFlight int `json:"in_flight"`
	Done     int `json:"done"`
	Failed   int `json:"failed"`
}
