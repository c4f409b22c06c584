// Package model defines the records flowing through the discovery
// pipeline: sources, candidates, triage and extraction results, the
// guidance store entries, queue items, and run statistics.
package model

import "time"

// SourceKind classifies a crawl target.
type SourceKind string

const (
	SourceKindPayerPolicy     SourceKind = "payer_policy"
	SourceKindPublicationFeed SourceKind = "publication_feed"
)

// Source is a durable crawl target. Sources are created by
// configuration, mutated by the crawler after each fetch attempt, and
// never deleted — sustained failure disables them instead.
type Source struct {
	ID                  string     `json:"id"`
	Kind                SourceKind `json:"kind"`
	URL                 string     `json:"url"`
	ETag                string     `json:"etag,omitempty"`
	LastFingerprint     string     `json:"last_fingerprint,omitempty"`
	LastCheckedAt       time.Time  `json:"last_checked_at,omitempty"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	BackoffUntil        time.Time  `json:"backoff_until,omitempty"`
	Disabled            bool       `json:"disabled"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// Crawlable reports whether the crawler should touch this source now.
func (s *Source) Crawlable(now time.Time) bool {
	return !s.Disabled && !now.Before(s.BackoffUntil)
}

// SourceHealth is the operator-facing view of a source.
type SourceHealth struct {
	ID                  string     `json:"id"`
	Kind                SourceKind `json:"kind"`
	URL                 string     `json:"url"`
	LastCheckedAt       time.Time  `json:"last_checked_at,omitempty"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	BackoffUntil        time.Time  `json:"backoff_until,omitempty"`
	Disabled            bool       `json:"disabled"`
}

// Health projects the operator-facing view.
func (s *Source) Health() SourceHealth {
	return SourceHealth{
		ID:                  s.ID,
		Kind:                s.Kind,
		URL:                 s.URL,
		LastCheckedAt:       s.LastCheckedAt,
		ConsecutiveFailures: s.ConsecutiveFailures,
		BackoffUntil:        s.BackoffUntil,
		Disabled:            s.Disabled,
	}
}
