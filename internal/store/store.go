// Package store persists every durable record of the pipeline: sources,
// candidates, extraction results, guidance items, reconciliation
// conflicts, and run statistics. The work queue shares the same
// database through the handle this package exposes.
package store

import (
	"context"
	"database/sql"

	"github.com/openonco/coverage-watch/internal/model"
)

// Store is the persistence contract. The crawler mutates Source rows,
// the reconciler mutates GuidanceItem rows; no other component writes
// the persistent record sets.
type Store interface {
	// Sources
	SeedSource(ctx context.Context, src *model.Source) error
	UpdateSource(ctx context.Context, src *model.Source) error
	GetSource(ctx context.Context, id string) (*model.Source, error)
	ListSources(ctx context.Context) ([]model.Source, error)

	// Candidates (append-only audit trail)
	InsertCandidate(ctx context.Context, c *model.Candidate) error
	GetCandidate(ctx context.Context, id string) (*model.Candidate, error)
	CandidateByFingerprint(ctx context.Context, exact string) (*model.Candidate, error)

	// Extraction results (append-only; supersede, never mutate)
	InsertExtraction(ctx context.Context, r *model.ExtractionResult) error
	ListExtractions(ctx context.Context, candidateID string) ([]model.ExtractionResult, error)

	// Guidance items (reconciler-owned)
	UpsertGuidance(ctx context.Context, g *model.GuidanceItem) error
	GuidanceBySource(ctx context.Context, sourceType model.SourceType, sourceID string) (*model.GuidanceItem, error)
	GuidanceByTestKey(ctx context.Context, testKey string) ([]model.GuidanceItem, error)
	ListGuidance(ctx context.Context, limit int) ([]model.GuidanceItem, error)

	// Reconciliation conflicts (append-only, for manual review)
	InsertConflict(ctx context.Context, c *Conflict) error
	ListConflicts(ctx context.Context, limit int) ([]Conflict, error)

	// Run statistics
	InsertRunStats(ctx context.Context, stats *model.RunStats) error
	LastRunStats(ctx context.Context) (*model.RunStats, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error

	// DB exposes the underlying handle for the work queue, which shares
	// this database for atomic lease transitions.
	DB() *sql.DB
}

// Conflict records a merge the reconciler refused: the stored field kept
// its higher-confidence value and the incoming one is retained here for
// manual review.
type Conflict struct {
	ID                 string  `json:"id"`
	GuidanceID         string  `json:"guidance_id"`
	Field              string  `json:"field"`
	ExistingValue      string  `json:"existing_value"`
	IncomingValue      string  `json:"incoming_value"`
	ExistingConfidence float64 `json:"existing_confidence"`
	IncomingConfidence float64 `json:"incoming_confidence"`
	ExtractionID       string  `json:"extraction_id,omitempty"`
}
