package model

import "time"

// RunStats aggregates one pipeline run for reporting. Partial runs
// (timed out or cancelled mid-way) still carry whatever was counted.
type RunStats struct {
	RunID             string        `json:"run_id"`
	StartedAt         time.Time     `json:"started_at"`
	FinishedAt        time.Time     `json:"finished_at"`
	Partial           bool          `json:"partial,omitempty"`
	SourcesCrawled    int           `json:"sources_crawled"`
	PublicationsFound int           `json:"publications_found"`
	CandidatesFound   int           `json:"candidates_found"`
	TriagePassed      int           `json:"triage_passed"`
	NewItems          int           `json:"new_items"`
	Resolved          int           `json:"resolved"`
	Conflicts         int           `json:"conflicts"`
	Failures          int           `json:"failures"`
	Duration          time.Duration `json:"duration"`
}
