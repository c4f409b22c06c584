package model

import "time"

// Candidate is a freshly fetched document awaiting triage. Immutable
// once stored; the prefilter and the queue operate on it by id.
type Candidate struct {
	ID                 string    `json:"id"`
	SourceID           string    `json:"source_id"`
	URL                string    `json:"url,omitempty"`
	Title              string    `json:"title,omitempty"`
	RawText            string    `json:"raw_text"`
	NormalizedText     string    `json:"normalized_text"`
	ContentFingerprint string    `json:"content_fingerprint"`
	SimFingerprint     uint64    `json:"sim_fingerprint"`
	FetchedAt          time.Time `json:"fetched_at"`
}

// TriageResult is the prefilter's verdict on one candidate. Derived and
// recomputable; it is not persisted beyond the queue item it annotates.
type TriageResult struct {
	CandidateID     string   `json:"candidate_id"`
	Passes          bool     `json:"passes"`
	Score           float64  `json:"score"`
	MatchedTerms    []string `json:"matched_terms,omitempty"`
	CancerTypes     []string `json:"cancer_types,omitempty"`
	Reason          string   `json:"reason,omitempty"`
	OntologyVersion string   `json:"ontology_version"`
}
