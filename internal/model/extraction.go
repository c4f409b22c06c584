package model

import "time"

// Codes groups billing codes by family.
type Codes struct {
	CPT   []string `json:"cpt,omitempty"`
	PLA   []string `json:"pla,omitempty"`
	HCPCS []string `json:"hcpcs,omitempty"`
}

// Empty reports whether no codes are present.
func (c Codes) Empty() bool {
	return len(c.CPT) == 0 && len(c.PLA) == 0 && len(c.HCPCS) == 0
}

// Overlaps reports whether any code appears in both sets.
func (c Codes) Overlaps(other Codes) bool {
	return overlaps(c.CPT, other.CPT) || overlaps(c.PLA, other.PLA) || overlaps(c.HCPCS, other.HCPCS)
}

func overlaps(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}

// ExtractionResult holds the structured facts pulled from one candidate.
// Immutable once stored: corrections create a new result carrying
// SupersedesID, never an in-place edit.
type ExtractionResult struct {
	ID              string    `json:"id"`
	CandidateID     string    `json:"candidate_id"`
	SupersedesID    string    `json:"supersedes_id,omitempty"`
	TestIDs         []string  `json:"test_ids"`
	Codes           Codes     `json:"codes"`
	EffectiveDate   string    `json:"effective_date,omitempty"` // YYYY-MM-DD
	CancerTypes     []string  `json:"cancer_types,omitempty"`
	ClinicalSetting []string  `json:"clinical_setting,omitempty"`
	Summary         string    `json:"summary,omitempty"`
	DirectQuote     string    `json:"direct_quote"`
	Confidence      float64   `json:"confidence"`
	Model           string    `json:"model,omitempty"`
	OntologyVersion string    `json:"ontology_version"`
	ExtractedAt     time.Time `json:"extracted_at"`
}

// MatchableText renders the fields the gold-set validator matches terms
// against: identifiers, codes, clinical context, summary, and quote.
func (r *ExtractionResult) MatchableText() string {
	parts := make([]string, 0, 8)
	parts = append(parts, r.TestIDs...)
	parts = append(parts, r.Codes.CPT...)
	parts = append(parts, r.Codes.PLA...)
	parts = append(parts, r.Codes.HCPCS...)
	parts = append(parts, r.CancerTypes...)
	parts = append(parts, r.ClinicalSetting...)
	if r.EffectiveDate != "" {
		parts = append(parts, r.EffectiveDate)
	}
	if r.Summary != "" {
		parts = append(parts, r.Summary)
	}
	if r.DirectQuote != "" {
		parts = append(parts, r.DirectQuote)
	}
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += " "
		}
		out += p
	}
	return out
}
