package model

import (
	"regexp"
	"time"
)

// SourceType classifies where a guidance fact came from.
type SourceType string

const (
	SourceTypePubmed          SourceType = "pubmed"
	SourceTypePayerPolicy     SourceType = "payer_policy"
	SourceTypeRegistry        SourceType = "registry"
	SourceTypeExpertSynthesis SourceType = "expert_synthesis"
)

var numericID = regexp.MustCompile(`^[0-9]+$`)

// GuidanceItem is the persistent coverage/evidence record. Created by
// the reconciler on first sight of a fact, updated in place on later
// sight of the same fact (matched by sourceId+testId), never silently
// overwritten by a lower-confidence source.
type GuidanceItem struct {
	ID              string     `json:"id"`
	SourceType      SourceType `json:"source_type"`
	SourceID        string     `json:"source_id"`
	PMID            string     `json:"pmid,omitempty"`
	DOI             string     `json:"doi,omitempty"`
	Title           string     `json:"title,omitempty"`
	PublicationDate string     `json:"publication_date,omitempty"`
	TestIDs         []string   `json:"test_ids"`
	Codes           Codes      `json:"codes"`
	CancerTypes     []string   `json:"cancer_types,omitempty"`
	ClinicalSetting []string   `json:"clinical_setting,omitempty"`
	EffectiveDate   string     `json:"effective_date,omitempty"`
	Status          string     `json:"status,omitempty"`
	Confidence      float64    `json:"confidence"`
	EvidenceIDs     []string   `json:"evidence_ids,omitempty"` // extraction result ids
	SimFingerprint  uint64     `json:"sim_fingerprint,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// IdentifierViolation reports the pubmed integrity defect: a pubmed
// item whose sourceId or pmid is not purely numeric.
func (g *GuidanceItem) IdentifierViolation() bool {
	if g.SourceType != SourceTypePubmed {
		return false
	}
	if !numericID.MatchString(g.SourceID) {
		return true
	}
	return g.PMID != "" && !numericID.MatchString(g.PMID)
}
