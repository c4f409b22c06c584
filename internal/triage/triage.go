// Package triage implements the deterministic prefilter that gates
// candidates before the costly extraction stage. Scoring is a pure
// function of the candidate text and the ontology snapshot: no I/O, no
// clock, no randomness, so the same candidate always scores the same
// under the same vocabulary version.
package triage

import (
	"fmt"
	"sort"

	"github.com/openonco/coverage-watch/internal/model"
	"github.com/openonco/coverage-watch/internal/ontology"
)

// maxScore caps the triage score.
const maxScore = 10

// DefaultMinScore is the enqueue threshold callers apply on top of a
// passing verdict.
const DefaultMinScore = 2

// Triage scores candidates against one ontology snapshot.
type Triage struct {
	snap     *ontology.Snapshot
	minScore float64
}

// New builds a prefilter over snap. minScore <= 0 selects the default.
func New(snap *ontology.Snapshot, minScore float64) *Triage {
	if minScore <= 0 {
		minScore = DefaultMinScore
	}
	return &Triage{snap: snap, minScore: minScore}
}

// Evaluate scores one candidate.
//
// Exclusion terms short-circuit before any positive scoring. A candidate
// with neither a primary term nor a recognized test name is a hard
// reject. Otherwise:
//
//	score = 1 + 2 (primary term or test name)
//	      + min(2 * distinct cancer types, 3)
//	      + min(context matches, 3)
//	      + 0.5 * evidence matches, capped at 10.
func (t *Triage) Evaluate(c *model.Candidate) model.TriageResult {
	res := model.TriageResult{
		CandidateID:     c.ID,
		OntologyVersion: t.snap.Version,
	}

	text := ontology.MatchText(c.NormalizedText)

	for _, excl := range t.snap.ExclusionTerms {
		if ontology.ContainsTerm(text, excl) {
			res.Reason = fmt.Sprintf("exclusion term: %s", excl)
			return res
		}
	}

	var matched []string
	for _, term := range t.snap.PrimaryTerms {
		if ontology.ContainsTerm(text, term) {
			matched = append(matched, term)
		}
	}
	for _, tn := range t.snap.TestNames {
		names := append([]string{tn.Name}, tn.Aliases...)
		for _, n := range names {
			if ontology.ContainsTerm(text, n) {
				matched = append(matched, tn.Name)
				break
			}
		}
	}
	if len(matched) == 0 {
		res.Reason = "no primary term or recognized test name"
		return res
	}

	var cancers []string
	for _, ct := range t.snap.CancerTypes {
		if ontology.ContainsTerm(text, ct) {
			cancers = append(cancers, ct)
		}
	}
	contextMatches := 0
	for _, term := range t.snap.ContextTerms {
		if ontology.ContainsTerm(text, term) {
			contextMatches++
		}
	}
	evidenceMatches := 0
	for _, term := range t.snap.EvidenceTerms {
		if ontology.ContainsTerm(text, term) {
			evidenceMatches++
		}
	}

	score := 1.0 + 2.0
	score += min(2*float64(len(cancers)), 3)
	score += min(float64(contextMatches), 3)
	score += 0.5 * float64(evidenceMatches)
	if score > maxScore {
		score = maxScore
	}

	res.Passes = true
	res.Score = score
	res.MatchedTerms = matched
	res.CancerTypes = cancers
	return res
}

// Qualifies reports whether a result passes and clears the minimum
// score required for enqueueing. A passing result below the threshold is
// a valid weak match, not an error.
func (t *Triage) Qualifies(res model.TriageResult) bool {
	return res.Passes && res.Score >= t.minScore
}

// Scored pairs a candidate with its triage verdict.
type Scored struct {
	Candidate *model.Candidate
	Result    model.TriageResult
}

// Batch evaluates all candidates and partitions them. Qualified
// candidates come back sorted by descending score, ties preserving the
// original input order, so the most promising items are extracted first
// when throughput is limited.
func (t *Triage) Batch(candidates []*model.Candidate) (qualified []Scored, rejected []model.TriageResult) {
	for _, c := range candidates {
		res := t.Evaluate(c)
		if t.Qualifies(res) {
			qualified = append(qualified, Scored{Candidate: c, Result: res})
		} else {
			rejected = append(rejected, res)
		}
	}
	sort.SliceStable(qualified, func(i, j int) bool {
		return qualified[i].Result.Score > qualified[j].Result.Score
	})
	return qualified, rejected
}
