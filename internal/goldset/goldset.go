// Package goldset scores the extractor against hand-authored expected
// extractions. It is an offline gate: deployments run it from the CLI
// and fail below the accuracy threshold. The matching algorithm is
// exported so runtime QA sampling can reuse it unchanged.
package goldset

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/openonco/coverage-watch/internal/extractor"
	"github.com/openonco/coverage-watch/internal/fingerprint"
	"github.com/openonco/coverage-watch/internal/model"
)

// DefaultThreshold is the accuracy floor for a passing run.
const DefaultThreshold = 0.8

// Extractor is the single operation the harness exercises.
type Extractor interface {
	Extract(ctx context.Context, cand *model.Candidate) (*model.ExtractionResult, error)
}

// Expectation is one hand-authored expected extraction.
type Expectation struct {
	MustContain     []string `yaml:"must_contain"`
	MustNotContain  []string `yaml:"must_not_contain"`
	CancerType      string   `yaml:"cancer_type,omitempty"`
	ClinicalSetting string   `yaml:"clinical_setting,omitempty"`
}

// Fixture is one curated document with its expectations. A fixture
// with NotRelevant set expects the extractor to decline the document.
type Fixture struct {
	Name         string        `yaml:"name"`
	Title        string        `yaml:"title,omitempty"`
	Text         string        `yaml:"text"`
	NotRelevant  bool          `yaml:"not_relevant,omitempty"`
	Expectations []Expectation `yaml:"expectations,omitempty"`
}

type fixtureFile struct {
	Fixtures []Fixture `yaml:"fixtures"`
}

//go:embed fixtures.yaml
var defaultFixtures []byte

// DefaultFixtures returns the embedded curated corpus.
func DefaultFixtures() ([]Fixture, error) {
	var file fixtureFile
	if err := yaml.Unmarshal(defaultFixtures, &file); err != nil {
		return nil, eris.Wrap(err, "parse embedded gold-set fixtures")
	}
	return file.Fixtures, nil
}

// LoadFixtures reads a fixture corpus from a YAML file.
func LoadFixtures(path string) ([]Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "read gold-set fixtures %s", path)
	}
	var file fixtureFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, eris.Wrapf(err, "parse gold-set fixtures %s", path)
	}
	if len(file.Fixtures) == 0 {
		return nil, eris.Errorf("gold-set fixtures %s declare no fixtures", path)
	}
	for i, f := range file.Fixtures {
		if f.Name == "" {
			return nil, eris.Errorf("fixture %d has no name", i)
		}
		if !f.NotRelevant && len(f.Expectations) == 0 {
			return nil, eris.Errorf("fixture %q declares no expectations", f.Name)
		}
	}
	return file.Fixtures, nil
}

// Match scores one extraction result against one expectation. The
// fraction is the share of mustContain terms found in the result's
// matchable text; matched requires every mustContain term, no
// mustNotContain term, and the cancerType/clinicalSetting constraints
// to hold by case-insensitive substring comparison.
func Match(res *model.ExtractionResult, exp Expectation) (matched bool, fraction float64) {
	text := strings.ToLower(res.MatchableText())

	found := 0
	for _, term := range exp.MustContain {
		if strings.Contains(text, strings.ToLower(term)) {
			found++
		}
	}
	fraction = 1.0
	if len(exp.MustContain) > 0 {
		fraction = float64(found) / float64(len(exp.MustContain))
	}

	if fraction < 1.0 {
		return false, fraction
	}
	for _, term := range exp.MustNotContain {
		if strings.Contains(text, strings.ToLower(term)) {
			return false, fraction
		}
	}
	if exp.CancerType != "" && !containsFold(res.CancerTypes, exp.CancerType) {
		return false, fraction
	}
	if exp.ClinicalSetting != "" && !containsFold(res.ClinicalSetting, exp.ClinicalSetting) {
		return false, fraction
	}
	return true, fraction
}

func containsFold(values []string, want string) bool {
	want = strings.ToLower(want)
	for _, v := range values {
		if strings.Contains(strings.ToLower(v), want) || strings.Contains(want, strings.ToLower(v)) {
			return true
		}
	}
	return false
}

// FixtureResult is the per-fixture diagnosis.
type FixtureResult struct {
	Name    string
	Matched int
	Total   int
	// BestPartial reports the closest miss when nothing fully matched:
	// the expectation with the highest mustContain overlap fraction,
	// ties broken toward the earliest-declared expectation.
	BestPartial         int
	BestPartialFraction float64
	Err                 error
}

// Report is one full harness run.
type Report struct {
	Fixtures []FixtureResult
	Matched  int
	Total    int
}

// Accuracy is matched expectations over total expectations.
func (r *Report) Accuracy() float64 {
	if r.Total == 0 {
		return 0
	}
	return float64(r.Matched) / float64(r.Total)
}

// Passes reports whether the run clears the threshold.
func (r *Report) Passes(threshold float64) bool {
	return r.Accuracy() >= threshold
}

// Run extracts every fixture document and scores the expectations.
// Extraction failures count their fixture's expectations as unmatched
// rather than aborting the run.
func Run(ctx context.Context, ex Extractor, fixtures []Fixture) *Report {
	report := &Report{}
	for _, fix := range fixtures {
		report.Fixtures = append(report.Fixtures, runFixture(ctx, ex, fix))
	}
	for _, fr := range report.Fixtures {
		report.Matched += fr.Matched
		report.Total += fr.Total
	}
	return report
}

func runFixture(ctx context.Context, ex Extractor, fix Fixture) FixtureResult {
	fr := FixtureResult{Name: fix.Name, Total: len(fix.Expectations), BestPartial: -1}
	if fix.NotRelevant {
		fr.Total = 1
	}

	cand := fixtureCandidate(fix)
	res, err := ex.Extract(ctx, cand)

	if fix.NotRelevant {
		if eris.Is(err, extractor.ErrNotRelevant) {
			fr.Matched = 1
		} else if err != nil {
			fr.Err = err
		}
		return fr
	}
	if err != nil {
		fr.Err = err
		zap.L().Warn("gold-set extraction failed",
			zap.String("fixture", fix.Name),
			zap.Error(err))
		return fr
	}

	for i, exp := range fix.Expectations {
		matched, fraction := Match(res, exp)
		if matched {
			fr.Matched++
			continue
		}
		if fraction > fr.BestPartialFraction || fr.BestPartial == -1 {
			fr.BestPartial = i
			fr.BestPartialFraction = fraction
		}
	}
	if fr.Matched == fr.Total {
		fr.BestPartial = -1
		fr.BestPartialFraction = 0
	}
	return fr
}

func fixtureCandidate(fix Fixture) *model.Candidate {
	pair := fingerprint.New(fix.Text)
	title := fix.Title
	if title == "" {
		title = fix.Name
	}
	return &model.Candidate{
		ID:                 "goldset/" + fix.Name,
		SourceID:           "goldset",
		Title:              title,
		RawText:            fix.Text,
		NormalizedText:     fingerprint.Normalize(fix.Text),
		ContentFingerprint: pair.Exact,
		SimFingerprint:     pair.Structural,
	}
}

// Render formats the report for the CLI.
func (r *Report) Render(threshold float64) string {
	var b strings.Builder
	fmt.Fprintf(&b, "gold-set accuracy: %.1f%% (%d/%d expectations)\n", r.Accuracy()*100, r.Matched, r.Total)
	for _, fr := range r.Fixtures {
		switch {
		case fr.Err != nil:
			fmt.Fprintf(&b, "  FAIL %-30s extraction error: %v\n", fr.Name, fr.Err)
		case fr.Matched == fr.Total:
			fmt.Fprintf(&b, "  ok   %-30s %d/%d\n", fr.Name, fr.Matched, fr.Total)
		default:
			fmt.Fprintf(&b, "  MISS %-30s %d/%d", fr.Name, fr.Matched, fr.Total)
			if fr.BestPartial >= 0 {
				fmt.Fprintf(&b, " (closest: expectation %d at %.0f%%)", fr.BestPartial, fr.BestPartialFraction*100)
			}
			b.WriteString("\n")
		}
	}
	if r.Passes(threshold) {
		fmt.Fprintf(&b, "PASS (threshold %.1f%%)\n", threshold*100)
	} else {
		fmt.Fprintf(&b, "FAIL (threshold %.1f%%)\n", threshold*100)
	}
	return b.String()
}
