// Package extractor turns triaged candidate text into structured
// coverage facts through the inference service. Every output field is
// produced from text evidence only; the direct quote must be a
// verbatim excerpt of the candidate or the result is rejected.
package extractor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/openonco/coverage-watch/internal/fingerprint"
	"github.com/openonco/coverage-watch/internal/model"
	"github.com/openonco/coverage-watch/internal/ontology"
	"github.com/openonco/coverage-watch/internal/resilience"
	"github.com/openonco/coverage-watch/pkg/anthropic"
)

// ErrNotRelevant is the terminal "no relevant content" answer. It is
// never retried: the model looked and found nothing to extract.
var ErrNotRelevant = eris.New("extractor: document not relevant")

const (
	// DefaultModel is the extraction model.
	DefaultModel = "claude-haiku-4-5-20251001"
	// DefaultTimeout bounds one inference call including retries.
	DefaultTimeout = 60 * time.Second
	// maxInputChars truncates oversized documents before prompting.
	maxInputChars = 24_000
)

const systemPrompt = `You extract structured facts about molecular residual disease (MRD) and ctDNA
test coverage from payer policies and biomedical publications.

Respond with a single JSON object, no markdown fences, with exactly these keys:
  "is_relevant": boolean — false if the document contains no coverage or
      evidence facts about a recognized molecular test
  "test_ids": array of commercial test names mentioned (e.g. "Signatera")
  "codes": object with optional arrays "cpt", "pla", "hcpcs"
  "effective_date": "YYYY-MM-DD" or null
  "cancer_types": array of cancer types the facts apply to
  "clinical_setting": array (e.g. "adjuvant", "surveillance", "recurrence monitoring")
  "summary": one-sentence summary of the coverage or evidence fact
  "direct_quote": a verbatim excerpt from the document supporting the facts
  "confidence": number 0..1, your certainty in the extracted fields

The direct_quote must be copied exactly from the document text. Only state
facts the text supports.`

const userPromptTemplate = `Document title: %s

Document text:
---
%s
---

Extract the coverage/evidence facts as JSON.`

// Config tunes the extractor.
type Config struct {
	Model      string
	MaxTokens  int64
	Timeout    time.Duration
	MaxRetries int // retries after the first attempt, transient only
}

func (c Config) withDefaults() Config {
	if c.Model == "" {
		c.Model = DefaultModel
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 1024
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 2
	}
	return c
}

// Extractor calls the inference service and validates its answers.
type Extractor struct {
	client anthropic.Client
	snap   *ontology.Snapshot
	cfg    Config
}

// New builds an extractor over client and the ontology snapshot.
func New(client anthropic.Client, snap *ontology.Snapshot, cfg Config) *Extractor {
	return &Extractor{client: client, snap: snap, cfg: cfg.withDefaults()}
}

// extractionAnswer mirrors the JSON contract of the system prompt.
type extractionAnswer struct {
	IsRelevant      bool     `json:"is_relevant"`
	TestIDs         []string `json:"test_ids"`
	Codes           struct {
		CPT   []string `json:"cpt"`
		PLA   []string `json:"pla"`
		HCPCS []string `json:"hcpcs"`
	} `json:"codes"`
	EffectiveDate   *string  `json:"effective_date"`
	CancerTypes     []string `json:"cancer_types"`
	ClinicalSetting []string `json:"clinical_setting"`
	Summary         string   `json:"summary"`
	DirectQuote     string   `json:"direct_quote"`
	Confidence      float64  `json:"confidence"`
}

// Extract produces one ExtractionResult for a candidate. Transient
// inference failures are retried up to the configured budget inside the
// per-item timeout; a well-formed "not relevant" answer returns
// ErrNotRelevant and is never retried. Exhausted retries and malformed
// answers surface as an extraction failure for the caller to nack.
func (e *Extractor) Extract(ctx context.Context, cand *model.Candidate) (*model.ExtractionResult, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	retry := resilience.RetryConfig{
		MaxAttempts: e.cfg.MaxRetries + 1,
		OnRetry:     resilience.RetryLogger("anthropic", "extract"),
	}

	resp, err := resilience.DoVal(ctx, retry, func(ctx context.Context) (*anthropic.MessageResponse, error) {
		return e.client.CreateMessage(ctx, e.buildRequest(cand))
	})
	if err != nil {
		return nil, resilience.Extraction(eris.Wrapf(err, "extract candidate %s", cand.ID))
	}
	resp.Usage.LogCost(e.cfg.Model, "extract")

	answer, err := parseAnswer(resp.Text())
	if err != nil {
		return nil, resilience.Extraction(eris.Wrapf(err, "parse answer for candidate %s", cand.ID))
	}
	if !answer.IsRelevant {
		return nil, ErrNotRelevant
	}

	result, err := e.toResult(cand, answer)
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (e *Extractor) buildRequest(cand *model.Candidate) anthropic.MessageRequest {
	text := cand.NormalizedText
	if len(text) > maxInputChars {
		text = text[:maxInputChars]
	}
	return anthropic.MessageRequest{
		Model:     e.cfg.Model,
		MaxTokens: e.cfg.MaxTokens,
		System: []anthropic.SystemBlock{{
			Text:         systemPrompt,
			CacheControl: &anthropic.CacheControl{TTL: "5m"},
		}},
		Messages: []anthropic.Message{{
			Role:    "user",
			Content: fmt.Sprintf(userPromptTemplate, cand.Title, text),
		}},
	}
}

// toResult validates the answer against the candidate text and the
// ontology before shaping the immutable result.
func (e *Extractor) toResult(cand *model.Candidate, answer *extractionAnswer) (*model.ExtractionResult, error) {
	quote := strings.TrimSpace(answer.DirectQuote)
	if quote == "" {
		return nil, resilience.Validation(eris.Errorf("candidate %s: empty direct quote", cand.ID))
	}
	if !verbatim(cand, quote) {
		return nil, resilience.Validation(eris.Errorf("candidate %s: direct quote is not a verbatim excerpt", cand.ID))
	}

	confidence := answer.Confidence
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}

	effectiveDate := ""
	if answer.EffectiveDate != nil && *answer.EffectiveDate != "" {
		parsed, err := time.Parse("2006-01-02", *answer.EffectiveDate)
		if err != nil {
			zap.L().Warn("dropping malformed effective date",
				zap.String("candidate_id", cand.ID),
				zap.String("effective_date", *answer.EffectiveDate))
		} else {
			effectiveDate = parsed.Format("2006-01-02")
		}
	}

	return &model.ExtractionResult{
		CandidateID: cand.ID,
		TestIDs:     canonicalTests(e.snap, answer.TestIDs),
		Codes: model.Codes{
			CPT:   keepMatching(answer.Codes.CPT, ontology.CPTPattern),
			PLA:   keepMatching(answer.Codes.PLA, ontology.PLAPattern),
			HCPCS: keepMatching(answer.Codes.HCPCS, ontology.HCPCSPattern),
		},
		EffectiveDate:   effectiveDate,
		CancerTypes:     answer.CancerTypes,
		ClinicalSetting: answer.ClinicalSetting,
		Summary:         strings.TrimSpace(answer.Summary),
		DirectQuote:     quote,
		Confidence:      confidence,
		Model:           e.cfg.Model,
		OntologyVersion: e.snap.Version,
		ExtractedAt:     time.Now().UTC(),
	}, nil
}

// verbatim checks the quote against the candidate text modulo
// whitespace, since normalization collapses runs the model can't see.
func verbatim(cand *model.Candidate, quote string) bool {
	return strings.Contains(fingerprint.Normalize(cand.RawText), fingerprint.Normalize(quote))
}

// canonicalTests maps reported names to canonical ontology test names,
// keeping unknown names as reported.
func canonicalTests(snap *ontology.Snapshot, names []string) []string {
	out := make([]string, 0, len(names))
	seen := make(map[string]bool)
	for _, n := range names {
		canonical := snap.CanonicalTestName(n)
		if canonical == "" {
			canonical = strings.TrimSpace(n)
		}
		if canonical == "" || seen[canonical] {
			continue
		}
		seen[canonical] = true
		out = append(out, canonical)
	}
	return out
}

func keepMatching(codes []string, pattern interface{ MatchString(string) bool }) []string {
	var out []string
	for _, c := range codes {
		c = strings.ToUpper(strings.TrimSpace(c))
		if pattern.MatchString(c) {
			out = append(out, c)
		}
	}
	return out
}

// parseAnswer strips markdown fences the model sometimes adds and
// unmarshals the JSON contract.
func parseAnswer(text string) (*extractionAnswer, error) {
	cleaned := strings.TrimSpace(text)
	if strings.HasPrefix(cleaned, "```") {
		cleaned = strings.TrimPrefix(cleaned, "```json")
		cleaned = strings.TrimPrefix(cleaned, "```")
		if idx := strings.LastIndex(cleaned, "```"); idx >= 0 {
			cleaned = cleaned[:idx]
		}
		cleaned = strings.TrimSpace(cleaned)
	}
	if cleaned == "" {
		return nil, eris.New("empty answer")
	}

	var answer extractionAnswer
	if err := json.Unmarshal([]byte(cleaned), &answer); err != nil {
		return nil, eris.Wrap(err, "unmarshal answer json")
	}
	return &answer, nil
}
