package extractor

import (
	"context"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openonco/coverage-watch/internal/fingerprint"
	"github.com/openonco/coverage-watch/internal/model"
	"github.com/openonco/coverage-watch/internal/ontology"
	"github.com/openonco/coverage-watch/internal/resilience"
	"github.com/openonco/coverage-watch/pkg/anthropic"
)

const policyText = `MRD Testing Policy
Signatera is covered for Stage II colorectal cancer surveillance.
Effective Date: January 1, 2026. Billing code 0239U applies.`

// scriptedClient returns queued responses or errors in order.
type scriptedClient struct {
	responses []*anthropic.MessageResponse
	errs      []error
	calls     int
}

func (c *scriptedClient) CreateMessage(_ context.Context, _ anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	i := c.calls
	c.calls++
	if i < len(c.errs) && c.errs[i] != nil {
		return nil, c.errs[i]
	}
	if i < len(c.responses) {
		return c.responses[i], nil
	}
	return nil, eris.New("scripted client exhausted")
}

func textResponse(body string) *anthropic.MessageResponse {
	return &anthropic.MessageResponse{
		Content: []anthropic.ContentBlock{{Type: "text", Text: body}},
	}
}

func testCandidate() *model.Candidate {
	return &model.Candidate{
		ID:             "cand-1",
		SourceID:       "payer-1",
		Title:          "MRD Testing Policy",
		RawText:        policyText,
		NormalizedText: fingerprint.Normalize(policyText),
	}
}

func fastConfig() Config {
	return Config{Timeout: 2 * time.Second}
}

const relevantAnswer = `{
	"is_relevant": true,
	"test_ids": ["Signatera"],
	"codes": {"pla": ["0239U"]},
	"effective_date": "2026-01-01",
	"cancer_types": ["colorectal"],
	"clinical_setting": ["surveillance"],
	"summary": "Signatera covered for stage II CRC surveillance.",
	"direct_quote": "Signatera is covered for Stage II colorectal cancer surveillance.",
	"confidence": 0.92
}`

func TestExtract_RelevantPolicy(t *testing.T) {
	client := &scriptedClient{responses: []*anthropic.MessageResponse{textResponse(relevantAnswer)}}
	ex := New(client, ontology.Default(), fastConfig())

	res, err := ex.Extract(context.Background(), testCandidate())
	require.NoError(t, err)

	assert.Equal(t, "cand-1", res.CandidateID)
	assert.Contains(t, res.TestIDs, "Signatera")
	assert.Contains(t, res.Codes.PLA, "0239U")
	assert.Equal(t, "2026-01-01", res.EffectiveDate)
	assert.Contains(t, res.CancerTypes, "colorectal")
	assert.InDelta(t, 0.92, res.Confidence, 1e-9)
	assert.Equal(t, DefaultModel, res.Model)
	assert.Equal(t, ontology.Default().Version, res.OntologyVersion)
	assert.Equal(t, 1, client.calls)
}

func TestExtract_FencedAnswerIsCleaned(t *testing.T) {
	client := &scriptedClient{responses: []*anthropic.MessageResponse{
		textResponse("```json\n" + relevantAnswer + "\n```"),
	}}
	ex := New(client, ontology.Default(), fastConfig())

	res, err := ex.Extract(context.Background(), testCandidate())
	require.NoError(t, err)
	assert.Contains(t, res.TestIDs, "Signatera")
}

func TestExtract_NotRelevantIsTerminal(t *testing.T) {
	client := &scriptedClient{responses: []*anthropic.MessageResponse{
		textResponse(`{"is_relevant": false}`),
	}}
	ex := New(client, ontology.Default(), fastConfig())

	_, err := ex.Extract(context.Background(), testCandidate())
	require.ErrorIs(t, err, ErrNotRelevant)
	assert.Equal(t, 1, client.calls, "not-relevant answers are never retried")
}

func TestExtract_TransientFailureRetried(t *testing.T) {
	client := &scriptedClient{
		errs:      []error{resilience.TransientIO(eris.New("overloaded"), 529), resilience.TransientIO(eris.New("overloaded"), 529)},
		responses: []*anthropic.MessageResponse{nil, nil, textResponse(relevantAnswer)},
	}
	ex := New(client, ontology.Default(), Config{
		Timeout: 5 * time.Second,
	})

	res, err := ex.Extract(context.Background(), testCandidate())
	require.NoError(t, err)
	assert.Contains(t, res.TestIDs, "Signatera")
	assert.Equal(t, 3, client.calls)
}

func TestExtract_RetriesExhausted(t *testing.T) {
	transient := resilience.TransientIO(eris.New("overloaded"), 529)
	client := &scriptedClient{errs: []error{transient, transient, transient, transient}}
	ex := New(client, ontology.Default(), Config{Timeout: 5 * time.Second})

	_, err := ex.Extract(context.Background(), testCandidate())
	require.Error(t, err)
	assert.Equal(t, resilience.KindExtraction, resilience.KindOf(err))
	assert.Equal(t, 3, client.calls, "two retries after the first attempt")
}

func TestExtract_PermanentFailureNotRetried(t *testing.T) {
	client := &scriptedClient{errs: []error{eris.New("invalid api key")}}
	ex := New(client, ontology.Default(), fastConfig())

	_, err := ex.Extract(context.Background(), testCandidate())
	require.Error(t, err)
	assert.Equal(t, 1, client.calls)
}

func TestExtract_MalformedAnswerIsExtractionFailure(t *testing.T) {
	client := &scriptedClient{responses: []*anthropic.MessageResponse{
		textResponse(`{"is_relevant": true, "test_ids": [`),
	}}
	ex := New(client, ontology.Default(), fastConfig())

	_, err := ex.Extract(context.Background(), testCandidate())
	require.Error(t, err)
	assert.Equal(t, resilience.KindExtraction, resilience.KindOf(err))
}

func TestExtract_FabricatedQuoteRejected(t *testing.T) {
	answer := `{
		"is_relevant": true,
		"test_ids": ["Signatera"],
		"codes": {},
		"summary": "s",
		"direct_quote": "Signatera is covered for all solid tumors.",
		"confidence": 0.9
	}`
	client := &scriptedClient{responses: []*anthropic.MessageResponse{textResponse(answer)}}
	ex := New(client, ontology.Default(), fastConfig())

	_, err := ex.Extract(context.Background(), testCandidate())
	require.Error(t, err)
	assert.Equal(t, resilience.KindValidation, resilience.KindOf(err))
}

func TestExtract_QuoteToleratesWhitespaceReflow(t *testing.T) {
	// The quote spans the normalized line break in the raw document.
	answer := `{
		"is_relevant": true,
		"test_ids": ["Signatera"],
		"codes": {},
		"summary": "s",
		"direct_quote": "surveillance. Effective Date: January 1, 2026.",
		"confidence": 0.8
	}`
	client := &scriptedClient{responses: []*anthropic.MessageResponse{textResponse(answer)}}
	ex := New(client, ontology.Default(), fastConfig())

	res, err := ex.Extract(context.Background(), testCandidate())
	require.NoError(t, err)
	assert.NotEmpty(t, res.DirectQuote)
}

func TestExtract_DropsInvalidCodesAndClampsConfidence(t *testing.T) {
	answer := `{
		"is_relevant": true,
		"test_ids": ["signatera", "Signatera", "NovelAssay X"],
		"codes": {"cpt": ["81479", "not-a-code"], "pla": ["0239U", "1234X"], "hcpcs": ["G0452", "99999Z"]},
		"summary": "s",
		"direct_quote": "Billing code 0239U applies.",
		"confidence": 1.7
	}`
	client := &scriptedClient{responses: []*anthropic.MessageResponse{textResponse(answer)}}
	ex := New(client, ontology.Default(), fastConfig())

	res, err := ex.Extract(context.Background(), testCandidate())
	require.NoError(t, err)
	assert.Equal(t, []string{"Signatera", "NovelAssay X"}, res.TestIDs, "aliases collapse to one canonical name")
	assert.Equal(t, []string{"81479"}, res.Codes.CPT)
	assert.Equal(t, []string{"0239U"}, res.Codes.PLA)
	assert.Equal(t, []string{"G0452"}, res.Codes.HCPCS)
	assert.Equal(t, 1.0, res.Confidence)
}

func TestExtract_MalformedDateDroppedNotFatal(t *testing.T) {
	answer := `{
		"is_relevant": true,
		"test_ids": ["Signatera"],
		"codes": {},
		"effective_date": "January 2026",
		"summary": "s",
		"direct_quote": "Billing code 0239U applies.",
		"confidence": 0.8
	}`
	client := &scriptedClient{responses: []*anthropic.MessageResponse{textResponse(answer)}}
	ex := New(client, ontology.Default(), fastConfig())

	res, err := ex.Extract(context.Background(), testCandidate())
	require.NoError(t, err)
	assert.Empty(t, res.EffectiveDate)
}
