package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSourceCrawlable(t *testing.T) {
	now := time.Now()

	s := &Source{}
	assert.True(t, s.Crawlable(now))

	s = &Source{BackoffUntil: now.Add(time.Minute)}
	assert.False(t, s.Crawlable(now), "backed-off source is not crawlable")
	assert.True(t, s.Crawlable(now.Add(2*time.Minute)), "backoff expiry restores crawlability")

	s = &Source{Disabled: true}
	assert.False(t, s.Crawlable(now), "disabled source is never crawlable")
}

func TestCodesOverlaps(t *testing.T) {
	a := Codes{PLA: []string{"0239U"}, CPT: []string{"81479"}}
	b := Codes{PLA: []string{"0239U"}}
	c := Codes{CPT: []string{"81162"}}

	assert.True(t, a.Overlaps(b))
	assert.False(t, a.Overlaps(c))
	assert.False(t, Codes{}.Overlaps(Codes{}))
	assert.True(t, Codes{}.Empty())
	assert.False(t, a.Empty())
}

func TestQueueStateTerminal(t *testing.T) {
	assert.False(t, QueuePending.Terminal())
	assert.False(t, QueueInFlight.Terminal())
	assert.True(t, QueueDone.Terminal())
	assert.True(t, QueueFailed.Terminal())
}

func TestGuidanceIdentifierViolation(t *testing.T) {
	ok := &GuidanceItem{SourceType: SourceTypePubmed, SourceID: "34916312", PMID: "34916312"}
	assert.False(t, ok.IdentifierViolation())

	badSource := &GuidanceItem{SourceType: SourceTypePubmed, SourceID: "PMC8675309"}
	assert.True(t, badSource.IdentifierViolation())

	badPMID := &GuidanceItem{SourceType: SourceTypePubmed, SourceID: "123", PMID: "n/a"}
	assert.True(t, badPMID.IdentifierViolation())

	policy := &GuidanceItem{SourceType: SourceTypePayerPolicy, SourceID: "policy-0042"}
	assert.False(t, policy.IdentifierViolation(), "only pubmed requires numeric identifiers")
}

func TestExtractionMatchableText(t *testing.T) {
	r := &ExtractionResult{
		TestIDs:       []string{"Signatera"},
		Codes:         Codes{PLA: []string{"0239U"}},
		CancerTypes:   []string{"colorectal"},
		EffectiveDate: "2026-01-01",
		DirectQuote:   "Signatera is covered for Stage II CRC.",
	}
	text := r.MatchableText()
	assert.Contains(t, text, "Signatera")
	assert.Contains(t, text, "0239U")
	assert.Contains(t, text, "2026-01-01")
	assert.Contains(t, text, "Stage II CRC")
}
