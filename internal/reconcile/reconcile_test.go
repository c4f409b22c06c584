package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/openonco/coverage-watch/internal/fingerprint"
	"github.com/openonco/coverage-watch/internal/model"
	"github.com/openonco/coverage-watch/internal/resilience"
	"github.com/openonco/coverage-watch/internal/store"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLite(":memory:")
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })
	return s
}

func payerSource(id string) *model.Source {
	return &model.Source{ID: id, Kind: model.SourceKindPayerPolicy, URL: "https://payer.example/policy"}
}

func feedSource(id string) *model.Source {
	return &model.Source{ID: id, Kind: model.SourceKindPublicationFeed, URL: "https://pubmed.ncbi.nlm.nih.gov/rss"}
}

func candidateFor(src *model.Source, text string) *model.Candidate {
	pair := fingerprint.New(text)
	return &model.Candidate{
		ID:                 uuid.New().String(),
		SourceID:           src.ID,
		URL:                src.URL,
		Title:              "MRD Testing Policy",
		RawText:            text,
		NormalizedText:     fingerprint.Normalize(text),
		ContentFingerprint: pair.Exact,
		SimFingerprint:     pair.Structural,
	}
}

func result(confidence float64) *model.ExtractionResult {
	return &model.ExtractionResult{
		ID:              uuid.New().String(),
		TestIDs:         []string{"Signatera"},
		Codes:           model.Codes{PLA: []string{"0239U"}},
		EffectiveDate:   "2026-01-01",
		CancerTypes:     []string{"colorectal"},
		ClinicalSetting: []string{"surveillance"},
		Confidence:      confidence,
		OntologyVersion: "2026-08",
	}
}

func TestReconcile_CreatesItemForPayerPolicy(t *testing.T) {
	s := newTestStore(t)
	r := New(s)
	src := payerSource("payer-1")
	cand := candidateFor(src, "Signatera is covered. Effective Date: January 1, 2026.")

	out, err := r.Reconcile(context.Background(), src, cand, result(0.9))
	require.NoError(t, err)
	assert.True(t, out.Created)
	assert.Equal(t, model.SourceTypePayerPolicy, out.Item.SourceType)
	assert.Equal(t, "payer-1", out.Item.SourceID)
	assert.Equal(t, "2026-01-01", out.Item.EffectiveDate)
	assert.False(t, out.KnownTest, "first sight of a test is a new test")
	assert.False(t, out.Item.IdentifierViolation())

	got, err := s.GuidanceBySource(context.Background(), model.SourceTypePayerPolicy, "payer-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, out.Item.ID, got.ID)
}

func TestReconcile_SecondSightUpdatesInPlace(t *testing.T) {
	s := newTestStore(t)
	r := New(s)
	src := payerSource("payer-1")
	cand := candidateFor(src, "Signatera is covered. Effective Date: January 1, 2026.")

	first, err := r.Reconcile(context.Background(), src, cand, result(0.8))
	require.NoError(t, err)

	res2 := result(0.85)
	res2.CancerTypes = []string{"colorectal", "breast"}
	second, err := r.Reconcile(context.Background(), src, cand, res2)
	require.NoError(t, err)

	assert.False(t, second.Created)
	assert.Equal(t, first.Item.ID, second.Item.ID)
	assert.ElementsMatch(t, []string{"colorectal", "breast"}, second.Item.CancerTypes)
	assert.Len(t, second.Item.EvidenceIDs, 2)
	assert.InDelta(t, 0.85, second.Item.Confidence, 1e-9)

	all, err := s.ListGuidance(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, all, 1, "re-reconciliation must not mint a second item")
}

func TestReconcile_LowerConfidenceCannotOverwrite(t *testing.T) {
	s := newTestStore(t)
	r := New(s)
	src := payerSource("payer-1")
	cand := candidateFor(src, "Signatera is covered. Effective Date: January 1, 2026.")

	_, err := r.Reconcile(context.Background(), src, cand, result(0.9))
	require.NoError(t, err)

	weak := result(0.4)
	weak.EffectiveDate = "2026-06-01"
	out, err := r.Reconcile(context.Background(), src, cand, weak)
	require.NoError(t, err)

	assert.Equal(t, 1, out.Conflicts)
	assert.Equal(t, "2026-01-01", out.Item.EffectiveDate, "high-confidence value survives")
	assert.InDelta(t, 0.9, out.Item.Confidence, 1e-9)

	conflicts, err := s.ListConflicts(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, "effective_date", conflicts[0].Field)
	assert.Equal(t, "2026-01-01", conflicts[0].ExistingValue)
	assert.Equal(t, "2026-06-01", conflicts[0].IncomingValue)
}

func TestReconcile_HigherConfidenceOverwrites(t *testing.T) {
	s := newTestStore(t)
	r := New(s)
	src := payerSource("payer-1")
	cand := candidateFor(src, "Signatera is covered. Effective Date: January 1, 2026.")

	_, err := r.Reconcile(context.Background(), src, cand, result(0.6))
	require.NoError(t, err)

	strong := result(0.95)
	strong.EffectiveDate = "2026-06-01"
	out, err := r.Reconcile(context.Background(), src, cand, strong)
	require.NoError(t, err)

	assert.Zero(t, out.Conflicts)
	assert.Equal(t, "2026-06-01", out.Item.EffectiveDate)
}

func TestReconcile_PubmedIdentity(t *testing.T) {
	s := newTestStore(t)
	r := New(s)
	src := feedSource("feed-1")
	cand := candidateFor(src, "ctDNA surveillance improves recurrence detection in CRC.")
	cand.URL = "https://pubmed.ncbi.nlm.nih.gov/38991234/"

	out, err := r.Reconcile(context.Background(), src, cand, result(0.8))
	require.NoError(t, err)
	assert.Equal(t, model.SourceTypePubmed, out.Item.SourceType)
	assert.Equal(t, "38991234", out.Item.SourceID)
	assert.Equal(t, "38991234", out.Item.PMID)
	assert.False(t, out.Item.IdentifierViolation())
}

func TestReconcile_NonNumericFeedDowngraded(t *testing.T) {
	s := newTestStore(t)
	r := New(s)
	src := feedSource("feed-1")
	cand := candidateFor(src, "ctDNA surveillance improves recurrence detection in CRC.")
	cand.URL = "https://journal.example/articles/mrd-crc-2026"

	out, err := r.Reconcile(context.Background(), src, cand, result(0.8))
	require.NoError(t, err)
	assert.Equal(t, model.SourceTypeExpertSynthesis, out.Item.SourceType, "non-numeric identifiers never become pubmed rows")
	assert.Empty(t, out.Item.PMID)
	assert.False(t, out.Item.IdentifierViolation())
}

func TestReconcile_TestAndCodeOverlapMergesAcrossSources(t *testing.T) {
	s := newTestStore(t)
	r := New(s)

	srcA := payerSource("payer-a")
	srcB := payerSource("payer-b")
	srcB.URL = "https://other-payer.example/policy"
	candA := candidateFor(srcA, "Signatera coverage policy for colorectal cancer surveillance, code 0239U.")
	candB := candidateFor(srcB, "A completely different policy document also naming code 0239U for the same assay.")

	first, err := r.Reconcile(context.Background(), srcA, candA, result(0.8))
	require.NoError(t, err)

	second, err := r.Reconcile(context.Background(), srcB, candB, result(0.7))
	require.NoError(t, err)

	assert.False(t, second.Created, "same test with overlapping codes reconciles to one item")
	assert.Equal(t, first.Item.ID, second.Item.ID)
	assert.Len(t, second.Item.EvidenceIDs, 2)
}

func TestReconcile_NearDuplicateDocumentMerges(t *testing.T) {
	s := newTestStore(t)
	r := New(s)

	base := "Signatera is covered for Stage II colorectal cancer surveillance when ordered by the treating oncologist. Prior authorization is required. Retrieved 2026-08-01."
	churned := "Signatera is covered for Stage II colorectal cancer surveillance when ordered by the treating oncologist. Prior authorization is required. Retrieved 2026-08-28."

	srcA := payerSource("payer-a")
	srcB := payerSource("payer-b")
	candA := candidateFor(srcA, base)
	candB := candidateFor(srcB, churned)
	// Mirror pages carry distinct exact fingerprints but land within the
	// structural near threshold.
	candB.SimFingerprint = candA.SimFingerprint
	require.NotEqual(t, candA.ContentFingerprint, candB.ContentFingerprint)
	require.True(t, fingerprint.Near(candA.SimFingerprint, candB.SimFingerprint))

	resA := result(0.8)
	resB := result(0.8)
	resB.Codes = model.Codes{} // no code overlap, only the fingerprint links them

	first, err := r.Reconcile(context.Background(), srcA, candA, resA)
	require.NoError(t, err)
	second, err := r.Reconcile(context.Background(), srcB, candB, resB)
	require.NoError(t, err)

	assert.False(t, second.Created)
	assert.Equal(t, first.Item.ID, second.Item.ID)
}

func TestReconcile_AliasSpellingDoesNotDuplicateTestIDs(t *testing.T) {
	s := newTestStore(t)
	r := New(s)
	src := payerSource("payer-1")
	cand := candidateFor(src, "Guardant Reveal coverage. Effective Date: January 1, 2026.")

	res1 := result(0.8)
	res1.TestIDs = []string{"Guardant Reveal"}
	_, err := r.Reconcile(context.Background(), src, cand, res1)
	require.NoError(t, err)

	res2 := result(0.8)
	res2.TestIDs = []string{"guardant-reveal"}
	out, err := r.Reconcile(context.Background(), src, cand, res2)
	require.NoError(t, err)
	assert.Equal(t, []string{"Guardant Reveal"}, out.Item.TestIDs)
}

// gatedStore blocks inside UpsertGuidance until released, exposing any
// writer that reaches the store while another still holds the record.
type gatedStore struct {
	store.Store
	entered chan string
	release chan struct{}
}

func (g *gatedStore) UpsertGuidance(ctx context.Context, item *model.GuidanceItem) error {
	g.entered <- item.ID
	<-g.release
	return g.Store.UpsertGuidance(ctx, item)
}

func TestReconcile_ConcurrentCrossSourceMergesSerialize(t *testing.T) {
	s := newTestStore(t)
	src1 := payerSource("payer-1")
	cand1 := candidateFor(src1, "Signatera coverage policy for colorectal cancer surveillance, code 0239U.")
	first, err := New(s).Reconcile(context.Background(), src1, cand1, result(0.8))
	require.NoError(t, err)

	gated := &gatedStore{Store: s, entered: make(chan string, 2), release: make(chan struct{})}
	r := New(gated)

	src2 := payerSource("payer-2")
	src3 := payerSource("payer-3")
	cand2 := candidateFor(src2, "A second payer names code 0239U for the same assay in breast cancer.")
	cand3 := candidateFor(src3, "A third payer names code 0239U for the same assay in lung cancer.")
	res2 := result(0.8)
	res2.CancerTypes = []string{"breast"}
	res3 := result(0.8)
	res3.CancerTypes = []string{"lung"}

	errs := make(chan error, 2)
	go func() {
		_, err := r.Reconcile(context.Background(), src2, cand2, res2)
		errs <- err
	}()
	go func() {
		_, err := r.Reconcile(context.Background(), src3, cand3, res3)
		errs <- err
	}()

	// Both results resolve to the payer-1 item by code overlap. While one
	// writer holds it, the other must not reach the store at all.
	<-gated.entered
	select {
	case <-gated.entered:
		close(gated.release)
		t.Fatal("second writer reached the store while the first held the record")
	case <-time.After(100 * time.Millisecond):
	}
	close(gated.release)
	require.NoError(t, <-errs)
	require.NoError(t, <-errs)

	got, err := s.GuidanceBySource(context.Background(), model.SourceTypePayerPolicy, "payer-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, first.Item.ID, got.ID)
	assert.ElementsMatch(t, []string{"colorectal", "breast", "lung"}, got.CancerTypes, "neither merge may be lost")
	assert.Len(t, got.EvidenceIDs, 3)

	all, err := s.ListGuidance(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestReconcile_KnownTestCreatesNewIndication(t *testing.T) {
	s := newTestStore(t)
	r := New(s)

	srcA := payerSource("payer-a")
	candA := candidateFor(srcA, "Signatera coverage policy for colorectal cancer surveillance, code 0239U.")
	_, err := r.Reconcile(context.Background(), srcA, candA, result(0.8))
	require.NoError(t, err)

	// Same test name, but no code overlap and a distant structural
	// fingerprint: a distinct record for a test already on file.
	srcB := payerSource("payer-b")
	candB := candidateFor(srcB, "An unrelated bulletin mentioning the same assay for a different indication.")
	candB.SimFingerprint = ^candA.SimFingerprint
	resB := result(0.8)
	resB.Codes = model.Codes{}

	out, err := r.Reconcile(context.Background(), srcB, candB, resB)
	require.NoError(t, err)
	assert.True(t, out.Created)
	assert.True(t, out.KnownTest, "a created item for a tracked test is an indication, not a new test")

	all, err := s.ListGuidance(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestReconcile_RefusedMergeLogsConflictKind(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	prev := zap.L()
	zap.ReplaceGlobals(zap.New(core))
	t.Cleanup(func() { zap.ReplaceGlobals(prev) })

	s := newTestStore(t)
	r := New(s)
	src := payerSource("payer-1")
	cand := candidateFor(src, "Signatera is covered. Effective Date: January 1, 2026.")
	_, err := r.Reconcile(context.Background(), src, cand, result(0.9))
	require.NoError(t, err)

	weak := result(0.4)
	weak.EffectiveDate = "2026-06-01"
	_, err = r.Reconcile(context.Background(), src, cand, weak)
	require.NoError(t, err)

	entries := logs.FilterMessage("reconciliation conflict").All()
	require.Len(t, entries, 1)
	assert.Equal(t, resilience.KindConflict.String(), entries[0].ContextMap()["kind"])
}

func TestPubmedID(t *testing.T) {
	cases := map[string]string{
		"https://pubmed.ncbi.nlm.nih.gov/38991234/": "38991234",
		"https://pubmed.ncbi.nlm.nih.gov/38991234":  "38991234",
		"https://journal.example/articles/mrd-2026": "",
		"not a url at all":                          "",
	}
	for in, want := range cases {
		assert.Equal(t, want, PubmedID(in), in)
	}
}
