// Package reconcile merges extraction results into the guidance store.
// Each fact is matched to an existing item by source identity, then by
// test/code overlap, then by structural fingerprint; unmatched facts
// create new items. Merges are confidence-gated: a lower-confidence
// result never overwrites a higher-confidence field, it records a
// conflict for review instead.
package reconcile

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/openonco/coverage-watch/internal/fingerprint"
	"github.com/openonco/coverage-watch/internal/model"
	"github.com/openonco/coverage-watch/internal/ontology"
	"github.com/openonco/coverage-watch/internal/resilience"
	"github.com/openonco/coverage-watch/internal/store"
)

// Outcome reports what one reconciliation did. KnownTest marks a
// created item whose test is already tracked on another guidance item:
// a new indication for a known test rather than a new test.
type Outcome struct {
	Item      *model.GuidanceItem
	Created   bool
	KnownTest bool
	Conflicts int
}

// Reconciler applies extraction results to guidance items. Writes to
// the same guidance identity are serialized through a per-key lock, so
// concurrent extraction workers cannot interleave read-modify-write
// cycles on one record.
type Reconciler struct {
	store   store.Store
	nowFunc func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New builds a reconciler over the store.
func New(s store.Store) *Reconciler {
	return &Reconciler{
		store:   s,
		nowFunc: func() time.Time { return time.Now().UTC() },
		locks:   make(map[string]*sync.Mutex),
	}
}

func (r *Reconciler) keyLock(key string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[key]
	if !ok {
		l = &sync.Mutex{}
		r.locks[key] = l
	}
	return l
}

// Reconcile merges one extraction result into the guidance store. The
// candidate supplies provenance (source, URL, structural fingerprint);
// src supplies the source kind the identity is derived from.
func (r *Reconciler) Reconcile(ctx context.Context, src *model.Source, cand *model.Candidate, res *model.ExtractionResult) (*Outcome, error) {
	sourceType, sourceID, pmid := deriveIdentity(src, cand)

	existing, unlock, err := r.lockResolved(ctx, sourceType, sourceID, cand, res)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if existing == nil {
		known, err := r.knownTest(ctx, res.TestIDs)
		if err != nil {
			return nil, err
		}
		item := r.newItem(sourceType, sourceID, pmid, cand, res)
		if err := r.store.UpsertGuidance(ctx, item); err != nil {
			return nil, eris.Wrapf(err, "create guidance for candidate %s", cand.ID)
		}
		zap.L().Info("guidance item created",
			zap.String("guidance_id", item.ID),
			zap.String("source_type", string(item.SourceType)),
			zap.String("source_id", item.SourceID),
			zap.Bool("known_test", known),
			zap.Strings("test_ids", item.TestIDs))
		return &Outcome{Item: item, Created: true, KnownTest: known}, nil
	}

	conflicts, err := r.merge(ctx, existing, res)
	if err != nil {
		return nil, err
	}
	existing.UpdatedAt = r.nowFunc()
	if err := r.store.UpsertGuidance(ctx, existing); err != nil {
		return nil, eris.Wrapf(err, "update guidance %s", existing.ID)
	}
	return &Outcome{Item: existing, Conflicts: conflicts}, nil
}

// lockResolved resolves the guidance record the result belongs to and
// returns it with its per-record lock held. A result can resolve to an
// item minted under a different source identity (test/code overlap,
// structural proximity), so the lock key is the resolved item's id, not
// the incoming identity. The lookup runs again after each acquisition
// and the lock is retaken whenever the resolution moved in between, so
// concurrent merges into one record always contend on the same lock.
func (r *Reconciler) lockResolved(ctx context.Context, sourceType model.SourceType, sourceID string, cand *model.Candidate, res *model.ExtractionResult) (*model.GuidanceItem, func(), error) {
	incomingKey := string(sourceType) + "/" + sourceID
	key := incomingKey
	for {
		lock := r.keyLock(key)
		lock.Lock()
		resolved, err := r.lookup(ctx, sourceType, sourceID, cand, res)
		if err != nil {
			lock.Unlock()
			return nil, nil, err
		}
		resolvedKey := incomingKey
		if resolved != nil {
			resolvedKey = resolved.ID
		}
		if resolvedKey == key {
			return resolved, lock.Unlock, nil
		}
		lock.Unlock()
		key = resolvedKey
	}
}

// knownTest reports whether any of the extracted test names is already
// tracked on some guidance item, which makes a freshly created item a
// new indication rather than a new test.
func (r *Reconciler) knownTest(ctx context.Context, testIDs []string) (bool, error) {
	for _, id := range testIDs {
		matches, err := r.store.GuidanceByTestKey(ctx, id)
		if err != nil {
			return false, eris.Wrapf(err, "guidance lookup by test %q", id)
		}
		if len(matches) > 0 {
			return true, nil
		}
	}
	return false, nil
}

// lookup resolves the guidance identity: exact source identity first,
// then any item sharing a test name with overlapping billing codes,
// then a structurally near-duplicate document.
func (r *Reconciler) lookup(ctx context.Context, sourceType model.SourceType, sourceID string, cand *model.Candidate, res *model.ExtractionResult) (*model.GuidanceItem, error) {
	item, err := r.store.GuidanceBySource(ctx, sourceType, sourceID)
	if err != nil {
		return nil, eris.Wrap(err, "guidance lookup by source")
	}
	if item != nil {
		return item, nil
	}

	for _, testID := range res.TestIDs {
		matches, err := r.store.GuidanceByTestKey(ctx, testID)
		if err != nil {
			return nil, eris.Wrapf(err, "guidance lookup by test %q", testID)
		}
		for i := range matches {
			g := &matches[i]
			if !res.Codes.Empty() && g.Codes.Overlaps(res.Codes) {
				return g, nil
			}
			if g.SimFingerprint != 0 && cand.SimFingerprint != 0 &&
				fingerprint.Near(g.SimFingerprint, cand.SimFingerprint) {
				return g, nil
			}
		}
	}
	return nil, nil
}

func (r *Reconciler) newItem(sourceType model.SourceType, sourceID, pmid string, cand *model.Candidate, res *model.ExtractionResult) *model.GuidanceItem {
	now := r.nowFunc()
	return &model.GuidanceItem{
		ID:              uuid.New().String(),
		SourceType:      sourceType,
		SourceID:        sourceID,
		PMID:            pmid,
		Title:           cand.Title,
		TestIDs:         append([]string(nil), res.TestIDs...),
		Codes:           res.Codes,
		CancerTypes:     append([]string(nil), res.CancerTypes...),
		ClinicalSetting: append([]string(nil), res.ClinicalSetting...),
		EffectiveDate:   res.EffectiveDate,
		Confidence:      res.Confidence,
		EvidenceIDs:     []string{res.ID},
		SimFingerprint:  cand.SimFingerprint,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// merge folds res into item. Set-valued fields are unioned; the scalar
// effective date only moves when the incoming confidence is at least the
// stored one, otherwise the disagreement is recorded as a conflict.
func (r *Reconciler) merge(ctx context.Context, item *model.GuidanceItem, res *model.ExtractionResult) (int, error) {
	item.TestIDs = unionNormalized(item.TestIDs, res.TestIDs)
	item.Codes.CPT = union(item.Codes.CPT, res.Codes.CPT)
	item.Codes.PLA = union(item.Codes.PLA, res.Codes.PLA)
	item.Codes.HCPCS = union(item.Codes.HCPCS, res.Codes.HCPCS)
	item.CancerTypes = union(item.CancerTypes, res.CancerTypes)
	item.ClinicalSetting = union(item.ClinicalSetting, res.ClinicalSetting)
	item.EvidenceIDs = union(item.EvidenceIDs, []string{res.ID})

	conflicts := 0
	if res.EffectiveDate != "" && res.EffectiveDate != item.EffectiveDate {
		if item.EffectiveDate == "" || res.Confidence >= item.Confidence {
			item.EffectiveDate = res.EffectiveDate
		} else {
			conflicts++
			if err := r.recordConflict(ctx, item, res, "effective_date", item.EffectiveDate, res.EffectiveDate); err != nil {
				return conflicts, err
			}
		}
	}

	if res.Confidence > item.Confidence {
		item.Confidence = res.Confidence
	}
	return conflicts, nil
}

func (r *Reconciler) recordConflict(ctx context.Context, item *model.GuidanceItem, res *model.ExtractionResult, field, existing, incoming string) error {
	conflict := &store.Conflict{
		ID:                 uuid.New().String(),
		GuidanceID:         item.ID,
		Field:              field,
		ExistingValue:      existing,
		IncomingValue:      incoming,
		ExistingConfidence: item.Confidence,
		IncomingConfidence: res.Confidence,
		ExtractionID:       res.ID,
	}
	refused := resilience.Conflict(eris.Errorf("%s %q kept over lower-confidence %q", field, existing, incoming))
	zap.L().Warn("reconciliation conflict",
		zap.String("guidance_id", item.ID),
		zap.String("field", field),
		zap.String("existing", existing),
		zap.String("incoming", incoming),
		zap.Float64("existing_confidence", conflict.ExistingConfidence),
		zap.Float64("incoming_confidence", conflict.IncomingConfidence),
		zap.String("kind", resilience.KindOf(refused).String()),
		zap.Error(refused))
	if err := r.store.InsertConflict(ctx, conflict); err != nil {
		return eris.Wrap(err, "record conflict")
	}
	return nil
}

// deriveIdentity maps a source and candidate to the guidance identity.
// Publication-feed documents become pubmed items only when a numeric
// PMID can be read from the URL; anything else is kept as expert
// synthesis so a non-numeric identifier never lands on a pubmed row.
func deriveIdentity(src *model.Source, cand *model.Candidate) (model.SourceType, string, string) {
	switch src.Kind {
	case model.SourceKindPublicationFeed:
		if pmid := PubmedID(cand.URL); pmid != "" {
			return model.SourceTypePubmed, pmid, pmid
		}
		return model.SourceTypeExpertSynthesis, cand.ID, ""
	default:
		return model.SourceTypePayerPolicy, src.ID, ""
	}
}

// PubmedID extracts a numeric PMID from a pubmed-style URL, or "".
func PubmedID(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	for _, seg := range strings.Split(strings.Trim(u.Path, "/"), "/") {
		if seg != "" && ontology.NumericID.MatchString(seg) {
			return seg
		}
	}
	return ""
}

func union(existing, incoming []string) []string {
	seen := make(map[string]bool, len(existing))
	out := append([]string(nil), existing...)
	for _, v := range existing {
		seen[v] = true
	}
	for _, v := range incoming {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}

// unionNormalized unions test names with normalized identity, so an
// alias spelling does not duplicate an existing entry.
func unionNormalized(existing, incoming []string) []string {
	seen := make(map[string]bool, len(existing))
	out := append([]string(nil), existing...)
	for _, v := range existing {
		seen[ontology.NormalizeName(v)] = true
	}
	for _, v := range incoming {
		key := ontology.NormalizeName(v)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, v)
	}
	return out
}
