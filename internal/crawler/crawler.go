// Package crawler walks the source registry, fetches changed content,
// and emits candidates. One source's failure never aborts the batch:
// every source's outcome is independent and individually reported.
package crawler

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/openonco/coverage-watch/internal/fingerprint"
	"github.com/openonco/coverage-watch/internal/model"
	"github.com/openonco/coverage-watch/internal/resilience"
	"github.com/openonco/coverage-watch/internal/store"
)

// Defaults for the source failure policy.
const (
	DefaultBackoffBase      = time.Minute
	DefaultCapExponent      = 6
	DefaultDisableThreshold = 5
	DefaultConcurrency      = 4
)

// Config tunes the crawler.
type Config struct {
	Concurrency      int
	BackoffBase      time.Duration
	CapExponent      int
	DisableThreshold int
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = DefaultBackoffBase
	}
	if c.CapExponent <= 0 {
		c.CapExponent = DefaultCapExponent
	}
	if c.DisableThreshold <= 0 {
		c.DisableThreshold = DefaultDisableThreshold
	}
	return c
}

// Report aggregates one crawl pass.
type Report struct {
	SourcesCrawled    int
	PublicationsFound int
	Candidates        []*model.Candidate
	Failures          int
}

// Crawler fetches all crawlable sources and emits new candidates.
type Crawler struct {
	store   store.Store
	fetcher Fetcher
	cfg     Config

	nowFunc func() time.Time
}

// New builds a crawler.
func New(st store.Store, fetcher Fetcher, cfg Config) *Crawler {
	return &Crawler{store: st, fetcher: fetcher, cfg: cfg.withDefaults(), nowFunc: time.Now}
}

// CrawlAll fetches every enabled, non-backed-off source with bounded
// parallelism and returns the aggregated report.
func (c *Crawler) CrawlAll(ctx context.Context) (*Report, error) {
	sources, err := c.store.ListSources(ctx)
	if err != nil {
		return nil, err
	}

	var (
		mu     sync.Mutex
		report Report
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Concurrency)

	for i := range sources {
		src := sources[i]
		if !src.Crawlable(c.nowFunc().UTC()) {
			continue
		}
		g.Go(func() error {
			cand, err := c.crawlSource(gctx, &src)

			mu.Lock()
			defer mu.Unlock()
			report.SourcesCrawled++
			if err != nil {
				report.Failures++
				zap.L().Warn("source crawl failed",
					zap.String("source_id", src.ID),
					zap.String("kind", resilience.KindOf(err).String()),
					zap.Error(err))
				return nil // isolated failure, keep the batch going
			}
			if cand != nil {
				report.Candidates = append(report.Candidates, cand)
				if src.Kind == model.SourceKindPublicationFeed {
					report.PublicationsFound++
				}
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return &report, err
	}
	return &report, nil
}

// crawlSource fetches one source and emits at most one candidate. The
// source row is updated on every outcome: success resets the failure
// counters, failure increments them and schedules backoff.
func (c *Crawler) crawlSource(ctx context.Context, src *model.Source) (*model.Candidate, error) {
	res, err := c.fetcher.Fetch(ctx, src.URL, src.ETag)
	if err != nil {
		return nil, c.recordFailure(ctx, src, err)
	}

	now := c.nowFunc().UTC()
	src.LastCheckedAt = now
	src.ConsecutiveFailures = 0
	src.BackoffUntil = time.Time{}

	if res.NotModified {
		zap.L().Debug("source unchanged (etag)", zap.String("source_id", src.ID))
		return nil, c.store.UpdateSource(ctx, src)
	}

	text := string(res.Body)
	fp := fingerprint.New(text)
	src.ETag = res.ETag

	if fp.Exact == src.LastFingerprint {
		zap.L().Debug("source unchanged (fingerprint)", zap.String("source_id", src.ID))
		return nil, c.store.UpdateSource(ctx, src)
	}
	src.LastFingerprint = fp.Exact

	// The same document may arrive through more than one source;
	// dedup against the whole candidate history by exact fingerprint.
	seen, err := c.store.CandidateByFingerprint(ctx, fp.Exact)
	if err != nil {
		return nil, err
	}
	if seen != nil {
		zap.L().Debug("candidate already known",
			zap.String("source_id", src.ID),
			zap.String("candidate_id", seen.ID))
		return nil, c.store.UpdateSource(ctx, src)
	}

	cand := &model.Candidate{
		SourceID:           src.ID,
		URL:                src.URL,
		Title:              titleOf(text),
		RawText:            text,
		NormalizedText:     fingerprint.Normalize(text),
		ContentFingerprint: fp.Exact,
		SimFingerprint:     fp.Structural,
		FetchedAt:          now,
	}
	if err := c.store.InsertCandidate(ctx, cand); err != nil {
		return nil, err
	}
	if err := c.store.UpdateSource(ctx, src); err != nil {
		return nil, err
	}

	zap.L().Info("new candidate discovered",
		zap.String("source_id", src.ID),
		zap.String("candidate_id", cand.ID),
		zap.String("title", cand.Title))
	return cand, nil
}

func (c *Crawler) recordFailure(ctx context.Context, src *model.Source, cause error) error {
	now := c.nowFunc().UTC()
	src.LastCheckedAt = now
	src.ConsecutiveFailures++
	src.BackoffUntil = now.Add(resilience.SourceBackoff(src.ConsecutiveFailures, c.cfg.BackoffBase, c.cfg.CapExponent))

	if src.ConsecutiveFailures >= c.cfg.DisableThreshold {
		src.Disabled = true
		cause = resilience.PermanentSource(cause)
		zap.L().Error("source disabled after sustained failures",
			zap.String("source_id", src.ID),
			zap.Int("consecutive_failures", src.ConsecutiveFailures))
	}

	if err := c.store.UpdateSource(ctx, src); err != nil {
		return err
	}
	return cause
}

// titleOf takes the first non-empty line as the document title.
func titleOf(text string) string {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			if len(line) > 200 {
				line = line[:200]
			}
			return line
		}
	}
	return ""
}
