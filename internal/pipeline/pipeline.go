// Package pipeline wires the full discovery run: crawl, triage,
// enqueue, extract, reconcile, and report. One Run is one pass over
// every enabled source; the scheduler and the CLI both call it.
package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/openonco/coverage-watch/internal/crawler"
	"github.com/openonco/coverage-watch/internal/extractor"
	"github.com/openonco/coverage-watch/internal/model"
	"github.com/openonco/coverage-watch/internal/notify"
	"github.com/openonco/coverage-watch/internal/queue"
	"github.com/openonco/coverage-watch/internal/reconcile"
	"github.com/openonco/coverage-watch/internal/store"
	"github.com/openonco/coverage-watch/internal/triage"
)

// DefaultExtractionConcurrency bounds parallel inference calls.
const DefaultExtractionConcurrency = 2

// Extractor is the inference stage contract, satisfied by
// extractor.Extractor and by fakes in tests.
type Extractor interface {
	Extract(ctx context.Context, cand *model.Candidate) (*model.ExtractionResult, error)
}

// Config tunes one pipeline instance.
type Config struct {
	ExtractionConcurrency int
}

func (c Config) withDefaults() Config {
	if c.ExtractionConcurrency <= 0 {
		c.ExtractionConcurrency = DefaultExtractionConcurrency
	}
	return c
}

// Pipeline owns one run's worth of stages. Stages keep their own
// state; the pipeline only sequences them and aggregates counters.
type Pipeline struct {
	store      store.Store
	crawler    *crawler.Crawler
	triage     *triage.Triage
	queue      *queue.Queue
	extractor  Extractor
	reconciler *reconcile.Reconciler
	notifier   *notify.Notifier
	cfg        Config
	nowFunc    func() time.Time
}

// New assembles a pipeline from its stages.
func New(s store.Store, c *crawler.Crawler, t *triage.Triage, q *queue.Queue, ex Extractor, r *reconcile.Reconciler, n *notify.Notifier, cfg Config) *Pipeline {
	return &Pipeline{
		store:      s,
		crawler:    c,
		triage:     t,
		queue:      q,
		extractor:  ex,
		reconciler: r,
		notifier:   n,
		cfg:        cfg.withDefaults(),
		nowFunc:    func() time.Time { return time.Now().UTC() },
	}
}

// Run executes one full pass. A cancelled or deadlined context stops
// the run early but still persists and reports the partial stats.
func (p *Pipeline) Run(ctx context.Context) (*model.RunStats, error) {
	stats := &model.RunStats{
		RunID:     uuid.New().String(),
		StartedAt: p.nowFunc(),
	}
	zap.L().Info("pipeline run starting", zap.String("run_id", stats.RunID))

	findings, runErr := p.run(ctx, stats)

	stats.FinishedAt = p.nowFunc()
	stats.Duration = stats.FinishedAt.Sub(stats.StartedAt)
	if ctx.Err() != nil {
		stats.Partial = true
	}

	// Persist and notify with a fresh context: the run's own deadline
	// must not swallow the report of a timed-out run.
	reportCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := p.store.InsertRunStats(reportCtx, stats); err != nil {
		zap.L().Error("persist run stats", zap.String("run_id", stats.RunID), zap.Error(err))
	}
	if p.notifier != nil {
		if err := p.notifier.Notify(reportCtx, stats, findings); err != nil {
			zap.L().Error("notify run completion", zap.String("run_id", stats.RunID), zap.Error(err))
		}
	}
	return stats, runErr
}

func (p *Pipeline) run(ctx context.Context, stats *model.RunStats) (notify.Findings, error) {
	report, err := p.crawler.CrawlAll(ctx)
	if err != nil {
		return notify.Findings{}, eris.Wrap(err, "crawl")
	}
	stats.SourcesCrawled = report.SourcesCrawled
	stats.PublicationsFound = report.PublicationsFound
	stats.CandidatesFound = len(report.Candidates)
	stats.Failures = report.Failures

	qualified, rejected := p.triage.Batch(report.Candidates)
	stats.TriagePassed = len(qualified)
	zap.L().Info("triage complete",
		zap.String("run_id", stats.RunID),
		zap.Int("qualified", len(qualified)),
		zap.Int("rejected", len(rejected)))

	for _, sc := range qualified {
		inserted, err := p.queue.Enqueue(ctx, sc.Candidate.ID, sc.Candidate.ContentFingerprint, sc.Result.Score)
		if err != nil {
			return notify.Findings{}, eris.Wrapf(err, "enqueue candidate %s", sc.Candidate.ID)
		}
		if !inserted {
			zap.L().Debug("candidate already queued",
				zap.String("candidate_id", sc.Candidate.ID),
				zap.String("fingerprint", sc.Candidate.ContentFingerprint))
		}
	}

	reaped, err := p.queue.ReapExpired(ctx)
	if err != nil {
		return notify.Findings{}, eris.Wrap(err, "reap expired leases")
	}
	if reaped > 0 {
		zap.L().Warn("requeued expired leases", zap.Int("count", reaped))
	}

	return p.drain(ctx, stats)
}

// drain works the queue down with a bounded worker pool. Each worker
// loops dequeue→extract→reconcile→ack until the queue is empty or the
// context ends.
func (p *Pipeline) drain(ctx context.Context, stats *model.RunStats) (notify.Findings, error) {
	var results workerResults
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.ExtractionConcurrency; i++ {
		g.Go(func() error {
			for {
				if gctx.Err() != nil {
					return nil
				}
				item, err := p.queue.Dequeue(gctx)
				if err != nil {
					return eris.Wrap(err, "dequeue")
				}
				if item == nil {
					return nil
				}
				p.process(gctx, item, &results)
			}
		})
	}
	err := g.Wait()

	newItems, resolved, conflicts, failures := results.counts()
	stats.NewItems = newItems
	stats.Resolved = resolved
	stats.Conflicts = conflicts
	stats.Failures += failures
	return results.findings(), err
}

// process handles one leased item end to end. Failures nack the lease;
// they never abort the worker.
func (p *Pipeline) process(ctx context.Context, item *model.QueueItem, results *workerResults) {
	cand, err := p.store.GetCandidate(ctx, item.CandidateID)
	if err != nil || cand == nil {
		p.nack(ctx, item, "candidate lookup failed")
		results.fail()
		return
	}
	src, err := p.store.GetSource(ctx, cand.SourceID)
	if err != nil || src == nil {
		p.nack(ctx, item, "source lookup failed")
		results.fail()
		return
	}

	res, err := p.extractor.Extract(ctx, cand)
	if eris.Is(err, extractor.ErrNotRelevant) {
		// The model looked and declined: the item is finished, not failed.
		if ackErr := p.queue.Ack(ctx, item.ID); ackErr != nil {
			zap.L().Error("ack not-relevant item", zap.String("item_id", item.ID), zap.Error(ackErr))
		}
		return
	}
	if err != nil {
		zap.L().Warn("extraction failed",
			zap.String("candidate_id", cand.ID),
			zap.Error(err))
		p.nack(ctx, item, err.Error())
		results.fail()
		return
	}

	res.ID = uuid.New().String()
	if prior := p.priorExtraction(ctx, cand.ID); prior != "" {
		res.SupersedesID = prior
	}
	if err := p.store.InsertExtraction(ctx, res); err != nil {
		p.nack(ctx, item, "persist extraction failed")
		results.fail()
		return
	}

	outcome, err := p.reconciler.Reconcile(ctx, src, cand, res)
	if err != nil {
		p.nack(ctx, item, "reconcile failed")
		results.fail()
		return
	}
	if err := p.queue.Ack(ctx, item.ID); err != nil {
		zap.L().Error("ack item", zap.String("item_id", item.ID), zap.Error(err))
	}
	results.record(outcome)
}

// priorExtraction returns the latest stored extraction id for the
// candidate, so a re-extraction records what it supersedes.
func (p *Pipeline) priorExtraction(ctx context.Context, candidateID string) string {
	prior, err := p.store.ListExtractions(ctx, candidateID)
	if err != nil || len(prior) == 0 {
		return ""
	}
	return prior[len(prior)-1].ID
}

func (p *Pipeline) nack(ctx context.Context, item *model.QueueItem, reason string) {
	state, err := p.queue.Nack(ctx, item.ID, reason)
	if err != nil {
		zap.L().Error("nack item", zap.String("item_id", item.ID), zap.Error(err))
		return
	}
	if state == model.QueueFailed {
		zap.L().Error("item exhausted retry budget",
			zap.String("item_id", item.ID),
			zap.String("candidate_id", item.CandidateID),
			zap.String("reason", reason))
	}
}
