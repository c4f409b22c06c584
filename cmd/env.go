package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/openonco/coverage-watch/internal/crawler"
	"github.com/openonco/coverage-watch/internal/extractor"
	"github.com/openonco/coverage-watch/internal/model"
	"github.com/openonco/coverage-watch/internal/notify"
	"github.com/openonco/coverage-watch/internal/ontology"
	"github.com/openonco/coverage-watch/internal/pipeline"
	"github.com/openonco/coverage-watch/internal/queue"
	"github.com/openonco/coverage-watch/internal/reconcile"
	"github.com/openonco/coverage-watch/internal/resilience"
	"github.com/openonco/coverage-watch/internal/store"
	"github.com/openonco/coverage-watch/internal/triage"
	anthropicpkg "github.com/openonco/coverage-watch/pkg/anthropic"
)

// pipelineEnv holds the initialized store, stages, and pipeline shared
// by the run/serve/status commands.
type pipelineEnv struct {
	Store     store.Store
	Queue     *queue.Queue
	Pipeline  *pipeline.Pipeline
	Extractor *extractor.Extractor
	Ontology  *ontology.Snapshot
}

// Close releases resources held by the pipeline environment.
func (pe *pipelineEnv) Close() {
	if pe.Store != nil {
		_ = pe.Store.Close()
	}
}

// initPipeline opens the store, seeds configured sources, and wires
// every stage. Missing required configuration is fatal here, before any
// scheduling starts. Callers should defer env.Close().
func initPipeline(ctx context.Context) (*pipelineEnv, error) {
	if cfg.Anthropic.Key == "" {
		return nil, eris.New("anthropic key not configured (COVERAGE_WATCH_ANTHROPIC_KEY)")
	}

	st, err := store.NewSQLite(cfg.Store.Path)
	if err != nil {
		return nil, eris.Wrap(err, "open store")
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	if err := seedSources(ctx, st); err != nil {
		_ = st.Close()
		return nil, err
	}

	snap, err := loadOntology()
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	anthropicClient := anthropicpkg.NewClient(cfg.Anthropic.Key)
	ex := extractor.New(anthropicClient, snap, extractor.Config{
		Model:      cfg.Anthropic.Model,
		MaxTokens:  cfg.Anthropic.MaxTokens,
		Timeout:    time.Duration(cfg.Extract.TimeoutSecs) * time.Second,
		MaxRetries: cfg.Extract.MaxRetries,
	})

	fetcher := crawler.NewHTTPFetcher(crawler.HTTPOptions{
		Timeout:     time.Duration(cfg.Crawl.TimeoutSecs) * time.Second,
		UserAgent:   cfg.Crawl.UserAgent,
		PerHostRate: rate.Limit(cfg.Crawl.PerHostRate),
		HostBurst:   cfg.Crawl.HostBurst,
		Retry:       resilience.DefaultRetryConfig(),
	})
	cr := crawler.New(st, fetcher, crawler.Config{
		Concurrency:      cfg.Crawl.Concurrency,
		BackoffBase:      time.Duration(cfg.Crawl.BackoffBaseSecs) * time.Second,
		CapExponent:      cfg.Crawl.BackoffCapExponent,
		DisableThreshold: cfg.Crawl.DisableThreshold,
	})

	q := queue.New(st.DB(),
		queue.WithMaxAttempts(cfg.Queue.MaxAttempts),
		queue.WithLease(time.Duration(cfg.Queue.LeaseSecs)*time.Second),
	)

	notifier := notify.New(notify.Config{
		WebhookURL:    cfg.Notify.WebhookURL,
		MinConfidence: cfg.Notify.MinConfidence,
	})

	p := pipeline.New(st, cr, triage.New(snap, cfg.Triage.MinScore), q, ex, reconcile.New(st), notifier, pipeline.Config{
		ExtractionConcurrency: cfg.Extract.Concurrency,
	})

	return &pipelineEnv{
		Store:     st,
		Queue:     q,
		Pipeline:  p,
		Extractor: ex,
		Ontology:  snap,
	}, nil
}

// loadOntology returns the configured vocabulary snapshot, falling back
// to the embedded one.
func loadOntology() (*ontology.Snapshot, error) {
	if cfg.Triage.OntologyPath == "" {
		return ontology.Default(), nil
	}
	snap, err := ontology.LoadFile(cfg.Triage.OntologyPath)
	if err != nil {
		return nil, eris.Wrap(err, "load ontology")
	}
	zap.L().Info("ontology loaded",
		zap.String("path", cfg.Triage.OntologyPath),
		zap.String("version", snap.Version))
	return snap, nil
}

// seedSources upserts the configured crawl targets.
func seedSources(ctx context.Context, st store.Store) error {
	for _, seed := range cfg.Sources {
		kind := model.SourceKind(seed.Kind)
		if kind != model.SourceKindPayerPolicy && kind != model.SourceKindPublicationFeed {
			return eris.Errorf("source %q has unknown kind %q", seed.ID, seed.Kind)
		}
		if seed.ID == "" || seed.URL == "" {
			return eris.Errorf("source seed missing id or url: %+v", seed)
		}
		if err := st.SeedSource(ctx, &model.Source{ID: seed.ID, Kind: kind, URL: seed.URL}); err != nil {
			return eris.Wrapf(err, "seed source %s", seed.ID)
		}
	}
	if len(cfg.Sources) > 0 {
		zap.L().Info("sources seeded", zap.Int("count", len(cfg.Sources)))
	}
	return nil
}
