// Package scheduler runs the pipeline on a cron cadence and guards the
// one-active-run invariant. A timer fire or manual trigger while a run
// is active is a coalesced no-op; there is never more than one pipeline
// run in flight.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/openonco/coverage-watch/internal/model"
	"github.com/openonco/coverage-watch/internal/store"
)

// DefaultRunTimeout bounds one pipeline run. A run past the deadline is
// cut off and reported as partial; leased queue items simply expire back
// to pending.
const DefaultRunTimeout = 30 * time.Minute

// Runner is the unit the scheduler drives, satisfied by pipeline.Pipeline.
type Runner interface {
	Run(ctx context.Context) (*model.RunStats, error)
}

// Config tunes the scheduler.
type Config struct {
	// Schedule is a cron expression (standard five-field form).
	Schedule string
	// RunTimeout bounds each run.
	RunTimeout time.Duration
}

// Status is the operational snapshot.
type Status struct {
	Running  bool            `json:"running"`
	Schedule string          `json:"schedule,omitempty"`
	LastRun  *model.RunStats `json:"last_run,omitempty"`
}

// Scheduler owns the cadence and the overlap guard.
type Scheduler struct {
	runner Runner
	store  store.Store
	cron   *cron.Cron
	cfg    Config

	running atomic.Bool
	mu      sync.Mutex
	last    *model.RunStats
	wg      sync.WaitGroup
}

// New builds a scheduler. The store supplies last-run stats across
// restarts; runs themselves persist their stats through the pipeline.
func New(runner Runner, st store.Store, cfg Config) *Scheduler {
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = DefaultRunTimeout
	}
	return &Scheduler{
		runner: runner,
		store:  st,
		cron:   cron.New(),
		cfg:    cfg,
	}
}

// Start registers the cron entry and begins firing. With an empty
// schedule only manual triggers run the pipeline.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.cfg.Schedule == "" {
		zap.L().Info("scheduler started without cadence, manual triggers only")
		return nil
	}
	_, err := s.cron.AddFunc(s.cfg.Schedule, func() {
		if !s.TriggerRun(ctx) {
			zap.L().Info("timer fire coalesced, run already active")
		}
	})
	if err != nil {
		return eris.Wrapf(err, "invalid schedule %q", s.cfg.Schedule)
	}
	s.cron.Start()
	zap.L().Info("scheduler started", zap.String("schedule", s.cfg.Schedule))
	return nil
}

// Stop halts the timer and waits for an active run to finish.
func (s *Scheduler) Stop() {
	timerCtx := s.cron.Stop()
	<-timerCtx.Done()
	s.wg.Wait()
}

// TriggerRun starts a pipeline run unless one is already active.
// Returns false for the coalesced no-op. The run executes in the
// background; callers poll Status for the outcome.
func (s *Scheduler) TriggerRun(ctx context.Context) bool {
	if !s.running.CompareAndSwap(false, true) {
		return false
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.running.Store(false)
		s.runOnce(ctx)
	}()
	return true
}

func (s *Scheduler) runOnce(ctx context.Context) {
	runCtx, cancel := context.WithTimeout(ctx, s.cfg.RunTimeout)
	defer cancel()

	stats, err := s.runner.Run(runCtx)
	if err != nil {
		zap.L().Error("pipeline run failed", zap.Error(err))
	}
	if stats != nil {
		if stats.Partial {
			zap.L().Warn("pipeline run partial",
				zap.String("run_id", stats.RunID),
				zap.Duration("duration", stats.Duration))
		}
		s.mu.Lock()
		s.last = stats
		s.mu.Unlock()
	}
}

// Status reports the overlap guard, the cadence, and the most recent
// run's stats. It never blocks on an active run: with no completed run
// in memory it falls back to the persisted history.
func (s *Scheduler) Status(ctx context.Context) Status {
	s.mu.Lock()
	last := s.last
	s.mu.Unlock()

	if last == nil && s.store != nil {
		stored, err := s.store.LastRunStats(ctx)
		if err != nil {
			zap.L().Warn("load last run stats", zap.Error(err))
		} else {
			last = stored
		}
	}
	return Status{
		Running:  s.running.Load(),
		Schedule: s.cfg.Schedule,
		LastRun:  last,
	}
}
