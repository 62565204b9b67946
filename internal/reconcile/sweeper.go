// Package reconcile fails jobs that have been stuck in processing longer than
// any crawl could legitimately take, for example after a process restart.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitecorpus/internal/metrics"
	"github.com/JakeFAU/sitecorpus/internal/scrape"
)

// Defaults applied when Config leaves fields empty.
const (
	DefaultSchedule   = "@every 5m"
	DefaultStaleAfter = 30 * time.Minute
	sweepTimeout      = time.Minute
)

// Store is the slice of scrape.JobStore the sweeper needs.
type Store interface {
	ListStaleJobs(ctx context.Context, createdBefore time.Time) ([]scrape.Job, error)
	FailJob(ctx context.Context, hash scrape.JobHash) error
}

// Config controls the sweep schedule and staleness cutoff.
type Config struct {
	Schedule   string
	StaleAfter time.Duration
}

// Sweeper periodically fails stale processing jobs.
type Sweeper struct {
	jobs   Store
	clock  scrape.Clock
	cfg    Config
	cron   *cron.Cron
	logger *zap.Logger
}

// New validates the schedule and returns a Sweeper that is not yet running.
func New(jobs Store, clock scrape.Clock, cfg Config, logger *zap.Logger) (*Sweeper, error) {
	if jobs == nil || clock == nil {
		return nil, errors.New("job store and clock are required")
	}
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if _, err := cron.ParseStandard(cfg.Schedule); err != nil {
		return nil, fmt.Errorf("parse reconcile schedule %q: %w", cfg.Schedule, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		jobs:   jobs,
		clock:  clock,
		cfg:    cfg,
		cron:   cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		logger: logger,
	}, nil
}

// Start registers the sweep and starts the scheduler in its own goroutine.
func (s *Sweeper) Start() error {
	if _, err := s.cron.AddFunc(s.cfg.Schedule, s.runScheduled); err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}
	s.cron.Start()
	s.logger.Info("reconciler started",
		zap.String("schedule", s.cfg.Schedule),
		zap.Duration("stale_after", s.cfg.StaleAfter),
	)
	return nil
}

// Stop halts scheduling and waits for a running sweep, or for ctx.
func (s *Sweeper) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
	s.logger.Info("reconciler stopped")
}

// Sweep fails every processing job created before now minus StaleAfter and
// returns how many it moved.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	cutoff := s.clock.Now().Add(-s.cfg.StaleAfter)
	stale, err := s.jobs.ListStaleJobs(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list stale jobs: %w", err)
	}

	failed := 0
	for _, job := range stale {
		err := s.jobs.FailJob(ctx, job.Hash)
		switch {
		case err == nil:
			failed++
			metrics.ObserveReconciledJob()
			metrics.ObserveJob(string(scrape.JobStatusFailed))
			s.logger.Warn("stale job marked failed",
				zap.String("job_hash", job.Hash.String()),
				zap.String("user_id", job.UserID),
				zap.Time("created_at", job.CreatedAt),
			)
		case errors.Is(err, scrape.ErrInvalidTransition), errors.Is(err, scrape.ErrNotFound):
			// Finished or deleted between the list and the update.
		default:
			return failed, fmt.Errorf("fail stale job %s: %w", job.Hash, err)
		}
	}
	return failed, nil
}

func (s *Sweeper) runScheduled() {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()

	n, err := s.Sweep(ctx)
	if err != nil {
		s.logger.Error("reconcile sweep failed", zap.Int("failed_jobs", n), zap.Error(err))
		return
	}
	if n > 0 {
		s.logger.Info("reconcile sweep finished", zap.Int("failed_jobs", n))
	}
}
