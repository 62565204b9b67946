// Package lifecycle owns the scrape job state machine: it admits jobs in
// processing status and drives crawl, normalize, store and finalize.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitecorpus/internal/metrics"
	"github.com/JakeFAU/sitecorpus/internal/normalize"
	"github.com/JakeFAU/sitecorpus/internal/scrape"
	"github.com/JakeFAU/sitecorpus/internal/telemetry"
)

const tracerName = "github.com/JakeFAU/sitecorpus/internal/lifecycle"

// DefaultCrawlTimeout bounds a crawl when no timeout is configured.
const DefaultCrawlTimeout = 10 * time.Minute

// Config controls Manager behavior.
type Config struct {
	CrawlTimeout   time.Duration
	ArtifactPrefix string
	// Topic receives artifact.ready events. Empty disables publishing.
	Topic string
	// SourceLabel is used when the crawl engine does not name itself.
	SourceLabel string
}

// IDGenerator produces event identifiers.
type IDGenerator interface {
	NewID() (string, error)
}

// ReadyEvent is published after a job completes.
type ReadyEvent struct {
	EventID     string    `json:"event_id"`
	JobHash     string    `json:"job_hash"`
	UserID      string    `json:"user_id"`
	StoragePath string    `json:"storage_path"`
	PageCount   int       `json:"page_count"`
	Source      string    `json:"source"`
	ScrapedAt   time.Time `json:"scraped_at"`
}

// Manager admits and processes scrape jobs.
type Manager struct {
	jobs      scrape.JobStore
	blobs     scrape.BlobStore
	crawler   scrape.Crawler
	publisher scrape.Publisher
	hashes    scrape.HashGenerator
	ids       IDGenerator
	clock     scrape.Clock
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Manager. publisher and ids may be nil.
func New(
	jobs scrape.JobStore,
	blobs scrape.BlobStore,
	crawler scrape.Crawler,
	publisher scrape.Publisher,
	hashes scrape.HashGenerator,
	ids IDGenerator,
	clock scrape.Clock,
	cfg Config,
	logger *zap.Logger,
) *Manager {
	if cfg.CrawlTimeout <= 0 {
		cfg.CrawlTimeout = DefaultCrawlTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		jobs:      jobs,
		blobs:     blobs,
		crawler:   crawler,
		publisher: publisher,
		hashes:    hashes,
		ids:       ids,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
	}
}

// Admit creates a job row in processing status. The row exists before any
// crawl is attempted so a crash mid-crawl leaves a recoverable record.
func (m *Manager) Admit(ctx context.Context, userID, targetURL string) (scrape.Job, error) {
	hash, err := m.hashes.NewHash()
	if err != nil {
		return scrape.Job{}, fmt.Errorf("generate job hash: %w", err)
	}
	job := scrape.Job{
		Hash:      hash,
		UserID:    userID,
		TargetURL: targetURL,
		Status:    scrape.JobStatusProcessing,
		CreatedAt: m.clock.Now(),
	}
	if err := m.jobs.CreateJob(ctx, job); err != nil {
		return scrape.Job{}, fmt.Errorf("create job: %w", err)
	}
	metrics.ObserveJob(string(scrape.JobStatusProcessing))
	m.logger.Info("job admitted",
		zap.String("job_hash", hash.String()),
		zap.String("user_id", userID),
		zap.String("target_url", targetURL),
	)
	return job, nil
}

// Process runs crawl, normalize and store for an admitted job and records
// the terminal status. It returns the pipeline error, if any, after the job
// has been marked failed. A failure to mark the job failed is only logged;
// the reconciler picks such jobs up later. Jobs deleted or finalized while
// queued are skipped without crawling.
func (m *Manager) Process(ctx context.Context, item scrape.QueueItem) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "lifecycle.Process",
		trace.WithAttributes(
			attribute.String("job_hash", item.Hash.String()),
			attribute.String("target_url", item.TargetURL),
		),
	)
	defer span.End()

	logger := m.logger.With(
		zap.String("job_hash", item.Hash.String()),
		zap.String("user_id", item.UserID),
		zap.String("target_url", item.TargetURL),
	).With(telemetry.TraceFields(ctx)...)

	if skip, err := m.stale(ctx, item.Hash); err != nil {
		logger.Warn("load job before crawl; continuing", zap.Error(err))
	} else if skip != "" {
		span.SetAttributes(attribute.String("skipped", skip))
		logger.Info("skipping queued job", zap.String("reason", skip))
		return nil
	}

	artifact, err := m.run(ctx, item, logger)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, scrape.FailureClass(err))
		m.fail(ctx, item.Hash, err, logger)
		return err
	}

	span.SetAttributes(attribute.Int("page_count", artifact.PageCount))
	metrics.ObserveJob(string(scrape.JobStatusCompleted))
	logger.Info("job completed",
		zap.String("storage_path", artifact.StoragePath),
		zap.Int("page_count", artifact.PageCount),
	)
	m.publishReady(ctx, item, artifact, logger)
	return nil
}

// Fail marks a job failed outside of Process, e.g. when it could not be queued.
func (m *Manager) Fail(ctx context.Context, hash scrape.JobHash, cause error) {
	m.fail(ctx, hash, cause, m.logger.With(zap.String("job_hash", hash.String())))
}

// stale reports why a queued job must not be crawled: it was deleted while
// queued or already reached a terminal status. An empty reason means proceed.
func (m *Manager) stale(ctx context.Context, hash scrape.JobHash) (string, error) {
	job, err := m.jobs.GetJob(ctx, hash)
	switch {
	case errors.Is(err, scrape.ErrNotFound):
		return "deleted", nil
	case err != nil:
		return "", fmt.Errorf("get job: %w", err)
	case job.Status.Terminal():
		return string(job.Status), nil
	}
	return "", nil
}

func (m *Manager) run(ctx context.Context, item scrape.QueueItem, logger *zap.Logger) (scrape.Artifact, error) {
	result, err := m.crawl(ctx, item.TargetURL)
	if err != nil {
		return scrape.Artifact{}, err
	}

	doc := normalize.Normalize(result.Pages)
	if doc.Empty() {
		return scrape.Artifact{}, fmt.Errorf("%w: %d records, none usable", scrape.ErrNoContent, len(result.Pages))
	}
	logger.Debug("crawl normalized",
		zap.Int("records", len(result.Pages)),
		zap.Int("usable", doc.PageCount),
	)

	key := scrape.ArtifactKey(m.cfg.ArtifactPrefix, item.Hash)
	if _, err := m.blobs.PutObject(ctx, key, scrape.ArtifactContentType, []byte(doc.Text)); err != nil {
		return scrape.Artifact{}, fmt.Errorf("%w: put %s: %w", scrape.ErrStorage, key, err)
	}
	metrics.ObserveArtifactBytes(len(doc.Text))

	source := result.Source
	if source == "" {
		source = m.cfg.SourceLabel
	}
	artifact := scrape.Artifact{
		JobHash:     item.Hash,
		StoragePath: key,
		Source:      source,
		PageCount:   doc.PageCount,
		FileType:    scrape.ArtifactContentType,
		ScrapedAt:   m.clock.Now(),
	}
	if err := m.jobs.CompleteJob(ctx, artifact, doc.PageCount); err != nil {
		m.removeOrphan(ctx, key, logger)
		return scrape.Artifact{}, fmt.Errorf("complete job: %w", err)
	}
	return artifact, nil
}

// crawl bounds the collaborator call by the configured timeout. Results that
// arrive after the deadline are discarded even if the engine ignores ctx.
func (m *Manager) crawl(ctx context.Context, targetURL string) (scrape.CrawlResult, error) {
	crawlCtx, cancel := context.WithTimeout(ctx, m.cfg.CrawlTimeout)
	defer cancel()

	type outcome struct {
		result scrape.CrawlResult
		err    error
	}
	done := make(chan outcome, 1)
	start := time.Now()
	go func() {
		result, err := m.crawler.Crawl(crawlCtx, targetURL)
		done <- outcome{result: result, err: err}
	}()

	select {
	case <-crawlCtx.Done():
		metrics.ObserveCrawlDuration("timeout", time.Since(start))
		return scrape.CrawlResult{}, fmt.Errorf("%w: %w", scrape.ErrCrawl, crawlCtx.Err())
	case out := <-done:
		if crawlCtx.Err() != nil {
			metrics.ObserveCrawlDuration("timeout", time.Since(start))
			return scrape.CrawlResult{}, fmt.Errorf("%w: %w", scrape.ErrCrawl, crawlCtx.Err())
		}
		if out.err != nil {
			metrics.ObserveCrawlDuration("error", time.Since(start))
			return scrape.CrawlResult{}, fmt.Errorf("%w: %w", scrape.ErrCrawl, out.err)
		}
		metrics.ObserveCrawlDuration("success", time.Since(start))
		return out.result, nil
	}
}

func (m *Manager) fail(ctx context.Context, hash scrape.JobHash, cause error, logger *zap.Logger) {
	class := scrape.FailureClass(cause)
	metrics.ObserveJobFailure(class)
	fields := []zap.Field{zap.String("class", class), zap.Error(cause)}
	switch class {
	case "crawl":
		logger.Warn("crawl failed", fields...)
	case "no_content":
		logger.Warn("crawl returned no usable content", fields...)
	case "storage":
		logger.Error("artifact upload failed", fields...)
	default:
		logger.Error("job pipeline failed", fields...)
	}

	// The job must leave processing even when the caller's context is done.
	if err := m.jobs.FailJob(context.WithoutCancel(ctx), hash); err != nil {
		if errors.Is(err, scrape.ErrInvalidTransition) {
			logger.Warn("job already terminal; not marking failed", zap.Error(err))
			return
		}
		logger.Error("mark job failed", zap.Error(err))
		return
	}
	metrics.ObserveJob(string(scrape.JobStatusFailed))
}

func (m *Manager) removeOrphan(ctx context.Context, key string, logger *zap.Logger) {
	if err := m.blobs.DeleteObject(context.WithoutCancel(ctx), key); err != nil {
		metrics.ObserveBlobRemoveFailure()
		logger.Warn("remove orphaned artifact blob", zap.String("storage_path", key), zap.Error(err))
	}
}

func (m *Manager) publishReady(ctx context.Context, item scrape.QueueItem, artifact scrape.Artifact, logger *zap.Logger) {
	if m.publisher == nil || m.cfg.Topic == "" {
		return
	}
	event := ReadyEvent{
		JobHash:     item.Hash.String(),
		UserID:      item.UserID,
		StoragePath: artifact.StoragePath,
		PageCount:   artifact.PageCount,
		Source:      artifact.Source,
		ScrapedAt:   artifact.ScrapedAt,
	}
	if m.ids != nil {
		id, err := m.ids.NewID()
		if err != nil {
			logger.Warn("generate event id", zap.Error(err))
		}
		event.EventID = id
	}
	msgID, err := m.publisher.Publish(ctx, m.cfg.Topic, event)
	if err != nil {
		logger.Warn("publish artifact.ready", zap.String("topic", m.cfg.Topic), zap.Error(err))
		return
	}
	logger.Debug("artifact.ready published", zap.String("topic", m.cfg.Topic), zap.String("message_id", msgID))
}
