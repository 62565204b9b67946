// Package registry implements the caller-facing job operations: create,
// list, get and delete, each scoped to the authenticated owner.
package registry

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/sitecorpus/internal/metrics"
	"github.com/JakeFAU/sitecorpus/internal/quota"
	"github.com/JakeFAU/sitecorpus/internal/scrape"
)

// DefaultHistoryLimit bounds List results.
const DefaultHistoryLimit = 20

// Gate decides whether a user may start a job today.
type Gate interface {
	Check(ctx context.Context, userID string) (quota.Decision, error)
}

// Lifecycle admits jobs and drives them to a terminal status.
type Lifecycle interface {
	Admit(ctx context.Context, userID, targetURL string) (scrape.Job, error)
	Process(ctx context.Context, item scrape.QueueItem) error
	Fail(ctx context.Context, hash scrape.JobHash, cause error)
}

// Submitter hands admitted jobs to background workers.
type Submitter interface {
	Enqueue(ctx context.Context, item scrape.QueueItem) error
}

// HostBlocklist rejects target hosts the service must never crawl.
type HostBlocklist interface {
	Blocked(host string) bool
}

// Config controls Service behavior.
type Config struct {
	// Synchronous runs the pipeline inside Create instead of queueing it.
	Synchronous    bool
	HistoryLimit   int
	ArtifactPrefix string
	// Blocklist may be nil.
	Blocklist HostBlocklist
}

// Details is what Get returns for an owned job. Artifact is nil until the
// job has completed.
type Details struct {
	Job      scrape.Job
	Artifact *scrape.Artifact
}

// Service implements the job registry operations.
type Service struct {
	gate      Gate
	lifecycle Lifecycle
	submitter Submitter
	jobs      scrape.JobStore
	blobs     scrape.BlobStore
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Service. submitter may be nil when cfg.Synchronous is set.
func New(
	gate Gate,
	lifecycle Lifecycle,
	submitter Submitter,
	jobs scrape.JobStore,
	blobs scrape.BlobStore,
	cfg Config,
	logger *zap.Logger,
) (*Service, error) {
	if gate == nil || lifecycle == nil || jobs == nil || blobs == nil {
		return nil, errors.New("gate, lifecycle, job store and blob store are required")
	}
	if !cfg.Synchronous && submitter == nil {
		return nil, errors.New("submitter is required unless running synchronously")
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		gate:      gate,
		lifecycle: lifecycle,
		submitter: submitter,
		jobs:      jobs,
		blobs:     blobs,
		cfg:       cfg,
		logger:    logger,
	}, nil
}

// Synchronous reports whether Create awaits the pipeline.
func (s *Service) Synchronous() bool {
	return s.cfg.Synchronous
}

// Create checks the quota, admits the job and either runs or queues it.
// In synchronous mode the returned job carries its terminal status and a
// pipeline failure is returned alongside it.
func (s *Service) Create(ctx context.Context, userID, targetURL string) (scrape.Job, error) {
	target, err := ValidateTargetURL(targetURL)
	if err != nil {
		return scrape.Job{}, err
	}
	if err := s.checkHost(target); err != nil {
		return scrape.Job{}, err
	}

	decision, err := s.gate.Check(ctx, userID)
	if err != nil {
		return scrape.Job{}, err
	}
	if !decision.Allowed {
		metrics.ObserveQuotaDenial(string(decision.Tier))
		s.logger.Info("quota denied",
			zap.String("user_id", userID),
			zap.String("tier", string(decision.Tier)),
			zap.Int("count", decision.Count),
			zap.Int("limit", decision.Limit),
		)
		return scrape.Job{}, decision.Err()
	}

	job, err := s.lifecycle.Admit(ctx, userID, target)
	if err != nil {
		return scrape.Job{}, fmt.Errorf("admit job: %w", err)
	}
	item := scrape.QueueItem{Hash: job.Hash, UserID: job.UserID, TargetURL: job.TargetURL, Submitted: job.CreatedAt}

	if s.cfg.Synchronous {
		if err := s.lifecycle.Process(ctx, item); err != nil {
			job.Status = scrape.JobStatusFailed
			return job, err
		}
		return s.reload(ctx, job), nil
	}

	if err := s.submitter.Enqueue(ctx, item); err != nil {
		s.lifecycle.Fail(ctx, job.Hash, err)
		return scrape.Job{}, fmt.Errorf("enqueue job: %w", err)
	}
	return job, nil
}

// List returns the caller's most recent jobs, newest first.
func (s *Service) List(ctx context.Context, userID string) ([]scrape.Job, error) {
	jobs, err := s.jobs.ListJobs(ctx, userID, s.cfg.HistoryLimit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

// Get returns an owned job and its artifact metadata. Missing and foreign
// jobs both yield scrape.ErrNotFound.
func (s *Service) Get(ctx context.Context, userID string, hash scrape.JobHash) (Details, error) {
	job, err := s.owned(ctx, userID, hash)
	if err != nil {
		return Details{}, err
	}
	artifact, err := s.jobs.GetArtifact(ctx, hash)
	if errors.Is(err, scrape.ErrNotFound) {
		return Details{Job: job}, nil
	}
	if err != nil {
		return Details{}, fmt.Errorf("get artifact: %w", err)
	}
	return Details{Job: job, Artifact: &artifact}, nil
}

// Delete removes an owned job. Blob removal is best-effort; the job row
// delete is authoritative and takes the artifact row with it.
func (s *Service) Delete(ctx context.Context, userID string, hash scrape.JobHash) error {
	job, err := s.owned(ctx, userID, hash)
	if err != nil {
		return err
	}

	key := scrape.ArtifactKey(s.cfg.ArtifactPrefix, hash)
	if err := s.blobs.DeleteObject(ctx, key); err != nil {
		if !errors.Is(err, scrape.ErrNotFound) {
			metrics.ObserveBlobRemoveFailure()
		}
		s.logger.Warn("artifact blob removal failed; deleting job anyway",
			zap.String("job_hash", hash.String()),
			zap.String("storage_path", key),
			zap.Error(err),
		)
	}

	if err := s.jobs.DeleteJob(ctx, hash, userID); err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if job.Status == scrape.JobStatusProcessing {
		// A worker may have uploaded between the first removal and the row
		// delete. Later uploads fail to complete and are removed by the worker.
		if err := s.blobs.DeleteObject(ctx, key); err != nil && !errors.Is(err, scrape.ErrNotFound) {
			metrics.ObserveBlobRemoveFailure()
			s.logger.Warn("late artifact blob removal failed",
				zap.String("job_hash", hash.String()),
				zap.String("storage_path", key),
				zap.Error(err),
			)
		}
	}
	s.logger.Info("job deleted", zap.String("job_hash", hash.String()), zap.String("user_id", userID))
	return nil
}

func (s *Service) owned(ctx context.Context, userID string, hash scrape.JobHash) (scrape.Job, error) {
	job, err := s.jobs.GetJob(ctx, hash)
	if err != nil {
		if errors.Is(err, scrape.ErrNotFound) {
			return scrape.Job{}, scrape.ErrNotFound
		}
		return scrape.Job{}, fmt.Errorf("get job: %w", err)
	}
	if job.UserID != userID {
		return scrape.Job{}, scrape.ErrNotFound
	}
	return job, nil
}

func (s *Service) reload(ctx context.Context, job scrape.Job) scrape.Job {
	fresh, err := s.jobs.GetJob(ctx, job.Hash)
	if err != nil {
		s.logger.Warn("reload job after processing", zap.String("job_hash", job.Hash.String()), zap.Error(err))
		job.Status = scrape.JobStatusCompleted
		return job
	}
	return fresh
}

func (s *Service) checkHost(target string) error {
	if s.cfg.Blocklist == nil {
		return nil
	}
	u, err := url.Parse(target)
	if err != nil {
		return fmt.Errorf("%w: %w", scrape.ErrInvalidURL, err)
	}
	if s.cfg.Blocklist.Blocked(u.Hostname()) {
		s.logger.Info("target host blocked", zap.String("host", u.Hostname()))
		return fmt.Errorf("%w: host %s is not allowed", scrape.ErrInvalidURL, u.Hostname())
	}
	return nil
}

// ValidateTargetURL accepts absolute http(s) URLs with a host.
func ValidateTargetURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("%w: url is required", scrape.ErrInvalidURL)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %w", scrape.ErrInvalidURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("%w: scheme must be http or https", scrape.ErrInvalidURL)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: host is required", scrape.ErrInvalidURL)
	}
	return u.String(), nil
}
