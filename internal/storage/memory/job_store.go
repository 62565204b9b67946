package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/sitecorpus/internal/scrape"
)

// JobStore provides an in-memory implementation for development/testing.
type JobStore struct {
	mu        sync.RWMutex
	jobs      map[scrape.JobHash]scrape.Job
	artifacts map[scrape.JobHash]scrape.Artifact
	// issued remembers every hash ever created so deleted hashes are never reused.
	issued map[scrape.JobHash]struct{}
}

// NewJobStore constructs a JobStore.
func NewJobStore() *JobStore {
	return &JobStore{
		jobs:      make(map[scrape.JobHash]scrape.Job),
		artifacts: make(map[scrape.JobHash]scrape.Artifact),
		issued:    make(map[scrape.JobHash]struct{}),
	}
}

// CreateJob stores a new job in processing status.
func (s *JobStore) CreateJob(_ context.Context, job scrape.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.issued[job.Hash]; exists {
		return fmt.Errorf("job %s already exists", job.Hash)
	}
	if job.Status != scrape.JobStatusProcessing {
		return fmt.Errorf("%w: new jobs start in %s", scrape.ErrInvalidTransition, scrape.JobStatusProcessing)
	}
	s.issued[job.Hash] = struct{}{}
	s.jobs[job.Hash] = job
	return nil
}

// CompleteJob records the artifact and marks the job completed under one lock.
func (s *JobStore) CompleteJob(_ context.Context, artifact scrape.Artifact, rowCount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[artifact.JobHash]
	if !ok {
		return fmt.Errorf("job %s: %w", artifact.JobHash, scrape.ErrNotFound)
	}
	if err := job.Status.Transition(scrape.JobStatusCompleted); err != nil {
		return err
	}
	if _, exists := s.artifacts[artifact.JobHash]; exists {
		return fmt.Errorf("artifact for job %s already exists", artifact.JobHash)
	}
	s.artifacts[artifact.JobHash] = artifact
	job.Status = scrape.JobStatusCompleted
	job.RowCount = &rowCount
	s.jobs[artifact.JobHash] = job
	return nil
}

// FailJob marks a processing job failed.
func (s *JobStore) FailJob(_ context.Context, hash scrape.JobHash) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[hash]
	if !ok {
		return fmt.Errorf("job %s: %w", hash, scrape.ErrNotFound)
	}
	if err := job.Status.Transition(scrape.JobStatusFailed); err != nil {
		return err
	}
	job.Status = scrape.JobStatusFailed
	s.jobs[hash] = job
	return nil
}

// GetJob fetches a job by hash.
func (s *JobStore) GetJob(_ context.Context, hash scrape.JobHash) (scrape.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[hash]
	if !ok {
		return scrape.Job{}, fmt.Errorf("job %s: %w", hash, scrape.ErrNotFound)
	}
	return copyJob(job), nil
}

// ListJobs returns a user's jobs newest first, bounded by limit.
func (s *JobStore) ListJobs(_ context.Context, userID string, limit int) ([]scrape.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]scrape.Job, 0)
	for _, job := range s.jobs {
		if job.UserID == userID {
			out = append(out, copyJob(job))
		}
	}
	sortNewestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CountJobsSince counts a user's jobs created at or after since.
func (s *JobStore) CountJobsSince(_ context.Context, userID string, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, job := range s.jobs {
		if job.UserID == userID && !job.CreatedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

// ListStaleJobs returns processing jobs created before the cutoff.
func (s *JobStore) ListStaleJobs(_ context.Context, createdBefore time.Time) ([]scrape.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []scrape.Job
	for _, job := range s.jobs {
		if job.Status == scrape.JobStatusProcessing && job.CreatedAt.Before(createdBefore) {
			out = append(out, copyJob(job))
		}
	}
	sortNewestFirst(out)
	return out, nil
}

// GetArtifact fetches the artifact metadata for a job.
func (s *JobStore) GetArtifact(_ context.Context, hash scrape.JobHash) (scrape.Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	artifact, ok := s.artifacts[hash]
	if !ok {
		return scrape.Artifact{}, fmt.Errorf("artifact %s: %w", hash, scrape.ErrNotFound)
	}
	return artifact, nil
}

// DeleteJob removes a job owned by userID together with its artifact.
func (s *JobStore) DeleteJob(_ context.Context, hash scrape.JobHash, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[hash]
	if !ok || job.UserID != userID {
		return fmt.Errorf("job %s: %w", hash, scrape.ErrNotFound)
	}
	delete(s.artifacts, hash)
	delete(s.jobs, hash)
	return nil
}

func copyJob(job scrape.Job) scrape.Job {
	if job.RowCount != nil {
		rc := *job.RowCount
		job.RowCount = &rc
	}
	return job
}

func sortNewestFirst(jobs []scrape.Job) {
	sort.SliceStable(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].Hash > jobs[j].Hash
		}
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
}
