package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/sitecorpus/internal/scrape"
	"github.com/JakeFAU/sitecorpus/internal/storage/memory"
)

type fixedClock struct {
	now time.Time
}

func (c fixedClock) Now() time.Time { return c.now }

type racingStore struct {
	jobs    []scrape.Job
	failErr map[scrape.JobHash]error
	failed  []scrape.JobHash
	listErr error
}

func (s *racingStore) ListStaleJobs(context.Context, time.Time) ([]scrape.Job, error) {
	return s.jobs, s.listErr
}

func (s *racingStore) FailJob(_ context.Context, hash scrape.JobHash) error {
	if err := s.failErr[hash]; err != nil {
		return err
	}
	s.failed = append(s.failed, hash)
	return nil
}

func seed(t *testing.T, store *memory.JobStore, hash scrape.JobHash, createdAt time.Time) {
	t.Helper()
	require.NoError(t, store.CreateJob(context.Background(), scrape.Job{
		Hash:      hash,
		UserID:    "user-1",
		TargetURL: "https://example.com",
		Status:    scrape.JobStatusProcessing,
		CreatedAt: createdAt,
	}))
}

func TestNewValidatesSchedule(t *testing.T) {
	t.Parallel()

	_, err := New(memory.NewJobStore(), fixedClock{}, Config{Schedule: "every now and then"}, nil)
	require.Error(t, err)

	s, err := New(memory.NewJobStore(), fixedClock{}, Config{}, nil)
	require.NoError(t, err)
	require.Equal(t, DefaultSchedule, s.cfg.Schedule)
	require.Equal(t, DefaultStaleAfter, s.cfg.StaleAfter)
}

func TestSweepFailsOnlyStaleProcessingJobs(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	store := memory.NewJobStore()
	seed(t, store, "stale", now.Add(-2*time.Hour))
	seed(t, store, "fresh", now.Add(-time.Minute))
	seed(t, store, "done", now.Add(-3*time.Hour))
	require.NoError(t, store.CompleteJob(context.Background(), scrape.Artifact{JobHash: "done", StoragePath: "done.txt"}, 1))

	s, err := New(store, fixedClock{now: now}, Config{StaleAfter: 30 * time.Minute}, nil)
	require.NoError(t, err)

	n, err := s.Sweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	job, err := store.GetJob(context.Background(), "stale")
	require.NoError(t, err)
	require.Equal(t, scrape.JobStatusFailed, job.Status)

	job, err = store.GetJob(context.Background(), "fresh")
	require.NoError(t, err)
	require.Equal(t, scrape.JobStatusProcessing, job.Status)

	job, err = store.GetJob(context.Background(), "done")
	require.NoError(t, err)
	require.Equal(t, scrape.JobStatusCompleted, job.Status)

	n, err = s.Sweep(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestSweepToleratesJobsThatFinishedMeanwhile(t *testing.T) {
	t.Parallel()

	store := &racingStore{
		jobs: []scrape.Job{{Hash: "a"}, {Hash: "b"}, {Hash: "c"}},
		failErr: map[scrape.JobHash]error{
			"a": scrape.ErrInvalidTransition,
			"b": scrape.ErrNotFound,
		},
	}
	s, err := New(store, fixedClock{}, Config{}, nil)
	require.NoError(t, err)

	n, err := s.Sweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, []scrape.JobHash{"c"}, store.failed)
}

func TestSweepReportsStoreErrors(t *testing.T) {
	t.Parallel()

	s, err := New(&racingStore{listErr: errors.New("db down")}, fixedClock{}, Config{}, nil)
	require.NoError(t, err)
	_, err = s.Sweep(context.Background())
	require.ErrorContains(t, err, "list stale jobs")

	s, err = New(&racingStore{
		jobs:    []scrape.Job{{Hash: "a"}},
		failErr: map[scrape.JobHash]error{"a": errors.New("db down")},
	}, fixedClock{}, Config{}, nil)
	require.NoError(t, err)
	_, err = s.Sweep(context.Background())
	require.ErrorContains(t, err, "fail stale job a")
}

func TestStartRunsScheduledSweep(t *testing.T) {
	t.Parallel()

	now := time.Now()
	store := memory.NewJobStore()
	seed(t, store, "stale", now.Add(-time.Hour))

	s, err := New(store, fixedClock{now: now}, Config{Schedule: "@every 1s", StaleAfter: time.Minute}, nil)
	require.NoError(t, err)
	require.NoError(t, s.Start())
	t.Cleanup(func() { s.Stop(context.Background()) })

	require.Eventually(t, func() bool {
		job, err := store.GetJob(context.Background(), "stale")
		return err == nil && job.Status == scrape.JobStatusFailed
	}, 5*time.Second, 50*time.Millisecond)
}
