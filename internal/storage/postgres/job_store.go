package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/sitecorpus/internal/scrape"
)

const jobColumns = `job_hash, user_id, target_url, status, row_count, created_at`

// artifactData is the JSONB document stored in scraped_data.data.
type artifactData struct {
	StoragePath string    `json:"storage_path"`
	Source      string    `json:"source"`
	PageCount   int       `json:"page_count"`
	FileType    string    `json:"file_type"`
	ScrapedAt   time.Time `json:"scraped_at"`
}

// JobStore persists scraping_jobs and scraped_data rows. It assumes:
//
//	CREATE TABLE scraping_jobs (
//		job_hash   TEXT PRIMARY KEY,
//		user_id    TEXT NOT NULL,
//		target_url TEXT NOT NULL,
//		status     TEXT NOT NULL,
//		row_count  INTEGER,
//		created_at TIMESTAMPTZ NOT NULL
//	);
//	CREATE TABLE scraped_data (
//		job_hash   TEXT PRIMARY KEY REFERENCES scraping_jobs (job_hash) ON DELETE CASCADE,
//		data       JSONB NOT NULL,
//		created_at TIMESTAMPTZ NOT NULL
//	);
type JobStore struct {
	pool Pool
}

// NewJobStore constructs a JobStore from an existing pool.
func NewJobStore(pool Pool) (*JobStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &JobStore{pool: pool}, nil
}

// Ping checks database connectivity.
func (s *JobStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *JobStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// CreateJob inserts a processing job row.
func (s *JobStore) CreateJob(ctx context.Context, job scrape.Job) error {
	if job.Status != scrape.JobStatusProcessing {
		return fmt.Errorf("%w: new jobs start in %s", scrape.ErrInvalidTransition, scrape.JobStatusProcessing)
	}
	query := `INSERT INTO scraping_jobs (job_hash, user_id, target_url, status, created_at) VALUES ($1, $2, $3, $4, $5)`
	if _, err := s.pool.Exec(ctx, query,
		string(job.Hash), job.UserID, job.TargetURL, string(job.Status), job.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// CompleteJob inserts the artifact row and marks the job completed in one transaction.
func (s *JobStore) CompleteJob(ctx context.Context, artifact scrape.Artifact, rowCount int) (err error) {
	data, err := json.Marshal(artifactData{
		StoragePath: artifact.StoragePath,
		Source:      artifact.Source,
		PageCount:   artifact.PageCount,
		FileType:    artifact.FileType,
		ScrapedAt:   artifact.ScrapedAt,
	})
	if err != nil {
		return fmt.Errorf("marshal artifact: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx) //nolint:errcheck // the original error is more useful
		}
	}()

	if _, err = tx.Exec(ctx,
		`INSERT INTO scraped_data (job_hash, data, created_at) VALUES ($1, $2, $3)`,
		string(artifact.JobHash), data, artifact.ScrapedAt,
	); err != nil {
		return fmt.Errorf("insert artifact: %w", err)
	}

	tag, err := tx.Exec(ctx,
		`UPDATE scraping_jobs SET status = $2, row_count = $3 WHERE job_hash = $1 AND status = $4`,
		string(artifact.JobHash), string(scrape.JobStatusCompleted), rowCount, string(scrape.JobStatusProcessing),
	)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		err = fmt.Errorf("complete job %s: %w", artifact.JobHash, scrape.ErrInvalidTransition)
		return err
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// FailJob marks a processing job failed. Jobs already terminal are left untouched.
func (s *JobStore) FailJob(ctx context.Context, hash scrape.JobHash) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE scraping_jobs SET status = $2 WHERE job_hash = $1 AND status = $3`,
		string(hash), string(scrape.JobStatusFailed), string(scrape.JobStatusProcessing),
	)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("fail job %s: %w", hash, scrape.ErrInvalidTransition)
	}
	return nil
}

// GetJob fetches a job by hash.
func (s *JobStore) GetJob(ctx context.Context, hash scrape.JobHash) (scrape.Job, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM scraping_jobs WHERE job_hash = $1`, string(hash))
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return scrape.Job{}, fmt.Errorf("job %s: %w", hash, scrape.ErrNotFound)
	}
	if err != nil {
		return scrape.Job{}, fmt.Errorf("select job: %w", err)
	}
	return job, nil
}

// ListJobs returns a user's jobs newest first, bounded by limit.
func (s *JobStore) ListJobs(ctx context.Context, userID string, limit int) ([]scrape.Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM scraping_jobs WHERE user_id = $1 ORDER BY created_at DESC, job_hash DESC LIMIT $2`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return collectJobs(rows)
}

// CountJobsSince counts a user's jobs created at or after since.
func (s *JobStore) CountJobsSince(ctx context.Context, userID string, since time.Time) (int, error) {
	var count int64
	if err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM scraping_jobs WHERE user_id = $1 AND created_at >= $2`,
		userID, since,
	).Scan(&count); err != nil {
		return 0, fmt.Errorf("count jobs: %w", err)
	}
	return int(count), nil
}

// ListStaleJobs returns processing jobs created before the cutoff.
func (s *JobStore) ListStaleJobs(ctx context.Context, createdBefore time.Time) ([]scrape.Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM scraping_jobs WHERE status = $1 AND created_at < $2 ORDER BY created_at DESC`,
		string(scrape.JobStatusProcessing), createdBefore)
	if err != nil {
		return nil, fmt.Errorf("list stale jobs: %w", err)
	}
	return collectJobs(rows)
}

// GetArtifact fetches the artifact metadata for a job.
func (s *JobStore) GetArtifact(ctx context.Context, hash scrape.JobHash) (scrape.Artifact, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT data FROM scraped_data WHERE job_hash = $1`, string(hash)).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return scrape.Artifact{}, fmt.Errorf("artifact %s: %w", hash, scrape.ErrNotFound)
	}
	if err != nil {
		return scrape.Artifact{}, fmt.Errorf("select artifact: %w", err)
	}
	var data artifactData
	if err := json.Unmarshal(raw, &data); err != nil {
		return scrape.Artifact{}, fmt.Errorf("decode artifact: %w", err)
	}
	return scrape.Artifact{
		JobHash:     hash,
		StoragePath: data.StoragePath,
		Source:      data.Source,
		PageCount:   data.PageCount,
		FileType:    data.FileType,
		ScrapedAt:   data.ScrapedAt,
	}, nil
}

// DeleteJob removes a job owned by userID. scraped_data rows cascade.
func (s *JobStore) DeleteJob(ctx context.Context, hash scrape.JobHash, userID string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM scraping_jobs WHERE job_hash = $1 AND user_id = $2`, string(hash), userID)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s: %w", hash, scrape.ErrNotFound)
	}
	return nil
}

func scanJob(row pgx.Row) (scrape.Job, error) {
	var (
		job      scrape.Job
		hash     string
		status   string
		rowCount *int32
	)
	if err := row.Scan(&hash, &job.UserID, &job.TargetURL, &status, &rowCount, &job.CreatedAt); err != nil {
		return scrape.Job{}, err
	}
	job.Hash = scrape.JobHash(hash)
	job.Status = scrape.JobStatus(status)
	if rowCount != nil {
		rc := int(*rowCount)
		job.RowCount = &rc
	}
	return job, nil
}

func collectJobs(rows pgx.Rows) ([]scrape.Job, error) {
	defer rows.Close()
	out := make([]scrape.Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return out, nil
}
