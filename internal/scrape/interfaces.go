package scrape

import (
	"context"
	"time"
)

// JobStore persists jobs and their artifacts. Implementations must make
// CompleteJob atomic: the artifact row and the completed status become
// visible together or not at all.
type JobStore interface {
	CreateJob(ctx context.Context, job Job) error
	CompleteJob(ctx context.Context, artifact Artifact, rowCount int) error
	FailJob(ctx context.Context, hash JobHash) error
	GetJob(ctx context.Context, hash JobHash) (Job, error)
	ListJobs(ctx context.Context, userID string, limit int) ([]Job, error)
	CountJobsSince(ctx context.Context, userID string, since time.Time) (int, error)
	ListStaleJobs(ctx context.Context, createdBefore time.Time) ([]Job, error)
	GetArtifact(ctx context.Context, hash JobHash) (Artifact, error)
	DeleteJob(ctx context.Context, hash JobHash, userID string) error
}

// PlanLookup resolves a user's plan tier and a tier's daily limit.
// PlanLimit returns found=false when no plan record matches the tier.
type PlanLookup interface {
	UserPlan(ctx context.Context, userID string) (PlanTier, error)
	PlanLimit(ctx context.Context, tier PlanTier) (limit int, found bool, err error)
}

// BlobStore writes and removes raw artifacts.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
	DeleteObject(ctx context.Context, path string) error
}

// Crawler is the external crawl collaborator.
type Crawler interface {
	Crawl(ctx context.Context, targetURL string) (CrawlResult, error)
}

// Authenticator resolves a bearer token to a caller identity.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (Identity, error)
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Queue provides enqueue/dequeue semantics for admitted jobs.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// HashGenerator produces fresh job hashes.
type HashGenerator interface {
	NewHash() (JobHash, error)
}
