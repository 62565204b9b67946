package scrape

import (
	"fmt"
	"path"
	"strings"
	"time"
)

// JobHash is the opaque identifier of a job. It doubles as the bearer key for
// the job's artifact, so it must never be derived from predictable inputs.
type JobHash string

// String returns the raw hash value.
func (h JobHash) String() string { return string(h) }

// JobStatus represents the lifecycle state of a scrape job.
type JobStatus string

// Job status values persisted in the job store.
const (
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Valid reports whether s is a known status.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusProcessing, JobStatusCompleted, JobStatusFailed:
		return true
	default:
		return false
	}
}

// Terminal reports whether no transition may leave s.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed:
		return true
	case JobStatusProcessing:
		return false
	default:
		return false
	}
}

// CanTransitionTo reports whether the state machine permits s -> next.
// Only processing -> completed and processing -> failed are legal.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	switch s {
	case JobStatusProcessing:
		return next == JobStatusCompleted || next == JobStatusFailed
	case JobStatusCompleted, JobStatusFailed:
		return false
	default:
		return false
	}
}

// Transition validates s -> next and returns ErrInvalidTransition otherwise.
func (s JobStatus) Transition(next JobStatus) error {
	if !s.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s, next)
	}
	return nil
}

// Job is the persisted unit of work.
type Job struct {
	Hash      JobHash   `json:"job_hash"`
	UserID    string    `json:"user_id"`
	TargetURL string    `json:"target_url"`
	Status    JobStatus `json:"status"`
	RowCount  *int      `json:"row_count"`
	CreatedAt time.Time `json:"created_at"`
}

// Artifact is the metadata record for a normalized text document.
type Artifact struct {
	JobHash     JobHash   `json:"-"`
	StoragePath string    `json:"storage_path"`
	Source      string    `json:"source"`
	PageCount   int       `json:"page_count"`
	FileType    string    `json:"file_type"`
	ScrapedAt   time.Time `json:"scraped_at"`
}

// ArtifactContentType is the content type of every stored artifact.
const ArtifactContentType = "text/plain"

// ArtifactKey derives the blob key for a job. Creation and deletion both call
// it, so the key never has to be read back from metadata.
func ArtifactKey(prefix string, hash JobHash) string {
	name := string(hash) + ".txt"
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return name
	}
	return path.Join(prefix, name)
}

// PageRecord is one page returned by a crawl engine.
type PageRecord struct {
	URL         string `json:"url"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Text        string `json:"text"`
}

// CrawlResult is what a crawl engine returns for one target.
type CrawlResult struct {
	Pages  []PageRecord
	Source string
}

// CrawlProfile is the fixed, per-deployment crawl configuration.
type CrawlProfile struct {
	CrawlerType               string   `mapstructure:"crawler_type"`
	MaxDepth                  int      `mapstructure:"max_depth"`
	MaxPages                  int      `mapstructure:"max_pages"`
	ExcludeGlobs              []string `mapstructure:"exclude_globs"`
	RemoveSelectors           string   `mapstructure:"remove_selectors"`
	ReadableTextCharThreshold int      `mapstructure:"readable_text_char_threshold"`
	UseProxy                  bool     `mapstructure:"use_proxy"`
}

// DefaultCrawlProfile returns the profile used when configuration is silent.
func DefaultCrawlProfile() CrawlProfile {
	return CrawlProfile{
		CrawlerType: "playwright:adaptive",
		MaxDepth:    5,
		MaxPages:    50,
		ExcludeGlobs: []string{
			"**/blog/**",
			"**/news/**",
			"**/article/**",
			"**/posts/**",
			"**/press/**",
		},
		RemoveSelectors:           "nav, footer, script, style, .ad, .advertisement, .cookie-consent, .sidebar, header",
		ReadableTextCharThreshold: 100,
		UseProxy:                  true,
	}
}

// PlanTier names a subscription plan.
type PlanTier string

// Known plan tiers.
const (
	PlanFree           PlanTier = "free"
	PlanProfessional   PlanTier = "professional"
	PlanOrganizational PlanTier = "organizational"
	PlanEnterprise     PlanTier = "enterprise"
)

// Unlimited is the daily limit sentinel for tiers without a cap.
const Unlimited = -1

// Plan is static reference data describing a tier's allowance.
type Plan struct {
	Tier             PlanTier `json:"name"`
	DailyScrapeLimit int      `json:"daily_scrape_limit"`
}

// IsUnlimited reports whether the plan has no daily cap.
func (p Plan) IsUnlimited() bool { return p.DailyScrapeLimit < 0 }

// Identity is the caller resolved by the auth collaborator.
type Identity struct {
	UserID string
	Email  string
}

// QueueItem wraps an admitted job waiting for the pipeline.
type QueueItem struct {
	Hash      JobHash
	UserID    string
	TargetURL string
	Submitted time.Time
}
