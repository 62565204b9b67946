package scrape

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by every layer.
var (
	ErrNotFound          = errors.New("not found")
	ErrQuotaUnverified   = errors.New("could not verify quota")
	ErrCrawl             = errors.New("crawl failed")
	ErrNoContent         = errors.New("crawl returned no usable content")
	ErrStorage           = errors.New("artifact storage failed")
	ErrInvalidTransition = errors.New("invalid job status transition")
	ErrInvalidURL        = errors.New("invalid target url")
	ErrUnauthenticated   = errors.New("invalid or expired token")
	ErrQueueClosed       = errors.New("queue closed")
)

// QuotaExceededError is returned when a user has used today's allowance.
type QuotaExceededError struct {
	Tier  PlanTier
	Count int
	Limit int
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("You have used %d/%d scrapes today. Upgrade for more.", e.Count, e.Limit)
}

// FailureClass labels why a job ended in failed, for logs and metrics.
func FailureClass(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNoContent):
		return "no_content"
	case errors.Is(err, ErrStorage):
		return "storage"
	case errors.Is(err, ErrCrawl):
		return "crawl"
	default:
		return "data"
	}
}
