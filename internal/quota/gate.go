// Package quota implements the per-user daily job quota gate.
//
// The gate is a read-then-decide check: it counts today's jobs and compares
// against the plan limit without reserving a slot, so two concurrent requests
// at the boundary may both pass. The overrun is bounded by request
// concurrency per user and is accepted for a soft limit.
package quota

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/sitecorpus/internal/scrape"
)

// DefaultFallbackLimit is the configured default for tiers without a plan
// record.
const DefaultFallbackLimit = 5

// Counter counts a user's jobs created at or after since.
type Counter interface {
	CountJobsSince(ctx context.Context, userID string, since time.Time) (int, error)
}

// Config controls Gate behavior.
type Config struct {
	// FallbackLimit applies to tiers without a plan record. Zero denies
	// them and scrape.Unlimited admits them.
	FallbackLimit int
	// Location defines the calendar day boundary. Nil uses the clock's location.
	Location *time.Location
}

// Decision is the outcome of a quota check.
type Decision struct {
	Allowed bool
	Tier    scrape.PlanTier
	Count   int
	Limit   int
}

// Err returns the denial as a QuotaExceededError, or nil when allowed.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return &scrape.QuotaExceededError{Tier: d.Tier, Count: d.Count, Limit: d.Limit}
}

// Gate decides whether a user may start a new job today.
type Gate struct {
	plans   scrape.PlanLookup
	counter Counter
	clock   scrape.Clock
	cfg     Config
	logger  *zap.Logger
}

// New constructs a Gate.
func New(plans scrape.PlanLookup, counter Counter, clock scrape.Clock, cfg Config, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{
		plans:   plans,
		counter: counter,
		clock:   clock,
		cfg:     cfg,
		logger:  logger,
	}
}

// Check resolves the user's plan, counts today's jobs and decides. Any
// data-layer failure is returned wrapped in scrape.ErrQuotaUnverified and
// never converted into an allow or a deny.
func (g *Gate) Check(ctx context.Context, userID string) (Decision, error) {
	tier, err := g.plans.UserPlan(ctx, userID)
	if err != nil {
		return Decision{}, fmt.Errorf("%w: resolve plan: %w", scrape.ErrQuotaUnverified, err)
	}
	limit, found, err := g.plans.PlanLimit(ctx, tier)
	if err != nil {
		return Decision{}, fmt.Errorf("%w: resolve limit: %w", scrape.ErrQuotaUnverified, err)
	}
	if !found {
		g.logger.Warn("no plan record for tier; using fallback limit",
			zap.String("tier", string(tier)),
			zap.Int("fallback_limit", g.cfg.FallbackLimit),
		)
		limit = g.cfg.FallbackLimit
	}

	decision := Decision{Allowed: true, Tier: tier, Limit: limit}
	if limit < 0 {
		return decision, nil
	}

	count, err := g.counter.CountJobsSince(ctx, userID, g.StartOfDay())
	if err != nil {
		return Decision{}, fmt.Errorf("%w: count jobs: %w", scrape.ErrQuotaUnverified, err)
	}
	decision.Count = count
	decision.Allowed = count < limit
	return decision, nil
}

// StartOfDay returns local midnight for the current day.
func (g *Gate) StartOfDay() time.Time {
	now := g.clock.Now()
	if g.cfg.Location != nil {
		now = now.In(g.cfg.Location)
	}
	y, m, d := now.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, now.Location())
}
