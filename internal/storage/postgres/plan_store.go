package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/sitecorpus/internal/scrape"
)

// PlanStore reads user tiers from users and limits from plans.
type PlanStore struct {
	pool Pool
}

// NewPlanStore constructs a PlanStore from an existing pool.
func NewPlanStore(pool Pool) (*PlanStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &PlanStore{pool: pool}, nil
}

// UserPlan returns users.user_type for the user. A missing user is an error.
func (s *PlanStore) UserPlan(ctx context.Context, userID string) (scrape.PlanTier, error) {
	var tier string
	err := s.pool.QueryRow(ctx, `SELECT user_type FROM users WHERE id = $1`, userID).Scan(&tier)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("user %s: %w", userID, scrape.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("select user plan: %w", err)
	}
	return scrape.PlanTier(tier), nil
}

// PlanLimit returns plans.daily_scrape_limit for the tier, matched case-insensitively.
func (s *PlanStore) PlanLimit(ctx context.Context, tier scrape.PlanTier) (int, bool, error) {
	var limit int32
	err := s.pool.QueryRow(ctx,
		`SELECT daily_scrape_limit FROM plans WHERE name ILIKE $1 LIMIT 1`, string(tier)).Scan(&limit)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("select plan limit: %w", err)
	}
	return int(limit), true, nil
}
