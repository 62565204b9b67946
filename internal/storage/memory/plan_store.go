package memory

import (
	"context"
	"strings"
	"sync"

	"github.com/JakeFAU/sitecorpus/internal/scrape"
)

// PlanStore serves plan limits and user tiers from static configuration.
type PlanStore struct {
	mu          sync.RWMutex
	limits      map[scrape.PlanTier]int
	users       map[string]scrape.PlanTier
	defaultTier scrape.PlanTier
}

// NewPlanStore builds a PlanStore. Tier names are matched case-insensitively.
// Users without an explicit tier get defaultTier.
func NewPlanStore(limits map[string]int, users map[string]string, defaultTier scrape.PlanTier) *PlanStore {
	s := &PlanStore{
		limits:      make(map[scrape.PlanTier]int, len(limits)),
		users:       make(map[string]scrape.PlanTier, len(users)),
		defaultTier: defaultTier,
	}
	for name, limit := range limits {
		s.limits[normalizeTier(name)] = limit
	}
	for user, tier := range users {
		s.users[user] = normalizeTier(tier)
	}
	return s
}

// SetUserPlan assigns a tier to a user.
func (s *PlanStore) SetUserPlan(userID string, tier scrape.PlanTier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[userID] = normalizeTier(string(tier))
}

// UserPlan returns the user's tier.
func (s *PlanStore) UserPlan(_ context.Context, userID string) (scrape.PlanTier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if tier, ok := s.users[userID]; ok {
		return tier, nil
	}
	return s.defaultTier, nil
}

// PlanLimit returns the tier's daily scrape limit.
func (s *PlanStore) PlanLimit(_ context.Context, tier scrape.PlanTier) (int, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	limit, ok := s.limits[normalizeTier(string(tier))]
	return limit, ok, nil
}

func normalizeTier(name string) scrape.PlanTier {
	return scrape.PlanTier(strings.ToLower(strings.TrimSpace(name)))
}
