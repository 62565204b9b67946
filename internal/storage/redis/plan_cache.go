// Package redis caches plan lookups in Redis.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitecorpus/internal/scrape"
)

// DefaultTTL bounds how stale a cached tier or limit may be.
const DefaultTTL = 5 * time.Minute

const keyPrefix = "sitecorpus:plan:"

// Client is the subset of the go-redis client the cache uses.
type Client interface {
	Get(ctx context.Context, key string) *goredis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *goredis.StatusCmd
	Del(ctx context.Context, keys ...string) *goredis.IntCmd
	Ping(ctx context.Context) *goredis.StatusCmd
}

// Config controls the Redis connection and cache TTL.
type Config struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// NewClient opens a go-redis client.
func NewClient(cfg Config) (*goredis.Client, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("cache.addr is required")
	}
	return goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}), nil
}

// PlanCache is a read-through cache in front of a PlanLookup. Cache
// failures are logged and the lookup falls through to the backing store.
type PlanCache struct {
	next   scrape.PlanLookup
	client Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewPlanCache wraps next with a Redis cache.
func NewPlanCache(next scrape.PlanLookup, client Client, ttl time.Duration, logger *zap.Logger) (*PlanCache, error) {
	if next == nil {
		return nil, fmt.Errorf("plan lookup is required")
	}
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PlanCache{next: next, client: client, ttl: ttl, logger: logger}, nil
}

// UserPlan returns the user's tier, consulting Redis first.
func (c *PlanCache) UserPlan(ctx context.Context, userID string) (scrape.PlanTier, error) {
	key := userKey(userID)
	if cached, ok := c.get(ctx, key); ok {
		return scrape.PlanTier(cached), nil
	}
	tier, err := c.next.UserPlan(ctx, userID)
	if err != nil {
		return "", err
	}
	c.set(ctx, key, string(tier))
	return tier, nil
}

// PlanLimit returns the tier's limit, consulting Redis first. Missing plans
// are not cached so a newly added plan takes effect immediately.
func (c *PlanCache) PlanLimit(ctx context.Context, tier scrape.PlanTier) (int, bool, error) {
	key := tierKey(tier)
	if cached, ok := c.get(ctx, key); ok {
		limit, err := strconv.Atoi(cached)
		if err == nil {
			return limit, true, nil
		}
		c.logger.Warn("discarding malformed cached plan limit", zap.String("key", key), zap.String("value", cached))
	}
	limit, found, err := c.next.PlanLimit(ctx, tier)
	if err != nil || !found {
		return limit, found, err
	}
	c.set(ctx, key, strconv.Itoa(limit))
	return limit, true, nil
}

// InvalidateUser drops the cached tier for a user, e.g. after an upgrade.
func (c *PlanCache) InvalidateUser(ctx context.Context, userID string) error {
	if err := c.client.Del(ctx, userKey(userID)).Err(); err != nil {
		return fmt.Errorf("delete cached plan: %w", err)
	}
	return nil
}

// Ping checks Redis connectivity.
func (c *PlanCache) Ping(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

func (c *PlanCache) get(ctx context.Context, key string) (string, bool) {
	val, err := c.client.Get(ctx, key).Result()
	switch {
	case err == nil:
		return val, true
	case errors.Is(err, goredis.Nil):
		return "", false
	default:
		c.logger.Warn("plan cache read failed", zap.String("key", key), zap.Error(err))
		return "", false
	}
}

func (c *PlanCache) set(ctx context.Context, key, value string) {
	if err := c.client.Set(ctx, key, value, c.ttl).Err(); err != nil {
		c.logger.Warn("plan cache write failed", zap.String("key", key), zap.Error(err))
	}
}

func userKey(userID string) string {
	return keyPrefix + "user:" + userID
}

func tierKey(tier scrape.PlanTier) string {
	return keyPrefix + "tier:" + string(tier)
}
