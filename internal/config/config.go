// Package config loads and validates service configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata" // quota.timezone must resolve in minimal images

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/JakeFAU/sitecorpus/internal/quota"
	"github.com/JakeFAU/sitecorpus/internal/scrape"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Jobs     JobsConfig     `mapstructure:"jobs"`
	Quota    QuotaConfig    `mapstructure:"quota"`
	Plans    PlansConfig    `mapstructure:"plans"`
	Crawl    CrawlConfig    `mapstructure:"crawl"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Database DatabaseConfig `mapstructure:"database"`
	Cache    CacheConfig    `mapstructure:"cache"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// TracingConfig controls the OpenTelemetry tracer provider.
type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
}

// StaticToken binds a bearer token to a user id for the static provider.
type StaticToken struct {
	Token  string `mapstructure:"token"`
	UserID string `mapstructure:"user_id"`
}

// AuthConfig selects and configures the bearer token collaborator.
type AuthConfig struct {
	Provider    string        `mapstructure:"provider"`
	Tokens      []StaticToken `mapstructure:"tokens"`
	SupabaseURL string        `mapstructure:"supabase_url"`
	SupabaseKey string        `mapstructure:"supabase_key"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// TokenMap returns the static tokens as token -> user id.
func (a AuthConfig) TokenMap() map[string]string {
	out := make(map[string]string, len(a.Tokens))
	for _, t := range a.Tokens {
		out[t.Token] = t.UserID
	}
	return out
}

// JobsConfig governs job execution and reconciliation.
type JobsConfig struct {
	Synchronous       bool          `mapstructure:"synchronous"`
	Queue             string        `mapstructure:"queue"`
	Workers           int           `mapstructure:"workers"`
	QueueDepth        int           `mapstructure:"queue_depth"`
	CrawlTimeout      time.Duration `mapstructure:"crawl_timeout"`
	HistoryLimit      int           `mapstructure:"history_limit"`
	ReconcileSchedule string        `mapstructure:"reconcile_schedule"`
	StaleAfter        time.Duration `mapstructure:"stale_after"`
	// BlockedHosts lists target hosts jobs may not crawl ("host", "*.suffix").
	BlockedHosts []string `mapstructure:"blocked_hosts"`
}

// QuotaConfig controls the daily quota gate.
type QuotaConfig struct {
	FallbackLimit int    `mapstructure:"fallback_limit"`
	Timezone      string `mapstructure:"timezone"`
}

// Location resolves Timezone; empty means the server's local zone.
func (q QuotaConfig) Location() (*time.Location, error) {
	if q.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(q.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", q.Timezone, err)
	}
	return loc, nil
}

// PlansConfig selects the plan lookup backend. Limits and Users feed the
// memory backend; a negative limit means unlimited.
type PlansConfig struct {
	Store       string            `mapstructure:"store"`
	DefaultTier string            `mapstructure:"default_tier"`
	Limits      map[string]int    `mapstructure:"limits"`
	Users       map[string]string `mapstructure:"users"`
}

// CrawlConfig selects and configures the crawl engine.
type CrawlConfig struct {
	Engine      string              `mapstructure:"engine"`
	SourceLabel string              `mapstructure:"source_label"`
	Profile     scrape.CrawlProfile `mapstructure:"profile"`
	RateLimit   RateLimitConfig     `mapstructure:"rate_limit"`
	Apify       ApifyConfig         `mapstructure:"apify"`
	Local       LocalCrawlConfig    `mapstructure:"local"`
}

// RateLimitConfig throttles outbound requests per host.
type RateLimitConfig struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

// ApifyConfig configures the Apify engine.
type ApifyConfig struct {
	Token        string        `mapstructure:"token"`
	BaseURL      string        `mapstructure:"base_url"`
	ActorID      string        `mapstructure:"actor_id"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// LocalCrawlConfig configures the in-process colly engine.
type LocalCrawlConfig struct {
	UserAgent      string        `mapstructure:"user_agent"`
	Parallelism    int           `mapstructure:"parallelism"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	RespectRobots  bool          `mapstructure:"respect_robots"`
}

// StorageConfig selects the artifact blob backend.
type StorageConfig struct {
	Backend   string `mapstructure:"backend"`
	Prefix    string `mapstructure:"prefix"`
	LocalDir  string `mapstructure:"local_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
}

// DatabaseConfig selects the job metadata store.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// CacheConfig configures the Redis plan cache. Empty RedisAddr disables it.
type CacheConfig struct {
	RedisAddr     string        `mapstructure:"redis_addr"`
	RedisPassword string        `mapstructure:"redis_password"`
	RedisDB       int           `mapstructure:"redis_db"`
	TTL           time.Duration `mapstructure:"ttl"`
}

// PubSubConfig holds Pub/Sub settings. Topic receives completion events;
// without a project the in-memory publisher is used. JobTopic and
// JobSubscription back the pubsub job queue.
type PubSubConfig struct {
	ProjectID       string `mapstructure:"project_id"`
	Topic           string `mapstructure:"topic"`
	JobTopic        string `mapstructure:"job_topic"`
	JobSubscription string `mapstructure:"job_subscription"`
}

// LoadDotEnv loads KEY=VALUE pairs from the given files (default ".env")
// without overriding variables already set. Missing files are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SITECORPUS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return Config{}, fmt.Errorf("parse PORT: %w", err)
		}
		cfg.Server.Port = p
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	profile := scrape.DefaultCrawlProfile()

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("logging.development", true)
	v.SetDefault("tracing.enabled", true)
	v.SetDefault("tracing.service_name", "sitecorpus")
	v.SetDefault("auth.provider", "static")
	v.SetDefault("auth.timeout", "10s")
	v.SetDefault("jobs.synchronous", false)
	v.SetDefault("jobs.queue", "memory")
	v.SetDefault("jobs.workers", 4)
	v.SetDefault("jobs.queue_depth", 64)
	v.SetDefault("jobs.crawl_timeout", "10m")
	v.SetDefault("jobs.history_limit", 20)
	v.SetDefault("jobs.reconcile_schedule", "@every 5m")
	v.SetDefault("jobs.stale_after", "30m")
	v.SetDefault("jobs.blocked_hosts", []string{"localhost", "metadata.google.internal", "*.internal"})
	v.SetDefault("quota.fallback_limit", quota.DefaultFallbackLimit)
	v.SetDefault("plans.store", "memory")
	v.SetDefault("plans.default_tier", string(scrape.PlanFree))
	v.SetDefault("plans.limits", map[string]int{
		string(scrape.PlanFree):           5,
		string(scrape.PlanProfessional):   50,
		string(scrape.PlanOrganizational): 200,
		string(scrape.PlanEnterprise):     scrape.Unlimited,
	})
	v.SetDefault("crawl.engine", "local")
	v.SetDefault("crawl.profile.crawler_type", profile.CrawlerType)
	v.SetDefault("crawl.profile.max_depth", profile.MaxDepth)
	v.SetDefault("crawl.profile.max_pages", profile.MaxPages)
	v.SetDefault("crawl.profile.exclude_globs", profile.ExcludeGlobs)
	v.SetDefault("crawl.profile.remove_selectors", profile.RemoveSelectors)
	v.SetDefault("crawl.profile.readable_text_char_threshold", profile.ReadableTextCharThreshold)
	v.SetDefault("crawl.profile.use_proxy", profile.UseProxy)
	v.SetDefault("crawl.rate_limit.rps", 2.0)
	v.SetDefault("crawl.rate_limit.burst", 2)
	v.SetDefault("crawl.apify.poll_interval", "3s")
	v.SetDefault("crawl.local.parallelism", 2)
	v.SetDefault("crawl.local.request_timeout", "15s")
	v.SetDefault("crawl.local.respect_robots", true)
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.local_dir", "./data/artifacts")
	v.SetDefault("database.driver", "memory")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 1)
	v.SetDefault("database.max_conn_lifetime", "30m")
	v.SetDefault("cache.ttl", "5m")
	v.SetDefault("pubsub.topic", "artifact.ready")
}

// Validate enforces required values and reasonable limits.
//
//nolint:gocyclo // Flat list of independent checks.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	switch c.Auth.Provider {
	case "static":
		if len(c.Auth.Tokens) == 0 {
			return fmt.Errorf("auth.tokens must list at least one token for the static provider")
		}
		for i, t := range c.Auth.Tokens {
			if t.Token == "" || t.UserID == "" {
				return fmt.Errorf("auth.tokens[%d] needs token and user_id", i)
			}
		}
	case "supabase":
		if c.Auth.SupabaseURL == "" || c.Auth.SupabaseKey == "" {
			return fmt.Errorf("auth.supabase_url and auth.supabase_key are required for the supabase provider")
		}
	default:
		return fmt.Errorf("auth.provider must be static or supabase, got %q", c.Auth.Provider)
	}
	if !c.Jobs.Synchronous && (c.Jobs.Workers <= 0 || c.Jobs.QueueDepth <= 0) {
		return fmt.Errorf("jobs.workers and jobs.queue_depth must be > 0 unless jobs.synchronous is set")
	}
	switch c.Jobs.Queue {
	case "memory", "":
	case "pubsub":
		if c.PubSub.ProjectID == "" || c.PubSub.JobTopic == "" || c.PubSub.JobSubscription == "" {
			return fmt.Errorf("jobs.queue pubsub requires pubsub.project_id, pubsub.job_topic and pubsub.job_subscription")
		}
	default:
		return fmt.Errorf("jobs.queue must be memory or pubsub, got %q", c.Jobs.Queue)
	}
	if c.Jobs.CrawlTimeout <= 0 {
		return fmt.Errorf("jobs.crawl_timeout must be > 0")
	}
	if c.Jobs.StaleAfter <= c.Jobs.CrawlTimeout {
		return fmt.Errorf("jobs.stale_after must exceed jobs.crawl_timeout")
	}
	if _, err := c.Quota.Location(); err != nil {
		return fmt.Errorf("quota.timezone: %w", err)
	}
	switch c.Plans.Store {
	case "memory":
	case "postgres":
		if c.Database.Driver != "postgres" {
			return fmt.Errorf("plans.store postgres requires database.driver postgres")
		}
	default:
		return fmt.Errorf("plans.store must be memory or postgres, got %q", c.Plans.Store)
	}
	switch c.Crawl.Engine {
	case "local":
	case "apify":
		if c.Crawl.Apify.Token == "" {
			return fmt.Errorf("crawl.apify.token is required for the apify engine")
		}
	default:
		return fmt.Errorf("crawl.engine must be apify or local, got %q", c.Crawl.Engine)
	}
	switch c.Storage.Backend {
	case "memory":
	case "local":
		if c.Storage.LocalDir == "" {
			return fmt.Errorf("storage.local_dir is required for the local backend")
		}
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket is required for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend must be memory, local or gcs, got %q", c.Storage.Backend)
	}
	switch c.Database.Driver {
	case "memory":
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("database.driver must be memory or postgres, got %q", c.Database.Driver)
	}
	return nil
}
