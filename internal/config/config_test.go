package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/sitecorpus/internal/scrape"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

const minimalYAML = `
auth:
  tokens:
    - token: dev-token
      user_id: user-1
`

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML))
	require.NoError(t, err)

	if os.Getenv("PORT") == "" {
		require.Equal(t, 8080, cfg.Server.Port)
	}
	require.Equal(t, 60*time.Second, cfg.Server.RequestTimeout)
	require.Equal(t, "static", cfg.Auth.Provider)
	require.Equal(t, map[string]string{"dev-token": "user-1"}, cfg.Auth.TokenMap())
	require.Equal(t, 10*time.Minute, cfg.Jobs.CrawlTimeout)
	require.Equal(t, 30*time.Minute, cfg.Jobs.StaleAfter)
	require.Equal(t, 5, cfg.Quota.FallbackLimit)
	require.Equal(t, "free", cfg.Plans.DefaultTier)
	require.Equal(t, scrape.Unlimited, cfg.Plans.Limits["enterprise"])
	require.Equal(t, 50, cfg.Plans.Limits["professional"])
	require.Equal(t, "local", cfg.Crawl.Engine)
	require.Equal(t, scrape.DefaultCrawlProfile(), cfg.Crawl.Profile)
	require.Equal(t, "memory", cfg.Storage.Backend)
	require.Equal(t, "memory", cfg.Database.Driver)
	require.Equal(t, 5*time.Minute, cfg.Cache.TTL)
	require.Contains(t, cfg.Jobs.BlockedHosts, "metadata.google.internal")
	require.True(t, cfg.Crawl.Local.RespectRobots)
}

func TestLoadWithFileOverrides(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
  request_timeout: 30s
auth:
  provider: supabase
  supabase_url: https://project.supabase.co
  supabase_key: anon-key
jobs:
  synchronous: true
  crawl_timeout: 5m
  stale_after: 20m
  history_limit: 10
quota:
  fallback_limit: 3
  timezone: America/New_York
plans:
  limits:
    free: 2
  users:
    user-9: professional
crawl:
  engine: apify
  apify:
    token: apify-token
    poll_interval: 1s
  profile:
    max_pages: 10
    exclude_globs: ["**/careers/**"]
storage:
  backend: gcs
  gcs_bucket: corpus-bucket
  prefix: artifacts
database:
  driver: postgres
  dsn: postgres://localhost/sitecorpus
pubsub:
  project_id: my-project
  topic: scrape-completed
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	if os.Getenv("PORT") == "" {
		require.Equal(t, 9090, cfg.Server.Port)
	}
	require.Equal(t, 30*time.Second, cfg.Server.RequestTimeout)
	require.Equal(t, "supabase", cfg.Auth.Provider)
	require.True(t, cfg.Jobs.Synchronous)
	require.Equal(t, 10, cfg.Jobs.HistoryLimit)
	require.Equal(t, 3, cfg.Quota.FallbackLimit)
	loc, err := cfg.Quota.Location()
	require.NoError(t, err)
	require.Equal(t, "America/New_York", loc.String())
	require.Equal(t, 2, cfg.Plans.Limits["free"])
	require.Equal(t, "professional", cfg.Plans.Users["user-9"])
	require.Equal(t, "apify", cfg.Crawl.Engine)
	require.Equal(t, time.Second, cfg.Crawl.Apify.PollInterval)
	require.Equal(t, 10, cfg.Crawl.Profile.MaxPages)
	require.Equal(t, 5, cfg.Crawl.Profile.MaxDepth)
	require.Equal(t, []string{"**/careers/**"}, cfg.Crawl.Profile.ExcludeGlobs)
	require.Equal(t, "corpus-bucket", cfg.Storage.GCSBucket)
	require.Equal(t, "postgres://localhost/sitecorpus", cfg.Database.DSN)
	require.Equal(t, "scrape-completed", cfg.PubSub.Topic)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("SITECORPUS_JOBS_WORKERS", "9")
	t.Setenv("SITECORPUS_STORAGE_BACKEND", "local")
	t.Setenv("SITECORPUS_STORAGE_LOCAL_DIR", "/tmp/artifacts")
	t.Setenv("PORT", "7070")

	cfg, err := Load(writeConfig(t, minimalYAML))
	require.NoError(t, err)
	require.Equal(t, 9, cfg.Jobs.Workers)
	require.Equal(t, "local", cfg.Storage.Backend)
	require.Equal(t, "/tmp/artifacts", cfg.Storage.LocalDir)
	require.Equal(t, 7070, cfg.Server.Port)
}

func TestLoadKeepsZeroFallbackLimit(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML+"quota:\n  fallback_limit: 0\n"))
	require.NoError(t, err)
	require.Zero(t, cfg.Quota.FallbackLimit)
}

func TestLoadRejectsBadPort(t *testing.T) {
	t.Setenv("PORT", "eighty")

	_, err := Load(writeConfig(t, minimalYAML))
	require.ErrorContains(t, err, "parse PORT")
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorContains(t, err, "read config")
}

func validConfig() Config {
	return Config{
		Server: ServerConfig{Port: 8080},
		Auth: AuthConfig{
			Provider: "static",
			Tokens:   []StaticToken{{Token: "t", UserID: "u"}},
		},
		Jobs: JobsConfig{
			Workers:      1,
			QueueDepth:   1,
			CrawlTimeout: time.Minute,
			StaleAfter:   time.Hour,
		},
		Plans:    PlansConfig{Store: "memory"},
		Crawl:    CrawlConfig{Engine: "local"},
		Storage:  StorageConfig{Backend: "memory"},
		Database: DatabaseConfig{Driver: "memory"},
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, validConfig().Validate())

	cases := map[string]func(*Config){
		"port":             func(c *Config) { c.Server.Port = 0 },
		"no tokens":        func(c *Config) { c.Auth.Tokens = nil },
		"blank token":      func(c *Config) { c.Auth.Tokens = []StaticToken{{Token: "t"}} },
		"supabase missing": func(c *Config) { c.Auth.Provider = "supabase" },
		"provider":         func(c *Config) { c.Auth.Provider = "ldap" },
		"workers":          func(c *Config) { c.Jobs.Workers = 0 },
		"crawl timeout":    func(c *Config) { c.Jobs.CrawlTimeout = 0 },
		"stale window":     func(c *Config) { c.Jobs.StaleAfter = c.Jobs.CrawlTimeout },
		"timezone":         func(c *Config) { c.Quota.Timezone = "Mars/Olympus" },
		"plan store":       func(c *Config) { c.Plans.Store = "postgres" },
		"engine":           func(c *Config) { c.Crawl.Engine = "wget" },
		"apify token":      func(c *Config) { c.Crawl.Engine = "apify" },
		"local dir":        func(c *Config) { c.Storage.Backend = "local" },
		"gcs bucket":       func(c *Config) { c.Storage.Backend = "gcs" },
		"backend":          func(c *Config) { c.Storage.Backend = "s3" },
		"dsn":              func(c *Config) { c.Database.Driver = "postgres" },
		"driver":           func(c *Config) { c.Database.Driver = "mysql" },
		"queue kind":       func(c *Config) { c.Jobs.Queue = "kafka" },
		"pubsub queue":     func(c *Config) { c.Jobs.Queue = "pubsub"; c.PubSub.ProjectID = "proj" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			cfg := validConfig()
			mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

func TestValidateSynchronousSkipsWorkerChecks(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.Jobs.Synchronous = true
	cfg.Jobs.Workers = 0
	cfg.Jobs.QueueDepth = 0
	require.NoError(t, cfg.Validate())
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("SITECORPUS_DOTENV_PROBE=loaded\n"), 0o600))
	t.Setenv("SITECORPUS_DOTENV_PROBE", "")
	require.NoError(t, os.Unsetenv("SITECORPUS_DOTENV_PROBE"))

	require.NoError(t, LoadDotEnv(filepath.Join(dir, "absent.env"), path))
	require.Equal(t, "loaded", os.Getenv("SITECORPUS_DOTENV_PROBE"))
}
