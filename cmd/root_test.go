package cmd

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/sitecorpus/internal/config"
	"github.com/JakeFAU/sitecorpus/internal/scrape"
)

func testConfig() config.Config {
	profile := scrape.DefaultCrawlProfile()
	profile.MaxDepth = 1
	return config.Config{
		Server:  config.ServerConfig{Port: 8080, RequestTimeout: time.Second, ShutdownTimeout: time.Second},
		Logging: config.LoggingConfig{Development: true},
		Auth:    config.AuthConfig{Provider: "static", Tokens: []config.StaticToken{{Token: "t", UserID: "u"}}},
		Jobs: config.JobsConfig{
			Queue:             "memory",
			Workers:           1,
			QueueDepth:        1,
			CrawlTimeout:      5 * time.Second,
			ReconcileSchedule: "@every 5m",
			StaleAfter:        time.Minute,
		},
		Plans:    config.PlansConfig{Store: "memory", DefaultTier: "free"},
		Crawl:    config.CrawlConfig{Engine: "local", Profile: profile},
		Storage:  config.StorageConfig{Backend: "memory"},
		Database: config.DatabaseConfig{Driver: "memory"},
	}
}

// withConfig swaps the config loader for the duration of the test.
func withConfig(t *testing.T, cfg config.Config, err error) {
	t.Helper()
	prev := loadConfig
	loadConfig = func(string, []string) (config.Config, error) { return cfg, err }
	t.Cleanup(func() { loadConfig = prev })
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCrawlPrintsDocument(t *testing.T) {
	site := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><head><title>Docs</title></head><body><p>Plenty of words on this page so that the normalizer keeps it around.</p></body></html>`))
	}))
	t.Cleanup(site.Close)
	withConfig(t, testConfig(), nil)

	out, err := run(t, "crawl", site.URL+"/")
	require.NoError(t, err)
	require.Contains(t, out, "SOURCE_URL: "+site.URL+"/")
	require.Contains(t, out, "TITLE: Docs")
}

func TestCrawlRejectsInvalidURL(t *testing.T) {
	withConfig(t, testConfig(), nil)

	_, err := run(t, "crawl", "ftp://example.com")
	require.ErrorIs(t, err, scrape.ErrInvalidURL)
}

func TestSweepReportsCount(t *testing.T) {
	withConfig(t, testConfig(), nil)

	out, err := run(t, "sweep")
	require.NoError(t, err)
	require.Contains(t, out, "failed 0 stale job(s)")
}

func TestConfigErrorStopsCommand(t *testing.T) {
	withConfig(t, config.Config{}, errors.New("boom"))

	_, err := run(t, "sweep")
	require.ErrorContains(t, err, "load config: boom")
}
