// Package apify runs the Apify website-content-crawler actor over its REST API
// and maps the resulting dataset into page records.
package apify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/sitecorpus/internal/scrape"
)

const (
	// DefaultBaseURL is the Apify API root.
	DefaultBaseURL = "https://api.apify.com/v2"
	// DefaultActorID is the website content crawler actor.
	DefaultActorID = "apify~website-content-crawler"
	// SourceLabel names this engine in artifact metadata.
	SourceLabel = "Apify Smart Crawler"
	// DefaultPollInterval spaces run status checks.
	DefaultPollInterval = 3 * time.Second

	abortTimeout = 10 * time.Second
	maxErrorBody = 512
)

// Run statuses reported by the Apify API.
const (
	statusSucceeded = "SUCCEEDED"
	statusFailed    = "FAILED"
	statusAborted   = "ABORTED"
	statusTimedOut  = "TIMED-OUT"
)

// Waiter throttles outbound requests.
type Waiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Config configures the Apify client.
type Config struct {
	BaseURL      string
	Token        string
	ActorID      string
	PollInterval time.Duration
	Profile      scrape.CrawlProfile
}

// Client implements scrape.Crawler against the Apify REST API.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter Waiter
	logger  *zap.Logger
}

// New constructs a Client. limiter may be nil.
func New(cfg Config, httpClient *http.Client, limiter Waiter, logger *zap.Logger) (*Client, error) {
	if cfg.Token == "" {
		return nil, errors.New("apify token is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.ActorID == "" {
		cfg.ActorID = DefaultActorID
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: time.Minute}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{cfg: cfg, http: httpClient, limiter: limiter, logger: logger}, nil
}

type startURL struct {
	URL string `json:"url"`
}

type proxyConfiguration struct {
	UseApifyProxy bool `json:"useApifyProxy"`
}

type runInput struct {
	StartURLs                 []startURL         `json:"startUrls"`
	CrawlerType               string             `json:"crawlerType,omitempty"`
	MaxCrawlDepth             int                `json:"maxCrawlDepth"`
	MaxCrawlPages             int                `json:"maxCrawlPages"`
	ExcludeURLGlobs           []string           `json:"excludeUrlGlobs,omitempty"`
	RemoveElementsCSSSelector string             `json:"removeElementsCssSelector,omitempty"`
	HTMLTransformer           string             `json:"htmlTransformer"`
	ReadableTextCharThreshold int                `json:"readableTextCharThreshold,omitempty"`
	SaveHTML                  bool               `json:"saveHtml"`
	SaveMarkdown              bool               `json:"saveMarkdown"`
	ProxyConfiguration        proxyConfiguration `json:"proxyConfiguration"`
}

type run struct {
	ID               string `json:"id"`
	Status           string `json:"status"`
	DefaultDatasetID string `json:"defaultDatasetId"`
}

type runEnvelope struct {
	Data run `json:"data"`
}

type datasetItem struct {
	URL         string `json:"url"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Text        string `json:"text"`
	Metadata    struct {
		Title       string `json:"title"`
		Description string `json:"description"`
	} `json:"metadata"`
}

// Crawl starts an actor run for targetURL, waits for it to finish and returns
// its dataset. A canceled ctx aborts the run.
func (c *Client) Crawl(ctx context.Context, targetURL string) (scrape.CrawlResult, error) {
	logger := c.logger.With(zap.String("target_url", targetURL))

	started, err := c.startRun(ctx, targetURL)
	if err != nil {
		return scrape.CrawlResult{}, err
	}
	logger = logger.With(zap.String("run_id", started.ID))
	logger.Info("apify run started")

	finished, err := c.waitForRun(ctx, started)
	if err != nil {
		if ctx.Err() != nil {
			c.abortRun(ctx, started.ID, logger)
		}
		return scrape.CrawlResult{}, err
	}

	items, err := c.datasetItems(ctx, finished.DefaultDatasetID)
	if err != nil {
		return scrape.CrawlResult{}, err
	}
	logger.Info("apify run finished", zap.Int("items", len(items)))

	pages := make([]scrape.PageRecord, 0, len(items))
	for _, item := range items {
		pages = append(pages, item.toPage())
	}
	return scrape.CrawlResult{Pages: pages, Source: SourceLabel}, nil
}

func (c *Client) startRun(ctx context.Context, targetURL string) (run, error) {
	body, err := json.Marshal(c.input(targetURL))
	if err != nil {
		return run{}, fmt.Errorf("marshal run input: %w", err)
	}
	endpoint := fmt.Sprintf("%s/acts/%s/runs", c.cfg.BaseURL, url.PathEscape(c.cfg.ActorID))

	var env runEnvelope
	if err := c.do(ctx, http.MethodPost, endpoint, body, &env); err != nil {
		return run{}, fmt.Errorf("start actor run: %w", err)
	}
	if env.Data.ID == "" {
		return run{}, errors.New("start actor run: response carried no run id")
	}
	return env.Data, nil
}

func (c *Client) waitForRun(ctx context.Context, r run) (run, error) {
	endpoint := fmt.Sprintf("%s/actor-runs/%s", c.cfg.BaseURL, url.PathEscape(r.ID))
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		switch r.Status {
		case statusSucceeded:
			return r, nil
		case statusFailed, statusAborted, statusTimedOut:
			return run{}, fmt.Errorf("actor run %s ended with status %s", r.ID, r.Status)
		}

		select {
		case <-ctx.Done():
			return run{}, fmt.Errorf("wait for actor run: %w", ctx.Err())
		case <-ticker.C:
		}

		var env runEnvelope
		if err := c.do(ctx, http.MethodGet, endpoint, nil, &env); err != nil {
			return run{}, fmt.Errorf("poll actor run: %w", err)
		}
		if env.Data.ID == "" {
			env.Data.ID = r.ID
		}
		r = env.Data
	}
}

func (c *Client) datasetItems(ctx context.Context, datasetID string) ([]datasetItem, error) {
	if datasetID == "" {
		return nil, errors.New("actor run has no default dataset")
	}
	endpoint := fmt.Sprintf("%s/datasets/%s/items?format=json&clean=true", c.cfg.BaseURL, url.PathEscape(datasetID))
	var items []datasetItem
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &items); err != nil {
		return nil, fmt.Errorf("list dataset items: %w", err)
	}
	return items, nil
}

func (c *Client) abortRun(ctx context.Context, runID string, logger *zap.Logger) {
	abortCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), abortTimeout)
	defer cancel()
	endpoint := fmt.Sprintf("%s/actor-runs/%s/abort", c.cfg.BaseURL, url.PathEscape(runID))
	if err := c.do(abortCtx, http.MethodPost, endpoint, nil, nil); err != nil {
		logger.Warn("abort apify run", zap.Error(err))
		return
	}
	logger.Info("apify run aborted")
}

func (c *Client) do(ctx context.Context, method, endpoint string, body []byte, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, endpoint); err != nil {
			return err
		}
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) input(targetURL string) runInput {
	p := c.cfg.Profile
	return runInput{
		StartURLs:                 []startURL{{URL: targetURL}},
		CrawlerType:               p.CrawlerType,
		MaxCrawlDepth:             p.MaxDepth,
		MaxCrawlPages:             p.MaxPages,
		ExcludeURLGlobs:           p.ExcludeGlobs,
		RemoveElementsCSSSelector: p.RemoveSelectors,
		HTMLTransformer:           "readableText",
		ReadableTextCharThreshold: p.ReadableTextCharThreshold,
		ProxyConfiguration:        proxyConfiguration{UseApifyProxy: p.UseProxy},
	}
}

func (i datasetItem) toPage() scrape.PageRecord {
	page := scrape.PageRecord{
		URL:         i.URL,
		Title:       i.Title,
		Description: i.Description,
		Text:        i.Text,
	}
	if page.Title == "" {
		page.Title = i.Metadata.Title
	}
	if page.Description == "" {
		page.Description = i.Metadata.Description
	}
	return page
}
