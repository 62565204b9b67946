// Package local implements an in-process crawl engine on top of colly. It is
// meant for development and for deployments without an Apify account.
package local

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gobwas/glob"
	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitecorpus/internal/metrics"
	"github.com/JakeFAU/sitecorpus/internal/scrape"
)

// SourceLabel names this engine in artifact metadata.
const SourceLabel = "Local Colly Crawler"

const defaultUserAgent = "sitecorpus/1.0 (+https://github.com/JakeFAU/sitecorpus)"

// Waiter throttles outbound requests.
type Waiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Config controls the collector.
type Config struct {
	Profile        scrape.CrawlProfile
	UserAgent      string
	RequestTimeout time.Duration
	Parallelism    int
	RespectRobots  bool
}

// Crawler walks a single site breadth-first and extracts readable text.
type Crawler struct {
	cfg      Config
	excludes []glob.Glob
	limiter  Waiter
	logger   *zap.Logger
}

// New compiles the exclusion globs and returns a Crawler. limiter may be nil.
func New(cfg Config, limiter Waiter, logger *zap.Logger) (*Crawler, error) {
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 15 * time.Second
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 2
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	excludes := make([]glob.Glob, 0, len(cfg.Profile.ExcludeGlobs))
	for _, pattern := range cfg.Profile.ExcludeGlobs {
		g, err := glob.Compile(pattern, '/')
		if err != nil {
			return nil, fmt.Errorf("compile exclude glob %q: %w", pattern, err)
		}
		excludes = append(excludes, g)
	}
	return &Crawler{cfg: cfg, excludes: excludes, limiter: limiter, logger: logger}, nil
}

// crawlState collects pages across colly callbacks.
type crawlState struct {
	mu       sync.Mutex
	pages    []scrape.PageRecord
	rootErr  error
	maxPages int
}

func (s *crawlState) add(page scrape.PageRecord) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.maxPages > 0 && len(s.pages) >= s.maxPages {
		return false
	}
	s.pages = append(s.pages, page)
	return true
}

func (s *crawlState) full() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxPages > 0 && len(s.pages) >= s.maxPages
}

// Crawl visits targetURL and same-host links up to the profile's depth and
// page caps.
func (c *Crawler) Crawl(ctx context.Context, targetURL string) (scrape.CrawlResult, error) {
	root, err := url.Parse(targetURL)
	if err != nil || root.Hostname() == "" {
		return scrape.CrawlResult{}, fmt.Errorf("parse target url: %q", targetURL)
	}

	if err := ctx.Err(); err != nil {
		return scrape.CrawlResult{}, fmt.Errorf("local crawl canceled: %w", err)
	}

	state := &crawlState{maxPages: c.cfg.Profile.MaxPages}
	collector, err := c.collector(ctx, root.Hostname(), state)
	if err != nil {
		return scrape.CrawlResult{}, err
	}

	done := make(chan error, 1)
	go func() {
		err := collector.Visit(root.String())
		collector.Wait()
		done <- err
	}()

	select {
	case <-ctx.Done():
		return scrape.CrawlResult{}, fmt.Errorf("local crawl canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return scrape.CrawlResult{}, fmt.Errorf("visit %s: %w", root.String(), err)
		}
		if err := ctx.Err(); err != nil {
			return scrape.CrawlResult{}, fmt.Errorf("local crawl canceled: %w", err)
		}
	}

	state.mu.Lock()
	defer state.mu.Unlock()
	if len(state.pages) == 0 && state.rootErr != nil {
		return scrape.CrawlResult{}, fmt.Errorf("fetch %s: %w", root.String(), state.rootErr)
	}
	c.logger.Info("local crawl finished",
		zap.String("target_url", targetURL),
		zap.Int("pages", len(state.pages)),
	)
	return scrape.CrawlResult{Pages: state.pages, Source: SourceLabel}, nil
}

func (c *Crawler) collector(ctx context.Context, host string, state *crawlState) (*colly.Collector, error) {
	opts := []colly.CollectorOption{
		colly.AllowedDomains(host),
		colly.UserAgent(c.cfg.UserAgent),
		colly.Async(true),
		colly.StdlibContext(ctx),
	}
	if depth := c.cfg.Profile.MaxDepth; depth > 0 {
		// colly counts the start page as depth 1.
		opts = append(opts, colly.MaxDepth(depth+1))
	}
	if pages := c.cfg.Profile.MaxPages; pages > 0 {
		opts = append(opts, colly.MaxRequests(uint32(pages)))
	}
	collector := colly.NewCollector(opts...)
	collector.SetRequestTimeout(c.cfg.RequestTimeout)
	collector.IgnoreRobotsTxt = !c.cfg.RespectRobots
	if err := collector.Limit(&colly.LimitRule{DomainGlob: "*", Parallelism: c.cfg.Parallelism}); err != nil {
		return nil, fmt.Errorf("set collector limits: %w", err)
	}

	collector.OnRequest(func(r *colly.Request) {
		if ctx.Err() != nil || state.full() {
			r.Abort()
			return
		}
		if r.Depth > 1 && c.excluded(r.URL) {
			r.Abort()
			return
		}
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx, r.URL.String()); err != nil {
				r.Abort()
			}
		}
	})

	collector.OnResponse(func(r *colly.Response) {
		site := metrics.SanitizeSite(r.Request.URL.String())
		if !strings.Contains(strings.ToLower(r.Headers.Get("Content-Type")), "html") {
			metrics.ObservePage(site, "skipped", len(r.Body))
			return
		}
		page, err := c.extract(r.Request.URL.String(), r.Body)
		if err != nil {
			metrics.ObservePage(site, "error", len(r.Body))
			c.logger.Warn("extract page", zap.String("url", r.Request.URL.String()), zap.Error(err))
			return
		}
		if state.add(page) {
			metrics.ObservePage(site, "ok", len(r.Body))
		}
	})

	collector.OnHTML("a[href]", func(e *colly.HTMLElement) {
		link := e.Request.AbsoluteURL(e.Attr("href"))
		if link == "" {
			return
		}
		// Visit reports visited, off-host and too-deep links as errors; all are expected.
		_ = e.Request.Visit(link)
	})

	collector.OnError(func(r *colly.Response, err error) {
		metrics.ObservePage(metrics.SanitizeSite(r.Request.URL.String()), "error", 0)
		if r.Request.Depth <= 1 {
			state.mu.Lock()
			state.rootErr = err
			state.mu.Unlock()
		}
		c.logger.Debug("page fetch failed",
			zap.String("url", r.Request.URL.String()),
			zap.Int("status_code", r.StatusCode),
			zap.Error(err),
		)
	})

	return collector, nil
}

func (c *Crawler) excluded(u *url.URL) bool {
	candidate := u.Scheme + "://" + u.Host + u.Path
	for _, g := range c.excludes {
		if g.Match(candidate) {
			return true
		}
	}
	return false
}

func (c *Crawler) extract(pageURL string, body []byte) (scrape.PageRecord, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return scrape.PageRecord{}, fmt.Errorf("parse html: %w", err)
	}
	if c.cfg.Profile.RemoveSelectors != "" {
		doc.Find(c.cfg.Profile.RemoveSelectors).Remove()
	}
	doc.Find("noscript, iframe, svg").Remove()

	title := strings.TrimSpace(doc.Find("title").First().Text())
	description, _ := doc.Find(`meta[name="description"]`).First().Attr("content")

	return scrape.PageRecord{
		URL:         pageURL,
		Title:       title,
		Description: strings.TrimSpace(description),
		Text:        readableText(doc.Find("body")),
	}, nil
}

// readableText flattens a selection into trimmed, non-empty lines.
func readableText(sel *goquery.Selection) string {
	lines := strings.Split(sel.Text(), "\n")
	kept := lines[:0]
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line != "" {
			kept = append(kept, line)
		}
	}
	return strings.Join(kept, "\n")
}
