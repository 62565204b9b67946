package local

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/sitecorpus/internal/scrape"
)

const homePage = `<!doctype html>
<html>
<head>
  <title> Acme Widgets </title>
  <meta name="description" content="Widgets for every occasion">
</head>
<body>
  <header>Site Header</header>
  <nav><a href="/about">About</a> <a href="/blog/launch">Blog</a></nav>
  <main>
    <h1>Acme</h1>
    <p>We build   widgets.</p>
    <a href="http://other.invalid/elsewhere">Partner</a>
  </main>
  <script>var tracking = true;</script>
  <footer>Copyright</footer>
</body>
</html>`

const aboutPage = `<html><head><title>About</title></head>
<body><p>About Acme.</p><a href="/deep">Deeper</a></body></html>`

type hitLog struct {
	mu    sync.Mutex
	paths []string
}

func (h *hitLog) add(path string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.paths = append(h.paths, path)
}

func (h *hitLog) snapshot() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.paths...)
}

func newSite(t *testing.T) (*httptest.Server, *hitLog) {
	t.Helper()
	hits := &hitLog{}
	mux := http.NewServeMux()
	serve := func(body string) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			hits.add(r.URL.Path)
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			_, _ = w.Write([]byte(body))
		}
	}
	mux.HandleFunc("/{$}", serve(homePage))
	mux.HandleFunc("/about", serve(aboutPage))
	mux.HandleFunc("/blog/launch", serve(`<html><body>blog</body></html>`))
	mux.HandleFunc("/deep", serve(`<html><body>deep</body></html>`))
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, hits
}

func newCrawler(t *testing.T, profile scrape.CrawlProfile) *Crawler {
	t.Helper()
	c, err := New(Config{Profile: profile, Parallelism: 1}, nil, nil)
	require.NoError(t, err)
	return c
}

func TestCrawlExtractsSameHostPages(t *testing.T) {
	t.Parallel()

	srv, hits := newSite(t)
	profile := scrape.DefaultCrawlProfile()
	profile.MaxDepth = 1
	c := newCrawler(t, profile)

	res, err := c.Crawl(context.Background(), srv.URL+"/")
	require.NoError(t, err)
	require.Equal(t, SourceLabel, res.Source)

	byURL := make(map[string]scrape.PageRecord)
	for _, p := range res.Pages {
		byURL[p.URL] = p
	}
	require.Len(t, byURL, 2)

	home := byURL[srv.URL+"/"]
	require.Equal(t, "Acme Widgets", home.Title)
	require.Equal(t, "Widgets for every occasion", home.Description)
	require.Equal(t, "Acme\nWe build widgets.\nPartner", home.Text)

	about := byURL[srv.URL+"/about"]
	require.Equal(t, "About", about.Title)
	require.Contains(t, about.Text, "About Acme.")

	require.NotContains(t, hits.snapshot(), "/blog/launch")
	require.NotContains(t, hits.snapshot(), "/deep")
}

func TestCrawlHonorsRobotsTxt(t *testing.T) {
	t.Parallel()

	hits := &hitLog{}
	mux := http.NewServeMux()
	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("User-agent: *\nDisallow: /about\n"))
	})
	mux.HandleFunc("/{$}", func(w http.ResponseWriter, r *http.Request) {
		hits.add(r.URL.Path)
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(homePage))
	})
	mux.HandleFunc("/about", func(w http.ResponseWriter, r *http.Request) {
		hits.add(r.URL.Path)
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(aboutPage))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	profile := scrape.DefaultCrawlProfile()
	profile.MaxDepth = 1
	c, err := New(Config{Profile: profile, Parallelism: 1, RespectRobots: true}, nil, nil)
	require.NoError(t, err)

	res, err := c.Crawl(context.Background(), srv.URL+"/")
	require.NoError(t, err)
	require.Len(t, res.Pages, 1)
	require.Equal(t, []string{"/"}, hits.snapshot())
}

func TestCrawlRespectsPageCap(t *testing.T) {
	t.Parallel()

	srv, _ := newSite(t)
	profile := scrape.DefaultCrawlProfile()
	profile.MaxPages = 1
	c := newCrawler(t, profile)

	res, err := c.Crawl(context.Background(), srv.URL+"/")
	require.NoError(t, err)
	require.Len(t, res.Pages, 1)
}

func TestCrawlRootFailure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)
	c := newCrawler(t, scrape.DefaultCrawlProfile())

	_, err := c.Crawl(context.Background(), srv.URL+"/")
	require.Error(t, err)
}

func TestCrawlCanceledContext(t *testing.T) {
	t.Parallel()

	srv, _ := newSite(t)
	c := newCrawler(t, scrape.DefaultCrawlProfile())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Crawl(ctx, srv.URL+"/")
	require.Error(t, err)
}

func TestCrawlRejectsBadTarget(t *testing.T) {
	t.Parallel()

	c := newCrawler(t, scrape.DefaultCrawlProfile())
	_, err := c.Crawl(context.Background(), "::not-a-url")
	require.Error(t, err)
}

func TestExcluded(t *testing.T) {
	t.Parallel()

	c := newCrawler(t, scrape.DefaultCrawlProfile())
	for raw, want := range map[string]bool{
		"https://example.com/blog/post":         true,
		"https://example.com/news/2024/03/item": true,
		"https://example.com/press/release":     true,
		"https://example.com/about":             false,
		"https://example.com/products/blogger":  false,
	} {
		u, err := url.Parse(raw)
		require.NoError(t, err)
		require.Equal(t, want, c.excluded(u), raw)
	}
}
