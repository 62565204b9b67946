package apify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/sitecorpus/internal/scrape"
)

type fakeActor struct {
	t *testing.T

	mu       sync.Mutex
	input    runInput
	statuses []string
	polls    int
	items    string
	aborted  atomic.Bool
}

func (f *fakeActor) server() *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /acts/apify~website-content-crawler/runs", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(f.t, "Bearer secret", r.Header.Get("Authorization"))
		f.mu.Lock()
		require.NoError(f.t, json.NewDecoder(r.Body).Decode(&f.input))
		f.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"data":{"id":"run-1","status":"READY","defaultDatasetId":"ds-1"}}`))
	})
	mux.HandleFunc("GET /actor-runs/run-1", func(w http.ResponseWriter, _ *http.Request) {
		f.mu.Lock()
		status := f.statuses[min(f.polls, len(f.statuses)-1)]
		f.polls++
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(runEnvelope{Data: run{ID: "run-1", Status: status, DefaultDatasetID: "ds-1"}})
	})
	mux.HandleFunc("GET /datasets/ds-1/items", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(f.t, "json", r.URL.Query().Get("format"))
		_, _ = w.Write([]byte(f.items))
	})
	mux.HandleFunc("POST /actor-runs/run-1/abort", func(w http.ResponseWriter, _ *http.Request) {
		f.aborted.Store(true)
		_, _ = w.Write([]byte(`{"data":{"id":"run-1","status":"ABORTING"}}`))
	})
	srv := httptest.NewServer(mux)
	f.t.Cleanup(srv.Close)
	return srv
}

func newClient(t *testing.T, srv *httptest.Server, limiter Waiter) *Client {
	t.Helper()
	c, err := New(Config{
		BaseURL:      srv.URL + "/",
		Token:        "secret",
		PollInterval: 5 * time.Millisecond,
		Profile:      scrape.DefaultCrawlProfile(),
	}, srv.Client(), limiter, nil)
	require.NoError(t, err)
	return c
}

type countingWaiter struct {
	calls atomic.Int32
}

func (w *countingWaiter) Wait(context.Context, string) error {
	w.calls.Add(1)
	return nil
}

func TestNewRequiresToken(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, nil, nil, nil)
	require.Error(t, err)
}

func TestCrawlSucceeds(t *testing.T) {
	t.Parallel()

	actor := &fakeActor{
		t:        t,
		statuses: []string{"RUNNING", "RUNNING", "SUCCEEDED"},
		items: `[
			{"url":"https://example.com/","text":"home page text","metadata":{"title":"Home","description":"Welcome"}},
			{"url":"https://example.com/about","title":"About","description":"Who we are","text":"about text"}
		]`,
	}
	srv := actor.server()
	waiter := &countingWaiter{}
	c := newClient(t, srv, waiter)

	res, err := c.Crawl(context.Background(), "https://example.com/")
	require.NoError(t, err)

	require.Equal(t, SourceLabel, res.Source)
	require.Equal(t, []scrape.PageRecord{
		{URL: "https://example.com/", Title: "Home", Description: "Welcome", Text: "home page text"},
		{URL: "https://example.com/about", Title: "About", Description: "Who we are", Text: "about text"},
	}, res.Pages)

	actor.mu.Lock()
	defer actor.mu.Unlock()
	require.Equal(t, []startURL{{URL: "https://example.com/"}}, actor.input.StartURLs)
	require.Equal(t, 5, actor.input.MaxCrawlDepth)
	require.Equal(t, 50, actor.input.MaxCrawlPages)
	require.Equal(t, "readableText", actor.input.HTMLTransformer)
	require.Contains(t, actor.input.ExcludeURLGlobs, "**/blog/**")
	require.True(t, actor.input.ProxyConfiguration.UseApifyProxy)
	require.Equal(t, 3, actor.polls)
	// start + 3 polls + dataset
	require.EqualValues(t, 5, waiter.calls.Load())
}

func TestCrawlFailedRun(t *testing.T) {
	t.Parallel()

	actor := &fakeActor{t: t, statuses: []string{"FAILED"}}
	c := newClient(t, actor.server(), nil)

	_, err := c.Crawl(context.Background(), "https://example.com/")
	require.ErrorContains(t, err, "FAILED")
	require.False(t, actor.aborted.Load())
}

func TestCrawlAbortsOnCancel(t *testing.T) {
	t.Parallel()

	actor := &fakeActor{t: t, statuses: []string{"RUNNING"}}
	c := newClient(t, actor.server(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.Crawl(ctx, "https://example.com/")
	require.Error(t, err)
	require.True(t, actor.aborted.Load())
}

func TestCrawlStartRejected(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":{"type":"token-not-valid"}}`, http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)
	c := newClient(t, srv, nil)

	_, err := c.Crawl(context.Background(), "https://example.com/")
	require.ErrorContains(t, err, "start actor run")
	require.ErrorContains(t, err, "401")
}
