// Package metrics exposes Prometheus collectors for the scrape service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	jobsTotal                  *prometheus.CounterVec
	jobFailuresTotal           *prometheus.CounterVec
	quotaDenialsTotal          *prometheus.CounterVec
	crawlDurationSeconds       *prometheus.HistogramVec
	artifactBytes              prometheus.Histogram
	blobRemoveFailuresTotal    prometheus.Counter
	pagesTotal                 *prometheus.CounterVec
	pageBytesTotal             *prometheus.CounterVec
	activeWorkers              prometheus.Gauge
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	reconciledJobsTotal        prometheus.Counter

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sitecorpus_jobs_total",
				Help: "Total number of jobs reaching a status, labeled by status.",
			},
			[]string{"status"},
		)

		jobFailuresTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sitecorpus_job_failures_total",
				Help: "Total number of failed jobs, labeled by failure class.",
			},
			[]string{"class"},
		)

		quotaDenialsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sitecorpus_quota_denials_total",
				Help: "Total number of job requests denied by the daily quota, labeled by plan tier.",
			},
			[]string{"tier"},
		)

		crawlDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sitecorpus_crawl_duration_seconds",
				Help:    "Histogram of crawl collaborator durations, labeled by outcome.",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
			},
			[]string{"outcome"},
		)

		artifactBytes = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "sitecorpus_artifact_bytes",
				Help:    "Size of stored artifacts in bytes.",
				Buckets: prometheus.ExponentialBuckets(1024, 4, 8),
			},
		)

		blobRemoveFailuresTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "sitecorpus_blob_remove_failures_total",
				Help: "Total number of best-effort artifact blob removals that failed.",
			},
		)

		pagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sitecorpus_pages_total",
				Help: "Total number of pages fetched by the local crawl engine, labeled by site and status.",
			},
			[]string{"site", "status"},
		)

		pageBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sitecorpus_page_bytes_total",
				Help: "Total number of bytes fetched by the local crawl engine, labeled by site.",
			},
			[]string{"site"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "sitecorpus_active_workers",
				Help: "Number of workers currently processing a job.",
			},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sitecorpus_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		reconciledJobsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "sitecorpus_reconciled_jobs_total",
				Help: "Total number of stale processing jobs marked failed by the reconciler.",
			},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveJob increments the job counter for the given status.
func ObserveJob(status string) {
	Init()
	jobsTotal.WithLabelValues(status).Inc()
}

// ObserveJobFailure increments the failure counter for the given class.
func ObserveJobFailure(class string) {
	Init()
	jobFailuresTotal.WithLabelValues(class).Inc()
}

// ObserveQuotaDenial increments the quota denial counter for a tier.
func ObserveQuotaDenial(tier string) {
	Init()
	quotaDenialsTotal.WithLabelValues(tier).Inc()
}

// ObserveCrawlDuration records how long a crawl took.
func ObserveCrawlDuration(outcome string, duration time.Duration) {
	Init()
	crawlDurationSeconds.WithLabelValues(outcome).Observe(duration.Seconds())
}

// ObserveArtifactBytes records the size of a stored artifact.
func ObserveArtifactBytes(n int) {
	Init()
	artifactBytes.Observe(float64(n))
}

// ObserveBlobRemoveFailure increments the failed blob removal counter.
func ObserveBlobRemoveFailure() {
	Init()
	blobRemoveFailuresTotal.Inc()
}

// ObservePage increments the page metrics for the local crawl engine.
func ObservePage(site string, status string, bytesFetched int) {
	Init()
	sanitizedSite := SanitizeSite(site)
	pagesTotal.WithLabelValues(sanitizedSite, status).Inc()
	if bytesFetched > 0 {
		pageBytesTotal.WithLabelValues(sanitizedSite).Add(float64(bytesFetched))
	}
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveReconciledJob increments the reconciled job counter.
func ObserveReconciledJob() {
	Init()
	reconciledJobsTotal.Inc()
}
