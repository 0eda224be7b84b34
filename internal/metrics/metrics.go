// Package metrics exposes Prometheus collectors for the crawler.
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
	crawlerPagesTotal               *prometheus.CounterVec
	crawlerBytesTotal               *prometheus.CounterVec
	crawlerRateLimitDelaySeconds    prometheus.Histogram
	crawlerCircuitBreakerTripsTotal prometheus.Counter
	crawlerIndexTermsTotal          prometheus.Counter
	crawlerSitemapLinksTotal        prometheus.Counter
	crawlerPhaseDurationSeconds     *prometheus.HistogramVec
	httpRequestsTotal               *prometheus.CounterVec
	httpRequestDurationSeconds      *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		crawlerPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_pages_total",
				Help: "Total number of pages crawled, labeled by site and outcome.",
			},
			[]string{"site", "status"},
		)

		crawlerBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_bytes_total",
				Help: "Total number of bytes fetched, labeled by site.",
			},
			[]string{"site"},
		)

		crawlerRateLimitDelaySeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "crawler_rate_limit_delay_seconds",
				Help:    "Histogram of time spent waiting on the fetch rate limiter.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
		)

		crawlerCircuitBreakerTripsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawler_circuit_breaker_trips_total",
				Help: "Total number of crawl batches aborted by the consecutive failure breaker.",
			},
		)

		crawlerIndexTermsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawler_index_terms_total",
				Help: "Total number of distinct terms written to the inverted index.",
			},
		)

		crawlerSitemapLinksTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawler_sitemap_links_total",
				Help: "Total number of page links discovered from sitemaps.",
			},
		)

		crawlerPhaseDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_phase_duration_seconds",
				Help:    "Histogram of crawl phase durations, labeled by phase.",
				Buckets: []float64{1, 5, 15, 60, 300, 900, 3600},
			},
			[]string{"phase"},
		)

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

// ObserveCrawl records one page outcome and the bytes it cost.
func ObserveCrawl(site string, status string, bytesFetched int) {
	Init()
	sanitizedSite := SanitizeSite(site)
	crawlerPagesTotal.WithLabelValues(sanitizedSite, status).Inc()
	if bytesFetched > 0 {
		crawlerBytesTotal.WithLabelValues(sanitizedSite).Add(float64(bytesFetched))
	}
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(duration time.Duration) {
	Init()
	crawlerRateLimitDelaySeconds.Observe(duration.Seconds())
}

// ObserveCircuitBreakerTrip counts an aborted batch.
func ObserveCircuitBreakerTrip() {
	Init()
	crawlerCircuitBreakerTripsTotal.Inc()
}

// ObserveIndexedTerms adds n freshly indexed terms.
func ObserveIndexedTerms(n int) {
	Init()
	crawlerIndexTermsTotal.Add(float64(n))
}

// ObserveSitemapLinks adds n links discovered from sitemaps.
func ObserveSitemapLinks(n int) {
	Init()
	crawlerSitemapLinksTotal.Add(float64(n))
}

// ObservePhase records how long a crawl phase ran.
func ObservePhase(phase string, duration time.Duration) {
	Init()
	crawlerPhaseDurationSeconds.WithLabelValues(phase).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
