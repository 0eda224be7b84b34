package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Example.com/path", "example.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"just host", "example.com", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"ip address", "192.168.1.1", "192.168.1.1"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeSite(tc.input); got != tc.expected {
				t.Errorf("SanitizeSite(%q) = %q; want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestInit(t *testing.T) {
	// Init is idempotent.
	Init()
	Init()

	if crawlerPagesTotal == nil || crawlerBytesTotal == nil ||
		crawlerPhaseDurationSeconds == nil || httpRequestsTotal == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}
}

func TestObserveCrawl(t *testing.T) {
	pages := crawlerPagesCounter("news.example", "ok")
	bytes := crawlerBytesCounter("news.example")

	ObserveCrawl("https://News.example/politics/1", "ok", 512)
	ObserveCrawl("https://news.example/politics/2", "ok", 0)

	if got := crawlerPagesCounter("news.example", "ok") - pages; got != 2 {
		t.Errorf("expected pages counter to grow by 2, got %f", got)
	}
	if got := crawlerBytesCounter("news.example") - bytes; got != 512 {
		t.Errorf("expected bytes counter to grow by 512, got %f", got)
	}
}

func TestObserveCounters(t *testing.T) {
	Init()
	trips := testutil.ToFloat64(crawlerCircuitBreakerTripsTotal)
	termsBefore := testutil.ToFloat64(crawlerIndexTermsTotal)
	links := testutil.ToFloat64(crawlerSitemapLinksTotal)

	ObserveCircuitBreakerTrip()
	ObserveIndexedTerms(7)
	ObserveSitemapLinks(3)
	ObservePhase("crawl", 0)
	ObserveRateLimitDelay(0)

	if got := testutil.ToFloat64(crawlerCircuitBreakerTripsTotal) - trips; got != 1 {
		t.Errorf("expected one breaker trip, got %f", got)
	}
	if got := testutil.ToFloat64(crawlerIndexTermsTotal) - termsBefore; got != 7 {
		t.Errorf("expected 7 indexed terms, got %f", got)
	}
	if got := testutil.ToFloat64(crawlerSitemapLinksTotal) - links; got != 3 {
		t.Errorf("expected 3 sitemap links, got %f", got)
	}
	if n := testutil.CollectAndCount(crawlerPhaseDurationSeconds); n == 0 {
		t.Error("expected phase duration to be observed")
	}
}

func crawlerPagesCounter(site, status string) float64 {
	Init()
	return testutil.ToFloat64(crawlerPagesTotal.WithLabelValues(site, status))
}

func crawlerBytesCounter(site string) float64 {
	Init()
	return testutil.ToFloat64(crawlerBytesTotal.WithLabelValues(site))
}

// Fuzz test for SanitizeSite.
func FuzzSanitizeSite(f *testing.F) {
	testcases := []string{"http://example.com", "https://google.com", "ftp://example.com"}
	for _, tc := range testcases {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		sanitized := SanitizeSite(orig)
		if sanitized == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
