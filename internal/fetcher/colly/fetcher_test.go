package collyfetcher

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/antchfx/xmlquery"
	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/ratings-crawler/internal/crawler"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(`<html><head><title>Home</title></head><body><p>Hello world</p></body></html>`))
	})
	mux.HandleFunc("/flaky", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	mux.HandleFunc("/report.pdf", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		_, _ = w.Write([]byte("%PDF-1.4"))
	})
	mux.HandleFunc("/sitemap.xml.gz", func(w http.ResponseWriter, _ *http.Request) {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		_, _ = zw.Write([]byte(`<?xml version="1.0"?><urlset><url><loc>https://a.test/x</loc></url></urlset>`))
		_ = zw.Close()
		w.Header().Set("Content-Type", "application/x-gzip")
		_, _ = w.Write(buf.Bytes())
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

type countingAcquirer struct {
	calls atomic.Int32
	err   error
}

func (c *countingAcquirer) Acquire(context.Context) error {
	c.calls.Add(1)
	return c.err
}

func TestFetchHTMLSuccess(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)
	limiter := &countingAcquirer{}
	f := New(Config{UserAgent: "test-agent", Timeout: 5 * time.Second}, limiter, zap.NewNop())

	doc, raw, err := f.FetchHTML(context.Background(), srv.URL+"/")
	require.NoError(t, err)
	assert.Equal(t, "Home", doc.Find("title").Text())
	assert.Equal(t, http.StatusOK, raw.StatusCode)
	assert.Contains(t, string(raw.Body), "Hello world")
	assert.EqualValues(t, 1, limiter.calls.Load())
}

func TestFetchClassifiesStatus(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)
	f := New(Config{Timeout: 5 * time.Second}, nil, zap.NewNop())

	_, err := f.Fetch(context.Background(), srv.URL+"/missing")
	var fe *crawler.FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, http.StatusNotFound, fe.StatusCode)
	assert.True(t, fe.Permanent)
	assert.Equal(t, crawler.OutcomePermanent, crawler.Classify(err))

	_, err = f.Fetch(context.Background(), srv.URL+"/flaky")
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, http.StatusServiceUnavailable, fe.StatusCode)
	assert.Equal(t, crawler.OutcomeTransient, crawler.Classify(err))
}

func TestFetchMalformedURLSkipsLimiter(t *testing.T) {
	t.Parallel()

	limiter := &countingAcquirer{}
	f := New(Config{}, limiter, zap.NewNop())

	_, err := f.Fetch(context.Background(), "::not-a-url")
	require.ErrorIs(t, err, crawler.ErrMalformedURL)
	assert.Zero(t, limiter.calls.Load())
}

func TestFetchLimiterErrorAborts(t *testing.T) {
	t.Parallel()

	limiter := &countingAcquirer{err: context.Canceled}
	f := New(Config{}, limiter, zap.NewNop())

	_, err := f.Fetch(context.Background(), "https://example.com/")
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, crawler.OutcomeCanceled, crawler.Classify(err))
}

func TestFetchConnectionRefusedIsPermanent(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	f := New(Config{Timeout: 2 * time.Second}, nil, zap.NewNop())
	_, err := f.Fetch(context.Background(), addr+"/page")
	require.Error(t, err)
	assert.Equal(t, crawler.OutcomePermanent, crawler.Classify(err), "err: %v", err)
}

func TestFetchHTMLRejectsNonHTML(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)
	f := New(Config{}, nil, zap.NewNop())

	_, _, err := f.FetchHTML(context.Background(), srv.URL+"/report.pdf")
	require.ErrorIs(t, err, crawler.ErrParse)
}

func TestFetchXMLGunzipsSitemaps(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)
	f := New(Config{}, nil, zap.NewNop())

	root, err := f.FetchXML(context.Background(), srv.URL+"/sitemap.xml.gz")
	require.NoError(t, err)
	loc := xmlquery.FindOne(root, "//url/loc")
	require.NotNil(t, loc)
	assert.Equal(t, "https://a.test/x", loc.InnerText())
}

func TestSiteAvailable(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t)
	f := New(Config{}, nil, zap.NewNop())

	ok, err := f.SiteAvailable(context.Background(), srv.URL+"/some/deep/page")
	require.NoError(t, err)
	assert.True(t, ok)

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusGone)
	}))
	t.Cleanup(down.Close)
	ok, err = f.SiteAvailable(context.Background(), down.URL+"/page")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = f.SiteAvailable(context.Background(), "not a url")
	require.ErrorIs(t, err, crawler.ErrMalformedURL)
}

func TestConfigureCollectorHooks(t *testing.T) {
	t.Parallel()

	f := New(Config{}, nil, zap.NewNop())
	var (
		result  crawler.Document
		failure *crawler.FetchError
	)
	hooks := &stubHooks{}
	f.configureCollectorHooks(hooks, "https://example.com", time.Now(), &result, &failure)
	require.NotNil(t, hooks.onResponse)
	require.NotNil(t, hooks.onError)

	hooks.onError(&colly.Response{
		StatusCode: http.StatusNonAuthoritativeInfo,
		Body:       []byte("body"),
		Headers:    &http.Header{"X-Resp": {"ok"}},
		Request:    &colly.Request{URL: mustParseURL(t, "https://example.com")},
	}, errors.New("Non-Authoritative Information"))
	require.Nil(t, failure)
	assert.Equal(t, "body", string(result.Body))
	assert.Equal(t, "ok", result.Headers.Get("X-Resp"))

	hooks.onError(&colly.Response{StatusCode: http.StatusGone}, errors.New("Gone"))
	require.NotNil(t, failure)
	assert.True(t, failure.Permanent)

	failure = nil
	hooks.onError(&colly.Response{}, errors.New("read: connection reset by peer"))
	require.NotNil(t, failure)
	assert.False(t, failure.Permanent)
}

func TestMaybeGunzipLeavesPlainBodies(t *testing.T) {
	t.Parallel()

	body := []byte("<urlset/>")
	out, err := maybeGunzip("https://a.test/sitemap.xml.gz", body)
	require.NoError(t, err)
	assert.Equal(t, body, out)

	gz := []byte{0x1f, 0x8b, 0x00}
	out, err = maybeGunzip("https://a.test/image.png", gz)
	require.NoError(t, err)
	assert.Equal(t, gz, out)
}

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("failed to parse url %q: %v", raw, err)
	}
	return u
}

type stubHooks struct {
	onResponse colly.ResponseCallback
	onError    colly.ErrorCallback
}

func (s *stubHooks) OnResponse(cb colly.ResponseCallback) {
	s.onResponse = cb
}

func (s *stubHooks) OnError(cb colly.ErrorCallback) {
	s.onError = cb
}
