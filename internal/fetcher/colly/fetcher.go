// Package collyfetcher implements the page fetcher using gocolly.
package collyfetcher

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/antchfx/xmlquery"
	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/ratings-crawler/internal/crawler"
)

const defaultTimeout = 30 * time.Second

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
	// MaxBodyBytes caps response bodies; zero keeps the colly default.
	MaxBodyBytes int
}

// Acquirer gates every outbound request.
type Acquirer interface {
	Acquire(ctx context.Context) error
}

// Fetcher performs rate limited GET requests through a Colly collector.
type Fetcher struct {
	cfg           Config
	limiter       Acquirer
	baseCollector *colly.Collector
	logger        *zap.Logger
}

type collectorHooks interface {
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher. limiter may be nil in tests.
func New(cfg Config, limiter Acquirer, logger *zap.Logger) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("fetcher")
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	// robots.txt is crawl input here, not access policy.
	c.IgnoreRobotsTxt = true
	if cfg.MaxBodyBytes > 0 {
		c.MaxBodySize = cfg.MaxBodyBytes
	}
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	c.WithTransport(newDiscoveryTransport(newHTTPTransport(), logger))
	c.SetRequestTimeout(timeout)

	return &Fetcher{
		cfg:           cfg,
		limiter:       limiter,
		baseCollector: c,
		logger:        logger,
	}
}

// Fetch waits for the rate limiter and performs a single GET.
// Failures are reported as *crawler.FetchError or crawler.ErrMalformedURL.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (crawler.Document, error) {
	if _, err := crawler.ParseURL(rawURL); err != nil {
		return crawler.Document{}, err
	}
	if f.limiter != nil {
		if err := f.limiter.Acquire(ctx); err != nil {
			return crawler.Document{}, fmt.Errorf("acquire fetch slot: %w", err)
		}
	}

	var (
		doc     crawler.Document
		failure *crawler.FetchError
	)
	start := time.Now()
	collector := f.buildCollector(ctx)
	f.configureCollectorHooks(collector, rawURL, start, &doc, &failure)

	if err := f.runCollector(ctx, collector, rawURL, &failure); err != nil {
		f.logger.Debug("fetch failed", zap.String("url", rawURL), zap.Error(err))
		return crawler.Document{}, err
	}

	body, err := maybeGunzip(rawURL, doc.Body)
	if err != nil {
		return crawler.Document{}, fmt.Errorf("%w: gunzip %s: %v", crawler.ErrParse, rawURL, err)
	}
	doc.Body = body

	f.logger.Debug("fetched",
		zap.String("url", rawURL),
		zap.Int("status", doc.StatusCode),
		zap.Int("bytes", len(doc.Body)),
		zap.Duration("duration", doc.Duration),
	)
	return doc, nil
}

// FetchHTML fetches rawURL and parses it as HTML.
// Non-HTML responses are reported as crawler.ErrParse.
func (f *Fetcher) FetchHTML(ctx context.Context, rawURL string) (*goquery.Document, crawler.Document, error) {
	doc, err := f.Fetch(ctx, rawURL)
	if err != nil {
		return nil, crawler.Document{}, err
	}
	if !isHTML(doc.ContentType()) {
		return nil, doc, fmt.Errorf("%w: %s is %q, not html", crawler.ErrParse, rawURL, doc.ContentType())
	}
	parsed, err := goquery.NewDocumentFromReader(bytes.NewReader(doc.Body))
	if err != nil {
		return nil, doc, fmt.Errorf("%w: html %s: %v", crawler.ErrParse, rawURL, err)
	}
	if u, perr := url.Parse(doc.URL); perr == nil {
		parsed.Url = u
	}
	return parsed, doc, nil
}

// FetchXML fetches rawURL and parses it as XML.
func (f *Fetcher) FetchXML(ctx context.Context, rawURL string) (*xmlquery.Node, error) {
	doc, err := f.Fetch(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	root, err := xmlquery.Parse(bytes.NewReader(doc.Body))
	if err != nil {
		return nil, fmt.Errorf("%w: xml %s: %v", crawler.ErrParse, rawURL, err)
	}
	return root, nil
}

// SiteAvailable reports whether the site root answers 200.
// Permanent failures mean "unavailable"; transient ones are returned as errors.
func (f *Fetcher) SiteAvailable(ctx context.Context, rawURL string) (bool, error) {
	root, err := crawler.SiteRoot(rawURL)
	if err != nil {
		return false, err
	}
	doc, err := f.Fetch(ctx, root)
	switch {
	case err == nil:
		return doc.StatusCode == http.StatusOK, nil
	case crawler.IsPermanent(err):
		f.logger.Info("site unavailable", zap.String("site", root), zap.Error(err))
		return false, nil
	default:
		return false, err
	}
}

func (f *Fetcher) buildCollector(ctx context.Context) *colly.Collector {
	collector := f.baseCollector.Clone()
	collector.Context = ctx
	return collector
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	rawURL string,
	start time.Time,
	result *crawler.Document,
	failure **crawler.FetchError,
) {
	capture := func(r *colly.Response) {
		*result = crawler.Document{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    cloneHeaders(r.Headers),
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
	}

	hooks.OnResponse(capture)

	hooks.OnError(func(r *colly.Response, err error) {
		switch {
		case r != nil && r.StatusCode >= 200 && r.StatusCode < 300:
			// colly reports 203-299 as errors; they still carry a usable body.
			capture(r)
		case r != nil && r.StatusCode >= 300:
			*failure = crawler.NewStatusError(rawURL, r.StatusCode)
		default:
			*failure = crawler.NewTransportError(rawURL, err)
		}
	})
}

func (f *Fetcher) runCollector(
	ctx context.Context,
	collector *colly.Collector,
	rawURL string,
	failure **crawler.FetchError,
) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(rawURL)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if *failure != nil {
			return *failure
		}
		if err != nil {
			return crawler.NewTransportError(rawURL, fmt.Errorf("colly visit failed: %w", err))
		}
		return nil
	}
}

func maybeGunzip(rawURL string, body []byte) ([]byte, error) {
	if len(body) < 2 || body[0] != 0x1f || body[1] != 0x8b {
		return body, nil
	}
	u, err := url.Parse(rawURL)
	if err != nil || !strings.HasSuffix(strings.ToLower(u.Path), ".gz") {
		return body, nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("open gzip: %w", err)
	}
	defer zr.Close() //nolint:errcheck // read-only
	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("read gzip: %w", err)
	}
	return out, nil
}

func isHTML(contentType string) bool {
	if contentType == "" {
		return true
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.Contains(strings.ToLower(contentType), "html")
	}
	return mediaType == "text/html" || mediaType == "application/xhtml+xml"
}

func cloneHeaders(h *http.Header) http.Header {
	if h == nil {
		return http.Header{}
	}
	return h.Clone()
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
