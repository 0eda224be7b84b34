// Package sitemap turns robots.txt files and sitemap trees into page links.
package sitemap

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/antchfx/xmlquery"
	"github.com/araddon/dateparse"
	"github.com/temoto/robotstxt"
	"go.uber.org/zap"

	"github.com/JakeFAU/ratings-crawler/internal/crawler"
	"github.com/JakeFAU/ratings-crawler/internal/metrics"
)

// Fetcher retrieves raw and XML documents.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (crawler.Document, error)
	FetchXML(ctx context.Context, rawURL string) (*xmlquery.Node, error)
}

// Link is a page URL announced by a leaf sitemap.
type Link struct {
	URL string
	// LastModified is the UTC lastmod, or nil when absent or unparseable.
	LastModified *time.Time
}

// Resolver expands robots.txt files and sitemap indexes.
type Resolver struct {
	fetcher Fetcher
	logger  *zap.Logger
}

// NewResolver builds a Resolver.
func NewResolver(fetcher Fetcher, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{fetcher: fetcher, logger: logger.Named("sitemap")}
}

// ResolveRobots returns the distinct sitemap URLs declared in a robots.txt file.
func (r *Resolver) ResolveRobots(ctx context.Context, robotsURL string) ([]string, error) {
	doc, err := r.fetcher.Fetch(ctx, robotsURL)
	if err != nil {
		return nil, fmt.Errorf("fetch robots %s: %w", robotsURL, err)
	}
	robots, err := robotstxt.FromStatusAndBytes(doc.StatusCode, doc.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: robots %s: %v", crawler.ErrParse, robotsURL, err)
	}

	base, _ := url.Parse(robotsURL)
	seen := make(map[string]struct{}, len(robots.Sitemaps))
	sitemaps := make([]string, 0, len(robots.Sitemaps))
	for _, raw := range robots.Sitemaps {
		loc := absolute(base, raw)
		if loc == "" {
			continue
		}
		if _, dup := seen[loc]; dup {
			continue
		}
		seen[loc] = struct{}{}
		sitemaps = append(sitemaps, loc)
	}
	r.logger.Debug("robots resolved", zap.String("url", robotsURL), zap.Int("sitemaps", len(sitemaps)))
	return sitemaps, nil
}

// ResolveSitemap walks the sitemap tree rooted at sitemapURL and returns every
// page link with its last modification time.
func (r *Resolver) ResolveSitemap(ctx context.Context, sitemapURL string) (map[string]*time.Time, error) {
	w := r.NewWalker(sitemapURL)
	links := make(map[string]*time.Time)
	for {
		link, ok, err := w.Next(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		if prev, dup := links[link.URL]; dup && prev != nil && link.LastModified == nil {
			continue
		}
		links[link.URL] = link.LastModified
	}
	metrics.ObserveSitemapLinks(len(links))
	r.logger.Debug("sitemap resolved",
		zap.String("url", sitemapURL),
		zap.Int("sitemaps", w.Visited()),
		zap.Int("links", len(links)),
	)
	return links, nil
}

// NewWalker returns a lazy iterator over the leaf links below root.
func (r *Resolver) NewWalker(root string) *Walker {
	w := &Walker{
		fetcher: r.fetcher,
		logger:  r.logger,
		root:    root,
		visited: make(map[string]struct{}),
	}
	w.push(root)
	return w
}

func absolute(base *url.URL, raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	ref, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	if base != nil {
		ref = base.ResolveReference(ref)
	}
	if ref.Host == "" {
		return ""
	}
	return ref.String()
}

func parseLastMod(raw string) *time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	t, err := dateparse.ParseAny(raw)
	if err != nil {
		return nil
	}
	utc := t.UTC()
	return &utc
}
