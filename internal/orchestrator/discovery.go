package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/ratings-crawler/internal/crawler"
	"github.com/JakeFAU/ratings-crawler/internal/metrics"
	"github.com/JakeFAU/ratings-crawler/internal/store"
)

// SeedRobots adds a robots.txt link for every site that so far has a single
// unscanned page, provided the site answers. The seed page is released
// afterwards so Crawl indexes it.
func (o *Orchestrator) SeedRobots(ctx context.Context) (crawler.Summary, error) {
	return o.run(ctx, PhaseSeedRobots, func(ctx context.Context, log *zap.Logger) (crawler.Summary, error) {
		var sum crawler.Summary
		pages, err := o.deps.Store.SinglePages(ctx)
		if err != nil {
			return sum, fmt.Errorf("list single pages: %w", err)
		}
		for _, page := range pages {
			if page.LastScanAt != nil {
				continue
			}
			if err := ctx.Err(); err != nil {
				return sum, err
			}
			if err := o.seedSite(ctx, log, page, &sum); err != nil {
				return sum, err
			}
		}
		return sum, nil
	})
}

func (o *Orchestrator) seedSite(ctx context.Context, log *zap.Logger, page store.Page, sum *crawler.Summary) error {
	log = log.With(zap.Int64("site_id", page.SiteID), zap.String("url", page.URL))
	if err := o.claim(ctx, page.URL); err != nil {
		return err
	}
	sum.Claimed++

	robotsURL, err := crawler.RobotsURL(page.URL)
	if err != nil {
		log.Warn("skipping malformed seed url", zap.Error(err))
		sum.Skipped++
		return nil
	}

	available, err := o.deps.Fetcher.SiteAvailable(ctx, page.URL)
	switch crawler.Classify(err) {
	case crawler.OutcomeOK:
	case crawler.OutcomeCanceled, crawler.OutcomeFatal:
		return o.releaseDetached(ctx, log, err, page.URL)
	case crawler.OutcomePermanent:
		available = false
	default:
		log.Warn("site check failed, will retry", zap.Error(err))
		sum.Released++
		return o.release(ctx, page.URL)
	}
	if !available {
		log.Info("site unavailable")
		sum.Unavailable++
		metrics.ObserveCrawl(metrics.SanitizeSite(page.URL), crawler.OutcomePermanent.String(), 0)
		return nil
	}

	if err := o.deps.Store.InsertPages(ctx, page.SiteID, map[string]*time.Time{robotsURL: nil}); err != nil {
		return o.releaseDetached(ctx, log, fmt.Errorf("insert robots link: %w", err), page.URL)
	}
	log.Info("seeded robots link", zap.String("robots", robotsURL))
	sum.Released++
	return o.release(ctx, page.URL)
}

// ResolveRobots turns every unscanned robots.txt link into sitemap links.
func (o *Orchestrator) ResolveRobots(ctx context.Context) (crawler.Summary, error) {
	return o.run(ctx, PhaseResolveRobots, func(ctx context.Context, log *zap.Logger) (crawler.Summary, error) {
		var sum crawler.Summary
		links, err := o.deps.Store.UnscannedRobotsLinks(ctx)
		if err != nil {
			return sum, fmt.Errorf("list robots links: %w", err)
		}
		for _, link := range links {
			if err := ctx.Err(); err != nil {
				return sum, err
			}
			_, err := o.resolveLink(ctx, log, link, &sum, func(ctx context.Context) (map[string]*time.Time, error) {
				sitemaps, err := o.deps.Resolver.ResolveRobots(ctx, link)
				if err != nil {
					return nil, err
				}
				found := make(map[string]*time.Time, len(sitemaps))
				for _, s := range sitemaps {
					found[s] = nil
				}
				return found, nil
			})
			if err != nil {
				return sum, err
			}
		}
		return sum, nil
	})
}

// ResolveSitemaps expands sitemap links into pages until none are left.
// A transient failure ends the phase early so the link is retried on the
// next run instead of in a hot loop.
func (o *Orchestrator) ResolveSitemaps(ctx context.Context) (crawler.Summary, error) {
	return o.run(ctx, PhaseResolveSitemaps, func(ctx context.Context, log *zap.Logger) (crawler.Summary, error) {
		var sum crawler.Summary
		for {
			links, err := o.deps.Store.UnscannedSitemapLinks(ctx)
			if err != nil {
				return sum, fmt.Errorf("list sitemap links: %w", err)
			}
			if len(links) == 0 {
				return sum, nil
			}
			for _, link := range links {
				if err := ctx.Err(); err != nil {
					return sum, err
				}
				retry, err := o.resolveLink(ctx, log, link, &sum, func(ctx context.Context) (map[string]*time.Time, error) {
					return o.deps.Resolver.ResolveSitemap(ctx, link)
				})
				if err != nil {
					return sum, err
				}
				if retry {
					return sum, nil
				}
			}
		}
	})
}

// resolveLink claims a discovery link, expands it, and stores what it
// yields under the link's site. released reports a transient failure.
func (o *Orchestrator) resolveLink(
	ctx context.Context,
	log *zap.Logger,
	link string,
	sum *crawler.Summary,
	resolve func(context.Context) (map[string]*time.Time, error),
) (released bool, err error) {
	log = log.With(zap.String("url", link))
	if err := o.claim(ctx, link); err != nil {
		return false, err
	}
	sum.Claimed++

	siteID, err := o.deps.Store.SiteIDByURL(ctx, link)
	if errors.Is(err, store.ErrNotFound) {
		log.Warn("discovery link has no site")
		sum.Skipped++
		return false, nil
	}
	if err != nil {
		return false, o.releaseDetached(ctx, log, err, link)
	}
	log = log.With(zap.Int64("site_id", siteID))

	found, err := resolve(ctx)
	switch outcome := crawler.Classify(err); outcome {
	case crawler.OutcomeOK:
	case crawler.OutcomePermanent:
		log.Warn("discovery link unavailable", zap.Error(err))
		sum.Unavailable++
		return false, nil
	case crawler.OutcomeTransient:
		log.Warn("discovery link failed, will retry", zap.Error(err))
		sum.Released++
		return true, o.release(ctx, link)
	default:
		return false, o.releaseDetached(ctx, log, err, link)
	}

	if err := o.deps.Store.InsertPages(ctx, siteID, found); err != nil {
		return false, o.releaseDetached(ctx, log, fmt.Errorf("insert discovered pages: %w", err), link)
	}
	log.Info("discovery link resolved", zap.Int("links", len(found)))
	sum.Indexed++
	return false, nil
}
