package orchestrator

import (
	"bytes"
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/ratings-crawler/internal/crawler"
	"github.com/JakeFAU/ratings-crawler/internal/metrics"
)

// Crawl indexes unscanned pages of every site, one batch at a time, until
// each site's queue is empty or a batch makes no progress.
func (o *Orchestrator) Crawl(ctx context.Context) (crawler.Summary, error) {
	return o.run(ctx, PhaseCrawl, func(ctx context.Context, log *zap.Logger) (crawler.Summary, error) {
		var total crawler.Summary
		sites, err := o.deps.Store.SiteIDs(ctx)
		if err != nil {
			return total, fmt.Errorf("list sites: %w", err)
		}
		for _, siteID := range sites {
			siteLog := log.With(zap.Int64("site_id", siteID))
			for {
				if err := ctx.Err(); err != nil {
					return total, err
				}
				sum, more, err := o.crawlBatch(ctx, siteLog, siteID)
				total.Add(sum)
				if err != nil {
					return total, err
				}
				if !more {
					break
				}
			}
		}
		return total, nil
	})
}

// crawlBatch claims up to BatchSize URLs of siteID and processes them in
// order. more is false once the site has nothing left or the batch only
// released URLs.
func (o *Orchestrator) crawlBatch(ctx context.Context, log *zap.Logger, siteID int64) (sum crawler.Summary, more bool, err error) {
	urls, err := o.deps.Store.UnscannedBatch(ctx, siteID, o.cfg.BatchSize)
	if err != nil {
		return sum, false, fmt.Errorf("select batch: %w", err)
	}
	if len(urls) == 0 {
		return sum, false, nil
	}
	if err := o.claim(ctx, urls...); err != nil {
		return sum, false, err
	}
	sum.Claimed = len(urls)

	var (
		indexed  []string
		failures int
	)
	for i, u := range urls {
		urlLog := log.With(zap.String("url", u))
		site := metrics.SanitizeSite(u)
		fetchErr := o.crawlURL(ctx, urlLog, u)

		switch outcome := crawler.Classify(fetchErr); outcome {
		case crawler.OutcomeOK:
			failures = 0
			indexed = append(indexed, u)
			sum.Indexed++
		case crawler.OutcomePermanent:
			urlLog.Info("page unavailable", zap.Error(fetchErr))
			metrics.ObserveCrawl(site, outcome.String(), 0)
			sum.Unavailable++
		case crawler.OutcomeTransient:
			failures++
			metrics.ObserveCrawl(site, outcome.String(), 0)
			urlLog.Warn("page failed, releasing", zap.Int("consecutive_failures", failures), zap.Error(fetchErr))
			if err := o.release(ctx, u); err != nil {
				return sum, false, o.releaseDetached(ctx, log, err, urls[i+1:]...)
			}
			sum.Released++
			if failures > o.cfg.FailureThreshold {
				metrics.ObserveCircuitBreakerTrip()
				rest := urls[i+1:]
				sum.Released += len(rest)
				tripped := fmt.Errorf("%w after %d consecutive failures on site %d: %w",
					crawler.ErrCircuitBreakerTripped, failures, siteID, fetchErr)
				return sum, false, o.releaseDetached(ctx, log, tripped, rest...)
			}
		default:
			rest := urls[i:]
			sum.Released += len(rest)
			return sum, false, o.releaseDetached(ctx, log, fetchErr, rest...)
		}
	}

	if len(indexed) > 0 {
		if _, err := o.deps.Aggregator.Incremental(ctx, indexed); err != nil {
			return sum, false, fmt.Errorf("aggregate ranks: %w", err)
		}
	}
	return sum, sum.Indexed+sum.Unavailable > 0, nil
}

func (o *Orchestrator) crawlURL(ctx context.Context, log *zap.Logger, rawURL string) error {
	doc, page, err := o.deps.Fetcher.FetchHTML(ctx, rawURL)
	if err != nil {
		return err
	}
	vec := o.deps.Extractor.ExtractPage(rawURL, doc, page.Body)
	written, err := o.deps.Index.PutTerms(ctx, vec)
	if err != nil {
		return fmt.Errorf("index %s: %w", rawURL, err)
	}
	metrics.ObserveCrawl(metrics.SanitizeSite(rawURL), crawler.OutcomeOK.String(), len(page.Body))
	log.Debug("page indexed", zap.Int("terms", len(written)), zap.Int("bytes", len(page.Body)))
	o.archive(ctx, log, rawURL, page)
	return nil
}

// archive stores the raw page when an archive is configured. Failures are
// logged only.
func (o *Orchestrator) archive(ctx context.Context, log *zap.Logger, rawURL string, page crawler.Document) {
	if o.deps.Archive == nil {
		return
	}
	path, err := crawler.ArchivePath(o.cfg.ArchivePrefix, rawURL, o.deps.Hasher)
	if err != nil {
		log.Warn("archive path failed", zap.Error(err))
		return
	}
	contentType := page.ContentType()
	if contentType == "" {
		contentType = "text/html; charset=utf-8"
	}
	uri, err := o.deps.Archive.PutObject(ctx, path, contentType, bytes.NewReader(page.Body))
	if err != nil {
		log.Warn("archive write failed", zap.String("path", path), zap.Error(err))
		return
	}
	log.Debug("page archived", zap.String("uri", uri))
}
