// Package orchestrator drives the crawl phases: seeding robots.txt links,
// expanding robots and sitemaps into pages, and crawling page batches into
// the index.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/ratings-crawler/internal/clock/system"
	"github.com/JakeFAU/ratings-crawler/internal/crawler"
	"github.com/JakeFAU/ratings-crawler/internal/hash/sha256"
	"github.com/JakeFAU/ratings-crawler/internal/metrics"
	"github.com/JakeFAU/ratings-crawler/internal/store"
	"github.com/JakeFAU/ratings-crawler/internal/terms"
)

// Defaults applied by New.
const (
	DefaultBatchSize        = 10
	DefaultFailureThreshold = 7
	DefaultArchivePrefix    = "pages"

	releaseTimeout = 10 * time.Second
)

// Phase names used in logs and metrics.
const (
	PhaseSeedRobots      = "seed_robots"
	PhaseResolveRobots   = "resolve_robots"
	PhaseResolveSitemaps = "resolve_sitemaps"
	PhaseCrawl           = "crawl"
	PhaseReindex         = "reindex"
)

// Index receives term vectors.
type Index interface {
	PutTerms(ctx context.Context, v *terms.Vector) ([]string, error)
}

// Fetcher retrieves pages.
type Fetcher interface {
	FetchHTML(ctx context.Context, rawURL string) (*goquery.Document, crawler.Document, error)
	SiteAvailable(ctx context.Context, rawURL string) (bool, error)
}

// Resolver expands robots.txt files and sitemap trees.
type Resolver interface {
	ResolveRobots(ctx context.Context, robotsURL string) ([]string, error)
	ResolveSitemap(ctx context.Context, sitemapURL string) (map[string]*time.Time, error)
}

// Extractor turns a fetched page into a term vector.
type Extractor interface {
	ExtractPage(label string, doc *goquery.Document, rawHTML []byte) *terms.Vector
}

// Aggregator maintains person page ranks.
type Aggregator interface {
	Incremental(ctx context.Context, urls []string) (int, error)
	Reindex(ctx context.Context) (int, error)
}

// Deps are the collaborators of an Orchestrator. Archive, Hasher, Clock and
// IDs are optional.
type Deps struct {
	Store      store.ScanStateRepository
	Index      Index
	Fetcher    Fetcher
	Resolver   Resolver
	Extractor  Extractor
	Aggregator Aggregator
	Archive    crawler.BlobStore
	Hasher     crawler.Hasher
	Clock      crawler.Clock
	IDs        crawler.IDGenerator
}

// Config tunes the crawl loop.
type Config struct {
	// BatchSize is the number of URLs claimed per site per iteration.
	BatchSize int
	// FailureThreshold trips the breaker once consecutive transient
	// failures in a batch exceed it.
	FailureThreshold int
	// ArchivePrefix is the first path segment of archived pages.
	ArchivePrefix string
}

// Orchestrator runs crawl phases against the scan state.
type Orchestrator struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger
}

// New builds an Orchestrator, filling zero config values with defaults.
func New(deps Deps, cfg Config, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	if cfg.ArchivePrefix == "" {
		cfg.ArchivePrefix = DefaultArchivePrefix
	}
	if deps.Clock == nil {
		deps.Clock = system.New()
	}
	if deps.Hasher == nil {
		deps.Hasher = sha256.New()
	}
	return &Orchestrator{deps: deps, cfg: cfg, logger: logger.Named("orchestrator")}
}

type runIDKey struct{}

// WithRunID tags ctx so every phase run under it logs the same run_id.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey{}, runID)
}

// RunCycle runs every phase in order, stopping at the first fatal error.
func (o *Orchestrator) RunCycle(ctx context.Context) (crawler.Summary, error) {
	if _, ok := ctx.Value(runIDKey{}).(string); !ok {
		ctx = WithRunID(ctx, o.newRunID())
	}
	var total crawler.Summary
	for _, phase := range []func(context.Context) (crawler.Summary, error){
		o.Reindex,
		o.SeedRobots,
		o.ResolveRobots,
		o.ResolveSitemaps,
		o.Crawl,
	} {
		sum, err := phase(ctx)
		total.Add(sum)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Reindex rebuilds person page ranks from the whole index.
func (o *Orchestrator) Reindex(ctx context.Context) (crawler.Summary, error) {
	return o.run(ctx, PhaseReindex, func(ctx context.Context, _ *zap.Logger) (crawler.Summary, error) {
		n, err := o.deps.Aggregator.Reindex(ctx)
		return crawler.Summary{Indexed: n}, err
	})
}

func (o *Orchestrator) run(
	ctx context.Context,
	phase string,
	fn func(context.Context, *zap.Logger) (crawler.Summary, error),
) (crawler.Summary, error) {
	runID, ok := ctx.Value(runIDKey{}).(string)
	if !ok {
		runID = o.newRunID()
	}
	log := o.logger.With(zap.String("run_id", runID), zap.String("phase", phase))
	start := o.deps.Clock.Now()
	log.Info("phase started")

	sum, err := fn(ctx, log)

	elapsed := o.deps.Clock.Now().Sub(start)
	metrics.ObservePhase(phase, elapsed)
	fields := []zap.Field{
		zap.Int("claimed", sum.Claimed),
		zap.Int("indexed", sum.Indexed),
		zap.Int("unavailable", sum.Unavailable),
		zap.Int("released", sum.Released),
		zap.Int("skipped", sum.Skipped),
		zap.Duration("duration", elapsed),
	}
	if err != nil {
		log.Error("phase failed", append(fields, zap.Error(err))...)
		return sum, fmt.Errorf("%s: %w", phase, err)
	}
	log.Info("phase finished", fields...)
	return sum, nil
}

func (o *Orchestrator) newRunID() string {
	if o.deps.IDs == nil {
		return "local"
	}
	id, err := o.deps.IDs.NewID()
	if err != nil {
		o.logger.Warn("run id generation failed", zap.Error(err))
		return "unknown"
	}
	return id
}

func (o *Orchestrator) now() *time.Time {
	t := o.deps.Clock.Now()
	return &t
}

func (o *Orchestrator) claim(ctx context.Context, urls ...string) error {
	if err := o.deps.Store.MarkScanned(ctx, urls, o.now()); err != nil {
		return fmt.Errorf("claim urls: %w", err)
	}
	return nil
}

func (o *Orchestrator) release(ctx context.Context, urls ...string) error {
	if len(urls) == 0 {
		return nil
	}
	if err := o.deps.Store.MarkScanned(ctx, urls, nil); err != nil {
		return fmt.Errorf("release urls: %w", err)
	}
	return nil
}

// releaseDetached returns urls to the queue even when ctx is already
// canceled. The cause is returned unchanged; a release failure is logged.
func (o *Orchestrator) releaseDetached(ctx context.Context, log *zap.Logger, cause error, urls ...string) error {
	if len(urls) == 0 {
		return cause
	}
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	if err := o.release(releaseCtx, urls...); err != nil {
		log.Error("release after abort failed",
			zap.Int("urls", len(urls)),
			zap.NamedError("cause", cause),
			zap.Error(err),
		)
		return errors.Join(cause, err)
	}
	return cause
}
