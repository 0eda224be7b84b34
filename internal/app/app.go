// Package app builds the crawler's long-lived services from configuration
// and owns their shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/ratings-crawler/internal/api"
	"github.com/JakeFAU/ratings-crawler/internal/clock/system"
	"github.com/JakeFAU/ratings-crawler/internal/config"
	"github.com/JakeFAU/ratings-crawler/internal/crawler"
	collyfetcher "github.com/JakeFAU/ratings-crawler/internal/fetcher/colly"
	"github.com/JakeFAU/ratings-crawler/internal/hash/sha256"
	"github.com/JakeFAU/ratings-crawler/internal/id/uuid"
	redisindex "github.com/JakeFAU/ratings-crawler/internal/index/redis"
	"github.com/JakeFAU/ratings-crawler/internal/orchestrator"
	"github.com/JakeFAU/ratings-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/ratings-crawler/internal/relevance"
	"github.com/JakeFAU/ratings-crawler/internal/sitemap"
	"github.com/JakeFAU/ratings-crawler/internal/storage"
	memorystore "github.com/JakeFAU/ratings-crawler/internal/storage/memory"
	pgstore "github.com/JakeFAU/ratings-crawler/internal/storage/postgres"
	"github.com/JakeFAU/ratings-crawler/internal/store"
	"github.com/JakeFAU/ratings-crawler/internal/terms"
)

// ScanStore is a scan state repository that can report its health.
type ScanStore interface {
	store.ScanStateRepository
	Ping(ctx context.Context) error
}

type schemaMigrator interface {
	EnsureSchema(ctx context.Context) error
}

// App holds the wired services of one process.
type App struct {
	cfg          config.Config
	logger       *zap.Logger
	store        ScanStore
	index        *redisindex.Index
	extractor    *terms.Extractor
	archive      crawler.BlobStore
	closeArchive func() error
	orchestrator *orchestrator.Orchestrator
}

// Build connects every backend named by cfg and wires the orchestrator. On
// error, whatever was already opened is closed again.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	a := newApp(cfg, logger)
	a.logger.Info("building application dependencies",
		zap.String("db_driver", cfg.DB.Driver),
		zap.String("index_addr", cfg.Index.Addr),
		zap.String("archive", cfg.Archive.Provider),
	)

	steps := []func(context.Context) error{
		a.setupStore,
		a.setupIndex,
		a.setupArchive,
	}
	for _, step := range steps {
		if err := step(ctx); err != nil {
			if cerr := a.Close(); cerr != nil {
				a.logger.Warn("cleanup after failed build", zap.Error(cerr))
			}
			return nil, err
		}
	}
	a.setupOrchestrator()
	return a, nil
}

// BuildStore opens only the scan state store. Schema work runs through it so
// it does not need the index or the archive to be reachable.
func BuildStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	a := newApp(cfg, logger)
	if err := a.setupStore(ctx); err != nil {
		return nil, err
	}
	return a, nil
}

func newApp(cfg config.Config, logger *zap.Logger) *App {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &App{cfg: cfg, logger: logger, closeArchive: func() error { return nil }}
}

func (a *App) setupStore(ctx context.Context) error {
	switch a.cfg.DB.Driver {
	case config.DriverMemory:
		mem := memorystore.NewScanStateStore(system.New())
		if err := seedMemory(ctx, mem, a.cfg.Seed); err != nil {
			return err
		}
		a.store = mem
		a.logger.Info("using in-memory scan state",
			zap.Int("sites", len(a.cfg.Seed.Sites)),
			zap.Int("persons", len(a.cfg.Seed.Persons)),
		)
	default:
		pg, err := pgstore.NewScanStateStore(ctx, pgstore.Config{
			DSN:             a.cfg.DB.DSN,
			MaxConns:        a.cfg.DB.MaxConns,
			MinConns:        a.cfg.DB.MinConns,
			MaxConnLifetime: a.cfg.DB.MaxConnLifetime,
		})
		if err != nil {
			return fmt.Errorf("scan state store init failed: %w", err)
		}
		a.store = pg
		a.logger.Info("using postgres scan state")
	}
	return nil
}

func seedMemory(ctx context.Context, mem *memorystore.ScanStateStore, seed config.SeedConfig) error {
	for _, site := range seed.Sites {
		mem.AddSite(site.ID, site.Name)
		if err := mem.InsertPages(ctx, site.ID, map[string]*time.Time{site.URL: nil}); err != nil {
			return fmt.Errorf("seed site %d: %w", site.ID, err)
		}
	}
	for _, person := range seed.Persons {
		mem.AddPerson(person.ID, person.Name, person.Keywords...)
	}
	return nil
}

func (a *App) setupIndex(ctx context.Context) error {
	idx, err := redisindex.New(ctx, redisindex.Config{
		Addr:     a.cfg.Index.Addr,
		Password: a.cfg.Index.Password,
		DB:       a.cfg.Index.DB,
		Prefix:   a.cfg.Index.Prefix,
		Timeout:  a.cfg.Index.Timeout,
	})
	if err != nil {
		return fmt.Errorf("index init failed: %w", err)
	}
	a.index = idx
	a.logger.Debug("redis index connected", zap.String("prefix", a.cfg.Index.Prefix))
	return nil
}

func (a *App) setupArchive(ctx context.Context) error {
	archive, closeArchive, err := storage.Open(ctx, storage.Config{
		Provider:  a.cfg.Archive.Provider,
		BaseDir:   a.cfg.Archive.BaseDir,
		GCSBucket: a.cfg.Archive.GCSBucket,
	})
	if err != nil {
		return fmt.Errorf("archive init failed: %w", err)
	}
	a.archive = archive
	a.closeArchive = closeArchive
	if archive == nil {
		a.logger.Info("page archive disabled")
	}
	return nil
}

func (a *App) setupOrchestrator() {
	cfg := a.cfg.Crawler
	limiter := ratelimit.New(ratelimit.Config{MinInterval: cfg.MinInterval})
	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:    cfg.UserAgent,
		Timeout:      cfg.RequestTimeout,
		MaxBodyBytes: cfg.MaxBodyBytes,
	}, limiter, a.logger.Named("fetcher"))
	a.extractor = terms.NewExtractor(terms.Options{
		Stem:        cfg.Stem,
		MainContent: cfg.MainContent,
		Selector:    cfg.Selector,
	}, a.logger.Named("terms"))

	a.logger.Info("crawler config",
		zap.Int("batch_size", cfg.BatchSize),
		zap.Duration("min_interval", limiter.Interval()),
		zap.Duration("request_timeout", cfg.RequestTimeout),
		zap.Int("failure_threshold", cfg.FailureThreshold),
		zap.Bool("main_content", cfg.MainContent),
		zap.Bool("stem", cfg.Stem),
	)

	a.orchestrator = orchestrator.New(orchestrator.Deps{
		Store:      a.store,
		Index:      a.index,
		Fetcher:    fetcher,
		Resolver:   sitemap.NewResolver(fetcher, a.logger.Named("sitemap")),
		Extractor:  a.extractor,
		Aggregator: relevance.New(a.index, a.store, a.extractor, a.logger),
		Archive:    a.archive,
		Hasher:     sha256.New(),
		Clock:      system.New(),
		IDs:        uuid.NewUUIDGenerator(),
	}, orchestrator.Config{
		BatchSize:        cfg.BatchSize,
		FailureThreshold: cfg.FailureThreshold,
		ArchivePrefix:    a.cfg.Archive.Prefix,
	}, a.logger)
}

// Logger returns the shared logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Orchestrator returns the wired crawl orchestrator.
func (a *App) Orchestrator() *orchestrator.Orchestrator {
	return a.orchestrator
}

// Store exposes the scan state repository.
func (a *App) Store() ScanStore {
	return a.store
}

// Index exposes the inverted index.
func (a *App) Index() *redisindex.Index {
	return a.index
}

// Migrate applies the relational schema. Stores without a schema are left
// alone.
func (a *App) Migrate(ctx context.Context) error {
	m, ok := a.store.(schemaMigrator)
	if !ok {
		a.logger.Info("scan state store has no schema to apply", zap.String("driver", a.cfg.DB.Driver))
		return nil
	}
	if err := m.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	a.logger.Info("schema applied")
	return nil
}

// OpsHandler serves health, readiness, metrics and read-only lookups. On a
// store-only App the term routes and the index check are left out.
func (a *App) OpsHandler() http.Handler {
	deps := api.Deps{
		Ranks:  a.store,
		Checks: map[string]api.Pinger{"store": a.store},
	}
	if a.index != nil {
		deps.Index = a.index
		deps.Normalizer = a.extractor
		deps.Checks["index"] = a.index
	}
	return api.NewServer(deps, a.logger.Named("api")).Handler()
}

// Close shuts down every opened backend. It is safe to call more than once.
func (a *App) Close() error {
	var errs []error
	if a.index != nil {
		if err := a.index.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close index: %w", err))
		}
		a.index = nil
	}
	if a.closeArchive != nil {
		if err := a.closeArchive(); err != nil {
			errs = append(errs, fmt.Errorf("close archive: %w", err))
		}
		a.closeArchive = nil
	}
	if a.store != nil {
		a.store.Close()
		a.store = nil
	}
	a.logger.Info("shutdown complete")
	return errors.Join(errs...)
}
