// Package cmd defines the ratings-crawler command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/ratings-crawler/internal/api"
	"github.com/JakeFAU/ratings-crawler/internal/app"
	"github.com/JakeFAU/ratings-crawler/internal/config"
	"github.com/JakeFAU/ratings-crawler/internal/crawler"
	"github.com/JakeFAU/ratings-crawler/internal/logging"
)

// Phases is the crawl pipeline as seen by the commands.
type Phases interface {
	SeedRobots(ctx context.Context) (crawler.Summary, error)
	ResolveRobots(ctx context.Context) (crawler.Summary, error)
	ResolveSitemaps(ctx context.Context) (crawler.Summary, error)
	Crawl(ctx context.Context) (crawler.Summary, error)
	RunCycle(ctx context.Context) (crawler.Summary, error)
	Reindex(ctx context.Context) (crawler.Summary, error)
}

// Service owns the process-wide backends.
type Service interface {
	OpsHandler() http.Handler
	Close() error
}

// Migrator applies the relational schema.
type Migrator interface {
	Migrate(ctx context.Context) error
	Close() error
}

// storeOnly marks commands that need the scan state store and nothing else.
const storeOnly = "store-only"

// buildService and buildMigrator are replaced in tests.
var (
	buildService = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (Service, Phases, error) {
		a, err := app.Build(ctx, cfg, logger)
		if err != nil {
			return nil, nil, err
		}
		return a, a.Orchestrator(), nil
	}
	buildMigrator = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (Migrator, error) {
		return app.BuildStore(ctx, cfg, logger)
	}
)

// cli carries the state shared by the root command and its subcommands.
type cli struct {
	cfgFile      string
	batchSize    int
	indexTimeout time.Duration
	metricsAddr  string

	logger   *zap.Logger
	svc      Service
	phases   Phases
	migrator Migrator
	stopOps context.CancelFunc
	opsDone chan error
}

func newRootCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ratings-crawler",
		Short: "Crawls news sites and ranks pages by how much they mention watched persons.",
		Long: `ratings-crawler discovers pages through robots.txt and sitemaps, indexes
their terms in Redis, and keeps per person page ranks in the scan state store.
Every phase is resumable: interrupted work is released and picked up by the
next run.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: c.setup,
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&c.cfgFile, "config", "", "config file (YAML, TOML or JSON)")
	flags.IntVar(&c.batchSize, "batch-size", 0, "URLs claimed per site per batch (overrides crawler.batch_size)")
	flags.DurationVar(&c.indexTimeout, "index-timeout", 0, "Redis operation timeout (overrides index.timeout)")
	flags.StringVar(&c.metricsAddr, "metrics-addr", "", "serve /metrics, /healthz and lookups on this address while running")

	cmd.AddCommand(
		c.phaseCmd("seed-robots", "Add robots.txt links for single-page sites", func(p Phases) phaseFunc { return p.SeedRobots }),
		c.phaseCmd("resolve-robots", "Turn robots.txt links into sitemap links", func(p Phases) phaseFunc { return p.ResolveRobots }),
		c.phaseCmd("resolve-sitemaps", "Expand sitemap links into page links", func(p Phases) phaseFunc { return p.ResolveSitemaps }),
		c.phaseCmd("crawl", "Fetch and index unscanned pages", func(p Phases) phaseFunc { return p.Crawl }),
		c.phaseCmd("cycle", "Run every phase in order", func(p Phases) phaseFunc { return p.RunCycle }),
		c.phaseCmd("reindex", "Rebuild person page ranks from the index", func(p Phases) phaseFunc { return p.Reindex }),
		c.migrateCmd(),
	)
	return cmd
}

// setup loads configuration, applies flag overrides, validates once, builds
// the logger and the services, and starts the ops listener when requested.
// Store-only commands get just the scan state store.
func (c *cli) setup(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(c.cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	flags := cmd.Flags()
	if flags.Changed("batch-size") {
		cfg.Crawler.BatchSize = c.batchSize
	}
	if flags.Changed("index-timeout") {
		cfg.Index.Timeout = c.indexTimeout
	}
	if flags.Changed("metrics-addr") {
		cfg.Metrics.Addr = c.metricsAddr
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return fmt.Errorf("logger init failed: %w", err)
	}
	c.logger = logger
	zap.ReplaceGlobals(logger)

	if cmd.Annotations[storeOnly] != "" {
		m, err := buildMigrator(cmd.Context(), cfg, logger)
		if err != nil {
			return fmt.Errorf("initialize store: %w", err)
		}
		c.migrator = m
		return nil
	}

	svc, phases, err := buildService(cmd.Context(), cfg, logger)
	if err != nil {
		return fmt.Errorf("initialize services: %w", err)
	}
	c.svc, c.phases = svc, phases

	if cfg.Metrics.Addr != "" {
		opsCtx, stop := context.WithCancel(cmd.Context())
		c.stopOps = stop
		c.opsDone = make(chan error, 1)
		go func() {
			c.opsDone <- api.Serve(opsCtx, cfg.Metrics.Addr, svc.OpsHandler(), logger.Named("ops"), nil)
		}()
	}
	return nil
}

// shutdown stops the ops listener and closes the services. It runs even when
// the command failed.
func (c *cli) shutdown() error {
	var errs []error
	if c.stopOps != nil {
		c.stopOps()
		if err := <-c.opsDone; err != nil {
			errs = append(errs, err)
		}
		c.stopOps = nil
	}
	if c.svc != nil {
		if err := c.svc.Close(); err != nil {
			errs = append(errs, err)
		}
		c.svc = nil
	}
	if c.migrator != nil {
		if err := c.migrator.Close(); err != nil {
			errs = append(errs, err)
		}
		c.migrator = nil
	}
	return errors.Join(errs...)
}

type phaseFunc func(context.Context) (crawler.Summary, error)

func (c *cli) phaseCmd(use, short string, pick func(Phases) phaseFunc) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sum, err := pick(c.phases)(cmd.Context())
			c.logger.Info("command finished",
				zap.String("command", use),
				zap.Int("claimed", sum.Claimed),
				zap.Int("indexed", sum.Indexed),
				zap.Int("unavailable", sum.Unavailable),
				zap.Int("released", sum.Released),
				zap.Int("skipped", sum.Skipped),
			)
			return err
		},
	}
}

func (c *cli) migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "migrate",
		Short:       "Create the scan state tables if they do not exist",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{storeOnly: "true"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.migrator.Migrate(cmd.Context())
		},
	}
}

// run executes the command line and returns the process exit code.
func run(ctx context.Context, args []string, stderr io.Writer) int {
	c := &cli{}
	root := newRootCmd(c)
	root.SetArgs(args)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if cerr := c.shutdown(); cerr != nil {
		err = errors.Join(err, cerr)
	}

	code := 0
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		c.log(stderr, "interrupted, pending work was released", err)
		code = 130
	default:
		c.log(stderr, "command failed", err)
		code = 1
	}
	if c.logger != nil {
		_ = c.logger.Sync()
	}
	return code
}

func (c *cli) log(stderr io.Writer, msg string, err error) {
	if c.logger == nil {
		fmt.Fprintf(stderr, "%s: %v\n", msg, err)
		return
	}
	c.logger.Error(msg, zap.Error(err))
}

// Execute is the main entry point.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stderr)
	stop()
	os.Exit(code)
}
