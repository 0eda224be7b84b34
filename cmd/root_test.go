package cmd

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/ratings-crawler/internal/config"
	"github.com/JakeFAU/ratings-crawler/internal/crawler"
)

type fakePhases struct {
	calls []string
	err   error
}

func (f *fakePhases) record(name string) (crawler.Summary, error) {
	f.calls = append(f.calls, name)
	return crawler.Summary{Claimed: 1, Indexed: 1}, f.err
}

func (f *fakePhases) SeedRobots(context.Context) (crawler.Summary, error) {
	return f.record("seed-robots")
}

func (f *fakePhases) ResolveRobots(context.Context) (crawler.Summary, error) {
	return f.record("resolve-robots")
}

func (f *fakePhases) ResolveSitemaps(context.Context) (crawler.Summary, error) {
	return f.record("resolve-sitemaps")
}
func (f *fakePhases) Crawl(context.Context) (crawler.Summary, error) { return f.record("crawl") }
func (f *fakePhases) RunCycle(context.Context) (crawler.Summary, error) {
	return f.record("cycle")
}
func (f *fakePhases) Reindex(context.Context) (crawler.Summary, error) { return f.record("reindex") }

type fakeService struct {
	closed int
}

func (f *fakeService) OpsHandler() http.Handler { return http.NotFoundHandler() }
func (f *fakeService) Close() error             { f.closed++; return nil }

type fakeMigrator struct {
	migrated int
	closed   int
}

func (f *fakeMigrator) Migrate(context.Context) error { f.migrated++; return nil }
func (f *fakeMigrator) Close() error                  { f.closed++; return nil }

// stubMigrator swaps buildMigrator for the duration of a test.
func stubMigrator(t *testing.T, m *fakeMigrator) {
	t.Helper()
	orig := buildMigrator
	buildMigrator = func(context.Context, config.Config, *zap.Logger) (Migrator, error) {
		return m, nil
	}
	t.Cleanup(func() { buildMigrator = orig })
}

// stubBuild swaps buildService for the duration of a test. Tests using it
// must not run in parallel.
func stubBuild(t *testing.T, phases *fakePhases, svc *fakeService, buildErr error) *config.Config {
	t.Helper()
	var seen config.Config
	orig := buildService
	buildService = func(_ context.Context, cfg config.Config, _ *zap.Logger) (Service, Phases, error) {
		seen = cfg
		if buildErr != nil {
			return nil, nil, buildErr
		}
		return svc, phases, nil
	}
	t.Cleanup(func() { buildService = orig })
	return &seen
}

func writeConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := "db:\n  driver: memory\nindex:\n  addr: localhost:6379\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestPhaseCommandsDispatch(t *testing.T) {
	cfgPath := writeConfig(t)
	for _, name := range []string{"seed-robots", "resolve-robots", "resolve-sitemaps", "crawl", "cycle", "reindex"} {
		t.Run(name, func(t *testing.T) {
			phases, svc := &fakePhases{}, &fakeService{}
			stubBuild(t, phases, svc, nil)

			code := run(context.Background(), []string{name, "--config", cfgPath}, &bytes.Buffer{})

			assert.Equal(t, 0, code)
			assert.Equal(t, []string{name}, phases.calls)
			assert.Equal(t, 1, svc.closed, "services are closed after the command")
		})
	}
}

func TestFlagsOverrideConfig(t *testing.T) {
	phases, svc := &fakePhases{}, &fakeService{}
	seen := stubBuild(t, phases, svc, nil)

	code := run(context.Background(), []string{
		"crawl", "--config", writeConfig(t), "--batch-size", "3", "--index-timeout", "5s",
	}, &bytes.Buffer{})

	require.Equal(t, 0, code)
	assert.Equal(t, 3, seen.Crawler.BatchSize)
	assert.Equal(t, 5*time.Second, seen.Index.Timeout)
}

func TestInvalidFlagOverrideFails(t *testing.T) {
	phases, svc := &fakePhases{}, &fakeService{}
	stubBuild(t, phases, svc, nil)
	stderr := &bytes.Buffer{}

	code := run(context.Background(), []string{"crawl", "--config", writeConfig(t), "--batch-size", "-1"}, stderr)

	assert.Equal(t, 1, code)
	assert.Contains(t, stderr.String(), "crawler.batch_size")
	assert.Empty(t, phases.calls)
}

func TestMigrateCommand(t *testing.T) {
	tests := []struct {
		name     string
		buildErr error
	}{
		{name: "all backends up"},
		{name: "index unreachable", buildErr: errors.New("redis: dial tcp: connection refused")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			phases, svc, m := &fakePhases{}, &fakeService{}, &fakeMigrator{}
			stubBuild(t, phases, svc, tt.buildErr)
			stubMigrator(t, m)

			code := run(context.Background(), []string{"migrate", "--config", writeConfig(t)}, &bytes.Buffer{})

			assert.Equal(t, 0, code)
			assert.Equal(t, 1, m.migrated)
			assert.Equal(t, 1, m.closed)
			assert.Zero(t, svc.closed, "migrate never builds the full service")
			assert.Empty(t, phases.calls)
		})
	}
}

func TestFlagFixesInvalidFileValue(t *testing.T) {
	phases, svc := &fakePhases{}, &fakeService{}
	seen := stubBuild(t, phases, svc, nil)
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := "db:\n  driver: memory\nindex:\n  addr: localhost:6379\ncrawler:\n  batch_size: 0\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	code := run(context.Background(), []string{"crawl", "--config", path, "--batch-size", "5"}, &bytes.Buffer{})

	require.Equal(t, 0, code)
	assert.Equal(t, 5, seen.Crawler.BatchSize)
	assert.Equal(t, []string{"crawl"}, phases.calls)
}

func TestCommandErrorsExitNonZero(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{name: "fatal", err: errors.New("crawl: store unavailable"), code: 1},
		{name: "canceled", err: context.Canceled, code: 130},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			phases, svc := &fakePhases{err: tt.err}, &fakeService{}
			stubBuild(t, phases, svc, nil)

			code := run(context.Background(), []string{"crawl", "--config", writeConfig(t)}, &bytes.Buffer{})

			assert.Equal(t, tt.code, code)
			assert.Equal(t, 1, svc.closed)
		})
	}
}

func TestBuildFailureExitsNonZero(t *testing.T) {
	stubBuild(t, &fakePhases{}, &fakeService{}, errors.New("redis down"))

	code := run(context.Background(), []string{"crawl", "--config", writeConfig(t)}, &bytes.Buffer{})

	assert.Equal(t, 1, code)
}

func TestMissingConfigFileFails(t *testing.T) {
	stubBuild(t, &fakePhases{}, &fakeService{}, nil)
	stderr := &bytes.Buffer{}

	code := run(context.Background(), []string{"crawl", "--config", filepath.Join(t.TempDir(), "nope.yaml")}, stderr)

	assert.Equal(t, 1, code)
	assert.Contains(t, stderr.String(), "load config")
}

func TestMetricsListenerRunsDuringCommand(t *testing.T) {
	phases, svc := &fakePhases{}, &fakeService{}
	stubBuild(t, phases, svc, nil)

	code := run(context.Background(), []string{
		"reindex", "--config", writeConfig(t), "--metrics-addr", "127.0.0.1:0",
	}, &bytes.Buffer{})

	assert.Equal(t, 0, code)
	assert.Equal(t, []string{"reindex"}, phases.calls)
	assert.Equal(t, 1, svc.closed)
}
