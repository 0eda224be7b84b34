// Package storage selects the page archive backend.
package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/JakeFAU/ratings-crawler/internal/crawler"
	"github.com/JakeFAU/ratings-crawler/internal/storage/gcs"
	"github.com/JakeFAU/ratings-crawler/internal/storage/local"
	"github.com/JakeFAU/ratings-crawler/internal/storage/memory"
)

// Archive providers.
const (
	ProviderNone   = "none"
	ProviderLocal  = "local"
	ProviderGCS    = "gcs"
	ProviderMemory = "memory"
)

// Config selects and configures the archive.
type Config struct {
	Provider  string
	BaseDir   string
	GCSBucket string
}

// Open builds the configured archive. A nil BlobStore means archiving is
// disabled. The returned close function is always non-nil.
func Open(ctx context.Context, cfg Config) (crawler.BlobStore, func() error, error) {
	noop := func() error { return nil }
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "", ProviderNone:
		return nil, noop, nil
	case ProviderMemory:
		return memory.NewBlobStore(), noop, nil
	case ProviderLocal:
		blobs, err := local.New(local.Config{BaseDir: cfg.BaseDir})
		if err != nil {
			return nil, noop, fmt.Errorf("open local archive: %w", err)
		}
		return blobs, noop, nil
	case ProviderGCS:
		blobs, err := gcs.Open(ctx, gcs.Config{Bucket: cfg.GCSBucket})
		if err != nil {
			return nil, noop, fmt.Errorf("open gcs archive: %w", err)
		}
		return blobs, blobs.Close, nil
	default:
		return nil, noop, fmt.Errorf("unknown archive provider %q", cfg.Provider)
	}
}
