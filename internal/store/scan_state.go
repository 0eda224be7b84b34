package store

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	// ErrNotFound signals that the requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrUnavailable signals that a backing store could not be reached or rejected a query.
	ErrUnavailable = errors.New("store unavailable")
)

// Page models a row of the pages table.
type Page struct {
	ID     int64
	URL    string
	SiteID int64
	// FoundAt is the sitemap lastmod or the discovery time.
	FoundAt *time.Time
	// LastScanAt is nil while the page is waiting to be crawled.
	LastScanAt *time.Time
}

// Person is a watched entity whose keywords are matched against indexed pages.
type Person struct {
	ID       int64
	Name     string
	Keywords []string
}

// ScanStateRepository tracks which URLs exist, which are pending, and the
// relevance ranks derived from them.
type ScanStateRepository interface {
	// SiteIDs lists every known site.
	SiteIDs(ctx context.Context) ([]int64, error)
	// UnscannedBatch returns up to limit unscanned content URLs for a site.
	UnscannedBatch(ctx context.Context, siteID int64, limit int) ([]string, error)
	// MarkScanned claims or finishes urls when at is non-nil and releases them when nil.
	MarkScanned(ctx context.Context, urls []string, at *time.Time) error
	// InsertPages upserts URLs for a site; a duplicate URL only refreshes its found time.
	InsertPages(ctx context.Context, siteID int64, pages map[string]*time.Time) error
	// SinglePages lists the pages of sites that have exactly one page.
	SinglePages(ctx context.Context) ([]Page, error)
	// UnscannedRobotsLinks lists robots.txt URLs that have not been resolved.
	UnscannedRobotsLinks(ctx context.Context) ([]string, error)
	// UnscannedSitemapLinks lists sitemap URLs that have not been resolved.
	UnscannedSitemapLinks(ctx context.Context) ([]string, error)
	// SiteIDByURL returns the owning site of url or ErrNotFound.
	SiteIDByURL(ctx context.Context, url string) (int64, error)
	// PersonsWithKeywords loads every person together with their keywords.
	PersonsWithKeywords(ctx context.Context) ([]Person, error)
	// PersonPageRanks returns the persisted ranks keyed by person ID then URL.
	PersonPageRanks(ctx context.Context) (map[int64]map[string]int, error)
	// InsertPersonPageRanks upserts ranks for one person; unknown URLs are ignored.
	InsertPersonPageRanks(ctx context.Context, personID int64, ranks map[string]int) error
	Close()
}

// MergeKeywords returns name followed by keywords, without empty or
// case-insensitively repeated entries.
func MergeKeywords(name string, keywords []string) []string {
	out := make([]string, 0, len(keywords)+1)
	seen := make(map[string]struct{}, len(keywords)+1)
	for _, kw := range append([]string{name}, keywords...) {
		kw = strings.TrimSpace(kw)
		if kw == "" {
			continue
		}
		key := strings.ToLower(kw)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, kw)
	}
	return out
}
