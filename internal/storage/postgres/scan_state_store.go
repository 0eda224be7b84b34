// Package postgres provides the Postgres-backed scan state repository.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/ratings-crawler/internal/crawler"
	"github.com/JakeFAU/ratings-crawler/internal/store"
)

//go:embed schema.sql
var schema string

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Ping(context.Context) error
	Close()
}

// ScanStateStore implements store.ScanStateRepository on Postgres.
type ScanStateStore struct {
	pool pool
}

var _ store.ScanStateRepository = (*ScanStateStore)(nil)

// NewScanStateStore connects a pool using cfg.
func NewScanStateStore(ctx context.Context, cfg Config) (*ScanStateStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, unavailable("connect postgres", err)
	}
	return &ScanStateStore{pool: p}, nil
}

// NewScanStateStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewScanStateStoreWithPool(p pool) (*ScanStateStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &ScanStateStore{pool: p}, nil
}

// Close releases the underlying pool resources.
func (s *ScanStateStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping checks that the database answers.
func (s *ScanStateStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return unavailable("ping postgres", err)
	}
	return nil
}

// EnsureSchema creates the tables when they do not exist.
func (s *ScanStateStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return unavailable("apply schema", err)
	}
	return nil
}

// SiteIDs lists every known site.
func (s *ScanStateStore) SiteIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM sites ORDER BY id`)
	if err != nil {
		return nil, unavailable("list sites", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, unavailable("scan sites", err)
	}
	return ids, nil
}

// UnscannedBatch returns up to limit unscanned content URLs for siteID.
// Discovery URLs are excluded case-insensitively, matching crawler.IsContentURL,
// so they can never fill a batch that the Go filter then empties.
func (s *ScanStateStore) UnscannedBatch(ctx context.Context, siteID int64, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
SELECT url FROM pages
WHERE site_id = $1
  AND last_scan_at IS NULL
  AND url NOT ILIKE '%robots.txt'
  AND url NOT ILIKE '%sitemap%xml%'
ORDER BY id
LIMIT $2`, siteID, limit)
	if err != nil {
		return nil, unavailable("select unscanned batch", err)
	}
	urls, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, unavailable("scan unscanned batch", err)
	}
	out := urls[:0]
	for _, u := range urls {
		if crawler.IsContentURL(u) {
			out = append(out, u)
		}
	}
	return out, nil
}

// MarkScanned sets last_scan_at for urls; a nil at releases them.
func (s *ScanStateStore) MarkScanned(ctx context.Context, urls []string, at *time.Time) error {
	if len(urls) == 0 {
		return nil
	}
	if _, err := s.pool.Exec(ctx, `UPDATE pages SET last_scan_at = $1 WHERE url = ANY($2)`, at, urls); err != nil {
		return unavailable("update last scan", err)
	}
	return nil
}

// InsertPages upserts pages for siteID in one statement. A conflicting URL
// only has its found time refreshed; a nil found time means now.
func (s *ScanStateStore) InsertPages(ctx context.Context, siteID int64, pages map[string]*time.Time) error {
	if len(pages) == 0 {
		return nil
	}
	urls := make([]string, 0, len(pages))
	for u := range pages {
		urls = append(urls, u)
	}
	sort.Strings(urls)
	found := make([]*time.Time, len(urls))
	for i, u := range urls {
		found[i] = pages[u]
	}

	_, err := s.pool.Exec(ctx, `
INSERT INTO pages (url, site_id, found_at)
SELECT u, $1, COALESCE(f, now())
FROM unnest($2::text[], $3::timestamptz[]) AS t(u, f)
ON CONFLICT (url) DO UPDATE SET found_at = EXCLUDED.found_at`, siteID, urls, found)
	if err != nil {
		return unavailable("insert pages", err)
	}
	return nil
}

// SinglePages lists the pages of sites that own exactly one page.
func (s *ScanStateStore) SinglePages(ctx context.Context) ([]store.Page, error) {
	rows, err := s.pool.Query(ctx, `
SELECT p.id, p.url, p.site_id, p.found_at, p.last_scan_at
FROM pages p
JOIN (SELECT site_id FROM pages GROUP BY site_id HAVING COUNT(*) = 1) single
  ON single.site_id = p.site_id
ORDER BY p.id`)
	if err != nil {
		return nil, unavailable("select single pages", err)
	}
	defer rows.Close()

	var pages []store.Page
	for rows.Next() {
		var p store.Page
		if err := rows.Scan(&p.ID, &p.URL, &p.SiteID, &p.FoundAt, &p.LastScanAt); err != nil {
			return nil, unavailable("scan single page", err)
		}
		pages = append(pages, p)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate single pages", err)
	}
	return pages, nil
}

// UnscannedRobotsLinks lists robots.txt URLs awaiting resolution.
func (s *ScanStateStore) UnscannedRobotsLinks(ctx context.Context) ([]string, error) {
	return s.urls(ctx, "select robots links",
		`SELECT url FROM pages WHERE url ILIKE '%robots.txt' AND last_scan_at IS NULL ORDER BY id`)
}

// UnscannedSitemapLinks lists sitemap URLs awaiting resolution.
func (s *ScanStateStore) UnscannedSitemapLinks(ctx context.Context) ([]string, error) {
	return s.urls(ctx, "select sitemap links",
		`SELECT url FROM pages WHERE url ILIKE '%sitemap%xml%' AND last_scan_at IS NULL ORDER BY id`)
}

// SiteIDByURL returns the site owning url.
func (s *ScanStateStore) SiteIDByURL(ctx context.Context, url string) (int64, error) {
	var siteID int64
	err := s.pool.QueryRow(ctx, `SELECT site_id FROM pages WHERE url = $1`, url).Scan(&siteID)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("site for %s: %w", url, store.ErrNotFound)
	}
	if err != nil {
		return 0, unavailable("select site id", err)
	}
	return siteID, nil
}

// PersonsWithKeywords loads persons and their keywords. The person's name
// is always the first keyword.
func (s *ScanStateStore) PersonsWithKeywords(ctx context.Context) ([]store.Person, error) {
	rows, err := s.pool.Query(ctx, `
SELECT p.id, p.name, COALESCE(array_agg(k.name ORDER BY k.name) FILTER (WHERE k.name IS NOT NULL), '{}')
FROM persons p
LEFT JOIN keywords k ON k.person_id = p.id
GROUP BY p.id, p.name
ORDER BY p.id`)
	if err != nil {
		return nil, unavailable("select persons", err)
	}
	defer rows.Close()

	var persons []store.Person
	for rows.Next() {
		var (
			p        store.Person
			keywords []string
		)
		if err := rows.Scan(&p.ID, &p.Name, &keywords); err != nil {
			return nil, unavailable("scan person", err)
		}
		p.Keywords = store.MergeKeywords(p.Name, keywords)
		persons = append(persons, p)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate persons", err)
	}
	return persons, nil
}

// PersonPageRanks returns persisted ranks keyed by person then URL. Every
// person has an entry, possibly empty.
func (s *ScanStateStore) PersonPageRanks(ctx context.Context) (map[int64]map[string]int, error) {
	rows, err := s.pool.Query(ctx, `
SELECT pe.id, pg.url, r.rank
FROM persons pe
LEFT JOIN person_page_ranks r ON r.person_id = pe.id
LEFT JOIN pages pg ON pg.id = r.page_id`)
	if err != nil {
		return nil, unavailable("select page ranks", err)
	}
	defer rows.Close()

	ranks := make(map[int64]map[string]int)
	for rows.Next() {
		var (
			personID int64
			url      *string
			rank     *int32
		)
		if err := rows.Scan(&personID, &url, &rank); err != nil {
			return nil, unavailable("scan page rank", err)
		}
		m, ok := ranks[personID]
		if !ok {
			m = make(map[string]int)
			ranks[personID] = m
		}
		if url != nil && rank != nil {
			m[*url] = int(*rank)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate page ranks", err)
	}
	return ranks, nil
}

// InsertPersonPageRanks upserts ranks for personID. URLs without a page row
// are dropped by the join.
func (s *ScanStateStore) InsertPersonPageRanks(ctx context.Context, personID int64, ranks map[string]int) error {
	if len(ranks) == 0 {
		return nil
	}
	urls := make([]string, 0, len(ranks))
	for u := range ranks {
		urls = append(urls, u)
	}
	sort.Strings(urls)
	values := make([]int32, len(urls))
	for i, u := range urls {
		values[i] = int32(ranks[u]) //nolint:gosec // ranks are occurrence counts
	}

	_, err := s.pool.Exec(ctx, `
INSERT INTO person_page_ranks (person_id, page_id, rank)
SELECT $1, p.id, r.rank
FROM unnest($2::text[], $3::int[]) AS r(url, rank)
JOIN pages p ON p.url = r.url
ON CONFLICT (person_id, page_id) DO UPDATE SET rank = EXCLUDED.rank`, personID, urls, values)
	if err != nil {
		return unavailable("upsert page ranks", err)
	}
	return nil
}

func (s *ScanStateStore) urls(ctx context.Context, op, query string) ([]string, error) {
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, unavailable(op, err)
	}
	urls, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, unavailable(op, err)
	}
	return urls, nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, store.ErrUnavailable, err)
}
