package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/ratings-crawler/internal/crawler"
	"github.com/JakeFAU/ratings-crawler/internal/store"
)

// ScanStateStore is an in-memory store.ScanStateRepository for development
// and tests.
type ScanStateStore struct {
	mu      sync.RWMutex
	clock   crawler.Clock
	nextID  int64
	sites   map[int64]string
	pages   map[string]*store.Page
	persons map[int64]store.Person
	ranks   map[int64]map[int64]int // person -> page id -> rank
}

var _ store.ScanStateRepository = (*ScanStateStore)(nil)

type nowFunc func() time.Time

func (f nowFunc) Now() time.Time { return f() }

// NewScanStateStore constructs an empty store. A nil clock uses wall time.
func NewScanStateStore(clock crawler.Clock) *ScanStateStore {
	if clock == nil {
		clock = nowFunc(func() time.Time { return time.Now().UTC() })
	}
	return &ScanStateStore{
		clock:   clock,
		sites:   make(map[int64]string),
		pages:   make(map[string]*store.Page),
		persons: make(map[int64]store.Person),
		ranks:   make(map[int64]map[int64]int),
	}
}

// AddSite registers a site.
func (s *ScanStateStore) AddSite(id int64, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sites[id] = name
}

// AddPerson registers a watched person with extra keywords.
func (s *ScanStateStore) AddPerson(id int64, name string, keywords ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.persons[id] = store.Person{ID: id, Name: name, Keywords: append([]string(nil), keywords...)}
	if _, ok := s.ranks[id]; !ok {
		s.ranks[id] = make(map[int64]int)
	}
}

// Page returns a copy of the row for url.
func (s *ScanStateStore) Page(url string) (store.Page, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.pages[url]
	if !ok {
		return store.Page{}, false
	}
	return *p, true
}

// Close is a no-op.
func (s *ScanStateStore) Close() {}

// Ping always succeeds.
func (s *ScanStateStore) Ping(context.Context) error { return nil }

// SiteIDs lists registered sites in ascending order.
func (s *ScanStateStore) SiteIDs(_ context.Context) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]int64, 0, len(s.sites))
	for id := range s.sites {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// UnscannedBatch returns up to limit unscanned content URLs in insertion order.
func (s *ScanStateStore) UnscannedBatch(_ context.Context, siteID int64, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for _, p := range s.ordered() {
		if len(out) >= limit {
			break
		}
		if p.SiteID == siteID && p.LastScanAt == nil && crawler.IsContentURL(p.URL) {
			out = append(out, p.URL)
		}
	}
	return out, nil
}

// MarkScanned sets or clears the scan time of known urls.
func (s *ScanStateStore) MarkScanned(_ context.Context, urls []string, at *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range urls {
		p, ok := s.pages[u]
		if !ok {
			continue
		}
		p.LastScanAt = copyTime(at)
	}
	return nil
}

// InsertPages upserts pages. Unknown sites are registered implicitly.
func (s *ScanStateStore) InsertPages(_ context.Context, siteID int64, pages map[string]*time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sites[siteID]; !ok {
		s.sites[siteID] = fmt.Sprintf("site-%d", siteID)
	}
	urls := make([]string, 0, len(pages))
	for u := range pages {
		urls = append(urls, u)
	}
	sort.Strings(urls)
	for _, u := range urls {
		found := copyTime(pages[u])
		if found == nil {
			now := s.clock.Now()
			found = &now
		}
		if existing, ok := s.pages[u]; ok {
			existing.FoundAt = found
			continue
		}
		s.nextID++
		s.pages[u] = &store.Page{ID: s.nextID, URL: u, SiteID: siteID, FoundAt: found}
	}
	return nil
}

// SinglePages lists the pages of sites that own exactly one page.
func (s *ScanStateStore) SinglePages(_ context.Context) ([]store.Page, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	perSite := make(map[int64]int)
	for _, p := range s.pages {
		perSite[p.SiteID]++
	}
	var out []store.Page
	for _, p := range s.ordered() {
		if perSite[p.SiteID] == 1 {
			out = append(out, *p)
		}
	}
	return out, nil
}

// UnscannedRobotsLinks lists robots.txt URLs awaiting resolution.
func (s *ScanStateStore) UnscannedRobotsLinks(_ context.Context) ([]string, error) {
	return s.unscanned(crawler.IsRobotsURL), nil
}

// UnscannedSitemapLinks lists sitemap URLs awaiting resolution.
func (s *ScanStateStore) UnscannedSitemapLinks(_ context.Context) ([]string, error) {
	return s.unscanned(crawler.IsSitemapURL), nil
}

// SiteIDByURL returns the site owning url.
func (s *ScanStateStore) SiteIDByURL(_ context.Context, url string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.pages[url]
	if !ok {
		return 0, fmt.Errorf("site for %s: %w", url, store.ErrNotFound)
	}
	return p.SiteID, nil
}

// PersonsWithKeywords returns persons ordered by ID, name first in keywords.
func (s *ScanStateStore) PersonsWithKeywords(_ context.Context) ([]store.Person, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]store.Person, 0, len(s.persons))
	for _, p := range s.persons {
		out = append(out, store.Person{ID: p.ID, Name: p.Name, Keywords: store.MergeKeywords(p.Name, p.Keywords)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// PersonPageRanks returns ranks keyed by person then URL.
func (s *ScanStateStore) PersonPageRanks(_ context.Context) (map[int64]map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byID := make(map[int64]string, len(s.pages))
	for _, p := range s.pages {
		byID[p.ID] = p.URL
	}
	out := make(map[int64]map[string]int, len(s.ranks))
	for personID, pages := range s.ranks {
		m := make(map[string]int, len(pages))
		for pageID, rank := range pages {
			if u, ok := byID[pageID]; ok {
				m[u] = rank
			}
		}
		out[personID] = m
	}
	return out, nil
}

// InsertPersonPageRanks upserts ranks; URLs without a page are ignored.
func (s *ScanStateStore) InsertPersonPageRanks(_ context.Context, personID int64, ranks map[string]int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.ranks[personID]
	if !ok {
		m = make(map[int64]int)
		s.ranks[personID] = m
	}
	for u, rank := range ranks {
		if p, ok := s.pages[u]; ok {
			m[p.ID] = rank
		}
	}
	return nil
}

func (s *ScanStateStore) unscanned(match func(string) bool) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for _, p := range s.ordered() {
		if p.LastScanAt == nil && match(p.URL) {
			out = append(out, p.URL)
		}
	}
	return out
}

// ordered returns pages by ID. Callers hold the lock.
func (s *ScanStateStore) ordered() []*store.Page {
	out := make([]*store.Page, 0, len(s.pages))
	for _, p := range s.pages {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

