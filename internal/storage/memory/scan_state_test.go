package memory

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/JakeFAU/ratings-crawler/internal/store"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func TestInsertPagesIsIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s := NewScanStateStore(fixedClock{now: now})
	first := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	second := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)

	if err := s.InsertPages(ctx, 1, map[string]*time.Time{"https://a.example/x": &first}); err != nil {
		t.Fatalf("InsertPages() error = %v", err)
	}
	before, _ := s.Page("https://a.example/x")
	if err := s.InsertPages(ctx, 1, map[string]*time.Time{"https://a.example/x": &second}); err != nil {
		t.Fatalf("InsertPages() error = %v", err)
	}
	after, ok := s.Page("https://a.example/x")
	if !ok {
		t.Fatal("page missing after upsert")
	}
	if after.ID != before.ID {
		t.Fatalf("expected one row, ids %d and %d", before.ID, after.ID)
	}
	if !after.FoundAt.Equal(second) {
		t.Fatalf("expected found time refreshed, got %v", after.FoundAt)
	}

	if err := s.InsertPages(ctx, 1, map[string]*time.Time{"https://a.example/y": nil}); err != nil {
		t.Fatalf("InsertPages() error = %v", err)
	}
	y, _ := s.Page("https://a.example/y")
	if y.FoundAt == nil || !y.FoundAt.Equal(now) {
		t.Fatalf("expected nil found time to default to now, got %v", y.FoundAt)
	}
}

func TestUnscannedBatchSkipsDiscoveryURLs(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewScanStateStore(nil)
	err := s.InsertPages(ctx, 1, map[string]*time.Time{
		"https://a.example/a":           nil,
		"https://a.example/b":           nil,
		"https://a.example/c":           nil,
		"https://a.example/robots.txt":  nil,
		"https://a.example/sitemap.xml": nil,
	})
	if err != nil {
		t.Fatalf("InsertPages() error = %v", err)
	}
	if err := s.InsertPages(ctx, 2, map[string]*time.Time{"https://b.example/a": nil}); err != nil {
		t.Fatalf("InsertPages() error = %v", err)
	}

	batch, err := s.UnscannedBatch(ctx, 1, 10)
	if err != nil {
		t.Fatalf("UnscannedBatch() error = %v", err)
	}
	want := []string{"https://a.example/a", "https://a.example/b", "https://a.example/c"}
	if !reflect.DeepEqual(batch, want) {
		t.Fatalf("UnscannedBatch() = %v, want %v", batch, want)
	}

	limited, _ := s.UnscannedBatch(ctx, 1, 2)
	if len(limited) != 2 {
		t.Fatalf("expected limit to apply, got %v", limited)
	}
}

func TestMarkScannedClaimsAndReleases(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewScanStateStore(nil)
	_ = s.InsertPages(ctx, 1, map[string]*time.Time{"https://a.example/a": nil, "https://a.example/b": nil})
	now := time.Now().UTC()

	if err := s.MarkScanned(ctx, []string{"https://a.example/a", "https://a.example/b", "https://unknown"}, &now); err != nil {
		t.Fatalf("MarkScanned() error = %v", err)
	}
	if batch, _ := s.UnscannedBatch(ctx, 1, 10); len(batch) != 0 {
		t.Fatalf("expected claimed pages hidden, got %v", batch)
	}
	if err := s.MarkScanned(ctx, []string{"https://a.example/b"}, nil); err != nil {
		t.Fatalf("MarkScanned() error = %v", err)
	}
	batch, _ := s.UnscannedBatch(ctx, 1, 10)
	if !reflect.DeepEqual(batch, []string{"https://a.example/b"}) {
		t.Fatalf("expected released page eligible, got %v", batch)
	}
}

func TestDiscoveryLinksAndSinglePages(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewScanStateStore(nil)
	s.AddSite(3, "empty")
	_ = s.InsertPages(ctx, 1, map[string]*time.Time{"https://solo.example/": nil})
	_ = s.InsertPages(ctx, 2, map[string]*time.Time{
		"https://multi.example/robots.txt":         nil,
		"https://multi.example/sitemap_index.xml":  nil,
		"https://multi.example/sitemap-news.xml.gz": nil,
	})

	singles, _ := s.SinglePages(ctx)
	if len(singles) != 1 || singles[0].URL != "https://solo.example/" {
		t.Fatalf("SinglePages() = %v", singles)
	}

	robots, _ := s.UnscannedRobotsLinks(ctx)
	if !reflect.DeepEqual(robots, []string{"https://multi.example/robots.txt"}) {
		t.Fatalf("UnscannedRobotsLinks() = %v", robots)
	}
	sitemaps, _ := s.UnscannedSitemapLinks(ctx)
	if len(sitemaps) != 2 {
		t.Fatalf("UnscannedSitemapLinks() = %v", sitemaps)
	}

	ids, _ := s.SiteIDs(ctx)
	if !reflect.DeepEqual(ids, []int64{1, 2, 3}) {
		t.Fatalf("SiteIDs() = %v", ids)
	}

	site, err := s.SiteIDByURL(ctx, "https://multi.example/robots.txt")
	if err != nil || site != 2 {
		t.Fatalf("SiteIDByURL() = %d, %v", site, err)
	}
	if _, err := s.SiteIDByURL(ctx, "https://nowhere.example/"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPersonRanks(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewScanStateStore(nil)
	s.AddPerson(1, "Putin", "Kremlin")
	s.AddPerson(2, "Biden")
	_ = s.InsertPages(ctx, 1, map[string]*time.Time{"https://a.example/a": nil})

	persons, _ := s.PersonsWithKeywords(ctx)
	wantPersons := []store.Person{
		{ID: 1, Name: "Putin", Keywords: []string{"Putin", "Kremlin"}},
		{ID: 2, Name: "Biden", Keywords: []string{"Biden"}},
	}
	if !reflect.DeepEqual(persons, wantPersons) {
		t.Fatalf("PersonsWithKeywords() = %v", persons)
	}

	err := s.InsertPersonPageRanks(ctx, 1, map[string]int{"https://a.example/a": 3, "https://ghost.example/": 9})
	if err != nil {
		t.Fatalf("InsertPersonPageRanks() error = %v", err)
	}
	_ = s.InsertPersonPageRanks(ctx, 1, map[string]int{"https://a.example/a": 4})

	ranks, _ := s.PersonPageRanks(ctx)
	want := map[int64]map[string]int{1: {"https://a.example/a": 4}, 2: {}}
	if !reflect.DeepEqual(ranks, want) {
		t.Fatalf("PersonPageRanks() = %v, want %v", ranks, want)
	}
}
