// Package relevance scores indexed pages against each person's keywords.
//
// A page's rank for a person is the total number of occurrences of the
// person's keyword terms on that page.
package relevance

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/JakeFAU/ratings-crawler/internal/store"
)

// Index is the read side of the inverted index.
type Index interface {
	URLs(ctx context.Context, term string) ([]string, error)
	Counts(ctx context.Context, term string) (map[string]int, error)
	Count(ctx context.Context, url, term string) (int, bool, error)
}

// Store persists persons and their page ranks.
type Store interface {
	PersonsWithKeywords(ctx context.Context) ([]store.Person, error)
	PersonPageRanks(ctx context.Context) (map[int64]map[string]int, error)
	InsertPersonPageRanks(ctx context.Context, personID int64, ranks map[string]int) error
}

// Normalizer turns a keyword into index terms.
type Normalizer interface {
	KeywordTerms(keyword string) []string
}

// Aggregator maintains person page ranks.
type Aggregator struct {
	index      Index
	store      Store
	normalizer Normalizer
	logger     *zap.Logger
}

// New builds an Aggregator.
func New(index Index, st Store, normalizer Normalizer, logger *zap.Logger) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{index: index, store: st, normalizer: normalizer, logger: logger.Named("relevance")}
}

// Incremental ranks the freshly indexed urls and upserts the non-empty
// results. It returns the number of rank rows written.
func (a *Aggregator) Incremental(ctx context.Context, urls []string) (int, error) {
	if len(urls) == 0 {
		return 0, nil
	}
	crawled := make(map[string]struct{}, len(urls))
	for _, u := range urls {
		crawled[u] = struct{}{}
	}
	persons, err := a.store.PersonsWithKeywords(ctx)
	if err != nil {
		return 0, fmt.Errorf("load persons: %w", err)
	}

	written := 0
	for _, p := range persons {
		ranks := make(map[string]int)
		for _, term := range a.personTerms(p) {
			matches, err := a.index.URLs(ctx, term)
			if err != nil {
				return written, fmt.Errorf("lookup %q: %w", term, err)
			}
			for _, u := range matches {
				if _, ok := crawled[u]; !ok {
					continue
				}
				c, present, err := a.index.Count(ctx, u, term)
				if err != nil {
					return written, fmt.Errorf("count %q on %s: %w", term, u, err)
				}
				if present {
					ranks[u] += c
				}
			}
		}
		if len(ranks) == 0 {
			continue
		}
		if err := a.store.InsertPersonPageRanks(ctx, p.ID, ranks); err != nil {
			return written, fmt.Errorf("store ranks for person %d: %w", p.ID, err)
		}
		written += len(ranks)
	}
	a.logger.Debug("incremental ranks", zap.Int("urls", len(urls)), zap.Int("ranks", written))
	return written, nil
}

// Reindex ranks every indexed page and inserts the ranks that are not yet
// persisted. Existing rows are left untouched.
func (a *Aggregator) Reindex(ctx context.Context) (int, error) {
	persons, err := a.store.PersonsWithKeywords(ctx)
	if err != nil {
		return 0, fmt.Errorf("load persons: %w", err)
	}
	existing, err := a.store.PersonPageRanks(ctx)
	if err != nil {
		return 0, fmt.Errorf("load ranks: %w", err)
	}

	written := 0
	for _, p := range persons {
		ranks := make(map[string]int)
		for _, term := range a.personTerms(p) {
			counts, err := a.index.Counts(ctx, term)
			if err != nil {
				return written, fmt.Errorf("counts for %q: %w", term, err)
			}
			for u, c := range counts {
				ranks[u] += c
			}
		}
		for u := range existing[p.ID] {
			delete(ranks, u)
		}
		if len(ranks) == 0 {
			continue
		}
		if err := a.store.InsertPersonPageRanks(ctx, p.ID, ranks); err != nil {
			return written, fmt.Errorf("store ranks for person %d: %w", p.ID, err)
		}
		written += len(ranks)
	}
	a.logger.Info("reindexed ranks", zap.Int("persons", len(persons)), zap.Int("ranks", written))
	return written, nil
}

// personTerms flattens a person's keywords into distinct index terms so a
// term shared by two keywords is only counted once.
func (a *Aggregator) personTerms(p store.Person) []string {
	seen := make(map[string]struct{})
	for _, kw := range p.Keywords {
		for _, term := range a.normalizer.KeywordTerms(kw) {
			seen[term] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for term := range seen {
		out = append(out, term)
	}
	sort.Strings(out)
	return out
}
