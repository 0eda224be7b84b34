// Package redis stores the inverted term index in Redis.
//
// Two projections are kept for every indexed page:
//
//	<prefix>urlset:<term>     SET of URLs containing term
//	<prefix>termcounter:<url> HASH of term -> occurrence count
package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/JakeFAU/ratings-crawler/internal/metrics"
	"github.com/JakeFAU/ratings-crawler/internal/store"
	"github.com/JakeFAU/ratings-crawler/internal/terms"
)

// DefaultPrefix namespaces index keys when none is configured.
const DefaultPrefix = "crawler:"

const (
	urlSetKey      = "urlset:"
	termCounterKey = "termcounter:"
	scanBatch      = 500
)

// Config controls the Redis connection.
type Config struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	// Timeout bounds dialing and every read or write.
	Timeout time.Duration
}

// Index is a Redis-backed inverted index.
type Index struct {
	client *goredis.Client
	prefix string
}

// New connects to Redis and verifies the connection with PING.
func New(ctx context.Context, cfg Config) (*Index, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("index.addr is required")
	}
	opts := &goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
	if cfg.Timeout > 0 {
		opts.DialTimeout = cfg.Timeout
		opts.ReadTimeout = cfg.Timeout
		opts.WriteTimeout = cfg.Timeout
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, unavailable("ping redis", err)
	}
	return NewWithClient(client, cfg.Prefix), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *goredis.Client, prefix string) *Index {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Index{client: client, prefix: prefix}
}

// Close releases the client. Later calls fail.
func (i *Index) Close() error {
	if i == nil || i.client == nil {
		return nil
	}
	return i.client.Close()
}

// Ping checks the connection.
func (i *Index) Ping(ctx context.Context) error {
	if err := i.client.Ping(ctx).Err(); err != nil {
		return unavailable("ping redis", err)
	}
	return nil
}

// IsIndexed reports whether url has a term-count hash.
func (i *Index) IsIndexed(ctx context.Context, url string) (bool, error) {
	n, err := i.client.Exists(ctx, i.counterKey(url)).Result()
	if err != nil {
		return false, unavailable("check indexed", err)
	}
	return n > 0, nil
}

// PutTerms replaces everything known about the vector's page with the
// vector's counts. Terms that disappeared from the page lose the URL from
// their sets. The write is a single MULTI/EXEC transaction.
func (i *Index) PutTerms(ctx context.Context, v *terms.Vector) ([]string, error) {
	url := v.Label()
	counterKey := i.counterKey(url)

	previous, err := i.client.HKeys(ctx, counterKey).Result()
	if err != nil {
		return nil, unavailable("read previous terms", err)
	}

	counts := v.Counts()
	written := v.Terms()
	_, err = i.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		for _, term := range previous {
			if _, still := counts[term]; !still {
				pipe.SRem(ctx, i.setKey(term), url)
			}
		}
		pipe.Del(ctx, counterKey)
		if len(counts) == 0 {
			return nil
		}
		fields := make(map[string]any, len(counts))
		for term, c := range counts {
			fields[term] = c
		}
		pipe.HSet(ctx, counterKey, fields)
		for _, term := range written {
			pipe.SAdd(ctx, i.setKey(term), url)
		}
		return nil
	})
	if err != nil {
		return nil, unavailable("write terms", err)
	}
	metrics.ObserveIndexedTerms(len(written))
	return written, nil
}

// URLs returns the pages containing term.
func (i *Index) URLs(ctx context.Context, term string) ([]string, error) {
	urls, err := i.client.SMembers(ctx, i.setKey(term)).Result()
	if err != nil {
		return nil, unavailable("list urls", err)
	}
	return urls, nil
}

// Counts maps every page containing term to its occurrence count.
// Pages whose hash lost the term are skipped.
func (i *Index) Counts(ctx context.Context, term string) (map[string]int, error) {
	urls, err := i.URLs(ctx, term)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int, len(urls))
	if len(urls) == 0 {
		return out, nil
	}

	cmds := make([]*goredis.StringCmd, len(urls))
	_, err = i.client.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		for n, url := range urls {
			cmds[n] = pipe.HGet(ctx, i.counterKey(url), term)
		}
		return nil
	})
	if err != nil && !errors.Is(err, goredis.Nil) {
		return nil, unavailable("read counts", err)
	}
	for n, cmd := range cmds {
		c, err := cmd.Int()
		if errors.Is(err, goredis.Nil) {
			continue
		}
		if err != nil {
			return nil, unavailable("read count", err)
		}
		out[urls[n]] = c
	}
	return out, nil
}

// Count returns how often term occurs on url. present is false when the page
// or the term is not indexed, which differs from a stored zero.
func (i *Index) Count(ctx context.Context, url, term string) (count int, present bool, err error) {
	raw, err := i.client.HGet(ctx, i.counterKey(url), term).Result()
	if errors.Is(err, goredis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, unavailable("read count", err)
	}
	c, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false, fmt.Errorf("parse count %q for %s: %w", raw, url, err)
	}
	return c, true, nil
}

// TermSet enumerates every indexed term once, sorted. It scans the keyspace
// and is meant for diagnostics only. SCAN may repeat keys across pages.
func (i *Index) TermSet(ctx context.Context) ([]string, error) {
	pattern := i.prefix + urlSetKey + "*"
	seen := make(map[string]struct{})
	iter := i.client.Scan(ctx, 0, pattern, scanBatch).Iterator()
	for iter.Next(ctx) {
		seen[strings.TrimPrefix(iter.Val(), i.prefix+urlSetKey)] = struct{}{}
	}
	if err := iter.Err(); err != nil {
		return nil, unavailable("scan terms", err)
	}
	out := make([]string, 0, len(seen))
	for term := range seen {
		out = append(out, term)
	}
	sort.Strings(out)
	return out, nil
}

func (i *Index) setKey(term string) string {
	return i.prefix + urlSetKey + term
}

func (i *Index) counterKey(url string) string {
	return i.prefix + termCounterKey + url
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, store.ErrUnavailable, err)
}
