package orchestrator

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	collyfetcher "github.com/JakeFAU/ratings-crawler/internal/fetcher/colly"
	redisindex "github.com/JakeFAU/ratings-crawler/internal/index/redis"
	"github.com/JakeFAU/ratings-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/ratings-crawler/internal/relevance"
	"github.com/JakeFAU/ratings-crawler/internal/sitemap"
	"github.com/JakeFAU/ratings-crawler/internal/storage/memory"
	"github.com/JakeFAU/ratings-crawler/internal/terms"
)

func newNewsSite(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	var base string
	html := func(body string) http.HandlerFunc {
		return func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			fmt.Fprint(w, body)
		}
	}
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		html(`<html><body><h1>Daily news</h1></body></html>`)(w, r)
	})
	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintf(w, "User-agent: *\nDisallow:\nSitemap: %s/sitemap.xml\n", base)
	})
	mux.HandleFunc("/sitemap.xml", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/xml")
		fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?>
<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <url><loc>%[1]s/politics/1</loc><lastmod>2024-02-01</lastmod></url>
  <url><loc>%[1]s/politics/2</loc></url>
  <url><loc>%[1]s/politics/missing</loc></url>
</urlset>`, base)
	})
	mux.HandleFunc("/politics/1", html(`<html><body><p>Putin spoke. Putin left. The Kremlin agreed.</p></body></html>`))
	mux.HandleFunc("/politics/2", html(`<html><body><p>Biden answered Putin.</p><script>putin()</script></body></html>`))

	server := httptest.NewServer(mux)
	base = server.URL
	t.Cleanup(server.Close)
	return server
}

func TestRunCycleEndToEnd(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	server := newNewsSite(t)

	mr := miniredis.RunT(t)
	index := redisindex.NewWithClient(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}), "test:")
	t.Cleanup(func() { _ = index.Close() })

	st := memory.NewScanStateStore(nil)
	st.AddPerson(1, "Putin", "Kremlin")
	st.AddPerson(2, "Biden")
	require.NoError(t, st.InsertPages(ctx, 1, map[string]*time.Time{server.URL + "/": nil}))

	fetcher := collyfetcher.New(collyfetcher.Config{Timeout: 5 * time.Second},
		ratelimit.New(ratelimit.Config{MinInterval: time.Millisecond}), nil)
	extractor := terms.NewExtractor(terms.Options{}, nil)
	orch := New(Deps{
		Store:      st,
		Index:      index,
		Fetcher:    fetcher,
		Resolver:   sitemap.NewResolver(fetcher, nil),
		Extractor:  extractor,
		Aggregator: relevance.New(index, st, extractor, nil),
	}, Config{BatchSize: 2}, nil)

	sum, err := orch.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Unavailable, "the missing article is a permanent failure")

	count, present, err := index.Count(ctx, server.URL+"/politics/1", "putin")
	require.NoError(t, err)
	assert.True(t, present)
	assert.Equal(t, 2, count)

	count, _, err = index.Count(ctx, server.URL+"/politics/2", "putin")
	require.NoError(t, err)
	assert.Equal(t, 1, count, "script text is not counted")

	ranks, err := st.PersonPageRanks(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{
		server.URL + "/politics/1": 3,
		server.URL + "/politics/2": 1,
	}, ranks[1])
	assert.Equal(t, map[string]int{server.URL + "/politics/2": 1}, ranks[2])

	page, ok := st.Page(server.URL + "/politics/1")
	require.True(t, ok)
	assert.Equal(t, time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC), page.FoundAt.UTC())
	assert.NotNil(t, page.LastScanAt)
}
