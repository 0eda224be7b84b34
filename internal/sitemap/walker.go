package sitemap

import (
	"context"
	"fmt"
	"net/url"

	"github.com/antchfx/xmlquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/ratings-crawler/internal/crawler"
)

// Walker iterates a sitemap tree depth-first with an explicit stack.
// Each sitemap URL is fetched at most once per walk, so cyclic indexes terminate.
type Walker struct {
	fetcher Fetcher
	logger  *zap.Logger
	root    string

	stack   []string
	visited map[string]struct{}
	pending []Link
	fetched int
}

// Next returns the next leaf link. ok is false once the tree is exhausted.
// A failing root or a transient failure anywhere ends the walk with an error;
// a permanently broken nested sitemap is skipped.
func (w *Walker) Next(ctx context.Context) (Link, bool, error) {
	for {
		if len(w.pending) > 0 {
			link := w.pending[0]
			w.pending = w.pending[1:]
			return link, true, nil
		}
		if len(w.stack) == 0 {
			return Link{}, false, nil
		}
		if err := ctx.Err(); err != nil {
			return Link{}, false, fmt.Errorf("walk sitemap %s: %w", w.root, err)
		}

		current := w.stack[len(w.stack)-1]
		w.stack = w.stack[:len(w.stack)-1]

		node, err := w.fetcher.FetchXML(ctx, current)
		w.fetched++
		if err != nil {
			if current == w.root || !crawler.IsPermanent(err) {
				return Link{}, false, fmt.Errorf("resolve sitemap %s: %w", current, err)
			}
			w.logger.Warn("skipping broken sitemap",
				zap.String("root", w.root),
				zap.String("url", current),
				zap.Error(err),
			)
			continue
		}
		w.expand(current, node)
	}
}

// Visited reports how many sitemap documents have been fetched so far.
func (w *Walker) Visited() int {
	return w.fetched
}

func (w *Walker) expand(current string, node *xmlquery.Node) {
	base, _ := url.Parse(current)

	children := xmlquery.Find(node, "//sitemap/loc")
	// Push in reverse so the first listed child is fetched first.
	for i := len(children) - 1; i >= 0; i-- {
		if loc := absolute(base, children[i].InnerText()); loc != "" {
			w.push(loc)
		}
	}

	for _, entry := range xmlquery.Find(node, "//url") {
		locNode := entry.SelectElement("loc")
		if locNode == nil {
			continue
		}
		loc := absolute(base, locNode.InnerText())
		if loc == "" {
			continue
		}
		link := Link{URL: loc}
		if mod := entry.SelectElement("lastmod"); mod != nil {
			link.LastModified = parseLastMod(mod.InnerText())
		}
		w.pending = append(w.pending, link)
	}
}

func (w *Walker) push(rawURL string) {
	key, err := crawler.NormalizeURL(rawURL)
	if err != nil {
		key = rawURL
	}
	if _, seen := w.visited[key]; seen {
		return
	}
	w.visited[key] = struct{}{}
	w.stack = append(w.stack, rawURL)
}
