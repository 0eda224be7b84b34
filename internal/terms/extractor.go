package terms

import (
	"bytes"
	"net/url"
	"regexp"
	"strings"
	"unicode"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-shiori/go-readability"
	"github.com/kljensen/snowball"
	"go.uber.org/zap"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// minMainContentTerms is the smallest readability result trusted over the full page.
const minMainContentTerms = 3

var wordShape = regexp.MustCompile(`\pL{3,}`)

// Options tunes extraction.
type Options struct {
	// Stem reduces terms to their English snowball stem.
	Stem bool
	// MainContent counts only the readability article when one is found.
	MainContent bool
	// Selector limits counting to matching elements; empty means the whole body.
	Selector string
}

// Extractor builds term vectors from documents.
type Extractor struct {
	opts   Options
	logger *zap.Logger
}

// NewExtractor builds an Extractor.
func NewExtractor(opts Options, logger *zap.Logger) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{opts: opts, logger: logger.Named("terms")}
}

// ExtractText counts the terms of plain text.
func (e *Extractor) ExtractText(label, text string) *Vector {
	v := NewVector(label)
	e.countText(v, text)
	return v
}

// Extract counts the terms of every text node below sel, depth-first.
// script, style, noscript and template subtrees are ignored.
func (e *Extractor) Extract(label string, sel *goquery.Selection) *Vector {
	v := NewVector(label)
	if sel == nil {
		return v
	}
	for _, root := range sel.Nodes {
		e.walk(v, root)
	}
	return v
}

// ExtractPage counts the terms of a fetched page. With MainContent enabled it
// prefers the readability article and falls back to the configured selector.
func (e *Extractor) ExtractPage(label string, doc *goquery.Document, rawHTML []byte) *Vector {
	if e.opts.MainContent && len(rawHTML) > 0 {
		if v, ok := e.mainContent(label, rawHTML); ok {
			return v
		}
	}
	if doc == nil {
		return NewVector(label)
	}
	return e.Extract(label, e.scope(doc))
}

// KeywordTerms normalizes a watch-list keyword with the same rules used for
// page text, so lookups agree with what was indexed. Multi-word keywords yield
// several terms.
func (e *Extractor) KeywordTerms(keyword string) []string {
	v := e.ExtractText("", keyword)
	return v.Terms()
}

func (e *Extractor) scope(doc *goquery.Document) *goquery.Selection {
	selector := e.opts.Selector
	if selector == "" {
		selector = "body"
	}
	if sel := doc.Find(selector); sel.Length() > 0 {
		return sel
	}
	return doc.Selection
}

func (e *Extractor) mainContent(label string, rawHTML []byte) (*Vector, bool) {
	pageURL, err := url.Parse(label)
	if err != nil {
		return nil, false
	}
	parser := readability.NewParser()
	article, err := parser.Parse(bytes.NewReader(rawHTML), pageURL)
	if err != nil {
		e.logger.Debug("readability failed", zap.String("url", label), zap.Error(err))
		return nil, false
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(article.Content))
	if err != nil {
		return nil, false
	}
	v := e.Extract(label, doc.Selection)
	if v.Size() < minMainContentTerms {
		return nil, false
	}
	return v, true
}

func (e *Extractor) walk(v *Vector, root *html.Node) {
	stack := []*html.Node{root}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		switch n.Type {
		case html.TextNode:
			e.countText(v, n.Data)
			continue
		case html.ElementNode:
			if skipped(n) {
				continue
			}
		case html.CommentNode, html.DoctypeNode:
			continue
		}

		// Push children in reverse so they pop in document order.
		for c := n.LastChild; c != nil; c = c.PrevSibling {
			stack = append(stack, c)
		}
	}
}

func skipped(n *html.Node) bool {
	switch n.DataAtom {
	case atom.Script, atom.Style, atom.Noscript, atom.Template:
		return true
	default:
		return false
	}
}

func (e *Extractor) countText(v *Vector, text string) {
	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsPunct(r) {
			return ' '
		}
		return r
	}, text)
	for _, token := range strings.Fields(strings.ToLower(cleaned)) {
		if !wordShape.MatchString(token) {
			continue
		}
		v.Increment(e.normalize(token))
	}
}

func (e *Extractor) normalize(token string) string {
	if !e.opts.Stem {
		return token
	}
	stemmed, err := snowball.Stem(token, "english", true)
	if err != nil || stemmed == "" {
		return token
	}
	return stemmed
}
