// Package crawler holds the vocabulary shared by the crawl pipeline: fetched
// documents, the fetch error taxonomy and its classification, URL helpers,
// and the small interfaces (clock, hasher, blob store) injected into it.
package crawler
