// Package crawler defines core types shared across subsystems.
package crawler

import (
	"net/http"
	"time"
)

// Document is the raw result of a successful fetch.
type Document struct {
	// URL is the final URL after redirects.
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// ContentType returns the response Content-Type header, if any.
func (d Document) ContentType() string {
	if d.Headers == nil {
		return ""
	}
	return d.Headers.Get("Content-Type")
}

// Summary counts what a phase did with the URLs it claimed.
type Summary struct {
	Claimed     int
	Indexed     int
	Unavailable int
	Released    int
	Skipped     int
}

// Add folds other into s.
func (s *Summary) Add(other Summary) {
	s.Claimed += other.Claimed
	s.Indexed += other.Indexed
	s.Unavailable += other.Unavailable
	s.Released += other.Released
	s.Skipped += other.Skipped
}
