// Package system is the wall clock behind claim timestamps and phase timings.
package system

import "time"

// Resolution matches the microsecond precision of the last_scan_at column, so
// a timestamp read back from Postgres equals the one the memory store kept.
const Resolution = time.Microsecond

// Clock implements crawler.Clock.
type Clock struct{}

// New returns the wall clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current UTC time truncated to Resolution. Truncation drops
// the monotonic reading, so durations between two calls follow wall time.
func (Clock) Now() time.Time {
	return time.Now().UTC().Truncate(Resolution)
}
