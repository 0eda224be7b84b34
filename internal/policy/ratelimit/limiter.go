// Package ratelimit enforces a minimum interval between outbound fetches.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/ratings-crawler/internal/metrics"
)

// DefaultMinInterval is used when Config.MinInterval is unset.
const DefaultMinInterval = time.Second

// Config holds rate limiter configuration.
type Config struct {
	MinInterval time.Duration
}

// Limiter spaces fetches at least MinInterval apart. It is safe for concurrent
// use; one instance should be shared by every fetcher of a process.
type Limiter struct {
	mu       sync.Mutex
	limiter  *rate.Limiter
	interval time.Duration
	last     time.Time
	// acquired sees every recorded return time; tests only.
	acquired func(time.Time)
}

// New creates a new Limiter. The first Acquire never blocks.
func New(cfg Config) *Limiter {
	interval := cfg.MinInterval
	if interval <= 0 {
		interval = DefaultMinInterval
	}
	return &Limiter{
		limiter:  rate.NewLimiter(rate.Every(interval), 1),
		interval: interval,
	}
}

// Interval returns the configured minimum spacing.
func (l *Limiter) Interval() time.Duration {
	return l.interval
}

// Acquire blocks until MinInterval has passed since the previous Acquire
// returned. rate.Limiter schedules from reservation time, so a late timer
// would shorten the next gap; the remainder is slept off against the
// recorded return time.
func (l *Limiter) Acquire(ctx context.Context) error {
	start := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if !l.last.IsZero() {
		if remaining := l.interval - time.Since(l.last); remaining > 0 {
			if err := sleep(ctx, remaining); err != nil {
				return fmt.Errorf("rate limit wait: %w", err)
			}
		}
	}
	l.last = time.Now()
	if l.acquired != nil {
		l.acquired(l.last)
	}

	if waited := l.last.Sub(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(waited)
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
