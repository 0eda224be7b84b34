package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/ratings-crawler/internal/crawler"
)

var discoveryRetryBackoff = []time.Duration{
	250 * time.Millisecond,
	500 * time.Millisecond,
	time.Second,
}

// discoveryTransport retries robots.txt and sitemap requests that hit a TLS
// handshake timeout. Losing one of those drops a whole site subtree, so they
// get a few extra attempts; page requests go straight through.
type discoveryTransport struct {
	base    http.RoundTripper
	backoff []time.Duration
	logger  *zap.Logger
}

func newDiscoveryTransport(base http.RoundTripper, logger *zap.Logger) *discoveryTransport {
	return &discoveryTransport{base: base, backoff: discoveryRetryBackoff, logger: logger}
}

func (t *discoveryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil {
		return nil, errors.New("discovery transport received nil request")
	}
	if !isDiscoveryRequest(req) {
		resp, err := t.base.RoundTrip(req)
		if err != nil {
			return nil, fmt.Errorf("discovery transport base roundtrip: %w", err)
		}
		return resp, nil
	}
	return t.roundTripWithRetry(req)
}

func isDiscoveryRequest(req *http.Request) bool {
	if req == nil || req.URL == nil {
		return false
	}
	return crawler.IsRobotsURL(req.URL.Path) || crawler.IsSitemapURL(req.URL.Path)
}

func (t *discoveryTransport) roundTripWithRetry(req *http.Request) (*http.Response, error) {
	maxAttempts := len(t.backoff) + 1
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		resp, err := t.base.RoundTrip(cloneRequest(req))
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !isTransientTLSError(err) || attempt == maxAttempts-1 {
			break
		}
		t.logger.Debug("retrying discovery request",
			zap.String("url", req.URL.String()),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
		if err := sleepWithContext(req.Context(), t.backoff[attempt]); err != nil {
			return nil, fmt.Errorf("discovery roundtrip backoff sleep: %w", err)
		}
	}
	return nil, fmt.Errorf("discovery roundtrip: %w", lastErr)
}

func cloneRequest(req *http.Request) *http.Request {
	clone := req.Clone(req.Context())
	clone.Body = req.Body
	return clone
}

func sleepWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("discovery backoff sleep context: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

func isTransientTLSError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(err.Error(), "tls: handshake timeout")
}
