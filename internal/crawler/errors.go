package crawler

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"syscall"

	"github.com/JakeFAU/ratings-crawler/internal/store"
)

var (
	// ErrMalformedURL marks a URL that cannot be parsed into scheme and host.
	ErrMalformedURL = errors.New("malformed url")
	// ErrParse marks a response body that could not be parsed as HTML or XML.
	ErrParse = errors.New("parse document")
	// ErrCircuitBreakerTripped aborts a batch after too many consecutive transient failures.
	ErrCircuitBreakerTripped = errors.New("circuit breaker tripped")
)

// FetchError describes a failed fetch and whether retrying could help.
type FetchError struct {
	URL        string
	StatusCode int
	Permanent  bool
	Err        error
}

func (e *FetchError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("fetch %s (%s, status %d): %v", e.URL, kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fetch %s (%s): %v", e.URL, kind, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// NewStatusError classifies a non-2xx HTTP status. 5xx is retryable, anything else is not.
func NewStatusError(rawURL string, status int) *FetchError {
	return &FetchError{
		URL:        rawURL,
		StatusCode: status,
		Permanent:  status < http.StatusInternalServerError,
		Err:        fmt.Errorf("unexpected status %d %s", status, http.StatusText(status)),
	}
}

// NewTransportError classifies a network level failure.
// Unknown hosts and refused connections are permanent; timeouts and the rest are transient.
func NewTransportError(rawURL string, err error) *FetchError {
	return &FetchError{
		URL:       rawURL,
		Permanent: isUnreachable(err),
		Err:       err,
	}
}

func isUnreachable(err error) bool {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.IsNotFound
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EHOSTUNREACH) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "no such host") || strings.Contains(msg, "connection refused")
}

// IsPermanent reports whether err should never be retried for the same URL.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrMalformedURL) || errors.Is(err, ErrParse) {
		return true
	}
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Permanent
	}
	return false
}

// Outcome is the orchestrator's view of a single unit of work.
type Outcome int

// Possible outcomes of Classify.
const (
	OutcomeOK Outcome = iota
	OutcomePermanent
	OutcomeTransient
	OutcomeFatal
	OutcomeCanceled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomePermanent:
		return "unavailable"
	case OutcomeTransient:
		return "transient"
	case OutcomeFatal:
		return "fatal"
	case OutcomeCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Classify maps an error to an Outcome. Unrecognized errors are transient.
func Classify(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, context.Canceled):
		return OutcomeCanceled
	case errors.Is(err, store.ErrUnavailable), errors.Is(err, ErrCircuitBreakerTripped):
		return OutcomeFatal
	case IsPermanent(err):
		return OutcomePermanent
	default:
		return OutcomeTransient
	}
}
