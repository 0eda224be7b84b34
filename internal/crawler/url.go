package crawler

import (
	"fmt"
	"net/url"
	"strings"
)

// NormalizeURL standardizes a URL to avoid duplicates.
// It lowercases the scheme and host, removes default ports, and sorts query parameters.
// It also removes fragments.
func NormalizeURL(rawURL string) (string, error) {
	u, err := ParseURL(rawURL)
	if err != nil {
		return "", err
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)

	if u.Scheme == "http" && strings.HasSuffix(u.Host, ":80") {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" && strings.HasSuffix(u.Host, ":443") {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}

	u.Fragment = ""
	u.RawQuery = u.Query().Encode()

	return u.String(), nil
}

// ParseURL parses an absolute http(s) URL. Anything else wraps ErrMalformedURL.
func ParseURL(rawURL string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrMalformedURL, rawURL, err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: %q has no host", ErrMalformedURL, rawURL)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return nil, fmt.Errorf("%w: %q has unsupported scheme", ErrMalformedURL, rawURL)
	}
	return u, nil
}

// SiteRoot returns scheme://host for rawURL.
func SiteRoot(rawURL string) (string, error) {
	u, err := ParseURL(rawURL)
	if err != nil {
		return "", err
	}
	return (&url.URL{Scheme: strings.ToLower(u.Scheme), Host: u.Host}).String(), nil
}

// RobotsURL returns the robots.txt location for the site serving rawURL.
func RobotsURL(rawURL string) (string, error) {
	root, err := SiteRoot(rawURL)
	if err != nil {
		return "", err
	}
	return root + "/robots.txt", nil
}

// IsRobotsURL reports whether rawURL points to a robots.txt document.
func IsRobotsURL(rawURL string) bool {
	return strings.HasSuffix(strings.ToLower(rawURL), "robots.txt")
}

// IsSitemapURL mirrors the SQL pattern '%sitemap%xml%'.
func IsSitemapURL(rawURL string) bool {
	lower := strings.ToLower(rawURL)
	i := strings.Index(lower, "sitemap")
	return i >= 0 && strings.Contains(lower[i+len("sitemap"):], "xml")
}

// IsContentURL reports whether rawURL is an ordinary page rather than robots or sitemap.
func IsContentURL(rawURL string) bool {
	return !IsRobotsURL(rawURL) && !IsSitemapURL(rawURL)
}
