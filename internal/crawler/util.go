package crawler

import (
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"
)

var invalidFilenameChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// ArchivePath builds a stable blob path for a fetched page:
// <prefix>/<host>/<path-slug>_<digest>.html.
func ArchivePath(prefix, rawURL string, hasher Hasher) (string, error) {
	digest, err := hasher.Hash([]byte(rawURL))
	if err != nil {
		return "", fmt.Errorf("hash url: %w", err)
	}
	if len(digest) > 16 {
		digest = digest[:16]
	}
	host := "unknown"
	slug := "root"
	if u, err := url.Parse(rawURL); err == nil {
		if h := u.Hostname(); h != "" {
			host = invalidFilenameChars.ReplaceAllString(strings.ToLower(h), "_")
		}
		if p := strings.Trim(u.EscapedPath(), "/"); p != "" {
			slug = invalidFilenameChars.ReplaceAllString(p, "_")
		}
	}
	if len(slug) > 80 {
		slug = slug[:80]
	}
	name := fmt.Sprintf("%s_%s.html", slug, digest)
	if prefix == "" {
		return path.Join(host, name), nil
	}
	return path.Join(prefix, host, name), nil
}
