// Package sha256 names archived pages by the SHA-256 digest of their URL.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// DefaultLength is how many hex characters an archive name keeps. Sixteen
// characters (64 bits) keep names short without collisions at crawl scale.
const DefaultLength = 16

// Hasher implements crawler.Hasher with a truncated hex digest.
type Hasher struct {
	length int
}

// New returns a Hasher that keeps DefaultLength characters.
func New() *Hasher {
	return NewWithLength(DefaultLength)
}

// NewWithLength keeps n hex characters. n outside 1..64 keeps the full digest.
func NewWithLength(n int) *Hasher {
	if n <= 0 || n > hex.EncodedLen(sha256.Size) {
		n = hex.EncodedLen(sha256.Size)
	}
	return &Hasher{length: n}
}

// Hash returns the leading hex characters of the digest of data. It never
// fails.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:h.length], nil
}
