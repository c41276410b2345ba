// Package sha256 provides a SHA-256 fingerprint hasher.
package sha256

import (
	"crypto/sha256"

	"github.com/JakeFAU/crawlcore/internal/crawler"
)

// Hasher implements crawler.Hasher by truncating SHA-256 to fingerprint size.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Sum digests data and keeps the leading 16 bytes.
func (h *Hasher) Sum(data []byte) crawler.Fingerprint {
	full := sha256.Sum256(data)
	var fp crawler.Fingerprint
	copy(fp[:], full[:len(fp)])
	return fp
}
