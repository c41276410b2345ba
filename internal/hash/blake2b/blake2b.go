// Package blake2b provides the default BLAKE2b fingerprint hasher.
package blake2b

import (
	"golang.org/x/crypto/blake2b"

	"github.com/JakeFAU/crawlcore/internal/crawler"
)

// Hasher implements crawler.Hasher using BLAKE2b with a 16-byte digest.
type Hasher struct{}

// New returns a BLAKE2b hasher.
func New() *Hasher {
	return &Hasher{}
}

// Sum digests data.
func (h *Hasher) Sum(data []byte) crawler.Fingerprint {
	var fp crawler.Fingerprint
	d, err := blake2b.New(len(fp), nil)
	if err != nil {
		// Only reachable with an invalid size or key, both fixed here.
		panic(err)
	}
	_, _ = d.Write(data)
	copy(fp[:], d.Sum(nil))
	return fp
}
