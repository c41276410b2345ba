// Package fingerprint derives the dedup identity of crawl requests.
package fingerprint

import (
	"errors"
	"fmt"
	"strings"

	"github.com/JakeFAU/crawlcore/internal/crawler"
	"github.com/JakeFAU/crawlcore/internal/hash/blake2b"
	"github.com/JakeFAU/crawlcore/internal/hash/sha256"
)

// Supported digest algorithms.
const (
	AlgorithmBLAKE2b = "blake2b"
	AlgorithmSHA256  = "sha256"
)

// ErrConflictingQueryFilters is returned when both query lists are configured.
var ErrConflictingQueryFilters = errors.New("ignore and keep query params are mutually exclusive")

// Config selects query filtering and the digest algorithm.
type Config struct {
	IgnoreQueryParams []string
	KeepQueryParams   []string
	Algorithm         string
}

// Fingerprinter computes request fingerprints. It holds no mutable state and
// is safe for concurrent use.
type Fingerprinter struct {
	filter QueryFilter
	hasher crawler.Hasher
}

// New validates cfg and builds a Fingerprinter.
func New(cfg Config) (*Fingerprinter, error) {
	if len(cfg.IgnoreQueryParams) > 0 && len(cfg.KeepQueryParams) > 0 {
		return nil, ErrConflictingQueryFilters
	}
	var hasher crawler.Hasher
	switch strings.ToLower(cfg.Algorithm) {
	case "", AlgorithmBLAKE2b:
		hasher = blake2b.New()
	case AlgorithmSHA256:
		hasher = sha256.New()
	default:
		return nil, fmt.Errorf("unsupported fingerprint algorithm %q", cfg.Algorithm)
	}
	return &Fingerprinter{
		filter: QueryFilter{
			Ignore: toSet(cfg.IgnoreQueryParams),
			Keep:   toSet(cfg.KeepQueryParams),
		},
		hasher: hasher,
	}, nil
}

// Fingerprint returns the request's fingerprint, computing and caching it on
// first use.
func (f *Fingerprinter) Fingerprint(req *crawler.Request) (crawler.Fingerprint, error) {
	if req == nil {
		return crawler.Fingerprint{}, fmt.Errorf("nil request: %w", crawler.ErrMalformedRequest)
	}
	if fp, ok := req.CachedFingerprint(); ok {
		return fp, nil
	}
	normalized, err := NormalizeURL(req.URL, f.filter)
	if err != nil {
		return crawler.Fingerprint{}, err
	}
	parts := [][]byte{[]byte(req.HTTPMethod()), []byte(normalized)}
	if len(req.Body) > 0 {
		parts = append(parts, req.Body)
	}
	fp := f.hasher.Sum(joinNUL(parts))
	req.SetFingerprint(fp)
	return fp, nil
}

func joinNUL(parts [][]byte) []byte {
	size := len(parts) - 1
	for _, p := range parts {
		size += len(p)
	}
	out := make([]byte, 0, size)
	for i, p := range parts {
		if i > 0 {
			out = append(out, 0)
		}
		out = append(out, p...)
	}
	return out
}

func toSet(values []string) map[string]struct{} {
	if len(values) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v != "" {
			set[v] = struct{}{}
		}
	}
	return set
}
