// Package detector decides when a fetched page needs a headless render.
package detector

import (
	"bytes"
	"net/http"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/crawlcore/internal/crawler"
)

const defaultThreshold = 2048

// Heuristic implements a handful of rule-based promotions.
type Heuristic struct {
	BodyLengthThreshold int
	// Selectors that a fully rendered page is expected to contain. A page
	// missing any of them is promoted.
	Selectors []string
	keywords  [][]byte
}

// NewHeuristic creates a new detector. keywords are matched case-insensitively
// against the raw body.
func NewHeuristic(threshold int, selectors, keywords []string) *Heuristic {
	if threshold == 0 {
		threshold = defaultThreshold
	}
	lowered := make([][]byte, 0, len(keywords))
	for _, kw := range keywords {
		kw = strings.TrimSpace(kw)
		if kw == "" {
			continue
		}
		lowered = append(lowered, bytes.ToLower([]byte(kw)))
	}
	return &Heuristic{
		BodyLengthThreshold: threshold,
		Selectors:           selectors,
		keywords:            lowered,
	}
}

var spaMarkers = [][]byte{
	[]byte("__next"),
	[]byte("id=\"root\""),
	[]byte("id=\"app\""),
	[]byte("data-reactroot"),
}

// ShouldPromote decides whether a headless fetch is required.
func (h *Heuristic) ShouldPromote(resp *crawler.Response) bool {
	if h == nil || resp == nil || resp.StatusCode != http.StatusOK || resp.Rendered {
		return false
	}
	body := resp.Body
	if len(body) == 0 {
		return true
	}
	if len(body) < h.BodyLengthThreshold && scriptDensityHigh(body) {
		return true
	}
	for _, marker := range spaMarkers {
		if bytes.Contains(body, marker) {
			return true
		}
	}
	return h.containsKeywords(body) || h.missingSelectors(body)
}

func (h *Heuristic) containsKeywords(body []byte) bool {
	if len(h.keywords) == 0 {
		return false
	}
	lower := bytes.ToLower(body)
	for _, kw := range h.keywords {
		if bytes.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func (h *Heuristic) missingSelectors(body []byte) bool {
	if len(h.Selectors) == 0 {
		return false
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return true
	}
	for _, sel := range h.Selectors {
		if sel == "" {
			continue
		}
		if doc.Find(sel).Length() == 0 {
			return true
		}
	}
	return false
}

// scriptDensityHigh reports whether <script> elements cover at least a
// quarter of the document.
func scriptDensityHigh(body []byte) bool {
	lower := strings.ToLower(string(body))
	total := len(lower)
	if total == 0 {
		return false
	}

	const (
		openTag  = "<script"
		closeTag = "</script>"
	)
	coverage := 0
	pos := 0
	for {
		rel := strings.Index(lower[pos:], openTag)
		if rel == -1 {
			break
		}
		start := pos + rel
		tagEnd := strings.IndexByte(lower[start:], '>')
		if tagEnd == -1 {
			coverage += total - start
			break
		}
		contentStart := start + tagEnd + 1
		next := total
		if end := strings.Index(lower[contentStart:], closeTag); end != -1 {
			next = contentStart + end + len(closeTag)
		}
		coverage += next - start
		pos = next
	}
	return coverage*100/total >= 25
}
