package api

import (
	"cmp"
	"errors"
	"net/http"
	"slices"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlcore/internal/progress"
	"github.com/JakeFAU/crawlcore/internal/progress/sinks"
)

const (
	defaultSitesLimit = 100
	maxSitesLimit     = 1000
)

// ProgressHandler exposes read-only run progress endpoints backed by the
// in-process counter sink.
type ProgressHandler struct {
	counters Counters
	logger   *zap.Logger
}

// NewProgressHandler wires the counter source and logger.
func NewProgressHandler(counters Counters, logger *zap.Logger) *ProgressHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProgressHandler{counters: counters, logger: logger}
}

// Summary handles GET /v1/progress. It returns {"stages": {...},
// "dropped": {...}, "sites": n}, or 503 when no counter sink is attached.
func (h *ProgressHandler) Summary(w http.ResponseWriter, _ *http.Request) {
	if h.counters == nil {
		writeError(w, http.StatusServiceUnavailable, "progress counters unavailable")
		return
	}
	counts := h.counters.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"stages":  counts.Stages,
		"dropped": counts.Dropped,
		"sites":   len(counts.Sites),
	})
}

// ListSites handles GET /v1/progress/sites?limit=&offset=&sort=. Sites are
// ordered by fetch count (default), bytes, or name. It returns
// {"sites": [...], "total": n}, 400 for invalid query parameters, or 503
// when no counter sink is attached.
func (h *ProgressHandler) ListSites(w http.ResponseWriter, r *http.Request) {
	if h.counters == nil {
		writeError(w, http.StatusServiceUnavailable, "progress counters unavailable")
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultSitesLimit, maxSitesLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	order, err := parseSiteOrder(r.URL.Query().Get("sort"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sites := toSiteDTOs(h.counters.Snapshot().Sites)
	slices.SortFunc(sites, order)
	total := len(sites)
	sites = sites[min(offset, total):min(offset+limit, total)]
	h.logger.Debug("progress sites listed", zap.Int("total", total), zap.Int("returned", len(sites)))
	writeJSON(w, http.StatusOK, map[string]any{
		"sites": sites,
		"total": total,
	})
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

func parseSiteOrder(input string) (func(a, b siteDTO) int, error) {
	byName := func(a, b siteDTO) int { return strings.Compare(a.Site, b.Site) }
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "", "fetches":
		return func(a, b siteDTO) int {
			return cmp.Or(cmp.Compare(b.Fetches, a.Fetches), byName(a, b))
		}, nil
	case "bytes":
		return func(a, b siteDTO) int {
			return cmp.Or(cmp.Compare(b.BytesTotal, a.BytesTotal), byName(a, b))
		}, nil
	case "site", "name":
		return byName, nil
	default:
		return nil, errors.New("invalid sort")
	}
}

func toSiteDTOs(in map[string]sinks.SiteCounts) []siteDTO {
	out := make([]siteDTO, 0, len(in))
	for site, s := range in {
		out = append(out, siteDTO{
			Site:       site,
			Fetches:    s.Fetches,
			BytesTotal: s.Bytes,
			Fetch2xx:   s.Status[progress.Status2xx],
			Fetch3xx:   s.Status[progress.Status3xx],
			Fetch4xx:   s.Status[progress.Status4xx],
			Fetch5xx:   s.Status[progress.Status5xx],
			FetchOther: s.Status[progress.StatusOther],
		})
	}
	return out
}

type siteDTO struct {
	Site       string `json:"site"`
	Fetches    int64  `json:"fetches"`
	BytesTotal int64  `json:"bytes_total"`
	Fetch2xx   int64  `json:"fetch_2xx"`
	Fetch3xx   int64  `json:"fetch_3xx"`
	Fetch4xx   int64  `json:"fetch_4xx"`
	Fetch5xx   int64  `json:"fetch_5xx"`
	FetchOther int64  `json:"fetch_other"`
}
