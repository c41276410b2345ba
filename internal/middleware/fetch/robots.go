// Package fetchmw provides the standard fetch-chain middlewares: robots.txt
// enforcement, retry with backoff, headless render promotion, per-domain
// concurrency slots, and per-domain delay.
package fetchmw

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/JakeFAU/crawlcore/internal/crawler"
	"github.com/JakeFAU/crawlcore/internal/middleware"
)

// Default chain priorities.
const (
	PriorityRobots      = 100
	PriorityRetry       = 500
	PriorityRender      = 550
	PriorityDomainSlots = 600
	PriorityDelay       = 700
)

// RobotsCacheTTL is how long fetched rules, or a failed fetch, are reused for
// a host.
const RobotsCacheTTL = time.Hour

// Robots drops requests disallowed by the target host's robots.txt. Rules are
// fetched through the same Fetcher as regular pages and cached per host. A
// robots.txt that cannot be fetched allows everything until the cached
// failure expires.
type Robots struct {
	middleware.NopFetch

	fetcher   crawler.Fetcher
	userAgent string
	logger    *zap.Logger
	ttl       time.Duration
	now       func() time.Time

	cache sync.Map // scheme://host -> robotsEntry
	group singleflight.Group
}

// NewRobots builds the robots middleware.
func NewRobots(fetcher crawler.Fetcher, userAgent string, logger *zap.Logger) *Robots {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Robots{
		fetcher:   fetcher,
		userAgent: userAgent,
		logger:    logger,
		ttl:       RobotsCacheTTL,
		now:       time.Now,
	}
}

// robotsEntry is a cached lookup. A nil group allows everything.
type robotsEntry struct {
	group     *robotstxt.Group
	fetchedAt time.Time
}

// BeforeFetch implements middleware.FetchMiddleware.
func (r *Robots) BeforeFetch(ctx context.Context, req *crawler.Request) (middleware.Result, error) {
	parsed, err := url.Parse(req.URL)
	if err != nil || parsed.Host == "" {
		return middleware.Next(), nil
	}
	if parsed.Path == "/robots.txt" {
		return middleware.Next(), nil
	}
	entry := r.load(ctx, parsed)
	if entry.group == nil {
		return middleware.Next(), nil
	}
	target := parsed.EscapedPath()
	if target == "" {
		target = "/"
	}
	if parsed.RawQuery != "" {
		target += "?" + parsed.RawQuery
	}
	if entry.group.Test(target) {
		return middleware.Next(), nil
	}
	r.logger.Debug("request disallowed by robots.txt", zap.String("url", req.URL))
	return middleware.DropWith("robots.txt"), nil
}

func (r *Robots) load(ctx context.Context, parsed *url.URL) robotsEntry {
	key := strings.ToLower(parsed.Scheme + "://" + parsed.Host)
	if entry, ok := r.cached(key); ok {
		return entry
	}
	v, _, _ := r.group.Do(key, func() (any, error) {
		if entry, ok := r.cached(key); ok {
			return entry, nil
		}
		entry, err := r.fetchRules(ctx, parsed)
		if err != nil {
			r.logger.Warn("robots fetch failed; allowing access",
				zap.String("host", parsed.Host),
				zap.Error(err),
			)
			if ctx.Err() != nil {
				return robotsEntry{}, nil
			}
			entry = robotsEntry{}
		}
		entry.fetchedAt = r.now()
		r.cache.Store(key, entry)
		return entry, nil
	})
	entry, _ := v.(robotsEntry)
	return entry
}

func (r *Robots) cached(key string) (robotsEntry, bool) {
	v, ok := r.cache.Load(key)
	if !ok {
		return robotsEntry{}, false
	}
	entry, ok := v.(robotsEntry)
	if !ok || r.now().Sub(entry.fetchedAt) >= r.ttl {
		return robotsEntry{}, false
	}
	return entry, true
}

func (r *Robots) fetchRules(ctx context.Context, parsed *url.URL) (robotsEntry, error) {
	robotsURL := url.URL{Scheme: parsed.Scheme, Host: parsed.Host, Path: "/robots.txt"}
	req := crawler.NewRequest(robotsURL.String(), 0)
	if r.userAgent != "" {
		req.Header.Set("User-Agent", r.userAgent)
	}
	resp, err := r.fetcher.Fetch(ctx, req)
	if err != nil {
		return robotsEntry{}, fmt.Errorf("fetch robots: %w", err)
	}
	data, err := robotstxt.FromStatusAndBytes(resp.StatusCode, resp.Body)
	if err != nil {
		return robotsEntry{}, fmt.Errorf("parse robots: %w", err)
	}
	return robotsEntry{group: data.FindGroup(r.userAgent)}, nil
}
