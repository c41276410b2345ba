// Package fetcher routes requests between the static and headless fetchers.
package fetcher

import (
	"context"
	"errors"

	"github.com/JakeFAU/crawlcore/internal/crawler"
)

// Router sends requests marked for rendering to Headless and everything else
// to Static. With no headless fetcher every request goes to Static.
type Router struct {
	Static   crawler.Fetcher
	Headless crawler.Fetcher
}

// NewRouter builds a Router. headless may be nil.
func NewRouter(static, headless crawler.Fetcher) (*Router, error) {
	if static == nil {
		return nil, errors.New("static fetcher is required")
	}
	return &Router{Static: static, Headless: headless}, nil
}

// Fetch implements crawler.Fetcher.
func (r *Router) Fetch(ctx context.Context, req *crawler.Request) (*crawler.Response, error) {
	if r.Headless != nil && req.MetaBool(crawler.MetaRender) {
		return r.Headless.Fetch(ctx, req) //nolint:wrapcheck // errors carry the crawler taxonomy already
	}
	return r.Static.Fetch(ctx, req) //nolint:wrapcheck // errors carry the crawler taxonomy already
}
