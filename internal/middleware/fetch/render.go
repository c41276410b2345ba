package fetchmw

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlcore/internal/crawler"
	"github.com/JakeFAU/crawlcore/internal/middleware"
)

// Promoter decides whether a response needs a headless render.
type Promoter interface {
	ShouldPromote(resp *crawler.Response) bool
}

// Render re-admits pages that look client-rendered with the render meta flag
// set, so the fetcher router sends them to the headless browser. Each request
// is promoted at most once.
type Render struct {
	middleware.NopFetch

	promoter Promoter
	logger   *zap.Logger
}

// NewRender builds the render promotion middleware.
func NewRender(promoter Promoter, logger *zap.Logger) *Render {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Render{promoter: promoter, logger: logger}
}

// AfterFetch implements middleware.FetchMiddleware.
func (r *Render) AfterFetch(_ context.Context, req *crawler.Request, resp *crawler.Response) (middleware.Result, error) {
	if r.promoter == nil || resp.Rendered || req.MetaBool(crawler.MetaRender) {
		return middleware.Next(), nil
	}
	if !r.promoter.ShouldPromote(resp) {
		return middleware.Next(), nil
	}
	req.SetMeta(crawler.MetaRender, true)
	r.logger.Info("promoting request to headless render", zap.String("url", req.URL))
	return middleware.RetryWith("render"), nil
}
