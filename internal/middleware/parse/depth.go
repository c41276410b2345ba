package parsemw

import (
	"context"

	"github.com/JakeFAU/crawlcore/internal/crawler"
	"github.com/JakeFAU/crawlcore/internal/middleware"
)

// Depth tracks link depth on follow-up requests. Each follow-up gets the
// parent's depth plus one and its priority lowered by depth*PriorityStep.
type Depth struct {
	middleware.NopParse

	// MaxDepth of 0 means unlimited.
	MaxDepth     int
	PriorityStep int
}

// NewDepth builds the middleware.
func NewDepth(maxDepth, priorityStep int) *Depth {
	return &Depth{MaxDepth: maxDepth, PriorityStep: priorityStep}
}

// AfterParse implements middleware.ParseMiddleware.
func (d *Depth) AfterParse(_ context.Context, resp *crawler.Response, out crawler.Output) (middleware.Result, error) {
	if out.Request == nil {
		return middleware.Next(), nil
	}
	parent := 0
	if resp.Request != nil {
		parent = resp.Request.MetaInt(crawler.MetaDepth)
	}
	depth := parent + 1
	if d.MaxDepth > 0 && depth > d.MaxDepth {
		return middleware.DropWith("max depth"), nil
	}
	out.Request.SetMeta(crawler.MetaDepth, depth)
	out.Request.Priority -= depth * d.PriorityStep
	return middleware.Next(), nil
}
