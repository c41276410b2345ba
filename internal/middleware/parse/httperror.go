// Package parsemw provides the standard parse-chain middlewares: HTTP status
// filtering, offsite filtering, and depth limiting.
package parsemw

import (
	"context"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlcore/internal/crawler"
	"github.com/JakeFAU/crawlcore/internal/middleware"
)

// Default chain priorities.
const (
	PriorityHTTPError = 50
	PriorityOffsite   = 500
	PriorityDepth     = 900
)

// HTTPError drops responses whose status is outside 200-399 unless the code
// is explicitly allowed.
type HTTPError struct {
	middleware.NopParse

	allowed []int
	logger  *zap.Logger
}

// NewHTTPError builds the middleware. allowed lists extra codes to parse.
func NewHTTPError(allowed []int, logger *zap.Logger) *HTTPError {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPError{allowed: allowed, logger: logger}
}

// BeforeParse implements middleware.ParseMiddleware.
func (h *HTTPError) BeforeParse(_ context.Context, resp *crawler.Response) (middleware.Result, error) {
	if resp.StatusCode >= 200 && resp.StatusCode < 400 {
		return middleware.Next(), nil
	}
	if slices.Contains(h.allowed, resp.StatusCode) {
		return middleware.Next(), nil
	}
	h.logger.Debug("ignoring response status",
		zap.String("url", resp.URL),
		zap.Int("status", resp.StatusCode),
	)
	return middleware.DropWith(fmt.Sprintf("status %d", resp.StatusCode)), nil
}
