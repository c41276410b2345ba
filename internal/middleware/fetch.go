package middleware

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlcore/internal/crawler"
)

// FetchMiddleware hooks around a fetch.
type FetchMiddleware interface {
	BeforeFetch(ctx context.Context, req *crawler.Request) (Result, error)
	AfterFetch(ctx context.Context, req *crawler.Request, resp *crawler.Response) (Result, error)
	FetchError(ctx context.Context, req *crawler.Request, err error) (Result, error)
}

// NopFetch implements every FetchMiddleware hook as Continue. Embed it to
// implement only the hooks you need.
type NopFetch struct{}

// BeforeFetch implements FetchMiddleware.
func (NopFetch) BeforeFetch(context.Context, *crawler.Request) (Result, error) {
	return Next(), nil
}

// AfterFetch implements FetchMiddleware.
func (NopFetch) AfterFetch(context.Context, *crawler.Request, *crawler.Response) (Result, error) {
	return Next(), nil
}

// FetchError implements FetchMiddleware.
func (NopFetch) FetchError(context.Context, *crawler.Request, error) (Result, error) {
	return Next(), nil
}

// FetchFunc performs the wrapped fetch.
type FetchFunc func(ctx context.Context, req *crawler.Request) (*crawler.Response, error)

type fetchEntry struct {
	priority int
	mw       FetchMiddleware
}

// FetchChain executes fetch middlewares in priority order. It is immutable
// after construction and safe for concurrent use.
type FetchChain struct {
	entries []fetchEntry
	logger  *zap.Logger
}

// NewFetchChain orders mws by ascending priority.
func NewFetchChain(mws map[int]FetchMiddleware, logger *zap.Logger) *FetchChain {
	if logger == nil {
		logger = zap.NewNop()
	}
	entries := make([]fetchEntry, 0, len(mws))
	for _, prio := range slices.Sorted(maps.Keys(mws)) {
		if mws[prio] == nil {
			continue
		}
		entries = append(entries, fetchEntry{priority: prio, mw: mws[prio]})
	}
	return &FetchChain{entries: entries, logger: logger}
}

// Len returns the number of registered middlewares.
func (c *FetchChain) Len() int {
	return len(c.entries)
}

// Execute runs the before pass, fetch, and the after pass for req. When the
// returned outcome is Continue the response is non-nil.
func (c *FetchChain) Execute(ctx context.Context, req *crawler.Request, fetch FetchFunc) (*crawler.Response, Outcome) {
	for i, e := range c.entries {
		res, err := guard("before_fetch", func() (Result, error) {
			return e.mw.BeforeFetch(ctx, req)
		})
		if err != nil {
			return c.exception(ctx, req, fmt.Errorf("before fetch (priority %d): %w", e.priority, err))
		}
		switch res.Action {
		case Continue:
			continue
		case Keep:
		case Retry, Drop:
			c.release(ctx, req, i)
			return nil, fromResult(res)
		}
		break
	}

	resp, err := c.fetch(ctx, req, fetch)
	if err != nil {
		return c.exception(ctx, req, err)
	}
	if resp == nil {
		return c.exception(ctx, req, errors.New("fetcher returned no response"))
	}

	return c.after(ctx, req, resp)
}

func (c *FetchChain) fetch(ctx context.Context, req *crawler.Request, fetch FetchFunc) (resp *crawler.Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in fetcher: %v", r)
		}
	}()
	return fetch(ctx, req)
}

func (c *FetchChain) after(ctx context.Context, req *crawler.Request, resp *crawler.Response) (*crawler.Response, Outcome) {
	outcome := proceed()
	decided := false
	for i := len(c.entries) - 1; i >= 0; i-- {
		e := c.entries[i]
		current := resp
		res, err := guard("after_fetch", func() (Result, error) {
			return e.mw.AfterFetch(ctx, req, current)
		})
		if err != nil {
			if decided {
				c.logger.Warn("after fetch hook failed after outcome was decided",
					zap.Int("priority", e.priority),
					zap.String("url", req.URL),
					zap.Error(err),
				)
				continue
			}
			return c.exception(ctx, req, fmt.Errorf("after fetch (priority %d): %w", e.priority, err))
		}
		if decided || res.Action == Continue {
			continue
		}
		decided = true
		if res.Action == Keep && res.Response != nil {
			resp = res.Response
		}
		outcome = fromResult(res)
	}
	if outcome.Action != Continue {
		return nil, outcome
	}
	return resp, outcome
}

// exception runs the exception pass. Every hook runs; the first decisive result
// wins.
func (c *FetchChain) exception(ctx context.Context, req *crawler.Request, cause error) (*crawler.Response, Outcome) {
	var (
		resp    *crawler.Response
		outcome Outcome
		decided bool
	)
	for _, e := range c.entries {
		res, err := guard("fetch_error", func() (Result, error) {
			return e.mw.FetchError(ctx, req, cause)
		})
		if err != nil {
			c.logger.Warn("fetch exception hook failed",
				zap.Int("priority", e.priority),
				zap.String("url", req.URL),
				zap.Error(err),
			)
			continue
		}
		if decided || res.Action == Continue {
			continue
		}
		if res.Action == Keep {
			if res.Response == nil {
				continue
			}
			resp = res.Response
		}
		decided = true
		outcome = fromResult(res)
	}
	if !decided {
		return nil, fault("fetch", cause)
	}
	if outcome.Action != Continue {
		return nil, outcome
	}
	return resp, outcome
}

func (c *FetchChain) release(ctx context.Context, req *crawler.Request, upto int) {
	for i := upto - 1; i >= 0; i-- {
		r, ok := c.entries[i].mw.(Releaser)
		if !ok {
			continue
		}
		func() {
			defer func() {
				if p := recover(); p != nil {
					c.logger.Error("release hook panicked",
						zap.Int("priority", c.entries[i].priority),
						zap.Any("panic", p),
					)
				}
			}()
			r.Release(ctx, req)
		}()
	}
}
