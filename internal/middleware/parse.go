package middleware

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlcore/internal/crawler"
)

// ParseMiddleware hooks around a parse. AfterParse runs once per output.
type ParseMiddleware interface {
	BeforeParse(ctx context.Context, resp *crawler.Response) (Result, error)
	AfterParse(ctx context.Context, resp *crawler.Response, out crawler.Output) (Result, error)
	ParseError(ctx context.Context, resp *crawler.Response, err error) (Result, error)
}

// NopParse implements every ParseMiddleware hook as Continue.
type NopParse struct{}

// BeforeParse implements ParseMiddleware.
func (NopParse) BeforeParse(context.Context, *crawler.Response) (Result, error) {
	return Next(), nil
}

// AfterParse implements ParseMiddleware.
func (NopParse) AfterParse(context.Context, *crawler.Response, crawler.Output) (Result, error) {
	return Next(), nil
}

// ParseError implements ParseMiddleware.
func (NopParse) ParseError(context.Context, *crawler.Response, error) (Result, error) {
	return Next(), nil
}

// EmitFunc receives each output that survived the after pass.
type EmitFunc func(ctx context.Context, out crawler.Output)

// DropFunc is told about each output discarded by an after hook.
type DropFunc func(ctx context.Context, out crawler.Output, reason string)

type parseEntry struct {
	priority int
	mw       ParseMiddleware
}

// ParseChain executes parse middlewares in priority order.
type ParseChain struct {
	entries []parseEntry
	logger  *zap.Logger
}

// NewParseChain orders mws by ascending priority.
func NewParseChain(mws map[int]ParseMiddleware, logger *zap.Logger) *ParseChain {
	if logger == nil {
		logger = zap.NewNop()
	}
	entries := make([]parseEntry, 0, len(mws))
	for _, prio := range slices.Sorted(maps.Keys(mws)) {
		if mws[prio] == nil {
			continue
		}
		entries = append(entries, parseEntry{priority: prio, mw: mws[prio]})
	}
	return &ParseChain{entries: entries, logger: logger}
}

// Len returns the number of registered middlewares.
func (c *ParseChain) Len() int {
	return len(c.entries)
}

// Execute runs the before pass, then consumes parser outputs one at a time,
// running the after pass on each and handing survivors to emit. A Retry from
// any hook stops consumption and discards the remaining outputs. dropped may
// be nil.
func (c *ParseChain) Execute(
	ctx context.Context,
	resp *crawler.Response,
	parser crawler.Parser,
	emit EmitFunc,
	dropped DropFunc,
) Outcome {
	for _, e := range c.entries {
		res, err := guard("before_parse", func() (Result, error) {
			return e.mw.BeforeParse(ctx, resp)
		})
		if err != nil {
			return c.exception(ctx, resp, fmt.Errorf("before parse (priority %d): %w", e.priority, err), emit)
		}
		switch res.Action {
		case Continue:
			continue
		case Keep:
		case Retry, Drop:
			return fromResult(res)
		}
		break
	}

	outcome, err := c.consume(ctx, resp, parser, emit, dropped)
	if err != nil {
		return c.exception(ctx, resp, err, emit)
	}
	return outcome
}

func (c *ParseChain) consume(
	ctx context.Context,
	resp *crawler.Response,
	parser crawler.Parser,
	emit EmitFunc,
	dropped DropFunc,
) (outcome Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in parser: %v", r)
		}
	}()

	for out, perr := range parser.Parse(ctx, resp) {
		if perr != nil {
			return Outcome{}, perr
		}
		kept, res, herr := c.after(ctx, resp, out)
		if herr != nil {
			return Outcome{}, herr
		}
		switch res.Action {
		case Retry:
			return fromResult(res), nil
		case Drop:
			if dropped != nil {
				dropped(ctx, out, res.Reason)
			}
		default:
			emit(ctx, kept)
		}
	}
	return proceed(), nil
}

// after runs the after pass for one output. Hooks below the deciding one are
// still invoked with the decided value but cannot change the result.
func (c *ParseChain) after(ctx context.Context, resp *crawler.Response, out crawler.Output) (crawler.Output, Result, error) {
	decision := Next()
	decided := false
	for i := len(c.entries) - 1; i >= 0; i-- {
		e := c.entries[i]
		current := out
		res, err := guard("after_parse", func() (Result, error) {
			return e.mw.AfterParse(ctx, resp, current)
		})
		if err != nil {
			if decided {
				c.logger.Warn("after parse hook failed after outcome was decided",
					zap.Int("priority", e.priority),
					zap.String("url", resp.URL),
					zap.Error(err),
				)
				continue
			}
			return out, Result{}, fmt.Errorf("after parse (priority %d): %w", e.priority, err)
		}
		if decided || res.Action == Continue {
			continue
		}
		decided = true
		if res.Action == Keep && res.Output != nil {
			out = *res.Output
		}
		decision = res
	}
	return out, decision, nil
}

// exception runs the exception pass. A Keep carrying an output recovers that
// output; parsing of the response still ends.
func (c *ParseChain) exception(ctx context.Context, resp *crawler.Response, cause error, emit EmitFunc) Outcome {
	var (
		outcome   Outcome
		recovered *crawler.Output
		decided   bool
	)
	for _, e := range c.entries {
		res, err := guard("parse_error", func() (Result, error) {
			return e.mw.ParseError(ctx, resp, cause)
		})
		if err != nil {
			c.logger.Warn("parse exception hook failed",
				zap.Int("priority", e.priority),
				zap.String("url", resp.URL),
				zap.Error(err),
			)
			continue
		}
		if decided || res.Action == Continue {
			continue
		}
		if res.Action == Keep {
			if res.Output == nil {
				continue
			}
			recovered = res.Output
		}
		decided = true
		outcome = fromResult(res)
	}
	if !decided {
		return fault("parse", cause)
	}
	if recovered != nil {
		emit(ctx, *recovered)
	}
	return outcome
}
