// Package worker implements the per-request crawl pipeline.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlcore/internal/crawler"
	"github.com/JakeFAU/crawlcore/internal/middleware"
	"github.com/JakeFAU/crawlcore/internal/progress"
	"github.com/JakeFAU/crawlcore/internal/scheduler"
)

// Scheduler is the subset of scheduler.Scheduler a worker depends on.
type Scheduler interface {
	Add(ctx context.Context, req *crawler.Request) error
	TaskDone() error
}

// Config controls Worker behavior.
type Config struct {
	// FetchTimeout bounds a single fetch call. Zero disables the bound.
	FetchTimeout time.Duration
	// RetryPriorityDelta is added to the priority of re-admitted requests.
	RetryPriorityDelta int
	RunID              [16]byte
}

// Deps groups the collaborators a Worker needs.
type Deps struct {
	Scheduler  Scheduler
	Fetcher    crawler.Fetcher
	Parser     crawler.Parser
	FetchChain *middleware.FetchChain
	ParseChain *middleware.ParseChain
	Sink       crawler.ItemSink
	Emitter    progress.Emitter
}

// Worker pulls requests from the scheduler and runs each through the fetch
// chain, the parse chain, and output routing.
type Worker struct {
	sched      Scheduler
	fetcher    crawler.Fetcher
	parser     crawler.Parser
	fetchChain *middleware.FetchChain
	parseChain *middleware.ParseChain
	sink       crawler.ItemSink
	emit       progress.Emitter
	cfg        Config
	logger     *zap.Logger
}

// New constructs a Worker. Nil chains behave as empty chains.
func New(deps Deps, cfg Config, logger *zap.Logger) (*Worker, error) {
	if deps.Scheduler == nil {
		return nil, errors.New("scheduler is required")
	}
	if deps.Fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if deps.Parser == nil {
		return nil, errors.New("parser is required")
	}
	if deps.Sink == nil {
		return nil, errors.New("item sink is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.FetchChain == nil {
		deps.FetchChain = middleware.NewFetchChain(nil, logger)
	}
	if deps.ParseChain == nil {
		deps.ParseChain = middleware.NewParseChain(nil, logger)
	}
	if deps.Emitter == nil {
		deps.Emitter = progress.Discard
	}
	return &Worker{
		sched:      deps.Scheduler,
		fetcher:    deps.Fetcher,
		parser:     deps.Parser,
		fetchChain: deps.FetchChain,
		parseChain: deps.ParseChain,
		sink:       deps.Sink,
		emit:       deps.Emitter,
		cfg:        cfg,
		logger:     logger,
	}, nil
}

// Process runs one request through the pipeline and always reports TaskDone.
func (w *Worker) Process(ctx context.Context, req *crawler.Request) {
	defer func() {
		if err := w.sched.TaskDone(); err != nil {
			w.logger.Error("task done", zap.String("url", req.URL), zap.Error(err))
		}
	}()

	resp, outcome := w.fetchChain.Execute(ctx, req, w.fetch)
	switch outcome.Action {
	case middleware.Retry:
		w.retry(ctx, req, outcome.Reason)
		return
	case middleware.Drop:
		w.drop(req, "fetch", outcome)
		return
	}
	if resp.Request == nil {
		resp.Request = req
	}

	outcome = w.parseChain.Execute(ctx, resp, w.parser, w.route, w.dropOutput)
	switch outcome.Action {
	case middleware.Retry:
		w.retry(ctx, req, outcome.Reason)
	case middleware.Drop:
		w.drop(req, "parse", outcome)
	default:
		evt := progress.NewEvent(w.cfg.RunID, progress.StageParseDone).WithURL(req.URL)
		evt.Priority = req.Priority
		w.emit.Emit(evt)
	}
}

// fetch bounds the fetcher call with the configured timeout and reports the
// completion.
func (w *Worker) fetch(ctx context.Context, req *crawler.Request) (*crawler.Response, error) {
	fetchCtx := ctx
	if w.cfg.FetchTimeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, w.cfg.FetchTimeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := w.fetcher.Fetch(fetchCtx, req)
	if err != nil {
		if ctx.Err() == nil && errors.Is(fetchCtx.Err(), context.DeadlineExceeded) && !errors.Is(err, crawler.ErrTimeout) {
			err = fmt.Errorf("%w after %s: %w", crawler.ErrTimeout, w.cfg.FetchTimeout, err)
		}
		w.logger.Debug("fetch failed", zap.String("url", req.URL), zap.Error(err))
		return nil, err
	}
	if resp == nil {
		return nil, nil
	}
	if resp.Duration == 0 {
		resp.Duration = time.Since(start)
	}

	evt := progress.NewEvent(w.cfg.RunID, progress.StageFetchDone).WithURL(req.URL)
	evt.Priority = req.Priority
	evt.StatusClass = progress.ClassifyStatus(resp.StatusCode)
	evt.Bytes = int64(len(resp.Body))
	evt.Dur = resp.Duration
	w.emit.Emit(evt)
	return resp, nil
}

// route sends a surviving parse output to the scheduler or the item sink.
func (w *Worker) route(ctx context.Context, out crawler.Output) {
	switch {
	case out.Request != nil:
		if err := w.sched.Add(ctx, out.Request); err != nil {
			level := zap.WarnLevel
			if errors.Is(err, scheduler.ErrClosed) {
				level = zap.DebugLevel
			}
			w.logger.Log(level, "follow-up request not admitted",
				zap.String("url", out.Request.URL),
				zap.Error(err),
			)
		}
	case out.Item != nil:
		if err := w.sink.Accept(ctx, *out.Item); err != nil {
			w.logger.Warn("item sink rejected item", zap.Error(err))
			evt := progress.NewEvent(w.cfg.RunID, progress.StageDropped)
			evt.Reason = progress.ReasonSink
			evt.Note = err.Error()
			w.emit.Emit(evt)
			return
		}
		w.emit.Emit(progress.NewEvent(w.cfg.RunID, progress.StageItem))
	}
}

func (w *Worker) dropOutput(_ context.Context, out crawler.Output, reason string) {
	evt := progress.NewEvent(w.cfg.RunID, progress.StageDropped)
	if out.Request != nil {
		evt = evt.WithURL(out.Request.URL)
		evt.Priority = out.Request.Priority
	}
	evt.Reason = progress.ReasonMiddleware
	evt.Note = reason
	w.emit.Emit(evt)
}

// retry re-admits a copy of req that bypasses dedup.
func (w *Worker) retry(ctx context.Context, req *crawler.Request, reason string) {
	next := req.Copy()
	next.Priority += w.cfg.RetryPriorityDelta
	next.DontFilter = true
	if err := w.sched.Add(ctx, next); err != nil {
		w.logger.Warn("retry not admitted",
			zap.String("url", req.URL),
			zap.String("reason", reason),
			zap.Error(err),
		)
		return
	}
	w.logger.Debug("request re-admitted",
		zap.String("url", req.URL),
		zap.String("reason", reason),
		zap.Int("priority", next.Priority),
		zap.Int("retry_count", next.MetaInt(crawler.MetaRetryCount)),
	)
	evt := progress.NewEvent(w.cfg.RunID, progress.StageRetried).WithURL(req.URL)
	evt.Priority = next.Priority
	evt.Note = reason
	w.emit.Emit(evt)
}

func (w *Worker) drop(req *crawler.Request, stage string, outcome middleware.Outcome) {
	evt := progress.NewEvent(w.cfg.RunID, progress.StageDropped).WithURL(req.URL)
	evt.Priority = req.Priority
	evt.Reason = progress.ReasonMiddleware
	evt.Note = outcome.Reason
	if outcome.Err != nil {
		evt.Reason = progress.ReasonFault
		evt.Note = outcome.Err.Error()
		w.logger.Error("middleware fault",
			zap.String("stage", stage),
			zap.String("url", req.URL),
			zap.Error(outcome.Err),
		)
	} else {
		w.logger.Debug("request dropped",
			zap.String("stage", stage),
			zap.String("url", req.URL),
			zap.String("reason", outcome.Reason),
		)
	}
	w.emit.Emit(evt)
}
