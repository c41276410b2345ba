// Package dispatcher runs a crawl: it seeds the scheduler, fans work out to a
// pool of workers, and detects completion.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/crawlcore/internal/crawler"
	"github.com/JakeFAU/crawlcore/internal/progress"
	"github.com/JakeFAU/crawlcore/internal/scheduler"
	"github.com/JakeFAU/crawlcore/internal/worker"
)

const defaultPollInterval = 100 * time.Millisecond

// Scheduler is the subset of scheduler.Scheduler the engine drives.
type Scheduler interface {
	worker.Scheduler
	Get(ctx context.Context) (*crawler.Request, error)
	Admit(ctx context.Context, req *crawler.Request) (scheduler.Admission, error)
	Stats(ctx context.Context) scheduler.Stats
	Close(ctx context.Context) error
	Clear(ctx context.Context) (int, error)
	Join(ctx context.Context) error
}

// Runner is a unit of work the engine fans out; *worker.Worker satisfies it.
type Runner interface {
	Process(ctx context.Context, req *crawler.Request)
}

// Config controls the engine.
type Config struct {
	// PollInterval is how often completion is checked.
	PollInterval time.Duration
	RunID        [16]byte
}

// Summary describes a finished run.
type Summary struct {
	Seeds    int
	Admitted int
	Duration time.Duration
	// Interrupted is true when the run stopped before the crawl went idle.
	Interrupted bool
	Abandoned   int
	Final       scheduler.Stats
}

// Engine owns the worker pool for one crawl run.
type Engine struct {
	sched   Scheduler
	workers []Runner
	emit    progress.Emitter
	cfg     Config
	logger  *zap.Logger

	active  atomic.Int64
	running atomic.Bool
}

// New creates an Engine. emit may be nil.
func New(sched Scheduler, workers []Runner, emit progress.Emitter, cfg Config, logger *zap.Logger) (*Engine, error) {
	if sched == nil {
		return nil, errors.New("scheduler is required")
	}
	if len(workers) == 0 {
		return nil, errors.New("at least one worker is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if emit == nil {
		emit = progress.Discard
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{sched: sched, workers: workers, emit: emit, cfg: cfg, logger: logger}, nil
}

// Active returns the number of workers currently processing a request.
func (e *Engine) Active() int {
	return int(e.active.Load())
}

// Running reports whether Run is in progress.
func (e *Engine) Running() bool {
	return e.running.Load()
}

// Run admits seeds, starts the workers, and blocks until the crawl is idle or
// ctx ends. Either way the scheduler is closed and joined before Run
// returns. On cancellation, work already taken by a worker is finished and
// everything still queued is abandoned.
func (e *Engine) Run(ctx context.Context, seeds ...*crawler.Request) (Summary, error) {
	if !e.running.CompareAndSwap(false, true) {
		return Summary{}, errors.New("engine already running")
	}
	defer e.running.Store(false)

	start := time.Now()
	summary := Summary{Seeds: len(seeds)}
	e.emit.Emit(progress.NewEvent(e.cfg.RunID, progress.StageRunStart))
	e.logger.Info("crawl run starting", zap.Int("seeds", len(seeds)), zap.Int("workers", len(e.workers)))

	for _, seed := range seeds {
		admission, err := e.sched.Admit(ctx, seed)
		if err != nil {
			e.logger.Warn("seed rejected", zap.String("url", seed.URL), zap.Error(err))
			continue
		}
		if admission == scheduler.Queued || admission == scheduler.Delivered {
			summary.Admitted++
		}
	}

	pullCtx, stopPulling := context.WithCancel(ctx)
	defer stopPulling()
	group, groupCtx := errgroup.WithContext(pullCtx)
	for _, w := range e.workers {
		group.Go(func() error {
			return e.runWorker(groupCtx, w)
		})
	}

	summary.Interrupted = !e.waitIdle(ctx, groupCtx)
	stopPulling()
	workerErr := group.Wait()

	shutdownCtx := context.WithoutCancel(ctx)
	if summary.Interrupted {
		n, err := e.sched.Clear(shutdownCtx)
		if err != nil {
			e.logger.Warn("abandon queued requests", zap.Error(err))
		}
		summary.Abandoned = n
	}
	if err := e.sched.Close(shutdownCtx); err != nil {
		return summary, fmt.Errorf("close scheduler: %w", err)
	}
	if err := e.sched.Join(shutdownCtx); err != nil {
		return summary, fmt.Errorf("join scheduler: %w", err)
	}

	summary.Duration = time.Since(start)
	summary.Final = e.sched.Stats(shutdownCtx)
	done := progress.NewEvent(e.cfg.RunID, progress.StageRunDone)
	done.Dur = summary.Duration
	e.emit.Emit(done)
	e.logger.Info("crawl run finished",
		zap.Duration("duration", summary.Duration),
		zap.Bool("interrupted", summary.Interrupted),
		zap.Int("abandoned", summary.Abandoned),
		zap.Int("seen", summary.Final.Seen),
		zap.Int("duplicates", summary.Final.Duplicates),
		zap.Int("capacity_drops", summary.Final.CapacityDrops),
	)
	if workerErr != nil {
		return summary, fmt.Errorf("worker failed: %w", workerErr)
	}
	return summary, nil
}

// waitIdle polls until nothing is queued, pending, or being processed. It
// returns false when ctx ends or a worker fails first.
func (e *Engine) waitIdle(ctx, groupCtx context.Context) bool {
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("crawl run interrupted", zap.Error(ctx.Err()))
			return false
		case <-groupCtx.Done():
			e.logger.Warn("worker pool stopped before the crawl went idle")
			return false
		case <-ticker.C:
		}
		stats := e.sched.Stats(ctx)
		if stats.Idle() && e.active.Load() == 0 {
			evt := progress.NewEvent(e.cfg.RunID, progress.StageIdle)
			evt.Note = fmt.Sprintf("seen=%d duplicates=%d", stats.Seen, stats.Duplicates)
			e.emit.Emit(evt)
			return true
		}
	}
}

func (e *Engine) runWorker(ctx context.Context, w Runner) error {
	for ctx.Err() == nil {
		req, err := e.sched.Get(ctx)
		if err != nil {
			if errors.Is(err, scheduler.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("get request: %w", err)
		}
		e.active.Add(1)
		w.Process(context.WithoutCancel(ctx), req)
		e.active.Add(-1)
	}
	return nil
}
