// Package main wires together the crawlcore binary.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlcore/internal/api"
	"github.com/JakeFAU/crawlcore/internal/clock/system"
	"github.com/JakeFAU/crawlcore/internal/config"
	"github.com/JakeFAU/crawlcore/internal/dispatcher"
	"github.com/JakeFAU/crawlcore/internal/fingerprint"
	"github.com/JakeFAU/crawlcore/internal/id/uuid"
	"github.com/JakeFAU/crawlcore/internal/logging"
	"github.com/JakeFAU/crawlcore/internal/metrics"
	"github.com/JakeFAU/crawlcore/internal/parser/links"
	"github.com/JakeFAU/crawlcore/internal/progress"
	"github.com/JakeFAU/crawlcore/internal/progress/sinks"
	"github.com/JakeFAU/crawlcore/internal/queue"
	"github.com/JakeFAU/crawlcore/internal/scheduler"
	"github.com/JakeFAU/crawlcore/internal/worker"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	linger := flag.Bool("linger", false, "Keep serving the admin API after the crawl finishes until signalled")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.Build(logging.Options{
		Development: cfg.Logging.Development,
		Level:       cfg.Logging.Level,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, flag.Args(), *linger, logger); err != nil {
		logger.Error("crawl failed", zap.Error(err))
		stop()
		_ = logger.Sync()
		os.Exit(1)
	}
}

// run builds every component, serves the admin API, and drives one crawl to
// completion or cancellation.
func run(ctx context.Context, cfg config.Config, args []string, linger bool, logger *zap.Logger) error {
	seeds := seedRequests(cfg.Crawler.Seeds, args)
	if len(seeds) == 0 {
		return errors.New("no seeds: set crawler.seeds or pass URLs as arguments")
	}

	ids := uuid.New()
	clock := system.New()
	rawRunID, err := ids.NewRawID()
	if err != nil {
		return fmt.Errorf("generate run id: %w", err)
	}
	runID := progress.UUIDToBytes(rawRunID)
	logger.Info("crawl run configured",
		zap.String("run_id", rawRunID.String()),
		zap.Int("seeds", len(seeds)),
		zap.String("queue_backend", cfg.Queue.Backend),
		zap.String("sink", cfg.Sink.Kind),
	)

	m := metrics.New(nil)
	counters := sinks.NewCounterSink()
	promSink, err := sinks.NewPrometheusSink(m.Registry())
	if err != nil {
		return fmt.Errorf("register progress metrics: %w", err)
	}
	hub := progress.NewHub(progress.Config{
		BufferSize:  cfg.Progress.BufferSize,
		BaseContext: context.WithoutCancel(ctx),
		Logger:      logger.Named("progress"),
	}, sinks.NewLogSink(logger.Named("progress")), promSink, counters)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := hub.Close(closeCtx); err != nil {
			logger.Warn("progress hub close failed", zap.Error(err))
		}
	}()

	backend, err := queue.New(ctx, cfg.QueueBackendConfig(), logger.Named("queue"))
	if err != nil {
		return fmt.Errorf("open queue backend: %w", err)
	}
	defer func() {
		if err := backend.Release(); err != nil {
			logger.Warn("queue backend release failed", zap.Error(err))
		}
	}()

	fp, err := fingerprint.New(cfg.FingerprintConfig())
	if err != nil {
		return fmt.Errorf("build fingerprinter: %w", err)
	}
	schedCfg := scheduler.Config{
		RunID:   runID,
		Seen:    backend.Seen,
		Emitter: hub,
		Logger:  logger.Named("scheduler"),
	}
	if backend.Shared {
		schedCfg.PollInterval = cfg.Queue.PollInterval
	}
	sched, err := scheduler.New(backend.Queue, fp, schedCfg)
	if err != nil {
		return fmt.Errorf("build scheduler: %w", err)
	}
	if backend.Seen != nil {
		loaded, err := sched.LoadSeen(ctx)
		if err != nil {
			return fmt.Errorf("load seen fingerprints: %w", err)
		}
		logger.Info("seen fingerprints restored", zap.Int("count", loaded))
	}
	if err := m.RegisterScheduler(sched); err != nil {
		return fmt.Errorf("register scheduler metrics: %w", err)
	}

	f, err := buildFetchers(cfg, logger)
	if err != nil {
		return err
	}
	defer f.Close()

	items, err := buildItemSink(ctx, cfg, rawRunID.String(), ids, clock, logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := items.Close(closeCtx); err != nil {
			logger.Error("item sink close failed", zap.Error(err))
		}
		if err := items.Release(); err != nil {
			logger.Warn("item sink release failed", zap.Error(err))
		}
	}()

	deps := worker.Deps{
		Scheduler:  sched,
		Fetcher:    f.router,
		Parser:     links.New(links.Config{}),
		FetchChain: buildFetchChain(cfg, f, clock, m.ObserveRateLimitDelay, logger),
		ParseChain: buildParseChain(cfg, logger),
		Sink:       items,
		Emitter:    hub,
	}
	workerCfg := worker.Config{
		FetchTimeout:       cfg.Crawler.FetchTimeout,
		RetryPriorityDelta: cfg.Retry.PriorityDelta,
		RunID:              runID,
	}
	runners := make([]dispatcher.Runner, 0, cfg.Crawler.Concurrency)
	for i := range cfg.Crawler.Concurrency {
		w, err := worker.New(deps, workerCfg, logger.Named("worker").With(zap.Int("index", i)))
		if err != nil {
			return fmt.Errorf("build worker: %w", err)
		}
		runners = append(runners, w)
	}
	engine, err := dispatcher.New(sched, runners, hub, dispatcher.Config{
		PollInterval: cfg.Crawler.PollInterval,
		RunID:        runID,
	}, logger.Named("engine"))
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}
	if err := m.RegisterActiveWorkers(engine.Active); err != nil {
		return fmt.Errorf("register worker metrics: %w", err)
	}

	apiServer, err := api.NewServer(api.Deps{
		Scheduler:  sched,
		Engine:     engine,
		Counters:   counters,
		Metrics:    m.Handler(),
		Instrument: m.Middleware,
		RunID:      rawRunID,
	}, cfg, logger.Named("api"))
	if err != nil {
		return fmt.Errorf("build api server: %w", err)
	}
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	srvCtx, stopServing := context.WithCancel(ctx)
	defer stopServing()
	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stopServing()
		}
	}()

	summary, runErr := engine.Run(srvCtx, seeds...)
	logger.Info("crawl summary",
		zap.Int("seeds", summary.Seeds),
		zap.Int("admitted", summary.Admitted),
		zap.Duration("duration", summary.Duration),
		zap.Bool("interrupted", summary.Interrupted),
		zap.Int("abandoned", summary.Abandoned),
	)

	if linger && runErr == nil {
		logger.Info("crawl finished, serving until signalled")
		<-srvCtx.Done()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	if runErr != nil {
		return fmt.Errorf("run engine: %w", runErr)
	}
	return nil
}
