package main

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlcore/internal/config"
	"github.com/JakeFAU/crawlcore/internal/crawler"
	"github.com/JakeFAU/crawlcore/internal/fetcher"
	collyfetcher "github.com/JakeFAU/crawlcore/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/crawlcore/internal/fetcher/headless"
	"github.com/JakeFAU/crawlcore/internal/headless/detector"
	"github.com/JakeFAU/crawlcore/internal/middleware"
	fetchmw "github.com/JakeFAU/crawlcore/internal/middleware/fetch"
	parsemw "github.com/JakeFAU/crawlcore/internal/middleware/parse"
)

// fetchers holds the static fetcher, the optional headless fetcher, and the
// router workers call.
type fetchers struct {
	static   *collyfetcher.Fetcher
	headless *headlessfetcher.Fetcher
	router   *fetcher.Router
}

func (f fetchers) Close() {
	if f.headless != nil {
		f.headless.Close()
	}
}

func buildFetchers(cfg config.Config, logger *zap.Logger) (fetchers, error) {
	out := fetchers{
		static: collyfetcher.New(collyfetcher.Config{
			UserAgent: cfg.Crawler.UserAgent,
			Timeout:   cfg.Crawler.FetchTimeout,
		}, logger.Named("colly")),
	}
	if cfg.Headless.Enabled {
		h, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
			MaxParallel:       cfg.Headless.MaxParallel,
			UserAgent:         cfg.Crawler.UserAgent,
			NavigationTimeout: cfg.Headless.NavTimeout,
		}, logger.Named("headless"))
		if err != nil {
			logger.Warn("headless fetcher init failed, rendering disabled", zap.Error(err))
		} else {
			out.headless = h
		}
	}
	var headless crawler.Fetcher
	if out.headless != nil {
		headless = out.headless
	}
	router, err := fetcher.NewRouter(out.static, headless)
	if err != nil {
		return fetchers{}, fmt.Errorf("build fetch router: %w", err)
	}
	out.router = router
	return out, nil
}

// buildFetchChain assembles the standard fetch middlewares. The domain slot is
// taken before the delay wait, and render promotion is only installed when a
// headless fetcher is available.
func buildFetchChain(
	cfg config.Config,
	f fetchers,
	clock crawler.Clock,
	observeDelay fetchmw.DelayObserver,
	logger *zap.Logger,
) *middleware.FetchChain {
	delay := fetchmw.NewDelay(cfg.Crawler.DelayPerDomain, clock, observeDelay)
	mws := map[int]middleware.FetchMiddleware{
		fetchmw.PriorityRetry:       fetchmw.NewRetry(cfg.RetryMiddlewareConfig(), logger),
		fetchmw.PriorityDomainSlots: fetchmw.NewDomainSlots(cfg.Crawler.ConcurrencyPerDomain, delay.MarkDone),
		fetchmw.PriorityDelay:       delay,
	}
	if cfg.Crawler.RespectRobots {
		mws[fetchmw.PriorityRobots] = fetchmw.NewRobots(f.static, cfg.Crawler.UserAgent, logger)
	}
	if f.headless != nil {
		promoter := detector.NewHeuristic(cfg.Headless.PromotionThreshold, nil, nil)
		mws[fetchmw.PriorityRender] = fetchmw.NewRender(promoter, logger)
	}
	return middleware.NewFetchChain(mws, logger.Named("fetch_chain"))
}

// buildParseChain assembles the standard parse middlewares.
func buildParseChain(cfg config.Config, logger *zap.Logger) *middleware.ParseChain {
	return middleware.NewParseChain(map[int]middleware.ParseMiddleware{
		parsemw.PriorityHTTPError: parsemw.NewHTTPError(nil, logger),
		parsemw.PriorityOffsite:   parsemw.NewOffsite(cfg.Crawler.AllowedDomains, cfg.Crawler.BlockedDomains),
		parsemw.PriorityDepth:     parsemw.NewDepth(cfg.Crawler.MaxDepth, cfg.Crawler.DepthPriority),
	}, logger.Named("parse_chain"))
}

// seedRequests turns configured and positional seed URLs into requests,
// skipping blanks and repeats.
func seedRequests(urls ...[]string) []*crawler.Request {
	seen := make(map[string]struct{})
	var out []*crawler.Request
	for _, list := range urls {
		for _, raw := range list {
			if raw == "" {
				continue
			}
			if _, ok := seen[raw]; ok {
				continue
			}
			seen[raw] = struct{}{}
			req := crawler.NewRequest(raw, 0)
			req.SetMeta(crawler.MetaDepth, 0)
			out = append(out, req)
		}
	}
	return out
}
