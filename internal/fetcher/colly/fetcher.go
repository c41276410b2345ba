// Package collyfetcher implements crawler.Fetcher using gocolly.
package collyfetcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlcore/internal/crawler"
)

const defaultTimeout = 30 * time.Second

// Config controls collector behavior.
type Config struct {
	UserAgent string
	// Timeout bounds the underlying HTTP client; the caller's ctx may be
	// shorter.
	Timeout time.Duration
	// MaxBodySize caps the bytes read per response; 0 keeps colly's default.
	MaxBodySize int
}

// Fetcher implements crawler.Fetcher using the Colly collector. Dedup and
// robots.txt are handled upstream, so the collector revisits freely and
// ignores robots. Every HTTP status comes back as a Response.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
	logger        *zap.Logger
}

type collectorHooks interface {
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher.
func New(cfg Config, logger *zap.Logger) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := colly.NewCollector(
		colly.Async(false),
		colly.AllowURLRevisit(),
		colly.IgnoreRobotsTxt(),
		colly.ParseHTTPErrorResponse(),
	)
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	if cfg.MaxBodySize > 0 {
		c.MaxBodySize = cfg.MaxBodySize
	}
	c.WithTransport(newHandshakeRetryTransport(newHTTPTransport(), logger))
	c.SetRequestTimeout(cfg.Timeout)

	return &Fetcher{
		cfg:           cfg,
		baseCollector: c,
		logger:        logger,
	}
}

// Fetch executes req using a clone of the base collector bound to ctx.
func (f *Fetcher) Fetch(ctx context.Context, req *crawler.Request) (*crawler.Response, error) {
	var (
		result   *crawler.Response
		fetchErr error
	)
	start := time.Now()
	collector := f.baseCollector.Clone()
	collector.Context = ctx
	f.configureCollectorHooks(collector, req, start, &result, &fetchErr)

	if err := f.runCollector(ctx, collector, req, &fetchErr); err != nil {
		return nil, err
	}
	if result == nil {
		return nil, fmt.Errorf("%w: no response for %s", crawler.ErrTransport, req.URL)
	}
	return result, nil
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	req *crawler.Request,
	start time.Time,
	result **crawler.Response,
	fetchErr *error,
) {
	hooks.OnResponse(func(r *colly.Response) {
		var header http.Header
		if r.Headers != nil {
			header = r.Headers.Clone()
		}
		finalURL := req.URL
		if r.Request != nil && r.Request.URL != nil {
			finalURL = r.Request.URL.String()
		}
		*result = &crawler.Response{
			URL:        finalURL,
			StatusCode: r.StatusCode,
			Header:     header,
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
			Request:    req,
		}
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, req *crawler.Request, fetchErr *error) error {
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	done := make(chan error, 1)
	go func() {
		done <- collector.Request(req.HTTPMethod(), req.URL, body, nil, req.Header.Clone())
	}()

	select {
	case <-ctx.Done():
		return classify(ctx, req.URL, ctx.Err())
	case err := <-done:
		if err == nil {
			err = *fetchErr
		}
		if err != nil {
			f.logger.Debug("colly fetch failed", zap.String("url", req.URL), zap.Error(err))
			return classify(ctx, req.URL, err)
		}
		return nil
	}
}

// classify wraps err in the crawler error taxonomy.
func classify(ctx context.Context, url string, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: %w", crawler.ErrTimeout, url, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %s: %w", crawler.ErrTimeout, url, err)
	}
	return fmt.Errorf("%w: %s: %w", crawler.ErrTransport, url, err)
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
	}
}
