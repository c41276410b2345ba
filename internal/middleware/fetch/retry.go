package fetchmw

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math"
	"math/big"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlcore/internal/crawler"
	"github.com/JakeFAU/crawlcore/internal/middleware"
)

// RetryConfig controls the retry middleware.
type RetryConfig struct {
	MaxRetries  int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// Jitter is the +/- fraction applied to each computed delay.
	Jitter    float64
	HTTPCodes []int
}

// DefaultRetryConfig returns the default retry settings.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:  3,
		BackoffBase: time.Second,
		BackoffMax:  60 * time.Second,
		Jitter:      0.3,
		HTTPCodes: []int{
			http.StatusTooManyRequests,
			http.StatusInternalServerError,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout,
		},
	}
}

// Retry asks for transport failures and retryable statuses to be fetched
// again with exponential backoff. The delay is stored in the request meta and
// honored by the Delay middleware on the next attempt.
type Retry struct {
	middleware.NopFetch

	cfg    RetryConfig
	logger *zap.Logger
	// randInt is swapped in tests.
	randInt func(limit int64) int64
}

// NewRetry builds the retry middleware.
func NewRetry(cfg RetryConfig, logger *zap.Logger) *Retry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.BackoffMax < cfg.BackoffBase {
		cfg.BackoffMax = cfg.BackoffBase
	}
	if cfg.Jitter < 0 {
		cfg.Jitter = 0
	}
	return &Retry{cfg: cfg, logger: logger, randInt: cryptoRandInt}
}

// AfterFetch implements middleware.FetchMiddleware.
func (r *Retry) AfterFetch(_ context.Context, req *crawler.Request, resp *crawler.Response) (middleware.Result, error) {
	if !slices.Contains(r.cfg.HTTPCodes, resp.StatusCode) {
		return middleware.Next(), nil
	}
	reason := fmt.Sprintf("status %d", resp.StatusCode)
	if !r.schedule(req, parseRetryAfter(resp.Header, time.Now())) {
		r.logger.Info("retries exhausted; keeping response",
			zap.String("url", req.URL),
			zap.Int("status", resp.StatusCode),
			zap.Int("retry_count", req.MetaInt(crawler.MetaRetryCount)),
		)
		return middleware.Next(), nil
	}
	return middleware.RetryWith(reason), nil
}

// FetchError implements middleware.FetchMiddleware.
func (r *Retry) FetchError(_ context.Context, req *crawler.Request, err error) (middleware.Result, error) {
	if !crawler.IsTransport(err) {
		return middleware.Next(), nil
	}
	reason := "transport error"
	if errors.Is(err, crawler.ErrTimeout) {
		reason = "timeout"
	}
	if !r.schedule(req, 0) {
		r.logger.Warn("retries exhausted; dropping request",
			zap.String("url", req.URL),
			zap.Int("retry_count", req.MetaInt(crawler.MetaRetryCount)),
			zap.Error(err),
		)
		return middleware.DropWith(reason + ", retries exhausted"), nil
	}
	return middleware.RetryWith(reason), nil
}

// schedule records the next attempt on req. It returns false when the
// request has used up its retries.
func (r *Retry) schedule(req *crawler.Request, retryAfter time.Duration) bool {
	attempt := req.MetaInt(crawler.MetaRetryCount)
	if attempt >= r.cfg.MaxRetries {
		return false
	}
	delay := r.Backoff(attempt)
	if retryAfter > delay {
		delay = min(retryAfter, r.cfg.BackoffMax)
	}
	req.SetMeta(crawler.MetaRetryCount, attempt+1)
	req.SetMeta(crawler.MetaRetryDelay, delay.Seconds())
	return true
}

// Backoff returns the jittered delay before retry number attempt+1.
func (r *Retry) Backoff(attempt int) time.Duration {
	delay := float64(r.cfg.BackoffBase) * math.Pow(2, float64(attempt))
	if delay > float64(r.cfg.BackoffMax) {
		delay = float64(r.cfg.BackoffMax)
	}
	if r.cfg.Jitter > 0 {
		spread := int64(delay * r.cfg.Jitter)
		if spread > 0 {
			delay += float64(r.randInt(2*spread+1) - spread)
		}
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

func cryptoRandInt(limit int64) int64 {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(limit))
	if err != nil {
		return limit / 2
	}
	return n.Int64()
}

// parseRetryAfter reads a Retry-After header given in seconds or as an HTTP
// date.
func parseRetryAfter(h http.Header, now time.Time) time.Duration {
	raw := strings.TrimSpace(h.Get("Retry-After"))
	if raw == "" {
		return 0
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(raw); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
