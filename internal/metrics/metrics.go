// Package metrics exposes Prometheus collectors for the crawl service: admin
// HTTP traffic, per-domain politeness delays, worker activity, and live
// scheduler state.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/JakeFAU/crawlcore/internal/scheduler"
)

// Metrics owns the service collectors and the registry they are exported from.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	rateLimitDelaysSeconds     *prometheus.HistogramVec
}

// New registers the collectors on registry. A nil registry gets a fresh one
// that also carries the Go runtime and process collectors.
func New(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	factory := promauto.With(registry)
	return &Metrics{
		registry: registry,
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		),
		httpRequestDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		),
		rateLimitDelaysSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_rate_limit_delays_seconds",
				Help:    "Histogram of per-domain politeness wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		),
	}
}

// Registry exposes the underlying registry so other collectors, such as the
// progress Prometheus sink, can share it.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an http.Handler for exposing the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveHTTPRequest increments the HTTP request metrics.
func (m *Metrics) ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	m.httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveRateLimitDelay records the duration of a politeness wait. Its
// signature matches fetchmw.DelayObserver.
func (m *Metrics) ObserveRateLimitDelay(domain string, duration time.Duration) {
	m.rateLimitDelaysSeconds.WithLabelValues(SanitizeSite(domain)).Observe(duration.Seconds())
}

// RegisterActiveWorkers exports fn as the crawler_active_workers gauge.
func (m *Metrics) RegisterActiveWorkers(fn func() int) error {
	gauge := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "crawler_active_workers",
		Help: "Number of workers currently processing a request.",
	}, func() float64 { return float64(fn()) })
	if err := m.registry.Register(gauge); err != nil {
		return fmt.Errorf("register active workers gauge: %w", err)
	}
	return nil
}

// StatsSource is satisfied by *scheduler.Scheduler.
type StatsSource interface {
	Stats(ctx context.Context) scheduler.Stats
}

// RegisterScheduler exports the scheduler's live state. Stats is read once
// per scrape.
func (m *Metrics) RegisterScheduler(src StatsSource) error {
	if err := m.registry.Register(newSchedulerCollector(src)); err != nil {
		return fmt.Errorf("register scheduler collector: %w", err)
	}
	return nil
}

// SanitizeSite sanitizes a URL or host to a lowercase hostname.
// It returns "unknown" if the input is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}
