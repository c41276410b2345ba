// Package progress provides the crawl event primitives, non-blocking hub, and
// emitter interfaces that the scheduler and workers use to report what happens
// to each request. It batches events on a background goroutine and fans them
// out to pluggable sinks such as logs, Prometheus metrics, or run counters.
package progress
