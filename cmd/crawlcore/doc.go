// Package main hosts the crawlcore entrypoint.
//
// Architecture overview:
//   - Scheduler and queue: seeds and discovered links are fingerprinted,
//     deduplicated, and held in a priority queue (memory, Redis, or Postgres,
//     selected by queue.backend). A request is handed straight to an idle
//     worker when one is waiting.
//   - Dispatch engine: a fixed worker pool sized by crawler.concurrency pulls
//     from the scheduler and polls for completion. SIGINT/SIGTERM abandons
//     queued work and waits for in-flight units.
//   - Fetch pipeline: robots.txt, retry, render promotion, per-domain slots,
//     and per-domain delay run as ordered middlewares around the fetcher
//     router, which picks colly or headless Chrome per request.
//   - Parse pipeline: HTTP error filtering, offsite filtering, and depth
//     tracking run around the goquery link parser. Items go to the sink
//     selected by sink.kind (log, memory, file, gcs, pubsub, postgres).
//   - Observability: zap logs, Prometheus metrics on /metrics, and a progress
//     hub fanning lifecycle events to log, Prometheus, and counter sinks.
//
// Usage:
//
//	crawlcore -config config.yaml https://example.com/
//
// Seeds come from crawler.seeds plus positional arguments. With -linger the
// admin API keeps serving after the crawl goes idle.
package main
