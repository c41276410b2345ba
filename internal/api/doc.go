// Package api hosts the admin HTTP server for a running crawl. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/stats for scheduler and worker pool state.
//   - POST /v1/requests to admit requests into the running crawl.
//   - GET /v1/progress and /v1/progress/sites for per-stage and per-site
//     totals from the counter sink.
package api
