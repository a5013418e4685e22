// Package api hosts the HTTP server, middleware, and REST handlers for
// operator access. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/crawl, GET /v1/crawl and POST /v1/crawl/cancel to drive runs.
//   - GET /v1/crawl/runs and /v1/crawl/runs/{run_id} for run history via the
//     RunRepository interface.
//   - GET /v1/sources and /v1/sources/metrics for the source catalog and its
//     cumulative fetch health.
//   - POST /v1/fetch for a manual single-page dispatch.
package api
