// Package api hosts the HTTP server for the collector run queue. Notable
// routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /api/v1/collectors/{name}/runs to enqueue a manual run.
//   - GET /api/v1/collectors and /api/v1/runs for collector and run state.
package api
