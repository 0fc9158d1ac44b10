// Package api hosts the operator HTTP server. Routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/statistics for the same snapshot REQUEST_STATISTICS returns.
//   - POST /v1/targets to enqueue target ids.
package api
