// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/preload/status and POST /v1/preload{,/cancel,/restart} to drive
//     cache warming; the status body is the poll contract.
//   - POST /v1/purge and /v1/purge/all to remove cache files.
//   - GET /v1/cache/entries to list cached URLs.
//   - GET /v1/runs and /v1/runs/{run_id} for run history via the
//     RunRepository interface.
package api
