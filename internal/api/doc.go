// Package api hosts the operator HTTP server. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/targets[/{name}] for Target status and backoff state.
//   - POST /v1/targets/{name}/{suspend,reactivate,reset} for manual control.
//   - POST /v1/targets/{name}/sessions to queue an immediate harvest.
//   - GET /v1/targets/{name}/sessions and /v1/sessions/{id} for session reports.
package api
