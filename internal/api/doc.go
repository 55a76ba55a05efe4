// Package api hosts the operator HTTP surface. Routes:
//   - GET /healthz and /readyz for liveness and readiness probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /debug/tasks and /debug/tasks/{task_id} for read-only task
//     inspection.
package api
