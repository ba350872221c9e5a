// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/works/{work}/start and /stop to admit or stop a download.
//   - GET /v1/status, /v1/works and /v1/works/{work}/progress for the live
//     projection and stored snapshots.
//   - DELETE /v1/works/{work}/progress to forget an idle work's record.
//   - GET /v1/works/{work}/events for ledger history and GET /v1/events for
//     the live Server-Sent Events stream.
package api
