// Package api hosts the HTTP server, middleware, and REST handlers for the
// job registry. Notable routes:
//   - GET /healthz and /readyz for probes, GET /metrics for Prometheus.
//   - POST /jobs, GET /jobs, GET /jobs/{hash}, DELETE /jobs/{hash}.
//   - /api/scrape/start, /api/scrape/history, /api/scrape/job/{hash} and
//     /api/scrape/bot/{hash}, served by the same handlers for older clients.
//
// Every job route requires an Authorization bearer token, resolved to a caller
// identity by a scrape.Authenticator before the handler runs.
package api
