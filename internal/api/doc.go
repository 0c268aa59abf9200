// Package api hosts the HTTP server, middleware, and REST handlers for
// operator access. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/sessions/... for session control and captcha solving.
//   - GET /v1/coverage, /v1/values and /v1/stats for scraped data access.
//   - POST /v1/export for on-demand snapshot export.
package api
