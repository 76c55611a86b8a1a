// Package api hosts the HTTP server, middleware, and REST handlers. Notable routes:
//   - POST /seed registers a seed keyword; GET /seed reports collection progress.
//   - POST /collect/related and /collect/docs run one worker batch (bearer token).
//   - GET /admin/keys reports credential state; GET /admin/health reports system state (bearer token).
//   - GET /keywords pages through the keyword view.
//   - GET /healthz, /readyz and /metrics for liveness, readiness and Prometheus scraping.
package api
