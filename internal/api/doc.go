// Package api hosts the ops HTTP server and its middleware. Routes:
//   - GET /healthz and /readyz for probes; readyz fails once ingestion halts.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/stats for the live session counters and storage summary.
package api
