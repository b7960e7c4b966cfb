// Package api hosts the HTTP server, middleware and REST handlers for the job
// service. Routes:
//   - GET /healthz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/jobs, GET /v1/jobs/{id} and GET /v1/jobs/{id}/progress to read
//     the job cache.
//   - POST /v1/jobs to start a crawl and POST /v1/jobs/{id}/stop to stop one.
//
// Every response body is an Envelope.
package api
