// Package api hosts the HTTP server, middleware, and REST handlers for job
// intake. Notable routes:
//   - POST /fetch and POST /fetch/sync to submit a fetch.
//   - GET /job/{job_id} to read a job.
//   - GET /health for probes and GET /metrics for Prometheus scraping.
//   - GET /events for a server-sent stream of job updates.
package api
