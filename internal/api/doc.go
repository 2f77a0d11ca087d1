// Package api serves the read-only catalog query surface:
//   - GET /healthz for liveness checks.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/jobs/{job_id}/stats, /entries, /entry?url=, /frontier and /dead
//     for inspecting a job's catalog and frontier.
package api
