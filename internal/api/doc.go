// Package api exposes the monitor over HTTP. Notable routes:
//   - GET /healthz and /readyz for probes; readyz turns 200 after the first
//     completed fetch cycle.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/records/latest for the newest batch with predicted durations.
//   - GET /v1/records/recent?limit=N for stored history, newest first.
//   - GET /v1/spacecraft?spacecraft_name=&antenna= for a formatted summary.
package api
