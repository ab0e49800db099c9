// Package api hosts the HTTP relay: middleware and REST handlers that let
// clients start, watch, and cancel tracked generations. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/sessions (optionally rate limited per client), GET /v1/sessions/{session_id}, and
//     POST /v1/sessions/{session_id}/cancel for session control.
//   - GET /v1/sessions/{session_id}/events streams snapshots as server-sent
//     events until the session ends.
//   - GET /v1/history and /v1/history/{session_id} for generation history via
//     the GenerationRepository interface.
package api
