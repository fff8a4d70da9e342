// Package gateway orchestrates the run-gateway server components.
//
// # Overview
//
// The gateway package wires the run store, dispatcher, auth middleware,
// and HTTP server into one process. The serving mode is decided once at
// startup from configuration: with a coordinator URL every run operation
// is forwarded upstream; without one the gateway owns run state in
// memory. The mode never changes while the process runs.
//
// # HTTP API
//
// Endpoints served from api.go, stream.go, health.go, and version.go:
//
//   - POST /v1/runs - Start a run (body: {"input": <any JSON>})
//   - GET /v1/runs/{id} - Fetch a run snapshot
//   - POST /v1/runs/{id}/cancel - Request cancellation (idempotent)
//   - GET /v1/runs/{id}/stream - SSE event stream, ends at terminal state
//   - GET /v1/health - Liveness plus dependency checks, never authed
//   - GET /v1/version - Build identity, never authed
//
// Errors are JSON bodies {"error": "...", "code": "..."} where code is
// one of run_not_found, forbidden, invalid_request,
// run_coordinator_unavailable, internal_error, unauthorized, or
// method_not_allowed.
//
// # SSE Streaming
//
// Run events are streamed as Server-Sent Events, replay first, then
// live, with the event sequence number in the id field:
//
//	event: run_queued
//	id: 0
//	data: {"run_id":"run_...","seq":0,"type":"run_queued","time":"..."}
//
//	event: run_succeeded
//	id: 2
//	data: {"run_id":"run_...","seq":2,"type":"run_succeeded","time":"...","data":{...}}
//
// A comment line ": ping" keeps idle connections alive. A stream that
// fails mid-flight ends with an "error" event carrying the same
// {"error", "code"} body as HTTP errors.
//
// # Lifecycle
//
// Start the gateway:
//
//	gw, err := gateway.New(cfg, logger)
//	err = gw.Run(ctx)
//
// Run blocks until ctx is cancelled or the server fails, then performs a
// graceful shutdown bounded by server.shutdown_timeout.
package gateway
