// Package coordinator implements the HTTP client for the upstream run
// coordinator used in forwarding mode.
//
// # Error Classification
//
// Every failure is wrapped in one of the run package's error kinds
// before it leaves this package. Transport errors, timeouts and 5xx
// responses become run.ErrUpstreamUnavailable; 400, 401/403 and 404 map
// to run.ErrInvalidInput, run.ErrForbidden and run.ErrNotFound. The
// upstream's own error message is preserved in the wrap for logging.
//
// # Retries
//
// Only idempotent operations retry. GetRun and the StreamRun connection
// attempt are retried a configured number of times when the coordinator
// looks unavailable; StartRun and CancelRun are sent exactly once, since
// repeating them could duplicate a run or mask the outcome of a cancel
// that already landed.
//
// # Streaming
//
// StreamRun returns a run.EventSource fed by a dedicated goroutine that
// parses the coordinator's SSE frames. The source has a bounded buffer:
// a reader that falls behind is disconnected with run.ErrSlowConsumer.
// A stream that drops before the run's terminal event surfaces
// run.ErrUpstreamUnavailable; the client never reconnects mid-stream
// because the caller may already have delivered earlier events.
package coordinator
