// Package run holds the core domain model shared by every layer of the
// gateway: the Run record, its lifecycle statuses, the append-only event
// history, and the closed set of error kinds.
//
// # Lifecycle
//
// A run moves strictly forward through:
//
//	queued -> running -> succeeded | failed | cancelled
//
// Terminal statuses absorb: no transition leaves them. Cancellation is
// reachable from queued or running; cancelling a run that already reached
// a terminal status is a no-op for callers.
//
// # Events
//
// Every status change appends an Event with a dense, zero-based sequence
// number. The event log is never mutated in place, which is what makes
// stream replay for late subscribers safe.
//
// # Errors
//
// ErrNotFound, ErrForbidden, ErrUpstreamUnavailable and ErrInvalidInput
// are the only kinds the API surface maps to response codes. Wrap them
// with fmt.Errorf("%w: ...") to carry diagnostic detail; classify with
// errors.Is.
package run
