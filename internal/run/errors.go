// ABOUTME: Closed set of error kinds surfaced by the run lifecycle layer
// ABOUTME: All internal failures are wrapped with one of these sentinels before crossing the API boundary

package run

import "errors"

// The gateway classifies every lifecycle failure as exactly one of these
// kinds. Internal causes ride along via error wrapping for logs; only the
// kind determines what a caller sees.
var (
	// ErrNotFound means the run id is unknown to the active store.
	ErrNotFound = errors.New("run not found")

	// ErrForbidden means the caller is not the run's owner and ownership
	// enforcement is on.
	ErrForbidden = errors.New("forbidden")

	// ErrUpstreamUnavailable means the run coordinator could not be
	// reached, timed out, or answered with a server error.
	ErrUpstreamUnavailable = errors.New("run coordinator unavailable")

	// ErrInvalidInput means the request was malformed and rejected before
	// reaching the dispatcher.
	ErrInvalidInput = errors.New("invalid request")

	// ErrSlowConsumer means a stream subscriber fell behind its bounded
	// buffer and was disconnected rather than growing the queue.
	ErrSlowConsumer = errors.New("subscriber too slow, events dropped")
)
