// Package store provides the run record capability behind the gateway's
// API: one Store interface with two implementations, selected once at
// startup and never switched afterward.
//
// # Local Mode
//
// MemoryStore keeps every run in process memory. State changes and event
// fan-out happen inside a single critical section, so a subscription's
// replay snapshot and its live feed join with no gap and no duplicate.
// Operations never perform network I/O. With simulation enabled the
// store also walks each new run through a scripted lifecycle.
//
// # Forwarding Mode
//
// ForwardingStore delegates each operation to the run coordinator via
// the Client interface. The gateway's copy of run state is a cache of
// the last coordinator observation, refreshed on start, get and cancel;
// it backfills the owner field for coordinators that do not track
// ownership, and is never served in place of a live coordinator answer.
//
// # Subscriptions
//
// WatchRun returns a Subscription: consume Replay first, then drain
// Events until it closes, then inspect Err. Each subscriber has a
// bounded buffer; one that falls too far behind is disconnected with
// run.ErrSlowConsumer instead of silently losing events.
package store
