// ABOUTME: EventSource interface for live run event feeds
// ABOUTME: Implemented by the local store's subscriptions and the coordinator SSE reader

package run

// EventSource is a live, ordered feed of events for a single run. The
// channel closes when the run reaches a terminal status, the feed fails,
// or the source is closed; Err reports why after the channel closes.
//
// Err returns nil after normal completion (terminal event delivered),
// ErrSlowConsumer when the subscriber was disconnected for falling behind
// its bounded queue, and the translated transport error when an upstream
// feed died mid-stream.
type EventSource interface {
	Events() <-chan Event
	Err() error
	Close()
}
