// ABOUTME: Store interface and subscription type for run state access
// ABOUTME: Two implementations: MemoryStore (local mode) and ForwardingStore (coordinator delegation)

package store

import (
	"context"
	"encoding/json"

	"github.com/2389/run-gateway/internal/run"
)

// Store is the run record capability. The gateway holds exactly one
// implementation for its whole lifetime, chosen at startup: MemoryStore
// when no coordinator is configured, ForwardingStore otherwise. Keeping
// both behind one contract keeps mode checks out of the dispatch layer
// and makes each implementation independently testable.
type Store interface {
	// StartRun creates a new run with status queued, owned by owner.
	StartRun(ctx context.Context, input json.RawMessage, owner string) (*run.Run, error)

	// GetRun returns the current snapshot of a run, or run.ErrNotFound.
	GetRun(ctx context.Context, id string) (*run.Run, error)

	// CancelRun requests cancellation. Cancelling an already-terminal run
	// is not an error: the unchanged terminal state is returned.
	CancelRun(ctx context.Context, id string) (*run.Run, error)

	// WatchRun opens an ordered event subscription for a run: recorded
	// events as replay, then live events until the run reaches a
	// terminal status. Returns run.ErrNotFound for unknown ids.
	WatchRun(ctx context.Context, id string) (*Subscription, error)

	// Close releases the store: local mode stops driver goroutines and
	// closes every open subscription.
	Close() error
}

// Subscription delivers one subscriber's view of a run's event sequence.
// Consume Replay first, then drain Events until it closes, then check
// Err: nil means the run completed (the last delivered event is the
// terminal one), run.ErrSlowConsumer means this subscriber was dropped
// for falling behind, anything else is a translated upstream failure.
type Subscription struct {
	replay []run.Event
	src    run.EventSource
}

// NewSubscription builds a subscription from replayed history and a live
// source. Either part may be empty: a subscription to an already-terminal
// run has only replay, a forwarding subscription has only the live feed.
func NewSubscription(replay []run.Event, src run.EventSource) *Subscription {
	if src == nil {
		src = closedSource{}
	}
	return &Subscription{replay: replay, src: src}
}

// Replay returns the events recorded before the subscription was opened,
// in order. The slice is owned by the caller.
func (s *Subscription) Replay() []run.Event {
	return s.replay
}

// Events returns the live feed. It is closed when the run terminates,
// the subscriber is dropped, or the feed fails; see Err.
func (s *Subscription) Events() <-chan run.Event {
	return s.src.Events()
}

// Err reports why the live feed closed. Only meaningful after Events
// is closed.
func (s *Subscription) Err() error {
	return s.src.Err()
}

// Close releases the subscription. Safe to call multiple times; it never
// affects the run itself or other subscribers.
func (s *Subscription) Close() {
	s.src.Close()
}

// closedSource is an EventSource with no live events, used for
// subscriptions to runs that already reached a terminal status.
type closedSource struct{}

var closedEvents = func() chan run.Event {
	ch := make(chan run.Event)
	close(ch)
	return ch
}()

func (closedSource) Events() <-chan run.Event { return closedEvents }
func (closedSource) Err() error               { return nil }
func (closedSource) Close()                   {}
