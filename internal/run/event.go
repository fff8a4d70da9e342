// ABOUTME: Run lifecycle event types delivered over the stream endpoint
// ABOUTME: Events carry a dense per-run sequence number so subscribers can detect position

package run

import (
	"encoding/json"
	"time"
)

// EventType names a lifecycle or progress event.
type EventType string

const (
	EventQueued    EventType = "run_queued"
	EventStarted   EventType = "run_started"
	EventProgress  EventType = "run_progress"
	EventSucceeded EventType = "run_succeeded"
	EventFailed    EventType = "run_failed"
	EventCancelled EventType = "run_cancelled"
)

// Terminal reports whether t is the final event of a run's stream.
func (t EventType) Terminal() bool {
	switch t {
	case EventSucceeded, EventFailed, EventCancelled:
		return true
	}
	return false
}

// StatusEvent maps a run status to the event type announcing it.
func StatusEvent(s Status) EventType {
	switch s {
	case StatusQueued:
		return EventQueued
	case StatusRunning:
		return EventStarted
	case StatusSucceeded:
		return EventSucceeded
	case StatusFailed:
		return EventFailed
	case StatusCancelled:
		return EventCancelled
	}
	return EventProgress
}

// Event is one append-only record in a run's history. Seq starts at 0 and
// is dense within a run; subscribers observe events in seq order with no
// gaps or duplicates across replay and live delivery.
type Event struct {
	RunID string          `json:"run_id"`
	Seq   int             `json:"seq"`
	Type  EventType       `json:"type"`
	Time  time.Time       `json:"time"`
	Data  json.RawMessage `json:"data,omitempty"`
}
