// ABOUTME: Core run domain types for run-gateway lifecycle tracking
// ABOUTME: Defines Run, Status, Event structs plus transition rules and run ID generation

package run

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a run. Transitions are strictly
// forward-moving: queued -> running -> {succeeded|failed|cancelled}.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Valid reports whether s is one of the five known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether s admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// rank orders statuses along the lifecycle. Terminal statuses share a rank:
// none of them can be left once entered.
func (s Status) rank() int {
	switch s {
	case StatusQueued:
		return 0
	case StatusRunning:
		return 1
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return 2
	}
	return -1
}

// CanTransition reports whether a run may move from one status to another.
// Only strictly forward movement is allowed, and nothing leaves a terminal
// status. Skipping running (queued straight to a terminal status) is legal.
func CanTransition(from, to Status) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	if from.Terminal() {
		return false
	}
	return to.rank() > from.rank()
}

// Run is a unit of asynchronous work tracked by the gateway. In local mode
// the gateway owns this record; in forwarding mode it is a cache of the
// last state observed from the run coordinator and must not be treated as
// authoritative between refreshes.
type Run struct {
	ID        string          `json:"id"`
	Status    Status          `json:"status"`
	Input     json.RawMessage `json:"input,omitempty"`
	Output    json.RawMessage `json:"output,omitempty"`
	Error     string          `json:"error,omitempty"`
	Owner     string          `json:"owner,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`

	// Events is the append-only history backing stream replay. It is not
	// part of the run representation returned by get/start/cancel.
	Events []Event `json:"-"`
}

// Clone returns a deep copy so callers can hand out snapshots without
// exposing internal state to mutation.
func (r *Run) Clone() *Run {
	if r == nil {
		return nil
	}
	out := *r
	out.Input = cloneRaw(r.Input)
	out.Output = cloneRaw(r.Output)
	if r.Events != nil {
		out.Events = make([]Event, len(r.Events))
		for i, ev := range r.Events {
			out.Events[i] = ev
			out.Events[i].Data = cloneRaw(ev.Data)
		}
	}
	return &out
}

func cloneRaw(b json.RawMessage) json.RawMessage {
	if b == nil {
		return nil
	}
	out := make(json.RawMessage, len(b))
	copy(out, b)
	return out
}

// NewID generates a run identifier: "run_" followed by 32 hex characters.
func NewID() string {
	return "run_" + strings.ReplaceAll(uuid.New().String(), "-", "")
}
