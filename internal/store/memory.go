// ABOUTME: In-memory run store backing local mode with per-run event fan-out
// ABOUTME: Applies lifecycle transitions under one lock and optionally simulates run execution

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/run-gateway/internal/run"
)

const defaultBuffer = 64

const cancelReason = "run cancelled"

var errClosed = errors.New("store closed")

// MemoryConfig tunes the local-mode store.
type MemoryConfig struct {
	// Buffer is the per-subscriber event channel capacity. A subscriber
	// whose channel fills up is disconnected with run.ErrSlowConsumer.
	// Defaults to 64.
	Buffer int

	// Simulate drives every started run through a scripted lifecycle
	// (queued, then running after StartAfter, then succeeded after
	// FinishAfter) so the gateway is usable without a real executor.
	Simulate    bool
	StartAfter  time.Duration
	FinishAfter time.Duration
}

// MemoryStore keeps all run state in process memory. It backs local mode:
// runs never leave the gateway and every operation completes without
// network I/O.
type MemoryStore struct {
	logger *slog.Logger
	cfg    MemoryConfig

	mu     sync.RWMutex
	runs   map[string]*runEntry
	closed bool

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type runEntry struct {
	run  *run.Run
	subs map[string]*memSub
}

// NewMemoryStore creates an empty local-mode store.
func NewMemoryStore(cfg MemoryConfig, logger *slog.Logger) *MemoryStore {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &MemoryStore{
		logger:  logger.With("component", "memory_store"),
		cfg:     cfg,
		runs:    make(map[string]*runEntry),
		baseCtx: ctx,
		cancel:  cancel,
	}
}

// StartRun creates a run in status queued and records its run_queued event.
func (s *MemoryStore) StartRun(ctx context.Context, input json.RawMessage, owner string) (*run.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errClosed
	}

	now := time.Now().UTC()
	r := &run.Run{
		ID:        run.NewID(),
		Status:    run.StatusQueued,
		Input:     append(json.RawMessage(nil), input...),
		Owner:     owner,
		CreatedAt: now,
		UpdatedAt: now,
	}
	e := &runEntry{run: r, subs: make(map[string]*memSub)}
	s.runs[r.ID] = e
	s.appendEventLocked(e, run.EventQueued, nil, now)

	if s.cfg.Simulate {
		s.wg.Add(1)
		go s.driveRun(r.ID)
	}

	s.logger.Info("run created", "run_id", r.ID, "owner", owner)
	return r.Clone(), nil
}

// GetRun returns a snapshot of the run.
func (s *MemoryStore) GetRun(ctx context.Context, id string) (*run.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.runs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", run.ErrNotFound, id)
	}
	return e.run.Clone(), nil
}

// CancelRun moves a run to cancelled. Runs already in a terminal status
// are returned unchanged.
func (s *MemoryStore) CancelRun(ctx context.Context, id string) (*run.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.runs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", run.ErrNotFound, id)
	}
	if e.run.Status.Terminal() {
		return e.run.Clone(), nil
	}

	e.run.Status = run.StatusCancelled
	e.run.Error = cancelReason
	data, _ := json.Marshal(map[string]string{"error": cancelReason})
	s.appendEventLocked(e, run.EventCancelled, data, time.Now().UTC())

	s.logger.Info("run cancelled", "run_id", id)
	return e.run.Clone(), nil
}

// WatchRun opens a subscription to the run's event sequence. The replay
// snapshot and the live registration happen inside one critical section,
// so no event is lost or duplicated between them. Subscriptions to runs
// that already terminated carry only replay.
func (s *MemoryStore) WatchRun(ctx context.Context, id string) (*Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errClosed
	}
	e, ok := s.runs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", run.ErrNotFound, id)
	}

	replay := e.run.Clone().Events
	if e.run.Status.Terminal() {
		return NewSubscription(replay, nil), nil
	}

	sub := &memSub{
		store: s,
		runID: id,
		id:    uuid.New().String(),
		ch:    make(chan run.Event, s.buffer()),
		done:  make(chan struct{}),
	}
	e.subs[sub.id] = sub

	// Drop the subscriber when its context ends so abandoned watches
	// do not accumulate.
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case <-ctx.Done():
			s.removeSub(id, sub.id)
		case <-sub.done:
		}
	}()

	return NewSubscription(replay, sub), nil
}

// Close shuts down the store: all subscriptions are closed and simulated
// run drivers are stopped. Safe to call multiple times.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for _, e := range s.runs {
		for id, sub := range e.subs {
			sub.shutdown(nil)
			delete(e.subs, id)
		}
	}
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	s.logger.Info("memory store closed")
	return nil
}

func (s *MemoryStore) buffer() int {
	if s.cfg.Buffer > 0 {
		return s.cfg.Buffer
	}
	return defaultBuffer
}

// appendEventLocked records an event and fans it out to subscribers.
// Callers hold mu. A subscriber with a full channel is disconnected with
// run.ErrSlowConsumer rather than silently missing the event; after a
// terminal event all remaining subscribers are closed cleanly.
func (s *MemoryStore) appendEventLocked(e *runEntry, typ run.EventType, data json.RawMessage, now time.Time) {
	ev := run.Event{
		RunID: e.run.ID,
		Seq:   len(e.run.Events),
		Type:  typ,
		Time:  now,
		Data:  data,
	}
	e.run.Events = append(e.run.Events, ev)
	e.run.UpdatedAt = now

	for id, sub := range e.subs {
		if !sub.publish(ev) {
			s.logger.Warn("disconnecting slow subscriber", "run_id", e.run.ID, "subscription_id", id)
			sub.shutdown(run.ErrSlowConsumer)
			delete(e.subs, id)
		}
	}
	if typ.Terminal() {
		for id, sub := range e.subs {
			sub.shutdown(nil)
			delete(e.subs, id)
		}
	}
}

// advance applies a lifecycle transition if it is still legal. A run that
// was cancelled while a driver timer slept stays cancelled.
func (s *MemoryStore) advance(id string, to run.Status, output json.RawMessage, errMsg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	e, ok := s.runs[id]
	if !ok {
		return
	}
	if !run.CanTransition(e.run.Status, to) {
		return
	}

	e.run.Status = to
	if output != nil {
		e.run.Output = output
	}
	if errMsg != "" {
		e.run.Error = errMsg
	}

	var data json.RawMessage
	switch {
	case to == run.StatusSucceeded && output != nil:
		data = output
	case errMsg != "":
		data, _ = json.Marshal(map[string]string{"error": errMsg})
	}
	s.appendEventLocked(e, run.StatusEvent(to), data, time.Now().UTC())
}

// driveRun walks a simulated run through running to succeeded, echoing
// the input back as output.
func (s *MemoryStore) driveRun(id string) {
	defer s.wg.Done()

	t := time.NewTimer(s.cfg.StartAfter)
	defer t.Stop()
	select {
	case <-s.baseCtx.Done():
		return
	case <-t.C:
	}
	s.advance(id, run.StatusRunning, nil, "")

	t.Reset(s.cfg.FinishAfter)
	select {
	case <-s.baseCtx.Done():
		return
	case <-t.C:
	}

	s.mu.RLock()
	var echo json.RawMessage
	if e, ok := s.runs[id]; ok {
		echo = e.run.Input
	}
	s.mu.RUnlock()
	if len(echo) == 0 {
		echo = json.RawMessage(`null`)
	}
	out, err := json.Marshal(map[string]json.RawMessage{"echo": echo})
	if err != nil {
		out = json.RawMessage(`{}`)
	}
	s.advance(id, run.StatusSucceeded, out, "")
}

// removeSub drops one subscriber, closing its feed without an error.
func (s *MemoryStore) removeSub(runID, subID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.runs[runID]
	if !ok {
		return
	}
	sub, ok := e.subs[subID]
	if !ok {
		return
	}
	delete(e.subs, subID)
	sub.shutdown(nil)
}

// memSub is one subscriber's live feed. Sends and close are serialized
// through its own mutex so a publish never races channel shutdown.
type memSub struct {
	store *MemoryStore
	runID string
	id    string
	ch    chan run.Event
	done  chan struct{}

	mu     sync.Mutex
	closed bool
	err    error
}

func (m *memSub) Events() <-chan run.Event { return m.ch }

func (m *memSub) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

func (m *memSub) Close() {
	m.store.removeSub(m.runID, m.id)
}

// publish delivers ev without blocking. It reports false when the
// subscriber's channel is full.
func (m *memSub) publish(ev run.Event) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return true
	}
	select {
	case m.ch <- ev:
		return true
	default:
		return false
	}
}

func (m *memSub) shutdown(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	m.err = err
	close(m.ch)
	close(m.done)
}
