// ABOUTME: Tests for the dispatcher's validation, ownership and audit behavior
// ABOUTME: Uses a spy store to count store calls per operation

package dispatch

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/run-gateway/internal/audit"
	"github.com/2389/run-gateway/internal/auth"
	"github.com/2389/run-gateway/internal/run"
	"github.com/2389/run-gateway/internal/store"
)

type spyStore struct {
	inner store.Store

	mu      sync.Mutex
	starts  int
	gets    int
	cancels int
	watches int
}

func (s *spyStore) StartRun(ctx context.Context, input json.RawMessage, owner string) (*run.Run, error) {
	s.mu.Lock()
	s.starts++
	s.mu.Unlock()
	return s.inner.StartRun(ctx, input, owner)
}

func (s *spyStore) GetRun(ctx context.Context, id string) (*run.Run, error) {
	s.mu.Lock()
	s.gets++
	s.mu.Unlock()
	return s.inner.GetRun(ctx, id)
}

func (s *spyStore) CancelRun(ctx context.Context, id string) (*run.Run, error) {
	s.mu.Lock()
	s.cancels++
	s.mu.Unlock()
	return s.inner.CancelRun(ctx, id)
}

func (s *spyStore) WatchRun(ctx context.Context, id string) (*store.Subscription, error) {
	s.mu.Lock()
	s.watches++
	s.mu.Unlock()
	return s.inner.WatchRun(ctx, id)
}

func (s *spyStore) Close() error { return s.inner.Close() }

func (s *spyStore) calls() (starts, gets, cancels, watches int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.starts, s.gets, s.cancels, s.watches
}

func newTestDispatcher(t *testing.T, cfg Config) (*Dispatcher, *spyStore) {
	t.Helper()
	spy := &spyStore{inner: store.NewMemoryStore(store.MemoryConfig{}, nil)}
	t.Cleanup(func() { spy.Close() })
	return New(spy, nil, cfg, nil), spy
}

var (
	alice = auth.Identity{Subject: "alice"}
	bob   = auth.Identity{Subject: "bob"}
)

func TestDispatcher_StartRunNormalizesEmptyInput(t *testing.T) {
	d, _ := newTestDispatcher(t, Config{Mode: "local"})

	r, err := d.StartRun(t.Context(), nil, "", auth.Anonymous)
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(r.Input))
	assert.Equal(t, run.StatusQueued, r.Status)
}

func TestDispatcher_StartRunRejectsInvalidJSON(t *testing.T) {
	d, spy := newTestDispatcher(t, Config{Mode: "local"})

	_, err := d.StartRun(t.Context(), json.RawMessage(`{"broken":`), "", auth.Anonymous)
	assert.ErrorIs(t, err, run.ErrInvalidInput)

	starts, _, _, _ := spy.calls()
	assert.Equal(t, 0, starts, "invalid input must be rejected before the store")
}

func TestDispatcher_StartRunOwnerFromIdentity(t *testing.T) {
	d, _ := newTestDispatcher(t, Config{Mode: "local", EnforceOwnership: true})

	r, err := d.StartRun(t.Context(), nil, "", alice)
	require.NoError(t, err)
	assert.Equal(t, "alice", r.Owner)

	// Restating the same owner is fine; a different one is not.
	_, err = d.StartRun(t.Context(), nil, "alice", alice)
	assert.NoError(t, err)
	_, err = d.StartRun(t.Context(), nil, "bob", alice)
	assert.ErrorIs(t, err, run.ErrInvalidInput)
}

func TestDispatcher_StartRunExplicitOwnerWithoutEnforcement(t *testing.T) {
	d, _ := newTestDispatcher(t, Config{Mode: "local"})

	r, err := d.StartRun(t.Context(), nil, "service-batch", auth.Anonymous)
	require.NoError(t, err)
	assert.Equal(t, "service-batch", r.Owner)

	unowned, err := d.StartRun(t.Context(), nil, "", auth.Anonymous)
	require.NoError(t, err)
	assert.Empty(t, unowned.Owner)
}

func TestDispatcher_GetRunChecksOwnership(t *testing.T) {
	d, _ := newTestDispatcher(t, Config{Mode: "local", EnforceOwnership: true})

	r, err := d.StartRun(t.Context(), nil, "", alice)
	require.NoError(t, err)

	got, err := d.GetRun(t.Context(), r.ID, alice)
	require.NoError(t, err)
	assert.Equal(t, r.ID, got.ID)

	_, err = d.GetRun(t.Context(), r.ID, bob)
	assert.ErrorIs(t, err, run.ErrForbidden)
}

func TestDispatcher_UnownedRunStaysAccessible(t *testing.T) {
	spy := &spyStore{inner: store.NewMemoryStore(store.MemoryConfig{}, nil)}
	t.Cleanup(func() { spy.Close() })
	d := New(spy, nil, Config{Mode: "local", EnforceOwnership: true}, nil)

	// A run created without an owner (for example by a coordinator that
	// does not track ownership) is visible to any authenticated caller.
	r, err := spy.inner.StartRun(t.Context(), nil, "")
	require.NoError(t, err)

	_, err = d.GetRun(t.Context(), r.ID, bob)
	assert.NoError(t, err)
}

func TestDispatcher_OwnershipIgnoredWhenDisabled(t *testing.T) {
	d, _ := newTestDispatcher(t, Config{Mode: "local"})

	r, err := d.StartRun(t.Context(), nil, "alice", auth.Anonymous)
	require.NoError(t, err)

	_, err = d.GetRun(t.Context(), r.ID, bob)
	assert.NoError(t, err)
	_, err = d.CancelRun(t.Context(), r.ID, bob)
	assert.NoError(t, err)
}

func TestDispatcher_CancelRunPrechecksOwner(t *testing.T) {
	d, spy := newTestDispatcher(t, Config{Mode: "local", EnforceOwnership: true})

	r, err := d.StartRun(t.Context(), nil, "", alice)
	require.NoError(t, err)

	_, err = d.CancelRun(t.Context(), r.ID, bob)
	assert.ErrorIs(t, err, run.ErrForbidden)

	_, _, cancels, _ := spy.calls()
	assert.Equal(t, 0, cancels, "a refused cancel must not reach the store")

	got, err := d.GetRun(t.Context(), r.ID, alice)
	require.NoError(t, err)
	assert.Equal(t, run.StatusQueued, got.Status)

	cancelled, err := d.CancelRun(t.Context(), r.ID, alice)
	require.NoError(t, err)
	assert.Equal(t, run.StatusCancelled, cancelled.Status)
}

func TestDispatcher_CancelWithoutEnforcementSkipsPrecheck(t *testing.T) {
	d, spy := newTestDispatcher(t, Config{Mode: "local"})

	r, err := d.StartRun(t.Context(), nil, "", auth.Anonymous)
	require.NoError(t, err)

	_, err = d.CancelRun(t.Context(), r.ID, auth.Anonymous)
	require.NoError(t, err)

	_, gets, cancels, _ := spy.calls()
	assert.Equal(t, 0, gets, "no ownership precheck without enforcement")
	assert.Equal(t, 1, cancels)
}

func TestDispatcher_StreamRunChecksOwner(t *testing.T) {
	d, _ := newTestDispatcher(t, Config{Mode: "local", EnforceOwnership: true})

	r, err := d.StartRun(t.Context(), nil, "", alice)
	require.NoError(t, err)

	_, err = d.StreamRun(t.Context(), r.ID, bob)
	assert.ErrorIs(t, err, run.ErrForbidden)

	sub, err := d.StreamRun(t.Context(), r.ID, alice)
	require.NoError(t, err)
	defer sub.Close()
	require.Len(t, sub.Replay(), 1)
	assert.Equal(t, run.EventQueued, sub.Replay()[0].Type)
}

func TestDispatcher_EmptyRunIDRejected(t *testing.T) {
	d, spy := newTestDispatcher(t, Config{Mode: "local"})

	_, err := d.GetRun(t.Context(), "", auth.Anonymous)
	assert.ErrorIs(t, err, run.ErrInvalidInput)
	_, err = d.CancelRun(t.Context(), "", auth.Anonymous)
	assert.ErrorIs(t, err, run.ErrInvalidInput)
	_, err = d.StreamRun(t.Context(), "", auth.Anonymous)
	assert.ErrorIs(t, err, run.ErrInvalidInput)

	_, gets, cancels, watches := spy.calls()
	assert.Equal(t, 0, gets+cancels+watches)
}

func TestDispatcher_NotFoundPassesThrough(t *testing.T) {
	d, _ := newTestDispatcher(t, Config{Mode: "local"})

	_, err := d.GetRun(t.Context(), "run_missing", auth.Anonymous)
	assert.ErrorIs(t, err, run.ErrNotFound)
	_, err = d.CancelRun(t.Context(), "run_missing", auth.Anonymous)
	assert.ErrorIs(t, err, run.ErrNotFound)
	_, err = d.StreamRun(t.Context(), "run_missing", auth.Anonymous)
	assert.ErrorIs(t, err, run.ErrNotFound)
}

func TestDispatcher_AuditRecordsOperations(t *testing.T) {
	ledger, err := audit.Open(":memory:", nil)
	require.NoError(t, err)
	defer ledger.Close()

	st := store.NewMemoryStore(store.MemoryConfig{}, nil)
	t.Cleanup(func() { st.Close() })
	d := New(st, ledger, Config{Mode: "local", EnforceOwnership: true}, nil)

	r, err := d.StartRun(t.Context(), json.RawMessage(`{"a":1}`), "", alice)
	require.NoError(t, err)
	_, err = d.GetRun(t.Context(), r.ID, alice)
	require.NoError(t, err)
	sub, err := d.StreamRun(t.Context(), r.ID, alice)
	require.NoError(t, err)
	sub.Close()
	_, err = d.CancelRun(t.Context(), r.ID, alice)
	require.NoError(t, err)

	entries, err := ledger.List(t.Context(), audit.Filter{})
	require.NoError(t, err)
	require.Len(t, entries, 3, "get is not audited")

	seen := make(map[audit.Action]bool)
	for _, e := range entries {
		seen[e.Action] = true
		assert.Equal(t, "alice", e.Actor)
		assert.Equal(t, r.ID, e.RunID)
		assert.Equal(t, "local", e.Mode)
	}
	assert.True(t, seen[audit.ActionStartRun])
	assert.True(t, seen[audit.ActionCancelRun])
	assert.True(t, seen[audit.ActionStreamRun])
}

func TestDispatcher_AuditFailureDoesNotFailRequest(t *testing.T) {
	ledger, err := audit.Open(":memory:", nil)
	require.NoError(t, err)
	require.NoError(t, ledger.Close())

	st := store.NewMemoryStore(store.MemoryConfig{}, nil)
	t.Cleanup(func() { st.Close() })
	d := New(st, ledger, Config{Mode: "local"}, nil)

	r, err := d.StartRun(t.Context(), nil, "", auth.Anonymous)
	require.NoError(t, err, "a dead audit ledger must not break serving")
	assert.NotEmpty(t, r.ID)
}
