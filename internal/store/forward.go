// ABOUTME: Forwarding-mode store that delegates every run operation to the run coordinator
// ABOUTME: Keeps only an advisory snapshot cache; the coordinator stays the source of truth

package store

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/2389/run-gateway/internal/run"
)

// Client is the coordinator surface the forwarding store depends on.
// coordinator.Client satisfies it.
type Client interface {
	StartRun(ctx context.Context, input json.RawMessage, owner string) (*run.Run, error)
	GetRun(ctx context.Context, id string) (*run.Run, error)
	CancelRun(ctx context.Context, id string) (*run.Run, error)
	StreamRun(ctx context.Context, id string) (run.EventSource, error)
}

// ForwardingStore implements Store by delegating every operation to the
// run coordinator. It holds no authoritative state of its own: the
// snapshot cache records what the coordinator last reported so responses
// can backfill the owner when the coordinator omits it. Stale cache
// contents are never served in place of a coordinator answer.
type ForwardingStore struct {
	client Client
	cache  *snapshotCache
	logger *slog.Logger
}

// NewForwardingStore wraps a coordinator client in the Store contract.
func NewForwardingStore(client Client, logger *slog.Logger) *ForwardingStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &ForwardingStore{
		client: client,
		cache:  newSnapshotCache(0, 0),
		logger: logger.With("component", "forwarding_store"),
	}
}

// StartRun submits the run to the coordinator.
func (s *ForwardingStore) StartRun(ctx context.Context, input json.RawMessage, owner string) (*run.Run, error) {
	r, err := s.client.StartRun(ctx, input, owner)
	if err != nil {
		return nil, err
	}
	if r.Owner == "" {
		r.Owner = owner
	}
	s.cache.observe(r)
	s.logger.Info("run started upstream", "run_id", r.ID, "owner", owner)
	return r, nil
}

// GetRun fetches the run's current state from the coordinator.
func (s *ForwardingStore) GetRun(ctx context.Context, id string) (*run.Run, error) {
	r, err := s.client.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	s.backfillOwner(r)
	s.cache.observe(r)
	return r, nil
}

// CancelRun forwards the cancellation to the coordinator.
func (s *ForwardingStore) CancelRun(ctx context.Context, id string) (*run.Run, error) {
	r, err := s.client.CancelRun(ctx, id)
	if err != nil {
		return nil, err
	}
	s.backfillOwner(r)
	s.cache.observe(r)
	s.logger.Info("run cancel forwarded", "run_id", id, "status", r.Status)
	return r, nil
}

// WatchRun opens the coordinator's event stream for the run. The
// coordinator replays recorded events on connect, so the subscription
// carries no separate replay of its own.
func (s *ForwardingStore) WatchRun(ctx context.Context, id string) (*Subscription, error) {
	src, err := s.client.StreamRun(ctx, id)
	if err != nil {
		return nil, err
	}
	return NewSubscription(nil, src), nil
}

// Close releases the snapshot cache. The coordinator client is owned by
// the caller and stays open.
func (s *ForwardingStore) Close() error {
	s.cache.close()
	return nil
}

// backfillOwner fills in the owner from the snapshot cache when the
// coordinator response omitted it. Without this, ownership could not be
// enforced against coordinators that do not track ownership themselves.
func (s *ForwardingStore) backfillOwner(r *run.Run) {
	if r == nil || r.Owner != "" {
		return
	}
	if cached, ok := s.cache.lastObserved(r.ID); ok && cached.Owner != "" {
		r.Owner = cached.Owner
	}
}
