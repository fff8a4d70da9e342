// ABOUTME: Bounded TTL cache of last-observed run snapshots for forwarding mode
// ABOUTME: Records what the coordinator reported most recently; never serves as authoritative state

package store

import (
	"container/list"
	"sync"
	"time"

	"github.com/2389/run-gateway/internal/run"
)

const (
	defaultSnapshotTTL = time.Hour
	defaultSnapshotMax = 10000
	cleanupInterval    = time.Minute
)

// snapshotCache remembers the most recent state observed from the
// coordinator per run. Entries expire after a TTL and the oldest are
// evicted past a size cap. The cache is advisory: serving paths never
// answer from it, they only backfill fields the coordinator response
// omitted.
type snapshotCache struct {
	mu      sync.Mutex
	entries map[string]*snapshotEntry
	order   *list.List
	maxSize int
	ttl     time.Duration

	done      chan struct{}
	closeOnce sync.Once
}

type snapshotEntry struct {
	run      *run.Run
	observed time.Time
	element  *list.Element
}

func newSnapshotCache(maxSize int, ttl time.Duration) *snapshotCache {
	if maxSize <= 0 {
		maxSize = defaultSnapshotMax
	}
	if ttl <= 0 {
		ttl = defaultSnapshotTTL
	}
	c := &snapshotCache{
		entries: make(map[string]*snapshotEntry),
		order:   list.New(),
		maxSize: maxSize,
		ttl:     ttl,
		done:    make(chan struct{}),
	}
	go c.cleanupLoop()
	return c
}

// observe records the latest state reported for a run. The run is cloned
// so later mutations by the caller do not leak into the cache.
func (c *snapshotCache) observe(r *run.Run) {
	if r == nil || r.ID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now().UTC()
	if e, ok := c.entries[r.ID]; ok {
		e.run = r.Clone()
		e.observed = now
		c.order.MoveToBack(e.element)
		return
	}

	e := &snapshotEntry{run: r.Clone(), observed: now}
	e.element = c.order.PushBack(r.ID)
	c.entries[r.ID] = e
	for len(c.entries) > c.maxSize {
		c.evictOldest()
	}
}

// lastObserved returns a copy of the cached snapshot for a run, if one
// is present and not expired.
func (c *snapshotCache) lastObserved(id string) (*run.Run, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		return nil, false
	}
	if time.Since(e.observed) > c.ttl {
		c.removeLocked(id, e)
		return nil, false
	}
	return e.run.Clone(), true
}

func (c *snapshotCache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	id := front.Value.(string)
	if e, ok := c.entries[id]; ok {
		c.removeLocked(id, e)
		return
	}
	c.order.Remove(front)
}

func (c *snapshotCache) removeLocked(id string, e *snapshotEntry) {
	delete(c.entries, id)
	c.order.Remove(e.element)
}

func (c *snapshotCache) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.removeExpired()
		}
	}
}

func (c *snapshotCache) removeExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()
	cutoff := time.Now().UTC().Add(-c.ttl)
	for id, e := range c.entries {
		if e.observed.Before(cutoff) {
			c.removeLocked(id, e)
		}
	}
}

func (c *snapshotCache) close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}
