package cache

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// FillFunc produces the values for one snapshot key. Every value passed to
// emit reaches the live caller; only the last one is retained in the cache.
type FillFunc func(ctx context.Context, emit func(value any)) error

type snapshotEntry struct {
	value    any
	storedAt time.Time
	ttl      time.Duration
}

func (e snapshotEntry) expired(now time.Time) bool {
	return e.ttl <= 0 || now.Sub(e.storedAt) >= e.ttl
}

// SnapshotCache keeps the most recent value produced for long-lived
// subscription-style reads and guarantees at most one in-flight fill per key.
// Callers arriving during a fill wait on the per-key lock and then observe
// either the fill's committed result or run their own fill if it produced
// nothing.
type SnapshotCache struct {
	logger     *slog.Logger
	sweepEvery time.Duration

	mu      sync.Mutex
	entries map[string]snapshotEntry
	locks   map[string]chan struct{}

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewSnapshotCache builds a snapshot cache whose background sweep runs every
// sweepEvery. Start must be called for expired entries to be collected;
// reads already treat expired entries as absent without it.
func NewSnapshotCache(logger *slog.Logger, sweepEvery time.Duration) *SnapshotCache {
	if logger == nil {
		logger = slog.Default()
	}
	if sweepEvery <= 0 {
		sweepEvery = 30 * time.Second
	}
	return &SnapshotCache{
		logger:     logger,
		sweepEvery: sweepEvery,
		entries:    make(map[string]snapshotEntry),
		locks:      make(map[string]chan struct{}),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start launches the background sweep.
func (c *SnapshotCache) Start() {
	go func() {
		defer close(c.done)
		ticker := time.NewTicker(c.sweepEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.sweep()
			case <-c.stop:
				return
			}
		}
	}()
}

// Stop halts the sweep and waits for it to exit.
func (c *SnapshotCache) Stop() {
	c.stopOnce.Do(func() {
		close(c.stop)
		<-c.done
	})
}

// GetOrGenerate replays the cached value for key through sink when a fresh
// entry exists; otherwise it serializes generation on a per-key lock, runs
// fill, forwards every emitted value to sink, and commits the last one.
//
// Semantics the callers depend on:
//   - a fresh entry short-circuits without touching fill;
//   - after acquiring the key lock the cache is re-checked, so concurrent
//     callers behind an in-flight fill reuse its result instead of refilling;
//   - a fill that emits nothing leaves no entry behind;
//   - a fill that fails after emitting commits the values emitted so far and
//     the error still propagates;
//   - cancelling the calling context abandons delivery but never aborts the
//     fill, which completes and commits on behalf of any other waiters.
func (c *SnapshotCache) GetOrGenerate(ctx context.Context, key string, ttl time.Duration, fill FillFunc, sink func(value any)) error {
	if value, ok := c.peek(key); ok {
		if sink != nil {
			sink(value)
		}
		return nil
	}

	lock := c.lockFor(key)
	for {
		select {
		case lock <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}
		// The sweep may have reclaimed this lock between lockFor and the
		// send above. Holding a swept lock serializes nothing, so confirm it
		// is still the key's one lock before proceeding.
		current, ok := c.confirmLock(key, lock)
		if ok {
			break
		}
		<-lock
		lock = current
	}

	// Mandatory re-check: the lock serializes generation, not the fast path,
	// so another caller may have committed while this one waited.
	if value, ok := c.peek(key); ok {
		<-lock
		if sink != nil {
			sink(value)
		}
		return nil
	}

	forward := make(chan any)
	result := make(chan error, 1)

	go func() {
		var last any
		produced := false
		err := fill(context.WithoutCancel(ctx), func(value any) {
			last = value
			produced = true
			select {
			case forward <- value:
			case <-ctx.Done():
				// The caller is gone; keep generating for the commit below.
			}
		})
		if produced {
			c.commit(key, last, ttl)
		}
		<-lock
		close(forward)
		result <- err
	}()

	for {
		select {
		case value, open := <-forward:
			if !open {
				return <-result
			}
			if sink != nil {
				sink(value)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Invalidate drops the entry for key, forcing the next caller to refill.
func (c *SnapshotCache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Len reports the number of retained entries, expired or not.
func (c *SnapshotCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *SnapshotCache) peek(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok || entry.expired(time.Now()) {
		return nil, false
	}
	return entry.value, true
}

func (c *SnapshotCache) commit(key string, value any, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = snapshotEntry{value: value, storedAt: time.Now(), ttl: ttl}
}

// lockFor returns the per-key lock, creating it race-free under the coarse
// map lock. The fine-grained lock itself is a one-slot channel so waiters can
// abandon acquisition when their context is cancelled.
func (c *SnapshotCache) lockFor(key string) chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	lock, ok := c.locks[key]
	if !ok {
		lock = make(chan struct{}, 1)
		c.locks[key] = lock
	}
	return lock
}

// confirmLock reports whether lock is still the registered lock for key. A
// lock removed by the sweep while unheld is reinstated if no replacement
// exists yet; otherwise the current replacement is returned so the caller can
// retry acquisition on it. There is never more than one live lock per key.
func (c *SnapshotCache) confirmLock(key string, lock chan struct{}) (chan struct{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	current, ok := c.locks[key]
	if !ok {
		c.locks[key] = lock
		return lock, true
	}
	if current == lock {
		return lock, true
	}
	return current, false
}

// sweep removes expired entries and their idle locks to bound memory. Locks
// currently held by an in-flight fill are left in place.
func (c *SnapshotCache) sweep() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, entry := range c.entries {
		if entry.expired(now) {
			delete(c.entries, key)
		}
	}
	for key, lock := range c.locks {
		if _, live := c.entries[key]; live {
			continue
		}
		select {
		case lock <- struct{}{}:
			<-lock
			delete(c.locks, key)
		default:
			// Held by a fill in progress.
		}
	}
}
