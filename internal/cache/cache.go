// Package cache provides an in-process TTL key/value cache.
//
// Entries expire lazily: a Get that finds a stale entry evicts it and
// reports a miss. Cleanup and StartJanitor exist for long-lived processes
// that want to bound memory, but correctness never depends on them.
package cache

import (
	"context"
	"sync"
	"time"
)

// DefaultTTL is used when New is given a non-positive TTL.
const DefaultTTL = 300 * time.Second

type entry[V any] struct {
	value      V
	insertedAt time.Time
}

// TTL is a concurrency-safe cache whose entries live for a fixed duration.
type TTL[V any] struct {
	mu      sync.RWMutex
	entries map[string]entry[V]
	ttl     time.Duration
	now     func() time.Time
}

// Option configures a TTL cache.
type Option func(*config)

type config struct {
	now func() time.Time
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *config) { c.now = now }
}

// New creates a cache whose entries live for ttl.
func New[V any](ttl time.Duration, opts ...Option) *TTL[V] {
	cfg := config{now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &TTL[V]{
		entries: make(map[string]entry[V]),
		ttl:     ttl,
		now:     cfg.now,
	}
}

// TTL returns the configured lifetime.
func (c *TTL[V]) TTL() time.Duration { return c.ttl }

// Get returns the value for key if present and live.
func (c *TTL[V]) Get(key string) (V, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	var zero V
	if !ok {
		return zero, false
	}
	if c.live(e) {
		return e.value, true
	}

	c.mu.Lock()
	// Re-check under the write lock: a concurrent Set may have refreshed it.
	if cur, ok := c.entries[key]; ok {
		if c.live(cur) {
			c.mu.Unlock()
			return cur.value, true
		}
		delete(c.entries, key)
	}
	c.mu.Unlock()
	return zero, false
}

// Set stores value under key, resetting its age.
func (c *TTL[V]) Set(key string, value V) {
	c.mu.Lock()
	c.entries[key] = entry[V]{value: value, insertedAt: c.now()}
	c.mu.Unlock()
}

// Delete removes key.
func (c *TTL[V]) Delete(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// DeleteFunc removes every key for which match returns true.
func (c *TTL[V]) DeleteFunc(match func(key string) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k := range c.entries {
		if match(k) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

// Len returns the number of stored entries, including expired ones not yet evicted.
func (c *TTL[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Clear drops all entries.
func (c *TTL[V]) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]entry[V])
	c.mu.Unlock()
}

// Cleanup evicts every expired entry and returns how many were removed.
func (c *TTL[V]) Cleanup() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k, e := range c.entries {
		if !c.live(e) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

// StartJanitor runs Cleanup every interval until ctx is cancelled.
func (c *TTL[V]) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = c.ttl
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.Cleanup()
			}
		}
	}()
}

func (c *TTL[V]) live(e entry[V]) bool {
	return c.now().Sub(e.insertedAt) < c.ttl
}
