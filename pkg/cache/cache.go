// Package cache provides the time-bounded result cache and the keyed
// debouncer shared by position resolution and place search
package cache

import (
	"sync"
	"time"
)

// Entry is a cached value with the time it was stored
type Entry[T any] struct {
	Data      T
	Timestamp time.Time
}

// Cache is an in-memory map with read-time expiry. Entries are never swept
// proactively; Get deletes an entry it finds expired.
type Cache[T any] struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]Entry[T]
	now     func() time.Time
}

// New creates a cache whose entries live for ttl
func New[T any](ttl time.Duration) *Cache[T] {
	return &Cache[T]{
		ttl:     ttl,
		entries: make(map[string]Entry[T]),
		now:     time.Now,
	}
}

// WithClock replaces the time source, for tests
func (c *Cache[T]) WithClock(now func() time.Time) *Cache[T] {
	c.now = now
	return c
}

// Get returns the value for key if present and unexpired
func (c *Cache[T]) Get(key string) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero T
	entry, ok := c.entries[key]
	if !ok {
		return zero, false
	}
	if c.now().Sub(entry.Timestamp) >= c.ttl {
		delete(c.entries, key)
		return zero, false
	}
	return entry.Data, true
}

// Set stores value under key, overwriting any previous entry
func (c *Cache[T]) Set(key string, value T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = Entry[T]{Data: value, Timestamp: c.now()}
}

// Clear drops every entry
func (c *Cache[T]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]Entry[T])
}

// Len returns the number of stored entries, expired or not
func (c *Cache[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
