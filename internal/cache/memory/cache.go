// Package memory provides a process-local CacheStorage for extraction
// memoization and tests.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/tkrajewski/undertow/internal/pipeline"
)

type entry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

// Cache is a mutex-guarded map with lazy TTL expiry. Expired entries are
// reclaimed on read, not by a background sweeper.
type Cache struct {
	clock pipeline.Clock

	mu      sync.Mutex
	entries map[string]entry
}

// New builds an empty Cache on the given clock.
func New(clock pipeline.Clock) *Cache {
	return &Cache{clock: clock, entries: make(map[string]entry)}
}

// Get implements pipeline.CacheStorage.
func (c *Cache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false, nil
	}
	if !e.expiresAt.IsZero() && !c.clock.Now().Before(e.expiresAt) {
		delete(c.entries, key)
		return nil, false, nil
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, true, nil
}

// Set implements pipeline.CacheStorage. A non-positive ttl stores the entry
// without expiry.
func (c *Cache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	e := entry{value: make([]byte, len(value))}
	copy(e.value, value)
	if ttl > 0 {
		e.expiresAt = c.clock.Now().Add(ttl)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = e
	return nil
}

// Len reports the number of live entries, mainly for tests.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
