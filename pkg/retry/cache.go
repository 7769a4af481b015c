package retry

import (
	"fmt"
	"sync"
)

// ContextCache maps stateful retry keys to in-flight contexts.
// Implementations must make each method atomic per key.
type ContextCache interface {
	// LoadOrStore returns the context cached under key, or stores and
	// returns the one built by open. loaded reports which happened.
	LoadOrStore(key any, open func() *Context) (rc *Context, loaded bool, err error)

	// Store puts rc under key and returns the entry it replaced, if any
	Store(key any, rc *Context) (prev *Context, err error)

	// Remove deletes the entry for key if it still holds rc
	Remove(key any, rc *Context)

	// Len returns the number of cached contexts
	Len() int
}

// DefaultCacheCapacity is the capacity of a MapCache created with a non-positive size
const DefaultCacheCapacity = 4096

// MapCache is a bounded in-memory ContextCache.
// Inserting a new key at capacity fails with ErrCacheFull; live entries are never evicted.
type MapCache struct {
	mu       sync.Mutex
	capacity int
	entries  map[any]*Context
}

// NewMapCache creates a cache holding at most capacity contexts
func NewMapCache(capacity int) *MapCache {
	if capacity <= 0 {
		capacity = DefaultCacheCapacity
	}
	return &MapCache{
		capacity: capacity,
		entries:  make(map[any]*Context),
	}
}

// Capacity returns the maximum number of entries
func (c *MapCache) Capacity() int {
	return c.capacity
}

// LoadOrStore implements ContextCache
func (c *MapCache) LoadOrStore(key any, open func() *Context) (*Context, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if rc, ok := c.entries[key]; ok {
		return rc, true, nil
	}
	if len(c.entries) >= c.capacity {
		return nil, false, c.fullError()
	}
	rc := open()
	c.entries[key] = rc
	return rc, false, nil
}

// Store implements ContextCache
func (c *MapCache) Store(key any, rc *Context) (*Context, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev, ok := c.entries[key]
	if !ok && len(c.entries) >= c.capacity {
		return nil, c.fullError()
	}
	c.entries[key] = rc
	return prev, nil
}

// Remove implements ContextCache
func (c *MapCache) Remove(key any, rc *Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cur, ok := c.entries[key]; ok && (rc == nil || cur == rc) {
		delete(c.entries, key)
	}
}

// Len implements ContextCache
func (c *MapCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Contains reports whether key has a cached context
func (c *MapCache) Contains(key any) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[key]
	return ok
}

func (c *MapCache) fullError() error {
	return fmt.Errorf("%w: capacity %d; sequences may be abandoned without reaching a terminal outcome", ErrCacheFull, c.capacity)
}
