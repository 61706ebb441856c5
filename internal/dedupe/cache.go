// ABOUTME: Thread-safe TTL cache that replays responses for repeated idempotency keys.
// ABOUTME: Used by the prompt endpoint so client retries never record a turn twice.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// Status describes what Begin found for a key.
type Status int

const (
	// StatusNew means the caller owns the key and must Complete or Abandon it.
	StatusNew Status = iota
	// StatusInFlight means another request holds the key and has not finished.
	StatusInFlight
	// StatusDone means a stored response is available for replay.
	StatusDone
)

// cacheEntry stores the response and list element for a cached key.
type cacheEntry struct {
	value     []byte
	pending   bool
	timestamp time.Time
	element   *list.Element
}

// Cache is a thread-safe, TTL-based, size-limited store of responses keyed by
// idempotency key. Uses a doubly-linked list to maintain insertion order for
// O(1) eviction.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry
	order   *list.List // List of keys in insertion order (oldest at front)
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// New creates a cache with the specified TTL and maximum size.
// A background goroutine periodically cleans up expired entries.
func New(ttl time.Duration, maxSize int) *Cache {
	if maxSize < 1 {
		maxSize = 1
	}
	c := &Cache{
		entries: make(map[string]*cacheEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go c.cleanup()
	return c
}

// Begin atomically claims key. With StatusDone the stored response is returned.
// This prevents the race a separate lookup and store would allow.
func (c *Cache) Begin(key string) ([]byte, Status) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.entries[key]; ok && c.live(entry) {
		if entry.pending {
			return nil, StatusInFlight
		}
		return entry.value, StatusDone
	}

	c.putLocked(key, nil, true)
	return nil, StatusNew
}

// Complete stores the response for a key claimed with Begin.
func (c *Cache) Complete(key string, value []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stored := make([]byte, len(value))
	copy(stored, value)
	c.putLocked(key, stored, false)
}

// Abandon releases a claimed key without storing a response so a retry can run.
func (c *Cache) Abandon(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.entries[key]; ok && entry.pending {
		c.order.Remove(entry.element)
		delete(c.entries, key)
	}
}

func (c *Cache) live(entry *cacheEntry) bool {
	return c.now().Sub(entry.timestamp) < c.ttl
}

// putLocked inserts or refreshes a key. Must be called with mu held.
func (c *Cache) putLocked(key string, value []byte, pending bool) {
	now := c.now()

	// If key already exists, update it and move to back
	if entry, exists := c.entries[key]; exists {
		entry.value = value
		entry.pending = pending
		entry.timestamp = now
		c.order.MoveToBack(entry.element)
		return
	}

	// Evict oldest if at capacity
	if len(c.entries) >= c.maxSize {
		c.evictOldest()
	}

	elem := c.order.PushBack(key)
	c.entries[key] = &cacheEntry{
		value:     value,
		pending:   pending,
		timestamp: now,
		element:   elem,
	}
}

// evictOldest removes the oldest entry from the cache.
// Must be called with mu held. O(1) operation using linked list.
func (c *Cache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}

	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.entries, key)
}

// cleanup runs in a background goroutine, periodically removing expired entries.
func (c *Cache) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.runCleanup()
		case <-c.done:
			return
		}
	}
}

// runCleanup removes all expired entries from the cache.
func (c *Cache) runCleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, entry := range c.entries {
		if !c.live(entry) {
			c.order.Remove(entry.element)
			delete(c.entries, key)
		}
	}
}

// Close stops the background cleanup goroutine. It is safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
