// ABOUTME: Thread-safe TTL cache of send outcomes keyed by idempotency key
// ABOUTME: Lets a retried send replay the first response instead of sending twice

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// Outcome is the result of claiming a key.
type Outcome int

const (
	// Claimed means the caller owns the key and must Complete or Release it.
	Claimed Outcome = iota
	// InFlight means another request holds the key and has not finished.
	InFlight
	// Replay means the key already completed; the stored Response applies.
	Replay
)

// Response is the stored result of a completed request.
type Response struct {
	Status int
	Body   []byte
}

// cacheEntry stores the timestamp, list element and result for a cached key.
type cacheEntry struct {
	timestamp time.Time
	element   *list.Element
	done      bool
	response  Response
}

// Cache provides a thread-safe, TTL-based, size-limited store of request
// outcomes. Uses a doubly-linked list to maintain insertion order for O(1)
// eviction.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry
	order   *list.List // List of keys in insertion order (oldest at front)
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	closed  bool
}

// New creates a new cache with the specified TTL and maximum size.
// A background goroutine periodically cleans up expired entries.
func New(ttl time.Duration, maxSize int) *Cache {
	c := &Cache{
		entries: make(map[string]*cacheEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go c.cleanup()
	return c
}

// Claim atomically checks key and reserves it if unseen or expired.
func (c *Cache) Claim(key string) (Response, Outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.entries[key]; ok && time.Since(entry.timestamp) < c.ttl {
		if entry.done {
			return entry.response, Replay
		}
		return Response{}, InFlight
	}

	c.insertLocked(key)
	return Response{}, Claimed
}

// Complete stores the response for a claimed key.
func (c *Cache) Complete(key string, resp Response) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return
	}
	entry.done = true
	entry.response = Response{Status: resp.Status, Body: append([]byte(nil), resp.Body...)}
	entry.timestamp = time.Now()
	c.order.MoveToBack(entry.element)
}

// Release drops a claimed key so the request can be retried.
func (c *Cache) Release(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.entries[key]; ok && !entry.done {
		c.order.Remove(entry.element)
		delete(c.entries, key)
	}
}

// Len returns the number of cached keys.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// insertLocked adds or resets key. Must be called with mu held.
func (c *Cache) insertLocked(key string) {
	now := time.Now()

	if entry, exists := c.entries[key]; exists {
		entry.timestamp = now
		entry.done = false
		entry.response = Response{}
		c.order.MoveToBack(entry.element)
		return
	}

	// Evict oldest if at capacity
	if len(c.entries) >= c.maxSize {
		c.evictOldest()
	}

	elem := c.order.PushBack(key)
	c.entries[key] = &cacheEntry{
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
	interval := time.Minute
	if c.ttl < interval {
		interval = c.ttl
	}
	ticker := time.NewTicker(interval)
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

	now := time.Now()
	for key, entry := range c.entries {
		if now.Sub(entry.timestamp) > c.ttl {
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
