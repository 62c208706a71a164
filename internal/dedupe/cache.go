// ABOUTME: Thread-safe TTL cache for idempotent message submission
// ABOUTME: Maps client-supplied keys to the message ID they produced; expired keys are pruned lazily

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

type entry struct {
	key     string
	value   string // message ID once committed, empty while in flight
	touched time.Time
	element *list.Element
}

// Cache is a size-limited, TTL-based set of submission keys. Entries are kept
// in a list ordered by last touch, so expiry and eviction both work from the
// front.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*entry
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
}

// New creates a cache that forgets keys after ttl and holds at most maxSize keys.
func New(ttl time.Duration, maxSize int) *Cache {
	if maxSize < 1 {
		maxSize = 1
	}
	return &Cache{
		entries: make(map[string]*entry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
	}
}

// Reserve atomically claims key. It returns dup=false when the key was free
// and is now held by the caller, or dup=true with the committed value (empty
// if the first submission is still in flight).
func (c *Cache) Reserve(key string) (value string, dup bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.pruneLocked(now)

	if e, ok := c.entries[key]; ok {
		return e.value, true
	}

	if len(c.entries) >= c.maxSize {
		c.evictOldestLocked()
	}
	e := &entry{key: key, touched: now}
	e.element = c.order.PushBack(e)
	c.entries[key] = e
	return "", false
}

// Commit records the value produced for a reserved key and restarts its TTL.
func (c *Cache) Commit(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return
	}
	e.value = value
	e.touched = c.now()
	c.order.MoveToBack(e.element)
}

// Release drops a reservation so the key can be retried.
func (c *Cache) Release(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		c.order.Remove(e.element)
		delete(c.entries, key)
	}
}

// Len returns the number of live keys.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked(c.now())
	return len(c.entries)
}

// pruneLocked removes expired entries. Must be called with mu held.
func (c *Cache) pruneLocked(now time.Time) {
	for front := c.order.Front(); front != nil; front = c.order.Front() {
		e := front.Value.(*entry)
		if now.Sub(e.touched) < c.ttl {
			return
		}
		c.order.Remove(front)
		delete(c.entries, e.key)
	}
}

func (c *Cache) evictOldestLocked() {
	front := c.order.Front()
	if front == nil {
		return
	}
	e := front.Value.(*entry)
	c.order.Remove(front)
	delete(c.entries, e.key)
}
