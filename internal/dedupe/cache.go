// ABOUTME: TTL window of recently seen event IDs
// ABOUTME: Lets the router deliver each relayed event at most once per instance

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

type seenEntry struct {
	at   time.Time
	elem *list.Element
}

// Cache remembers event IDs for a TTL window, bounded to maxSize entries.
// Insertion order is kept in a linked list so the oldest ID is dropped in O(1)
// when the cache is full.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*seenEntry
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	sweep   time.Duration

	done      chan struct{}
	closeOnce sync.Once
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock replaces time.Now for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithSweepInterval runs a background sweep of expired IDs every d.
// Without it expired entries are only dropped by capacity pressure or Sweep.
func WithSweepInterval(d time.Duration) Option {
	return func(c *Cache) { c.sweep = d }
}

// New creates a cache holding at most maxSize IDs for ttl each.
func New(ttl time.Duration, maxSize int, opts ...Option) *Cache {
	if maxSize <= 0 {
		maxSize = 1
	}
	c := &Cache{
		entries: make(map[string]*seenEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.sweep > 0 {
		go c.sweepLoop(c.sweep)
	}
	return c
}

// Seen reports whether id was already recorded within the TTL, and records
// it if not. The check and the insert happen under one lock.
func (c *Cache) Seen(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if e, ok := c.entries[id]; ok {
		if now.Sub(e.at) < c.ttl {
			return true
		}
		c.order.Remove(e.elem)
		delete(c.entries, id)
	}

	if len(c.entries) >= c.maxSize {
		c.dropOldest()
	}
	c.entries[id] = &seenEntry{at: now, elem: c.order.PushBack(id)}
	return false
}

// Contains reports whether id is recorded and unexpired, without recording it.
func (c *Cache) Contains(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[id]
	return ok && c.now().Sub(e.at) < c.ttl
}

// Len returns the number of recorded IDs, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// must hold mu
func (c *Cache) dropOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	id, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.entries, id)
}

// Sweep drops expired IDs and returns how many were removed. Entries are in
// insertion order, so the walk stops at the first unexpired one.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for front := c.order.Front(); front != nil; front = c.order.Front() {
		id, _ := front.Value.(string)
		if now.Sub(c.entries[id].at) < c.ttl {
			break
		}
		c.order.Remove(front)
		delete(c.entries, id)
		removed++
	}
	return removed
}

func (c *Cache) sweepLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Sweep()
		case <-c.done:
			return
		}
	}
}

// Close stops the background sweep. Safe to call more than once.
func (c *Cache) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}
