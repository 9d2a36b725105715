package cache

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/IvanBrykalov/blobcache/internal/util"
)

// LRU is a single access-ordered cache bounded by entry count and/or
// cumulative weight. It keeps a map[K]*node for lookups and an intrusive
// doubly linked list (head=MRU, tail=LRU) for ordering, so every operation,
// including EldestKey, is O(1) expected.
//
// All methods are safe for concurrent use. Eviction listeners run after the
// lock is released.
type LRU[K comparable, V any] struct {
	// ---- guarded by mu ----
	mu        sync.RWMutex
	m         map[K]*node[K, V]
	head      *node[K, V] // MRU
	tail      *node[K, V] // LRU
	len       int
	weight    int64
	capacity  int   // 0 = unbounded
	maxWeight int64 // 0 = unbounded
	weigher   Weigher[K, V]
	listeners []EldestRemovedListener[K, V]

	metrics Metrics
	log     *slog.Logger

	// ---- hot counters (separate cache lines to avoid false sharing) ----
	_      util.CacheLinePad
	hits   util.PaddedAtomicInt64
	misses util.PaddedAtomicInt64
}

// NewLRU constructs an LRU with the provided Options.
// It panics if the options are invalid (see Options.Validate).
func NewLRU[K comparable, V any](opt Options[K, V]) *LRU[K, V] {
	if err := opt.Validate(); err != nil {
		panic(err)
	}
	opt = opt.withDefaults()

	c := &LRU[K, V]{
		m:         make(map[K]*node[K, V]),
		capacity:  opt.Capacity,
		maxWeight: opt.MaxWeight,
		weigher:   opt.Weigher,
		metrics:   opt.Metrics,
		log:       opt.Logger,
	}
	c.listeners = append(c.listeners, opt.Listeners...)
	return c
}

// Put inserts or replaces k→v and marks k most recently used. It returns the
// previous value and true if k was already present.
//
// Afterwards least recently used entries are evicted until both bounds hold.
// The entry just written may itself be evicted if it alone exceeds MaxWeight.
func (c *LRU[K, V]) Put(k K, v V) (V, bool) {
	c.mu.Lock()
	prev, ok := c.putLocked(k, v)
	evicted := c.enforceLimitsLocked()
	ls := c.listeners
	c.mu.Unlock()

	notify(c.log, ls, evicted)
	return prev, ok
}

// Get returns the value for k and marks it most recently used.
// It never evicts.
func (c *LRU[K, V]) Get(k K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.m[k]
	if !ok {
		c.misses.Add(1)
		c.metrics.Miss()
		var zero V
		return zero, false
	}
	c.moveToFront(n)
	c.hits.Add(1)
	c.metrics.Hit()
	return n.val, true
}

// Remove deletes k if present and returns its value. Listeners are not
// notified: an explicit removal is not an eviction.
func (c *LRU[K, V]) Remove(k K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.m[k]
	if !ok {
		var zero V
		return zero, false
	}
	c.removeNode(n)
	delete(c.m, k)
	c.metrics.Size(c.len, c.weight)
	return n.val, true
}

// Contains reports whether k is resident without touching its recency.
func (c *LRU[K, V]) Contains(k K) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.m[k]
	return ok
}

// Count returns the number of resident entries.
func (c *LRU[K, V]) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.len
}

// Weight returns the total weight of resident entries.
func (c *LRU[K, V]) Weight() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.weight
}

// EldestKey returns the least recently used key without removing it.
func (c *LRU[K, V]) EldestKey() (K, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.tail == nil {
		var zero K
		return zero, false
	}
	return c.tail.key, true
}

// SetCapacity changes the entry count bound (0 = unbounded). Resident
// entries are not evicted until the next Put.
func (c *LRU[K, V]) SetCapacity(n int) error {
	if n < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidCapacity, n)
	}
	c.mu.Lock()
	c.capacity = n
	c.mu.Unlock()
	return nil
}

// Capacity returns the entry count bound (0 = unbounded).
func (c *LRU[K, V]) Capacity() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.capacity
}

// SetMaxWeight changes the weight bound (0 = unbounded). Resident entries
// are not evicted until the next Put.
func (c *LRU[K, V]) SetMaxWeight(n int64) error {
	if n < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidWeight, n)
	}
	c.mu.Lock()
	c.maxWeight = n
	c.mu.Unlock()
	return nil
}

// MaxWeight returns the weight bound (0 = unbounded).
func (c *LRU[K, V]) MaxWeight() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.maxWeight
}

// SetWeigher replaces the weigher and re-weighs every resident entry so
// Weight matches the new function. Prefer Options.Weigher.
func (c *LRU[K, V]) SetWeigher(w Weigher[K, V]) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.weigher = w
	c.weight = 0
	for n := c.head; n != nil; n = n.next {
		n.weight = c.weigh(n.key, n.val)
		c.weight += n.weight
	}
	c.metrics.Size(c.len, c.weight)
}

// AddEldestRemovedListener registers l for future evictions.
func (c *LRU[K, V]) AddEldestRemovedListener(l EldestRemovedListener[K, V]) {
	c.mu.Lock()
	defer c.mu.Unlock()
	// Copy-on-write: in-flight notifications keep iterating their snapshot.
	ls := make([]EldestRemovedListener[K, V], 0, len(c.listeners)+1)
	c.listeners = append(append(ls, c.listeners...), l)
}

// EldestRemovedListeners returns a copy of the registered listeners.
func (c *LRU[K, V]) EldestRemovedListeners() []EldestRemovedListener[K, V] {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]EldestRemovedListener[K, V](nil), c.listeners...)
}

// Sync is a checkpoint hook. The in-memory LRU has nothing to persist.
func (c *LRU[K, V]) Sync() error { return nil }

// Stats returns a point-in-time snapshot of counters.
func (c *LRU[K, V]) Stats() Stats {
	c.mu.RLock()
	entries, weight := c.len, c.weight
	c.mu.RUnlock()
	return Stats{
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Entries: entries,
		Weight:  weight,
	}
}

// -------------------- internals (mu held) --------------------

func (c *LRU[K, V]) putLocked(k K, v V) (V, bool) {
	w := c.weigh(k, v)
	if n, ok := c.m[k]; ok {
		// In-place update: adjust weight delta and promote.
		prev := n.val
		n.val = v
		c.weight += w - n.weight
		n.weight = w
		c.moveToFront(n)
		return prev, true
	}

	n := &node[K, V]{key: k, val: v, weight: w}
	c.m[k] = n
	c.insertFront(n)
	var zero V
	return zero, false
}

func (c *LRU[K, V]) weigh(k K, v V) int64 {
	if c.weigher == nil {
		return 0
	}
	if w := c.weigher(k, v); w > 0 {
		return w
	}
	return 0
}

// insertFront inserts n at MRU in O(1).
func (c *LRU[K, V]) insertFront(n *node[K, V]) {
	n.prev = nil
	n.next = c.head
	if c.head != nil {
		c.head.prev = n
	}
	c.head = n
	if c.tail == nil {
		c.tail = n
	}
	c.len++
	c.weight += n.weight
}

// moveToFront promotes n to MRU in O(1).
func (c *LRU[K, V]) moveToFront(n *node[K, V]) {
	if n == c.head {
		return
	}
	// detach
	if n.prev != nil {
		n.prev.next = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	}
	if c.tail == n {
		c.tail = n.prev
	}
	// insert at head
	n.prev = nil
	n.next = c.head
	if c.head != nil {
		c.head.prev = n
	}
	c.head = n
	if c.tail == nil {
		c.tail = n
	}
}

// removeNode unlinks n and updates counters in O(1).
// Map bookkeeping is left to the caller.
func (c *LRU[K, V]) removeNode(n *node[K, V]) {
	if n.prev != nil {
		n.prev.next = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	}
	if c.head == n {
		c.head = n.next
	}
	if c.tail == n {
		c.tail = n.prev
	}
	n.prev, n.next = nil, nil
	c.len--
	c.weight -= n.weight
}

// overLocked reports which bound, if any, is currently exceeded.
func (c *LRU[K, V]) overLocked() (EvictReason, bool) {
	if c.capacity > 0 && c.len > c.capacity {
		return EvictCount, true
	}
	if c.maxWeight > 0 && c.weight > c.maxWeight {
		return EvictWeight, true
	}
	return 0, false
}

// enforceLimitsLocked evicts LRU entries until both count and weight bounds
// hold and returns them for notification outside the lock.
func (c *LRU[K, V]) enforceLimitsLocked() []entry[K, V] {
	var evicted []entry[K, V]
	for {
		reason, over := c.overLocked()
		if !over || c.tail == nil {
			break
		}
		n := c.tail
		c.removeNode(n)
		delete(c.m, n.key)
		c.metrics.Evict(reason)
		evicted = append(evicted, entry[K, V]{key: n.key, val: n.val})
	}
	c.metrics.Size(c.len, c.weight)
	if len(evicted) > 0 {
		c.log.Debug("evicted eldest entries", slog.Int("count", len(evicted)))
	}
	return evicted
}
