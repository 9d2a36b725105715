package cache

// Ordered is the capability set the storage layer relies on: an
// access-ordered, bounded key/value cache with eviction notifications.
// Both *LRU and *Segmented implement it.
// All methods are safe for concurrent use by multiple goroutines.
//
// "Not found" is never an error: lookups return the zero value and false.
type Ordered[K comparable, V any] interface {
	// Put inserts or updates k→v, returning the previous value if present.
	// It may evict least recently used entries to restore the bounds.
	Put(k K, v V) (V, bool)

	// Get returns the value for k and refreshes its recency.
	Get(k K) (V, bool)

	// Remove deletes k without notifying eviction listeners.
	Remove(k K) (V, bool)

	// Contains reports presence without affecting recency.
	Contains(k K) bool

	// Count returns the number of resident entries.
	Count() int

	// Weight returns the sum of resident entry weights.
	Weight() int64

	// EldestKey returns the next eviction candidate without removing it.
	EldestKey() (K, bool)

	SetCapacity(n int) error
	Capacity() int
	SetMaxWeight(n int64) error
	MaxWeight() int64
	SetWeigher(w Weigher[K, V])

	AddEldestRemovedListener(l EldestRemovedListener[K, V])
	EldestRemovedListeners() []EldestRemovedListener[K, V]

	// Sync asks the cache to checkpoint its contents. In-memory caches treat
	// it as a no-op; it must be idempotent.
	Sync() error
}

var (
	_ Ordered[string, int64] = (*LRU[string, int64])(nil)
	_ Ordered[string, int64] = (*Segmented[string, int64])(nil)
)

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Hits    int64
	Misses  int64
	Entries int
	Weight  int64
}

// SegmentedStats adds the per-segment split to Stats.
type SegmentedStats struct {
	Stats
	ProbationEntries int
	ProbationWeight  int64
	ProtectedEntries int
	ProtectedWeight  int64
}
