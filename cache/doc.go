// Package cache provides the eviction engine of the local blob cache: a
// generic, weight- and count-bounded LRU primitive and a segmented LRU (SLRU)
// built from two of them.
//
// Design
//
//   - LRU: a map[K]*node for lookups and an intrusive MRU↔LRU doubly linked
//     list for ordering, guarded by one RWMutex. Both Get and Put refresh
//     recency. EldestKey peeks the list tail in O(1).
//
//   - Bounds: Capacity limits the entry count, MaxWeight the sum of
//     Options.Weigher over resident entries. Zero disables a bound. After
//     every Put the eldest entries are evicted until both bounds hold.
//
//   - Segmented: a probation LRU (20% of each bound) and a protected LRU
//     (80%). A hit on a probation entry promotes it; protected's overflow is
//     demoted back into probation; only probation's overflow leaves the
//     cache. Where a brand-new key enters is decided by a pluggable
//     admission policy (package policy); the default, slru.FastAdmit, sends
//     it straight to protected while probation is full and protected is not.
//
//   - Listeners: EldestRemovedListener receives every evicted (key, value).
//     They run after the cache lock is released, in registration order, and
//     a panicking listener does not stop the others. Demotions and explicit
//     Remove calls are never reported.
//
//   - Metrics: Options.Metrics receives Hit/Miss/Evict/Promote/Demote/Size
//     signals. NoopMetrics is the default; metrics/prom exports them.
//
// Basic usage
//
//	// Blob index keyed by digest, weighted by size, 10 GiB on disk.
//	c := cache.NewSegmented(cache.Options[string, int64]{
//	    MaxWeight: 10 << 30,
//	    Weigher:   func(_ string, size int64) int64 { return size },
//	    Listeners: []cache.EldestRemovedListener[string, int64]{
//	        cache.ListenerFunc[string, int64](func(digest string, _ int64) {
//	            _ = os.Remove(filepath.Join(dir, digest))
//	        }),
//	    },
//	})
//	c.Put("sha256:ab…", 4096)
//	if size, ok := c.Get("sha256:ab…"); ok {
//	    _ = size // promoted to protected
//	}
//
// Thread-safety & complexity
//
// All methods are safe for concurrent use. Operations cost O(1) expected
// time plus O(1) per evicted entry. The Segmented serializes callers on a
// single mutex, so promotion and demotion are atomic with respect to other
// callers.
package cache
