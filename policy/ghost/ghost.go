// Package ghost implements a second-chance admission policy for the
// segmented cache.
package ghost

import (
	"container/list"

	"github.com/IvanBrykalov/blobcache/policy"
)

// ghost remembers keys recently evicted from probation (keys only, no
// values). A key that comes back while it is still remembered has proven it
// is re-requested, so it bypasses probation and is admitted into protected.
// Everything else is admitted into probation.
//
// Concurrency: all methods are called under the cache lock.
type ghost[K comparable] struct {
	capacity int

	// MRU at Front() -> LRU at Back(); element.Value is K.
	keys *list.List
	idx  map[K]*list.Element
}

type ghostPolicy[K comparable] struct {
	capacity int
}

// New constructs a ghost admission policy factory remembering up to capacity
// evicted keys. A common choice is 50–100% of the cache entry capacity.
func New[K comparable](capacity int) policy.Policy[K] {
	if capacity < 1 {
		capacity = 1
	}
	return ghostPolicy[K]{capacity: capacity}
}

func (p ghostPolicy[K]) New() policy.Admission[K] {
	return &ghost[K]{
		capacity: p.capacity,
		keys:     list.New(),
		idx:      make(map[K]*list.Element),
	}
}

// Admit readmits remembered keys into protected and drops them from the
// ghost list. Unknown keys go to probation.
func (g *ghost[K]) Admit(k K, _ policy.State) policy.Segment {
	if el, ok := g.idx[k]; ok {
		g.keys.Remove(el)
		delete(g.idx, k)
		return policy.Protected
	}
	return policy.Probation
}

// Forget records k as a ghost (moving it to MRU if already present) and
// trims the ghost list to capacity.
func (g *ghost[K]) Forget(k K) {
	if old, ok := g.idx[k]; ok {
		g.keys.Remove(old)
	}
	g.idx[k] = g.keys.PushFront(k)

	for g.keys.Len() > g.capacity {
		tail := g.keys.Back()
		if tail == nil {
			break
		}
		delete(g.idx, tail.Value.(K))
		g.keys.Remove(tail)
	}
}

// Len reports the number of remembered keys.
func (g *ghost[K]) Len() int { return g.keys.Len() }
