package cache

import (
	"fmt"
	"log/slog"

	"github.com/IvanBrykalov/blobcache/policy"
)

// EvictReason explains why an entry was evicted.
type EvictReason int

const (
	// EvictCount: removed because the entry count exceeded Capacity.
	EvictCount EvictReason = iota
	// EvictWeight: removed because the total weight exceeded MaxWeight.
	EvictWeight
)

// String returns a stable label value for the reason.
func (r EvictReason) String() string {
	if r == EvictWeight {
		return "weight"
	}
	return "count"
}

// Weigher returns the weight of an entry (typically the blob size in bytes).
// It is called under the cache lock and must be pure. Negative results are
// treated as 0.
type Weigher[K comparable, V any] func(k K, v V) int64

// Metrics exposes cache-level observability hooks.
// A NoopMetrics implementation is provided and used by default.
type Metrics interface {
	Hit()
	Miss()
	Evict(reason EvictReason)
	// Promote and Demote are only reported by the segmented cache.
	Promote()
	Demote()
	Size(entries int, weight int64)
}

// Options configures LRU and Segmented caches. Zero values are safe;
// defaults are applied in NewLRU/NewSegmented:
//   - Capacity == 0   => unbounded by count
//   - MaxWeight == 0  => unbounded by weight
//   - nil Weigher     => every entry weighs 0
//   - nil Admission   => slru.FastAdmit (Segmented only)
//   - nil Metrics     => NoopMetrics
//   - nil Logger      => discard
type Options[K comparable, V any] struct {
	// Capacity is the entry count limit. For a Segmented cache it is split
	// 80/20 between protected and probation.
	Capacity int

	// MaxWeight is the cumulative weight limit, split like Capacity.
	MaxWeight int64

	// Weigher computes per-entry weight. Set it here rather than through
	// SetWeigher so no Put ever runs with a missing weigher.
	Weigher Weigher[K, V]

	// Listeners are notified of every eviction, in order, outside the lock.
	Listeners []EldestRemovedListener[K, V]

	// Admission decides where new keys enter a Segmented cache.
	Admission policy.Policy[K]

	Metrics Metrics
	Logger  *slog.Logger
}

// Validate reports configuration errors. Bounds must be non-negative.
func (o Options[K, V]) Validate() error {
	if o.Capacity < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidCapacity, o.Capacity)
	}
	if o.MaxWeight < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidWeight, o.MaxWeight)
	}
	return nil
}

// ValidateSegmented is Validate plus the rule that a bound of exactly 1
// cannot be split across the two segments of a Segmented cache.
func (o Options[K, V]) ValidateSegmented() error {
	if err := o.Validate(); err != nil {
		return err
	}
	if o.Capacity == 1 {
		return fmt.Errorf("%w: segmented capacity must be 0 or >= 2", ErrInvalidCapacity)
	}
	if o.MaxWeight == 1 {
		return fmt.Errorf("%w: segmented max weight must be 0 or >= 2", ErrInvalidWeight)
	}
	return nil
}

func (o Options[K, V]) withDefaults() Options[K, V] {
	if o.Metrics == nil {
		o.Metrics = NoopMetrics{}
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.DiscardHandler)
	}
	return o
}
