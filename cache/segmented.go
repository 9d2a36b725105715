package cache

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/IvanBrykalov/blobcache/internal/util"
	"github.com/IvanBrykalov/blobcache/policy"
	"github.com/IvanBrykalov/blobcache/policy/slru"
)

// Segmented is a two-tier SLRU cache composed of two LRU segments:
//
//   - probation: new and cold entries, the outer ring;
//   - protected: entries hit again after admission.
//
// A probation hit (Get or Put) promotes the entry into protected. When
// protected overflows, its least recently used entry is demoted back into
// probation. Only an eviction out of probation removes a key from the cache,
// and only that reaches the listeners registered on the Segmented.
//
// A key is resident in at most one segment. All methods are safe for
// concurrent use: a single mutex serializes every operation, including the
// remove-then-put steps of promotion and demotion, so no caller ever observes
// a key in neither or both segments. Listeners run after that mutex is
// released.
type Segmented[K comparable, V any] struct {
	// ---- guarded by mu ----
	mu        sync.Mutex
	probation *LRU[K, V]
	protected *LRU[K, V]
	admission policy.Admission[K]
	capacity  int
	maxWeight int64
	listeners []EldestRemovedListener[K, V]
	pending   []entry[K, V] // probation evictions of the running operation

	metrics Metrics
	log     *slog.Logger

	_      util.CacheLinePad
	hits   util.PaddedAtomicInt64
	misses util.PaddedAtomicInt64
}

// NewSegmented constructs a segmented cache. Capacity and MaxWeight are split
// 80/20 between protected and probation. It panics on invalid options: bounds
// must be non-negative, and a bound of exactly 1 cannot be split.
func NewSegmented[K comparable, V any](opt Options[K, V]) *Segmented[K, V] {
	if err := opt.ValidateSegmented(); err != nil {
		panic(err)
	}
	opt = opt.withDefaults()
	if opt.Admission == nil {
		opt.Admission = slru.FastAdmit[K]()
	}

	s := &Segmented[K, V]{
		admission: opt.Admission.New(),
		capacity:  opt.Capacity,
		maxWeight: opt.MaxWeight,
		metrics:   opt.Metrics,
		log:       opt.Logger,
	}
	s.listeners = append(s.listeners, opt.Listeners...)

	probCap, protCap := splitCapacity(opt.Capacity)
	probWeight, protWeight := splitWeight(opt.MaxWeight)

	s.probation = NewLRU(Options[K, V]{
		Capacity:  probCap,
		MaxWeight: probWeight,
		Weigher:   opt.Weigher,
		Listeners: []EldestRemovedListener[K, V]{ListenerFunc[K, V](s.evicted)},
		Metrics:   segmentMetrics{parent: opt.Metrics},
		Logger:    opt.Logger.With(slog.String("segment", policy.Probation.String())),
	})
	s.protected = NewLRU(Options[K, V]{
		Capacity:  protCap,
		MaxWeight: protWeight,
		Weigher:   opt.Weigher,
		Listeners: []EldestRemovedListener[K, V]{ListenerFunc[K, V](s.demote)},
		Metrics:   segmentMetrics{parent: opt.Metrics, protected: true},
		Logger:    opt.Logger.With(slog.String("segment", policy.Protected.String())),
	})
	return s
}

// Get returns the value for k. A protected hit refreshes recency; a
// probation hit promotes k into protected, which may demote protected's
// eldest entry and, in turn, evict probation's eldest entry.
func (s *Segmented[K, V]) Get(k K) (V, bool) {
	s.mu.Lock()
	v, ok := s.getLocked(k)
	evicted, ls := s.drainLocked()
	s.mu.Unlock()

	notify(s.log, ls, evicted)
	return v, ok
}

// Put inserts or updates k→v and returns the previous value if k was
// resident. A resident key is written into protected (promoting it if it was
// in probation); a new key goes where the admission policy decides.
func (s *Segmented[K, V]) Put(k K, v V) (V, bool) {
	s.mu.Lock()
	prev, ok := s.putLocked(k, v)
	evicted, ls := s.drainLocked()
	s.mu.Unlock()

	notify(s.log, ls, evicted)
	return prev, ok
}

// PutResident is Put that reports whether k is still resident once the
// write and the eviction cascade it triggered have settled. It is false only
// when the entry alone exceeds the bound of the segment it landed in.
func (s *Segmented[K, V]) PutResident(k K, v V) bool {
	s.mu.Lock()
	s.putLocked(k, v)
	resident := s.protected.Contains(k) || s.probation.Contains(k)
	evicted, ls := s.drainLocked()
	s.mu.Unlock()

	notify(s.log, ls, evicted)
	return resident
}

// Remove deletes k from whichever segment holds it. Listeners are not
// notified.
func (s *Segmented[K, V]) Remove(k K) (V, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.protected.Remove(k)
	if !ok {
		v, ok = s.probation.Remove(k)
	}
	if ok {
		s.reportSizeLocked()
	}
	return v, ok
}

// Contains reports whether k is resident in either segment.
func (s *Segmented[K, V]) Contains(k K) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.protected.Contains(k) || s.probation.Contains(k)
}

// SegmentOf reports which segment currently holds k.
func (s *Segmented[K, V]) SegmentOf(k K) (policy.Segment, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.protected.Contains(k):
		return policy.Protected, true
	case s.probation.Contains(k):
		return policy.Probation, true
	default:
		return 0, false
	}
}

// Count returns the number of resident entries in both segments.
func (s *Segmented[K, V]) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.protected.Count() + s.probation.Count()
}

// Weight returns the total weight of both segments.
func (s *Segmented[K, V]) Weight() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.protected.Weight() + s.probation.Weight()
}

// EldestKey returns probation's eldest key, or protected's if probation is
// empty: probation is where eviction happens first.
func (s *Segmented[K, V]) EldestKey() (K, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if k, ok := s.probation.EldestKey(); ok {
		return k, true
	}
	return s.protected.EldestKey()
}

// SetCapacity changes the entry count bound and re-partitions it 80/20.
// Resident entries are not evicted until the next mutating operation.
func (s *Segmented[K, V]) SetCapacity(n int) error {
	if n < 0 || n == 1 {
		return fmt.Errorf("%w: %d", ErrInvalidCapacity, n)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	prob, prot := splitCapacity(n)
	s.capacity = n
	return errors.Join(s.probation.SetCapacity(prob), s.protected.SetCapacity(prot))
}

// Capacity returns the total entry count bound (0 = unbounded).
func (s *Segmented[K, V]) Capacity() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.capacity
}

// SetMaxWeight changes the weight bound and re-partitions it 80/20.
// Resident entries are not evicted until the next mutating operation.
func (s *Segmented[K, V]) SetMaxWeight(n int64) error {
	if n < 0 || n == 1 {
		return fmt.Errorf("%w: %d", ErrInvalidWeight, n)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	prob, prot := splitWeight(n)
	s.maxWeight = n
	return errors.Join(s.probation.SetMaxWeight(prob), s.protected.SetMaxWeight(prot))
}

// MaxWeight returns the total weight bound (0 = unbounded).
func (s *Segmented[K, V]) MaxWeight() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxWeight
}

// SetWeigher installs w on both segments and re-weighs resident entries.
func (s *Segmented[K, V]) SetWeigher(w Weigher[K, V]) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.probation.SetWeigher(w)
	s.protected.SetWeigher(w)
	s.reportSizeLocked()
}

// AddEldestRemovedListener registers l for keys evicted out of the cache.
// Demotions between segments are never reported.
func (s *Segmented[K, V]) AddEldestRemovedListener(l EldestRemovedListener[K, V]) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ls := make([]EldestRemovedListener[K, V], 0, len(s.listeners)+1)
	s.listeners = append(append(ls, s.listeners...), l)
}

// EldestRemovedListeners returns a copy of the external listeners.
func (s *Segmented[K, V]) EldestRemovedListeners() []EldestRemovedListener[K, V] {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]EldestRemovedListener[K, V](nil), s.listeners...)
}

// Sync propagates a checkpoint request to both segments. It is idempotent
// and nothing in memory depends on it.
func (s *Segmented[K, V]) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return errors.Join(s.probation.Sync(), s.protected.Sync())
}

// Stats returns a point-in-time snapshot of counters for the whole cache.
func (s *Segmented[K, V]) Stats() SegmentedStats {
	s.mu.Lock()
	prob, prot := s.probation.Stats(), s.protected.Stats()
	s.mu.Unlock()
	return SegmentedStats{
		Stats: Stats{
			Hits:    s.hits.Load(),
			Misses:  s.misses.Load(),
			Entries: prob.Entries + prot.Entries,
			Weight:  prob.Weight + prot.Weight,
		},
		ProbationEntries: prob.Entries,
		ProbationWeight:  prob.Weight,
		ProtectedEntries: prot.Entries,
		ProtectedWeight:  prot.Weight,
	}
}

// -------------------- internals (mu held) --------------------

func (s *Segmented[K, V]) getLocked(k K) (V, bool) {
	if v, ok := s.protected.Get(k); ok {
		s.hit()
		return v, true
	}
	if v, ok := s.probation.Remove(k); ok {
		s.promoteLocked(k, v)
		s.hit()
		return v, true
	}
	s.misses.Add(1)
	s.metrics.Miss()
	var zero V
	return zero, false
}

func (s *Segmented[K, V]) putLocked(k K, v V) (V, bool) {
	defer s.reportSizeLocked()

	if s.protected.Contains(k) {
		return s.protected.Put(k, v)
	}
	if prev, ok := s.probation.Remove(k); ok {
		s.promoteLocked(k, v)
		return prev, true
	}

	state := policy.State{
		ProbationFull: full(s.probation),
		ProtectedFull: full(s.protected),
	}
	if s.admission.Admit(k, state) == policy.Protected {
		s.protected.Put(k, v)
	} else {
		s.probation.Put(k, v)
	}
	var zero V
	return zero, false
}

// promoteLocked moves k into protected. Protected's overflow is demoted into
// probation synchronously through s.demote.
func (s *Segmented[K, V]) promoteLocked(k K, v V) {
	s.metrics.Promote()
	s.protected.Put(k, v)
}

// demote is protected's internal listener: the entry falls back into
// probation instead of leaving the cache. Runs while s.mu is held by the
// operation that triggered it.
func (s *Segmented[K, V]) demote(k K, v V) {
	s.probation.Put(k, v)
}

// evicted is probation's internal listener: the entry left the cache for
// good. External listeners are notified once the operation unlocks.
func (s *Segmented[K, V]) evicted(k K, v V) {
	s.admission.Forget(k)
	s.pending = append(s.pending, entry[K, V]{key: k, val: v})
}

// drainLocked hands the pending evictions and a listener snapshot to the
// caller for notification after unlock.
func (s *Segmented[K, V]) drainLocked() ([]entry[K, V], []EldestRemovedListener[K, V]) {
	if len(s.pending) == 0 {
		return nil, nil
	}
	evicted := s.pending
	s.pending = nil
	s.reportSizeLocked()
	return evicted, s.listeners
}

func (s *Segmented[K, V]) hit() {
	s.hits.Add(1)
	s.metrics.Hit()
}

func (s *Segmented[K, V]) reportSizeLocked() {
	s.metrics.Size(
		s.protected.Count()+s.probation.Count(),
		s.protected.Weight()+s.probation.Weight(),
	)
}

// full reports whether a segment has reached either of its bounds.
func full[K comparable, V any](c *LRU[K, V]) bool {
	if n := c.Capacity(); n > 0 && c.Count() >= n {
		return true
	}
	if w := c.MaxWeight(); w > 0 && c.Weight() >= w {
		return true
	}
	return false
}

// splitCapacity partitions a bound into (probation, protected) = (20%, 80%).
// Probation gets at least one slot; protected gets the remainder so the two
// shares always add up to the total.
func splitCapacity(n int) (probation, protected int) {
	p, q := splitWeight(int64(n))
	return int(p), int(q)
}

func splitWeight(n int64) (probation, protected int64) {
	if n <= 0 {
		return 0, 0
	}
	probation = n / 5
	if probation == 0 {
		probation = 1
	}
	return probation, n - probation
}
