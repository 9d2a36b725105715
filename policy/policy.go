package policy

// Segment identifies one of the two SLRU segments.
type Segment uint8

const (
	// Probation holds new and not-yet-reused entries. It is the outer ring:
	// the only segment an entry is ever permanently evicted from.
	Probation Segment = iota
	// Protected holds entries that were hit again after admission.
	Protected
)

// String returns a stable lowercase name, suitable for metric labels.
func (s Segment) String() string {
	switch s {
	case Probation:
		return "probation"
	case Protected:
		return "protected"
	default:
		return "unknown"
	}
}

// State is a snapshot of segment fullness taken right before a new key is
// admitted. A segment is full when either its entry count or its weight has
// reached the configured bound; an unbounded segment is never full.
type State struct {
	ProbationFull bool
	ProtectedFull bool
}

// Admission decides which segment a brand-new key enters.
//
// Concurrency: all methods are invoked under the segmented cache lock.
// Implementations need no synchronization of their own but must not call
// back into the cache.
//
// Semantics:
//   - Admit is only consulted for keys absent from both segments. Keys that
//     are already resident are promoted by the cache itself.
//   - Forget is a notification that k left the cache through probation
//     eviction. Explicit removals are not reported.
type Admission[K comparable] interface {
	Admit(k K, s State) Segment
	Forget(k K)
}

// Policy is a factory that creates a cache-local Admission instance.
// Stateful policies (e.g. ghost tracking) must not be shared between caches,
// so the cache asks the factory for its own instance.
type Policy[K comparable] interface {
	New() Admission[K]
}
