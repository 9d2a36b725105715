package cache

// NoopMetrics is a drop-in Metrics implementation that does nothing.
// It is safe for concurrent use and intended as the default when
// no observability backend is configured.
type NoopMetrics struct{}

func (NoopMetrics) Hit()                           {}
func (NoopMetrics) Miss()                          {}
func (NoopMetrics) Evict(EvictReason)              {}
func (NoopMetrics) Promote()                       {}
func (NoopMetrics) Demote()                        {}
func (NoopMetrics) Size(entries int, weight int64) {}

// Ensure NoopMetrics implements the Metrics interface at compile time.
var _ Metrics = NoopMetrics{}

// segmentMetrics is handed to the two segments of a Segmented cache. Segment
// hits, misses and sizes are reported by the Segmented itself; only evictions
// pass through, and an eviction out of protected is a demotion.
type segmentMetrics struct {
	parent    Metrics
	protected bool
}

func (segmentMetrics) Hit()            {}
func (segmentMetrics) Miss()           {}
func (segmentMetrics) Promote()        {}
func (segmentMetrics) Demote()         {}
func (segmentMetrics) Size(int, int64) {}
func (m segmentMetrics) Evict(r EvictReason) {
	if m.protected {
		m.parent.Demote()
		return
	}
	m.parent.Evict(r)
}
