package cache

import (
	"fmt"
	"log/slog"
)

// EldestRemovedListener is notified whenever an entry is evicted because a
// capacity or weight bound was exceeded. Explicit Remove calls are not
// evictions and are not reported.
//
// Listeners are invoked after the cache has committed its bookkeeping and
// released its lock, so they may block (e.g. delete a file) or call back into
// the cache.
type EldestRemovedListener[K comparable, V any] interface {
	OnEldestRemoved(k K, v V)
}

// ListenerFunc adapts a plain function to EldestRemovedListener.
type ListenerFunc[K comparable, V any] func(k K, v V)

// OnEldestRemoved calls f(k, v).
func (f ListenerFunc[K, V]) OnEldestRemoved(k K, v V) { f(k, v) }

// notify delivers every evicted entry to every listener in registration
// order. A panicking listener is logged and skipped; the rest still run.
func notify[K comparable, V any](log *slog.Logger, ls []EldestRemovedListener[K, V], evicted []entry[K, V]) {
	for _, e := range evicted {
		for _, l := range ls {
			callListener(log, l, e)
		}
	}
}

func callListener[K comparable, V any](log *slog.Logger, l EldestRemovedListener[K, V], e entry[K, V]) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("eviction listener panicked",
				slog.String("key", fmt.Sprint(e.key)),
				slog.Any("panic", r),
			)
		}
	}()
	l.OnEldestRemoved(e.key, e.val)
}
