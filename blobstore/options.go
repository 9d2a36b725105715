package blobstore

import (
	"log/slog"
	"time"

	"github.com/IvanBrykalov/blobcache/cache"
	"github.com/IvanBrykalov/blobcache/policy"
)

const (
	defaultRoot = "blobs"
	tmpDir      = ".tmp"
)

// Options configures a Store. Zero values are safe.
type Options struct {
	// Root is the directory inside the filesystem holding the blobs.
	// Defaults to "blobs".
	Root string

	// Capacity bounds the number of cached blobs (0 = unbounded).
	Capacity int
	// MaxBytes bounds the total size of cached blobs (0 = unbounded). It is
	// split 80/20 between protected and probation, and a blob only stays if
	// it fits the segment it is admitted to. The default fast admission puts
	// new blobs in probation while probation has room, so a blob above 20% of
	// MaxBytes is dropped until probation is full; classic admission never
	// caches it. Fetch still serves such a blob.
	MaxBytes int64

	// Admission selects where new blobs enter the index.
	// nil => slru.FastAdmit.
	Admission policy.Policy[string]

	// Verify makes Put hash the content and reject mismatching digests.
	Verify bool

	// Listeners are notified after an evicted blob file has been deleted,
	// e.g. to decrement reference counts kept elsewhere. A blob evicted while
	// it is still being written is reported first; its file is deleted when
	// the write ends.
	Listeners []cache.EldestRemovedListener[string, int64]

	// FetchTimeout bounds a download started by Fetch (0 = no limit). The
	// download does not follow the callers' contexts: it finishes for the
	// callers still waiting and warms the cache even if all of them left.
	FetchTimeout time.Duration

	Metrics cache.Metrics
	Logger  *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Root == "" {
		o.Root = defaultRoot
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.DiscardHandler)
	}
	return o
}
