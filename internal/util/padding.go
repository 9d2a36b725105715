// Package util contains internal helpers shared by the cache types.
//revive:disable:var-naming  // allow 'util' as an internal helpers package name
package util

import (
	"sync/atomic"
	"unsafe"
)

// CacheLineSize is the line size assumed for padding (64 on amd64 and most
// arm64 cores; the runtime's own constant is not exported).
const CacheLineSize = 64

// CacheLinePad separates the lock-guarded state of a cache from its hot
// hit/miss counters. Place it between the two groups of fields.
type CacheLinePad struct{ _ [CacheLineSize]byte }

// PaddedAtomicInt64 is an atomic int64 padded to exactly one cache line, so
// the hit and miss counters bumped on every lookup never share a line.
type PaddedAtomicInt64 struct {
	atomic.Int64
	_ [CacheLineSize - 8]byte
}

var _ [CacheLineSize - int(unsafe.Sizeof(PaddedAtomicInt64{}))]byte
