package blobstore

import "errors"

var (
	// ErrNotCached is returned when a digest has no usable local copy.
	ErrNotCached = errors.New("blobstore: blob not cached")
	// ErrInvalidDigest is returned for digests that are not lowercase hex.
	ErrInvalidDigest = errors.New("blobstore: invalid digest")
	// ErrDigestMismatch is returned by Put when Options.Verify is set and the
	// content does not hash to the digest.
	ErrDigestMismatch = errors.New("blobstore: content does not match digest")
	// ErrTooLarge is returned by Put when the blob alone exceeds the bound
	// of the segment it was admitted to and was dropped right away.
	ErrTooLarge = errors.New("blobstore: blob exceeds cache bounds")
)
