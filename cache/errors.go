package cache

import "errors"

var (
	// ErrInvalidCapacity is returned when an entry count bound is negative
	// (or, for a segmented cache, cannot be split between segments).
	ErrInvalidCapacity = errors.New("cache: invalid capacity")

	// ErrInvalidWeight is returned when a weight bound is negative (or, for a
	// segmented cache, cannot be split between segments).
	ErrInvalidWeight = errors.New("cache: invalid max weight")
)
