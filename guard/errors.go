package guard

import "github.com/cockroachdb/errors"

var (
	// ErrOutOfMemory is returned when the backend cannot supply a reservation, even after the
	// quarantine has been flushed
	ErrOutOfMemory = errors.New("out of memory")
	// ErrDoubleFree is returned when a pointer is released whose metadata already carries the
	// freed sentinel
	ErrDoubleFree = errors.New("double free")
	// ErrCorruptionDetected is returned when guard bytes, a quarantined block's fill pattern or a
	// metadata header no longer hold the values the allocator wrote into them
	ErrCorruptionDetected = errors.New("memory corruption detected")
	// ErrTrackingCapacityExceeded is logged when an allocation could not be placed into the tracking
	// table. The allocation itself still succeeds.
	ErrTrackingCapacityExceeded = errors.New("tracking table capacity exceeded")
	// ErrInvalidPointer marks corruption reports where the metadata header in front of a payload does
	// not describe that payload, usually because the pointer was never returned by this allocator
	ErrInvalidPointer = errors.New("pointer was not allocated by this allocator")
	// ErrClosed is returned from entry points called after Close
	ErrClosed = errors.New("allocator is closed")
)
