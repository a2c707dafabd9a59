package guard

import (
	"sync/atomic"
)

// Stats holds the allocator's running counters. Each counter is updated atomically on its own, so a
// reader may observe one counter updated before another.
type Stats struct {
	bytesRequested      atomic.Int64
	bytesReserved       atomic.Int64
	allocationCount     atomic.Int64
	lifetimeAllocations atomic.Int64
}

func (s *Stats) addAllocation(requested, reserved int) {
	s.bytesRequested.Add(int64(requested))
	s.bytesReserved.Add(int64(reserved))
	s.allocationCount.Add(1)
	s.lifetimeAllocations.Add(1)
}

func (s *Stats) removeAllocation(requested, reserved int) {
	s.bytesRequested.Add(int64(-requested))
	s.bytesReserved.Add(int64(-reserved))
	if s.allocationCount.Add(-1) < 0 {
		panic("live allocation count went negative")
	}
}

// resizeAllocation adjusts the byte counters for an allocation whose size changed in place. The
// allocation counts are unchanged.
func (s *Stats) resizeAllocation(requestedDelta, reservedDelta int) {
	s.bytesRequested.Add(int64(requestedDelta))
	s.bytesReserved.Add(int64(reservedDelta))
}

// BytesRequested is the number of payload bytes held by live allocations
func (s *Stats) BytesRequested() int { return int(s.bytesRequested.Load()) }

// BytesReserved is the number of backend bytes held by live allocations, including headers and guards
func (s *Stats) BytesReserved() int { return int(s.bytesReserved.Load()) }

// AllocationCount is the number of live allocations
func (s *Stats) AllocationCount() int { return int(s.allocationCount.Load()) }

// LifetimeAllocations is the number of allocations ever made
func (s *Stats) LifetimeAllocations() int { return int(s.lifetimeAllocations.Load()) }

// Info is a point-in-time summary of the allocator and its backend
type Info struct {
	BytesRequested      int
	BytesReserved       int
	AllocationCount     int
	LifetimeAllocations int

	// SystemBytes is the memory the backend has claimed from the system
	SystemBytes int
	// InUseBytes is the part of SystemBytes handed out by the backend, including quarantined blocks
	InUseBytes int
	// FreeBytes is memory not claimed by the backend at all, within MemoryLimit, plus memory the backend
	// has claimed but not handed out
	FreeBytes int

	QuarantinedBlocks   int
	QuarantinedBytes    int
	QuarantineEvictions int

	TrackingCapacity     int
	TrackedAllocations   int
	UntrackedAllocations int
}
