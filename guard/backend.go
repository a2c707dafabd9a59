package guard

//go:generate mockgen -source backend.go -destination mocks/backend.go -package mocks

import (
	"unsafe"

	"github.com/vkngwrapper/heapguard/memutils"
)

// Backend is the general-purpose allocator that the Allocator instruments. Every reservation the
// Allocator makes is obtained from and returned to a Backend.
type Backend interface {
	// Allocate returns size bytes aligned to alignment, or nil if it cannot
	Allocate(alignment uint, size int) unsafe.Pointer
	// Free returns memory obtained from Allocate or Resize
	Free(ptr unsafe.Pointer)
	// UsableSize returns the number of bytes actually available at ptr
	UsableSize(ptr unsafe.Pointer) int
	// SystemBytes returns the bytes the backend has claimed from the system and how many of those are
	// handed out
	SystemBytes() (system int, inUse int)
	// AddressRanges writes the contiguous address ranges the backend manages into out and returns how
	// many were written
	AddressRanges(out *[memutils.MaxAddressRanges]memutils.AddressRange) int
}

// Resizer is implemented by backends that can change the size of a reservation, in place where
// possible. Resize returns nil and leaves ptr untouched if it cannot satisfy the new size. When the
// reservation moves, the leading bytes are copied to the new location.
type Resizer interface {
	Resize(ptr unsafe.Pointer, newSize int) unsafe.Pointer
}

// AccessController is implemented by backends that can revoke access to whole pages of memory they have
// handed out. The quarantine uses it so that touching freed memory faults immediately.
type AccessController interface {
	Revoke(ptr unsafe.Pointer, size int) error
	Restore(ptr unsafe.Pointer, size int) error
	PageSize() int
}
