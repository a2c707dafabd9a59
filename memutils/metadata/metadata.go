package metadata

import (
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/heapguard/memutils"
	"golang.org/x/exp/slog"
)

// BlockMetadata represents the bookkeeping for a single contiguous region of memory. It manages
// allocations within the region by offset, allowing them to be requested, resized, freed, enumerated
// and queried. It never reads or writes the memory it describes, so the region may be protected or
// corrupted without affecting the bookkeeping.
type BlockMetadata interface {
	// Init must be called before the BlockMetadata is used. It gives the implementation an opportunity
	// to ensure that metadata structures are prepared for allocations, as well as allows the consumer
	// to inform the implementation of the size in bytes of the region it will be managing.
	Init(size int)
	// Size retrieves the size in bytes that the region was initialized with
	Size() int

	// Validate performs internal consistency checks on the metadata. These checks may be expensive.
	// When the implementation is functioning correctly, it should not be possible for this method to
	// return an error, but this may assist in diagnosing issues with the implementation.
	Validate() error
	// SumFreeSize returns the number of free bytes in the region
	SumFreeSize() int
	// IsEmpty will return true if this region has no live allocations
	IsEmpty() bool

	// VisitAllRegions will call the provided callback once for each allocation and free range in
	// the region. This can be slow and should generally only be done for diagnostic purposes.
	VisitAllRegions(handleBlock func(handle BlockAllocationHandle, offset int, size int, userData any, free bool) error) error

	// AllocationSize returns the size in bytes of a live allocation
	AllocationSize(allocHandle BlockAllocationHandle) (int, error)

	// AddDetailedStatistics sums this region's allocation statistics into the provided object
	AddDetailedStatistics(stats *memutils.DetailedStatistics)

	// Clear instantly frees all allocations
	Clear()
	// BlockJsonData populates a json object with information about this region
	BlockJsonData(json jwriter.ObjectState)
	// DebugLogAllAllocations calls logFunc once for every live allocation in the region
	DebugLogAllAllocations(logger *slog.Logger, logFunc func(log *slog.Logger, offset int, size int, userData any))

	// CreateAllocationRequest retrieves an AllocationRequest object indicating where and how the implementation
	// would prefer to allocate the requested memory. That object can be passed to Alloc to commit the
	// allocation. The boolean return value is false when the region has no room for the request.
	CreateAllocationRequest(allocSize int, allocAlignment uint, strategy AllocationStrategy) (bool, AllocationRequest, error)
	// Alloc commits an AllocationRequest object, creating the allocation within the region. The implementation
	// must return an error if the request is no longer valid.
	Alloc(request AllocationRequest, userData any) error
	// Resize attempts to change the size of a live allocation without moving it. It returns false,
	// leaving the allocation untouched, if the neighbouring range cannot absorb the change.
	Resize(allocHandle BlockAllocationHandle, newSize int) (bool, error)

	// Free frees an allocation within the region, causing it to become a free range once again.
	Free(allocHandle BlockAllocationHandle) error
}

// BlockMetadataBase is a simple struct that provides a few shared utilities for BlockMetadata
// implementations.
type BlockMetadataBase struct {
	size int
}

// Init prepares this structure for allocations and sizes the region in bytes based on the parameter size.
func (m *BlockMetadataBase) Init(size int) {
	m.size = size
}

// Size returns the size of the region in bytes
func (m *BlockMetadataBase) Size() int { return m.size }

// BlockJsonData populates a json object with information about this region
func (m *BlockMetadataBase) BlockJsonData(json jwriter.ObjectState, unusedBytes, allocationCount, unusedRangeCount int) {
	json.Name("TotalBytes").Int(m.Size())
	json.Name("UnusedBytes").Int(unusedBytes)
	json.Name("Allocations").Int(allocationCount)
	json.Name("UnusedRanges").Int(unusedRangeCount)
}
