package guard

import (
	"unsafe"

	"github.com/vkngwrapper/heapguard/memutils"
)

// metadataSize is the room reserved for an AllocationMetadata header, rounded so that the guard
// bytes after it start on a word boundary
var metadataSize = memutils.AlignUp(int(unsafe.Sizeof(AllocationMetadata{})), 8)

// Layout describes how a single reservation is carved up. Reading from the start of the reservation:
// alignment padding, the metadata header, the leading guard, the payload, the slack needed to round the
// payload up to the alignment, and the trailing guard. The payload starts DataOffset bytes in.
type Layout struct {
	Alignment       uint
	SizeRequested   int
	SizeAligned     int
	GuardWidth      int
	DataOffset      int
	ReservationSize int
}

// HeaderOffset is the distance from the start of the reservation to the metadata header
func (l Layout) HeaderOffset() int {
	return l.DataOffset - l.GuardWidth - metadataSize
}

// ComputeLayout derives the Layout for a payload of requestedSize bytes aligned to alignment, with
// guardWidth guard bytes on each side. It reports false when alignment is not a power of two, a size is
// negative, or the reservation would not fit in an int.
func ComputeLayout(alignment uint, requestedSize int, guardWidth int) (Layout, bool) {
	if requestedSize < 0 || guardWidth < 0 || memutils.CheckPow2(alignment, "alignment") != nil {
		return Layout{}, false
	}

	sizeAligned, ok := memutils.AlignUpChecked(requestedSize, alignment)
	if !ok {
		return Layout{}, false
	}

	dataOffset, ok := dataOffsetFor(alignment, guardWidth)
	if !ok {
		return Layout{}, false
	}

	reservationSize, ok := memutils.AddChecked(dataOffset, sizeAligned, guardWidth)
	if !ok {
		return Layout{}, false
	}

	return Layout{
		Alignment:       alignment,
		SizeRequested:   requestedSize,
		SizeAligned:     sizeAligned,
		GuardWidth:      guardWidth,
		DataOffset:      dataOffset,
		ReservationSize: reservationSize,
	}, true
}

func dataOffsetFor(alignment uint, guardWidth int) (int, bool) {
	return memutils.AlignUpChecked(metadataSize+guardWidth, alignment)
}
