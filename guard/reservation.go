package guard

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/heapguard/memutils"
)

// freedSentinel replaces BasePtr the moment an allocation is released
const freedSentinel = ^uintptr(0)

// AllocationMetadata is the header written immediately in front of every payload's leading guard
type AllocationMetadata struct {
	// BasePtr is the address of the reservation returned by the backend
	BasePtr uintptr
	// SizeReserved is the number of bytes obtained from the backend
	SizeReserved int
	// SizeRequested is the number of bytes the caller asked for
	SizeRequested int
	// SizeUsable is SizeRequested rounded up to Alignment
	SizeUsable int
	// GuardOffset is where the trailing guard begins, relative to the payload. It matches SizeRequested
	// except after a Reallocate shrank the allocation without moving it.
	GuardOffset int
	// Alignment is the alignment honored for the payload
	Alignment uint
	// CallerAddress is the return address of the call site that made the allocation
	CallerAddress uintptr

	trackerNode int32
}

// Freed reports whether the header carries the freed sentinel
func (m *AllocationMetadata) Freed() bool {
	return m.BasePtr == freedSentinel
}

// reservation is the only place the allocator does pointer arithmetic. It owns one block obtained from
// the backend and exposes the header and payload inside it.
type reservation struct {
	base    unsafe.Pointer
	header  *AllocationMetadata
	payload unsafe.Pointer
}

func newReservation(base unsafe.Pointer, layout Layout) reservation {
	return reservation{
		base:    base,
		header:  (*AllocationMetadata)(unsafe.Add(base, layout.HeaderOffset())),
		payload: unsafe.Add(base, layout.DataOffset),
	}
}

// headerOf returns the metadata header for payload without validating anything
func headerOf(payload unsafe.Pointer, guardWidth int) *AllocationMetadata {
	return (*AllocationMetadata)(unsafe.Add(payload, -(guardWidth + metadataSize)))
}

// reservationFromPayload locates the reservation that owns payload and checks that its header
// describes it. It returns ErrDoubleFree for a released header, and ErrCorruptionDetected marked with
// ErrInvalidPointer for a header that does not match the payload.
func reservationFromPayload(payload unsafe.Pointer, guardWidth int) (reservation, error) {
	header := headerOf(payload, guardWidth)

	if header.Freed() {
		return reservation{}, errors.Wrapf(ErrDoubleFree, "pointer %p was already released", payload)
	}

	dataOffset, ok := dataOffsetFor(header.Alignment, guardWidth)
	if !ok || memutils.CheckPow2(header.Alignment, "alignment") != nil {
		return reservation{}, errors.Mark(
			errors.Wrapf(ErrCorruptionDetected, "metadata header for %p records invalid alignment %d", payload, header.Alignment),
			ErrInvalidPointer)
	}

	base := unsafe.Add(payload, -dataOffset)
	if header.BasePtr != uintptr(base) || header.SizeUsable < header.GuardOffset ||
		header.SizeReserved != dataOffset+header.SizeUsable+guardWidth {
		return reservation{}, errors.Mark(
			errors.Wrapf(ErrCorruptionDetected, "metadata header for %p does not describe it", payload),
			ErrInvalidPointer)
	}

	return reservation{
		base:    base,
		header:  header,
		payload: payload,
	}, nil
}

func (r reservation) fillGuards(guardWidth int) {
	if guardWidth == 0 {
		return
	}

	memutils.FillPattern(r.payload, -guardWidth, guardWidth, memutils.GuardFillPattern)
	r.fillTrailingGuard(guardWidth)
}

func (r reservation) fillTrailingGuard(guardWidth int) {
	if guardWidth == 0 {
		return
	}

	trailing := r.header.SizeUsable + guardWidth - r.header.GuardOffset
	memutils.FillPattern(r.payload, r.header.GuardOffset, trailing, memutils.GuardFillPattern)
}

// checkGuards returns the payload-relative offset of the first overwritten guard byte, or false if
// both guards are intact
func (r reservation) checkGuards(guardWidth int) (int, bool) {
	if guardWidth == 0 {
		return 0, false
	}

	if mismatch := memutils.FindPatternMismatch(r.payload, -guardWidth, guardWidth, memutils.GuardFillPattern); mismatch >= 0 {
		return mismatch - guardWidth, true
	}

	trailing := r.header.SizeUsable + guardWidth - r.header.GuardOffset
	if mismatch := memutils.FindPatternMismatch(r.payload, r.header.GuardOffset, trailing, memutils.GuardFillPattern); mismatch >= 0 {
		return r.header.GuardOffset + mismatch, true
	}

	return 0, false
}

func (r reservation) verifyGuards(guardWidth int) error {
	offset, corrupted := r.checkGuards(guardWidth)
	if !corrupted {
		return nil
	}

	return errors.Wrapf(ErrCorruptionDetected,
		"guard byte at offset %d of %p (requested size %d) was overwritten", offset, r.payload, r.header.SizeRequested)
}

// quarantineSlot captures everything the quarantine needs once the header is no longer trusted
func (r reservation) quarantineSlot(guardWidth int) quarantineSlot {
	return quarantineSlot{
		base:          r.base,
		payload:       r.payload,
		sizeReserved:  r.header.SizeReserved,
		sizeRequested: r.header.SizeRequested,
		fillOffset:    -guardWidth,
		fillSize:      r.header.SizeUsable + 2*guardWidth,
	}
}

// reservationFromHeader rebuilds the reservation around a header the allocator already trusts, such as
// one held by the tracking table
func reservationFromHeader(header *AllocationMetadata, guardWidth int) reservation {
	payload := unsafe.Add(unsafe.Pointer(header), metadataSize+guardWidth)
	dataOffset, _ := dataOffsetFor(header.Alignment, guardWidth)

	return reservation{
		base:    unsafe.Add(payload, -dataOffset),
		header:  header,
		payload: payload,
	}
}
