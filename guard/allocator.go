package guard

import (
	"context"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/heapguard/memutils"
	"golang.org/x/exp/slog"
)

// Allocator sits between every call site and a Backend. Each reservation it makes carries a metadata
// header and guard bytes around the payload, is registered in a fixed-capacity tracking table and,
// once released, is held in a quarantine before the backend gets it back.
type Allocator struct {
	logger       *slog.Logger
	backend      Backend
	resizer      Resizer
	createFlags  CreateFlags
	minAlignment uint
	guardWidth   int
	memoryLimit  int
	oomGraphPath string

	tracker    *tracker
	quarantine *quarantine
	callbacks  eventCallbacks
	stats      Stats

	frame  atomic.Uint64
	closed atomic.Bool

	diagnosticsMutex sync.Mutex
	fragmentation    *FragmentationMap
	callerBuffer     []byte
}

// GuardWidth returns the number of guard bytes on each side of every payload
func (a *Allocator) GuardWidth() int {
	return a.guardWidth
}

// Stats returns the allocator's running counters
func (a *Allocator) Stats() *Stats {
	return &a.stats
}

// Allocations returns an iterator over every tracked allocation
func (a *Allocator) Allocations() AllocationIterator {
	return AllocationIterator{tracker: a.tracker}
}

// Allocate reserves size bytes aligned to alignment. An alignment of 0, or one below the platform
// minimum, is raised to the minimum. skipFrames is the number of stack frames above the caller of
// Allocate to skip when attributing the allocation, for use by wrappers.
//
// When the backend cannot supply the reservation, the quarantine is flushed and the request retried
// once. If that fails too, ErrOutOfMemory is returned, or the process panics after dumping
// diagnostics when CreateCrashOnNull is set.
func (a *Allocator) Allocate(alignment uint, size int, skipFrames int) (unsafe.Pointer, error) {
	a.logger.Debug("Allocator::Allocate", slog.Int("Size", size), slog.Int("Alignment", int(alignment)))

	if a.closed.Load() {
		return nil, ErrClosed
	}

	return a.allocate(alignment, size, skipFrames+1)
}

func (a *Allocator) clampAlignment(alignment uint) (uint, error) {
	if alignment <= a.minAlignment {
		return a.minAlignment, nil
	}

	return alignment, memutils.CheckPow2(alignment, "alignment")
}

func (a *Allocator) allocate(alignment uint, size int, skip int) (unsafe.Pointer, error) {
	if size < 0 {
		return nil, errors.Newf("allocation size must not be negative, but was %d", size)
	}

	alignment, err := a.clampAlignment(alignment)
	if err != nil {
		return nil, err
	}

	layout, ok := ComputeLayout(alignment, size, a.guardWidth)
	if !ok {
		return nil, a.outOfMemory(size, alignment)
	}

	base, err := a.withQuarantineRetry(func() unsafe.Pointer {
		return a.backend.Allocate(layout.Alignment, layout.ReservationSize)
	})
	if err != nil {
		return nil, err
	}
	if base == nil {
		return nil, a.outOfMemory(size, alignment)
	}

	res := newReservation(base, layout)
	*res.header = AllocationMetadata{
		BasePtr:       uintptr(base),
		SizeReserved:  layout.ReservationSize,
		SizeRequested: size,
		SizeUsable:    layout.SizeAligned,
		GuardOffset:   size,
		Alignment:     alignment,
	}
	res.fillGuards(a.guardWidth)

	if a.createFlags&CreateFillAllocations != 0 {
		memutils.FillPattern(res.payload, 0, size, memutils.CreatedFillPattern)
	}

	a.register(res, skip+1)
	a.stats.addAllocation(size, layout.ReservationSize)

	return res.payload, nil
}

// register attributes a freshly written header to its call site, places it in the tracking table and
// reports it to the event sink
func (a *Allocator) register(res reservation, skip int) {
	var callers [MaxCallerFrames]uintptr
	count := captureCallers(skip, &callers)
	if count > 0 {
		res.header.CallerAddress = callers[0]
	}

	if !a.tracker.track(res.header) {
		a.logger.LogAttrs(context.Background(), slog.LevelWarn, "allocation will not appear in diagnostics",
			slog.Any("error", ErrTrackingCapacityExceeded),
			slog.Int("capacity", a.tracker.capacity()),
			slog.String("payload", formatAddress(uintptr(res.payload))),
		)
	}

	a.callbacks.Allocate(uintptr(res.payload), res.header.SizeRequested, a.frame.Load(), callers[:count])
}

// withQuarantineRetry calls reserve, and if it fails, flushes the quarantine and calls it once more if
// that released anything
func (a *Allocator) withQuarantineRetry(reserve func() unsafe.Pointer) (unsafe.Pointer, error) {
	ptr := reserve()
	if ptr != nil {
		return ptr, nil
	}

	flushed, err := a.quarantine.flush()
	if err != nil {
		return nil, a.fatal(err)
	}
	if flushed == 0 {
		return nil, nil
	}

	a.logger.Debug("flushed quarantine to satisfy allocation", slog.Int("flushed", flushed))
	return reserve(), nil
}

func (a *Allocator) outOfMemory(size int, alignment uint) error {
	err := errors.Wrapf(ErrOutOfMemory, "could not reserve %d bytes aligned to %d", size, alignment)
	a.logger.LogAttrs(context.Background(), slog.LevelError, "out of memory",
		slog.Int("size", size),
		slog.Int("alignment", int(alignment)),
	)

	if a.createFlags&CreateCrashOnNull != 0 {
		a.dumpDiagnostics()

		if a.oomGraphPath != "" {
			_, graphErr := a.DumpFragmentationGraph(a.oomGraphPath)
			if graphErr != nil {
				a.logger.LogAttrs(context.Background(), slog.LevelError, "could not write fragmentation graph",
					slog.String("path", a.oomGraphPath),
					slog.Any("error", graphErr))
			}
		}

		panic(err)
	}

	return err
}

// fatal reports a double free or corruption. With CreateCrashOnCorruption it dumps diagnostics and
// panics, otherwise it returns err.
func (a *Allocator) fatal(err error) error {
	a.logger.LogAttrs(context.Background(), slog.LevelError, "heap corruption detected", slog.Any("error", err))

	if a.createFlags&CreateCrashOnCorruption != 0 {
		a.dumpDiagnostics()
		panic(err)
	}

	return err
}

func (a *Allocator) dumpDiagnostics() {
	info := a.GetInfo()
	a.logger.LogAttrs(context.Background(), slog.LevelError, "allocator statistics",
		slog.Int("bytesRequested", info.BytesRequested),
		slog.Int("bytesReserved", info.BytesReserved),
		slog.Int("allocationCount", info.AllocationCount),
		slog.Int("lifetimeAllocations", info.LifetimeAllocations),
		slog.Int("systemBytes", info.SystemBytes),
		slog.Int("inUseBytes", info.InUseBytes),
		slog.Int("freeBytes", info.FreeBytes),
		slog.Int("quarantinedBlocks", info.QuarantinedBlocks),
		slog.Int("quarantinedBytes", info.QuarantinedBytes),
		slog.Int("untrackedAllocations", info.UntrackedAllocations),
	)
}

// open locates the reservation for a payload handed out earlier and verifies its guard bytes
func (a *Allocator) open(ptr unsafe.Pointer) (reservation, error) {
	res, err := reservationFromPayload(ptr, a.guardWidth)
	if err != nil {
		return reservation{}, err
	}

	return res, res.verifyGuards(a.guardWidth)
}

// Reallocate changes the size of the allocation at ptr, returning the payload's new address. A nil ptr
// behaves as Allocate with the minimum alignment. The alignment of the original allocation is kept.
//
// If the backend implements Resizer, the reservation is resized in place or moved by the backend.
// Otherwise, a shrink or a growth that fits the original alignment slack is applied in place, and
// anything larger is allocated anew, the leading bytes copied, and the old allocation released through
// the quarantine. That fallback fragments the heap far more than a native resize.
//
// An in-place shrink on the fallback path leaves the trailing guard where the largest earlier size put
// it. Writes between the new size and that point go undetected until the allocation is released; only
// writes into the guard itself are reported.
//
// A nil result with ErrOutOfMemory leaves the original allocation untouched. A non-nil result can come
// with an error if releasing the old allocation uncovered corruption in a quarantined block.
func (a *Allocator) Reallocate(ptr unsafe.Pointer, size int, skipFrames int) (unsafe.Pointer, error) {
	a.logger.Debug("Allocator::Reallocate", slog.Int("Size", size))

	if a.closed.Load() {
		return nil, ErrClosed
	}

	if ptr == nil {
		return a.allocate(0, size, skipFrames+1)
	}

	if size < 0 {
		return nil, errors.Newf("allocation size must not be negative, but was %d", size)
	}

	res, err := a.open(ptr)
	if err != nil {
		return nil, a.fatal(err)
	}

	if a.resizer != nil {
		return a.resize(res, size, skipFrames+1)
	}

	return a.reallocateFallback(res, size, skipFrames+1)
}

func (a *Allocator) resize(res reservation, size int, skip int) (unsafe.Pointer, error) {
	old := *res.header

	layout, ok := ComputeLayout(old.Alignment, size, a.guardWidth)
	if !ok {
		return nil, a.outOfMemory(size, old.Alignment)
	}

	a.tracker.untrack(res.header)

	// If the backend moves the block, the header left at the old address must read as released
	res.header.BasePtr = freedSentinel

	base, err := a.withQuarantineRetry(func() unsafe.Pointer {
		return a.resizer.Resize(res.base, layout.ReservationSize)
	})
	if err == nil && base == nil {
		err = a.outOfMemory(size, old.Alignment)
	}
	if err != nil {
		res.header.BasePtr = uintptr(res.base)
		if !a.tracker.track(res.header) {
			a.logger.Warn("allocation dropped from tracking after failed resize", slog.Any("error", ErrTrackingCapacityExceeded))
		}
		return nil, err
	}

	// The backend copied the header along with the payload
	moved := newReservation(base, layout)
	moved.header.BasePtr = uintptr(base)
	moved.header.SizeReserved = layout.ReservationSize
	moved.header.SizeRequested = size
	moved.header.SizeUsable = layout.SizeAligned
	moved.header.GuardOffset = size
	moved.fillGuards(a.guardWidth)

	if preserved := min(old.GuardOffset, size); a.createFlags&CreateFillAllocations != 0 && size > preserved {
		memutils.FillPattern(moved.payload, preserved, size-preserved, memutils.CreatedFillPattern)
	}

	a.callbacks.Free(uintptr(res.payload), old.SizeRequested, a.frame.Load())
	a.register(moved, skip+1)
	a.stats.resizeAllocation(size-old.SizeRequested, layout.ReservationSize-old.SizeReserved)

	return moved.payload, nil
}

func (a *Allocator) reallocateFallback(res reservation, size int, skip int) (unsafe.Pointer, error) {
	header := res.header

	layout, ok := ComputeLayout(header.Alignment, size, a.guardWidth)
	if !ok {
		return nil, a.outOfMemory(size, header.Alignment)
	}

	if layout.SizeAligned <= header.SizeUsable {
		// The trailing guard only ever moves outward here, so shrinking keeps the bytes past size intact
		if size > header.GuardOffset {
			if a.createFlags&CreateFillAllocations != 0 {
				memutils.FillPattern(res.payload, header.GuardOffset, size-header.GuardOffset, memutils.CreatedFillPattern)
			}
			header.GuardOffset = size
		}

		a.callbacks.Free(uintptr(res.payload), header.SizeRequested, a.frame.Load())
		a.stats.resizeAllocation(size-header.SizeRequested, 0)
		header.SizeRequested = size

		a.tracker.untrack(header)
		a.register(res, skip+1)

		return res.payload, nil
	}

	ptr, err := a.allocate(header.Alignment, size, skip+1)
	if err != nil {
		return nil, err
	}

	preserved := min(header.GuardOffset, size)
	copy(unsafe.Slice((*byte)(ptr), preserved), unsafe.Slice((*byte)(res.payload), preserved))

	return ptr, a.release(res)
}

// Deallocate releases the allocation at ptr into the quarantine. A nil ptr is ignored. Releasing a
// pointer twice returns ErrDoubleFree, and overwritten guard bytes return ErrCorruptionDetected, unless
// CreateCrashOnCorruption turns either into a panic.
func (a *Allocator) Deallocate(ptr unsafe.Pointer) error {
	if ptr == nil {
		return nil
	}

	a.logger.Debug("Allocator::Deallocate")

	res, err := a.open(ptr)
	if err != nil {
		return a.fatal(err)
	}

	return a.release(res)
}

func (a *Allocator) release(res reservation) error {
	header := res.header

	a.tracker.untrack(header)
	a.stats.removeAllocation(header.SizeRequested, header.SizeReserved)
	a.callbacks.Free(uintptr(res.payload), header.SizeRequested, a.frame.Load())

	slot := res.quarantineSlot(a.guardWidth)
	header.BasePtr = freedSentinel

	err := a.quarantine.admit(slot)
	if err != nil {
		return a.fatal(err)
	}

	return nil
}

// UsableSize returns the number of bytes at ptr the caller may write without touching a guard byte,
// or 0 for nil or a pointer whose header cannot be read
func (a *Allocator) UsableSize(ptr unsafe.Pointer) int {
	if ptr == nil {
		return 0
	}

	res, err := reservationFromPayload(ptr, a.guardWidth)
	if err != nil {
		return 0
	}

	if a.guardWidth > 0 {
		return res.header.GuardOffset
	}
	return res.header.SizeUsable
}

// Bytes returns the requested bytes of the allocation at ptr as a slice, or nil for nil or a pointer
// whose header cannot be read
func (a *Allocator) Bytes(ptr unsafe.Pointer) []byte {
	if ptr == nil {
		return nil
	}

	res, err := reservationFromPayload(ptr, a.guardWidth)
	if err != nil {
		return nil
	}

	return unsafe.Slice((*byte)(ptr), res.header.SizeRequested)
}

// GetInfo combines the allocator's counters with a live query of the backend. Free memory is whatever
// the backend has not claimed within MemoryLimit, plus what it has claimed but not handed out.
func (a *Allocator) GetInfo() Info {
	system, inUse := a.backend.SystemBytes()
	quarantinedBlocks, quarantinedBytes := a.quarantine.occupancy()

	free := system - inUse
	if a.memoryLimit > system {
		free += a.memoryLimit - system
	}

	return Info{
		BytesRequested:      a.stats.BytesRequested(),
		BytesReserved:       a.stats.BytesReserved(),
		AllocationCount:     a.stats.AllocationCount(),
		LifetimeAllocations: a.stats.LifetimeAllocations(),

		SystemBytes: system,
		InUseBytes:  inUse,
		FreeBytes:   free,

		QuarantinedBlocks:   quarantinedBlocks,
		QuarantinedBytes:    quarantinedBytes,
		QuarantineEvictions: int(a.quarantine.evictions.Load()),

		TrackingCapacity:     a.tracker.capacity(),
		TrackedAllocations:   a.tracker.inUseCount(),
		UntrackedAllocations: int(a.tracker.dropped.Load()),
	}
}

// CheckCorruption verifies the guard bytes of every tracked allocation and the fill pattern of every
// quarantined block that is still readable
func (a *Allocator) CheckCorruption() error {
	a.logger.Debug("Allocator::CheckCorruption")

	var corrupted reservation
	found := false
	a.tracker.visit(func(header *AllocationMetadata) bool {
		res := reservationFromHeader(header, a.guardWidth)
		if _, bad := res.checkGuards(a.guardWidth); bad {
			corrupted = res
			found = true
			return false
		}
		return true
	})

	var err error
	if found {
		err = corrupted.verifyGuards(a.guardWidth)
	}

	err = errors.CombineErrors(err, a.quarantine.verifyAll())
	if err != nil {
		return a.fatal(err)
	}

	return nil
}

// FlushQuarantine returns every quarantined block to the backend after verifying its fill pattern
func (a *Allocator) FlushQuarantine() error {
	flushed, err := a.quarantine.flush()
	a.logger.Debug("Allocator::FlushQuarantine", slog.Int("flushed", flushed))

	if err != nil {
		return a.fatal(err)
	}

	return nil
}

// AdvanceFrame moves the logical frame counter that tags every event forward and samples the live
// counters into the event sink. It returns the new frame.
func (a *Allocator) AdvanceFrame() uint64 {
	frame := a.frame.Add(1)

	a.callbacks.Counter("live_bytes", int64(a.stats.BytesRequested()), frame)
	a.callbacks.Counter("live_allocations", int64(a.stats.AllocationCount()), frame)

	return frame
}

// Frame returns the current logical frame
func (a *Allocator) Frame() uint64 {
	return a.frame.Load()
}

// WriteFragmentationGraph builds the occupancy map of the backend's address ranges and writes it to w
// as a PGM image
func (a *Allocator) WriteFragmentationGraph(w io.Writer) (FragmentationReport, error) {
	a.diagnosticsMutex.Lock()
	defer a.diagnosticsMutex.Unlock()

	var ranges [memutils.MaxAddressRanges]memutils.AddressRange
	count := a.backend.AddressRanges(&ranges)

	iterator := a.Allocations()
	report := a.fragmentation.Build(ranges[:count], &iterator)

	a.logger.LogAttrs(context.Background(), slog.LevelInfo, "fragmentation graph",
		slog.Int("blockSize", report.BlockSize),
		slog.Int("cells", report.Cells),
		slog.Int("usedCells", report.UsedCells),
		slog.Int("largestFreeBytes", report.LargestFreeBytes()),
		slog.String("largestFreeAddress", formatAddress(report.LargestFreeRunAddress)),
	)

	return report, a.fragmentation.WritePGM(w)
}

// DumpFragmentationGraph writes the occupancy map of the backend's address ranges to a PGM image at path
func (a *Allocator) DumpFragmentationGraph(path string) (FragmentationReport, error) {
	file, err := os.Create(path)
	if err != nil {
		return FragmentationReport{}, errors.Wrap(err, "create fragmentation graph")
	}

	report, err := a.WriteFragmentationGraph(file)
	return report, errors.CombineErrors(err, file.Close())
}

// Close flushes the quarantine and logs every allocation that is still live. It returns an error if
// any are, or if a quarantined block was corrupted. The backend is left open.
func (a *Allocator) Close() error {
	if !a.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}

	_, err := a.quarantine.flush()

	a.tracker.visit(func(header *AllocationMetadata) bool {
		a.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] unfreed allocation",
			slog.String("caller", formatAddress(header.CallerAddress)),
			slog.Int("sizeRequested", header.SizeRequested),
			slog.Int("sizeReserved", header.SizeReserved),
		)
		return true
	})

	if live := a.stats.AllocationCount(); live > 0 {
		err = errors.CombineErrors(err, errors.Newf("%d allocations were not released before the allocator was closed", live))
	}

	return err
}
