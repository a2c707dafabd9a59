package guard

import (
	"io"
	"runtime"
	"strings"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/heapguard/arena"
	"github.com/vkngwrapper/heapguard/memutils"
	"golang.org/x/exp/slog"
)

type AllocatorSetup struct {
	AllocatorOptions CreateOptions
	ArenaOptions     arena.Options
	// HideResize wraps the arena so that it no longer implements Resizer or AccessController
	HideResize bool
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func readyAllocator(t *testing.T, setup AllocatorSetup) (*arena.Arena, *Allocator) {
	if setup.ArenaOptions.RegionSize == 0 {
		setup.ArenaOptions.RegionSize = 1024 * 1024
	}

	backingArena, err := arena.New(testLogger(), setup.ArenaOptions)
	require.NoError(t, err)

	var backend Backend = backingArena
	if setup.HideResize {
		backend = struct{ Backend }{backingArena}
	}

	allocator, err := New(testLogger(), backend, setup.AllocatorOptions)
	require.NoError(t, err)

	return backingArena, allocator
}

func payloadBytes(ptr unsafe.Pointer, size int) []byte {
	return unsafe.Slice((*byte)(ptr), size)
}

func TestNewValidatesOptions(t *testing.T) {
	backingArena, err := arena.New(testLogger(), arena.Options{})
	require.NoError(t, err)

	_, err = New(testLogger(), nil, CreateOptions{})
	require.Error(t, err)

	_, err = New(testLogger(), backingArena, CreateOptions{MinAlignment: 24})
	require.ErrorIs(t, err, memutils.PowerOfTwoError)

	_, err = New(testLogger(), backingArena, CreateOptions{MinAlignment: 4})
	require.Error(t, err)

	_, err = New(testLogger(), backingArena, CreateOptions{GuardWidth: 12})
	require.Error(t, err)

	_, err = New(testLogger(), backingArena, CreateOptions{Quarantine: QuarantineOptions{Capacity: -1}})
	require.Error(t, err)

	allocator, err := New(testLogger(), backingArena, CreateOptions{Flags: CreateDisableGuards | CreateDisableResize, GuardWidth: 32})
	require.NoError(t, err)
	require.Equal(t, 0, allocator.GuardWidth())
	require.Nil(t, allocator.resizer)

	allocator, err = New(testLogger(), backingArena, CreateOptions{})
	require.NoError(t, err)
	require.Equal(t, defaultGuardWidth, allocator.GuardWidth())
	require.Equal(t, defaultMinAlignment, allocator.minAlignment)
	require.Equal(t, defaultTrackingCapacity, allocator.tracker.capacity())
	require.NotNil(t, allocator.resizer)
}

func TestAllocateExampleLayout(t *testing.T) {
	backingArena, allocator := readyAllocator(t, AllocatorSetup{
		AllocatorOptions: CreateOptions{GuardWidth: 8},
	})

	ptr, err := allocator.Allocate(16, 64, 0)
	require.NoError(t, err)
	require.NotNil(t, ptr)
	require.Zero(t, uintptr(ptr)%16)

	header := headerOf(ptr, 8)
	dataOffset := memutils.AlignUp(metadataSize+8, 16)
	require.Equal(t, 64, header.SizeUsable)
	require.Equal(t, 64, header.SizeRequested)
	require.Equal(t, uint(16), header.Alignment)
	require.Equal(t, dataOffset+64+8, header.SizeReserved)
	require.Equal(t, uintptr(ptr)-uintptr(dataOffset), header.BasePtr)

	require.Equal(t, -1, memutils.FindPatternMismatch(ptr, -8, 8, memutils.GuardFillPattern))
	require.Equal(t, -1, memutils.FindPatternMismatch(ptr, 64, 8, memutils.GuardFillPattern))

	require.Equal(t, 64, allocator.UsableSize(ptr))
	require.Len(t, allocator.Bytes(ptr), 64)

	// In-bounds writes never look like corruption
	memutils.FillPattern(ptr, 0, 64, 0x11)
	require.NoError(t, allocator.CheckCorruption())
	require.NoError(t, allocator.Deallocate(ptr))

	require.NoError(t, allocator.Close())
	require.NoError(t, backingArena.Close())
}

func TestAllocateClampsAlignment(t *testing.T) {
	_, allocator := readyAllocator(t, AllocatorSetup{})

	ptr, err := allocator.Allocate(0, 10, 0)
	require.NoError(t, err)
	require.Equal(t, defaultMinAlignment, headerOf(ptr, allocator.GuardWidth()).Alignment)

	aligned, err := allocator.Allocate(256, 10, 0)
	require.NoError(t, err)
	require.Zero(t, uintptr(aligned)%256)

	_, err = allocator.Allocate(48, 10, 0)
	require.ErrorIs(t, err, memutils.PowerOfTwoError)

	_, err = allocator.Allocate(16, -1, 0)
	require.Error(t, err)

	require.NoError(t, allocator.Deallocate(ptr))
	require.NoError(t, allocator.Deallocate(aligned))
}

func TestAllocateFill(t *testing.T) {
	_, allocator := readyAllocator(t, AllocatorSetup{
		AllocatorOptions: CreateOptions{
			Flags:      CreateFillAllocations,
			Quarantine: QuarantineOptions{Capacity: 4},
		},
	})

	ptr, err := allocator.Allocate(16, 100, 0)
	require.NoError(t, err)
	require.Equal(t, -1, memutils.FindPatternMismatch(ptr, 0, 100, memutils.CreatedFillPattern))

	require.NoError(t, allocator.Deallocate(ptr))
	require.Equal(t, -1, memutils.FindPatternMismatch(ptr, 0, 112, memutils.FreedFillPattern))
	require.True(t, headerOf(ptr, allocator.GuardWidth()).Freed())

	require.NoError(t, allocator.Close())
}

func TestGuardOverflowOnDeallocate(t *testing.T) {
	_, allocator := readyAllocator(t, AllocatorSetup{})

	ptr, err := allocator.Allocate(16, 100, 0)
	require.NoError(t, err)

	// One past the end lands in alignment slack, which is still guarded
	payloadBytes(ptr, 101)[100] = 0
	err = allocator.Deallocate(ptr)
	require.ErrorIs(t, err, ErrCorruptionDetected)
	require.Contains(t, err.Error(), "offset 100")
	require.Equal(t, 1, allocator.GetInfo().AllocationCount)
}

func TestGuardUnderflowOnDeallocate(t *testing.T) {
	_, allocator := readyAllocator(t, AllocatorSetup{})

	ptr, err := allocator.Allocate(16, 32, 0)
	require.NoError(t, err)

	*(*byte)(unsafe.Add(ptr, -1)) = 0
	err = allocator.Deallocate(ptr)
	require.ErrorIs(t, err, ErrCorruptionDetected)
	require.Contains(t, err.Error(), "offset -1")
}

func TestGuardOverflowOnReallocate(t *testing.T) {
	for _, hideResize := range []bool{false, true} {
		_, allocator := readyAllocator(t, AllocatorSetup{HideResize: hideResize})

		ptr, err := allocator.Allocate(16, 64, 0)
		require.NoError(t, err)

		payloadBytes(ptr, 65)[64] = 0
		moved, err := allocator.Reallocate(ptr, 128, 0)
		require.ErrorIs(t, err, ErrCorruptionDetected)
		require.Nil(t, moved)
	}
}

func TestCrashOnCorruption(t *testing.T) {
	_, allocator := readyAllocator(t, AllocatorSetup{
		AllocatorOptions: CreateOptions{Flags: CreateCrashOnCorruption},
	})

	ptr, err := allocator.Allocate(16, 40, 0)
	require.NoError(t, err)

	payloadBytes(ptr, 41)[40] = 0
	require.Panics(t, func() {
		_ = allocator.Deallocate(ptr)
	})
}

func TestDoubleFree(t *testing.T) {
	_, allocator := readyAllocator(t, AllocatorSetup{
		AllocatorOptions: CreateOptions{Quarantine: QuarantineOptions{Capacity: 8}},
	})

	ptr, err := allocator.Allocate(16, 64, 0)
	require.NoError(t, err)

	require.NoError(t, allocator.Deallocate(ptr))
	require.ErrorIs(t, allocator.Deallocate(ptr), ErrDoubleFree)

	_, err = allocator.Reallocate(ptr, 10, 0)
	require.ErrorIs(t, err, ErrDoubleFree)

	require.Equal(t, 0, allocator.GetInfo().AllocationCount)
	require.NoError(t, allocator.Close())
}

func TestDeallocateForeignPointer(t *testing.T) {
	_, allocator := readyAllocator(t, AllocatorSetup{})

	foreign := make([]byte, 256)
	ptr := unsafe.Pointer(&foreign[128])

	err := allocator.Deallocate(ptr)
	require.ErrorIs(t, err, ErrCorruptionDetected)
	require.ErrorIs(t, err, ErrInvalidPointer)
	require.Equal(t, 0, allocator.UsableSize(ptr))
	require.Nil(t, allocator.Bytes(ptr))

	require.NoError(t, allocator.Deallocate(nil))
	require.Equal(t, 0, allocator.UsableSize(nil))
}

func TestReallocateNilAllocates(t *testing.T) {
	_, allocator := readyAllocator(t, AllocatorSetup{})

	ptr, err := allocator.Reallocate(nil, 48, 0)
	require.NoError(t, err)
	require.NotNil(t, ptr)
	require.Equal(t, 48, allocator.UsableSize(ptr))

	require.NoError(t, allocator.Deallocate(ptr))
	require.NoError(t, allocator.Close())
}

func TestReallocateFallbackPreservesContents(t *testing.T) {
	backingArena, allocator := readyAllocator(t, AllocatorSetup{HideResize: true})
	require.Nil(t, allocator.resizer)

	ptr, err := allocator.Allocate(16, 100, 0)
	require.NoError(t, err)
	for i, b := 0, payloadBytes(ptr, 100); i < 100; i++ {
		b[i] = byte(i)
	}

	shrunk, err := allocator.Reallocate(ptr, 0, 0)
	require.NoError(t, err)
	require.Equal(t, ptr, shrunk)
	require.Equal(t, 0, allocator.GetInfo().BytesRequested)

	grown, err := allocator.Reallocate(shrunk, 200, 0)
	require.NoError(t, err)
	require.NotEqual(t, shrunk, grown)

	contents := payloadBytes(grown, 200)
	for i := 0; i < 100; i++ {
		require.Equal(t, byte(i), contents[i])
	}

	info := allocator.GetInfo()
	require.Equal(t, 1, info.AllocationCount)
	require.Equal(t, 200, info.BytesRequested)
	require.Equal(t, 1, info.TrackedAllocations)

	require.NoError(t, allocator.CheckCorruption())
	require.NoError(t, allocator.Deallocate(grown))
	require.NoError(t, allocator.Close())
	require.NoError(t, backingArena.Close())
}

func TestReallocateFallbackGrowsIntoSlack(t *testing.T) {
	_, allocator := readyAllocator(t, AllocatorSetup{HideResize: true})

	ptr, err := allocator.Allocate(64, 10, 0)
	require.NoError(t, err)

	grown, err := allocator.Reallocate(ptr, 60, 0)
	require.NoError(t, err)
	require.Equal(t, ptr, grown)
	require.Equal(t, 60, allocator.UsableSize(grown))

	// The guard followed the payload out to the new size
	payloadBytes(grown, 61)[60] = 0
	require.ErrorIs(t, allocator.Deallocate(grown), ErrCorruptionDetected)
}

func TestReallocateFallbackShrinkKeepsGuard(t *testing.T) {
	_, allocator := readyAllocator(t, AllocatorSetup{HideResize: true})
	require.Nil(t, allocator.resizer)

	ptr, err := allocator.Allocate(16, 200, 0)
	require.NoError(t, err)

	shrunk, err := allocator.Reallocate(ptr, 100, 0)
	require.NoError(t, err)
	require.Equal(t, ptr, shrunk)
	require.Equal(t, 200, headerOf(shrunk, allocator.GuardWidth()).GuardOffset)
	require.Equal(t, 200, allocator.UsableSize(shrunk))

	// Past the new size but short of the guard
	payloadBytes(shrunk, 101)[100] = 0x11
	require.NoError(t, allocator.CheckCorruption())

	payloadBytes(shrunk, 201)[200] = 0x11
	require.ErrorIs(t, allocator.CheckCorruption(), ErrCorruptionDetected)
	payloadBytes(shrunk, 201)[200] = memutils.GuardFillPattern

	require.NoError(t, allocator.Deallocate(shrunk))
	require.NoError(t, allocator.Close())
}

func TestReallocateNative(t *testing.T) {
	backingArena, allocator := readyAllocator(t, AllocatorSetup{})
	require.NotNil(t, allocator.resizer)

	ptr, err := allocator.Allocate(16, 100, 0)
	require.NoError(t, err)
	memutils.FillPattern(ptr, 0, 100, 0x5A)

	grown, err := allocator.Reallocate(ptr, 4000, 0)
	require.NoError(t, err)
	require.Equal(t, -1, memutils.FindPatternMismatch(grown, 0, 100, 0x5A))
	require.Equal(t, 4000, allocator.UsableSize(grown))
	require.Equal(t, 4000, allocator.GetInfo().BytesRequested)
	require.Equal(t, 1, allocator.GetInfo().LifetimeAllocations)
	require.NoError(t, allocator.CheckCorruption())

	shrunk, err := allocator.Reallocate(grown, 8, 0)
	require.NoError(t, err)
	require.Equal(t, -1, memutils.FindPatternMismatch(shrunk, 0, 8, 0x5A))

	payloadBytes(shrunk, 9)[8] = 0
	require.ErrorIs(t, allocator.CheckCorruption(), ErrCorruptionDetected)
	payloadBytes(shrunk, 9)[8] = memutils.GuardFillPattern

	require.NoError(t, allocator.Deallocate(shrunk))
	require.NoError(t, allocator.Close())
	require.NoError(t, backingArena.Close())
}

func TestReallocateNativeMoveReleasesOldPointer(t *testing.T) {
	backingArena, allocator := readyAllocator(t, AllocatorSetup{
		AllocatorOptions: CreateOptions{Quarantine: QuarantineOptions{Capacity: 8}},
	})

	first, err := allocator.Allocate(16, 64, 0)
	require.NoError(t, err)
	blocker, err := allocator.Allocate(16, 64, 0)
	require.NoError(t, err)

	moved, err := allocator.Reallocate(first, 64*1024, 0)
	require.NoError(t, err)
	require.NotEqual(t, first, moved)
	require.Equal(t, 2, allocator.GetInfo().AllocationCount)

	require.ErrorIs(t, allocator.Deallocate(first), ErrDoubleFree)
	_, err = allocator.Reallocate(first, 32, 0)
	require.ErrorIs(t, err, ErrDoubleFree)

	require.Equal(t, 2, allocator.GetInfo().AllocationCount)
	require.Equal(t, 64*1024+64, allocator.GetInfo().BytesRequested)
	require.NoError(t, allocator.CheckCorruption())

	require.NoError(t, allocator.Deallocate(moved))
	require.NoError(t, allocator.Deallocate(blocker))
	require.NoError(t, allocator.Close())
	require.NoError(t, backingArena.Close())
}

func TestQuarantineDelaysFree(t *testing.T) {
	backingArena, allocator := readyAllocator(t, AllocatorSetup{
		AllocatorOptions: CreateOptions{Quarantine: QuarantineOptions{Capacity: 2}},
	})

	var ptrs [3]unsafe.Pointer
	for i := range ptrs {
		var err error
		ptrs[i], err = allocator.Allocate(16, 64, 0)
		require.NoError(t, err)
	}

	_, inUseBefore := backingArena.SystemBytes()

	require.NoError(t, allocator.Deallocate(ptrs[0]))
	require.NoError(t, allocator.Deallocate(ptrs[1]))
	_, inUse := backingArena.SystemBytes()
	require.Equal(t, inUseBefore, inUse)

	require.NoError(t, allocator.Deallocate(ptrs[2]))
	info := allocator.GetInfo()
	require.Equal(t, 2, info.QuarantinedBlocks)
	require.Equal(t, 1, info.QuarantineEvictions)

	_, inUse = backingArena.SystemBytes()
	require.Less(t, inUse, inUseBefore)

	// Writing to a quarantined block is caught
	*(*byte)(ptrs[2]) = 0
	require.ErrorIs(t, allocator.CheckCorruption(), ErrCorruptionDetected)
	require.ErrorIs(t, allocator.FlushQuarantine(), ErrCorruptionDetected)
	require.Equal(t, 0, allocator.GetInfo().QuarantinedBlocks)
}

func TestQuarantineRevokesAccess(t *testing.T) {
	if !arena.ProtectionSupported {
		t.Skip("page protection is unavailable on this platform")
	}

	backingArena, allocator := readyAllocator(t, AllocatorSetup{
		AllocatorOptions: CreateOptions{Quarantine: QuarantineOptions{Capacity: 2, RevokeAccess: true}},
	})

	pageSize := backingArena.PageSize()
	ptr, err := allocator.Allocate(16, pageSize*3, 0)
	require.NoError(t, err)

	require.NoError(t, allocator.Deallocate(ptr))
	require.True(t, allocator.quarantine.slots[0].revoked)

	// Revoked blocks are skipped by the sweep, and the header stays readable
	require.NoError(t, allocator.CheckCorruption())
	require.ErrorIs(t, allocator.Deallocate(ptr), ErrDoubleFree)

	require.NoError(t, allocator.FlushQuarantine())
	require.NoError(t, allocator.Close())
	require.NoError(t, backingArena.Close())
}

//go:noinline
func allocateThroughWrapper(allocator *Allocator, size int) (unsafe.Pointer, error) {
	return allocator.Allocate(0, size, 1)
}

func callerName(address uintptr) string {
	frame, _ := runtime.CallersFrames([]uintptr{address}).Next()
	return frame.Function
}

func TestCallerAttribution(t *testing.T) {
	_, allocator := readyAllocator(t, AllocatorSetup{})

	direct, err := allocator.Allocate(0, 24, 0)
	require.NoError(t, err)
	wrapped, err := allocateThroughWrapper(allocator, 40)
	require.NoError(t, err)

	iterator := allocator.Allocations()
	seen := 0
	for {
		metadata, ok := iterator.Next()
		if !ok {
			break
		}
		seen++
		require.True(t, strings.HasSuffix(callerName(metadata.CallerAddress), "TestCallerAttribution"),
			"allocation of %d bytes attributed to %s", metadata.SizeRequested, callerName(metadata.CallerAddress))
	}
	require.Equal(t, 2, seen)

	iterator.Reset()
	_, ok := iterator.Next()
	require.True(t, ok)

	require.NoError(t, allocator.Deallocate(direct))
	require.NoError(t, allocator.Deallocate(wrapped))
}

func TestTrackingCapacityExceeded(t *testing.T) {
	_, allocator := readyAllocator(t, AllocatorSetup{
		AllocatorOptions: CreateOptions{TrackingCapacity: 2},
	})

	var ptrs [3]unsafe.Pointer
	for i := range ptrs {
		var err error
		ptrs[i], err = allocator.Allocate(0, 16, 0)
		require.NoError(t, err)
	}

	info := allocator.GetInfo()
	require.Equal(t, 3, info.AllocationCount)
	require.Equal(t, 2, info.TrackedAllocations)
	require.Equal(t, 1, info.UntrackedAllocations)

	for _, ptr := range ptrs {
		require.NoError(t, allocator.Deallocate(ptr))
	}
	require.Equal(t, 0, allocator.GetInfo().TrackedAllocations)
}

func TestCloseReportsLeaks(t *testing.T) {
	_, allocator := readyAllocator(t, AllocatorSetup{})

	_, err := allocator.Allocate(0, 16, 0)
	require.NoError(t, err)

	require.Error(t, allocator.Close())
	require.ErrorIs(t, allocator.Close(), ErrClosed)

	_, err = allocator.Allocate(0, 16, 0)
	require.ErrorIs(t, err, ErrClosed)
}

func TestGetInfoMemoryLimit(t *testing.T) {
	backingArena, allocator := readyAllocator(t, AllocatorSetup{
		AllocatorOptions: CreateOptions{MemoryLimit: 8 * 1024 * 1024},
		ArenaOptions:     arena.Options{RegionSize: 1024 * 1024},
	})

	ptr, err := allocator.Allocate(0, 1000, 0)
	require.NoError(t, err)

	info := allocator.GetInfo()
	system, inUse := backingArena.SystemBytes()
	require.Equal(t, system, info.SystemBytes)
	require.Equal(t, inUse, info.InUseBytes)
	require.Equal(t, 8*1024*1024-inUse, info.FreeBytes)
	require.Equal(t, 1000, info.BytesRequested)
	require.Equal(t, headerOf(ptr, allocator.GuardWidth()).SizeReserved, info.BytesReserved)

	require.NoError(t, allocator.Deallocate(ptr))
}
