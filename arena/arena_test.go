package arena_test

import (
	"encoding/json"
	"io"
	"testing"
	"unsafe"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/heapguard/arena"
	"github.com/vkngwrapper/heapguard/memutils"
	"golang.org/x/exp/slog"
)

func newArena(t *testing.T, options arena.Options) *arena.Arena {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	a, err := arena.New(logger, options)
	require.NoError(t, err)
	return a
}

func bytesAt(ptr unsafe.Pointer, size int) []byte {
	return unsafe.Slice((*byte)(ptr), size)
}

func TestArenaOptionsValidation(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	_, err := arena.New(logger, arena.Options{MaxRegions: 4})
	require.Error(t, err)

	_, err = arena.New(logger, arena.Options{RegionSize: -1})
	require.Error(t, err)
}

func TestArenaAllocateFree(t *testing.T) {
	a := newArena(t, arena.Options{RegionSize: 64 * 1024})

	system, inUse := a.SystemBytes()
	require.Equal(t, 0, system)
	require.Equal(t, 0, inUse)

	first := a.Allocate(16, 100)
	require.NotNil(t, first)
	require.Zero(t, uintptr(first)%16)
	require.Equal(t, 100, a.UsableSize(first))

	second := a.Allocate(256, 300)
	require.NotNil(t, second)
	require.Zero(t, uintptr(second)%256)

	copy(bytesAt(first, 100), make([]byte, 100))
	memutils.FillPattern(second, 0, 300, 0xAB)

	system, inUse = a.SystemBytes()
	require.Equal(t, 64*1024, system)
	require.GreaterOrEqual(t, inUse, 400)

	var ranges [memutils.MaxAddressRanges]memutils.AddressRange
	count := a.AddressRanges(&ranges)
	require.Equal(t, 1, count)
	require.True(t, ranges[0].Contains(uintptr(first)))
	require.True(t, ranges[0].Contains(uintptr(second)))
	require.Equal(t, 64*1024, ranges[0].Size())

	a.Free(first)
	a.Free(second)

	_, inUse = a.SystemBytes()
	require.Equal(t, 0, inUse)
	require.NoError(t, a.Close())
}

func TestArenaFreeUnknownPointerPanics(t *testing.T) {
	a := newArena(t, arena.Options{RegionSize: 64 * 1024})
	defer a.Close()

	ptr := a.Allocate(8, 64)
	require.NotNil(t, ptr)
	a.Free(ptr)

	require.Panics(t, func() {
		a.Free(ptr)
	})
	require.Equal(t, 0, a.UsableSize(ptr))
}

func TestArenaLargeAlignment(t *testing.T) {
	a := newArena(t, arena.Options{RegionSize: 256 * 1024})
	defer a.Close()

	alignment := uint(a.PageSize() * 4)
	ptr := a.Allocate(alignment, 10)
	require.NotNil(t, ptr)
	require.Zero(t, uintptr(ptr)%uintptr(alignment))
	require.GreaterOrEqual(t, a.UsableSize(ptr), 10)

	a.Free(ptr)
}

func TestArenaRegionLimit(t *testing.T) {
	a := newArena(t, arena.Options{RegionSize: 64 * 1024, MaxRegions: 2})
	defer a.Close()

	first := a.Allocate(8, 60*1024)
	require.NotNil(t, first)

	second := a.Allocate(8, 60*1024)
	require.NotNil(t, second)

	var ranges [memutils.MaxAddressRanges]memutils.AddressRange
	require.Equal(t, 2, a.AddressRanges(&ranges))

	require.Nil(t, a.Allocate(8, 60*1024))

	a.Free(first)
	third := a.Allocate(8, 60*1024)
	require.NotNil(t, third)

	a.Free(second)
	a.Free(third)
}

func TestArenaOversizedRegion(t *testing.T) {
	a := newArena(t, arena.Options{RegionSize: 64 * 1024})
	defer a.Close()

	ptr := a.Allocate(8, 200*1024)
	require.NotNil(t, ptr)

	system, _ := a.SystemBytes()
	require.GreaterOrEqual(t, system, 200*1024)

	a.Free(ptr)
}

func TestArenaResizeInPlace(t *testing.T) {
	a := newArena(t, arena.Options{RegionSize: 64 * 1024})
	defer a.Close()

	ptr := a.Allocate(16, 100)
	require.NotNil(t, ptr)
	memutils.FillPattern(ptr, 0, 100, 0x42)

	grown := a.Resize(ptr, 1000)
	require.Equal(t, ptr, grown)
	require.Equal(t, 1000, a.UsableSize(grown))
	require.Equal(t, -1, memutils.FindPatternMismatch(grown, 0, 100, 0x42))

	shrunk := a.Resize(grown, 50)
	require.Equal(t, ptr, shrunk)
	require.Equal(t, 50, a.UsableSize(shrunk))

	a.Free(shrunk)
}

func TestArenaResizeMoves(t *testing.T) {
	a := newArena(t, arena.Options{RegionSize: 64 * 1024, MaxRegions: 1})
	defer a.Close()

	ptr := a.Allocate(16, 100)
	blocker := a.Allocate(16, 100)
	require.NotNil(t, ptr)
	require.NotNil(t, blocker)

	memutils.FillPattern(ptr, 0, 100, 0x42)

	moved := a.Resize(ptr, 4000)
	require.NotNil(t, moved)
	require.NotEqual(t, ptr, moved)
	require.Zero(t, uintptr(moved)%16)
	require.Equal(t, -1, memutils.FindPatternMismatch(moved, 0, 100, 0x42))

	require.Nil(t, a.Resize(moved, 1024*1024))
	require.Equal(t, 4000, a.UsableSize(moved))

	a.Free(moved)
	a.Free(blocker)
}

func TestArenaRevokeRestore(t *testing.T) {
	if !arena.ProtectionSupported {
		t.Skip("page protection is unavailable on this platform")
	}

	a := newArena(t, arena.Options{RegionSize: 256 * 1024})
	defer a.Close()

	pageSize := a.PageSize()
	ptr := a.Allocate(16, pageSize*3)
	require.NotNil(t, ptr)

	// Less than a whole page is a no-op
	require.NoError(t, a.Revoke(ptr, pageSize-1))

	require.NoError(t, a.Revoke(ptr, pageSize*3))
	require.NoError(t, a.Restore(ptr, pageSize*3))

	memutils.FillPattern(ptr, 0, pageSize*3, memutils.FreedFillPattern)
	require.Equal(t, -1, memutils.FindPatternMismatch(ptr, 0, pageSize*3, memutils.FreedFillPattern))

	outside := make([]byte, pageSize*2)
	require.Error(t, a.Revoke(unsafe.Pointer(&outside[0]), len(outside)))

	a.Free(ptr)
}

func TestArenaPrintDetailedMap(t *testing.T) {
	a := newArena(t, arena.Options{RegionSize: 64 * 1024})
	defer a.Close()

	ptr := a.Allocate(16, 128)
	require.NotNil(t, ptr)

	writer := jwriter.NewWriter()
	a.PrintDetailedMap(&writer)
	require.NoError(t, writer.Error())

	var parsed map[string]struct {
		Address     string
		TotalBytes  int
		Allocations int
		Ranges      []struct {
			Offset int
			Size   int
			Type   string
		}
	}
	require.NoError(t, json.Unmarshal(writer.Bytes(), &parsed))
	require.Len(t, parsed, 1)

	region := parsed["0"]
	require.Equal(t, 64*1024, region.TotalBytes)
	require.Equal(t, 1, region.Allocations)
	require.Len(t, region.Ranges, 2)
	require.Equal(t, "ALLOCATION", region.Ranges[0].Type)
	require.Equal(t, "FREE", region.Ranges[1].Type)

	var stats memutils.DetailedStatistics
	stats.Clear()
	a.Statistics(&stats)
	require.Equal(t, 1, stats.AllocationCount)
	require.Equal(t, 128, stats.AllocationBytes)

	a.Free(ptr)
}

func TestArenaCloseReportsLeaks(t *testing.T) {
	a := newArena(t, arena.Options{RegionSize: 64 * 1024})

	require.NotNil(t, a.Allocate(8, 64))
	require.Error(t, a.Close())
}
