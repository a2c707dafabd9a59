package guard

import (
	"bytes"
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"testing"
	"unsafe"

	"github.com/sourcegraph/conc"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestDumpCallers(t *testing.T) {
	_, allocator := readyAllocator(t, AllocatorSetup{})

	sizes := map[uint64]bool{}
	var ptrs []unsafe.Pointer
	// Enough records to flush the batch buffer more than once
	for i := 0; i < attributionBatchRecords*2+5; i++ {
		ptr, err := allocator.Allocate(0, 16+i, 0)
		require.NoError(t, err)
		ptrs = append(ptrs, ptr)
		sizes[uint64(16+i)] = true
	}

	var dump bytes.Buffer
	require.NoError(t, allocator.DumpCallers(&dump))
	require.Equal(t, len(ptrs)*attributionRecordSize, dump.Len())

	for _, line := range strings.Split(strings.TrimSuffix(dump.String(), "\n"), "\n") {
		require.Len(t, line, 32)

		caller, err := strconv.ParseUint(line[:16], 16, 64)
		require.NoError(t, err)
		require.Contains(t, callerName(uintptr(caller)), "TestDumpCallers")

		size, err := strconv.ParseUint(line[16:], 16, 64)
		require.NoError(t, err)
		require.True(t, sizes[size])
		delete(sizes, size)
	}
	require.Empty(t, sizes)

	for _, ptr := range ptrs {
		require.NoError(t, allocator.Deallocate(ptr))
	}
}

func TestBuildStatsString(t *testing.T) {
	_, allocator := readyAllocator(t, AllocatorSetup{
		AllocatorOptions: CreateOptions{Quarantine: QuarantineOptions{Capacity: 4}},
	})

	kept, err := allocator.Allocate(0, 128, 0)
	require.NoError(t, err)
	released, err := allocator.Allocate(0, 64, 0)
	require.NoError(t, err)
	require.NoError(t, allocator.Deallocate(released))

	var summary struct {
		Stats struct {
			BytesRequested  int
			AllocationCount int
		}
		Backend struct {
			SystemBytes  int
			NativeResize bool
		}
		Quarantine struct {
			Capacity int
			Blocks   int
		}
		Tracking struct {
			Tracked int
		}
		Allocations []struct {
			SizeRequested int
		}
		Regions map[string]any
	}

	require.NoError(t, json.Unmarshal([]byte(allocator.BuildStatsString(false)), &summary))
	require.Equal(t, 128, summary.Stats.BytesRequested)
	require.Equal(t, 1, summary.Stats.AllocationCount)
	require.Equal(t, 1024*1024, summary.Backend.SystemBytes)
	require.True(t, summary.Backend.NativeResize)
	require.Equal(t, 4, summary.Quarantine.Capacity)
	require.Equal(t, 1, summary.Quarantine.Blocks)
	require.Equal(t, 1, summary.Tracking.Tracked)
	require.Nil(t, summary.Allocations)

	require.NoError(t, json.Unmarshal([]byte(allocator.BuildStatsString(true)), &summary))
	require.Len(t, summary.Allocations, 1)
	require.Equal(t, 128, summary.Allocations[0].SizeRequested)
	require.Len(t, summary.Regions, 1)

	require.NoError(t, allocator.Deallocate(kept))
}

func TestRegisterMetrics(t *testing.T) {
	_, allocator := readyAllocator(t, AllocatorSetup{})

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer provider.Shutdown(context.Background())

	require.NoError(t, allocator.RegisterMetrics(provider.Meter("heapguard"), "test"))

	ptr, err := allocator.Allocate(0, 300, 0)
	require.NoError(t, err)

	var collected metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &collected))

	values := map[string]int64{}
	for _, scope := range collected.ScopeMetrics {
		for _, m := range scope.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Gauge[int64]:
				values[m.Name] = data.DataPoints[0].Value
			case metricdata.Sum[int64]:
				values[m.Name] = data.DataPoints[0].Value
			}
		}
	}

	require.Equal(t, int64(300), values["heapguard_bytes_requested"])
	require.Equal(t, int64(1), values["heapguard_allocations"])
	require.Equal(t, int64(1), values["heapguard_lifetime_allocations"])
	require.Equal(t, int64(0), values["heapguard_quarantined_bytes"])
	require.Greater(t, values["heapguard_bytes_reserved"], int64(300))

	require.NoError(t, allocator.Deallocate(ptr))
}

type recordedEvent struct {
	kind    byte
	address uintptr
	size    int
	frame   uint64
	callers int
	name    string
	value   int64
}

type recordingSink struct {
	mutex  sync.Mutex
	events []recordedEvent
}

func (s *recordingSink) RecordAllocation(address uintptr, size int, frame uint64, callers []uintptr) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.events = append(s.events, recordedEvent{kind: '+', address: address, size: size, frame: frame, callers: len(callers)})
}

func (s *recordingSink) RecordFree(address uintptr, size int, frame uint64) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.events = append(s.events, recordedEvent{kind: '-', address: address, size: size, frame: frame})
}

func (s *recordingSink) Counter(name string, value int64, frame uint64) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.events = append(s.events, recordedEvent{kind: 'C', name: name, value: value, frame: frame})
}

func TestEventSink(t *testing.T) {
	sink := &recordingSink{}
	_, allocator := readyAllocator(t, AllocatorSetup{
		AllocatorOptions: CreateOptions{EventSink: sink},
	})

	ptr, err := allocator.Allocate(0, 48, 0)
	require.NoError(t, err)

	require.Equal(t, uint64(1), allocator.AdvanceFrame())
	require.NoError(t, allocator.Deallocate(ptr))

	require.Len(t, sink.events, 4)

	require.Equal(t, byte('+'), sink.events[0].kind)
	require.Equal(t, uintptr(ptr), sink.events[0].address)
	require.Equal(t, 48, sink.events[0].size)
	require.Equal(t, uint64(0), sink.events[0].frame)
	require.Greater(t, sink.events[0].callers, 0)

	require.Equal(t, recordedEvent{kind: 'C', name: "live_bytes", value: 48, frame: 1}, sink.events[1])
	require.Equal(t, recordedEvent{kind: 'C', name: "live_allocations", value: 1, frame: 1}, sink.events[2])
	require.Equal(t, recordedEvent{kind: '-', address: uintptr(ptr), size: 48, frame: 1}, sink.events[3])
}

func TestConcurrentAllocations(t *testing.T) {
	sink := &recordingSink{}
	backingArena, allocator := readyAllocator(t, AllocatorSetup{
		AllocatorOptions: CreateOptions{
			Flags:      CreateFillAllocations | CreateCrashOnCorruption,
			Quarantine: QuarantineOptions{Capacity: 32},
			EventSink:  sink,
		},
	})

	var wg conc.WaitGroup
	for worker := 0; worker < 8; worker++ {
		wg.Go(func() {
			for i := 0; i < 100; i++ {
				ptr, err := allocator.Allocate(0, 32+worker*8+i, 0)
				if err != nil {
					panic(err)
				}
				contents := unsafe.Slice((*byte)(ptr), 32+worker*8+i)
				for j := range contents {
					contents[j] = byte(worker)
				}

				ptr, err = allocator.Reallocate(ptr, 64+i, 0)
				if err != nil {
					panic(err)
				}
				if err := allocator.Deallocate(ptr); err != nil {
					panic(err)
				}
			}
		})
	}
	wg.Wait()

	info := allocator.GetInfo()
	require.Zero(t, info.AllocationCount)
	require.Zero(t, info.BytesRequested)
	require.Zero(t, info.TrackedAllocations)
	require.Equal(t, 800, info.LifetimeAllocations)
	require.Len(t, sink.events, 800*4)

	require.NoError(t, allocator.CheckCorruption())
	require.NoError(t, allocator.Close())
	require.NoError(t, backingArena.Close())
}

func TestCreateFlagsString(t *testing.T) {
	require.Equal(t, "None", CreateFlags(0).String())
	require.Equal(t, "CreateFillAllocations", CreateFillAllocations.String())
	require.Equal(t, "CreateExternallySynchronized|CreateCrashOnNull", (CreateExternallySynchronized | CreateCrashOnNull).String())
	require.Equal(t, "CreateDisableGuards|CreateFlags(0x80)", (CreateDisableGuards | CreateFlags(0x80)).String())
}
