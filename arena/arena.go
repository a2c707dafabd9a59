package arena

import (
	"context"
	"fmt"
	"strconv"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/heapguard/internal/utils"
	"github.com/vkngwrapper/heapguard/memutils"
	"github.com/vkngwrapper/heapguard/memutils/metadata"
	"golang.org/x/exp/slog"
)

type allocation struct {
	region    *region
	handle    metadata.BlockAllocationHandle
	lead      int
	alignment uint
}

// Arena is a general-purpose allocator over a small number of memory regions mapped directly from the
// operating system. Memory it hands out is invisible to the Go garbage collector, so it can hold
// arbitrary bytes, and whole pages of it can have their access revoked.
type Arena struct {
	logger   *slog.Logger
	options  Options
	pageSize int

	mutex        utils.OptionalRWMutex
	regions      []*region
	nextRegionID int
	allocations  *swiss.Map[uintptr, allocation]
}

// New creates an Arena. No memory is mapped until the first allocation.
func New(logger *slog.Logger, options Options) (*Arena, error) {
	pageSize := systemPageSize()
	err := options.applyDefaults(pageSize)
	if err != nil {
		return nil, err
	}

	return &Arena{
		logger:      logger,
		options:     options,
		pageSize:    pageSize,
		mutex:       utils.OptionalRWMutex{UseMutex: !options.ExternallySynchronized},
		regions:     make([]*region, 0, options.MaxRegions),
		allocations: swiss.NewMap[uintptr, allocation](64),
	}, nil
}

// PageSize returns the granularity at which Revoke and Restore operate
func (a *Arena) PageSize() int {
	return a.pageSize
}

// Allocate returns a pointer to size bytes aligned to alignment, or nil if the arena has no room
// left for them. alignment must be a power of two.
func (a *Arena) Allocate(alignment uint, size int) unsafe.Pointer {
	if size < 1 || memutils.CheckPow2(alignment, "alignment") != nil {
		return nil
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.allocateLocked(alignment, size)
}

func (a *Arena) allocateLocked(alignment uint, size int) unsafe.Pointer {
	// Regions are only page aligned, so larger alignments are met by over-allocating
	blockAlignment := alignment
	need := size
	if alignment > uint(a.pageSize) {
		blockAlignment = uint(a.pageSize)

		var ok bool
		need, ok = memutils.AddChecked(size, int(alignment)-a.pageSize)
		if !ok {
			return nil
		}
	}

	for _, r := range a.regions {
		ptr := a.allocateFromRegion(r, need, blockAlignment, alignment)
		if ptr != nil {
			return ptr
		}
	}

	if len(a.regions) >= a.options.MaxRegions {
		a.logger.Debug("arena exhausted", slog.Int("size", size), slog.Int("regions", len(a.regions)))
		return nil
	}

	regionSize := a.options.RegionSize
	if need > regionSize {
		if need > memutils.AlignDown(int(^uint(0)>>1), uint(a.pageSize)) {
			return nil
		}
		regionSize = alignToPage(need, a.pageSize)
	}

	r, err := newRegion(a.logger, a.nextRegionID, regionSize)
	if err != nil {
		a.logger.LogAttrs(context.Background(), slog.LevelWarn, "failed to map arena region",
			slog.Int("size", regionSize),
			slog.Any("error", err))
		return nil
	}
	a.nextRegionID++
	a.regions = append(a.regions, r)
	a.logger.Debug("mapped arena region", slog.Int("id", r.id), slog.Int("size", regionSize))

	return a.allocateFromRegion(r, need, blockAlignment, alignment)
}

func (a *Arena) allocateFromRegion(r *region, need int, blockAlignment, alignment uint) unsafe.Pointer {
	success, req, err := r.metadata.CreateAllocationRequest(need, blockAlignment, a.options.Strategy)
	if err != nil {
		panic(fmt.Sprintf("failed to create an allocation request with unexpected error: %+v", err))
	}
	if !success {
		return nil
	}

	err = r.metadata.Alloc(req, nil)
	if err != nil {
		panic(fmt.Sprintf("failed to commit an allocation request with unexpected error: %+v", err))
	}

	blockStart := unsafe.Add(r.start(), req.Offset)
	lead := 0
	if misalignment := int(uintptr(blockStart) & uintptr(alignment-1)); misalignment != 0 {
		lead = int(alignment) - misalignment
	}

	ptr := unsafe.Add(blockStart, lead)
	a.allocations.Put(uintptr(ptr), allocation{
		region:    r,
		handle:    req.BlockAllocationHandle,
		lead:      lead,
		alignment: alignment,
	})

	return ptr
}

func (a *Arena) lookup(ptr unsafe.Pointer) allocation {
	alloc, ok := a.allocations.Get(uintptr(ptr))
	if !ok {
		panic(fmt.Sprintf("pointer %p was not allocated by this arena", ptr))
	}
	return alloc
}

// Free returns memory obtained from Allocate or Resize to the arena. It panics if ptr was not
// allocated by this arena or has already been freed.
func (a *Arena) Free(ptr unsafe.Pointer) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	a.freeLocked(ptr)
}

func (a *Arena) freeLocked(ptr unsafe.Pointer) {
	alloc := a.lookup(ptr)
	a.allocations.Delete(uintptr(ptr))

	err := alloc.region.metadata.Free(alloc.handle)
	if err != nil {
		panic(fmt.Sprintf("failed to free an allocation with unexpected error: %+v", err))
	}

	if alloc.region.metadata.IsEmpty() {
		a.releaseRedundantRegion(alloc.region)
	}
}

// At most one empty region stays mapped
func (a *Arena) releaseRedundantRegion(empty *region) {
	redundant := false
	for _, r := range a.regions {
		if r != empty && r.metadata.IsEmpty() {
			redundant = true
			break
		}
	}

	if !redundant {
		return
	}

	for i, r := range a.regions {
		if r == empty {
			a.regions = append(a.regions[:i], a.regions[i+1:]...)
			break
		}
	}

	err := empty.destroy()
	if err != nil {
		a.logger.LogAttrs(context.Background(), slog.LevelError, "failed to unmap empty arena region",
			slog.Int("id", empty.id),
			slog.Any("error", err))
		return
	}
	a.logger.Debug("unmapped empty arena region", slog.Int("id", empty.id))
}

// UsableSize returns the number of bytes at ptr that the caller may use, which can exceed the size
// that was requested. It returns 0 for pointers the arena does not know about.
func (a *Arena) UsableSize(ptr unsafe.Pointer) int {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	alloc, ok := a.allocations.Get(uintptr(ptr))
	if !ok {
		return 0
	}

	size, err := alloc.region.metadata.AllocationSize(alloc.handle)
	if err != nil {
		panic(fmt.Sprintf("failed to retrieve an allocation size with unexpected error: %+v", err))
	}

	return size - alloc.lead
}

// Resize changes the size of the allocation at ptr. The allocation is extended or trimmed in place
// when the neighbouring free space allows. Otherwise, a new allocation with the same alignment is made,
// the smaller of the two sizes is copied into it, and the old allocation is freed. Resize returns nil,
// leaving the original allocation untouched, if the arena has no room for the new size.
func (a *Arena) Resize(ptr unsafe.Pointer, newSize int) unsafe.Pointer {
	if newSize < 1 {
		return nil
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	alloc := a.lookup(ptr)

	need, ok := memutils.AddChecked(newSize, alloc.lead)
	if !ok {
		return nil
	}

	resized, err := alloc.region.metadata.Resize(alloc.handle, need)
	if err != nil {
		panic(fmt.Sprintf("failed to resize an allocation with unexpected error: %+v", err))
	}
	if resized {
		return ptr
	}

	oldSize, err := alloc.region.metadata.AllocationSize(alloc.handle)
	if err != nil {
		panic(fmt.Sprintf("failed to retrieve an allocation size with unexpected error: %+v", err))
	}

	newPtr := a.allocateLocked(alloc.alignment, newSize)
	if newPtr == nil {
		return nil
	}

	copy(unsafe.Slice((*byte)(newPtr), newSize), unsafe.Slice((*byte)(ptr), oldSize-alloc.lead))
	a.freeLocked(ptr)

	return newPtr
}

// SystemBytes returns the number of bytes currently mapped from the operating system and the number of
// those bytes that are handed out to live allocations, including alignment padding
func (a *Arena) SystemBytes() (system int, inUse int) {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	for _, r := range a.regions {
		system += len(r.data)
		inUse += r.inUseBytes()
	}

	return system, inUse
}

// AddressRanges writes the address range of each mapped region into out, in the order the regions were
// mapped, and returns the number of ranges written
func (a *Arena) AddressRanges(out *[memutils.MaxAddressRanges]memutils.AddressRange) int {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	for i, r := range a.regions {
		out[i] = r.addressRange()
	}

	return len(a.regions)
}

func (a *Arena) interiorPages(ptr unsafe.Pointer, size int) (unsafe.Pointer, int) {
	address := uintptr(ptr)
	pageMask := uintptr(a.pageSize - 1)

	start := (address + pageMask) &^ pageMask
	end := (address + uintptr(size)) &^ pageMask
	if end <= start {
		return nil, 0
	}

	return unsafe.Add(ptr, int(start-address)), int(end - start)
}

func (a *Arena) protect(ptr unsafe.Pointer, size int, accessible bool) error {
	pages, pagesSize := a.interiorPages(ptr, size)
	if pagesSize == 0 {
		return nil
	}

	a.mutex.RLock()
	defer a.mutex.RUnlock()

	for _, r := range a.regions {
		if r.contains(pages, pagesSize) {
			return protectPages(pages, pagesSize, accessible)
		}
	}

	return errors.Newf("range of %d bytes at %p is not inside this arena", size, ptr)
}

// Revoke removes all access to every page that lies entirely within the size bytes at ptr. Partial pages
// at either end are left alone, since they may be shared with neighbouring allocations. Touching revoked
// memory faults the process.
func (a *Arena) Revoke(ptr unsafe.Pointer, size int) error {
	return a.protect(ptr, size, false)
}

// Restore undoes Revoke for the same range
func (a *Arena) Restore(ptr unsafe.Pointer, size int) error {
	return a.protect(ptr, size, true)
}

// Statistics sums the state of every mapped region into stats
func (a *Arena) Statistics(stats *memutils.DetailedStatistics) {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	for _, r := range a.regions {
		r.metadata.AddDetailedStatistics(stats)
	}
}

// PrintDetailedMap writes a json object describing every region and the ranges within it
func (a *Arena) PrintDetailedMap(writer *jwriter.Writer) {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	objState := writer.Object()
	defer objState.End()

	for _, r := range a.regions {
		regionObj := objState.Name(strconv.Itoa(r.id)).Object()

		regionObj.Name("Address").String(fmt.Sprintf("%#x", uintptr(r.start())))
		r.metadata.BlockJsonData(regionObj)
		a.printDetailedMapRanges(r, regionObj)

		regionObj.End()
	}
}

func (a *Arena) printDetailedMapRanges(r *region, json jwriter.ObjectState) {
	arrayState := json.Name("Ranges").Array()
	defer arrayState.End()

	_ = r.metadata.VisitAllRegions(
		func(handle metadata.BlockAllocationHandle, offset int, size int, userData any, free bool) error {
			obj := arrayState.Object()
			defer obj.End()

			obj.Name("Offset").Int(offset)
			obj.Name("Size").Int(size)
			if free {
				obj.Name("Type").String("FREE")
			} else {
				obj.Name("Type").String("ALLOCATION")
			}

			return nil
		})
}

// Close unmaps every region. Allocations that were never freed are logged and reported in the
// returned error, and their memory is released regardless.
func (a *Arena) Close() error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	var err error
	if leaked := a.allocations.Count(); leaked > 0 {
		err = errors.Newf("%d allocations were not freed before the arena was closed", leaked)
	}

	for _, r := range a.regions {
		err = errors.CombineErrors(err, r.destroy())
	}

	a.regions = a.regions[:0]
	a.allocations.Clear()

	return err
}
