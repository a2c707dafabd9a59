package arena

import (
	"context"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/heapguard/memutils"
	"github.com/vkngwrapper/heapguard/memutils/metadata"
	"golang.org/x/exp/slog"
)

// region is a single mapping owned by an Arena, with TLSF metadata tracking which of its
// bytes have been handed out
type region struct {
	id       int
	logger   *slog.Logger
	data     []byte
	metadata *metadata.TLSFBlockMetadata
}

func newRegion(logger *slog.Logger, id int, size int) (*region, error) {
	data, err := mapRegion(size)
	if err != nil {
		return nil, err
	}

	r := &region{
		id:       id,
		logger:   logger,
		data:     data,
		metadata: metadata.NewTLSFBlockMetadata(),
	}
	r.metadata.Init(len(data))

	return r, nil
}

func (r *region) start() unsafe.Pointer {
	return unsafe.Pointer(unsafe.SliceData(r.data))
}

func (r *region) addressRange() memutils.AddressRange {
	start := uintptr(r.start())
	return memutils.AddressRange{Start: start, End: start + uintptr(len(r.data))}
}

func (r *region) contains(ptr unsafe.Pointer, size int) bool {
	addresses := r.addressRange()
	address := uintptr(ptr)
	return addresses.Contains(address) && address+uintptr(size) <= addresses.End
}

func (r *region) inUseBytes() int {
	return r.metadata.Size() - r.metadata.SumFreeSize()
}

func (r *region) destroy() error {
	if !r.metadata.IsEmpty() {
		r.metadata.DebugLogAllAllocations(r.logger, func(log *slog.Logger, offset int, size int, userData any) {
			log.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] unfreed allocation",
				slog.Int("region", r.id),
				slog.Int("offset", offset),
				slog.Int("size", size),
			)
		})
	}

	if r.data == nil {
		return errors.Newf("region %d was already destroyed", r.id)
	}

	err := unmapRegion(r.data)
	r.data = nil
	r.metadata.Clear()
	return err
}
