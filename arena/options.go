package arena

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/heapguard/memutils"
	"github.com/vkngwrapper/heapguard/memutils/metadata"
)

const (
	// MaxRegions is the largest number of separately-mapped regions an Arena will manage
	MaxRegions int = memutils.MaxAddressRanges

	// defaultRegionSize is the value that is used as the RegionSize when none is provided via
	// Options. It is equal to 64Mb.
	defaultRegionSize int = 64 * 1024 * 1024
)

// Options contains optional settings when creating an Arena. It is valid to leave all
// fields blank.
type Options struct {
	// RegionSize is the number of bytes mapped at a time when the arena needs more memory. It
	// is rounded up to the page size. A single allocation larger than RegionSize gets a region of
	// its own, sized to fit.
	RegionSize int
	// MaxRegions is the number of regions the arena may map before it reports that it is out of
	// memory. It must be between 1 and 3.
	MaxRegions int
	// Strategy selects how free ranges are chosen within a region
	Strategy metadata.AllocationStrategy
	// ExternallySynchronized disables internal locking. The consumer must guarantee that the
	// arena is used from only one goroutine at a time.
	ExternallySynchronized bool
}

func (o *Options) applyDefaults(pageSize int) error {
	if o.RegionSize < 0 {
		return errors.Newf("arena RegionSize must not be negative, but was %d", o.RegionSize)
	}
	if o.RegionSize == 0 {
		o.RegionSize = defaultRegionSize
	}
	o.RegionSize = alignToPage(o.RegionSize, pageSize)

	if o.MaxRegions == 0 {
		o.MaxRegions = MaxRegions
	}
	if o.MaxRegions < 1 || o.MaxRegions > MaxRegions {
		return errors.Newf("arena MaxRegions must be between 1 and %d, but was %d", MaxRegions, o.MaxRegions)
	}

	return nil
}

func alignToPage(size int, pageSize int) int {
	return (size + pageSize - 1) / pageSize * pageSize
}
