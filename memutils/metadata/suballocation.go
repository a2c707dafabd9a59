package metadata

import "math"

// BlockAllocationHandle is a numeric handle used to identify ranges within a BlockMetadata
type BlockAllocationHandle uint64

const (
	NoAllocation BlockAllocationHandle = math.MaxUint64
)
