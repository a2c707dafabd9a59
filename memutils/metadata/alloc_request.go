package metadata

// AllocationRequest is a type returned from BlockMetadata.CreateAllocationRequest which indicates where the
// metadata intends to place new memory. It can be committed to the metadata with BlockMetadata.Alloc
type AllocationRequest struct {
	// BlockAllocationHandle identifies the free range the allocation will be carved from
	BlockAllocationHandle BlockAllocationHandle
	// Size is the size in bytes of the allocation
	Size int
	// Offset is the aligned offset within the region where the allocation will begin
	Offset int
}
