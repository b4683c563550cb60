package metadata

// AllocationRequest is a type returned from BlockMetadata.CreateAllocationRequest which indicates where the
// metadata intends to place new memory. The consumer can prepare its own state for the allocation and then
// commit it to the metadata with BlockMetadata.Alloc
type AllocationRequest struct {
	// BlockAllocationHandle is the handle the allocation will be known by once committed
	BlockAllocationHandle BlockAllocationHandle
	// Size is the size of the allocation, margins excluded
	Size int
	// Item is a Suballocation object indicating basic information about the allocation
	Item Suballocation

	// AlgorithmData is arbitrary data used by the BlockMetadata implementation for internal
	// purposes
	AlgorithmData uint64
}
