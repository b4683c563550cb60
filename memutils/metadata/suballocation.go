package metadata

import "math"

// BlockAllocationHandle is a numeric handle used to identify individual regions within the metadata
type BlockAllocationHandle uint64

const (
	// NoAllocation is a BlockAllocationHandle value that never identifies a region
	NoAllocation BlockAllocationHandle = math.MaxUint64
)

// Suballocation describes the placement of a single allocation within a block
type Suballocation struct {
	Offset   int
	Size     int
	UserData any
}
