package metadata

// AllocationStrategy exposes several options for choosing the location of a new memory allocation.
// The zero value selects the lowest-offset free region that fits.
type AllocationStrategy uint32

const (
	// AllocationStrategyMinMemory selects the smallest free region that can hold the allocation, to
	// minimize fragmentation at the expense of allocation time
	AllocationStrategyMinMemory AllocationStrategy = 1 << iota
	// AllocationStrategyMinTime selects the first free region that fits, scanning in offset order
	AllocationStrategyMinTime
	// AllocationStrategyMinOffset selects the free region with the lowest offset that fits. For
	// free-list metadata this is the same search as AllocationStrategyMinTime.
	AllocationStrategyMinOffset
)

var allocationStrategyMapping = map[AllocationStrategy]string{
	0:                           "Default",
	AllocationStrategyMinMemory: "MinMemory",
	AllocationStrategyMinTime:   "MinTime",
	AllocationStrategyMinOffset: "MinOffset",
}

func (s AllocationStrategy) String() string {
	str, ok := allocationStrategyMapping[s]
	if !ok {
		return "Mixed"
	}
	return str
}
