package gma

import (
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/gfxmem/memutils/metadata"
)

// AllocationFlags modify how a MemoryManager satisfies an allocation request
type AllocationFlags int32

var allocationFlagsMapping = common.NewFlagStringMapping[AllocationFlags]()

func (f AllocationFlags) Register(str string) {
	allocationFlagsMapping.Register(f, str)
}
func (f AllocationFlags) String() string {
	return allocationFlagsMapping.FlagsToString(f)
}

const (
	// AllocationDedicatedMemoryAllocator gives the allocation a heap of its own, sized exactly to the request.
	// The heap is never used for other allocations while the region is live.
	AllocationDedicatedMemoryAllocator AllocationFlags = 1 << iota
	// AllocationExistingMemoryAllocator forbids the manager from creating a new heap. If no existing
	// heap has room, the allocation fails. It cannot be combined with AllocationDedicatedMemoryAllocator.
	AllocationExistingMemoryAllocator
	// AllocationStrategyMinMemory places the allocation in the smallest free range that fits it
	AllocationStrategyMinMemory
	// AllocationStrategyMinTime places the allocation in the first free range that fits it
	AllocationStrategyMinTime
	// AllocationStrategyMinOffset places the allocation at the lowest offset that fits it
	AllocationStrategyMinOffset

	AllocationStrategyMask = AllocationStrategyMinMemory |
		AllocationStrategyMinTime |
		AllocationStrategyMinOffset
)

func init() {
	AllocationDedicatedMemoryAllocator.Register("AllocationDedicatedMemoryAllocator")
	AllocationExistingMemoryAllocator.Register("AllocationExistingMemoryAllocator")
	AllocationStrategyMinMemory.Register("AllocationStrategyMinMemory")
	AllocationStrategyMinTime.Register("AllocationStrategyMinTime")
	AllocationStrategyMinOffset.Register("AllocationStrategyMinOffset")
}

func (f AllocationFlags) strategy() metadata.AllocationStrategy {
	var strategy metadata.AllocationStrategy
	if f&AllocationStrategyMinMemory != 0 {
		strategy |= metadata.AllocationStrategyMinMemory
	}
	if f&AllocationStrategyMinTime != 0 {
		strategy |= metadata.AllocationStrategyMinTime
	}
	if f&AllocationStrategyMinOffset != 0 {
		strategy |= metadata.AllocationStrategyMinOffset
	}
	return strategy
}

// CreateFlags indicate specific allocator behaviors to activate or deactivate
type CreateFlags int32

var createFlagsMapping = common.NewFlagStringMapping[CreateFlags]()

func (f CreateFlags) Register(str string) {
	createFlagsMapping.Register(f, str)
}
func (f CreateFlags) String() string {
	return createFlagsMapping.FlagsToString(f)
}

const (
	// CreateExternallySynchronized ensures that this allocator and all objects created from it
	// will not be synchronized internally. The consumer must guarantee they are used from only one
	// goroutine at a time or are synchronized by some other mechanism.
	CreateExternallySynchronized CreateFlags = 1 << iota
)

func init() {
	CreateExternallySynchronized.Register("CreateExternallySynchronized")
}

// CPUAccess describes how the host intends to touch a resource's memory
type CPUAccess int32

const (
	// CPUAccessNone is for resources only the GPU reads and writes
	CPUAccessNone CPUAccess = iota
	// CPUAccessRead is for resources the GPU writes and the CPU reads back
	CPUAccessRead
	// CPUAccessWrite is for resources the CPU writes and the GPU reads
	CPUAccessWrite
)

var cpuAccessMapping = map[CPUAccess]string{
	CPUAccessNone:  "CPUAccessNone",
	CPUAccessRead:  "CPUAccessRead",
	CPUAccessWrite: "CPUAccessWrite",
}

func (a CPUAccess) String() string {
	return cpuAccessMapping[a]
}

// ResourceKind identifies what a MemoryRegion was allocated for
type ResourceKind uint32

const (
	ResourceKindUnknown ResourceKind = iota
	ResourceKindBuffer
	ResourceKindTexture
)

var resourceKindMapping = map[ResourceKind]string{
	ResourceKindUnknown: "UNKNOWN",
	ResourceKindBuffer:  "BUFFER",
	ResourceKindTexture: "TEXTURE",
}

func (k ResourceKind) String() string {
	return resourceKindMapping[k]
}
