package simdevice

import (
	"log/slog"

	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/gfxmem/gma"
)

const (
	DefaultBufferAlignment = 256
	DefaultImageAlignment  = 4096
	DefaultTexelSize       = 4
)

// Options describes the simulated device
type Options struct {
	// Logger receives a debug record for every device allocation and free. Nothing is logged when
	// it is nil.
	Logger *slog.Logger

	DriverType  core1_0.PhysicalDeviceType
	Limits      gma.DeviceLimits
	MemoryTypes []core1_0.MemoryType
	MemoryHeaps []core1_0.MemoryHeap

	// ReportBudget makes MemoryBudget return a report, as a driver with VK_EXT_memory_budget would
	ReportBudget bool
	// HeapBudgets is the budget reported for each heap. A missing or zero entry reports the heap size.
	HeapBudgets []int
	// ExternalUsage is memory each heap reports as used by other processes
	ExternalUsage []int

	// BufferAlignment and ImageAlignment are the alignments reported in memory requirements
	BufferAlignment int
	ImageAlignment  int
	// TexelSize is the number of bytes per texel used to size images
	TexelSize int
	// MemoryTypeBits is reported in every memory requirement. Zero means every memory type.
	MemoryTypeBits uint32

	// FailAllocation is consulted before every device allocation. Returning true fails the
	// allocation with VKErrorOutOfDeviceMemory.
	FailAllocation func(memoryTypeIndex int, size int) bool
	// FailBind is consulted before every bind. Returning true fails the bind with VKErrorUnknown.
	FailBind func(memory gma.DeviceMemory, offset int) bool
}

// DiscreteGPU describes a GPU with a device-local heap of heapSize bytes and a host heap of the
// same size. Memory type 0 is device local, 1 is host visible and coherent, 2 is additionally
// host cached, and 3 is device local and host visible.
func DiscreteGPU(heapSize int) Options {
	return Options{
		DriverType: core1_0.PhysicalDeviceTypeDiscreteGPU,
		Limits: gma.DeviceLimits{
			BufferImageGranularity:   1024,
			NonCoherentAtomSize:      64,
			MaxMemoryAllocationCount: 4096,
		},
		MemoryTypes: []core1_0.MemoryType{
			{PropertyFlags: core1_0.MemoryPropertyDeviceLocal, HeapIndex: 0},
			{PropertyFlags: core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent, HeapIndex: 1},
			{PropertyFlags: core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent | core1_0.MemoryPropertyHostCached, HeapIndex: 1},
			{PropertyFlags: core1_0.MemoryPropertyDeviceLocal | core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent, HeapIndex: 0},
		},
		MemoryHeaps: []core1_0.MemoryHeap{
			{Size: heapSize, Flags: core1_0.MemoryHeapDeviceLocal},
			{Size: heapSize},
		},
	}
}

// IntegratedGPU describes a GPU with a single unified heap of heapSize bytes. Memory type 0 is
// device local, 1 is host visible and coherent, and 2 is additionally host cached.
func IntegratedGPU(heapSize int) Options {
	return Options{
		DriverType: core1_0.PhysicalDeviceTypeIntegratedGPU,
		Limits: gma.DeviceLimits{
			BufferImageGranularity:   1,
			NonCoherentAtomSize:      64,
			MaxMemoryAllocationCount: 4096,
		},
		MemoryTypes: []core1_0.MemoryType{
			{PropertyFlags: core1_0.MemoryPropertyDeviceLocal, HeapIndex: 0},
			{PropertyFlags: core1_0.MemoryPropertyDeviceLocal | core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent, HeapIndex: 0},
			{PropertyFlags: core1_0.MemoryPropertyDeviceLocal | core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent | core1_0.MemoryPropertyHostCached, HeapIndex: 0},
		},
		MemoryHeaps: []core1_0.MemoryHeap{
			{Size: heapSize, Flags: core1_0.MemoryHeapDeviceLocal},
		},
	}
}
