package gma

import (
	"unsafe"

	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
)

//go:generate mockgen -source device.go -destination ./mocks/device.go -package mocks

// DeviceLimits are the device limits that affect sub-allocation
type DeviceLimits struct {
	// BufferImageGranularity is the page size within which buffers and optimally-tiled images may
	// not be mixed
	BufferImageGranularity int
	// NonCoherentAtomSize is the alignment required for flushing non-coherent host-visible memory
	NonCoherentAtomSize int
	// MaxMemoryAllocationCount is the maximum number of simultaneous heaps the driver allows
	MaxMemoryAllocationCount int
}

// DeviceProperties describes the physical device an Allocator is created on
type DeviceProperties struct {
	DriverType core1_0.PhysicalDeviceType
	Limits     DeviceLimits
}

// HeapBudget is a driver-reported memory budget for one heap
type HeapBudget struct {
	// Budget is the number of bytes the process can allocate from the heap before allocations may
	// fail or performance degrades
	Budget int
	// Usage is the number of bytes currently allocated from the heap by the process
	Usage int
}

// Device is the backend the Allocator acquires heaps and creates native resources from
type Device interface {
	// Properties is queried once at Allocator construction
	Properties() (DeviceProperties, error)
	// MemoryProperties is queried once at Allocator construction
	MemoryProperties() *core1_0.PhysicalDeviceMemoryProperties

	// MemoryBudget fills budgets, which has one entry per memory heap, with the driver's current
	// report. It returns false if the driver cannot report budgets, in which case the Allocator
	// estimates them itself.
	MemoryBudget(budgets []HeapBudget) (bool, error)

	AllocateMemory(memoryTypeIndex int, size int) (DeviceMemory, common.VkResult, error)
	CreateBuffer(createInfo core1_0.BufferCreateInfo) (NativeBuffer, common.VkResult, error)
	CreateImage(createInfo core1_0.ImageCreateInfo) (NativeImage, common.VkResult, error)
}

// DeviceMemory is a single allocation of device memory obtained from the driver
type DeviceMemory interface {
	Map(offset int, size int) (unsafe.Pointer, common.VkResult, error)
	Unmap()
	Free()
}

// NativeBuffer is a buffer handle that has not necessarily been bound to memory
type NativeBuffer interface {
	MemoryRequirements() *core1_0.MemoryRequirements
	BindMemory(memory DeviceMemory, offset int) (common.VkResult, error)
	Destroy()
}

// NativeImage is an image handle that has not necessarily been bound to memory
type NativeImage interface {
	MemoryRequirements() *core1_0.MemoryRequirements
	BindMemory(memory DeviceMemory, offset int) (common.VkResult, error)
	Destroy()
}
