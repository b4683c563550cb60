package gma

// AllocateDeviceMemoryCallback is called after the Allocator obtains a new heap from the device
type AllocateDeviceMemoryCallback func(
	allocator *Allocator,
	memoryType int,
	memory DeviceMemory,
	size int,
	userData any,
)

// FreeDeviceMemoryCallback is called before the Allocator returns a heap to the device
type FreeDeviceMemoryCallback func(
	allocator *Allocator,
	memoryType int,
	memory DeviceMemory,
	size int,
	userData any,
)

// MemoryCallbackOptions is an optional set of callbacks executed when the Allocator creates or
// destroys a heap. Regions are sub-allocated from heaps, so these are not called once per region.
type MemoryCallbackOptions struct {
	Allocate AllocateDeviceMemoryCallback
	Free     FreeDeviceMemoryCallback
	UserData any
}

type memoryCallbacks struct {
	Callbacks *MemoryCallbackOptions
	Allocator *Allocator
}

func (c *memoryCallbacks) Allocate(memoryType int, memory DeviceMemory, size int) {
	if c != nil && c.Callbacks != nil && c.Callbacks.Allocate != nil {
		c.Callbacks.Allocate(c.Allocator, memoryType, memory, size, c.Callbacks.UserData)
	}
}

func (c *memoryCallbacks) Free(memoryType int, memory DeviceMemory, size int) {
	if c != nil && c.Callbacks != nil && c.Callbacks.Free != nil {
		c.Callbacks.Free(c.Allocator, memoryType, memory, size, c.Callbacks.UserData)
	}
}
