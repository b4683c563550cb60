// Package simdevice is an in-process gma.Device. Device memory is ordinary Go memory, allocated the
// first time it is mapped, so it is suitable for tests and simulations of allocator behaviour.
package simdevice

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/gfxmem/gma"
	"github.com/vkngwrapper/gfxmem/memutils"
)

// Device is a simulated GPU
type Device struct {
	options Options
	logger  *slog.Logger

	mutex         sync.Mutex
	heapUsage     []int
	externalUsage []int
	heapBudgets   []int
	liveMemory    int
	allocations   int
	frees         int
	nextMemoryID  int
}

var _ gma.Device = &Device{}

// New creates a simulated device. Zero-valued alignments and texel size are replaced by their
// defaults.
func New(options Options) (*Device, error) {
	if len(options.MemoryTypes) == 0 || len(options.MemoryTypes) > common.MaxMemoryTypes {
		return nil, errors.Newf("a device must have between 1 and %d memory types, but %d were provided", common.MaxMemoryTypes, len(options.MemoryTypes))
	}
	if len(options.MemoryHeaps) == 0 || len(options.MemoryHeaps) > common.MaxMemoryHeaps {
		return nil, errors.Newf("a device must have between 1 and %d memory heaps, but %d were provided", common.MaxMemoryHeaps, len(options.MemoryHeaps))
	}
	for typeIndex, memoryType := range options.MemoryTypes {
		if memoryType.HeapIndex < 0 || memoryType.HeapIndex >= len(options.MemoryHeaps) {
			return nil, errors.Newf("memory type %d refers to heap %d, which does not exist", typeIndex, memoryType.HeapIndex)
		}
	}
	if len(options.HeapBudgets) > len(options.MemoryHeaps) || len(options.ExternalUsage) > len(options.MemoryHeaps) {
		return nil, errors.New("heap budgets and external usage cannot have more entries than there are heaps")
	}

	if options.BufferAlignment == 0 {
		options.BufferAlignment = DefaultBufferAlignment
	}
	if options.ImageAlignment == 0 {
		options.ImageAlignment = DefaultImageAlignment
	}
	if options.TexelSize == 0 {
		options.TexelSize = DefaultTexelSize
	}
	if options.Limits.BufferImageGranularity == 0 {
		options.Limits.BufferImageGranularity = 1
	}
	if options.Limits.NonCoherentAtomSize == 0 {
		options.Limits.NonCoherentAtomSize = 1
	}
	if options.MemoryTypeBits == 0 {
		options.MemoryTypeBits = uint32(1<<len(options.MemoryTypes)) - 1
	}

	if err := memutils.CheckPow2(options.BufferAlignment, "buffer alignment"); err != nil {
		return nil, err
	}
	if err := memutils.CheckPow2(options.ImageAlignment, "image alignment"); err != nil {
		return nil, err
	}

	logger := options.Logger
	if logger == nil {
		logger = slog.New(discardHandler{})
	}

	heapCount := len(options.MemoryHeaps)
	device := &Device{
		options:       options,
		logger:        logger,
		heapUsage:     make([]int, heapCount),
		externalUsage: make([]int, heapCount),
		heapBudgets:   make([]int, heapCount),
	}
	copy(device.externalUsage, options.ExternalUsage)
	copy(device.heapBudgets, options.HeapBudgets)

	return device, nil
}

func (d *Device) Properties() (gma.DeviceProperties, error) {
	return gma.DeviceProperties{
		DriverType: d.options.DriverType,
		Limits:     d.options.Limits,
	}, nil
}

func (d *Device) MemoryProperties() *core1_0.PhysicalDeviceMemoryProperties {
	return &core1_0.PhysicalDeviceMemoryProperties{
		MemoryTypes: append([]core1_0.MemoryType(nil), d.options.MemoryTypes...),
		MemoryHeaps: append([]core1_0.MemoryHeap(nil), d.options.MemoryHeaps...),
	}
}

func (d *Device) MemoryBudget(budgets []gma.HeapBudget) (bool, error) {
	if !d.options.ReportBudget {
		return false, nil
	}

	d.mutex.Lock()
	defer d.mutex.Unlock()

	for heapIndex := 0; heapIndex < len(budgets) && heapIndex < len(d.heapUsage); heapIndex++ {
		budget := d.heapBudgets[heapIndex]
		if budget == 0 {
			budget = d.options.MemoryHeaps[heapIndex].Size
		}

		budgets[heapIndex] = gma.HeapBudget{
			Budget: budget,
			Usage:  d.heapUsage[heapIndex] + d.externalUsage[heapIndex],
		}
	}

	return true, nil
}

// SetExternalUsage changes the memory reported as used by other processes in a heap
func (d *Device) SetExternalUsage(heapIndex int, usage int) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.externalUsage[heapIndex] = usage
}

// SetHeapBudget changes the budget reported for a heap. Zero reports the heap size.
func (d *Device) SetHeapBudget(heapIndex int, budget int) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.heapBudgets[heapIndex] = budget
}

// HeapUsage is the number of bytes currently allocated from a heap
func (d *Device) HeapUsage(heapIndex int) int {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	return d.heapUsage[heapIndex]
}

// LiveMemoryCount is the number of device memory objects that have not been freed
func (d *Device) LiveMemoryCount() int {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	return d.liveMemory
}

// AllocationCount and FreeCount are the number of successful device allocations and frees made
// since the device was created
func (d *Device) AllocationCount() int {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	return d.allocations
}

func (d *Device) FreeCount() int {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	return d.frees
}

func (d *Device) AllocateMemory(memoryTypeIndex int, size int) (gma.DeviceMemory, common.VkResult, error) {
	if memoryTypeIndex < 0 || memoryTypeIndex >= len(d.options.MemoryTypes) {
		return nil, core1_0.VKErrorUnknown, errors.Newf("memory type %d does not exist", memoryTypeIndex)
	}
	if size <= 0 {
		return nil, core1_0.VKErrorUnknown, errors.Newf("allocation size must be positive, but was %d", size)
	}

	if d.options.FailAllocation != nil && d.options.FailAllocation(memoryTypeIndex, size) {
		return nil, core1_0.VKErrorOutOfDeviceMemory, core1_0.VKErrorOutOfDeviceMemory.ToError()
	}

	heapIndex := d.options.MemoryTypes[memoryTypeIndex].HeapIndex

	d.mutex.Lock()
	defer d.mutex.Unlock()

	maxCount := d.options.Limits.MaxMemoryAllocationCount
	if maxCount > 0 && d.liveMemory >= maxCount {
		return nil, core1_0.VKErrorTooManyObjects, core1_0.VKErrorTooManyObjects.ToError()
	}
	if d.heapUsage[heapIndex]+size > d.options.MemoryHeaps[heapIndex].Size {
		return nil, core1_0.VKErrorOutOfDeviceMemory, core1_0.VKErrorOutOfDeviceMemory.ToError()
	}

	d.heapUsage[heapIndex] += size
	d.liveMemory++
	d.allocations++
	d.nextMemoryID++

	memory := &Memory{
		device:          d,
		id:              d.nextMemoryID,
		memoryTypeIndex: memoryTypeIndex,
		heapIndex:       heapIndex,
		size:            size,
		hostVisible:     d.options.MemoryTypes[memoryTypeIndex].PropertyFlags&core1_0.MemoryPropertyHostVisible != 0,
	}

	d.logger.LogAttrs(context.Background(), slog.LevelDebug, "device memory allocated",
		slog.Int("memory.id", memory.id),
		slog.Int("MemoryTypeIndex", memoryTypeIndex),
		slog.Int("size", size))

	return memory, core1_0.VKSuccess, nil
}

func (d *Device) free(memory *Memory) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.heapUsage[memory.heapIndex] -= memory.size
	d.liveMemory--
	d.frees++

	d.logger.LogAttrs(context.Background(), slog.LevelDebug, "device memory freed",
		slog.Int("memory.id", memory.id),
		slog.Int("size", memory.size))
}

func (d *Device) CreateBuffer(createInfo core1_0.BufferCreateInfo) (gma.NativeBuffer, common.VkResult, error) {
	if createInfo.Size <= 0 {
		return nil, core1_0.VKErrorUnknown, errors.Newf("buffer size must be positive, but was %d", createInfo.Size)
	}

	return &Buffer{
		resource: resource{
			device: d,
			requirements: core1_0.MemoryRequirements{
				Size:           memutils.AlignUp(createInfo.Size, uint(d.options.BufferAlignment)),
				Alignment:      d.options.BufferAlignment,
				MemoryTypeBits: d.options.MemoryTypeBits,
			},
		},
		createInfo: createInfo,
	}, core1_0.VKSuccess, nil
}

func (d *Device) CreateImage(createInfo core1_0.ImageCreateInfo) (gma.NativeImage, common.VkResult, error) {
	extent := createInfo.Extent
	if extent.Width <= 0 || extent.Height <= 0 || extent.Depth <= 0 {
		return nil, core1_0.VKErrorUnknown, errors.Newf("image extent must be positive, but was %dx%dx%d", extent.Width, extent.Height, extent.Depth)
	}

	size := extent.Width * extent.Height * extent.Depth * d.options.TexelSize * max(createInfo.ArrayLayers, 1)
	// A full mip chain is at most a third larger than the base level
	if createInfo.MipLevels > 1 {
		size += size / 3
	}

	return &Image{
		resource: resource{
			device: d,
			requirements: core1_0.MemoryRequirements{
				Size:           memutils.AlignUp(size, uint(d.options.ImageAlignment)),
				Alignment:      d.options.ImageAlignment,
				MemoryTypeBits: d.options.MemoryTypeBits,
			},
		},
		createInfo: createInfo,
	}, core1_0.VKSuccess, nil
}

// Memory is a simulated device memory object
type Memory struct {
	device          *Device
	id              int
	memoryTypeIndex int
	heapIndex       int
	size            int
	hostVisible     bool

	mutex  sync.Mutex
	data   []byte
	mapped bool
	freed  bool
}

var _ gma.DeviceMemory = &Memory{}

func (m *Memory) ID() int              { return m.id }
func (m *Memory) Size() int            { return m.size }
func (m *Memory) MemoryTypeIndex() int { return m.memoryTypeIndex }

// Bytes returns the backing memory, or nil if it has never been mapped
func (m *Memory) Bytes() []byte {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	return m.data
}

func (m *Memory) Map(offset int, size int) (unsafe.Pointer, common.VkResult, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.freed {
		return nil, core1_0.VKErrorMemoryMapFailed, errors.Newf("device memory %d has been freed", m.id)
	}
	if !m.hostVisible {
		return nil, core1_0.VKErrorMemoryMapFailed, errors.Newf("device memory %d is not host visible", m.id)
	}
	if m.mapped {
		return nil, core1_0.VKErrorMemoryMapFailed, errors.Newf("device memory %d is already mapped", m.id)
	}
	if offset < 0 || size <= 0 || offset+size > m.size {
		return nil, core1_0.VKErrorMemoryMapFailed, errors.Newf("range [%d, %d) is outside device memory %d of size %d", offset, offset+size, m.id, m.size)
	}

	if m.data == nil {
		m.data = make([]byte, m.size)
	}
	m.mapped = true

	return unsafe.Pointer(&m.data[offset]), core1_0.VKSuccess, nil
}

func (m *Memory) Unmap() {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if !m.mapped {
		panic(fmt.Sprintf("device memory %d was unmapped but is not mapped", m.id))
	}
	m.mapped = false
}

func (m *Memory) Free() {
	m.mutex.Lock()
	if m.freed {
		m.mutex.Unlock()
		panic(fmt.Sprintf("device memory %d was freed twice", m.id))
	}
	m.freed = true
	m.mapped = false
	m.mutex.Unlock()

	m.device.free(m)
}

func (m *Memory) isFreed() bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	return m.freed
}

type resource struct {
	device       *Device
	requirements core1_0.MemoryRequirements

	mutex     sync.Mutex
	memory    *Memory
	offset    int
	destroyed bool
}

func (r *resource) MemoryRequirements() *core1_0.MemoryRequirements {
	requirements := r.requirements
	return &requirements
}

func (r *resource) BindMemory(memory gma.DeviceMemory, offset int) (common.VkResult, error) {
	if r.device.options.FailBind != nil && r.device.options.FailBind(memory, offset) {
		return core1_0.VKErrorUnknown, core1_0.VKErrorUnknown.ToError()
	}

	simMemory, ok := memory.(*Memory)
	if !ok || simMemory.device != r.device {
		return core1_0.VKErrorUnknown, errors.New("memory was not allocated from this device")
	}
	if simMemory.isFreed() {
		return core1_0.VKErrorUnknown, errors.Newf("device memory %d has been freed", simMemory.id)
	}
	if r.requirements.MemoryTypeBits&(1<<simMemory.memoryTypeIndex) == 0 {
		return core1_0.VKErrorUnknown, errors.Newf("memory type %d is not permitted by bits %#x", simMemory.memoryTypeIndex, r.requirements.MemoryTypeBits)
	}
	if !memutils.IsAligned(offset, uint(r.requirements.Alignment)) {
		return core1_0.VKErrorUnknown, errors.Newf("offset %d is not aligned to %d", offset, r.requirements.Alignment)
	}
	if offset < 0 || offset+r.requirements.Size > simMemory.size {
		return core1_0.VKErrorUnknown, errors.Newf("range [%d, %d) is outside device memory %d of size %d", offset, offset+r.requirements.Size, simMemory.id, simMemory.size)
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.destroyed {
		return core1_0.VKErrorUnknown, errors.New("resource has been destroyed")
	}
	if r.memory != nil {
		return core1_0.VKErrorUnknown, errors.New("resource is already bound to memory")
	}

	r.memory = simMemory
	r.offset = offset
	return core1_0.VKSuccess, nil
}

func (r *resource) Destroy() {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.destroyed {
		panic("resource was destroyed twice")
	}
	r.destroyed = true
}

// BoundMemory returns the memory and offset the resource was bound to, or nil if it is unbound
func (r *resource) BoundMemory() (*Memory, int) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	return r.memory, r.offset
}

func (r *resource) Destroyed() bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	return r.destroyed
}

// Buffer is a simulated buffer
type Buffer struct {
	resource
	createInfo core1_0.BufferCreateInfo
}

var _ gma.NativeBuffer = &Buffer{}

// Image is a simulated image
type Image struct {
	resource
	createInfo core1_0.ImageCreateInfo
}

var _ gma.NativeImage = &Image{}

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (h discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return h }
func (h discardHandler) WithGroup(string) slog.Handler           { return h }
