package vulkan

import (
	"log/slog"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/core1_1"
	"github.com/vkngwrapper/core/v2/driver"
	"github.com/vkngwrapper/extensions/v2/ext_memory_budget"
	"github.com/vkngwrapper/gfxmem/gma"
)

// Device allocates memory and creates resources on a Vulkan device
type Device struct {
	logger         *slog.Logger
	instance       core1_0.Instance
	physicalDevice core1_0.PhysicalDevice
	device         core1_0.Device
	callbacks      *driver.AllocationCallbacks
	extensionData  *ExtensionData
}

var _ gma.Device = &Device{}

// NewDevice wraps a Vulkan device so an Allocator can use it
//
// instance - The instance that owns the provided Device
//
// physicalDevice - The PhysicalDevice that owns the provided Device
//
// device - The Device that memory will be allocated into
//
// callbacks - Optional host allocation callbacks passed to every Vulkan create and destroy call
func NewDevice(logger *slog.Logger, instance core1_0.Instance, physicalDevice core1_0.PhysicalDevice, device core1_0.Device, callbacks *driver.AllocationCallbacks) *Device {
	return &Device{
		logger:         logger,
		instance:       instance,
		physicalDevice: physicalDevice,
		device:         device,
		callbacks:      callbacks,
		extensionData:  NewExtensionData(device, physicalDevice, instance),
	}
}

func (d *Device) Properties() (gma.DeviceProperties, error) {
	properties, err := d.physicalDevice.Properties()
	if err != nil {
		return gma.DeviceProperties{}, err
	}
	if properties.Limits == nil {
		return gma.DeviceProperties{}, errors.New("physical device properties did not include limits")
	}

	return gma.DeviceProperties{
		DriverType: properties.DriverType,
		Limits: gma.DeviceLimits{
			BufferImageGranularity:   properties.Limits.BufferImageGranularity,
			NonCoherentAtomSize:      properties.Limits.NonCoherentAtomSize,
			MaxMemoryAllocationCount: properties.Limits.MaxMemoryAllocationCount,
		},
	}, nil
}

func (d *Device) MemoryProperties() *core1_0.PhysicalDeviceMemoryProperties {
	return d.physicalDevice.MemoryProperties()
}

// MemoryBudget reads the budget through VK_EXT_memory_budget when the device has it active
func (d *Device) MemoryBudget(budgets []gma.HeapBudget) (bool, error) {
	if !d.extensionData.UseMemoryBudget {
		return false, nil
	}

	var budgetProperties ext_memory_budget.PhysicalDeviceMemoryBudgetProperties
	properties := core1_1.PhysicalDeviceMemoryProperties2{
		NextOutData: common.NextOutData{Next: &budgetProperties},
	}

	err := d.extensionData.GetPhysicalDeviceProperties2.MemoryProperties2(&properties)
	if err != nil {
		return false, err
	}

	for heapIndex := 0; heapIndex < len(budgets) && heapIndex < common.MaxMemoryHeaps; heapIndex++ {
		budgets[heapIndex] = gma.HeapBudget{
			Budget: int(budgetProperties.HeapBudget[heapIndex]),
			Usage:  int(budgetProperties.HeapUsage[heapIndex]),
		}
	}

	return true, nil
}

func (d *Device) AllocateMemory(memoryTypeIndex int, size int) (gma.DeviceMemory, common.VkResult, error) {
	memory, res, err := d.device.AllocateMemory(d.callbacks, core1_0.MemoryAllocateInfo{
		AllocationSize:  size,
		MemoryTypeIndex: memoryTypeIndex,
	})
	if err != nil {
		return nil, res, err
	}

	d.logger.Debug("Device::AllocateMemory",
		slog.Int("MemoryTypeIndex", memoryTypeIndex),
		slog.Int("size", size))

	return &Memory{
		memory:    memory,
		callbacks: d.callbacks,
	}, res, nil
}

func (d *Device) CreateBuffer(createInfo core1_0.BufferCreateInfo) (gma.NativeBuffer, common.VkResult, error) {
	buffer, res, err := d.device.CreateBuffer(d.callbacks, createInfo)
	if err != nil {
		return nil, res, err
	}

	return &Buffer{
		buffer:    buffer,
		callbacks: d.callbacks,
	}, res, nil
}

func (d *Device) CreateImage(createInfo core1_0.ImageCreateInfo) (gma.NativeImage, common.VkResult, error) {
	image, res, err := d.device.CreateImage(d.callbacks, createInfo)
	if err != nil {
		return nil, res, err
	}

	return &Image{
		image:     image,
		callbacks: d.callbacks,
	}, res, nil
}

// Memory is a VkDeviceMemory owned by an Allocator
type Memory struct {
	memory    core1_0.DeviceMemory
	callbacks *driver.AllocationCallbacks
}

var _ gma.DeviceMemory = &Memory{}

// VulkanDeviceMemory returns the underlying Vulkan object
func (m *Memory) VulkanDeviceMemory() core1_0.DeviceMemory {
	return m.memory
}

func (m *Memory) Map(offset int, size int) (unsafe.Pointer, common.VkResult, error) {
	return m.memory.Map(offset, size, 0)
}

func (m *Memory) Unmap() {
	m.memory.Unmap()
}

func (m *Memory) Free() {
	m.memory.Free(m.callbacks)
}

func vulkanMemory(memory gma.DeviceMemory) (core1_0.DeviceMemory, error) {
	vkMemory, ok := memory.(*Memory)
	if !ok {
		return nil, errors.Newf("device memory of type %T was not allocated by a vulkan.Device", memory)
	}

	return vkMemory.memory, nil
}

// Buffer is a VkBuffer created by an Allocator
type Buffer struct {
	buffer    core1_0.Buffer
	callbacks *driver.AllocationCallbacks
}

var _ gma.NativeBuffer = &Buffer{}

// VulkanBuffer returns the underlying Vulkan object
func (b *Buffer) VulkanBuffer() core1_0.Buffer {
	return b.buffer
}

func (b *Buffer) MemoryRequirements() *core1_0.MemoryRequirements {
	return b.buffer.MemoryRequirements()
}

func (b *Buffer) BindMemory(memory gma.DeviceMemory, offset int) (common.VkResult, error) {
	vkMemory, err := vulkanMemory(memory)
	if err != nil {
		return core1_0.VKErrorUnknown, err
	}

	return b.buffer.BindBufferMemory(vkMemory, offset)
}

func (b *Buffer) Destroy() {
	b.buffer.Destroy(b.callbacks)
}

// Image is a VkImage created by an Allocator
type Image struct {
	image     core1_0.Image
	callbacks *driver.AllocationCallbacks
}

var _ gma.NativeImage = &Image{}

// VulkanImage returns the underlying Vulkan object
func (i *Image) VulkanImage() core1_0.Image {
	return i.image
}

func (i *Image) MemoryRequirements() *core1_0.MemoryRequirements {
	return i.image.MemoryRequirements()
}

func (i *Image) BindMemory(memory gma.DeviceMemory, offset int) (common.VkResult, error) {
	vkMemory, err := vulkanMemory(memory)
	if err != nil {
		return core1_0.VKErrorUnknown, err
	}

	return i.image.BindImageMemory(vkMemory, offset)
}

func (i *Image) Destroy() {
	i.image.Destroy(i.callbacks)
}
