package vulkan

import (
	"log/slog"

	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/driver"
	"github.com/vkngwrapper/gfxmem/gma"
)

// CreateOptions contains optional settings when creating an allocator on a Vulkan device
type CreateOptions struct {
	gma.CreateOptions

	// VulkanCallbacks is an optional set of callbacks that will be executed from Vulkan on memory
	// and resources created from this allocator. Allocations & frees performed by the allocator do
	// not map 1:1 with allocations & frees performed by Vulkan, so these will not always be called
	VulkanCallbacks *driver.AllocationCallbacks
}

// New creates a gma.Allocator that sub-allocates memory from a Vulkan device
//
// instance - The instance that owns the provided Device
//
// physicalDevice - The PhysicalDevice that owns the provided Device
//
// device - The Device that memory will be allocated into
//
// options - Optional parameters: it is valid to leave all the fields blank
func New(logger *slog.Logger, instance core1_0.Instance, physicalDevice core1_0.PhysicalDevice, device core1_0.Device, options CreateOptions) (*gma.Allocator, error) {
	vulkanDevice := NewDevice(logger, instance, physicalDevice, device, options.VulkanCallbacks)

	return gma.New(logger, vulkanDevice, options.CreateOptions)
}
