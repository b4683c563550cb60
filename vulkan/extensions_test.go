package vulkan

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/mocks"
	"github.com/vkngwrapper/extensions/v2/ext_memory_budget"
	"github.com/vkngwrapper/extensions/v2/khr_get_physical_device_properties2"
	"go.uber.org/mock/gomock"
)

func TestExtensionsNew_NoExtensions(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	instance, physicalDevice, device := mocks.MockRig1_0(ctrl, common.Vulkan1_0, []string{}, []string{})

	extension := NewExtensionData(device, physicalDevice, instance)

	require.Equal(t, &ExtensionData{}, extension)
}

func TestExtensionsNew_Core11_NoMemoryBudget(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	instance, physicalDevice, device := mocks.MockRig1_1(ctrl, common.Vulkan1_1, []string{}, []string{})

	extension := NewExtensionData(device, physicalDevice, instance)

	require.Equal(t, &ExtensionData{
		GetPhysicalDeviceProperties2: physicalDevice.InstanceScopedPhysicalDevice1_1(),
		UseMemoryBudget:              false,
	}, extension)
}

func TestExtensionsNew_Core11_MemoryBudget(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	instance, physicalDevice, device := mocks.MockRig1_1(ctrl, common.Vulkan1_1, []string{},
		[]string{
			ext_memory_budget.ExtensionName,
		})

	extension := NewExtensionData(device, physicalDevice, instance)

	require.Equal(t, &ExtensionData{
		GetPhysicalDeviceProperties2: physicalDevice.InstanceScopedPhysicalDevice1_1(),
		UseMemoryBudget:              true,
	}, extension)
}

func TestExtensionsNew_Extensions_MemoryBudget(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	instance, physicalDevice, device := mocks.MockRig1_0(ctrl, common.Vulkan1_0,
		[]string{
			khr_get_physical_device_properties2.ExtensionName,
		},
		[]string{
			ext_memory_budget.ExtensionName,
		})

	extension := NewExtensionData(device, physicalDevice, instance)

	require.NotNil(t, extension.GetPhysicalDeviceProperties2)
	require.True(t, extension.UseMemoryBudget)
}

func TestExtensionsNew_NoMemoryBudget(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	instance, physicalDevice, device := mocks.MockRig1_0(ctrl, common.Vulkan1_0,
		[]string{},
		[]string{
			ext_memory_budget.ExtensionName,
		})

	extension := NewExtensionData(device, physicalDevice, instance)

	require.Equal(t, &ExtensionData{}, extension)
}
