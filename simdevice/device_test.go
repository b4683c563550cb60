package simdevice_test

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/gfxmem/gma"
	"github.com/vkngwrapper/gfxmem/simdevice"
)

func TestNewRejectsInvalidLayouts(t *testing.T) {
	testCases := map[string]struct {
		Options simdevice.Options
	}{
		"NoMemoryTypes": {
			Options: simdevice.Options{
				MemoryHeaps: []core1_0.MemoryHeap{{Size: 1024}},
			},
		},
		"NoHeaps": {
			Options: simdevice.Options{
				MemoryTypes: []core1_0.MemoryType{{HeapIndex: 0}},
			},
		},
		"MissingHeap": {
			Options: simdevice.Options{
				MemoryTypes: []core1_0.MemoryType{{HeapIndex: 1}},
				MemoryHeaps: []core1_0.MemoryHeap{{Size: 1024}},
			},
		},
		"BadAlignment": {
			Options: simdevice.Options{
				MemoryTypes:     []core1_0.MemoryType{{HeapIndex: 0}},
				MemoryHeaps:     []core1_0.MemoryHeap{{Size: 1024}},
				BufferAlignment: 100,
			},
		},
	}

	for testName, testCase := range testCases {
		t.Run(testName, func(t *testing.T) {
			_, err := simdevice.New(testCase.Options)
			require.Error(t, err)
		})
	}
}

func TestAllocateTracksHeapUsage(t *testing.T) {
	device, err := simdevice.New(simdevice.DiscreteGPU(1024 * 1024))
	require.NoError(t, err)

	memory, res, err := device.AllocateMemory(0, 4096)
	require.NoError(t, err)
	require.Equal(t, core1_0.VKSuccess, res)
	require.Equal(t, 4096, device.HeapUsage(0))
	require.Equal(t, 0, device.HeapUsage(1))
	require.Equal(t, 1, device.LiveMemoryCount())

	memory.Free()
	require.Equal(t, 0, device.HeapUsage(0))
	require.Equal(t, 0, device.LiveMemoryCount())
	require.Equal(t, 1, device.AllocationCount())
	require.Equal(t, 1, device.FreeCount())

	require.Panics(t, func() {
		memory.Free()
	})
}

func TestAllocateFailures(t *testing.T) {
	options := simdevice.DiscreteGPU(8192)
	options.Limits.MaxMemoryAllocationCount = 2
	options.FailAllocation = func(memoryTypeIndex int, size int) bool {
		return size == 1000
	}

	device, err := simdevice.New(options)
	require.NoError(t, err)

	_, res, err := device.AllocateMemory(0, 1000)
	require.Error(t, err)
	require.Equal(t, core1_0.VKErrorOutOfDeviceMemory, res)

	_, res, err = device.AllocateMemory(0, 8193)
	require.Error(t, err)
	require.Equal(t, core1_0.VKErrorOutOfDeviceMemory, res)

	_, _, err = device.AllocateMemory(0, 1024)
	require.NoError(t, err)
	_, _, err = device.AllocateMemory(1, 1024)
	require.NoError(t, err)

	_, res, err = device.AllocateMemory(1, 1024)
	require.Error(t, err)
	require.Equal(t, core1_0.VKErrorTooManyObjects, res)
}

func TestMapIsLazyAndHostVisibleOnly(t *testing.T) {
	device, err := simdevice.New(simdevice.DiscreteGPU(1024 * 1024))
	require.NoError(t, err)

	deviceLocal, _, err := device.AllocateMemory(0, 256)
	require.NoError(t, err)
	_, _, err = deviceLocal.Map(0, 256)
	require.Error(t, err)

	hostVisible, _, err := device.AllocateMemory(1, 256)
	require.NoError(t, err)

	simMemory := hostVisible.(*simdevice.Memory)
	require.Nil(t, simMemory.Bytes())

	ptr, res, err := hostVisible.Map(0, 256)
	require.NoError(t, err)
	require.Equal(t, core1_0.VKSuccess, res)

	data := unsafe.Slice((*byte)(ptr), 256)
	data[10] = 42
	require.Equal(t, byte(42), simMemory.Bytes()[10])

	_, _, err = hostVisible.Map(0, 256)
	require.Error(t, err)

	hostVisible.Unmap()
	require.Panics(t, func() {
		hostVisible.Unmap()
	})
}

func TestBufferAndImageRequirements(t *testing.T) {
	device, err := simdevice.New(simdevice.DiscreteGPU(1024 * 1024))
	require.NoError(t, err)

	buffer, _, err := device.CreateBuffer(core1_0.BufferCreateInfo{Size: 1000})
	require.NoError(t, err)
	require.Equal(t, &core1_0.MemoryRequirements{
		Size:           1024,
		Alignment:      simdevice.DefaultBufferAlignment,
		MemoryTypeBits: 0xf,
	}, buffer.MemoryRequirements())

	image, _, err := device.CreateImage(core1_0.ImageCreateInfo{
		Extent:      core1_0.Extent3D{Width: 100, Height: 100, Depth: 1},
		MipLevels:   1,
		ArrayLayers: 1,
	})
	require.NoError(t, err)
	require.Equal(t, &core1_0.MemoryRequirements{
		Size:           40960,
		Alignment:      simdevice.DefaultImageAlignment,
		MemoryTypeBits: 0xf,
	}, image.MemoryRequirements())
}

func TestBindValidatesPlacement(t *testing.T) {
	device, err := simdevice.New(simdevice.DiscreteGPU(1024 * 1024))
	require.NoError(t, err)

	memory, _, err := device.AllocateMemory(0, 2048)
	require.NoError(t, err)

	buffer, _, err := device.CreateBuffer(core1_0.BufferCreateInfo{Size: 1024})
	require.NoError(t, err)

	_, err = buffer.BindMemory(memory, 100)
	require.Error(t, err)

	_, err = buffer.BindMemory(memory, 1280)
	require.Error(t, err)

	res, err := buffer.BindMemory(memory, 1024)
	require.NoError(t, err)
	require.Equal(t, core1_0.VKSuccess, res)

	bound, offset := buffer.(*simdevice.Buffer).BoundMemory()
	require.Same(t, memory, gma.DeviceMemory(bound))
	require.Equal(t, 1024, offset)

	_, err = buffer.BindMemory(memory, 0)
	require.Error(t, err)

	buffer.Destroy()
	require.True(t, buffer.(*simdevice.Buffer).Destroyed())
}

func TestMemoryBudgetReport(t *testing.T) {
	options := simdevice.DiscreteGPU(1024 * 1024)
	device, err := simdevice.New(options)
	require.NoError(t, err)

	budgets := make([]gma.HeapBudget, 2)
	supported, err := device.MemoryBudget(budgets)
	require.NoError(t, err)
	require.False(t, supported)

	options.ReportBudget = true
	options.HeapBudgets = []int{512 * 1024}
	options.ExternalUsage = []int{0, 1000}
	device, err = simdevice.New(options)
	require.NoError(t, err)

	_, _, err = device.AllocateMemory(0, 4096)
	require.NoError(t, err)

	supported, err = device.MemoryBudget(budgets)
	require.NoError(t, err)
	require.True(t, supported)
	require.Equal(t, []gma.HeapBudget{
		{Budget: 512 * 1024, Usage: 4096},
		{Budget: 1024 * 1024, Usage: 1000},
	}, budgets)
}
