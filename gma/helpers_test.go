package gma_test

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/gfxmem/gma"
	"github.com/vkngwrapper/gfxmem/simdevice"
)

const (
	deviceLocalType = 0
	hostVisibleType = 1
)

type AllocatorSetup struct {
	Device   simdevice.Options
	Settings *gma.Settings
	Flags    gma.CreateFlags
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// smallSettings keeps heap sizes small enough to reason about, with no margins
func smallSettings(minimumSize, maximumSharedSize int) *gma.Settings {
	settings := gma.DefaultSettings()
	settings.MinimumAllocatorSize = minimumSize
	settings.MaximumSharedAllocatorSize = maximumSharedSize
	settings.MinimumAllocatedRegionMarginSize = 0
	return &settings
}

func readyAllocator(t *testing.T, setup AllocatorSetup) (*simdevice.Device, *gma.Allocator) {
	if setup.Device.MemoryTypes == nil {
		setup.Device = simdevice.DiscreteGPU(1024 * 1024)
	}

	device, err := simdevice.New(setup.Device)
	require.NoError(t, err)

	allocator, err := gma.New(testLogger(), device, gma.CreateOptions{
		Settings: setup.Settings,
		Flags:    setup.Flags,
	})
	require.NoError(t, err)

	return device, allocator
}

func readyManager(t *testing.T, setup AllocatorSetup, memoryTypeIndex int) (*simdevice.Device, *gma.Allocator, *gma.MemoryManager) {
	device, allocator := readyAllocator(t, setup)

	manager, err := allocator.MemoryManager(memoryTypeIndex)
	require.NoError(t, err)

	return device, allocator, manager
}

func requireNoOverlap(t *testing.T, regions []*gma.MemoryRegion) {
	t.Helper()

	for i := 0; i < len(regions); i++ {
		for j := i + 1; j < len(regions); j++ {
			left, right := regions[i], regions[j]
			if left.Heap() != right.Heap() {
				continue
			}

			overlaps := left.Offset() < right.Offset()+right.Size() && right.Offset() < left.Offset()+left.Size()
			require.Falsef(t, overlaps, "regions [%d, %d) and [%d, %d) of heap %s overlap",
				left.Offset(), left.Offset()+left.Size(), right.Offset(), right.Offset()+right.Size(), left.Heap().Name())
		}
	}
}
