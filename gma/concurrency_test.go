package gma_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/gfxmem/gma"
	"golang.org/x/sync/errgroup"
)

func TestConcurrentAllocationsDoNotOverlap(t *testing.T) {
	_, allocator, manager := readyManager(t, AllocatorSetup{
		Settings: smallSettings(1024, 16*1024),
	}, deviceLocalType)
	defer func() {
		require.NoError(t, allocator.Destroy())
	}()

	const workers = 8
	const allocationsPerWorker = 200

	var mutex sync.Mutex
	var regions []*gma.MemoryRegion

	var group errgroup.Group
	for worker := 0; worker < workers; worker++ {
		group.Go(func() error {
			local := make([]*gma.MemoryRegion, 0, allocationsPerWorker)
			for i := 0; i < allocationsPerWorker; i++ {
				region, err := manager.Allocate(1, 0, 0)
				if err != nil {
					return err
				}
				local = append(local, region)
			}

			mutex.Lock()
			regions = append(regions, local...)
			mutex.Unlock()
			return nil
		})
	}
	require.NoError(t, group.Wait())

	require.Len(t, regions, workers*allocationsPerWorker)
	requireNoOverlap(t, regions)
	require.NoError(t, manager.Validate())

	var freeGroup errgroup.Group
	for worker := 0; worker < workers; worker++ {
		chunk := regions[worker*allocationsPerWorker : (worker+1)*allocationsPerWorker]
		freeGroup.Go(func() error {
			for _, region := range chunk {
				if err := region.Free(); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, freeGroup.Wait())

	require.NoError(t, manager.Validate())
	require.LessOrEqual(t, manager.AllocatorCount(), 1)
}

func TestConcurrentResourceChurn(t *testing.T) {
	device, allocator := readyAllocator(t, AllocatorSetup{
		Settings: smallSettings(4096, 64*1024),
	})

	var group errgroup.Group
	for worker := 0; worker < 4; worker++ {
		worker := worker
		group.Go(func() error {
			for i := 0; i < 100; i++ {
				cpuAccess := gma.CPUAccess((worker + i) % 3)

				buffer, err := allocator.CreateBuffer(core1_0.BufferCreateInfo{
					Size: 64 * (i + 1),
				}, cpuAccess, 0)
				if err != nil {
					return err
				}

				texture, err := allocator.CreateTexture(core1_0.ImageCreateInfo{
					Extent:      core1_0.Extent3D{Width: 8, Height: 8, Depth: 1},
					MipLevels:   1,
					ArrayLayers: 1,
				}, cpuAccess, 0)
				if err != nil {
					return err
				}

				if err := texture.Dispose(); err != nil {
					return err
				}
				if err := buffer.Dispose(); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, group.Wait())

	var stats gma.AllocatorStatistics
	allocator.CalculateStatistics(&stats)
	require.Equal(t, 0, stats.Total.AllocationCount)

	require.NoError(t, allocator.Destroy())
	require.Equal(t, 0, device.LiveMemoryCount())
}
