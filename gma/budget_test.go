package gma_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/gfxmem/gma"
	"github.com/vkngwrapper/gfxmem/simdevice"
)

func TestBudgetFallsBackToHeapFraction(t *testing.T) {
	_, allocator, manager := readyManager(t, AllocatorSetup{
		Settings: smallSettings(4096, 64*1024),
	}, deviceLocalType)
	defer func() {
		require.NoError(t, allocator.Destroy())
	}()

	budgets := make([]gma.Budget, 2)
	require.NoError(t, allocator.HeapBudgets(0, budgets))
	require.Equal(t, 0, budgets[0].Usage)
	require.Equal(t, 1024*1024*8/10, budgets[0].Budget)
	require.Equal(t, 1024*1024*8/10, budgets[1].Budget)

	region, err := manager.Allocate(1000, 0, 0)
	require.NoError(t, err)

	require.NoError(t, allocator.HeapBudgets(0, budgets))
	require.Equal(t, 8192, budgets[0].Usage)
	require.Equal(t, 1, budgets[0].Statistics.BlockCount)
	require.Equal(t, 8192, budgets[0].Statistics.BlockBytes)
	require.Equal(t, 1, budgets[0].Statistics.AllocationCount)
	require.Equal(t, 1000, budgets[0].Statistics.AllocationBytes)
	require.Equal(t, 0, budgets[1].Usage)

	require.NoError(t, region.Free())

	// The empty heap is retained, so it still counts against the budget
	require.NoError(t, allocator.HeapBudgets(0, budgets))
	require.Equal(t, 8192, budgets[0].Usage)
	require.Equal(t, 0, budgets[0].Statistics.AllocationCount)
}

func TestBudgetReportedByDevice(t *testing.T) {
	options := simdevice.DiscreteGPU(1024 * 1024)
	options.ReportBudget = true
	options.HeapBudgets = []int{512 * 1024, 0}

	device, allocator, manager := readyManager(t, AllocatorSetup{
		Device:   options,
		Settings: smallSettings(4096, 64*1024),
	}, deviceLocalType)
	defer func() {
		require.NoError(t, allocator.Destroy())
	}()

	budgets := make([]gma.Budget, 2)
	require.NoError(t, allocator.HeapBudgets(0, budgets))
	require.Equal(t, 512*1024, budgets[0].Budget)
	require.Equal(t, 0, budgets[0].Usage)
	require.Equal(t, 1024*1024, budgets[1].Budget)

	// Usage by other processes only shows up once the report is refreshed
	device.SetExternalUsage(0, 100000)

	region, err := manager.Allocate(1000, 0, 0)
	require.NoError(t, err)

	require.NoError(t, allocator.HeapBudgets(0, budgets))
	require.Equal(t, 8192, budgets[0].Usage)

	require.NoError(t, allocator.RefreshBudget())
	require.NoError(t, allocator.HeapBudgets(0, budgets))
	require.Equal(t, 108192, budgets[0].Usage)

	allocator.SetCurrentFrameIndex(3)
	require.Equal(t, uint32(3), allocator.CurrentFrameIndex())

	device.SetExternalUsage(0, 0)
	allocator.SetCurrentFrameIndex(4)
	require.NoError(t, allocator.HeapBudgets(0, budgets))
	require.Equal(t, 8192, budgets[0].Usage)

	require.NoError(t, region.Free())
}

func TestBudgetRespectsHeapSizeLimits(t *testing.T) {
	settings := smallSettings(4096, 64*1024)
	settings.HeapSizeLimits = []int{256 * 1024, 0}

	options := simdevice.DiscreteGPU(1024 * 1024)
	options.ReportBudget = true

	_, allocator, manager := readyManager(t, AllocatorSetup{
		Device:   options,
		Settings: settings,
	}, deviceLocalType)
	defer func() {
		require.NoError(t, allocator.Destroy())
	}()

	budgets := make([]gma.Budget, 2)
	require.NoError(t, allocator.HeapBudgets(0, budgets))
	require.Equal(t, 256*1024, budgets[0].Budget)
	require.Equal(t, 1024*1024, budgets[1].Budget)

	_, err := manager.Allocate(300*1024, 0, 0)
	require.ErrorIs(t, err, gma.ErrOutOfMemory)
	require.Equal(t, 0, manager.AllocatorCount())
}

func TestBudgetRefreshesWhenStale(t *testing.T) {
	options := simdevice.DiscreteGPU(1024 * 1024)
	options.ReportBudget = true

	device, allocator, manager := readyManager(t, AllocatorSetup{
		Device:   options,
		Settings: smallSettings(4096, 64*1024),
	}, deviceLocalType)
	defer func() {
		require.NoError(t, allocator.Destroy())
	}()

	device.SetExternalUsage(0, 50000)

	budgets := make([]gma.Budget, 1)
	cycle := func() {
		region, err := manager.Allocate(1000, 0, gma.AllocationDedicatedMemoryAllocator)
		require.NoError(t, err)
		require.NoError(t, region.Free())
	}

	// The first cycle creates a heap and retains it. Every later cycle creates a heap and evicts
	// the previously retained one, so 15 cycles make 29 device operations.
	for i := 0; i < 15; i++ {
		cycle()
	}
	require.NoError(t, allocator.HeapBudgets(0, budgets))
	require.Equal(t, 1000, budgets[0].Usage)
	require.Equal(t, 1, manager.AllocatorCount())
	require.Equal(t, 1, device.LiveMemoryCount())

	cycle()
	require.NoError(t, allocator.HeapBudgets(0, budgets))
	require.Equal(t, 51000, budgets[0].Usage)
}

func TestBudgetExceededEvictsEmptyHeaps(t *testing.T) {
	options := simdevice.DiscreteGPU(1024 * 1024)
	options.ReportBudget = true

	device, allocator, manager := readyManager(t, AllocatorSetup{
		Device:   options,
		Settings: smallSettings(4096, 64*1024),
	}, deviceLocalType)
	defer func() {
		require.NoError(t, allocator.Destroy())
	}()

	region, err := manager.Allocate(1000, 0, 0)
	require.NoError(t, err)
	require.Equal(t, 1, device.LiveMemoryCount())

	device.SetHeapBudget(0, 4096)
	require.NoError(t, allocator.RefreshBudget())

	require.NoError(t, region.Free())
	require.Equal(t, 0, manager.AllocatorCount())
	require.Equal(t, 0, device.LiveMemoryCount())
}

func TestHeapBudgetsOutOfRange(t *testing.T) {
	_, allocator := readyAllocator(t, AllocatorSetup{})
	defer func() {
		require.NoError(t, allocator.Destroy())
	}()

	require.ErrorIs(t, allocator.HeapBudgets(1, make([]gma.Budget, 2)), gma.ErrInvalidArgument)
	require.ErrorIs(t, allocator.HeapBudgets(-1, make([]gma.Budget, 1)), gma.ErrInvalidArgument)
	require.NoError(t, allocator.HeapBudgets(1, make([]gma.Budget, 1)))
}
