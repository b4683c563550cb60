package gma

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/gfxmem/internal/utils"
	"github.com/vkngwrapper/gfxmem/memutils"
)

// budgetOperationsBeforeRefresh is the number of heap allocations and frees after which a
// driver-reported budget is considered stale and fetched again
const budgetOperationsBeforeRefresh = 30

// Budget is the current usage and estimated budget for a single memory heap
type Budget struct {
	// Statistics counts the heaps and regions the Allocator has created in this memory heap
	Statistics memutils.Statistics
	// Usage is the estimated number of bytes in use in the heap by this process
	Usage int
	// Budget is the estimated number of bytes this process can use from the heap
	Budget int
}

type budgetTracker struct {
	memory *deviceMemory

	mutex                utils.OptionalRWMutex
	useDriverBudget      bool
	operationsSinceFetch atomic.Uint32
	reportedUsage        [common.MaxMemoryHeaps]int
	reportedBudget       [common.MaxMemoryHeaps]int
	blockBytesAtFetch    [common.MaxMemoryHeaps]int
}

func (b *budgetTracker) init(memory *deviceMemory) {
	b.memory = memory
	b.mutex.UseMutex = memory.useMutex
}

func (b *budgetTracker) recordOperation() {
	b.operationsSinceFetch.Add(1)
}

// Refresh fetches the driver's budget report. If the driver cannot report budgets, the tracker
// estimates them from the heap sizes from then on.
func (b *budgetTracker) Refresh() error {
	heapCount := b.memory.MemoryHeapCount()
	reported := make([]HeapBudget, heapCount)

	supported, err := b.memory.device.MemoryBudget(reported)
	if err != nil {
		return driverError(err, "failed to query the device memory budget")
	}

	b.mutex.Lock()
	defer b.mutex.Unlock()

	b.useDriverBudget = supported
	b.operationsSinceFetch.Store(0)
	if !supported {
		return nil
	}

	for heapIndex := 0; heapIndex < heapCount; heapIndex++ {
		b.reportedUsage[heapIndex] = reported[heapIndex].Usage
		b.reportedBudget[heapIndex] = reported[heapIndex].Budget
		b.blockBytesAtFetch[heapIndex] = int(b.memory.blockBytes[heapIndex].Load())
	}

	return nil
}

func (b *budgetTracker) refreshIfStale() {
	b.mutex.RLock()
	stale := b.useDriverBudget && b.operationsSinceFetch.Load() >= budgetOperationsBeforeRefresh
	b.mutex.RUnlock()

	if !stale {
		return
	}

	err := b.Refresh()
	if err != nil {
		b.memory.logger.LogAttrs(context.Background(), slog.LevelWarn, "failed to refresh memory budget",
			slog.Any("error", err))
	}
}

// HeapBudget populates budget with the current state of a single heap
func (b *budgetTracker) HeapBudget(heapIndex int, budget *Budget) {
	b.refreshIfStale()

	b.mutex.RLock()
	defer b.mutex.RUnlock()

	b.memory.heapStatistics(heapIndex, &budget.Statistics)
	heapSize := b.memory.HeapSize(heapIndex)
	fallbackBudget := heapSize * 8 / 10

	if b.useDriverBudget {
		// Blocks allocated since the last fetch are not in the driver's report yet
		usage := b.reportedUsage[heapIndex] + budget.Statistics.BlockBytes - b.blockBytesAtFetch[heapIndex]
		budget.Usage = max(usage, 0)

		reportedBudget := b.reportedBudget[heapIndex]
		if reportedBudget == 0 {
			reportedBudget = fallbackBudget
		}
		budget.Budget = min(reportedBudget, heapSize)
		return
	}

	budget.Usage = budget.Statistics.BlockBytes
	budget.Budget = fallbackBudget
}

// HeapBudgets populates one Budget per entry in budgets, starting at heap firstHeap
func (b *budgetTracker) HeapBudgets(firstHeap int, budgets []Budget) {
	for i := 0; i < len(budgets); i++ {
		b.HeapBudget(firstHeap+i, &budgets[i])
	}
}
