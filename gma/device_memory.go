package gma

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/gfxmem/memutils"
)

// deviceMemory caches the device's memory layout and owns every heap allocation and free made
// against the device, keeping per-heap counters that feed the budget
type deviceMemory struct {
	// Number of heaps that have been obtained from the device
	blockCount [common.MaxMemoryHeaps]atomic.Int32
	// Number of live regions sub-allocated from those heaps
	allocationCount [common.MaxMemoryHeaps]atomic.Int32
	// Size of heaps that have been obtained from the device
	blockBytes [common.MaxMemoryHeaps]atomic.Int64
	// Size of live regions sub-allocated from those heaps
	allocationBytes [common.MaxMemoryHeaps]atomic.Int64

	memoryCount atomic.Uint32
	nextHeapID  atomic.Int64

	budget budgetTracker

	useMutex        bool
	logger          *slog.Logger
	memoryCallbacks *memoryCallbacks
	heapLimits      []int

	device           Device
	deviceProperties DeviceProperties
	memoryProperties *core1_0.PhysicalDeviceMemoryProperties
}

func newDeviceMemory(
	logger *slog.Logger,
	useMutex bool,
	device Device,
	heapSizeLimits []int,
	callbacks *memoryCallbacks,
) (*deviceMemory, error) {
	properties, err := device.Properties()
	if err != nil {
		return nil, driverError(err, "failed to query device properties")
	}

	m := &deviceMemory{
		useMutex:         useMutex,
		logger:           logger,
		memoryCallbacks:  callbacks,
		device:           device,
		deviceProperties: properties,
		memoryProperties: device.MemoryProperties(),
	}

	if m.memoryProperties == nil || len(m.memoryProperties.MemoryTypes) == 0 {
		return nil, errors.Wrap(ErrFeatureNotPresent, "device reported no memory types")
	}
	if len(m.memoryProperties.MemoryTypes) > common.MaxMemoryTypes || len(m.memoryProperties.MemoryHeaps) > common.MaxMemoryHeaps {
		return nil, errors.Wrapf(ErrInvalidArgument, "device reported %d memory types and %d heaps, more than the API allows",
			len(m.memoryProperties.MemoryTypes), len(m.memoryProperties.MemoryHeaps))
	}

	err = memutils.CheckPow2(properties.Limits.BufferImageGranularity, "device bufferImageGranularity")
	if err != nil {
		return nil, withKind(err, ErrInvalidArgument)
	}
	err = memutils.CheckPow2(properties.Limits.NonCoherentAtomSize, "device nonCoherentAtomSize")
	if err != nil {
		return nil, withKind(err, ErrInvalidArgument)
	}

	heapCount := m.MemoryHeapCount()
	if len(heapSizeLimits) > 0 && len(heapSizeLimits) != heapCount {
		return nil, errors.Wrapf(ErrInvalidArgument, "Settings.HeapSizeLimits has %d entries but the device has %d heaps",
			len(heapSizeLimits), heapCount)
	}
	m.heapLimits = make([]int, heapCount)
	copy(m.heapLimits, heapSizeLimits)

	m.budget.init(m)
	err = m.budget.Refresh()
	if err != nil {
		return nil, err
	}

	return m, nil
}

func (m *deviceMemory) MemoryTypeCount() int {
	return len(m.memoryProperties.MemoryTypes)
}

func (m *deviceMemory) MemoryHeapCount() int {
	return len(m.memoryProperties.MemoryHeaps)
}

func (m *deviceMemory) MemoryTypeIndexToHeapIndex(memTypeIndex int) int {
	return m.memoryProperties.MemoryTypes[memTypeIndex].HeapIndex
}

func (m *deviceMemory) MemoryTypeProperties(memoryTypeIndex int) core1_0.MemoryType {
	return m.memoryProperties.MemoryTypes[memoryTypeIndex]
}

func (m *deviceMemory) MemoryHeapProperties(heapIndex int) core1_0.MemoryHeap {
	return m.memoryProperties.MemoryHeaps[heapIndex]
}

// HeapSize is the size of a heap, reduced to Settings.HeapSizeLimits when a limit is set
func (m *deviceMemory) HeapSize(heapIndex int) int {
	size := m.memoryProperties.MemoryHeaps[heapIndex].Size
	if limit := m.heapLimits[heapIndex]; limit > 0 && limit < size {
		return limit
	}
	return size
}

func (m *deviceMemory) IsMemoryTypeHostNonCoherent(memoryTypeIndex int) bool {
	flags := m.memoryProperties.MemoryTypes[memoryTypeIndex].PropertyFlags

	return flags&(core1_0.MemoryPropertyHostVisible|core1_0.MemoryPropertyHostCoherent) == core1_0.MemoryPropertyHostVisible
}

func (m *deviceMemory) IsMemoryTypeHostVisible(memoryTypeIndex int) bool {
	return m.memoryProperties.MemoryTypes[memoryTypeIndex].PropertyFlags&core1_0.MemoryPropertyHostVisible != 0
}

func (m *deviceMemory) MemoryTypeMinimumAlignment(memTypeIndex int) uint {
	if m.IsMemoryTypeHostNonCoherent(memTypeIndex) {
		alignment := uint(m.deviceProperties.Limits.NonCoherentAtomSize)
		if alignment < 1 {
			return 1
		}
		return alignment
	}

	return 1
}

func (m *deviceMemory) BufferImageGranularity() uint {
	granularity := m.deviceProperties.Limits.BufferImageGranularity

	if granularity < 1 {
		return 1
	}
	return uint(granularity)
}

func (m *deviceMemory) IsIntegratedGPU() bool {
	return m.deviceProperties.DriverType == core1_0.PhysicalDeviceTypeIntegratedGPU
}

func (m *deviceMemory) addBlockAllocationWithLimit(heapIndex, allocationSize, maxAllocatable int) error {
	for {
		currentVal := m.blockBytes[heapIndex].Load()
		targetVal := currentVal + int64(allocationSize)

		if targetVal > int64(maxAllocatable) {
			return errors.Wrapf(ErrOutOfMemory, "allocating %d bytes would exceed the %d byte limit of heap %d",
				allocationSize, maxAllocatable, heapIndex)
		}

		if m.blockBytes[heapIndex].CompareAndSwap(currentVal, targetVal) {
			break
		}
	}

	m.blockCount[heapIndex].Add(1)
	return nil
}

func (m *deviceMemory) removeBlockAllocation(heapIndex, allocationSize int) {
	newVal := m.blockBytes[heapIndex].Add(int64(-allocationSize))
	if newVal < 0 {
		panic(fmt.Sprintf("block bytes budget for heapIndex %d went negative", heapIndex))
	}

	newCountVal := m.blockCount[heapIndex].Add(-1)
	if newCountVal < 0 {
		panic(fmt.Sprintf("block count budget for heapIndex %d went negative", heapIndex))
	}
}

// AllocateHeap obtains a new heap from the device. Exceeding the driver's allocation count or a
// configured heap limit wraps ErrOutOfMemory; failures reported by the device wrap ErrDriver.
func (m *deviceMemory) AllocateHeap(memoryTypeIndex int, size int) (heap *MemoryHeap, err error) {
	newDeviceCount := m.memoryCount.Add(1)
	defer func() {
		// If we failed out, roll back the device increment
		if err != nil {
			m.memoryCount.Add(^uint32(0))
		}
	}()

	maxCount := m.deviceProperties.Limits.MaxMemoryAllocationCount
	if maxCount > 0 && int(newDeviceCount) > maxCount {
		return nil, errors.Wrapf(ErrOutOfMemory, "the device allows at most %d heaps", maxCount)
	}

	heapIndex := m.MemoryTypeIndexToHeapIndex(memoryTypeIndex)
	err = m.addBlockAllocationWithLimit(heapIndex, size, m.HeapSize(heapIndex))
	if err != nil {
		return nil, err
	}
	defer func() {
		// If we failed out, roll back the block allocation
		if err != nil {
			m.removeBlockAllocation(heapIndex, size)
		}
	}()

	memory, res, err := m.device.AllocateMemory(memoryTypeIndex, size)
	if err != nil {
		return nil, driverError(err, "failed to allocate %d bytes from memory type %d (%s)", size, memoryTypeIndex, res)
	}

	id := int(m.nextHeapID.Add(1))
	heap = newMemoryHeap(
		m.useMutex,
		id,
		"Heap#"+strconv.Itoa(id),
		memoryTypeIndex,
		size,
		memory,
		m.IsMemoryTypeHostVisible(memoryTypeIndex),
	)

	m.memoryCallbacks.Allocate(memoryTypeIndex, memory, size)
	m.budget.recordOperation()

	m.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Allocated heap from device",
		slog.Int("heap.id", id),
		slog.Int("heap.size", size),
		slog.Int("MemoryTypeIndex", memoryTypeIndex),
	)
	return heap, nil
}

// FreeHeap returns a heap to the device. The heap must not be mapped or used afterward.
func (m *deviceMemory) FreeHeap(heap *MemoryHeap) {
	m.memoryCallbacks.Free(heap.memoryTypeIndex, heap.memory, heap.size)

	heap.release()

	heapIndex := m.MemoryTypeIndexToHeapIndex(heap.memoryTypeIndex)
	m.removeBlockAllocation(heapIndex, heap.size)
	m.memoryCount.Add(^uint32(0))
	m.budget.recordOperation()
}

func (m *deviceMemory) AddAllocation(heapIndex int, size int) {
	m.allocationBytes[heapIndex].Add(int64(size))
	m.allocationCount[heapIndex].Add(1)
}

func (m *deviceMemory) RemoveAllocation(heapIndex int, size int) {
	newSizeVal := m.allocationBytes[heapIndex].Add(int64(-size))
	if newSizeVal < 0 {
		panic(fmt.Sprintf("allocation bytes budget for heapIndex %d went negative", heapIndex))
	}

	newCountVal := m.allocationCount[heapIndex].Add(-1)
	if newCountVal < 0 {
		panic(fmt.Sprintf("allocation count budget for heapIndex %d went negative", heapIndex))
	}
}

func (m *deviceMemory) heapStatistics(heapIndex int, stats *memutils.Statistics) {
	stats.BlockCount = int(m.blockCount[heapIndex].Load())
	stats.AllocationCount = int(m.allocationCount[heapIndex].Load())
	stats.BlockBytes = int(m.blockBytes[heapIndex].Load())
	stats.AllocationBytes = int(m.allocationBytes[heapIndex].Load())
}
