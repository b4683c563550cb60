package gma

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/bits"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/gfxmem/memutils"
)

// Allocator is the entry point for creating buffers and textures. It owns one MemoryManager per
// memory type, chooses a memory type for each resource, and binds the resource to a region
// sub-allocated from that memory type.
//
// The set of MemoryManagers is fixed at construction, so dispatching a request takes no lock of
// its own; only the chosen MemoryManager's lock is held.
type Allocator struct {
	useMutex    bool
	logger      *slog.Logger
	device      Device
	createFlags CreateFlags
	settings    Settings
	state       lifecycle

	currentFrameIndex atomic.Uint32

	deviceMemory   *deviceMemory
	memoryManagers [common.MaxMemoryTypes]*MemoryManager
}

// AllocatorStatistics is populated by Allocator.CalculateStatistics
type AllocatorStatistics struct {
	MemoryTypes [common.MaxMemoryTypes]memutils.DetailedStatistics
	MemoryHeaps [common.MaxMemoryHeaps]memutils.DetailedStatistics
	Total       memutils.DetailedStatistics
}

func (a *Allocator) State() State { return a.state.State() }

// Settings returns the validated settings the Allocator was created with
func (a *Allocator) Settings() Settings { return a.settings }

func (a *Allocator) MemoryTypeCount() int { return a.deviceMemory.MemoryTypeCount() }
func (a *Allocator) MemoryHeapCount() int { return a.deviceMemory.MemoryHeapCount() }

func (a *Allocator) MemoryTypeProperties(memoryTypeIndex int) core1_0.MemoryType {
	return a.deviceMemory.MemoryTypeProperties(memoryTypeIndex)
}

func (a *Allocator) MemoryHeapProperties(heapIndex int) core1_0.MemoryHeap {
	return a.deviceMemory.MemoryHeapProperties(heapIndex)
}

// MemoryManager returns the manager responsible for the provided memory type
func (a *Allocator) MemoryManager(memoryTypeIndex int) (*MemoryManager, error) {
	if memoryTypeIndex < 0 || memoryTypeIndex >= a.deviceMemory.MemoryTypeCount() {
		return nil, errors.Wrapf(ErrInvalidArgument, "memory type index %d is out of range for a device with %d memory types",
			memoryTypeIndex, a.deviceMemory.MemoryTypeCount())
	}

	return a.memoryManagers[memoryTypeIndex], nil
}

func (a *Allocator) findMemoryPreferences(cpuAccess CPUAccess) (requiredFlags, preferredFlags core1_0.MemoryPropertyFlags, err error) {
	isIntegratedGPU := a.deviceMemory.IsIntegratedGPU()

	switch cpuAccess {
	case CPUAccessNone:
		// Everything is device local on an integrated GPU, so there is nothing to prefer
		if !isIntegratedGPU {
			preferredFlags |= core1_0.MemoryPropertyDeviceLocal
		}
	case CPUAccessRead:
		requiredFlags |= core1_0.MemoryPropertyHostVisible
		preferredFlags |= core1_0.MemoryPropertyHostCached
	case CPUAccessWrite:
		requiredFlags |= core1_0.MemoryPropertyHostVisible
		if !isIntegratedGPU {
			preferredFlags |= core1_0.MemoryPropertyDeviceLocal
		}
	default:
		return 0, 0, errors.Wrapf(ErrInvalidArgument, "unknown cpu access %d", cpuAccess)
	}

	return requiredFlags, preferredFlags, nil
}

// FindMemoryTypeIndex picks the memory type best suited to the provided CPU access pattern from
// the types whose bits are set in memoryTypeBits. It returns an error wrapping ErrFeatureNotPresent
// if no permitted memory type has the required properties.
func (a *Allocator) FindMemoryTypeIndex(memoryTypeBits uint32, cpuAccess CPUAccess) (int, error) {
	a.logger.Debug("Allocator::FindMemoryTypeIndex")

	return a.findMemoryTypeIndex(memoryTypeBits, cpuAccess)
}

func (a *Allocator) findMemoryTypeIndex(memoryTypeBits uint32, cpuAccess CPUAccess) (int, error) {
	requiredFlags, preferredFlags, err := a.findMemoryPreferences(cpuAccess)
	if err != nil {
		return -1, err
	}

	bestMemoryTypeIndex := -1
	minCost := math.MaxInt

	for memTypeIndex := 0; memTypeIndex < a.deviceMemory.MemoryTypeCount(); memTypeIndex++ {
		memTypeBit := uint32(1 << memTypeIndex)

		if memTypeBit&memoryTypeBits == 0 {
			// This memory type is banned by the bitmask
			continue
		}

		flags := a.deviceMemory.MemoryTypeProperties(memTypeIndex).PropertyFlags
		if requiredFlags&flags != requiredFlags {
			// This memory type is missing required flags
			continue
		}

		missingPreferredFlags := preferredFlags & ^flags
		cost := bits.OnesCount32(uint32(missingPreferredFlags))
		if cost == 0 {
			return memTypeIndex, nil
		} else if cost < minCost {
			bestMemoryTypeIndex = memTypeIndex
			minCost = cost
		}
	}

	if bestMemoryTypeIndex < 0 {
		return -1, errors.Wrapf(ErrFeatureNotPresent, "no memory type in bits %#x supports %s", memoryTypeBits, cpuAccess)
	}

	return bestMemoryTypeIndex, nil
}

// AllocateMemory sub-allocates a region suitable for the provided memory requirements. The region
// must be freed with MemoryRegion.Free.
func (a *Allocator) AllocateMemory(memoryRequirements core1_0.MemoryRequirements, cpuAccess CPUAccess, flags AllocationFlags) (*MemoryRegion, error) {
	a.logger.Debug("Allocator::AllocateMemory",
		slog.Int("size", memoryRequirements.Size),
		slog.Int("alignment", memoryRequirements.Alignment),
		slog.String("cpuAccess", cpuAccess.String()))

	return a.allocateMemory(memoryRequirements, cpuAccess, flags, ResourceKindUnknown)
}

func (a *Allocator) allocateMemory(memoryRequirements core1_0.MemoryRequirements, cpuAccess CPUAccess, flags AllocationFlags, kind ResourceKind) (*MemoryRegion, error) {
	if err := a.state.checkLive("allocator"); err != nil {
		return nil, err
	}
	if memoryRequirements.Alignment < 0 {
		return nil, errors.Wrapf(ErrInvalidArgument, "memory requirement alignment cannot be negative, but was %d", memoryRequirements.Alignment)
	}

	memoryTypeIndex, err := a.findMemoryTypeIndex(memoryRequirements.MemoryTypeBits, cpuAccess)
	if err != nil {
		return nil, err
	}

	alignment := uint(memoryRequirements.Alignment)
	if kind == ResourceKindTexture {
		// Keep linear and optimal resources out of each other's granularity pages
		alignment = memutils.MaxAlignment(alignment, a.deviceMemory.BufferImageGranularity())
	}

	a.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Chose memory type",
		slog.Int("MemoryTypeIndex", memoryTypeIndex),
		slog.String("kind", kind.String()))

	return a.memoryManagers[memoryTypeIndex].allocate(memoryRequirements.Size, alignment, flags, kind)
}

// HeapBudgets populates one Budget per entry in budgets, starting at heap firstHeap
func (a *Allocator) HeapBudgets(firstHeap int, budgets []Budget) error {
	if firstHeap < 0 || firstHeap+len(budgets) > a.deviceMemory.MemoryHeapCount() {
		return errors.Wrapf(ErrInvalidArgument, "heaps %d through %d are out of range for a device with %d heaps",
			firstHeap, firstHeap+len(budgets)-1, a.deviceMemory.MemoryHeapCount())
	}

	a.deviceMemory.budget.HeapBudgets(firstHeap, budgets)
	return nil
}

// RefreshBudget fetches a fresh budget report from the device
func (a *Allocator) RefreshBudget() error {
	a.logger.Debug("Allocator::RefreshBudget")

	return a.deviceMemory.budget.Refresh()
}

// SetCurrentFrameIndex informs the Allocator that a new frame has begun, which refreshes the
// budget report
func (a *Allocator) SetCurrentFrameIndex(frameIndex uint32) {
	a.currentFrameIndex.Store(frameIndex)

	err := a.deviceMemory.budget.Refresh()
	if err != nil {
		a.logger.LogAttrs(context.Background(), slog.LevelWarn, "failed to refresh memory budget",
			slog.Uint64("frameIndex", uint64(frameIndex)),
			slog.Any("error", err))
	}
}

func (a *Allocator) CurrentFrameIndex() uint32 {
	return a.currentFrameIndex.Load()
}

// CalculateStatistics populates stats with the current state of every memory type and heap
func (a *Allocator) CalculateStatistics(stats *AllocatorStatistics) {
	stats.Total.Clear()
	for i := 0; i < common.MaxMemoryTypes; i++ {
		stats.MemoryTypes[i].Clear()
	}
	for i := 0; i < common.MaxMemoryHeaps; i++ {
		stats.MemoryHeaps[i].Clear()
	}

	typeCount := a.deviceMemory.MemoryTypeCount()
	for typeIndex := 0; typeIndex < typeCount; typeIndex++ {
		manager := a.memoryManagers[typeIndex]
		if manager == nil {
			continue
		}

		manager.AddDetailedStatistics(&stats.MemoryTypes[typeIndex])

		heapIndex := a.deviceMemory.MemoryTypeIndexToHeapIndex(typeIndex)
		stats.MemoryHeaps[heapIndex].AddDetailedStatistics(&stats.MemoryTypes[typeIndex])
	}

	heapCount := a.deviceMemory.MemoryHeapCount()
	for heapIndex := 0; heapIndex < heapCount; heapIndex++ {
		stats.Total.AddDetailedStatistics(&stats.MemoryHeaps[heapIndex])
	}
}

// BuildStatsString returns a json document describing the budget and statistics of every memory
// heap and memory type. When detailed is true, every heap and region is listed as well.
func (a *Allocator) BuildStatsString(detailed bool) string {
	var stats AllocatorStatistics
	a.CalculateStatistics(&stats)

	budgets := make([]Budget, a.deviceMemory.MemoryHeapCount())
	a.deviceMemory.budget.HeapBudgets(0, budgets)

	writer := jwriter.NewWriter()
	rootObj := writer.Object()

	generalObj := rootObj.Name("General").Object()
	generalObj.Name("DriverType").String(a.deviceMemory.deviceProperties.DriverType.String())
	generalObj.Name("BufferImageGranularity").Int(a.deviceMemory.deviceProperties.Limits.BufferImageGranularity)
	generalObj.Name("NonCoherentAtomSize").Int(a.deviceMemory.deviceProperties.Limits.NonCoherentAtomSize)
	generalObj.Name("MemoryHeapCount").Int(a.deviceMemory.MemoryHeapCount())
	generalObj.Name("MemoryTypeCount").Int(a.deviceMemory.MemoryTypeCount())
	generalObj.Name("CurrentFrameIndex").Int(int(a.currentFrameIndex.Load()))
	generalObj.End()

	totalObj := rootObj.Name("Total").Object()
	stats.Total.PrintJson(&totalObj)
	totalObj.End()

	memoryInfoObj := rootObj.Name("MemoryInfo").Object()
	for heapIndex := 0; heapIndex < a.deviceMemory.MemoryHeapCount(); heapIndex++ {
		heapInfo := a.deviceMemory.MemoryHeapProperties(heapIndex)

		heapObj := memoryInfoObj.Name(fmt.Sprintf("Heap %d", heapIndex)).Object()
		heapObj.Name("Flags").String(heapInfo.Flags.String())
		heapObj.Name("Size").Int(heapInfo.Size)

		budgetObj := heapObj.Name("Budget").Object()
		budgetObj.Name("BudgetBytes").Int(budgets[heapIndex].Budget)
		budgetObj.Name("UsageBytes").Int(budgets[heapIndex].Usage)
		budgetObj.End()

		statsObj := heapObj.Name("Stats").Object()
		stats.MemoryHeaps[heapIndex].PrintJson(&statsObj)
		statsObj.End()

		memoryTypesObj := heapObj.Name("MemoryTypes").Object()
		for typeIndex := 0; typeIndex < a.deviceMemory.MemoryTypeCount(); typeIndex++ {
			if a.deviceMemory.MemoryTypeIndexToHeapIndex(typeIndex) != heapIndex {
				continue
			}

			typeObj := memoryTypesObj.Name(fmt.Sprintf("Type %d", typeIndex)).Object()
			typeObj.Name("Flags").String(a.deviceMemory.MemoryTypeProperties(typeIndex).PropertyFlags.String())

			typeStatsObj := typeObj.Name("Stats").Object()
			stats.MemoryTypes[typeIndex].PrintJson(&typeStatsObj)
			typeStatsObj.End()

			manager := a.memoryManagers[typeIndex]
			if manager != nil {
				typeObj.Name("AllocatorCount").Int(manager.AllocatorCount())
				typeObj.Name("MinimumSize").Int(manager.MinimumSize())
				if detailed {
					manager.PrintDetailedMap(typeObj.Name("Heaps"))
				}
			}

			typeObj.End()
		}
		memoryTypesObj.End()

		heapObj.End()
	}
	memoryInfoObj.End()

	rootObj.End()

	return string(writer.Bytes())
}

// CheckCorruption verifies the margins around every live region in the memory types whose bits
// are set in memoryTypeBits. It returns an error wrapping ErrFeatureNotPresent if corruption
// detection is not active for any of them.
func (a *Allocator) CheckCorruption(memoryTypeBits uint32) error {
	a.logger.Debug("Allocator::CheckCorruption")

	checked := false
	for memoryTypeIndex := 0; memoryTypeIndex < a.deviceMemory.MemoryTypeCount(); memoryTypeIndex++ {
		manager := a.memoryManagers[memoryTypeIndex]
		if manager == nil || memoryTypeBits&(1<<memoryTypeIndex) == 0 {
			continue
		}

		err := manager.CheckCorruption()
		if errors.Is(err, ErrFeatureNotPresent) {
			continue
		} else if err != nil {
			return err
		}

		checked = true
	}

	if !checked {
		return errors.Wrapf(ErrFeatureNotPresent, "corruption detection is not enabled for any memory type in bits %#x", memoryTypeBits)
	}

	return nil
}

func (a *Allocator) destroyManagers() error {
	var err error
	for typeIndex := 0; typeIndex < common.MaxMemoryTypes; typeIndex++ {
		manager := a.memoryManagers[typeIndex]
		if manager == nil {
			continue
		}

		destroyErr := manager.Destroy()
		if destroyErr != nil {
			err = errors.CombineErrors(err, errors.Wrapf(destroyErr, "memory type %d", typeIndex))
		}
	}

	return err
}

// Destroy returns every heap to the device. Resources that are still live are logged as unreleased
// memory and an error is returned; their heaps are released once they are disposed.
func (a *Allocator) Destroy() error {
	a.logger.Debug("Allocator::Destroy")

	if !a.state.beginDispose() {
		return nil
	}
	defer a.state.endDispose()

	return a.destroyManagers()
}
