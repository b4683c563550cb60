package gma

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/gfxmem/internal/utils"
	"github.com/vkngwrapper/gfxmem/memutils"
	"github.com/vkngwrapper/gfxmem/memutils/metadata"
)

// maxNewBlockSizeShift is the number of times a new heap's size may be halved, both when stepping
// up toward MaximumSharedAllocatorSize and when retrying after the device refuses an allocation
const maxNewBlockSizeShift = 3

// MemoryManager owns the heaps of a single memory type. It sub-allocates regions from them,
// grows by creating new heaps when none has room, and releases heaps that become empty according
// to its retention policy.
//
// All operations on one MemoryManager are serialized by its mutex, unless the Allocator was
// created with CreateExternallySynchronized.
type MemoryManager struct {
	logger              *slog.Logger
	deviceMemory        *deviceMemory
	memoryTypeIndex     int
	heapIndex           int
	settings            Settings
	minAlignment        uint
	corruptionDetection bool
	state               lifecycle

	mutex utils.OptionalRWMutex
	// blocks is kept approximately sorted by ascending free space, so that scans try the fullest
	// heaps first
	blocks []*memoryBlock
	// emptyBlock is the one empty heap retained speculatively to avoid thrashing
	emptyBlock  *memoryBlock
	totalSize   int
	minimumSize int
	destroyed   bool
}

func newMemoryManager(logger *slog.Logger, useMutex bool, deviceMemory *deviceMemory, memoryTypeIndex int, settings Settings) (*MemoryManager, error) {
	requiredMemFlags := core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent
	memTypeFlags := deviceMemory.MemoryTypeProperties(memoryTypeIndex).PropertyFlags

	m := &MemoryManager{
		logger:          logger,
		deviceMemory:    deviceMemory,
		memoryTypeIndex: memoryTypeIndex,
		heapIndex:       deviceMemory.MemoryTypeIndexToHeapIndex(memoryTypeIndex),
		settings:        settings,
		minAlignment:    deviceMemory.MemoryTypeMinimumAlignment(memoryTypeIndex),
		corruptionDetection: memutils.CorruptionDetectionEnabled &&
			settings.MinimumAllocatedRegionMarginSize > 0 &&
			memTypeFlags&requiredMemFlags == requiredMemFlags,
	}
	m.mutex.UseMutex = useMutex
	m.state.initialize()

	err := m.createMinBlocks()
	if err != nil {
		return m, err
	}

	return m, nil
}

func (m *MemoryManager) createMinBlocks() error {
	if m.settings.MinimumAllocatorCount == 0 {
		return nil
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	// Every up-front heap gets the size the first heap would get
	blockSize := m.adjustedBlockSize(0)
	for i := 0; i < m.settings.MinimumAllocatorCount; i++ {
		block, err := m.createBlock(blockSize, false)
		if err != nil {
			return err
		}

		if m.emptyBlock == nil {
			m.emptyBlock = block
		}
	}

	return nil
}

func (m *MemoryManager) MemoryTypeIndex() int { return m.memoryTypeIndex }
func (m *MemoryManager) HeapIndex() int       { return m.heapIndex }

// AllocatorCount is the number of heaps currently held by the manager
func (m *MemoryManager) AllocatorCount() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	return len(m.blocks)
}

// TotalSize is the combined size of every heap held by the manager
func (m *MemoryManager) TotalSize() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	return m.totalSize
}

// MinimumSize is the size below which the manager will not evict empty heaps
func (m *MemoryManager) MinimumSize() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	return m.minimumSize
}

// Allocate sub-allocates a region, returning an error wrapping ErrOutOfMemory if the request
// cannot be satisfied
func (m *MemoryManager) Allocate(size int, alignment uint, flags AllocationFlags) (*MemoryRegion, error) {
	return m.allocate(size, alignment, flags, ResourceKindUnknown)
}

// TryAllocate sub-allocates a region. If no existing heap has room and the manager may not grow,
// it returns false with no error.
//
// size - the number of bytes to allocate; must be positive
//
// alignment - the alignment of the region offset; must be 0 or a power of two
//
// flags - AllocationDedicatedMemoryAllocator and AllocationExistingMemoryAllocator are mutually exclusive
func (m *MemoryManager) TryAllocate(size int, alignment uint, flags AllocationFlags) (*MemoryRegion, bool, error) {
	return m.tryAllocate(size, alignment, flags, ResourceKindUnknown)
}

func (m *MemoryManager) allocate(size int, alignment uint, flags AllocationFlags, kind ResourceKind) (*MemoryRegion, error) {
	region, ok, err := m.tryAllocate(size, alignment, flags, kind)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.Wrapf(ErrOutOfMemory, "could not allocate %d bytes from memory type %d", size, m.memoryTypeIndex)
	}

	return region, nil
}

func (m *MemoryManager) tryAllocate(size int, alignment uint, flags AllocationFlags, kind ResourceKind) (*MemoryRegion, bool, error) {
	if size <= 0 {
		return nil, false, errors.Wrapf(ErrInvalidArgument, "allocation size must be positive, but was %d", size)
	}
	if err := memutils.CheckPow2(alignment, "allocation alignment"); err != nil {
		return nil, false, withKind(err, ErrInvalidArgument)
	}
	if flags&AllocationDedicatedMemoryAllocator != 0 && flags&AllocationExistingMemoryAllocator != 0 {
		return nil, false, errors.Wrap(ErrInvalidArgument, "AllocationDedicatedMemoryAllocator and AllocationExistingMemoryAllocator cannot be specified together")
	}
	if err := m.state.checkLive("memory manager"); err != nil {
		return nil, false, err
	}

	alignment = max(alignment, 1, m.minAlignment)
	if m.corruptionDetection {
		size = memutils.AlignUp(size, memutils.MagicValueSize)
		alignment = max(alignment, uint(memutils.MagicValueSize))
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.destroyed {
		return nil, false, errors.Wrap(ErrDisposed, "memory manager has been destroyed")
	}

	dedicated := flags&AllocationDedicatedMemoryAllocator != 0 || size > m.settings.MaximumSharedAllocatorSize
	strategy := flags.strategy()

	// 1. Search existing heaps, fullest first
	if !dedicated {
		for blockIndex := 0; blockIndex < len(m.blocks); blockIndex++ {
			currentBlock := m.blocks[blockIndex]
			if currentBlock.dedicated {
				continue
			}

			region, err := m.allocFromBlock(currentBlock, size, alignment, strategy, kind)
			if err != nil {
				return nil, false, err
			} else if region != nil {
				m.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Returned from existing heap", slog.Int("heap.id", currentBlock.ID()))
				m.incrementallySortBlocks()
				return region, true, nil
			}
		}
	}

	if flags&AllocationExistingMemoryAllocator != 0 {
		m.logger.LogAttrs(context.Background(), slog.LevelDebug, "    No existing heap has room",
			slog.Int("MemoryTypeIndex", m.memoryTypeIndex), slog.Int("size", size))
		return nil, false, nil
	}

	// 2. Try to create a new heap
	block, err := m.growForAllocation(size, alignment, dedicated)
	if err != nil || block == nil {
		return nil, false, err
	}

	region, err := m.allocFromBlock(block, size, alignment, strategy, kind)
	if err != nil {
		return nil, false, err
	} else if region == nil {
		panic(fmt.Sprintf("created heap %d of size %d to hold a region of size %d but the region did not fit", block.ID(), block.Size(), size))
	}

	m.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Returned from new heap", slog.Int("heap.id", block.ID()))
	m.incrementallySortBlocks()
	return region, true, nil
}

func (m *MemoryManager) allocFromBlock(block *memoryBlock, size int, alignment uint, strategy metadata.AllocationStrategy, kind ResourceKind) (*MemoryRegion, error) {
	if !block.metadata.MayHaveFreeBlock(size) {
		return nil, nil
	}

	region := &MemoryRegion{
		manager:   m,
		block:     block,
		heap:      block.heap,
		size:      size,
		alignment: alignment,
		kind:      kind,
	}

	success, handle, offset, err := block.metadata.TryAllocate(size, alignment, strategy, region)
	if err != nil {
		return nil, errors.Wrapf(err, "heap %d rejected an allocation request", block.ID())
	} else if !success {
		return nil, nil
	}

	region.handle = handle
	region.offset = offset

	if block == m.emptyBlock {
		m.emptyBlock = nil
	}
	m.deviceMemory.AddAllocation(m.heapIndex, size)

	if block.corruptionDetection {
		err = block.writeMagicValues(offset, size)
		if err != nil {
			panic(fmt.Sprintf("failed to write magic values with unexpected error: %+v", err))
		}
	}

	return region, nil
}

// growForAllocation creates a heap that can hold an allocation of the provided size. It returns
// nil with no error when the count cap, the budget, or a heap limit prevents growth.
func (m *MemoryManager) growForAllocation(size int, alignment uint, dedicated bool) (*memoryBlock, error) {
	if len(m.blocks) >= m.settings.MaximumAllocatorCount {
		m.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Heap count is at its maximum",
			slog.Int("MemoryTypeIndex", m.memoryTypeIndex), slog.Int("count", len(m.blocks)))
		return nil, nil
	}

	margin := m.settings.MinimumAllocatedRegionMarginSize
	sizeWithMargins := memutils.AlignUp(margin, alignment) + size + margin

	var budget Budget
	m.deviceMemory.budget.HeapBudget(m.heapIndex, &budget)
	freeMemory := max(budget.Budget-budget.Usage, 0)

	if freeMemory < sizeWithMargins {
		m.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Heap growth refused by budget",
			slog.Int("MemoryTypeIndex", m.memoryTypeIndex),
			slog.Int("budget", budget.Budget),
			slog.Int("usage", budget.Usage),
			slog.Int("size", sizeWithMargins))
		return nil, nil
	}

	newBlockSize := sizeWithMargins
	if !dedicated {
		newBlockSize = m.adjustedBlockSize(sizeWithMargins)
		for newBlockSize > freeMemory && newBlockSize/2 >= sizeWithMargins {
			newBlockSize /= 2
		}
		if newBlockSize > freeMemory {
			newBlockSize = sizeWithMargins
		}
	}

	block, err := m.createBlock(newBlockSize, dedicated)

	if !dedicated {
		for newBlockSizeShift := 0; err != nil && newBlockSizeShift < maxNewBlockSizeShift; newBlockSizeShift++ {
			smallerNewBlockSize := newBlockSize / 2
			if smallerNewBlockSize < sizeWithMargins {
				break
			}

			m.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Retrying heap creation with a smaller size",
				slog.Int("size", smallerNewBlockSize), slog.Any("error", err))
			newBlockSize = smallerNewBlockSize
			block, err = m.createBlock(newBlockSize, false)
		}
	}

	if errors.Is(err, ErrOutOfMemory) {
		m.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Heap growth refused by heap limits",
			slog.Int("MemoryTypeIndex", m.memoryTypeIndex), slog.Any("error", err))
		return nil, nil
	} else if err != nil {
		return nil, err
	}

	return block, nil
}

// adjustedBlockSize picks the size of a new shared heap. The first heaps are smaller fractions of
// MaximumSharedAllocatorSize (1/8, 1/4, 1/2) so that light workloads do not over-commit; once a
// heap of a given size exists, new heaps step up to the next size. Requests larger than
// MaximumSharedAllocatorSize get exactly what they asked for.
func (m *MemoryManager) adjustedBlockSize(sizeWithMargins int) int {
	maxShared := m.settings.MaximumSharedAllocatorSize
	if sizeWithMargins > maxShared {
		return sizeWithMargins
	}

	newBlockSize := maxShared
	maxExistingBlockSize := m.calcMaxSharedBlockSize()
	for i := 0; i < maxNewBlockSizeShift; i++ {
		smallerNewBlockSize := newBlockSize / 2
		if smallerNewBlockSize > maxExistingBlockSize && smallerNewBlockSize >= sizeWithMargins*2 {
			newBlockSize = smallerNewBlockSize
		} else {
			break
		}
	}

	newBlockSize = max(newBlockSize, m.settings.MinimumAllocatorSize)
	newBlockSize = min(newBlockSize, m.deviceMemory.HeapSize(m.heapIndex))
	return max(newBlockSize, sizeWithMargins)
}

func (m *MemoryManager) calcMaxSharedBlockSize() int {
	result := 0
	for blockIndex := len(m.blocks) - 1; blockIndex >= 0; blockIndex-- {
		block := m.blocks[blockIndex]
		if block.dedicated || block.Size() <= result {
			continue
		}

		result = block.Size()
		if result >= m.settings.MaximumSharedAllocatorSize {
			return result
		}
	}

	return result
}

func (m *MemoryManager) createBlock(blockSize int, dedicated bool) (*memoryBlock, error) {
	heap, err := m.deviceMemory.AllocateHeap(m.memoryTypeIndex, blockSize)
	if err != nil {
		return nil, err
	}

	block := newMemoryBlock(m.logger, heap, m.settings.MinimumAllocatedRegionMarginSize, dedicated, m.corruptionDetection)
	m.blocks = append(m.blocks, block)
	m.totalSize += blockSize

	m.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Created new heap",
		slog.Int("heap.id", block.ID()),
		slog.Int("heap.size", blockSize),
		slog.Bool("dedicated", dedicated))
	return block, nil
}

func (m *MemoryManager) removeBlock(block *memoryBlock) {
	for blockIndex := 0; blockIndex < len(m.blocks); blockIndex++ {
		if m.blocks[blockIndex] == block {
			m.blocks = append(m.blocks[:blockIndex], m.blocks[blockIndex+1:]...)
			m.totalSize -= block.Size()
			if m.emptyBlock == block {
				m.emptyBlock = nil
			}
			return
		}
	}

	panic("attempted to remove a heap from a memory manager that did not own it")
}

func (m *MemoryManager) canEvict(block *memoryBlock) bool {
	return len(m.blocks) > m.settings.MinimumAllocatorCount &&
		m.totalSize-block.Size() >= m.minimumSize
}

// Free returns a region to the heap it was allocated from. Freeing a region that is not live in
// this manager returns an error wrapping ErrRegionNotFound.
func (m *MemoryManager) Free(region *MemoryRegion) error {
	if region == nil {
		return errors.Wrap(ErrInvalidArgument, "attempted to free a nil region")
	}
	if region.manager != m {
		return errors.Wrapf(ErrRegionNotFound, "region does not belong to the memory manager for memory type %d", m.memoryTypeIndex)
	}

	blocksToDelete, err := m.freeWithLock(region)
	if err != nil {
		return err
	}

	for _, block := range blocksToDelete {
		m.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Deleted empty heap", slog.Int("heap.id", block.ID()))
		err = block.destroy(m.deviceMemory)
		if err != nil {
			panic(fmt.Sprintf("unexpected failure when destroying a heap in response to freeing a region: %+v", err))
		}
	}

	return nil
}

func (m *MemoryManager) freeWithLock(region *MemoryRegion) ([]*memoryBlock, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	block := region.block
	if block == nil {
		return nil, errors.Wrapf(ErrRegionNotFound, "region at offset %d of heap %s was already freed", region.offset, region.heap.Name())
	}

	if block.corruptionDetection {
		err := block.validateMagicValues(region.offset, region.size)
		if err != nil {
			panic(fmt.Sprintf("MEMORY CORRUPTION DETECTED AFTER FREED REGION: %+v", err))
		}
	}

	err := block.metadata.Free(region.handle)
	if err != nil {
		return nil, withKind(errors.Wrapf(err, "failed to free region at offset %d of heap %s", region.offset, region.heap.Name()), ErrRegionNotFound)
	}
	memutils.DebugValidate(block)

	region.block = nil
	m.deviceMemory.RemoveAllocation(m.heapIndex, region.size)

	m.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Freed from heap",
		slog.Int("heap.id", block.ID()), slog.Int("MemoryTypeIndex", m.memoryTypeIndex))

	if m.destroyed {
		// Destroy left this heap behind because it still had live regions
		if block.metadata.IsEmpty() {
			return []*memoryBlock{block}, nil
		}
		return nil, nil
	}

	var blocksToDelete []*memoryBlock
	if block.metadata.IsEmpty() {
		blocksToDelete = m.retainOrEvict(block)
	}

	m.incrementallySortBlocks()

	return blocksToDelete, nil
}

// retainOrEvict applies the retention policy to a heap that has just become empty. It returns the
// heaps that were removed from the manager and must be destroyed.
func (m *MemoryManager) retainOrEvict(block *memoryBlock) []*memoryBlock {
	// Empty dedicated heaps go through the same policy and are shared from now on
	block.dedicated = false

	if m.emptyBlock != nil && m.emptyBlock != block {
		// Two empty heaps: keep the smaller one when possible
		larger, smaller := block, m.emptyBlock
		if m.emptyBlock.Size() >= block.Size() {
			larger, smaller = m.emptyBlock, block
		}

		if m.canEvict(larger) {
			m.removeBlock(larger)
			m.emptyBlock = smaller
			return []*memoryBlock{larger}
		}
		if m.canEvict(smaller) {
			m.removeBlock(smaller)
			m.emptyBlock = larger
			return []*memoryBlock{smaller}
		}

		m.emptyBlock = block
		return nil
	}

	if m.emptyBlock == nil {
		var budget Budget
		m.deviceMemory.budget.HeapBudget(m.heapIndex, &budget)

		if budget.Usage >= budget.Budget && m.canEvict(block) {
			m.removeBlock(block)
			return []*memoryBlock{block}
		}
	}

	m.emptyBlock = block
	return nil
}

// incrementallySortBlocks performs at most one swap toward ascending free space. The list
// converges on sorted order across many operations; it is not meant to be fully sorted after any
// single call, and should not be replaced with a full sort.
func (m *MemoryManager) incrementallySortBlocks() {
	for blockIndex := 1; blockIndex < len(m.blocks); blockIndex++ {
		if m.blocks[blockIndex-1].metadata.SumFreeSize() > m.blocks[blockIndex].metadata.SumFreeSize() {
			m.blocks[blockIndex-1], m.blocks[blockIndex] = m.blocks[blockIndex], m.blocks[blockIndex-1]
			return
		}
	}
}

// TrySetMinimumSize changes the size the manager keeps allocated even when its heaps are empty.
//
// Raising the minimum creates empty heaps until TotalSize reaches it. If the heap count cap, the
// budget, or the device prevents that, it returns false; heaps created before the failure are
// kept and the minimum is left unchanged.
//
// Lowering the minimum evicts empty heaps, largest first, for as long as the new minimum and
// MinimumAllocatorCount allow.
func (m *MemoryManager) TrySetMinimumSize(minimumSize int) (bool, error) {
	if minimumSize < 0 {
		return false, errors.Wrapf(ErrInvalidArgument, "minimum size cannot be negative, but was %d", minimumSize)
	}
	if err := m.state.checkLive("memory manager"); err != nil {
		return false, err
	}

	blocksToDelete, success, err := m.setMinimumSizeWithLock(minimumSize)

	for _, block := range blocksToDelete {
		m.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Deleted empty heap", slog.Int("heap.id", block.ID()))
		destroyErr := block.destroy(m.deviceMemory)
		if destroyErr != nil {
			panic(fmt.Sprintf("unexpected failure when destroying a heap in response to lowering the minimum size: %+v", destroyErr))
		}
	}

	return success, err
}

func (m *MemoryManager) setMinimumSizeWithLock(minimumSize int) ([]*memoryBlock, bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.destroyed {
		return nil, false, errors.Wrap(ErrDisposed, "memory manager has been destroyed")
	}

	if minimumSize > m.totalSize {
		for m.totalSize < minimumSize {
			if len(m.blocks) >= m.settings.MaximumAllocatorCount {
				m.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Minimum size not reached before the heap count maximum",
					slog.Int("MemoryTypeIndex", m.memoryTypeIndex), slog.Int("totalSize", m.totalSize))
				return nil, false, nil
			}

			blockSize := min(m.adjustedBlockSize(0), minimumSize-m.totalSize)

			var budget Budget
			m.deviceMemory.budget.HeapBudget(m.heapIndex, &budget)
			if max(budget.Budget-budget.Usage, 0) < blockSize {
				m.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Minimum size not reached before the budget",
					slog.Int("MemoryTypeIndex", m.memoryTypeIndex), slog.Int("totalSize", m.totalSize))
				return nil, false, nil
			}

			block, err := m.createBlock(blockSize, false)
			if errors.Is(err, ErrOutOfMemory) {
				return nil, false, nil
			} else if err != nil {
				return nil, false, err
			}

			if m.emptyBlock == nil {
				m.emptyBlock = block
			}
		}

		m.minimumSize = minimumSize
		return nil, true, nil
	}

	m.minimumSize = minimumSize

	var emptyBlocks []*memoryBlock
	for _, block := range m.blocks {
		if block.metadata.IsEmpty() {
			emptyBlocks = append(emptyBlocks, block)
		}
	}
	sort.SliceStable(emptyBlocks, func(i, j int) bool {
		return emptyBlocks[i].Size() > emptyBlocks[j].Size()
	})

	m.emptyBlock = nil
	var blocksToDelete []*memoryBlock
	for _, block := range emptyBlocks {
		if m.canEvict(block) {
			m.removeBlock(block)
			blocksToDelete = append(blocksToDelete, block)
		} else if m.emptyBlock == nil {
			m.emptyBlock = block
		}
	}

	return blocksToDelete, true, nil
}

func (m *MemoryManager) AddStatistics(stats *memutils.Statistics) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	for blockIndex := 0; blockIndex < len(m.blocks); blockIndex++ {
		m.blocks[blockIndex].metadata.AddStatistics(stats)
	}
}

func (m *MemoryManager) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	for blockIndex := 0; blockIndex < len(m.blocks); blockIndex++ {
		m.blocks[blockIndex].metadata.AddDetailedStatistics(stats)
	}
}

// PrintDetailedMap writes a json object with one entry per heap, describing every region and
// free range in it
func (m *MemoryManager) PrintDetailedMap(writer *jwriter.Writer) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	objState := writer.Object()
	defer objState.End()

	for i := 0; i < len(m.blocks); i++ {
		block := m.blocks[i]

		blockObj := objState.Name(strconv.Itoa(block.ID())).Object()

		blockObj.Name("Name").String(block.heap.Name())
		blockObj.Name("MapReferences").Int(block.heap.MapReferences())
		blockObj.Name("Dedicated").Bool(block.dedicated)
		blockObj.Name("Retained").Bool(block == m.emptyBlock)
		block.metadata.BlockJsonData(&blockObj)

		m.printDetailedMapRegions(block.metadata, &blockObj)

		blockObj.End()
	}
}

func (m *MemoryManager) printDetailedMapRegions(md metadata.BlockMetadata, json *jwriter.ObjectState) {
	arrayState := json.Name("Suballocations").Array()
	defer arrayState.End()

	_ = md.VisitAllRegions(
		func(handle metadata.BlockAllocationHandle, offset int, size int, userData any, free bool) error {
			obj := arrayState.Object()
			defer obj.End()

			obj.Name("Offset").Int(offset)
			if free {
				obj.Name("Kind").String("FREE")
				obj.Name("Size").Int(size)
				return nil
			}

			region, isRegion := userData.(*MemoryRegion)
			if isRegion && region != nil {
				region.printParameters(&obj)
			} else {
				obj.Name("Size").Int(size)
			}

			return nil
		})
}

// CheckCorruption verifies the margins around every live region. It returns an error wrapping
// ErrFeatureNotPresent if corruption detection is not active for this memory type.
func (m *MemoryManager) CheckCorruption() error {
	if !m.corruptionDetection {
		return errors.Wrapf(ErrFeatureNotPresent, "corruption detection is not enabled for memory type %d", m.memoryTypeIndex)
	}

	m.mutex.RLock()
	defer m.mutex.RUnlock()

	for _, block := range m.blocks {
		err := block.CheckCorruption()
		if err != nil {
			return err
		}
	}

	return nil
}

// Validate checks the consistency of the manager and every heap it holds
func (m *MemoryManager) Validate() error {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	if len(m.blocks) > m.settings.MaximumAllocatorCount {
		return errors.Newf("memory manager holds %d heaps but the maximum is %d", len(m.blocks), m.settings.MaximumAllocatorCount)
	}

	totalSize := 0
	foundEmptyBlock := m.emptyBlock == nil
	for _, block := range m.blocks {
		err := block.Validate()
		if err != nil {
			return errors.Wrapf(err, "heap %d", block.ID())
		}

		totalSize += block.Size()
		if block == m.emptyBlock {
			foundEmptyBlock = true
		}
	}

	if totalSize != m.totalSize {
		return errors.Newf("memory manager total size is %d but its heaps sum to %d", m.totalSize, totalSize)
	}
	if !foundEmptyBlock {
		return errors.New("memory manager retains an empty heap it does not own")
	}
	if m.emptyBlock != nil && !m.emptyBlock.metadata.IsEmpty() {
		return errors.Newf("memory manager retains heap %d as empty but it has live regions", m.emptyBlock.ID())
	}

	return nil
}

// Destroy returns every heap to the device. Heaps that still hold live regions are logged and left
// allocated until their last region is freed, and an error is returned.
func (m *MemoryManager) Destroy() error {
	if !m.state.beginDispose() {
		return nil
	}
	defer m.state.endDispose()

	m.mutex.Lock()
	blocks := m.blocks
	m.blocks = nil
	m.emptyBlock = nil
	m.totalSize = 0
	m.destroyed = true
	m.mutex.Unlock()

	var err error
	for _, block := range blocks {
		destroyErr := block.destroy(m.deviceMemory)
		if destroyErr != nil {
			err = errors.CombineErrors(err, destroyErr)
		}
	}

	return err
}
