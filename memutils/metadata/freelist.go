package metadata

import (
	"fmt"
	"math"
	"sync"
	"unsafe"

	"github.com/dolthub/swiss"
	"github.com/google/btree"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
	"github.com/vkngwrapper/gfxmem/memutils"
)

const freeIndexDegree = 8

var regionPool = sync.Pool{
	New: func() any {
		return &freeListRegion{}
	},
}

// freeListRegion is one node of the physical chain. The chain tiles the whole block in offset order.
// A taken node spans its allocation plus one margin on each side.
type freeListRegion struct {
	offset int
	size   int
	prev   *freeListRegion
	next   *freeListRegion

	free     bool
	userData any
	handle   BlockAllocationHandle
}

func (r *freeListRegion) end() int { return r.offset + r.size }

type offsetOrder struct {
	offset int
	region *freeListRegion
}

func (o offsetOrder) Less(than btree.Item) bool {
	return o.offset < than.(offsetOrder).offset
}

type sizeOrder struct {
	size   int
	offset int
	region *freeListRegion
}

func (o sizeOrder) Less(than btree.Item) bool {
	other := than.(sizeOrder)
	if o.size != other.size {
		return o.size < other.size
	}
	return o.offset < other.offset
}

// FreeListBlockMetadata is a BlockMetadata implementation that keeps free regions in an offset-ordered
// index (for first-fit searches) and a size-ordered index (for best-fit searches). Freed regions are merged
// with free neighbours immediately, so the block never holds two adjacent free regions.
//
// Every allocation reserves Margin() bytes before and after itself. Padding introduced by alignment is
// left as a free region, so SumFreeSize + allocated bytes + 2*Margin*AllocationCount always equals Size.
type FreeListBlockMetadata struct {
	BlockMetadataBase

	allocCount  int
	freeCount   int
	sumFreeSize int

	nextHandle BlockAllocationHandle
	handles    *swiss.Map[BlockAllocationHandle, *freeListRegion]
	byOffset   *btree.BTree
	bySize     *btree.BTree
	head       *freeListRegion
}

var _ BlockMetadata = &FreeListBlockMetadata{}

// NewFreeListBlockMetadata creates a FreeListBlockMetadata that reserves margin bytes on each side of every
// allocation. Init must be called before use.
func NewFreeListBlockMetadata(margin int) *FreeListBlockMetadata {
	return &FreeListBlockMetadata{
		BlockMetadataBase: NewBlockMetadata(margin),
	}
}

func (m *FreeListBlockMetadata) Init(size int) {
	if size <= 0 {
		panic(fmt.Sprintf("attempted to initialize block metadata with invalid size %d", size))
	}

	m.BlockMetadataBase.Init(size)
	m.handles = swiss.NewMap[BlockAllocationHandle, *freeListRegion](42)
	m.byOffset = btree.New(freeIndexDegree)
	m.bySize = btree.New(freeIndexDegree)
	m.reset()
}

func (m *FreeListBlockMetadata) reset() {
	m.allocCount = 0
	m.freeCount = 0
	m.sumFreeSize = 0

	m.head = m.newRegion(0, m.size)
	m.insertFree(m.head)
}

func (m *FreeListBlockMetadata) newRegion(offset, size int) *freeListRegion {
	region := regionPool.Get().(*freeListRegion)
	region.offset = offset
	region.size = size
	region.handle = m.nextHandle
	m.nextHandle++

	m.handles.Put(region.handle, region)
	return region
}

func (m *FreeListBlockMetadata) releaseRegion(region *freeListRegion) {
	m.handles.Delete(region.handle)
	*region = freeListRegion{}
	regionPool.Put(region)
}

func (m *FreeListBlockMetadata) insertFree(region *freeListRegion) {
	region.free = true
	region.userData = nil

	m.byOffset.ReplaceOrInsert(offsetOrder{offset: region.offset, region: region})
	m.bySize.ReplaceOrInsert(sizeOrder{size: region.size, offset: region.offset, region: region})
	m.freeCount++
	m.sumFreeSize += region.size
}

func (m *FreeListBlockMetadata) removeFree(region *freeListRegion) {
	if m.byOffset.Delete(offsetOrder{offset: region.offset}) == nil {
		panic(fmt.Sprintf("free region at offset %d is missing from the offset index", region.offset))
	}
	if m.bySize.Delete(sizeOrder{size: region.size, offset: region.offset}) == nil {
		panic(fmt.Sprintf("free region at offset %d is missing from the size index", region.offset))
	}

	m.freeCount--
	m.sumFreeSize -= region.size
}

func (m *FreeListBlockMetadata) getRegion(handle BlockAllocationHandle) (*freeListRegion, error) {
	region, ok := m.handles.Get(handle)
	if !ok {
		return nil, errors.Errorf("no region exists with handle %d", handle)
	}

	return region, nil
}

func (m *FreeListBlockMetadata) getAllocation(handle BlockAllocationHandle) (*freeListRegion, error) {
	region, err := m.getRegion(handle)
	if err != nil {
		return nil, err
	}

	if region.free {
		return nil, errors.Errorf("region with handle %d is free", handle)
	}

	return region, nil
}

// fit returns the offset an allocation would receive inside a free region, if it fits at all
func (m *FreeListBlockMetadata) fit(region *freeListRegion, size int, alignment uint) (int, bool) {
	allocOffset := memutils.AlignUp(region.offset+m.margin, alignment)
	if allocOffset+size+m.margin > region.end() {
		return 0, false
	}

	return allocOffset, true
}

func (m *FreeListBlockMetadata) Validate() error {
	if m.head == nil {
		return errors.New("block metadata has not been initialized")
	}

	if m.sumFreeSize > m.Size() {
		return errors.New("invalid metadata free size")
	}

	if m.head.offset != 0 || m.head.prev != nil {
		return errors.New("the first region of the chain must start at offset 0 with no previous region")
	}

	var allocCount, freeCount, calculatedFreeSize, calculatedAllocSize, regionCount int
	nextOffset := 0

	for region := m.head; region != nil; region = region.next {
		regionCount++

		if region.offset != nextOffset {
			return errors.Errorf("region at offset %d does not begin where the previous region ends (%d)", region.offset, nextOffset)
		}
		if region.size <= 0 {
			return errors.Errorf("region at offset %d has invalid size %d", region.offset, region.size)
		}
		if region.next != nil && region.next.prev != region {
			return errors.Errorf("region at offset %d lists the region at offset %d as its next region, but the reverse reference is broken", region.offset, region.next.offset)
		}

		mapped, ok := m.handles.Get(region.handle)
		if !ok || mapped != region {
			return errors.Errorf("region at offset %d is not reachable through its handle %d", region.offset, region.handle)
		}

		if region.free {
			freeCount++
			calculatedFreeSize += region.size

			if region.next != nil && region.next.free {
				return errors.Errorf("free region at offset %d is adjacent to another free region", region.offset)
			}
			if m.byOffset.Get(offsetOrder{offset: region.offset}) == nil {
				return errors.Errorf("free region at offset %d is missing from the offset index", region.offset)
			}
			if m.bySize.Get(sizeOrder{size: region.size, offset: region.offset}) == nil {
				return errors.Errorf("free region at offset %d is missing from the size index", region.offset)
			}
		} else {
			allocCount++

			if region.size < 2*m.margin+1 {
				return errors.Errorf("allocation at offset %d is too small to hold its margins", region.offset)
			}
			calculatedAllocSize += region.size - 2*m.margin
		}

		nextOffset = region.end()
	}

	if nextOffset != m.Size() {
		return errors.Errorf("region chain ends at %d but the block has size %d", nextOffset, m.Size())
	}
	if allocCount != m.allocCount {
		return errors.Errorf("counted %d allocations but the metadata reports %d", allocCount, m.allocCount)
	}
	if freeCount != m.freeCount || freeCount != m.byOffset.Len() || freeCount != m.bySize.Len() {
		return errors.Errorf("counted %d free regions but the metadata reports %d (offset index %d, size index %d)",
			freeCount, m.freeCount, m.byOffset.Len(), m.bySize.Len())
	}
	if regionCount != m.handles.Count() {
		return errors.Errorf("counted %d regions but %d handles are registered", regionCount, m.handles.Count())
	}
	if calculatedFreeSize != m.sumFreeSize {
		return errors.Errorf("counted %d free bytes but the metadata reports %d", calculatedFreeSize, m.sumFreeSize)
	}
	if calculatedFreeSize+calculatedAllocSize+2*m.margin*allocCount != m.Size() {
		return errors.Errorf("free bytes %d, allocated bytes %d and margins do not add up to the block size %d",
			calculatedFreeSize, calculatedAllocSize, m.Size())
	}

	return nil
}

func (m *FreeListBlockMetadata) AllocationCount() int { return m.allocCount }

func (m *FreeListBlockMetadata) FreeRegionsCount() int { return m.freeCount }

func (m *FreeListBlockMetadata) SumFreeSize() int { return m.sumFreeSize }

func (m *FreeListBlockMetadata) IsEmpty() bool { return m.allocCount == 0 }

func (m *FreeListBlockMetadata) MayHaveFreeBlock(size int) bool {
	largest := m.bySize.Max()
	if largest == nil {
		return false
	}

	return largest.(sizeOrder).size >= size+2*m.margin
}

func (m *FreeListBlockMetadata) VisitAllRegions(handleBlock func(handle BlockAllocationHandle, offset int, size int, userData any, free bool) error) error {
	for region := m.head; region != nil; region = region.next {
		var err error
		if region.free {
			err = handleBlock(region.handle, region.offset, region.size, nil, true)
		} else {
			err = handleBlock(region.handle, region.offset+m.margin, region.size-2*m.margin, region.userData, false)
		}

		if err != nil {
			return err
		}
	}

	return nil
}

func (m *FreeListBlockMetadata) AllocationOffset(allocHandle BlockAllocationHandle) (int, error) {
	region, err := m.getAllocation(allocHandle)
	if err != nil {
		return 0, err
	}

	return region.offset + m.margin, nil
}

func (m *FreeListBlockMetadata) AllocationSize(allocHandle BlockAllocationHandle) (int, error) {
	region, err := m.getAllocation(allocHandle)
	if err != nil {
		return 0, err
	}

	return region.size - 2*m.margin, nil
}

func (m *FreeListBlockMetadata) AllocationUserData(allocHandle BlockAllocationHandle) (any, error) {
	region, err := m.getAllocation(allocHandle)
	if err != nil {
		return nil, err
	}

	return region.userData, nil
}

func (m *FreeListBlockMetadata) SetAllocationUserData(allocHandle BlockAllocationHandle, userData any) error {
	region, err := m.getAllocation(allocHandle)
	if err != nil {
		return err
	}

	region.userData = userData
	return nil
}

func (m *FreeListBlockMetadata) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.BlockCount++
	stats.BlockBytes += m.size

	for region := m.head; region != nil; region = region.next {
		if region.free {
			stats.AddUnusedRange(region.size)
		} else {
			stats.AddAllocation(region.size - 2*m.margin)
		}
	}
}

func (m *FreeListBlockMetadata) AddStatistics(stats *memutils.Statistics) {
	stats.BlockCount++
	stats.AllocationCount += m.allocCount
	stats.BlockBytes += m.size
	stats.AllocationBytes += m.size - m.sumFreeSize - 2*m.margin*m.allocCount
}

func (m *FreeListBlockMetadata) Clear() {
	region := m.head
	for region != nil {
		next := region.next
		m.releaseRegion(region)
		region = next
	}

	m.byOffset.Clear(false)
	m.bySize.Clear(false)
	m.reset()
}

func (m *FreeListBlockMetadata) BlockJsonData(json *jwriter.ObjectState) {
	m.BlockMetadataBase.BlockJsonData(json, m.sumFreeSize, m.allocCount, m.freeCount)
}

func (m *FreeListBlockMetadata) CheckCorruption(blockData unsafe.Pointer) error {
	if m.margin == 0 {
		return nil
	}

	for region := m.head; region != nil; region = region.next {
		if region.free {
			continue
		}

		if !memutils.ValidateMagicValue(blockData, region.offset, m.margin) {
			return errors.Wrapf(memutils.CorruptionError, "margin before the allocation at offset %d was overwritten", region.offset+m.margin)
		}
		if !memutils.ValidateMagicValue(blockData, region.end()-m.margin, m.margin) {
			return errors.Wrapf(memutils.CorruptionError, "margin after the allocation at offset %d was overwritten", region.offset+m.margin)
		}
	}

	return nil
}

func (m *FreeListBlockMetadata) CreateAllocationRequest(allocSize int, allocAlignment uint, strategy AllocationStrategy) (bool, AllocationRequest, error) {
	if allocSize <= 0 {
		return false, AllocationRequest{}, errors.Errorf("allocation size must be positive, but was %d", allocSize)
	}
	if err := memutils.CheckPow2(allocAlignment, "allocation alignment"); err != nil {
		return false, AllocationRequest{}, err
	}
	if allocAlignment == 0 {
		allocAlignment = 1
	}

	required := allocSize + 2*m.margin
	if required > m.sumFreeSize {
		return false, AllocationRequest{}, nil
	}

	var found *freeListRegion
	var allocOffset int
	visit := func(region *freeListRegion) bool {
		offset, ok := m.fit(region, allocSize, allocAlignment)
		if !ok {
			return true
		}

		found = region
		allocOffset = offset
		return false
	}

	bestFit := strategy&AllocationStrategyMinMemory != 0 &&
		strategy&(AllocationStrategyMinTime|AllocationStrategyMinOffset) == 0
	if bestFit {
		m.bySize.AscendGreaterOrEqual(sizeOrder{size: required, offset: math.MinInt}, func(item btree.Item) bool {
			return visit(item.(sizeOrder).region)
		})
	} else {
		m.byOffset.Ascend(func(item btree.Item) bool {
			region := item.(offsetOrder).region
			if region.size < required {
				return true
			}
			return visit(region)
		})
	}

	if found == nil {
		return false, AllocationRequest{}, nil
	}

	return true, AllocationRequest{
		BlockAllocationHandle: m.nextHandle,
		Size:                  allocSize,
		Item: Suballocation{
			Offset: allocOffset,
			Size:   allocSize,
		},
		AlgorithmData: uint64(found.handle),
	}, nil
}

func (m *FreeListBlockMetadata) Alloc(request AllocationRequest, userData any) error {
	region, err := m.getRegion(BlockAllocationHandle(request.AlgorithmData))
	if err != nil {
		return errors.Wrap(err, "allocation request names a region that no longer exists")
	}
	if !region.free {
		return errors.Errorf("allocation request names the region at offset %d, which is no longer free", region.offset)
	}
	if request.BlockAllocationHandle != m.nextHandle {
		return errors.New("allocation request is stale: the metadata has changed since it was created")
	}

	takenStart := request.Item.Offset - m.margin
	takenEnd := request.Item.Offset + request.Size + m.margin
	if request.Size <= 0 || takenStart < region.offset || takenEnd > region.end() {
		return errors.Errorf("allocation request [%d, %d) does not fit in the free region [%d, %d)",
			takenStart, takenEnd, region.offset, region.end())
	}

	m.removeFree(region)

	// The taken node always receives a fresh handle so a stale handle can never free a later allocation
	m.handles.Delete(region.handle)
	region.handle = m.nextHandle
	m.nextHandle++
	m.handles.Put(region.handle, region)

	if leading := takenStart - region.offset; leading > 0 {
		lead := m.newRegion(region.offset, leading)
		lead.prev = region.prev
		lead.next = region
		if region.prev != nil {
			region.prev.next = lead
		} else {
			m.head = lead
		}
		region.prev = lead
		m.insertFree(lead)
	}

	if trailing := region.end() - takenEnd; trailing > 0 {
		tail := m.newRegion(takenEnd, trailing)
		tail.prev = region
		tail.next = region.next
		if region.next != nil {
			region.next.prev = tail
		}
		region.next = tail
		m.insertFree(tail)
	}

	region.offset = takenStart
	region.size = takenEnd - takenStart
	region.free = false
	region.userData = userData
	m.allocCount++

	return nil
}

// TryAllocate creates and commits an allocation request in one step. It returns false, with no error,
// when no free region can hold the allocation.
func (m *FreeListBlockMetadata) TryAllocate(allocSize int, allocAlignment uint, strategy AllocationStrategy, userData any) (bool, BlockAllocationHandle, int, error) {
	success, request, err := m.CreateAllocationRequest(allocSize, allocAlignment, strategy)
	if err != nil || !success {
		return false, NoAllocation, 0, err
	}

	err = m.Alloc(request, userData)
	if err != nil {
		return false, NoAllocation, 0, err
	}

	return true, request.BlockAllocationHandle, request.Item.Offset, nil
}

func (m *FreeListBlockMetadata) Free(allocHandle BlockAllocationHandle) error {
	region, err := m.getAllocation(allocHandle)
	if err != nil {
		return err
	}

	m.allocCount--
	region.userData = nil

	if prev := region.prev; prev != nil && prev.free {
		m.removeFree(prev)
		prev.size += region.size
		prev.next = region.next
		if region.next != nil {
			region.next.prev = prev
		}
		m.releaseRegion(region)
		region = prev
	}

	if next := region.next; next != nil && next.free {
		m.removeFree(next)
		region.size += next.size
		region.next = next.next
		if next.next != nil {
			next.next.prev = region
		}
		m.releaseRegion(next)
	}

	m.insertFree(region)

	if m.sumFreeSize > m.Size() {
		return errors.Errorf("free size %d exceeds the block size %d after freeing handle %d", m.sumFreeSize, m.Size(), allocHandle)
	}

	memutils.DebugValidate(m)
	return nil
}
