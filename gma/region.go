package gma

import (
	"fmt"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/gfxmem/memutils/metadata"
)

// MemoryRegion is a range of bytes sub-allocated from a MemoryHeap. It is live from the moment it
// is returned by MemoryManager.Allocate until it is passed to MemoryManager.Free.
//
// A region holds a non-owning reference to its manager and heap. Once freed, the heap may be
// returned to the device at any time.
type MemoryRegion struct {
	manager *MemoryManager
	// block is nil once the region has been freed. It is only read or written under the manager mutex.
	block     *memoryBlock
	heap      *MemoryHeap
	handle    metadata.BlockAllocationHandle
	offset    int
	size      int
	alignment uint
	kind      ResourceKind

	userData any
	name     string
}

// Offset is the byte offset of the region within its heap
func (r *MemoryRegion) Offset() int { return r.offset }

// Size is the number of bytes in the region, margins excluded
func (r *MemoryRegion) Size() int { return r.size }

// Alignment is the alignment the region's offset satisfies
func (r *MemoryRegion) Alignment() uint { return r.alignment }

// Heap is the MemoryHeap the region was sub-allocated from
func (r *MemoryRegion) Heap() *MemoryHeap { return r.heap }

// Manager is the MemoryManager the region must be freed through
func (r *MemoryRegion) Manager() *MemoryManager { return r.manager }

func (r *MemoryRegion) MemoryTypeIndex() int { return r.heap.MemoryTypeIndex() }
func (r *MemoryRegion) Kind() ResourceKind   { return r.kind }

func (r *MemoryRegion) UserData() any            { return r.userData }
func (r *MemoryRegion) SetUserData(userData any) { r.userData = userData }
func (r *MemoryRegion) Name() string             { return r.name }
func (r *MemoryRegion) SetName(name string)      { r.name = name }

// Map maps the region's heap into host memory and returns a pointer to the first byte of the
// region. Each call must be matched by a call to Unmap.
func (r *MemoryRegion) Map() (unsafe.Pointer, error) {
	if !r.isLive() {
		return nil, errors.Wrapf(ErrRegionNotFound, "region at offset %d of heap %s has been freed", r.offset, r.heap.Name())
	}

	data, err := r.heap.Map()
	if err != nil {
		return nil, err
	}

	return unsafe.Add(data, r.offset), nil
}

// Unmap releases a mapping taken with Map
func (r *MemoryRegion) Unmap() error {
	return r.heap.Unmap()
}

// Free returns the region to its manager
func (r *MemoryRegion) Free() error {
	return r.manager.Free(r)
}

func (r *MemoryRegion) isLive() bool {
	r.manager.mutex.RLock()
	defer r.manager.mutex.RUnlock()

	return r.block != nil
}

func (r *MemoryRegion) printParameters(json *jwriter.ObjectState) {
	json.Name("Kind").String(r.kind.String())
	json.Name("Size").Int(r.size)
	json.Name("Alignment").Int(int(r.alignment))

	if r.userData != nil {
		json.Name("CustomData").String(fmt.Sprintf("%+v", r.userData))
	}
	if r.name != "" {
		json.Name("Name").String(r.name)
	}
}
