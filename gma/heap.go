package gma

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/gfxmem/internal/utils"
)

// MemoryHeap is a single fixed-size allocation of device memory for one memory type. Regions are
// sub-allocated from it by the MemoryManager that owns it.
type MemoryHeap struct {
	id              int
	name            string
	memoryTypeIndex int
	size            int
	hostVisible     bool
	memory          DeviceMemory
	state           lifecycle

	mapMutex      utils.OptionalMutex
	mapReferences int
	mapData       unsafe.Pointer
}

func newMemoryHeap(useMutex bool, id int, name string, memoryTypeIndex int, size int, memory DeviceMemory, hostVisible bool) *MemoryHeap {
	heap := &MemoryHeap{
		id:              id,
		name:            name,
		memoryTypeIndex: memoryTypeIndex,
		size:            size,
		hostVisible:     hostVisible,
		memory:          memory,
	}
	heap.mapMutex.UseMutex = useMutex
	heap.state.initialize()

	return heap
}

func (h *MemoryHeap) ID() int              { return h.id }
func (h *MemoryHeap) Name() string         { return h.name }
func (h *MemoryHeap) Size() int            { return h.size }
func (h *MemoryHeap) MemoryTypeIndex() int { return h.memoryTypeIndex }
func (h *MemoryHeap) Memory() DeviceMemory { return h.memory }
func (h *MemoryHeap) State() State         { return h.state.State() }

// MapReferences is the number of outstanding Map calls that have not been matched by Unmap
func (h *MemoryHeap) MapReferences() int {
	h.mapMutex.Lock()
	defer h.mapMutex.Unlock()

	return h.mapReferences
}

// MappedData returns the host pointer to the start of the heap, or nil if it is not mapped
func (h *MemoryHeap) MappedData() unsafe.Pointer {
	h.mapMutex.Lock()
	defer h.mapMutex.Unlock()

	return h.mapData
}

// Map maps the whole heap into host memory and returns a pointer to its start. Mapping is
// reference counted: the heap stays mapped until every Map has been matched by Unmap.
func (h *MemoryHeap) Map() (unsafe.Pointer, error) {
	err := h.state.checkLive("memory heap " + h.name)
	if err != nil {
		return nil, err
	}
	if !h.hostVisible {
		return nil, errors.Wrapf(ErrFeatureNotPresent, "memory heap %s is in memory type %d, which is not host visible", h.name, h.memoryTypeIndex)
	}

	h.mapMutex.Lock()
	defer h.mapMutex.Unlock()

	if h.mapReferences > 0 {
		if h.mapData == nil {
			return nil, errors.AssertionFailedf("memory heap %s has %d map references but no mapped memory", h.name, h.mapReferences)
		}

		h.mapReferences++
		return h.mapData, nil
	}

	mappedData, res, err := h.memory.Map(0, h.size)
	if err != nil {
		return nil, driverError(err, "failed to map memory heap %s (%s)", h.name, res)
	}

	h.mapData = mappedData
	h.mapReferences = 1
	return mappedData, nil
}

// Unmap releases one reference taken by Map
func (h *MemoryHeap) Unmap() error {
	h.mapMutex.Lock()
	defer h.mapMutex.Unlock()

	if h.mapReferences == 0 {
		return errors.Wrapf(ErrInvalidArgument, "memory heap %s is not mapped", h.name)
	}

	h.mapReferences--
	if h.mapReferences == 0 {
		h.memory.Unmap()
		h.mapData = nil
	}

	return nil
}

// release unmaps and frees the device memory. It runs once, from deviceMemory.FreeHeap.
func (h *MemoryHeap) release() {
	if !h.state.beginDispose() {
		panic("attempted to release memory heap " + h.name + " twice")
	}

	h.mapMutex.Lock()
	if h.mapReferences > 0 {
		h.memory.Unmap()
		h.mapReferences = 0
		h.mapData = nil
	}
	h.mapMutex.Unlock()

	h.memory.Free()
	h.state.endDispose()
}
