package gma

import (
	"context"
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/gfxmem/memutils"
	"github.com/vkngwrapper/gfxmem/memutils/metadata"
)

// memoryBlock pairs a MemoryHeap with the block allocator that sub-allocates it
type memoryBlock struct {
	heap     *MemoryHeap
	metadata *metadata.FreeListBlockMetadata
	logger   *slog.Logger

	// dedicated blocks hold a single oversized or explicitly dedicated region and are skipped
	// when searching for room for shared allocations
	dedicated bool
	// corruptionDetection is set when margins around regions are filled with magic values
	corruptionDetection bool
}

func newMemoryBlock(logger *slog.Logger, heap *MemoryHeap, margin int, dedicated bool, corruptionDetection bool) *memoryBlock {
	md := metadata.NewFreeListBlockMetadata(margin)
	md.Init(heap.Size())

	return &memoryBlock{
		heap:                heap,
		metadata:            md,
		logger:              logger,
		dedicated:           dedicated,
		corruptionDetection: corruptionDetection,
	}
}

func (b *memoryBlock) ID() int   { return b.heap.ID() }
func (b *memoryBlock) Size() int { return b.metadata.Size() }

// destroy returns the heap to the device. It refuses, logging every live region, if any regions
// have not been freed.
func (b *memoryBlock) destroy(memory *deviceMemory) error {
	if !b.metadata.IsEmpty() {
		err := b.metadata.VisitAllRegions(func(handle metadata.BlockAllocationHandle, offset int, size int, userData any, free bool) error {
			if free {
				return nil
			}

			b.logUnreleasedMemory(offset, size, userData)
			return nil
		})
		if err != nil {
			b.logger.LogAttrs(context.Background(),
				slog.LevelError,
				"[UNRELEASED MEMORY] error while iterating unreleased memory",
				slog.Any("error", err))
		}

		return errors.Newf("memory heap %s still has %d live regions", b.heap.Name(), b.metadata.AllocationCount())
	}

	memory.FreeHeap(b.heap)
	return nil
}

func (b *memoryBlock) logUnreleasedMemory(offset, size int, userData any) {
	attrs := []slog.Attr{
		slog.String("heap", b.heap.Name()),
		slog.Int("offset", offset),
		slog.Int("size", size),
	}

	if region, ok := userData.(*MemoryRegion); ok && region != nil {
		name := region.Name()
		if name == "" {
			name = "empty"
		}
		attrs = append(attrs,
			slog.String("kind", region.Kind().String()),
			slog.Any("userData", region.UserData()),
			slog.String("name", name),
		)
	}

	b.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] unfreed region", attrs...)
}

func (b *memoryBlock) Validate() error {
	if b.heap == nil || b.heap.State() != StateInitialized {
		return errors.New("no valid memory heap for this memory block")
	}
	if b.metadata.Size() != b.heap.Size() {
		return errors.Newf("block allocator size %d does not match heap size %d", b.metadata.Size(), b.heap.Size())
	}

	err := b.metadata.VisitAllRegions(func(handle metadata.BlockAllocationHandle, offset, size int, userData any, free bool) error {
		region, isRegion := userData.(*MemoryRegion)
		if free && isRegion {
			return errors.Newf("the range at offset %d is marked as free but contains a region object", offset)
		} else if !free && (!isRegion || region == nil) {
			return errors.Newf("the range at offset %d is marked as allocated but has no region object", offset)
		}

		return nil
	})
	if err != nil {
		return err
	}

	return b.metadata.Validate()
}

// CheckCorruption maps the heap and verifies the magic values around every live region
func (b *memoryBlock) CheckCorruption() (err error) {
	data, err := b.heap.Map()
	if err != nil {
		return err
	}
	defer func() {
		unmapErr := b.heap.Unmap()
		if err == nil {
			err = unmapErr
		}
	}()

	return b.metadata.CheckCorruption(data)
}

func (b *memoryBlock) writeMagicValues(offset, size int) (err error) {
	data, err := b.heap.Map()
	if err != nil {
		return err
	}
	defer func() {
		unmapErr := b.heap.Unmap()
		if err == nil {
			err = unmapErr
		}
	}()

	margin := b.metadata.Margin()
	memutils.WriteMagicValue(data, offset-margin, margin)
	memutils.WriteMagicValue(data, offset+size, margin)

	return nil
}

func (b *memoryBlock) validateMagicValues(offset, size int) (err error) {
	data, err := b.heap.Map()
	if err != nil {
		return err
	}
	defer func() {
		unmapErr := b.heap.Unmap()
		if err == nil {
			err = unmapErr
		}
	}()

	margin := b.metadata.Margin()
	if !memutils.ValidateMagicValue(data, offset-margin, margin) || !memutils.ValidateMagicValue(data, offset+size, margin) {
		return errors.Wrapf(memutils.CorruptionError, "margins of the region at offset %d in heap %s were overwritten", offset, b.heap.Name())
	}

	return nil
}
