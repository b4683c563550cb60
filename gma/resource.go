package gma

import (
	"log/slog"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/core1_0"
)

// resource is the memory-owning half of a Buffer or Texture
type resource struct {
	objectName    string
	region        *MemoryRegion
	cpuAccess     CPUAccess
	destroyNative func()
	state         lifecycle
}

func (r *resource) init(objectName string, region *MemoryRegion, cpuAccess CPUAccess, destroyNative func()) {
	r.objectName = objectName
	r.region = region
	r.cpuAccess = cpuAccess
	r.destroyNative = destroyNative
	r.state.initialize()
}

func (r *resource) State() State { return r.state.State() }

func (r *resource) CPUAccess() CPUAccess { return r.cpuAccess }

// Region returns the memory the resource is bound to
func (r *resource) Region() *MemoryRegion { return r.region }

// Map maps the resource's memory into host memory and returns a pointer to its first byte
func (r *resource) Map() (unsafe.Pointer, error) {
	if err := r.state.checkLive(r.objectName); err != nil {
		return nil, err
	}

	return r.region.Map()
}

// Unmap releases a mapping taken with Map
func (r *resource) Unmap() error {
	if err := r.state.checkLive(r.objectName); err != nil {
		return err
	}

	return r.region.Unmap()
}

// Dispose destroys the native resource and frees its memory. Calling Dispose more than once has no
// effect.
func (r *resource) Dispose() error {
	if !r.state.beginDispose() {
		return nil
	}
	defer r.state.endDispose()

	r.destroyNative()
	return r.region.Free()
}

// Buffer is a native buffer bound to a region of memory owned by an Allocator
type Buffer struct {
	resource
	native NativeBuffer
	size   int
}

// Native returns the backend's buffer object
func (b *Buffer) Native() NativeBuffer { return b.native }

// Size is the size the buffer was created with, which may be smaller than its region
func (b *Buffer) Size() int { return b.size }

// Texture is a native image bound to a region of memory owned by an Allocator
type Texture struct {
	resource
	native NativeImage
	extent core1_0.Extent3D
	format core1_0.Format
}

// Native returns the backend's image object
func (t *Texture) Native() NativeImage { return t.native }

func (t *Texture) Extent() core1_0.Extent3D { return t.extent }
func (t *Texture) Format() core1_0.Format   { return t.format }

// CreateBuffer creates a buffer, allocates memory suited to its requirements and the provided CPU
// access pattern, and binds the two. Nothing is left allocated if any step fails.
func (a *Allocator) CreateBuffer(bufferInfo core1_0.BufferCreateInfo, cpuAccess CPUAccess, flags AllocationFlags) (*Buffer, error) {
	a.logger.Debug("Allocator::CreateBuffer",
		slog.Int("size", bufferInfo.Size),
		slog.String("cpuAccess", cpuAccess.String()),
		slog.String("flags", flags.String()))

	if bufferInfo.Size <= 0 {
		return nil, errors.Wrapf(ErrInvalidArgument, "buffer size must be positive, but was %d", bufferInfo.Size)
	}
	if err := a.state.checkLive("allocator"); err != nil {
		return nil, err
	}

	// 1. Create the buffer so the device can report its requirements
	buffer, res, err := a.device.CreateBuffer(bufferInfo)
	if err != nil {
		return nil, driverError(err, "failed to create buffer (%s)", res)
	}

	// 2. Allocate memory
	region, err := a.allocateMemory(*buffer.MemoryRequirements(), cpuAccess, flags, ResourceKindBuffer)
	if err != nil {
		buffer.Destroy()
		return nil, err
	}

	// 3. Bind buffer with memory
	res, err = buffer.BindMemory(region.Heap().Memory(), region.Offset())
	if err != nil {
		buffer.Destroy()
		freeErr := region.Free()
		return nil, errors.CombineErrors(driverError(err, "failed to bind buffer memory (%s)", res), freeErr)
	}

	result := &Buffer{
		native: buffer,
		size:   bufferInfo.Size,
	}
	result.init("buffer", region, cpuAccess, buffer.Destroy)

	return result, nil
}

// CreateTexture creates an image, allocates memory suited to its requirements and the provided
// CPU access pattern, and binds the two. Nothing is left allocated if any step fails.
func (a *Allocator) CreateTexture(imageInfo core1_0.ImageCreateInfo, cpuAccess CPUAccess, flags AllocationFlags) (*Texture, error) {
	a.logger.Debug("Allocator::CreateTexture",
		slog.Int("width", imageInfo.Extent.Width),
		slog.Int("height", imageInfo.Extent.Height),
		slog.Int("depth", imageInfo.Extent.Depth),
		slog.String("format", imageInfo.Format.String()),
		slog.String("cpuAccess", cpuAccess.String()),
		slog.String("flags", flags.String()))

	if imageInfo.Extent.Width <= 0 || imageInfo.Extent.Height <= 0 || imageInfo.Extent.Depth <= 0 {
		return nil, errors.Wrapf(ErrInvalidArgument, "texture extent must be positive in every dimension, but was %dx%dx%d",
			imageInfo.Extent.Width, imageInfo.Extent.Height, imageInfo.Extent.Depth)
	}
	if err := a.state.checkLive("allocator"); err != nil {
		return nil, err
	}

	// 1. Create the image so the device can report its requirements
	image, res, err := a.device.CreateImage(imageInfo)
	if err != nil {
		return nil, driverError(err, "failed to create image (%s)", res)
	}

	// 2. Allocate memory
	region, err := a.allocateMemory(*image.MemoryRequirements(), cpuAccess, flags, ResourceKindTexture)
	if err != nil {
		image.Destroy()
		return nil, err
	}

	// 3. Bind image with memory
	res, err = image.BindMemory(region.Heap().Memory(), region.Offset())
	if err != nil {
		image.Destroy()
		freeErr := region.Free()
		return nil, errors.CombineErrors(driverError(err, "failed to bind image memory (%s)", res), freeErr)
	}

	result := &Texture{
		native: image,
		extent: imageInfo.Extent,
		format: imageInfo.Format,
	}
	result.init("texture", region, cpuAccess, image.Destroy)

	return result, nil
}
