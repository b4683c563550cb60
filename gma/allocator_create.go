package gma

import (
	"log/slog"

	"github.com/cockroachdb/errors"
)

// CreateOptions contains optional settings when creating an Allocator
type CreateOptions struct {
	// Settings controls the heap sizing policy of every MemoryManager. DefaultSettings is used
	// when it is nil.
	Settings *Settings
	// Flags indicates specific allocator behaviors to activate or deactivate
	Flags CreateFlags

	// MemoryCallbacks is an optional set of callbacks that will be executed when the Allocator
	// obtains or releases a heap. It can be helpful in cases when the consumer requires
	// allocator-level info about device memory.
	MemoryCallbacks *MemoryCallbackOptions
}

// New creates a new Allocator with one MemoryManager per memory type of the device
//
// logger - The logger that the Allocator and every object created from it will log to
//
// device - The backend that heaps will be allocated from and resources created with
//
// options - Optional parameters: it is valid to leave all the fields blank
func New(logger *slog.Logger, device Device, options CreateOptions) (*Allocator, error) {
	if logger == nil {
		return nil, errors.Wrap(ErrInvalidArgument, "a logger is required")
	}
	if device == nil {
		return nil, errors.Wrap(ErrInvalidArgument, "a device is required")
	}

	settings := DefaultSettings()
	if options.Settings != nil {
		settings = *options.Settings
	}

	err := settings.Validate()
	if err != nil {
		return nil, err
	}

	useMutex := options.Flags&CreateExternallySynchronized == 0

	allocator := &Allocator{
		useMutex:    useMutex,
		logger:      logger,
		device:      device,
		createFlags: options.Flags,
		settings:    settings,
	}

	allocator.deviceMemory, err = newDeviceMemory(
		logger,
		useMutex,
		device,
		settings.HeapSizeLimits,
		&memoryCallbacks{
			Callbacks: options.MemoryCallbacks,
			Allocator: allocator,
		},
	)
	if err != nil {
		return nil, err
	}

	// Initialize memory managers
	typeCount := allocator.deviceMemory.MemoryTypeCount()
	for typeIndex := 0; typeIndex < typeCount; typeIndex++ {
		manager, err := newMemoryManager(logger, useMutex, allocator.deviceMemory, typeIndex, settings)
		allocator.memoryManagers[typeIndex] = manager
		if err != nil {
			destroyErr := allocator.destroyManagers()
			return nil, errors.CombineErrors(
				errors.Wrapf(err, "failed to create the memory manager for memory type %d", typeIndex),
				destroyErr,
			)
		}
	}

	allocator.state.initialize()

	logger.Debug("Allocator::New",
		slog.Int("MemoryTypeCount", typeCount),
		slog.Int("MemoryHeapCount", allocator.deviceMemory.MemoryHeapCount()),
		slog.Bool("ExternallySynchronized", !useMutex))

	return allocator, nil
}
