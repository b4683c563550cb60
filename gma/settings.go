package gma

import (
	"io"
	"math"

	"github.com/cockroachdb/errors"
	"github.com/pelletier/go-toml/v2"
	"github.com/vkngwrapper/gfxmem/memutils"
)

const (
	// DefaultMinimumAllocatorSize is the smallest heap a MemoryManager will create for shared use: 64KiB
	DefaultMinimumAllocatorSize int = 64 * 1024
	// DefaultMaximumSharedAllocatorSize is the largest heap a MemoryManager will create for shared
	// use: 256MiB. Requests larger than this receive a heap sized to the request.
	DefaultMaximumSharedAllocatorSize int = 256 * 1024 * 1024
)

// Settings controls the sizing policy of every MemoryManager owned by an Allocator
type Settings struct {
	// MinimumAllocatorCount is the number of heaps each manager creates up front and never
	// evicts below
	MinimumAllocatorCount int `toml:"minimum_allocator_count"`
	// MaximumAllocatorCount caps the number of heaps each manager may hold
	MaximumAllocatorCount int `toml:"maximum_allocator_count"`
	// MinimumAllocatorSize is the smallest heap size used when growing
	MinimumAllocatorSize int `toml:"minimum_allocator_size"`
	// MaximumSharedAllocatorSize is the largest heap size used when growing. Allocations larger
	// than this get a dedicated heap.
	MaximumSharedAllocatorSize int `toml:"maximum_shared_allocator_size"`
	// MinimumAllocatedRegionMarginSize is the number of padding bytes reserved on each side of
	// every region. It must be a multiple of 4.
	MinimumAllocatedRegionMarginSize int `toml:"minimum_allocated_region_margin_size"`

	// HeapSizeLimits can be left empty. If it is provided, it must have one entry per device memory
	// heap. Each entry is either the maximum number of bytes that may be allocated from that heap, or
	// 0 for no limit.
	HeapSizeLimits []int `toml:"heap_size_limits"`
}

// DefaultSettings returns the settings used when none are provided
func DefaultSettings() Settings {
	return Settings{
		MinimumAllocatorCount:            0,
		MaximumAllocatorCount:            math.MaxInt32,
		MinimumAllocatorSize:             DefaultMinimumAllocatorSize,
		MaximumSharedAllocatorSize:       DefaultMaximumSharedAllocatorSize,
		MinimumAllocatedRegionMarginSize: memutils.DebugMargin,
	}
}

// Validate returns an error wrapping ErrInvalidArgument if the settings cannot be used
func (s Settings) Validate() error {
	switch {
	case s.MinimumAllocatorCount < 0:
		return errors.Wrapf(ErrInvalidArgument, "MinimumAllocatorCount was %d but cannot be negative", s.MinimumAllocatorCount)
	case s.MaximumAllocatorCount < 1:
		return errors.Wrapf(ErrInvalidArgument, "MaximumAllocatorCount was %d but must be at least 1", s.MaximumAllocatorCount)
	case s.MinimumAllocatorCount > s.MaximumAllocatorCount:
		return errors.Wrapf(ErrInvalidArgument, "MinimumAllocatorCount %d is greater than MaximumAllocatorCount %d",
			s.MinimumAllocatorCount, s.MaximumAllocatorCount)
	case s.MinimumAllocatorSize < 1:
		return errors.Wrapf(ErrInvalidArgument, "MinimumAllocatorSize was %d but must be positive", s.MinimumAllocatorSize)
	case s.MinimumAllocatorSize > s.MaximumSharedAllocatorSize:
		return errors.Wrapf(ErrInvalidArgument, "MinimumAllocatorSize %d is greater than MaximumSharedAllocatorSize %d",
			s.MinimumAllocatorSize, s.MaximumSharedAllocatorSize)
	case s.MinimumAllocatedRegionMarginSize < 0 || s.MinimumAllocatedRegionMarginSize%memutils.MagicValueSize != 0:
		return errors.Wrapf(ErrInvalidArgument, "MinimumAllocatedRegionMarginSize was %d but must be a non-negative multiple of %d",
			s.MinimumAllocatedRegionMarginSize, memutils.MagicValueSize)
	}

	for heapIndex, limit := range s.HeapSizeLimits {
		if limit < 0 {
			return errors.Wrapf(ErrInvalidArgument, "HeapSizeLimits[%d] was %d but cannot be negative", heapIndex, limit)
		}
	}

	return nil
}

// LoadSettings decodes TOML settings on top of DefaultSettings and validates the result. Unknown
// keys are rejected.
func LoadSettings(r io.Reader) (Settings, error) {
	settings := DefaultSettings()

	err := toml.NewDecoder(r).DisallowUnknownFields().Decode(&settings)
	if err != nil {
		return Settings{}, errors.Wrap(err, "failed to decode allocator settings")
	}

	err = settings.Validate()
	if err != nil {
		return Settings{}, err
	}

	return settings, nil
}
