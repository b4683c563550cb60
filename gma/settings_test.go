package gma_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/gfxmem/gma"
)

func TestLoadSettingsOverridesDefaults(t *testing.T) {
	settings, err := gma.LoadSettings(strings.NewReader(`
minimum_allocator_count = 2
maximum_shared_allocator_size = 1048576
heap_size_limits = [0, 4096]
`))
	require.NoError(t, err)

	expected := gma.DefaultSettings()
	expected.MinimumAllocatorCount = 2
	expected.MaximumSharedAllocatorSize = 1048576
	expected.HeapSizeLimits = []int{0, 4096}
	require.Equal(t, expected, settings)
}

func TestLoadSettingsRejectsUnknownKeys(t *testing.T) {
	_, err := gma.LoadSettings(strings.NewReader(`maximum_allocators = 3`))
	require.Error(t, err)
}

var invalidSettingsCases = map[string]func(s *gma.Settings){
	"NegativeMinimumCount":  func(s *gma.Settings) { s.MinimumAllocatorCount = -1 },
	"MinimumAboveMaximum":   func(s *gma.Settings) { s.MinimumAllocatorCount = 5; s.MaximumAllocatorCount = 4 },
	"ZeroMaximumCount":      func(s *gma.Settings) { s.MaximumAllocatorCount = 0 },
	"MinimumSizeAboveShare": func(s *gma.Settings) { s.MinimumAllocatorSize = s.MaximumSharedAllocatorSize + 1 },
	"UnalignedMargin":       func(s *gma.Settings) { s.MinimumAllocatedRegionMarginSize = 6 },
	"NegativeHeapLimit":     func(s *gma.Settings) { s.HeapSizeLimits = []int{-1} },
}

func TestSettingsValidate(t *testing.T) {
	require.NoError(t, gma.DefaultSettings().Validate())

	for name, mutate := range invalidSettingsCases {
		t.Run(name, func(t *testing.T) {
			settings := gma.DefaultSettings()
			mutate(&settings)

			require.ErrorIs(t, settings.Validate(), gma.ErrInvalidArgument)
		})
	}
}
