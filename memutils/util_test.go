package memutils_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/gfxmem/memutils"
)

func TestAlignUp(t *testing.T) {
	require.Equal(t, 0, memutils.AlignUp(0, 16))
	require.Equal(t, 16, memutils.AlignUp(1, 16))
	require.Equal(t, 16, memutils.AlignUp(16, 16))
	require.Equal(t, 17, memutils.AlignUp(17, 1))
	require.Equal(t, 17, memutils.AlignUp(17, 0))
	require.Equal(t, 256, memutils.AlignUp(129, 256))
}

func TestAlignDown(t *testing.T) {
	require.Equal(t, 0, memutils.AlignDown(15, 16))
	require.Equal(t, 32, memutils.AlignDown(47, 16))
	require.True(t, memutils.IsAligned(64, 32))
	require.False(t, memutils.IsAligned(65, 32))
}

func TestCheckPow2(t *testing.T) {
	require.NoError(t, memutils.CheckPow2(uint(0), "zero"))
	require.NoError(t, memutils.CheckPow2(uint(1), "one"))
	require.NoError(t, memutils.CheckPow2(4096, "page"))

	err := memutils.CheckPow2(24, "alignment")
	require.ErrorIs(t, err, memutils.PowerOfTwoError)
	require.Contains(t, err.Error(), "alignment is 24")

	require.ErrorIs(t, memutils.CheckPow2(-8, "negative"), memutils.PowerOfTwoError)
}

func TestDetailedStatisticsAccumulate(t *testing.T) {
	var stats memutils.DetailedStatistics
	stats.Clear()
	stats.BlockCount++
	stats.BlockBytes += 1000
	stats.AddAllocation(100)
	stats.AddAllocation(300)
	stats.AddUnusedRange(600)

	var total memutils.DetailedStatistics
	total.Clear()
	total.AddDetailedStatistics(&stats)

	require.Equal(t, memutils.DetailedStatistics{
		Statistics: memutils.Statistics{
			BlockCount:      1,
			BlockBytes:      1000,
			AllocationCount: 2,
			AllocationBytes: 400,
		},
		UnusedRangeCount:   1,
		AllocationSizeMin:  100,
		AllocationSizeMax:  300,
		UnusedRangeSizeMin: 600,
		UnusedRangeSizeMax: 600,
	}, total)
}
