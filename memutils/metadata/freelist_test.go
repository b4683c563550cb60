package metadata_test

import (
	"math"
	"math/rand"
	"testing"
	"unsafe"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/gfxmem/memutils"
	"github.com/vkngwrapper/gfxmem/memutils/metadata"
)

func allocate(t *testing.T, md *metadata.FreeListBlockMetadata, size int, alignment uint, strategy metadata.AllocationStrategy) (metadata.BlockAllocationHandle, int) {
	t.Helper()

	success, handle, offset, err := md.TryAllocate(size, alignment, strategy, nil)
	require.NoError(t, err)
	require.True(t, success)
	require.NoError(t, md.Validate())

	return handle, offset
}

func TestFreeListBasicAlloc(t *testing.T) {
	md := metadata.NewFreeListBlockMetadata(0)
	md.Init(1000)

	var stats memutils.DetailedStatistics
	stats.Clear()
	md.AddDetailedStatistics(&stats)

	require.Equal(t, memutils.DetailedStatistics{
		Statistics: memutils.Statistics{
			BlockCount: 1,
			BlockBytes: 1000,
		},
		UnusedRangeCount:   1,
		AllocationSizeMin:  math.MaxInt,
		AllocationSizeMax:  0,
		UnusedRangeSizeMin: 1000,
		UnusedRangeSizeMax: 1000,
	}, stats)

	success, req, err := md.CreateAllocationRequest(100, 1, metadata.AllocationStrategyMinMemory)
	require.NoError(t, err)
	require.True(t, success)
	require.Equal(t, 0, req.Item.Offset)

	alloc1 := req.BlockAllocationHandle
	require.NoError(t, md.Alloc(req, &alloc1))

	userData, err := md.AllocationUserData(alloc1)
	require.NoError(t, err)
	require.Equal(t, &alloc1, userData)

	stats.Clear()
	md.AddDetailedStatistics(&stats)

	require.Equal(t, memutils.DetailedStatistics{
		Statistics: memutils.Statistics{
			BlockCount:      1,
			BlockBytes:      1000,
			AllocationCount: 1,
			AllocationBytes: 100,
		},
		UnusedRangeCount:   1,
		AllocationSizeMin:  100,
		AllocationSizeMax:  100,
		UnusedRangeSizeMin: 900,
		UnusedRangeSizeMax: 900,
	}, stats)

	require.NoError(t, md.Free(alloc1))
	require.True(t, md.IsEmpty())
	require.Equal(t, 1000, md.SumFreeSize())
	require.Equal(t, 1, md.FreeRegionsCount())
	require.NoError(t, md.Validate())
}

func TestFreeListReuseFreedGap(t *testing.T) {
	md := metadata.NewFreeListBlockMetadata(0)
	md.Init(1024)

	first, firstOffset := allocate(t, md, 100, 1, 0)
	_, secondOffset := allocate(t, md, 200, 1, 0)
	require.Equal(t, 0, firstOffset)
	require.Equal(t, 100, secondOffset)

	require.NoError(t, md.Free(first))
	require.NoError(t, md.Validate())

	_, thirdOffset := allocate(t, md, 100, 1, 0)
	require.Equal(t, 0, thirdOffset)
	require.Equal(t, 1024-300, md.SumFreeSize())
}

func TestFreeListCoalesceNeighbours(t *testing.T) {
	md := metadata.NewFreeListBlockMetadata(16)
	md.Init(1024)

	left, _ := allocate(t, md, 100, 1, 0)
	middle, _ := allocate(t, md, 100, 1, 0)
	right, _ := allocate(t, md, 100, 1, 0)
	_, _ = allocate(t, md, 1024-3*132-32-64, 1, 0)

	require.Equal(t, 1, md.FreeRegionsCount())

	require.NoError(t, md.Free(left))
	require.NoError(t, md.Free(right))
	require.Equal(t, 3, md.FreeRegionsCount())

	require.NoError(t, md.Free(middle))
	require.Equal(t, 2, md.FreeRegionsCount())
	require.NoError(t, md.Validate())

	// The three merged spans hold 3*(100+32) bytes; one allocation of that size minus its own margins fits
	_, offset := allocate(t, md, 3*132-32, 1, 0)
	require.Equal(t, 16, offset)
}

func TestFreeListConservationWithMargins(t *testing.T) {
	const margin = 8
	md := metadata.NewFreeListBlockMetadata(margin)
	md.Init(4096)

	var handles []metadata.BlockAllocationHandle
	allocated := 0
	for _, size := range []int{10, 64, 7, 300, 1} {
		handle, offset := allocate(t, md, size, 64, 0)
		require.Zero(t, offset%64)
		handles = append(handles, handle)
		allocated += size

		require.Equal(t, md.Size(), md.SumFreeSize()+allocated+2*margin*md.AllocationCount())
	}

	for i, handle := range handles {
		size, err := md.AllocationSize(handle)
		require.NoError(t, err)
		require.NoError(t, md.Free(handle))
		allocated -= size

		require.Equal(t, len(handles)-i-1, md.AllocationCount())
		require.Equal(t, md.Size(), md.SumFreeSize()+allocated+2*margin*md.AllocationCount())
	}

	require.Equal(t, 4096, md.SumFreeSize())
}

func TestFreeListBestFitPrefersSmallestGap(t *testing.T) {
	md := metadata.NewFreeListBlockMetadata(0)
	md.Init(1000)

	big, _ := allocate(t, md, 300, 1, 0)
	_, _ = allocate(t, md, 10, 1, 0)
	small, _ := allocate(t, md, 50, 1, 0)
	_, _ = allocate(t, md, 10, 1, 0)

	require.NoError(t, md.Free(big))
	require.NoError(t, md.Free(small))

	// First fit lands in the 300 byte gap at offset 0, best fit in the 50 byte gap at offset 310
	success, req, err := md.CreateAllocationRequest(40, 1, 0)
	require.NoError(t, err)
	require.True(t, success)
	require.Equal(t, 0, req.Item.Offset)

	success, req, err = md.CreateAllocationRequest(40, 1, metadata.AllocationStrategyMinMemory)
	require.NoError(t, err)
	require.True(t, success)
	require.Equal(t, 310, req.Item.Offset)
}

func TestFreeListNoRoom(t *testing.T) {
	md := metadata.NewFreeListBlockMetadata(0)
	md.Init(256)

	_, _ = allocate(t, md, 200, 1, 0)

	require.False(t, md.MayHaveFreeBlock(100))
	success, _, _, err := md.TryAllocate(100, 1, 0, nil)
	require.NoError(t, err)
	require.False(t, success)

	// 56 bytes are free but alignment pushes the allocation past the end
	success, _, _, err = md.TryAllocate(50, 128, 0, nil)
	require.NoError(t, err)
	require.False(t, success)
}

var invalidRequestCases = map[string]struct {
	Size      int
	Alignment uint
}{
	"ZeroSize":         {Size: 0, Alignment: 1},
	"NegativeSize":     {Size: -5, Alignment: 1},
	"NonPow2Alignment": {Size: 10, Alignment: 48},
}

func TestFreeListInvalidRequests(t *testing.T) {
	for name, testCase := range invalidRequestCases {
		t.Run(name, func(t *testing.T) {
			md := metadata.NewFreeListBlockMetadata(0)
			md.Init(1024)

			success, _, err := md.CreateAllocationRequest(testCase.Size, testCase.Alignment, 0)
			require.Error(t, err)
			require.False(t, success)
			require.Equal(t, 1024, md.SumFreeSize())
		})
	}
}

func TestFreeListDoubleFree(t *testing.T) {
	md := metadata.NewFreeListBlockMetadata(0)
	md.Init(1024)

	handle, _ := allocate(t, md, 100, 1, 0)
	_, _ = allocate(t, md, 100, 1, 0)

	require.NoError(t, md.Free(handle))
	require.Error(t, md.Free(handle))

	// A new allocation in the same place must not be reachable through the stale handle
	reused, offset := allocate(t, md, 100, 1, 0)
	require.Equal(t, 0, offset)
	require.NotEqual(t, handle, reused)
	require.Error(t, md.Free(handle))
	require.NoError(t, md.Validate())
}

func TestFreeListStaleRequest(t *testing.T) {
	md := metadata.NewFreeListBlockMetadata(0)
	md.Init(1024)

	success, req, err := md.CreateAllocationRequest(100, 1, 0)
	require.NoError(t, err)
	require.True(t, success)

	_, _ = allocate(t, md, 100, 1, 0)

	require.Error(t, md.Alloc(req, nil))
	require.NoError(t, md.Validate())
}

func TestFreeListRandomNoOverlap(t *testing.T) {
	const margin = 4
	rng := rand.New(rand.NewSource(1234))

	md := metadata.NewFreeListBlockMetadata(margin)
	md.Init(1 << 16)

	type live struct {
		handle metadata.BlockAllocationHandle
		offset int
		size   int
	}
	var allocations []live

	for i := 0; i < 2000; i++ {
		if len(allocations) > 0 && rng.Intn(3) == 0 {
			index := rng.Intn(len(allocations))
			require.NoError(t, md.Free(allocations[index].handle))
			allocations = append(allocations[:index], allocations[index+1:]...)
		} else {
			size := 1 + rng.Intn(700)
			alignment := uint(1) << rng.Intn(9)
			strategy := metadata.AllocationStrategy(0)
			if rng.Intn(2) == 0 {
				strategy = metadata.AllocationStrategyMinMemory
			}

			success, handle, offset, err := md.TryAllocate(size, alignment, strategy, nil)
			require.NoError(t, err)
			if success {
				require.Zero(t, offset%int(alignment))
				allocations = append(allocations, live{handle: handle, offset: offset, size: size})
			}
		}

		if i%50 == 0 {
			require.NoError(t, md.Validate())
		}
	}

	require.NoError(t, md.Validate())
	require.Equal(t, len(allocations), md.AllocationCount())

	for i := 0; i < len(allocations); i++ {
		for j := i + 1; j < len(allocations); j++ {
			a, b := allocations[i], allocations[j]
			overlap := a.offset < b.offset+b.size && b.offset < a.offset+a.size
			require.False(t, overlap, "allocations [%d,%d) and [%d,%d) overlap", a.offset, a.offset+a.size, b.offset, b.offset+b.size)
		}
	}

	md.Clear()
	require.True(t, md.IsEmpty())
	require.Equal(t, 1<<16, md.SumFreeSize())
	require.NoError(t, md.Validate())
}

func TestFreeListVisitAllRegions(t *testing.T) {
	md := metadata.NewFreeListBlockMetadata(0)
	md.Init(512)

	_, _ = allocate(t, md, 100, 1, 0)
	second, _ := allocate(t, md, 100, 1, 0)
	require.NoError(t, md.SetAllocationUserData(second, "second"))

	type visited struct {
		Offset   int
		Size     int
		UserData any
		Free     bool
	}
	var regions []visited
	err := md.VisitAllRegions(func(handle metadata.BlockAllocationHandle, offset int, size int, userData any, free bool) error {
		regions = append(regions, visited{offset, size, userData, free})
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []visited{
		{Offset: 0, Size: 100},
		{Offset: 100, Size: 100, UserData: "second"},
		{Offset: 200, Size: 312, Free: true},
	}, regions)
}

func TestFreeListBlockJsonData(t *testing.T) {
	md := metadata.NewFreeListBlockMetadata(0)
	md.Init(512)
	_, _ = allocate(t, md, 128, 1, 0)

	writer := jwriter.NewWriter()
	obj := writer.Object()
	md.BlockJsonData(&obj)
	obj.Name("Name").String("block")
	obj.End()

	require.JSONEq(t, `{"TotalBytes":512,"UnusedBytes":384,"Allocations":1,"UnusedRanges":1,"Margin":0,"Name":"block"}`, string(writer.Bytes()))
}

func TestFreeListCheckCorruption(t *testing.T) {
	const margin = 16
	md := metadata.NewFreeListBlockMetadata(margin)
	md.Init(1024)

	memory := make([]byte, 1024)
	data := unsafe.Pointer(&memory[0])

	_, offset := allocate(t, md, 100, 16, 0)
	memutils.WriteMagicValue(data, offset-margin, margin)
	memutils.WriteMagicValue(data, offset+100, margin)

	require.NoError(t, md.CheckCorruption(data))

	if memutils.CorruptionDetectionEnabled {
		memory[offset+100] = 0
		require.ErrorIs(t, md.CheckCorruption(data), memutils.CorruptionError)
	}
}
