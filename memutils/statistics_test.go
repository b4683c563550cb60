package memutils_test

import (
	"testing"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/gfxmem/memutils"
)

func TestDetailedStatisticsPrintJson(t *testing.T) {
	var stats memutils.DetailedStatistics
	stats.Clear()
	stats.BlockCount = 1
	stats.BlockBytes = 4096
	stats.AddAllocation(1024)
	stats.AddAllocation(512)
	stats.AddUnusedRange(2560)

	writer := jwriter.NewWriter()
	obj := writer.Object()
	obj.Name("Before").Int(1)
	stats.PrintJson(&obj)
	obj.Name("After").Int(2)
	obj.End()

	require.JSONEq(t, `{
		"Before": 1,
		"BlockCount": 1,
		"BlockBytes": 4096,
		"AllocationCount": 2,
		"AllocationBytes": 1536,
		"UnusedRangeCount": 1,
		"AllocationSizeMin": 512,
		"AllocationSizeMax": 1024,
		"After": 2
	}`, string(writer.Bytes()))
}

func TestStatisticsPrintJsonIntoEmptyObject(t *testing.T) {
	stats := memutils.Statistics{BlockCount: 2, BlockBytes: 8192}

	writer := jwriter.NewWriter()
	obj := writer.Object()
	stats.PrintJson(&obj)
	obj.Name("Next").Bool(true)
	obj.End()

	require.JSONEq(t, `{"BlockCount":2,"BlockBytes":8192,"AllocationCount":0,"AllocationBytes":0,"Next":true}`, string(writer.Bytes()))
}
