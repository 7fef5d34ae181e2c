package implicit_test

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/heaputils/heaputils"
	"github.com/heaputils/heaputils/brk"
	"github.com/heaputils/heaputils/implicit"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/stretchr/testify/require"
)

// The concrete offsets and sizes asserted in this file assume the default
// build, where no debug margin is reserved inside allocated regions.

func newTestHeap(t *testing.T) *implicit.Heap {
	t.Helper()

	h := implicit.New(brk.NewBuffer(0), nil)
	require.NoError(t, h.Init())
	require.NoError(t, h.Validate())
	return h
}

func TestInitShape(t *testing.T) {
	h := newTestHeap(t)

	require.Equal(t, 16+implicit.DefaultGrowthUnit, h.Size())
	require.True(t, h.IsEmpty())
	require.Equal(t, 1, h.FreeRegionsCount())
	require.Equal(t, implicit.DefaultGrowthUnit, h.SumFreeSize())
}

func TestInitExactlyOnce(t *testing.T) {
	h := newTestHeap(t)
	require.Error(t, h.Init())
}

func TestInitFailurePropagates(t *testing.T) {
	h := implicit.New(brk.NewBuffer(8), nil)
	require.Error(t, h.Init())

	_, err := h.Allocate(10)
	require.Error(t, err)
}

func TestInitFailureOnInitialFreeRegion(t *testing.T) {
	// Room for the sentinels but not for the initial free region.
	h := implicit.New(brk.NewBuffer(16), nil)
	err := h.Init()
	require.ErrorIs(t, err, brk.ErrOutOfMemory)
}

func TestAllocateAlignment(t *testing.T) {
	h := newTestHeap(t)

	for _, size := range []int{1, 2, 7, 8, 9, 15, 16, 17, 100, 1000} {
		offset, err := h.Allocate(size)
		require.NoError(t, err)
		require.NotEqual(t, implicit.NoRegion, offset)
		require.Zero(t, offset%8, "allocation of %d bytes returned misaligned offset %d", size, offset)
		require.GreaterOrEqual(t, h.PayloadSize(offset), size)
		require.NoError(t, h.Validate())
	}
}

func TestAllocateZeroReturnsNoRegion(t *testing.T) {
	h := newTestHeap(t)

	offset, err := h.Allocate(0)
	require.NoError(t, err)
	require.Equal(t, implicit.NoRegion, offset)
	require.True(t, h.IsEmpty())
}

func TestAllocateNegativeSize(t *testing.T) {
	h := newTestHeap(t)

	_, err := h.Allocate(-1)
	require.Error(t, err)
}

func TestAllocateOversizeRequest(t *testing.T) {
	h := newTestHeap(t)

	// Requests this large would wrap negative when rounded up to a region
	// size and must be rejected up front.
	offset, err := h.Allocate(math.MaxInt)
	require.Error(t, err)
	require.Equal(t, implicit.NoRegion, offset)

	offset, err = h.Allocate(100)
	require.NoError(t, err)
	require.NoError(t, h.Validate())

	resized, err := h.Resize(offset, math.MaxInt)
	require.Error(t, err)
	require.Equal(t, implicit.NoRegion, resized)
	require.GreaterOrEqual(t, h.PayloadSize(offset), 100)
	require.NoError(t, h.Validate())
}

func TestAllocationsDoNotOverlap(t *testing.T) {
	h := newTestHeap(t)

	type span struct{ start, end int }
	var spans []span

	for _, size := range []int{24, 56, 128, 8, 512, 72} {
		offset, err := h.Allocate(size)
		require.NoError(t, err)
		spans = append(spans, span{offset, offset + h.PayloadSize(offset)})
	}

	for i := 0; i < len(spans); i++ {
		for j := i + 1; j < len(spans); j++ {
			disjoint := spans[i].end <= spans[j].start || spans[j].end <= spans[i].start
			require.True(t, disjoint, "payload spans %v and %v overlap", spans[i], spans[j])
		}
	}
}

func TestPayloadContentSurvivesOtherOperations(t *testing.T) {
	h := newTestHeap(t)

	a, err := h.Allocate(64)
	require.NoError(t, err)
	for i := range h.Payload(a) {
		h.Payload(a)[i] = byte(i + 1)
	}

	b, err := h.Allocate(200)
	require.NoError(t, err)
	for i := range h.Payload(b) {
		h.Payload(b)[i] = 0xEE
	}

	c, err := h.Allocate(700)
	require.NoError(t, err)
	h.Release(b)
	require.NoError(t, h.Validate())
	h.Release(c)
	require.NoError(t, h.Validate())

	for i := 0; i < 64; i++ {
		require.Equal(t, byte(i+1), h.Payload(a)[i])
	}
}

func TestReleaseCoalescesNeighbors(t *testing.T) {
	h := newTestHeap(t)

	var offsets []int
	for i := 0; i < 5; i++ {
		offset, err := h.Allocate(100)
		require.NoError(t, err)
		offsets = append(offsets, offset)
	}

	// Free regions never touch, no matter the release order.
	for _, i := range []int{1, 3, 2, 0, 4} {
		h.Release(offsets[i])
		require.NoError(t, h.Validate())
	}

	require.True(t, h.IsEmpty())
	require.Equal(t, 1, h.FreeRegionsCount())
	require.Equal(t, implicit.DefaultGrowthUnit, h.SumFreeSize())
}

func TestReleaseNoRegionIsNoOp(t *testing.T) {
	h := newTestHeap(t)

	a, err := h.Allocate(50)
	require.NoError(t, err)

	h.Release(implicit.NoRegion)
	require.NoError(t, h.Validate())

	b, err := h.Allocate(50)
	require.NoError(t, err)
	require.NotEqual(t, a, b)
	require.Equal(t, 2, h.AllocationCount())
}

func TestFreedRegionIsReused(t *testing.T) {
	h := newTestHeap(t)

	a, err := h.Allocate(100)
	require.NoError(t, err)
	_, err = h.Allocate(200)
	require.NoError(t, err)

	h.Release(a)

	c, err := h.Allocate(90)
	require.NoError(t, err)
	require.Equal(t, a, c)
	require.NoError(t, h.Validate())
}

func TestGrowthUsesDefaultUnit(t *testing.T) {
	h := newTestHeap(t)

	a, err := h.Allocate(3000)
	require.NoError(t, err)
	require.Equal(t, 16, a)

	sizeBefore := h.Size()

	// Larger than the remaining free region, smaller than the growth unit:
	// the heap must grow by exactly one growth unit and place the request in
	// the region merged from the old remainder and the new span.
	b, err := h.Allocate(2000)
	require.NoError(t, err)
	require.Equal(t, sizeBefore+implicit.DefaultGrowthUnit, h.Size())
	require.Equal(t, 16+3008, b)
	require.NoError(t, h.Validate())
}

func TestGrowthFailureIsRecoverable(t *testing.T) {
	h := implicit.New(brk.NewBuffer(16+implicit.DefaultGrowthUnit), nil)
	require.NoError(t, h.Init())

	_, err := h.Allocate(8000)
	require.ErrorIs(t, err, brk.ErrOutOfMemory)
	require.NoError(t, h.Validate())

	// The failed growth leaves the heap fully usable.
	offset, err := h.Allocate(100)
	require.NoError(t, err)
	require.Equal(t, 16, offset)
}

func TestFragmentationBound(t *testing.T) {
	h := newTestHeap(t)

	var offsets []int
	for _, size := range []int{100, 200, 300} {
		offset, err := h.Allocate(size)
		require.NoError(t, err)
		offsets = append(offsets, offset)
	}
	for _, offset := range offsets {
		h.Release(offset)
	}

	require.Equal(t, 1, h.FreeRegionsCount())
	require.Equal(t, implicit.DefaultGrowthUnit, h.SumFreeSize())

	// A request that fits in the recovered span must not grow the heap.
	sizeBefore := h.Size()
	_, err := h.Allocate(implicit.DefaultGrowthUnit - 8)
	require.NoError(t, err)
	require.Equal(t, sizeBefore, h.Size())
}

func TestResizeNoRegionAllocates(t *testing.T) {
	h := newTestHeap(t)

	offset, err := h.Resize(implicit.NoRegion, 80)
	require.NoError(t, err)
	require.NotEqual(t, implicit.NoRegion, offset)
	require.GreaterOrEqual(t, h.PayloadSize(offset), 80)
	require.Equal(t, 1, h.AllocationCount())
}

func TestResizeToZeroReleases(t *testing.T) {
	h := newTestHeap(t)

	a, err := h.Allocate(100)
	require.NoError(t, err)

	offset, err := h.Resize(a, 0)
	require.NoError(t, err)
	require.Equal(t, implicit.NoRegion, offset)
	require.True(t, h.IsEmpty())

	// The freed span is immediately reusable.
	b, err := h.Allocate(100)
	require.NoError(t, err)
	require.Equal(t, a, b)
}

func TestResizeGrowsInPlaceWhenFollowedByFreeRegion(t *testing.T) {
	h := newTestHeap(t)

	a, err := h.Allocate(64)
	require.NoError(t, err)
	for i := range h.Payload(a) {
		h.Payload(a)[i] = byte(i)
	}

	offset, err := h.Resize(a, 256)
	require.NoError(t, err)
	require.Equal(t, a, offset)
	require.GreaterOrEqual(t, h.PayloadSize(offset), 256)
	require.NoError(t, h.Validate())

	for i := 0; i < 64; i++ {
		require.Equal(t, byte(i), h.Payload(offset)[i])
	}
}

func TestResizeCopiesWhenBlocked(t *testing.T) {
	h := newTestHeap(t)

	a, err := h.Allocate(64)
	require.NoError(t, err)
	// Allocated neighbor rules out in-place growth.
	b, err := h.Allocate(64)
	require.NoError(t, err)

	for i := range h.Payload(a) {
		h.Payload(a)[i] = byte(255 - i)
	}

	offset, err := h.Resize(a, 300)
	require.NoError(t, err)
	require.NotEqual(t, a, offset)
	require.NoError(t, h.Validate())

	for i := 0; i < 64; i++ {
		require.Equal(t, byte(255-i), h.Payload(offset)[i])
	}

	// The old region was released and b is untouched.
	require.Equal(t, 2, h.AllocationCount())
	require.Equal(t, 64, h.PayloadSize(b))
}

func TestResizeShrinkSplitsTail(t *testing.T) {
	h := newTestHeap(t)

	a, err := h.Allocate(256)
	require.NoError(t, err)
	freeBefore := h.SumFreeSize()

	offset, err := h.Resize(a, 64)
	require.NoError(t, err)
	require.Equal(t, a, offset)
	require.Equal(t, 64, h.PayloadSize(offset))
	require.Equal(t, freeBefore+192, h.SumFreeSize())
	require.Equal(t, 1, h.FreeRegionsCount())
	require.NoError(t, h.Validate())
}

func TestResizeGrowthFailureKeepsOldRegion(t *testing.T) {
	h := implicit.New(brk.NewBuffer(16+implicit.DefaultGrowthUnit), nil)
	require.NoError(t, h.Init())

	a, err := h.Allocate(64)
	require.NoError(t, err)
	// Allocated neighbor rules out in-place growth.
	_, err = h.Allocate(64)
	require.NoError(t, err)
	for i := range h.Payload(a) {
		h.Payload(a)[i] = 0xAB
	}

	_, err = h.Resize(a, 8000)
	require.ErrorIs(t, err, brk.ErrOutOfMemory)
	require.NoError(t, h.Validate())
	require.Equal(t, 2, h.AllocationCount())
	require.Equal(t, byte(0xAB), h.Payload(a)[0])
}

func TestClear(t *testing.T) {
	h := newTestHeap(t)

	for _, size := range []int{100, 200, 5000} {
		_, err := h.Allocate(size)
		require.NoError(t, err)
	}
	sizeAfterGrowth := h.Size()

	h.Clear()
	require.True(t, h.IsEmpty())
	require.Equal(t, 1, h.FreeRegionsCount())
	require.Equal(t, sizeAfterGrowth, h.Size())
	require.Equal(t, sizeAfterGrowth-16, h.SumFreeSize())
	require.NoError(t, h.Validate())

	offset, err := h.Allocate(100)
	require.NoError(t, err)
	require.Equal(t, 16, offset)
}

func TestDetailedStatistics(t *testing.T) {
	h := newTestHeap(t)

	var stats heaputils.DetailedStatistics
	stats.Clear()
	h.AddDetailedStatistics(&stats)

	require.Equal(t, heaputils.DetailedStatistics{
		Statistics: heaputils.Statistics{
			HeapCount:       1,
			HeapBytes:       16 + implicit.DefaultGrowthUnit,
			AllocationCount: 0,
			AllocationBytes: 0,
		},
		FreeRangeCount:    1,
		AllocationSizeMin: math.MaxInt,
		AllocationSizeMax: 0,
		FreeRangeSizeMin:  implicit.DefaultGrowthUnit,
		FreeRangeSizeMax:  implicit.DefaultGrowthUnit,
	}, stats)

	_, err := h.Allocate(100)
	require.NoError(t, err)

	stats.Clear()
	h.AddDetailedStatistics(&stats)

	require.Equal(t, heaputils.DetailedStatistics{
		Statistics: heaputils.Statistics{
			HeapCount:       1,
			HeapBytes:       16 + implicit.DefaultGrowthUnit,
			AllocationCount: 1,
			AllocationBytes: 112,
		},
		FreeRangeCount:    1,
		AllocationSizeMin: 112,
		AllocationSizeMax: 112,
		FreeRangeSizeMin:  implicit.DefaultGrowthUnit - 112,
		FreeRangeSizeMax:  implicit.DefaultGrowthUnit - 112,
	}, stats)
}

func TestStatistics(t *testing.T) {
	h := newTestHeap(t)

	_, err := h.Allocate(100)
	require.NoError(t, err)
	_, err = h.Allocate(200)
	require.NoError(t, err)

	var stats heaputils.Statistics
	stats.Clear()
	h.AddStatistics(&stats)

	require.Equal(t, heaputils.Statistics{
		HeapCount:       1,
		AllocationCount: 2,
		HeapBytes:       16 + implicit.DefaultGrowthUnit,
		AllocationBytes: 112 + 208,
	}, stats)
}

func TestVisitAllRegions(t *testing.T) {
	h := newTestHeap(t)

	_, err := h.Allocate(100)
	require.NoError(t, err)
	_, err = h.Allocate(200)
	require.NoError(t, err)

	type region struct {
		offset, size int
		free         bool
	}
	var regions []region
	err = h.VisitAllRegions(func(offset, size int, free bool) error {
		regions = append(regions, region{offset, size, free})
		return nil
	})
	require.NoError(t, err)

	require.Equal(t, []region{
		{16, 112, false},
		{128, 208, false},
		{336, implicit.DefaultGrowthUnit - 320, true},
	}, regions)
}

func TestCallbacks(t *testing.T) {
	type event struct {
		allocate     bool
		offset, size int
	}
	var events []event
	userData := "heap-under-test"

	callbacks := &implicit.MemoryCallbackOptions{
		Allocate: func(heap *implicit.Heap, offset, size int, data interface{}) {
			require.Equal(t, userData, data)
			events = append(events, event{true, offset, size})
		},
		Free: func(heap *implicit.Heap, offset, size int, data interface{}) {
			require.Equal(t, userData, data)
			events = append(events, event{false, offset, size})
		},
		UserData: userData,
	}

	h := implicit.New(brk.NewBuffer(0), &implicit.HeapOptions{Callbacks: callbacks})
	require.NoError(t, h.Init())

	a, err := h.Allocate(100)
	require.NoError(t, err)
	h.Release(a)

	require.Equal(t, []event{
		{true, a, 112},
		{false, a, 112},
	}, events)
}

func TestCustomGrowthUnit(t *testing.T) {
	h := implicit.New(brk.NewBuffer(0), &implicit.HeapOptions{GrowthUnit: 256})
	require.NoError(t, h.Init())
	require.Equal(t, 256, h.GrowthUnit())
	require.Equal(t, 16+256, h.Size())

	// A request beyond the growth unit grows by the rounded request instead.
	offset, err := h.Allocate(1000)
	require.NoError(t, err)
	require.NotEqual(t, implicit.NoRegion, offset)
	require.NoError(t, h.Validate())
}

func TestPrintDetailedMap(t *testing.T) {
	h := newTestHeap(t)

	_, err := h.Allocate(100)
	require.NoError(t, err)

	writer := jwriter.NewWriter()
	h.PrintDetailedMap(&writer)
	require.NoError(t, writer.Error())
	require.True(t, json.Valid(writer.Bytes()), "detailed map is not valid JSON: %s", writer.Bytes())

	var dump struct {
		TotalBytes   int
		UnusedBytes  int
		Allocations  int
		UnusedRanges int
		Regions      []struct {
			Offset int
			Size   int
			Type   string
		}
	}
	require.NoError(t, json.Unmarshal(writer.Bytes(), &dump))
	require.Equal(t, h.Size(), dump.TotalBytes)
	require.Equal(t, h.SumFreeSize(), dump.UnusedBytes)
	require.Equal(t, 1, dump.Allocations)
	require.Equal(t, 1, dump.UnusedRanges)
	require.Len(t, dump.Regions, 2)
	require.Equal(t, "ALLOCATED", dump.Regions[0].Type)
	require.Equal(t, "FREE", dump.Regions[1].Type)
}

func TestCheckCorruption(t *testing.T) {
	h := newTestHeap(t)

	_, err := h.Allocate(100)
	require.NoError(t, err)
	require.NoError(t, h.CheckCorruption())
}

func TestMixedWorkload(t *testing.T) {
	h := newTestHeap(t)

	live := map[int]int{}
	sizes := []int{24, 56, 128, 8, 512, 72, 1024, 16, 300, 4000, 48, 2048}

	for round := 0; round < 3; round++ {
		for _, size := range sizes {
			offset, err := h.Allocate(size)
			require.NoError(t, err)
			live[offset] = size
			require.NoError(t, h.Validate())
		}

		// Release roughly half, favoring interior regions to force merges.
		i := 0
		for offset := range live {
			if i%2 == round%2 {
				h.Release(offset)
				delete(live, offset)
				require.NoError(t, h.Validate())
			}
			i++
		}
	}

	for offset := range live {
		h.Release(offset)
	}
	require.NoError(t, h.Validate())
	require.True(t, h.IsEmpty())
	require.Equal(t, 1, h.FreeRegionsCount())
}
