package implicit

import (
	"github.com/heaputils/heaputils"
	"github.com/pkg/errors"
)

// AllocationCount returns the number of live allocated regions.
func (h *Heap) AllocationCount() int {
	return h.allocCount
}

// IsEmpty returns true when the heap has no live allocations.
func (h *Heap) IsEmpty() bool {
	return h.allocCount == 0
}

// FreeRegionsCount walks the heap and returns the number of free regions.
// Adjacent free regions are always merged, so each counted region is
// bordered by allocated regions or sentinels.
func (h *Heap) FreeRegionsCount() int {
	count := 0
	for offset := h.nextRegion(h.base); h.regionSize(offset) > 0; offset = h.nextRegion(offset) {
		if !h.regionAllocated(offset) {
			count++
		}
	}
	return count
}

// SumFreeSize walks the heap and returns the total bytes held in free
// regions, including their tag overhead.
func (h *Heap) SumFreeSize() int {
	sum := 0
	for offset := h.nextRegion(h.base); h.regionSize(offset) > 0; offset = h.nextRegion(offset) {
		if !h.regionAllocated(offset) {
			sum += h.regionSize(offset)
		}
	}
	return sum
}

// AddStatistics sums this heap's allocation statistics into the statistics
// currently present in the provided heaputils.Statistics object.
func (h *Heap) AddStatistics(stats *heaputils.Statistics) {
	stats.HeapCount++
	stats.AllocationCount += h.allocCount
	stats.HeapBytes += len(h.data())
	stats.AllocationBytes += len(h.data()) - 4*wordSize - h.SumFreeSize()
}

// AddDetailedStatistics sums this heap's allocation statistics into the
// statistics currently present in the provided heaputils.DetailedStatistics
// object. Region sizes include tag overhead.
func (h *Heap) AddDetailedStatistics(stats *heaputils.DetailedStatistics) {
	stats.HeapCount++
	stats.HeapBytes += len(h.data())

	for offset := h.nextRegion(h.base); h.regionSize(offset) > 0; offset = h.nextRegion(offset) {
		if h.regionAllocated(offset) {
			stats.AddAllocation(h.regionSize(offset))
		} else {
			stats.AddFreeRange(h.regionSize(offset))
		}
	}
}

// VisitAllRegions calls the provided callback once for each real region in
// the heap, in physical order, skipping the sentinels. The offset is the
// region's payload offset and the size includes tag overhead.
func (h *Heap) VisitAllRegions(handleRegion func(offset int, size int, free bool) error) error {
	if !h.initialized {
		return errors.New("the heap has not been initialized")
	}

	for offset := h.nextRegion(h.base); h.regionSize(offset) > 0; offset = h.nextRegion(offset) {
		err := handleRegion(offset, h.regionSize(offset), !h.regionAllocated(offset))
		if err != nil {
			return err
		}
	}

	return nil
}
