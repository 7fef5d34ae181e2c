package heaputils

import "math"

// Statistics is a basic accounting of one or more heaps: how many heaps
// contributed, how many bytes they span, and how many of those bytes are
// committed to live allocations. Region sizes include tag overhead.
type Statistics struct {
	HeapCount       int
	AllocationCount int
	HeapBytes       int
	AllocationBytes int
}

func (s *Statistics) Clear() {
	s.HeapCount = 0
	s.AllocationCount = 0
	s.HeapBytes = 0
	s.AllocationBytes = 0
}

func (s *Statistics) AddStatistics(other *Statistics) {
	s.HeapCount += other.HeapCount
	s.AllocationCount += other.AllocationCount
	s.HeapBytes += other.HeapBytes
	s.AllocationBytes += other.AllocationBytes
}

// DetailedStatistics additionally tracks free ranges and the size extremes
// of allocations and free ranges. Call Clear before accumulating into it so
// the Min fields start from math.MaxInt.
type DetailedStatistics struct {
	Statistics
	FreeRangeCount    int
	AllocationSizeMin int
	AllocationSizeMax int
	FreeRangeSizeMin  int
	FreeRangeSizeMax  int
}

func (s *DetailedStatistics) Clear() {
	s.Statistics.Clear()
	s.FreeRangeCount = 0
	s.AllocationSizeMin = math.MaxInt
	s.AllocationSizeMax = 0
	s.FreeRangeSizeMin = math.MaxInt
	s.FreeRangeSizeMax = 0
}

func (s *DetailedStatistics) AddFreeRange(size int) {
	s.FreeRangeCount++

	if size < s.FreeRangeSizeMin {
		s.FreeRangeSizeMin = size
	}

	if size > s.FreeRangeSizeMax {
		s.FreeRangeSizeMax = size
	}
}

func (s *DetailedStatistics) AddAllocation(size int) {
	s.AllocationCount++
	s.AllocationBytes += size

	if size < s.AllocationSizeMin {
		s.AllocationSizeMin = size
	}

	if size > s.AllocationSizeMax {
		s.AllocationSizeMax = size
	}
}

func (s *DetailedStatistics) AddDetailedStatistics(other *DetailedStatistics) {
	s.Statistics.AddStatistics(&other.Statistics)
	s.FreeRangeCount += other.FreeRangeCount

	if other.FreeRangeSizeMin < s.FreeRangeSizeMin {
		s.FreeRangeSizeMin = other.FreeRangeSizeMin
	}

	if other.FreeRangeSizeMax > s.FreeRangeSizeMax {
		s.FreeRangeSizeMax = other.FreeRangeSizeMax
	}

	if other.AllocationSizeMin < s.AllocationSizeMin {
		s.AllocationSizeMin = other.AllocationSizeMin
	}

	if other.AllocationSizeMax > s.AllocationSizeMax {
		s.AllocationSizeMax = other.AllocationSizeMax
	}
}
