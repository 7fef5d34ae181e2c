package implicit

import (
	"github.com/heaputils/heaputils"
	"github.com/pkg/errors"
)

var _ heaputils.Validatable = &Heap{}

// Validate performs a full consistency walk of the heap: sentinel shape,
// tag-pair agreement, alignment, offset continuity, the no-adjacent-free
// invariant, cached counters, and the scan cursor. When the engine is
// functioning correctly this can never fail, but it makes tag corruption
// caused by callers writing past their payloads visible at the point of
// the next check rather than the point of the crash.
func (h *Heap) Validate() error {
	if !h.initialized {
		return errors.New("the heap has not been initialized")
	}

	data := h.data()
	if len(data)%doubleWord != 0 {
		return errors.Errorf("the span is %d bytes, which is not a multiple of the alignment unit", len(data))
	}

	if h.regionSize(h.base) != doubleWord || !h.regionAllocated(h.base) {
		return errors.New("the prologue region has been overwritten")
	}
	if h.tag(headerOf(h.base)) != h.tag(h.base) {
		return errors.New("the prologue tags disagree")
	}

	var allocCount int
	roverSeen := false
	prevFree := false

	offset := h.nextRegion(h.base)
	for h.regionSize(offset) > 0 {
		size := h.regionSize(offset)

		if size%doubleWord != 0 {
			return errors.Errorf("the region at offset %d has size %d, which is not a multiple of the alignment unit", offset, size)
		}
		if size < minRegion {
			return errors.Errorf("the region at offset %d has size %d, below the minimum region size", offset, size)
		}
		if offset+size > len(data) {
			return errors.Errorf("the region at offset %d extends past the epilogue", offset)
		}
		if h.tag(headerOf(offset)) != h.tag(h.footerOf(offset)) {
			return errors.Errorf("the region at offset %d has disagreeing boundary tags", offset)
		}

		free := !h.regionAllocated(offset)
		if free && prevFree {
			return errors.Errorf("adjacent free regions at offset %d survived coalescing", offset)
		}
		if !free {
			allocCount++
		}

		if offset == h.rover {
			roverSeen = true
		}
		prevFree = free
		offset = h.nextRegion(offset)
	}

	// The walk stops at the epilogue.
	if headerOf(offset) != len(data)-wordSize {
		return errors.Errorf("the epilogue tag sits at offset %d, expected %d", headerOf(offset), len(data)-wordSize)
	}
	if !h.regionAllocated(offset) {
		return errors.New("the epilogue tag is not marked allocated")
	}
	if offset == h.rover {
		roverSeen = true
	}

	if !roverSeen {
		return errors.Errorf("the scan cursor refers to offset %d, which is not a region start", h.rover)
	}
	if allocCount != h.allocCount {
		return errors.Errorf("the heap records %d allocations but has %d allocated regions", h.allocCount, allocCount)
	}

	return nil
}

// CheckCorruption verifies the guard margins written after every live
// payload. Guard margins only exist when the module is built with the
// debug_heap_utils tag; without it this walk always succeeds, matching the
// documented limitation that overruns are not detected in normal builds.
func (h *Heap) CheckCorruption() error {
	if !h.initialized {
		return errors.New("the heap has not been initialized")
	}

	for offset := h.nextRegion(h.base); h.regionSize(offset) > 0; offset = h.nextRegion(offset) {
		if !h.regionAllocated(offset) {
			continue
		}
		if !heaputils.ValidateMagicValue(h.data(), h.footerOf(offset)-heaputils.DebugMargin) {
			return errors.Errorf("memory corruption detected after the allocation at offset %d", offset)
		}
	}

	return nil
}
