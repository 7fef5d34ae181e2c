package implicit

import "encoding/binary"

// Heap layout constants. A tag is one word packing a region's total size
// with its allocated bit; regions are sized in multiples of the alignment
// unit, so the low three bits of the size are always free to hold state.
const (
	wordSize   = 4
	doubleWord = 2 * wordSize

	// minRegion accommodates both tags plus the smallest payload worth
	// tracking. A free remainder below this floor is not split off.
	minRegion = 2 * doubleWord

	// DefaultGrowthUnit is the span requested from the growth collaborator
	// when no free region fits and the request itself is smaller.
	DefaultGrowthUnit = 1 << 12

	allocatedBit = 0x1
	sizeMask     = ^uint32(0x7)
)

// NoRegion is the null payload offset. It is returned for zero-size
// requests and accepted as a no-op by Release and as "allocate fresh" by
// Resize.
const NoRegion = -1

func pack(size int, allocated bool) uint32 {
	tag := uint32(size)
	if allocated {
		tag |= allocatedBit
	}
	return tag
}

// headerOf maps a payload offset to its region's leading tag offset.
func headerOf(payloadOffset int) int {
	return payloadOffset - wordSize
}

func (h *Heap) data() []byte {
	return h.mem.Bytes()
}

func (h *Heap) tag(offset int) uint32 {
	return binary.LittleEndian.Uint32(h.data()[offset:])
}

func (h *Heap) setTag(offset int, tag uint32) {
	binary.LittleEndian.PutUint32(h.data()[offset:], tag)
}

// All navigation below works in payload offsets, the addresses Allocate
// hands to callers. The trailing tag of the physically preceding region
// sits immediately before this region's leading tag, which is what makes
// prevRegion a pure O(1) offset computation.

func (h *Heap) regionSize(payloadOffset int) int {
	return int(h.tag(headerOf(payloadOffset)) & sizeMask)
}

func (h *Heap) regionAllocated(payloadOffset int) bool {
	return h.tag(headerOf(payloadOffset))&allocatedBit != 0
}

func (h *Heap) footerOf(payloadOffset int) int {
	return payloadOffset + h.regionSize(payloadOffset) - doubleWord
}

func (h *Heap) nextRegion(payloadOffset int) int {
	return payloadOffset + h.regionSize(payloadOffset)
}

func (h *Heap) prevRegion(payloadOffset int) int {
	return payloadOffset - int(h.tag(payloadOffset-doubleWord)&sizeMask)
}

// writeTags stamps both of a region's boundary tags at once.
func (h *Heap) writeTags(payloadOffset, size int, allocated bool) {
	tag := pack(size, allocated)
	h.setTag(payloadOffset-wordSize, tag)
	h.setTag(payloadOffset+size-doubleWord, tag)
}
