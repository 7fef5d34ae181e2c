// Package implicit provides a dynamic memory allocator that manages a
// single contiguous, growable span of bytes using an implicit free list
// with boundary tags.
//
// Every region of the span carries its size and allocated bit in a leading
// and a trailing tag, so both neighbors of any region can be reached with
// pure offset arithmetic: the successor starts one region-size forward, and
// the predecessor's trailing tag sits immediately before this region's
// leading tag. The span begins with an allocated prologue region and ends
// with a zero-size allocated epilogue tag, so scan and merge code never has
// to special-case the heap ends.
//
// The free-region scan uses a rotating cursor (next-fit): each search
// resumes where the previous placement left off and wraps once. Released
// regions are merged with free neighbors immediately, so two adjacent free
// regions never coexist between operations.
//
// The Heap is not safe for concurrent use. Callers that share one across
// goroutines must serialize every operation behind a single mutex, since
// region tags are shared mutable state with no finer partitioning.
package implicit

import (
	"math"

	"github.com/cockroachdb/errors"
	"github.com/heaputils/heaputils"
	"github.com/heaputils/heaputils/brk"
	"golang.org/x/exp/slog"
)

// Heap is an implicit-free-list allocator over a brk.Memory span. Create
// one with New and call Init exactly once before any other operation.
//
// Addresses are payload offsets into the collaborator's span. Releasing an
// offset that was never returned by Allocate, releasing twice, or writing
// past a payload's end corrupts the tag stream and is not detected; build
// with the debug_heap_utils tag to shadow allocations with a checked ledger
// and guard margins during development.
type Heap struct {
	mem       brk.Memory
	logger    *slog.Logger
	callbacks *memoryCallbacks

	growthUnit int

	// base is the prologue region's payload offset; the first real region
	// starts immediately after it.
	base int
	// rover is the next-fit cursor. It always addresses a region start;
	// placement, coalescing, and growth all re-point it whenever the region
	// it referred to is consumed or merged away.
	rover int

	initialized bool
	allocCount  int

	ledger allocLedger
}

// HeapOptions adjusts a Heap's behavior. The zero value (or a nil pointer)
// selects defaults.
type HeapOptions struct {
	// GrowthUnit is the minimum number of bytes requested from the growth
	// collaborator whenever the heap must grow. Rounded up to the alignment
	// unit; 0 selects DefaultGrowthUnit.
	GrowthUnit int
	// Logger receives operation-level debug logging. Defaults to
	// slog.Default.
	Logger *slog.Logger
	// Callbacks observe region allocate and free events.
	Callbacks *MemoryCallbackOptions
}

// New creates a Heap over the provided growth collaborator. The heap is
// unusable until Init has been called.
func New(mem brk.Memory, options *HeapOptions) *Heap {
	h := &Heap{
		mem:        mem,
		growthUnit: DefaultGrowthUnit,
		rover:      NoRegion,
	}
	h.callbacks = &memoryCallbacks{Heap: h}

	if options != nil {
		if options.GrowthUnit > 0 {
			h.growthUnit = heaputils.AlignUp(options.GrowthUnit, doubleWord)
		}
		h.logger = options.Logger
		h.callbacks.Callbacks = options.Callbacks
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}

	return h
}

// Init establishes the invariant heap shape: an alignment pad, the
// allocated prologue region, the zero-size allocated epilogue tag, and one
// initial free region of one growth unit. It must be called exactly once
// before any other operation; a growth collaborator refusal here is fatal.
func (h *Heap) Init() error {
	if h.initialized {
		return errors.New("Init was called more than once on the same heap")
	}

	base, err := h.mem.Grow(4 * wordSize)
	if err != nil {
		return errors.Wrap(err, "failed to bootstrap the heap sentinels")
	}
	if base%doubleWord != 0 {
		return errors.Newf("growth collaborator produced a misaligned base offset %d", base)
	}

	h.setTag(base, 0) // alignment pad, never read back
	h.setTag(base+1*wordSize, pack(doubleWord, true))
	h.setTag(base+2*wordSize, pack(doubleWord, true))
	h.setTag(base+3*wordSize, pack(0, true))
	h.base = base + 2*wordSize
	h.initialized = true
	h.ledger.init()

	if _, err = h.extend(h.growthUnit); err != nil {
		h.initialized = false
		return errors.Wrap(err, "failed to materialize the initial free region")
	}
	h.rover = h.nextRegion(h.base)

	return nil
}

// extend grows the span and lays the new bytes down as a single free
// region. The old epilogue tag becomes the new region's leading tag and a
// fresh epilogue is written at the new end of the span. The new region is
// immediately merged with a free region that may have preceded the old
// epilogue.
func (h *Heap) extend(size int) (int, error) {
	size = heaputils.AlignUp(size, doubleWord)

	payloadOffset, err := h.mem.Grow(size)
	if err != nil {
		return NoRegion, err
	}

	h.writeTags(payloadOffset, size, false)
	h.setTag(headerOf(h.nextRegion(payloadOffset)), pack(0, true))
	h.rover = payloadOffset

	return h.coalesce(payloadOffset), nil
}

// coalesce merges the free region at payloadOffset with free physical
// neighbors and returns the start of the merged region. The prologue and
// epilogue are always allocated, so the merge never walks off the span.
func (h *Heap) coalesce(payloadOffset int) int {
	prevAllocated := h.tag(payloadOffset-doubleWord)&allocatedBit != 0
	nextAllocated := h.regionAllocated(h.nextRegion(payloadOffset))
	size := h.regionSize(payloadOffset)

	switch {
	case prevAllocated && nextAllocated:
		// Nothing to merge.

	case prevAllocated && !nextAllocated:
		size += h.regionSize(h.nextRegion(payloadOffset))
		h.writeTags(payloadOffset, size, false)

	case !prevAllocated && nextAllocated:
		size += h.regionSize(h.prevRegion(payloadOffset))
		payloadOffset = h.prevRegion(payloadOffset)
		h.writeTags(payloadOffset, size, false)

	default:
		size += h.regionSize(h.prevRegion(payloadOffset)) +
			h.regionSize(h.nextRegion(payloadOffset))
		payloadOffset = h.prevRegion(payloadOffset)
		h.writeTags(payloadOffset, size, false)
	}

	// The cursor may have referred to a region that was just merged away.
	h.rover = payloadOffset
	return payloadOffset
}

// findFit locates a free region of at least size bytes, scanning forward
// from the rover to the epilogue and then wrapping to the first real
// region. Returns NoRegion when nothing in the current span fits.
func (h *Heap) findFit(size int) int {
	for offset := h.rover; h.regionSize(offset) > 0; offset = h.nextRegion(offset) {
		if !h.regionAllocated(offset) && size <= h.regionSize(offset) {
			return offset
		}
	}

	for offset := h.nextRegion(h.base); offset != h.rover; offset = h.nextRegion(offset) {
		if !h.regionAllocated(offset) && size <= h.regionSize(offset) {
			return offset
		}
	}

	return NoRegion
}

// place converts the free region at payloadOffset into an allocated region
// of size bytes. The tail is split off as a new free region when it can
// stand as a region of its own; otherwise the whole region is consumed and
// the extra bytes become internal padding.
func (h *Heap) place(payloadOffset, size int) {
	regionTotal := h.regionSize(payloadOffset)

	if regionTotal-size >= minRegion {
		h.writeTags(payloadOffset, size, true)
		remainder := h.nextRegion(payloadOffset)
		h.writeTags(remainder, regionTotal-size, false)
		h.rover = remainder
	} else {
		size = regionTotal
		h.writeTags(payloadOffset, size, true)
		h.rover = h.nextRegion(payloadOffset)
	}

	h.stampMargin(payloadOffset)
	h.ledger.add(payloadOffset, size)
	h.allocCount++
	h.callbacks.Allocate(payloadOffset, size)
}

// maxRequestSize bounds payload requests so adjustedSize cannot overflow
// past math.MaxInt and wrap negative.
const maxRequestSize = math.MaxInt - (2*doubleWord + heaputils.DebugMargin)

// adjustedSize rounds a payload request up to a legal region size: the
// payload plus both tags (plus the guard margin in instrumented builds),
// no smaller than minRegion, rounded to the alignment unit.
func adjustedSize(size int) int {
	adjusted := size + doubleWord + heaputils.DebugMargin
	if adjusted < minRegion {
		adjusted = minRegion
	}
	return heaputils.AlignUp(adjusted, doubleWord)
}

func (h *Heap) stampMargin(payloadOffset int) {
	if heaputils.DebugMargin > 0 {
		heaputils.WriteMagicValue(h.data(), h.footerOf(payloadOffset)-heaputils.DebugMargin)
	}
}

// Allocate returns the payload offset of a fresh region of at least size
// bytes, aligned to the alignment unit. A size of 0 returns NoRegion with
// no error. When no free region fits, the heap grows by at least one
// growth unit; a collaborator refusal surfaces as an error wrapping
// brk.ErrOutOfMemory and leaves the heap unchanged.
func (h *Heap) Allocate(size int) (int, error) {
	if !h.initialized {
		return NoRegion, errors.New("Allocate was called before Init")
	}
	if size < 0 || size > maxRequestSize {
		return NoRegion, errors.Newf("invalid allocation size %d", size)
	}
	if size == 0 {
		return NoRegion, nil
	}

	adjusted := adjustedSize(size)

	payloadOffset := h.findFit(adjusted)
	if payloadOffset == NoRegion {
		grow := adjusted
		if grow < h.growthUnit {
			grow = h.growthUnit
		}

		var err error
		payloadOffset, err = h.extend(grow)
		if err != nil {
			return NoRegion, errors.Wrapf(err, "no free region fits %d bytes and the heap could not grow", size)
		}
	}

	h.place(payloadOffset, adjusted)
	h.logger.Debug("Heap::Allocate",
		slog.Int("Size", size),
		slog.Int("Offset", payloadOffset))
	heaputils.DebugValidate(h)

	return payloadOffset, nil
}

// Release returns the region at offset to the free pool and merges it with
// free neighbors. Releasing NoRegion is a no-op. Releasing an offset that
// was never returned by Allocate, or releasing twice, is undefined.
func (h *Heap) Release(offset int) {
	if offset == NoRegion || !h.initialized {
		return
	}

	h.ledger.remove(offset)
	size := h.regionSize(offset)
	h.callbacks.Free(offset, size)

	h.writeTags(offset, size, false)
	h.coalesce(offset)
	h.allocCount--

	h.logger.Debug("Heap::Release",
		slog.Int("Offset", offset),
		slog.Int("Size", size))
	heaputils.DebugValidate(h)
}

// Resize changes the region at offset to hold at least size bytes and
// returns its possibly-new payload offset. Resize(NoRegion, n) allocates;
// Resize(p, 0) releases and returns NoRegion. The region is kept in place
// when it already covers the request or when absorbing an immediately
// following free region covers it; otherwise a fresh region is allocated,
// min(size, old payload) bytes are copied, and the old region is released.
// On growth failure the old region is left intact.
func (h *Heap) Resize(offset, size int) (int, error) {
	if offset == NoRegion {
		return h.Allocate(size)
	}
	if !h.initialized {
		return NoRegion, errors.New("Resize was called before Init")
	}
	if size == 0 {
		h.Release(offset)
		return NoRegion, nil
	}
	if size < 0 || size > maxRequestSize {
		return NoRegion, errors.Newf("invalid allocation size %d", size)
	}

	adjusted := adjustedSize(size)
	current := h.regionSize(offset)

	// Shrink or unchanged: keep the region, splitting off the tail when it
	// can stand as a region of its own.
	if current >= adjusted {
		if current-adjusted >= minRegion {
			h.writeTags(offset, adjusted, true)
			remainder := h.nextRegion(offset)
			h.writeTags(remainder, current-adjusted, false)
			h.coalesce(remainder)
			h.stampMargin(offset)
			h.ledger.update(offset, adjusted)
			heaputils.DebugValidate(h)
		}
		return offset, nil
	}

	// Absorb the immediately following free region when the combined span
	// covers the request, avoiding a copy.
	next := h.nextRegion(offset)
	if !h.regionAllocated(next) && current+h.regionSize(next) >= adjusted {
		combined := current + h.regionSize(next)

		if combined-adjusted >= minRegion {
			h.writeTags(offset, adjusted, true)
			remainder := h.nextRegion(offset)
			h.writeTags(remainder, combined-adjusted, false)
			h.rover = remainder
		} else {
			h.writeTags(offset, combined, true)
			h.rover = h.nextRegion(offset)
		}

		h.stampMargin(offset)
		h.ledger.update(offset, h.regionSize(offset))
		heaputils.DebugValidate(h)
		return offset, nil
	}

	// Copy fallback.
	newOffset, err := h.Allocate(size)
	if err != nil {
		return NoRegion, err
	}

	copySize := h.PayloadSize(offset)
	if size < copySize {
		copySize = size
	}
	copy(h.data()[newOffset:newOffset+copySize], h.data()[offset:offset+copySize])

	h.Release(offset)
	return newOffset, nil
}

// Clear instantly frees every allocation, restoring the heap to a single
// free region spanning everything between the sentinels. The span itself
// is never shrunk.
func (h *Heap) Clear() {
	if !h.initialized {
		return
	}

	first := h.nextRegion(h.base)
	size := len(h.data()) - first
	h.writeTags(first, size, false)
	h.setTag(headerOf(h.nextRegion(first)), pack(0, true))

	h.rover = first
	h.allocCount = 0
	h.ledger.init()
	heaputils.DebugValidate(h)
}

// PayloadSize returns the number of caller-usable bytes in the allocated
// region at offset.
func (h *Heap) PayloadSize(offset int) int {
	return h.regionSize(offset) - doubleWord - heaputils.DebugMargin
}

// Payload returns the caller-usable bytes of the allocated region at
// offset. The slice aliases the heap's backing span and is invalidated by
// any subsequent heap operation.
func (h *Heap) Payload(offset int) []byte {
	return h.data()[offset : offset+h.PayloadSize(offset)]
}

// GrowthUnit returns the heap's configured growth unit in bytes.
func (h *Heap) GrowthUnit() int {
	return h.growthUnit
}

// Size returns the total number of bytes in the managed span, including
// sentinel and tag overhead. 0 before Init.
func (h *Heap) Size() int {
	return len(h.data())
}
