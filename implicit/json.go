package implicit

import (
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"golang.org/x/exp/slog"
)

// HeapJsonData populates a json object with summary information about this heap
func (h *Heap) HeapJsonData(json jwriter.ObjectState) {
	json.Name("TotalBytes").Int(len(h.data()))
	json.Name("UnusedBytes").Int(h.SumFreeSize())
	json.Name("Allocations").Int(h.allocCount)
	json.Name("UnusedRanges").Int(h.FreeRegionsCount())
}

// PrintDetailedMap writes a full diagnostic dump of the heap into the
// provided writer: one entry per region in physical order, plus the summary
// fields. HeapJsonData receives the object state by value, so it has to be
// the last writer on it.
func (h *Heap) PrintDetailedMap(writer *jwriter.Writer) {
	objState := writer.Object()
	defer objState.End()

	arrayState := objState.Name("Regions").Array()
	_ = h.VisitAllRegions(
		func(offset int, size int, free bool) error {
			obj := arrayState.Object()
			defer obj.End()

			obj.Name("Offset").Int(offset)
			obj.Name("Size").Int(size)
			if free {
				obj.Name("Type").String("FREE")
			} else {
				obj.Name("Type").String("ALLOCATED")
			}

			return nil
		})
	arrayState.End()

	h.HeapJsonData(objState)
}

// DebugLogAllAllocations calls logFunc once for every live allocation.
// Depending on heap size this can be slow and should only be used for
// diagnostic purposes.
func (h *Heap) DebugLogAllAllocations(logger *slog.Logger, logFunc func(log *slog.Logger, offset int, size int)) {
	for offset := h.nextRegion(h.base); h.regionSize(offset) > 0; offset = h.nextRegion(offset) {
		if h.regionAllocated(offset) {
			logFunc(logger, offset, h.regionSize(offset))
		}
	}
}
