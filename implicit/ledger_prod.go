//go:build !debug_heap_utils

package implicit

// allocLedger shadows the tag stream with a map of live payload offsets, so
// that releasing a foreign offset or releasing twice fails loudly instead of
// silently corrupting the heap. It only exists in debug_heap_utils builds.
type allocLedger struct{}

func (l *allocLedger) init() {}

func (l *allocLedger) add(offset int, size int) {}

func (l *allocLedger) update(offset int, size int) {}

func (l *allocLedger) remove(offset int) {}
