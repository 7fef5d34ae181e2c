//go:build debug_heap_utils

package implicit

import (
	"fmt"

	"github.com/dolthub/swiss"
)

// allocLedger shadows the tag stream with a map of live payload offsets, so
// that releasing a foreign offset or releasing twice fails loudly instead of
// silently corrupting the heap. It only exists in debug_heap_utils builds.
type allocLedger struct {
	live *swiss.Map[int, int]
}

func (l *allocLedger) init() {
	l.live = swiss.NewMap[int, int](42)
}

func (l *allocLedger) add(offset int, size int) {
	if _, ok := l.live.Get(offset); ok {
		panic(fmt.Sprintf("offset %d was handed out twice", offset))
	}
	l.live.Put(offset, size)
}

func (l *allocLedger) update(offset int, size int) {
	if _, ok := l.live.Get(offset); !ok {
		panic(fmt.Sprintf("offset %d was resized in place but is not a live allocation", offset))
	}
	l.live.Put(offset, size)
}

func (l *allocLedger) remove(offset int) {
	if _, ok := l.live.Get(offset); !ok {
		panic(fmt.Sprintf("offset %d is not a live allocation- double release or foreign offset", offset))
	}
	l.live.Delete(offset)
}
