package implicit

// AllocateRegionCallback is executed after a region has been carved out for
// a caller. The size is the full region size, including tag overhead.
type AllocateRegionCallback func(
	heap *Heap,
	offset int,
	size int,
	userData interface{},
)

// FreeRegionCallback is executed just before a released region is returned
// to the free pool.
type FreeRegionCallback func(
	heap *Heap,
	offset int,
	size int,
	userData interface{},
)

// MemoryCallbackOptions allows consumers to observe the lifecycle of
// allocated regions. In-place resizes do not fire callbacks, since the
// region's identity does not change.
type MemoryCallbackOptions struct {
	Allocate AllocateRegionCallback
	Free     FreeRegionCallback
	UserData interface{}
}

type memoryCallbacks struct {
	Callbacks *MemoryCallbackOptions
	Heap      *Heap
}

func (c *memoryCallbacks) Allocate(offset int, size int) {
	if c.Callbacks != nil && c.Callbacks.Allocate != nil {
		c.Callbacks.Allocate(c.Heap, offset, size, c.Callbacks.UserData)
	}
}

func (c *memoryCallbacks) Free(offset int, size int) {
	if c.Callbacks != nil && c.Callbacks.Free != nil {
		c.Callbacks.Free(c.Heap, offset, size, c.Callbacks.UserData)
	}
}
