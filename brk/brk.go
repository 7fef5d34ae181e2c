// Package brk provides sbrk-style growth collaborators for heap engines.
// A collaborator owns a single contiguous span of bytes that only ever
// grows; heap engines address it purely through offsets, so the span is
// free to relocate in the process address space as it grows.
package brk

import "github.com/cockroachdb/errors"

// ErrOutOfMemory is returned from Memory.Grow when the collaborator cannot
// extend its span any further.
var ErrOutOfMemory = errors.New("cannot extend the memory span")

// Memory is the growth collaborator consumed by heap engines. Grow extends
// the span by extra bytes and returns the offset of the start of the newly
// appended bytes- the old break. Offsets handed out before a Grow remain
// valid afterward. The span is never shrunk.
type Memory interface {
	// Bytes returns the full managed span. The returned slice is invalidated
	// by the next call to Grow.
	Bytes() []byte
	// Grow extends the span by extra bytes, which must be positive, and
	// returns the offset of the first new byte. It returns an error wrapping
	// ErrOutOfMemory when the collaborator refuses the request.
	Grow(extra int) (int, error)
}
