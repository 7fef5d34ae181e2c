package brk

import "github.com/cockroachdb/errors"

// Buffer is a slice-backed Memory implementation. A limit of 0 means the
// span may grow without bound; any other limit caps the span's total size
// and causes Grow to refuse requests that would exceed it.
type Buffer struct {
	data  []byte
	limit int
}

var _ Memory = &Buffer{}

// NewBuffer creates an empty Buffer whose span may grow up to limit bytes,
// or without bound when limit is 0.
func NewBuffer(limit int) *Buffer {
	return &Buffer{limit: limit}
}

// Bytes returns the full managed span. The returned slice is invalidated
// by the next call to Grow.
func (b *Buffer) Bytes() []byte {
	return b.data
}

// Grow extends the span by extra bytes of zeroes and returns the old break
// offset.
func (b *Buffer) Grow(extra int) (int, error) {
	if extra <= 0 {
		return 0, errors.Newf("invalid growth request of %d bytes", extra)
	}

	oldBreak := len(b.data)
	if b.limit > 0 && oldBreak+extra > b.limit {
		return 0, errors.Wrapf(ErrOutOfMemory, "span is %d bytes with a limit of %d, refused %d more", oldBreak, b.limit, extra)
	}

	b.data = append(b.data, make([]byte, extra)...)
	return oldBreak, nil
}

// Limit returns the configured span size cap, 0 when unbounded.
func (b *Buffer) Limit() int {
	return b.limit
}
