// Package buffer implements the Serialization Buffer (spec.md §4.1): a
// reusable growable byte sink that exposes its backing storage so the
// External Partition Sorter can copy directly out of it without an
// intermediate allocation.
package buffer

// DefaultInitialCapacity is the buffer's default initial byte capacity.
const DefaultInitialCapacity = 1 << 20 // 1 MiB

// Buffer is a growable byte sink. The zero value is not usable; use New.
type Buffer struct {
	buf []byte
}

// New returns a Buffer with the given initial capacity. A non-positive
// capacity falls back to DefaultInitialCapacity.
func New(initialCapacity int) *Buffer {
	if initialCapacity <= 0 {
		initialCapacity = DefaultInitialCapacity
	}
	return &Buffer{buf: make([]byte, 0, initialCapacity)}
}

// Reset sets the buffer's length back to zero without releasing its
// backing storage, so repeated record serialization reuses the same
// allocation across a whole map task.
func (b *Buffer) Reset() {
	b.buf = b.buf[:0]
}

// Write appends p to the buffer, growing the backing array if needed.
// Always returns len(p), nil, satisfying io.Writer.
func (b *Buffer) Write(p []byte) (int, error) {
	b.buf = append(b.buf, p...)
	return len(p), nil
}

// Len returns the number of bytes currently held.
func (b *Buffer) Len() int {
	return len(b.buf)
}

// RawView returns the first Len() bytes of the backing storage. The
// returned slice aliases the buffer: it is only valid until the next
// Reset or Write call.
func (b *Buffer) RawView() []byte {
	return b.buf
}
