// Package streamshield implements the stream-shielding helper (spec.md
// §4.6): it wraps a sink so that codec/encryption wrapper chains can be
// closed (to flush their trailers) without prematurely closing the
// partition sink underneath, which the outer controller (the Merge
// Engine or the Partition-Pair Writer) owns and closes itself.
package streamshield

import "io"

// Writer wraps w so that Close and Flush are no-ops; writes still pass
// through.
type Writer struct {
	io.Writer
}

// Shield returns a Writer whose Close/Flush are no-ops around w.
func Shield(w io.Writer) *Writer { return &Writer{Writer: w} }

func (*Writer) Close() error { return nil }
func (*Writer) Flush() error { return nil }
