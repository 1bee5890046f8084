package sorter

import "io"

// countingWriter tracks the cumulative number of bytes written through it,
// so the sorter can record each partition's on-disk (post-compression,
// post-encryption) byte length by diffing the count across a partition's
// open/close boundary.
type countingWriter struct {
	w     io.Writer
	total int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.total += int64(n)
	return n, err
}

// SpillWrapper builds the per-partition output chain a spill file segment
// is written through: compression innermost, encryption outermost,
// exactly mirroring how the Merge Engine's slow path must later decode
// each spill segment independently (spec.md §4.4.2). blockID scopes the
// encryption keystream per partition segment.
type SpillWrapper func(blockID string, base io.Writer) (io.WriteCloser, error)

// chainCloser closes, last-added first, every io.Closer that wraps a base writer,
// so compressor trailers and any encryption framing are flushed before
// the next partition segment begins.
type chainCloser struct {
	io.Writer
	closers []io.Closer
}

func (c *chainCloser) Close() error {
	var firstErr error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i].Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// NewChainWriteCloser exposes chainCloser to callers outside this package
// (the Writer Facade, which builds the same compress/encrypt chain for
// spill time that the Merge Engine later reconstructs for decode time).
func NewChainWriteCloser(w io.Writer, closers ...io.Closer) io.WriteCloser {
	return &chainCloser{Writer: w, closers: closers}
}
