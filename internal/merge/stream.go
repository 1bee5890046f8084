package merge

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"time"

	"shufflewriter/internal/output"
	"shufflewriter/internal/shuffleerr"
	"shufflewriter/internal/sorter"
	"shufflewriter/internal/streamshield"
)

// timeTrackingWriter records cumulative elapsed Write time into the
// task's write-time metric, the outermost layer of the merge output
// wrapper chain (spec.md §4.4.2).
type timeTrackingWriter struct {
	w io.Writer
	e *Engine
}

func (t *timeTrackingWriter) Write(p []byte) (int, error) {
	start := time.Now()
	n, err := t.w.Write(p)
	t.e.metricsWriteTime(time.Since(start))
	return n, err
}

// openOutputChain builds, for one partition, the outer wrapper chain the
// Merge Engine writes decoded/opaque bytes through: time-tracking ->
// encryption (if enabled) -> compression (if useCodec and configured) ->
// shield(sink). Returns the writer to use and a function that closes the
// chain LIFO to flush codec state without closing the partition sink.
func (e *Engine) openOutputChain(pw output.PartitionWriter, blockID string, useCodec bool) (io.Writer, func() error, error) {
	shielded := streamshield.Shield(pw.Stream())
	var cur io.Writer = shielded
	var closers []io.Closer

	if useCodec && e.cfg.Codec != nil {
		cw, err := e.cfg.Codec.CompressedOutputStream(cur)
		if err != nil {
			return nil, nil, shuffleerr.Wrap(shuffleerr.IO, "openOutputChain", err)
		}
		cur = cw
		closers = append(closers, cw)
	}
	if e.cfg.EncManager.EncryptionEnabled() {
		ew, err := e.cfg.EncManager.WrapOutputStream(blockID, cur)
		if err != nil {
			return nil, nil, shuffleerr.Wrap(shuffleerr.IO, "openOutputChain", err)
		}
		cur = ew
		closers = append(closers, ew)
	}
	closers = append(closers, shielded)

	tracked := &timeTrackingWriter{w: cur, e: e}
	closeFn := func() error {
		var firstErr error
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i].Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	}
	return tracked, closeFn, nil
}

// openInputChain builds the decode chain for one spill's partition
// segment: decompression (if useCodec and configured) -> decryption (if
// enabled), the reverse-sense mirror of openOutputChain — on-disk bytes
// are Compress(Encrypt(data)), so decoding must decompress first
// (innermost, applied directly to the raw spill bytes) and decrypt second
// (outermost), reading exactly length bytes from r.
func (e *Engine) openInputChain(r io.Reader, length int64, blockID string, useCodec bool) (io.Reader, func() error, error) {
	limited := io.LimitReader(r, length)
	var cur io.Reader = limited
	var closers []io.Closer

	if useCodec && e.cfg.Codec != nil {
		cr, err := e.cfg.Codec.CompressedInputStream(cur)
		if err != nil {
			return nil, nil, shuffleerr.Wrap(shuffleerr.IO, "openInputChain", err)
		}
		cur = cr
		closers = append(closers, cr)
	}
	if e.cfg.EncManager.EncryptionEnabled() {
		dr, err := e.cfg.EncManager.WrapInputStream(blockID, cur)
		if err != nil {
			return nil, nil, shuffleerr.Wrap(shuffleerr.IO, "openInputChain", err)
		}
		cur = dr
		closers = append(closers, dr)
	}

	closeFn := func() error {
		var firstErr error
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i].Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	}
	return cur, closeFn, nil
}

// mergeStream implements spec.md §4.4.2: the stream fast merge (useCodec
// false: opaque compressed bytes are never decoded, only decrypted and
// re-encrypted) and the slow merge (useCodec true: every spill segment is
// fully decoded and re-encoded).
func (e *Engine) mergeStream(spills []sorter.SpillDescriptor, numPartitions uint32, mow output.MapOutputWriter, useCodec bool) (lengths []int64, err error) {
	threw := true
	readers := make([]*bufio.Reader, len(spills))
	files := make([]*os.File, len(spills))
	defer func() {
		for _, f := range files {
			if f == nil {
				continue
			}
			if cerr := f.Close(); cerr != nil && !threw {
				if err == nil {
					err = shuffleerr.Wrap(shuffleerr.IO, "mergeStream", cerr)
				} else {
					e.log.Warnw("error closing spill file after merge already failed", "error", cerr)
				}
			}
		}
	}()
	for i, s := range spills {
		f, err := os.Open(s.Path)
		if err != nil {
			return nil, shuffleerr.Wrap(shuffleerr.IO, "mergeStream", err)
		}
		files[i] = f
		readers[i] = bufio.NewReaderSize(f, e.cfg.InputBufferBytes)
	}

	lengths = make([]int64, numPartitions)
	for p := uint32(0); p < numPartitions; p++ {
		pw, err := mow.NextPartitionWriter()
		if err != nil {
			return nil, shuffleerr.Wrap(shuffleerr.IO, "mergeStream", err)
		}
		outBlockID := fmt.Sprintf("merged-p%d", p)
		out, closeOut, err := e.openOutputChain(pw, outBlockID, useCodec)
		if err != nil {
			return nil, err
		}

		for i, s := range spills {
			n := s.PartitionLengths[p]
			if n == 0 {
				continue
			}
			in, closeIn, err := e.openInputChain(readers[i], n, s.BlockID(p), useCodec)
			if err != nil {
				_ = closeOut()
				return nil, err
			}
			if _, err := io.Copy(out, in); err != nil {
				_ = closeIn()
				_ = closeOut()
				return nil, shuffleerr.Wrap(shuffleerr.IO, "mergeStream", err)
			}
			if err := closeIn(); err != nil {
				_ = closeOut()
				return nil, shuffleerr.Wrap(shuffleerr.IO, "mergeStream", err)
			}
		}
		if err := closeOut(); err != nil {
			return nil, shuffleerr.Wrap(shuffleerr.IO, "mergeStream", err)
		}
		if err := pw.Close(); err != nil {
			return nil, shuffleerr.Wrap(shuffleerr.IO, "mergeStream", err)
		}
		lengths[p] = pw.BytesWritten()
	}
	threw = false
	return lengths, nil
}
