// Package output implements the Map Output Writer collaborator (spec.md
// §4.4, §6): spec.md treats this as purely external, but a runnable repo
// needs one concrete instance to exercise the Merge Engine and Writer
// Facade end to end. LocalMapOutputWriter writes a single data file (all
// partitions concatenated, ascending order) plus a side index file of P
// partition lengths, committed together — grounded on the teacher's
// internal/master/state.go pattern of a data file plus a side index
// persisted and recovered together.
package output

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"shufflewriter/internal/shuffleerr"
)

// PartitionWriter is the sink for exactly one partition's bytes. Per
// spec.md §9's resolved ambiguity, a PartitionWriter is a fresh sink: its
// BytesWritten() count is its own, not cumulative across partitions.
type PartitionWriter interface {
	// Stream returns an io.Writer for buffered/stream copies (used by the
	// single-spill fast path and the stream fast/slow merges).
	Stream() io.Writer
	// File returns the underlying *os.File when the sink is file-backed,
	// enabling the zero-copy merge strategy; ok is false when no such
	// backing exists (e.g. the sink is in-memory or network-backed).
	File() (f *os.File, ok bool)
	// BytesWritten reports bytes written through this partition writer so
	// far.
	BytesWritten() int64
	// Close finalizes this partition's bytes. Must be called before the
	// next partition writer is requested (spec.md §5: partition writers
	// are consumed in strict ascending order, one at a time).
	Close() error
}

// MapOutputWriter produces partition writers in ascending order and
// commits or aborts the whole map output atomically.
type MapOutputWriter interface {
	// NextPartitionWriter returns the writer for the next partition in
	// ascending order. Must be called exactly NumPartitions times, or not
	// at all for an empty map output.
	NextPartitionWriter() (PartitionWriter, error)
	// CommitAllPartitions finalizes the output and returns the final
	// per-partition byte lengths (all zero when no partition writer was
	// requested).
	CommitAllPartitions() ([]int64, error)
	// Abort discards any partial output. err is the cause of the abort;
	// it is not returned.
	Abort(err error) error
}

// countingPartitionWriter wraps the shared data file and counts the bytes
// this partition adds to it, starting from zero for every new partition:
// both Stream writes and transfers made directly through File() are
// counted, by measuring the file offset against start. onClose notifies
// the owning LocalMapOutputWriter with the final byte count so it can
// record the partition's length and accept the next NextPartitionWriter
// call.
type countingPartitionWriter struct {
	file    *os.File // shared data file; never closed by the partition writer itself
	start   int64    // data file offset at which this partition begins
	written int64
	closed  bool
	onClose func(int64)
}

func (p *countingPartitionWriter) Stream() io.Writer { return p }

func (p *countingPartitionWriter) Write(b []byte) (int, error) {
	n, err := p.file.Write(b)
	p.written += int64(n)
	return n, err
}

func (p *countingPartitionWriter) File() (*os.File, bool) { return p.file, true }

func (p *countingPartitionWriter) BytesWritten() int64 {
	if p.closed {
		return p.written
	}
	// Transfers through File() bypass Write, so the data file offset is the
	// count that covers both paths.
	if pos, err := p.file.Seek(0, io.SeekCurrent); err == nil {
		return pos - p.start
	}
	return p.written
}

func (p *countingPartitionWriter) Close() error {
	if p.closed {
		return nil
	}
	p.written = p.BytesWritten()
	p.closed = true
	if p.onClose != nil {
		p.onClose(p.written)
	}
	return nil
}

// LocalMapOutputWriter writes shuffle output to the local filesystem:
// "<dir>/shuffle_<shuffleID>_<mapID>.data" plus a companion ".index" file
// of NumPartitions little-endian uint64 lengths, written on commit.
type LocalMapOutputWriter struct {
	dataPath  string
	indexPath string
	numParts  uint32

	file        *os.File
	nextPart    uint32
	current     *countingPartitionWriter
	lengths     []int64
	committed   bool
	aborted     bool
}

// NewLocalMapOutputWriter creates the backing data file for a map task
// producing numPartitions partitions.
func NewLocalMapOutputWriter(dir string, shuffleID, mapID uint64, numPartitions uint32) (*LocalMapOutputWriter, error) {
	dataPath := fmt.Sprintf("%s/shuffle_%d_%d.data", dir, shuffleID, mapID)
	indexPath := dataPath + ".index"
	f, err := os.Create(dataPath)
	if err != nil {
		return nil, shuffleerr.Wrap(shuffleerr.IO, "NewLocalMapOutputWriter", err)
	}
	return &LocalMapOutputWriter{
		dataPath:  dataPath,
		indexPath: indexPath,
		numParts:  numPartitions,
		file:      f,
		lengths:   make([]int64, 0, numPartitions),
	}, nil
}

func (w *LocalMapOutputWriter) NextPartitionWriter() (PartitionWriter, error) {
	if w.current != nil {
		return nil, shuffleerr.New(shuffleerr.IllegalState, "NextPartitionWriter",
			"previous partition writer was not closed")
	}
	if w.nextPart >= w.numParts {
		return nil, shuffleerr.New(shuffleerr.IllegalState, "NextPartitionWriter",
			"all partition writers already produced")
	}
	start, err := w.file.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, shuffleerr.Wrap(shuffleerr.IO, "NextPartitionWriter", err)
	}
	cur := &countingPartitionWriter{file: w.file, start: start}
	cur.onClose = func(written int64) {
		w.lengths = append(w.lengths, written)
		w.current = nil
	}
	w.current = cur
	w.nextPart++
	return w.current, nil
}

// closeCurrent closes the in-flight partition writer (if the caller never
// did), which records its length via onClose and clears w.current.
func (w *LocalMapOutputWriter) closeCurrent() {
	if w.current == nil {
		return
	}
	_ = w.current.Close()
}

func (w *LocalMapOutputWriter) CommitAllPartitions() ([]int64, error) {
	w.closeCurrent()
	if w.nextPart == 0 {
		// No partition writer was requested: an empty map output.
		w.lengths = make([]int64, w.numParts)
	}
	if uint32(len(w.lengths)) != w.numParts {
		return nil, shuffleerr.New(shuffleerr.IllegalState, "CommitAllPartitions",
			fmt.Sprintf("expected %d partition lengths, have %d", w.numParts, len(w.lengths)))
	}
	if err := w.file.Close(); err != nil {
		return nil, shuffleerr.Wrap(shuffleerr.IO, "CommitAllPartitions", err)
	}
	idx, err := os.Create(w.indexPath)
	if err != nil {
		return nil, shuffleerr.Wrap(shuffleerr.IO, "CommitAllPartitions", err)
	}
	defer idx.Close()
	buf := make([]byte, 8*len(w.lengths))
	for i, l := range w.lengths {
		binary.LittleEndian.PutUint64(buf[i*8:], uint64(l))
	}
	if _, err := idx.Write(buf); err != nil {
		return nil, shuffleerr.Wrap(shuffleerr.IO, "CommitAllPartitions", err)
	}
	w.committed = true
	return w.lengths, nil
}

func (w *LocalMapOutputWriter) Abort(_ error) error {
	if w.aborted || w.committed {
		return nil
	}
	w.aborted = true
	w.closeCurrent()
	_ = w.file.Close()
	_ = os.Remove(w.dataPath)
	_ = os.Remove(w.indexPath)
	return nil
}

// DataPath returns the path of the committed (or in-progress) data file,
// for tests and the demo CLI.
func (w *LocalMapOutputWriter) DataPath() string { return w.dataPath }

// IndexPath returns the path of the committed index file.
func (w *LocalMapOutputWriter) IndexPath() string { return w.indexPath }
