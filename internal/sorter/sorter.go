package sorter

import (
	"fmt"
	"io"
	"os"
	"sort"
	"sync"

	"golang.org/x/crypto/blake2b"

	"shufflewriter/internal/memory"
	"shufflewriter/internal/shuffleerr"
)

// DefaultPageBytes is the byte capacity of each page the sorter
// allocates from the memory manager.
const DefaultPageBytes = 4 << 20 // 4 MiB

// Sorter is the External Partition Sorter (spec.md §4.2). It is not safe
// for concurrent Insert calls from more than one goroutine, but Spill may
// be invoked concurrently with Insert from a separate memory-manager
// goroutine; the internal mutex protects pages, the pointer array, and
// the spill list.
type Sorter struct {
	mu sync.Mutex

	numPartitions uint32
	pageBytes     int
	mem           *memory.Manager
	dir           string
	shuffleID     uint64
	mapID         uint64

	pages       []*page
	current     *page
	pointers    []uint64
	spills      []SpillDescriptor
	spillOrdinal int
	spilling    bool
	closed      bool

	wrap SpillWrapper // nil means write raw bytes with no transform
}

// Config carries the construction parameters for a Sorter.
type Config struct {
	NumPartitions uint32
	PageBytes     int // 0 uses DefaultPageBytes
	Dir           string
	ShuffleID     uint64
	MapID         uint64

	// Wrap, if non-nil, wraps each partition's segment within a spill
	// file with compression/encryption exactly as the Merge Engine will
	// later need to decode it (spec.md §4.4.2); nil spills raw bytes.
	Wrap SpillWrapper
}

// New constructs a Sorter bound to mem for page allocation. Registers
// itself as mem's reclaim callback, so an external Reclaim() call spills
// this sorter.
func New(cfg Config, mem *memory.Manager) (*Sorter, error) {
	if cfg.NumPartitions == 0 || cfg.NumPartitions > MaxPartitions {
		return nil, shuffleerr.New(shuffleerr.Configuration, "sorter.New",
			fmt.Sprintf("numPartitions must be in [1, %d], got %d", MaxPartitions, cfg.NumPartitions))
	}
	pageBytes := cfg.PageBytes
	if pageBytes <= 0 {
		pageBytes = DefaultPageBytes
	}
	s := &Sorter{
		numPartitions: cfg.NumPartitions,
		pageBytes:     pageBytes,
		mem:           mem,
		dir:           cfg.Dir,
		shuffleID:     cfg.ShuffleID,
		mapID:         cfg.MapID,
		wrap:          cfg.Wrap,
	}
	if mem != nil {
		mem.OnReclaim(func() {
			_ = s.Spill()
		})
	}
	return s, nil
}

// Insert appends payload, tagged with partitionID, to the current page
// (allocating a new one if needed), and records a pointer entry.
func (s *Sorter) Insert(payload []byte, partitionID uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return shuffleerr.New(shuffleerr.IllegalState, "Sorter.Insert", "sorter already closed")
	}
	if partitionID >= s.numPartitions {
		return shuffleerr.New(shuffleerr.Configuration, "Sorter.Insert",
			fmt.Sprintf("partition %d out of range [0, %d)", partitionID, s.numPartitions))
	}
	if len(payload)+4 > s.pageBytes {
		return shuffleerr.New(shuffleerr.Configuration, "Sorter.Insert",
			"payload larger than page size")
	}

	if s.current == nil || !s.current.fits(len(payload)) {
		if err := s.allocatePageLocked(); err != nil {
			return err
		}
	}

	pageIndex := len(s.pages) - 1
	offset := s.current.append(payload)
	s.pointers = append(s.pointers, packPointer(partitionID, uint32(pageIndex), uint32(offset)))
	return nil
}

// allocatePageLocked must be called with mu held. It tries to acquire a
// new page's worth of memory, spilling once and retrying if the first
// attempt is denied.
func (s *Sorter) allocatePageLocked() error {
	if s.mem == nil || s.mem.Acquire(int64(s.pageBytes)) {
		s.pages = append(s.pages, newPage(s.pageBytes))
		s.current = s.pages[len(s.pages)-1]
		return nil
	}

	if err := s.spillLocked(); err != nil {
		return err
	}

	if !s.mem.Acquire(int64(s.pageBytes)) {
		return shuffleerr.New(shuffleerr.OutOfMemory, "Sorter.allocatePage",
			"memory manager denied page allocation after spill")
	}
	s.pages = append(s.pages, newPage(s.pageBytes))
	s.current = s.pages[len(s.pages)-1]
	return nil
}

// Spill sorts the pointer array and streams records to a fresh spill
// file, then releases all pages. Safe to call from a goroutine other than
// the Insert caller (e.g. a memory manager reclaiming pages); a call made
// while another spill holds the sorter's mutex waits for it to finish.
func (s *Sorter) Spill() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spillLocked()
}

func (s *Sorter) spillLocked() error {
	if s.spilling {
		return shuffleerr.New(shuffleerr.IllegalState, "Sorter.Spill", "spill already in progress")
	}
	if len(s.pointers) == 0 {
		return nil
	}
	s.spilling = true
	defer func() { s.spilling = false }()

	desc, err := s.writeSpillFile()
	if err != nil {
		return err
	}
	s.spills = append(s.spills, desc)

	released := int64(0)
	for _, p := range s.pages {
		released += int64(len(p.buf))
	}
	if s.mem != nil {
		s.mem.Release(released)
	}
	s.pages = nil
	s.current = nil
	s.pointers = s.pointers[:0]
	s.spillOrdinal++
	return nil
}

// writeSpillFile sorts s.pointers and writes a new spill file, returning
// its descriptor. Does not mutate sorter state other than file creation.
//
// When s.wrap is set, each partition's segment is written through its own
// fresh compression/encryption chain, flushed and closed at the partition
// boundary, so the segment is an independently decodable frame — this is
// what lets the Merge Engine's slow path decode one spill's partition
// segment without needing the rest of the file, and what the recorded
// PartitionLengths measure (post-transform bytes, not raw bytes).
func (s *Sorter) writeSpillFile() (SpillDescriptor, error) {
	sorted := make([]uint64, len(s.pointers))
	copy(sorted, s.pointers)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	path := s.spillPath(s.spillOrdinal)
	f, err := os.Create(path)
	if err != nil {
		return SpillDescriptor{}, shuffleerr.Wrap(shuffleerr.IO, "Sorter.writeSpillFile", err)
	}
	defer f.Close()

	cw := &countingWriter{w: f}
	lengths := make([]int64, s.numPartitions)

	var open io.WriteCloser
	var openPartition uint32
	var haveOpen bool
	var partitionStart int64

	closeOpen := func() error {
		if !haveOpen {
			return nil
		}
		if err := open.Close(); err != nil {
			return shuffleerr.Wrap(shuffleerr.IO, "Sorter.writeSpillFile", err)
		}
		lengths[openPartition] += cw.total - partitionStart
		haveOpen = false
		return nil
	}

	openFor := func(partitionID uint32) error {
		if err := closeOpen(); err != nil {
			return err
		}
		partitionStart = cw.total
		if s.wrap == nil {
			open = chainNopCloser{cw}
		} else {
			blockID := fmtBlockID(s.shuffleID, s.mapID, s.spillOrdinal, partitionID)
			wc, err := s.wrap(blockID, cw)
			if err != nil {
				return shuffleerr.Wrap(shuffleerr.IO, "Sorter.writeSpillFile", err)
			}
			open = wc
		}
		openPartition = partitionID
		haveOpen = true
		return nil
	}

	for _, ptr := range sorted {
		partitionID, pageIndex, offset := unpackPointer(ptr)
		if !haveOpen || partitionID != openPartition {
			if err := openFor(partitionID); err != nil {
				return SpillDescriptor{}, err
			}
		}
		record := s.pages[pageIndex].recordAt(offset)
		if _, err := open.Write(record); err != nil {
			return SpillDescriptor{}, shuffleerr.Wrap(shuffleerr.IO, "Sorter.writeSpillFile", err)
		}
	}
	if err := closeOpen(); err != nil {
		return SpillDescriptor{}, err
	}

	return SpillDescriptor{
		Path:             path,
		PartitionLengths: lengths,
		ShuffleID:        s.shuffleID,
		MapID:            s.mapID,
		Ordinal:          s.spillOrdinal,
	}, nil
}

// chainNopCloser adapts a plain io.Writer (no transform configured) to
// io.WriteCloser with a no-op Close.
type chainNopCloser struct{ io.Writer }

func (chainNopCloser) Close() error { return nil }

// spillPath derives a content-addressed temp file name from the shuffle
// task identity and spill ordinal, grounded on
// SnellerInc-sneller/fsenv.go's blake2b content-hash naming.
func (s *Sorter) spillPath(ordinal int) string {
	h, _ := blake2b.New(16, nil)
	fmt.Fprintf(h, "%d-%d-%d", s.shuffleID, s.mapID, ordinal)
	sum := h.Sum(nil)
	dir := s.dir
	if dir == "" {
		dir = os.TempDir()
	}
	return fmt.Sprintf("%s/shuffle-spill-%x.tmp", dir, sum)
}

// CloseAndGetSpills performs one final spill of any remaining in-memory
// records, then returns the ordered list of spill descriptors and frees
// all sorter-owned resources except the spill files themselves (which
// remain on disk for the caller to merge and later delete).
func (s *Sorter) CloseAndGetSpills() ([]SpillDescriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.pointers) > 0 {
		if err := s.spillLocked(); err != nil {
			return nil, err
		}
	}
	s.closed = true
	return s.spills, nil
}

// PeakMemoryUsed reports the high-water mark of bytes granted by the
// memory manager to this sorter.
func (s *Sorter) PeakMemoryUsed() int64 {
	if s.mem == nil {
		return 0
	}
	return s.mem.Peak()
}

// CleanupResources is idempotent: it deletes any spill files still owned
// by this sorter and releases any pages still held.
func (s *Sorter) CleanupResources() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for _, desc := range s.spills {
		if err := os.Remove(desc.Path); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = err
		}
	}
	s.spills = nil

	released := int64(0)
	for _, p := range s.pages {
		released += int64(len(p.buf))
	}
	if s.mem != nil && released > 0 {
		s.mem.Release(released)
	}
	s.pages = nil
	s.current = nil
	s.pointers = nil
	s.closed = true

	if firstErr != nil {
		return shuffleerr.Wrap(shuffleerr.Cleanup, "Sorter.CleanupResources", firstErr)
	}
	return nil
}
