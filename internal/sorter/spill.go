package sorter

import "fmt"

func fmtBlockID(shuffleID, mapID uint64, ordinal int, partitionID uint32) string {
	return fmt.Sprintf("%d-%d-%d-p%d", shuffleID, mapID, ordinal, partitionID)
}

// SpillDescriptor describes one sorted on-disk run (spec.md §3): a file
// path plus the per-partition byte length within it. Invariant:
// sum(PartitionLengths) == file size.
type SpillDescriptor struct {
	Path             string
	PartitionLengths []int64

	// ShuffleID, MapID, and Ordinal identify the task and this spill's
	// position among it; the Merge Engine's slow/stream-fast paths need
	// these to rederive the same per-partition block id used to key the
	// encryption keystream when this spill's segments were written.
	ShuffleID uint64
	MapID     uint64
	Ordinal   int
}

// BlockID returns the per-partition identifier used both when this
// spill's partition segment was written (internal/sorter) and when it
// must be decoded again (internal/merge).
func (s SpillDescriptor) BlockID(partitionID uint32) string {
	return fmtBlockID(s.ShuffleID, s.MapID, s.Ordinal, partitionID)
}

// TotalBytes returns the sum of all partition lengths in this spill,
// which must equal the spill file's size.
func (s SpillDescriptor) TotalBytes() int64 {
	var total int64
	for _, l := range s.PartitionLengths {
		total += l
	}
	return total
}
