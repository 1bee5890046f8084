// Package merge implements the Merge Engine (spec.md §4.4): given a
// sorter's spill set, it produces the final per-partition byte lengths by
// selecting among the no-spill, single-spill fast-copy, zero-copy fast
// merge, stream fast merge, and slow merge strategies.
package merge

import (
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"

	"shufflewriter/internal/metrics"
	"shufflewriter/internal/output"
	"shufflewriter/internal/serialize"
	"shufflewriter/internal/shuffleerr"
	"shufflewriter/internal/sorter"
)

// Strategy names the selected merge path, exported for logging/tests.
type Strategy string

const (
	StrategyNone      Strategy = "none"
	StrategySingle    Strategy = "single-spill-copy"
	StrategyZeroCopy  Strategy = "zero-copy-fast-merge"
	StrategyStreamFast Strategy = "stream-fast-merge"
	StrategySlow      Strategy = "slow-merge"
)

// Config carries everything the Merge Engine needs to pick and run a
// strategy (spec.md §6 recognized options, resolved into booleans/objects
// by internal/config and internal/shuffle).
type Config struct {
	FastMergeEnabled bool
	TransferToEnabled bool
	Compress          bool
	Codec             serialize.CompressionCodec // nil if compression disabled
	EncManager        serialize.Manager          // nil treated as NoEncryption
	InputBufferBytes  int
	OutputBufferBytes int
}

// Engine runs the Merge Engine for one map task's spill set.
type Engine struct {
	cfg     Config
	metrics *metrics.WriteMetrics
	log     *zap.SugaredLogger
}

// New returns an Engine. log may be nil (a nop logger is substituted).
func New(cfg Config, m *metrics.WriteMetrics, log *zap.SugaredLogger) *Engine {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if cfg.EncManager == nil {
		cfg.EncManager = serialize.NoEncryption{}
	}
	if cfg.InputBufferBytes <= 0 {
		cfg.InputBufferBytes = 32 << 10
	}
	if cfg.OutputBufferBytes <= 0 {
		cfg.OutputBufferBytes = 32 << 10
	}
	return &Engine{cfg: cfg, metrics: m, log: log}
}

// SelectStrategy implements spec.md §4.4's selection table for N spills.
func (e *Engine) SelectStrategy(n int) Strategy {
	switch {
	case n == 0:
		return StrategyNone
	case n == 1:
		return StrategySingle
	}

	concatOK := !e.cfg.Compress || (e.cfg.Codec != nil && e.cfg.Codec.SupportsConcatenationOfSerializedStreams())
	encryptionEnabled := e.cfg.EncManager.EncryptionEnabled()

	if e.cfg.FastMergeEnabled && concatOK && e.cfg.TransferToEnabled && !encryptionEnabled {
		return StrategyZeroCopy
	}
	if e.cfg.FastMergeEnabled && concatOK {
		return StrategyStreamFast
	}
	return StrategySlow
}

// Merge runs the selected strategy and returns the final per-partition
// lengths, satisfying spec.md §8's invariant that their sum equals the
// bytes-written metric observed after commit.
func (e *Engine) Merge(spills []sorter.SpillDescriptor, numPartitions uint32, mow output.MapOutputWriter) ([]int64, error) {
	n := len(spills)
	strategy := e.SelectStrategy(n)
	e.log.Infow("selected merge strategy", "strategy", strategy, "spills", n, "partitions", numPartitions)

	switch strategy {
	case StrategyNone:
		return make([]int64, numPartitions), nil
	case StrategySingle:
		return e.mergeSingleSpill(spills[0], numPartitions, mow)
	case StrategyZeroCopy:
		lengths, err := e.mergeZeroCopy(spills, numPartitions, mow)
		return e.finishMultiSpill(lengths, err, spills)
	case StrategyStreamFast:
		lengths, err := e.mergeStream(spills, numPartitions, mow, false)
		return e.finishMultiSpill(lengths, err, spills)
	default:
		lengths, err := e.mergeStream(spills, numPartitions, mow, true)
		return e.finishMultiSpill(lengths, err, spills)
	}
}

// finishMultiSpill applies spec.md §7's N>=2 metric correction: the merge
// naturally re-counts every spill's bytes as it streams them into the
// final output, so it adds that total and then subtracts the last
// spill's bytes, which were already counted once by the Writer Facade
// immediately after collecting spills from the sorter.
func (e *Engine) finishMultiSpill(lengths []int64, err error, spills []sorter.SpillDescriptor) ([]int64, error) {
	if err != nil {
		return nil, err
	}
	if e.metrics != nil {
		var total int64
		for _, l := range lengths {
			total += l
		}
		e.metrics.IncBytesWritten(total)
		e.metrics.DecBytesWritten(spills[len(spills)-1].TotalBytes())
	}
	return lengths, nil
}

// mergeSingleSpill implements spec.md §4.4 N=1 and resolves the §9
// ambiguity: the spill input stream is opened once, outside the
// per-partition loop, and closed after all partitions are copied.
func (e *Engine) mergeSingleSpill(spill sorter.SpillDescriptor, numPartitions uint32, mow output.MapOutputWriter) ([]int64, error) {
	f, err := os.Open(spill.Path)
	if err != nil {
		return nil, shuffleerr.Wrap(shuffleerr.IO, "mergeSingleSpill", err)
	}
	defer f.Close()

	lengths := make([]int64, numPartitions)
	for p := uint32(0); p < numPartitions; p++ {
		pw, err := mow.NextPartitionWriter()
		if err != nil {
			return nil, shuffleerr.Wrap(shuffleerr.IO, "mergeSingleSpill", err)
		}
		n := spill.PartitionLengths[p]
		if _, err := io.CopyN(pw.Stream(), f, n); err != nil && err != io.EOF {
			return nil, shuffleerr.Wrap(shuffleerr.IO, "mergeSingleSpill", err)
		}
		if err := pw.Close(); err != nil {
			return nil, shuffleerr.Wrap(shuffleerr.IO, "mergeSingleSpill", err)
		}
		lengths[p] = n
	}
	return lengths, nil
}

// mergeZeroCopy implements spec.md §4.4.1.
func (e *Engine) mergeZeroCopy(spills []sorter.SpillDescriptor, numPartitions uint32, mow output.MapOutputWriter) (lengths []int64, err error) {
	threw := true
	files := make([]*os.File, len(spills))
	defer func() {
		for _, f := range files {
			if f == nil {
				continue
			}
			if cerr := f.Close(); cerr != nil && !threw {
				if err == nil {
					err = shuffleerr.Wrap(shuffleerr.IO, "mergeZeroCopy", cerr)
				} else {
					e.log.Warnw("error closing spill file after merge already failed", "error", cerr)
				}
			}
		}
	}()
	for i, s := range spills {
		f, err := os.Open(s.Path)
		if err != nil {
			return nil, shuffleerr.Wrap(shuffleerr.IO, "mergeZeroCopy", err)
		}
		files[i] = f
	}

	lengths = make([]int64, numPartitions)
	for p := uint32(0); p < numPartitions; p++ {
		pw, err := mow.NextPartitionWriter()
		if err != nil {
			return nil, shuffleerr.Wrap(shuffleerr.IO, "mergeZeroCopy", err)
		}
		outFile, ok := pw.File()
		if !ok {
			return nil, shuffleerr.New(shuffleerr.IO, "mergeZeroCopy", "partition writer has no file backing for zero-copy transfer")
		}
		var sum int64
		for i, s := range spills {
			n := s.PartitionLengths[p]
			if n == 0 {
				continue
			}
			start := time.Now()
			// *os.File.ReadFrom dispatches through copy_file_range/
			// sendfile on Linux when both ends are regular files,
			// which is the zero-copy primitive this strategy requires.
			copied, err := outFile.ReadFrom(io.LimitReader(files[i], n))
			e.metricsWriteTime(time.Since(start))
			if err != nil {
				return nil, shuffleerr.Wrap(shuffleerr.IO, "mergeZeroCopy", err)
			}
			if copied != n {
				return nil, shuffleerr.New(shuffleerr.IO, "mergeZeroCopy",
					fmt.Sprintf("short zero-copy transfer: wanted %d got %d", n, copied))
			}
			sum += copied
		}
		if err := pw.Close(); err != nil {
			return nil, shuffleerr.Wrap(shuffleerr.IO, "mergeZeroCopy", err)
		}
		if pw.BytesWritten() != sum {
			return nil, shuffleerr.New(shuffleerr.IO, "mergeZeroCopy",
				fmt.Sprintf("partition %d writer reported %d bytes, transferred %d", p, pw.BytesWritten(), sum))
		}
		lengths[p] = sum
	}

	for i, f := range files {
		pos, err := f.Seek(0, io.SeekCurrent)
		if err != nil {
			return nil, shuffleerr.Wrap(shuffleerr.IO, "mergeZeroCopy", err)
		}
		if pos != spills[i].TotalBytes() {
			return nil, shuffleerr.New(shuffleerr.IO, "mergeZeroCopy",
				fmt.Sprintf("spill %d ended at offset %d, expected %d", i, pos, spills[i].TotalBytes()))
		}
	}
	threw = false
	return lengths, nil
}

func (e *Engine) metricsWriteTime(d time.Duration) {
	if e.metrics != nil {
		e.metrics.IncWriteTime(d.Nanoseconds())
	}
}
