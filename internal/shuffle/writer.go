// Package shuffle implements the Writer Facade (spec.md §4.3): the single
// entry point a map task drives, wiring together the Serialization Buffer,
// External Partition Sorter, Merge Engine, and Map Output Writer into
// open -> insert -> close-and-merge -> commit/abort, grounded on the
// open/run/finalize shape of
// EngSteven-batchdag-mini-spark/internal/worker/executor.go's ExecuteTask.
package shuffle

import (
	"fmt"
	"io"
	"os"
	"sync"

	"go.uber.org/zap"

	"shufflewriter/internal/buffer"
	"shufflewriter/internal/config"
	"shufflewriter/internal/memory"
	"shufflewriter/internal/merge"
	"shufflewriter/internal/metrics"
	"shufflewriter/internal/output"
	"shufflewriter/internal/serialize"
	"shufflewriter/internal/shuffleerr"
	"shufflewriter/internal/sorter"
)

// Record is one (key, value) pair handed to the Writer Facade.
type Record struct {
	Key   []byte
	Value []byte
}

// MapOutputWriterFactory constructs the Map Output Writer collaborator for
// one map task; tests substitute an in-memory fake, the demo CLI uses
// output.NewLocalMapOutputWriter.
type MapOutputWriterFactory func(shuffleID, mapID uint64, numPartitions uint32) (output.MapOutputWriter, error)

// Config carries everything the Writer Facade needs to construct a Sorter,
// a Merge Engine, and a Map Output Writer consistently (spec.md §6's
// recognized configuration options plus the collaborators spec.md lists as
// external).
type Config struct {
	ShuffleID     uint64
	MapID         uint64
	NumPartitions uint32

	Partitioner serialize.Partitioner
	Serializer  serialize.Instance

	// Compress gates whether Codec is consulted at all; Codec may be nil
	// when compression is disabled.
	Compress bool
	Codec    serialize.CompressionCodec

	// EncManager is nil treated as serialize.NoEncryption{}.
	EncManager serialize.Manager

	Mem     *memory.Manager
	Metrics *metrics.WriteMetrics
	Log     *zap.SugaredLogger

	SpillDir  string
	PageBytes int

	InitBufferSize int

	FastMergeEnabled  bool
	TransferTo        bool
	InputBufferBytes  int
	OutputBufferBytes int

	// OutputDir backs the default MapOutputWriterFactory
	// (output.NewLocalMapOutputWriter); ignored if NewMapOutputWriter is set.
	OutputDir          string
	NewMapOutputWriter MapOutputWriterFactory
}

// Writer is the Writer Facade (spec.md §4.3). One instance serves exactly
// one map task: constructed at open, driven by one Write call, finalized
// by one Stop call.
type Writer struct {
	mu sync.Mutex

	shuffleID     uint64
	mapID         uint64
	numPartitions uint32

	partitioner serialize.Partitioner
	serializer  serialize.Instance

	mem     *memory.Manager
	sorter  *sorter.Sorter
	metrics *metrics.WriteMetrics
	log     *zap.SugaredLogger
	buf     *buffer.Buffer

	mergeCfg    merge.Config
	newMapWriter MapOutputWriterFactory

	wrote    bool
	stopped  bool
	mapStatus []int64
	closeErr  error
	stopErr   error
}

// New validates cfg and constructs a Writer; fails with Configuration when
// NumPartitions exceeds the serialized-mode partition ceiling (spec.md §6).
func New(cfg Config) (*Writer, error) {
	if cfg.NumPartitions == 0 || cfg.NumPartitions > config.MaxShuffleOutputPartitions {
		return nil, shuffleerr.New(shuffleerr.Configuration, "shuffle.New",
			fmt.Sprintf("numPartitions must be in [1, %d], got %d", config.MaxShuffleOutputPartitions, cfg.NumPartitions))
	}
	if cfg.Partitioner == nil || cfg.Serializer == nil {
		return nil, shuffleerr.New(shuffleerr.Configuration, "shuffle.New", "Partitioner and Serializer are required")
	}

	encManager := cfg.EncManager
	if encManager == nil {
		encManager = serialize.NoEncryption{}
	}
	log := cfg.Log
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	taskKey := fmt.Sprintf("%d-%d", cfg.ShuffleID, cfg.MapID)
	m := cfg.Metrics
	if m == nil {
		m = metrics.NewWriteMetrics(taskKey)
	}

	wrap := buildSpillWrapper(cfg.Compress, cfg.Codec, encManager)
	srt, err := sorter.New(sorter.Config{
		NumPartitions: cfg.NumPartitions,
		PageBytes:     cfg.PageBytes,
		Dir:           cfg.SpillDir,
		ShuffleID:     cfg.ShuffleID,
		MapID:         cfg.MapID,
		Wrap:          wrap,
	}, cfg.Mem)
	if err != nil {
		return nil, err
	}

	mowFactory := cfg.NewMapOutputWriter
	if mowFactory == nil {
		outDir := cfg.OutputDir
		mowFactory = func(shuffleID, mapID uint64, numPartitions uint32) (output.MapOutputWriter, error) {
			return output.NewLocalMapOutputWriter(outDir, shuffleID, mapID, numPartitions)
		}
	}

	var codec serialize.CompressionCodec
	if cfg.Compress {
		codec = cfg.Codec
	}

	return &Writer{
		shuffleID:     cfg.ShuffleID,
		mapID:         cfg.MapID,
		numPartitions: cfg.NumPartitions,
		partitioner:   cfg.Partitioner,
		serializer:    cfg.Serializer,
		mem:           cfg.Mem,
		sorter:        srt,
		metrics:       m,
		log:           log,
		buf:           buffer.New(cfg.InitBufferSize),
		mergeCfg: merge.Config{
			FastMergeEnabled:  cfg.FastMergeEnabled,
			TransferToEnabled: cfg.TransferTo,
			Compress:          cfg.Compress,
			Codec:             codec,
			EncManager:        encManager,
			InputBufferBytes:  cfg.InputBufferBytes,
			OutputBufferBytes: cfg.OutputBufferBytes,
		},
		newMapWriter: mowFactory,
	}, nil
}

// buildSpillWrapper composes the same compress-then-encrypt chain the
// Merge Engine's slow path later decodes (internal/merge/stream.go's
// openOutputChain with useCodec=true), so a spill file's partition segment
// is always an independently decodable frame. Returns nil when neither
// transform is configured, so the sorter writes raw bytes.
func buildSpillWrapper(compress bool, codec serialize.CompressionCodec, encManager serialize.Manager) sorter.SpillWrapper {
	useCodec := compress && codec != nil
	useEnc := encManager != nil && encManager.EncryptionEnabled()
	if !useCodec && !useEnc {
		return nil
	}
	return func(blockID string, base io.Writer) (io.WriteCloser, error) {
		var cur io.Writer = base
		var closers []io.Closer
		if useCodec {
			cw, err := codec.CompressedOutputStream(cur)
			if err != nil {
				return nil, shuffleerr.Wrap(shuffleerr.IO, "buildSpillWrapper", err)
			}
			cur = cw
			closers = append(closers, cw)
		}
		if useEnc {
			ew, err := encManager.WrapOutputStream(blockID, cur)
			if err != nil {
				return nil, shuffleerr.Wrap(shuffleerr.IO, "buildSpillWrapper", err)
			}
			cur = ew
			closers = append(closers, ew)
		}
		return sorter.NewChainWriteCloser(cur, closers...), nil
	}
}

// Write consumes records, serializing and inserting each into the sorter,
// then runs close-and-write-output (spec.md §4.3). On any failure partway
// through, the sorter's resources are cleaned up and the primary error is
// returned; cleanup failures are logged, never surfacing over a primary
// error that already failed the operation.
func (w *Writer) Write(records []Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped {
		return shuffleerr.New(shuffleerr.IllegalState, "Writer.Write", "writer already stopped")
	}
	w.wrote = true

	for _, r := range records {
		partitionID := w.partitioner.GetPartition(r.Key)
		w.buf.Reset()
		stream := w.serializer.SerializeStream(w.buf)
		if err := stream.WriteKey(r.Key); err != nil {
			return w.failAndCleanup(shuffleerr.Wrap(shuffleerr.IO, "Writer.Write", err))
		}
		if err := stream.WriteValue(r.Value); err != nil {
			return w.failAndCleanup(shuffleerr.Wrap(shuffleerr.IO, "Writer.Write", err))
		}
		if err := stream.Flush(); err != nil {
			return w.failAndCleanup(shuffleerr.Wrap(shuffleerr.IO, "Writer.Write", err))
		}
		if err := stream.Close(); err != nil {
			return w.failAndCleanup(shuffleerr.Wrap(shuffleerr.IO, "Writer.Write", err))
		}
		if w.buf.Len() == 0 {
			return w.failAndCleanup(shuffleerr.New(shuffleerr.IllegalState, "Writer.Write", "serialized record has zero length"))
		}
		if err := w.sorter.Insert(w.buf.RawView(), partitionID); err != nil {
			return w.failAndCleanup(err)
		}
		w.metrics.IncRecordsWritten(1)
	}

	lengths, err := w.closeAndWriteOutput()
	w.mapStatus = lengths
	w.closeErr = err
	return err
}

func (w *Writer) failAndCleanup(primary error) error {
	if err := w.sorter.CleanupResources(); err != nil {
		w.log.Warnw("sorter cleanup after write failure", "error", err)
	}
	return primary
}

// closeAndWriteOutput implements spec.md §4.3's close_and_write_output:
// collect spills, drop the buffer, build a Map Output Writer, merge,
// delete spill files, commit. Peak memory is recorded by Stop, not here. Any failure before
// commit aborts the map output writer; abort failures are logged only.
func (w *Writer) closeAndWriteOutput() ([]int64, error) {
	spills, err := w.sorter.CloseAndGetSpills()
	if err != nil {
		return nil, err
	}
	w.buf = nil

	if len(spills) > 0 {
		w.metrics.IncBytesWritten(spills[len(spills)-1].TotalBytes())
	}

	mow, err := w.newMapWriter(w.shuffleID, w.mapID, w.numPartitions)
	if err != nil {
		w.deleteSpills(spills)
		return nil, err
	}

	engine := merge.New(w.mergeCfg, w.metrics, w.log)
	_, mergeErr := engine.Merge(spills, w.numPartitions, mow)
	w.deleteSpills(spills)
	if mergeErr != nil {
		if abortErr := mow.Abort(mergeErr); abortErr != nil {
			w.log.Warnw("abort failed after merge error", "error", abortErr)
		}
		return nil, mergeErr
	}

	final, err := mow.CommitAllPartitions()
	if err != nil {
		if abortErr := mow.Abort(err); abortErr != nil {
			w.log.Warnw("abort failed after commit error", "error", abortErr)
		}
		return nil, err
	}
	return final, nil
}

func (w *Writer) deleteSpills(spills []sorter.SpillDescriptor) {
	for _, s := range spills {
		if err := os.Remove(s.Path); err != nil && !os.IsNotExist(err) {
			w.log.Warnw("failed to delete spill file", "path", s.Path, "error", err)
		}
	}
}

// Stop implements spec.md §4.3/§5: idempotent, records peak memory into
// task metrics, returns the map status produced by Write when success is
// true (failing with IllegalState if Write was never called), or ensures
// sorter resources are released when success is false (the cancellation
// path).
func (w *Writer) Stop(success bool) ([]int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped {
		return w.mapStatus, w.stopErr
	}
	w.stopped = true

	if w.mem != nil {
		w.metrics.SetPeakMemory(w.mem.Peak())
	}

	if success {
		if !w.wrote {
			w.stopErr = shuffleerr.New(shuffleerr.IllegalState, "Writer.Stop", "stop(true) called without a prior Write")
			w.mapStatus = nil
			return nil, w.stopErr
		}
		w.stopErr = w.closeErr
		return w.mapStatus, w.stopErr
	}

	if err := w.sorter.CleanupResources(); err != nil {
		w.log.Warnw("sorter cleanup during stop(false)", "error", err)
	}
	w.mapStatus = nil
	w.stopErr = nil
	return nil, nil
}
