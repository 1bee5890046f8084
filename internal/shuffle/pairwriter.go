package shuffle

import (
	"io"
	"sync"

	"go.uber.org/zap"

	"shufflewriter/internal/metrics"
	"shufflewriter/internal/output"
	"shufflewriter/internal/serialize"
	"shufflewriter/internal/shuffleerr"
)

// pairWriterMetricsPollInterval is how often, in records, PairWriter
// refreshes the bytes-written metric from its partition writer while open
// (spec.md §4.5: "polled every 16384 records and on close").
const pairWriterMetricsPollInterval = 16384

// PairWriter is the Partition-Pair Writer (spec.md §4.5): the
// non-serialized sibling of the Writer Facade that encodes (key, value)
// pairs directly into a single partition's sink, without going through
// the External Partition Sorter.
type PairWriter struct {
	mu sync.Mutex

	pw         output.PartitionWriter
	blockID    string
	codec      serialize.CompressionCodec
	encManager serialize.Manager
	serializer serialize.Instance
	metrics    *metrics.WriteMetrics
	log        *zap.SugaredLogger

	opened      bool
	stream      serialize.SerializationStream
	closers     []io.Closer
	recordCount int
	lastBytes   int64
	closed      bool
}

// NewPairWriter constructs a PairWriter over pw, identified by blockID for
// per-partition encryption keystream scoping. codec may be nil
// (compression disabled); encManager nil is treated as
// serialize.NoEncryption{}.
func NewPairWriter(pw output.PartitionWriter, blockID string, codec serialize.CompressionCodec, encManager serialize.Manager, serializer serialize.Instance, m *metrics.WriteMetrics, log *zap.SugaredLogger) *PairWriter {
	if encManager == nil {
		encManager = serialize.NoEncryption{}
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &PairWriter{
		pw:         pw,
		blockID:    blockID,
		codec:      codec,
		encManager: encManager,
		serializer: serializer,
		metrics:    m,
		log:        log,
	}
}

// ensureOpen lazily builds the chain: partition writer's stream ->
// compression (if configured) -> encryption (if enabled) -> serialization
// stream, matching the wrap ordering internal/sorter and internal/merge
// use for spill segments.
func (p *PairWriter) ensureOpen() error {
	if p.opened {
		return nil
	}
	var cur io.Writer = p.pw.Stream()
	var closers []io.Closer

	if p.codec != nil {
		cw, err := p.codec.CompressedOutputStream(cur)
		if err != nil {
			return shuffleerr.Wrap(shuffleerr.IO, "PairWriter.ensureOpen", err)
		}
		cur = cw
		closers = append(closers, cw)
	}
	if p.encManager.EncryptionEnabled() {
		ew, err := p.encManager.WrapOutputStream(p.blockID, cur)
		if err != nil {
			return shuffleerr.Wrap(shuffleerr.IO, "PairWriter.ensureOpen", err)
		}
		cur = ew
		closers = append(closers, ew)
	}

	p.closers = closers
	p.stream = p.serializer.SerializeStream(cur)
	p.opened = true
	return nil
}

// Write encodes key then value through the open chain.
func (p *PairWriter) Write(key, value []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return shuffleerr.New(shuffleerr.IllegalState, "PairWriter.Write", "writer already closed")
	}
	if err := p.ensureOpen(); err != nil {
		return err
	}
	if err := p.stream.WriteKey(key); err != nil {
		return shuffleerr.Wrap(shuffleerr.IO, "PairWriter.Write", err)
	}
	if err := p.stream.WriteValue(value); err != nil {
		return shuffleerr.Wrap(shuffleerr.IO, "PairWriter.Write", err)
	}

	p.recordCount++
	if p.recordCount%pairWriterMetricsPollInterval == 0 {
		p.refreshMetrics()
	}
	return nil
}

// refreshMetrics adds the bytes written through the partition writer since
// the last poll to the task's bytes-written metric.
func (p *PairWriter) refreshMetrics() {
	if p.metrics == nil {
		return
	}
	cur := p.pw.BytesWritten()
	if delta := cur - p.lastBytes; delta != 0 {
		p.metrics.IncBytesWritten(delta)
		p.lastBytes = cur
	}
}

// Close closes the chain LIFO; each step runs independently of whether an
// earlier step failed, so later resources are never leaked by an early
// error. Refreshes the bytes-written metric from the partition writer
// before closing it.
func (p *PairWriter) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	var firstErr error
	if p.opened {
		if err := p.stream.Close(); err != nil {
			firstErr = err
		}
		for i := len(p.closers) - 1; i >= 0; i-- {
			if err := p.closers[i].Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}

	p.refreshMetrics()

	if err := p.pw.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if firstErr != nil {
		return shuffleerr.Wrap(shuffleerr.IO, "PairWriter.Close", firstErr)
	}
	return nil
}
