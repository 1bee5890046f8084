// Package metrics implements the WriteMetricsReporter collaborator
// (spec.md §6, §7): bytes/records written and write-time counters, with
// expvar-backed publication the way grailbio-base/admit publishes its
// token counters via expvar.NewMap.
package metrics

import (
	"expvar"
	"sync/atomic"
)

var (
	publishedBytesWritten   = expvar.NewMap("shuffle.bytes_written")
	publishedRecordsWritten = expvar.NewMap("shuffle.records_written")
	publishedWriteTimeNanos = expvar.NewMap("shuffle.write_time_ns")
	publishedPeakMemoryBytes = expvar.NewMap("shuffle.peak_memory_bytes")
)

// WriteMetrics accumulates one map task's shuffle-write metrics and
// republishes them to expvar under a task-scoped key, so a process
// running many map tasks sequentially does not clobber prior tasks'
// counters.
type WriteMetrics struct {
	taskKey        string
	bytesWritten   int64
	recordsWritten int64
	writeTimeNanos int64
	peakMemoryBytes int64
}

// NewWriteMetrics returns a WriteMetrics scoped to taskKey (typically
// "<shuffleID>-<mapID>").
func NewWriteMetrics(taskKey string) *WriteMetrics {
	return &WriteMetrics{taskKey: taskKey}
}

// IncBytesWritten adds d bytes to the running total.
func (m *WriteMetrics) IncBytesWritten(d int64) {
	v := atomic.AddInt64(&m.bytesWritten, d)
	publishedBytesWritten.Add(m.taskKey, d)
	_ = v
}

// DecBytesWritten subtracts d bytes from the running total, used by the
// merge engine's N>=2 double-count correction (spec.md §7).
func (m *WriteMetrics) DecBytesWritten(d int64) {
	atomic.AddInt64(&m.bytesWritten, -d)
	publishedBytesWritten.Add(m.taskKey, -d)
}

// IncRecordsWritten adds d to the running record count.
func (m *WriteMetrics) IncRecordsWritten(d int64) {
	atomic.AddInt64(&m.recordsWritten, d)
	publishedRecordsWritten.Add(m.taskKey, d)
}

// IncWriteTime adds d nanoseconds to the cumulative write-time counter.
func (m *WriteMetrics) IncWriteTime(d int64) {
	atomic.AddInt64(&m.writeTimeNanos, d)
	publishedWriteTimeNanos.Add(m.taskKey, d)
}

// BytesWritten returns the current running total.
func (m *WriteMetrics) BytesWritten() int64 {
	return atomic.LoadInt64(&m.bytesWritten)
}

// RecordsWritten returns the current running total.
func (m *WriteMetrics) RecordsWritten() int64 {
	return atomic.LoadInt64(&m.recordsWritten)
}

// WriteTimeNanos returns the cumulative write time in nanoseconds.
func (m *WriteMetrics) WriteTimeNanos() int64 {
	return atomic.LoadInt64(&m.writeTimeNanos)
}

// SetPeakMemory records the high-water mark of memory granted to this
// task's sorter, republished under the task-scoped expvar key (spec.md
// §4.3's stop(success) "records peak memory into task metrics" step).
func (m *WriteMetrics) SetPeakMemory(v int64) {
	atomic.StoreInt64(&m.peakMemoryBytes, v)
	iv := new(expvar.Int)
	iv.Set(v)
	publishedPeakMemoryBytes.Set(m.taskKey, iv)
}

// PeakMemory returns the last recorded peak memory value.
func (m *WriteMetrics) PeakMemory() int64 {
	return atomic.LoadInt64(&m.peakMemoryBytes)
}
