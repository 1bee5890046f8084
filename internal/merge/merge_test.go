package merge

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"shufflewriter/internal/memory"
	"shufflewriter/internal/metrics"
	"shufflewriter/internal/output"
	"shufflewriter/internal/serialize"
	"shufflewriter/internal/sorter"
)

// kv is one test record.
type kv struct {
	key   []byte
	value []byte
}

// serializeKV encodes key then value the way Writer.Write does, via
// RawInstance over a plain byte slice (no need for internal/buffer here).
func serializeKV(k, v []byte) []byte {
	var buf bytes.Buffer
	stream := serialize.RawInstance{}.SerializeStream(&buf)
	_ = stream.WriteKey(k)
	_ = stream.WriteValue(v)
	return buf.Bytes()
}

// wrapperFor builds the same spill-time compress/encrypt chain
// internal/shuffle's buildSpillWrapper constructs, so a spill written with
// it can be decoded by the Merge Engine's stream/slow paths using a
// matching Config. Mirrors (rather than imports) internal/shuffle's
// buildSpillWrapper to avoid a merge<->shuffle test import cycle.
func wrapperFor(cfg Config) sorter.SpillWrapper {
	useCodec := cfg.Compress && cfg.Codec != nil
	enc := cfg.EncManager
	if enc == nil {
		enc = serialize.NoEncryption{}
	}
	useEnc := enc.EncryptionEnabled()
	if !useCodec && !useEnc {
		return nil
	}
	return func(blockID string, base io.Writer) (io.WriteCloser, error) {
		var cur io.Writer = base
		var closers []io.Closer
		if useCodec {
			cw, err := cfg.Codec.CompressedOutputStream(cur)
			if err != nil {
				return nil, err
			}
			cur = cw
			closers = append(closers, cw)
		}
		if useEnc {
			ew, err := enc.WrapOutputStream(blockID, cur)
			if err != nil {
				return nil, err
			}
			cur = ew
			closers = append(closers, ew)
		}
		return sorter.NewChainWriteCloser(cur, closers...), nil
	}
}

// buildSpills inserts records into a fresh sorter, forcing a spill after
// every insert when forceSpillEachInsert is true, and returns the
// resulting spill descriptors from CloseAndGetSpills. wrap, if non-nil,
// writes each spill partition segment through the same transform the
// Merge Engine will later need to decode (see wrapperFor).
func buildSpills(t *testing.T, dir string, numPartitions uint32, records []kv, partitionOf func([]byte) uint32, forceSpillEachInsert bool, wrap sorter.SpillWrapper) ([]sorter.SpillDescriptor, *sorter.Sorter) {
	t.Helper()
	mem := memory.NewManager(1 << 30)
	srt, err := sorter.New(sorter.Config{
		NumPartitions: numPartitions,
		Dir:           dir,
		ShuffleID:     1,
		MapID:         1,
		Wrap:          wrap,
	}, mem)
	if err != nil {
		t.Fatalf("sorter.New: %v", err)
	}
	for _, r := range records {
		payload := serializeKV(r.key, r.value)
		pid := partitionOf(r.key)
		if err := srt.Insert(payload, pid); err != nil {
			t.Fatalf("Insert: %v", err)
		}
		if forceSpillEachInsert {
			mem.Reclaim()
		}
	}
	spills, err := srt.CloseAndGetSpills()
	if err != nil {
		t.Fatalf("CloseAndGetSpills: %v", err)
	}
	return spills, srt
}

// readPartitionRecords decodes every length-prefixed (key,value) record in
// data using RawInstance's wire format.
func readPartitionRecords(t *testing.T, data []byte) []kv {
	t.Helper()
	r := bytes.NewReader(data)
	var out []kv
	for r.Len() > 0 {
		key, err := serialize.ReadLengthPrefixed(r)
		if err != nil {
			t.Fatalf("reading key: %v", err)
		}
		val, err := serialize.ReadLengthPrefixed(r)
		if err != nil {
			t.Fatalf("reading value: %v", err)
		}
		out = append(out, kv{key: key, value: val})
	}
	return out
}

// readCommitted reads back a LocalMapOutputWriter's committed data file,
// splits it by lengths, and returns, per partition, the decoded records.
func readCommitted(t *testing.T, mow *output.LocalMapOutputWriter, lengths []int64) [][]kv {
	t.Helper()
	data, err := os.ReadFile(mow.DataPath())
	if err != nil {
		t.Fatalf("reading data file: %v", err)
	}
	var out [][]kv
	var off int64
	for _, l := range lengths {
		out = append(out, readPartitionRecords(t, data[off:off+l]))
		off += l
	}
	return out
}

// readCommittedDecoded is readCommitted for the stream fast and slow
// merges, whose output chain re-encodes every partition: each partition's
// bytes are first passed through openInputChain (decompression when
// useCodec, then decryption keyed by mergeStream's "merged-p<p>" block id).
func readCommittedDecoded(t *testing.T, e *Engine, mow *output.LocalMapOutputWriter, lengths []int64, useCodec bool) [][]kv {
	t.Helper()
	data, err := os.ReadFile(mow.DataPath())
	if err != nil {
		t.Fatalf("reading data file: %v", err)
	}
	var out [][]kv
	var off int64
	for p, l := range lengths {
		var plain []byte
		if l > 0 {
			in, closeIn, err := e.openInputChain(bytes.NewReader(data[off:off+l]), l, fmt.Sprintf("merged-p%d", p), useCodec)
			if err != nil {
				t.Fatalf("opening decode chain for partition %d: %v", p, err)
			}
			plain, err = io.ReadAll(in)
			if err != nil {
				t.Fatalf("decoding partition %d: %v", p, err)
			}
			_ = closeIn()
		}
		out = append(out, readPartitionRecords(t, plain))
		off += l
	}
	return out
}

func partitioner2(key []byte) uint32 {
	if len(key) == 0 {
		return 0
	}
	if key[0] == 'b' {
		return 1
	}
	return 0
}

func TestSelectStrategy(t *testing.T) {
	zstd := serialize.ZstdCodec{}
	cases := []struct {
		name string
		n    int
		cfg  Config
		want Strategy
	}{
		{"zero spills", 0, Config{}, StrategyNone},
		{"one spill", 1, Config{}, StrategySingle},
		{"no fast merge falls to slow", 2, Config{FastMergeEnabled: false}, StrategySlow},
		{"fast merge no compression no encryption transferTo", 2, Config{FastMergeEnabled: true, TransferToEnabled: true}, StrategyZeroCopy},
		{"fast merge no transferTo", 2, Config{FastMergeEnabled: true, TransferToEnabled: false}, StrategyStreamFast},
		{"fast merge with encryption rejects zero-copy", 2, Config{FastMergeEnabled: true, TransferToEnabled: true, EncManager: serialize.ChaChaEncryption{}}, StrategyStreamFast},
		{"compression without concatenation support forces slow", 2, Config{FastMergeEnabled: true, TransferToEnabled: true, Compress: true, Codec: zstd}, StrategySlow},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			e := New(c.cfg, nil, nil)
			got := e.SelectStrategy(c.n)
			if got != c.want {
				t.Fatalf("SelectStrategy(%d) = %s, want %s", c.n, got, c.want)
			}
		})
	}
}

func TestMergeNoSpills(t *testing.T) {
	dir := t.TempDir()
	mow, err := output.NewLocalMapOutputWriter(dir, 1, 1, 3)
	if err != nil {
		t.Fatalf("NewLocalMapOutputWriter: %v", err)
	}
	e := New(Config{}, nil, nil)
	lengths, err := e.Merge(nil, 3, mow)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if len(lengths) != 3 {
		t.Fatalf("len(lengths) = %d, want 3", len(lengths))
	}
	for i, l := range lengths {
		if l != 0 {
			t.Fatalf("lengths[%d] = %d, want 0", i, l)
		}
	}
	// No partition writer should have been requested: commit must still
	// succeed with nothing written.
	final, err := mow.CommitAllPartitions()
	if err != nil {
		t.Fatalf("CommitAllPartitions: %v", err)
	}
	for i, l := range final {
		if l != 0 {
			t.Fatalf("final[%d] = %d, want 0", i, l)
		}
	}
}

func TestMergeSingleSpillDoesNotDoubleCountMetric(t *testing.T) {
	dir := t.TempDir()
	records := []kv{{[]byte("a"), []byte("1")}, {[]byte("b"), []byte("2")}, {[]byte("c"), []byte("3")}}
	spills, _ := buildSpills(t, dir, 2, records, partitioner2, false, nil)
	if len(spills) != 1 {
		t.Fatalf("len(spills) = %d, want 1", len(spills))
	}

	m := metrics.NewWriteMetrics("t")
	m.IncBytesWritten(spills[0].TotalBytes()) // Writer Facade's close-time credit

	outDir := t.TempDir()
	mow, err := output.NewLocalMapOutputWriter(outDir, 1, 1, 2)
	if err != nil {
		t.Fatalf("NewLocalMapOutputWriter: %v", err)
	}
	e := New(Config{}, m, nil)
	lengths, err := e.Merge(spills, 2, mow)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	final, err := mow.CommitAllPartitions()
	if err != nil {
		t.Fatalf("CommitAllPartitions: %v", err)
	}

	var sum int64
	for _, l := range lengths {
		sum += l
	}
	if m.BytesWritten() != sum {
		t.Fatalf("metric bytes written = %d, want %d (sum of partition lengths)", m.BytesWritten(), sum)
	}

	got := readCommitted(t, mow, final)
	assertScenario1(t, got)
}

// assertScenario1 checks spec.md §8 scenario 1: partition 0 holds ("a",1)
// then ("c",3) in insertion order; partition 1 holds ("b",2).
func assertScenario1(t *testing.T, got [][]kv) {
	t.Helper()
	if len(got) != 2 {
		t.Fatalf("len(got) = %d, want 2", len(got))
	}
	want0 := []kv{{[]byte("a"), []byte("1")}, {[]byte("c"), []byte("3")}}
	want1 := []kv{{[]byte("b"), []byte("2")}}
	assertRecordsEqual(t, "partition 0", got[0], want0)
	assertRecordsEqual(t, "partition 1", got[1], want1)
}

func assertRecordsEqual(t *testing.T, label string, got, want []kv) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("%s: got %d records, want %d", label, len(got), len(want))
	}
	for i := range got {
		if !bytes.Equal(got[i].key, want[i].key) || !bytes.Equal(got[i].value, want[i].value) {
			t.Fatalf("%s[%d] = (%q,%q), want (%q,%q)", label, i, got[i].key, got[i].value, want[i].key, want[i].value)
		}
	}
}

// runMerge builds spills per buildSpills, merges with the given Config,
// commits, and returns the decoded per-partition records plus the final
// lengths and observed bytes-written metric. partitioner2's ids are taken
// modulo numPartitions so they stay in [0, numPartitions).
func runMerge(t *testing.T, records []kv, numPartitions uint32, forceSpillEachInsert bool, cfg Config) ([][]kv, []int64, int64) {
	t.Helper()
	spillDir := t.TempDir()
	partitionOf := func(key []byte) uint32 { return partitioner2(key) % numPartitions }
	spills, _ := buildSpills(t, spillDir, numPartitions, records, partitionOf, forceSpillEachInsert, wrapperFor(cfg))

	m := metrics.NewWriteMetrics("t")
	if len(spills) > 0 {
		m.IncBytesWritten(spills[len(spills)-1].TotalBytes())
	}

	outDir := t.TempDir()
	mow, err := output.NewLocalMapOutputWriter(outDir, 1, 1, numPartitions)
	if err != nil {
		t.Fatalf("NewLocalMapOutputWriter: %v", err)
	}
	e := New(cfg, m, nil)
	strategy := e.SelectStrategy(len(spills))
	_, err = e.Merge(spills, numPartitions, mow)
	if err != nil {
		t.Fatalf("Merge (%d spills): %v", len(spills), err)
	}
	final, err := mow.CommitAllPartitions()
	if err != nil {
		t.Fatalf("CommitAllPartitions: %v", err)
	}
	if strategy == StrategyStreamFast || strategy == StrategySlow {
		return readCommittedDecoded(t, e, mow, final, strategy == StrategySlow), final, m.BytesWritten()
	}
	return readCommitted(t, mow, final), final, m.BytesWritten()
}

func TestZeroCopyMergeMatchesSingleSpillBaseline(t *testing.T) {
	records := []kv{{[]byte("a"), []byte("1")}, {[]byte("b"), []byte("2")}, {[]byte("c"), []byte("3")}}

	got, lengths, bytesWritten := runMerge(t, records, 2, true, Config{
		FastMergeEnabled:  true,
		TransferToEnabled: true,
	})
	assertScenario1(t, got)

	var sum int64
	for _, l := range lengths {
		sum += l
	}
	if bytesWritten != sum {
		t.Fatalf("bytes written metric = %d, want %d", bytesWritten, sum)
	}
}

func TestStreamFastMergeWithEncryptionMatchesBaseline(t *testing.T) {
	records := []kv{{[]byte("a"), []byte("1")}, {[]byte("b"), []byte("2")}, {[]byte("c"), []byte("3")}}
	enc := serialize.ChaChaEncryption{Key: [32]byte{1, 2, 3, 4}}

	got, lengths, bytesWritten := runMerge(t, records, 2, true, Config{
		FastMergeEnabled:  true,
		TransferToEnabled: true, // rejected anyway because encryption is enabled
		EncManager:        enc,
	})
	assertScenario1(t, got)

	var sum int64
	for _, l := range lengths {
		sum += l
	}
	if bytesWritten != sum {
		t.Fatalf("bytes written metric = %d, want %d", bytesWritten, sum)
	}
}

func TestSlowMergeWithCompressionMatchesBaseline(t *testing.T) {
	records := []kv{{[]byte("a"), []byte("1")}, {[]byte("b"), []byte("2")}, {[]byte("c"), []byte("3")}, {[]byte("alpha"), []byte("4")}, {[]byte("bravo"), []byte("5")}}
	codec := serialize.ZstdCodec{}

	got, lengths, bytesWritten := runMerge(t, records, 2, true, Config{
		FastMergeEnabled: true, // irrelevant: zstd never supports concatenation
		Compress:         true,
		Codec:            codec,
	})

	want0 := []kv{{[]byte("a"), []byte("1")}, {[]byte("c"), []byte("3")}, {[]byte("alpha"), []byte("4")}}
	want1 := []kv{{[]byte("b"), []byte("2")}, {[]byte("bravo"), []byte("5")}}
	assertRecordsEqual(t, "partition 0", got[0], want0)
	assertRecordsEqual(t, "partition 1", got[1], want1)

	var sum int64
	for _, l := range lengths {
		sum += l
	}
	if bytesWritten != sum {
		t.Fatalf("bytes written metric = %d, want %d", bytesWritten, sum)
	}
}

// TestSlowMergeWithCompressionAndEncryptionMatchesBaseline exercises the
// slow merge with both transforms configured at once, pinning down the
// decode order: on-disk bytes are Compress(Encrypt(data)), so
// openInputChain must decompress before decrypting.
func TestSlowMergeWithCompressionAndEncryptionMatchesBaseline(t *testing.T) {
	records := []kv{{[]byte("a"), []byte("1")}, {[]byte("b"), []byte("2")}, {[]byte("c"), []byte("3")}, {[]byte("alpha"), []byte("4")}, {[]byte("bravo"), []byte("5")}}
	codec := serialize.ZstdCodec{}
	enc := serialize.ChaChaEncryption{Key: [32]byte{1, 2, 3, 4}}

	got, lengths, bytesWritten := runMerge(t, records, 2, true, Config{
		FastMergeEnabled: true, // irrelevant: zstd never supports concatenation
		Compress:         true,
		Codec:            codec,
		EncManager:       enc,
	})

	want0 := []kv{{[]byte("a"), []byte("1")}, {[]byte("c"), []byte("3")}, {[]byte("alpha"), []byte("4")}}
	want1 := []kv{{[]byte("b"), []byte("2")}, {[]byte("bravo"), []byte("5")}}
	assertRecordsEqual(t, "partition 0", got[0], want0)
	assertRecordsEqual(t, "partition 1", got[1], want1)

	var sum int64
	for _, l := range lengths {
		sum += l
	}
	if bytesWritten != sum {
		t.Fatalf("bytes written metric = %d, want %d", bytesWritten, sum)
	}
}

func TestPOneRoutesEverythingToPartitionZero(t *testing.T) {
	records := []kv{{[]byte("a"), []byte("1")}, {[]byte("b"), []byte("2")}}
	got, _, _ := runMerge(t, records, 1, false, Config{})
	if len(got) != 1 {
		t.Fatalf("len(got) = %d, want 1", len(got))
	}
	assertRecordsEqual(t, "partition 0", got[0], records)
}

func TestSpillDescriptorPartitionLengthsSumToFileSize(t *testing.T) {
	dir := t.TempDir()
	records := []kv{{[]byte("a"), []byte("1")}, {[]byte("b"), []byte("2")}, {[]byte("c"), []byte("3")}}
	spills, _ := buildSpills(t, dir, 2, records, partitioner2, true, nil)
	for _, s := range spills {
		info, err := os.Stat(s.Path)
		if err != nil {
			t.Fatalf("stat spill: %v", err)
		}
		if s.TotalBytes() != info.Size() {
			t.Fatalf("spill %s: TotalBytes() = %d, file size = %d", filepath.Base(s.Path), s.TotalBytes(), info.Size())
		}
	}
}

// TestMultiSpillMetricCorrectionUsesLastSpillLength pins down the exact
// arithmetic spec.md §7 describes for N>=2: the engine adds the total
// merged bytes and subtracts the last spill's length, on top of whatever
// the caller already credited for the sorter's close-time drain.
func TestMultiSpillMetricCorrectionUsesLastSpillLength(t *testing.T) {
	dir := t.TempDir()
	records := []kv{{[]byte("a"), []byte("1")}, {[]byte("b"), []byte("2")}, {[]byte("c"), []byte("3")}}
	spills, _ := buildSpills(t, dir, 2, records, partitioner2, true, nil)
	if len(spills) < 2 {
		t.Fatalf("expected >= 2 spills, got %d", len(spills))
	}

	m := metrics.NewWriteMetrics("t")
	m.IncBytesWritten(spills[len(spills)-1].TotalBytes())
	before := m.BytesWritten()

	outDir := t.TempDir()
	mow, err := output.NewLocalMapOutputWriter(outDir, 1, 1, 2)
	if err != nil {
		t.Fatalf("NewLocalMapOutputWriter: %v", err)
	}
	e := New(Config{}, m, nil)
	lengths, err := e.Merge(spills, 2, mow)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	var total int64
	for _, l := range lengths {
		total += l
	}
	want := before + total - spills[len(spills)-1].TotalBytes()
	if m.BytesWritten() != want {
		t.Fatalf("bytes written = %d, want %d", m.BytesWritten(), want)
	}
	if m.BytesWritten() != total {
		t.Fatalf("bytes written = %d, want %d (== sum of partition lengths)", m.BytesWritten(), total)
	}
}

func TestZeroCopyRequiresFileBackedPartitionWriter(t *testing.T) {
	dir := t.TempDir()
	records := []kv{{[]byte("a"), []byte("1")}, {[]byte("b"), []byte("2")}}
	spills, _ := buildSpills(t, dir, 2, records, partitioner2, true, nil)

	mow := &fakeInMemoryMapOutputWriter{numPartitions: 2}
	e := New(Config{FastMergeEnabled: true, TransferToEnabled: true}, nil, nil)
	if _, err := e.Merge(spills, 2, mow); err == nil {
		t.Fatal("expected an error when the partition writer has no file backing")
	}
}

// fakeInMemoryMapOutputWriter is a minimal MapOutputWriter whose partition
// writers are not file-backed, used to exercise the zero-copy strategy's
// failure mode when File() is unavailable.
type fakeInMemoryMapOutputWriter struct {
	numPartitions uint32
	next          uint32
}

func (f *fakeInMemoryMapOutputWriter) NextPartitionWriter() (output.PartitionWriter, error) {
	f.next++
	return &fakeInMemoryPartitionWriter{}, nil
}

func (f *fakeInMemoryMapOutputWriter) CommitAllPartitions() ([]int64, error) { return nil, nil }
func (f *fakeInMemoryMapOutputWriter) Abort(error) error                    { return nil }

type fakeInMemoryPartitionWriter struct {
	buf bytes.Buffer
}

func (p *fakeInMemoryPartitionWriter) Stream() io.Writer      { return &p.buf }
func (p *fakeInMemoryPartitionWriter) File() (*os.File, bool) { return nil, false }
func (p *fakeInMemoryPartitionWriter) BytesWritten() int64    { return int64(p.buf.Len()) }
func (p *fakeInMemoryPartitionWriter) Close() error           { return nil }
