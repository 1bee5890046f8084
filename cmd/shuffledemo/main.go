// Command shuffledemo drives the Writer Facade end to end against a local
// directory, generating synthetic (key, value) records the way
// EngSteven-batchdag-mini-spark/cmd/datagen generates synthetic CSV
// datasets, parameterized via CLI flags instead of hardcoded record
// counts.
package main

import (
	cryptorand "crypto/rand"
	"flag"
	"fmt"
	"hash/fnv"
	"math/rand"
	"os"
	"path/filepath"

	"golang.org/x/crypto/chacha20"

	"shufflewriter/internal/logging"
	"shufflewriter/internal/memory"
	"shufflewriter/internal/metrics"
	"shufflewriter/internal/serialize"
	"shufflewriter/internal/shuffle"
)

var (
	numRecords  = flag.Int("records", 200000, "number of (key, value) records to generate")
	numPartitions = flag.Int("partitions", 8, "number of output partitions")
	pageBytes   = flag.Int("page-bytes", 0, "sorter page size in bytes (0 uses the sorter default)")
	memLimitMB  = flag.Int("memory-mb", 64, "memory budget granted to the sorter, in MiB")
	compress    = flag.Bool("compress", false, "compress partition segments with zstd")
	fastMerge   = flag.Bool("fast-merge", false, "enable fast-merge strategies when conditions allow")
	transferTo  = flag.Bool("transfer-to", false, "enable zero-copy merge where permitted")
	encrypt     = flag.Bool("encrypt", false, "encrypt partition segments with chacha20")
	outDir      = flag.String("out", "shuffledemo-out", "output directory for the map output artifact and spill files")
)

// fnvPartitioner routes a key to a partition by hashing it with FNV-1a,
// the reference Partitioner implementation this demo exercises the Writer
// Facade against (spec.md §6 treats the partitioner as an external
// collaborator).
type fnvPartitioner struct {
	numPartitions uint32
}

func (p fnvPartitioner) GetPartition(key []byte) uint32 {
	h := fnv.New32a()
	h.Write(key)
	return h.Sum32() % p.numPartitions
}

func (p fnvPartitioner) NumPartitions() uint32 { return p.numPartitions }

func main() {
	flag.Parse()
	log := logging.New(logging.DefaultConfig())
	defer func() { _ = log.Sync() }()

	if err := os.MkdirAll(*outDir, 0o755); err != nil {
		log.Fatalw("creating output directory", "error", err)
	}
	spillDir := filepath.Join(*outDir, "spills")
	if err := os.MkdirAll(spillDir, 0o755); err != nil {
		log.Fatalw("creating spill directory", "error", err)
	}

	var codec serialize.CompressionCodec
	if *compress {
		codec = serialize.ZstdCodec{}
	}
	var encManager serialize.Manager
	if *encrypt {
		var key [chacha20.KeySize]byte
		if _, err := cryptorand.Read(key[:]); err != nil {
			log.Fatalw("generating encryption key", "error", err)
		}
		encManager = serialize.ChaChaEncryption{Key: key}
	}

	taskMetrics := metrics.NewWriteMetrics("demo-1-1")

	w, err := shuffle.New(shuffle.Config{
		ShuffleID:         1,
		MapID:             1,
		NumPartitions:     uint32(*numPartitions),
		Partitioner:       fnvPartitioner{numPartitions: uint32(*numPartitions)},
		Serializer:        serialize.RawInstance{},
		Compress:          *compress,
		Codec:             codec,
		EncManager:        encManager,
		Mem:               memory.NewManager(int64(*memLimitMB) << 20),
		Metrics:           taskMetrics,
		Log:               log,
		SpillDir:          spillDir,
		PageBytes:         *pageBytes,
		InitBufferSize:    4096,
		FastMergeEnabled:  *fastMerge,
		TransferTo:        *transferTo,
		InputBufferBytes:  32 << 10,
		OutputBufferBytes: 32 << 10,
		OutputDir:         *outDir,
	})
	if err != nil {
		log.Fatalw("constructing writer", "error", err)
	}

	fmt.Printf("=== shuffledemo: %d records, %d partitions ===\n", *numRecords, *numPartitions)

	records := make([]shuffle.Record, *numRecords)
	value := make([]byte, 64)
	for i := range records {
		records[i] = shuffle.Record{
			Key:   []byte(fmt.Sprintf("key-%d", i)),
			Value: append([]byte(nil), randomValue(value)...),
		}
	}

	if err := w.Write(records); err != nil {
		if _, stopErr := w.Stop(false); stopErr != nil {
			log.Warnw("stop(false) after write failure", "error", stopErr)
		}
		log.Fatalw("write failed", "error", err)
	}

	lengths, err := w.Stop(true)
	if err != nil {
		log.Fatalw("stop(true) failed", "error", err)
	}

	fmt.Println("partition lengths:", lengths)
	fmt.Println("records written:", taskMetrics.RecordsWritten())
	fmt.Println("bytes written:", taskMetrics.BytesWritten())
	fmt.Println("peak memory bytes:", taskMetrics.PeakMemory())
	fmt.Println("output data file:", filepath.Join(*outDir, fmt.Sprintf("shuffle_%d_%d.data", 1, 1)))
}

func randomValue(buf []byte) []byte {
	rand.Read(buf)
	return buf
}
