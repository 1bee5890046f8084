// Package serialize defines the collaborator interfaces spec.md §6 lists
// as external (Partitioner, SerializerInstance, SerializerManager,
// CompressionCodec) plus reference implementations of the last three so
// the shuffle writer can be exercised end to end (no Partitioner
// implementation lives here; cmd/shuffledemo defines its own): a length-prefixed binary
// RawSerializer (generalized from the teacher's line-oriented I/O in
// operators.go), a zstd CompressionCodec (github.com/klauspost/compress),
// and a streaming chacha20 encryption wrapper
// (golang.org/x/crypto/chacha20), modeled on
// SnellerInc-sneller/elasticproxy/proxy_http/cryptbytes.go's key handling
// but switched to a streaming cipher since the merge path must decrypt
// and re-encrypt partition-sized slices rather than fixed payloads.
package serialize

import (
	"encoding/binary"
	"io"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/crypto/chacha20"
)

// Partitioner maps a key to a destination partition in [0, NumPartitions()).
type Partitioner interface {
	GetPartition(key []byte) uint32
	NumPartitions() uint32
}

// SerializationStream writes one key then one value per logical record
// into an underlying sink.
type SerializationStream interface {
	WriteKey(key []byte) error
	WriteValue(value []byte) error
	Flush() error
	Close() error
}

// Instance constructs a SerializationStream over a sink.
type Instance interface {
	SerializeStream(sink io.Writer) SerializationStream
}

// Manager wraps a per-partition stream with encryption and/or
// compression, and reports whether encryption is configured (spec.md §4.4
// uses this to decide fast vs. stream merge eligibility).
type Manager interface {
	WrapOutputStream(blockID string, s io.Writer) (io.WriteCloser, error)
	WrapInputStream(blockID string, s io.Reader) (io.ReadCloser, error)
	EncryptionEnabled() bool
}

// CompressionCodec is the external compression collaborator. Concatenation
// support is a property of the codec choice (some frame formats may be
// concatenated as opaque bytes, others — like zstd's default framing
// without explicit multi-frame support declared — may not).
type CompressionCodec interface {
	CompressedOutputStream(w io.Writer) (io.WriteCloser, error)
	CompressedInputStream(r io.Reader) (io.ReadCloser, error)
	SupportsConcatenationOfSerializedStreams() bool
}

// --- RawSerializer: length-prefixed binary records ---

// RawInstance is the reference Instance: each WriteKey/WriteValue call
// writes a uint32 length prefix followed by the raw bytes, generalizing
// the teacher's line-oriented CSV I/O (operators.go) to arbitrary binary
// payloads.
type RawInstance struct{}

func (RawInstance) SerializeStream(sink io.Writer) SerializationStream {
	return &rawStream{w: sink}
}

type rawStream struct {
	w io.Writer
}

func writeLengthPrefixed(w io.Writer, b []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func (s *rawStream) WriteKey(key []byte) error   { return writeLengthPrefixed(s.w, key) }
func (s *rawStream) WriteValue(value []byte) error { return writeLengthPrefixed(s.w, value) }
func (s *rawStream) Flush() error                { return nil }
func (s *rawStream) Close() error                { return nil }

// ReadLengthPrefixed reads back one record written by writeLengthPrefixed.
// Exported so tests and PartitionReader-style tools can round-trip
// records without depending on package-internal helpers.
func ReadLengthPrefixed(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// --- ZstdCodec ---

// ZstdCodec wraps github.com/klauspost/compress/zstd. It deliberately
// reports false from SupportsConcatenationOfSerializedStreams: unlike
// gzip (whose members may be concatenated byte-for-byte), naively
// concatenating independent zstd frames without a shared dictionary or
// frame-boundary-aware reader is not something this codec's
// decoder guarantees, so callers of this codec always take the slow
// merge path for N>=2 spills.
type ZstdCodec struct {
	EncoderOptions []zstd.EOption
	DecoderOptions []zstd.DOption
}

func (c ZstdCodec) CompressedOutputStream(w io.Writer) (io.WriteCloser, error) {
	return zstd.NewWriter(w, c.EncoderOptions...)
}

func (c ZstdCodec) CompressedInputStream(r io.Reader) (io.ReadCloser, error) {
	dec, err := zstd.NewReader(r, c.DecoderOptions...)
	if err != nil {
		return nil, err
	}
	return dec.IOReadCloser(), nil
}

func (ZstdCodec) SupportsConcatenationOfSerializedStreams() bool { return false }

// --- ChaCha20 streaming encryption ---

// ChaChaEncryption is a SerializerManager-compatible encryption wrapper
// built on golang.org/x/crypto/chacha20, a plain stream cipher (not an
// AEAD) chosen specifically because the merge path needs to decrypt and
// re-encrypt arbitrary partition-length slices as a stream, rather than
// seal/open fixed whole payloads the way
// SnellerInc-sneller/elasticproxy/proxy_http/cryptbytes.go does with
// chacha20poly1305.
type ChaChaEncryption struct {
	Key [chacha20.KeySize]byte
}

// newCipher returns a fresh keystream cipher for one block, with the
// nonce derived from blockID. Deriving the nonce from the block id this
// way (rather than randomly) is acceptable here because this cipher's
// key is task-scoped and never reused across processes in this reference
// implementation.
func (e ChaChaEncryption) newCipher(blockID string) (*chacha20.Cipher, error) {
	var nonce [chacha20.NonceSize]byte
	copy(nonce[:], blockID)
	return chacha20.NewUnauthenticatedCipher(e.Key[:], nonce[:])
}

type cipherWriteCloser struct {
	io.Writer
	inner io.Writer
}

func (c *cipherWriteCloser) Close() error {
	if wc, ok := c.inner.(io.Closer); ok {
		return wc.Close()
	}
	return nil
}

type cipherReadCloser struct {
	io.Reader
	inner io.Reader
}

func (c *cipherReadCloser) Close() error {
	if rc, ok := c.inner.(io.Closer); ok {
		return rc.Close()
	}
	return nil
}

// cipherStreamWriter applies a chacha20 keystream to everything written
// through it.
type cipherStreamWriter struct {
	cipher *chacha20.Cipher
	dst    io.Writer
}

func (w *cipherStreamWriter) Write(p []byte) (int, error) {
	out := make([]byte, len(p))
	w.cipher.XORKeyStream(out, p)
	return w.dst.Write(out)
}

type cipherStreamReader struct {
	cipher *chacha20.Cipher
	src    io.Reader
}

func (r *cipherStreamReader) Read(p []byte) (int, error) {
	n, err := r.src.Read(p)
	if n > 0 {
		r.cipher.XORKeyStream(p[:n], p[:n])
	}
	return n, err
}

func (e ChaChaEncryption) WrapOutputStream(blockID string, w io.Writer) (io.WriteCloser, error) {
	c, err := e.newCipher(blockID)
	if err != nil {
		return nil, err
	}
	sw := &cipherStreamWriter{cipher: c, dst: w}
	return &cipherWriteCloser{Writer: sw, inner: w}, nil
}

func (e ChaChaEncryption) WrapInputStream(blockID string, r io.Reader) (io.ReadCloser, error) {
	c, err := e.newCipher(blockID)
	if err != nil {
		return nil, err
	}
	sr := &cipherStreamReader{cipher: c, src: r}
	return &cipherReadCloser{Reader: sr, inner: r}, nil
}

func (ChaChaEncryption) EncryptionEnabled() bool { return true }

// NoEncryption is the SerializerManager.Manager used when
// shuffle encryption is disabled: it passes streams through unchanged.
type NoEncryption struct{}

func (NoEncryption) WrapOutputStream(_ string, w io.Writer) (io.WriteCloser, error) {
	if wc, ok := w.(io.WriteCloser); ok {
		return wc, nil
	}
	return nopWriteCloser{w}, nil
}

func (NoEncryption) WrapInputStream(_ string, r io.Reader) (io.ReadCloser, error) {
	if rc, ok := r.(io.ReadCloser); ok {
		return rc, nil
	}
	return io.NopCloser(r), nil
}

func (NoEncryption) EncryptionEnabled() bool { return false }

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }
