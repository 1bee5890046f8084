package serialize

import (
	"bytes"
	"io"
	"testing"
)

func TestRawInstanceRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	stream := RawInstance{}.SerializeStream(&buf)
	if err := stream.WriteKey([]byte("k1")); err != nil {
		t.Fatalf("WriteKey: %v", err)
	}
	if err := stream.WriteValue([]byte("value-one")); err != nil {
		t.Fatalf("WriteValue: %v", err)
	}
	if err := stream.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if err := stream.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r := bytes.NewReader(buf.Bytes())
	key, err := ReadLengthPrefixed(r)
	if err != nil {
		t.Fatalf("ReadLengthPrefixed(key): %v", err)
	}
	value, err := ReadLengthPrefixed(r)
	if err != nil {
		t.Fatalf("ReadLengthPrefixed(value): %v", err)
	}
	if string(key) != "k1" || string(value) != "value-one" {
		t.Fatalf("round trip got key=%q value=%q", key, value)
	}
}

func TestZstdCodecRoundTrip(t *testing.T) {
	codec := ZstdCodec{}
	var buf bytes.Buffer
	w, err := codec.CompressedOutputStream(&buf)
	if err != nil {
		t.Fatalf("CompressedOutputStream: %v", err)
	}
	payload := bytes.Repeat([]byte("shuffle-payload "), 100)
	if _, err := w.Write(payload); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r, err := codec.CompressedInputStream(&buf)
	if err != nil {
		t.Fatalf("CompressedInputStream: %v", err)
	}
	defer r.Close()
	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("round trip mismatch: got %d bytes, want %d", len(got), len(payload))
	}
}

func TestZstdCodecDoesNotSupportConcatenation(t *testing.T) {
	if (ZstdCodec{}).SupportsConcatenationOfSerializedStreams() {
		t.Fatal("ZstdCodec must report false so N>=2 merges take the slow path")
	}
}

func TestChaChaEncryptionRoundTrip(t *testing.T) {
	var enc ChaChaEncryption
	copy(enc.Key[:], []byte("0123456789abcdef0123456789abcdef"))

	var buf bytes.Buffer
	w, err := enc.WrapOutputStream("block-1", &buf)
	if err != nil {
		t.Fatalf("WrapOutputStream: %v", err)
	}
	plaintext := []byte("a partition's worth of sorted bytes")
	if _, err := w.Write(plaintext); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if bytes.Equal(buf.Bytes(), plaintext) {
		t.Fatal("ciphertext must not equal plaintext")
	}

	r, err := enc.WrapInputStream("block-1", bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("WrapInputStream: %v", err)
	}
	defer r.Close()
	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("decrypted = %q, want %q", got, plaintext)
	}
}

func TestChaChaEncryptionDistinctBlockIDsDistinctKeystream(t *testing.T) {
	var enc ChaChaEncryption
	copy(enc.Key[:], []byte("0123456789abcdef0123456789abcdef"))
	plaintext := []byte("identical plaintext for both blocks")

	encryptWith := func(blockID string) []byte {
		var buf bytes.Buffer
		w, err := enc.WrapOutputStream(blockID, &buf)
		if err != nil {
			t.Fatalf("WrapOutputStream: %v", err)
		}
		w.Write(plaintext)
		w.Close()
		return buf.Bytes()
	}

	a := encryptWith("partition-0")
	b := encryptWith("partition-1")
	if bytes.Equal(a, b) {
		t.Fatal("distinct block ids must not produce identical ciphertext for identical plaintext")
	}
}

func TestNoEncryptionPassesThrough(t *testing.T) {
	var ne NoEncryption
	if ne.EncryptionEnabled() {
		t.Fatal("NoEncryption.EncryptionEnabled() = true, want false")
	}
	var buf bytes.Buffer
	w, err := ne.WrapOutputStream("block", &buf)
	if err != nil {
		t.Fatalf("WrapOutputStream: %v", err)
	}
	w.Write([]byte("plain"))
	w.Close()
	if buf.String() != "plain" {
		t.Fatalf("NoEncryption altered bytes: got %q", buf.String())
	}
}
