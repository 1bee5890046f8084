package shuffleerr

import (
	"errors"
	"strings"
	"testing"
)

func TestNewAndIs(t *testing.T) {
	err := New(IO, "op", "boom")
	if !Is(err, IO) {
		t.Fatalf("Is(err, IO) = false, want true")
	}
	if Is(err, Configuration) {
		t.Fatalf("Is(err, Configuration) = true, want false")
	}
}

func TestWrapNilReturnsNil(t *testing.T) {
	if err := Wrap(IO, "op", nil); err != nil {
		t.Fatalf("Wrap(_, _, nil) = %v, want nil", err)
	}
}

func TestWrapPreservesKindAndUnwraps(t *testing.T) {
	root := errors.New("root cause")
	wrapped := Wrap(Cleanup, "op", root)
	if !Is(wrapped, Cleanup) {
		t.Fatalf("Is(wrapped, Cleanup) = false, want true")
	}
	if errors.Unwrap(wrapped) == nil {
		t.Fatalf("Unwrap(wrapped) = nil, want root cause chain")
	}
}

func TestIsFalseForPlainError(t *testing.T) {
	plain := errors.New("not a shuffleerr.Error")
	if Is(plain, IO) {
		t.Fatalf("Is(plain, IO) = true, want false")
	}
}

func TestErrorStringIncludesOpAndMessage(t *testing.T) {
	err := New(OutOfMemory, "Sorter.allocatePage", "denied after spill")
	msg := err.Error()
	if msg == "" {
		t.Fatal("Error() returned empty string")
	}
	if !strings.Contains(msg, "Sorter.allocatePage") || !strings.Contains(msg, "denied after spill") {
		t.Fatalf("Error() = %q, want it to contain the op and the message", msg)
	}
}
