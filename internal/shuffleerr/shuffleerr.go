// Package shuffleerr defines the typed error taxonomy used across the
// shuffle writer: construction-time configuration errors, I/O failures,
// out-of-memory denials from the memory manager, illegal-state misuse of
// the writer, and secondary cleanup errors that must never mask a primary
// failure.
package shuffleerr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies an Error so callers can branch on failure category
// without string matching.
type Kind int

const (
	// Other is an unclassified error.
	Other Kind = iota
	// Configuration indicates a construction-time argument error, e.g.
	// too many output partitions.
	Configuration
	// IO indicates a failure opening, reading, writing, transferring, or
	// closing a stream, channel, or file.
	IO
	// OutOfMemory indicates the memory manager refused a page after a
	// spill attempt.
	OutOfMemory
	// IllegalState indicates the writer was used out of its lifecycle
	// contract (stop before write, re-entrant spill, use-after-stop).
	IllegalState
	// Cleanup indicates a secondary error raised while closing or
	// deleting resources during failure handling.
	Cleanup
)

func (k Kind) String() string {
	switch k {
	case Configuration:
		return "configuration error"
	case IO:
		return "io error"
	case OutOfMemory:
		return "out of memory"
	case IllegalState:
		return "illegal state"
	case Cleanup:
		return "cleanup error"
	default:
		return "error"
	}
}

// Error is the error type returned by every exported operation in this
// module. It carries a Kind plus an underlying chain built with
// github.com/pkg/errors so stack traces survive across wraps.
type Error struct {
	Kind Kind
	Op   string
	err  error
}

func (e *Error) Error() string {
	if e.err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.err)
}

func (e *Error) Unwrap() error { return e.err }

// New builds a new Error of the given kind, capturing a stack trace at
// the call site.
func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, err: errors.New(msg)}
}

// Wrap attaches kind/op context to an existing error. Returns a nil *Error
// if err is nil; that nil pointer, once stored in an error interface, does
// not compare equal to nil.
func Wrap(kind Kind, op string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, err: errors.WithStack(err)}
}

// Is reports whether err (or any error it wraps) is a *Error of the given
// Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
