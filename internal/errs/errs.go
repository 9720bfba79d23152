// Package errs defines the typed error kinds surfaced across the buffer
// manager. Every component wraps its causes with these kinds so callers can
// branch with errors.Is/errors.As instead of matching strings.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies a failure the way spec §7 enumerates them.
type Kind int

const (
	// KindIO is a storage error during read/write/compaction.
	KindIO Kind = iota
	// KindFormat is a deserialization failure: unexpected shape, truncated
	// or corrupt stream.
	KindFormat
	// KindNotFound is a physical-map lookup for a batch that was
	// concurrently removed. A caller observing this is holding a dangling
	// reference; it should not happen under correct use.
	KindNotFound
	// KindInterrupted is raised when a reserve_buffers(WAIT) waiter is
	// interrupted.
	KindInterrupted
	// KindClosed is an operation attempted on a removed tuple buffer.
	KindClosed
)

func (k Kind) String() string {
	switch k {
	case KindIO:
		return "io"
	case KindFormat:
		return "format"
	case KindNotFound:
		return "not_found"
	case KindInterrupted:
		return "interrupted"
	case KindClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Error is the component error type. Op names the failing operation
// ("BatchStore.append", "ManagedBatch.persist", ...) for diagnostics.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error with no wrapped cause.
func New(op string, kind Kind) *Error {
	return &Error{Op: op, Kind: kind}
}

// Wrap builds an *Error wrapping cause under op/kind.
func Wrap(op string, kind Kind, cause error) *Error {
	return &Error{Op: op, Kind: kind, Err: cause}
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
