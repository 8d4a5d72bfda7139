// Package readcache provides a read-ahead cache that coalesces byte ranges
// before reading them from high-latency streams such as object storage.
//
// Callers register the ranges they expect to read with Cache. Nearby ranges
// are merged into fewer, larger physical reads which are issued concurrently
// in the background. WaitFor blocks until registered ranges are available and
// Read returns the exact bytes of a registered range.
//
// The cache never evicts, never persists, and never reads anything that was
// not registered.
package readcache

import (
	"context"
	"errors"
	"fmt"
)

// -----------------------------------------------------------------------------
// Core types
// -----------------------------------------------------------------------------

// ReadRange is the half-open byte interval [Offset, Offset+Length).
type ReadRange struct {
	Offset int64 `json:"offset"`
	Length int64 `json:"length"`
}

// End returns the first offset past the range.
func (r ReadRange) End() int64 {
	return r.Offset + r.Length
}

// IsEmpty reports whether the range covers no bytes.
func (r ReadRange) IsEmpty() bool {
	return r.Length == 0
}

// Contains reports whether other lies entirely within r.
func (r ReadRange) Contains(other ReadRange) bool {
	return r.Offset <= other.Offset && r.End() >= other.End()
}

func (r ReadRange) String() string {
	return fmt.Sprintf("[%d, %d)", r.Offset, r.End())
}

// -----------------------------------------------------------------------------
// Stream interface
// -----------------------------------------------------------------------------

// Stream is the positioned-read source behind a cache.
//
// ReadAt returns exactly length bytes starting at offset, or an error.
// Implementations must tolerate concurrent calls for distinct ranges.
//
// The cache borrows its stream: it never closes it, and the stream must
// outlive every cache built on it.
type Stream interface {
	ReadAt(ctx context.Context, offset, length int64) ([]byte, error)
}

// StreamFunc adapts a function to the Stream interface.
type StreamFunc func(ctx context.Context, offset, length int64) ([]byte, error)

// ReadAt calls f.
func (f StreamFunc) ReadAt(ctx context.Context, offset, length int64) ([]byte, error) {
	return f(ctx, offset, length)
}

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

// Error sentinels.
var (
	// ErrRangeNotCached indicates WaitFor or Read was called with a range that
	// no prior Cache call covers. This is a usage error, not an I/O failure.
	ErrRangeNotCached = errors.New("range not cached")

	// ErrInvalidRange indicates a negative offset or length, or an end that
	// overflows int64.
	ErrInvalidRange = errors.New("invalid range")

	// ErrOverlappingRanges indicates ranges passed to Cache overlap each other
	// or previously cached ranges. Only reported when overlap checking is on.
	ErrOverlappingRanges = errors.New("overlapping ranges")

	// ErrShortRead indicates a stream returned a different number of bytes
	// than requested.
	ErrShortRead = errors.New("short read")

	// ErrNotFound indicates a requested object does not exist in a store.
	ErrNotFound = errNotFound{}

	// ErrInvalidPath indicates an empty path or one that escapes a store root.
	ErrInvalidPath = errors.New("invalid path: escapes storage root")
)

type errNotFound struct{}

func (errNotFound) Error() string { return "not found" }
