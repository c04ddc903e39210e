package metadata

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrCorruption is wrapped by every error produced when a walk of the arena finds header
	// linkage that does not agree with itself
	ErrCorruption = errors.New("arena header linkage is corrupt")
	// ErrDoubleFree is returned from Arena.Free when the segment is already free
	ErrDoubleFree = errors.New("segment is already free")
	// ErrInvalidSize is returned when a request or segment size cannot be represented in a header
	ErrInvalidSize = errors.New("size cannot be represented in a segment header")
	// ErrStaleRequest is returned from Arena.Alloc when the segment named by an AllocationRequest
	// has changed since the request was created
	ErrStaleRequest = errors.New("allocation request no longer matches the arena")
)

// CorruptionError describes the point in the arena where a walk found inconsistent headers
type CorruptionError struct {
	Segment SegmentHandle
	Reason  string
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("corrupt segment at offset %d: %s", int(e.Segment)*AlignmentSize, e.Reason)
}

func (e *CorruptionError) Unwrap() error {
	return ErrCorruption
}

func corruptionf(segment SegmentHandle, format string, args ...any) error {
	return &CorruptionError{Segment: segment, Reason: fmt.Sprintf(format, args...)}
}
