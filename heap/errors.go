package heap

import "github.com/cockroachdb/errors"

var (
	// ErrArenaTooSmall is returned from New when the aligned memory range cannot hold a single segment
	ErrArenaTooSmall = errors.New("memory range is too small to hold a heap")
	// ErrArenaTooLarge is returned from New when the aligned memory range is larger than a segment
	// header can describe
	ErrArenaTooLarge = errors.New("memory range is too large for a heap")
	// ErrOutOfBounds is carried by the panic raised when Free receives an address outside the heap.
	// There is no header to inspect for such an address, so it is never routed to a handler.
	ErrOutOfBounds = errors.New("address is outside the heap")
	// ErrInstrumentationDisabled is returned from Dump when the heap was created without
	// CreateInstrumentation
	ErrInstrumentationDisabled = errors.New("heap was created without instrumentation")
)
