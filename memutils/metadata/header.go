package metadata

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

const (
	// AlignmentSize is the size in bytes of a single arena unit. Segment sizes, header sizes and
	// payload offsets are all measured in units of this size.
	AlignmentSize = 4
	// MaxSegmentUnits is the largest size, in units, that a segment header can describe. It is also
	// the largest size an arena can be, since a fresh arena is a single free segment.
	MaxSegmentUnits = 0x7FFF
	// LargeAllocationUnits is the request size, in units and including the header, at and above which
	// free segments are searched from the end of the arena instead of the beginning
	LargeAllocationUnits = 256 / AlignmentSize

	allocatedFlag uint16 = 0x8000
	sizeMask      uint16 = 0x7FFF

	plainHeaderBytes        = 4
	instrumentedHeaderBytes = 12
)

// Header is the bookkeeping record stored in-place at the start of every segment. The allocated
// flag is folded into the top bit of the size field, so both sizes are limited to 15 bits.
type Header struct {
	prevSize    uint16
	sizeAndFlag uint16

	// PC is the caller address of the most recent allocation or free that touched this segment. It
	// is only persisted when the arena was created with instrumentation.
	PC uintptr
}

// NewHeader builds a header, rejecting sizes that do not fit in the 15 bit fields
func NewHeader(prevSize, size int, allocated bool) (Header, error) {
	var h Header
	err := h.SetPrevSize(prevSize)
	if err != nil {
		return h, err
	}
	err = h.SetSize(size)
	if err != nil {
		return h, err
	}
	h.SetAllocated(allocated)
	return h, nil
}

// PrevSize is the size in units of the preceding segment, including its header
func (h Header) PrevSize() int { return int(h.prevSize) }

// Size is the size in units of this segment, including its header
func (h Header) Size() int { return int(h.sizeAndFlag & sizeMask) }

func (h Header) IsAllocated() bool { return h.sizeAndFlag&allocatedFlag != 0 }

func (h *Header) SetPrevSize(units int) error {
	if units < 0 || units > MaxSegmentUnits {
		return errors.Wrapf(ErrInvalidSize, "previous segment size %d units does not fit in a header", units)
	}
	h.prevSize = uint16(units)
	return nil
}

func (h *Header) SetSize(units int) error {
	if units < 0 || units > MaxSegmentUnits {
		return errors.Wrapf(ErrInvalidSize, "segment size %d units does not fit in a header", units)
	}
	h.sizeAndFlag = (h.sizeAndFlag & allocatedFlag) | uint16(units)
	return nil
}

func (h *Header) SetAllocated(allocated bool) {
	if allocated {
		h.sizeAndFlag |= allocatedFlag
	} else {
		h.sizeAndFlag &^= allocatedFlag
	}
}

func readHeader(data []byte, offset int, instrumented bool) Header {
	h := Header{
		prevSize:    binary.LittleEndian.Uint16(data[offset:]),
		sizeAndFlag: binary.LittleEndian.Uint16(data[offset+2:]),
	}
	if instrumented {
		h.PC = uintptr(binary.LittleEndian.Uint64(data[offset+4:]))
	}
	return h
}

func writeHeader(data []byte, offset int, h Header, instrumented bool) {
	binary.LittleEndian.PutUint16(data[offset:], h.prevSize)
	binary.LittleEndian.PutUint16(data[offset+2:], h.sizeAndFlag)
	if instrumented {
		binary.LittleEndian.PutUint64(data[offset+4:], uint64(h.PC))
	}
}
