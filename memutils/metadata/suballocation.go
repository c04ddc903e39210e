package metadata

// SegmentHandle identifies a segment by the index, in units, of its header within the arena
type SegmentHandle int

const (
	// NoSegment is returned by walks that step past the first segment
	NoSegment SegmentHandle = -1
)

// Segment is a decoded view of one segment, handed to VisitAllSegments callbacks
type Segment struct {
	Handle SegmentHandle
	// Offset is the byte offset of the segment header from the start of the arena
	Offset int
	// PayloadOffset is the byte offset of the first payload byte from the start of the arena
	PayloadOffset int
	// Size is the size in bytes of the segment, including its header
	Size      int
	Allocated bool
	PC        uintptr
}

// PayloadSize is the number of usable bytes in the segment
func (s Segment) PayloadSize() int {
	return s.Size - (s.PayloadOffset - s.Offset)
}
