package metadata

import (
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
	"github.com/wristos/segheap/memutils"
	"golang.org/x/exp/slog"
)

// Arena manages a single contiguous byte range as a chain of segments. Every segment begins with a
// Header stored inside the range itself, and the headers are the only bookkeeping: there is no free
// list. The chain can be walked forward through each header's size and backward through each header's
// previous size. The first header's previous size holds the size of the last segment, so the
// chain can also be entered from the end.
//
// Arena performs no locking. Every walk step verifies that the forward and backward links between two
// neighbors agree, and reports a *CorruptionError instead of following a link that does not.
type Arena struct {
	BlockMetadataBase

	data         []byte
	units        int
	headerUnits  int
	instrumented bool

	allocCount   int
	freeCount    int
	sumFreeUnits int
}

var _ BlockMetadata = &Arena{}
var _ memutils.Validatable = &Arena{}

// NewArena creates an uninitialized arena. When instrumented is true, each header carries the
// caller address of the last allocation or free that touched the segment, which makes headers
// larger.
func NewArena(instrumented bool) *Arena {
	headerBytes := plainHeaderBytes
	if instrumented {
		headerBytes = instrumentedHeaderBytes
	}

	return &Arena{
		instrumented: instrumented,
		headerUnits:  headerBytes / AlignmentSize,
	}
}

// Init writes a single free segment spanning data. The length of data is rounded down to a whole
// number of units. The caller is responsible for data starting on an aligned address.
func (a *Arena) Init(data []byte) error {
	units := len(data) / AlignmentSize
	if units <= a.headerUnits {
		return errors.Wrapf(ErrInvalidSize, "an arena of %d bytes cannot hold a segment", len(data))
	}
	if units > MaxSegmentUnits {
		return errors.Wrapf(ErrInvalidSize, "an arena of %d units exceeds the maximum of %d", units, MaxSegmentUnits)
	}

	a.BlockMetadataBase.Init(units * AlignmentSize)
	a.data = data[:units*AlignmentSize]
	a.units = units

	first, err := NewHeader(units, units, false)
	if err != nil {
		return err
	}
	a.write(0, first)

	a.allocCount = 0
	a.freeCount = 1
	a.sumFreeUnits = units
	return nil
}

// HeaderUnits is the size of a segment header in units
func (a *Arena) HeaderUnits() int { return a.headerUnits }

func (a *Arena) Instrumented() bool { return a.instrumented }

// End is the sentinel handle one past the last segment. FindSegment returns it when no free
// segment is large enough.
func (a *Arena) End() SegmentHandle { return SegmentHandle(a.units) }

func (a *Arena) header(h SegmentHandle) (Header, error) {
	if h < 0 || int(h)+a.headerUnits > a.units {
		return Header{}, corruptionf(h, "handle lies outside an arena of %d units", a.units)
	}
	return readHeader(a.data, int(h)*AlignmentSize, a.instrumented), nil
}

func (a *Arena) write(h SegmentHandle, hdr Header) {
	writeHeader(a.data, int(h)*AlignmentSize, hdr, a.instrumented)
}

// setPrevSize updates the back-pointer that describes the segment ending just before target.
// A target of End updates the wraparound pointer in the first header.
func (a *Arena) setPrevSize(target SegmentHandle, units int) error {
	if target == a.End() {
		target = 0
	}

	hdr, err := a.header(target)
	if err != nil {
		return err
	}
	err = hdr.SetPrevSize(units)
	if err != nil {
		return err
	}
	a.write(target, hdr)
	return nil
}

// Next returns the segment immediately after h, or End if h is the last segment
func (a *Arena) Next(h SegmentHandle) (SegmentHandle, error) {
	hdr, err := a.header(h)
	if err != nil {
		return NoSegment, err
	}

	size := hdr.Size()
	if size <= a.headerUnits {
		return NoSegment, corruptionf(h, "segment size of %d units cannot hold a payload", size)
	}

	next := h + SegmentHandle(size)
	if next > a.End() {
		return NoSegment, corruptionf(h, "segment of %d units runs past the end of the arena", size)
	}

	backRef := next
	if next == a.End() {
		backRef = 0
	}
	nextHdr, err := a.header(backRef)
	if err != nil {
		return NoSegment, err
	}
	if nextHdr.PrevSize() != size {
		return NoSegment, corruptionf(backRef, "previous size is %d units, but the segment before it is %d units", nextHdr.PrevSize(), size)
	}

	return next, nil
}

// Prev returns the segment immediately before h, or NoSegment if h is the first segment
func (a *Arena) Prev(h SegmentHandle) (SegmentHandle, error) {
	if h == 0 {
		return NoSegment, nil
	}

	hdr, err := a.header(h)
	if err != nil {
		return NoSegment, err
	}

	prevSize := hdr.PrevSize()
	if prevSize <= a.headerUnits {
		return NoSegment, corruptionf(h, "previous size of %d units cannot hold a payload", prevSize)
	}

	prev := h - SegmentHandle(prevSize)
	if prev < 0 {
		return NoSegment, corruptionf(h, "previous size of %d units runs past the start of the arena", prevSize)
	}

	prevHdr, err := a.header(prev)
	if err != nil {
		return NoSegment, err
	}
	if prevHdr.Size() != prevSize {
		return NoSegment, corruptionf(prev, "size is %d units, but the segment after it records %d units", prevHdr.Size(), prevSize)
	}

	return prev, nil
}

// Last returns the final segment in the arena, found through the wraparound pointer in the first header
func (a *Arena) Last() (SegmentHandle, error) {
	first, err := a.header(0)
	if err != nil {
		return NoSegment, err
	}

	lastSize := first.PrevSize()
	if lastSize <= a.headerUnits || lastSize > a.units {
		return NoSegment, corruptionf(0, "wraparound size of %d units is not a valid segment size", lastSize)
	}

	last := a.End() - SegmentHandle(lastSize)
	lastHdr, err := a.header(last)
	if err != nil {
		return NoSegment, err
	}
	if lastHdr.Size() != lastSize {
		return NoSegment, corruptionf(last, "size is %d units, but the wraparound pointer records %d units", lastHdr.Size(), lastSize)
	}

	return last, nil
}

// UnitsForSize converts a request size in bytes into a segment size in units, header included.
// Every segment carries at least one payload unit, so a zero byte request still produces a
// distinct allocation.
func (a *Arena) UnitsForSize(size int) (int, error) {
	if size < 0 || size > MaxSegmentUnits*AlignmentSize {
		return 0, errors.Wrapf(ErrInvalidSize, "request of %d bytes", size)
	}

	payload := memutils.DivideRoundingUp(size, AlignmentSize)
	if payload == 0 {
		payload = 1
	}

	units := payload + a.headerUnits
	if units > MaxSegmentUnits {
		return 0, errors.Wrapf(ErrInvalidSize, "request of %d bytes needs %d units", size, units)
	}

	return units, nil
}

// FindSegment returns the first free segment of at least units in scan order, or End if there is none.
// Large requests are scanned from the end of the arena toward the start and small requests from the start
// toward the end, which keeps long-lived large allocations away from the churn of small ones.
func (a *Arena) FindSegment(units int) (SegmentHandle, error) {
	if RequestTypeForUnits(units) == AllocationRequestFromEnd {
		segment, err := a.Last()
		for err == nil && segment != NoSegment {
			var hdr Header
			hdr, err = a.header(segment)
			if err != nil {
				break
			}
			if !hdr.IsAllocated() && hdr.Size() >= units {
				return segment, nil
			}
			segment, err = a.Prev(segment)
		}
		if err != nil {
			return NoSegment, err
		}

		return a.End(), nil
	}

	for segment := SegmentHandle(0); segment != a.End(); {
		hdr, err := a.header(segment)
		if err != nil {
			return NoSegment, err
		}
		if !hdr.IsAllocated() && hdr.Size() >= units {
			return segment, nil
		}

		segment, err = a.Next(segment)
		if err != nil {
			return NoSegment, err
		}
	}

	return a.End(), nil
}

// CreateAllocationRequest finds a place for a segment of the provided size in units. It returns false
// without an error when the arena has no free segment large enough.
func (a *Arena) CreateAllocationRequest(units int) (bool, AllocationRequest, error) {
	var req AllocationRequest

	if units <= a.headerUnits || units > MaxSegmentUnits {
		return false, req, errors.Wrapf(ErrInvalidSize, "segment of %d units", units)
	}

	segment, err := a.FindSegment(units)
	if err != nil {
		return false, req, err
	}
	if segment == a.End() {
		return false, req, nil
	}

	hdr, err := a.header(segment)
	if err != nil {
		return false, req, err
	}

	req.Segment = segment
	req.SegmentUnits = hdr.Size()
	req.Units = units
	req.Type = RequestTypeForUnits(units)
	return true, req, nil
}

// Alloc commits an AllocationRequest and returns the handle of the new allocated segment. When the free
// segment is large enough to leave a remainder with a payload of its own, it is split, with the remainder
// placed before the allocation for AllocationRequestFromEnd and after it for AllocationRequestFromBegin.
// Otherwise the whole free segment is allocated.
func (a *Arena) Alloc(req AllocationRequest, pc uintptr) (SegmentHandle, error) {
	hdr, err := a.header(req.Segment)
	if err != nil {
		return NoSegment, err
	}

	if hdr.IsAllocated() || hdr.Size() != req.SegmentUnits || req.Units > hdr.Size() || req.Units <= a.headerUnits {
		return NoSegment, errors.Wrapf(ErrStaleRequest, "segment at offset %d", int(req.Segment)*AlignmentSize)
	}

	target := req.Segment
	surplus := hdr.Size() - req.Units
	if surplus > a.headerUnits {
		firstUnits := req.Units
		if req.Type == AllocationRequestFromEnd {
			firstUnits = surplus
			target = req.Segment + SegmentHandle(surplus)
		}

		err = a.Split(req.Segment, firstUnits)
		if err != nil {
			return NoSegment, err
		}
	} else {
		_, err = a.Next(req.Segment)
		if err != nil {
			return NoSegment, err
		}
	}

	targetHdr, err := a.header(target)
	if err != nil {
		return NoSegment, err
	}
	targetHdr.SetAllocated(true)
	targetHdr.PC = pc
	a.write(target, targetHdr)

	a.allocCount++
	a.freeCount--
	a.sumFreeUnits -= targetHdr.Size()

	memutils.DebugValidate(a)
	return target, nil
}

// Split divides the free segment h into two free segments, the first of which is firstUnits long.
// Both halves must be large enough to carry a payload.
func (a *Arena) Split(h SegmentHandle, firstUnits int) error {
	hdr, err := a.header(h)
	if err != nil {
		return err
	}
	if hdr.IsAllocated() {
		return errors.Errorf("cannot split the allocated segment at offset %d", int(h)*AlignmentSize)
	}

	secondUnits := hdr.Size() - firstUnits
	if firstUnits <= a.headerUnits || secondUnits <= a.headerUnits {
		return errors.Wrapf(ErrInvalidSize, "cannot split a segment of %d units at %d units", hdr.Size(), firstUnits)
	}

	follower, err := a.Next(h)
	if err != nil {
		return err
	}

	second, err := NewHeader(firstUnits, secondUnits, false)
	if err != nil {
		return err
	}
	second.PC = hdr.PC

	_ = hdr.SetSize(firstUnits)
	a.write(h, hdr)
	a.write(h+SegmentHandle(firstUnits), second)

	err = a.setPrevSize(follower, secondUnits)
	if err != nil {
		return err
	}

	a.freeCount++
	return nil
}

// Free releases the allocated segment h and merges it with a free predecessor and a free successor.
// It returns the handle of the surviving free segment and the number of bytes that were released. All
// neighbor linkage is checked before anything is written, so an error leaves the arena untouched.
func (a *Arena) Free(h SegmentHandle, pc uintptr) (SegmentHandle, int, error) {
	hdr, err := a.header(h)
	if err != nil {
		return NoSegment, 0, err
	}
	if !hdr.IsAllocated() {
		return NoSegment, 0, errors.Wrapf(ErrDoubleFree, "segment at offset %d", int(h)*AlignmentSize)
	}

	size := hdr.Size()
	next, err := a.Next(h)
	if err != nil {
		return NoSegment, 0, a.freeError(h, err)
	}
	prev, err := a.Prev(h)
	if err != nil {
		return NoSegment, 0, a.freeError(h, err)
	}

	var prevHdr Header
	mergePrev := false
	if prev != NoSegment {
		prevHdr, err = a.header(prev)
		if err != nil {
			return NoSegment, 0, err
		}
		mergePrev = !prevHdr.IsAllocated()
	}

	follower := next
	nextSize := 0
	if next != a.End() {
		nextHdr, err := a.header(next)
		if err != nil {
			return NoSegment, 0, err
		}
		if !nextHdr.IsAllocated() {
			nextSize = nextHdr.Size()
			follower, err = a.Next(next)
			if err != nil {
				return NoSegment, 0, err
			}
		}
	}

	hdr.SetAllocated(false)
	hdr.PC = pc
	a.write(h, hdr)

	a.allocCount--
	a.freeCount++
	a.sumFreeUnits += size

	survivor := h
	survivorHdr := hdr
	total := size
	if mergePrev {
		survivor = prev
		survivorHdr = prevHdr
		total += prevHdr.Size()
		a.freeCount--
	}
	if nextSize > 0 {
		total += nextSize
		a.freeCount--
	}

	if total != size {
		err = survivorHdr.SetSize(total)
		if err != nil {
			return NoSegment, 0, err
		}
		survivorHdr.PC = pc
		a.write(survivor, survivorHdr)

		err = a.setPrevSize(follower, total)
		if err != nil {
			return NoSegment, 0, err
		}
	}

	memutils.DebugValidate(a)
	return survivor, size * AlignmentSize, nil
}

// freeError classifies a walk error raised while freeing h. A handle that lies inside a free
// segment is the header of a segment that was already freed and merged into a neighbor, and its
// bytes may since have been overwritten by a fill pattern. That is a double free, not corruption.
func (a *Arena) freeError(h SegmentHandle, walkErr error) error {
	owner, err := a.FreeSegmentContaining(h)
	if err != nil || owner == NoSegment {
		return walkErr
	}
	return errors.Wrapf(ErrDoubleFree, "segment at offset %d was merged into the free segment at offset %d",
		int(h)*AlignmentSize, int(owner)*AlignmentSize)
}

// FreeSegmentContaining returns the free segment whose range holds h past its first unit, or
// NoSegment if h does not lie inside a free segment. Only real headers are followed, so bytes left
// behind at h are never read.
func (a *Arena) FreeSegmentContaining(h SegmentHandle) (SegmentHandle, error) {
	owner := NoSegment
	err := a.VisitAllSegments(func(segment Segment) error {
		if segment.Handle >= h {
			return errStopWalk
		}
		if !segment.Allocated && int(h)*AlignmentSize < segment.Offset+segment.Size {
			owner = segment.Handle
			return errStopWalk
		}
		return nil
	})
	if err != nil && err != errStopWalk {
		return NoSegment, err
	}
	return owner, nil
}

var errStopWalk = errors.New("stop walk")

// SegmentForPayload converts the byte offset of a payload into the handle of its segment
func (a *Arena) SegmentForPayload(payloadOffset int) (SegmentHandle, error) {
	h := SegmentHandle(payloadOffset/AlignmentSize - a.headerUnits)
	if payloadOffset%AlignmentSize != 0 || h < 0 || int(h) >= a.units {
		return NoSegment, corruptionf(SegmentHandle(payloadOffset/AlignmentSize), "offset %d is not the payload of any segment", payloadOffset)
	}
	return h, nil
}

// PayloadOffset is the byte offset of the payload of segment h
func (a *Arena) PayloadOffset(h SegmentHandle) int {
	return (int(h) + a.headerUnits) * AlignmentSize
}

// Segment decodes the header of h
func (a *Arena) Segment(h SegmentHandle) (Segment, error) {
	hdr, err := a.header(h)
	if err != nil {
		return Segment{}, err
	}
	return a.segment(h, hdr), nil
}

func (a *Arena) segment(h SegmentHandle, hdr Header) Segment {
	return Segment{
		Handle:        h,
		Offset:        int(h) * AlignmentSize,
		PayloadOffset: a.PayloadOffset(h),
		Size:          hdr.Size() * AlignmentSize,
		Allocated:     hdr.IsAllocated(),
		PC:            hdr.PC,
	}
}

func (a *Arena) VisitAllSegments(handleSegment func(segment Segment) error) error {
	for h := SegmentHandle(0); h != a.End(); {
		hdr, err := a.header(h)
		if err != nil {
			return err
		}

		next, err := a.Next(h)
		if err != nil {
			return err
		}

		err = handleSegment(a.segment(h, hdr))
		if err != nil {
			return err
		}

		h = next
	}

	return nil
}

// Validate walks the whole arena and verifies that the headers partition it exactly, that every pair of
// neighbors agrees on their shared boundary, that no two free segments are adjacent, and that the
// running counters match the segments.
func (a *Arena) Validate() error {
	if a.units == 0 {
		return errors.New("arena has not been initialized")
	}

	var allocCount, freeCount, freeUnits int
	prevFree := false
	prevSize := 0

	for h := SegmentHandle(0); h != a.End(); {
		hdr, err := a.header(h)
		if err != nil {
			return err
		}

		if h != 0 && hdr.PrevSize() != prevSize {
			return corruptionf(h, "previous size is %d units, but the segment before it is %d units", hdr.PrevSize(), prevSize)
		}

		if hdr.IsAllocated() {
			allocCount++
			prevFree = false
		} else {
			if prevFree {
				return errors.Errorf("free segment at offset %d follows another free segment", int(h)*AlignmentSize)
			}
			freeCount++
			freeUnits += hdr.Size()
			prevFree = true
		}

		prevSize = hdr.Size()
		h, err = a.Next(h)
		if err != nil {
			return err
		}
	}

	if allocCount != a.allocCount {
		return errors.Errorf("the allocation count of the arena is %d, but the allocated segments only added up to %d", a.allocCount, allocCount)
	}

	if freeCount != a.freeCount {
		return errors.Errorf("the free segment count of the arena is %d, but there were %d free segments", a.freeCount, freeCount)
	}

	if freeUnits != a.sumFreeUnits {
		return errors.Errorf("the free size of the arena is %d units, but the free segments added up to %d units", a.sumFreeUnits, freeUnits)
	}

	return nil
}

func (a *Arena) AllocationCount() int { return a.allocCount }

func (a *Arena) FreeRegionsCount() int { return a.freeCount }

func (a *Arena) SumFreeSize() int { return a.sumFreeUnits * AlignmentSize }

func (a *Arena) IsEmpty() bool { return a.allocCount == 0 }

func (a *Arena) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.ArenaCount++
	stats.ArenaBytes += a.Size()

	_ = a.VisitAllSegments(func(segment Segment) error {
		stats.AddSegment(segment.Size, segment.Allocated)
		return nil
	})
}

func (a *Arena) AddStatistics(stats *memutils.Statistics) {
	stats.ArenaCount++
	stats.AllocationCount += a.allocCount
	stats.ArenaBytes += a.Size()
	stats.AllocationBytes += a.Size() - a.SumFreeSize()
}

func (a *Arena) BlockJsonData(json jwriter.ObjectState) {
	a.BlockMetadataBase.BlockJsonData(json, a.SumFreeSize(), a.allocCount, a.freeCount)
}

func (a *Arena) DebugLogAllAllocations(logger *slog.Logger, logFunc func(log *slog.Logger, segment Segment)) {
	_ = a.VisitAllSegments(func(segment Segment) error {
		if segment.Allocated {
			logFunc(logger, segment)
		}
		return nil
	})
}
