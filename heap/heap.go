package heap

import (
	"fmt"
	"math"
	"runtime"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/wristos/segheap/internal/utils"
	"github.com/wristos/segheap/memutils"
	"github.com/wristos/segheap/memutils/metadata"
	"golang.org/x/exp/slog"
)

// Addr is an address in the address space the heap was created for
type Addr uintptr

// Nil is the address returned when an allocation fails
const Nil Addr = 0

func (a Addr) String() string {
	return fmt.Sprintf("0x%08X", uintptr(a))
}

// Heap is a segment heap over a single fixed byte range. Every allocation is a segment with an
// in-place header, and free segments are found by walking the headers: small requests from the start
// of the range and large requests from the end. Adjacent free segments are merged when they are freed.
//
// Every operation that reads or writes headers runs under the heap's lock. Faults found while the lock
// is held are only reported after it has been released.
type Heap struct {
	logger *slog.Logger
	lock   sync.Locker
	flags  CreateFlags

	arena  *metadata.Arena
	memory []byte
	begin  Addr
	end    Addr

	currentSize   int
	highWaterMark int

	doubleFreeHandler DoubleFreeHandler
	corruptionHandler CorruptionHandler
}

// SetLock replaces the lock that guards the heap. It must be called before the heap is shared.
// A nil lock disables locking.
func (h *Heap) SetLock(lock sync.Locker) {
	if lock == nil {
		lock = &utils.OptionalMutex{}
	}
	h.lock = lock
}

// SetDoubleFreeHandler registers the handler for double frees. A nil handler restores the default,
// which is to panic.
func (h *Heap) SetDoubleFreeHandler(handler DoubleFreeHandler) {
	h.doubleFreeHandler = handler
}

// SetCorruptionHandler registers the handler for corruption. A nil handler restores the default,
// which is to panic.
func (h *Heap) SetCorruptionHandler(handler CorruptionHandler) {
	h.corruptionHandler = handler
}

func (h *Heap) Begin() Addr { return h.begin }

func (h *Heap) End() Addr { return h.end }

func (h *Heap) Flags() CreateFlags { return h.flags }

func (h *Heap) fuzzOnFree() bool {
	return h.flags&CreateFuzzOnFree != 0
}

func (h *Heap) callerPC() uintptr {
	if !h.arena.Instrumented() {
		return 0
	}

	var pcs [1]uintptr
	if runtime.Callers(3, pcs[:]) == 0 {
		return 0
	}
	return pcs[0]
}

func (h *Heap) payloadOffset(ptr Addr) (int, bool) {
	if ptr < h.begin || ptr >= h.end {
		return 0, false
	}
	return int(ptr - h.begin), true
}

// fillFree writes the freed pattern over the payload of the free segment
func (h *Heap) fillFree(segment metadata.SegmentHandle) {
	seg, err := h.arena.Segment(segment)
	if err != nil {
		return
	}
	memutils.FillPattern(h.memory[seg.PayloadOffset:seg.Offset+seg.Size], memutils.FreedFillPattern)
}

// Malloc allocates size bytes and returns the address of the payload, or Nil if no free segment is large
// enough or size cannot be represented. A size of 0 still returns a distinct address that must be freed.
func (h *Heap) Malloc(size int) Addr {
	return h.MallocPC(size, h.callerPC())
}

// MallocPC is Malloc with an explicit caller address to record in the segment header
func (h *Heap) MallocPC(size int, pc uintptr) Addr {
	units, err := h.arena.UnitsForSize(size)
	if err != nil {
		h.logger.Debug("  Heap::Malloc FAILED", slog.Int("Size", size))
		return Nil
	}

	h.lock.Lock()
	ptr, fault := h.mallocLocked(units, pc)
	h.lock.Unlock()

	if ptr == Nil {
		h.logger.Debug("  Heap::Malloc FAILED", slog.Int("Size", size))
	} else {
		h.logger.Debug("Heap::Malloc", slog.Int("Size", size), slog.String("Addr", ptr.String()))
	}

	h.dispatchFault(fault)
	return ptr
}

func (h *Heap) mallocLocked(units int, pc uintptr) (Addr, *Fault) {
	success, req, err := h.arena.CreateAllocationRequest(units)
	if err != nil {
		return Nil, h.corruptionFault(Nil, err)
	}
	if !success {
		return Nil, nil
	}

	segment, err := h.arena.Alloc(req, pc)
	if err != nil {
		return Nil, h.corruptionFault(Nil, err)
	}

	seg, err := h.arena.Segment(segment)
	if err != nil {
		return Nil, h.corruptionFault(Nil, err)
	}

	// The whole free segment is handed out when the remainder would be too small to split off
	h.currentSize += seg.Size
	if h.currentSize > h.highWaterMark {
		h.highWaterMark = h.currentSize
	}

	h.fillAllocation(h.memory[seg.PayloadOffset : seg.Offset+seg.Size])

	return h.begin + Addr(seg.PayloadOffset), nil
}

// Free releases the allocation at ptr and merges it with free neighbors. Freeing Nil does nothing.
// Freeing an address outside the heap always panics with ErrOutOfBounds. Freeing a payload that is
// already free is reported to the double free handler.
func (h *Heap) Free(ptr Addr) {
	h.FreePC(ptr, h.callerPC())
}

// FreePC is Free with an explicit caller address to record in the segment header
func (h *Heap) FreePC(ptr Addr, pc uintptr) {
	if ptr == Nil {
		return
	}

	offset, ok := h.payloadOffset(ptr)
	if !ok {
		panic(errors.Wrapf(ErrOutOfBounds, "free of %s, heap is [%s, %s)", ptr, h.begin, h.end))
	}

	h.lock.Lock()
	fault := h.freeLocked(ptr, offset, pc)
	h.lock.Unlock()

	h.logger.Debug("Heap::Free", slog.String("Addr", ptr.String()))
	h.dispatchFault(fault)
}

func (h *Heap) freeLocked(ptr Addr, offset int, pc uintptr) *Fault {
	segment, err := h.arena.SegmentForPayload(offset)
	if err != nil {
		return h.corruptionFault(ptr, err)
	}

	survivor, freed, err := h.arena.Free(segment, pc)
	if errors.Is(err, metadata.ErrDoubleFree) {
		return &Fault{Kind: FaultDoubleFree, Addr: ptr, Err: err}
	} else if err != nil {
		return h.corruptionFault(ptr, err)
	}

	h.currentSize -= freed

	if h.fuzzOnFree() {
		h.fillFree(survivor)
	}

	return nil
}

// Realloc moves the allocation at ptr into a new allocation of size bytes. The first
// min(old usable size, size) bytes are copied and the old allocation is freed. The allocation is
// never resized in place. A Nil ptr behaves like Malloc. If the new allocation fails, Nil is returned
// and ptr is left untouched. A ptr outside the heap panics with ErrOutOfBounds before anything is
// allocated.
func (h *Heap) Realloc(ptr Addr, size int) Addr {
	return h.ReallocPC(ptr, size, h.callerPC())
}

// ReallocPC is Realloc with an explicit caller address to record in the segment headers
func (h *Heap) ReallocPC(ptr Addr, size int, pc uintptr) Addr {
	if _, ok := h.payloadOffset(ptr); ptr != Nil && !ok {
		panic(errors.Wrapf(ErrOutOfBounds, "realloc of %s, heap is [%s, %s)", ptr, h.begin, h.end))
	}

	newPtr := h.MallocPC(size, pc)
	if newPtr == Nil || ptr == Nil {
		return newPtr
	}

	oldData := h.Bytes(ptr)
	newData := h.Bytes(newPtr)
	copySize := len(oldData)
	if size < copySize {
		copySize = size
	}
	copy(newData[:copySize], oldData[:copySize])

	h.FreePC(ptr, pc)
	return newPtr
}

// Zalloc is Malloc followed by zeroing exactly size bytes of the payload
func (h *Heap) Zalloc(size int) Addr {
	return h.zalloc(size, h.callerPC())
}

func (h *Heap) zalloc(size int, pc uintptr) Addr {
	ptr := h.MallocPC(size, pc)
	if ptr == Nil {
		return Nil
	}

	offset := int(ptr - h.begin)
	memutils.FillPattern(h.memory[offset:offset+size], 0)
	return ptr
}

// Calloc allocates and zeroes count elements of size bytes. It returns Nil if the total overflows.
func (h *Heap) Calloc(count, size int) Addr {
	if count < 0 || size < 0 || (size != 0 && count > math.MaxInt/size) {
		return Nil
	}
	return h.zalloc(count*size, h.callerPC())
}

// Bytes returns the usable payload of the allocation at ptr, which may be longer than the size that
// was requested. It returns nil when ptr is not a live allocation.
func (h *Heap) Bytes(ptr Addr) []byte {
	offset, ok := h.payloadOffset(ptr)
	if !ok {
		return nil
	}

	h.lock.Lock()
	data, fault := h.bytesLocked(ptr, offset)
	h.lock.Unlock()

	h.dispatchFault(fault)
	return data
}

func (h *Heap) bytesLocked(ptr Addr, offset int) ([]byte, *Fault) {
	segment, err := h.arena.SegmentForPayload(offset)
	if err != nil {
		return nil, nil
	}

	seg, err := h.arena.Segment(segment)
	if err != nil {
		return nil, nil
	}
	if !seg.Allocated {
		return nil, nil
	}

	_, err = h.arena.Next(segment)
	if err != nil {
		owner, ownerErr := h.arena.FreeSegmentContaining(segment)
		if ownerErr == nil && owner != metadata.NoSegment {
			// Freed and merged, the header bytes are stale
			return nil, nil
		}
		return nil, h.corruptionFault(ptr, err)
	}

	return h.memory[seg.PayloadOffset : seg.Offset+seg.Size], nil
}

// UsableSize is the number of payload bytes available at ptr, or 0 when ptr is not a live allocation
func (h *Heap) UsableSize(ptr Addr) int {
	return len(h.Bytes(ptr))
}

// ContainsAddress reports whether ptr lies within the heap's range
func (h *Heap) ContainsAddress(ptr Addr) bool {
	_, ok := h.payloadOffset(ptr)
	return ok
}

// IsAllocated reports whether ptr is the payload address of a live allocation
func (h *Heap) IsAllocated(ptr Addr) bool {
	offset, ok := h.payloadOffset(ptr)
	if !ok {
		return false
	}

	allocated := false
	h.lock.Lock()
	err := h.arena.VisitAllSegments(func(segment metadata.Segment) error {
		if segment.PayloadOffset == offset {
			allocated = segment.Allocated
			return errStopWalk
		}
		if segment.PayloadOffset > offset {
			return errStopWalk
		}
		return nil
	})
	h.lock.Unlock()

	if err != nil && err != errStopWalk {
		h.dispatchFault(h.corruptionFault(ptr, err))
		return false
	}

	return allocated
}

var errStopWalk = errors.New("stop walk")

// Size is the number of bytes the heap manages after alignment
func (h *Heap) Size() int { return h.arena.Size() }

// CurrentSize is the number of bytes currently allocated, headers included
func (h *Heap) CurrentSize() int {
	h.lock.Lock()
	defer h.lock.Unlock()

	return h.currentSize
}

// HighWaterMark is the largest CurrentSize has been since the heap was created
func (h *Heap) HighWaterMark() int {
	h.lock.Lock()
	defer h.lock.Unlock()

	return h.highWaterMark
}

// MinimumHeadroom is the smallest amount of free space the heap has ever had
func (h *Heap) MinimumHeadroom() int {
	return h.Size() - h.HighWaterMark()
}
