package heap

import (
	"io"
	"sync"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/wristos/segheap/internal/utils"
	"github.com/wristos/segheap/memutils"
	"github.com/wristos/segheap/memutils/metadata"
	"golang.org/x/exp/slog"
)

// CreateOptions contains optional settings when creating a heap
type CreateOptions struct {
	// Flags indicates specific heap behaviors to activate or deactivate
	Flags CreateFlags
	// BaseAddress is the address that the first byte of the provided memory is reported at. Addresses
	// returned by the heap are BaseAddress plus an offset into the memory. When it is 0, the real
	// address of the memory is used.
	BaseAddress uintptr

	// Lock guards every operation that touches segment headers. When it is nil, the heap uses its own
	// mutex if CreateInternallySynchronized is set and no locking at all otherwise.
	Lock sync.Locker
	// DoubleFreeHandler is called when Free targets a payload that is already free. When it is nil, a
	// double free panics.
	DoubleFreeHandler DoubleFreeHandler
	// CorruptionHandler is called when a heap walk finds inconsistent headers. When it is nil,
	// corruption panics.
	CorruptionHandler CorruptionHandler
}

// New creates a heap that manages memory. The start of the range is rounded up and the end rounded
// down to the alignment unit, and a single free segment spanning the remainder is written. The heap
// never reallocates or grows memory, and memory must not be used by anything else for as long as
// the heap is in use.
func New(logger *slog.Logger, memory []byte, options CreateOptions) (*Heap, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard))
	}

	memutils.DebugCheckPow2(uint(metadata.AlignmentSize), "metadata.AlignmentSize")

	start := options.BaseAddress
	if start == 0 && len(memory) > 0 {
		start = uintptr(unsafe.Pointer(&memory[0]))
	}

	begin := memutils.AlignAddressUp(start, metadata.AlignmentSize)
	end := memutils.AlignAddressDown(start+uintptr(len(memory)), metadata.AlignmentSize)
	if len(memory) == 0 || end <= begin {
		return nil, errors.Wrapf(ErrArenaTooSmall, "%d bytes at 0x%08X", len(memory), start)
	}

	instrumented := options.Flags&CreateInstrumentation != 0
	arena := metadata.NewArena(instrumented)

	length := int(end - begin)
	if length/metadata.AlignmentSize <= arena.HeaderUnits() {
		return nil, errors.Wrapf(ErrArenaTooSmall, "%d aligned bytes at 0x%08X", length, begin)
	}
	if length/metadata.AlignmentSize > metadata.MaxSegmentUnits {
		return nil, errors.Wrapf(ErrArenaTooLarge, "%d aligned bytes exceeds the maximum of %d", length, metadata.MaxSegmentUnits*metadata.AlignmentSize)
	}

	trim := int(begin - start)
	data := memory[trim : trim+length]
	err := arena.Init(data)
	if err != nil {
		return nil, errors.Wrap(err, "failed to initialize arena")
	}

	lock := options.Lock
	if lock == nil {
		lock = &utils.OptionalMutex{UseMutex: options.Flags&CreateInternallySynchronized != 0}
	}

	h := &Heap{
		logger:            logger,
		lock:              lock,
		flags:             options.Flags,
		arena:             arena,
		memory:            data,
		begin:             Addr(begin),
		end:               Addr(end),
		doubleFreeHandler: options.DoubleFreeHandler,
		corruptionHandler: options.CorruptionHandler,
	}

	if h.fuzzOnFree() {
		h.fillFree(0)
	}

	logger.Debug("Heap::New",
		slog.String("Begin", h.begin.String()),
		slog.String("End", h.end.String()),
		slog.String("Flags", options.Flags.String()),
	)

	return h, nil
}
