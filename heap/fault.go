package heap

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/wristos/segheap/memutils/metadata"
	"golang.org/x/exp/slog"
)

// FaultKind distinguishes the misuse conditions a heap can detect
type FaultKind int

const (
	// FaultDoubleFree is raised when Free targets a segment that is already free
	FaultDoubleFree FaultKind = iota + 1
	// FaultCorruption is raised when a walk of the heap finds segment headers that disagree with
	// each other, which means something wrote past the end of an allocation
	FaultCorruption
)

var faultKindMapping = map[FaultKind]string{
	FaultDoubleFree: "DoubleFree",
	FaultCorruption: "Corruption",
}

func (k FaultKind) String() string {
	return faultKindMapping[k]
}

// Fault describes a double free or corruption detected while the heap lock was held. It is
// produced inside the locked section and dispatched only after the lock has been released. When
// no handler is registered for the fault, the heap panics with the *Fault.
type Fault struct {
	Kind FaultKind
	// Addr is the payload passed to Free for a double free, or the address of the first header found
	// to be inconsistent for corruption
	Addr Addr
	Err  error
}

func (f *Fault) Error() string {
	return fmt.Sprintf("heap %s at %s: %v", f.Kind, f.Addr, f.Err)
}

func (f *Fault) Unwrap() error {
	return f.Err
}

// DoubleFreeHandler is called after the lock is released when Free targets a payload that is already
// free. The Free call itself becomes a no-op.
type DoubleFreeHandler func(heap *Heap, ptr Addr)

// CorruptionHandler is called after the lock is released when a heap walk found inconsistent
// headers. The handler may log, allocate or re-enter the heap that raised the fault.
type CorruptionHandler func(heap *Heap, fault *Fault)

func (h *Heap) corruptionFault(ptr Addr, err error) *Fault {
	var corruption *metadata.CorruptionError
	if errors.As(err, &corruption) && corruption.Segment >= 0 {
		ptr = h.begin + Addr(int(corruption.Segment)*metadata.AlignmentSize)
	}

	return &Fault{Kind: FaultCorruption, Addr: ptr, Err: err}
}

func (h *Heap) dispatchFault(fault *Fault) {
	if fault == nil {
		return
	}

	switch fault.Kind {
	case FaultDoubleFree:
		h.logger.Warn("Heap double free", slog.String("Addr", fault.Addr.String()))
		if h.doubleFreeHandler == nil {
			panic(fault)
		}
		h.doubleFreeHandler(h, fault.Addr)
	case FaultCorruption:
		h.logger.Warn("Heap corruption", slog.String("Addr", fault.Addr.String()), slog.String("Error", fault.Err.Error()))
		if h.corruptionHandler == nil {
			panic(fault)
		}
		h.corruptionHandler(h, fault)
	default:
		panic(fault)
	}
}
