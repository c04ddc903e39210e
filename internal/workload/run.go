package workload

import (
	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/wristos/segheap/heap"
	"golang.org/x/exp/slices"
)

// ErrUnknownName is returned from Run when an operation refers to a name no earlier alloc created
var ErrUnknownName = errors.New("unknown allocation name")

// RunOptions control how Run executes a script
type RunOptions struct {
	// ValidateEachStep runs a full heap validation after every operation instead of only on check
	ValidateEachStep bool
}

// Step is the outcome of a single operation
type Step struct {
	Op   Op
	Addr heap.Addr
	// Failed is set when an allocating operation returned heap.Nil
	Failed bool
}

// Result is the outcome of a whole script
type Result struct {
	Steps []Step
	Live  map[string]heap.Addr
}

// LiveNames lists the names that still hold an allocation, in order
func (r Result) LiveNames() []string {
	names := make([]string, 0, len(r.Live))
	for name := range r.Live {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Failures counts allocating operations that returned heap.Nil
func (r Result) Failures() int {
	failures := 0
	for _, step := range r.Steps {
		if step.Failed {
			failures++
		}
	}
	return failures
}

type runner struct {
	heap    *heap.Heap
	options RunOptions
	names   *swiss.Map[string, heap.Addr]
}

// Run executes ops against h. It stops at the first operation that refers to an unknown name, writes
// past the end of an allocation, or leaves the heap inconsistent. Heap faults are raised by h as
// usual.
func Run(h *heap.Heap, ops []Op, options RunOptions) (Result, error) {
	r := runner{
		heap:    h,
		options: options,
		names:   swiss.NewMap[string, heap.Addr](uint32(len(ops))),
	}

	var result Result
	for _, op := range ops {
		step, err := r.step(op)
		result.Steps = append(result.Steps, step)
		if err != nil {
			return r.finish(result), errors.Wrapf(err, "line %d: %s", op.Line, op.Kind)
		}

		if options.ValidateEachStep && op.Kind != OpCheck {
			err = r.check()
			if err != nil {
				return r.finish(result), errors.Wrapf(err, "line %d: %s", op.Line, op.Kind)
			}
		}
	}

	return r.finish(result), nil
}

func (r *runner) finish(result Result) Result {
	result.Live = make(map[string]heap.Addr, r.names.Count())
	r.names.Iter(func(name string, addr heap.Addr) bool {
		if addr != heap.Nil {
			result.Live[name] = addr
		}
		return false
	})
	return result
}

func (r *runner) lookup(name string) (heap.Addr, error) {
	addr, ok := r.names.Get(name)
	if !ok {
		return heap.Nil, errors.Wrapf(ErrUnknownName, "%q", name)
	}
	return addr, nil
}

func (r *runner) allocated(op Op, addr heap.Addr) Step {
	r.names.Put(op.Name, addr)
	if addr == heap.Nil {
		return Step{Op: op, Failed: true}
	}
	return Step{Op: op, Addr: addr}
}

func (r *runner) step(op Op) (Step, error) {
	switch op.Kind {
	case OpAlloc:
		return r.allocated(op, r.heap.Malloc(op.Size)), nil
	case OpZalloc:
		return r.allocated(op, r.heap.Zalloc(op.Size)), nil
	case OpCalloc:
		return r.allocated(op, r.heap.Calloc(op.Count, op.Size)), nil
	case OpRealloc:
		old, _ := r.names.Get(op.Name)
		addr := r.heap.Realloc(old, op.Size)
		if addr == heap.Nil {
			// The old allocation is still valid
			return Step{Op: op, Addr: old, Failed: true}, nil
		}
		return r.allocated(op, addr), nil
	case OpFree:
		addr, err := r.lookup(op.Name)
		if err != nil {
			return Step{Op: op}, err
		}
		r.heap.Free(addr)
		r.names.Delete(op.Name)
		return Step{Op: op, Addr: addr}, nil
	case OpWrite:
		addr, err := r.lookup(op.Name)
		if err != nil {
			return Step{Op: op}, err
		}
		data := r.heap.Bytes(addr)
		if len(op.Text) > len(data) {
			return Step{Op: op, Addr: addr}, errors.Newf("%d bytes do not fit in the %d usable bytes of %q", len(op.Text), len(data), op.Name)
		}
		copy(data, op.Text)
		return Step{Op: op, Addr: addr}, nil
	case OpCheck:
		return Step{Op: op}, r.check()
	}

	return Step{Op: op}, errors.Newf("unknown operation %d", op.Kind)
}

func (r *runner) check() error {
	err := r.heap.Validate()
	if err != nil {
		return err
	}
	return r.heap.CheckCorruption()
}
