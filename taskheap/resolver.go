// Package taskheap resolves the heap a task allocates from. Kernel tasks, and any task that was never
// registered, share the kernel heap. Applications and workers may be registered with a heap of their
// own. A task only ever frees into its own heap: a pointer from any other heap panics with
// heap.ErrOutOfBounds and leaves every heap untouched.
package taskheap

import (
	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/wristos/segheap/heap"
	"github.com/wristos/segheap/internal/utils"
	"golang.org/x/exp/slices"
)

// TaskID identifies a task
type TaskID uint32

// TaskKind is the role a task plays, which determines where its heap comes from
type TaskKind int

const (
	// TaskKernel tasks always allocate from the kernel heap
	TaskKernel TaskKind = iota
	// TaskApp is an application task with its own heap
	TaskApp
	// TaskWorker is a background worker with its own heap
	TaskWorker
)

var taskKindMapping = map[TaskKind]string{
	TaskKernel: "Kernel",
	TaskApp:    "App",
	TaskWorker: "Worker",
}

func (k TaskKind) String() string {
	return taskKindMapping[k]
}

var (
	// ErrTaskRegistered is returned from Register when the task already has a heap
	ErrTaskRegistered = errors.New("task is already registered")
	// ErrKernelHeapRequired is returned from Register when a kernel task is given a heap other than
	// the kernel heap
	ErrKernelHeapRequired = errors.New("kernel tasks must use the kernel heap")
	// ErrNoHeap is returned from Register when no heap is provided
	ErrNoHeap = errors.New("no heap provided")
)

type registration struct {
	kind TaskKind
	heap *heap.Heap
}

// Resolver maps tasks to heaps. It is safe for concurrent use when the kernel heap was created with
// heap.CreateInternallySynchronized, and must otherwise be used from one goroutine at a time, the same
// as the kernel heap itself.
type Resolver struct {
	kernel *heap.Heap

	mutex utils.OptionalRWMutex
	tasks *swiss.Map[TaskID, registration]
}

func NewResolver(kernel *heap.Heap) *Resolver {
	return &Resolver{
		kernel: kernel,
		mutex:  utils.OptionalRWMutex{UseMutex: kernel != nil && kernel.Flags()&heap.CreateInternallySynchronized != 0},
		tasks:  swiss.NewMap[TaskID, registration](8),
	}
}

func (r *Resolver) Kernel() *heap.Heap { return r.kernel }

// Register assigns h to task
func (r *Resolver) Register(task TaskID, kind TaskKind, h *heap.Heap) error {
	if h == nil {
		return errors.Wrapf(ErrNoHeap, "task %d", task)
	}
	if kind == TaskKernel && h != r.kernel {
		return errors.Wrapf(ErrKernelHeapRequired, "task %d", task)
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.tasks.Has(task) {
		return errors.Wrapf(ErrTaskRegistered, "task %d", task)
	}

	r.tasks.Put(task, registration{kind: kind, heap: h})
	return nil
}

// Unregister removes task, which returns to the kernel heap. It reports whether the task was registered.
func (r *Resolver) Unregister(task TaskID) bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	return r.tasks.Delete(task)
}

// HeapFor returns the heap task allocates from
func (r *Resolver) HeapFor(task TaskID) *heap.Heap {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	reg, ok := r.tasks.Get(task)
	if !ok || reg.kind == TaskKernel {
		return r.kernel
	}
	return reg.heap
}

// HeapContaining returns the heap whose range holds ptr, or nil if no known heap does
func (r *Resolver) HeapContaining(ptr heap.Addr) *heap.Heap {
	if r.kernel != nil && r.kernel.ContainsAddress(ptr) {
		return r.kernel
	}

	r.mutex.RLock()
	defer r.mutex.RUnlock()

	var owner *heap.Heap
	r.tasks.Iter(func(task TaskID, reg registration) bool {
		if reg.heap.ContainsAddress(ptr) {
			owner = reg.heap
			return true
		}
		return false
	})
	return owner
}

// Tasks lists every registered task in ascending order
func (r *Resolver) Tasks() []TaskID {
	r.mutex.RLock()
	tasks := make([]TaskID, 0, r.tasks.Count())
	r.tasks.Iter(func(task TaskID, reg registration) bool {
		tasks = append(tasks, task)
		return false
	})
	r.mutex.RUnlock()

	slices.Sort(tasks)
	return tasks
}

// Malloc allocates size bytes from task's heap
func (r *Resolver) Malloc(task TaskID, size int) heap.Addr {
	return r.HeapFor(task).Malloc(size)
}

// Free releases ptr into task's heap. A pointer that lies outside that heap panics with
// heap.ErrOutOfBounds, even when another registered heap contains it.
func (r *Resolver) Free(task TaskID, ptr heap.Addr) {
	r.HeapFor(task).Free(ptr)
}
