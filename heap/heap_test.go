package heap_test

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/wristos/segheap/heap"
	"github.com/wristos/segheap/memutils"
	"github.com/wristos/segheap/memutils/metadata"
)

const testBase uintptr = 0x20000000

func newTestHeap(t *testing.T, size int, flags heap.CreateFlags) (*heap.Heap, []byte) {
	t.Helper()

	memory := make([]byte, size)
	h, err := heap.New(nil, memory, heap.CreateOptions{
		Flags:       flags,
		BaseAddress: testBase,
	})
	require.NoError(t, err)
	require.NoError(t, h.Validate())
	return h, memory
}

func recoverFault(t *testing.T, f func()) (fault *heap.Fault) {
	t.Helper()

	defer func() {
		r := recover()
		require.NotNil(t, r, "expected a panic")

		var ok bool
		fault, ok = r.(*heap.Fault)
		require.True(t, ok, "expected a *heap.Fault panic, got %v", r)
	}()

	f()
	return nil
}

func TestNew(t *testing.T) {
	h, _ := newTestHeap(t, 4096, 0)

	require.Equal(t, heap.Addr(testBase), h.Begin())
	require.Equal(t, heap.Addr(testBase+4096), h.End())
	require.Equal(t, 4096, h.Size())
	require.Equal(t, 0, h.CurrentSize())
	require.Equal(t, 4096, h.MinimumHeadroom())
	require.Equal(t, heap.Totals{Used: 0, Free: 4096, LargestFree: 4096}, h.CalcTotals())
}

func TestNewAlignsRange(t *testing.T) {
	h, err := heap.New(nil, make([]byte, 4096), heap.CreateOptions{BaseAddress: testBase + 1})
	require.NoError(t, err)

	require.Equal(t, heap.Addr(testBase+4), h.Begin())
	require.Equal(t, heap.Addr(testBase+4096), h.End())
	require.Equal(t, 4092, h.Size())
}

func TestNewRejectsBadRanges(t *testing.T) {
	_, err := heap.New(nil, nil, heap.CreateOptions{BaseAddress: testBase})
	require.ErrorIs(t, err, heap.ErrArenaTooSmall)

	_, err = heap.New(nil, make([]byte, 6), heap.CreateOptions{BaseAddress: testBase + 1})
	require.ErrorIs(t, err, heap.ErrArenaTooSmall)

	_, err = heap.New(nil, make([]byte, 8), heap.CreateOptions{BaseAddress: testBase, Flags: heap.CreateInstrumentation})
	require.ErrorIs(t, err, heap.ErrArenaTooSmall)

	_, err = heap.New(nil, make([]byte, 0x20000), heap.CreateOptions{BaseAddress: testBase})
	require.ErrorIs(t, err, heap.ErrArenaTooLarge)
}

func TestNewUsesRealAddressByDefault(t *testing.T) {
	h, err := heap.New(nil, make([]byte, 1024), heap.CreateOptions{})
	require.NoError(t, err)

	ptr := h.Malloc(8)
	require.NotEqual(t, heap.Nil, ptr)
	require.True(t, h.ContainsAddress(ptr))
	h.Free(ptr)
	require.NoError(t, h.Validate())
}

func TestMallocZero(t *testing.T) {
	h, _ := newTestHeap(t, 4096, 0)

	first := h.Malloc(0)
	second := h.Malloc(0)
	require.NotEqual(t, heap.Nil, first)
	require.NotEqual(t, heap.Nil, second)
	require.NotEqual(t, first, second)
	require.True(t, h.IsAllocated(first))
	require.Equal(t, metadata.AlignmentSize, h.UsableSize(first))

	h.Free(first)
	h.Free(second)
	require.NoError(t, h.Validate())
	require.Equal(t, 0, h.CurrentSize())
}

func TestMallocInvalidSize(t *testing.T) {
	h, _ := newTestHeap(t, 4096, 0)

	require.Equal(t, heap.Nil, h.Malloc(-1))
	require.Equal(t, heap.Nil, h.Malloc(metadata.MaxSegmentUnits*metadata.AlignmentSize))
	require.Equal(t, heap.Nil, h.Malloc(4096))
	require.Equal(t, heap.Totals{Used: 0, Free: 4096, LargestFree: 4096}, h.CalcTotals())
}

func TestMallocExhaustion(t *testing.T) {
	h, _ := newTestHeap(t, 1024, 0)

	var ptrs []heap.Addr
	for {
		ptr := h.Malloc(60)
		if ptr == heap.Nil {
			break
		}
		ptrs = append(ptrs, ptr)
		require.NoError(t, h.Validate())
	}

	// 1024 bytes hold 16 segments of 64 bytes
	require.Len(t, ptrs, 16)
	require.Equal(t, 1024, h.CurrentSize())
	require.Equal(t, 0, h.MinimumHeadroom())

	for _, ptr := range ptrs {
		h.Free(ptr)
	}
	require.NoError(t, h.Validate())
	require.Equal(t, heap.Totals{Used: 0, Free: 1024, LargestFree: 1024}, h.CalcTotals())
}

func TestSplitCorrectness(t *testing.T) {
	h, _ := newTestHeap(t, 4096, 0)

	ptr := h.Malloc(16)
	require.Equal(t, heap.Addr(testBase+4), ptr)
	require.Equal(t, 16, h.UsableSize(ptr))
	require.Equal(t, 20, h.CurrentSize())
	require.Equal(t, heap.Totals{Used: 20, Free: 4096 - 20, LargestFree: 4096 - 20}, h.CalcTotals())
}

func TestLargeAndSmallPlacement(t *testing.T) {
	h, _ := newTestHeap(t, 4096, 0)

	large := h.Malloc(300)
	small := h.Malloc(16)
	require.NotEqual(t, heap.Nil, large)
	require.NotEqual(t, heap.Nil, small)

	middle := h.Begin() + heap.Addr(h.Size()/2)
	require.Greater(t, large, middle)
	require.Less(t, small, middle)

	// 300 bytes is 76 units with its header, carved from the very end
	require.Equal(t, heap.Addr(testBase+4096-300), large)
	require.Equal(t, heap.Addr(testBase+4), small)
	require.NoError(t, h.Validate())
}

func TestCoalescing(t *testing.T) {
	h, _ := newTestHeap(t, 4096, 0)

	a := h.Malloc(16)
	b := h.Malloc(16)
	c := h.Malloc(16)
	guard := h.Malloc(16)
	require.Equal(t, a+20, b)
	require.Equal(t, b+20, c)
	require.Equal(t, c+20, guard)

	h.Free(a)
	h.Free(c)
	require.NoError(t, h.Validate())

	var stats memutils.DetailedStatistics
	stats.Clear()
	h.AddDetailedStatistics(&stats)
	require.Equal(t, 3, stats.FreeCount)
	require.Equal(t, 20, stats.FreeSizeMin)
	require.False(t, h.IsAllocated(a))
	require.True(t, h.IsAllocated(b))
	require.False(t, h.IsAllocated(c))

	h.Free(b)
	require.NoError(t, h.Validate())

	stats.Clear()
	h.AddDetailedStatistics(&stats)
	require.Equal(t, 2, stats.FreeCount)
	require.Equal(t, 60, stats.FreeSizeMin)

	// The merged segment is reused whole by a request for its full payload
	merged := h.Malloc(56)
	require.Equal(t, a, merged)
	require.Equal(t, 56, h.UsableSize(merged))
}

func TestFreeNil(t *testing.T) {
	h, _ := newTestHeap(t, 4096, 0)
	h.SetDoubleFreeHandler(func(_ *heap.Heap, _ heap.Addr) {
		t.Fatal("double free handler called for Nil")
	})
	h.SetCorruptionHandler(func(_ *heap.Heap, _ *heap.Fault) {
		t.Fatal("corruption handler called for Nil")
	})

	h.Free(heap.Nil)
	require.Equal(t, heap.Totals{Used: 0, Free: 4096, LargestFree: 4096}, h.CalcTotals())
}

func TestDoubleFreePanicsWithoutHandler(t *testing.T) {
	h, _ := newTestHeap(t, 4096, 0)

	ptr := h.Malloc(16)
	h.Malloc(16)
	h.Free(ptr)

	fault := recoverFault(t, func() { h.Free(ptr) })
	require.Equal(t, heap.FaultDoubleFree, fault.Kind)
	require.Equal(t, ptr, fault.Addr)
	require.ErrorIs(t, fault, metadata.ErrDoubleFree)
}

func TestDoubleFreeHandler(t *testing.T) {
	h, memory := newTestHeap(t, 4096, 0)

	var calls []heap.Addr
	h.SetDoubleFreeHandler(func(handlerHeap *heap.Heap, ptr heap.Addr) {
		require.Same(t, h, handlerHeap)
		calls = append(calls, ptr)
	})

	ptr := h.Malloc(16)
	h.Malloc(16)
	h.Free(ptr)

	before := append([]byte(nil), memory...)
	currentSize := h.CurrentSize()
	highWaterMark := h.HighWaterMark()

	h.Free(ptr)

	require.Equal(t, []heap.Addr{ptr}, calls)
	require.Equal(t, before, memory)
	require.Equal(t, currentSize, h.CurrentSize())
	require.Equal(t, highWaterMark, h.HighWaterMark())
	require.NoError(t, h.Validate())
}

func TestDoubleFreeAfterMergeWithFuzzOnFree(t *testing.T) {
	for _, flags := range []heap.CreateFlags{
		heap.CreateFuzzOnFree,
		heap.CreateFuzzOnFree | heap.CreateInstrumentation,
		0,
	} {
		t.Run(flags.String(), func(t *testing.T) {
			h, _ := newTestHeap(t, 4096, flags)

			var doubleFrees []heap.Addr
			h.SetDoubleFreeHandler(func(_ *heap.Heap, ptr heap.Addr) {
				doubleFrees = append(doubleFrees, ptr)
			})
			h.SetCorruptionHandler(func(_ *heap.Heap, fault *heap.Fault) {
				t.Fatalf("double free reported as corruption: %v", fault)
			})

			a := h.Malloc(16)
			b := h.Malloc(16)
			h.Malloc(16)

			h.Free(a)
			// b is merged into a and its header is left inside the free payload
			h.Free(b)
			currentSize := h.CurrentSize()

			h.Free(b)

			require.Equal(t, []heap.Addr{b}, doubleFrees)
			require.Equal(t, currentSize, h.CurrentSize())
			require.Nil(t, h.Bytes(b))
			require.False(t, h.IsAllocated(b))
			require.NoError(t, h.Validate())
			require.NoError(t, h.CheckCorruption())
		})
	}
}

func TestDoubleFreeAfterMergeWithFuzzOnFreePanics(t *testing.T) {
	h, _ := newTestHeap(t, 4096, heap.CreateFuzzOnFree)

	a := h.Malloc(16)
	b := h.Malloc(16)
	h.Malloc(16)
	h.Free(a)
	h.Free(b)

	fault := recoverFault(t, func() { h.Free(b) })
	require.Equal(t, heap.FaultDoubleFree, fault.Kind)
	require.Equal(t, b, fault.Addr)
	require.ErrorIs(t, fault, metadata.ErrDoubleFree)
}

func TestReallocOutOfBoundsPanicsBeforeAllocating(t *testing.T) {
	h, _ := newTestHeap(t, 4096, 0)

	defer func() {
		r := recover()
		err, ok := r.(error)
		require.True(t, ok, "expected an error panic, got %v", r)
		require.True(t, errors.Is(err, heap.ErrOutOfBounds))

		require.Zero(t, h.CurrentSize())
		require.Zero(t, h.HighWaterMark())
		require.Equal(t, heap.Totals{Used: 0, Free: 4096, LargestFree: 4096}, h.CalcTotals())
	}()

	h.Realloc(h.End()+16, 32)
}

func TestOutOfBoundsFreePanics(t *testing.T) {
	h, _ := newTestHeap(t, 4096, 0)
	h.SetCorruptionHandler(func(_ *heap.Heap, _ *heap.Fault) {
		t.Fatal("out of bounds free must not reach the corruption handler")
	})

	for _, ptr := range []heap.Addr{h.Begin() - 4, h.End(), h.End() + 64} {
		func() {
			defer func() {
				r := recover()
				require.NotNil(t, r)
				err, ok := r.(error)
				require.True(t, ok)
				require.True(t, errors.Is(err, heap.ErrOutOfBounds))
			}()
			h.Free(ptr)
		}()
	}
}

func TestFreeMisalignedIsCorruption(t *testing.T) {
	h, _ := newTestHeap(t, 4096, 0)

	ptr := h.Malloc(16)

	var faults []*heap.Fault
	h.SetCorruptionHandler(func(_ *heap.Heap, fault *heap.Fault) {
		faults = append(faults, fault)
	})

	h.Free(ptr + 2)
	require.Len(t, faults, 1)
	require.Equal(t, heap.FaultCorruption, faults[0].Kind)
	require.True(t, h.IsAllocated(ptr))
}

func TestCorruptionPanicsWithoutHandler(t *testing.T) {
	h, memory := newTestHeap(t, 4096, 0)

	h.Malloc(16)
	b := h.Malloc(16)
	h.Malloc(16)

	// Overrun the first allocation into the previous size of the second header
	memory[20] = 0x09

	fault := recoverFault(t, func() { h.Free(b) })
	require.Equal(t, heap.FaultCorruption, fault.Kind)
	require.Equal(t, heap.Addr(testBase+20), fault.Addr)
	require.ErrorIs(t, fault, metadata.ErrCorruption)
	require.ErrorIs(t, h.Validate(), metadata.ErrCorruption)
}

func TestCorruptionHandlerRunsOutsideLock(t *testing.T) {
	h, memory := newTestHeap(t, 4096, heap.CreateInternallySynchronized)

	h.Malloc(16)
	b := h.Malloc(16)
	h.Malloc(16)
	memory[20] = 0x09

	var faults []*heap.Fault
	var allocatedInHandler heap.Addr
	h.SetCorruptionHandler(func(handlerHeap *heap.Heap, fault *heap.Fault) {
		faults = append(faults, fault)

		// Both of these take the heap's mutex, which would deadlock if the fault were reported
		// while it was still held. The large allocation is placed from the end of the heap, away
		// from the damaged header.
		_ = handlerHeap.HighWaterMark()
		allocatedInHandler = handlerHeap.Malloc(300)
	})

	h.Free(b)

	require.Len(t, faults, 1)
	require.Equal(t, heap.FaultCorruption, faults[0].Kind)
	require.Equal(t, heap.Addr(testBase+4096-300), allocatedInHandler)
}

func TestReallocPreservesContents(t *testing.T) {
	h, _ := newTestHeap(t, 4096, 0)

	ptr := h.Malloc(10)
	copy(h.Bytes(ptr), "0123456789")

	grown := h.Realloc(ptr, 20)
	require.NotEqual(t, heap.Nil, grown)
	require.NotEqual(t, ptr, grown)
	require.False(t, h.IsAllocated(ptr))
	require.Equal(t, "0123456789", string(h.Bytes(grown)[:10]))
	require.Equal(t, 20, h.UsableSize(grown))

	shrunk := h.Realloc(grown, 4)
	require.NotEqual(t, heap.Nil, shrunk)
	require.Equal(t, "0123", string(h.Bytes(shrunk)))
	require.False(t, h.IsAllocated(grown))

	require.NoError(t, h.Validate())
	require.Equal(t, 8, h.CurrentSize())
}

func TestReallocNilAndFailure(t *testing.T) {
	h, _ := newTestHeap(t, 1024, 0)

	ptr := h.Realloc(heap.Nil, 16)
	require.NotEqual(t, heap.Nil, ptr)
	copy(h.Bytes(ptr), "abcd")

	require.Equal(t, heap.Nil, h.Realloc(ptr, 2048))
	require.True(t, h.IsAllocated(ptr))
	require.Equal(t, "abcd", string(h.Bytes(ptr)[:4]))
	require.NoError(t, h.Validate())
}

func TestZallocAndCalloc(t *testing.T) {
	h, _ := newTestHeap(t, 4096, heap.CreateFuzzOnFree)

	ptr := h.Zalloc(10)
	require.NotEqual(t, heap.Nil, ptr)

	data := h.Bytes(ptr)
	require.Len(t, data, 12)
	require.Equal(t, make([]byte, 10), data[:10])
	// Only the requested bytes are zeroed
	require.Equal(t, []byte{memutils.FreedFillPattern, memutils.FreedFillPattern}, data[10:])

	arr := h.Calloc(4, 3)
	require.NotEqual(t, heap.Nil, arr)
	require.Equal(t, make([]byte, 12), h.Bytes(arr))

	require.Equal(t, heap.Nil, h.Calloc(1<<40, 1<<40))
	require.Equal(t, heap.Nil, h.Calloc(-1, 4))
	require.NoError(t, h.Validate())
}

func TestCheckCorruptionFindsWriteAfterFree(t *testing.T) {
	h, memory := newTestHeap(t, 4096, heap.CreateFuzzOnFree)

	a := h.Malloc(16)
	h.Malloc(16)
	require.NoError(t, h.CheckCorruption())

	h.Free(a)
	require.NoError(t, h.CheckCorruption())

	memory[int(a-h.Begin())+3] = 0x42
	require.ErrorIs(t, h.CheckCorruption(), memutils.PatternMismatchError)
}

func TestContainsAddress(t *testing.T) {
	h, _ := newTestHeap(t, 4096, 0)

	require.True(t, h.ContainsAddress(h.Begin()))
	require.True(t, h.ContainsAddress(h.End()-1))
	require.False(t, h.ContainsAddress(h.End()))
	require.False(t, h.ContainsAddress(h.Begin()-1))
	require.False(t, h.IsAllocated(h.End()))
	require.False(t, h.IsAllocated(h.Begin()+2))
}

func TestHighWaterMark(t *testing.T) {
	h, _ := newTestHeap(t, 4096, 0)

	a := h.Malloc(100)
	b := h.Malloc(100)
	peak := h.CurrentSize()
	require.Equal(t, peak, h.HighWaterMark())

	h.Free(a)
	h.Free(b)
	require.Equal(t, 0, h.CurrentSize())
	require.Equal(t, peak, h.HighWaterMark())
	require.Equal(t, 4096-peak, h.MinimumHeadroom())
}

func TestFlagsString(t *testing.T) {
	require.Equal(t, "None", heap.CreateFlags(0).String())
	require.Equal(t, "CreateFuzzOnFree|CreateInstrumentation", (heap.CreateFuzzOnFree | heap.CreateInstrumentation).String())
	require.Equal(t, "CreateInternallySynchronized", heap.CreateInternallySynchronized.String())
}
