package heap_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/wristos/segheap/heap"
	"github.com/wristos/segheap/internal/mocks"
	"go.uber.org/mock/gomock"
)

func TestMallocAndFreeTakeLock(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	lock := mocks.NewMockLocker(ctrl)

	h, err := heap.New(nil, make([]byte, 4096), heap.CreateOptions{
		BaseAddress: testBase,
		Lock:        lock,
	})
	require.NoError(t, err)

	gomock.InOrder(
		lock.EXPECT().Lock(),
		lock.EXPECT().Unlock(),
		lock.EXPECT().Lock(),
		lock.EXPECT().Unlock(),
	)

	ptr := h.Malloc(16)
	require.NotEqual(t, heap.Nil, ptr)
	h.Free(ptr)
}

func TestMallocInvalidSizeSkipsLock(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	lock := mocks.NewMockLocker(ctrl)

	h, err := heap.New(nil, make([]byte, 4096), heap.CreateOptions{
		BaseAddress: testBase,
		Lock:        lock,
	})
	require.NoError(t, err)

	require.Equal(t, heap.Nil, h.Malloc(-1))
	h.Free(heap.Nil)
}

func TestDoubleFreeHandlerRunsAfterUnlock(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	locked := false
	lock := mocks.NewMockLocker(ctrl)
	lock.EXPECT().Lock().Do(func() {
		require.False(t, locked, "lock is not reentrant")
		locked = true
	}).AnyTimes()
	lock.EXPECT().Unlock().Do(func() {
		require.True(t, locked)
		locked = false
	}).AnyTimes()

	handlerCalls := 0
	h, err := heap.New(nil, make([]byte, 4096), heap.CreateOptions{
		BaseAddress: testBase,
		Lock:        lock,
		DoubleFreeHandler: func(_ *heap.Heap, ptr heap.Addr) {
			require.False(t, locked, "double free reported while the lock was held")
			handlerCalls++
		},
	})
	require.NoError(t, err)

	ptr := h.Malloc(16)
	h.Malloc(16)
	h.Free(ptr)
	h.Free(ptr)

	require.Equal(t, 1, handlerCalls)
	require.False(t, locked)
}

func TestSetLockReplacesLock(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	h, _ := newTestHeap(t, 4096, 0)

	lock := mocks.NewMockLocker(ctrl)
	gomock.InOrder(
		lock.EXPECT().Lock(),
		lock.EXPECT().Unlock(),
	)

	h.SetLock(lock)
	require.Equal(t, 0, h.CurrentSize())

	h.SetLock(nil)
	require.Equal(t, 0, h.CurrentSize())
}

func TestLockFuncs(t *testing.T) {
	type rtosMutex struct {
		depth    int
		acquired int
	}
	mutex := &rtosMutex{}

	h, err := heap.New(nil, make([]byte, 4096), heap.CreateOptions{
		BaseAddress: testBase,
		Lock: heap.LockFuncs{
			LockFunc: func(context any) {
				m := context.(*rtosMutex)
				m.depth++
				m.acquired++
			},
			UnlockFunc: func(context any) {
				context.(*rtosMutex).depth--
			},
			Context: mutex,
		},
	})
	require.NoError(t, err)

	ptr := h.Realloc(h.Malloc(8), 32)
	h.Free(ptr)

	require.Equal(t, 0, mutex.depth)
	// Malloc, then Realloc's Malloc, two Bytes lookups and Free, then the final Free
	require.Equal(t, 6, mutex.acquired)
}
