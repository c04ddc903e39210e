package heap

import "sync"

// LockFuncs adapts a pair of lock and unlock functions that share a context value, such as an RTOS
// mutex handle, into a sync.Locker that can be passed to CreateOptions or SetLock
type LockFuncs struct {
	LockFunc   func(context any)
	UnlockFunc func(context any)
	Context    any
}

var _ sync.Locker = LockFuncs{}

func (l LockFuncs) Lock() {
	if l.LockFunc != nil {
		l.LockFunc(l.Context)
	}
}

func (l LockFuncs) Unlock() {
	if l.UnlockFunc != nil {
		l.UnlockFunc(l.Context)
	}
}
