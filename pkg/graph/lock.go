package graph

import (
	"runtime"
	"sync/atomic"
)

// SpinLock is a test-and-set lock for the very short critical sections
// shared by engine callbacks and the update pass. One lock is owned by a
// fracture subsystem and shared by all of its managers.
type SpinLock struct {
	state atomic.Int32
}

// Lock spins until the lock is acquired, yielding between attempts.
func (l *SpinLock) Lock() {
	for !l.state.CompareAndSwap(0, 1) {
		runtime.Gosched()
	}
}

// TryLock acquires the lock if it is free.
func (l *SpinLock) TryLock() bool {
	return l.state.CompareAndSwap(0, 1)
}

// Unlock releases the lock.
func (l *SpinLock) Unlock() {
	l.state.Store(0)
}
