// Package sync provides synchronization primitive implementations for
// spinlocks, used wherever spec.md calls for a "big kernel lock"
// serializing access to state the allocators themselves assume is only
// ever touched from one logical thread of control at a time.
package sync

import "sync/atomic"

// Spinlock implements a lock where each task trying to acquire it
// busy-waits till the lock becomes available.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be acquired by the currently active
// task. Any attempt to re-acquire a lock already held by the current
// task will cause a deadlock.
func (l *Spinlock) Acquire() {
	for !l.TryToAcquire() {
	}
}

// TryToAcquire attempts to acquire the lock and returns true if the
// lock could be acquired or false otherwise.
func (l *Spinlock) TryToAcquire() bool {
	return atomic.CompareAndSwapUint32(&l.state, 0, 1)
}

// Release relinquishes a held lock allowing other tasks to acquire it.
// Calling Release while the lock is free has no effect.
func (l *Spinlock) Release() {
	atomic.StoreUint32(&l.state, 0)
}
