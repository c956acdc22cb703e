// Package kcc implements the condition-variable primitives around the
// kernel-wide giant lock that spec.md lists as external
// collaborators: kernel_wait, kernel_broadcast, kernel_timedwait and
// kernel_sleep. The giant lock itself is owned by the caller and
// passed in. They are a thin layer over whatever scheduler
// implements SchedulerOps — this package never touches run queues or
// priorities directly, it only arranges for a thread to go to sleep on
// a predicate and be woken again.
package kcc

import (
	"sync"
	"sync/atomic"

	"github.com/kamplianitis/TinyOsFinal/bios"
)

// Tick re-exports the BIOS's virtual-time unit so callers don't need to
// import bios just to pass a timeout.
type Tick = bios.Tick

// NoTimeout means "sleep until explicitly woken".
const NoTimeout Tick = -1

// ThreadState is the subset of TCB lifecycle states that sleep_releasing
// can transition a thread into.
type ThreadState int

const (
	Stopped ThreadState = iota
	Exited
)

// Cause is the reason a thread is yielding/sleeping; scheduler priority
// feedback (spec.md §4.B) keys off of it.
type Cause int

const (
	CauseQuantum Cause = iota
	CauseIO
	CauseMutex
	CausePipe
	CauseUser
	CauseIdle
)

// ThreadHandle is an opaque reference to whatever the scheduler
// considers "a thread"; kcc never dereferences it.
type ThreadHandle = interface{}

// SchedulerOps is the slice of scheduler behavior kcc is built on.
type SchedulerOps interface {
	Current() ThreadHandle
	Wakeup(ThreadHandle) bool
	SleepReleasing(state ThreadState, giant *sync.Mutex, cause Cause, timeout Tick)
}

// CondVar is a broadcast-only, edge-triggered condition variable backed
// by a scheduler. Every Wait/TimedWait call re-registers the caller as
// a waiter; Broadcast wakes every currently registered waiter and
// clears the list. Callers MUST re-check their predicate in a loop —
// broadcasts are not targeted and a wake is not a guarantee the
// predicate now holds.
type CondVar struct {
	mu      sync.Mutex
	waiters []*waiter
}

type waiter struct {
	handle ThreadHandle
	woken  int32
}

// Wait registers the caller and sleeps until Broadcast, releasing the
// giant lock atomically with going to sleep.
func (cv *CondVar) Wait(sched SchedulerOps, giant *sync.Mutex, cause Cause) {
	cv.TimedWait(sched, giant, cause, NoTimeout)
}

// TimedWait is Wait with a bound; it returns true if woken by
// Broadcast, false if the timeout elapsed first (kernel_timedwait's
// return value in the original).
func (cv *CondVar) TimedWait(sched SchedulerOps, giant *sync.Mutex, cause Cause, timeout Tick) bool {
	w := &waiter{handle: sched.Current()}
	cv.mu.Lock()
	cv.waiters = append(cv.waiters, w)
	cv.mu.Unlock()

	sched.SleepReleasing(Stopped, giant, cause, timeout)

	if atomic.LoadInt32(&w.woken) == 1 {
		return true
	}

	// Either the scheduler's own timeout sweep woke us, or we were
	// woken for some unrelated reason. Either way we are no longer
	// meant to be on this condvar's waiter list.
	cv.mu.Lock()
	for i, ww := range cv.waiters {
		if ww == w {
			cv.waiters = append(cv.waiters[:i], cv.waiters[i+1:]...)
			break
		}
	}
	cv.mu.Unlock()
	return false
}

// Broadcast wakes every thread currently waiting on cv.
func (cv *CondVar) Broadcast(sched SchedulerOps) {
	cv.mu.Lock()
	ws := cv.waiters
	cv.waiters = nil
	cv.mu.Unlock()

	for _, w := range ws {
		atomic.StoreInt32(&w.woken, 1)
		sched.Wakeup(w.handle)
	}
}

// Sleep puts the calling thread to sleep in state with the given
// cause, with no condition variable and no lock involved.
func Sleep(sched SchedulerOps, state ThreadState, cause Cause) {
	sched.SleepReleasing(state, nil, cause, NoTimeout)
}
