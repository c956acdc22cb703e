package tinyos

import (
	"container/heap"
	"container/list"
	"sync"
	"sync/atomic"

	"github.com/kamplianitis/TinyOsFinal/bios"
	"github.com/kamplianitis/TinyOsFinal/kcc"
	"github.com/sirupsen/logrus"
)

// ThreadKind distinguishes the per-core idle thread from every normal
// thread; idle threads never count toward activeThreads and are never
// re-enqueued by gain().
type ThreadKind int

const (
	NormalThread ThreadKind = iota
	IdleThread
)

// ThreadState is the full TCB lifecycle (spec.md §3); kcc only knows
// about the Stopped/Exited subset it can put a thread into.
type ThreadState int

const (
	Init ThreadState = iota
	Ready
	Running
	Stopped
	Exited
)

// ContextPhase mirrors CTX_CLEAN/CTX_DIRTY: a clean context has never
// run (or has fully unwound) and is safe to re-enqueue blindly; dirty
// means it is mid-execution.
type ContextPhase int

const (
	CtxClean ContextPhase = iota
	CtxDirty
)

// TCB is one kernel thread.
type TCB struct {
	owner *PCB
	kind  ThreadKind
	state ThreadState
	phase ContextPhase

	ctx  *bios.Context
	core int // which simulated core this thread is presently "on"

	priority   int
	its, rts   bios.Tick
	lastCause  kcc.Cause
	currCause  kcc.Cause
	wakeupTime bios.Tick // NoTimeout if not sleeping with a deadline

	// quantumExpired is set by the per-core alarm (bootCore's ALARM
	// handler), which fires on a timer goroutine that is NOT this TCB's
	// own parked goroutine and so must never call yield/SwapContext
	// itself — only the thread's own goroutine may park itself. Instead
	// the alarm just raises this flag; the thread's own next call to
	// yield (whatever its real cause) observes and clears it, applying
	// the quantum priority penalty at that point. A thread that never
	// yields voluntarily is, as a consequence, never forcibly preempted
	// — the tradeoff a channel-handshake context switch requires in
	// place of a real stack-swapping interrupt.
	quantumExpired int32

	// intrusive placement: at most one of these is non-nil at a time,
	// matching spec.md's "in at most one of {run queue, timeout list,
	// running}" invariant. Mirrors gaio's aiocb.l/elem fields.
	listRef *list.List
	elem    *list.Element
	heapIdx int // index while on the timeout heap, -1 otherwise

	ptcb *PTCB

	entry func(th *Thread)
}

// ccb is one simulated CPU core's dispatch bookkeeping.
type ccb struct {
	id       int
	current  *TCB
	previous *TCB
	idle     *TCB
}

// Scheduler implements the multilevel-feedback scheduler of spec.md
// §4.B. All run-queue/timeout-list/TCB-scheduling-field mutation is
// under mu, a spinlock distinct from the kernel's giant lock.
type Scheduler struct {
	mu sync.Mutex

	bios   *bios.BIOS
	cores  []*ccb
	levels [SchedMaxLevel]*list.List
	timer  timeoutHeap

	scheduled int

	activeThreads int64

	log *logrus.Entry
}

func newScheduler(b *bios.BIOS, log *logrus.Entry) *Scheduler {
	s := &Scheduler{bios: b, log: log}
	for i := range s.levels {
		s.levels[i] = list.New()
	}
	s.cores = make([]*ccb, b.CoreCount())
	for i := range s.cores {
		s.cores[i] = &ccb{id: i}
	}

	// The timeout sweep must keep running even while every core is
	// halted waiting on a sleeping thread's deadline (spec.md §4.B
	// sched_wakeup_expired_timeouts); a per-core alarm alone only fires
	// while that core is actively running something.
	b.OnTick(s.periodicTimeoutSweep)

	return s
}

func (s *Scheduler) periodicTimeoutSweep() {
	s.mu.Lock()
	before := s.timer.Len()
	s.wakeupExpiredTimeouts()
	woke := before != s.timer.Len()
	s.mu.Unlock()
	if woke {
		s.bios.RestartOne()
	}
}

// ---- timeout heap, grounded on gaio's container/heap timedHeap ----

type timeoutHeap []*TCB

func (h timeoutHeap) Len() int            { return len(h) }
func (h timeoutHeap) Less(i, j int) bool  { return h[i].wakeupTime < h[j].wakeupTime }
func (h timeoutHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIdx = i
	h[j].heapIdx = j
}
func (h *timeoutHeap) Push(x interface{}) {
	tcb := x.(*TCB)
	tcb.heapIdx = len(*h)
	*h = append(*h, tcb)
}
func (h *timeoutHeap) Pop() interface{} {
	old := *h
	n := len(old)
	tcb := old[n-1]
	old[n-1] = nil
	tcb.heapIdx = -1
	*h = old[:n-1]
	return tcb
}

// ---- spawn / release ----

// spawnThread allocates a TCB bound to owner, ready to run entry once
// swapped into for the first time. Mirrors spawn_thread/thread_start.
func (s *Scheduler) spawnThread(owner *PCB, entry func(th *Thread), proto *Thread) *TCB {
	tcb := &TCB{
		owner:      owner,
		kind:       NormalThread,
		state:      Init,
		phase:      CtxClean,
		priority:   0,
		its:        Quantum,
		rts:        Quantum,
		lastCause:  kcc.CauseIdle,
		currCause:  kcc.CauseIdle,
		wakeupTime: NoTimeout,
		heapIdx:    -1,
		entry:      entry,
	}
	tcb.ctx = bios.NewContext(func() {
		th := &Thread{k: proto.k, tcb: tcb}
		s.gain(true, tcb)
		tcb.entry(th)
	})

	atomic.AddInt64(&s.activeThreads, 1)
	return tcb
}

// releaseTCB drops the resources of an exited thread. Called with mu
// held, from gain(), mirroring release_TCB's "called with sched_spinlock
// locked" contract.
func (s *Scheduler) releaseTCB(tcb *TCB) {
	atomic.AddInt64(&s.activeThreads, -1)
}

// ActiveThreads is the count of non-idle TCBs that have not yet been
// released (spec.md §8 invariant).
func (s *Scheduler) ActiveThreads() int64 {
	return atomic.LoadInt64(&s.activeThreads)
}

// ---- run-queue / timeout-list management (mu must be held) ----

func (s *Scheduler) queueAdd(tcb *TCB) {
	tcb.listRef = s.levels[tcb.priority]
	tcb.elem = tcb.listRef.PushBack(tcb)
	s.bios.RestartOne()
}

func (s *Scheduler) registerTimeout(tcb *TCB, timeout bios.Tick) {
	if timeout == NoTimeout {
		return
	}
	tcb.wakeupTime = s.bios.Clock() + timeout
	heap.Push(&s.timer, tcb)
}

func (s *Scheduler) makeReady(tcb *TCB) {
	if tcb.wakeupTime != NoTimeout {
		if tcb.heapIdx >= 0 {
			heap.Remove(&s.timer, tcb.heapIdx)
		}
		tcb.wakeupTime = NoTimeout
	}
	tcb.state = Ready
	if tcb.phase == CtxClean {
		s.queueAdd(tcb)
	}
}

func (s *Scheduler) wakeupExpiredTimeouts() {
	now := s.bios.Clock()
	for s.timer.Len() > 0 {
		tcb := s.timer[0]
		if tcb.wakeupTime > now {
			break
		}
		s.makeReady(tcb)
	}
}

// queueSelect implements sched_queue_select: scan bands low-to-high
// (favoring interactive, low-priority-number threads); after
// SchedMaxScheduled consecutive picks, one round reverses the scan
// high-to-low so the most penalized band isn't starved forever. The
// original hard-coded the reversed scan's bound to 4; this uses
// SchedMaxLevel instead (spec.md §9 Open Question, resolved toward the
// safe redesign).
func (s *Scheduler) queueSelect(current *TCB) *TCB {
	var sel *TCB
	for i := 0; i < SchedMaxLevel; i++ {
		idx := i
		if s.scheduled >= SchedMaxScheduled {
			idx = SchedMaxLevel - 1 - i
		}
		lvl := s.levels[idx]
		if lvl.Len() > 0 {
			front := lvl.Front()
			sel = front.Value.(*TCB)
			lvl.Remove(front)
			sel.listRef, sel.elem = nil, nil
			if s.scheduled >= SchedMaxScheduled {
				s.scheduled = 0
			}
			break
		}
	}

	if sel == nil {
		if current.state == Ready {
			sel = current
		} else {
			sel = s.cores[current.core].idle
		}
	}
	// rts is left as-is here: gain() (not queueSelect) decides whether to
	// replenish a full quantum or carry the leftover forward, per
	// spec.md §4.B.
	return sel
}

// Wakeup transitions a Stopped|Init thread to Ready (spec.md §4.B). It
// is the one piece of kcc.SchedulerOps that does not need a calling
// thread's identity, so both boundOps and wakeOnly (kernel.go) forward
// straight to it.
func (s *Scheduler) Wakeup(h kcc.ThreadHandle) bool {
	tcb := h.(*TCB)
	s.mu.Lock()
	defer s.mu.Unlock()
	if tcb.state == Stopped || tcb.state == Init {
		s.makeReady(tcb)
		return true
	}
	return false
}

// ---- per-thread scheduling entry points, bound to a calling Thread ----

func toLocalState(s kcc.ThreadState) ThreadState {
	if s == kcc.Exited {
		return Exited
	}
	return Stopped
}

// sleepReleasing is the Thread-bound implementation backing
// kcc.SchedulerOps.SleepReleasing: it knows which TCB is "the calling
// thread" explicitly, rather than through goroutine-local state.
//
// Like the original kernel_wait, giant is released atomically with
// going to sleep and re-acquired before this call returns — callers
// (kcc.CondVar.Wait/TimedWait and every syscall built on them) always
// get the giant lock back, whether they were woken by a broadcast or by
// their own timeout.
func (th *Thread) sleepReleasing(state kcc.ThreadState, giant *sync.Mutex, cause kcc.Cause, timeout bios.Tick) {
	sched := th.k.sched
	tcb := th.tcb

	sched.mu.Lock()
	tcb.state = toLocalState(state)
	if state != kcc.Exited {
		sched.registerTimeout(tcb, timeout)
	}
	if giant != nil {
		giant.Unlock()
	}
	sched.mu.Unlock()

	th.yield(cause)

	if giant != nil && state != kcc.Exited {
		giant.Lock()
	}
}

// yield is the scheduler's context-switch entry point (spec.md §4.B). It
// may only ever be called by a TCB's own goroutine acting on itself —
// bios.SwapContext parks the caller, so calling this on behalf of some
// other thread (e.g. from an interrupt firing on a borrowed goroutine)
// would park the wrong goroutine and leave two goroutines believing they
// own the same core. The per-core alarm therefore never calls this
// directly; see markQuantumExpired.
func (th *Thread) yield(cause kcc.Cause) {
	sched := th.k.sched
	current := th.tcb
	remaining := sched.bios.CancelTimer(current.core)

	if atomic.CompareAndSwapInt32(&current.quantumExpired, 1, 0) {
		cause = kcc.CauseQuantum
	}
	if cause == kcc.CauseQuantum {
		// Whether this is a real alarm-driven expiry or a cooperative
		// Thread.Yield() call, CauseQuantum always means the thread's
		// timeslice is being given up entirely — never carry leftover
		// ticks forward for this cause, unlike IO/mutex/pipe/user
		// suspensions where rts legitimately survives to gain().
		remaining = 0
	}

	sched.mu.Lock()

	if current.state == Running {
		current.state = Ready
	}
	current.rts = remaining
	current.lastCause = current.currCause
	current.currCause = cause

	switch cause {
	case kcc.CauseQuantum, kcc.CauseMutex:
		if current.priority < SchedMaxLevel-1 {
			current.priority++
		}
	case kcc.CauseIO:
		if current.priority > 0 {
			current.priority--
		}
	}

	sched.wakeupExpiredTimeouts()

	next := sched.queueSelect(current)
	sched.scheduled++
	next.core = current.core

	core := sched.cores[current.core]
	core.previous = current

	sched.mu.Unlock()

	if current != next {
		bios.SwapContext(current.ctx, next.ctx)
	}

	sched.gain(false, current)
}

// gain runs at the start of every timeslice: mark RUNNING, settle the
// previous thread's fate, and arm the next alarm. firstActivation is
// true when gain runs at the start of a fresh thread's entry goroutine
// rather than on return from yield; both cases settle the previous
// thread and arm the alarm the same way.
func (s *Scheduler) gain(firstActivation bool, self *TCB) {
	s.mu.Lock()

	current := self
	current.state = Running
	current.phase = CtxDirty
	if current.rts <= 0 {
		// Quantum fully consumed last time round (or never ran):
		// replenish to a fresh timeslice.
		current.rts = current.its
	}
	// Otherwise current.rts already holds whatever yield() recorded as
	// left over from a non-quantum cause (spec.md §4.B) — carried
	// forward rather than reset, so blocking briefly and resuming
	// doesn't hand a thread a brand new full quantum for free.

	core := s.cores[current.core]
	core.current = current

	prev := core.previous
	if prev != nil && current != prev {
		prev.phase = CtxClean
		switch prev.state {
		case Ready:
			if prev.kind != IdleThread {
				s.queueAdd(prev)
			}
		case Exited:
			s.releaseTCB(prev)
		case Stopped:
			// left off the run queue deliberately
		}
	}

	s.mu.Unlock()

	s.bios.SetTimer(current.core, current.rts)
}

// runIdle is the per-core idle loop (spec.md §4.B "Idle thread").
func runIdle(th *Thread) {
	sched := th.k.sched
	th.yield(kcc.CauseIdle)
	for sched.ActiveThreads() > 0 {
		sched.bios.CoreHalt(th.tcb.core)
		th.yield(kcc.CauseIdle)
	}
	sched.bios.CancelTimer(th.tcb.core)
	sched.bios.RestartAll()
}

// markQuantumExpired fires on core's alarm. It runs on a timer goroutine
// that is not any TCB's own parked goroutine, so it must not context
// switch — it only flags whichever thread is presently current on that
// core; that thread applies the quantum penalty itself the next time its
// own goroutine calls yield. A thread that never yields voluntarily (no
// blocking kernel call) keeps the CPU regardless, a limitation of
// modelling threads as goroutines rather than swappable raw stacks.
func (s *Scheduler) markQuantumExpired(core int) {
	s.mu.Lock()
	current := s.cores[core].current
	s.mu.Unlock()
	if current != nil {
		atomic.StoreInt32(&current.quantumExpired, 1)
	}
}

// bootCore starts core id's idle thread directly on the calling
// goroutine — there is no previous context to return to, so this is
// the one place SwapContext's prev argument is nil.
func (k *Kernel) bootCore(id int) {
	sched := k.sched
	idle := &TCB{
		kind:       IdleThread,
		state:      Running,
		phase:      CtxDirty,
		priority:   0,
		its:        Quantum,
		rts:        Quantum,
		lastCause:  kcc.CauseIdle,
		currCause:  kcc.CauseIdle,
		wakeupTime: NoTimeout,
		heapIdx:    -1,
		core:       id,
	}
	th := &Thread{k: k, tcb: idle}
	idle.ctx = bios.NewContext(func() { runIdle(th) })

	sched.cores[id].current = idle
	sched.cores[id].idle = idle

	sched.bios.InterruptHandler(id, bios.ALARM, func() {
		sched.markQuantumExpired(id)
	})
	sched.bios.InterruptHandler(id, bios.ICI, func() {})

	bios.SwapContext(nil, idle.ctx)
}
