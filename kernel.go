package tinyos

import (
	"sync"

	"github.com/kamplianitis/TinyOsFinal/bios"
	"github.com/kamplianitis/TinyOsFinal/kcc"
	"github.com/sirupsen/logrus"
	"gopkg.in/tomb.v2"
)

// Kernel is the single mutable-state owner spec.md §9's design notes
// call for: every global table the original kernel_*.c files keep as
// file-scope statics (PT, PORT_MAP, the FCB table, the run queues) is
// a field here instead, reached only through an explicit *Kernel or
// *Thread parameter — never a package-level variable.
type Kernel struct {
	giant sync.Mutex

	bios  *bios.BIOS
	sched *Scheduler
	fcb   *FCBTable

	pt    [MaxProc]*PCB
	ports [MaxPort]*SCB

	log *logrus.Entry
	t   tomb.Tomb
}

// New constructs a Kernel with cores simulated CPUs and boots the BIOS
// clock. It does not yet run anything — call Boot to start the core
// dispatch loops and then Exec to load the first process.
func New(cores int) *Kernel {
	log := logrus.StandardLogger().WithField("component", "tinyos")
	b := bios.New(cores, 0)
	k := &Kernel{
		bios: b,
		fcb:  newFCBTable(),
		log:  log,
	}
	k.sched = newScheduler(b, log)
	return k
}

// Boot starts every simulated core's dispatch loop (idle thread first)
// in its own supervised goroutine. It returns as soon as those
// goroutines are started, without waiting for the cores to run; Halt
// reverses this.
func (k *Kernel) Boot() {
	for i := 0; i < k.sched.bios.CoreCount(); i++ {
		id := i
		k.t.Go(func() error {
			k.bootCore(id)
			return nil
		})
	}
}

// Halt stops the clock, releases every halted core and waits for the
// core goroutines Boot started. It does not wait for the process tree
// to drain; Run calls it as soon as the boot task has returned.
func (k *Kernel) Halt() {
	k.bios.Close()
	k.t.Kill(nil)
	_ = k.t.Wait()
}

// Run boots the machine, loads task as pid 1, blocks until task
// returns, and halts the machine, returning task's exit status. It is
// the synchronous front door cmd/tinyosctl drives its demos through;
// library callers that need finer control should call Boot/Exec/Halt
// directly instead.
func (k *Kernel) Run(task Task, args []string) int {
	result := make(chan int, 1)
	wrapped := func(th *Thread, args []string) int {
		ec := task(th, args)
		result <- ec
		return ec
	}

	k.Boot()
	if _, err := k.Exec(nil, wrapped, args); err != nil {
		k.log.WithError(err).Error("failed to load boot process")
		k.Halt()
		return -1
	}

	ec := <-result
	k.Halt()
	return ec
}

// boundOps adapts a specific *Thread into kcc.SchedulerOps, so
// kcc.CondVar never needs goroutine-local state to know "who is
// calling" — the caller always has its own *Thread in hand and passes
// a binder built from it.
type boundOps struct {
	th *Thread
}

func (b boundOps) Current() kcc.ThreadHandle { return b.th.tcb }

func (b boundOps) Wakeup(h kcc.ThreadHandle) bool { return b.th.k.sched.Wakeup(h) }

func (b boundOps) SleepReleasing(state kcc.ThreadState, giant *sync.Mutex, cause kcc.Cause, timeout kcc.Tick) {
	b.th.sleepReleasing(state, giant, cause, timeout)
}

// wakeOnly adapts a *Scheduler into kcc.SchedulerOps for call sites
// that only ever Broadcast (never Wait), such as a stream's Close
// running from inside FCBTable.Decref where no calling *Thread is in
// scope. Current/SleepReleasing are unreachable from Broadcast and
// exist only to satisfy the interface.
type wakeOnly struct {
	s *Scheduler
}

func (w wakeOnly) Current() kcc.ThreadHandle { panic("tinyos: wakeOnly.Current is unreachable") }

func (w wakeOnly) Wakeup(h kcc.ThreadHandle) bool { return w.s.Wakeup(h) }

func (w wakeOnly) SleepReleasing(kcc.ThreadState, *sync.Mutex, kcc.Cause, kcc.Tick) {
	panic("tinyos: wakeOnly.SleepReleasing is unreachable")
}

// Thread is the explicit per-call identity every kernel operation and
// every user Task receives, replacing the original's implicit
// CURTHREAD/CURPROC globals (spec.md §9 "global mutable state").
type Thread struct {
	k   *Kernel
	tcb *TCB
}

// Ops returns a kcc.SchedulerOps bound to th, for passing to
// kcc.CondVar.Wait/TimedWait/Broadcast.
func (th *Thread) Ops() kcc.SchedulerOps { return boundOps{th: th} }

// Kernel returns the kernel th belongs to.
func (th *Thread) Kernel() *Kernel { return th.k }

// Tid returns th's stable handle.
func (th *Thread) Tid() Tid {
	return Tid{pid: th.tcb.owner.pid, idx: th.tcb.ptcb.idx, gen: th.tcb.ptcb.gen}
}
