package tinyos

import (
	"bytes"
	"encoding/gob"
	"errors"

	"github.com/kamplianitis/TinyOsFinal/kcc"
)

// Errors returned across the syscall surface (spec.md §7's taxonomy).
// These are the only errors that cross the public tinyos.* boundary;
// internal collaborator failures are wrapped with github.com/pkg/errors
// instead (see FCBTable.Decref in fcb.go) and never escape as these
// sentinels.
var (
	ErrNoChild       = errors.New("tinyos: no child to wait for")
	ErrProcTableFull = errors.New("tinyos: process table full")
	ErrFidTableFull  = errors.New("tinyos: file descriptor table full")
	ErrBadTid        = errors.New("tinyos: no such thread")
	ErrSelfJoin      = errors.New("tinyos: thread cannot join itself")
	ErrDetached      = errors.New("tinyos: thread is detached")
	ErrAlreadyDone   = errors.New("tinyos: thread already detached or reaped")
	ErrBadPort       = errors.New("tinyos: port out of range")
	ErrPortInUse     = errors.New("tinyos: port already bound")
	ErrNotBound      = errors.New("tinyos: socket not bound to a port")
	ErrNotListener   = errors.New("tinyos: socket is not a listening socket")
	ErrNotPeer       = errors.New("tinyos: socket is not connected")
	ErrPeerClosed    = errors.New("tinyos: peer is no longer connected")
	ErrConnectTimeout = errors.New("tinyos: connect timed out")
	ErrClosedPipe    = errors.New("tinyos: pipe endpoint closed")
)

// Task is the entry point signature a process's main thread, and every
// thread CreateThread spawns, runs.
type Task func(th *Thread, args []string) int

// PCB is one process table entry (spec.md §3).
type PCB struct {
	pid    Pid
	parent *PCB

	children []*PCB
	zombies  []*PCB

	alive       bool
	exitVal     int
	threadCount int
	mainThread  *PTCB
	ptcbs       []*PTCB

	task Task
	args []string

	fidt [MaxFileID]*FCB

	childExit kcc.CondVar
}

// PTCB is one thread table entry, owned by exactly one PCB.
type PTCB struct {
	owner    *PCB
	tcb      *TCB
	task     Task
	args     []string
	exitVal  int
	exited   bool
	detached bool
	refcount int

	idx int32
	gen uint32

	exitCond kcc.CondVar
}

// GetPCB looks up a live process by pid.
func (k *Kernel) GetPCB(pid Pid) *PCB {
	if pid < 0 || int(pid) >= len(k.pt) {
		return nil
	}
	return k.pt[pid]
}

// allocPCB scans for a free process-table slot starting at 1: slot 0 is
// never handed out, so the very first process the kernel execs always
// lands on Pid 1, matching spec.md's "Boot process (Pid 1)" rule that
// Exit/ThreadExit key off of.
func (k *Kernel) allocPCB() (*PCB, error) {
	for i := 1; i < len(k.pt); i++ {
		if k.pt[i] == nil {
			pcb := &PCB{pid: Pid(i), alive: true}
			k.pt[i] = pcb
			return pcb, nil
		}
	}
	return nil, ErrProcTableFull
}

func allocFid(owner *PCB) (int, bool) {
	for i := range owner.fidt {
		if owner.fidt[i] == nil {
			return i, true
		}
	}
	return 0, false
}

func removePCB(list []*PCB, pcb *PCB) []*PCB {
	for i, p := range list {
		if p == pcb {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

// start transitions a freshly spawned TCB straight to Ready and enqueues
// it, bypassing the timeout bookkeeping makeReady also does (a brand
// new thread was never sleeping). Mirrors sys_Exec/sys_CreateThread's
// closing "wakeup(tcb)" call.
func (s *Scheduler) start(tcb *TCB) {
	s.mu.Lock()
	tcb.state = Ready
	s.queueAdd(tcb)
	s.mu.Unlock()
}

// Exec loads task as a new process's main thread. th is the calling
// thread, or nil for the very first process the kernel boots (pid 1,
// "init"), which has no parent.
func (k *Kernel) Exec(th *Thread, task Task, args []string) (Pid, error) {
	k.giant.Lock()
	defer k.giant.Unlock()

	pcb, err := k.allocPCB()
	if err != nil {
		return NoProc, err
	}
	pcb.task = task
	pcb.args = append([]string(nil), args...)

	if th != nil {
		parent := th.tcb.owner
		pcb.parent = parent
		parent.children = append(parent.children, pcb)
		for i, fcb := range th.tcb.owner.fidt {
			if fcb != nil {
				k.fcb.Incref(fcb)
				pcb.fidt[i] = fcb
			}
		}
	}

	ptcb := &PTCB{owner: pcb, task: task, args: pcb.args, gen: 1}
	pcb.mainThread = ptcb
	pcb.ptcbs = append(pcb.ptcbs, ptcb)
	pcb.threadCount = 1

	proto := &Thread{k: k}
	tcb := k.sched.spawnThread(pcb, func(t *Thread) {
		ec := task(t, t.tcb.ptcb.args)
		if t.tcb.owner.pid == 1 {
			// The boot process additionally waits out its whole
			// descendant tree before it is allowed to exit
			// (spec.md §4.C).
			k.Exit(t, ec)
		} else {
			k.ThreadExit(t, ec)
		}
	}, proto)
	tcb.ptcb = ptcb
	ptcb.tcb = tcb

	k.sched.start(tcb)

	k.log.WithField("pid", pcb.pid).Debug("process created")
	return pcb.pid, nil
}

// GetPid returns the caller's own pid.
func (th *Thread) GetPid() Pid { return th.tcb.owner.pid }

// GetPPid returns the caller's parent's pid, or NoProc if the caller is
// the boot process.
func (th *Thread) GetPPid() Pid {
	k := th.k
	k.giant.Lock()
	defer k.giant.Unlock()
	p := th.tcb.owner.parent
	if p == nil {
		return NoProc
	}
	return p.pid
}

// WaitChild blocks until a child matching pid (or any child, if pid is
// NoProc) becomes a zombie, reaps it, and returns its pid and exit
// status.
func (k *Kernel) WaitChild(th *Thread, pid Pid) (Pid, int, error) {
	k.giant.Lock()
	defer k.giant.Unlock()

	owner := th.tcb.owner
	for {
		if pid != NoProc {
			var target *PCB
			for _, z := range owner.zombies {
				if z.pid == pid {
					target = z
					break
				}
			}
			if target != nil {
				owner.zombies = removePCB(owner.zombies, target)
				k.pt[target.pid] = nil
				return target.pid, target.exitVal, nil
			}
			found := false
			for _, c := range owner.children {
				if c.pid == pid {
					found = true
					break
				}
			}
			if !found {
				return NoProc, 0, ErrNoChild
			}
		} else {
			if len(owner.zombies) > 0 {
				target := owner.zombies[0]
				owner.zombies = owner.zombies[1:]
				k.pt[target.pid] = nil
				return target.pid, target.exitVal, nil
			}
			if len(owner.children) == 0 {
				return NoProc, 0, ErrNoChild
			}
		}
		owner.childExit.Wait(th.Ops(), &k.giant, kcc.CauseUser)
	}
}

// Exit terminates the calling thread with status through ThreadExit.
// The process's other threads are not stopped; the process only
// terminates once they have exited too. Pid 1 (the boot process)
// additionally drains every child before exiting, mirroring spec.md
// §4.C's "init waits for its children" rule.
func (k *Kernel) Exit(th *Thread, status int) {
	owner := th.tcb.owner
	if owner.pid == 1 {
		for {
			k.giant.Lock()
			if len(owner.children) == 0 && len(owner.zombies) == 0 {
				k.giant.Unlock()
				break
			}
			k.giant.Unlock()
			_, _, err := k.WaitChild(th, NoProc)
			if err != nil {
				break
			}
		}
	}
	k.ThreadExit(th, status)
}

// CreateThread spawns a new thread in the calling thread's process.
func (k *Kernel) CreateThread(th *Thread, task Task, args []string) (Tid, error) {
	k.giant.Lock()
	defer k.giant.Unlock()

	owner := th.tcb.owner
	ptcb := &PTCB{owner: owner, task: task, args: append([]string(nil), args...), gen: 1}
	owner.ptcbs = append(owner.ptcbs, ptcb)
	ptcb.idx = int32(len(owner.ptcbs) - 1)
	owner.threadCount++

	proto := &Thread{k: k}
	tcb := k.sched.spawnThread(owner, func(t *Thread) {
		ec := task(t, t.tcb.ptcb.args)
		k.ThreadExit(t, ec)
	}, proto)
	tcb.ptcb = ptcb
	ptcb.tcb = tcb

	k.sched.start(tcb)

	return Tid{pid: owner.pid, idx: ptcb.idx, gen: ptcb.gen}, nil
}

// ThreadSelf returns the calling thread's own handle.
func (th *Thread) ThreadSelf() Tid { return th.Tid() }

func (k *Kernel) resolvePTCB(owner *PCB, tid Tid) (*PTCB, error) {
	if tid.pid != owner.pid || tid.idx < 0 || int(tid.idx) >= len(owner.ptcbs) {
		return nil, ErrBadTid
	}
	ptcb := owner.ptcbs[tid.idx]
	if ptcb == nil || ptcb.gen != tid.gen {
		return nil, ErrBadTid
	}
	return ptcb, nil
}

// ThreadJoin blocks until tid exits (or is already exited) and returns
// its exit value. This corrects the early-exit bug spec.md §9 flags in
// the original (ptcb->exited==1 returned *exitval without assigning
// it): exitval is always written through, and the call always returns
// successfully once the target is known to have exited.
func (k *Kernel) ThreadJoin(th *Thread, tid Tid) (int, error) {
	k.giant.Lock()
	defer k.giant.Unlock()

	owner := th.tcb.owner
	ptcb, err := k.resolvePTCB(owner, tid)
	if err != nil {
		return 0, err
	}
	if ptcb == th.tcb.ptcb {
		return 0, ErrSelfJoin
	}
	if ptcb.detached {
		return 0, ErrDetached
	}

	ptcb.refcount++
	for !ptcb.exited && !ptcb.detached {
		ptcb.exitCond.Wait(th.Ops(), &k.giant, kcc.CauseUser)
	}

	if !ptcb.exited && ptcb.detached {
		ptcb.refcount--
		return 0, ErrDetached
	}

	exitVal := ptcb.exitVal
	ptcb.refcount--
	if ptcb.refcount <= 0 {
		owner.ptcbs[tid.idx] = nil
	}
	return exitVal, nil
}

// ThreadDetach marks tid as detached: nobody will ever successfully
// join it again, and if it has already exited it is reaped immediately.
func (k *Kernel) ThreadDetach(th *Thread, tid Tid) error {
	k.giant.Lock()
	defer k.giant.Unlock()

	owner := th.tcb.owner
	ptcb, err := k.resolvePTCB(owner, tid)
	if err != nil {
		return err
	}
	if ptcb.detached {
		return ErrAlreadyDone
	}
	ptcb.detached = true
	ptcb.exitCond.Broadcast(th.Ops())
	if ptcb.exited {
		owner.ptcbs[tid.idx] = nil
	}
	return nil
}

// ThreadExit terminates the calling thread. When it is the last thread
// of its process, the full process-termination sequence runs:
// reparenting live children to the boot process, splicing already-exited
// children onto it, releasing file descriptors, and turning the caller's
// own process into a zombie its parent can reap via WaitChild.
func (k *Kernel) ThreadExit(th *Thread, status int) {
	k.giant.Lock()

	tcb := th.tcb
	ptcb := tcb.ptcb
	owner := tcb.owner

	ptcb.exitVal = status
	ptcb.exited = true
	ptcb.exitCond.Broadcast(th.Ops())

	owner.threadCount--

	if owner.threadCount == 0 {
		owner.exitVal = status
		owner.alive = false

		init := k.pt[1]
		if init != nil && init != owner {
			for _, c := range owner.children {
				c.parent = init
				init.children = append(init.children, c)
			}
			for _, z := range owner.zombies {
				init.zombies = append(init.zombies, z)
			}
			if len(owner.zombies) > 0 {
				init.childExit.Broadcast(th.Ops())
			}
		}
		owner.children = nil
		owner.zombies = nil

		for i, fcb := range owner.fidt {
			if fcb != nil {
				_ = k.fcb.Decref(fcb)
				owner.fidt[i] = nil
			}
		}

		if owner.parent != nil {
			owner.parent.zombies = append(owner.parent.zombies, owner)
			owner.parent.children = removePCB(owner.parent.children, owner)
			owner.parent.childExit.Broadcast(th.Ops())
		}

		k.log.WithField("pid", owner.pid).Debug("process exited")
	}

	th.sleepReleasing(kcc.Exited, &k.giant, kcc.CauseUser, kcc.NoTimeout)
}

// --- OpenInfo reflection stream (spec.md §6.1, SUPPLEMENT) ---

type infoStream struct {
	k      *Kernel
	cursor Pid
}

type infoStreamOps struct{}

// ProcInfo is one record OpenInfo's stream yields per Read call.
type ProcInfo struct {
	Pid         Pid
	PPid        Pid
	Alive       bool
	ThreadCount int
	Argl        int
}

func (infoStreamOps) Read(th *Thread, obj streamObj, buf []byte) (int, error) {
	is := obj.(*infoStream)
	is.k.giant.Lock()
	defer is.k.giant.Unlock()

	for int(is.cursor) < len(is.k.pt) {
		pcb := is.k.pt[is.cursor]
		is.cursor++
		if pcb == nil {
			continue
		}
		info := ProcInfo{Pid: pcb.pid, Alive: pcb.alive, ThreadCount: pcb.threadCount, Argl: len(pcb.args)}
		if pcb.parent != nil {
			info.PPid = pcb.parent.pid
		} else {
			info.PPid = NoProc
		}
		return encodeProcInfo(info, buf)
	}
	return 0, nil // EOF: cursor exhausted the table
}

// encodeProcInfo gob-encodes info into buf, mirroring the original's
// "one struct per Read call" framing without hard-coding a wire layout.
func encodeProcInfo(info ProcInfo, buf []byte) (int, error) {
	var out bytes.Buffer
	if err := gob.NewEncoder(&out).Encode(info); err != nil {
		return 0, err
	}
	if out.Len() > len(buf) {
		return 0, errors.New("tinyos: buffer too small for one ProcInfo record")
	}
	return copy(buf, out.Bytes()), nil
}

func (infoStreamOps) Write(th *Thread, obj streamObj, buf []byte) (int, error) {
	return 0, errors.New("tinyos: info stream is read-only")
}

func (infoStreamOps) Close(obj streamObj) error { return nil }

// OpenInfo installs a read-only stream over the process table into the
// caller's next free fd slot.
func (k *Kernel) OpenInfo(th *Thread) (Fid, error) {
	k.giant.Lock()
	defer k.giant.Unlock()

	owner := th.tcb.owner
	slot, ok := allocFid(owner)
	if !ok {
		return NoFile, ErrFidTableFull
	}
	fcbs, ok := k.fcb.Reserve([]streamOps{infoStreamOps{}}, []streamObj{&infoStream{k: k}})
	if !ok {
		return NoFile, ErrFidTableFull
	}
	owner.fidt[slot] = fcbs[0]
	return Fid(slot), nil
}
