package tinyos

import "github.com/kamplianitis/TinyOsFinal/kcc"

// This file collects the Thread-bound convenience wrappers around the
// *Kernel methods above, so calling code (cmd/tinyosctl, tests, and any
// user Task) reads like the original's sys_* call surface: th.Pipe(),
// th.Exec(...), th.Read(fid, buf), rather than threading the kernel
// pointer through every call by hand.

func (th *Thread) Exec(task Task, args []string) (Pid, error) {
	return th.k.Exec(th, task, args)
}

func (th *Thread) WaitChild(pid Pid) (Pid, int, error) {
	return th.k.WaitChild(th, pid)
}

func (th *Thread) Exit(status int) { th.k.Exit(th, status) }

func (th *Thread) CreateThread(task Task, args []string) (Tid, error) {
	return th.k.CreateThread(th, task, args)
}

func (th *Thread) ThreadJoin(tid Tid) (int, error) { return th.k.ThreadJoin(th, tid) }

func (th *Thread) ThreadDetach(tid Tid) error { return th.k.ThreadDetach(th, tid) }

func (th *Thread) Pipe() (Fid, Fid, error) { return th.k.Pipe(th) }

func (th *Thread) Read(fid Fid, buf []byte) (int, error) { return th.k.Read(th, fid, buf) }

func (th *Thread) Write(fid Fid, buf []byte) (int, error) { return th.k.Write(th, fid, buf) }

func (th *Thread) Close(fid Fid) error { return th.k.CloseFid(th, fid) }

func (th *Thread) Socket() (Fid, error) { return th.k.Socket(th) }

func (th *Thread) Listen(fid Fid, port Port) error { return th.k.Listen(th, fid, port) }

func (th *Thread) Connect(fid Fid, port Port, timeout kcc.Tick) error {
	return th.k.Connect(th, fid, port, timeout)
}

func (th *Thread) Accept(fid Fid) (Fid, error) { return th.k.Accept(th, fid) }

func (th *Thread) ShutDown(fid Fid, how ShutdownMode) error { return th.k.ShutDown(th, fid, how) }

func (th *Thread) OpenInfo() (Fid, error) { return th.k.OpenInfo(th) }

// Yield voluntarily gives up the remainder of the calling thread's
// quantum. A long-running task that rarely calls a blocking kernel
// operation can call this periodically so the scheduler's quantum
// bookkeeping — and any pending quantum-expiry flagged by the per-core
// alarm — actually gets applied (see sched.go's quantumExpired).
func (th *Thread) Yield() { th.yield(kcc.CauseQuantum) }
