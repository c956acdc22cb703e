// Package bios simulates the hardware collaborator the kernel core is
// built on: a monotonic clock, a one-shot alarm per core, core
// halt/restart, and the context-init/context-swap primitive threads are
// built from.
//
// Portable Go cannot swap a raw machine stack the way the original
// kernel_sched.c does with cpu_swap_context. The idiomatic substitute
// used here is a goroutine park/unpark handshake: every Context owns a
// goroutine and a resume channel, and SwapContext hands control to the
// next context's goroutine while parking the caller's own goroutine on
// its own channel until it is later resumed.
package bios

import (
	"sync"
	"time"

	"gopkg.in/tomb.v2"
)

// Tick is a unit of virtual time, counted in quanta of TickInterval.
type Tick int64

// InterruptKind identifies one of the two interrupt lines the kernel
// registers handlers for.
type InterruptKind int

const (
	ALARM InterruptKind = iota
	ICI
)

// Context is a suspended/running thread of execution, realized as a
// parked goroutine. It plays the role of the original TCB's saved
// machine context.
type Context struct {
	resume chan struct{}
	done   chan struct{}
}

// NewContext spawns a goroutine for entry, parked until the first
// SwapContext into it. entry is only invoked once the context has been
// swapped into for the first time.
func NewContext(entry func()) *Context {
	c := &Context{
		resume: make(chan struct{}),
		done:   make(chan struct{}),
	}
	go func() {
		<-c.resume
		entry()
		close(c.done)
	}()
	return c
}

// SwapContext transfers control to next and parks the caller (prev)
// until it is itself later resumed by some other SwapContext call.
// prev may be nil, meaning "do not park the caller" — used the very
// first time a core boots and there is no previous context to return
// to.
func SwapContext(prev, next *Context) {
	next.resume <- struct{}{}
	if prev != nil {
		<-prev.resume
	}
}

// Resume wakes a parked context without swapping away the caller. It
// is currently unused: when the newly-selected thread IS the caller,
// the scheduler simply skips the swap.
func Resume(c *Context) {
	c.resume <- struct{}{}
}

// Core models one simulated CPU: a clock-driven alarm, a halt/restart
// latch, and the currently registered interrupt handlers.
type Core struct {
	id int

	mu       sync.Mutex
	timer    *time.Timer
	deadline Tick // virtual tick the armed timer fires at
	alarmFn  func()
	iciFn    func()
	halted   chan struct{}
	tickDur  time.Duration
}

// BIOS owns the virtual clock and the set of simulated cores.
type BIOS struct {
	TickInterval time.Duration

	clock Tick
	mu    sync.Mutex

	cores []*Core
	t     tomb.Tomb

	bootOnce sync.Once
	stopped  chan struct{}

	tickMu  sync.Mutex
	tickFns []func()
}

// New creates a BIOS simulation for the given number of cores. tickDur
// is the wall-clock duration of one virtual Tick; a small value (e.g. a
// millisecond) keeps test suites fast while preserving relative timing.
func New(cores int, tickDur time.Duration) *BIOS {
	if tickDur <= 0 {
		tickDur = time.Millisecond
	}
	b := &BIOS{
		TickInterval: tickDur,
		cores:        make([]*Core, cores),
		stopped:      make(chan struct{}),
	}
	for i := range b.cores {
		b.cores[i] = &Core{
			id:      i,
			halted:  make(chan struct{}, 1),
			tickDur: tickDur,
		}
	}
	b.t.Go(b.runClock)
	return b
}

func (b *BIOS) runClock() error {
	ticker := time.NewTicker(b.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.mu.Lock()
			b.clock++
			b.mu.Unlock()

			b.tickMu.Lock()
			fns := b.tickFns
			b.tickMu.Unlock()
			for _, fn := range fns {
				fn()
			}
		case <-b.t.Dying():
			return nil
		}
	}
}

// Clock returns the current virtual tick count.
func (b *BIOS) Clock() Tick {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.clock
}

// Close stops the virtual clock and releases every halted core.
func (b *BIOS) Close() {
	b.t.Kill(nil)
	for _, c := range b.cores {
		c.mu.Lock()
		if c.timer != nil {
			c.timer.Stop()
		}
		c.mu.Unlock()
		c.restartOne()
	}
	_ = b.t.Wait()
}

// OnTick registers fn to run on every virtual clock tick, independent
// of any particular core's state (halted, running a thread, or idle).
// This is how the scheduler's timeout sweep stays live even while every
// core is halted waiting for a sleeping thread's deadline.
func (b *BIOS) OnTick(fn func()) {
	b.tickMu.Lock()
	defer b.tickMu.Unlock()
	b.tickFns = append(b.tickFns, fn)
}

// CoreCount returns how many simulated cores this BIOS manages.
func (b *BIOS) CoreCount() int { return len(b.cores) }

// SetTimer arms core's one-shot alarm for d ticks from now.
func (b *BIOS) SetTimer(core int, d Tick) {
	c := b.cores[core]
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
	}
	if d <= 0 {
		c.deadline = 0
		return
	}
	c.deadline = b.Clock() + d
	dur := time.Duration(d) * b.TickInterval
	c.timer = time.AfterFunc(dur, func() {
		c.mu.Lock()
		fn := c.alarmFn
		c.mu.Unlock()
		if fn != nil {
			fn()
		}
	})
}

// CancelTimer disarms core's alarm, returning the number of virtual
// ticks that were remaining against its deadline (best-effort; 0 if
// none was armed or it had already expired). This is how a thread's
// leftover quantum (spec.md §4.B's rts) survives a yield for a cause
// other than CauseQuantum, rather than always being reported as
// fully consumed.
func (b *BIOS) CancelTimer(core int) Tick {
	c := b.cores[core]
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer == nil {
		return 0
	}
	c.timer.Stop()
	c.timer = nil
	remaining := c.deadline - b.Clock()
	c.deadline = 0
	if remaining < 0 {
		return 0
	}
	return remaining
}

// InterruptHandler registers fn as the handler for kind on core. A nil
// fn clears the handler.
func (b *BIOS) InterruptHandler(core int, kind InterruptKind, fn func()) {
	c := b.cores[core]
	c.mu.Lock()
	defer c.mu.Unlock()
	switch kind {
	case ALARM:
		c.alarmFn = fn
	case ICI:
		c.iciFn = fn
	}
}

// SendICI fires the inter-core-interrupt handler on core, if any.
func (b *BIOS) SendICI(core int) {
	c := b.cores[core]
	c.mu.Lock()
	fn := c.iciFn
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// CoreHalt parks the calling goroutine until the core is restarted.
func (b *BIOS) CoreHalt(core int) {
	b.cores[core].halt()
}

func (c *Core) halt() {
	<-c.halted
}

// RestartOne hands one restart to the first core, in id order, that
// has no restart already pending (the original's cpu_core_restart_one).
// That core need not be halted at the moment: a core that is still
// running keeps the restart and returns from its next CoreHalt at once.
func (b *BIOS) RestartOne() {
	for _, c := range b.cores {
		if c.restartOne() {
			return
		}
	}
}

func (c *Core) restartOne() bool {
	select {
	case c.halted <- struct{}{}:
		return true
	default:
		return false
	}
}

// RestartAll wakes every halted core.
func (b *BIOS) RestartAll() {
	for _, c := range b.cores {
		c.restartOne()
	}
}
