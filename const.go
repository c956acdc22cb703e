package tinyos

import "github.com/kamplianitis/TinyOsFinal/bios"

// Fixed, build-time constants (spec.md §6).
const (
	// BufferSize is the capacity of every pipe's ring buffer.
	BufferSize = 8192

	// MaxProc bounds the process table.
	MaxProc = 128

	// MaxPort bounds the socket port space, [0, MaxPort).
	MaxPort = 1024

	// MaxFileID bounds each process's file-descriptor table.
	MaxFileID = 32

	// SchedMaxLevel is the number of multilevel-feedback priority bands.
	SchedMaxLevel = 3

	// SchedMaxScheduled is how many consecutive same-direction scans the
	// selector performs before reversing scan order once, to bound
	// starvation of low-priority bands.
	SchedMaxScheduled = 3

	// Quantum is the timeslice, in BIOS ticks, granted per dispatch.
	Quantum bios.Tick = 10
)

// Sentinel values, distinct within their own domains (spec.md §6).
const (
	NoProc    Pid  = -1
	NoFile    Fid  = -1
	NoPort    Port = -1
	NoTimeout bios.Tick = -1
)

// Pid identifies a process-table slot.
type Pid int

// Fid identifies a file-descriptor-table slot.
type Fid int

// Port identifies a socket port, [NoPort, MaxPort).
type Port int

// Tid is a stable, generation-checked handle to a thread: a (process,
// slot, generation) triple rather than a raw PTCB pointer exposed to
// callers. This replaces the source's pointer-as-handle design (see
// DESIGN.md's const.go entry).
type Tid struct {
	pid Pid
	idx int32
	gen uint32
}

// Zero reports whether t is the zero Tid (never a valid handle, since
// generations start at 1).
func (t Tid) Zero() bool { return t.gen == 0 }
