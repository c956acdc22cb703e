package tinyos

import "github.com/kamplianitis/TinyOsFinal/kcc"

// PICB is a bounded, single-producer/single-consumer ring buffer
// (spec.md §4.A). Both of its FCB-facing ends share one PICB; the
// kernel giant lock (not a lock of its own) guards every field, exactly
// like the original's single kernel-wide spinlock.
type PICB struct {
	buf              [BufferSize]byte
	readPos, writePos int
	count            int

	readerDone, writerDone bool

	bufferFull  kcc.CondVar
	bufferEmpty kcc.CondVar
}

type pipeEnd struct {
	k        *Kernel
	picb     *PICB
	isReader bool
}

type readPipeOps struct{}
type writePipeOps struct{}

// Pipe creates a connected pair of FCBs: a read end and a write end
// over one freshly allocated ring buffer (spec.md §4.A / §6 sys_Pipe).
func (k *Kernel) Pipe(th *Thread) (Fid, Fid, error) {
	k.giant.Lock()
	defer k.giant.Unlock()

	owner := th.tcb.owner
	r, rok := allocFid(owner)
	if !rok {
		return NoFile, NoFile, ErrFidTableFull
	}
	w, wok := allocFidExcluding(owner, r)
	if !wok {
		return NoFile, NoFile, ErrFidTableFull
	}

	picb := &PICB{}
	fcbs, ok := k.fcb.Reserve(
		[]streamOps{readPipeOps{}, writePipeOps{}},
		[]streamObj{&pipeEnd{k: k, picb: picb, isReader: true}, &pipeEnd{k: k, picb: picb, isReader: false}},
	)
	if !ok {
		return NoFile, NoFile, ErrFidTableFull
	}

	owner.fidt[r] = fcbs[0]
	owner.fidt[w] = fcbs[1]
	return Fid(r), Fid(w), nil
}

func allocFidExcluding(owner *PCB, exclude int) (int, bool) {
	for i := range owner.fidt {
		if i != exclude && owner.fidt[i] == nil {
			return i, true
		}
	}
	return 0, false
}

// Read implements the read end (spec.md §4.A pipe_read): block while
// empty and the write end is still open, then copy up to len(buf)
// bytes, in ring order, out of the buffer.
func (readPipeOps) Read(th *Thread, obj streamObj, buf []byte) (int, error) {
	pe := obj.(*pipeEnd)
	p := pe.picb
	k := pe.k

	k.giant.Lock()
	defer k.giant.Unlock()

	for p.count == 0 && !p.writerDone {
		p.bufferEmpty.Wait(th.Ops(), &k.giant, kcc.CausePipe)
	}
	if p.count == 0 {
		return 0, nil // writer gone and buffer drained: EOF
	}

	n := len(buf)
	if n > p.count {
		n = p.count
	}
	for i := 0; i < n; i++ {
		buf[i] = p.buf[p.readPos]
		p.readPos = (p.readPos + 1) % BufferSize
	}
	p.count -= n
	p.bufferFull.Broadcast(th.Ops())
	return n, nil
}

func (readPipeOps) Write(th *Thread, obj streamObj, buf []byte) (int, error) {
	return 0, ErrClosedPipe
}

// Close marks the read end permanently gone: any blocked writer must
// be woken to observe it and fail, and no further bytes will ever be
// consumed.
func (readPipeOps) Close(obj streamObj) error {
	pe := obj.(*pipeEnd)
	p := pe.picb
	p.readerDone = true
	// Close is invoked from FCBTable.Decref with the giant lock already
	// held (by CloseFid), so it is safe to broadcast here directly.
	p.bufferFull.Broadcast(wakeOnly{pe.k.sched})
	return nil
}

// Write implements the write end (spec.md §4.A pipe_write): a single
// wait-then-copy pass that stops on whichever of (i) len(buf) bytes
// copied, (ii) BufferSize bytes copied this call, or (iii) the buffer
// is full comes first, then returns. A caller that wants all of buf
// written loops on the partial count itself (as kernel_test.go's
// TestPipeEcho already does), matching kernel_pipe.c's pipe_write.
func (writePipeOps) Write(th *Thread, obj streamObj, buf []byte) (int, error) {
	pe := obj.(*pipeEnd)
	p := pe.picb
	k := pe.k

	k.giant.Lock()
	defer k.giant.Unlock()

	if p.readerDone {
		return 0, ErrClosedPipe
	}
	if len(buf) == 0 {
		return 0, nil
	}

	for p.count == BufferSize && !p.readerDone {
		p.bufferFull.Wait(th.Ops(), &k.giant, kcc.CausePipe)
	}
	if p.readerDone {
		return 0, ErrClosedPipe
	}

	written := 0
	for written < len(buf) && p.count < BufferSize {
		p.buf[p.writePos] = buf[written]
		p.writePos = (p.writePos + 1) % BufferSize
		p.count++
		written++
	}
	p.bufferEmpty.Broadcast(th.Ops())
	return written, nil
}

func (writePipeOps) Read(th *Thread, obj streamObj, buf []byte) (int, error) {
	return 0, ErrClosedPipe
}

// Close marks the write end permanently gone (EOF for the reader).
func (writePipeOps) Close(obj streamObj) error {
	pe := obj.(*pipeEnd)
	p := pe.picb
	p.writerDone = true
	p.bufferEmpty.Broadcast(wakeOnly{pe.k.sched})
	return nil
}
