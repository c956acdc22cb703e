package tinyos

import (
	"sync"

	"github.com/pkg/errors"
)

// streamObj is the opaque per-kind payload an FCB dispatches Read/Write
// against: a *pipeEnd, an *SCB, or an *infoStream. Every concrete
// kind implements streamOps.
type streamObj interface{}

// streamOps is the file_ops vtable of spec.md §6 ("file-stream
// vtable"): Read/Write/Close dispatched through an FCB. There is no
// Open entry.
type streamOps interface {
	Read(th *Thread, obj streamObj, buf []byte) (int, error)
	Write(th *Thread, obj streamObj, buf []byte) (int, error)
	Close(obj streamObj) error
}

// FCB is one entry of the kernel-wide file control block table
// (spec.md §3). refcount is the number of file descriptors across all
// processes currently pointing at this FCB; it is only ever mutated
// with the kernel giant lock held.
type FCB struct {
	id       Fid
	refcount int
	ops      streamOps
	obj      streamObj
}

// FCBTable is the external FCB collaborator spec.md §1 lists: a fixed
// table of refcounted, vtable-dispatched streams shared by pipes,
// sockets, and the process-info reflection stream.
type FCBTable struct {
	mu   sync.Mutex
	rows [MaxFileID * (MaxProc/8 + 1)]*FCB // generous flat backing store
	free []int
	next int
}

func newFCBTable() *FCBTable {
	t := &FCBTable{}
	t.free = make([]int, 0, len(t.rows))
	return t
}

// Reserve atomically finds n free slots, installs fresh FCBs with
// refcount 1 wrapping ops/objs, and returns them. If the table is
// exhausted it rolls back and returns nil, false — mirroring
// FCB_reserve's all-or-nothing contract.
func (t *FCBTable) Reserve(ops []streamOps, objs []streamObj) ([]*FCB, bool) {
	n := len(ops)
	t.mu.Lock()
	defer t.mu.Unlock()

	ids := make([]int, 0, n)
	for len(ids) < n {
		if len(t.free) > 0 {
			ids = append(ids, t.free[len(t.free)-1])
			t.free = t.free[:len(t.free)-1]
			continue
		}
		if t.next >= len(t.rows) {
			// Not enough room: put back what we took from the
			// freelist and fail.
			for _, id := range ids {
				t.free = append(t.free, id)
			}
			return nil, false
		}
		ids = append(ids, t.next)
		t.next++
	}

	out := make([]*FCB, n)
	for i, id := range ids {
		fcb := &FCB{id: Fid(id), refcount: 1, ops: ops[i], obj: objs[i]}
		t.rows[id] = fcb
		out[i] = fcb
	}
	return out, true
}

// Incref bumps fcb's refcount. Caller holds the kernel giant lock.
func (t *FCBTable) Incref(fcb *FCB) {
	if fcb == nil {
		return
	}
	fcb.refcount++
}

// Read looks fid up under the kernel giant lock, then dispatches
// through its FCB vtable with the lock released. Stream
// implementations take the giant lock themselves and release it while
// they block (see pipe.go/socket.go).
func (k *Kernel) Read(th *Thread, fid Fid, buf []byte) (int, error) {
	k.giant.Lock()
	fcb := fidLookup(th.tcb.owner, fid)
	if fcb == nil {
		k.giant.Unlock()
		return 0, ErrBadTid
	}
	k.giant.Unlock()
	return fcb.ops.Read(th, fcb.obj, buf)
}

// Write dispatches through fid's FCB vtable.
func (k *Kernel) Write(th *Thread, fid Fid, buf []byte) (int, error) {
	k.giant.Lock()
	fcb := fidLookup(th.tcb.owner, fid)
	if fcb == nil {
		k.giant.Unlock()
		return 0, ErrBadTid
	}
	k.giant.Unlock()
	return fcb.ops.Write(th, fcb.obj, buf)
}

// CloseFid releases the caller's reference to fid, running the
// underlying stream's Close once no fd anywhere still refers to it.
func (k *Kernel) CloseFid(th *Thread, fid Fid) error {
	k.giant.Lock()
	defer k.giant.Unlock()
	owner := th.tcb.owner
	if int(fid) < 0 || int(fid) >= len(owner.fidt) || owner.fidt[fid] == nil {
		return ErrBadTid
	}
	fcb := owner.fidt[fid]
	owner.fidt[fid] = nil
	return k.fcb.Decref(fcb)
}

func fidLookup(owner *PCB, fid Fid) *FCB {
	if int(fid) < 0 || int(fid) >= len(owner.fidt) {
		return nil
	}
	return owner.fidt[fid]
}

// Decref drops fcb's refcount, closing and freeing the slot once it
// reaches zero. Caller holds the kernel giant lock.
func (t *FCBTable) Decref(fcb *FCB) error {
	if fcb == nil {
		return nil
	}
	fcb.refcount--
	if fcb.refcount > 0 {
		return nil
	}
	err := fcb.ops.Close(fcb.obj)
	t.mu.Lock()
	t.rows[fcb.id] = nil
	t.free = append(t.free, int(fcb.id))
	t.mu.Unlock()
	if err != nil {
		return errors.Wrapf(err, "closing fid %d", fcb.id)
	}
	return nil
}
