package tinyos

import "github.com/kamplianitis/TinyOsFinal/kcc"

// sockKind is the SCB tagged union spec.md §4.D describes: a socket
// starts Unbound, becomes a Listener once Listen is called on it, or
// becomes a Peer once Connect/Accept wires it to another socket. An
// SCB leaves Unbound at most once and never changes role after that.
type sockKind int

const (
	Unbound sockKind = iota
	Listener
	Peer
)

// request is one pending Connect, queued on a listener until Accept
// consumes it or the caller's timeout/listener teardown releases it.
type request struct {
	client *SCB
	accepted bool
	ready    kcc.CondVar
}

// SCB is one socket control block.
type SCB struct {
	k    *Kernel
	kind sockKind
	port Port

	// Listener fields.
	reqQueue []*request
	reqAvail kcc.CondVar

	// Peer fields: two independent PICBs, each half owned by one side.
	// recv is written by the remote peer and read by us; send is
	// written by us and read by the remote peer.
	recv *PICB
	send *PICB
}

type socketOps struct{}

// Socket allocates a fresh, Unbound socket.
func (k *Kernel) Socket(th *Thread) (Fid, error) {
	k.giant.Lock()
	defer k.giant.Unlock()

	owner := th.tcb.owner
	slot, ok := allocFid(owner)
	if !ok {
		return NoFile, ErrFidTableFull
	}
	scb := &SCB{k: k, kind: Unbound, port: NoPort}
	fcbs, ok := k.fcb.Reserve([]streamOps{socketOps{}}, []streamObj{scb})
	if !ok {
		return NoFile, ErrFidTableFull
	}
	owner.fidt[slot] = fcbs[0]
	return Fid(slot), nil
}

func (k *Kernel) scbOf(owner *PCB, fid Fid) (*SCB, error) {
	fcb := fidLookup(owner, fid)
	if fcb == nil {
		return nil, ErrBadTid
	}
	scb, ok := fcb.obj.(*SCB)
	if !ok {
		return nil, ErrNotBound
	}
	return scb, nil
}

// Listen binds fid to port and turns it into a listening socket.
func (k *Kernel) Listen(th *Thread, fid Fid, port Port) error {
	k.giant.Lock()
	defer k.giant.Unlock()

	if port < 0 || int(port) >= MaxPort {
		return ErrBadPort
	}
	scb, err := k.scbOf(th.tcb.owner, fid)
	if err != nil {
		return err
	}
	if scb.kind != Unbound {
		return ErrNotBound
	}
	if k.ports[port] != nil {
		return ErrPortInUse
	}
	scb.kind = Listener
	scb.port = port
	k.ports[port] = scb
	k.log.WithField("port", port).Debug("socket listening")
	return nil
}

// Connect pushes a connection request onto port's listener and blocks
// until Accept wires it up, the timeout elapses, or the listener is
// torn down. timeout of kcc.NoTimeout blocks indefinitely.
func (k *Kernel) Connect(th *Thread, fid Fid, port Port, timeout kcc.Tick) error {
	k.giant.Lock()

	if port < 0 || int(port) >= MaxPort {
		k.giant.Unlock()
		return ErrBadPort
	}
	client, err := k.scbOf(th.tcb.owner, fid)
	if err != nil {
		k.giant.Unlock()
		return err
	}
	if client.kind != Unbound {
		k.giant.Unlock()
		return ErrNotBound
	}
	listener := k.ports[port]
	if listener == nil || listener.kind != Listener {
		k.giant.Unlock()
		return ErrNotListener
	}

	req := &request{client: client}
	listener.reqQueue = append([]*request{req}, listener.reqQueue...) // push_front
	listener.reqAvail.Broadcast(th.Ops())

	woken := req.ready.TimedWait(th.Ops(), &k.giant, kcc.CausePipe, timeout)
	defer k.giant.Unlock()

	if req.accepted {
		return nil
	}
	if !woken {
		removeRequest(listener, req)
		return ErrConnectTimeout
	}
	// Woken but not accepted: the listener was closed out from under
	// us. Treat it the same as a failed connection attempt.
	removeRequest(listener, req)
	return ErrPeerClosed
}

func removeRequest(listener *SCB, req *request) {
	for i, r := range listener.reqQueue {
		if r == req {
			listener.reqQueue = append(listener.reqQueue[:i], listener.reqQueue[i+1:]...)
			return
		}
	}
}

// Accept waits for a pending Connect on fid (which must be Listening),
// wires the two ends together with a fresh pair of pipes, and installs
// the new Peer socket into a free fd of the calling process.
//
// After every wake Accept re-checks that this listener still owns its
// port, preserving the original's "manos change" behavior: a wake with
// the queue still empty just waits again, while a listener that was
// closed meanwhile (including one whose port is now bound to another
// socket) makes Accept fail with ErrNotListener.
func (k *Kernel) Accept(th *Thread, fid Fid) (Fid, error) {
	k.giant.Lock()
	defer k.giant.Unlock()

	owner := th.tcb.owner
	listenerFcb := fidLookup(owner, fid)
	if listenerFcb == nil {
		return NoFile, ErrBadTid
	}
	listener, ok := listenerFcb.obj.(*SCB)
	if !ok || listener.kind != Listener {
		return NoFile, ErrNotListener
	}
	port := listener.port

	k.fcb.Incref(listenerFcb)
	defer k.fcb.Decref(listenerFcb)

	for len(listener.reqQueue) == 0 {
		if k.ports[port] != listener {
			return NoFile, ErrNotListener
		}
		listener.reqAvail.Wait(th.Ops(), &k.giant, kcc.CauseUser)
	}
	if k.ports[port] != listener {
		return NoFile, ErrNotListener
	}

	n := len(listener.reqQueue)
	req := listener.reqQueue[n-1] // pop_back, matching push_front above: FIFO order
	listener.reqQueue = listener.reqQueue[:n-1]

	clientToServer := &PICB{}
	serverToClient := &PICB{}

	server := &SCB{k: k, kind: Peer, recv: clientToServer, send: serverToClient}
	req.client.kind = Peer
	req.client.recv = serverToClient
	req.client.send = clientToServer

	slot, ok := allocFid(owner)
	if !ok {
		return NoFile, ErrFidTableFull
	}
	fcbs, ok := k.fcb.Reserve([]streamOps{socketOps{}}, []streamObj{server})
	if !ok {
		return NoFile, ErrFidTableFull
	}
	owner.fidt[slot] = fcbs[0]

	req.accepted = true
	req.ready.Broadcast(th.Ops())

	return Fid(slot), nil
}

// ShutDown half-closes a connected socket: how selects which
// direction(s) to tear down, matching the original's SHUT_RD / SHUT_WR
// / SHUT_RDWR values.
type ShutdownMode int

const (
	ShutRD ShutdownMode = iota + 1
	ShutWR
	ShutRDWR
)

func (k *Kernel) ShutDown(th *Thread, fid Fid, how ShutdownMode) error {
	k.giant.Lock()
	defer k.giant.Unlock()

	scb, err := k.scbOf(th.tcb.owner, fid)
	if err != nil {
		return err
	}
	if scb.kind != Peer {
		return ErrNotPeer
	}
	if how == ShutRD || how == ShutRDWR {
		scb.recv.readerDone = true
		scb.recv.bufferFull.Broadcast(th.Ops())
	}
	if how == ShutWR || how == ShutRDWR {
		scb.send.writerDone = true
		scb.send.bufferEmpty.Broadcast(th.Ops())
	}
	return nil
}

// Read implements the socket vtable: only Peer sockets are readable,
// through their recv pipe.
func (socketOps) Read(th *Thread, obj streamObj, buf []byte) (int, error) {
	scb := obj.(*SCB)
	if scb.kind != Peer {
		return 0, ErrNotPeer
	}
	return readPipeOps{}.Read(th, &pipeEnd{k: scb.k, picb: scb.recv, isReader: true}, buf)
}

// Write implements the socket vtable: only Peer sockets are writable,
// through their send pipe.
func (socketOps) Write(th *Thread, obj streamObj, buf []byte) (int, error) {
	scb := obj.(*SCB)
	if scb.kind != Peer {
		return 0, ErrNotPeer
	}
	return writePipeOps{}.Write(th, &pipeEnd{k: scb.k, picb: scb.send, isReader: false}, buf)
}

// Close tears down whichever role the socket was playing: a Listener
// drains its pending requests (each Connect sees ErrPeerClosed), a
// Peer closes both of its pipe halves.
func (socketOps) Close(obj streamObj) error {
	scb := obj.(*SCB)
	switch scb.kind {
	case Listener:
		if scb.k.ports[scb.port] == scb {
			scb.k.ports[scb.port] = nil
		}
		pending := scb.reqQueue
		scb.reqQueue = nil
		for _, req := range pending {
			req.ready.Broadcast(wakeOnly{scb.k.sched})
		}
		scb.reqAvail.Broadcast(wakeOnly{scb.k.sched})
	case Peer:
		scb.recv.readerDone = true
		scb.recv.bufferFull.Broadcast(wakeOnly{scb.k.sched})
		scb.send.writerDone = true
		scb.send.bufferEmpty.Broadcast(wakeOnly{scb.k.sched})
	case Unbound:
	}
	return nil
}
