package tinyos_test

import (
	"bytes"
	"testing"
	"time"

	"github.com/kamplianitis/TinyOsFinal"
	"github.com/kamplianitis/TinyOsFinal/kcc"
	"github.com/stretchr/testify/require"
)

// TestExecExitWait covers spec.md §8 scenario 1: a process execs a
// child, the child exits with a status, and the parent's WaitChild
// reaps it and observes that status.
func TestExecExitWait(t *testing.T) {
	var gotPid tinyos.Pid
	var gotStatus int
	var waitErr error

	ec := tinyos.New(2).Run(func(th *tinyos.Thread, _ []string) int {
		child, err := th.Exec(func(cth *tinyos.Thread, _ []string) int {
			return 42
		}, nil)
		require.NoError(t, err)

		gotPid, gotStatus, waitErr = th.WaitChild(child)
		return 0
	}, nil)

	require.Equal(t, 0, ec)
	require.NoError(t, waitErr)
	require.Equal(t, 42, gotStatus)
	require.True(t, gotPid >= 0)
}

// TestPipeEcho covers spec.md §8 scenario 2: 10000 bytes written to a
// pipe are read back byte-for-byte.
func TestPipeEcho(t *testing.T) {
	const size = 10000
	payload := bytes.Repeat([]byte{0xAB}, size)
	var got []byte

	ec := tinyos.New(2).Run(func(th *tinyos.Thread, _ []string) int {
		r, w, err := th.Pipe()
		require.NoError(t, err)

		_, err = th.CreateThread(func(wth *tinyos.Thread, _ []string) int {
			written := 0
			for written < len(payload) {
				n, err := wth.Write(w, payload[written:])
				if err != nil {
					return 1
				}
				written += n
			}
			_ = wth.Close(w)
			return 0
		}, nil)
		require.NoError(t, err)

		buf := make([]byte, 997) // odd size to force many partial reads
		for len(got) < size {
			n, err := th.Read(r, buf)
			require.NoError(t, err)
			if n == 0 {
				break
			}
			got = append(got, buf[:n]...)
		}
		_ = th.Close(r)
		return 0
	}, nil)

	require.Equal(t, 0, ec)
	require.Equal(t, payload, got)
}

// TestSocketRoundtrip covers spec.md §8 scenario 3: connect, write
// HELLO, read WORLD back.
func TestSocketRoundtrip(t *testing.T) {
	var reply string

	ec := tinyos.New(2).Run(func(th *tinyos.Thread, _ []string) int {
		const port = tinyos.Port(3)

		listener, err := th.Socket()
		require.NoError(t, err)
		require.NoError(t, th.Listen(listener, port))

		_, err = th.CreateThread(func(sth *tinyos.Thread, _ []string) int {
			peer, err := sth.Accept(listener)
			if err != nil {
				return 1
			}
			buf := make([]byte, 5)
			if _, err := sth.Read(peer, buf); err != nil || string(buf) != "HELLO" {
				return 1
			}
			if _, err := sth.Write(peer, []byte("WORLD")); err != nil {
				return 1
			}
			_ = sth.Close(peer)
			return 0
		}, nil)
		require.NoError(t, err)

		client, err := th.Socket()
		require.NoError(t, err)
		require.NoError(t, th.Connect(client, port, kcc.NoTimeout))

		_, err = th.Write(client, []byte("HELLO"))
		require.NoError(t, err)

		buf := make([]byte, 5)
		_, err = th.Read(client, buf)
		require.NoError(t, err)
		reply = string(buf)
		_ = th.Close(client)
		return 0
	}, nil)

	require.Equal(t, 0, ec)
	require.Equal(t, "WORLD", reply)
}

// TestConnectTimeout covers spec.md §8 scenario 4: Connect against a
// port nobody Accepts from gives up after its timeout.
func TestConnectTimeout(t *testing.T) {
	var connectErr error
	var elapsedOK bool

	ec := tinyos.New(1).Run(func(th *tinyos.Thread, _ []string) int {
		const port = tinyos.Port(9)

		listener, err := th.Socket()
		require.NoError(t, err)
		require.NoError(t, th.Listen(listener, port))

		client, err := th.Socket()
		require.NoError(t, err)

		start := time.Now()
		connectErr = th.Connect(client, port, 5)
		// 5 ticks of the default 1ms tick, with up to two ticks of slack
		// for where the current tick stood when Connect started and for
		// a late-delivered tick.
		elapsedOK = time.Since(start) >= 3*time.Millisecond
		return 0
	}, nil)

	require.Equal(t, 0, ec)
	require.Error(t, connectErr)
	require.True(t, elapsedOK)
}

// TestThreadJoinDetach covers spec.md §8 scenario 5: 8 joined threads
// plus 1 detached thread.
func TestThreadJoinDetach(t *testing.T) {
	var sum int
	var joinErrs int

	ec := tinyos.New(4).Run(func(th *tinyos.Thread, _ []string) int {
		var tids []tinyos.Tid
		for i := 0; i < 8; i++ {
			n := i
			tid, err := th.CreateThread(func(_ *tinyos.Thread, _ []string) int { return n }, nil)
			require.NoError(t, err)
			tids = append(tids, tid)
		}

		detached, err := th.CreateThread(func(_ *tinyos.Thread, _ []string) int { return 99 }, nil)
		require.NoError(t, err)
		require.NoError(t, th.ThreadDetach(detached))

		for _, tid := range tids {
			ec, err := th.ThreadJoin(tid)
			if err != nil {
				joinErrs++
				continue
			}
			sum += ec
		}
		return 0
	}, nil)

	require.Equal(t, 0, ec)
	require.Equal(t, 0, joinErrs)
	require.Equal(t, 0+1+2+3+4+5+6+7, sum)
}

// TestThreadJoinAfterExit exercises the corrected early-exit path
// (spec.md §9): joining a thread that has already exited must still
// hand back its real exit value, not a stale read through an
// unassigned pointer.
func TestThreadJoinAfterExit(t *testing.T) {
	var joined int
	var joinErr error

	ec := tinyos.New(1).Run(func(th *tinyos.Thread, _ []string) int {
		tid, err := th.CreateThread(func(_ *tinyos.Thread, _ []string) int { return 7 }, nil)
		require.NoError(t, err)

		// Give the new thread a chance to run to completion before we
		// join it, exercising the "already exited when Join is called"
		// path rather than the "Join arrives first and blocks" path.
		for i := 0; i < 64; i++ {
			// Each Yield gives up the only core so the new thread can
			// run; ThreadJoin still blocks correctly if the target
			// hasn't actually finished yet.
			th.Yield()
		}

		joined, joinErr = th.ThreadJoin(tid)
		return 0
	}, nil)

	require.Equal(t, 0, ec)
	require.NoError(t, joinErr)
	require.Equal(t, 7, joined)
}
