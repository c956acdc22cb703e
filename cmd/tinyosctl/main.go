// Command tinyosctl boots a tinyos kernel core and drives it through
// the canned workloads spec.md §8 describes as seed tests: a pipe
// echo, a socket roundtrip, and a thread fan-out with mixed
// join/detach. It exists to exercise the core end-to-end outside of
// the test suite, the way a developer poking at the library from a
// terminal would.
package main

import (
	"bytes"
	"fmt"
	"os"

	"github.com/kamplianitis/TinyOsFinal"
	"github.com/kamplianitis/TinyOsFinal/kcc"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"
)

func main() {
	app := cli.NewApp()
	app.Name = "tinyosctl"
	app.Usage = "drive canned workloads through the tinyos kernel core"
	app.Flags = []cli.Flag{
		cli.IntFlag{Name: "cores", Value: 2, Usage: "simulated CPU cores"},
	}
	app.Commands = []cli.Command{
		{
			Name:  "demo",
			Usage: "run one seed-test scenario",
			Subcommands: []cli.Command{
				{Name: "pipe", Usage: "10000-byte pipe echo", Action: runDemo(pipeDemo)},
				{Name: "socket", Usage: "HELLO/WORLD socket roundtrip", Action: runDemo(socketDemo)},
				{Name: "threads", Usage: "8 joined + 1 detached thread fan-out", Action: runDemo(threadsDemo)},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		logrus.WithError(err).Fatal("tinyosctl failed")
	}
}

func runDemo(task tinyos.Task) cli.ActionFunc {
	return func(c *cli.Context) error {
		cores := c.GlobalInt("cores")
		if cores <= 0 {
			cores = 2
		}
		k := tinyos.New(cores)
		ec := k.Run(task, c.Args())
		fmt.Printf("exit status: %d\n", ec)
		return nil
	}
}

// pipeDemo writes 10000 bytes into a pipe and reads them back,
// verifying a byte-for-byte echo (spec.md §8 scenario 2).
func pipeDemo(th *tinyos.Thread, _ []string) int {
	r, w, err := th.Pipe()
	if err != nil {
		logrus.WithError(err).Error("pipe failed")
		return 1
	}

	const size = 10000
	payload := bytes.Repeat([]byte("tinyos-echo-"), size/len("tinyos-echo-")+1)[:size]

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
	if err != nil {
		logrus.WithError(err).Error("create writer thread failed")
		return 1
	}

	got := make([]byte, 0, size)
	buf := make([]byte, 1024)
	for len(got) < size {
		n, err := th.Read(r, buf)
		if err != nil {
			logrus.WithError(err).Error("pipe read failed")
			return 1
		}
		if n == 0 {
			break
		}
		got = append(got, buf[:n]...)
	}
	_ = th.Close(r)

	if !bytes.Equal(got, payload) {
		logrus.Error("pipe echo mismatch")
		return 1
	}
	logrus.WithField("bytes", len(got)).Info("pipe echo ok")
	return 0
}

// socketDemo listens on a port, connects to it, and exchanges a
// HELLO/WORLD roundtrip over the resulting peer sockets (spec.md §8
// scenario 3).
func socketDemo(th *tinyos.Thread, _ []string) int {
	const port = tinyos.Port(7)

	listenFid, err := th.Socket()
	if err != nil {
		logrus.WithError(err).Error("socket failed")
		return 1
	}
	if err := th.Listen(listenFid, port); err != nil {
		logrus.WithError(err).Error("listen failed")
		return 1
	}

	serverDone := make(chan int, 1)
	_, err = th.CreateThread(func(sth *tinyos.Thread, _ []string) int {
		peer, err := sth.Accept(listenFid)
		if err != nil {
			serverDone <- 1
			return 1
		}
		buf := make([]byte, 5)
		if _, err := sth.Read(peer, buf); err != nil {
			serverDone <- 1
			return 1
		}
		if string(buf) != "HELLO" {
			serverDone <- 1
			return 1
		}
		if _, err := sth.Write(peer, []byte("WORLD")); err != nil {
			serverDone <- 1
			return 1
		}
		_ = sth.Close(peer)
		serverDone <- 0
		return 0
	}, nil)
	if err != nil {
		logrus.WithError(err).Error("create server thread failed")
		return 1
	}

	client, err := th.Socket()
	if err != nil {
		logrus.WithError(err).Error("client socket failed")
		return 1
	}
	if err := th.Connect(client, port, kcc.NoTimeout); err != nil {
		logrus.WithError(err).Error("connect failed")
		return 1
	}
	if _, err := th.Write(client, []byte("HELLO")); err != nil {
		logrus.WithError(err).Error("client write failed")
		return 1
	}
	reply := make([]byte, 5)
	if _, err := th.Read(client, reply); err != nil {
		logrus.WithError(err).Error("client read failed")
		return 1
	}
	_ = th.Close(client)

	if <-serverDone != 0 || string(reply) != "WORLD" {
		logrus.Error("socket roundtrip failed")
		return 1
	}
	logrus.Info("socket roundtrip ok")
	return 0
}

// threadsDemo spawns 8 threads it joins and 1 it detaches (spec.md §8
// scenario 5: "8+1 threads").
func threadsDemo(th *tinyos.Thread, _ []string) int {
	var tids []tinyos.Tid
	for i := 0; i < 8; i++ {
		n := i
		tid, err := th.CreateThread(func(_ *tinyos.Thread, _ []string) int {
			return n
		}, nil)
		if err != nil {
			logrus.WithError(err).Error("create thread failed")
			return 1
		}
		tids = append(tids, tid)
	}

	detached, err := th.CreateThread(func(_ *tinyos.Thread, _ []string) int { return 0 }, nil)
	if err != nil {
		logrus.WithError(err).Error("create detached thread failed")
		return 1
	}
	if err := th.ThreadDetach(detached); err != nil {
		logrus.WithError(err).Error("detach failed")
		return 1
	}

	sum := 0
	for _, tid := range tids {
		ec, err := th.ThreadJoin(tid)
		if err != nil {
			logrus.WithError(err).Error("join failed")
			return 1
		}
		sum += ec
	}
	if sum != 0+1+2+3+4+5+6+7 {
		logrus.Error("join exit values did not match")
		return 1
	}
	logrus.WithField("sum", sum).Info("thread fan-out ok")
	return 0
}
