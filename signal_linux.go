//go:build linux

// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package tcpproxy

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sys/unix"
)

// shutdownSignal bridges os/signal's channel-based delivery into the
// single-threaded epoll loop via the self-pipe trick: a dedicated goroutine
// waits on signal.Notify and writes one byte into a non-blocking pipe whose
// read end sits in the same epoll set as every socket. signalfd was
// considered and rejected: it requires the delivering thread to have
// SIGINT/SIGTERM blocked, but blocking a signal mask only ever affects the
// calling OS thread, and the Go runtime freely schedules goroutines across
// many OS threads it creates on demand — there is no single call that blocks
// a signal process-wide the way pthread_sigmask does for a single-threaded C
// program. os/signal already solves exactly this problem internally; the
// self-pipe only adapts its channel delivery into a readiness event.
type shutdownSignal struct {
	read, write *os.File
	ch          chan os.Signal
}

// newShutdownSignal installs a SIGINT/SIGTERM handler and returns the read
// end of the self-pipe as an *FD ready to register in the event loop's
// epoll set, plus a wake function. wake lets a caller other than the
// signal handler (EventLoop.Run's stop channel) post the same readiness
// notification, so the loop's epoll_wait can block with an infinite
// timeout and still be woken by either a real signal or a programmatic
// stop request.
func newShutdownSignal() (fd *FD, wake func(), cleanup func(), err error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("pipe: %w", err)
	}
	if err := unix.SetNonblock(int(r.Fd()), true); err != nil {
		r.Close()
		w.Close()
		return nil, nil, nil, fmt.Errorf("set read end nonblocking: %w", err)
	}
	if err := unix.SetNonblock(int(w.Fd()), true); err != nil {
		r.Close()
		w.Close()
		return nil, nil, nil, fmt.Errorf("set write end nonblocking: %w", err)
	}

	s := &shutdownSignal{read: r, write: w, ch: make(chan os.Signal, 2)}
	signal.Notify(s.ch, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		for range s.ch {
			// Multiple signals may coalesce into one pipe byte; the event
			// loop only needs to know shutdown was requested at least once.
			s.write.Write([]byte{0})
		}
	}()

	wake = func() {
		s.write.Write([]byte{0})
	}

	cleanup = func() {
		signal.Stop(s.ch)
		close(s.ch)
		s.write.Close()
		s.read.Close()
	}

	// dup so *FD's unix.Close doesn't race os.File's own finalizer-driven
	// close of the same descriptor.
	dupFd, err := unix.FcntlInt(r.Fd(), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		cleanup()
		return nil, nil, nil, fmt.Errorf("dup signal pipe read end: %w", err)
	}
	return wrapFD(dupFd), wake, cleanup, nil
}

// drainShutdownSignal reads and discards pending self-pipe bytes, reporting
// whether at least one shutdown notification was observed.
func drainShutdownSignal(f *FD) (bool, error) {
	var buf [64]byte
	got := false
	for {
		n, err := unix.Read(f.Fd(), buf[:])
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return got, nil
			}
			return got, err
		}
		if n == 0 {
			return got, nil
		}
		got = true
	}
}
