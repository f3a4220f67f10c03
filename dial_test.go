//go:build linux

// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package tcpproxy

import (
	"strconv"
	"testing"

	"golang.org/x/sys/unix"
)

func TestListenAcceptDialRoundTrip(t *testing.T) {
	listener, err := newListener("127.0.0.1", "0", DefaultBacklog)
	if err != nil {
		t.Fatalf("newListener: %v", err)
	}
	defer listener.Close()

	sa, err := unix.Getsockname(listener.Fd())
	if err != nil {
		t.Fatalf("getsockname: %v", err)
	}
	addr := *sa.(*unix.SockaddrInet4)

	dialed, err := dialUpstreamNonblock("127.0.0.1", portString(addr.Port))
	if err != nil {
		t.Fatalf("dialUpstreamNonblock: %v", err)
	}
	defer dialed.Close()

	if err := waitWritable(dialed.Fd()); err != nil {
		t.Fatalf("waitWritable: %v", err)
	}
	if err := socketError(dialed); err != nil {
		t.Fatalf("socketError after connect: %v", err)
	}

	if err := waitReadable(listener.Fd()); err != nil {
		t.Fatalf("waitReadable on listener: %v", err)
	}
	accepted, err := acceptConn(listener)
	if err != nil {
		t.Fatalf("acceptConn: %v", err)
	}
	defer accepted.Close()

	payload := []byte("round trip")
	n, err := dialed.sendNonblock(payload)
	if err != nil {
		t.Fatalf("sendNonblock: %v", err)
	}
	if n != len(payload) {
		t.Fatalf("short send: got %d want %d", n, len(payload))
	}

	if err := waitReadable(accepted.Fd()); err != nil {
		t.Fatalf("waitReadable on accepted: %v", err)
	}
	buf := make([]byte, 64)
	n, err = accepted.recvNonblock(buf)
	if err != nil {
		t.Fatalf("recvNonblock: %v", err)
	}
	if string(buf[:n]) != string(payload) {
		t.Fatalf("got %q want %q", buf[:n], payload)
	}
}

func TestAcceptConnReportsWouldBlockWhenQueueEmpty(t *testing.T) {
	listener, err := newListener("127.0.0.1", "0", DefaultBacklog)
	if err != nil {
		t.Fatalf("newListener: %v", err)
	}
	defer listener.Close()

	_, err = acceptConn(listener)
	if err != ErrWouldBlock {
		t.Fatalf("got %v, want ErrWouldBlock", err)
	}
}

func TestRecvNonblockReportsWouldBlockOnIdleSocket(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	a, b := wrapFD(fds[0]), wrapFD(fds[1])
	defer a.Close()
	defer b.Close()

	buf := make([]byte, 16)
	_, err = a.recvNonblock(buf)
	if err != ErrWouldBlock {
		t.Fatalf("got %v, want ErrWouldBlock", err)
	}
}

func TestShutdownWritePropagatesEOF(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	a, b := wrapFD(fds[0]), wrapFD(fds[1])
	defer a.Close()
	defer b.Close()

	if err := a.shutdownWrite(); err != nil {
		t.Fatalf("shutdownWrite: %v", err)
	}

	if err := waitReadable(b.Fd()); err != nil {
		t.Fatalf("waitReadable: %v", err)
	}
	n, err := b.recvNonblock(make([]byte, 16))
	if err != nil {
		t.Fatalf("recvNonblock: %v", err)
	}
	if n != 0 {
		t.Fatalf("got n=%d, want 0 (EOF)", n)
	}
}

// waitReadable/waitWritable are test-only helpers built directly on
// unix.Poll, used so dial_test.go does not depend on internal/epoll.
func waitReadable(fd int) error {
	pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	_, err := unix.Poll(pfd, 2000)
	return err
}

func waitWritable(fd int) error {
	pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
	_, err := unix.Poll(pfd, 2000)
	return err
}

func portString(p int) string {
	return strconv.Itoa(p)
}
