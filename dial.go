//go:build linux

// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package tcpproxy

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"golang.org/x/sys/unix"
)

// recvNonblock implements socket for *FD against a real kernel socket. A
// short read due to EAGAIN/EWOULDBLOCK is reported as ErrWouldBlock; EINTR
// (e.g. Go's own asynchronous preemption signal racing the syscall) is
// retried rather than surfaced, since it carries no information about the
// connection's health. Any other error is returned unwrapped; Connection's
// diagnostic logs recv failures at Error level (only send failures with
// EPIPE/ECONNRESET are downgraded to Debug).
func (f *FD) recvNonblock(p []byte) (int, error) {
	for {
		n, err := unix.Read(f.Fd(), p)
		if err != nil {
			switch err {
			case unix.EAGAIN, unix.EWOULDBLOCK:
				return 0, ErrWouldBlock
			case unix.EINTR:
				continue
			}
			return 0, err
		}
		return n, nil
	}
}

// sendNonblock implements socket for *FD. It uses unix.Write rather than
// unix.Sendto: the latter's wrapper in golang.org/x/sys/unix discards the
// partial-write byte count, which the ring buffer's read cursor needs to
// advance correctly. No MSG_NOSIGNAL-equivalent flag is needed here: the Go
// runtime already ignores SIGPIPE raised by a write to any descriptor other
// than stdout/stderr, so a write to a dead peer socket surfaces as a plain
// EPIPE error instead of terminating the process. EINTR is retried for the
// same reason recvNonblock retries it.
func (f *FD) sendNonblock(p []byte) (int, error) {
	for {
		n, err := unix.Write(f.Fd(), p)
		if err != nil {
			switch err {
			case unix.EAGAIN, unix.EWOULDBLOCK:
				return 0, ErrWouldBlock
			case unix.EINTR:
				continue
			}
			return 0, err
		}
		return n, nil
	}
}

// shutdownWrite half-closes the socket for further writes, propagating this
// side's EOF to the peer.
func (f *FD) shutdownWrite() error {
	return unix.Shutdown(f.Fd(), unix.SHUT_WR)
}

// socketError reads and clears SO_ERROR, the idiomatic way to learn why an
// epoll EPOLLERR notification fired.
func socketError(f *FD) error {
	errno, err := unix.GetsockoptInt(f.Fd(), unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if errno == 0 {
		return nil
	}
	return unix.Errno(errno)
}

// resolveIPv4 resolves host to its first IPv4 address. Listen and upstream
// addresses are numeric-or-hostname IPv4 only; Go's net package is used for
// the lookup instead of cgo getaddrinfo, restricted to the "ip4" network so
// a AAAA-only name fails to resolve rather than silently dialing IPv6.
func resolveIPv4(host string) (net.IP, error) {
	ips, err := net.DefaultResolver.LookupIP(context.Background(), "ip4", host)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", host, err)
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("resolve %q: no IPv4 address found", host)
	}
	return ips[0].To4(), nil
}

func parseNumericPort(port string) (uint16, error) {
	n, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q: %w", port, err)
	}
	return uint16(n), nil
}

func sockaddrFor(ip net.IP, port uint16) *unix.SockaddrInet4 {
	sa := &unix.SockaddrInet4{Port: int(port)}
	copy(sa.Addr[:], ip.To4())
	return sa
}

// newListener creates, binds and listens on a non-blocking IPv4 TCP socket.
func newListener(host, port string, backlog int) (*FD, error) {
	ip, err := resolveIPv4(host)
	if err != nil {
		return nil, err
	}
	p, err := parseNumericPort(port)
	if err != nil {
		return nil, err
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}
	l := wrapFD(fd)

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		l.Close()
		return nil, fmt.Errorf("setsockopt SO_REUSEADDR: %w", err)
	}
	if err := unix.Bind(fd, sockaddrFor(ip, p)); err != nil {
		l.Close()
		return nil, fmt.Errorf("bind %s:%s: %w", host, port, err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		l.Close()
		return nil, fmt.Errorf("listen: %w", err)
	}
	return l, nil
}

// acceptConn accepts one pending connection from a non-blocking listener,
// returning the already-non-blocking client FD. It reports ErrWouldBlock
// when the accept queue is currently empty, and retries internally on
// EINTR rather than surfacing it as an accept failure.
func acceptConn(listener *FD) (*FD, error) {
	var nfd int
	var err error
	for {
		nfd, _, err = unix.Accept4(listener.Fd(), unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			switch err {
			case unix.EAGAIN, unix.EWOULDBLOCK:
				return nil, ErrWouldBlock
			case unix.EINTR:
				continue
			}
			return nil, err
		}
		break
	}
	f := wrapFD(nfd)
	if err := setKeepAlive(f); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}

// setKeepAlive enables TCP keepalive on an accepted or dialed connection, so
// a peer that silently vanishes (power loss, network partition) is
// eventually detected instead of leaking the Connection forever.
func setKeepAlive(f *FD) error {
	if err := unix.SetsockoptInt(f.Fd(), unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1); err != nil {
		return fmt.Errorf("setsockopt SO_KEEPALIVE: %w", err)
	}
	return nil
}

// dialUpstreamNonblock starts a non-blocking connect to host:port and
// returns immediately; the connection may still be in progress (EINPROGRESS).
// Completion is not checked here: a connect that later fails surfaces as an
// error from the socket's first recv/send attempt, or through socketError.
func dialUpstreamNonblock(host, port string) (*FD, error) {
	ip, err := resolveIPv4(host)
	if err != nil {
		return nil, err
	}
	p, err := parseNumericPort(port)
	if err != nil {
		return nil, err
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}
	f := wrapFD(fd)
	if err := setKeepAlive(f); err != nil {
		f.Close()
		return nil, err
	}

	err = unix.Connect(fd, sockaddrFor(ip, p))
	if err != nil && err != unix.EINPROGRESS {
		f.Close()
		return nil, fmt.Errorf("connect %s:%s: %w", host, port, err)
	}
	return f, nil
}
