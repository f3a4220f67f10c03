//go:build linux

// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package epoll

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Event is one readiness notification: Fd is the descriptor it was
// registered under, Mask is the observed bitmask of unix.EPOLLIN/EPOLLOUT/
// EPOLLERR/EPOLLHUP.
type Event struct {
	Fd   int32
	Mask uint32
}

// Poller owns one epoll instance. It is not safe for concurrent use; the
// event loop that owns a Poller calls it from a single goroutine.
type Poller struct {
	fd     int
	events []unix.EpollEvent
}

// New creates an epoll instance sized for up to capacity simultaneous
// ready events per Wait call. capacity is a sizing hint, not a hard limit:
// Wait still drains every ready descriptor, over as many calls as needed.
func New(capacity int) (*Poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	if capacity <= 0 {
		capacity = 64
	}
	return &Poller{fd: fd, events: make([]unix.EpollEvent, capacity)}, nil
}

// Add registers fd for the given interest mask.
func (p *Poller) Add(fd int, mask uint32) error {
	ev := unix.EpollEvent{Events: mask, Fd: int32(fd)}
	if err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("epoll_ctl(ADD, %d): %w", fd, err)
	}
	return nil
}

// Modify updates the interest mask for an already-registered fd.
func (p *Poller) Modify(fd int, mask uint32) error {
	ev := unix.EpollEvent{Events: mask, Fd: int32(fd)}
	if err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return fmt.Errorf("epoll_ctl(MOD, %d): %w", fd, err)
	}
	return nil
}

// Remove deregisters fd. It is not an error to remove an fd that was
// already closed (and therefore implicitly deregistered by the kernel) or
// never added; EBADF and ENOENT are both swallowed so the event loop's
// teardown path doesn't need to track registration state precisely.
func (p *Poller) Remove(fd int) error {
	err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_DEL, fd, nil)
	if err != nil && err != unix.EBADF && err != unix.ENOENT {
		return fmt.Errorf("epoll_ctl(DEL, %d): %w", fd, err)
	}
	return nil
}

// Wait blocks until at least one registered descriptor is ready, or
// msecTimeout elapses (-1 blocks indefinitely), and appends ready events
// into dst. It retries internally on EINTR so a caller never has to.
func (p *Poller) Wait(dst []Event, msecTimeout int) ([]Event, error) {
	for {
		n, err := unix.EpollWait(p.fd, p.events, msecTimeout)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return dst, fmt.Errorf("epoll_wait: %w", err)
		}
		for i := 0; i < n; i++ {
			dst = append(dst, Event{Fd: p.events[i].Fd, Mask: p.events[i].Events})
		}
		return dst, nil
	}
}

// Close releases the epoll instance itself.
func (p *Poller) Close() error {
	return unix.Close(p.fd)
}
