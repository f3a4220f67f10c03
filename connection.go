//go:build linux

// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package tcpproxy

import (
	"errors"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Connection pairs two Forwarders over one client socket and one upstream
// socket: clientToUpstream reads the client and writes the upstream,
// upstreamToClient reads the upstream and writes the client.
//
// A socket is no longer needed once both the Forwarder reading from it and
// the Forwarder writing to it have finished their half of the flow; the
// Connection is retired once neither socket is needed.
type Connection struct {
	client, upstream *FD

	clientToUpstream *Forwarder
	upstreamToClient *Forwarder

	log *zap.SugaredLogger

	// appliedClientInterest/appliedUpstreamInterest cache the interest mask
	// last reported to the caller, so the event loop can skip an epoll_ctl
	// call when nothing actually changed since the previous iteration.
	appliedClientInterest   uint32
	appliedUpstreamInterest uint32
}

// noInterestApplied is not a valid EPOLLIN/EPOLLOUT combination, so it never
// collides with a real interest mask; it marks that no epoll_ctl call has
// recorded an applied mask yet.
const noInterestApplied = ^uint32(0)

// NewConnection builds a Connection over an already-accepted client socket
// and an already-(non-blocking-)connected upstream socket. log may be nil.
func NewConnection(client, upstream *FD, bufferSize int, log *zap.SugaredLogger) *Connection {
	c := &Connection{
		client:                  client,
		upstream:                upstream,
		log:                     log,
		appliedClientInterest:   noInterestApplied,
		appliedUpstreamInterest: noInterestApplied,
	}
	c.clientToUpstream = NewForwarder(bufferSize, c.diagnostic("client socket"))
	c.upstreamToClient = NewForwarder(bufferSize, c.diagnostic("upstream socket"))
	return c
}

// diagnostic builds the ErrorFunc a Forwarder calls for a recv/send/shutdown
// failure, tagging it with which socket role it came from.
func (c *Connection) diagnostic(role string) ErrorFunc {
	return func(op string, err error) {
		if c.log == nil {
			return
		}
		// A send failure whose cause is an orderly peer close
		// (EPIPE/ECONNRESET) is downgraded to Debug instead of Error.
		if op == "send" && (errors.Is(err, unix.EPIPE) || errors.Is(err, unix.ECONNRESET)) {
			c.log.Debugw("data path", "socket", role, "op", op, "error", err)
			return
		}
		c.log.Errorw("data path", "socket", role, "op", op, "error", err)
	}
}

// ClientFD returns the raw client descriptor, or invalidFD once closed.
func (c *Connection) ClientFD() int { return c.client.Fd() }

// UpstreamFD returns the raw upstream descriptor, or invalidFD once closed.
func (c *Connection) UpstreamFD() int { return c.upstream.Fd() }

// ClientInterest reports the epoll interest mask (EPOLLIN/EPOLLOUT) wanted
// for the client socket, or 0 if the client socket is already closed.
func (c *Connection) ClientInterest() uint32 {
	return interestMask(c.client, c.clientToUpstream, c.upstreamToClient)
}

// UpstreamInterest reports the epoll interest mask wanted for the upstream
// socket, or 0 if the upstream socket is already closed.
func (c *Connection) UpstreamInterest() uint32 {
	return interestMask(c.upstream, c.upstreamToClient, c.clientToUpstream)
}

// ClientInterestChanged reports the current client interest mask and
// whether it differs from the mask last returned by this method, recording
// the new value as applied. Used to skip a redundant epoll_ctl(MOD) when a
// connection's interest is unchanged since the previous loop iteration.
func (c *Connection) ClientInterestChanged() (mask uint32, changed bool) {
	mask = c.ClientInterest()
	changed = mask != c.appliedClientInterest
	c.appliedClientInterest = mask
	return mask, changed
}

// UpstreamInterestChanged is UpstreamInterest's counterpart to
// ClientInterestChanged.
func (c *Connection) UpstreamInterestChanged() (mask uint32, changed bool) {
	mask = c.UpstreamInterest()
	changed = mask != c.appliedUpstreamInterest
	c.appliedUpstreamInterest = mask
	return mask, changed
}

func interestMask(sock *FD, reader, writer *Forwarder) uint32 {
	if !sock.Valid() {
		return 0
	}
	var mask uint32
	if reader.WantSource() {
		mask |= unix.EPOLLIN
	}
	if writer.WantDestination() {
		mask |= unix.EPOLLOUT
	}
	return mask
}

// PrepareReadiness closes any socket whose reader and writer have both
// finished their half of the flow, and reports whether the Connection is
// still alive (has at least one open socket). Call this before assembling
// the epoll interest set for the next wait.
func (c *Connection) PrepareReadiness() bool {
	aliveClient := c.retireIfDone(c.client, c.clientToUpstream, c.upstreamToClient, "client socket")
	aliveUpstream := c.retireIfDone(c.upstream, c.upstreamToClient, c.clientToUpstream, "upstream socket")
	return aliveClient || aliveUpstream
}

func (c *Connection) retireIfDone(sock *FD, reader, writer *Forwarder, role string) bool {
	if !sock.Valid() {
		return false
	}
	if reader.SourceShutDown() && writer.DestinationShutDown() {
		if err := sock.Close(); err != nil && c.log != nil {
			c.log.Debugw("close", "socket", role, "error", err)
		}
		return false
	}
	return true
}

// Dispatch delivers one readiness notification to both forwarders.
// clientRevents/upstreamRevents are the raw epoll event bitmasks observed
// for the client/upstream sockets (0 if that socket was not in the epoll
// set, e.g. because it is already closed). Each Forwarder is handed both
// revents sets because its source and destination are different sockets.
//
// EPOLLERR and EPOLLHUP are always reported by epoll regardless of the
// registered interest mask (e.g. a non-blocking connect that fails before
// any bytes are exchanged: interest for a fresh connection is EPOLLIN-only,
// since nothing is buffered yet to send). Per the "error revent kills the
// connection is NOT the policy" rule, neither is acted on directly; instead
// either forces one recv/send attempt on the affected socket's forwarders
// so the real state transition still comes from the syscall's own return
// value, not from the revent.
func (c *Connection) Dispatch(clientRevents, upstreamRevents uint32) {
	clientErr := c.client.Valid() && clientRevents&(unix.EPOLLERR|unix.EPOLLHUP) != 0
	upstreamErr := c.upstream.Valid() && upstreamRevents&(unix.EPOLLERR|unix.EPOLLHUP) != 0
	if clientErr {
		c.logSocketError(c.client, "client socket")
	}
	if upstreamErr {
		c.logSocketError(c.upstream, "upstream socket")
	}

	var clientSock, upstreamSock socket
	if c.client.Valid() {
		clientSock = c.client
	}
	if c.upstream.Valid() {
		upstreamSock = c.upstream
	}

	c.clientToUpstream.HandleEvents(
		clientSock, clientRevents&unix.EPOLLIN != 0 || clientErr,
		upstreamSock, upstreamRevents&unix.EPOLLOUT != 0 || upstreamErr,
	)
	c.upstreamToClient.HandleEvents(
		upstreamSock, upstreamRevents&unix.EPOLLIN != 0 || upstreamErr,
		clientSock, clientRevents&unix.EPOLLOUT != 0 || clientErr,
	)
}

func (c *Connection) logSocketError(sock *FD, role string) {
	if c.log == nil {
		return
	}
	if err := socketError(sock); err != nil {
		c.log.Errorw("socket error", "socket", role, "error", err)
	}
}

// Close forces both sockets closed, regardless of forwarder state. Used
// when the event loop itself is tearing down (e.g. on signal).
func (c *Connection) Close() {
	c.client.Close()
	c.upstream.Close()
}
