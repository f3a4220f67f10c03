// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package tcpproxy

// socket is the minimal non-blocking recv/send/shutdown surface a Forwarder
// needs from a live connection endpoint. *FD implements this against real
// sockets (dial.go); tests substitute fakes so the state machine below is
// exercised without a kernel.
type socket interface {
	// recvNonblock attempts one non-blocking receive into p. It returns
	// ErrWouldBlock if the socket has no data ready, (0, nil) on orderly
	// EOF, and any other error as a receive failure.
	recvNonblock(p []byte) (int, error)

	// sendNonblock attempts one non-blocking send of p, suppressing
	// SIGPIPE. It returns ErrWouldBlock if the socket cannot currently
	// accept data.
	sendNonblock(p []byte) (int, error)

	// shutdownWrite half-closes the socket for further writes.
	shutdownWrite() error
}

// ErrorFunc receives a diagnostic for a failed recv/send/shutdown attempt.
// op is "recv", "send" or "shutdown"; a nil ErrorFunc disables diagnostics.
type ErrorFunc func(op string, err error)

// Forwarder moves bytes in one direction of a proxied connection, through a
// fixed-capacity RingBuffer, tracking independent half-close state for its
// source and destination.
//
// Invariant: once DestinationShutDown() is true, SourceShutDown() is also true — once
// the forward flow can no longer reach its destination, continuing to
// buffer from the source serves no purpose.
type Forwarder struct {
	buf      *RingBuffer
	recvDown bool
	sendDown bool
	onError  ErrorFunc
}

// NewForwarder constructs a Forwarder with its own ring buffer of the given
// capacity. onError may be nil.
func NewForwarder(bufferSize int, onError ErrorFunc) *Forwarder {
	return &Forwarder{buf: NewRingBuffer(bufferSize), onError: onError}
}

// SourceShutDown reports whether the source side of this direction has
// reached EOF or an unrecoverable receive error.
func (f *Forwarder) SourceShutDown() bool { return f.recvDown }

// DestinationShutDown reports whether the destination side of this
// direction will accept no further bytes.
func (f *Forwarder) DestinationShutDown() bool { return f.sendDown }

// WantSource reports whether this Forwarder wants to be notified when its
// source socket becomes readable: it does, unless the source is already
// done or the buffer has no room left for another receive.
func (f *Forwarder) WantSource() bool {
	return !f.recvDown && !f.buf.Full()
}

// WantDestination reports whether this Forwarder wants to be notified when
// its destination socket becomes writable: it does, unless the destination
// is already done or there is nothing buffered to send.
func (f *Forwarder) WantDestination() bool {
	return !f.sendDown && !f.buf.Empty()
}

// HandleEvents drives one iteration of the forwarder's state machine.
// sourceReadable/destWritable report whether the caller saw readiness on
// the source/destination socket (Connection.Dispatch also sets them on
// EPOLLERR/EPOLLHUP). A recv or send is attempted only when the flag is set
// and the Forwarder currently wants that side (WantSource/WantDestination),
// so readiness never causes a recv into a full buffer or after the source
// is done, nor a send from an empty buffer or after the destination is done.
//
// A nil source or destination means that side of the connection is already
// closed; the corresponding step is skipped.
func (f *Forwarder) HandleEvents(source socket, sourceReadable bool, destination socket, destWritable bool) {
	if source != nil && sourceReadable && f.WantSource() {
		f.recv(source)
	}

	if destination != nil && destWritable && f.WantDestination() {
		f.send(destination)
	}

	if destination != nil && !f.sendDown && f.recvDown && f.buf.Empty() {
		f.sendDown = true
		if err := destination.shutdownWrite(); err != nil && f.onError != nil {
			f.onError("shutdown", err)
		}
	}
}

func (f *Forwarder) recv(source socket) {
	n, err := source.recvNonblock(f.buf.WritePointer())
	switch {
	case err == ErrWouldBlock:
		// Spurious wake or a revent outside our current interest; nothing
		// to do, try again on the next readiness notification.
	case err != nil:
		f.recvDown = true
		if f.onError != nil {
			f.onError("recv", err)
		}
	case n == 0:
		// Orderly EOF; not an error worth a diagnostic.
		f.recvDown = true
	default:
		f.buf.Written(n)
	}
}

func (f *Forwarder) send(destination socket) {
	n, err := destination.sendNonblock(f.buf.ReadPointer())
	switch {
	case err == ErrWouldBlock:
	case err != nil || n <= 0:
		// A dead downstream kills this direction entirely: buffering more
		// from the source would only build unbounded head-of-line blocking
		// on the peer's back-direction.
		f.sendDown = true
		f.recvDown = true
		if err != nil && f.onError != nil {
			f.onError("send", err)
		}
	default:
		f.buf.Read(n)
	}
}
