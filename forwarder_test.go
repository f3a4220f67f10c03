// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package tcpproxy

import (
	"errors"
	"testing"
)

// fakeSocket is a minimal, allocation-free test double for the socket
// interface, scripted by the test to return exact bytes or errors in a
// fixed order.
type fakeSocket struct {
	recvScript []fakeStep
	recvAt     int
	sendScript []fakeStep
	sendAt     int
	shutErr    error
	shutCalled bool
}

type fakeStep struct {
	n   int
	b   []byte
	err error
}

func (s *fakeSocket) recvNonblock(p []byte) (int, error) {
	if s.recvAt >= len(s.recvScript) {
		return 0, ErrWouldBlock
	}
	st := s.recvScript[s.recvAt]
	s.recvAt++
	if st.b != nil {
		copy(p, st.b)
		return len(st.b), st.err
	}
	return st.n, st.err
}

func (s *fakeSocket) sendNonblock(p []byte) (int, error) {
	if s.sendAt >= len(s.sendScript) {
		return 0, ErrWouldBlock
	}
	st := s.sendScript[s.sendAt]
	s.sendAt++
	return st.n, st.err
}

func (s *fakeSocket) shutdownWrite() error {
	s.shutCalled = true
	return s.shutErr
}

func TestForwarderInterestMasks(t *testing.T) {
	f := NewForwarder(4, nil)
	if !f.WantSource() {
		t.Fatalf("fresh forwarder must want its source readable")
	}
	if f.WantDestination() {
		t.Fatalf("empty buffer must not want its destination writable")
	}

	src := &fakeSocket{recvScript: []fakeStep{{b: []byte("abcd")}}}
	f.HandleEvents(src, true, nil, false)

	if f.WantSource() {
		t.Fatalf("full buffer must not want its source readable")
	}
	if !f.WantDestination() {
		t.Fatalf("non-empty buffer must want its destination writable")
	}
}

func TestForwarderRecvEOFSetsRecvDown(t *testing.T) {
	f := NewForwarder(4, nil)
	src := &fakeSocket{recvScript: []fakeStep{{n: 0, err: nil}}}
	f.HandleEvents(src, true, nil, false)

	if !f.SourceShutDown() {
		t.Fatalf("recv()==0 must set SourceShutDown")
	}
	if f.DestinationShutDown() {
		t.Fatalf("recv EOF alone must not set DestinationShutDown")
	}
}

func TestForwarderSendFailureKillsBothHalves(t *testing.T) {
	f := NewForwarder(4, nil)
	src := &fakeSocket{recvScript: []fakeStep{{b: []byte("ab")}}}
	f.HandleEvents(src, true, nil, false)

	dst := &fakeSocket{sendScript: []fakeStep{{n: -1, err: errors.New("econnreset")}}}
	f.HandleEvents(nil, false, dst, true)

	if !f.SourceShutDown() || !f.DestinationShutDown() {
		t.Fatalf("a failed send must set both recvDown and sendDown")
	}
}

func TestForwarderHalfCloseIsPropagatedExactlyOnce(t *testing.T) {
	f := NewForwarder(4, nil)

	src := &fakeSocket{recvScript: []fakeStep{{n: 0, err: nil}}}
	f.HandleEvents(src, true, nil, false)
	if !f.SourceShutDown() {
		t.Fatalf("expected SourceShutDown after EOF")
	}

	dst := &fakeSocket{}
	f.HandleEvents(nil, false, dst, false)
	if !dst.shutCalled {
		t.Fatalf("expected shutdownWrite to be called once recv is down and buffer is empty")
	}
	if !f.DestinationShutDown() {
		t.Fatalf("expected DestinationShutDown after propagating half-close")
	}

	dst.shutCalled = false
	f.HandleEvents(nil, false, dst, false)
	if dst.shutCalled {
		t.Fatalf("shutdownWrite must not be called a second time")
	}
}

func TestForwarderIgnoresEventsOutsideCurrentInterest(t *testing.T) {
	f := NewForwarder(4, nil)
	src := &fakeSocket{recvScript: []fakeStep{{b: []byte("zz")}}}

	// sourceReadable=false: even though a script step is queued, it must
	// not be consumed, because the readiness mask did not include our
	// current interest.
	f.HandleEvents(src, false, nil, false)
	if f.buf.AvailableRead() != 0 {
		t.Fatalf("recv must not run when sourceReadable=false")
	}
}

func TestForwarderWouldBlockIsNotAnErrorTransition(t *testing.T) {
	f := NewForwarder(4, nil)
	src := &fakeSocket{recvScript: []fakeStep{{n: 0, err: ErrWouldBlock}}}
	f.HandleEvents(src, true, nil, false)

	if f.SourceShutDown() {
		t.Fatalf("ErrWouldBlock must not set SourceShutDown")
	}
}
