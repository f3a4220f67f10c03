//go:build linux

// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package tcpproxy

import (
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"code.hybscloud.com/tcpproxy/internal/epoll"
)

const (
	roleSignal = iota
	roleListener
	roleAcceptTimer
	roleConnection
)

// entry is one fd tracked in the event loop's epoll set.
type entry struct {
	role role
	conn *Connection // nil for roleSignal/roleListener/roleAcceptTimer
	side connSide    // only meaningful for roleConnection
}

type role int
type connSide int

const (
	sideClient connSide = iota
	sideUpstream
)

// EventLoop accepts client connections on one listener and forwards each to
// a fixed upstream address, under a single-threaded epoll readiness loop.
type EventLoop struct {
	opts Options
	log  *zap.SugaredLogger

	poller *epoll.Poller

	listener     *FD
	upstreamHost string
	upstreamPort string

	signal        *FD
	signalWake    func()
	signalCleanup func()

	// acceptTimer is a timerfd registered in the epoll set, armed only while
	// acceptLoop is backing off from EMFILE/ENFILE. It lets the backoff delay
	// be observed through the same readiness wait every other fd uses,
	// instead of a time.Sleep that would block the single event-loop
	// goroutine from servicing every other connection's already-ready events.
	acceptTimer *FD

	byFd map[int]entry

	acceptBackoff backoff.ExponentialBackOff
}

// NewEventLoop builds an EventLoop bound to listenHost:listenPort, forwarding
// every accepted connection to upstreamHost:upstreamPort.
func NewEventLoop(listenHost, listenPort, upstreamHost, upstreamPort string, opts ...Option) (*EventLoop, error) {
	o := newOptions(opts...)

	listener, err := newListener(listenHost, listenPort, o.Backlog)
	if err != nil {
		return nil, err
	}

	sig, sigWake, sigCleanup, err := newShutdownSignal()
	if err != nil {
		listener.Close()
		return nil, err
	}

	poller, err := epoll.New(256)
	if err != nil {
		listener.Close()
		sig.Close()
		sigCleanup()
		return nil, err
	}

	timerFd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_NONBLOCK|unix.TFD_CLOEXEC)
	if err != nil {
		listener.Close()
		sig.Close()
		sigCleanup()
		poller.Close()
		return nil, fmt.Errorf("timerfd_create: %w", err)
	}

	l := &EventLoop{
		opts:          o,
		log:           o.Log,
		poller:        poller,
		listener:      listener,
		upstreamHost:  upstreamHost,
		upstreamPort:  upstreamPort,
		signal:        sig,
		signalWake:    sigWake,
		signalCleanup: sigCleanup,
		acceptTimer:   wrapFD(timerFd),
		byFd:          make(map[int]entry),
	}

	if err := l.poller.Add(l.signal.Fd(), unix.EPOLLIN); err != nil {
		l.Close()
		return nil, err
	}
	if err := l.poller.Add(l.listener.Fd(), unix.EPOLLIN); err != nil {
		l.Close()
		return nil, err
	}
	if err := l.poller.Add(l.acceptTimer.Fd(), unix.EPOLLIN); err != nil {
		l.Close()
		return nil, err
	}
	l.byFd[l.signal.Fd()] = entry{role: roleSignal}
	l.byFd[l.listener.Fd()] = entry{role: roleListener}
	l.byFd[l.acceptTimer.Fd()] = entry{role: roleAcceptTimer}

	l.acceptBackoff = backoff.ExponentialBackOff{
		InitialInterval:     10 * time.Millisecond,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          backoff.DefaultMultiplier,
		MaxInterval:         time.Second,
	}
	l.acceptBackoff.Reset()

	return l, nil
}

// Run drives the event loop until a SIGINT/SIGTERM is received or stop is
// closed, whichever comes first. It always returns nil on a clean shutdown;
// a non-nil error means an unrecoverable epoll failure.
//
// The loop has exactly one suspension point per iteration: poller.Wait with
// an infinite timeout. stop is not polled directly — closing it instead
// wakes the same self-pipe descriptor a real signal would, via signalWake,
// so an idle proxy blocks in epoll_wait instead of busy-polling.
func (l *EventLoop) Run(stop <-chan struct{}) error {
	watcherDone := make(chan struct{})
	defer close(watcherDone)
	go func() {
		select {
		case <-stop:
			l.signalWake()
		case <-watcherDone:
		}
	}()

	events := make([]epoll.Event, 0, 256)
	for {
		l.recomputeInterest()

		var err error
		events, err = l.poller.Wait(events[:0], -1)
		if err != nil {
			return err
		}

		for _, ev := range events {
			e, ok := l.byFd[int(ev.Fd)]
			if !ok {
				continue
			}
			switch e.role {
			case roleSignal:
				done, err := drainShutdownSignal(l.signal)
				if err != nil {
					l.log.Errorw("signal read failed", "error", err)
				}
				if done {
					return nil
				}
			case roleListener:
				l.acceptLoop()
			case roleAcceptTimer:
				l.armAcceptRetry()
			case roleConnection:
				l.dispatch(e.conn, ev.Mask, e.side)
			}
		}

		l.retireConnections()
	}
}

// acceptLoop drains the listener's accept queue. A transient EMFILE/ENFILE
// (the process or system is out of descriptors) backs off with exponential
// delay instead of spinning epoll_wait hot on an accept4 that will keep
// failing the same way until some other connection closes.
//
// The backoff delay is observed through acceptTimer, not time.Sleep: this
// loop runs on the same goroutine that services every other connection's
// already-returned readiness events, and a time.Sleep here would stall all
// of them for the sleep's duration instead of only the accept path.
func (l *EventLoop) acceptLoop() {
	for {
		client, err := acceptConn(l.listener)
		if err == ErrWouldBlock {
			l.acceptBackoff.Reset()
			return
		}
		if err != nil {
			if err == unix.EMFILE || err == unix.ENFILE {
				next := l.acceptBackoff.NextBackOff()
				l.log.Warnw("accept4 out of descriptors, backing off", "error", err, "delay", next)
				l.pauseAccepting(next)
				return
			}
			l.log.Errorw("accept4 failed", "error", err)
			return
		}
		l.acceptBackoff.Reset()
		l.startConnection(client)
	}
}

// pauseAccepting mutes the listener's epoll interest and arms acceptTimer to
// fire once after delay, so the listener fd stops reporting EPOLLIN (which
// would otherwise just re-trigger the same EMFILE/ENFILE) until the backoff
// has elapsed.
func (l *EventLoop) pauseAccepting(delay time.Duration) {
	if err := l.poller.Modify(l.listener.Fd(), 0); err != nil {
		l.log.Errorw("mute listener interest failed", "error", err)
	}
	spec := unix.ItimerSpec{Value: unix.NsecToTimespec(delay.Nanoseconds())}
	if err := unix.TimerfdSettime(l.acceptTimer.Fd(), 0, &spec, nil); err != nil {
		l.log.Errorw("arm accept retry timer failed", "error", err)
	}
}

// armAcceptRetry fires when acceptTimer expires: it drains the timerfd,
// restores the listener's epoll interest, and immediately retries accepting
// in case the fd pressure has already cleared.
func (l *EventLoop) armAcceptRetry() {
	var buf [8]byte
	for {
		_, err := unix.Read(l.acceptTimer.Fd(), buf[:])
		if err != nil {
			break
		}
	}
	if err := l.poller.Modify(l.listener.Fd(), unix.EPOLLIN); err != nil {
		l.log.Errorw("restore listener interest failed", "error", err)
	}
	l.acceptLoop()
}

func (l *EventLoop) startConnection(client *FD) {
	upstream, err := dialUpstreamNonblock(l.upstreamHost, l.upstreamPort)
	if err != nil {
		l.log.Errorw("dial upstream failed", "error", err)
		client.Close()
		return
	}

	conn := NewConnection(client, upstream, l.opts.BufferSize, l.log)

	clientMask, _ := conn.ClientInterestChanged()
	if err := l.poller.Add(client.Fd(), clientMask); err != nil {
		l.log.Errorw("register client fd failed", "error", err)
		conn.Close()
		return
	}
	upstreamMask, _ := conn.UpstreamInterestChanged()
	if err := l.poller.Add(upstream.Fd(), upstreamMask); err != nil {
		l.log.Errorw("register upstream fd failed", "error", err)
		l.poller.Remove(client.Fd())
		conn.Close()
		return
	}

	l.byFd[client.Fd()] = entry{role: roleConnection, conn: conn, side: sideClient}
	l.byFd[upstream.Fd()] = entry{role: roleConnection, conn: conn, side: sideUpstream}
}

func (l *EventLoop) dispatch(conn *Connection, mask uint32, side connSide) {
	var clientRevents, upstreamRevents uint32
	if side == sideClient {
		clientRevents = mask
	} else {
		upstreamRevents = mask
	}
	conn.Dispatch(clientRevents, upstreamRevents)
}

// eachConnection calls fn once per live Connection tracked in byFd. Every
// Connection occupies two byFd entries (one per socket), so callers that
// need to visit each Connection exactly once go through here rather than
// re-implementing the dedupe-by-pointer scan themselves.
func (l *EventLoop) eachConnection(fn func(*Connection)) {
	seen := make(map[*Connection]bool)
	for _, e := range l.byFd {
		if e.role != roleConnection || seen[e.conn] {
			continue
		}
		seen[e.conn] = true
		fn(e.conn)
	}
}

// recomputeInterest recomputes and applies the epoll interest mask for every
// live connection socket every iteration: readiness interest depends on
// buffer occupancy, which changes every time bytes move, so it cannot be
// computed once at registration time.
func (l *EventLoop) recomputeInterest() {
	l.eachConnection(l.applyInterest)
}

// applyInterest pushes a connection's current interest mask to epoll only
// when it actually changed since the last iteration, via
// ClientInterestChanged/UpstreamInterestChanged, so a steady population of
// idle connections costs zero epoll_ctl calls per iteration instead of two
// per connection.
func (l *EventLoop) applyInterest(conn *Connection) {
	if conn.client.Valid() {
		if mask, changed := conn.ClientInterestChanged(); changed {
			if err := l.poller.Modify(conn.ClientFD(), mask); err != nil {
				l.log.Debugw("modify client interest failed", "error", err)
			}
		}
	}
	if conn.upstream.Valid() {
		if mask, changed := conn.UpstreamInterestChanged(); changed {
			if err := l.poller.Modify(conn.UpstreamFD(), mask); err != nil {
				l.log.Debugw("modify upstream interest failed", "error", err)
			}
		}
	}
}

// retireConnections closes and deregisters every socket whose forwarders
// have both finished, and drops fully-retired Connections from byFd.
func (l *EventLoop) retireConnections() {
	l.eachConnection(func(conn *Connection) {
		if !conn.PrepareReadiness() {
			l.forgetConnection(conn)
		}
	})
}

func (l *EventLoop) forgetConnection(conn *Connection) {
	for fd, e := range l.byFd {
		if e.conn == conn {
			l.poller.Remove(fd)
			delete(l.byFd, fd)
		}
	}
}

// ListenerPort reports the TCP port the listener is bound to, resolving
// the ephemeral port the kernel chose when constructed with port "0".
func (l *EventLoop) ListenerPort() (int, error) {
	sa, err := unix.Getsockname(l.listener.Fd())
	if err != nil {
		return 0, fmt.Errorf("getsockname: %w", err)
	}
	in4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		return 0, fmt.Errorf("listener is not an IPv4 socket")
	}
	return in4.Port, nil
}

// Close tears down every fd the EventLoop owns: all live connections, the
// listener, the signal fd and the epoll instance itself. Used both for
// construction-time rollback and for a forced teardown after Run returns.
func (l *EventLoop) Close() error {
	l.eachConnection(func(conn *Connection) { conn.Close() })
	l.byFd = make(map[int]entry)

	if l.signalCleanup != nil {
		l.signalCleanup()
	}

	var firstErr error
	if err := l.listener.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close listener: %w", err)
	}
	if err := l.signal.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close signal fd: %w", err)
	}
	if err := l.acceptTimer.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close accept timer: %w", err)
	}
	if err := l.poller.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close epoll: %w", err)
	}
	return firstErr
}
