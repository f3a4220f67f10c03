// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package tcpproxy is a single-process, event-driven TCP forwarding proxy.
//
// Design:
//   - One accepted client socket is paired with one outbound connection to a
//     fixed upstream destination. Bytes are shuttled in both directions until
//     either side closes; the payload is never inspected.
//   - A single epoll-driven loop (package-level type EventLoop, see loop.go)
//     multiplexes the listening socket, a self-pipe descriptor that turns
//     SIGINT/SIGTERM into a readiness event, and every live connection's two
//     sockets. There is no goroutine-per-connection and no blocking I/O on
//     the data path: every socket is non-blocking, and readiness is
//     recomputed every iteration (see EventLoop.Run).
//   - Each direction of a connection is a Forwarder: a small state machine
//     over a fixed-capacity RingBuffer that tracks half-close independently
//     from its peer direction (see forwarder.go, connection.go).
package tcpproxy
