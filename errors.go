// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package tcpproxy

import (
	"errors"

	"code.hybscloud.com/iox"
)

var (
	// ErrInvalidArgument names a malformed listen/destination address or an
	// out-of-range Option value. No function in this package returns it:
	// address and port errors are reported as wrapped resolver or strconv
	// errors.
	ErrInvalidArgument = errors.New("tcpproxy: invalid argument")

	// ErrClosed names an operation on a Connection or EventLoop that has
	// already been torn down. No function in this package returns it.
	ErrClosed = errors.New("tcpproxy: closed")
)

// These are re-exported so callers driving the non-blocking data path never
// need to import code.hybscloud.com/iox directly, mirroring how
// code.hybscloud.com/framer re-exports the same sentinels for its own
// non-blocking I/O surface.
var (
	// ErrWouldBlock means the underlying recv/send/accept syscall would have
	// blocked (EAGAIN/EWOULDBLOCK). It is an expected, non-failure
	// control-flow signal: the caller should stop and wait for the next
	// readiness notification, not treat it as a data-path error.
	ErrWouldBlock = iox.ErrWouldBlock

	// ErrMore mirrors iox.ErrMore's "keep going" meaning for operations that
	// made partial progress but are not yet complete. No function in this
	// package returns it; a connect() that reports EINPROGRESS is returned by
	// dialUpstreamNonblock as a usable FD with a nil error.
	ErrMore = iox.ErrMore
)
