// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package tcpproxy

import "go.uber.org/zap"

// DefaultBufferSize is the per-direction ring buffer capacity used when no
// WithBufferSize option is supplied.
const DefaultBufferSize = 4096

// DefaultBacklog is the listen(2) backlog used when no WithBacklog option is
// supplied.
const DefaultBacklog = 1000

// Options configures an EventLoop.
type Options struct {
	// BufferSize is the per-direction ring buffer capacity, in bytes. Must
	// be positive; NewRingBuffer panics otherwise. The wrap-around cursor
	// arithmetic in ringbuf.go works for any positive size, not just powers
	// of two.
	BufferSize int

	// Backlog is the listen(2) backlog for the listening socket.
	Backlog int

	// Log receives all diagnostics. A nil Log is replaced with a no-op
	// logger.
	Log *zap.SugaredLogger
}

var defaultOptions = Options{
	BufferSize: DefaultBufferSize,
	Backlog:    DefaultBacklog,
	Log:        zap.NewNop().Sugar(),
}

// Option configures an Options value.
type Option func(*Options)

// WithBufferSize overrides the per-direction ring buffer capacity.
func WithBufferSize(n int) Option {
	return func(o *Options) { o.BufferSize = n }
}

// WithBacklog overrides the listen(2) backlog.
func WithBacklog(n int) Option {
	return func(o *Options) { o.Backlog = n }
}

// WithLog sets the logger used for all diagnostics.
func WithLog(log *zap.SugaredLogger) Option {
	return func(o *Options) {
		if log != nil {
			o.Log = log
		}
	}
}

func newOptions(opts ...Option) Options {
	o := defaultOptions
	for _, fn := range opts {
		fn(&o)
	}
	return o
}
