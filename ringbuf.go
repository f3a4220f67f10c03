// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package tcpproxy

// RingBuffer is a fixed-capacity single-producer/single-consumer byte pipe
// backed by a linear array with wrap-around cursors: one Forwarder writes
// into it (from a recv call) and the same Forwarder reads from it (into a
// send call); there is no synchronization because both ends are only ever
// touched from the single event-loop goroutine.
//
// Invariant: AvailableRead() + AvailableWrite() == cap(buf) always holds.
// When begin == end, wraps disambiguates empty (!wraps) from full (wraps).
type RingBuffer struct {
	buf   []byte
	begin int
	end   int
	wraps bool
}

// NewRingBuffer allocates a RingBuffer with the given fixed capacity. size
// must be positive.
func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 {
		panic("tcpproxy: ring buffer size must be positive")
	}
	return &RingBuffer{buf: make([]byte, size)}
}

// ReadPointer returns the start of the contiguous readable window. The
// window is exactly AvailableRead() bytes long and never crosses the wrap
// point; any data past the wrap becomes visible only after the next Read.
func (r *RingBuffer) ReadPointer() []byte {
	return r.buf[r.begin:r.readEnd()]
}

// WritePointer returns the start of the contiguous writable window. The
// window is exactly AvailableWrite() bytes long and never crosses the wrap
// point.
func (r *RingBuffer) WritePointer() []byte {
	return r.buf[r.end:r.writeEnd()]
}

func (r *RingBuffer) readEnd() int {
	if r.wraps {
		return len(r.buf)
	}
	return r.end
}

func (r *RingBuffer) writeEnd() int {
	if r.wraps {
		return r.begin
	}
	return len(r.buf)
}

// AvailableRead reports the number of bytes currently readable.
func (r *RingBuffer) AvailableRead() int {
	return r.readEnd() - r.begin
}

// AvailableWrite reports the number of bytes currently writable.
func (r *RingBuffer) AvailableWrite() int {
	return r.writeEnd() - r.end
}

// Empty reports whether the buffer holds no data.
func (r *RingBuffer) Empty() bool {
	return r.begin == r.end && !r.wraps
}

// Full reports whether the buffer has no writable space left.
func (r *RingBuffer) Full() bool {
	return r.begin == r.end && r.wraps
}

// Read advances the read cursor by n bytes, which must satisfy
// 0 <= n <= AvailableRead(). Advancing exactly to capacity wraps the cursor
// back to zero and clears the wrap flag.
func (r *RingBuffer) Read(n int) {
	if n < 0 || n > r.AvailableRead() {
		panic("tcpproxy: ring buffer read out of range")
	}
	r.begin += n
	if r.begin == len(r.buf) {
		r.wraps = false
		r.begin = 0
	}
}

// Written advances the write cursor by n bytes, which must satisfy
// 0 <= n <= AvailableWrite(). Advancing exactly to capacity wraps the
// cursor back to zero and sets the wrap flag.
func (r *RingBuffer) Written(n int) {
	if n < 0 || n > r.AvailableWrite() {
		panic("tcpproxy: ring buffer write out of range")
	}
	r.end += n
	if r.end == len(r.buf) {
		r.wraps = true
		r.end = 0
	}
}

// Cap returns the fixed capacity of the buffer.
func (r *RingBuffer) Cap() int {
	return len(r.buf)
}
