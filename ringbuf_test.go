// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package tcpproxy

import (
	"bytes"
	"math/rand"
	"testing"
)

func TestRingBufferEmptyFullInvariant(t *testing.T) {
	r := NewRingBuffer(8)
	if !r.Empty() {
		t.Fatalf("fresh buffer must be empty")
	}
	if r.Full() {
		t.Fatalf("fresh buffer must not be full")
	}
	if got := r.AvailableRead() + r.AvailableWrite(); got != r.Cap() {
		t.Fatalf("available_read+available_write = %d, want %d", got, r.Cap())
	}

	r.Written(8)
	if !r.Full() {
		t.Fatalf("buffer filled to capacity must report full")
	}
	if r.Empty() {
		t.Fatalf("full buffer must not report empty")
	}
	if got := r.AvailableRead() + r.AvailableWrite(); got != r.Cap() {
		t.Fatalf("available_read+available_write = %d, want %d", got, r.Cap())
	}

	r.Read(8)
	if !r.Empty() {
		t.Fatalf("draining a full buffer must report empty again")
	}
}

func TestRingBufferAvailableSumHoldsAcrossRandomOps(t *testing.T) {
	const cap0 = 16
	r := NewRingBuffer(cap0)
	rng := rand.New(rand.NewSource(1))

	for i := 0; i < 10000; i++ {
		if got := r.AvailableRead() + r.AvailableWrite(); got != cap0 {
			t.Fatalf("iteration %d: available_read+available_write = %d, want %d", i, got, cap0)
		}
		if rng.Intn(2) == 0 {
			w := r.AvailableWrite()
			if w == 0 {
				continue
			}
			n := rng.Intn(w + 1)
			r.Written(n)
		} else {
			rd := r.AvailableRead()
			if rd == 0 {
				continue
			}
			n := rng.Intn(rd + 1)
			r.Read(n)
		}
	}
}

func TestRingBufferRoundTripAcrossWrap(t *testing.T) {
	r := NewRingBuffer(8)

	// Push the cursors near the end so the payload below straddles the wrap.
	r.Written(6)
	r.Read(6)

	payload := []byte("hello world plus change")[:7]
	// The first write window stops at the physical end (2 bytes); the rest
	// goes into the window that opens at index 0 after the wrap.
	written := 0
	for written < len(payload) {
		window := r.WritePointer()
		if len(window) == 0 {
			t.Fatalf("ran out of writable space: wrote %d of %d bytes", written, len(payload))
		}
		n := copy(window, payload[written:])
		r.Written(n)
		written += n
	}

	got := make([]byte, 0, len(payload))
	for len(got) < len(payload) {
		window := r.ReadPointer()
		if len(window) == 0 {
			t.Fatalf("ran out of readable bytes before round trip completed")
		}
		got = append(got, window...)
		r.Read(len(window))
	}

	if !bytes.Equal(got, payload) {
		t.Fatalf("round trip mismatch: got %q want %q", got, payload)
	}
	if !r.Empty() {
		t.Fatalf("buffer should be drained after round trip")
	}
}

func TestRingBufferWritePointerNeverCrossesWrap(t *testing.T) {
	r := NewRingBuffer(8)
	r.Written(6)
	r.Read(4)
	// begin=4 end=6: 6 bytes are free in total, 2 before the physical end and
	// 4 past the wrap. The contiguous write window must stop at the physical
	// end; writing those 2 bytes then wraps the write cursor.
	w := r.WritePointer()
	if len(w) != 2 {
		t.Fatalf("write window = %d, want 2 (must stop at physical end)", len(w))
	}
	r.Written(2)
	// Now end wraps to 0; available_write should be begin-end = 4-0 = 4,
	// presented contiguously from index 0.
	w2 := r.WritePointer()
	if len(w2) != 4 {
		t.Fatalf("post-wrap write window = %d, want 4", len(w2))
	}
}

func TestRingBufferReadWriteOutOfRangePanics(t *testing.T) {
	r := NewRingBuffer(4)

	mustPanic := func(name string, f func()) {
		t.Helper()
		defer func() {
			if recover() == nil {
				t.Fatalf("%s: expected panic", name)
			}
		}()
		f()
	}

	mustPanic("read beyond available", func() { r.Read(1) })
	mustPanic("write beyond available", func() { r.Written(5) })
}

func TestNewRingBufferRejectsNonPositiveSize(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic for non-positive size")
		}
	}()
	NewRingBuffer(0)
}
