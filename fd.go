//go:build linux

// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package tcpproxy

import "golang.org/x/sys/unix"

const invalidFD = -1

// FD owns a kernel file descriptor and guarantees it is released exactly
// once: at most one live FD owns a given descriptor value, and Close is
// idempotent.
//
// Go has no destructors, so an FD is never closed implicitly by falling out
// of scope — callers must Close it explicitly (typically via Connection's
// bookkeeping, which closes each side exactly when both the forwarder
// reading from it and the forwarder writing to it are done).
type FD struct {
	value int
}

// wrapFD takes ownership of an already-open, valid descriptor.
func wrapFD(value int) *FD {
	return &FD{value: value}
}

// Valid reports whether this FD still owns an open descriptor.
func (f *FD) Valid() bool {
	return f != nil && f.value >= 0
}

// Fd returns the raw descriptor value, or invalidFD if this FD has been
// closed.
func (f *FD) Fd() int {
	if f == nil {
		return invalidFD
	}
	return f.value
}

// Close releases the descriptor. It is idempotent and safe to call on a
// nil *FD.
func (f *FD) Close() error {
	if f == nil || f.value < 0 {
		return nil
	}
	err := unix.Close(f.value)
	f.value = invalidFD
	return err
}
