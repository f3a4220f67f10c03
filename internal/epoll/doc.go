// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package epoll is a thin wrapper over Linux epoll(7), giving the event
// loop a small, mockable surface instead of calling golang.org/x/sys/unix
// directly.
package epoll
