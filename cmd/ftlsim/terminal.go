// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

package main

import (
	"os"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// isTerminal reports whether fd refers to a tty, by probing TCGETS the
// same way the library's checkCaps probes capget: a syscall that only
// succeeds on the device it expects.
func isTerminal(fd uintptr) bool {
	var t unix.Termios
	return ioctl(fd, unix.TCGETS, uintptr(unsafe.Pointer(&t))) == nil
}

// readKeyWithTimeout flips stdin into cbreak mode (no line buffering, no
// echo, VMIN and VTIME 0 so a read returns at once even with no byte
// available), polls stdin every 20ms, and waits up to timeout for a
// single keystroke, restoring the original line discipline
// before returning. false is returned if stdin is not a terminal or
// nothing was typed in time.
func readKeyWithTimeout(timeout time.Duration) (byte, bool) {
	fd := os.Stdin.Fd()
	if !isTerminal(fd) {
		return 0, false
	}

	var orig unix.Termios
	if err := ioctl(fd, unix.TCGETS, uintptr(unsafe.Pointer(&orig))); err != nil {
		return 0, false
	}

	raw := orig
	raw.Lflag &^= unix.ICANON | unix.ECHO
	raw.Cc[unix.VMIN] = 0
	raw.Cc[unix.VTIME] = 0
	if err := ioctl(fd, unix.TCSETS, uintptr(unsafe.Pointer(&raw))); err != nil {
		return 0, false
	}
	defer ioctl(fd, unix.TCSETS, uintptr(unsafe.Pointer(&orig)))

	keyCh := make(chan byte, 1)
	stop := make(chan struct{})
	defer close(stop)

	go func() {
		buf := make([]byte, 1)
		for {
			select {
			case <-stop:
				return
			default:
			}
			if n, _ := os.Stdin.Read(buf); n > 0 {
				keyCh <- buf[0]
				return
			}
			time.Sleep(20 * time.Millisecond)
		}
	}()

	select {
	case b := <-keyCh:
		return b, true
	case <-time.After(timeout):
		return 0, false
	}
}
