// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.
//
// A raw ioctl(2) wrapper, used here with the TCGETS/TCSETS request codes
// from golang.org/x/sys/unix to read/restore the controlling terminal's line discipline for
// the single-keystroke boot prompt. Adapted from the library's own
// ioctl.go, which wraps the same raw SYS_IOCTL syscall for a kernel device
// node instead of a tty.
package main

import "syscall"

// ioctl executes an ioctl command on the specified file descriptor.
func ioctl(fd, cmd, ptr uintptr) error {
	_, _, errno := syscall.Syscall(syscall.SYS_IOCTL, fd, cmd, ptr)
	if errno != 0 {
		return errno
	}
	return nil
}
