// Copyright 2026 The Crucible Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package prepare

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// DupConnFd duplicates the file descriptor underlying the worker
// connection for the out-of-memory hook. The duplicate is independent
// of Go's runtime poller: the hook writes to it with raw system calls
// while the rest of the process may be wedged inside the allocator.
func DupConnFd(conn *net.UnixConn) (int, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return -1, fmt.Errorf("raw connection access: %w", err)
	}
	duplicated := -1
	var dupErr error
	if err := raw.Control(func(fd uintptr) {
		duplicated, dupErr = unix.Dup(int(fd))
	}); err != nil {
		return -1, fmt.Errorf("fd control: %w", err)
	}
	if dupErr != nil {
		return -1, fmt.Errorf("dup connection fd: %w", dupErr)
	}
	unix.CloseOnExec(duplicated)
	return duplicated, nil
}

// OOMHook returns the production out-of-memory hook for a duplicated
// connection descriptor. The hook runs while the allocation tracker's
// mutex is held, so it must not allocate, directly or transitively: no
// formatting, no logging, no panic machinery, no buffered I/O. It
// writes the pre-encoded sentinel frame with a raw write, closes the
// descriptor, and terminates the process immediately. unix.Exit is
// the raw exit_group syscall: no deferred functions, no unwinding,
// nothing that could re-enter the allocator.
func OOMHook(fd int) func() {
	return func() {
		unix.Write(fd, oomSentinelFrame)
		unix.Close(fd)
		unix.Exit(OOMExitCode)
	}
}
