// Copyright 2026 The Crucible Authors
// SPDX-License-Identifier: Apache-2.0

//go:build !linux

package prepare

import (
	"errors"
	"net"
	"os"
)

// DupConnFd is Linux-only; non-Linux builds exist for development
// tooling and cannot arm the raw out-of-memory path.
func DupConnFd(conn *net.UnixConn) (int, error) {
	return -1, errors.ErrUnsupported
}

// OOMHook on non-Linux platforms terminates without the sentinel
// write. The host then infers memory exhaustion from the exit status
// alone.
func OOMHook(fd int) func() {
	return func() {
		os.Exit(OOMExitCode)
	}
}
