// Copyright 2026 The Crucible Authors
// SPDX-License-Identifier: Apache-2.0

package security

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// CheckUserNamespace verifies that a worker can be placed in an
// unshared user namespace with a changed root. Direct unshare(2) of a
// user namespace is unavailable to a multithreaded process, and every
// Go process is multithreaded, so the check is staged: it re-executes
// the running binary with user and mount namespace clone flags, and
// the staged child ([UserNamespaceStage2]) performs the chroot inside
// them. The child's stderr passes through so the probe captures its
// diagnostic.
func CheckUserNamespace() error {
	scratch, err := os.MkdirTemp("", "crucible-userns-*")
	if err != nil {
		return fmt.Errorf("creating chroot scratch directory: %w", err)
	}
	defer os.RemoveAll(scratch)

	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locating own binary: %w", err)
	}

	cmd := exec.Command(self, StageFlagUsernsChild, scratch)
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Cloneflags: syscall.CLONE_NEWUSER | syscall.CLONE_NEWNS,
		UidMappings: []syscall.SysProcIDMap{
			{ContainerID: 0, HostID: os.Getuid(), Size: 1},
		},
		GidMappings: []syscall.SysProcIDMap{
			{ContainerID: 0, HostID: os.Getgid(), Size: 1},
		},
		GidMappingsEnableSetgroups: false,
	}
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("unshared child: %w", err)
	}
	return nil
}

// UserNamespaceStage2 runs inside the namespaces created by
// CheckUserNamespace: change root into the scratch directory and move
// into it. Success means the kernel permitted the full unshare +
// chroot sequence for an unprivileged caller.
func UserNamespaceStage2(scratch string) error {
	if err := unix.Chroot(scratch); err != nil {
		return fmt.Errorf("chroot %s: %w", scratch, err)
	}
	if err := unix.Chdir("/"); err != nil {
		return fmt.Errorf("chdir to new root: %w", err)
	}
	return nil
}
