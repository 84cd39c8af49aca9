// Copyright 2026 The Crucible Authors
// SPDX-License-Identifier: Apache-2.0

package security

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// landlockV1AccessFS is the full ABI v1 filesystem access set. The
// check applies a ruleset that handles every one of these with no
// allowing rules, which is the most restrictive (and therefore most
// demanding) configuration a worker would ever use.
const landlockV1AccessFS = unix.LANDLOCK_ACCESS_FS_EXECUTE |
	unix.LANDLOCK_ACCESS_FS_WRITE_FILE |
	unix.LANDLOCK_ACCESS_FS_READ_FILE |
	unix.LANDLOCK_ACCESS_FS_READ_DIR |
	unix.LANDLOCK_ACCESS_FS_REMOVE_DIR |
	unix.LANDLOCK_ACCESS_FS_REMOVE_FILE |
	unix.LANDLOCK_ACCESS_FS_MAKE_CHAR |
	unix.LANDLOCK_ACCESS_FS_MAKE_DIR |
	unix.LANDLOCK_ACCESS_FS_MAKE_REG |
	unix.LANDLOCK_ACCESS_FS_MAKE_SOCK |
	unix.LANDLOCK_ACCESS_FS_MAKE_FIFO |
	unix.LANDLOCK_ACCESS_FS_MAKE_BLOCK |
	unix.LANDLOCK_ACCESS_FS_MAKE_SYM

// x/sys/unix ships the LANDLOCK_* constants, syscall numbers, and the
// ruleset attribute struct, but no call wrappers; the landlock calls
// below go through unix.Syscall directly.

// landlockABIVersion probes the kernel's landlock ABI revision without
// creating a ruleset.
func landlockABIVersion() (int, error) {
	version, _, errno := unix.Syscall(unix.SYS_LANDLOCK_CREATE_RULESET,
		0, 0, unix.LANDLOCK_CREATE_RULESET_VERSION)
	if errno != 0 {
		return 0, fmt.Errorf("landlock ABI probe: %w", errno)
	}
	return int(version), nil
}

// CheckLandlock attempts to confine the calling process with a fully
// restrictive landlock ruleset. Exit-on-success semantics: the caller
// is a single-shot check process that exits right after, so the
// restriction being irreversible is fine.
func CheckLandlock() error {
	// Probe the ABI first for a precise diagnostic on old kernels.
	version, err := landlockABIVersion()
	if err != nil {
		return err
	}
	if version < 1 {
		return fmt.Errorf("landlock ABI version %d, need at least 1", version)
	}

	attr := unix.LandlockRulesetAttr{Access_fs: landlockV1AccessFS}
	fd, _, errno := unix.Syscall(unix.SYS_LANDLOCK_CREATE_RULESET,
		uintptr(unsafe.Pointer(&attr)), unsafe.Sizeof(attr), 0)
	if errno != 0 {
		return fmt.Errorf("landlock_create_ruleset: %w", errno)
	}
	defer unix.Close(int(fd))

	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		return fmt.Errorf("prctl(PR_SET_NO_NEW_PRIVS): %w", err)
	}
	if _, _, errno := unix.Syscall(unix.SYS_LANDLOCK_RESTRICT_SELF, fd, 0, 0); errno != 0 {
		return fmt.Errorf("landlock_restrict_self: %w", errno)
	}
	return nil
}
