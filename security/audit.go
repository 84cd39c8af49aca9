// Copyright 2026 The Crucible Authors
// SPDX-License-Identifier: Apache-2.0

package security

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// DefaultAuditLogPaths are the locations tried by Acquire, in order:
// the auditd log, then the syslog the kernel falls back to.
var DefaultAuditLogPaths = []string{
	"/var/log/audit/audit.log",
	"/var/log/syslog",
}

// SeccompViolation is one kernel-logged seccomp kill attributed to a
// worker pid.
type SeccompViolation struct {
	SyscallNumber uint32
}

// Handle is an open read handle on an audit log, positioned at
// end-of-file at acquisition time. Scoped to one job: only events
// appended after acquisition are visible to Scan, so stale events from
// an earlier process that happened to reuse the same pid can never
// produce a false positive.
type Handle struct {
	file *os.File
	path string
}

// Acquire opens the first readable audit log and seeks to its end.
// Returns nil when none of the paths is readable; violation detection
// then degrades to "no data", which is never escalated.
func Acquire(logger *slog.Logger, paths ...string) *Handle {
	if len(paths) == 0 {
		paths = DefaultAuditLogPaths
	}
	for _, path := range paths {
		file, err := os.Open(path)
		if err != nil {
			continue
		}
		if _, err := file.Seek(0, io.SeekEnd); err != nil {
			file.Close()
			continue
		}
		return &Handle{file: file, path: path}
	}
	logger.Debug("no audit log readable, seccomp violation detection disabled",
		"paths", paths,
	)
	return nil
}

// Path returns the log file this handle reads.
func (h *Handle) Path() string { return h.path }

// Close releases the handle.
func (h *Handle) Close() error { return h.file.Close() }

// Scan reads everything appended since acquisition (or the previous
// Scan) and returns the seccomp violations attributable to pid. Lines
// that do not carry the seccomp audit event type, the exact pid, and a
// parsable syscall field are skipped silently; the log format is owned
// by the OS and not contractually stable.
func (h *Handle) Scan(pid int) ([]SeccompViolation, error) {
	var violations []SeccompViolation
	scanner := bufio.NewScanner(h.file)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if syscallNumber, ok := parseSeccompViolation(scanner.Text(), pid); ok {
			violations = append(violations, SeccompViolation{SyscallNumber: syscallNumber})
		}
	}
	if err := scanner.Err(); err != nil {
		return violations, fmt.Errorf("reading %s: %w", h.path, err)
	}
	return violations, nil
}

// parseSeccompViolation extracts the violated syscall number from one
// audit line, if the line is a seccomp event for the given pid. Fields
// are matched individually in whatever order they appear: auditd and
// the kernel's syslog fallback order them differently.
func parseSeccompViolation(line string, pid int) (uint32, bool) {
	pidField := "pid=" + strconv.Itoa(pid)
	seccompEvent := false
	pidMatched := false
	syscallNumber := uint32(0)
	syscallFound := false

	for _, field := range strings.Fields(line) {
		switch {
		// 1326 is AUDIT_SECCOMP; auditd renders it symbolically.
		case field == "type=1326" || field == "type=SECCOMP":
			seccompEvent = true
		case field == pidField:
			pidMatched = true
		case strings.HasPrefix(field, "syscall="):
			parsed, err := strconv.ParseUint(field[len("syscall="):], 10, 32)
			if err != nil {
				continue
			}
			syscallNumber = uint32(parsed)
			syscallFound = true
		}
	}

	if !seccompEvent || !pidMatched || !syscallFound {
		return 0, false
	}
	return syscallNumber, true
}
