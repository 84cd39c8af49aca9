// Copyright 2026 The Crucible Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package cputime

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// Process returns the cumulative CPU time consumed by the calling
// process across all its threads. This is the clock the preparation
// deadline is measured against: a job that sleeps does not burn budget,
// a job that spins on every core burns it faster than wall time.
func Process() (time.Duration, error) {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_PROCESS_CPUTIME_ID, &ts); err != nil {
		return 0, fmt.Errorf("clock_gettime(CLOCK_PROCESS_CPUTIME_ID): %w", err)
	}
	return time.Duration(ts.Nano()), nil
}

// MaxRSS returns the peak resident set size of the process in KiB, as
// reported by the kernel. The second return is false when the reading
// is unavailable.
func MaxRSS() (int64, bool) {
	var usage unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_SELF, &usage); err != nil {
		return 0, false
	}
	return usage.Maxrss, true
}
