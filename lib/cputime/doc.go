// Copyright 2026 The Crucible Authors
// SPDX-License-Identifier: Apache-2.0

// Package cputime reads process-wide CPU clock and peak memory figures
// from the kernel. The preparation executor uses [Process] to enforce
// the CPU-time deadline and [MaxRSS] to report the OS-observed peak
// resident set in job statistics.
package cputime
