// Copyright 2026 The Crucible Authors
// SPDX-License-Identifier: Apache-2.0

//go:build !linux

package cputime

import (
	"errors"
	"time"
)

// Process is unavailable off Linux; the worker only runs there (the
// isolation primitives it probes for are Linux kernel features), so
// non-Linux builds exist for development tooling only.
func Process() (time.Duration, error) {
	return 0, errors.ErrUnsupported
}

// MaxRSS is unavailable off Linux.
func MaxRSS() (int64, bool) {
	return 0, false
}
