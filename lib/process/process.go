// Copyright 2026 The Crucible Authors
// SPDX-License-Identifier: Apache-2.0

// Package process provides the binary entrypoint error helper shared by
// Crucible binaries. It is the one place outside CLI output code where
// raw stderr writes are expected: errors surfaced from run() before the
// structured logger exists, and the failure path of the worker's
// single-shot security check flags (whose stderr the security probe
// captures as the diagnostic).
package process

import (
	"fmt"
	"os"
)

// Fatal writes "error: err" to stderr and exits with code 1. Use it in
// main() for errors from run() where the structured logger may not be
// initialized.
func Fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}
