// Copyright 2026 The Crucible Authors
// SPDX-License-Identifier: Apache-2.0

package prepare

import (
	"bytes"
	"testing"

	"github.com/crucible-lab/crucible/lib/frame"
)

func TestOOMSentinelIsAWellFormedFrame(t *testing.T) {
	// The hook writes the pre-encoded frame with raw system calls; the
	// host reads it with the ordinary frame reader. The two views must
	// agree.
	payload, err := frame.Read(bytes.NewReader(oomSentinelFrame))
	if err != nil {
		t.Fatalf("Read sentinel frame: %v", err)
	}
	if !IsOOMSentinel(payload) {
		t.Errorf("IsOOMSentinel(%q) = false after frame round trip", payload)
	}
}

func TestIsOOMSentinel(t *testing.T) {
	if !IsOOMSentinel([]byte("!oom")) {
		t.Error(`IsOOMSentinel("!oom") = false`)
	}
	for _, payload := range [][]byte{nil, []byte("oom"), []byte("!oom "), []byte("!OOM")} {
		if IsOOMSentinel(payload) {
			t.Errorf("IsOOMSentinel(%q) = true, want false", payload)
		}
	}
}
