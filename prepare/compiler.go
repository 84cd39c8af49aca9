// Copyright 2026 The Crucible Authors
// SPDX-License-Identifier: Apache-2.0

package prepare

import (
	"encoding/binary"
	"fmt"
)

// Compiler is the seam between the resource-bounding envelope and the
// actual compilation engine. The envelope sequences and bounds these
// calls; it makes no claim about what compilation means. Deployments
// plug in a real engine by implementing this interface.
type Compiler interface {
	// Prevalidate rejects code that must not reach the compiler.
	Prevalidate(code []byte) error

	// Compile turns validated code into an executable artifact.
	Compile(code []byte) ([]byte, error)

	// Instantiate constructs a runtime instance from a compiled
	// artifact and discards it. Precheck jobs call this to surface
	// construction errors early.
	Instantiate(artifact []byte) error
}

// BasicCompiler is the built-in minimal engine: it validates the wasm
// module envelope (magic and version) and emits the module bytes as
// the artifact. It exists so the binaries run end-to-end without an
// embedded compilation engine.
type BasicCompiler struct{}

// wasmMagic is the wasm binary-format preamble: "\0asm" followed by
// version 1 little-endian.
var wasmMagic = [8]byte{0x00, 'a', 's', 'm', 0x01, 0x00, 0x00, 0x00}

// Prevalidate checks the wasm module envelope.
func (BasicCompiler) Prevalidate(code []byte) error {
	if len(code) < len(wasmMagic) {
		return fmt.Errorf("code is %d bytes, shorter than the wasm preamble", len(code))
	}
	if code[0] != 0x00 || code[1] != 'a' || code[2] != 's' || code[3] != 'm' {
		return fmt.Errorf("bad wasm magic %x", code[:4])
	}
	if version := binary.LittleEndian.Uint32(code[4:8]); version != 1 {
		return fmt.Errorf("unsupported wasm version %d", version)
	}
	return nil
}

// Compile emits a copy of the module bytes as the artifact.
func (BasicCompiler) Compile(code []byte) ([]byte, error) {
	artifact := make([]byte, len(code))
	copy(artifact, code)
	return artifact, nil
}

// Instantiate re-checks the artifact envelope.
func (c BasicCompiler) Instantiate(artifact []byte) error {
	if err := c.Prevalidate(artifact); err != nil {
		return fmt.Errorf("artifact envelope: %w", err)
	}
	return nil
}
