// Copyright 2026 The Crucible Authors
// SPDX-License-Identifier: Apache-2.0

package prepare

import (
	"strings"
	"testing"
)

func TestBasicCompilerAcceptsWasmEnvelope(t *testing.T) {
	compiler := BasicCompiler{}
	code := []byte{0x00, 'a', 's', 'm', 1, 0, 0, 0, 0xAB, 0xCD}

	if err := compiler.Prevalidate(code); err != nil {
		t.Fatalf("Prevalidate: %v", err)
	}
	compiled, err := compiler.Compile(code)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if string(compiled) != string(code) {
		t.Errorf("Compile = %x, want module bytes %x", compiled, code)
	}
	if err := compiler.Instantiate(compiled); err != nil {
		t.Errorf("Instantiate: %v", err)
	}
}

func TestBasicCompilerRejectsBadEnvelope(t *testing.T) {
	compiler := BasicCompiler{}

	cases := []struct {
		name string
		code []byte
		want string
	}{
		{"too short", []byte{0x00, 'a', 's'}, "shorter than"},
		{"bad magic", []byte{'n', 'o', 'p', 'e', 1, 0, 0, 0}, "bad wasm magic"},
		{"wrong version", []byte{0x00, 'a', 's', 'm', 2, 0, 0, 0}, "unsupported wasm version"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := compiler.Prevalidate(tc.code)
			if err == nil {
				t.Fatal("Prevalidate = nil, want error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("Prevalidate = %q, want substring %q", err, tc.want)
			}
		})
	}
}

func TestBasicCompilerCompileCopies(t *testing.T) {
	compiler := BasicCompiler{}
	code := []byte{0x00, 'a', 's', 'm', 1, 0, 0, 0}

	compiled, err := compiler.Compile(code)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	code[0] = 0xFF
	if compiled[0] != 0x00 {
		t.Error("Compile aliased the input buffer instead of copying")
	}
}
