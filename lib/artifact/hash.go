// Copyright 2026 The Crucible Authors
// SPDX-License-Identifier: Apache-2.0

package artifact

import (
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// Hash is a 32-byte BLAKE3 keyed hash of an artifact's uncompressed
// bytes. The key is a fixed ASCII domain string, so a hash computed
// here can never collide with a hash of the same bytes computed by
// another subsystem.
type Hash [32]byte

// artifactKey is the keyed-hash domain for compiled artifact payloads.
// ASCII, zero-padded to the 32 bytes BLAKE3 requires.
var artifactKey = [32]byte{
	'c', 'r', 'u', 'c', 'i', 'b', 'l', 'e', '.',
	'a', 'r', 't', 'i', 'f', 'a', 'c', 't', '.', 'v', '1',
}

// HashPayload computes the artifact-domain hash of uncompressed
// artifact bytes.
func HashPayload(data []byte) Hash {
	hasher, err := blake3.NewKeyed(artifactKey[:])
	if err != nil {
		// NewKeyed fails only on a key that is not 32 bytes,
		// which cannot happen with a fixed-size array.
		panic(fmt.Sprintf("artifact: blake3.NewKeyed: %v", err))
	}
	hasher.Write(data)
	var out Hash
	hasher.Sum(out[:0])
	return out
}

// String returns the lowercase hex encoding of the hash.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// Ref returns a short human-readable reference for log lines:
// "art-" followed by the first 12 hex characters of the hash.
func (h Hash) Ref() string {
	return "art-" + h.String()[:12]
}

// ParseHash decodes a 64-character hex string into a Hash.
func ParseHash(s string) (Hash, error) {
	var h Hash
	if len(s) != hex.EncodedLen(len(h)) {
		return Hash{}, fmt.Errorf("hash must be %d hex characters, got %d", hex.EncodedLen(len(h)), len(s))
	}
	if _, err := hex.Decode(h[:], []byte(s)); err != nil {
		return Hash{}, fmt.Errorf("decoding hash: %w", err)
	}
	return h, nil
}
