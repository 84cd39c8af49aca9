// Copyright 2026 The Crucible Authors
// SPDX-License-Identifier: Apache-2.0

// Package artifact persists compiled artifacts as self-describing
// container files: a fixed header carrying a keyed BLAKE3 checksum of
// the uncompressed payload, followed by the payload itself compressed
// with whichever algorithm a probe found worthwhile.
//
// Container layout (all integers little-endian):
//
//	offset  size  field
//	0       8     magic ("CRUCIBL" + version byte)
//	8       1     compression tag
//	9       7     reserved (zero)
//	16      8     uncompressed payload size
//	24      32    artifact-domain hash of the uncompressed payload
//	56      ...   payload
package artifact

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const (
	// containerVersion is embedded in the magic. Readers reject any
	// other version; there is no cross-version compatibility because
	// artifacts are a cache, not an interchange format.
	containerVersion = 1

	containerHeaderSize = 56

	// maxPayloadSize bounds the header-declared uncompressed size so
	// a corrupt header cannot drive a multi-gigabyte allocation.
	maxPayloadSize = 1 << 31
)

// containerMagic is the 8-byte container file signature.
var containerMagic = [8]byte{'C', 'R', 'U', 'C', 'I', 'B', 'L', containerVersion}

// ErrChecksumMismatch reports that a container's payload does not hash
// to the checksum in its header. The file is corrupt or was produced
// by something other than this package.
var ErrChecksumMismatch = errors.New("artifact checksum mismatch")

// Encode builds a container for the given uncompressed payload and
// returns the container bytes plus the payload hash.
func Encode(payload []byte) ([]byte, Hash) {
	hash := HashPayload(payload)
	tag, encoded := selectCompression(payload)

	container := make([]byte, containerHeaderSize+len(encoded))
	copy(container[0:8], containerMagic[:])
	container[8] = byte(tag)
	binary.LittleEndian.PutUint64(container[16:24], uint64(len(payload)))
	copy(container[24:56], hash[:])
	copy(container[containerHeaderSize:], encoded)
	return container, hash
}

// Decode parses a container, decompresses the payload, and verifies it
// against the checksum in the header. Returns the uncompressed payload
// and its hash.
func Decode(container []byte) ([]byte, Hash, error) {
	if len(container) < containerHeaderSize {
		return nil, Hash{}, fmt.Errorf("container is %d bytes, header alone is %d", len(container), containerHeaderSize)
	}
	if !bytes.Equal(container[0:8], containerMagic[:]) {
		return nil, Hash{}, fmt.Errorf("bad container magic %x", container[0:8])
	}

	tag := CompressionTag(container[8])
	size := binary.LittleEndian.Uint64(container[16:24])
	if size > maxPayloadSize {
		return nil, Hash{}, fmt.Errorf("header declares %d byte payload, limit is %d", size, maxPayloadSize)
	}
	var stored Hash
	copy(stored[:], container[24:56])

	payload, err := decompress(tag, container[containerHeaderSize:], size)
	if err != nil {
		return nil, Hash{}, err
	}

	if computed := HashPayload(payload); computed != stored {
		return nil, Hash{}, fmt.Errorf("%w: header %s, payload %s", ErrChecksumMismatch, stored, computed)
	}
	return payload, stored, nil
}

// WriteFile encodes the payload and writes the container to path
// atomically: the bytes land in a temporary file that is synced,
// closed, and renamed into place, and the parent directory is synced
// so the rename survives a crash. A reader never observes a partial
// container.
func WriteFile(path string, payload []byte) (Hash, error) {
	container, hash := Encode(payload)

	tmp := path + ".tmp"
	file, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return Hash{}, fmt.Errorf("creating %s: %w", tmp, err)
	}
	if _, err := file.Write(container); err != nil {
		file.Close()
		os.Remove(tmp)
		return Hash{}, fmt.Errorf("writing %s: %w", tmp, err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tmp)
		return Hash{}, fmt.Errorf("syncing %s: %w", tmp, err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmp)
		return Hash{}, fmt.Errorf("closing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return Hash{}, fmt.Errorf("renaming %s: %w", tmp, err)
	}

	// Sync the parent directory so the rename itself is durable.
	// Best effort: the data is already safe in the file.
	if dir, err := os.Open(filepath.Dir(path)); err == nil {
		dir.Sync()
		dir.Close()
	}
	return hash, nil
}

// ReadFile reads a container file and returns its verified payload and
// hash.
func ReadFile(path string) ([]byte, Hash, error) {
	container, err := os.ReadFile(path)
	if err != nil {
		return nil, Hash{}, fmt.Errorf("reading artifact: %w", err)
	}
	payload, hash, err := Decode(container)
	if err != nil {
		return nil, Hash{}, fmt.Errorf("decoding %s: %w", path, err)
	}
	return payload, hash, nil
}
