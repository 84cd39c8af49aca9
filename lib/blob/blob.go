// Copyright 2026 The Crucible Authors
// SPDX-License-Identifier: Apache-2.0

// Package blob handles maybe-compressed validation code blobs. A blob
// is either raw bytes or an 8-byte magic prefix followed by a zstd
// frame. Callers never need to know which: [Decompress] detects the
// prefix and returns plain bytes either way.
//
// Blobs come from untrusted third parties, so decompression is bounded
// by an explicit bomb limit. The limit applies to the decoded size in
// both representations: a raw blob over the limit is rejected exactly
// like a compressed blob that would inflate past it.
package blob

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

// compressedPrefix marks a zstd-compressed blob. This value is a wire
// constant shared with every producer of compressed validation code;
// changing it orphans all existing blobs.
var compressedPrefix = [8]byte{0x82, 0xBC, 0x53, 0x76, 0x46, 0xDB, 0x8E, 0x05}

// DefaultBombLimit is the decompressed-size ceiling applied to
// incoming validation code when the caller has no tighter bound.
const DefaultBombLimit = 64 << 20

// ErrDecompressedTooLarge is returned when a blob's decoded size
// exceeds the bomb limit.
var ErrDecompressedTooLarge = errors.New("blob: decompressed size exceeds limit")

// blobEncoder is reused across calls; zstd.Encoder is safe for
// concurrent use.
var blobEncoder *zstd.Encoder

func init() {
	var err error
	blobEncoder, err = zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
	)
	if err != nil {
		panic("blob: zstd encoder initialization failed: " + err.Error())
	}
}

// IsCompressed reports whether data carries the compressed-blob magic
// prefix.
func IsCompressed(data []byte) bool {
	return bytes.HasPrefix(data, compressedPrefix[:])
}

// Compress returns data as a prefixed zstd frame. It refuses input
// larger than limit: such a blob could never be decompressed under the
// same limit, so producing it would only defer the failure to the
// consumer.
func Compress(data []byte, limit int64) ([]byte, error) {
	if int64(len(data)) > limit {
		return nil, ErrDecompressedTooLarge
	}
	out := make([]byte, 0, len(compressedPrefix)+len(data)/2)
	out = append(out, compressedPrefix[:]...)
	return blobEncoder.EncodeAll(data, out), nil
}

// Decompress returns the plain bytes of a maybe-compressed blob,
// enforcing limit on the decoded size. Raw input under the limit is
// returned unchanged (no copy).
func Decompress(data []byte, limit int64) ([]byte, error) {
	if !IsCompressed(data) {
		if int64(len(data)) > limit {
			return nil, ErrDecompressedTooLarge
		}
		return data, nil
	}

	body := data[len(compressedPrefix):]
	reader, err := zstd.NewReader(bytes.NewReader(body),
		zstd.WithDecoderMaxMemory(uint64(limit)),
	)
	if err != nil {
		return nil, fmt.Errorf("blob: open zstd frame: %w", err)
	}
	defer reader.Close()

	decoded, err := io.ReadAll(io.LimitReader(reader, limit+1))
	if err != nil {
		if errors.Is(err, zstd.ErrDecoderSizeExceeded) || errors.Is(err, zstd.ErrWindowSizeExceeded) {
			return nil, ErrDecompressedTooLarge
		}
		return nil, fmt.Errorf("blob: decompress: %w", err)
	}
	if int64(len(decoded)) > limit {
		return nil, ErrDecompressedTooLarge
	}
	return decoded, nil
}
