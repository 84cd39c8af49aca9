// Copyright 2026 The Crucible Authors
// SPDX-License-Identifier: Apache-2.0

package artifact

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// CompressionTag identifies the algorithm used on the container
// payload. The tag is stored as a single byte in the container header.
type CompressionTag uint8

const (
	// CompressionNone stores the payload verbatim.
	CompressionNone CompressionTag = 0

	// CompressionLZ4 is LZ4 block compression. Cheap to decompress,
	// modest ratio.
	CompressionLZ4 CompressionTag = 1

	// CompressionZstd is Zstandard. Better ratio than LZ4 at a
	// higher decompression cost.
	CompressionZstd CompressionTag = 2
)

// String returns the tag name used in error messages and logs.
func (t CompressionTag) String() string {
	switch t {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

const (
	// minCompressSize is the payload size below which compression is
	// not attempted. Tiny payloads rarely shrink and the header
	// overhead dominates either way.
	minCompressSize = 256

	// zstdMinRatio and lz4MinRatio are the uncompressed/compressed
	// ratios an algorithm must reach to be selected. Zstd is probed
	// first; LZ4 is the fallback when zstd's win is marginal.
	zstdMinRatio = 1.5
	lz4MinRatio  = 1.1
)

// Shared codec state. Both are safe for concurrent use; EncodeAll and
// DecodeAll are stateless entry points.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic(fmt.Sprintf("artifact: creating zstd encoder: %v", err))
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic(fmt.Sprintf("artifact: creating zstd decoder: %v", err))
	}
}

// errIncompressible reports that compression did not shrink the data.
var errIncompressible = errors.New("data is incompressible")

// compressLZ4 compresses data as a single LZ4 block. Returns
// errIncompressible when the block would be as large as the input.
func compressLZ4(data []byte) ([]byte, error) {
	buf := make([]byte, lz4.CompressBlockBound(len(data)))
	var compressor lz4.Compressor
	written, err := compressor.CompressBlock(data, buf)
	if err != nil {
		return nil, fmt.Errorf("lz4 compression: %w", err)
	}
	if written == 0 || written >= len(data) {
		return nil, errIncompressible
	}
	return buf[:written], nil
}

// selectCompression probes the payload and picks the algorithm worth
// its decompression cost. Returns the chosen tag and the encoded
// payload (the input itself for CompressionNone).
func selectCompression(data []byte) (CompressionTag, []byte) {
	if len(data) < minCompressSize {
		return CompressionNone, data
	}

	compressed := zstdEncoder.EncodeAll(data, make([]byte, 0, len(data)))
	if ratio(len(data), len(compressed)) >= zstdMinRatio {
		return CompressionZstd, compressed
	}

	if block, err := compressLZ4(data); err == nil && ratio(len(data), len(block)) >= lz4MinRatio {
		return CompressionLZ4, block
	}

	return CompressionNone, data
}

func ratio(uncompressed, compressed int) float64 {
	if compressed == 0 {
		return 0
	}
	return float64(uncompressed) / float64(compressed)
}

// decompress expands a container payload to exactly size bytes.
func decompress(tag CompressionTag, payload []byte, size uint64) ([]byte, error) {
	switch tag {
	case CompressionNone:
		if uint64(len(payload)) != size {
			return nil, fmt.Errorf("stored payload is %d bytes, header says %d", len(payload), size)
		}
		return payload, nil

	case CompressionLZ4:
		out := make([]byte, size)
		n, err := lz4.UncompressBlock(payload, out)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompression: %w", err)
		}
		if uint64(n) != size {
			return nil, fmt.Errorf("lz4 payload expanded to %d bytes, header says %d", n, size)
		}
		return out, nil

	case CompressionZstd:
		out, err := zstdDecoder.DecodeAll(payload, make([]byte, 0, size))
		if err != nil {
			return nil, fmt.Errorf("zstd decompression: %w", err)
		}
		if uint64(len(out)) != size {
			return nil, fmt.Errorf("zstd payload expanded to %d bytes, header says %d", len(out), size)
		}
		return out, nil

	default:
		return nil, fmt.Errorf("unknown compression tag %s", tag)
	}
}
