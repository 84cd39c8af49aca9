// Copyright 2026 The Crucible Authors
// SPDX-License-Identifier: Apache-2.0

// Package frame implements the length-prefixed framing used on the
// worker channel. Each frame is a 4-byte big-endian payload length
// followed by the payload; there is no type byte because the protocol
// is strictly request/response (one job frame in, one outcome frame
// out). Payloads are CBOR, but this package treats them as opaque.
package frame

import (
	"encoding/binary"
	"fmt"
	"io"
)

// headerLength is the fixed size of the frame header.
const headerLength = 4

// MaxPayload is the maximum allowed payload size. Validation code is
// capped well below this at the blob layer; the frame cap exists so a
// corrupted length prefix cannot drive a multi-gigabyte allocation.
const MaxPayload = 16 * 1024 * 1024

// Write writes one framed payload to w.
func Write(w io.Writer, payload []byte) error {
	if len(payload) > MaxPayload {
		return fmt.Errorf("payload length %d exceeds maximum %d", len(payload), MaxPayload)
	}
	var header [headerLength]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return fmt.Errorf("write frame payload: %w", err)
		}
	}
	return nil
}

// Read reads one framed payload from r. A clean end of stream before
// any header byte surfaces as io.EOF (wrapped, so errors.Is applies);
// a stream that ends mid-frame surfaces as io.ErrUnexpectedEOF.
func Read(r io.Reader) ([]byte, error) {
	var header [headerLength]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, fmt.Errorf("read frame header: %w", err)
	}
	payloadLength := binary.BigEndian.Uint32(header[:])
	if payloadLength > MaxPayload {
		return nil, fmt.Errorf("payload length %d exceeds maximum %d", payloadLength, MaxPayload)
	}
	payload := make([]byte, payloadLength)
	if payloadLength > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, fmt.Errorf("read frame payload: %w", err)
		}
	}
	return payload, nil
}
