// Copyright 2026 The Crucible Authors
// SPDX-License-Identifier: Apache-2.0

package prepare

import "bytes"

// oomSentinelPayload is the payload of the out-of-memory sentinel
// frame. The full frame (length prefix included) is pre-encoded in
// oomSentinelFrame so the hook that writes it never touches an
// encoder.
var oomSentinelPayload = []byte("!oom")

// oomSentinelFrame is the complete sentinel as it appears on the wire:
// a well-formed 4-byte big-endian length prefix followed by the
// payload. Keeping it a valid frame means the host's ordinary frame
// reader picks it up without a separate byte-level scan.
var oomSentinelFrame = []byte{0x00, 0x00, 0x00, 0x04, '!', 'o', 'o', 'm'}

// OOMExitCode is the worker's exit status after the out-of-memory
// hook fires. Distinct from 1 so hosts can tell a resource kill from
// an ordinary startup failure.
const OOMExitCode = 11

// IsOOMSentinel reports whether a received frame payload is the
// out-of-memory sentinel. Hosts check this before attempting to decode
// the payload as an outcome.
func IsOOMSentinel(payload []byte) bool {
	return bytes.Equal(payload, oomSentinelPayload)
}
