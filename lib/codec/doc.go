// Copyright 2026 The Crucible Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides Crucible's standard CBOR encoding configuration.
//
// Crucible uses two serialization formats with a clear boundary:
//
//   - CBOR for the worker wire protocol: preparation jobs and outcomes
//     exchanged between the host and a worker process over the framed
//     socket channel.
//   - JSON for human-facing surfaces: doctor CLI --json output and the
//     seccomp policy file (which is JSONC, normalized before parsing).
//
// The encoder uses Core Deterministic Encoding (RFC 8949 §4.2): sorted
// map keys, smallest integer encoding, no indefinite-length items. Same
// logical data always produces identical bytes, so a response frame is
// byte-stable across worker processes given equal contents.
//
// The decoder additionally rejects indefinite-length items and
// duplicate map keys. Both ends of the channel are Crucible binaries,
// so anything outside the deterministic profile indicates a framing bug
// or a corrupted stream and is surfaced as a decode error rather than
// silently accepted.
//
// Wire types use `cbor` struct tags. Types that also appear in CLI
// --json output use `json` tags only; fxamacker/cbor reads those as a
// fallback, so a single tag controls field naming for both formats.
// Never put both tags on one field.
package codec
