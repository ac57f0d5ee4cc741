// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the CBOR encoding used for stored values.
//
// kernelhost uses two serialization formats with a clear boundary:
//
//   - JSON for external interfaces: the kernel wire protocol, the
//     connection file the kernel reads, the file session store, and
//     CLI output.
//   - CBOR for values held in the SQLite session store.
//
// The encoder uses Core Deterministic Encoding (RFC 8949 §4.2):
// sorted map keys, smallest integer encoding, no indefinite-length
// items. Same logical data always produces identical bytes, so an
// unchanged descriptor never rewrites its row with different bytes.
//
//	data, err := codec.Marshal(value)
//	err = codec.Unmarshal(data, &value)
//
// fxamacker/cbor reads `json` struct tags when `cbor` tags are absent,
// so types shared with the JSON file store carry only `json` tags.
package codec
