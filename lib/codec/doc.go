// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides mxsession's standard CBOR encoding
// configuration.
//
// mxsession uses two serialization formats with a clear boundary:
//
//   - JSON for external interfaces: the Matrix Client-Server API,
//     backup auth_data and session_data, and CLI --json output.
//   - CBOR for everything at rest: the session descriptor inside the
//     session file, key store entries, and key export bundles.
//
// The encoder uses Core Deterministic Encoding (RFC 8949 §4.2), so
// the same descriptor always serializes to the same bytes and fields
// always appear in a stable order.
//
//	data, err := codec.Marshal(value)
//	err = codec.Unmarshal(data, &value)
//
// # Struct Tag Rules
//
// A `cbor` tag means the type is only ever serialized as CBOR. A
// `json` tag means the type may be serialized as both; fxamacker/cbor
// reads `json` tags as a fallback when `cbor` tags are absent. Never
// put both tags on the same field.
package codec
