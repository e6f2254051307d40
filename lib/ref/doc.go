// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package ref provides validated, immutable Matrix identifiers.
//
// A session descriptor carries a user ID and a device ID, and every
// room key carries a room ID. Parsing them into distinct types at the
// boundary (login response, backup download, decoded session file)
// keeps an access token from being passed where a device ID belongs.
//
// All three types implement encoding.TextMarshaler, so they serialize
// as plain strings in JSON and CBOR.
package ref
