// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package keystore holds a session's end-to-end-encryption room keys
// on local disk.
//
// A Matrix client decrypts room history with megolm room keys. Losing
// them means losing history, which is why they are backed up to the
// homeserver (see lib/recovery). This package is the local half: the
// place keys are imported into after a restore and exported from when
// a backup is first enabled.
//
// SQLiteStore keeps keys in keys.db inside the store directory. Every
// row is a CBOR-encoded RoomKey sealed with blobcrypt under a subkey
// of the session's store key, indexed by an opaque BLAKE3 keyed hash
// of the room and session IDs. Without the session file, a copied
// store directory reveals only how many keys it holds.
//
// The store also records which server-side backup it trusts (version
// and key fingerprint). Recovery uses that record to report a backup
// as verified without asking the operator for the recovery key again.
//
// MemoryStore implements the same contract in memory for tests and for
// embedders that do not want keys on disk.
package keystore
