// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package blobcrypt seals small byte strings with ChaCha20-Poly1305.
//
// Every blob has the same layout:
//
//	[Version: 1 byte (0x01)] [Nonce: 12 bytes (random)] [Ciphertext+Tag: N+16 bytes]
//
// The version byte and a caller-supplied associated-data string are
// authenticated along with the ciphertext, so a blob sealed for one
// purpose (a session file, a key store row for one room key) cannot
// be replayed as another. Decrypt verifies the tag before returning
// any plaintext, and every failure mode (truncation, unknown version,
// wrong key, tampering, wrong associated data) surfaces as
// ErrAuthenticationFailed.
//
// The package never generates or caches key material on its own.
// Callers pass keys in secret.Buffer values they own; the helpers
// that produce keys (GenerateKey, ParseKeyHex, DeriveKey,
// DerivePassphraseKey) return new buffers the caller must Close.
//
// Key derivation uses two constructions:
//
//   - HKDF-SHA256 (DeriveKey) for domain-separated subkeys of an
//     already uniform key: the key store's sealing key from the
//     session's store key, the probe key from the backup master key.
//   - Argon2id (DerivePassphraseKey) for turning a human-held recovery
//     key into a backup master key. The salt and cost parameters
//     travel with the backup so any instance can re-derive the key.
package blobcrypt
