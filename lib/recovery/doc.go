// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package recovery orchestrates server-side backup of end-to-end
// encryption room keys, so a service that loses its local key store can
// restore room history with an operator-held recovery key.
//
// A [Coordinator] tracks one session's backup [State]:
//
//   - Unknown: not checked yet, or the last operation failed.
//   - Disabled: the account has no backup.
//   - Enabled(verified): a backup exists. Verified means the local key
//     store holds a trust record matching the backup's version and key
//     fingerprint, written when this store enabled or restored it.
//
// [Coordinator.Check] reads the server's current backup and compares it
// with the trust record. [Coordinator.Enable] creates a backup protected
// by the recovery key and uploads the local room keys.
// [Coordinator.Restore] downloads and decrypts a backup into the local
// key store. [Coordinator.Reset] deletes the server's backup and
// enables a fresh one. Every mutating operation re-checks the server
// first and never trusts a state the caller asserts: the homeserver is
// the authority, and a concurrent instance may have changed it.
//
// The recovery key is borrowed for the duration of a call and never
// retained or logged. The backup master key is derived from it with
// Argon2id under a salt published in the backup's auth data; HKDF
// subkeys of the master key seal a probe constant (so a wrong key is
// detected before anything is imported) and each backed-up session.
//
// The Coordinator performs no retries. Failures that the caller may
// retry with backoff are reported with [KindTransient]; see [IsTransient].
package recovery
