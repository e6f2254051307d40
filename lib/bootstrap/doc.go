// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package bootstrap brings a Matrix service from process start to a live,
// recovery-checked session.
//
// [Bootstrap] decides between three paths:
//
//   - no persisted session: log in with the configured credentials,
//     generate a store key, and persist the session before anything
//     else touches the server
//   - a persisted session: load it (a corrupt or undecryptable file is
//     a hard [StageCorruptSession] failure, never a silent re-login),
//     refresh an expired access token, and optionally confirm the
//     token with whoami
//   - either way, open the local room key store and, when a recovery
//     key is configured, reconcile it with the server's key backup
//     through [recovery.Coordinator]
//
// The result is a [LiveSession] owned by the caller. A failed recovery
// step never deletes or invalidates the session: it is reported in
// [Result.RecoveryErr] unless [Config.RequireRecovery] makes it fatal.
//
// Bootstrap does not retry. Every failure is an [*Error] naming the
// stage that failed; [Error.Transient] tells the caller whether running
// Bootstrap again could succeed (lib/retry drives that loop in the CLI).
//
// Concurrent bootstrap of the same session file from several processes
// is not supported: the file is replaced atomically but not locked.
package bootstrap
