// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package messaging wraps the parts of the Matrix client-server API that
// session persistence and key backup depend on.
//
// [Client] is an unauthenticated client holding the homeserver URL and
// HTTP transport. It performs password login (optionally requesting a
// refresh token), token refresh, and restores a [DirectSession] from a
// previously persisted access token.
//
// [DirectSession] carries an access token in mmap-backed secret.Buffer
// memory (locked against swap, excluded from core dumps) and exposes
// token validation (WhoAmI), logout, and the server-side room key backup
// endpoints under /_matrix/client/v3/room_keys. Callers must call
// DirectSession.Close to release the protected memory.
//
// All API errors are returned as [*MatrixError] with the standard Matrix
// error code and HTTP status code. [IsMatrixError] tests for a specific
// code; [IsTransient] separates retry-eligible failures (network errors,
// HTTP 429, HTTP 5xx) from permanent ones. Request URLs are built by
// string concatenation rather than url.URL to avoid double-encoding of
// escaped path segments.
//
// The messagingtest subpackage provides an in-process homeserver
// implementing the same endpoints for tests.
package messaging
