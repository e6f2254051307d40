// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package session persists a Matrix login session so a service can
// resume without logging in again.
//
// A Descriptor holds everything needed to resume: homeserver, user,
// device, tokens, the last sync position, and the random key that
// seals the local room key store. Serialize turns it into
// deterministic CBOR; Encode additionally seals the result with
// blobcrypt when a session encryption key is configured.
//
// Storage is the persistence collaborator. FileStorage writes
// atomically (temporary file, fsync, rename, fsync of the parent
// directory), so a crash or cancellation mid-write always leaves
// either the previous file or the new one, never a torn mix.
// MemoryStorage serves tests and embedders that keep state elsewhere.
//
// Store ties the two together:
//
//	store := &session.Store{Storage: session.NewFileStorage(path), Key: key}
//	if err := store.Persist(ctx, descriptor); err != nil { ... }
//	descriptor, err := store.Load(ctx)
//	var loadError *session.LoadError
//	if errors.As(err, &loadError) && loadError.Kind == session.NotFound { ... }
//
// Load never modifies or removes the stored bytes, including when
// they fail to decrypt or parse. Deciding what to do with a corrupt
// session file is the operator's call.
package session
