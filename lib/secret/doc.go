// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package secret holds key material and credentials outside the Go heap.
//
// mxsession handles four kinds of secret: the Matrix access and refresh
// tokens, the 32-byte session encryption key, the per-session store key
// that seals the local room key database, and the caller's recovery key.
// Each lives in a [Buffer]: an anonymous mmap region locked into RAM
// (mlock), excluded from core dumps (MADV_DONTDUMP), and zeroed on Close.
// The garbage collector never sees the region, so it cannot leave copies
// behind when it moves objects.
//
// Constructors:
//
//   - [New] allocates a zero-filled buffer of a given size
//   - [NewFromBytes] copies into protected memory and zeros the source
//   - [NewFromString] copies a string (the string itself stays on the heap)
//   - [ReadFromPath] reads a trimmed secret from a file or stdin
//
// Access via [Buffer.Bytes] (slice into the mmap region) or
// [Buffer.String] (heap copy for API boundaries such as JSON request
// bodies). [Buffer.Equal] compares in constant time. [Buffer.Clone]
// produces an independent buffer with its own lifetime. After Close any
// access panics. Close is idempotent.
//
// [Zero] overwrites heap byte slices that briefly held secret material
// (decoded files, JSON bodies) once they are no longer needed.
package secret
