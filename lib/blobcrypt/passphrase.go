// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package blobcrypt

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/argon2"

	"github.com/bureau-foundation/mxsession/lib/secret"
)

// SaltSize is the length of the random Argon2id salt.
const SaltSize = 16

// Limits on KDF parameters read back from a backup's auth data. The
// server is not trusted, and Restore derives the key on every run, so
// the bounds keep one derivation to at most a few seconds and 1 GiB.
const (
	maxKDFTime      = 16
	maxKDFMemoryKiB = 1 << 20 // 1 GiB
	maxKDFThreads   = 16
)

// KDFCost holds the Argon2id cost parameters.
type KDFCost struct {
	Time      uint32 `json:"time"`
	MemoryKiB uint32 `json:"memory_kib"`
	Threads   uint8  `json:"threads"`
}

// DefaultKDFCost is used when a caller leaves KDFCost zero: 3 passes
// over 64 MiB with 4 lanes.
var DefaultKDFCost = KDFCost{Time: 3, MemoryKiB: 64 << 10, Threads: 4}

// IsZero reports whether no cost parameter is set.
func (c KDFCost) IsZero() bool { return c == KDFCost{} }

// KDFParams is everything needed to re-derive a passphrase key: the
// salt and the cost it was derived with.
type KDFParams struct {
	Salt []byte `json:"salt"`
	KDFCost
}

// NewKDFParams draws a fresh salt and pairs it with cost (or
// DefaultKDFCost if cost is zero).
func NewKDFParams(cost KDFCost) (KDFParams, error) {
	if cost.IsZero() {
		cost = DefaultKDFCost
	}
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return KDFParams{}, fmt.Errorf("generating salt: %w", err)
	}
	params := KDFParams{Salt: salt, KDFCost: cost}
	if err := params.Validate(); err != nil {
		return KDFParams{}, err
	}
	return params, nil
}

// Validate checks that the parameters are within the bounds this
// package will run.
func (p KDFParams) Validate() error {
	switch {
	case len(p.Salt) < SaltSize:
		return fmt.Errorf("KDF salt is %d bytes, minimum is %d", len(p.Salt), SaltSize)
	case p.Time == 0 || p.Time > maxKDFTime:
		return fmt.Errorf("KDF time %d outside 1..%d", p.Time, maxKDFTime)
	case p.Threads == 0 || p.Threads > maxKDFThreads:
		return fmt.Errorf("KDF threads %d outside 1..%d", p.Threads, maxKDFThreads)
	case p.MemoryKiB < 8*uint32(p.Threads) || p.MemoryKiB > maxKDFMemoryKiB:
		return fmt.Errorf("KDF memory %d KiB outside %d..%d", p.MemoryKiB, 8*uint32(p.Threads), maxKDFMemoryKiB)
	}
	return nil
}

// DerivePassphraseKey stretches passphrase into a KeySize key with
// Argon2id. The passphrase is borrowed and not modified. The returned
// Buffer must be closed by the caller.
func DerivePassphraseKey(passphrase *secret.Buffer, params KDFParams) (*secret.Buffer, error) {
	if passphrase == nil || passphrase.Len() == 0 {
		return nil, fmt.Errorf("%w: passphrase is empty", ErrInvalidKey)
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	derived := argon2.IDKey(passphrase.Bytes(), params.Salt, params.Time, params.MemoryKiB, params.Threads, KeySize)
	return secret.NewFromBytes(derived)
}
