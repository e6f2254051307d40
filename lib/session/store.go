// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/bureau-foundation/mxsession/lib/secret"
)

// Store persists descriptors to a Storage, sealing them with Key when
// one is set. Key is borrowed: the Store never closes it.
type Store struct {
	Storage Storage
	Key     *secret.Buffer
}

// Encrypted reports whether the store seals descriptors at rest.
func (s *Store) Encrypted() bool { return s.Key != nil }

// Persist encodes descriptor and atomically replaces the stored
// session. On failure the previous session, if any, is still stored.
func (s *Store) Persist(ctx context.Context, descriptor Descriptor) error {
	encoded, err := Encode(descriptor, s.Key)
	if err != nil {
		return err
	}
	defer secret.Zero(encoded)

	if err := s.Storage.AtomicWrite(ctx, encoded); err != nil {
		return fmt.Errorf("persisting session: %w", err)
	}
	return nil
}

// Load reads and decodes the stored session. Every failure is a
// *LoadError; the stored bytes are never modified.
func (s *Store) Load(ctx context.Context) (Descriptor, error) {
	raw, err := s.Storage.Read(ctx)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Descriptor{}, &LoadError{Kind: NotFound, Err: err}
		}
		return Descriptor{}, &LoadError{Kind: Unavailable, Err: err}
	}
	defer secret.Zero(raw)

	return Decode(raw, s.Key)
}

// Exists reports whether a session is stored, without decoding it.
func (s *Store) Exists(ctx context.Context) (bool, error) {
	return s.Storage.Exists(ctx)
}

// Remove deletes the stored session.
func (s *Store) Remove(ctx context.Context) error {
	return s.Storage.Remove(ctx)
}
