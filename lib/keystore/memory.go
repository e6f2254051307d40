// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package keystore

import (
	"bytes"
	"context"
	"sort"
	"sync"
)

// MemoryStore is a Store held entirely in memory.
type MemoryStore struct {
	mu        sync.Mutex
	keys      map[memoryKeyID]RoomKey
	trust     *BackupTrust
	importErr error
	closed    bool
}

type memoryKeyID struct {
	roomID    string
	sessionID string
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{keys: make(map[memoryKeyID]RoomKey)}
}

// FailImports makes every subsequent ImportRoomKeys return err without
// applying anything. A nil err restores normal behavior.
func (s *MemoryStore) FailImports(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.importErr = err
}

// ImportRoomKeys implements Store.
func (s *MemoryStore) ImportRoomKeys(ctx context.Context, keys []RoomKey) (ImportResult, error) {
	if err := ctx.Err(); err != nil {
		return ImportResult{}, err
	}
	if err := validateAll(keys); err != nil {
		return ImportResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ImportResult{}, ErrClosed
	}
	if s.importErr != nil {
		return ImportResult{}, s.importErr
	}

	var result ImportResult
	for _, key := range keys {
		id := memoryKeyID{roomID: key.RoomID.String(), sessionID: key.SessionID}
		if existing, found := s.keys[id]; found && !key.Better(existing) {
			result.Skipped++
			continue
		}
		stored := key
		stored.SessionKey = bytes.Clone(key.SessionKey)
		s.keys[id] = stored
		result.Imported++
	}
	return result, nil
}

// ExportRoomKeys implements Store. Keys are returned in room, then
// session order.
func (s *MemoryStore) ExportRoomKeys(ctx context.Context) ([]RoomKey, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	keys := make([]RoomKey, 0, len(s.keys))
	for _, key := range s.keys {
		exported := key
		exported.SessionKey = bytes.Clone(key.SessionKey)
		keys = append(keys, exported)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].RoomID != keys[j].RoomID {
			return keys[i].RoomID.String() < keys[j].RoomID.String()
		}
		return keys[i].SessionID < keys[j].SessionID
	})
	return keys, nil
}

// CountRoomKeys implements Store.
func (s *MemoryStore) CountRoomKeys(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	return len(s.keys), nil
}

// TrustedBackup implements Store.
func (s *MemoryStore) TrustedBackup(ctx context.Context) (BackupTrust, bool, error) {
	if err := ctx.Err(); err != nil {
		return BackupTrust{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return BackupTrust{}, false, ErrClosed
	}
	if s.trust == nil {
		return BackupTrust{}, false, nil
	}
	trust := *s.trust
	trust.Fingerprint = bytes.Clone(s.trust.Fingerprint)
	return trust, true, nil
}

// SetTrustedBackup implements Store.
func (s *MemoryStore) SetTrustedBackup(ctx context.Context, trust BackupTrust) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateTrust(trust); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	stored := trust
	stored.Fingerprint = bytes.Clone(trust.Fingerprint)
	s.trust = &stored
	return nil
}

// ClearTrustedBackup implements Store.
func (s *MemoryStore) ClearTrustedBackup(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.trust = nil
	return nil
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
