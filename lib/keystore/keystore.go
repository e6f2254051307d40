// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package keystore

import (
	"context"
	"errors"
	"fmt"

	"github.com/bureau-foundation/mxsession/lib/ref"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("keystore: store is closed")

// ErrStoreKeyMismatch is returned by OpenSQLite when the store on disk
// was created under a different store key.
var ErrStoreKeyMismatch = errors.New("keystore: store key does not match the existing store")

// FingerprintSize is the length of a backup key fingerprint.
const FingerprintSize = 32

// RoomKey is one inbound megolm session: enough to decrypt a room's
// messages from FirstMessageIndex onward.
type RoomKey struct {
	RoomID    ref.RoomID `cbor:"room_id"`
	SessionID string     `cbor:"session_id"`
	Algorithm string     `cbor:"algorithm"`

	// SenderKey is the Curve25519 identity key of the device that
	// created the session.
	SenderKey string `cbor:"sender_key"`

	// SessionKey is the exported session state. Secret.
	SessionKey []byte `cbor:"session_key"`

	FirstMessageIndex uint32 `cbor:"first_message_index"`
	ForwardedCount    uint32 `cbor:"forwarded_count"`
	IsVerified        bool   `cbor:"is_verified"`
}

// Validate checks the fields every stored key must carry.
func (k RoomKey) Validate() error {
	switch {
	case k.RoomID.IsZero():
		return fmt.Errorf("room key has no room ID")
	case k.SessionID == "":
		return fmt.Errorf("room key for %s has no session ID", k.RoomID)
	case k.Algorithm == "":
		return fmt.Errorf("room key %s has no algorithm", k.SessionID)
	case len(k.SessionKey) == 0:
		return fmt.Errorf("room key %s has no session key", k.SessionID)
	}
	return nil
}

// Better reports whether k should replace existing for the same room
// and session. A key that decrypts from an earlier message wins; at
// equal index a verified key beats an unverified one, then fewer
// forwarding hops beat more.
func (k RoomKey) Better(existing RoomKey) bool {
	if k.FirstMessageIndex != existing.FirstMessageIndex {
		return k.FirstMessageIndex < existing.FirstMessageIndex
	}
	if k.IsVerified != existing.IsVerified {
		return k.IsVerified
	}
	return k.ForwardedCount < existing.ForwardedCount
}

// ImportResult counts the outcome of an ImportRoomKeys call.
type ImportResult struct {
	// Imported keys were new or replaced a worse copy.
	Imported int `json:"imported"`

	// Skipped keys were already present in an equal or better copy.
	Skipped int `json:"skipped"`
}

// BackupTrust records a server-side key backup that this store has
// verified against the recovery key.
type BackupTrust struct {
	Version     string `cbor:"version"`
	Algorithm   string `cbor:"algorithm"`
	Fingerprint []byte `cbor:"fingerprint"`
}

// Store is the local room key store consumed by recovery, key export,
// and bootstrap.
type Store interface {
	// ImportRoomKeys adds keys in a single transaction: either every
	// key is applied or none is. A key already present is replaced
	// only if the new copy is Better.
	ImportRoomKeys(ctx context.Context, keys []RoomKey) (ImportResult, error)

	// ExportRoomKeys returns every stored key.
	ExportRoomKeys(ctx context.Context) ([]RoomKey, error)

	// CountRoomKeys returns the number of stored keys.
	CountRoomKeys(ctx context.Context) (int, error)

	// TrustedBackup returns the recorded backup trust, and false if
	// none is recorded.
	TrustedBackup(ctx context.Context) (BackupTrust, bool, error)

	// SetTrustedBackup records trust in a backup, replacing any
	// previous record.
	SetTrustedBackup(ctx context.Context, trust BackupTrust) error

	// ClearTrustedBackup removes the trust record.
	ClearTrustedBackup(ctx context.Context) error

	// Close releases the store. Further calls return ErrClosed.
	Close() error
}

func validateAll(keys []RoomKey) error {
	for index, key := range keys {
		if err := key.Validate(); err != nil {
			return fmt.Errorf("keystore: key %d: %w", index, err)
		}
	}
	return nil
}

func validateTrust(trust BackupTrust) error {
	if trust.Version == "" {
		return fmt.Errorf("keystore: backup trust has no version")
	}
	if len(trust.Fingerprint) != FingerprintSize {
		return fmt.Errorf("keystore: backup fingerprint is %d bytes (expected %d)", len(trust.Fingerprint), FingerprintSize)
	}
	return nil
}
