// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package keystore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/mxsession/lib/blobcrypt"
	"github.com/bureau-foundation/mxsession/lib/codec"
	"github.com/bureau-foundation/mxsession/lib/secret"
	"github.com/bureau-foundation/mxsession/lib/sqlitepool"
)

// DatabaseName is the key database file inside a store directory.
const DatabaseName = "keys.db"

// HKDF info strings for the two store subkeys.
var (
	hkdfInfoSealing = []byte("mxsession.keystore.v1")
	hkdfInfoIndex   = []byte("mxsession.keystore.index.v1")
)

// Associated data and hash domains.
var (
	indexDomainRoomKey = []byte("mxsession.keystore.room_key")
	metadataCanary     = "canary"
	metadataTrust      = "trusted_backup"
	canaryPlaintext    = []byte("mxsession key store")
)

const schema = `
CREATE TABLE IF NOT EXISTS room_keys (
	key_id BLOB PRIMARY KEY,
	sealed BLOB NOT NULL
) WITHOUT ROWID;

CREATE TABLE IF NOT EXISTS metadata (
	name  TEXT PRIMARY KEY,
	value BLOB NOT NULL
) WITHOUT ROWID;
`

// SQLiteConfig holds the parameters for OpenSQLite.
type SQLiteConfig struct {
	// Directory holds keys.db. Created with mode 0700 if missing.
	Directory string

	// StoreKey is the session's 32-byte store key. Borrowed: the
	// store derives its own subkeys and never retains this buffer.
	StoreKey *secret.Buffer

	// Logger receives operational messages. If nil, a no-op logger
	// is used.
	Logger *slog.Logger
}

// SQLiteStore is a Store backed by an encrypted-row SQLite database.
type SQLiteStore struct {
	pool       *sqlitepool.Pool
	sealingKey *secret.Buffer
	indexKey   *secret.Buffer
	logger     *slog.Logger

	mu     sync.RWMutex
	closed bool
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite opens or creates the key store in cfg.Directory. An
// existing store sealed under a different store key fails with
// ErrStoreKeyMismatch.
func OpenSQLite(ctx context.Context, cfg SQLiteConfig) (*SQLiteStore, error) {
	if cfg.Directory == "" {
		return nil, fmt.Errorf("keystore: Directory is required")
	}
	if cfg.StoreKey == nil {
		return nil, fmt.Errorf("keystore: StoreKey is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	if err := os.MkdirAll(cfg.Directory, 0700); err != nil {
		return nil, fmt.Errorf("keystore: creating %s: %w", cfg.Directory, err)
	}

	sealingKey, err := blobcrypt.DeriveKey(cfg.StoreKey, hkdfInfoSealing)
	if err != nil {
		return nil, fmt.Errorf("keystore: deriving sealing key: %w", err)
	}
	indexKey, err := blobcrypt.DeriveKey(cfg.StoreKey, hkdfInfoIndex)
	if err != nil {
		sealingKey.Close()
		return nil, fmt.Errorf("keystore: deriving index key: %w", err)
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:   filepath.Join(cfg.Directory, DatabaseName),
		Logger: logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, schema, nil)
		},
	})
	if err != nil {
		sealingKey.Close()
		indexKey.Close()
		return nil, fmt.Errorf("keystore: %w", err)
	}

	store := &SQLiteStore{
		pool:       pool,
		sealingKey: sealingKey,
		indexKey:   indexKey,
		logger:     logger,
	}
	if err := store.checkCanary(ctx); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}

// checkCanary verifies the store key against the sealed canary row,
// writing the canary on first open.
func (s *SQLiteStore) checkCanary(ctx context.Context) error {
	return s.pool.Immediate(ctx, func(conn *sqlite.Conn) error {
		sealed, found, err := readMetadata(conn, metadataCanary)
		if err != nil {
			return err
		}
		if found {
			plaintext, err := blobcrypt.Decrypt(s.sealingKey, sealed, []byte(metadataCanary))
			if err != nil || !bytes.Equal(plaintext, canaryPlaintext) {
				return ErrStoreKeyMismatch
			}
			return nil
		}
		canary, err := blobcrypt.Encrypt(s.sealingKey, canaryPlaintext, []byte(metadataCanary))
		if err != nil {
			return fmt.Errorf("keystore: sealing canary: %w", err)
		}
		return writeMetadata(conn, metadataCanary, canary)
	})
}

// ImportRoomKeys implements Store.
func (s *SQLiteStore) ImportRoomKeys(ctx context.Context, keys []RoomKey) (result ImportResult, err error) {
	if err := validateAll(keys); err != nil {
		return ImportResult{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ImportResult{}, ErrClosed
	}

	err = s.pool.Immediate(ctx, func(conn *sqlite.Conn) error {
		result = ImportResult{}
		for _, key := range keys {
			keyID, err := s.keyID(key)
			if err != nil {
				return err
			}
			existing, found, err := s.readRoomKey(conn, keyID)
			if err != nil {
				return err
			}
			if found {
				better := key.Better(existing)
				secret.Zero(existing.SessionKey)
				if !better {
					result.Skipped++
					continue
				}
			}
			if err := s.writeRoomKey(conn, keyID, key); err != nil {
				return err
			}
			result.Imported++
		}
		return nil
	})
	if err != nil {
		return ImportResult{}, fmt.Errorf("keystore: importing room keys: %w", err)
	}

	s.logger.Info("imported room keys",
		"imported", result.Imported,
		"skipped", result.Skipped,
	)
	return result, nil
}

// ExportRoomKeys implements Store. A row that fails to authenticate is
// an error: the database was modified outside this package.
func (s *SQLiteStore) ExportRoomKeys(ctx context.Context) ([]RoomKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var keys []RoomKey
	err = sqlitex.Execute(conn, "SELECT key_id, sealed FROM room_keys ORDER BY key_id", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			keyID := columnBytes(stmt, 0)
			key, err := s.openRoomKey(keyID, columnBytes(stmt, 1))
			if err != nil {
				return err
			}
			keys = append(keys, key)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("keystore: exporting room keys: %w", err)
	}
	return keys, nil
}

// CountRoomKeys implements Store.
func (s *SQLiteStore) CountRoomKeys(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrClosed
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, err
	}
	defer s.pool.Put(conn)

	var count int
	err = sqlitex.Execute(conn, "SELECT COUNT(*) FROM room_keys", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			count = stmt.ColumnInt(0)
			return nil
		},
	})
	if err != nil {
		return 0, fmt.Errorf("keystore: counting room keys: %w", err)
	}
	return count, nil
}

// TrustedBackup implements Store.
func (s *SQLiteStore) TrustedBackup(ctx context.Context) (BackupTrust, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return BackupTrust{}, false, ErrClosed
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return BackupTrust{}, false, err
	}
	defer s.pool.Put(conn)

	sealed, found, err := readMetadata(conn, metadataTrust)
	if err != nil || !found {
		return BackupTrust{}, false, err
	}
	plaintext, err := blobcrypt.Decrypt(s.sealingKey, sealed, []byte(metadataTrust))
	if err != nil {
		return BackupTrust{}, false, fmt.Errorf("keystore: opening backup trust record: %w", err)
	}
	var trust BackupTrust
	if err := codec.Unmarshal(plaintext, &trust); err != nil {
		return BackupTrust{}, false, fmt.Errorf("keystore: decoding backup trust record: %w", err)
	}
	return trust, true, nil
}

// SetTrustedBackup implements Store.
func (s *SQLiteStore) SetTrustedBackup(ctx context.Context, trust BackupTrust) error {
	if err := validateTrust(trust); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	plaintext, err := codec.Marshal(trust)
	if err != nil {
		return fmt.Errorf("keystore: encoding backup trust record: %w", err)
	}
	sealed, err := blobcrypt.Encrypt(s.sealingKey, plaintext, []byte(metadataTrust))
	if err != nil {
		return fmt.Errorf("keystore: sealing backup trust record: %w", err)
	}
	return s.pool.Immediate(ctx, func(conn *sqlite.Conn) error {
		return writeMetadata(conn, metadataTrust, sealed)
	})
}

// ClearTrustedBackup implements Store.
func (s *SQLiteStore) ClearTrustedBackup(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return s.pool.Immediate(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "DELETE FROM metadata WHERE name = ?", &sqlitex.ExecOptions{
			Args: []any{metadataTrust},
		})
	})
}

// Close closes the database and zeros the derived keys. Idempotent.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	err := s.pool.Close()
	s.sealingKey.Close()
	s.indexKey.Close()
	return err
}

// keyID is the opaque primary key for a room key.
func (s *SQLiteStore) keyID(key RoomKey) ([]byte, error) {
	sum, err := blobcrypt.KeyedHash(s.indexKey, indexDomainRoomKey, []byte(key.RoomID.String()), []byte(key.SessionID))
	if err != nil {
		return nil, fmt.Errorf("keystore: computing key ID: %w", err)
	}
	return sum[:], nil
}

func (s *SQLiteStore) readRoomKey(conn *sqlite.Conn, keyID []byte) (RoomKey, bool, error) {
	var sealed []byte
	err := sqlitex.Execute(conn, "SELECT sealed FROM room_keys WHERE key_id = ?", &sqlitex.ExecOptions{
		Args: []any{keyID},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			sealed = columnBytes(stmt, 0)
			return nil
		},
	})
	if err != nil {
		return RoomKey{}, false, err
	}
	if sealed == nil {
		return RoomKey{}, false, nil
	}
	key, err := s.openRoomKey(keyID, sealed)
	if err != nil {
		return RoomKey{}, false, err
	}
	return key, true, nil
}

func (s *SQLiteStore) writeRoomKey(conn *sqlite.Conn, keyID []byte, key RoomKey) error {
	plaintext, err := codec.Marshal(key)
	if err != nil {
		return fmt.Errorf("encoding room key: %w", err)
	}
	defer secret.Zero(plaintext)

	sealed, err := blobcrypt.Encrypt(s.sealingKey, plaintext, keyID)
	if err != nil {
		return fmt.Errorf("sealing room key: %w", err)
	}
	return sqlitex.Execute(conn,
		"INSERT INTO room_keys (key_id, sealed) VALUES (?, ?) ON CONFLICT (key_id) DO UPDATE SET sealed = excluded.sealed",
		&sqlitex.ExecOptions{Args: []any{keyID, sealed}},
	)
}

// openRoomKey decrypts a row and checks that its contents hash to the
// row's key ID, so rows cannot be swapped between IDs.
func (s *SQLiteStore) openRoomKey(keyID, sealed []byte) (RoomKey, error) {
	plaintext, err := blobcrypt.Decrypt(s.sealingKey, sealed, keyID)
	if err != nil {
		return RoomKey{}, fmt.Errorf("opening room key row: %w", err)
	}
	defer secret.Zero(plaintext)

	var key RoomKey
	if err := codec.Unmarshal(plaintext, &key); err != nil {
		return RoomKey{}, fmt.Errorf("decoding room key row: %w", err)
	}
	expected, err := s.keyID(key)
	if err != nil {
		return RoomKey{}, err
	}
	if !bytes.Equal(expected, keyID) {
		secret.Zero(key.SessionKey)
		return RoomKey{}, fmt.Errorf("room key row does not match its key ID")
	}
	return key, nil
}

func readMetadata(conn *sqlite.Conn, name string) ([]byte, bool, error) {
	var value []byte
	found := false
	err := sqlitex.Execute(conn, "SELECT value FROM metadata WHERE name = ?", &sqlitex.ExecOptions{
		Args: []any{name},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			value = columnBytes(stmt, 0)
			found = true
			return nil
		},
	})
	if err != nil {
		return nil, false, fmt.Errorf("keystore: reading %s: %w", name, err)
	}
	return value, found, nil
}

func writeMetadata(conn *sqlite.Conn, name string, value []byte) error {
	err := sqlitex.Execute(conn,
		"INSERT INTO metadata (name, value) VALUES (?, ?) ON CONFLICT (name) DO UPDATE SET value = excluded.value",
		&sqlitex.ExecOptions{Args: []any{name, value}},
	)
	if err != nil {
		return fmt.Errorf("keystore: writing %s: %w", name, err)
	}
	return nil
}

func columnBytes(stmt *sqlite.Stmt, column int) []byte {
	value := make([]byte, stmt.ColumnLen(column))
	stmt.ColumnBytes(column, value)
	return value
}

// databasePatterns are the only files Purge removes.
var databasePatterns = []string{"*.db", "*.db-wal", "*.db-shm"}

// Purge deletes the key database files in directory and nothing else.
// Used when no session exists but a store does: the store was left by
// a login that never persisted its session, and its store key is
// gone.
func Purge(directory string) error {
	for _, pattern := range databasePatterns {
		matches, err := filepath.Glob(filepath.Join(directory, pattern))
		if err != nil {
			return fmt.Errorf("keystore: matching %s: %w", pattern, err)
		}
		for _, path := range matches {
			if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("keystore: removing %s: %w", path, err)
			}
		}
	}
	return nil
}

// Exists reports whether directory holds a key database.
func Exists(directory string) (bool, error) {
	matches, err := filepath.Glob(filepath.Join(directory, "*.db"))
	if err != nil {
		return false, fmt.Errorf("keystore: matching databases: %w", err)
	}
	return len(matches) > 0, nil
}
