// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package recovery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/bureau-foundation/mxsession/lib/blobcrypt"
	"github.com/bureau-foundation/mxsession/lib/keystore"
	"github.com/bureau-foundation/mxsession/lib/secret"
	"github.com/bureau-foundation/mxsession/messaging"
)

// BackupAPI is the server half of key backup. *messaging.DirectSession
// implements it.
type BackupAPI interface {
	GetBackupVersion(ctx context.Context) (*messaging.BackupVersion, error)
	CreateBackupVersion(ctx context.Context, algorithm string, authData json.RawMessage) (string, error)
	DeleteBackupVersion(ctx context.Context, version string) error
	PutRoomKeys(ctx context.Context, version string, keys messaging.RoomKeysBackup) (*messaging.RoomKeysUpdateResponse, error)
	GetRoomKeys(ctx context.Context, version string) (*messaging.RoomKeysBackup, error)
}

var _ BackupAPI = (*messaging.DirectSession)(nil)

// defaultUploadBatchSize bounds the sessions sent in one PutRoomKeys
// request.
const defaultUploadBatchSize = 256

// Config holds the collaborators of a Coordinator.
type Config struct {
	Backup BackupAPI
	Keys   keystore.Store

	// KDF is the Argon2id cost for new backups. Zero uses
	// blobcrypt.DefaultKDFCost. Restore always uses the cost recorded
	// in the backup.
	KDF blobcrypt.KDFCost

	// UploadBatchSize bounds sessions per upload request. Zero uses 256.
	UploadBatchSize int

	// Logger receives operation logs. Nil discards them.
	Logger *slog.Logger
}

// Coordinator drives the recovery state machine for one session.
// Operations are serialized; a Coordinator is safe for concurrent use.
type Coordinator struct {
	backup    BackupAPI
	keys      keystore.Store
	kdf       blobcrypt.KDFCost
	batchSize int
	logger    *slog.Logger

	mu    sync.Mutex
	state State
}

// New creates a Coordinator in the Unknown state.
func New(config Config) (*Coordinator, error) {
	if config.Backup == nil {
		return nil, fmt.Errorf("recovery: Backup is required")
	}
	if config.Keys == nil {
		return nil, fmt.Errorf("recovery: Keys is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	batchSize := config.UploadBatchSize
	if batchSize <= 0 {
		batchSize = defaultUploadBatchSize
	}
	return &Coordinator{
		backup:    config.Backup,
		keys:      config.Keys,
		kdf:       config.KDF,
		batchSize: batchSize,
		logger:    logger,
	}, nil
}

// State returns the most recently observed state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Check queries the server's current backup and compares it with the
// local trust record. It does not need the recovery key and does not
// mutate anything.
func (c *Coordinator) Check(ctx context.Context) (State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	state, _, err := c.check(ctx, "check")
	c.state = state
	return state, err
}

// check returns the observed state and, when a backup exists, its
// version metadata. On error the state is Unknown.
func (c *Coordinator) check(ctx context.Context, op string) (State, *messaging.BackupVersion, error) {
	current, err := c.backup.GetBackupVersion(ctx)
	if err != nil {
		return Unknown, nil, serverError(op, err)
	}
	if current == nil {
		return Disabled, nil, nil
	}

	trust, found, err := c.keys.TrustedBackup(ctx)
	if err != nil {
		return Unknown, nil, &Error{Op: op, Kind: KindLocalStore, Err: err}
	}
	return Enabled(found && trusts(trust, current)), current, nil
}

// trusts reports whether the local trust record vouches for current.
func trusts(trust keystore.BackupTrust, current *messaging.BackupVersion) bool {
	if trust.Version != current.Version || trust.Algorithm != current.Algorithm {
		return false
	}
	if current.Algorithm != Algorithm {
		return false
	}
	data, err := parseAuthData(current.AuthData)
	if err != nil {
		return false
	}
	return bytes.Equal(trust.Fingerprint, data.Fingerprint)
}

// Enable creates a backup protected by recoveryKey, uploads the local
// room keys, and records trust. It fails with KindAlreadyEnabled if a
// backup already exists, including one created concurrently by
// another instance.
func (c *Coordinator) Enable(ctx context.Context, recoveryKey *secret.Buffer) (State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	state, err := c.enable(ctx, "enable", recoveryKey)
	c.state = state
	return state, err
}

func (c *Coordinator) enable(ctx context.Context, op string, recoveryKey *secret.Buffer) (State, error) {
	state, _, err := c.check(ctx, op)
	if err != nil {
		return Unknown, err
	}
	if state.Status == StatusEnabled {
		return Unknown, &Error{Op: op, Kind: KindAlreadyEnabled}
	}
	if recoveryKey == nil || recoveryKey.Len() == 0 {
		return Unknown, &Error{Op: op, Kind: KindInvalidKey, Err: errors.New("recovery key is empty")}
	}

	data, keys, err := newAuthData(recoveryKey, c.kdf)
	if err != nil {
		return Unknown, &Error{Op: op, Kind: KindInvalidKey, Err: err}
	}
	defer keys.Close()

	encoded, err := json.Marshal(data)
	if err != nil {
		return Unknown, fmt.Errorf("recovery: %s: encoding auth data: %w", op, err)
	}
	version, err := c.backup.CreateBackupVersion(ctx, Algorithm, encoded)
	if err != nil {
		if messaging.StatusCode(err) == http.StatusConflict {
			return Unknown, &Error{Op: op, Kind: KindAlreadyEnabled, Err: err}
		}
		return Unknown, serverError(op, err)
	}

	// The server is the authority: if another instance created a
	// version after ours, ours is no longer current.
	current, err := c.backup.GetBackupVersion(ctx)
	if err != nil {
		return Unknown, serverError(op, err)
	}
	if current == nil || current.Version != version {
		c.logger.Warn("backup version replaced after creation",
			"created_version", version,
		)
		return Unknown, &Error{Op: op, Kind: KindAlreadyEnabled, Err: fmt.Errorf("backup version %s is no longer current", version)}
	}

	uploaded, err := c.uploadLocalKeys(ctx, op, version, keys)
	if err != nil {
		return Unknown, err
	}

	trust := keystore.BackupTrust{Version: version, Algorithm: Algorithm, Fingerprint: data.Fingerprint}
	if err := c.keys.SetTrustedBackup(ctx, trust); err != nil {
		return Unknown, &Error{Op: op, Kind: KindLocalStore, Err: err}
	}

	c.logger.Info("key backup enabled",
		"version", version,
		"uploaded", uploaded,
	)
	return Enabled(true), nil
}

// uploadLocalKeys seals every local room key and uploads it to version
// in batches. Returns the number of keys uploaded.
func (c *Coordinator) uploadLocalKeys(ctx context.Context, op, version string, keys *backupKeys) (int, error) {
	local, err := c.keys.ExportRoomKeys(ctx)
	if err != nil {
		return 0, &Error{Op: op, Kind: KindLocalStore, Err: err}
	}
	defer zeroRoomKeys(local)

	uploaded := 0
	for start := 0; start < len(local); start += c.batchSize {
		end := min(start+c.batchSize, len(local))
		var batch messaging.RoomKeysBackup
		for _, key := range local[start:end] {
			sealed, err := sealRoomKey(keys.session, key)
			if err != nil {
				return uploaded, fmt.Errorf("recovery: %s: sealing room key: %w", op, err)
			}
			batch.Add(key.RoomID, key.SessionID, sealed)
		}
		if _, err := c.backup.PutRoomKeys(ctx, version, batch); err != nil {
			if messaging.IsMatrixError(err, messaging.ErrCodeWrongRoomKeysVersion) {
				// Another instance replaced the backup after our check.
				return uploaded, &Error{Op: op, Kind: KindAlreadyEnabled, Err: err}
			}
			return uploaded, serverError(op, err)
		}
		uploaded += end - start
	}
	return uploaded, nil
}

// Restore downloads the server's backup, decrypts it with recoveryKey,
// and imports the room keys into the local store in one transaction.
//
// A wrong key fails with KindInvalidKey before anything is downloaded
// or imported. Entries that fail to decode or decrypt are counted in
// RestoreResult.Failed; if any did, the result is returned together
// with an error matching ErrPartialRestore, and the keys that were
// imported stay imported. Both outcomes record trust in the backup.
func (c *Coordinator) Restore(ctx context.Context, recoveryKey *secret.Buffer) (RestoreResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	result, err := c.restore(ctx, recoveryKey)
	c.state = result.State
	return result, err
}

func (c *Coordinator) restore(ctx context.Context, recoveryKey *secret.Buffer) (RestoreResult, error) {
	const op = "restore"

	state, current, err := c.check(ctx, op)
	if err != nil {
		return RestoreResult{}, err
	}
	if state.Status == StatusDisabled {
		return RestoreResult{}, &Error{Op: op, Kind: KindNoBackupFound}
	}
	if recoveryKey == nil || recoveryKey.Len() == 0 {
		return RestoreResult{}, &Error{Op: op, Kind: KindInvalidKey, Err: errors.New("recovery key is empty")}
	}
	if current.Algorithm != Algorithm {
		return RestoreResult{}, &Error{Op: op, Kind: KindInvalidKey, Err: fmt.Errorf("backup %s uses unsupported algorithm %q", current.Version, current.Algorithm)}
	}
	data, err := parseAuthData(current.AuthData)
	if err != nil {
		return RestoreResult{}, &Error{Op: op, Kind: KindInvalidKey, Err: err}
	}
	keys, err := openBackup(recoveryKey, data)
	if err != nil {
		return RestoreResult{}, &Error{Op: op, Kind: KindInvalidKey, Err: err}
	}
	defer keys.Close()

	downloaded, err := c.backup.GetRoomKeys(ctx, current.Version)
	if err != nil {
		return RestoreResult{}, serverError(op, err)
	}

	var result RestoreResult
	for _, entry := range downloaded.Malformed {
		result.Failed++
		c.logger.Debug("skipping malformed backup entry",
			"version", current.Version,
			"room_id", entry.RoomID,
			"session_id", entry.SessionID,
			"error", entry.Err,
		)
	}
	restored := make([]keystore.RoomKey, 0, downloaded.Len())
	defer func() { zeroRoomKeys(restored) }()
	for roomID, room := range downloaded.Rooms {
		for sessionID, entry := range room.Sessions {
			key, err := openRoomKey(keys.session, roomID, sessionID, entry)
			if err != nil {
				result.Failed++
				c.logger.Debug("skipping undecryptable backup entry",
					"version", current.Version,
					"room_id", roomID,
					"session_id", sessionID,
					"error", err,
				)
				continue
			}
			restored = append(restored, key)
		}
	}

	imported, err := c.keys.ImportRoomKeys(ctx, restored)
	if err != nil {
		return RestoreResult{}, &Error{Op: op, Kind: KindLocalStore, Err: err}
	}
	result.Imported = imported.Imported
	result.Skipped = imported.Skipped

	trust := keystore.BackupTrust{Version: current.Version, Algorithm: Algorithm, Fingerprint: data.Fingerprint}
	if err := c.keys.SetTrustedBackup(ctx, trust); err != nil {
		return RestoreResult{}, &Error{Op: op, Kind: KindLocalStore, Err: err}
	}
	result.State = Enabled(true)

	c.logger.Info("key backup restored",
		"version", current.Version,
		"imported", result.Imported,
		"skipped", result.Skipped,
		"failed", result.Failed,
	)
	if result.Failed > 0 {
		return result, &Error{
			Op:   op,
			Kind: KindPartialRestore,
			Err:  fmt.Errorf("%d of %d backup entries could not be decoded or decrypted", result.Failed, result.Failed+len(restored)),
		}
	}
	return result, nil
}

// Reset deletes the server's current backup (and every key in it),
// clears local trust, and enables a new backup under recoveryKey. Use
// it when the old recovery key is lost; room keys held only in the old
// backup are gone.
func (c *Coordinator) Reset(ctx context.Context, recoveryKey *secret.Buffer) (State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	state, err := c.reset(ctx, recoveryKey)
	c.state = state
	return state, err
}

func (c *Coordinator) reset(ctx context.Context, recoveryKey *secret.Buffer) (State, error) {
	const op = "reset"

	if recoveryKey == nil || recoveryKey.Len() == 0 {
		return Unknown, &Error{Op: op, Kind: KindInvalidKey, Err: errors.New("recovery key is empty")}
	}

	current, err := c.backup.GetBackupVersion(ctx)
	if err != nil {
		return Unknown, serverError(op, err)
	}
	if current != nil {
		err := c.backup.DeleteBackupVersion(ctx, current.Version)
		if err != nil && !messaging.IsMatrixError(err, messaging.ErrCodeNotFound) {
			return Unknown, serverError(op, err)
		}
		c.logger.Warn("deleted key backup for reset",
			"version", current.Version,
		)
	}
	if err := c.keys.ClearTrustedBackup(ctx); err != nil {
		return Unknown, &Error{Op: op, Kind: KindLocalStore, Err: err}
	}
	return c.enable(ctx, op, recoveryKey)
}

// serverError classifies an error from the backup API.
func serverError(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("recovery: %s: %w", op, err)
	}
	if messaging.IsTransient(err) {
		return &Error{Op: op, Kind: KindTransient, Err: err}
	}
	return &Error{Op: op, Kind: KindServerRejected, Err: err}
}

func zeroRoomKeys(keys []keystore.RoomKey) {
	for index := range keys {
		secret.Zero(keys[index].SessionKey)
	}
}
