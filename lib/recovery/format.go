// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package recovery

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"

	"github.com/bureau-foundation/mxsession/lib/blobcrypt"
	"github.com/bureau-foundation/mxsession/lib/codec"
	"github.com/bureau-foundation/mxsession/lib/keystore"
	"github.com/bureau-foundation/mxsession/lib/ref"
	"github.com/bureau-foundation/mxsession/lib/secret"
	"github.com/bureau-foundation/mxsession/messaging"
)

// Algorithm identifies backups created by this package in the
// server's backup version metadata.
const Algorithm = "org.bureau.mxsession.v1.chacha20-poly1305"

// Domain separation for keys and hashes derived from the backup master
// key.
var (
	fingerprintDomain = []byte("mxsession.recovery.fingerprint.v1")
	probeKeyInfo      = []byte("mxsession.recovery.probe.v1")
	sessionKeyInfo    = []byte("mxsession.recovery.session.v1")

	// probePlaintext is sealed under the probe key at creation; opening
	// it proves the recovery key before anything is downloaded.
	probePlaintext = []byte("mxsession recovery probe")
)

// authData is the backup's auth_data: everything needed to re-derive
// and verify the master key from the recovery key. Byte fields are
// base64 in JSON.
type authData struct {
	KDF         blobcrypt.KDFParams `json:"kdf"`
	Fingerprint []byte              `json:"fingerprint"`
	Probe       []byte              `json:"probe"`
}

// sessionData is one session's session_data: a blobcrypt blob of the
// CBOR-encoded keystore.RoomKey.
type sessionData struct {
	Ciphertext []byte `json:"ciphertext"`
}

func parseAuthData(raw json.RawMessage) (authData, error) {
	var data authData
	if err := json.Unmarshal(raw, &data); err != nil {
		return authData{}, fmt.Errorf("parsing backup auth data: %w", err)
	}
	if err := data.KDF.Validate(); err != nil {
		return authData{}, fmt.Errorf("backup auth data: %w", err)
	}
	if len(data.Fingerprint) != keystore.FingerprintSize {
		return authData{}, fmt.Errorf("backup auth data: fingerprint is %d bytes (expected %d)", len(data.Fingerprint), keystore.FingerprintSize)
	}
	if len(data.Probe) == 0 {
		return authData{}, fmt.Errorf("backup auth data has no probe")
	}
	return data, nil
}

// backupKeys holds the subkeys derived from a recovery key for one
// backup. Close zeros them.
type backupKeys struct {
	fingerprint []byte
	probe       *secret.Buffer
	session     *secret.Buffer
}

// deriveBackupKeys stretches recoveryKey with Argon2id under params and
// derives the fingerprint and subkeys. The master key never leaves this
// function.
func deriveBackupKeys(recoveryKey *secret.Buffer, params blobcrypt.KDFParams) (*backupKeys, error) {
	master, err := blobcrypt.DerivePassphraseKey(recoveryKey, params)
	if err != nil {
		return nil, err
	}
	defer master.Close()

	fingerprint, err := blobcrypt.KeyedHash(master, fingerprintDomain)
	if err != nil {
		return nil, err
	}
	probe, err := blobcrypt.DeriveKey(master, probeKeyInfo)
	if err != nil {
		return nil, err
	}
	session, err := blobcrypt.DeriveKey(master, sessionKeyInfo)
	if err != nil {
		probe.Close()
		return nil, err
	}
	return &backupKeys{
		fingerprint: fingerprint[:],
		probe:       probe,
		session:     session,
	}, nil
}

func (k *backupKeys) Close() {
	k.probe.Close()
	k.session.Close()
}

// newAuthData builds auth data for a fresh backup, returning the keys
// it was built with.
func newAuthData(recoveryKey *secret.Buffer, cost blobcrypt.KDFCost) (authData, *backupKeys, error) {
	params, err := blobcrypt.NewKDFParams(cost)
	if err != nil {
		return authData{}, nil, err
	}
	keys, err := deriveBackupKeys(recoveryKey, params)
	if err != nil {
		return authData{}, nil, err
	}
	probe, err := blobcrypt.Encrypt(keys.probe, probePlaintext, []byte(Algorithm))
	if err != nil {
		keys.Close()
		return authData{}, nil, err
	}
	return authData{KDF: params, Fingerprint: keys.fingerprint, Probe: probe}, keys, nil
}

// openBackup derives keys from recoveryKey and verifies them against
// data. Any mismatch is reported as blobcrypt.ErrAuthenticationFailed.
func openBackup(recoveryKey *secret.Buffer, data authData) (*backupKeys, error) {
	keys, err := deriveBackupKeys(recoveryKey, data.KDF)
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare(keys.fingerprint, data.Fingerprint) != 1 {
		keys.Close()
		return nil, fmt.Errorf("%w: key fingerprint does not match", blobcrypt.ErrAuthenticationFailed)
	}
	plaintext, err := blobcrypt.Decrypt(keys.probe, data.Probe, []byte(Algorithm))
	if err != nil {
		keys.Close()
		return nil, err
	}
	if subtle.ConstantTimeCompare(plaintext, probePlaintext) != 1 {
		keys.Close()
		return nil, fmt.Errorf("%w: probe does not match", blobcrypt.ErrAuthenticationFailed)
	}
	return keys, nil
}

// sessionAAD binds a sealed session to its room and session ID so the
// server cannot move entries between slots.
func sessionAAD(roomID ref.RoomID, sessionID string) []byte {
	aad := make([]byte, 0, len(roomID.String())+1+len(sessionID))
	aad = append(aad, roomID.String()...)
	aad = append(aad, 0)
	aad = append(aad, sessionID...)
	return aad
}

// sealRoomKey encrypts key for upload.
func sealRoomKey(sessionKey *secret.Buffer, key keystore.RoomKey) (messaging.KeyBackupData, error) {
	plaintext, err := codec.Marshal(key)
	if err != nil {
		return messaging.KeyBackupData{}, fmt.Errorf("encoding room key: %w", err)
	}
	defer secret.Zero(plaintext)

	ciphertext, err := blobcrypt.Encrypt(sessionKey, plaintext, sessionAAD(key.RoomID, key.SessionID))
	if err != nil {
		return messaging.KeyBackupData{}, err
	}
	encoded, err := json.Marshal(sessionData{Ciphertext: ciphertext})
	if err != nil {
		return messaging.KeyBackupData{}, err
	}
	return messaging.KeyBackupData{
		FirstMessageIndex: key.FirstMessageIndex,
		ForwardedCount:    key.ForwardedCount,
		IsVerified:        key.IsVerified,
		SessionData:       encoded,
	}, nil
}

// openRoomKey decrypts one downloaded session. The decrypted key must
// name the slot it was stored under.
func openRoomKey(sessionKey *secret.Buffer, roomID ref.RoomID, sessionID string, data messaging.KeyBackupData) (keystore.RoomKey, error) {
	var sealed sessionData
	if err := json.Unmarshal(data.SessionData, &sealed); err != nil {
		return keystore.RoomKey{}, fmt.Errorf("parsing session data: %w", err)
	}
	plaintext, err := blobcrypt.Decrypt(sessionKey, sealed.Ciphertext, sessionAAD(roomID, sessionID))
	if err != nil {
		return keystore.RoomKey{}, err
	}
	defer secret.Zero(plaintext)

	var key keystore.RoomKey
	if err := codec.Unmarshal(plaintext, &key); err != nil {
		return keystore.RoomKey{}, fmt.Errorf("decoding room key: %w", err)
	}
	if key.RoomID != roomID || key.SessionID != sessionID {
		secret.Zero(key.SessionKey)
		return keystore.RoomKey{}, fmt.Errorf("room key does not match its backup slot")
	}
	if err := key.Validate(); err != nil {
		secret.Zero(key.SessionKey)
		return keystore.RoomKey{}, err
	}
	return key, nil
}
