// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"encoding/json"

	"github.com/bureau-foundation/mxsession/lib/ref"
	"github.com/bureau-foundation/mxsession/lib/secret"
)

// LoginRequest holds parameters for password login. Password is stored
// in an mmap-backed buffer; the caller retains ownership and Login
// does not close it.
type LoginRequest struct {
	Username string
	Password *secret.Buffer

	// DeviceID reuses an existing device. Empty lets the server
	// allocate a new one.
	DeviceID string

	// InitialDeviceDisplayName labels a newly created device.
	InitialDeviceDisplayName string

	// RefreshToken asks the server for a refresh token and an expiring
	// access token. Servers that do not support refresh tokens ignore
	// it and issue a non-expiring access token.
	RefreshToken bool
}

// passwordLogin is the wire form of an m.login.password request.
type passwordLogin struct {
	Type                     string         `json:"type"`
	Identifier               userIdentifier `json:"identifier"`
	Password                 string         `json:"password"`
	DeviceID                 string         `json:"device_id,omitempty"`
	InitialDeviceDisplayName string         `json:"initial_device_display_name,omitempty"`
	RefreshToken             bool           `json:"refresh_token,omitempty"`
}

type userIdentifier struct {
	Type string `json:"type"`
	User string `json:"user"`
}

// AuthResponse is returned by login.
type AuthResponse struct {
	UserID       ref.UserID   `json:"user_id"`
	AccessToken  string       `json:"access_token"`
	DeviceID     ref.DeviceID `json:"device_id"`
	RefreshToken string       `json:"refresh_token,omitempty"`
	// ExpiresInMS is the access token lifetime in milliseconds. Zero
	// means the token does not expire.
	ExpiresInMS int64 `json:"expires_in_ms,omitempty"`
}

// RefreshResponse is returned by Client.Refresh. RefreshToken is empty
// when the server keeps the old refresh token valid.
type RefreshResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresInMS  int64  `json:"expires_in_ms,omitempty"`
}

// WhoAmIResponse is returned by WhoAmI.
type WhoAmIResponse struct {
	UserID   ref.UserID   `json:"user_id"`
	DeviceID ref.DeviceID `json:"device_id,omitzero"`
}

// ServerVersionsResponse is returned by Client.ServerVersions.
type ServerVersionsResponse struct {
	Versions         []string        `json:"versions"`
	UnstableFeatures map[string]bool `json:"unstable_features,omitempty"`
}

// BackupVersion describes the current server-side room key backup.
// AuthData is algorithm-specific and left for the caller to decode.
type BackupVersion struct {
	Algorithm string          `json:"algorithm"`
	AuthData  json.RawMessage `json:"auth_data"`
	Count     int             `json:"count"`
	ETag      string          `json:"etag"`
	Version   string          `json:"version"`
}

// createBackupVersionRequest is the body of POST /room_keys/version.
type createBackupVersionRequest struct {
	Algorithm string          `json:"algorithm"`
	AuthData  json.RawMessage `json:"auth_data"`
}

// RoomKeysBackup is the body of PUT and GET /room_keys/keys: every
// backed-up session grouped by room.
type RoomKeysBackup struct {
	Rooms map[ref.RoomID]RoomKeyBackup `json:"rooms"`

	// Malformed lists downloaded entries that could not be decoded:
	// an invalid room ID, a room that is not an object, or a session
	// with wrongly typed fields. Decoding one bad entry does not fail
	// the others. Never sent.
	Malformed []MalformedBackupEntry `json:"-"`
}

// MalformedBackupEntry is one undecodable entry of a downloaded
// backup. SessionID is empty when the whole room failed to decode.
type MalformedBackupEntry struct {
	RoomID    string
	SessionID string
	Err       error
}

// UnmarshalJSON decodes a backup download one entry at a time. Only a
// body whose "rooms" member is not an object is an error; bad entries
// below it are recorded in Malformed.
func (b *RoomKeysBackup) UnmarshalJSON(data []byte) error {
	var body struct {
		Rooms map[string]json.RawMessage `json:"rooms"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return err
	}

	b.Rooms = nil
	b.Malformed = nil
	for rawRoomID, rawRoom := range body.Rooms {
		var room struct {
			Sessions map[string]json.RawMessage `json:"sessions"`
		}
		if err := json.Unmarshal(rawRoom, &room); err != nil {
			b.Malformed = append(b.Malformed, MalformedBackupEntry{RoomID: rawRoomID, Err: err})
			continue
		}
		roomID, roomErr := ref.ParseRoomID(rawRoomID)
		for sessionID, rawSession := range room.Sessions {
			if roomErr != nil {
				b.Malformed = append(b.Malformed, MalformedBackupEntry{RoomID: rawRoomID, SessionID: sessionID, Err: roomErr})
				continue
			}
			var entry KeyBackupData
			if err := json.Unmarshal(rawSession, &entry); err != nil {
				b.Malformed = append(b.Malformed, MalformedBackupEntry{RoomID: rawRoomID, SessionID: sessionID, Err: err})
				continue
			}
			b.Add(roomID, sessionID, entry)
		}
	}
	return nil
}

// RoomKeyBackup holds the backed-up sessions of one room, keyed by
// session ID.
type RoomKeyBackup struct {
	Sessions map[string]KeyBackupData `json:"sessions"`
}

// KeyBackupData is one backed-up session. The unencrypted fields let the
// server decide which copy to keep; SessionData is opaque to it.
type KeyBackupData struct {
	FirstMessageIndex uint32          `json:"first_message_index"`
	ForwardedCount    uint32          `json:"forwarded_count"`
	IsVerified        bool            `json:"is_verified"`
	SessionData       json.RawMessage `json:"session_data"`
}

// Len returns the number of decoded sessions across all rooms.
func (b *RoomKeysBackup) Len() int {
	if b == nil {
		return 0
	}
	count := 0
	for _, room := range b.Rooms {
		count += len(room.Sessions)
	}
	return count
}

// Add stores data for roomID and sessionID, allocating maps as needed.
func (b *RoomKeysBackup) Add(roomID ref.RoomID, sessionID string, data KeyBackupData) {
	if b.Rooms == nil {
		b.Rooms = make(map[ref.RoomID]RoomKeyBackup)
	}
	room := b.Rooms[roomID]
	if room.Sessions == nil {
		room.Sessions = make(map[string]KeyBackupData)
	}
	room.Sessions[sessionID] = data
	b.Rooms[roomID] = room
}

// RoomKeysUpdateResponse is returned by PutRoomKeys.
type RoomKeysUpdateResponse struct {
	Count int    `json:"count"`
	ETag  string `json:"etag"`
}
