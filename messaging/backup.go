// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
)

// Server-side room key backup. The server stores opaque encrypted
// session data under a backup version; it never sees key material.
// Only one version is current at a time, and writes addressed to a
// stale version fail with M_WRONG_ROOM_KEYS_VERSION.

// GetBackupVersion returns the current backup version, or nil with a
// nil error if the account has no backup.
func (s *DirectSession) GetBackupVersion(ctx context.Context) (*BackupVersion, error) {
	body, err := s.client.doRequest(ctx, http.MethodGet, "/_matrix/client/v3/room_keys/version", s.accessToken, nil)
	if err != nil {
		if IsMatrixError(err, ErrCodeNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("messaging: get backup version failed: %w", err)
	}

	var response BackupVersion
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("messaging: failed to parse backup version response: %w", err)
	}
	if response.Version == "" {
		return nil, fmt.Errorf("messaging: backup version response has no version")
	}
	return &response, nil
}

// CreateBackupVersion creates a new backup version with the given
// algorithm and auth data, making it current. Returns the new version.
func (s *DirectSession) CreateBackupVersion(ctx context.Context, algorithm string, authData json.RawMessage) (string, error) {
	request := createBackupVersionRequest{Algorithm: algorithm, AuthData: authData}
	body, err := s.client.doRequest(ctx, http.MethodPost, "/_matrix/client/v3/room_keys/version", s.accessToken, request)
	if err != nil {
		return "", fmt.Errorf("messaging: create backup version failed: %w", err)
	}

	var response struct {
		Version string `json:"version"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return "", fmt.Errorf("messaging: failed to parse create backup response: %w", err)
	}
	if response.Version == "" {
		return "", fmt.Errorf("messaging: create backup response has no version")
	}

	s.client.logger.Info("created key backup version",
		"user_id", s.userID,
		"version", response.Version,
		"algorithm", algorithm,
	)
	return response.Version, nil
}

// DeleteBackupVersion deletes a backup version and every key stored
// under it.
func (s *DirectSession) DeleteBackupVersion(ctx context.Context, version string) error {
	if version == "" {
		return fmt.Errorf("messaging: backup version is required")
	}
	path := "/_matrix/client/v3/room_keys/version/" + url.PathEscape(version)
	if _, err := s.client.doRequest(ctx, http.MethodDelete, path, s.accessToken, nil); err != nil {
		return fmt.Errorf("messaging: delete backup version %s failed: %w", version, err)
	}

	s.client.logger.Info("deleted key backup version",
		"user_id", s.userID,
		"version", version,
	)
	return nil
}

// PutRoomKeys uploads sessions into backup version. The server keeps
// the better of an uploaded session and one it already holds.
func (s *DirectSession) PutRoomKeys(ctx context.Context, version string, keys RoomKeysBackup) (*RoomKeysUpdateResponse, error) {
	if version == "" {
		return nil, fmt.Errorf("messaging: backup version is required")
	}
	query := url.Values{"version": {version}}
	body, err := s.client.doRequest(ctx, http.MethodPut, "/_matrix/client/v3/room_keys/keys", s.accessToken, keys, query)
	if err != nil {
		return nil, fmt.Errorf("messaging: upload room keys to backup %s failed: %w", version, err)
	}

	var response RoomKeysUpdateResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("messaging: failed to parse room keys upload response: %w", err)
	}
	return &response, nil
}

// GetRoomKeys downloads every session stored in backup version.
func (s *DirectSession) GetRoomKeys(ctx context.Context, version string) (*RoomKeysBackup, error) {
	if version == "" {
		return nil, fmt.Errorf("messaging: backup version is required")
	}
	query := url.Values{"version": {version}}
	body, err := s.client.doRequest(ctx, http.MethodGet, "/_matrix/client/v3/room_keys/keys", s.accessToken, nil, query)
	if err != nil {
		return nil, fmt.Errorf("messaging: download room keys from backup %s failed: %w", version, err)
	}

	var response RoomKeysBackup
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("messaging: failed to parse room keys response: %w", err)
	}
	return &response, nil
}
