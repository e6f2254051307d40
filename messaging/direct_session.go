// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/bureau-foundation/mxsession/lib/ref"
	"github.com/bureau-foundation/mxsession/lib/secret"
)

// DirectSession is an authenticated Matrix session.
// It wraps a Client with an access token for making authenticated API calls.
//
// The access token (and the refresh token, when login issued one) is stored
// in a secret.Buffer (mmap-backed, locked against swap, excluded from core
// dumps). The caller must call Close when the DirectSession is no longer
// needed.
type DirectSession struct {
	client       *Client
	accessToken  *secret.Buffer
	refreshToken *secret.Buffer
	userID       ref.UserID
	deviceID     ref.DeviceID

	// expiresIn is the access token lifetime reported at login; zero
	// when the token does not expire or the session was restored.
	expiresIn time.Duration
}

// UserID returns the fully-qualified Matrix user ID (e.g., "@bot:example.org").
func (s *DirectSession) UserID() ref.UserID {
	return s.userID
}

// DeviceID returns the device ID for this session.
func (s *DirectSession) DeviceID() ref.DeviceID {
	return s.deviceID
}

// HomeserverURL returns the homeserver this session talks to.
func (s *DirectSession) HomeserverURL() string {
	return s.client.HomeserverURL()
}

// AccessToken returns the access token as a heap string. This creates a brief
// copy from the mmap-backed buffer: use only at boundaries that require a
// string, such as building a session descriptor to persist. Never log it.
func (s *DirectSession) AccessToken() string {
	return s.accessToken.String()
}

// RefreshToken returns the refresh token issued at login, or "" if the
// server issued none. Same handling rules as AccessToken.
func (s *DirectSession) RefreshToken() string {
	if s.refreshToken == nil {
		return ""
	}
	return s.refreshToken.String()
}

// ExpiresIn returns the access token lifetime reported at login, or zero
// if the token does not expire.
func (s *DirectSession) ExpiresIn() time.Duration {
	return s.expiresIn
}

// CloseIdleConnections closes idle HTTP connections in the underlying
// transport's connection pool.
func (s *DirectSession) CloseIdleConnections() {
	s.client.CloseIdleConnections()
}

// Close releases the token memory (zeros, unlocks, unmaps).
// Idempotent: safe to call multiple times.
func (s *DirectSession) Close() error {
	var firstErr error
	if s.accessToken != nil {
		firstErr = s.accessToken.Close()
	}
	if s.refreshToken != nil {
		if err := s.refreshToken.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// WhoAmI validates the access token and returns the server's view of the
// session's user and device. An invalid or revoked token fails with
// M_UNKNOWN_TOKEN.
func (s *DirectSession) WhoAmI(ctx context.Context) (*WhoAmIResponse, error) {
	body, err := s.client.doRequest(ctx, http.MethodGet, "/_matrix/client/v3/account/whoami", s.accessToken, nil)
	if err != nil {
		return nil, fmt.Errorf("messaging: whoami failed: %w", err)
	}

	var response WhoAmIResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("messaging: failed to parse whoami response: %w", err)
	}
	return &response, nil
}

// Logout invalidates this session's access token and deletes its device
// on the server. The DirectSession is unusable for API calls afterward
// but must still be closed.
func (s *DirectSession) Logout(ctx context.Context) error {
	_, err := s.client.doRequest(ctx, http.MethodPost, "/_matrix/client/v3/logout", s.accessToken, map[string]any{})
	if err != nil {
		return fmt.Errorf("messaging: logout failed: %w", err)
	}
	s.client.logger.Info("logged out of matrix",
		"user_id", s.userID,
		"device_id", s.deviceID,
	)
	return nil
}
