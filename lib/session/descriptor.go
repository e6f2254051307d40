// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/bureau-foundation/mxsession/lib/ref"
)

// SchemaVersion is the descriptor layout written by this package.
// Deserialize rejects any other value.
const SchemaVersion = 1

// StoreKeySize is the length of the random key that seals the local
// room key store.
const StoreKeySize = 32

// redactedMarker replaces secret fields in Redacted copies.
const redactedMarker = "<redacted>"

// Descriptor is the persisted form of a logged-in Matrix session.
//
// A persisted descriptor is always logged in: AccessToken is
// non-empty. Logging out removes the descriptor rather than storing
// one with an empty token.
type Descriptor struct {
	SchemaVersion int          `cbor:"schema_version"`
	HomeserverURL string       `cbor:"homeserver_url"`
	UserID        ref.UserID   `cbor:"user_id"`
	DeviceID      ref.DeviceID `cbor:"device_id"`
	AccessToken   string       `cbor:"access_token"`

	// RefreshToken is set when the homeserver issued one at login.
	RefreshToken string `cbor:"refresh_token,omitempty"`

	// ExpiresAt is the access token's expiry in Unix milliseconds.
	// Zero means the token does not expire.
	ExpiresAt int64 `cbor:"expires_at,omitempty"`

	// SyncToken is the last /sync position the caller recorded.
	SyncToken string `cbor:"sync_token,omitempty"`

	// StoreKey seals the entries of the local room key store. Without
	// the session file, a copied store directory is unreadable.
	StoreKey []byte `cbor:"store_key"`
}

// Validate checks the fields required of every persisted descriptor.
func (d Descriptor) Validate() error {
	if d.SchemaVersion != SchemaVersion {
		return fmt.Errorf("unsupported schema version %d (expected %d)", d.SchemaVersion, SchemaVersion)
	}
	if d.HomeserverURL == "" {
		return fmt.Errorf("homeserver URL is empty")
	}
	parsed, err := url.Parse(d.HomeserverURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return fmt.Errorf("homeserver URL %q is not an absolute http(s) URL", d.HomeserverURL)
	}
	if d.UserID.IsZero() {
		return fmt.Errorf("user ID is empty")
	}
	if d.DeviceID.IsZero() {
		return fmt.Errorf("device ID is empty")
	}
	if d.AccessToken == "" {
		return fmt.Errorf("access token is empty")
	}
	if len(d.StoreKey) != StoreKeySize {
		return fmt.Errorf("store key is %d bytes (expected %d)", len(d.StoreKey), StoreKeySize)
	}
	if d.ExpiresAt < 0 {
		return fmt.Errorf("negative token expiry %d", d.ExpiresAt)
	}
	return nil
}

// Expired reports whether the access token has passed its expiry at
// now. A descriptor without an expiry never expires.
func (d Descriptor) Expired(now time.Time) bool {
	return d.ExpiresAt != 0 && now.UnixMilli() >= d.ExpiresAt
}

// Expiry returns the access token's expiry time, or the zero Time if
// it does not expire.
func (d Descriptor) Expiry() time.Time {
	if d.ExpiresAt == 0 {
		return time.Time{}
	}
	return time.UnixMilli(d.ExpiresAt)
}

// Redacted returns a copy with tokens and the store key replaced, safe
// to print or serialize for diagnostics.
func (d Descriptor) Redacted() Descriptor {
	redacted := d
	if redacted.AccessToken != "" {
		redacted.AccessToken = redactedMarker
	}
	if redacted.RefreshToken != "" {
		redacted.RefreshToken = redactedMarker
	}
	redacted.StoreKey = nil
	return redacted
}

// LogValue implements slog.LogValuer so a descriptor passed to a
// logger never emits its secrets.
func (d Descriptor) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("homeserver", d.HomeserverURL),
		slog.String("user_id", d.UserID.String()),
		slog.String("device_id", d.DeviceID.String()),
		slog.Bool("refreshable", d.RefreshToken != ""),
		slog.Int64("expires_at", d.ExpiresAt),
	)
}
