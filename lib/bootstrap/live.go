// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bootstrap

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bureau-foundation/mxsession/lib/keystore"
	"github.com/bureau-foundation/mxsession/lib/secret"
	"github.com/bureau-foundation/mxsession/lib/session"
	"github.com/bureau-foundation/mxsession/messaging"
)

// LiveSession is the session handed to the caller by Bootstrap: the
// authenticated Matrix session, its open key store, and the persisted
// descriptor behind them. The caller owns it and must call Close (or
// Logout) when done.
type LiveSession struct {
	matrix         *messaging.DirectSession
	keys           keystore.Store
	sessions       *session.Store
	storeDirectory string
	logger         *slog.Logger

	mu         sync.Mutex
	descriptor session.Descriptor
	closed     bool
}

// Matrix returns the authenticated session. Valid until Close.
func (l *LiveSession) Matrix() *messaging.DirectSession {
	return l.matrix
}

// Keys returns the open room key store. Valid until Close.
func (l *LiveSession) Keys() keystore.Store {
	return l.keys
}

// Descriptor returns a copy of the persisted descriptor. The copy
// includes the tokens and store key: treat it as a secret, or call
// Redacted on it before printing.
func (l *LiveSession) Descriptor() session.Descriptor {
	l.mu.Lock()
	defer l.mu.Unlock()
	descriptor := l.descriptor
	descriptor.StoreKey = bytes.Clone(l.descriptor.StoreKey)
	return descriptor
}

// SaveSyncToken records the caller's sync position in the persisted
// session. On failure the previously persisted token is kept, both on
// disk and in memory.
func (l *LiveSession) SaveSyncToken(ctx context.Context, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return errors.New("bootstrap: session is closed")
	}

	updated := l.descriptor
	updated.SyncToken = token
	if err := l.sessions.Persist(ctx, updated); err != nil {
		return fmt.Errorf("bootstrap: saving sync token: %w", err)
	}
	l.descriptor = updated
	return nil
}

// Logout ends the session everywhere: the device is logged out on the
// server, the session file is removed, and the key store is closed and
// its database deleted. If the server logout fails for any reason other
// than the token already being invalid, nothing local is removed and
// the error is returned so the caller can try again.
//
// The LiveSession is closed afterward in every case but a failed
// server logout.
func (l *LiveSession) Logout(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return errors.New("bootstrap: session is closed")
	}

	if err := l.matrix.Logout(ctx); err != nil {
		if !messaging.IsMatrixError(err, messaging.ErrCodeUnknownToken) {
			return fmt.Errorf("bootstrap: %w", err)
		}
		l.logger.Warn("access token already invalid, removing local session anyway",
			"user_id", l.descriptor.UserID,
			"device_id", l.descriptor.DeviceID,
		)
	}

	var errs []error
	if err := l.sessions.Remove(ctx); err != nil {
		errs = append(errs, fmt.Errorf("removing session: %w", err))
	}
	if err := l.closeLocked(); err != nil {
		errs = append(errs, err)
	}
	if err := keystore.Purge(l.storeDirectory); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("bootstrap: logout: %w", errors.Join(errs...))
	}
	l.logger.Info("session logged out and removed",
		"user_id", l.descriptor.UserID,
		"device_id", l.descriptor.DeviceID,
	)
	return nil
}

// Close releases the key store and zeroes the in-memory tokens and
// store key. The persisted session is kept. Idempotent.
func (l *LiveSession) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	return l.closeLocked()
}

func (l *LiveSession) closeLocked() error {
	l.closed = true
	var errs []error
	if err := l.keys.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing key store: %w", err))
	}
	if err := l.matrix.Close(); err != nil {
		errs = append(errs, fmt.Errorf("releasing tokens: %w", err))
	}
	secret.Zero(l.descriptor.StoreKey)
	l.descriptor.AccessToken = ""
	l.descriptor.RefreshToken = ""
	return errors.Join(errs...)
}
