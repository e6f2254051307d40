// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bootstrap

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/bureau-foundation/mxsession/lib/blobcrypt"
	"github.com/bureau-foundation/mxsession/lib/clock"
	"github.com/bureau-foundation/mxsession/lib/keystore"
	"github.com/bureau-foundation/mxsession/lib/recovery"
	"github.com/bureau-foundation/mxsession/lib/secret"
	"github.com/bureau-foundation/mxsession/lib/session"
	"github.com/bureau-foundation/mxsession/messaging"
)

// Credentials are used only when no session is persisted.
type Credentials struct {
	Username string

	// Password is borrowed for the duration of Bootstrap.
	Password *secret.Buffer
}

// Config holds the inputs of a Bootstrap call.
type Config struct {
	// Client talks to the configured homeserver. A persisted session
	// for a different homeserver is rejected.
	Client *messaging.Client

	Credentials Credentials

	// DeviceDisplayName labels the device created by a fresh login.
	DeviceDisplayName string

	// RefreshTokens asks the server for a refresh token at login.
	RefreshTokens bool

	// Sessions persists the session descriptor. Its Key, when set,
	// encrypts the descriptor at rest.
	Sessions *session.Store

	// StoreDirectory holds the local room key database.
	StoreDirectory string

	// RecoveryKey enables key backup reconciliation. Nil skips recovery
	// entirely and the result's RecoveryState stays Unknown. Borrowed
	// for the duration of Bootstrap.
	RecoveryKey *secret.Buffer

	// ResetAllowed lets Bootstrap replace a backup the recovery key
	// cannot open. Every key in the old backup is lost.
	ResetAllowed bool

	// RequireRecovery makes any recovery failure fatal. The persisted
	// session is still kept.
	RequireRecovery bool

	// VerifySession confirms a resumed session with whoami before
	// returning it.
	VerifySession bool

	// KDF is the Argon2id cost for newly created backups. Zero uses
	// blobcrypt.DefaultKDFCost.
	KDF blobcrypt.KDFCost

	// Clock decides token expiry. Nil uses the real clock.
	Clock clock.Clock

	// Logger receives progress and warnings. Nil discards them.
	Logger *slog.Logger
}

// Result is a successful Bootstrap.
type Result struct {
	Session *LiveSession

	// RecoveryState is the final recovery state: Unknown when no
	// recovery key is configured or recovery failed.
	RecoveryState recovery.State

	// Restored is set when Bootstrap restored keys from the backup.
	Restored *recovery.RestoreResult

	// RecoveryErr is the non-fatal recovery failure, if any.
	RecoveryErr error

	// Warnings are human-readable notes on conditions the caller may
	// want to surface: a purged orphaned key store, a partial restore,
	// a reset backup, a recovery failure.
	Warnings []string

	// FreshLogin reports whether this call logged in rather than
	// resuming a persisted session.
	FreshLogin bool
}

// Degraded reports whether the session is usable but recovery did not
// complete cleanly.
func (r *Result) Degraded() bool {
	return r.RecoveryErr != nil || (r.Restored != nil && r.Restored.Failed > 0)
}

type sequencer struct {
	config Config
	clock  clock.Clock
	logger *slog.Logger
	result Result
}

// Bootstrap loads or creates the session, opens the key store, and
// reconciles key backup. See the package documentation for the
// sequence. On failure nothing is left open.
func Bootstrap(ctx context.Context, config Config) (*Result, error) {
	if config.Client == nil {
		return nil, errors.New("bootstrap: Client is required")
	}
	if config.Sessions == nil || config.Sessions.Storage == nil {
		return nil, errors.New("bootstrap: Sessions is required")
	}
	if config.StoreDirectory == "" {
		return nil, errors.New("bootstrap: StoreDirectory is required")
	}

	s := &sequencer{
		config: config,
		clock:  config.Clock,
		logger: config.Logger,
	}
	if s.clock == nil {
		s.clock = clock.Real()
	}
	if s.logger == nil {
		s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return s.run(ctx)
}

func (s *sequencer) run(ctx context.Context) (*Result, error) {
	descriptor, matrix, err := s.obtainSession(ctx)
	if err != nil {
		return nil, err
	}

	keys, err := s.openKeyStore(ctx, descriptor)
	if err != nil {
		matrix.Close()
		secret.Zero(descriptor.StoreKey)
		return nil, err
	}

	live := &LiveSession{
		matrix:         matrix,
		keys:           keys,
		sessions:       s.config.Sessions,
		storeDirectory: s.config.StoreDirectory,
		logger:         s.logger,
		descriptor:     descriptor,
	}

	if s.config.RecoveryKey != nil {
		if err := s.reconcileRecovery(ctx, live); err != nil {
			live.Close()
			return nil, err
		}
	}

	s.result.Session = live
	s.logger.Info("session ready",
		"user_id", descriptor.UserID,
		"device_id", descriptor.DeviceID,
		"fresh_login", s.result.FreshLogin,
		"recovery", s.result.RecoveryState,
	)
	return &s.result, nil
}

// obtainSession returns a persisted descriptor and the session built
// from it, logging in first when nothing is persisted.
func (s *sequencer) obtainSession(ctx context.Context) (session.Descriptor, *messaging.DirectSession, error) {
	descriptor, err := s.config.Sessions.Load(ctx)
	if err == nil {
		return s.resume(ctx, descriptor)
	}

	var loadErr *session.LoadError
	if !errors.As(err, &loadErr) {
		return session.Descriptor{}, nil, &Error{Stage: StageStorageUnavailable, Err: err}
	}
	switch {
	case loadErr.Kind == session.NotFound:
		return s.login(ctx)
	case loadErr.Corrupt():
		s.logger.Error("persisted session is unreadable, refusing to log in over it",
			"reason", loadErr.Kind,
		)
		return session.Descriptor{}, nil, &Error{Stage: StageCorruptSession, Err: err}
	default:
		return session.Descriptor{}, nil, &Error{Stage: StageStorageUnavailable, Err: err}
	}
}

// login performs a fresh password login and persists the result.
func (s *sequencer) login(ctx context.Context) (session.Descriptor, *messaging.DirectSession, error) {
	credentials := s.config.Credentials
	if credentials.Username == "" || credentials.Password == nil || credentials.Password.Len() == 0 {
		return session.Descriptor{}, nil, &Error{Stage: StageLoginFailed, Err: errors.New("no session is persisted and no credentials are configured")}
	}

	// A key store without a session belongs to a login whose session
	// was never persisted. Its store key is gone, so it is unreadable.
	orphaned, err := keystore.Exists(s.config.StoreDirectory)
	if err != nil {
		return session.Descriptor{}, nil, &Error{Stage: StageStorageUnavailable, Err: err}
	}
	if orphaned {
		if err := keystore.Purge(s.config.StoreDirectory); err != nil {
			return session.Descriptor{}, nil, &Error{Stage: StageStorageUnavailable, Err: err}
		}
		s.warn("purged a key store left without a session", "directory", s.config.StoreDirectory)
	}

	matrix, err := s.config.Client.Login(ctx, messaging.LoginRequest{
		Username:                 credentials.Username,
		Password:                 credentials.Password,
		InitialDeviceDisplayName: s.config.DeviceDisplayName,
		RefreshToken:             s.config.RefreshTokens,
	})
	if err != nil {
		return session.Descriptor{}, nil, &Error{Stage: StageLoginFailed, Err: err}
	}

	storeKey, err := blobcrypt.GenerateKey()
	if err != nil {
		s.abandonLogin(ctx, matrix)
		return session.Descriptor{}, nil, &Error{Stage: StageStorageUnavailable, Err: fmt.Errorf("generating store key: %w", err)}
	}
	descriptor := session.Descriptor{
		SchemaVersion: session.SchemaVersion,
		HomeserverURL: s.config.Client.HomeserverURL(),
		UserID:        matrix.UserID(),
		DeviceID:      matrix.DeviceID(),
		AccessToken:   matrix.AccessToken(),
		RefreshToken:  matrix.RefreshToken(),
		ExpiresAt:     s.expiresAt(matrix.ExpiresIn()),
		StoreKey:      bytes.Clone(storeKey.Bytes()),
	}
	storeKey.Close()

	if err := s.config.Sessions.Persist(ctx, descriptor); err != nil {
		secret.Zero(descriptor.StoreKey)
		s.abandonLogin(ctx, matrix)
		return session.Descriptor{}, nil, &Error{Stage: StageStorageUnavailable, Err: err}
	}

	s.result.FreshLogin = true
	s.logger.Info("logged in and persisted new session",
		"session", descriptor,
		"encrypted", s.config.Sessions.Encrypted(),
	)
	return descriptor, matrix, nil
}

// abandonLogin logs out a device whose session could not be persisted,
// so it does not linger on the account. Best effort.
func (s *sequencer) abandonLogin(ctx context.Context, matrix *messaging.DirectSession) {
	if err := matrix.Logout(ctx); err != nil {
		s.logger.Warn("could not log out unpersisted device",
			"device_id", matrix.DeviceID(),
			"error", err,
		)
	}
	matrix.Close()
}

// resume rebuilds the session from a persisted descriptor.
func (s *sequencer) resume(ctx context.Context, descriptor session.Descriptor) (session.Descriptor, *messaging.DirectSession, error) {
	fail := func(stage Stage, err error) (session.Descriptor, *messaging.DirectSession, error) {
		secret.Zero(descriptor.StoreKey)
		return session.Descriptor{}, nil, &Error{Stage: stage, Err: err}
	}

	if configured := s.config.Client.HomeserverURL(); descriptor.HomeserverURL != configured {
		return fail(StageSessionRejected, fmt.Errorf("persisted session belongs to %s, not the configured homeserver %s", descriptor.HomeserverURL, configured))
	}

	if descriptor.Expired(s.clock.Now()) && descriptor.RefreshToken != "" {
		refreshed, err := s.refresh(ctx, descriptor)
		if err != nil {
			return fail(refreshStage(err), err)
		}
		descriptor = refreshed
	}

	matrix, err := s.config.Client.SessionFromToken(descriptor.UserID, descriptor.DeviceID, descriptor.AccessToken)
	if err != nil {
		return fail(StageStorageUnavailable, err)
	}

	if s.config.VerifySession {
		verified, err := s.verify(ctx, descriptor, matrix)
		if err != nil {
			matrix.Close()
			return fail(verifyStage(err), err)
		}
		if verified.AccessToken != descriptor.AccessToken {
			matrix.Close()
			matrix, err = s.config.Client.SessionFromToken(verified.UserID, verified.DeviceID, verified.AccessToken)
			if err != nil {
				return fail(StageStorageUnavailable, err)
			}
		}
		descriptor = verified
	}

	s.logger.Info("resumed persisted session", "session", descriptor)
	return descriptor, matrix, nil
}

// verify confirms the session with whoami. A soft-logged-out token is
// refreshed once when a refresh token is available. Returns the
// descriptor to use, which differs from the input only after a refresh.
func (s *sequencer) verify(ctx context.Context, descriptor session.Descriptor, matrix *messaging.DirectSession) (session.Descriptor, error) {
	whoami, err := matrix.WhoAmI(ctx)
	if err != nil && softLoggedOut(err) && descriptor.RefreshToken != "" {
		s.logger.Info("access token expired on the server, refreshing",
			"user_id", descriptor.UserID,
			"device_id", descriptor.DeviceID,
		)
		refreshed, refreshErr := s.refresh(ctx, descriptor)
		if refreshErr != nil {
			return session.Descriptor{}, refreshErr
		}
		descriptor = refreshed

		retried, sessionErr := s.config.Client.SessionFromToken(descriptor.UserID, descriptor.DeviceID, descriptor.AccessToken)
		if sessionErr != nil {
			return session.Descriptor{}, sessionErr
		}
		whoami, err = retried.WhoAmI(ctx)
		retried.Close()
	}
	if err != nil {
		return session.Descriptor{}, err
	}

	if whoami.UserID != descriptor.UserID {
		return session.Descriptor{}, &mismatchError{what: "user", persisted: descriptor.UserID.String(), server: whoami.UserID.String()}
	}
	if !whoami.DeviceID.IsZero() && whoami.DeviceID != descriptor.DeviceID {
		return session.Descriptor{}, &mismatchError{what: "device", persisted: descriptor.DeviceID.String(), server: whoami.DeviceID.String()}
	}
	return descriptor, nil
}

// refresh exchanges the descriptor's refresh token and persists the
// new tokens before returning them.
func (s *sequencer) refresh(ctx context.Context, descriptor session.Descriptor) (session.Descriptor, error) {
	refreshToken, err := secret.NewFromString(descriptor.RefreshToken)
	if err != nil {
		return session.Descriptor{}, err
	}
	defer refreshToken.Close()

	response, err := s.config.Client.Refresh(ctx, refreshToken)
	if err != nil {
		return session.Descriptor{}, err
	}

	refreshed := descriptor
	refreshed.AccessToken = response.AccessToken
	if response.RefreshToken != "" {
		refreshed.RefreshToken = response.RefreshToken
	}
	refreshed.ExpiresAt = s.expiresAt(time.Duration(response.ExpiresInMS) * time.Millisecond)

	if err := s.config.Sessions.Persist(ctx, refreshed); err != nil {
		return session.Descriptor{}, &storageError{err: err}
	}
	s.logger.Info("refreshed and persisted access token",
		"user_id", refreshed.UserID,
		"device_id", refreshed.DeviceID,
		"expires_at", refreshed.Expiry(),
	)
	return refreshed, nil
}

func (s *sequencer) expiresAt(lifetime time.Duration) int64 {
	if lifetime <= 0 {
		return 0
	}
	return s.clock.Now().Add(lifetime).UnixMilli()
}

// openKeyStore opens the local room key store under the descriptor's
// store key.
func (s *sequencer) openKeyStore(ctx context.Context, descriptor session.Descriptor) (keystore.Store, error) {
	storeKey, err := secret.NewFromBytes(bytes.Clone(descriptor.StoreKey))
	if err != nil {
		return nil, &Error{Stage: StageStorageUnavailable, Err: err}
	}
	defer storeKey.Close()

	keys, err := keystore.OpenSQLite(ctx, keystore.SQLiteConfig{
		Directory: s.config.StoreDirectory,
		StoreKey:  storeKey,
		Logger:    s.logger,
	})
	if err != nil {
		return nil, &Error{Stage: StageStorageUnavailable, Err: err}
	}
	return keys, nil
}

// reconcileRecovery brings the server's key backup and the local key
// store into agreement. Returns an error only when the failure is
// fatal under RequireRecovery.
func (s *sequencer) reconcileRecovery(ctx context.Context, live *LiveSession) error {
	coordinator, err := recovery.New(recovery.Config{
		Backup: live.matrix,
		Keys:   live.keys,
		KDF:    s.config.KDF,
		Logger: s.logger,
	})
	if err != nil {
		return &Error{Stage: StageRecoveryFailed, Err: err}
	}

	state, err := s.recover(ctx, coordinator)
	s.result.RecoveryState = state
	if err == nil {
		return nil
	}
	if s.config.RequireRecovery {
		return &Error{Stage: StageRecoveryFailed, Err: err}
	}
	s.result.RecoveryState = recovery.Unknown
	s.result.RecoveryErr = err
	s.warn("key recovery failed, continuing without it",
		"kind", recovery.KindOf(err),
		"error", err,
	)
	return nil
}

func (s *sequencer) recover(ctx context.Context, coordinator *recovery.Coordinator) (recovery.State, error) {
	state, err := coordinator.Check(ctx)
	if err != nil {
		return recovery.Unknown, err
	}

	switch state {
	case recovery.Disabled:
		state, err = coordinator.Enable(ctx, s.config.RecoveryKey)
		if errors.Is(err, recovery.ErrAlreadyEnabled) {
			// Another instance created a backup between our check and
			// our create. Its backup is the current one; join it.
			s.logger.Info("key backup was enabled concurrently, restoring from it")
			return s.restore(ctx, coordinator)
		}
		return state, err
	case recovery.Enabled(false):
		return s.restore(ctx, coordinator)
	default:
		return state, nil
	}
}

func (s *sequencer) restore(ctx context.Context, coordinator *recovery.Coordinator) (recovery.State, error) {
	result, err := coordinator.Restore(ctx, s.config.RecoveryKey)
	switch {
	case err == nil:
		s.result.Restored = &result
		return result.State, nil
	case errors.Is(err, recovery.ErrPartialRestore):
		s.result.Restored = &result
		s.warn("some backed-up room keys could not be restored",
			"imported", result.Imported,
			"failed", result.Failed,
		)
		return result.State, nil
	case errors.Is(err, recovery.ErrInvalidKey) && s.config.ResetAllowed:
		s.warn("recovery key does not open the existing backup, replacing it",
			"error", err,
		)
		return coordinator.Reset(ctx, s.config.RecoveryKey)
	default:
		return recovery.Unknown, err
	}
}

// warn logs a warning and records it in the result.
func (s *sequencer) warn(message string, args ...any) {
	s.logger.Warn(message, args...)
	s.result.Warnings = append(s.result.Warnings, message)
}

// softLoggedOut reports whether err is M_UNKNOWN_TOKEN with
// soft_logout set: the device still exists and a refresh can revive it.
func softLoggedOut(err error) bool {
	var matrixErr *messaging.MatrixError
	return errors.As(err, &matrixErr) && matrixErr.Code == messaging.ErrCodeUnknownToken && matrixErr.SoftLogout
}

// storageError marks a persist failure inside refresh so it is
// reported as StageStorageUnavailable rather than a server rejection.
type storageError struct{ err error }

func (e *storageError) Error() string { return e.err.Error() }
func (e *storageError) Unwrap() error { return e.err }

type mismatchError struct {
	what      string
	persisted string
	server    string
}

func (e *mismatchError) Error() string {
	return fmt.Sprintf("homeserver reports %s %s, persisted session is for %s", e.what, e.server, e.persisted)
}

// refreshStage classifies a failed token refresh.
func refreshStage(err error) Stage {
	var storage *storageError
	switch {
	case errors.As(err, &storage):
		return StageStorageUnavailable
	case messaging.IsTransient(err):
		return StageSessionUnavailable
	default:
		return StageSessionRejected
	}
}

// verifyStage classifies a failed session verification.
func verifyStage(err error) Stage {
	var mismatch *mismatchError
	if errors.As(err, &mismatch) {
		return StageSessionRejected
	}
	return refreshStage(err)
}
