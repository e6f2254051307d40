// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bootstrap

import (
	"fmt"

	"github.com/bureau-foundation/mxsession/lib/recovery"
	"github.com/bureau-foundation/mxsession/messaging"
)

// Stage identifies which step of Bootstrap failed.
type Stage int

const (
	// StageCorruptSession: a persisted session exists but could not be
	// decrypted or parsed. The file is left untouched.
	StageCorruptSession Stage = iota + 1

	// StageLoginFailed: no session was persisted and login failed.
	StageLoginFailed

	// StageStorageUnavailable: the session file or the key store could
	// not be read or written.
	StageStorageUnavailable

	// StageSessionRejected: the homeserver refused the persisted
	// session (revoked token, refused refresh, or a different user).
	// Logging in again requires removing the session first.
	StageSessionRejected

	// StageSessionUnavailable: the persisted session could not be
	// verified because the homeserver was unreachable or overloaded.
	StageSessionUnavailable

	// StageRecoveryFailed: key recovery failed and Config.RequireRecovery
	// is set.
	StageRecoveryFailed
)

// String returns the stage name used in logs and CLI output.
func (s Stage) String() string {
	switch s {
	case StageCorruptSession:
		return "corrupt_session"
	case StageLoginFailed:
		return "login_failed"
	case StageStorageUnavailable:
		return "storage_unavailable"
	case StageSessionRejected:
		return "session_rejected"
	case StageSessionUnavailable:
		return "session_unavailable"
	case StageRecoveryFailed:
		return "recovery_failed"
	default:
		return fmt.Sprintf("Stage(%d)", int(s))
	}
}

// Error is returned by Bootstrap for every failure.
type Error struct {
	Stage Stage
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("bootstrap: %s: %v", e.Stage, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient reports whether the failure was caused by a network or
// server condition that may clear, so running Bootstrap again could
// succeed. Corrupt sessions, rejected sessions, and local storage
// failures are never transient.
func (e *Error) Transient() bool {
	switch e.Stage {
	case StageSessionUnavailable:
		return true
	case StageLoginFailed:
		return messaging.IsTransient(e.Err)
	case StageRecoveryFailed:
		return recovery.IsTransient(e.Err)
	default:
		return false
	}
}
