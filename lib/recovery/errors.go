// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package recovery

import (
	"errors"
	"fmt"
)

// Kind classifies a recovery failure.
type Kind int

const (
	// KindAlreadyEnabled: Enable found a backup already present, or
	// lost a creation race to another instance.
	KindAlreadyEnabled Kind = iota + 1

	// KindServerRejected: the homeserver refused the request for a
	// reason retrying will not fix.
	KindServerRejected

	// KindInvalidKey: the recovery key is empty, or does not open the
	// server's backup.
	KindInvalidKey

	// KindNoBackupFound: Restore found no backup to restore from.
	KindNoBackupFound

	// KindPartialRestore: Restore imported what it could but some
	// entries could not be decrypted. Imported keys are kept.
	KindPartialRestore

	// KindTransient: a network failure, rate limit, or server error.
	// The caller may retry with backoff.
	KindTransient

	// KindLocalStore: the local key store failed.
	KindLocalStore
)

var kindNames = map[Kind]string{
	KindAlreadyEnabled: "already_enabled",
	KindServerRejected: "server_rejected",
	KindInvalidKey:     "invalid_key",
	KindNoBackupFound:  "no_backup_found",
	KindPartialRestore: "partial_restore",
	KindTransient:      "transient",
	KindLocalStore:     "local_store",
}

// String returns the kind's name.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Sentinels matching each Kind with errors.Is.
var (
	ErrAlreadyEnabled = &Error{Kind: KindAlreadyEnabled}
	ErrServerRejected = &Error{Kind: KindServerRejected}
	ErrInvalidKey     = &Error{Kind: KindInvalidKey}
	ErrNoBackupFound  = &Error{Kind: KindNoBackupFound}
	ErrPartialRestore = &Error{Kind: KindPartialRestore}
	ErrTransient      = &Error{Kind: KindTransient}
	ErrLocalStore     = &Error{Kind: KindLocalStore}
)

// Error is returned by Coordinator operations.
type Error struct {
	// Op is the operation that failed: "check", "enable", "restore",
	// or "reset".
	Op   string
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op == "" && e.Err == nil:
		return "recovery: " + e.Kind.String()
	case e.Err == nil:
		return fmt.Sprintf("recovery: %s: %s", e.Op, e.Kind)
	default:
		return fmt.Sprintf("recovery: %s: %s: %v", e.Op, e.Kind, e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same Kind, so the sentinels work with
// errors.Is regardless of Op and cause.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	return ok && other.Kind == e.Kind
}

// KindOf returns the Kind of the *Error in err's chain, or 0.
func KindOf(err error) Kind {
	var recoveryErr *Error
	if errors.As(err, &recoveryErr) {
		return recoveryErr.Kind
	}
	return 0
}

// IsTransient reports whether err is a recovery failure the caller may
// retry.
func IsTransient(err error) bool {
	return KindOf(err) == KindTransient
}
