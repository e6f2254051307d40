// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by Storage.Read when nothing has been
	// persisted.
	ErrNotFound = errors.New("session: not found")

	// ErrEncoding is returned by Serialize for a descriptor that fails
	// validation or cannot be encoded.
	ErrEncoding = errors.New("session: encoding failed")

	// ErrDecoding is returned by Deserialize for bytes that are not a
	// valid descriptor.
	ErrDecoding = errors.New("session: decoding failed")
)

// LoadErrorKind classifies why a persisted session could not be
// loaded.
type LoadErrorKind int

const (
	// NotFound: nothing is persisted. A fresh start, not a failure.
	NotFound LoadErrorKind = iota + 1

	// DecryptionFailed: the stored bytes did not authenticate under
	// the configured key. Either the key is wrong or the file was
	// modified.
	DecryptionFailed

	// MalformedData: the stored bytes decrypted (or were plaintext)
	// but are not a valid descriptor.
	MalformedData

	// Unavailable: the storage could not be read at all.
	Unavailable
)

// String returns the kind's name.
func (k LoadErrorKind) String() string {
	switch k {
	case NotFound:
		return "not_found"
	case DecryptionFailed:
		return "decryption_failed"
	case MalformedData:
		return "malformed_data"
	case Unavailable:
		return "unavailable"
	default:
		return fmt.Sprintf("LoadErrorKind(%d)", int(k))
	}
}

// LoadError is returned by Store.Load and Decode.
type LoadError struct {
	Kind LoadErrorKind
	Err  error
}

func (e *LoadError) Error() string {
	if e.Err == nil {
		return "session: load failed: " + e.Kind.String()
	}
	return fmt.Sprintf("session: load failed (%s): %v", e.Kind, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// Corrupt reports whether the stored bytes exist but are unusable.
func (e *LoadError) Corrupt() bool {
	return e.Kind == DecryptionFailed || e.Kind == MalformedData
}
