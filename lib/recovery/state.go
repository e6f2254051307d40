// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package recovery

import "fmt"

// Status is the coarse backup status of an account.
type Status int

const (
	// StatusUnknown: not checked, or the last operation failed.
	StatusUnknown Status = iota

	// StatusDisabled: the account has no server-side backup.
	StatusDisabled

	// StatusEnabled: the account has a server-side backup.
	StatusEnabled
)

// State is the observed recovery state. Verified is meaningful only
// when Status is StatusEnabled.
type State struct {
	Status   Status
	Verified bool
}

var (
	// Unknown is the zero State.
	Unknown = State{Status: StatusUnknown}

	// Disabled is the state of an account without a backup.
	Disabled = State{Status: StatusDisabled}
)

// Enabled returns the state of an account with a backup.
func Enabled(verified bool) State {
	return State{Status: StatusEnabled, Verified: verified}
}

// String returns "unknown", "disabled", "enabled(verified)", or
// "enabled(unverified)".
func (s State) String() string {
	switch s.Status {
	case StatusUnknown:
		return "unknown"
	case StatusDisabled:
		return "disabled"
	case StatusEnabled:
		if s.Verified {
			return "enabled(verified)"
		}
		return "enabled(unverified)"
	default:
		return fmt.Sprintf("Status(%d)", int(s.Status))
	}
}

// MarshalText implements encoding.TextMarshaler for JSON status output.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// RestoreResult reports the outcome of Restore.
type RestoreResult struct {
	State State `json:"state"`

	// Imported keys were new to the local store or replaced a worse copy.
	Imported int `json:"imported"`

	// Skipped keys were already present locally in an equal or better copy.
	Skipped int `json:"skipped"`

	// Failed entries could not be decrypted or decoded.
	Failed int `json:"failed"`
}
