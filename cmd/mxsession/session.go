// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/mxsession/cmd/mxsession/cli"
	"github.com/bureau-foundation/mxsession/lib/keystore"
	"github.com/bureau-foundation/mxsession/lib/secret"
	"github.com/bureau-foundation/mxsession/lib/session"
)

// sessionView is the printable form of a persisted descriptor.
// Secrets are reported only by presence.
type sessionView struct {
	SessionFile     string `json:"session_file"`
	Encrypted       bool   `json:"encrypted"`
	SchemaVersion   int    `json:"schema_version"`
	HomeserverURL   string `json:"homeserver_url"`
	UserID          string `json:"user_id"`
	DeviceID        string `json:"device_id"`
	AccessToken     string `json:"access_token"`
	RefreshToken    string `json:"refresh_token,omitempty"`
	ExpiresAt       string `json:"expires_at,omitempty"`
	Expired         bool   `json:"expired"`
	SyncToken       string `json:"sync_token,omitempty"`
	KeyStorePresent bool   `json:"key_store_present"`
}

func (a *app) sessionCommand() *cli.Command {
	return &cli.Command{
		Name:    "session",
		Summary: "Inspect the persisted session",
		Subcommands: []*cli.Command{
			a.sessionShowCommand(),
		},
	}
}

func (a *app) sessionShowCommand() *cli.Command {
	var params commonParams

	return &cli.Command{
		Name:    "show",
		Summary: "Print the persisted session with secrets redacted",
		Description: `Decode the session file and print it as JSON. Tokens are replaced
with "<redacted>" and the store key is omitted. Makes no homeserver
requests.`,
		Flags: func() *pflag.FlagSet {
			return cli.FlagsFromParams("show", &params)
		},
		Run: func(ctx context.Context, args []string) error {
			env, err := a.open(params, "session/show")
			if err != nil {
				return err
			}
			defer env.Close()

			descriptor, err := env.sessions.Load(ctx)
			if err != nil {
				return describeLoadError(err, env)
			}
			secret.Zero(descriptor.StoreKey)

			keyStorePresent, err := keystore.Exists(env.config.Persistence.StoreDirectory)
			if err != nil {
				return err
			}
			return cli.WriteJSON(a.stdout, viewSession(descriptor, env, keyStorePresent, a.clock.Now()))
		},
	}
}

func viewSession(descriptor session.Descriptor, env *environment, keyStorePresent bool, now time.Time) sessionView {
	redacted := descriptor.Redacted()
	view := sessionView{
		SessionFile:     env.config.Persistence.SessionFile,
		Encrypted:       env.sessions.Encrypted(),
		SchemaVersion:   redacted.SchemaVersion,
		HomeserverURL:   redacted.HomeserverURL,
		UserID:          redacted.UserID.String(),
		DeviceID:        redacted.DeviceID.String(),
		AccessToken:     redacted.AccessToken,
		RefreshToken:    redacted.RefreshToken,
		Expired:         redacted.Expired(now),
		SyncToken:       redacted.SyncToken,
		KeyStorePresent: keyStorePresent,
	}
	if expiry := redacted.Expiry(); !expiry.IsZero() {
		view.ExpiresAt = expiry.UTC().Format(time.RFC3339)
	}
	return view
}

func describeLoadError(err error, env *environment) error {
	var loadErr *session.LoadError
	if errors.As(err, &loadErr) {
		switch {
		case loadErr.Kind == session.NotFound:
			return errNoSession
		case loadErr.Corrupt():
			return fmt.Errorf("%w\n\nThe session file %s could not be read. Restore the matching session encryption key, or remove the file to log in again.",
				err, env.config.Persistence.SessionFile)
		}
	}
	return err
}
