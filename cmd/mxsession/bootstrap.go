// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/mxsession/cmd/mxsession/cli"
	"github.com/bureau-foundation/mxsession/lib/bootstrap"
	"github.com/bureau-foundation/mxsession/lib/recovery"
	"github.com/bureau-foundation/mxsession/lib/retry"
	"github.com/bureau-foundation/mxsession/lib/secret"
)

type bootstrapParams struct {
	commonParams
	Attempts        int           `flag:"attempts" default:"5" desc:"attempts before giving up on transient failures"`
	InitialBackoff  time.Duration `flag:"initial-backoff" default:"1s" desc:"wait before the first retry, doubled on each retry"`
	RecoveryKeyFile string        `flag:"recovery-key-file" desc:"recovery key file, overriding recovery.recovery_key_file"`
}

// bootstrapStatus is the JSON printed by a successful bootstrap.
type bootstrapStatus struct {
	HomeserverURL string                  `json:"homeserver_url"`
	UserID        string                  `json:"user_id"`
	DeviceID      string                  `json:"device_id"`
	FreshLogin    bool                    `json:"fresh_login"`
	Recovery      recovery.State          `json:"recovery"`
	Restored      *recovery.RestoreResult `json:"restored,omitempty"`
	RecoveryError string                  `json:"recovery_error,omitempty"`
	Warnings      []string                `json:"warnings"`
}

func (a *app) bootstrapCommand() *cli.Command {
	var params bootstrapParams

	return &cli.Command{
		Name:    "bootstrap",
		Summary: "Log in or resume the session and reconcile key backup",
		Description: `Log in or resume the persisted session, open the local key store, and
reconcile server-side key backup.

When no session is persisted, logs in with the configured credentials
and persists the new session. When a recovery key is configured, enables
key backup on accounts without one and restores room keys from an
existing backup.

Transient failures (an unreachable or overloaded homeserver) are retried
with exponential backoff. A corrupt or rejected session is never retried
and never overwritten.

Exit status is 0 on success, 1 on failure, and 2 when the session is
usable but key recovery did not complete cleanly.`,
		Flags: func() *pflag.FlagSet {
			return cli.FlagsFromParams("bootstrap", &params)
		},
		Examples: []cli.Example{
			{
				Description: "Bootstrap using the config file from the environment",
				Command:     "MXSESSION_CONFIG=/etc/mxsession.yaml mxsession bootstrap",
			},
		},
		Run: func(ctx context.Context, args []string) error {
			return a.runBootstrap(ctx, params)
		},
	}
}

func (a *app) runBootstrap(ctx context.Context, params bootstrapParams) error {
	env, err := a.open(params.commonParams, "bootstrap")
	if err != nil {
		return err
	}
	defer env.Close()

	recoveryKey, err := env.readRecoveryKey(params.RecoveryKeyFile)
	if err != nil {
		return err
	}
	if recoveryKey != nil {
		defer recoveryKey.Close()
	}

	policy := retry.Policy{
		Attempts: params.Attempts,
		Initial:  params.InitialBackoff,
		Clock:    a.clock,
		Logger:   env.logger,
	}
	var result *bootstrap.Result
	err = retry.Do(ctx, policy, bootstrapTransient, func(ctx context.Context) error {
		bootstrapConfig, cleanup, err := env.bootstrapConfig(ctx, a, sessionOptions{
			login:       true,
			recoveryKey: recoveryKey,
		})
		if err != nil {
			return err
		}
		defer cleanup()
		result, err = bootstrap.Bootstrap(ctx, bootstrapConfig)
		return err
	})
	if err != nil {
		return describeBootstrapError(err, env.config)
	}
	defer result.Session.Close()

	descriptor := result.Session.Descriptor()
	secret.Zero(descriptor.StoreKey)
	status := bootstrapStatus{
		HomeserverURL: descriptor.HomeserverURL,
		UserID:        descriptor.UserID.String(),
		DeviceID:      descriptor.DeviceID.String(),
		FreshLogin:    result.FreshLogin,
		Recovery:      result.RecoveryState,
		Restored:      result.Restored,
		Warnings:      result.Warnings,
	}
	if result.RecoveryErr != nil {
		status.RecoveryError = result.RecoveryErr.Error()
	}
	if status.Warnings == nil {
		status.Warnings = []string{}
	}
	if err := cli.WriteJSON(a.stdout, status); err != nil {
		return err
	}
	if result.Degraded() {
		return &cli.ExitError{Code: cli.ExitDegraded}
	}
	return nil
}

// bootstrapTransient is the retry classifier for bootstrap.
func bootstrapTransient(err error) bool {
	var bootstrapErr *bootstrap.Error
	return errors.As(err, &bootstrapErr) && bootstrapErr.Transient()
}
