// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/mxsession/cmd/mxsession/cli"
	"github.com/bureau-foundation/mxsession/lib/bootstrap"
	"github.com/bureau-foundation/mxsession/lib/recovery"
	"github.com/bureau-foundation/mxsession/lib/secret"
)

type recoveryParams struct {
	commonParams
	RecoveryKeyFile string `flag:"recovery-key-file" desc:"recovery key file, overriding recovery.recovery_key_file"`
}

type resetParams struct {
	recoveryParams
	Yes bool `flag:"yes" desc:"confirm deleting the current backup and every key in it"`
}

type recoveryStatus struct {
	Recovery  recovery.State `json:"recovery"`
	LocalKeys int            `json:"local_keys"`
}

func (a *app) recoveryCommand() *cli.Command {
	return &cli.Command{
		Name:    "recovery",
		Summary: "Inspect and manage server-side key backup",
		Description: `Inspect and manage server-side key backup for the persisted session.

Every subcommand resumes the persisted session; none of them logs in.
Run 'mxsession bootstrap' first on a new machine.`,
		Subcommands: []*cli.Command{
			a.recoveryStatusCommand(),
			a.recoveryEnableCommand(),
			a.recoveryRestoreCommand(),
			a.recoveryResetCommand(),
		},
	}
}

func (a *app) recoveryStatusCommand() *cli.Command {
	var params commonParams

	return &cli.Command{
		Name:    "status",
		Summary: "Report whether key backup is enabled and trusted",
		Description: `Report the account's key backup state: "disabled" when there is no
backup, "enabled(verified)" when this device has opened the current backup
with the recovery key, and "enabled(unverified)" otherwise.`,
		Flags: func() *pflag.FlagSet {
			return cli.FlagsFromParams("status", &params)
		},
		Run: func(ctx context.Context, args []string) error {
			return a.withCoordinator(ctx, params, "recovery/status", func(_ *environment, live *bootstrap.LiveSession, coordinator *recovery.Coordinator) error {
				state, err := coordinator.Check(ctx)
				if err != nil {
					return err
				}
				return a.writeRecoveryStatus(ctx, live, state)
			})
		},
	}
}

func (a *app) recoveryEnableCommand() *cli.Command {
	var params recoveryParams

	return &cli.Command{
		Name:    "enable",
		Summary: "Create a key backup and upload local room keys",
		Flags: func() *pflag.FlagSet {
			return cli.FlagsFromParams("enable", &params)
		},
		Run: func(ctx context.Context, args []string) error {
			return a.withRecoveryKey(ctx, params, "recovery/enable", func(live *bootstrap.LiveSession, coordinator *recovery.Coordinator, recoveryKey *secret.Buffer) error {
				state, err := coordinator.Enable(ctx, recoveryKey)
				if errors.Is(err, recovery.ErrAlreadyEnabled) {
					return fmt.Errorf("%w\n\nUse 'mxsession recovery restore' to join the existing backup, or 'mxsession recovery reset' to replace it.", err)
				}
				if err != nil {
					return err
				}
				return a.writeRecoveryStatus(ctx, live, state)
			})
		},
	}
}

func (a *app) recoveryRestoreCommand() *cli.Command {
	var params recoveryParams

	return &cli.Command{
		Name:    "restore",
		Summary: "Download and import room keys from the backup",
		Description: `Verify the recovery key against the current backup and import every
room key in it into the local store. Keys already present in an equal or
better copy are skipped.

Exits with status 2 when some entries could not be restored.`,
		Flags: func() *pflag.FlagSet {
			return cli.FlagsFromParams("restore", &params)
		},
		Run: func(ctx context.Context, args []string) error {
			return a.withRecoveryKey(ctx, params, "recovery/restore", func(live *bootstrap.LiveSession, coordinator *recovery.Coordinator, recoveryKey *secret.Buffer) error {
				result, err := coordinator.Restore(ctx, recoveryKey)
				partial := errors.Is(err, recovery.ErrPartialRestore)
				if err != nil && !partial {
					return err
				}
				if err := cli.WriteJSON(a.stdout, result); err != nil {
					return err
				}
				if partial {
					return &cli.ExitError{Code: cli.ExitDegraded}
				}
				return nil
			})
		},
	}
}

func (a *app) recoveryResetCommand() *cli.Command {
	var params resetParams

	return &cli.Command{
		Name:    "reset",
		Summary: "Replace the backup with a new one under the recovery key",
		Description: `Delete the current backup and create a new one protected by the
recovery key, then upload the local room keys to it. Keys that exist only
in the old backup are lost. Requires --yes.`,
		Flags: func() *pflag.FlagSet {
			return cli.FlagsFromParams("reset", &params)
		},
		Run: func(ctx context.Context, args []string) error {
			if !params.Yes {
				return errors.New("reset deletes the current backup and every key in it; pass --yes to confirm")
			}
			return a.withRecoveryKey(ctx, params.recoveryParams, "recovery/reset", func(live *bootstrap.LiveSession, coordinator *recovery.Coordinator, recoveryKey *secret.Buffer) error {
				state, err := coordinator.Reset(ctx, recoveryKey)
				if err != nil {
					return err
				}
				return a.writeRecoveryStatus(ctx, live, state)
			})
		},
	}
}

// withCoordinator resumes the persisted session and runs fn with a
// recovery coordinator over it.
func (a *app) withCoordinator(ctx context.Context, params commonParams, command string, fn func(*environment, *bootstrap.LiveSession, *recovery.Coordinator) error) error {
	env, err := a.open(params, command)
	if err != nil {
		return err
	}
	defer env.Close()

	live, err := env.resume(ctx, a)
	if err != nil {
		return err
	}
	defer live.Close()

	coordinator, err := recovery.New(recovery.Config{
		Backup: live.Matrix(),
		Keys:   live.Keys(),
		Logger: env.logger,
	})
	if err != nil {
		return err
	}
	return fn(env, live, coordinator)
}

// withRecoveryKey is withCoordinator for operations that need the
// recovery key.
func (a *app) withRecoveryKey(ctx context.Context, params recoveryParams, command string, fn func(*bootstrap.LiveSession, *recovery.Coordinator, *secret.Buffer) error) error {
	return a.withCoordinator(ctx, params.commonParams, command, func(env *environment, live *bootstrap.LiveSession, coordinator *recovery.Coordinator) error {
		recoveryKey, err := env.readRecoveryKey(params.RecoveryKeyFile)
		if err != nil {
			return err
		}
		if recoveryKey == nil {
			return errors.New("no recovery key: set recovery.recovery_key_file or pass --recovery-key-file")
		}
		defer recoveryKey.Close()
		return fn(live, coordinator, recoveryKey)
	})
}

// writeRecoveryStatus prints state with the local key count.
func (a *app) writeRecoveryStatus(ctx context.Context, live *bootstrap.LiveSession, state recovery.State) error {
	count, err := live.Keys().CountRoomKeys(ctx)
	if err != nil {
		return err
	}
	return cli.WriteJSON(a.stdout, recoveryStatus{Recovery: state, LocalKeys: count})
}
