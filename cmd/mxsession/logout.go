// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/mxsession/cmd/mxsession/cli"
	"github.com/bureau-foundation/mxsession/lib/secret"
)

type logoutResult struct {
	UserID   string `json:"user_id"`
	DeviceID string `json:"device_id"`
}

func (a *app) logoutCommand() *cli.Command {
	var params commonParams

	return &cli.Command{
		Name:    "logout",
		Summary: "Log the device out and remove local state",
		Description: `Log the persisted session's device out on the homeserver, then remove
the session file and the local room key store.

If the homeserver cannot be reached, nothing local is removed. If the
homeserver no longer recognizes the token, local state is removed anyway.
Export room keys first if they are not backed up.`,
		Flags: func() *pflag.FlagSet {
			return cli.FlagsFromParams("logout", &params)
		},
		Run: func(ctx context.Context, args []string) error {
			env, err := a.open(params, "logout")
			if err != nil {
				return err
			}
			defer env.Close()

			live, err := env.resume(ctx, a)
			if err != nil {
				return err
			}
			descriptor := live.Descriptor()
			result := logoutResult{
				UserID:   descriptor.UserID.String(),
				DeviceID: descriptor.DeviceID.String(),
			}
			secret.Zero(descriptor.StoreKey)

			if err := live.Logout(ctx); err != nil {
				live.Close()
				return err
			}
			return cli.WriteJSON(a.stdout, result)
		},
	}
}
