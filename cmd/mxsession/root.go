// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import "github.com/bureau-foundation/mxsession/cmd/mxsession/cli"

func (a *app) root() *cli.Command {
	return &cli.Command{
		Name:    "mxsession",
		Summary: "Manage a persisted Matrix client session",
		Description: `Manage a persisted Matrix client session.

mxsession logs in once, persists the session (encrypted when a session
encryption key is configured), and resumes it on later runs. With a
recovery key configured it keeps the server-side key backup and the
local room key store in agreement.

Configuration is read from the file named by --config or the
MXSESSION_CONFIG environment variable.`,
		HelpOutput: a.stderr,
		Subcommands: []*cli.Command{
			a.bootstrapCommand(),
			a.sessionCommand(),
			a.recoveryCommand(),
			a.keysCommand(),
			a.logoutCommand(),
			a.keygenCommand(),
		},
	}
}
