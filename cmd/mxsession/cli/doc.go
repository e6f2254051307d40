// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package cli provides the command framework for the mxsession CLI.
//
// Commands are organized as a tree of [Command] values. Each command
// has a name, optional flags (via pflag), and either subcommands or a
// Run function. The tree is dispatched by [Command.Execute], which
// handles help flags, subcommand routing, flag parsing, and typo
// suggestions for unknown commands and flags.
//
// Supporting pieces:
//
//   - [FlagsFromParams] binds tagged struct fields to a flag set
//   - [NewCommandLogger] picks a text or JSON slog handler for stderr
//   - [WriteJSON] prints command results
//   - [ExitError] carries a non-zero exit code without an error line
//   - [ReadPassphrase] prompts for a secret on the terminal
package cli
