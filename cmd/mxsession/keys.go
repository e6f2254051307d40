// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/mxsession/cmd/mxsession/cli"
	"github.com/bureau-foundation/mxsession/lib/bootstrap"
	"github.com/bureau-foundation/mxsession/lib/keyexport"
	"github.com/bureau-foundation/mxsession/lib/keystore"
)

type keysParams struct {
	commonParams
	File           string `flag:"file,f" desc:"export file path, or - for stdin/stdout"`
	PassphraseFile string `flag:"passphrase-file" desc:"read the passphrase from this file instead of prompting"`
}

type exportParams struct {
	keysParams
	Compression string `flag:"compression" default:"zstd" desc:"bundle compression: zstd, lz4, or none"`
	WorkFactor  int    `flag:"scrypt-work-factor" desc:"scrypt cost as log2(N); 0 uses the age default"`
	Force       bool   `flag:"force" desc:"overwrite an existing file"`
}

type exportResult struct {
	File     string `json:"file"`
	Exported int    `json:"exported"`
}

type importResult struct {
	File string `json:"file"`
	keystore.ImportResult
}

func (a *app) keysCommand() *cli.Command {
	return &cli.Command{
		Name:    "keys",
		Summary: "Export and import room keys with a passphrase",
		Description: `Export the local room key store to a passphrase-protected file, or
import such a file into it. Export files are ASCII-armored age files and
can be imported by any mxsession instance, for any session.`,
		Subcommands: []*cli.Command{
			a.keysExportCommand(),
			a.keysImportCommand(),
		},
	}
}

func (a *app) keysExportCommand() *cli.Command {
	var params exportParams

	return &cli.Command{
		Name:    "export",
		Summary: "Write every room key to a passphrase-protected file",
		Usage:   "mxsession keys export --file PATH [flags]",
		Flags: func() *pflag.FlagSet {
			return cli.FlagsFromParams("export", &params)
		},
		Examples: []cli.Example{
			{
				Description: "Export to a file, prompting for the passphrase",
				Command:     "mxsession keys export --file room-keys.txt",
			},
		},
		Run: func(ctx context.Context, args []string) error {
			if params.File == "" {
				return errors.New("--file is required")
			}
			compression, err := keyexport.ParseCompression(params.Compression)
			if err != nil {
				return err
			}
			options := keyexport.DefaultOptions()
			options.Compression = compression
			options.WorkFactor = params.WorkFactor
			options.Clock = a.clock

			return a.withKeys(ctx, params.commonParams, "keys/export", func(live *bootstrap.LiveSession) error {
				passphrase, err := cli.ReadPassphrase(params.PassphraseFile, "Export passphrase", true, a.stderr)
				if err != nil {
					return err
				}
				defer passphrase.Close()

				output, closeOutput, err := a.createOutput(params.File, params.Force)
				if err != nil {
					return err
				}
				count, err := keyexport.Export(ctx, live.Keys(), passphrase, output, options)
				if closeErr := closeOutput(err == nil); err == nil {
					err = closeErr
				}
				if err != nil {
					return err
				}
				if params.File == "-" {
					return nil
				}
				return cli.WriteJSON(a.stdout, exportResult{File: params.File, Exported: count})
			})
		},
	}
}

func (a *app) keysImportCommand() *cli.Command {
	var params keysParams

	return &cli.Command{
		Name:    "import",
		Summary: "Merge room keys from an export file into the local store",
		Usage:   "mxsession keys import --file PATH [flags]",
		Flags: func() *pflag.FlagSet {
			return cli.FlagsFromParams("import", &params)
		},
		Run: func(ctx context.Context, args []string) error {
			if params.File == "" {
				return errors.New("--file is required")
			}
			if params.File == "-" && params.PassphraseFile == "-" {
				return errors.New("--file and --passphrase-file cannot both read stdin")
			}
			return a.withKeys(ctx, params.commonParams, "keys/import", func(live *bootstrap.LiveSession) error {
				passphrase, err := cli.ReadPassphrase(params.PassphraseFile, "Import passphrase", false, a.stderr)
				if err != nil {
					return err
				}
				defer passphrase.Close()

				var input io.Reader = a.stdin
				if params.File != "-" {
					file, err := os.Open(params.File)
					if err != nil {
						return err
					}
					defer file.Close()
					input = file
				}

				result, err := keyexport.Import(ctx, live.Keys(), passphrase, input)
				if err != nil {
					return err
				}
				return cli.WriteJSON(a.stdout, importResult{File: params.File, ImportResult: result})
			})
		},
	}
}

// withKeys resumes the persisted session for a key store operation.
func (a *app) withKeys(ctx context.Context, params commonParams, command string, fn func(*bootstrap.LiveSession) error) error {
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
	return fn(live)
}

// createOutput opens path for writing an export, or stdout for "-".
// The file is created owner-only and, unless force is set, must not
// already exist. The returned function closes it, removing it when
// keep is false.
func (a *app) createOutput(path string, force bool) (io.Writer, func(keep bool) error, error) {
	if path == "-" {
		return a.stdout, func(bool) error { return nil }, nil
	}
	flags := os.O_WRONLY | os.O_CREATE | os.O_EXCL
	if force {
		flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	}
	file, err := os.OpenFile(path, flags, 0600)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, nil, fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
		return nil, nil, err
	}
	return file, func(keep bool) error {
		closeErr := file.Close()
		if !keep {
			os.Remove(path)
			return closeErr
		}
		return closeErr
	}, nil
}
