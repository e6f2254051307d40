// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/mxsession/cmd/mxsession/cli"
	"github.com/bureau-foundation/mxsession/lib/blobcrypt"
	"github.com/bureau-foundation/mxsession/lib/secret"
)

type keygenParams struct {
	Output string `flag:"output,o" desc:"write the key to this file (created owner-only) instead of stdout"`
}

func (a *app) keygenCommand() *cli.Command {
	var params keygenParams

	return &cli.Command{
		Name:    "keygen",
		Summary: "Generate a session encryption key",
		Description: `Generate a random 32-byte session encryption key and print it as 64
hexadecimal characters, the format persistence.session_encryption_key_file
expects.`,
		Flags: func() *pflag.FlagSet {
			return cli.FlagsFromParams("keygen", &params)
		},
		Examples: []cli.Example{
			{
				Description: "Create a key file for the config",
				Command:     "mxsession keygen --output /run/secrets/session-key",
			},
		},
		Run: func(ctx context.Context, args []string) error {
			key, err := blobcrypt.GenerateKey()
			if err != nil {
				return err
			}
			defer key.Close()

			encoded := blobcrypt.FormatKeyHex(key)
			defer secret.Zero(encoded)
			line := append(encoded, '\n')
			defer secret.Zero(line)

			if params.Output == "" {
				_, err := a.stdout.Write(line)
				return err
			}
			file, err := os.OpenFile(params.Output, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
			if err != nil {
				if errors.Is(err, os.ErrExist) {
					return fmt.Errorf("%s already exists; refusing to overwrite a key", params.Output)
				}
				return err
			}
			if _, err := file.Write(line); err != nil {
				file.Close()
				return err
			}
			return file.Close()
		},
	}
}
