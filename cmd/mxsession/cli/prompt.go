// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/term"

	"github.com/bureau-foundation/mxsession/lib/secret"
)

// ReadPassphrase reads a passphrase. With a path it is read from that
// file ("-" for stdin). Without one the user is prompted on the
// terminal with echo disabled; confirm asks for it twice.
func ReadPassphrase(path, prompt string, confirm bool, promptOutput io.Writer) (*secret.Buffer, error) {
	if path != "" {
		passphrase, err := secret.ReadFromPath(path)
		if err != nil {
			return nil, fmt.Errorf("reading passphrase: %w", err)
		}
		return passphrase, nil
	}

	stdinFileDescriptor := int(os.Stdin.Fd())
	if !term.IsTerminal(stdinFileDescriptor) {
		return nil, errors.New("no terminal available for interactive passphrase prompt (use --passphrase-file)")
	}

	passphrase, err := promptSecret(stdinFileDescriptor, prompt, promptOutput)
	if err != nil {
		return nil, err
	}
	if !confirm {
		return passphrase, nil
	}

	again, err := promptSecret(stdinFileDescriptor, "Confirm "+prompt, promptOutput)
	if err != nil {
		passphrase.Close()
		return nil, err
	}
	defer again.Close()
	if !passphrase.Equal(again) {
		passphrase.Close()
		return nil, errors.New("passphrases do not match")
	}
	return passphrase, nil
}

func promptSecret(fileDescriptor int, prompt string, promptOutput io.Writer) (*secret.Buffer, error) {
	fmt.Fprint(promptOutput, prompt+": ")
	value, err := term.ReadPassword(fileDescriptor)
	fmt.Fprintln(promptOutput)
	if err != nil {
		return nil, fmt.Errorf("reading passphrase: %w", err)
	}
	if len(value) == 0 {
		return nil, errors.New("passphrase is empty")
	}
	buffer, err := secret.NewFromBytes(value)
	if err != nil {
		secret.Zero(value)
		return nil, err
	}
	return buffer, nil
}
