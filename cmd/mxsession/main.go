// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// mxsession operates a Matrix client session from the command line:
// it logs in or resumes the persisted session, reconciles server-side
// key backup, and exports, imports, or removes local state.
//
// Configuration comes from the YAML file named by --config or the
// MXSESSION_CONFIG environment variable. See lib/config.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newApp(os.Stdin, os.Stdout, os.Stderr).root().Execute(ctx, os.Args[1:])
	stop()
	if err != nil {
		// Commands that print their own output return an ExitError
		// with the desired exit code and no extra message.
		if coder, ok := err.(interface{ ExitCode() int }); ok {
			os.Exit(coder.ExitCode())
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
