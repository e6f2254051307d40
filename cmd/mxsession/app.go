// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/bureau-foundation/mxsession/cmd/mxsession/cli"
	"github.com/bureau-foundation/mxsession/lib/blobcrypt"
	"github.com/bureau-foundation/mxsession/lib/bootstrap"
	"github.com/bureau-foundation/mxsession/lib/clock"
	"github.com/bureau-foundation/mxsession/lib/config"
	"github.com/bureau-foundation/mxsession/lib/secret"
	"github.com/bureau-foundation/mxsession/lib/session"
	"github.com/bureau-foundation/mxsession/messaging"
)

// app carries the process-level dependencies every command shares.
type app struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
	clock  clock.Clock
}

func newApp(stdin io.Reader, stdout, stderr io.Writer) *app {
	return &app{
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
		clock:  clock.Real(),
	}
}

// commonParams are the flags every session-touching command accepts.
type commonParams struct {
	ConfigPath string `flag:"config,c" desc:"path to mxsession.yaml (default: $MXSESSION_CONFIG)"`
	Verbose    bool   `flag:"verbose,v" desc:"log debug detail"`
}

// environment is the loaded configuration and the objects built from
// it. Close releases the secrets it holds.
type environment struct {
	config     *config.Config
	logger     *slog.Logger
	client     *messaging.Client
	sessionKey *secret.Buffer
	sessions   *session.Store
}

func (a *app) open(params commonParams, command string) (*environment, error) {
	level := slog.LevelInfo
	if params.Verbose {
		level = slog.LevelDebug
	}
	logger := cli.NewCommandLogger(a.stderr, level).With("command", command)

	var cfg *config.Config
	var err error
	if params.ConfigPath != "" {
		cfg, err = config.LoadFile(params.ConfigPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	timeout, err := cfg.Timeout()
	if err != nil {
		return nil, err
	}
	if err := cfg.EnsurePaths(); err != nil {
		return nil, err
	}

	client, err := messaging.NewClient(messaging.ClientConfig{
		HomeserverURL: cfg.HomeserverURL,
		HTTPClient:    &http.Client{Timeout: timeout},
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}

	env := &environment{
		config: cfg,
		logger: logger,
		client: client,
	}
	if path := cfg.Persistence.SessionEncryptionKeyFile; path != "" {
		env.sessionKey, err = blobcrypt.ReadKeyFile(path)
		if err != nil {
			return nil, fmt.Errorf("session encryption key: %w", err)
		}
	} else {
		logger.Warn("session_encryption_key_file is not set, the session file is stored unencrypted")
	}
	env.sessions = &session.Store{
		Storage: session.NewFileStorage(cfg.Persistence.SessionFile),
		Key:     env.sessionKey,
	}
	return env, nil
}

func (e *environment) Close() {
	if e.sessionKey != nil {
		e.sessionKey.Close()
	}
}

// sessionOptions selects what a bootstrap run may do beyond resuming.
type sessionOptions struct {
	// login permits a fresh password login when nothing is persisted.
	login bool

	// recoveryKey, when set, reconciles key backup during bootstrap.
	recoveryKey *secret.Buffer
}

// bootstrapConfig builds a bootstrap.Config. The returned cleanup
// closes the password buffer, if one was read.
func (e *environment) bootstrapConfig(ctx context.Context, a *app, options sessionOptions) (bootstrap.Config, func(), error) {
	cfg := e.config
	bootstrapConfig := bootstrap.Config{
		Client:            e.client,
		DeviceDisplayName: cfg.DeviceDisplayName,
		RefreshTokens:     cfg.RefreshTokens,
		Sessions:          e.sessions,
		StoreDirectory:    cfg.Persistence.StoreDirectory,
		RecoveryKey:       options.recoveryKey,
		ResetAllowed:      cfg.Recovery.ResetAllowed,
		RequireRecovery:   cfg.Recovery.Required,
		VerifySession:     cfg.VerifySession,
		Clock:             a.clock,
		Logger:            e.logger,
	}
	cleanup := func() {}

	persisted, err := e.sessions.Exists(ctx)
	if err != nil {
		return bootstrap.Config{}, nil, fmt.Errorf("checking for a persisted session: %w", err)
	}
	if persisted {
		return bootstrapConfig, cleanup, nil
	}
	if !options.login {
		return bootstrap.Config{}, nil, errNoSession
	}
	if cfg.Credentials.PasswordFile == "" {
		return bootstrap.Config{}, nil, errors.New("no session is persisted and credentials are not configured")
	}

	password, err := secret.ReadFromPath(cfg.Credentials.PasswordFile)
	if err != nil {
		return bootstrap.Config{}, nil, fmt.Errorf("reading password: %w", err)
	}
	bootstrapConfig.Credentials = bootstrap.Credentials{
		Username: cfg.Credentials.Username,
		Password: password,
	}
	return bootstrapConfig, func() { password.Close() }, nil
}

var errNoSession = errors.New("no session is persisted; run 'mxsession bootstrap' first")

// readRecoveryKey reads the recovery key from override, or from the
// configured file when override is empty. Returns nil when neither is
// set.
func (e *environment) readRecoveryKey(override string) (*secret.Buffer, error) {
	path := override
	if path == "" {
		path = e.config.Recovery.RecoveryKeyFile
	}
	if path == "" {
		return nil, nil
	}
	key, err := secret.ReadFromPath(path)
	if err != nil {
		return nil, fmt.Errorf("reading recovery key: %w", err)
	}
	return key, nil
}

// resume opens the persisted session without logging in and without
// reconciling key backup. Commands that act on an existing session
// use it.
func (e *environment) resume(ctx context.Context, a *app) (*bootstrap.LiveSession, error) {
	bootstrapConfig, cleanup, err := e.bootstrapConfig(ctx, a, sessionOptions{})
	if err != nil {
		return nil, err
	}
	defer cleanup()

	result, err := bootstrap.Bootstrap(ctx, bootstrapConfig)
	if err != nil {
		return nil, describeBootstrapError(err, e.config)
	}
	return result.Session, nil
}

// describeBootstrapError adds the operator's next step to errors
// that need manual action.
func describeBootstrapError(err error, cfg *config.Config) error {
	var bootstrapErr *bootstrap.Error
	if !errors.As(err, &bootstrapErr) {
		return err
	}
	switch bootstrapErr.Stage {
	case bootstrap.StageCorruptSession:
		return fmt.Errorf("%w\n\nThe session file %s could not be read. Restore the matching session encryption key, or remove the file to log in again.",
			err, cfg.Persistence.SessionFile)
	case bootstrap.StageSessionRejected:
		return fmt.Errorf("%w\n\nThe homeserver no longer accepts this session. Remove %s to log in again.",
			err, cfg.Persistence.SessionFile)
	default:
		return err
	}
}
