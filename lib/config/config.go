// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment represents the deployment environment.
type Environment string

const (
	// Development is for local development machines.
	Development Environment = "development"
	// Staging is for pre-production testing.
	Staging Environment = "staging"
	// Production is for production deployments.
	Production Environment = "production"
)

// EnvironmentVariable names the variable Load reads the config path from.
const EnvironmentVariable = "MXSESSION_CONFIG"

// Config is the complete mxsession configuration.
type Config struct {
	// Environment identifies the deployment type (development, staging, production).
	Environment Environment `yaml:"environment"`

	// HomeserverURL is the base URL of the Matrix homeserver.
	HomeserverURL string `yaml:"homeserver_url"`

	// DeviceDisplayName labels the device created by a fresh login.
	// Default: mxsession
	DeviceDisplayName string `yaml:"device_display_name"`

	// RefreshTokens requests a refresh token at login.
	// Default: true
	RefreshTokens bool `yaml:"refresh_tokens"`

	// Credentials are used only when no session is persisted.
	Credentials CredentialsConfig `yaml:"credentials"`

	// Persistence locates the session file and the key store.
	Persistence PersistenceConfig `yaml:"persistence"`

	// Recovery configures server-side key backup.
	Recovery RecoveryConfig `yaml:"recovery"`

	// VerifySession confirms a resumed session with whoami.
	// Default: true
	VerifySession bool `yaml:"verify_session"`

	// RequestTimeout bounds each homeserver request, as a Go duration.
	// Default: 30s
	RequestTimeout string `yaml:"request_timeout"`

	// EnvironmentOverrides contains per-environment overrides.
	// These are applied after the base config is loaded.
	Development *ConfigOverrides `yaml:"development,omitempty"`
	Staging     *ConfigOverrides `yaml:"staging,omitempty"`
	Production  *ConfigOverrides `yaml:"production,omitempty"`
}

// ConfigOverrides contains fields that can be overridden per environment.
// Booleans are pointers so an override can set them to false.
type ConfigOverrides struct {
	HomeserverURL  string             `yaml:"homeserver_url,omitempty"`
	Persistence    *PersistenceConfig `yaml:"persistence,omitempty"`
	Recovery       *RecoveryOverrides `yaml:"recovery,omitempty"`
	VerifySession  *bool              `yaml:"verify_session,omitempty"`
	RequestTimeout string             `yaml:"request_timeout,omitempty"`
}

// RecoveryOverrides is the overridable part of RecoveryConfig.
type RecoveryOverrides struct {
	RecoveryKeyFile string `yaml:"recovery_key_file,omitempty"`
	ResetAllowed    *bool  `yaml:"reset_allowed,omitempty"`
	Required        *bool  `yaml:"required,omitempty"`
}

// CredentialsConfig configures password login.
type CredentialsConfig struct {
	// Username is the localpart or full user ID.
	Username string `yaml:"username"`

	// PasswordFile holds the password. "-" reads it from stdin.
	PasswordFile string `yaml:"password_file"`
}

// PersistenceConfig configures local state.
type PersistenceConfig struct {
	// SessionFile is where the session descriptor is persisted.
	// Default: ${MXSESSION_ROOT}/session.bin
	SessionFile string `yaml:"session_file"`

	// SessionEncryptionKeyFile holds 64 hex characters. When set, the
	// session file is encrypted; when empty it is stored in plaintext.
	SessionEncryptionKeyFile string `yaml:"session_encryption_key_file"`

	// StoreDirectory holds the room key database.
	// Default: ${MXSESSION_ROOT}/store
	StoreDirectory string `yaml:"store_directory"`
}

// RecoveryConfig configures key backup.
type RecoveryConfig struct {
	// RecoveryKeyFile holds the recovery key. Empty disables recovery.
	RecoveryKeyFile string `yaml:"recovery_key_file"`

	// ResetAllowed permits replacing a backup the recovery key cannot
	// open. Every key in the old backup is lost.
	ResetAllowed bool `yaml:"reset_allowed"`

	// Required makes recovery failures fatal.
	Required bool `yaml:"required"`
}

// Default returns the default configuration.
// These defaults are used as a base before loading the config file.
// HomeserverURL has no default: the config file must name one.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	defaultRoot := filepath.Join(homeDir, ".local", "state", "mxsession")

	return &Config{
		Environment:       Development,
		DeviceDisplayName: "mxsession",
		RefreshTokens:     true,
		Persistence: PersistenceConfig{
			SessionFile:    filepath.Join(defaultRoot, "session.bin"),
			StoreDirectory: filepath.Join(defaultRoot, "store"),
		},
		VerifySession:  true,
		RequestTimeout: "30s",
	}
}

// Load loads configuration from the MXSESSION_CONFIG environment variable.
//
// There are no fallbacks or defaults: if MXSESSION_CONFIG is not set,
// this fails.
func Load() (*Config, error) {
	configPath := os.Getenv(EnvironmentVariable)
	if configPath == "" {
		return nil, fmt.Errorf("%s environment variable not set; "+
			"set it to the path of your mxsession.yaml config file, or use --config flag", EnvironmentVariable)
	}

	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path.
//
// The config file is the single source of truth. Environment variables do not
// override config values. The only expansion performed is ${HOME} and
// similar path variables for portability.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	if err := cfg.loadFile(path); err != nil {
		return nil, err
	}

	// Apply environment-specific overrides (development/staging/production sections in the file).
	cfg.applyEnvironmentOverrides()

	// Expand ${HOME} and similar variables in paths for portability.
	cfg.expandVariables()

	return cfg, nil
}

// loadFile loads a single configuration file, merging into the current config.
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

// applyEnvironmentOverrides applies the environment-specific overrides.
func (c *Config) applyEnvironmentOverrides() {
	var overrides *ConfigOverrides

	switch c.Environment {
	case Development:
		overrides = c.Development
	case Staging:
		overrides = c.Staging
	case Production:
		overrides = c.Production
		// Production defaults: always verify, never reset a backup.
		if overrides == nil {
			verify, reset := true, false
			overrides = &ConfigOverrides{
				VerifySession: &verify,
				Recovery: &RecoveryOverrides{
					ResetAllowed: &reset,
				},
			}
		}
	}

	if overrides == nil {
		return
	}

	if overrides.HomeserverURL != "" {
		c.HomeserverURL = overrides.HomeserverURL
	}

	if overrides.Persistence != nil {
		if overrides.Persistence.SessionFile != "" {
			c.Persistence.SessionFile = overrides.Persistence.SessionFile
		}
		if overrides.Persistence.SessionEncryptionKeyFile != "" {
			c.Persistence.SessionEncryptionKeyFile = overrides.Persistence.SessionEncryptionKeyFile
		}
		if overrides.Persistence.StoreDirectory != "" {
			c.Persistence.StoreDirectory = overrides.Persistence.StoreDirectory
		}
	}

	if overrides.Recovery != nil {
		if overrides.Recovery.RecoveryKeyFile != "" {
			c.Recovery.RecoveryKeyFile = overrides.Recovery.RecoveryKeyFile
		}
		if overrides.Recovery.ResetAllowed != nil {
			c.Recovery.ResetAllowed = *overrides.Recovery.ResetAllowed
		}
		if overrides.Recovery.Required != nil {
			c.Recovery.Required = *overrides.Recovery.Required
		}
	}

	if overrides.VerifySession != nil {
		c.VerifySession = *overrides.VerifySession
	}
	if overrides.RequestTimeout != "" {
		c.RequestTimeout = overrides.RequestTimeout
	}
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in paths.
func (c *Config) expandVariables() {
	root := os.Getenv("MXSESSION_ROOT")
	if root == "" {
		homeDir, _ := os.UserHomeDir()
		root = filepath.Join(homeDir, ".local", "state", "mxsession")
	}
	vars := map[string]string{
		"HOME":           os.Getenv("HOME"),
		"MXSESSION_ROOT": root,
	}

	c.Credentials.PasswordFile = expandVars(c.Credentials.PasswordFile, vars)
	c.Persistence.SessionFile = expandVars(c.Persistence.SessionFile, vars)
	c.Persistence.SessionEncryptionKeyFile = expandVars(c.Persistence.SessionEncryptionKeyFile, vars)
	c.Persistence.StoreDirectory = expandVars(c.Persistence.StoreDirectory, vars)
	c.Recovery.RecoveryKeyFile = expandVars(c.Recovery.RecoveryKeyFile, vars)
}

// expandVars expands ${VAR} and ${VAR:-default} patterns.
var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		// Check provided vars first, then environment.
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Timeout parses RequestTimeout.
func (c *Config) Timeout() (time.Duration, error) {
	timeout, err := time.ParseDuration(c.RequestTimeout)
	if err != nil {
		return 0, fmt.Errorf("request_timeout: %w", err)
	}
	if timeout <= 0 {
		return 0, fmt.Errorf("request_timeout must be positive, got %s", c.RequestTimeout)
	}
	return timeout, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Staging && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}

	if c.HomeserverURL == "" {
		errs = append(errs, fmt.Errorf("homeserver_url is required"))
	} else if parsed, err := url.Parse(c.HomeserverURL); err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		errs = append(errs, fmt.Errorf("homeserver_url must be an http or https URL, got %q", c.HomeserverURL))
	}

	if (c.Credentials.Username == "") != (c.Credentials.PasswordFile == "") {
		errs = append(errs, fmt.Errorf("credentials.username and credentials.password_file must be set together"))
	}

	if c.Persistence.SessionFile == "" {
		errs = append(errs, fmt.Errorf("persistence.session_file is required"))
	}
	if c.Persistence.StoreDirectory == "" {
		errs = append(errs, fmt.Errorf("persistence.store_directory is required"))
	}

	if c.Recovery.RecoveryKeyFile == "" {
		if c.Recovery.Required {
			errs = append(errs, fmt.Errorf("recovery.required needs recovery.recovery_key_file"))
		}
		if c.Recovery.ResetAllowed {
			errs = append(errs, fmt.Errorf("recovery.reset_allowed needs recovery.recovery_key_file"))
		}
	}

	if _, err := c.Timeout(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// EnsurePaths creates the session file's directory and the store
// directory if they don't exist. Both hold secrets, so they are
// created owner-only.
func (c *Config) EnsurePaths() error {
	paths := []string{
		filepath.Dir(c.Persistence.SessionFile),
		c.Persistence.StoreDirectory,
	}

	for _, path := range paths {
		if path == "" || path == "." {
			continue
		}
		if err := os.MkdirAll(path, 0700); err != nil {
			return fmt.Errorf("creating %s: %w", path, err)
		}
	}

	return nil
}
