// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	configPath := filepath.Join(t.TempDir(), "mxsession.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return configPath
}

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Environment != Development {
		t.Errorf("expected environment=development, got %s", cfg.Environment)
	}

	if cfg.DeviceDisplayName != "mxsession" {
		t.Errorf("expected device_display_name=mxsession, got %s", cfg.DeviceDisplayName)
	}

	if !cfg.VerifySession {
		t.Error("expected verify_session=true")
	}

	if !cfg.RefreshTokens {
		t.Error("expected refresh_tokens=true")
	}

	if filepath.Base(cfg.Persistence.SessionFile) != "session.bin" {
		t.Errorf("expected session file named session.bin, got %s", cfg.Persistence.SessionFile)
	}

	if cfg.HomeserverURL != "" {
		t.Errorf("expected no default homeserver, got %s", cfg.HomeserverURL)
	}
}

func TestLoad_RequiresConfigVariable(t *testing.T) {
	t.Setenv(EnvironmentVariable, "")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error when MXSESSION_CONFIG not set, got nil")
	}

	expectedMsg := "MXSESSION_CONFIG environment variable not set"
	if !strings.HasPrefix(err.Error(), expectedMsg) {
		t.Errorf("expected error message to start with %q, got %q", expectedMsg, err.Error())
	}
}

func TestLoad_WithConfigVariable(t *testing.T) {
	configPath := writeConfig(t, `
environment: staging
homeserver_url: https://matrix.example.org
persistence:
  session_file: /test/session.bin
`)
	t.Setenv(EnvironmentVariable, configPath)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Environment != Staging {
		t.Errorf("expected environment=staging, got %s", cfg.Environment)
	}

	if cfg.Persistence.SessionFile != "/test/session.bin" {
		t.Errorf("expected session_file=/test/session.bin, got %s", cfg.Persistence.SessionFile)
	}
}

func TestLoadFile(t *testing.T) {
	configPath := writeConfig(t, `
environment: staging
homeserver_url: https://matrix.example.org
device_display_name: my-bot
refresh_tokens: false

credentials:
  username: my-bot
  password_file: /run/secrets/matrix-password

persistence:
  session_file: /var/lib/my-bot/session.bin
  session_encryption_key_file: /run/secrets/session-key
  store_directory: /var/lib/my-bot/store

recovery:
  recovery_key_file: /run/secrets/recovery-key
  reset_allowed: true
  required: true

verify_session: false
request_timeout: 45s
`)

	cfg, err := LoadFile(configPath)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}

	if cfg.HomeserverURL != "https://matrix.example.org" {
		t.Errorf("expected homeserver_url=https://matrix.example.org, got %s", cfg.HomeserverURL)
	}
	if cfg.DeviceDisplayName != "my-bot" {
		t.Errorf("expected device_display_name=my-bot, got %s", cfg.DeviceDisplayName)
	}
	if cfg.RefreshTokens {
		t.Error("expected refresh_tokens=false")
	}
	if cfg.Credentials.Username != "my-bot" || cfg.Credentials.PasswordFile != "/run/secrets/matrix-password" {
		t.Errorf("unexpected credentials: %+v", cfg.Credentials)
	}
	if cfg.Persistence.SessionEncryptionKeyFile != "/run/secrets/session-key" {
		t.Errorf("expected session_encryption_key_file=/run/secrets/session-key, got %s", cfg.Persistence.SessionEncryptionKeyFile)
	}
	if cfg.Persistence.StoreDirectory != "/var/lib/my-bot/store" {
		t.Errorf("expected store_directory=/var/lib/my-bot/store, got %s", cfg.Persistence.StoreDirectory)
	}
	if cfg.Recovery.RecoveryKeyFile != "/run/secrets/recovery-key" || !cfg.Recovery.ResetAllowed || !cfg.Recovery.Required {
		t.Errorf("unexpected recovery config: %+v", cfg.Recovery)
	}
	if cfg.VerifySession {
		t.Error("expected verify_session=false")
	}

	timeout, err := cfg.Timeout()
	if err != nil {
		t.Fatalf("Timeout: %v", err)
	}
	if timeout != 45*time.Second {
		t.Errorf("expected timeout=45s, got %s", timeout)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestLoadFile_Missing(t *testing.T) {
	if _, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for a missing file")
	}
}

func TestLoadFile_InvalidYAML(t *testing.T) {
	configPath := writeConfig(t, "homeserver_url: [unterminated\n")
	if _, err := LoadFile(configPath); err == nil {
		t.Fatal("expected error for invalid YAML")
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	configPath := writeConfig(t, `
environment: production
homeserver_url: https://matrix.example.org
verify_session: false

persistence:
  store_directory: /default/store

recovery:
  recovery_key_file: /run/secrets/recovery-key
  reset_allowed: true

production:
  homeserver_url: https://matrix.prod.example.org
  persistence:
    store_directory: /prod/store
  recovery:
    reset_allowed: false
    required: true
  verify_session: true
`)

	cfg, err := LoadFile(configPath)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}

	if cfg.HomeserverURL != "https://matrix.prod.example.org" {
		t.Errorf("expected production homeserver, got %s", cfg.HomeserverURL)
	}
	if cfg.Persistence.StoreDirectory != "/prod/store" {
		t.Errorf("expected store_directory=/prod/store, got %s", cfg.Persistence.StoreDirectory)
	}
	if cfg.Recovery.ResetAllowed {
		t.Error("expected reset_allowed=false from production override")
	}
	if !cfg.Recovery.Required {
		t.Error("expected required=true from production override")
	}
	if cfg.Recovery.RecoveryKeyFile != "/run/secrets/recovery-key" {
		t.Errorf("base recovery_key_file lost: %s", cfg.Recovery.RecoveryKeyFile)
	}
	if !cfg.VerifySession {
		t.Error("expected verify_session=true from production override")
	}
}

func TestProductionDefaults(t *testing.T) {
	configPath := writeConfig(t, `
environment: production
homeserver_url: https://matrix.example.org
verify_session: false
recovery:
  recovery_key_file: /run/secrets/recovery-key
  reset_allowed: true
`)

	cfg, err := LoadFile(configPath)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if !cfg.VerifySession {
		t.Error("production without overrides should verify sessions")
	}
	if cfg.Recovery.ResetAllowed {
		t.Error("production without overrides should not allow backup reset")
	}
}

func TestOtherEnvironmentOverridesIgnored(t *testing.T) {
	configPath := writeConfig(t, `
environment: development
homeserver_url: https://matrix.example.org
staging:
  homeserver_url: https://matrix.staging.example.org
`)

	cfg, err := LoadFile(configPath)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if cfg.HomeserverURL != "https://matrix.example.org" {
		t.Errorf("staging override applied in development: %s", cfg.HomeserverURL)
	}
}

func TestEnvVarsDoNotOverride(t *testing.T) {
	// Only ${...} references in path fields consult the environment.
	t.Setenv("MXSESSION_HOMESERVER_URL", "https://env.example.org")
	t.Setenv("MXSESSION_SESSION_FILE", "/env/session.bin")

	configPath := writeConfig(t, `
environment: development
homeserver_url: https://file.example.org
persistence:
  session_file: /file/session.bin
`)

	cfg, err := LoadFile(configPath)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}

	if cfg.HomeserverURL != "https://file.example.org" {
		t.Errorf("expected homeserver_url from file, got %s (env vars should not override)", cfg.HomeserverURL)
	}
	if cfg.Persistence.SessionFile != "/file/session.bin" {
		t.Errorf("expected session_file from file, got %s (env vars should not override)", cfg.Persistence.SessionFile)
	}
}

func TestPathExpansion(t *testing.T) {
	t.Setenv("HOME", "/home/bot")
	t.Setenv("MXSESSION_ROOT", "/srv/mxsession")

	configPath := writeConfig(t, `
homeserver_url: https://matrix.example.org
credentials:
  username: bot
  password_file: ${HOME}/password
persistence:
  session_file: ${MXSESSION_ROOT}/session.bin
  store_directory: ${STATE_DIR:-/var/lib/bot}/store
`)

	cfg, err := LoadFile(configPath)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if cfg.Credentials.PasswordFile != "/home/bot/password" {
		t.Errorf("password_file = %s", cfg.Credentials.PasswordFile)
	}
	if cfg.Persistence.SessionFile != "/srv/mxsession/session.bin" {
		t.Errorf("session_file = %s", cfg.Persistence.SessionFile)
	}
	if cfg.Persistence.StoreDirectory != "/var/lib/bot/store" {
		t.Errorf("store_directory = %s", cfg.Persistence.StoreDirectory)
	}
}

func TestExpandVars(t *testing.T) {
	tests := []struct {
		input    string
		vars     map[string]string
		expected string
	}{
		{
			input:    "${HOME}/mxsession",
			vars:     map[string]string{"HOME": "/home/user"},
			expected: "/home/user/mxsession",
		},
		{
			input:    "${MXSESSION_TEST_MISSING:-default}",
			vars:     map[string]string{},
			expected: "default",
		},
		{
			input:    "${PRESENT:-default}",
			vars:     map[string]string{"PRESENT": "value"},
			expected: "value",
		},
		{
			input:    "${A}/${B}",
			vars:     map[string]string{"A": "first", "B": "second"},
			expected: "first/second",
		},
		{
			input:    "no variables here",
			vars:     map[string]string{},
			expected: "no variables here",
		},
	}

	for _, tt := range tests {
		result := expandVars(tt.input, tt.vars)
		if result != tt.expected {
			t.Errorf("expandVars(%q) = %q, want %q", tt.input, result, tt.expected)
		}
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name: "invalid environment",
			modify: func(c *Config) {
				c.Environment = "invalid"
			},
			wantErr: true,
		},
		{
			name: "missing homeserver",
			modify: func(c *Config) {
				c.HomeserverURL = ""
			},
			wantErr: true,
		},
		{
			name: "homeserver without scheme",
			modify: func(c *Config) {
				c.HomeserverURL = "matrix.example.org"
			},
			wantErr: true,
		},
		{
			name: "username without password file",
			modify: func(c *Config) {
				c.Credentials.Username = "bot"
			},
			wantErr: true,
		},
		{
			name: "username and password file",
			modify: func(c *Config) {
				c.Credentials.Username = "bot"
				c.Credentials.PasswordFile = "/run/secrets/password"
			},
			wantErr: false,
		},
		{
			name: "empty session file",
			modify: func(c *Config) {
				c.Persistence.SessionFile = ""
			},
			wantErr: true,
		},
		{
			name: "empty store directory",
			modify: func(c *Config) {
				c.Persistence.StoreDirectory = ""
			},
			wantErr: true,
		},
		{
			name: "recovery required without key",
			modify: func(c *Config) {
				c.Recovery.Required = true
			},
			wantErr: true,
		},
		{
			name: "reset allowed without key",
			modify: func(c *Config) {
				c.Recovery.ResetAllowed = true
			},
			wantErr: true,
		},
		{
			name: "invalid timeout",
			modify: func(c *Config) {
				c.RequestTimeout = "soon"
			},
			wantErr: true,
		},
		{
			name: "negative timeout",
			modify: func(c *Config) {
				c.RequestTimeout = "-1s"
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.HomeserverURL = "https://matrix.example.org"
			tt.modify(cfg)

			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestEnsurePaths(t *testing.T) {
	tmpDir := t.TempDir()

	cfg := Default()
	cfg.Persistence.SessionFile = filepath.Join(tmpDir, "state", "session.bin")
	cfg.Persistence.StoreDirectory = filepath.Join(tmpDir, "state", "store")

	if err := cfg.EnsurePaths(); err != nil {
		t.Fatalf("EnsurePaths failed: %v", err)
	}

	for _, path := range []string{filepath.Dir(cfg.Persistence.SessionFile), cfg.Persistence.StoreDirectory} {
		info, err := os.Stat(path)
		if err != nil {
			t.Errorf("path %s not created: %v", path, err)
			continue
		}
		if !info.IsDir() {
			t.Errorf("path %s is not a directory", path)
		}
		if info.Mode().Perm() != 0700 {
			t.Errorf("path %s has mode %o, want 0700", path, info.Mode().Perm())
		}
	}
	if _, err := os.Stat(cfg.Persistence.SessionFile); !os.IsNotExist(err) {
		t.Errorf("EnsurePaths created the session file itself")
	}
}
