// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides YAML configuration loading for mxsession.
//
// Configuration is loaded from a single file specified by either the
// MXSESSION_CONFIG environment variable (via [Load]) or a --config flag
// (via [LoadFile]). There are no fallbacks, no ~/.config discovery,
// and no automatic file search.
//
// The configuration file supports environment-specific sections
// (development, staging, production) that override base values when
// [Config].Environment matches. Production defaults are stricter:
// resumed sessions are always verified against the homeserver and a
// backup the recovery key cannot open is never replaced.
//
// Secrets never appear in the file itself. The password, the session
// encryption key, and the recovery key are referenced by path and read
// by the caller into secret buffers.
//
// Variable expansion is performed on path fields after loading:
// ${HOME}, ${MXSESSION_ROOT}, and ${VAR:-default} patterns are expanded.
// No other environment variables override config values.
//
// This package depends on no other mxsession packages.
package config
