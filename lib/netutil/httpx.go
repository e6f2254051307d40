// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil provides HTTP I/O utilities for the Matrix client.
//
// ReadResponse and ErrorBody bound every response body read so a
// misbehaving homeserver cannot exhaust memory. A body over the bound
// is an error rather than a silently truncated document.
//
// IsNetworkError classifies failures that happened before a response
// arrived: refused or reset connections, DNS failures, timeouts. The
// messaging layer treats these as transient.
package netutil

import (
	"fmt"
	"io"
)

// MaxResponseSize is the bound on API response body reads: 64 MB.
// The largest legitimate response is a full key backup download, which
// for accounts with tens of thousands of room keys is a few megabytes.
const MaxResponseSize int64 = 64 << 20

// maxErrorBodySize bounds the body text carried into error messages.
const maxErrorBodySize int64 = 4 << 10

// ErrResponseTooLarge is returned by ReadResponse for a body longer
// than MaxResponseSize.
var ErrResponseTooLarge = fmt.Errorf("response body exceeds %d bytes", MaxResponseSize)

// ReadResponse reads an API response body of at most MaxResponseSize
// bytes. Use instead of io.ReadAll when reading HTTP response bodies.
func ReadResponse(body io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(body, MaxResponseSize+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > MaxResponseSize {
		return nil, ErrResponseTooLarge
	}
	return data, nil
}

// ErrorBody reads up to 4 KB of an HTTP error response body for
// diagnostic error messages. Read errors are ignored: a partial or
// empty body is still useful in an error message.
func ErrorBody(body io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(body, maxErrorBodySize))
	return string(data)
}
