// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/bureau-foundation/mxsession/lib/ref"
	"github.com/bureau-foundation/mxsession/lib/secret"
	"github.com/bureau-foundation/mxsession/messaging/messagingtest"
)

// testBuffer creates a secret.Buffer from a string for testing. The buffer
// is automatically closed when the test completes.
func testBuffer(t *testing.T, value string) *secret.Buffer {
	t.Helper()
	buffer, err := secret.NewFromString(value)
	if err != nil {
		t.Fatalf("creating test buffer: %v", err)
	}
	t.Cleanup(func() { buffer.Close() })
	return buffer
}

func newTestClient(t *testing.T, homeserverURL string) *Client {
	t.Helper()
	client, err := NewClient(ClientConfig{HomeserverURL: homeserverURL})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	return client
}

func loginTestUser(t *testing.T, homeserver *messagingtest.Homeserver, refresh bool) *DirectSession {
	t.Helper()
	homeserver.AddUser("bot", "hunter2")
	session, err := newTestClient(t, homeserver.URL()).Login(context.Background(), LoginRequest{
		Username:     "bot",
		Password:     testBuffer(t, "hunter2"),
		RefreshToken: refresh,
	})
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	t.Cleanup(func() { session.Close() })
	return session
}

func writeJSON(writer http.ResponseWriter, value any) {
	writer.Header().Set("Content-Type", "application/json")
	json.NewEncoder(writer).Encode(value)
}

func TestNewClient(t *testing.T) {
	t.Run("valid URL", func(t *testing.T) {
		client, err := NewClient(ClientConfig{HomeserverURL: "http://localhost:6167/"})
		if err != nil {
			t.Fatalf("NewClient failed: %v", err)
		}
		if client.HomeserverURL() != "http://localhost:6167" {
			t.Errorf("HomeserverURL = %q, want trailing slash stripped", client.HomeserverURL())
		}
	})

	for name, homeserverURL := range map[string]string{
		"empty URL":     "",
		"invalid URL":   "://invalid",
		"wrong scheme":  "ftp://matrix.example.org",
		"missing host":  "https://",
		"relative path": "matrix.example.org",
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := NewClient(ClientConfig{HomeserverURL: homeserverURL}); err == nil {
				t.Fatalf("expected error for %q", homeserverURL)
			}
		})
	}
}

func TestLogin(t *testing.T) {
	t.Run("successful login", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			if request.URL.Path != "/_matrix/client/v3/login" {
				t.Errorf("unexpected path: %s", request.URL.Path)
				writer.WriteHeader(http.StatusNotFound)
				return
			}

			var body map[string]any
			if err := json.NewDecoder(request.Body).Decode(&body); err != nil {
				t.Errorf("failed to decode request body: %v", err)
			}
			if body["type"] != "m.login.password" {
				t.Errorf("unexpected login type: %v", body["type"])
			}
			identifier, _ := body["identifier"].(map[string]any)
			if identifier["type"] != "m.id.user" || identifier["user"] != "bob" {
				t.Errorf("unexpected identifier: %v", body["identifier"])
			}
			if body["password"] != "secret" {
				t.Errorf("unexpected password")
			}
			if body["initial_device_display_name"] != "test bot" {
				t.Errorf("unexpected display name: %v", body["initial_device_display_name"])
			}
			if body["refresh_token"] != true {
				t.Errorf("refresh_token not requested: %v", body["refresh_token"])
			}

			writeJSON(writer, map[string]any{
				"user_id":       "@bob:test.local",
				"access_token":  "syt_bob_token",
				"device_id":     "DEVICE2",
				"refresh_token": "syr_bob_refresh",
				"expires_in_ms": 300000,
			})
		}))
		defer server.Close()

		session, err := newTestClient(t, server.URL).Login(context.Background(), LoginRequest{
			Username:                 "bob",
			Password:                 testBuffer(t, "secret"),
			InitialDeviceDisplayName: "test bot",
			RefreshToken:             true,
		})
		if err != nil {
			t.Fatalf("Login failed: %v", err)
		}
		defer session.Close()

		if session.UserID().String() != "@bob:test.local" {
			t.Errorf("unexpected user ID: %s", session.UserID())
		}
		if session.DeviceID().String() != "DEVICE2" {
			t.Errorf("unexpected device ID: %s", session.DeviceID())
		}
		if session.AccessToken() != "syt_bob_token" {
			t.Errorf("unexpected access token")
		}
		if session.RefreshToken() != "syr_bob_refresh" {
			t.Errorf("unexpected refresh token")
		}
		if session.ExpiresIn() != 5*time.Minute {
			t.Errorf("ExpiresIn = %v, want 5m", session.ExpiresIn())
		}
	})

	t.Run("invalid credentials", func(t *testing.T) {
		homeserver := messagingtest.New(t, messagingtest.Config{})
		homeserver.AddUser("bob", "right")

		_, err := newTestClient(t, homeserver.URL()).Login(context.Background(), LoginRequest{
			Username: "bob",
			Password: testBuffer(t, "wrong"),
		})
		if err == nil {
			t.Fatal("expected error for invalid credentials")
		}
		if !IsMatrixError(err, ErrCodeForbidden) {
			t.Errorf("expected M_FORBIDDEN error, got: %v", err)
		}
		if IsTransient(err) {
			t.Error("bad credentials should not be transient")
		}
		if strings.Contains(err.Error(), "wrong") {
			t.Error("error message contains the password")
		}
	})

	t.Run("incomplete response", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, _ *http.Request) {
			writeJSON(writer, map[string]any{"user_id": "@bob:test.local", "access_token": "tok"})
		}))
		defer server.Close()

		_, err := newTestClient(t, server.URL).Login(context.Background(), LoginRequest{
			Username: "bob",
			Password: testBuffer(t, "secret"),
		})
		if err == nil {
			t.Fatal("expected error for a response without device_id")
		}
	})

	t.Run("validation errors", func(t *testing.T) {
		client := newTestClient(t, "http://localhost:1")

		if _, err := client.Login(context.Background(), LoginRequest{Password: testBuffer(t, "password")}); err == nil {
			t.Fatal("expected error for empty username")
		}
		if _, err := client.Login(context.Background(), LoginRequest{Username: "alice"}); err == nil {
			t.Fatal("expected error for nil password")
		}
	})

	t.Run("no refresh token without expiry", func(t *testing.T) {
		homeserver := messagingtest.New(t, messagingtest.Config{})
		session := loginTestUser(t, homeserver, true)
		if session.RefreshToken() != "" || session.ExpiresIn() != 0 {
			t.Errorf("server without token expiry issued refresh=%v expires=%v",
				session.RefreshToken() != "", session.ExpiresIn())
		}
	})
}

func TestRefresh(t *testing.T) {
	homeserver := messagingtest.New(t, messagingtest.Config{AccessTokenLifetime: time.Minute})
	session := loginTestUser(t, homeserver, true)
	client := newTestClient(t, homeserver.URL())

	refreshed, err := client.Refresh(context.Background(), testBuffer(t, session.RefreshToken()))
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if refreshed.AccessToken == "" || refreshed.AccessToken == session.AccessToken() {
		t.Error("Refresh did not issue a new access token")
	}
	if refreshed.RefreshToken == "" {
		t.Error("Refresh did not rotate the refresh token")
	}
	if refreshed.ExpiresInMS != time.Minute.Milliseconds() {
		t.Errorf("ExpiresInMS = %d", refreshed.ExpiresInMS)
	}

	// The old access token no longer works.
	if _, err := session.WhoAmI(context.Background()); !IsMatrixError(err, ErrCodeUnknownToken) {
		t.Errorf("old access token: err = %v, want M_UNKNOWN_TOKEN", err)
	}

	// Neither does the old refresh token.
	_, err = client.Refresh(context.Background(), testBuffer(t, session.RefreshToken()))
	if !IsMatrixError(err, ErrCodeUnknownToken) {
		t.Errorf("reused refresh token: err = %v, want M_UNKNOWN_TOKEN", err)
	}

	if _, err := client.Refresh(context.Background(), nil); err == nil {
		t.Error("Refresh with nil token should fail")
	}
}

func TestSessionFromToken(t *testing.T) {
	homeserver := messagingtest.New(t, messagingtest.Config{})
	original := loginTestUser(t, homeserver, false)

	client := newTestClient(t, homeserver.URL())
	restored, err := client.SessionFromToken(original.UserID(), original.DeviceID(), original.AccessToken())
	if err != nil {
		t.Fatalf("SessionFromToken failed: %v", err)
	}
	defer restored.Close()

	whoami, err := restored.WhoAmI(context.Background())
	if err != nil {
		t.Fatalf("WhoAmI failed: %v", err)
	}
	if whoami.UserID != original.UserID() || whoami.DeviceID != original.DeviceID() {
		t.Errorf("WhoAmI = %s/%s, want %s/%s", whoami.UserID, whoami.DeviceID, original.UserID(), original.DeviceID())
	}
	if restored.RefreshToken() != "" {
		t.Error("restored session should carry no refresh token")
	}

	if _, err := client.SessionFromToken(original.UserID(), original.DeviceID(), ""); err == nil {
		t.Error("SessionFromToken with empty token should fail")
	}
}

func TestLogout(t *testing.T) {
	homeserver := messagingtest.New(t, messagingtest.Config{})
	session := loginTestUser(t, homeserver, false)

	if homeserver.DeviceCount() != 1 {
		t.Fatalf("DeviceCount = %d, want 1", homeserver.DeviceCount())
	}
	if err := session.Logout(context.Background()); err != nil {
		t.Fatalf("Logout failed: %v", err)
	}
	if homeserver.DeviceCount() != 0 {
		t.Errorf("DeviceCount after logout = %d, want 0", homeserver.DeviceCount())
	}
	if _, err := session.WhoAmI(context.Background()); !IsMatrixError(err, ErrCodeUnknownToken) {
		t.Errorf("WhoAmI after logout: err = %v, want M_UNKNOWN_TOKEN", err)
	}
	if err := session.Close(); err != nil {
		t.Errorf("Close after logout: %v", err)
	}
	if err := session.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestWhoAmISoftLogout(t *testing.T) {
	homeserver := messagingtest.New(t, messagingtest.Config{AccessTokenLifetime: time.Minute})
	session := loginTestUser(t, homeserver, true)
	homeserver.ExpireAccessTokens()

	_, err := session.WhoAmI(context.Background())
	var matrixErr *MatrixError
	if !errors.As(err, &matrixErr) {
		t.Fatalf("err = %v, want *MatrixError", err)
	}
	if matrixErr.Code != ErrCodeUnknownToken || !matrixErr.SoftLogout {
		t.Errorf("err = %+v, want soft-logout M_UNKNOWN_TOKEN", matrixErr)
	}
}

func TestMatrixError(t *testing.T) {
	t.Run("error message format", func(t *testing.T) {
		err := &MatrixError{
			Code:       ErrCodeForbidden,
			Message:    "Access denied",
			StatusCode: 403,
		}
		expected := "matrix: M_FORBIDDEN (403): Access denied"
		if err.Error() != expected {
			t.Errorf("unexpected error message: %s", err.Error())
		}
	})

	t.Run("IsMatrixError", func(t *testing.T) {
		err := fmt.Errorf("wrapped: %w", &MatrixError{Code: ErrCodeNotFound, Message: "not found", StatusCode: 404})
		if !IsMatrixError(err, ErrCodeNotFound) {
			t.Error("IsMatrixError should match M_NOT_FOUND")
		}
		if IsMatrixError(err, ErrCodeForbidden) {
			t.Error("IsMatrixError should not match M_FORBIDDEN")
		}
		if StatusCode(err) != 404 {
			t.Errorf("StatusCode = %d, want 404", StatusCode(err))
		}
	})

	t.Run("non-matrix error returns false", func(t *testing.T) {
		err := context.Canceled
		if IsMatrixError(err, ErrCodeNotFound) {
			t.Error("IsMatrixError should return false for non-matrix errors")
		}
		if StatusCode(err) != 0 {
			t.Error("StatusCode should be 0 for non-matrix errors")
		}
	})

	t.Run("non-JSON error body", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, _ *http.Request) {
			writer.WriteHeader(http.StatusBadGateway)
			io.WriteString(writer, "<html>bad gateway</html>")
		}))
		defer server.Close()

		_, err := newTestClient(t, server.URL).ServerVersions(context.Background())
		var matrixErr *MatrixError
		if !errors.As(err, &matrixErr) {
			t.Fatalf("err = %v, want *MatrixError", err)
		}
		if matrixErr.StatusCode != http.StatusBadGateway || matrixErr.Code != "" {
			t.Errorf("err = %+v", matrixErr)
		}
		if !strings.Contains(matrixErr.Error(), "bad gateway") {
			t.Errorf("message %q does not carry the body", matrixErr.Error())
		}
		if !IsTransient(err) {
			t.Error("502 should be transient")
		}
	})
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"rate limited", &MatrixError{Code: ErrCodeLimitExceeded, StatusCode: 429}, true},
		{"server error", &MatrixError{Code: ErrCodeUnknown, StatusCode: 500}, true},
		{"service unavailable", fmt.Errorf("wrapped: %w", &MatrixError{StatusCode: 503}), true},
		{"unknown token", &MatrixError{Code: ErrCodeUnknownToken, StatusCode: 401}, false},
		{"forbidden", &MatrixError{Code: ErrCodeForbidden, StatusCode: 403}, false},
		{"not found", &MatrixError{Code: ErrCodeNotFound, StatusCode: 404}, false},
		{"connection refused", fmt.Errorf("dial: %w", syscall.ECONNREFUSED), true},
		{"deadline", context.DeadlineExceeded, true},
		{"cancelled", context.Canceled, false},
		{"parse error", errors.New("messaging: failed to parse response"), false},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := IsTransient(test.err); got != test.want {
				t.Errorf("IsTransient(%v) = %v, want %v", test.err, got, test.want)
			}
		})
	}
}

func TestUnreachableHomeserverIsTransient(t *testing.T) {
	homeserver := messagingtest.New(t, messagingtest.Config{})
	url := homeserver.URL()
	homeserver.Close()

	_, err := newTestClient(t, url).Login(context.Background(), LoginRequest{
		Username: "bot",
		Password: testBuffer(t, "hunter2"),
	})
	if err == nil {
		t.Fatal("expected error from a closed server")
	}
	if !IsTransient(err) {
		t.Errorf("IsTransient(%v) = false, want true", err)
	}
}

func TestInjectedFailure(t *testing.T) {
	homeserver := messagingtest.New(t, messagingtest.Config{})
	session := loginTestUser(t, homeserver, false)

	homeserver.FailNext(messagingtest.PathWhoAmI, http.StatusServiceUnavailable, ErrCodeUnknown)
	_, err := session.WhoAmI(context.Background())
	if !IsTransient(err) {
		t.Fatalf("injected 503: err = %v, want transient", err)
	}
	whoami, err := session.WhoAmI(context.Background())
	if err != nil {
		t.Fatalf("WhoAmI after injected failure: %v", err)
	}
	want, _ := ref.ParseUserID("@bot:test.local")
	if whoami.UserID != want {
		t.Errorf("UserID = %s, want %s", whoami.UserID, want)
	}
	if calls := homeserver.Calls(messagingtest.PathWhoAmI); calls != 2 {
		t.Errorf("whoami calls = %d, want 2", calls)
	}
}
