// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package messagingtest provides an in-process Matrix homeserver for
// tests. It implements the subset of the client-server API the messaging
// package uses: password login, token refresh, whoami, logout, and the
// room key backup endpoints.
//
// State is held in memory and is safe to inspect and modify from the
// test goroutine while requests are in flight. Failures can be injected
// per endpoint with [Homeserver.FailNext], and every request is counted
// by path for assertions with [Homeserver.Calls].
//
// The package deliberately does not import messaging: it speaks the
// wire protocol, so client tests exercise real JSON encoding.
package messagingtest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Endpoint paths, exported for FailNext and Calls.
const (
	PathLogin         = "/_matrix/client/v3/login"
	PathRefresh       = "/_matrix/client/v3/refresh"
	PathWhoAmI        = "/_matrix/client/v3/account/whoami"
	PathLogout        = "/_matrix/client/v3/logout"
	PathVersions      = "/_matrix/client/versions"
	PathBackupVersion = "/_matrix/client/v3/room_keys/version"
	PathRoomKeys      = "/_matrix/client/v3/room_keys/keys"
)

// Config controls Homeserver behaviour.
type Config struct {
	// ServerName is the server part of user IDs. Default "test.local".
	ServerName string

	// StrictBackupCreate rejects creating a backup version while one
	// already exists with HTTP 409, instead of replacing it the way
	// real homeservers do.
	StrictBackupCreate bool

	// AccessTokenLifetime is reported as expires_in_ms to clients that
	// request a refresh token. Zero issues non-expiring tokens and no
	// refresh token.
	AccessTokenLifetime time.Duration
}

// TB is the subset of testing.TB the Homeserver needs.
type TB interface {
	Helper()
	Cleanup(func())
}

// Homeserver is a fake Matrix homeserver backed by httptest.Server.
type Homeserver struct {
	config Config
	server *httptest.Server

	mu sync.Mutex

	// passwords maps localpart to password.
	passwords map[string]string

	// devices maps device ID to its state; tokens and refreshTokens
	// index into it.
	devices       map[string]*device
	tokens        map[string]*device
	refreshTokens map[string]*device

	// expired holds access tokens that were invalidated by refresh or
	// ExpireAccessTokens; they are reported with soft_logout.
	expired map[string]bool

	nextID int

	backup        *backup
	backupCounter int

	failures map[string][]failure
	calls    map[string]int

	onBackupCreated func(version string)
}

type device struct {
	userID       string
	deviceID     string
	accessToken  string
	refreshToken string
}

type backup struct {
	version   string
	algorithm string
	authData  json.RawMessage
	etag      int
	rooms     map[string]map[string]KeyBackupData
}

type failure struct {
	method string
	status int
	code   string
}

// KeyBackupData mirrors the wire form of one backed-up session.
type KeyBackupData struct {
	FirstMessageIndex uint32          `json:"first_message_index"`
	ForwardedCount    uint32          `json:"forwarded_count"`
	IsVerified        bool            `json:"is_verified"`
	SessionData       json.RawMessage `json:"session_data"`
}

// better reports whether k should replace existing in a backup: a
// verified copy wins, then the lower first message index, then fewer
// forwarding hops.
func (k KeyBackupData) better(existing KeyBackupData) bool {
	if k.IsVerified != existing.IsVerified {
		return k.IsVerified
	}
	if k.FirstMessageIndex != existing.FirstMessageIndex {
		return k.FirstMessageIndex < existing.FirstMessageIndex
	}
	return k.ForwardedCount < existing.ForwardedCount
}

type roomKeysBody struct {
	Rooms map[string]struct {
		Sessions map[string]KeyBackupData `json:"sessions"`
	} `json:"rooms"`
}

// New starts a Homeserver and registers its shutdown with t.Cleanup.
func New(t TB, config Config) *Homeserver {
	t.Helper()
	if config.ServerName == "" {
		config.ServerName = "test.local"
	}
	homeserver := &Homeserver{
		config:        config,
		passwords:     make(map[string]string),
		devices:       make(map[string]*device),
		tokens:        make(map[string]*device),
		refreshTokens: make(map[string]*device),
		expired:       make(map[string]bool),
		failures:      make(map[string][]failure),
		calls:         make(map[string]int),
	}
	homeserver.server = httptest.NewServer(http.HandlerFunc(homeserver.serveHTTP))
	t.Cleanup(homeserver.server.Close)
	return homeserver
}

// URL returns the homeserver base URL.
func (h *Homeserver) URL() string {
	return h.server.URL
}

// Close shuts the server down. Subsequent requests fail with a network
// error, which is how tests simulate an unreachable homeserver.
func (h *Homeserver) Close() {
	h.server.Close()
}

// AddUser registers an account and returns its full user ID.
func (h *Homeserver) AddUser(localpart, password string) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.passwords[localpart] = password
	return h.userID(localpart)
}

// FailNext makes the next request to path fail with status and Matrix
// error code, before authentication or any state change. Calls queue:
// two FailNext calls fail the next two requests.
func (h *Homeserver) FailNext(path string, status int, code string) {
	h.FailNextMethod("", path, status, code)
}

// FailNextMethod is FailNext restricted to requests with the given
// method, for endpoints that serve several (GET and POST on
// PathBackupVersion). An empty method matches any.
func (h *Homeserver) FailNextMethod(method, path string, status int, code string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures[path] = append(h.failures[path], failure{method: method, status: status, code: code})
}

// Calls returns how many requests reached path, including failed ones.
// Paths under the backup version endpoint (DELETE .../version/{v}) are
// counted under PathBackupVersion.
func (h *Homeserver) Calls(path string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls[path]
}

// OnBackupCreated registers fn to run after each successful backup
// version creation, outside the server lock. Tests use it to simulate a
// concurrent client creating another version.
func (h *Homeserver) OnBackupCreated(fn func(version string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onBackupCreated = fn
}

// CreateBackup installs a new current backup version directly, as
// another client would, and returns its version.
func (h *Homeserver) CreateBackup(algorithm string, authData json.RawMessage) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.createBackupLocked(algorithm, authData)
}

// BackupVersion returns the current backup version, or "" if none.
func (h *Homeserver) BackupVersion() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.backup == nil {
		return ""
	}
	return h.backup.version
}

// BackupKeyCount returns the number of sessions in the current backup.
func (h *Homeserver) BackupKeyCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.backup == nil {
		return 0
	}
	return h.backup.count()
}

// SetBackupSession overwrites one session in the current backup. Tests
// use it to plant undecryptable entries.
func (h *Homeserver) SetBackupSession(roomID, sessionID string, data KeyBackupData) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.backup == nil {
		panic("messagingtest: SetBackupSession with no backup")
	}
	if h.backup.rooms[roomID] == nil {
		h.backup.rooms[roomID] = make(map[string]KeyBackupData)
	}
	h.backup.rooms[roomID][sessionID] = data
	h.backup.etag++
}

// DeleteBackup removes the current backup, if any.
func (h *Homeserver) DeleteBackup() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.backup = nil
}

// RevokeAll invalidates every access and refresh token, as a server-side
// logout or device deletion would. Clients see M_UNKNOWN_TOKEN.
func (h *Homeserver) RevokeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.devices = make(map[string]*device)
	h.tokens = make(map[string]*device)
	h.refreshTokens = make(map[string]*device)
}

// ExpireAccessTokens invalidates every access token while keeping
// refresh tokens valid. Clients see M_UNKNOWN_TOKEN with soft_logout.
func (h *Homeserver) ExpireAccessTokens() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for token := range h.tokens {
		h.expired[token] = true
	}
	h.tokens = make(map[string]*device)
}

// DeviceCount returns the number of logged-in devices.
func (h *Homeserver) DeviceCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.devices)
}

func (h *Homeserver) userID(localpart string) string {
	return "@" + localpart + ":" + h.config.ServerName
}

func (h *Homeserver) nextToken(prefix string) string {
	h.nextID++
	return fmt.Sprintf("%s_%d", prefix, h.nextID)
}

func (h *Homeserver) serveHTTP(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	countPath := path
	if strings.HasPrefix(path, PathBackupVersion+"/") {
		countPath = PathBackupVersion
	}

	h.mu.Lock()
	h.calls[countPath]++
	if injected, ok := h.takeFailureLocked(r.Method, countPath); ok {
		h.mu.Unlock()
		writeError(w, injected.status, injected.code, "injected failure")
		return
	}
	h.mu.Unlock()

	switch {
	case path == PathVersions && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"versions": []string{"v1.11"}})
	case path == PathLogin && r.Method == http.MethodPost:
		h.handleLogin(w, r)
	case path == PathRefresh && r.Method == http.MethodPost:
		h.handleRefresh(w, r)
	case path == PathWhoAmI && r.Method == http.MethodGet:
		h.withDevice(w, r, h.handleWhoAmI)
	case path == PathLogout && r.Method == http.MethodPost:
		h.withDevice(w, r, h.handleLogout)
	case path == PathBackupVersion && r.Method == http.MethodGet:
		h.withDevice(w, r, h.handleGetBackup)
	case path == PathBackupVersion && r.Method == http.MethodPost:
		h.handleCreateBackup(w, r)
	case strings.HasPrefix(path, PathBackupVersion+"/") && r.Method == http.MethodDelete:
		version, _ := url.PathUnescape(strings.TrimPrefix(path, PathBackupVersion+"/"))
		h.withDevice(w, r, func(w http.ResponseWriter, r *http.Request, _ *device) {
			h.handleDeleteBackup(w, version)
		})
	case path == PathRoomKeys && r.Method == http.MethodPut:
		h.withDevice(w, r, h.handlePutKeys)
	case path == PathRoomKeys && r.Method == http.MethodGet:
		h.withDevice(w, r, h.handleGetKeys)
	default:
		writeError(w, http.StatusNotFound, "M_UNRECOGNIZED", "unrecognized request")
	}
}

// takeFailureLocked removes and returns the first queued failure for
// path that matches method.
func (h *Homeserver) takeFailureLocked(method, path string) (failure, bool) {
	queued := h.failures[path]
	for index, injected := range queued {
		if injected.method != "" && injected.method != method {
			continue
		}
		h.failures[path] = append(queued[:index:index], queued[index+1:]...)
		return injected, true
	}
	return failure{}, false
}

// withDevice authenticates the request and calls handler with the
// server lock held.
func (h *Homeserver) withDevice(w http.ResponseWriter, r *http.Request, handler func(http.ResponseWriter, *http.Request, *device)) {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || token == "" {
		writeError(w, http.StatusUnauthorized, "M_MISSING_TOKEN", "missing access token")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	current, found := h.tokens[token]
	if !found {
		if h.expired[token] {
			writeJSON(w, http.StatusUnauthorized, map[string]any{
				"errcode":     "M_UNKNOWN_TOKEN",
				"error":       "access token has expired",
				"soft_logout": true,
			})
			return
		}
		writeError(w, http.StatusUnauthorized, "M_UNKNOWN_TOKEN", "unknown access token")
		return
	}
	handler(w, r, current)
}

func (h *Homeserver) handleLogin(w http.ResponseWriter, r *http.Request) {
	var request struct {
		Type       string `json:"type"`
		Identifier struct {
			Type string `json:"type"`
			User string `json:"user"`
		} `json:"identifier"`
		User                     string `json:"user"`
		Password                 string `json:"password"`
		DeviceID                 string `json:"device_id"`
		InitialDeviceDisplayName string `json:"initial_device_display_name"`
		RefreshToken             bool   `json:"refresh_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeError(w, http.StatusBadRequest, "M_BAD_JSON", "invalid login body")
		return
	}
	if request.Type != "m.login.password" {
		writeError(w, http.StatusBadRequest, "M_UNKNOWN", "unsupported login type")
		return
	}
	localpart := request.Identifier.User
	if localpart == "" {
		localpart = request.User
	}
	// Accept a full user ID as well as a localpart.
	if strings.HasPrefix(localpart, "@") {
		localpart = strings.TrimPrefix(localpart, "@")
		localpart, _, _ = strings.Cut(localpart, ":")
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	password, known := h.passwords[localpart]
	if !known || password != request.Password {
		writeError(w, http.StatusForbidden, "M_FORBIDDEN", "invalid username or password")
		return
	}

	deviceID := request.DeviceID
	if deviceID == "" {
		deviceID = h.nextToken("DEVICE")
	}
	if previous, exists := h.devices[deviceID]; exists {
		h.dropDeviceLocked(previous)
	}
	current := &device{
		userID:      h.userID(localpart),
		deviceID:    deviceID,
		accessToken: h.nextToken("syt_access"),
	}
	response := map[string]any{
		"user_id":      current.userID,
		"device_id":    current.deviceID,
		"access_token": current.accessToken,
	}
	if request.RefreshToken && h.config.AccessTokenLifetime > 0 {
		current.refreshToken = h.nextToken("syr_refresh")
		h.refreshTokens[current.refreshToken] = current
		response["refresh_token"] = current.refreshToken
		response["expires_in_ms"] = h.config.AccessTokenLifetime.Milliseconds()
	}
	h.devices[deviceID] = current
	h.tokens[current.accessToken] = current
	writeJSON(w, http.StatusOK, response)
}

func (h *Homeserver) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var request struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeError(w, http.StatusBadRequest, "M_BAD_JSON", "invalid refresh body")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	current, found := h.refreshTokens[request.RefreshToken]
	if !found {
		writeError(w, http.StatusUnauthorized, "M_UNKNOWN_TOKEN", "unknown refresh token")
		return
	}

	delete(h.refreshTokens, current.refreshToken)
	delete(h.tokens, current.accessToken)
	h.expired[current.accessToken] = true

	current.accessToken = h.nextToken("syt_access")
	current.refreshToken = h.nextToken("syr_refresh")
	h.tokens[current.accessToken] = current
	h.refreshTokens[current.refreshToken] = current

	writeJSON(w, http.StatusOK, map[string]any{
		"access_token":  current.accessToken,
		"refresh_token": current.refreshToken,
		"expires_in_ms": h.config.AccessTokenLifetime.Milliseconds(),
	})
}

func (h *Homeserver) handleWhoAmI(w http.ResponseWriter, _ *http.Request, current *device) {
	writeJSON(w, http.StatusOK, map[string]string{
		"user_id":   current.userID,
		"device_id": current.deviceID,
	})
}

func (h *Homeserver) handleLogout(w http.ResponseWriter, _ *http.Request, current *device) {
	h.dropDeviceLocked(current)
	writeJSON(w, http.StatusOK, map[string]any{})
}

func (h *Homeserver) dropDeviceLocked(current *device) {
	delete(h.devices, current.deviceID)
	delete(h.tokens, current.accessToken)
	if current.refreshToken != "" {
		delete(h.refreshTokens, current.refreshToken)
	}
}

func (h *Homeserver) handleGetBackup(w http.ResponseWriter, _ *http.Request, _ *device) {
	if h.backup == nil {
		writeError(w, http.StatusNotFound, "M_NOT_FOUND", "no current backup version")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"algorithm": h.backup.algorithm,
		"auth_data": h.backup.authData,
		"count":     h.backup.count(),
		"etag":      strconv.Itoa(h.backup.etag),
		"version":   h.backup.version,
	})
}

func (h *Homeserver) handleCreateBackup(w http.ResponseWriter, r *http.Request) {
	var created string
	h.withDevice(w, r, func(w http.ResponseWriter, r *http.Request, _ *device) {
		var request struct {
			Algorithm string          `json:"algorithm"`
			AuthData  json.RawMessage `json:"auth_data"`
		}
		if err := json.NewDecoder(r.Body).Decode(&request); err != nil || request.Algorithm == "" || len(request.AuthData) == 0 {
			writeError(w, http.StatusBadRequest, "M_BAD_JSON", "algorithm and auth_data are required")
			return
		}
		if h.config.StrictBackupCreate && h.backup != nil {
			writeError(w, http.StatusConflict, "M_UNKNOWN", "a backup version already exists")
			return
		}
		created = h.createBackupLocked(request.Algorithm, request.AuthData)
		writeJSON(w, http.StatusOK, map[string]string{"version": created})
	})

	if created == "" {
		return
	}
	h.mu.Lock()
	hook := h.onBackupCreated
	h.mu.Unlock()
	if hook != nil {
		hook(created)
	}
}

func (h *Homeserver) createBackupLocked(algorithm string, authData json.RawMessage) string {
	h.backupCounter++
	h.backup = &backup{
		version:   strconv.Itoa(h.backupCounter),
		algorithm: algorithm,
		authData:  append(json.RawMessage(nil), authData...),
		rooms:     make(map[string]map[string]KeyBackupData),
	}
	return h.backup.version
}

func (h *Homeserver) handleDeleteBackup(w http.ResponseWriter, version string) {
	if h.backup == nil || h.backup.version != version {
		writeError(w, http.StatusNotFound, "M_NOT_FOUND", "unknown backup version")
		return
	}
	h.backup = nil
	writeJSON(w, http.StatusOK, map[string]any{})
}

// checkVersion reports whether the request addresses the current
// backup, writing the appropriate error if not.
func (h *Homeserver) checkVersion(w http.ResponseWriter, r *http.Request, wrongVersionStatus int, wrongVersionCode string) bool {
	version := r.URL.Query().Get("version")
	if h.backup == nil {
		writeError(w, http.StatusNotFound, "M_NOT_FOUND", "no current backup version")
		return false
	}
	if version != h.backup.version {
		writeError(w, wrongVersionStatus, wrongVersionCode, "backup version is not current")
		return false
	}
	return true
}

func (h *Homeserver) handlePutKeys(w http.ResponseWriter, r *http.Request, _ *device) {
	if !h.checkVersion(w, r, http.StatusForbidden, "M_WRONG_ROOM_KEYS_VERSION") {
		return
	}
	var request roomKeysBody
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeError(w, http.StatusBadRequest, "M_BAD_JSON", "invalid room keys body")
		return
	}
	for roomID, room := range request.Rooms {
		if h.backup.rooms[roomID] == nil {
			h.backup.rooms[roomID] = make(map[string]KeyBackupData)
		}
		for sessionID, data := range room.Sessions {
			existing, exists := h.backup.rooms[roomID][sessionID]
			if exists && !data.better(existing) {
				continue
			}
			h.backup.rooms[roomID][sessionID] = data
		}
	}
	h.backup.etag++
	writeJSON(w, http.StatusOK, map[string]any{
		"count": h.backup.count(),
		"etag":  strconv.Itoa(h.backup.etag),
	})
}

func (h *Homeserver) handleGetKeys(w http.ResponseWriter, r *http.Request, _ *device) {
	if !h.checkVersion(w, r, http.StatusNotFound, "M_NOT_FOUND") {
		return
	}
	rooms := make(map[string]any, len(h.backup.rooms))
	for roomID, sessions := range h.backup.rooms {
		rooms[roomID] = map[string]any{"sessions": sessions}
	}
	writeJSON(w, http.StatusOK, map[string]any{"rooms": rooms})
}

func (b *backup) count() int {
	count := 0
	for _, sessions := range b.rooms {
		count += len(sessions)
	}
	return count
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(value)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"errcode": code, "error": message})
}
