// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestFileStorageRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state", "session.bin")
	storage := NewFileStorage(path)

	if _, err := storage.Read(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Read before write: err = %v, want ErrNotFound", err)
	}
	if exists, err := storage.Exists(ctx); err != nil || exists {
		t.Fatalf("Exists = %v, %v; want false, nil", exists, err)
	}

	if err := storage.AtomicWrite(ctx, []byte("first")); err != nil {
		t.Fatalf("AtomicWrite: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("file mode = %o, want 0600", info.Mode().Perm())
	}
	directoryInfo, err := os.Stat(filepath.Dir(path))
	if err != nil {
		t.Fatal(err)
	}
	if directoryInfo.Mode().Perm() != 0700 {
		t.Errorf("directory mode = %o, want 0700", directoryInfo.Mode().Perm())
	}

	if err := storage.AtomicWrite(ctx, []byte("second")); err != nil {
		t.Fatal(err)
	}
	data, err := storage.Read(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "second" {
		t.Errorf("Read = %q, want %q", data, "second")
	}

	if err := storage.Remove(ctx); err != nil {
		t.Fatal(err)
	}
	if err := storage.Remove(ctx); err != nil {
		t.Errorf("second Remove should be a no-op, got %v", err)
	}
	assertNoTemporaryFiles(t, filepath.Dir(path))
}

func TestFileStorageInjectedFailureKeepsOldFile(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "session.bin")
	storage := NewFileStorage(path)

	if err := storage.AtomicWrite(ctx, []byte("original")); err != nil {
		t.Fatal(err)
	}

	storage.beforeRename = func() error { return errors.New("simulated crash") }
	if err := storage.AtomicWrite(ctx, []byte("replacement")); err == nil {
		t.Fatal("AtomicWrite should report the injected failure")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, []byte("original")) {
		t.Errorf("file = %q after failed write, want %q", data, "original")
	}
	assertNoTemporaryFiles(t, filepath.Dir(path))
}

func TestFileStorageCancelledBeforeRenameKeepsOldFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.bin")
	storage := NewFileStorage(path)
	if err := storage.AtomicWrite(context.Background(), []byte("original")); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	storage.beforeRename = func() error {
		cancel()
		return nil
	}
	if err := storage.AtomicWrite(ctx, []byte("replacement")); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "original" {
		t.Errorf("file = %q after cancelled write, want %q", data, "original")
	}
	assertNoTemporaryFiles(t, filepath.Dir(path))
}

func TestFileStoragePersistLoadEncrypted(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "session.bin")
	key := testKey(t, 0x44)
	store := &Store{Storage: NewFileStorage(path), Key: key}

	descriptor := testDescriptor(t)
	if err := store.Persist(ctx, descriptor); err != nil {
		t.Fatal(err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Contains(raw, []byte(descriptor.AccessToken)) {
		t.Fatal("session file contains the access token in clear")
	}

	loaded, err := store.Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	assertDescriptorEqual(t, loaded, descriptor)

	// Corrupt one byte: load fails as DecryptionFailed, file bytes stay.
	raw[len(raw)-1] ^= 0x80
	if err := os.WriteFile(path, raw, 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Load(ctx); loadErrorKind(t, err) != DecryptionFailed {
		t.Fatalf("err = %v, want DecryptionFailed", err)
	}
	after, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(after, raw) {
		t.Error("Load changed the corrupt file")
	}
}

func assertNoTemporaryFiles(t *testing.T, directory string) {
	t.Helper()
	entries, err := os.ReadDir(directory)
	if err != nil {
		t.Fatal(err)
	}
	for _, entry := range entries {
		if filepath.Ext(entry.Name()) != ".bin" {
			t.Errorf("unexpected file left behind: %s", entry.Name())
		}
	}
}
