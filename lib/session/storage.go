// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// Storage persists one opaque byte string.
type Storage interface {
	// Read returns the stored bytes, or an error wrapping ErrNotFound
	// if nothing is stored.
	Read(ctx context.Context) ([]byte, error)

	// AtomicWrite replaces the stored bytes. After it returns, a
	// subsequent Read sees either the old bytes (on error) or the new
	// bytes (on success), never a mix.
	AtomicWrite(ctx context.Context, data []byte) error

	// Remove deletes the stored bytes. Removing nothing is not an
	// error.
	Remove(ctx context.Context) error

	// Exists reports whether bytes are stored.
	Exists(ctx context.Context) (bool, error)
}

// FileStorage stores the session in a single file with mode 0600.
type FileStorage struct {
	path string

	// beforeRename runs after the temporary file is durable and before
	// it replaces the target. Tests use it to inject failures.
	beforeRename func() error
}

// NewFileStorage returns a FileStorage for path. The parent directory
// is created (mode 0700) on first write.
func NewFileStorage(path string) *FileStorage {
	return &FileStorage{path: path}
}

// Path returns the file path.
func (s *FileStorage) Path() string { return s.path }

// Read returns the file's contents.
func (s *FileStorage) Read(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, s.path)
		}
		return nil, fmt.Errorf("reading session file %s: %w", s.path, err)
	}
	return data, nil
}

// AtomicWrite writes data to a temporary file in the same directory,
// fsyncs it, renames it over the target, and fsyncs the directory.
// If ctx is cancelled before the rename, the temporary file is removed
// and the existing file is untouched.
func (s *FileStorage) AtomicWrite(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	directory := filepath.Dir(s.path)
	if err := os.MkdirAll(directory, 0700); err != nil {
		return fmt.Errorf("creating session directory %s: %w", directory, err)
	}

	// CreateTemp opens with mode 0600.
	file, err := os.CreateTemp(directory, "."+filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temporary session file: %w", err)
	}
	temporaryPath := file.Name()

	// Write, sync, close, in that order. Any failure removes the
	// temporary file.
	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("writing temporary session file: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("syncing temporary session file: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("closing temporary session file: %w", err)
	}

	if s.beforeRename != nil {
		if err := s.beforeRename(); err != nil {
			os.Remove(temporaryPath)
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		os.Remove(temporaryPath)
		return err
	}

	if err := os.Rename(temporaryPath, s.path); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("renaming session file into place: %w", err)
	}

	// Make the rename durable across power loss.
	if parent, err := os.Open(directory); err == nil {
		parent.Sync()
		parent.Close()
	}
	return nil
}

// Remove deletes the session file.
func (s *FileStorage) Remove(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing session file %s: %w", s.path, err)
	}
	return nil
}

// Exists reports whether the session file exists.
func (s *FileStorage) Exists(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	_, err := os.Stat(s.path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("checking session file %s: %w", s.path, err)
}

// MemoryStorage keeps the session in memory. Failures can be injected
// with FailWrites and FailReads.
type MemoryStorage struct {
	mu       sync.Mutex
	data     []byte
	present  bool
	writeErr error
	readErr  error
	writes   int
}

// NewMemoryStorage returns an empty MemoryStorage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{}
}

// Read returns a copy of the stored bytes.
func (s *MemoryStorage) Read(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readErr != nil {
		return nil, s.readErr
	}
	if !s.present {
		return nil, ErrNotFound
	}
	return bytes.Clone(s.data), nil
}

// AtomicWrite replaces the stored bytes unless a write failure is
// injected, in which case the previous bytes are kept.
func (s *MemoryStorage) AtomicWrite(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return s.writeErr
	}
	s.data = bytes.Clone(data)
	s.present = true
	s.writes++
	return nil
}

// Remove clears the stored bytes.
func (s *MemoryStorage) Remove(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = nil
	s.present = false
	return nil
}

// Exists reports whether bytes are stored.
func (s *MemoryStorage) Exists(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readErr != nil {
		return false, s.readErr
	}
	return s.present, nil
}

// FailWrites makes every subsequent AtomicWrite return err. A nil err
// restores normal behavior.
func (s *MemoryStorage) FailWrites(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeErr = err
}

// FailReads makes every subsequent Read and Exists return err.
func (s *MemoryStorage) FailReads(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readErr = err
}

// Set replaces the stored bytes directly, bypassing injected
// failures. Used to plant corrupt data in tests.
func (s *MemoryStorage) Set(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = bytes.Clone(data)
	s.present = true
}

// Bytes returns a copy of the stored bytes, or nil if nothing is
// stored.
func (s *MemoryStorage) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.present {
		return nil
	}
	return bytes.Clone(s.data)
}

// Writes returns the number of successful AtomicWrite calls.
func (s *MemoryStorage) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}
