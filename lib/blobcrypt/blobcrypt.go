// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package blobcrypt

import (
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/bureau-foundation/mxsession/lib/secret"
)

const (
	// KeySize is the size in bytes of every symmetric key handled by
	// this package.
	KeySize = chacha20poly1305.KeySize

	// NonceSize is the size of the random per-blob nonce (96 bits).
	NonceSize = chacha20poly1305.NonceSize

	// Version is the format byte prepended to every blob and
	// authenticated as part of the associated data.
	Version byte = 0x01

	// Overhead is the number of bytes a blob adds to its plaintext:
	// 1 (version) + 12 (nonce) + 16 (Poly1305 tag).
	Overhead = 1 + NonceSize + chacha20poly1305.Overhead
)

var (
	// ErrAuthenticationFailed is returned by Decrypt for any blob it
	// cannot authenticate. Callers cannot distinguish a wrong key
	// from tampered data, and must not try.
	ErrAuthenticationFailed = errors.New("blobcrypt: authentication failed")

	// ErrInvalidKey is returned when a key is not KeySize bytes or
	// cannot be parsed.
	ErrInvalidKey = errors.New("blobcrypt: invalid key")
)

// Encrypt seals plaintext under key. A fresh random nonce is drawn for
// every call, so encrypting the same plaintext twice produces
// different blobs. associatedData is authenticated but not stored in
// the blob; Decrypt must be given the same bytes.
//
// The key is borrowed and NOT closed.
func Encrypt(key *secret.Buffer, plaintext, associatedData []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}

	output := make([]byte, 1+NonceSize, Overhead+len(plaintext))
	output[0] = Version
	if _, err := rand.Read(output[1 : 1+NonceSize]); err != nil {
		return nil, fmt.Errorf("generating random nonce: %w", err)
	}

	return aead.Seal(output, output[1:1+NonceSize], plaintext, buildAAD(Version, associatedData)), nil
}

// Decrypt opens a blob produced by Encrypt. It returns plaintext only
// if the tag verifies against key, the version byte, and
// associatedData. Every failure wraps ErrAuthenticationFailed, except
// a key of the wrong size, which is a caller bug and returns
// ErrInvalidKey.
//
// The key is borrowed and NOT closed. The caller owns the returned
// plaintext and should Zero it once parsed if it holds secrets.
func Decrypt(key *secret.Buffer, blob, associatedData []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	if len(blob) < Overhead {
		return nil, fmt.Errorf("%w: blob is %d bytes, minimum is %d", ErrAuthenticationFailed, len(blob), Overhead)
	}
	if blob[0] != Version {
		return nil, fmt.Errorf("%w: unsupported blob version %d", ErrAuthenticationFailed, blob[0])
	}

	nonce := blob[1 : 1+NonceSize]
	ciphertext := blob[1+NonceSize:]
	plaintext, err := aead.Open(nil, nonce, ciphertext, buildAAD(blob[0], associatedData))
	if err != nil {
		return nil, ErrAuthenticationFailed
	}
	return plaintext, nil
}

func newAEAD(key *secret.Buffer) (cipher.AEAD, error) {
	if key == nil || key.Len() != KeySize {
		return nil, fmt.Errorf("%w: key must be %d bytes", ErrInvalidKey, KeySize)
	}
	aead, err := chacha20poly1305.New(key.Bytes())
	if err != nil {
		return nil, fmt.Errorf("creating ChaCha20-Poly1305 cipher: %w", err)
	}
	return aead, nil
}

// buildAAD prefixes the caller's associated data with the version
// byte, so changing the version invalidates the tag.
func buildAAD(version byte, associatedData []byte) []byte {
	aad := make([]byte, 1+len(associatedData))
	aad[0] = version
	copy(aad[1:], associatedData)
	return aad
}
