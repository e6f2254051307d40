// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package blobcrypt

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/hkdf"

	"github.com/bureau-foundation/mxsession/lib/secret"
)

// GenerateKey returns KeySize random bytes in a new secret buffer.
func GenerateKey() (*secret.Buffer, error) {
	raw := make([]byte, KeySize)
	if _, err := rand.Read(raw); err != nil {
		secret.Zero(raw)
		return nil, fmt.Errorf("generating key: %w", err)
	}
	return secret.NewFromBytes(raw)
}

// ParseKeyHex decodes a key written as 2*KeySize hexadecimal
// characters. Surrounding whitespace is not accepted here; ReadKeyFile
// trims it. The error never includes the input.
func ParseKeyHex(encoded []byte) (*secret.Buffer, error) {
	if len(encoded) != 2*KeySize {
		return nil, fmt.Errorf("%w: expected %d hex characters, got %d", ErrInvalidKey, 2*KeySize, len(encoded))
	}
	raw := make([]byte, KeySize)
	if _, err := hex.Decode(raw, encoded); err != nil {
		secret.Zero(raw)
		return nil, fmt.Errorf("%w: not valid hexadecimal", ErrInvalidKey)
	}
	return secret.NewFromBytes(raw)
}

// ReadKeyFile reads a hex-encoded key from path ("-" for stdin).
func ReadKeyFile(path string) (*secret.Buffer, error) {
	encoded, err := secret.ReadFromPath(path)
	if err != nil {
		return nil, fmt.Errorf("reading key file: %w", err)
	}
	defer encoded.Close()

	key, err := ParseKeyHex(encoded.Bytes())
	if err != nil {
		return nil, fmt.Errorf("key file %s: %w", path, err)
	}
	return key, nil
}

// FormatKeyHex returns the hexadecimal form of a key, for
// `mxsession keygen` output. The returned slice is a copy the caller
// should Zero after writing it out.
func FormatKeyHex(key *secret.Buffer) []byte {
	encoded := make([]byte, hex.EncodedLen(key.Len()))
	hex.Encode(encoded, key.Bytes())
	return encoded
}

// DeriveKey derives a KeySize subkey from input with HKDF-SHA256. The
// info string provides domain separation: different info values from
// the same input give independent keys. The salt is nil because every
// input is already uniformly random (a generated key or an Argon2id
// output).
//
// The input is borrowed and NOT closed. The returned Buffer must be
// closed by the caller.
func DeriveKey(input *secret.Buffer, info []byte) (*secret.Buffer, error) {
	if input == nil || input.Len() != KeySize {
		return nil, fmt.Errorf("%w: HKDF input must be %d bytes", ErrInvalidKey, KeySize)
	}
	reader := hkdf.New(sha256.New, input.Bytes(), nil, info)
	derived := make([]byte, KeySize)
	if _, err := io.ReadFull(reader, derived); err != nil {
		secret.Zero(derived)
		return nil, fmt.Errorf("HKDF key derivation failed: %w", err)
	}
	return secret.NewFromBytes(derived)
}

// KeyedHash computes a BLAKE3 keyed hash of domainTag followed by
// each part, with each part length-prefixed so ("ab","c") and
// ("a","bc") hash differently. Used for key fingerprints and for
// opaque row identifiers.
//
// The key is borrowed and NOT closed.
func KeyedHash(key *secret.Buffer, domainTag []byte, parts ...[]byte) ([32]byte, error) {
	var result [32]byte
	if key == nil || key.Len() != KeySize {
		return result, fmt.Errorf("%w: BLAKE3 key must be %d bytes", ErrInvalidKey, KeySize)
	}
	hasher, err := blake3.NewKeyed(key.Bytes())
	if err != nil {
		return result, fmt.Errorf("initializing BLAKE3 keyed hash: %w", err)
	}
	hasher.Write(domainTag)
	var length [8]byte
	for _, part := range parts {
		binary.BigEndian.PutUint64(length[:], uint64(len(part)))
		hasher.Write(length[:])
		hasher.Write(part)
	}
	copy(result[:], hasher.Sum(nil))
	return result, nil
}
