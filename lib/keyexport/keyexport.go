// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package keyexport writes and reads passphrase-protected room key
// export files, the offline counterpart of server-side key backup.
//
// An export is an ASCII-armored age file encrypted to an scrypt
// recipient derived from the passphrase. Inside is a small CBOR
// envelope recording the format version, the compression algorithm,
// and the uncompressed size, wrapping a CBOR bundle of every room key
// in the store:
//
//	-----BEGIN AGE ENCRYPTED FILE-----
//	age(scrypt, cbor{version, compression, size, payload: zstd(cbor{exported_at, keys})})
//	-----END AGE ENCRYPTED FILE-----
//
// Importing merges the bundle into a key store with the store's usual
// rule: an existing key is replaced only by a better copy.
package keyexport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"filippo.io/age"
	"filippo.io/age/armor"

	"github.com/bureau-foundation/mxsession/lib/clock"
	"github.com/bureau-foundation/mxsession/lib/codec"
	"github.com/bureau-foundation/mxsession/lib/keystore"
	"github.com/bureau-foundation/mxsession/lib/secret"
)

// FormatVersion is the envelope version written by Export.
const FormatVersion = 1

// maxBundleSize bounds the decompressed bundle. Far above any real key
// store, low enough that a hostile file cannot exhaust memory.
const maxBundleSize = 256 << 20

var (
	// ErrWrongPassphrase is returned by Open and Import when the
	// passphrase does not decrypt the file.
	ErrWrongPassphrase = errors.New("keyexport: wrong passphrase")

	// ErrMalformed is returned for input that is not an export file or
	// whose contents do not parse.
	ErrMalformed = errors.New("keyexport: malformed export file")
)

// Options control Export.
type Options struct {
	// Compression for the bundle. The zero value is CompressionNone;
	// use DefaultOptions for zstd.
	Compression Compression

	// WorkFactor is the scrypt cost as log2(N). Zero uses age's
	// default.
	WorkFactor int

	// Clock stamps the export time. Nil uses the real clock.
	Clock clock.Clock
}

// DefaultOptions returns the options used by the CLI: zstd and age's
// default scrypt cost.
func DefaultOptions() Options {
	return Options{Compression: CompressionZstd}
}

// Bundle is the decrypted content of an export file.
type Bundle struct {
	ExportedAt time.Time
	Keys       []keystore.RoomKey
}

// Close zeroes the session keys in the bundle.
func (b *Bundle) Close() {
	for i := range b.Keys {
		secret.Zero(b.Keys[i].SessionKey)
	}
}

type envelope struct {
	Version     int         `cbor:"version"`
	Compression Compression `cbor:"compression"`
	Size        int         `cbor:"size"`
	Payload     []byte      `cbor:"payload"`
}

type bundleWire struct {
	ExportedAt int64              `cbor:"exported_at"`
	Keys       []keystore.RoomKey `cbor:"keys"`
}

// Export writes every room key in keys to w, encrypted under
// passphrase. Returns the number of keys written.
func Export(ctx context.Context, keys keystore.Store, passphrase *secret.Buffer, w io.Writer, options Options) (int, error) {
	if passphrase == nil || passphrase.Len() == 0 {
		return 0, errors.New("keyexport: passphrase is required")
	}
	now := time.Now
	if options.Clock != nil {
		now = options.Clock.Now
	}

	roomKeys, err := keys.ExportRoomKeys(ctx)
	if err != nil {
		return 0, fmt.Errorf("keyexport: reading key store: %w", err)
	}
	defer (&Bundle{Keys: roomKeys}).Close()

	bundleBytes, err := codec.Marshal(bundleWire{
		ExportedAt: now().UnixMilli(),
		Keys:       roomKeys,
	})
	if err != nil {
		return 0, fmt.Errorf("keyexport: encoding bundle: %w", err)
	}
	defer secret.Zero(bundleBytes)

	payload, algorithm, err := compress(bundleBytes, options.Compression)
	if err != nil {
		return 0, fmt.Errorf("keyexport: %w", err)
	}
	if algorithm != CompressionNone {
		defer secret.Zero(payload)
	}

	plaintext, err := codec.Marshal(envelope{
		Version:     FormatVersion,
		Compression: algorithm,
		Size:        len(bundleBytes),
		Payload:     payload,
	})
	if err != nil {
		return 0, fmt.Errorf("keyexport: encoding envelope: %w", err)
	}
	defer secret.Zero(plaintext)

	// The passphrase string is a heap copy: age's scrypt API takes a
	// string. It becomes garbage as soon as the recipient is built.
	recipient, err := age.NewScryptRecipient(passphrase.String())
	if err != nil {
		return 0, fmt.Errorf("keyexport: creating scrypt recipient: %w", err)
	}
	if options.WorkFactor != 0 {
		recipient.SetWorkFactor(options.WorkFactor)
	}

	armored := armor.NewWriter(w)
	encryptor, err := age.Encrypt(armored, recipient)
	if err != nil {
		return 0, fmt.Errorf("keyexport: creating age encryptor: %w", err)
	}
	if _, err := encryptor.Write(plaintext); err != nil {
		return 0, fmt.Errorf("keyexport: encrypting: %w", err)
	}
	if err := encryptor.Close(); err != nil {
		return 0, fmt.Errorf("keyexport: finalizing encryption: %w", err)
	}
	if err := armored.Close(); err != nil {
		return 0, fmt.Errorf("keyexport: finalizing armor: %w", err)
	}
	return len(roomKeys), nil
}

// Open decrypts and parses an export file. The caller must Close the
// returned bundle.
func Open(passphrase *secret.Buffer, r io.Reader) (*Bundle, error) {
	if passphrase == nil || passphrase.Len() == 0 {
		return nil, errors.New("keyexport: passphrase is required")
	}
	identity, err := age.NewScryptIdentity(passphrase.String())
	if err != nil {
		return nil, fmt.Errorf("keyexport: creating scrypt identity: %w", err)
	}

	decryptor, err := age.Decrypt(armor.NewReader(r), identity)
	if err != nil {
		var noMatch *age.NoIdentityMatchError
		if errors.As(err, &noMatch) || errors.Is(err, age.ErrIncorrectIdentity) {
			return nil, ErrWrongPassphrase
		}
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var plaintext bytes.Buffer
	defer func() { secret.Zero(plaintext.Bytes()) }()
	if _, err := io.Copy(&plaintext, io.LimitReader(decryptor, maxBundleSize+1)); err != nil {
		return nil, fmt.Errorf("%w: decrypting: %v", ErrMalformed, err)
	}
	if plaintext.Len() > maxBundleSize {
		return nil, fmt.Errorf("%w: larger than %d bytes", ErrMalformed, maxBundleSize)
	}

	var outer envelope
	if err := codec.Unmarshal(plaintext.Bytes(), &outer); err != nil {
		return nil, fmt.Errorf("%w: envelope: %v", ErrMalformed, err)
	}
	defer secret.Zero(outer.Payload)
	if outer.Version != FormatVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrMalformed, outer.Version)
	}
	if outer.Size < 0 || outer.Size > maxBundleSize {
		return nil, fmt.Errorf("%w: declared size %d out of range", ErrMalformed, outer.Size)
	}

	bundleBytes, err := decompress(outer.Payload, outer.Compression, outer.Size)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if outer.Compression != CompressionNone {
		defer secret.Zero(bundleBytes)
	}

	var wire bundleWire
	if err := codec.Unmarshal(bundleBytes, &wire); err != nil {
		return nil, fmt.Errorf("%w: bundle: %v", ErrMalformed, err)
	}
	return &Bundle{
		ExportedAt: time.UnixMilli(wire.ExportedAt).UTC(),
		Keys:       wire.Keys,
	}, nil
}

// Import decrypts an export file and merges its keys into keys.
// Nothing is imported when the file does not decrypt or parse.
func Import(ctx context.Context, keys keystore.Store, passphrase *secret.Buffer, r io.Reader) (keystore.ImportResult, error) {
	bundle, err := Open(passphrase, r)
	if err != nil {
		return keystore.ImportResult{}, err
	}
	defer bundle.Close()

	for _, key := range bundle.Keys {
		if err := key.Validate(); err != nil {
			return keystore.ImportResult{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	}

	result, err := keys.ImportRoomKeys(ctx, bundle.Keys)
	if err != nil {
		return result, fmt.Errorf("keyexport: importing into key store: %w", err)
	}
	return result, nil
}
