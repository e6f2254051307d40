// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"errors"
	"fmt"

	"github.com/bureau-foundation/mxsession/lib/blobcrypt"
	"github.com/bureau-foundation/mxsession/lib/codec"
	"github.com/bureau-foundation/mxsession/lib/secret"
)

// associatedData binds an encrypted session file to its purpose, so a
// blob sealed for the key store under the same key cannot be loaded
// as a session.
var associatedData = []byte("mxsession.session.v1")

// Serialize encodes a descriptor as deterministic CBOR. The same
// descriptor always produces the same bytes.
func Serialize(descriptor Descriptor) ([]byte, error) {
	if err := descriptor.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncoding, err)
	}
	data, err := codec.Marshal(descriptor)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncoding, err)
	}
	return data, nil
}

// Deserialize decodes bytes produced by Serialize. Bytes that are not
// CBOR, carry fields of the wrong type, lack required fields, or name
// an unknown schema version fail with ErrDecoding.
func Deserialize(data []byte) (Descriptor, error) {
	var descriptor Descriptor
	if err := codec.Unmarshal(data, &descriptor); err != nil {
		return Descriptor{}, fmt.Errorf("%w: %v", ErrDecoding, err)
	}
	if err := descriptor.Validate(); err != nil {
		secret.Zero(descriptor.StoreKey)
		return Descriptor{}, fmt.Errorf("%w: %v", ErrDecoding, err)
	}
	return descriptor, nil
}

// Encode serializes descriptor and, when key is non-nil, seals the
// result. With a nil key the output is plaintext CBOR.
func Encode(descriptor Descriptor, key *secret.Buffer) ([]byte, error) {
	plaintext, err := Serialize(descriptor)
	if err != nil {
		return nil, err
	}
	if key == nil {
		return plaintext, nil
	}
	defer secret.Zero(plaintext)

	blob, err := blobcrypt.Encrypt(key, plaintext, associatedData)
	if err != nil {
		return nil, fmt.Errorf("%w: sealing session: %v", ErrEncoding, err)
	}
	return blob, nil
}

// Decode reverses Encode. It returns a *LoadError of kind
// DecryptionFailed when the bytes do not authenticate under key, and
// MalformedData when they are not a valid descriptor. The decrypted
// intermediate is zeroed before returning. raw is not modified.
func Decode(raw []byte, key *secret.Buffer) (Descriptor, error) {
	plaintext := raw
	if key != nil {
		decrypted, err := blobcrypt.Decrypt(key, raw, associatedData)
		if err != nil {
			if errors.Is(err, blobcrypt.ErrInvalidKey) {
				return Descriptor{}, &LoadError{Kind: Unavailable, Err: err}
			}
			return Descriptor{}, &LoadError{Kind: DecryptionFailed, Err: err}
		}
		defer secret.Zero(decrypted)
		plaintext = decrypted
	}

	descriptor, err := Deserialize(plaintext)
	if err != nil {
		return Descriptor{}, &LoadError{Kind: MalformedData, Err: err}
	}
	return descriptor, nil
}
