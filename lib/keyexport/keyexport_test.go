// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package keyexport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/mxsession/lib/clock"
	"github.com/bureau-foundation/mxsession/lib/keystore"
	"github.com/bureau-foundation/mxsession/lib/ref"
	"github.com/bureau-foundation/mxsession/lib/secret"
)

// testWorkFactor keeps scrypt fast in tests.
const testWorkFactor = 10

func testPassphrase(t *testing.T, value string) *secret.Buffer {
	t.Helper()
	buffer, err := secret.NewFromString(value)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { buffer.Close() })
	return buffer
}

func seededStore(t *testing.T, count int) *keystore.MemoryStore {
	t.Helper()
	store := keystore.NewMemoryStore()
	var keys []keystore.RoomKey
	for i := range count {
		roomID, err := ref.ParseRoomID(fmt.Sprintf("!room%d:example.org", i%3))
		if err != nil {
			t.Fatal(err)
		}
		keys = append(keys, keystore.RoomKey{
			RoomID:            roomID,
			SessionID:         fmt.Sprintf("session-%d", i),
			Algorithm:         "m.megolm.v1.aes-sha2",
			SenderKey:         "curve25519-sender",
			SessionKey:        []byte(fmt.Sprintf("exported-session-state-%04d", i)),
			FirstMessageIndex: uint32(i),
		})
	}
	if _, err := store.ImportRoomKeys(context.Background(), keys); err != nil {
		t.Fatal(err)
	}
	return store
}

func testOptions(compression Compression) Options {
	return Options{
		Compression: compression,
		WorkFactor:  testWorkFactor,
		Clock:       clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
	}
}

func TestRoundTrip(t *testing.T) {
	for _, compression := range []Compression{CompressionNone, CompressionLZ4, CompressionZstd} {
		t.Run(compression.String(), func(t *testing.T) {
			ctx := context.Background()
			source := seededStore(t, 40)
			passphrase := testPassphrase(t, "correct horse battery staple")

			var file bytes.Buffer
			written, err := Export(ctx, source, passphrase, &file, testOptions(compression))
			if err != nil {
				t.Fatalf("Export: %v", err)
			}
			if written != 40 {
				t.Errorf("Export wrote %d keys, want 40", written)
			}
			if !strings.HasPrefix(file.String(), "-----BEGIN AGE ENCRYPTED FILE-----") {
				t.Errorf("export is not armored: %q", file.String()[:40])
			}

			bundle, err := Open(passphrase, bytes.NewReader(file.Bytes()))
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			if want := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC); !bundle.ExportedAt.Equal(want) {
				t.Errorf("ExportedAt = %v, want %v", bundle.ExportedAt, want)
			}
			bundle.Close()

			destination := keystore.NewMemoryStore()
			result, err := Import(ctx, destination, passphrase, bytes.NewReader(file.Bytes()))
			if err != nil {
				t.Fatalf("Import: %v", err)
			}
			if result.Imported != 40 || result.Skipped != 0 {
				t.Errorf("Import = %+v, want 40 imported", result)
			}

			want, _ := source.ExportRoomKeys(ctx)
			got, _ := destination.ExportRoomKeys(ctx)
			if len(got) != len(want) {
				t.Fatalf("destination holds %d keys, want %d", len(got), len(want))
			}
			for i := range want {
				if got[i].SessionID != want[i].SessionID || !bytes.Equal(got[i].SessionKey, want[i].SessionKey) {
					t.Errorf("key %d = %s, want %s", i, got[i].SessionID, want[i].SessionID)
				}
			}

			again, err := Import(ctx, destination, passphrase, bytes.NewReader(file.Bytes()))
			if err != nil {
				t.Fatalf("second Import: %v", err)
			}
			if again.Imported != 0 || again.Skipped != 40 {
				t.Errorf("second Import = %+v, want 40 skipped", again)
			}
		})
	}
}

func TestWrongPassphrase(t *testing.T) {
	ctx := context.Background()
	var file bytes.Buffer
	if _, err := Export(ctx, seededStore(t, 3), testPassphrase(t, "right"), &file, testOptions(CompressionZstd)); err != nil {
		t.Fatalf("Export: %v", err)
	}

	destination := keystore.NewMemoryStore()
	_, err := Import(ctx, destination, testPassphrase(t, "wrong"), &file)
	if !errors.Is(err, ErrWrongPassphrase) {
		t.Fatalf("Import error = %v, want ErrWrongPassphrase", err)
	}
	if count, _ := destination.CountRoomKeys(ctx); count != 0 {
		t.Errorf("destination holds %d keys after failed import", count)
	}
}

func TestMalformedInput(t *testing.T) {
	ctx := context.Background()
	var valid bytes.Buffer
	if _, err := Export(ctx, seededStore(t, 3), testPassphrase(t, "pass"), &valid, testOptions(CompressionZstd)); err != nil {
		t.Fatalf("Export: %v", err)
	}
	lines := strings.Split(valid.String(), "\n")
	// Damage a character in the middle of the base64 body.
	middle := len(lines) / 2
	damaged := []byte(lines[middle])
	if damaged[0] == 'A' {
		damaged[0] = 'B'
	} else {
		damaged[0] = 'A'
	}
	lines[middle] = string(damaged)

	tests := []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"not armored", "hello world\n"},
		{"truncated", valid.String()[:valid.Len()/2]},
		{"damaged body", strings.Join(lines, "\n")},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := Import(ctx, keystore.NewMemoryStore(), testPassphrase(t, "pass"), strings.NewReader(test.input))
			if err == nil {
				t.Fatal("Import succeeded on malformed input")
			}
			if errors.Is(err, ErrWrongPassphrase) {
				t.Errorf("malformed input reported as wrong passphrase: %v", err)
			}
		})
	}
}

func TestExportRequiresPassphrase(t *testing.T) {
	var file bytes.Buffer
	if _, err := Export(context.Background(), seededStore(t, 1), nil, &file, testOptions(CompressionZstd)); err == nil {
		t.Fatal("Export succeeded without a passphrase")
	}
	if file.Len() != 0 {
		t.Errorf("Export wrote %d bytes without a passphrase", file.Len())
	}
}

func TestExportContainsNoPlaintext(t *testing.T) {
	var file bytes.Buffer
	passphrase := "a passphrase nobody should see"
	if _, err := Export(context.Background(), seededStore(t, 5), testPassphrase(t, passphrase), &file, testOptions(CompressionNone)); err != nil {
		t.Fatalf("Export: %v", err)
	}
	for _, needle := range []string{"exported-session-state", passphrase, "session-0", "example.org"} {
		if strings.Contains(file.String(), needle) {
			t.Errorf("export contains %q", needle)
		}
	}
}

func TestImportIntoFailingStore(t *testing.T) {
	ctx := context.Background()
	var file bytes.Buffer
	passphrase := testPassphrase(t, "pass")
	if _, err := Export(ctx, seededStore(t, 2), passphrase, &file, testOptions(CompressionZstd)); err != nil {
		t.Fatalf("Export: %v", err)
	}
	destination := keystore.NewMemoryStore()
	failure := errors.New("disk full")
	destination.FailImports(failure)
	if _, err := Import(ctx, destination, passphrase, &file); !errors.Is(err, failure) {
		t.Fatalf("Import error = %v, want %v", err, failure)
	}
}

func TestCompressRoundTrip(t *testing.T) {
	data := bytes.Repeat([]byte("megolm session state "), 200)
	for _, requested := range []Compression{CompressionLZ4, CompressionZstd} {
		t.Run(requested.String(), func(t *testing.T) {
			payload, algorithm, err := compress(data, requested)
			if err != nil {
				t.Fatalf("compress: %v", err)
			}
			if algorithm != requested {
				t.Errorf("algorithm = %s, want %s", algorithm, requested)
			}
			if len(payload) >= len(data) {
				t.Errorf("compressed %d bytes to %d", len(data), len(payload))
			}
			restored, err := decompress(payload, algorithm, len(data))
			if err != nil {
				t.Fatalf("decompress: %v", err)
			}
			if !bytes.Equal(restored, data) {
				t.Error("decompressed data differs")
			}
			if _, err := decompress(payload, algorithm, len(data)+1); err == nil {
				t.Error("decompress accepted a wrong size")
			}
		})
	}
}

func TestIncompressibleFallsBackToNone(t *testing.T) {
	data := []byte{0x01, 0x02, 0x03}
	payload, algorithm, err := compress(data, CompressionZstd)
	if err != nil {
		t.Fatal(err)
	}
	if algorithm != CompressionNone || !bytes.Equal(payload, data) {
		t.Errorf("compress(%x) = %x, %s; want input unchanged", data, payload, algorithm)
	}
}

func TestParseCompression(t *testing.T) {
	for _, name := range []string{"none", "lz4", "zstd"} {
		parsed, err := ParseCompression(name)
		if err != nil {
			t.Fatalf("ParseCompression(%q): %v", name, err)
		}
		if parsed.String() != name {
			t.Errorf("ParseCompression(%q).String() = %q", name, parsed.String())
		}
	}
	if _, err := ParseCompression("gzip"); err == nil {
		t.Error("ParseCompression accepted gzip")
	}
}
