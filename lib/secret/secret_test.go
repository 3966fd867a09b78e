// Copyright 2026 The Timebridge Authors
// SPDX-License-Identifier: Apache-2.0

package secret

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestNewFromBytesZerosSource(t *testing.T) {
	source := []byte("terminal-comm-key")
	buffer, err := NewFromBytes(source)
	if err != nil {
		t.Fatalf("NewFromBytes: %v", err)
	}
	defer buffer.Close()

	for i, b := range source {
		if b != 0 {
			t.Fatalf("source[%d] = %d, want 0 after NewFromBytes", i, b)
		}
	}
	if got := buffer.String(); got != "terminal-comm-key" {
		t.Errorf("String() = %q, want %q", got, "terminal-comm-key")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	buffer, err := NewFromBytes([]byte("k"))
	if err != nil {
		t.Fatalf("NewFromBytes: %v", err)
	}
	if err := buffer.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := buffer.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestBytesAfterClosePanics(t *testing.T) {
	buffer, err := NewFromBytes([]byte("k"))
	if err != nil {
		t.Fatalf("NewFromBytes: %v", err)
	}
	buffer.Close()

	defer func() {
		if recover() == nil {
			t.Error("Bytes() on closed buffer did not panic")
		}
	}()
	buffer.Bytes()
}

func TestReadKeyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "signing.key")
	if err := WriteKeyFile(path, []byte("  hex-key-material\n")); err != nil {
		t.Fatalf("WriteKeyFile: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if mode := info.Mode().Perm(); mode != 0o600 {
		t.Errorf("key file permissions = %04o, want 0600", mode)
	}

	buffer, err := ReadKeyFile(path)
	if err != nil {
		t.Fatalf("ReadKeyFile: %v", err)
	}
	defer buffer.Close()
	if !bytes.Equal(buffer.Bytes(), []byte("hex-key-material")) {
		t.Errorf("key = %q, want whitespace-trimmed material", buffer.Bytes())
	}
}

func TestReadKeyFileRejectsLoosePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loose.key")
	if err := os.WriteFile(path, []byte("key"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := ReadKeyFile(path); err == nil {
		t.Fatal("ReadKeyFile accepted a world-readable key file")
	}
}

func TestReadKeyFileRejectsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.key")
	if err := os.WriteFile(path, []byte("   \n"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := ReadKeyFile(path); err == nil {
		t.Fatal("ReadKeyFile accepted an empty key file")
	}
}
