// Copyright 2026 The Timebridge Authors
// SPDX-License-Identifier: Apache-2.0

package security

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) (*FileStore, string, string) {
	t.Helper()
	dir := t.TempDir()
	storePath := filepath.Join(dir, "secrets.age")
	keyPath := filepath.Join(dir, "store.key")
	store, err := OpenFileStore(storePath, keyPath)
	if err != nil {
		t.Fatalf("OpenFileStore: %v", err)
	}
	return store, storePath, keyPath
}

func TestSecretStoreRoundTrip(t *testing.T) {
	store, _, _ := newTestStore(t)

	if err := store.Set("cloud-api-key", []byte("sk-aabbcc")); err != nil {
		t.Fatalf("Set: %v", err)
	}

	value, err := store.Get("cloud-api-key")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer value.Close()
	if !bytes.Equal(value.Bytes(), []byte("sk-aabbcc")) {
		t.Errorf("Get = %q, want %q", value.Bytes(), "sk-aabbcc")
	}
}

func TestSecretStoreNotFound(t *testing.T) {
	store, _, _ := newTestStore(t)
	if _, err := store.Get("absent"); !errors.Is(err, ErrSecretNotFound) {
		t.Errorf("Get(absent) = %v, want ErrSecretNotFound", err)
	}
}

func TestSecretStoreDelete(t *testing.T) {
	store, _, _ := newTestStore(t)

	if err := store.Set("k", []byte("v")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := store.Delete("k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.Get("k"); !errors.Is(err, ErrSecretNotFound) {
		t.Errorf("Get after Delete = %v, want ErrSecretNotFound", err)
	}
	// Deleting again is not an error.
	if err := store.Delete("k"); err != nil {
		t.Errorf("second Delete: %v", err)
	}
}

func TestSecretStoreReopen(t *testing.T) {
	store, storePath, keyPath := newTestStore(t)
	if err := store.Set("terminal-181-comm", []byte("0000")); err != nil {
		t.Fatalf("Set: %v", err)
	}

	reopened, err := OpenFileStore(storePath, keyPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	value, err := reopened.Get("terminal-181-comm")
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	defer value.Close()
	if !bytes.Equal(value.Bytes(), []byte("0000")) {
		t.Errorf("Get after reopen = %q, want %q", value.Bytes(), "0000")
	}
}

func TestSecretStoreFilesAreOwnerOnly(t *testing.T) {
	store, storePath, keyPath := newTestStore(t)
	if err := store.Set("k", []byte("v")); err != nil {
		t.Fatalf("Set: %v", err)
	}

	for _, path := range []string{storePath, keyPath} {
		info, err := os.Stat(path)
		if err != nil {
			t.Fatalf("Stat(%s): %v", path, err)
		}
		if mode := info.Mode().Perm(); mode&0o077 != 0 {
			t.Errorf("%s permissions = %04o, want owner-only", path, mode)
		}
	}
}

func TestSecretStoreCiphertextOnDisk(t *testing.T) {
	store, storePath, _ := newTestStore(t)
	if err := store.Set("k", []byte("plaintext-sentinel")); err != nil {
		t.Fatalf("Set: %v", err)
	}

	raw, err := os.ReadFile(storePath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if bytes.Contains(raw, []byte("plaintext-sentinel")) {
		t.Error("secret value appears unencrypted in the store file")
	}
}
