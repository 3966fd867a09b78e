// Copyright 2026 The Timebridge Authors
// SPDX-License-Identifier: Apache-2.0

package secret

import (
	"bytes"
	"fmt"
	"os"
)

// ReadKeyFile loads a key file into a protected buffer. The file must
// be owner-only (no group or world permission bits) — a key readable by
// other users is a deployment error worth failing loudly on. Leading
// and trailing whitespace is trimmed.
func ReadKeyFile(path string) (*Buffer, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if mode := info.Mode().Perm(); mode&0o077 != 0 {
		return nil, fmt.Errorf("secret: key file %s has permissions %04o, want owner-only (0600)", path, mode)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		Zero(data)
		return nil, fmt.Errorf("secret: key file %s is empty", path)
	}

	buffer, err := NewFromBytes(trimmed)
	Zero(data)
	return buffer, err
}

// WriteKeyFile writes key material to path with 0600 permissions,
// using write-temp-then-rename so readers never observe a partial key.
func WriteKeyFile(path string, key []byte) error {
	temporaryPath := path + ".tmp"

	file, err := os.OpenFile(temporaryPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("secret: creating %s: %w", temporaryPath, err)
	}
	if _, err := file.Write(key); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("secret: writing %s: %w", temporaryPath, err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("secret: syncing %s: %w", temporaryPath, err)
	}
	if err := file.Close(); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("secret: closing %s: %w", temporaryPath, err)
	}
	if err := os.Rename(temporaryPath, path); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("secret: renaming key file into place: %w", err)
	}
	return nil
}
