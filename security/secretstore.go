// Copyright 2026 The Timebridge Authors
// SPDX-License-Identifier: Apache-2.0

package security

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"filippo.io/age"

	"github.com/timebridge-io/timebridge/lib/secret"
)

// SecretStore holds secrets at rest: cloud API keys, terminal
// communication passwords, anything that must not sit on disk in the
// clear. The agent ships FileStore; production deployments should
// substitute a managed secret service behind this interface.
type SecretStore interface {
	// Get returns the named secret in a protected buffer the caller
	// must close. Returns ErrSecretNotFound when absent.
	Get(name string) (*secret.Buffer, error)

	// Set stores or replaces a secret.
	Set(name string, value []byte) error

	// Delete removes a secret. Deleting an absent name is not an
	// error.
	Delete(name string) error
}

var ErrSecretNotFound = errors.New("security: secret not found")

// FileStore keeps secrets in one age-encrypted file. The x25519
// identity lives in an owner-only key file, generated on first open.
// Decrypted values exist only in protected memory and are never
// logged.
type FileStore struct {
	mu        sync.Mutex
	path      string
	identity  *age.X25519Identity
	recipient *age.X25519Recipient
}

// Compile-time check: *FileStore implements SecretStore.
var _ SecretStore = (*FileStore)(nil)

// OpenFileStore opens the store at path with the identity at keyPath.
// A missing key file is created with a fresh identity (0600); a
// missing store file is treated as empty.
func OpenFileStore(path, keyPath string) (*FileStore, error) {
	identity, err := loadOrCreateIdentity(keyPath)
	if err != nil {
		return nil, err
	}
	return &FileStore{
		path:      path,
		identity:  identity,
		recipient: identity.Recipient(),
	}, nil
}

func loadOrCreateIdentity(keyPath string) (*age.X25519Identity, error) {
	keyBuffer, err := secret.ReadKeyFile(keyPath)
	if errors.Is(err, os.ErrNotExist) {
		identity, err := age.GenerateX25519Identity()
		if err != nil {
			return nil, fmt.Errorf("security: generating store identity: %w", err)
		}
		if err := secret.WriteKeyFile(keyPath, []byte(identity.String())); err != nil {
			return nil, err
		}
		return identity, nil
	}
	if err != nil {
		return nil, err
	}
	defer keyBuffer.Close()

	identity, err := age.ParseX25519Identity(keyBuffer.String())
	if err != nil {
		return nil, fmt.Errorf("security: parsing store identity: %w", err)
	}
	return identity, nil
}

// Get implements SecretStore.
func (s *FileStore) Get(name string) (*secret.Buffer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.load()
	if err != nil {
		return nil, err
	}
	value, ok := entries[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrSecretNotFound, name)
	}
	return secret.NewFromBytes(value)
}

// Set implements SecretStore.
func (s *FileStore) Set(name string, value []byte) error {
	if name == "" {
		return fmt.Errorf("security: secret name is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.load()
	if err != nil {
		return err
	}
	entries[name] = value
	return s.save(entries)
}

// Delete implements SecretStore.
func (s *FileStore) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.load()
	if err != nil {
		return err
	}
	if _, ok := entries[name]; !ok {
		return nil
	}
	delete(entries, name)
	return s.save(entries)
}

// load decrypts and decodes the store file. Caller holds s.mu.
func (s *FileStore) load() (map[string][]byte, error) {
	ciphertext, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string][]byte{}, nil
	}
	if err != nil {
		return nil, err
	}

	reader, err := age.Decrypt(bytes.NewReader(ciphertext), s.identity)
	if err != nil {
		return nil, fmt.Errorf("security: decrypting secret store: %w", err)
	}
	plaintext, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("security: reading secret store: %w", err)
	}
	defer secret.Zero(plaintext)

	entries := map[string][]byte{}
	if err := json.Unmarshal(plaintext, &entries); err != nil {
		return nil, fmt.Errorf("security: parsing secret store: %w", err)
	}
	return entries, nil
}

// save encodes and encrypts entries, writing atomically with 0600
// permissions. Caller holds s.mu.
func (s *FileStore) save(entries map[string][]byte) error {
	plaintext, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("security: encoding secret store: %w", err)
	}
	defer secret.Zero(plaintext)

	var ciphertext bytes.Buffer
	writer, err := age.Encrypt(&ciphertext, s.recipient)
	if err != nil {
		return fmt.Errorf("security: creating store encryptor: %w", err)
	}
	if _, err := writer.Write(plaintext); err != nil {
		return fmt.Errorf("security: encrypting secret store: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("security: finalizing store encryption: %w", err)
	}

	return secret.WriteKeyFile(s.path, ciphertext.Bytes())
}
