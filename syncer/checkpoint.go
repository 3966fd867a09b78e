// Copyright 2026 The Timebridge Authors
// SPDX-License-Identifier: Apache-2.0

package syncer

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Checkpoints holds the per-device last-synchronized position. A
// checkpoint is the timestamp of the last event the bridge accepted
// for that device; the next fetch asks for strictly newer events.
// Positions persist to a state file so a restarted agent resumes
// instead of refetching history.
//
// Thread-safe.
type Checkpoints struct {
	mu       sync.Mutex
	path     string
	byDevice map[string]time.Time
}

// LoadCheckpoints reads the state file at path. A missing file yields
// an empty set; path may be empty for a memory-only set. A corrupt
// file is an error — the caller decides whether to start empty.
func LoadCheckpoints(path string) (*Checkpoints, error) {
	c := &Checkpoints{
		path:     path,
		byDevice: make(map[string]time.Time),
	}
	if path == "" {
		return c, nil
	}

	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("syncer: reading checkpoint state: %w", err)
	}
	if err := json.Unmarshal(raw, &c.byDevice); err != nil {
		return nil, fmt.Errorf("syncer: decoding checkpoint state: %w", err)
	}
	return c, nil
}

// Get returns the checkpoint for a device; ok is false when the
// device has never synchronized.
func (c *Checkpoints) Get(deviceID string) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	checkpoint, ok := c.byDevice[deviceID]
	return checkpoint, ok
}

// Set advances a device's checkpoint and persists the state file.
// A checkpoint never moves backward: an older timestamp is ignored,
// so replayed history cannot widen the next fetch.
func (c *Checkpoints) Set(deviceID string, checkpoint time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.byDevice[deviceID]; ok && !checkpoint.After(existing) {
		return nil
	}
	c.byDevice[deviceID] = checkpoint
	return c.saveLocked()
}

// saveLocked writes the state file atomically. Caller holds c.mu.
func (c *Checkpoints) saveLocked() error {
	if c.path == "" {
		return nil
	}

	encoded, err := json.MarshalIndent(c.byDevice, "", "  ")
	if err != nil {
		return fmt.Errorf("syncer: encoding checkpoint state: %w", err)
	}

	temp, err := os.CreateTemp(filepath.Dir(c.path), ".checkpoints-*")
	if err != nil {
		return fmt.Errorf("syncer: creating checkpoint temp file: %w", err)
	}
	tempPath := temp.Name()
	if _, err := temp.Write(append(encoded, '\n')); err != nil {
		temp.Close()
		os.Remove(tempPath)
		return fmt.Errorf("syncer: writing checkpoint state: %w", err)
	}
	if err := temp.Close(); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("syncer: closing checkpoint state: %w", err)
	}
	if err := os.Rename(tempPath, c.path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("syncer: renaming checkpoint state into place: %w", err)
	}
	return nil
}
