// Copyright 2026 The Timebridge Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const validYAML = `
cloud:
  base_url: https://cloud.example.com/api/v1
  websocket_url: wss://cloud.example.com/realtime
  api_key_file: /etc/timebridge/api.key
  organization_id: org-7
  request_timeout: 20s
sync:
  tick: 10s
  default_interval: 2m
device_registry: /etc/timebridge/devices.jsonc
security:
  signing_key_file: /etc/timebridge/signing.key
bridge:
  queue_capacity: 500
  spool_compression: lz4
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "timebridge.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoadFile(t *testing.T) {
	cfg, err := LoadFile(writeConfig(t, validYAML))
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	if cfg.Cloud.OrganizationID != "org-7" {
		t.Errorf("OrganizationID = %q, want %q", cfg.Cloud.OrganizationID, "org-7")
	}
	if got := cfg.Cloud.RequestTimeout.Value(); got != 20*time.Second {
		t.Errorf("RequestTimeout = %v, want 20s", got)
	}
	if got := cfg.Sync.DefaultInterval.Value(); got != 2*time.Minute {
		t.Errorf("DefaultInterval = %v, want 2m", got)
	}
	if cfg.Bridge.QueueCapacity != 500 {
		t.Errorf("QueueCapacity = %d, want 500", cfg.Bridge.QueueCapacity)
	}
	if cfg.Bridge.SpoolCompression != "lz4" {
		t.Errorf("SpoolCompression = %q, want lz4", cfg.Bridge.SpoolCompression)
	}
	// Untouched fields keep their defaults.
	if got := cfg.Bridge.DrainInterval.Value(); got != 10*time.Second {
		t.Errorf("DrainInterval default = %v, want 10s", got)
	}
	if got := cfg.Security.FreshnessWindow.Value(); got != 300*time.Second {
		t.Errorf("FreshnessWindow default = %v, want 300s", got)
	}
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := Default()
	cfg.Bridge.SpoolCompression = "gzip"
	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() = nil for an empty config")
	}
	for _, want := range []string{
		"cloud.base_url",
		"cloud.websocket_url",
		"cloud.organization_id",
		"device_registry",
		"security.signing_key_file",
		"spool_compression",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Validate() error is missing %q:\n%v", want, err)
		}
	}
}

func TestLoadRequiresEnvironment(t *testing.T) {
	t.Setenv("TIMEBRIDGE_CONFIG", "")
	if _, err := Load(); err == nil {
		t.Fatal("Load() succeeded without TIMEBRIDGE_CONFIG")
	}
}

func TestInvalidDuration(t *testing.T) {
	bad := strings.Replace(validYAML, "request_timeout: 20s", "request_timeout: soon", 1)
	if _, err := LoadFile(writeConfig(t, bad)); err == nil {
		t.Fatal("LoadFile accepted an unparseable duration")
	}
}
