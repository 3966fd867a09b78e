// Copyright 2026 The Timebridge Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the agent's configuration.
//
// Service settings come from a single YAML file named by:
//   - the TIMEBRIDGE_CONFIG environment variable, or
//   - a --config flag passed to the command.
//
// There is no search path and no merging of environment variables into
// config values. One file, read once, is the whole truth — anything
// else makes a misbehaving deployment impossible to audit.
//
// The terminal fleet lives in a separate device registry file, authored
// as JSONC (JSON with comments and trailing commas) because operators
// annotate device entries heavily. See devices.go.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the agent's service configuration.
type Config struct {
	// Cloud identifies the cloud endpoint the bridge connects to.
	Cloud CloudConfig `yaml:"cloud"`

	// Sync configures the attendance synchronization engine.
	Sync SyncConfig `yaml:"sync"`

	// Bridge configures the persistent cloud connection and the
	// outbound message queue.
	Bridge BridgeConfig `yaml:"bridge"`

	// Security configures signing keys, token lifetimes, and the
	// secret store.
	Security SecurityConfig `yaml:"security"`

	// DeviceRegistry is the path to the JSONC device registry.
	DeviceRegistry string `yaml:"device_registry"`
}

// CloudConfig is the cloud endpoint: base HTTP API URL, websocket URL
// for the realtime channel, and the credentials every request carries.
type CloudConfig struct {
	BaseURL      string `yaml:"base_url"`
	WebsocketURL string `yaml:"websocket_url"`

	// APIKeyFile is the path to the bearer API key (owner-only file).
	APIKeyFile string `yaml:"api_key_file"`

	// OrganizationID is sent as the X-Organization-ID header.
	OrganizationID string `yaml:"organization_id"`

	// RequestTimeout bounds every HTTP call to the cloud API.
	RequestTimeout Duration `yaml:"request_timeout"`
}

// SyncConfig drives the scheduler.
type SyncConfig struct {
	// Tick is the scheduler's wakeup interval. Per-device sync
	// intervals are honored by elapsed-time comparison on each tick,
	// not by per-device timers.
	Tick Duration `yaml:"tick"`

	// DefaultInterval applies to devices whose registry entry does
	// not set one.
	DefaultInterval Duration `yaml:"default_interval"`

	// ConnectTimeout bounds terminal session establishment.
	ConnectTimeout Duration `yaml:"connect_timeout"`

	// StateFile persists per-device sync checkpoints across restarts.
	StateFile string `yaml:"state_file"`
}

// BridgeConfig shapes the cloud connection lifecycle and the outbound
// queue.
type BridgeConfig struct {
	// QueueCapacity bounds the outbound message queue. When full, the
	// oldest message is evicted.
	QueueCapacity int `yaml:"queue_capacity"`

	// DrainInterval is how often queued messages are retried.
	DrainInterval Duration `yaml:"drain_interval"`

	// HeartbeatInterval is how often liveness is reported.
	HeartbeatInterval Duration `yaml:"heartbeat_interval"`

	// ReconnectDelay applies after a clean connection close;
	// ReconnectErrorDelay after an abnormal one.
	ReconnectDelay      Duration `yaml:"reconnect_delay"`
	ReconnectErrorDelay Duration `yaml:"reconnect_error_delay"`

	// SpoolPath, when set, persists undelivered queue entries across
	// restarts. SpoolCompression is one of "none", "lz4", "zstd".
	SpoolPath        string `yaml:"spool_path"`
	SpoolCompression string `yaml:"spool_compression"`
}

// SecurityConfig configures the security gateway.
type SecurityConfig struct {
	// SigningKeyFile holds the keyed-hash secret for request
	// signatures (owner-only file).
	SigningKeyFile string `yaml:"signing_key_file"`

	// TokenKeyFile holds the Ed25519 token signing seed
	// (owner-only file).
	TokenKeyFile string `yaml:"token_key_file"`

	// FreshnessWindow rejects request signatures older than this.
	FreshnessWindow Duration `yaml:"freshness_window"`

	// Token lifetimes, per type.
	DeviceTokenTTL  Duration `yaml:"device_token_ttl"`
	SessionTokenTTL Duration `yaml:"session_token_ttl"`

	// SecretStorePath is the encrypted secrets file;
	// SecretStoreKeyFile its age identity.
	SecretStorePath    string `yaml:"secret_store_path"`
	SecretStoreKeyFile string `yaml:"secret_store_key_file"`
}

// Default returns the base configuration. The config file is still
// required; defaults only give every tunable a sensible zero state.
func Default() *Config {
	return &Config{
		Cloud: CloudConfig{
			RequestTimeout: Duration(30 * time.Second),
		},
		Sync: SyncConfig{
			Tick:            Duration(15 * time.Second),
			DefaultInterval: Duration(5 * time.Minute),
			ConnectTimeout:  Duration(10 * time.Second),
		},
		Bridge: BridgeConfig{
			QueueCapacity:       1000,
			DrainInterval:       Duration(10 * time.Second),
			HeartbeatInterval:   Duration(30 * time.Second),
			ReconnectDelay:      Duration(5 * time.Second),
			ReconnectErrorDelay: Duration(15 * time.Second),
			SpoolCompression:    "zstd",
		},
		Security: SecurityConfig{
			FreshnessWindow: Duration(300 * time.Second),
			DeviceTokenTTL:  Duration(24 * time.Hour),
			SessionTokenTTL: Duration(8 * time.Hour),
		},
	}
}

// Load reads the path named by TIMEBRIDGE_CONFIG. Fails when unset —
// there are no fallback locations.
func Load() (*Config, error) {
	path := os.Getenv("TIMEBRIDGE_CONFIG")
	if path == "" {
		return nil, fmt.Errorf("TIMEBRIDGE_CONFIG environment variable not set; " +
			"point it at your timebridge.yaml, or pass --config")
	}
	return LoadFile(path)
}

// LoadFile reads and validates a configuration file.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Validate collects every problem in the configuration rather than
// failing on the first, so an operator fixes a bad file in one pass.
func (c *Config) Validate() error {
	var errs []error

	if c.Cloud.BaseURL == "" {
		errs = append(errs, fmt.Errorf("cloud.base_url is required"))
	}
	if c.Cloud.WebsocketURL == "" {
		errs = append(errs, fmt.Errorf("cloud.websocket_url is required"))
	}
	if c.Cloud.OrganizationID == "" {
		errs = append(errs, fmt.Errorf("cloud.organization_id is required"))
	}
	if c.Cloud.APIKeyFile == "" {
		errs = append(errs, fmt.Errorf("cloud.api_key_file is required"))
	}
	if c.DeviceRegistry == "" {
		errs = append(errs, fmt.Errorf("device_registry is required"))
	}
	if c.Bridge.QueueCapacity <= 0 {
		errs = append(errs, fmt.Errorf("bridge.queue_capacity must be positive, got %d", c.Bridge.QueueCapacity))
	}
	switch c.Bridge.SpoolCompression {
	case "none", "lz4", "zstd":
	default:
		errs = append(errs, fmt.Errorf("bridge.spool_compression must be one of none, lz4, zstd; got %q", c.Bridge.SpoolCompression))
	}
	if c.Sync.Tick.Value() <= 0 {
		errs = append(errs, fmt.Errorf("sync.tick must be positive"))
	}
	if c.Security.SigningKeyFile == "" {
		errs = append(errs, fmt.Errorf("security.signing_key_file is required"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
