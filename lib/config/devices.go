// Copyright 2026 The Timebridge Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/tidwall/jsonc"
)

// Transport selects how a terminal is reached.
type Transport string

const (
	// TransportDirect opens a local network session to the terminal.
	TransportDirect Transport = "direct"
	// TransportRelay proxies operations through the cloud API.
	TransportRelay Transport = "relay"
)

// Device is one configured attendance terminal. Registry entries are
// authored in JSONC; see LoadDevices.
type Device struct {
	// ID uniquely identifies the terminal across the deployment.
	ID string `json:"id"`

	// Name is the operator-facing display name.
	Name string `json:"name"`

	// Transport is "direct" or "relay".
	Transport Transport `json:"transport"`

	// Address and Port locate the terminal for direct transport.
	Address string `json:"address"`
	Port    int    `json:"port"`

	// CloudEnabled marks the device for registration, heartbeat
	// stats, and scheduled synchronization.
	CloudEnabled bool `json:"cloud_enabled"`

	// SyncInterval overrides sync.default_interval for this device.
	SyncInterval Duration `json:"sync_interval,omitempty"`

	// ConnectTimeout overrides sync.connect_timeout for this device.
	ConnectTimeout Duration `json:"connect_timeout,omitempty"`

	// CommKeyFile holds the terminal's communication password, when
	// the firmware requires one.
	CommKeyFile string `json:"comm_key_file,omitempty"`
}

// registry is the top-level shape of the device registry file.
type registry struct {
	Devices []Device `json:"devices"`
}

// LoadDevices reads a JSONC device registry. Comments and trailing
// commas are stripped before standard JSON decoding.
func LoadDevices(path string) ([]Device, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseDevices(data)
}

// ParseDevices decodes and validates registry bytes.
func ParseDevices(data []byte) ([]Device, error) {
	var reg registry
	if err := json.Unmarshal(jsonc.ToJSON(data), &reg); err != nil {
		return nil, fmt.Errorf("config: parsing device registry: %w", err)
	}

	var errs []error
	seen := make(map[string]bool, len(reg.Devices))
	for i, device := range reg.Devices {
		if device.ID == "" {
			errs = append(errs, fmt.Errorf("device %d: id is required", i))
			continue
		}
		if seen[device.ID] {
			errs = append(errs, fmt.Errorf("device %q: duplicate id", device.ID))
		}
		seen[device.ID] = true

		switch device.Transport {
		case TransportDirect:
			if device.Address == "" {
				errs = append(errs, fmt.Errorf("device %q: address is required for direct transport", device.ID))
			}
			if device.Port <= 0 || device.Port > 65535 {
				errs = append(errs, fmt.Errorf("device %q: port %d out of range", device.ID, device.Port))
			}
		case TransportRelay:
		default:
			errs = append(errs, fmt.Errorf("device %q: unknown transport %q", device.ID, device.Transport))
		}
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return reg.Devices, nil
}
