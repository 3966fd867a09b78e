// Copyright 2026 The Timebridge Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"strings"
	"testing"
	"time"
)

const registryJSONC = `{
	// Ground floor entrance, fingerprint + card reader.
	"devices": [
		{
			"id": "181",
			"name": "Front Gate",
			"transport": "direct",
			"address": "10.0.4.181",
			"port": 4370,
			"cloud_enabled": true,
			"sync_interval": "3m",
		},
		{
			"id": "remote-2",
			"name": "Warehouse",
			"transport": "relay",
			"cloud_enabled": true,
		},
	],
}`

func TestParseDevicesJSONC(t *testing.T) {
	devices, err := ParseDevices([]byte(registryJSONC))
	if err != nil {
		t.Fatalf("ParseDevices: %v", err)
	}
	if len(devices) != 2 {
		t.Fatalf("len(devices) = %d, want 2", len(devices))
	}

	front := devices[0]
	if front.ID != "181" || front.Transport != TransportDirect {
		t.Errorf("device 0 = %+v, want id 181, direct transport", front)
	}
	if got := front.SyncInterval.Value(); got != 3*time.Minute {
		t.Errorf("SyncInterval = %v, want 3m", got)
	}
	if devices[1].Transport != TransportRelay {
		t.Errorf("device 1 transport = %q, want relay", devices[1].Transport)
	}
}

func TestParseDevicesValidation(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr string
	}{
		{
			"duplicate_id",
			`{"devices":[{"id":"a","transport":"relay"},{"id":"a","transport":"relay"}]}`,
			"duplicate id",
		},
		{
			"missing_id",
			`{"devices":[{"transport":"relay"}]}`,
			"id is required",
		},
		{
			"unknown_transport",
			`{"devices":[{"id":"a","transport":"carrier-pigeon"}]}`,
			"unknown transport",
		},
		{
			"direct_without_address",
			`{"devices":[{"id":"a","transport":"direct","port":4370}]}`,
			"address is required",
		},
		{
			"port_out_of_range",
			`{"devices":[{"id":"a","transport":"direct","address":"10.0.0.1","port":70000}]}`,
			"out of range",
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := ParseDevices([]byte(test.input))
			if err == nil {
				t.Fatalf("ParseDevices accepted invalid registry, want error containing %q", test.wantErr)
			}
			if !strings.Contains(err.Error(), test.wantErr) {
				t.Errorf("error = %v, want substring %q", err, test.wantErr)
			}
		})
	}
}
