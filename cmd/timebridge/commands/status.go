// Copyright 2026 The Timebridge Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/pflag"

	"github.com/timebridge-io/timebridge/cmd/timebridge/cli"
	"github.com/timebridge-io/timebridge/lib/config"
)

// deviceStatus is one row of status output.
type deviceStatus struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Transport    string `json:"transport"`
	CloudEnabled bool   `json:"cloud_enabled"`
	Reachable    bool   `json:"reachable"`
	Error        string `json:"error,omitempty"`
}

func statusCommand() *cli.Command {
	var configPath string
	var asJSON bool

	return &cli.Command{
		Name:    "status",
		Summary: "probe every registered device through the cloud",
		Usage:   "timebridge status [--json]",
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("status", pflag.ContinueOnError)
			flags.StringVar(&configPath, "config", "", "path to timebridge.yaml")
			flags.BoolVar(&asJSON, "json", false, "output as JSON")
			return flags
		},
		Run: func(args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			devices, err := config.LoadDevices(cfg.DeviceRegistry)
			if err != nil {
				return err
			}

			ctx := context.Background()
			statuses := make([]deviceStatus, 0, len(devices))
			for _, device := range devices {
				statuses = append(statuses, probeDevice(ctx, cfg, device))
			}

			if asJSON {
				return cli.WriteJSON(statuses)
			}
			tw := tabwriter.NewWriter(os.Stdout, 2, 0, 3, ' ', 0)
			fmt.Fprintln(tw, "DEVICE\tNAME\tTRANSPORT\tCLOUD\tREACHABLE")
			for _, status := range statuses {
				reachable := "yes"
				if !status.Reachable {
					reachable = "no"
					if status.Error != "" {
						reachable = "no (" + status.Error + ")"
					}
				}
				cloud := "enabled"
				if !status.CloudEnabled {
					cloud = "-"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
					status.ID, status.Name, status.Transport, cloud, reachable)
			}
			return tw.Flush()
		},
	}
}

func probeDevice(ctx context.Context, cfg *config.Config, device config.Device) deviceStatus {
	status := deviceStatus{
		ID:           device.ID,
		Name:         device.Name,
		Transport:    string(device.Transport),
		CloudEnabled: device.CloudEnabled,
	}

	link, cleanup, err := cloudLink(cfg, device.ID)
	if err != nil {
		status.Error = err.Error()
		return status
	}
	defer cleanup()

	if err := link.Connect(ctx); err != nil {
		status.Error = err.Error()
		return status
	}
	status.Reachable = true
	return status
}
