// Copyright 2026 The Timebridge Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/pflag"

	"github.com/timebridge-io/timebridge/cmd/timebridge/cli"
)

func syncCommand() *cli.Command {
	var configPath string
	var deviceID string
	var sinceRaw string

	return &cli.Command{
		Name:    "sync",
		Summary: "trigger attendance synchronization for a device",
		Usage:   "timebridge sync --device <id> [--since <rfc3339>]",
		Examples: []cli.Example{
			{Description: "sync the main door now", Command: "timebridge sync --device door-1"},
			{Description: "replay events from a point in time", Command: "timebridge sync --device door-1 --since 2026-03-01T00:00:00Z"},
		},
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("sync", pflag.ContinueOnError)
			flags.StringVar(&configPath, "config", "", "path to timebridge.yaml")
			flags.StringVar(&deviceID, "device", "", "device ID (required)")
			flags.StringVar(&sinceRaw, "since", "", "re-read events newer than this RFC 3339 timestamp")
			return flags
		},
		Run: func(args []string) error {
			if deviceID == "" {
				return fmt.Errorf("--device is required")
			}
			var since *time.Time
			if sinceRaw != "" {
				parsed, err := time.Parse(time.RFC3339, sinceRaw)
				if err != nil {
					return fmt.Errorf("invalid --since %q: %w", sinceRaw, err)
				}
				since = &parsed
			}

			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			link, cleanup, err := cloudLink(cfg, deviceID)
			if err != nil {
				return err
			}
			defer cleanup()

			ctx := context.Background()
			if err := link.Connect(ctx); err != nil {
				return fmt.Errorf("reaching device %s: %w", deviceID, err)
			}
			processed, err := link.SyncAttendance(ctx, since)
			if err != nil {
				return err
			}
			fmt.Printf("synchronized %d event(s) from %s\n", processed, deviceID)
			return nil
		},
	}
}
