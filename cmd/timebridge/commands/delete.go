// Copyright 2026 The Timebridge Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"fmt"

	"github.com/spf13/pflag"

	"github.com/timebridge-io/timebridge/cmd/timebridge/cli"
)

func deleteUserCommand() *cli.Command {
	var configPath string
	var deviceID string
	var userID string

	return &cli.Command{
		Name:    "delete-user",
		Summary: "remove a user from a terminal",
		Usage:   "timebridge delete-user --device <id> --user-id <id>",
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("delete-user", pflag.ContinueOnError)
			flags.StringVar(&configPath, "config", "", "path to timebridge.yaml")
			flags.StringVar(&deviceID, "device", "", "device ID (required)")
			flags.StringVar(&userID, "user-id", "", "business user ID (required)")
			return flags
		},
		Run: func(args []string) error {
			if deviceID == "" || userID == "" {
				return fmt.Errorf("--device and --user-id are required")
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
			result := link.DeleteUser(ctx, userID)
			switch {
			case result.OK:
				fmt.Printf("deleted %s from %s\n", userID, deviceID)
				return nil
			case !result.Found && result.Message != "":
				return fmt.Errorf("%s", result.Message)
			case !result.Found:
				return fmt.Errorf("no user %s on %s", userID, deviceID)
			default:
				return fmt.Errorf("deletion failed: %s", result.Message)
			}
		},
	}
}
