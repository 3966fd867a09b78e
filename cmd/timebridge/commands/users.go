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
)

func usersCommand() *cli.Command {
	var configPath string
	var deviceID string
	var asJSON bool

	return &cli.Command{
		Name:    "users",
		Summary: "list the users on a terminal",
		Usage:   "timebridge users --device <id> [--json]",
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("users", pflag.ContinueOnError)
			flags.StringVar(&configPath, "config", "", "path to timebridge.yaml")
			flags.StringVar(&deviceID, "device", "", "device ID (required)")
			flags.BoolVar(&asJSON, "json", false, "output as JSON")
			return flags
		},
		Run: func(args []string) error {
			if deviceID == "" {
				return fmt.Errorf("--device is required")
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
			users, err := link.ListUsers(ctx)
			if err != nil {
				return err
			}

			if asJSON {
				return cli.WriteJSON(users)
			}
			tw := tabwriter.NewWriter(os.Stdout, 2, 0, 3, ' ', 0)
			fmt.Fprintln(tw, "UID\tUSER ID\tNAME\tPRIVILEGE\tGROUP")
			for _, user := range users {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%d\n",
					user.UID, user.UserID, user.Name, user.Privilege, user.GroupID)
			}
			return tw.Flush()
		},
	}
}
