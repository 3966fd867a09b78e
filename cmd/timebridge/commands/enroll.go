// Copyright 2026 The Timebridge Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/timebridge-io/timebridge/cmd/timebridge/cli"
	"github.com/timebridge-io/timebridge/lib/secret"
	"github.com/timebridge-io/timebridge/terminal"
)

func enrollCommand() *cli.Command {
	var configPath string
	var deviceID string
	var userID string
	var name string
	var privilege int
	var groupID int
	var overwrite bool
	var withPassword bool

	return &cli.Command{
		Name:    "enroll",
		Summary: "create a user on a terminal",
		Usage:   "timebridge enroll --device <id> --user-id <id> --name <name> [flags]",
		Examples: []cli.Example{
			{Description: "enroll a new user", Command: "timebridge enroll --device door-1 --user-id 1001 --name \"Ada Lovelace\""},
			{Description: "replace an existing record", Command: "timebridge enroll --device door-1 --user-id 1001 --name \"Ada L.\" --overwrite"},
		},
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("enroll", pflag.ContinueOnError)
			flags.StringVar(&configPath, "config", "", "path to timebridge.yaml")
			flags.StringVar(&deviceID, "device", "", "device ID (required)")
			flags.StringVar(&userID, "user-id", "", "business user ID (required)")
			flags.StringVar(&name, "name", "", "display name")
			flags.IntVar(&privilege, "privilege", 0, "terminal privilege level")
			flags.IntVar(&groupID, "group", 0, "terminal group")
			flags.BoolVar(&overwrite, "overwrite", false, "replace an existing record for the same user ID")
			flags.BoolVar(&withPassword, "password", false, "prompt for a terminal PIN")
			return flags
		},
		Run: func(args []string) error {
			if deviceID == "" || userID == "" {
				return fmt.Errorf("--device and --user-id are required")
			}

			password := ""
			if withPassword {
				entered, err := promptPassword()
				if err != nil {
					return err
				}
				password = entered
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
			result := link.EnrollUser(ctx, terminal.EnrollRequest{
				UserID:    userID,
				Name:      name,
				Privilege: privilege,
				Password:  password,
				GroupID:   groupID,
				Overwrite: overwrite,
			})

			switch {
			case result.OK:
				fmt.Printf("enrolled %s on %s (slot %d)\n", userID, deviceID, result.UID)
				return nil
			case result.UserExists:
				existing := ""
				if result.Existing != nil {
					existing = fmt.Sprintf(" (currently %q in slot %d)", result.Existing.Name, result.Existing.UID)
				}
				return fmt.Errorf("user %s already exists%s; pass --overwrite to replace", userID, existing)
			default:
				return fmt.Errorf("enrollment failed: %s", result.Message)
			}
		},
	}
}

// promptPassword reads a PIN with echo disabled and a confirmation
// pass. Piped stdin reads a single line without prompting.
func promptPassword() (string, error) {
	stdinFd := int(os.Stdin.Fd())
	if !term.IsTerminal(stdinFd) {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			return "", fmt.Errorf("reading password from stdin: %w", err)
		}
		return strings.TrimRight(line, "\r\n"), nil
	}

	fmt.Fprint(os.Stderr, "PIN: ")
	first, err := term.ReadPassword(stdinFd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	defer secret.Zero(first)

	fmt.Fprint(os.Stderr, "Confirm PIN: ")
	second, err := term.ReadPassword(stdinFd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading password confirmation: %w", err)
	}
	defer secret.Zero(second)

	if string(first) != string(second) {
		return "", fmt.Errorf("passwords do not match")
	}
	return string(first), nil
}
