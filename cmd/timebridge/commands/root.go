// Copyright 2026 The Timebridge Authors
// SPDX-License-Identifier: Apache-2.0

// Package commands defines the timebridge operator command tree. Every
// command speaks signed HTTP to the cloud API; nothing here opens a
// local terminal session — that is the agent's job.
package commands

import (
	"fmt"

	"github.com/timebridge-io/timebridge/cmd/timebridge/cli"
	"github.com/timebridge-io/timebridge/lib/clock"
	"github.com/timebridge-io/timebridge/lib/config"
	"github.com/timebridge-io/timebridge/lib/secret"
	"github.com/timebridge-io/timebridge/lib/version"
	"github.com/timebridge-io/timebridge/security"
	"github.com/timebridge-io/timebridge/terminal"
)

// Root builds the full command tree.
func Root() *cli.Command {
	return &cli.Command{
		Name:    "timebridge",
		Summary: "operate a fleet of attendance terminals through the cloud API",
		Description: "timebridge is the operator tool for the Timebridge attendance\n" +
			"system: inspect terminals, trigger synchronization, enroll and\n" +
			"remove users, and manage identity tokens.",
		Subcommands: []*cli.Command{
			syncCommand(),
			usersCommand(),
			enrollCommand(),
			deleteUserCommand(),
			statusCommand(),
			tokenCommand(),
			versionCommand(),
		},
	}
}

func versionCommand() *cli.Command {
	return &cli.Command{
		Name:    "version",
		Summary: "print version information",
		Run: func(args []string) error {
			fmt.Println("timebridge " + version.Full())
			return nil
		},
	}
}

// loadConfig resolves the service configuration from --config or
// TIMEBRIDGE_CONFIG.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

// cloudLink builds a connected relay link for one device. The caller
// must invoke the returned cleanup.
func cloudLink(cfg *config.Config, deviceID string) (*terminal.RelayLink, func(), error) {
	signingKey, err := secret.ReadKeyFile(cfg.Security.SigningKeyFile)
	if err != nil {
		return nil, nil, fmt.Errorf("reading signing key: %w", err)
	}
	apiKey, err := secret.ReadKeyFile(cfg.Cloud.APIKeyFile)
	if err != nil {
		signingKey.Close()
		return nil, nil, fmt.Errorf("reading API key: %w", err)
	}

	clk := clock.Real()
	link := terminal.NewRelayLink(terminal.RelayConfig{
		DeviceID:       deviceID,
		BaseURL:        cfg.Cloud.BaseURL,
		OrganizationID: cfg.Cloud.OrganizationID,
		APIKey:         apiKey,
		Signer:         security.NewSigner(signingKey, cfg.Security.FreshnessWindow.Value(), clk),
		Timeout:        cfg.Cloud.RequestTimeout.Value(),
		Clock:          clk,
	})

	cleanup := func() {
		link.Disconnect()
		signingKey.Close()
		apiKey.Close()
	}
	return link, cleanup, nil
}
