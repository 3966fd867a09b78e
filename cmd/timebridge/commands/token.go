// Copyright 2026 The Timebridge Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"crypto/ed25519"
	"fmt"
	"time"

	"github.com/spf13/pflag"

	"github.com/timebridge-io/timebridge/cmd/timebridge/cli"
	"github.com/timebridge-io/timebridge/lib/secret"
	"github.com/timebridge-io/timebridge/security"
)

func tokenCommand() *cli.Command {
	return &cli.Command{
		Name:    "token",
		Summary: "mint and verify identity tokens",
		Subcommands: []*cli.Command{
			tokenMintCommand(),
			tokenVerifyCommand(),
		},
	}
}

func tokenMintCommand() *cli.Command {
	var configPath string
	var subject string
	var tokenType string
	var lifetime time.Duration

	return &cli.Command{
		Name:    "mint",
		Summary: "mint a signed device or session token",
		Usage:   "timebridge token mint --subject <id> --type device|session [--lifetime <d>]",
		Examples: []cli.Example{
			{Description: "mint a 24h device token", Command: "timebridge token mint --subject door-1 --type device"},
			{Description: "mint a short operator session", Command: "timebridge token mint --subject ops@example.com --type session --lifetime 1h"},
		},
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("mint", pflag.ContinueOnError)
			flags.StringVar(&configPath, "config", "", "path to timebridge.yaml")
			flags.StringVar(&subject, "subject", "", "identity the token speaks for (required)")
			flags.StringVar(&tokenType, "type", "device", "token type: device or session")
			flags.DurationVar(&lifetime, "lifetime", 0, "override the configured lifetime")
			return flags
		},
		Run: func(args []string) error {
			if subject == "" {
				return fmt.Errorf("--subject is required")
			}
			wantType, err := parseTokenType(tokenType)
			if err != nil {
				return err
			}

			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			privateKey, err := tokenKey(cfg.Security.TokenKeyFile)
			if err != nil {
				return err
			}

			ttl := lifetime
			if ttl <= 0 {
				if wantType == security.TokenDevice {
					ttl = cfg.Security.DeviceTokenTTL.Value()
				} else {
					ttl = cfg.Security.SessionTokenTTL.Value()
				}
			}

			token, err := security.MintToken(privateKey, subject, wantType, ttl, time.Now())
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
}

func tokenVerifyCommand() *cli.Command {
	var configPath string
	var tokenType string

	return &cli.Command{
		Name:    "verify",
		Summary: "verify a token and print its claims",
		Usage:   "timebridge token verify --type device|session <token>",
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("verify", pflag.ContinueOnError)
			flags.StringVar(&configPath, "config", "", "path to timebridge.yaml")
			flags.StringVar(&tokenType, "type", "device", "expected token type: device or session")
			return flags
		},
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("exactly one token argument is required")
			}
			wantType, err := parseTokenType(tokenType)
			if err != nil {
				return err
			}

			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			privateKey, err := tokenKey(cfg.Security.TokenKeyFile)
			if err != nil {
				return err
			}

			token, err := security.VerifyToken(privateKey.Public().(ed25519.PublicKey), args[0], wantType)
			if err != nil {
				return err
			}
			return cli.WriteJSON(token)
		},
	}
}

func parseTokenType(name string) (security.TokenType, error) {
	switch name {
	case "device":
		return security.TokenDevice, nil
	case "session":
		return security.TokenSession, nil
	default:
		return "", fmt.Errorf("invalid --type %q: must be device or session", name)
	}
}

// tokenKey loads the Ed25519 signing key from its 32-byte seed file.
func tokenKey(path string) (ed25519.PrivateKey, error) {
	if path == "" {
		return nil, fmt.Errorf("security.token_key_file is not configured")
	}
	seed, err := secret.ReadKeyFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading token key: %w", err)
	}
	defer seed.Close()
	if seed.Len() != ed25519.SeedSize {
		return nil, fmt.Errorf("token key file %s: want %d-byte seed, got %d bytes", path, ed25519.SeedSize, seed.Len())
	}
	return ed25519.NewKeyFromSeed(seed.Bytes()), nil
}
