// Copyright 2026 The Timebridge Authors
// SPDX-License-Identifier: Apache-2.0

// timebridge-agent is the on-premise daemon: it holds the terminal
// sessions, runs scheduled attendance synchronization, and maintains
// the persistent cloud connection.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/timebridge-io/timebridge/agent"
	"github.com/timebridge-io/timebridge/lib/config"
	"github.com/timebridge-io/timebridge/lib/version"
	"github.com/timebridge-io/timebridge/terminal"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "",
		"path to timebridge.yaml (defaults to $TIMEBRIDGE_CONFIG)")
	devicesPath := flag.String("devices", "",
		"path to the device registry (overrides device_registry in the config)")
	mockDevices := flag.Bool("mock-devices", false,
		"back direct-transport devices with in-memory drivers (local development)")
	logLevel := flag.String("log-level", "info",
		"log level: debug, info, warn, error")
	showVersion := flag.Bool("version", false, "print version and exit")

	flag.Parse()

	if *showVersion {
		fmt.Printf("timebridge-agent %s\n", version.Info())
		return nil
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		return fmt.Errorf("invalid --log-level %q", *logLevel)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.LoadFile(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}

	registryPath := cfg.DeviceRegistry
	if *devicesPath != "" {
		registryPath = *devicesPath
	}
	devices, err := config.LoadDevices(registryPath)
	if err != nil {
		return err
	}

	var drivers terminal.DriverFactory
	if *mockDevices {
		drivers = func(address string, port int, commKey string) terminal.Driver {
			return terminal.NewMemDriver(terminal.Capabilities{StartCapture: true})
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := agent.New(agent.Options{
		Config:  cfg,
		Devices: devices,
		Drivers: drivers,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	logger.Info("timebridge agent running",
		"version", version.Short(),
		"devices", len(devices),
		"registry", registryPath,
		"cloud", cfg.Cloud.BaseURL,
	)

	err = a.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("timebridge agent stopped")
	return nil
}
