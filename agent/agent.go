// Copyright 2026 The Timebridge Authors
// SPDX-License-Identifier: Apache-2.0

// Package agent composes the whole service: terminal links, the sync
// scheduler, the cloud bridge, and the enrollment coordinator, all
// built from one configuration. The agent is also the bridge's
// inbound handler, routing device commands to links and sync requests
// to the scheduler.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/timebridge-io/timebridge/bridge"
	"github.com/timebridge-io/timebridge/enroll"
	"github.com/timebridge-io/timebridge/lib/clock"
	"github.com/timebridge-io/timebridge/lib/config"
	"github.com/timebridge-io/timebridge/lib/secret"
	"github.com/timebridge-io/timebridge/security"
	"github.com/timebridge-io/timebridge/syncer"
	"github.com/timebridge-io/timebridge/terminal"
)

// eventStreamCapacity bounds the local attendance stream. A slow
// consumer loses events from the stream only; cloud delivery is
// unaffected.
const eventStreamCapacity = 256

// Options configures an Agent.
type Options struct {
	// Config is the validated service configuration.
	Config *config.Config

	// Devices is the terminal registry.
	Devices []config.Device

	// Drivers opens vendor protocol sessions for direct-transport
	// devices. Required when the registry has any.
	Drivers terminal.DriverFactory

	// Dialer overrides the bridge's transport establishment. Nil
	// means the production websocket dialer.
	Dialer bridge.Dialer

	// Clock drives every timer. Nil means clock.Real().
	Clock clock.Clock

	// Logger receives structured output. Nil means slog.Default().
	Logger *slog.Logger
}

// Agent owns the service's moving parts and the shared per-device
// link cache. Links are shared between the scheduler and the admin
// surface; each link serializes its own bulk operations, so sharing
// is safe and keeps the one-session-per-terminal property.
type Agent struct {
	cfg     *config.Config
	devices map[string]config.Device
	drivers terminal.DriverFactory
	clock   clock.Clock
	logger  *slog.Logger

	// baseLogger is the unscoped logger handed to link constructors,
	// which apply their own component scoping.
	baseLogger *slog.Logger

	signingKey *secret.Buffer
	apiKey     *secret.Buffer
	signer     *security.Signer

	bridge      *bridge.Bridge
	scheduler   *syncer.Scheduler
	coordinator *enroll.Coordinator
	checkpoints *syncer.Checkpoints

	events        chan terminal.AttendanceEvent
	droppedEvents atomic.Uint64

	mu    sync.Mutex
	links map[string]terminal.Link
}

// Compile-time checks: the agent is the bridge's handler and the
// scheduler's publisher.
var (
	_ bridge.Handler   = (*Agent)(nil)
	_ syncer.Publisher = (*Agent)(nil)
)

// New builds an Agent from configuration. Key files are read once,
// here; a missing or unreadable key is a construction error, not a
// runtime one.
func New(opts Options) (*Agent, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("agent: nil config")
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg := opts.Config

	signingKey, err := secret.ReadKeyFile(cfg.Security.SigningKeyFile)
	if err != nil {
		return nil, fmt.Errorf("agent: reading signing key: %w", err)
	}
	apiKey, err := secret.ReadKeyFile(cfg.Cloud.APIKeyFile)
	if err != nil {
		signingKey.Close()
		return nil, fmt.Errorf("agent: reading API key: %w", err)
	}
	signer := security.NewSigner(signingKey, cfg.Security.FreshnessWindow.Value(), clk)

	checkpoints, err := syncer.LoadCheckpoints(cfg.Sync.StateFile)
	if err != nil {
		signingKey.Close()
		apiKey.Close()
		return nil, fmt.Errorf("agent: loading checkpoints: %w", err)
	}

	spoolCompression := bridge.CompressionZstd
	if cfg.Bridge.SpoolCompression != "" {
		spoolCompression, err = bridge.ParseCompressionTag(cfg.Bridge.SpoolCompression)
		if err != nil {
			signingKey.Close()
			apiKey.Close()
			return nil, fmt.Errorf("agent: %w", err)
		}
	}

	devices := make(map[string]config.Device, len(opts.Devices))
	for _, device := range opts.Devices {
		devices[device.ID] = device
	}

	a := &Agent{
		cfg:         cfg,
		devices:     devices,
		drivers:     opts.Drivers,
		clock:       clk,
		logger:      logger.With("component", "agent"),
		baseLogger:  logger,
		signingKey:  signingKey,
		apiKey:      apiKey,
		signer:      signer,
		checkpoints: checkpoints,
		events:      make(chan terminal.AttendanceEvent, eventStreamCapacity),
		links:       make(map[string]terminal.Link),
	}

	a.bridge = bridge.New(bridge.Config{
		URL:                 cfg.Cloud.WebsocketURL,
		APIKey:              apiKey,
		OrganizationID:      cfg.Cloud.OrganizationID,
		Signer:              signer,
		Devices:             opts.Devices,
		QueueCapacity:       cfg.Bridge.QueueCapacity,
		DrainInterval:       cfg.Bridge.DrainInterval.Value(),
		HeartbeatInterval:   cfg.Bridge.HeartbeatInterval.Value(),
		ReconnectDelay:      cfg.Bridge.ReconnectDelay.Value(),
		ReconnectErrorDelay: cfg.Bridge.ReconnectErrorDelay.Value(),
		SpoolPath:           cfg.Bridge.SpoolPath,
		SpoolCompression:    spoolCompression,
		Handler:             a,
		Dialer:              opts.Dialer,
		Clock:               clk,
		Logger:              logger,
	})

	a.scheduler = syncer.New(syncer.Config{
		Devices:         opts.Devices,
		Tick:            cfg.Sync.Tick.Value(),
		DefaultInterval: cfg.Sync.DefaultInterval.Value(),
		Publisher:       a,
		Links:           a.sharedLink,
		Checkpoints:     checkpoints,
		Clock:           clk,
		Logger:          logger,
	})

	a.coordinator = enroll.New(enroll.Config{
		Clock:  clk,
		Logger: logger,
	})

	return a, nil
}

// Run drives the bridge and the scheduler until ctx is cancelled,
// then releases every held resource.
func (a *Agent) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errs := make(chan error, 2)
	go func() { errs <- a.bridge.Run(ctx) }()
	go func() { errs <- a.scheduler.Run(ctx) }()

	// Both loops exit only on context cancellation; the first return
	// pulls the plug on the other.
	err := <-errs
	cancel()
	<-errs

	a.close()
	return err
}

// close releases links and key material. Called once, from Run's
// exit path.
func (a *Agent) close() {
	a.scheduler.Close()

	a.mu.Lock()
	links := a.links
	a.links = make(map[string]terminal.Link)
	a.mu.Unlock()
	for deviceID, link := range links {
		if err := link.Disconnect(); err != nil {
			a.logger.Warn("link disconnect failed during shutdown",
				"device_id", deviceID,
				"error", err,
			)
		}
	}

	a.signingKey.Close()
	a.apiKey.Close()
}

// Events is the local attendance stream: every event accepted for
// cloud delivery is also offered here. The stream drops under
// backpressure; DroppedEvents counts the losses.
func (a *Agent) Events() <-chan terminal.AttendanceEvent {
	return a.events
}

// DroppedEvents reports how many events the local stream has dropped.
func (a *Agent) DroppedEvents() uint64 {
	return a.droppedEvents.Load()
}

// Bridge exposes bridge state for the status surface.
func (a *Agent) Bridge() *bridge.Bridge { return a.bridge }

// PublishEvent forwards an event to the bridge and mirrors it onto
// the local stream. Bridge acceptance (live send or queue admission)
// is what callers' checkpoints key on; the local stream is
// best-effort.
func (a *Agent) PublishEvent(ctx context.Context, event terminal.AttendanceEvent) error {
	if err := a.bridge.PublishEvent(ctx, event); err != nil {
		return err
	}
	select {
	case a.events <- event:
	default:
		a.droppedEvents.Add(1)
	}
	return nil
}

// sharedLink is the scheduler's link factory. It returns the cached
// link for the device so the scheduler and the admin surface share
// one session per terminal.
func (a *Agent) sharedLink(device config.Device) (terminal.Link, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if link, ok := a.links[device.ID]; ok {
		return link, nil
	}
	link, err := a.newLink(device)
	if err != nil {
		return nil, err
	}
	a.links[device.ID] = link
	return link, nil
}

// newLink builds an unconnected link for a device. Caller holds a.mu.
func (a *Agent) newLink(device config.Device) (terminal.Link, error) {
	switch device.Transport {
	case config.TransportDirect:
		if a.drivers == nil {
			return nil, fmt.Errorf("agent: device %s uses direct transport but no driver factory is configured", device.ID)
		}
		commKey := ""
		if device.CommKeyFile != "" {
			key, err := secret.ReadKeyFile(device.CommKeyFile)
			if err != nil {
				return nil, fmt.Errorf("agent: reading comm key for %s: %w", device.ID, err)
			}
			commKey = key.String()
			key.Close()
		}
		timeout := device.ConnectTimeout.Value()
		if timeout <= 0 {
			timeout = a.cfg.Sync.ConnectTimeout.Value()
		}
		return terminal.NewDirectLink(terminal.DirectConfig{
			DeviceID:       device.ID,
			Driver:         a.drivers(device.Address, device.Port, commKey),
			ConnectTimeout: timeout,
			Logger:         a.baseLogger,
		}), nil

	case config.TransportRelay:
		return terminal.NewRelayLink(terminal.RelayConfig{
			DeviceID:       device.ID,
			BaseURL:        a.cfg.Cloud.BaseURL,
			OrganizationID: a.cfg.Cloud.OrganizationID,
			APIKey:         a.apiKey,
			Signer:         a.signer,
			Timeout:        a.cfg.Cloud.RequestTimeout.Value(),
			Clock:          a.clock,
			Logger:         a.baseLogger,
		}), nil

	default:
		return nil, fmt.Errorf("agent: device %s has unknown transport %q", device.ID, device.Transport)
	}
}

// link resolves a device ID to a connected link.
func (a *Agent) link(ctx context.Context, deviceID string) (terminal.Link, error) {
	device, ok := a.devices[deviceID]
	if !ok {
		return nil, fmt.Errorf("agent: unknown device %q", deviceID)
	}
	link, err := a.sharedLink(device)
	if err != nil {
		return nil, err
	}
	if !link.Connected() {
		if err := link.Connect(ctx); err != nil {
			return nil, fmt.Errorf("agent: connecting to %s: %w", deviceID, err)
		}
	}
	return link, nil
}
