// Copyright 2026 The Timebridge Authors
// SPDX-License-Identifier: Apache-2.0

// Package syncer schedules attendance synchronization. One ticker
// drives every cloud-enabled device; per-device intervals are honored
// by comparing elapsed time since the device's last successful run,
// never by spawning a timer per device. A device whose run fails is
// retried on the next tick.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/timebridge-io/timebridge/lib/clock"
	"github.com/timebridge-io/timebridge/lib/config"
	"github.com/timebridge-io/timebridge/terminal"
)

// ErrSyncInFlight is returned when a sync for a device is requested
// while a prior run for the same device has not finished.
var ErrSyncInFlight = errors.New("syncer: sync already in flight for device")

// ErrUnknownDevice is returned for a device ID absent from the
// registry or not cloud-enabled.
var ErrUnknownDevice = errors.New("syncer: unknown device")

// Publisher accepts synchronized events. The bridge implements it;
// acceptance means the event is on its way or queued, so the
// checkpoint may advance past it.
type Publisher interface {
	PublishEvent(ctx context.Context, event terminal.AttendanceEvent) error
}

// LinkFactory builds a Link for a device. The scheduler owns caching
// and connection lifecycle.
type LinkFactory func(device config.Device) (terminal.Link, error)

// Config configures a Scheduler.
type Config struct {
	// Devices is the full registry; only cloud-enabled entries are
	// scheduled.
	Devices []config.Device

	// Tick is the scheduler wakeup interval. Zero means 15s.
	Tick time.Duration

	// DefaultInterval applies to devices without their own. Zero
	// means 5m.
	DefaultInterval time.Duration

	// Publisher receives fetched events.
	Publisher Publisher

	// Links builds terminal links on demand.
	Links LinkFactory

	// Checkpoints is the per-device position store.
	Checkpoints *Checkpoints

	// Clock drives the tick. Nil means clock.Real().
	Clock clock.Clock

	// Logger receives structured output. Nil means slog.Default().
	Logger *slog.Logger
}

// Scheduler drives periodic synchronization. Each device runs at most
// one sync at a time; cached links are health-probed before reuse and
// rebuilt when the probe fails.
type Scheduler struct {
	devices         []config.Device
	tick            time.Duration
	defaultInterval time.Duration
	publisher       Publisher
	factory         LinkFactory
	checkpoints     *Checkpoints
	clock           clock.Clock
	logger          *slog.Logger

	mu       sync.Mutex
	inFlight map[string]bool
	lastRun  map[string]time.Time
	links    map[string]terminal.Link
}

// New creates a Scheduler. Run must be called for periodic syncs;
// SyncNow works independently of Run.
func New(cfg Config) *Scheduler {
	tick := cfg.Tick
	if tick <= 0 {
		tick = 15 * time.Second
	}
	interval := cfg.DefaultInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var cloudEnabled []config.Device
	for _, device := range cfg.Devices {
		if device.CloudEnabled {
			cloudEnabled = append(cloudEnabled, device)
		}
	}

	return &Scheduler{
		devices:         cloudEnabled,
		tick:            tick,
		defaultInterval: interval,
		publisher:       cfg.Publisher,
		factory:         cfg.Links,
		checkpoints:     cfg.Checkpoints,
		clock:           clk,
		logger:          logger.With("component", "syncer"),
		inFlight:        make(map[string]bool),
		lastRun:         make(map[string]time.Time),
		links:           make(map[string]terminal.Link),
	}
}

// Run ticks until ctx is cancelled. Each tick starts a sync for every
// device whose interval has elapsed; runs happen concurrently across
// devices but never concurrently for one device.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := s.clock.NewTicker(s.tick)
	defer ticker.Stop()

	var wg sync.WaitGroup
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		case <-ticker.C:
			s.runDue(ctx, &wg)
		}
	}
}

// runDue starts a goroutine per due device.
func (s *Scheduler) runDue(ctx context.Context, wg *sync.WaitGroup) {
	now := s.clock.Now()
	for _, device := range s.devices {
		if !s.due(device, now) {
			continue
		}
		wg.Add(1)
		go func(device config.Device) {
			defer wg.Done()
			if _, err := s.syncDevice(ctx, device); err != nil && !errors.Is(err, ErrSyncInFlight) {
				s.logger.Warn("device sync failed",
					"device_id", device.ID,
					"error", err,
				)
			}
		}(device)
	}
}

// due reports whether the device's interval has elapsed since its
// last successful run. A device that has never run is always due, and
// a failed run does not update lastRun — it retries on the next tick.
func (s *Scheduler) due(device config.Device, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	last, ok := s.lastRun[device.ID]
	if !ok {
		return true
	}
	return now.Sub(last) >= s.interval(device)
}

func (s *Scheduler) interval(device config.Device) time.Duration {
	if d := time.Duration(device.SyncInterval); d > 0 {
		return d
	}
	return s.defaultInterval
}

// SyncNow synchronizes one device immediately, or every cloud-enabled
// device when deviceID is empty. Returns the number of events
// published. Used by the admin surface and inbound sync_request
// messages.
func (s *Scheduler) SyncNow(ctx context.Context, deviceID string) (int, error) {
	if deviceID == "" {
		total := 0
		var errs []error
		for _, device := range s.devices {
			processed, err := s.syncDevice(ctx, device)
			total += processed
			if err != nil && !errors.Is(err, ErrSyncInFlight) {
				errs = append(errs, fmt.Errorf("device %s: %w", device.ID, err))
			}
		}
		return total, errors.Join(errs...)
	}

	for _, device := range s.devices {
		if device.ID == deviceID {
			return s.syncDevice(ctx, device)
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownDevice, deviceID)
}

// beginSync claims the single-flight slot for a device.
func (s *Scheduler) beginSync(deviceID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight[deviceID] {
		return false
	}
	s.inFlight[deviceID] = true
	return true
}

func (s *Scheduler) endSync(deviceID string, succeeded bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, deviceID)
	if succeeded {
		s.lastRun[deviceID] = s.clock.Now()
	}
}

// syncDevice runs one synchronization pass: fetch events newer than
// the checkpoint, publish each, and advance the checkpoint to the
// last accepted event. A mid-batch publish failure leaves the
// checkpoint at the last event that was actually accepted, so the
// remainder is refetched next time (delivery is at-least-once).
func (s *Scheduler) syncDevice(ctx context.Context, device config.Device) (processed int, err error) {
	if !s.beginSync(device.ID) {
		return 0, ErrSyncInFlight
	}
	succeeded := false
	defer func() { s.endSync(device.ID, succeeded) }()

	link, err := s.link(ctx, device)
	if err != nil {
		return 0, fmt.Errorf("obtaining link: %w", err)
	}

	var since *time.Time
	if checkpoint, ok := s.checkpoints.Get(device.ID); ok {
		since = &checkpoint
	}

	events, err := link.FetchAttendanceSince(ctx, since)
	if err != nil {
		// The session may be dead; drop it so the next run rebuilds.
		link.Disconnect()
		s.dropLink(device.ID)
		return 0, fmt.Errorf("fetching attendance: %w", err)
	}

	var lastAccepted time.Time
	for _, event := range events {
		if publishErr := s.publisher.PublishEvent(ctx, event); publishErr != nil {
			err = fmt.Errorf("publishing event for user %s: %w", event.UserID, publishErr)
			break
		}
		processed++
		lastAccepted = event.Timestamp
	}

	if processed > 0 {
		if saveErr := s.checkpoints.Set(device.ID, lastAccepted); saveErr != nil {
			s.logger.Error("failed to persist checkpoint",
				"device_id", device.ID,
				"error", saveErr,
			)
		}
	}
	if err != nil {
		return processed, err
	}

	succeeded = true
	if processed > 0 {
		s.logger.Info("device synchronized",
			"device_id", device.ID,
			"events", processed,
		)
	}
	return processed, nil
}

// link returns the cached link for a device after a health probe, or
// builds and connects a fresh one.
func (s *Scheduler) link(ctx context.Context, device config.Device) (terminal.Link, error) {
	s.mu.Lock()
	cached := s.links[device.ID]
	s.mu.Unlock()

	if cached != nil {
		if err := cached.Ping(ctx); err == nil {
			return cached, nil
		}
		s.logger.Info("cached link failed health probe, rebuilding", "device_id", device.ID)
		cached.Disconnect()
		s.dropLink(device.ID)
	}

	link, err := s.factory(device)
	if err != nil {
		return nil, err
	}
	if err := link.Connect(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.links[device.ID] = link
	s.mu.Unlock()
	return link, nil
}

func (s *Scheduler) dropLink(deviceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.links, deviceID)
}

// Close disconnects every cached link.
func (s *Scheduler) Close() {
	s.mu.Lock()
	links := s.links
	s.links = make(map[string]terminal.Link)
	s.mu.Unlock()

	for deviceID, link := range links {
		if err := link.Disconnect(); err != nil {
			s.logger.Warn("link disconnect failed", "device_id", deviceID, "error", err)
		}
	}
}
