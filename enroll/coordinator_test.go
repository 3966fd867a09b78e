// Copyright 2026 The Timebridge Authors
// SPDX-License-Identifier: Apache-2.0

package enroll

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/timebridge-io/timebridge/lib/clock"
	"github.com/timebridge-io/timebridge/terminal"
)

func newCoordinator(clk clock.Clock) *Coordinator {
	return New(Config{
		Clock:  clk,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func TestStartWithCaptureCapability(t *testing.T) {
	driver := terminal.NewMemDriver(terminal.Capabilities{StartCapture: true})
	driver.SeedUsers([]terminal.UserRecord{{UID: 4, UserID: "1001", Name: "Ada"}})
	coordinator := newCoordinator(clock.Real())
	ctx := context.Background()

	result := coordinator.Start(ctx, driver, "door-1", "1001")
	if !result.OK || result.ManualMode {
		t.Fatalf("Start = %+v", result)
	}
	if coordinator.StateOf("door-1") != StateAwaitingCapture {
		t.Errorf("state = %s, want awaiting_capture", coordinator.StateOf("door-1"))
	}
	// Capture targets the existing user's slot, and the terminal
	// stays disabled until End.
	if driver.CaptureUID() != 4 {
		t.Errorf("capture uid = %d, want 4", driver.CaptureUID())
	}
	if driver.Enabled() {
		t.Error("terminal enabled while awaiting capture")
	}

	result = coordinator.End(ctx, driver, "door-1")
	if !result.OK {
		t.Fatalf("End = %+v", result)
	}
	if coordinator.StateOf("door-1") != StateIdle {
		t.Errorf("state after End = %s", coordinator.StateOf("door-1"))
	}
	if !driver.Enabled() {
		t.Error("terminal left disabled after End")
	}
	if driver.CaptureUID() != -1 {
		t.Error("capture not cancelled by End")
	}
}

func TestStartNewUserGetsNextSlot(t *testing.T) {
	driver := terminal.NewMemDriver(terminal.Capabilities{EnrollCommand: true})
	driver.SeedUsers([]terminal.UserRecord{
		{UID: 1, UserID: "1001"},
		{UID: 7, UserID: "1002"},
	})
	coordinator := newCoordinator(clock.Real())

	result := coordinator.Start(context.Background(), driver, "door-1", "1003")
	if !result.OK {
		t.Fatalf("Start = %+v", result)
	}
	if driver.CaptureUID() != 8 {
		t.Errorf("capture uid = %d, want 8 (max existing + 1)", driver.CaptureUID())
	}
}

func TestStartProbesInFixedOrder(t *testing.T) {
	// start_capture is declared but fails; the probe falls through to
	// enroll_command.
	driver := terminal.NewMemDriver(terminal.Capabilities{StartCapture: true, EnrollCommand: true})
	driver.FailOn("start_capture", errors.New("firmware busy"))
	coordinator := newCoordinator(clock.Real())

	result := coordinator.Start(context.Background(), driver, "door-1", "")
	if !result.OK || result.ManualMode {
		t.Fatalf("Start = %+v", result)
	}
	if coordinator.StateOf("door-1") != StateAwaitingCapture {
		t.Errorf("state = %s", coordinator.StateOf("door-1"))
	}
}

func TestStartManualFallback(t *testing.T) {
	driver := terminal.NewMemDriver(terminal.Capabilities{})
	coordinator := newCoordinator(clock.Real())

	result := coordinator.Start(context.Background(), driver, "door-1", "1001")
	if !result.OK || !result.ManualMode {
		t.Fatalf("Start = %+v, want manual mode success", result)
	}
	// Manual mode hands the terminal straight back.
	if !driver.Enabled() {
		t.Error("terminal left disabled in manual mode")
	}
	if coordinator.StateOf("door-1") != StateManualMode {
		t.Errorf("state = %s", coordinator.StateOf("door-1"))
	}

	coordinator.End(context.Background(), driver, "door-1")
	if coordinator.StateOf("door-1") != StateIdle {
		t.Errorf("state after End = %s", coordinator.StateOf("door-1"))
	}
}

func TestStartAllProbesFail(t *testing.T) {
	driver := terminal.NewMemDriver(terminal.Capabilities{StartCapture: true, CaptureSample: true})
	driver.FailOn("start_capture", errors.New("firmware busy"))
	driver.FailOn("capture_sample", errors.New("sensor fault"))
	coordinator := newCoordinator(clock.Real())

	result := coordinator.Start(context.Background(), driver, "door-1", "")
	if result.OK {
		t.Fatalf("Start succeeded with every capture command failing: %+v", result)
	}
	// Failure is not manual mode, and the terminal comes back.
	if result.ManualMode {
		t.Error("failed probes reported as manual mode")
	}
	if !driver.Enabled() {
		t.Error("terminal left disabled after failed probes")
	}
	if coordinator.StateOf("door-1") != StateIdle {
		t.Errorf("state = %s", coordinator.StateOf("door-1"))
	}
}

func TestStartRefusesConcurrentEnrollment(t *testing.T) {
	driver := terminal.NewMemDriver(terminal.Capabilities{StartCapture: true})
	coordinator := newCoordinator(clock.Real())
	ctx := context.Background()

	if result := coordinator.Start(ctx, driver, "door-1", ""); !result.OK {
		t.Fatalf("first Start = %+v", result)
	}
	if result := coordinator.Start(ctx, driver, "door-1", ""); result.OK {
		t.Fatal("second Start succeeded while the first is awaiting capture")
	}
	// Another device is unaffected.
	other := terminal.NewMemDriver(terminal.Capabilities{StartCapture: true})
	if result := coordinator.Start(ctx, other, "door-2", ""); !result.OK {
		t.Fatalf("Start on second device = %+v", result)
	}
}

func TestEndFromAnyState(t *testing.T) {
	coordinator := newCoordinator(clock.Real())
	ctx := context.Background()

	// Idle: End is still safe and leaves the terminal enabled.
	driver := terminal.NewMemDriver(terminal.Capabilities{})
	if result := coordinator.End(ctx, driver, "door-1"); !result.OK {
		t.Fatalf("End from idle = %+v", result)
	}
	if !driver.Enabled() {
		t.Error("terminal disabled after End from idle")
	}

	// A disabled terminal with a stuck capture recovers.
	stuck := terminal.NewMemDriver(terminal.Capabilities{StartCapture: true})
	coordinator.Start(ctx, stuck, "door-2", "")
	stuck.FailOn("cancel_capture", errors.New("no capture in progress"))
	if result := coordinator.End(ctx, stuck, "door-2"); !result.OK {
		t.Fatalf("End with failed cancel = %+v", result)
	}
	if !stuck.Enabled() {
		t.Error("terminal left disabled after End with failed cancel")
	}
}

func TestVerifyRetriesUntilVisible(t *testing.T) {
	driver := terminal.NewMemDriver(terminal.Capabilities{})
	link := terminal.NewDirectLink(terminal.DirectConfig{
		DeviceID: "door-1",
		Driver:   driver,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err := link.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	clk := clock.Fake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	coordinator := newCoordinator(clk)

	done := make(chan Result, 1)
	go func() {
		done <- coordinator.Verify(context.Background(), link, "door-1", "1001")
	}()

	// First attempt misses; the user appears during the backoff.
	clk.WaitForTimers(1)
	driver.SeedUsers([]terminal.UserRecord{{UID: 1, UserID: "1001", Name: "Ada"}})
	clk.Advance(time.Second)

	result := <-done
	if !result.OK {
		t.Fatalf("Verify = %+v", result)
	}
}

func TestVerifyGivesUpAfterAttempts(t *testing.T) {
	driver := terminal.NewMemDriver(terminal.Capabilities{})
	link := terminal.NewDirectLink(terminal.DirectConfig{
		DeviceID: "door-1",
		Driver:   driver,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err := link.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	clk := clock.Fake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	coordinator := newCoordinator(clk)

	done := make(chan Result, 1)
	go func() {
		done <- coordinator.Verify(context.Background(), link, "door-1", "absent")
	}()

	for i := 0; i < 2; i++ {
		clk.WaitForTimers(1)
		clk.Advance(time.Second)
	}
	result := <-done
	if result.OK {
		t.Fatal("Verify succeeded for an absent user")
	}
	if result.Message == "" {
		t.Error("failure result carries no message")
	}
}
